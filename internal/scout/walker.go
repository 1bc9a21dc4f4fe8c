// Package scout discovers source files in a target repository, packs them
// into token-bounded batches and enqueues them for analysis under a
// distributed discovery lock.
package scout

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/src-d/enry/v2"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// WalkedFile is one readable source file yielded by the walker.
type WalkedFile struct {
	Path        string // slash-separated, relative to the walk root
	Content     string
	Checksum    string
	Language    string
	SpecialType string
}

// manifest, entrypoint and config filename heuristics.
var (
	manifestNames = map[string]bool{
		"package.json": true, "go.mod": true, "requirements.txt": true,
		"cargo.toml": true, "pom.xml": true, "build.gradle": true,
		"gemfile": true, "composer.json": true, "pyproject.toml": true,
	}
	entrypointRe = regexp.MustCompile(`^(main|index|server|app)\.[a-z]+$`)
	configExts   = map[string]bool{
		".yml": true, ".yaml": true, ".toml": true, ".ini": true, ".conf": true,
	}
)

func specialType(relPath string) string {
	base := strings.ToLower(path.Base(relPath))
	switch {
	case manifestNames[base]:
		return domain.SpecialManifest
	case entrypointRe.MatchString(base):
		return domain.SpecialEntrypoint
	case configExts[path.Ext(base)] || strings.HasPrefix(base, ".env"):
		return domain.SpecialConfig
	}
	return ""
}

// WalkFiles streams files under root, applying include and ignore glob
// patterns, skipping binaries, and yielding each readable text file to fn.
// A single unreadable file logs a warning and does not abort the walk.
func WalkFiles(ctx domain.Context, root string, include, ignore []string, fn func(WalkedFile) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			slog.Warn("walk error, skipping entry", slog.String("path", p), slog.Any("error", err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if matchesAny(ignore, rel) {
				return fs.SkipDir
			}
			return nil
		}
		if matchesAny(ignore, rel) {
			observability.FilesSkippedTotal.WithLabelValues("ignored").Inc()
			return nil
		}
		if len(include) > 0 && !matchesAny(include, rel) {
			return nil
		}
		if enry.IsVendor(rel) {
			observability.FilesSkippedTotal.WithLabelValues("vendor").Inc()
			return nil
		}

		data, readErr := os.ReadFile(p)
		if readErr != nil {
			slog.Warn("unreadable file, skipping", slog.String("path", rel), slog.Any("error", readErr))
			observability.FilesSkippedTotal.WithLabelValues("read_error").Inc()
			return nil
		}
		if isBinary(data) {
			observability.FilesSkippedTotal.WithLabelValues("binary").Inc()
			return nil
		}

		observability.FilesDiscoveredTotal.Inc()
		return fn(WalkedFile{
			Path:        rel,
			Content:     string(data),
			Checksum:    domain.ContentChecksum(data),
			Language:    enry.GetLanguage(path.Base(rel), data),
			SpecialType: specialType(rel),
		})
	})
}

func isBinary(data []byte) bool {
	if enry.IsBinary(data) {
		return true
	}
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return false
		}
	}
	return !strings.HasPrefix(mt.String(), "text/")
}

// matchesAny reports whether rel matches any of the glob patterns. A pattern
// without a slash matches any path segment; `**` spans directories.
func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if matchGlob(p, rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, rel string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	if !strings.Contains(pattern, "/") {
		// Segment-level pattern: match the basename or any directory segment.
		for _, seg := range strings.Split(rel, "/") {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
		return false
	}
	return globToRe(pattern).MatchString(rel)
}

var (
	globReMu    sync.Mutex
	globReCache = map[string]*regexp.Regexp{}
)

func globToRe(pattern string) *regexp.Regexp {
	globReMu.Lock()
	defer globReMu.Unlock()
	if re, ok := globReCache[pattern]; ok {
		return re
	}
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				// "**/" matches zero or more whole segments
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString(`(?:[^/]+/)*`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	globReCache[pattern] = re
	return re
}
