// Package stub provides a fast, deterministic LLM client for local runs and
// tests. The real HTTP client is an external collaborator wired at the edge.
package stub

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// Client fabricates plausible analysis output from the prompt itself.
type Client struct{}

// New constructs a stub client.
func New() *Client { return &Client{} }

var (
	fileBlockRe = regexp.MustCompile(`--- FILE START --- Path: (.+)`)
	funcRe      = regexp.MustCompile(`(?m)^\s*(?:func|function|def)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	verdictRe   = regexp.MustCompile(`(?m)^- id=(\S+)`)
)

// AnalyzeJSON returns deterministic JSON matching whichever contract the
// prompt asks for: per-file analysis or resolution verdicts.
func (c *Client) AnalyzeJSON(_ domain.Context, _ string, userPrompt string) (string, error) {
	// Simulate a tiny bit of processing latency to resemble real work
	time.Sleep(10 * time.Millisecond)

	if ids := verdictRe.FindAllStringSubmatch(userPrompt, -1); len(ids) > 0 {
		verdicts := make([]map[string]any, 0, len(ids))
		for _, m := range ids {
			verdicts = append(verdicts, map[string]any{"id": m[1], "found": true, "probability": 0.8})
		}
		b, _ := json.Marshal(map[string]any{"verdicts": verdicts})
		return string(b), nil
	}

	var pois []map[string]any
	var rels []map[string]any
	var prev string
	for _, block := range strings.Split(userPrompt, "--- FILE END ---") {
		pm := fileBlockRe.FindStringSubmatch(block)
		if pm == nil {
			continue
		}
		path := strings.TrimSpace(pm[1])
		pois = append(pois, map[string]any{
			"filePath": path, "name": path, "type": "File",
			"startLine": 1, "endLine": strings.Count(block, "\n") + 1, "isExported": false,
		})
		for i, fm := range funcRe.FindAllStringSubmatch(block, -1) {
			name := fm[1]
			pois = append(pois, map[string]any{
				"filePath": path, "name": name, "type": "Function",
				"startLine": i + 1, "endLine": i + 2, "isExported": strings.ToUpper(name[:1]) == name[:1],
			})
			if prev != "" {
				rels = append(rels, map[string]any{
					"source": prev, "target": fmt.Sprintf("%s#%s", path, name), "type": "CALLS",
					"explanation": "stub call edge", "probability": 0.85,
				})
			}
			prev = fmt.Sprintf("%s#%s", path, name)
		}
	}
	if pois == nil {
		pois = []map[string]any{}
	}
	if rels == nil {
		rels = []map[string]any{}
	}
	b, _ := json.Marshal(map[string]any{"pois": pois, "relationships": rels})
	return string(b), nil
}
