package llm

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// SystemPrompt instructs the model to emit the two-array JSON contract and
// nothing else.
const SystemPrompt = `You are a polyglot source-code analyst. Analyze the provided files and respond with a single JSON object containing exactly two top-level arrays: "pois" and "relationships". Do not emit prose, markdown fences, or any other keys.

Each pois entry: {"filePath", "name", "type", "startLine", "endLine", "isExported"} where type is one of File, Class, Function, Method, Variable, Import, Export, Database, Table, View.

Each relationships entry: {"source", "target", "type", "explanation", "probability"} where source/target are POI names qualified by file path as "path#name", type is one of CALLS, IMPORTS, INHERITS_FROM, IMPLEMENTS, USES, EXPORTS, HAS_METHOD, and probability is your confidence in [0,1].`

// BuildBatchPrompt renders the file blocks for one analysis batch.
func BuildBatchPrompt(files []domain.BatchFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "--- FILE START --- Path: %s\n%s\n--- FILE END ---\n", f.Path, f.Content)
	}
	return b.String()
}

// BuildDirectoryPrompt asks the model to re-examine candidate relationships
// with the whole directory's POIs in view.
func BuildDirectoryPrompt(dir string, pois []domain.POI, candidates []CandidateRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Directory under review: %s\n\nKnown entities:\n", dir)
	for _, p := range pois {
		fmt.Fprintf(&b, "- %s#%s (%s, lines %d-%d)\n", p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine)
	}
	b.WriteString("\nCandidate relationships to confirm or reject:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s %s %s %s\n", c.ID, c.Source, c.Type, c.Target)
	}
	b.WriteString("\nRespond with JSON {\"verdicts\": [{\"id\", \"found\", \"probability\"}]} and nothing else.\n")
	return b.String()
}

// CandidateRef names one candidate relationship inside a resolution prompt.
type CandidateRef struct {
	ID     string
	Source string
	Target string
	Type   string
}
