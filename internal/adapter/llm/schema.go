package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// POIFinding is one code entity reported by the model.
type POIFinding struct {
	FilePath   string `json:"filePath"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	StartLine  int    `json:"startLine"`
	EndLine    int    `json:"endLine"`
	IsExported bool   `json:"isExported"`
}

// RelationshipFinding is one proposed edge reported by the model.
// Probability is optional on the wire; a missing value is uncalibrated.
type RelationshipFinding struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Type        string   `json:"type"`
	Explanation string   `json:"explanation"`
	Probability *float64 `json:"probability"`
}

// AnalysisResponse is the contract the prompt demands: exactly two top-level
// arrays and nothing else.
type AnalysisResponse struct {
	POIs          []POIFinding          `json:"pois"`
	Relationships []RelationshipFinding `json:"relationships"`
}

// ParseAnalysisResponse sanitizes and validates a raw model response.
// A document missing either top-level key is a deterministic contract
// violation and wraps domain.ErrJobUnrecoverable.
func ParseAnalysisResponse(s *Sanitizer, raw string) (AnalysisResponse, error) {
	cleaned := s.Sanitize(raw)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &keys); err != nil {
		return AnalysisResponse{}, fmt.Errorf("op=llm.parse: %w: %w", domain.ErrJobUnrecoverable, err)
	}
	if _, ok := keys["pois"]; !ok {
		return AnalysisResponse{}, fmt.Errorf("op=llm.parse: missing pois array: %w: %w", domain.ErrSchemaInvalid, domain.ErrJobUnrecoverable)
	}
	if _, ok := keys["relationships"]; !ok {
		return AnalysisResponse{}, fmt.Errorf("op=llm.parse: missing relationships array: %w: %w", domain.ErrSchemaInvalid, domain.ErrJobUnrecoverable)
	}

	var resp AnalysisResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return AnalysisResponse{}, fmt.Errorf("op=llm.parse: %w: %w", domain.ErrJobUnrecoverable, err)
	}

	// Unknown tags are rejected, not guessed at.
	resp.POIs = filterPOIs(resp.POIs)
	resp.Relationships = filterRelationships(resp.Relationships)
	return resp, nil
}

func filterPOIs(in []POIFinding) []POIFinding {
	out := in[:0]
	for _, p := range in {
		if p.Name == "" || !domain.KnownPOIType(domain.POIType(p.Type)) {
			slog.Warn("dropping POI with unknown type or empty name",
				slog.String("type", p.Type), slog.String("name", p.Name))
			continue
		}
		out = append(out, p)
	}
	return out
}

func filterRelationships(in []RelationshipFinding) []RelationshipFinding {
	out := in[:0]
	for _, r := range in {
		if r.Source == "" || r.Target == "" || !domain.KnownRelationshipType(domain.RelationshipType(r.Type)) {
			slog.Warn("dropping relationship with unknown type or missing endpoint",
				slog.String("type", r.Type), slog.String("source", r.Source), slog.String("target", r.Target))
			continue
		}
		out = append(out, r)
	}
	return out
}
