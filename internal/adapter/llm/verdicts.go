package llm

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// Verdict is the model's second opinion about one known candidate
// relationship, produced during directory and global resolution.
type Verdict struct {
	ID          string   `json:"id"`
	Found       bool     `json:"found"`
	Probability *float64 `json:"probability"`
}

// VerdictResponse is the resolution-stage contract.
type VerdictResponse struct {
	Verdicts []Verdict `json:"verdicts"`
}

// ParseVerdictResponse sanitizes and validates a resolution response.
func ParseVerdictResponse(s *Sanitizer, raw string) (VerdictResponse, error) {
	cleaned := s.Sanitize(raw)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &keys); err != nil {
		return VerdictResponse{}, fmt.Errorf("op=llm.parse_verdicts: %w: %w", domain.ErrJobUnrecoverable, err)
	}
	if _, ok := keys["verdicts"]; !ok {
		return VerdictResponse{}, fmt.Errorf("op=llm.parse_verdicts: missing verdicts array: %w: %w", domain.ErrSchemaInvalid, domain.ErrJobUnrecoverable)
	}

	var resp VerdictResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return VerdictResponse{}, fmt.Errorf("op=llm.parse_verdicts: %w: %w", domain.ErrJobUnrecoverable, err)
	}
	return resp, nil
}
