// Package triangulate fuses independent evidence records about a candidate
// relationship into a single confidence score and reconciliation status.
package triangulate

import (
	"log/slog"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

const (
	agreementBoost      = 0.2
	disagreementPenalty = 0.5
)

// EvidenceInput is one worker's opinion as fed to the reconciler. Nil fields
// mark a malformed record; malformed records after the first are skipped with
// a warning, a malformed first record defaults the whole result.
type EvidenceInput struct {
	InitialScore      *float64
	FoundRelationship *bool
	SourceWorker      domain.SourceWorker
}

// FromEvidence converts a persisted evidence row, which is well-formed by
// construction, into reconciler input.
func FromEvidence(e domain.Evidence) *EvidenceInput {
	score := e.InitialScore
	found := e.FoundRelationship
	return &EvidenceInput{InitialScore: &score, FoundRelationship: &found, SourceWorker: e.SourceWorker}
}

func (e *EvidenceInput) malformed() bool {
	return e == nil || e.InitialScore == nil || e.FoundRelationship == nil
}

// Result is the outcome of reconciling an ordered evidence sequence.
type Result struct {
	FinalScore    float64
	HasConflict   bool
	Agreements    int
	Disagreements int
	Skipped       int
}

// Reconcile fuses an ordered evidence sequence into a final score.
//
// The seed is the first record's initial score. Each later agreement moves
// the score a fifth of the way toward 1; each disagreement halves it, so a
// single strong disagreement cuts an otherwise-confident relationship down
// while agreement converges sublinearly toward 1. The result is clamped to
// [0,1].
func Reconcile(evidence []*EvidenceInput) Result {
	if len(evidence) == 0 {
		return Result{}
	}
	first := evidence[0]
	if first.malformed() {
		slog.Warn("reconcile: first evidence record malformed, defaulting",
			slog.Int("evidence_count", len(evidence)))
		return Result{Skipped: len(evidence)}
	}

	score := *first.InitialScore
	var agreements, disagreements, skipped int
	if *first.FoundRelationship {
		agreements = 1
	} else {
		disagreements = 1
	}

	for i, e := range evidence[1:] {
		if e.malformed() {
			slog.Warn("reconcile: skipping malformed evidence record", slog.Int("index", i+1))
			skipped++
			continue
		}
		if *e.FoundRelationship {
			score += (1 - score) * agreementBoost
			agreements++
		} else {
			score *= disagreementPenalty
			disagreements++
		}
	}

	return Result{
		FinalScore:    clamp01(score),
		HasConflict:   agreements > 0 && disagreements > 0,
		Agreements:    agreements,
		Disagreements: disagreements,
		Skipped:       skipped,
	}
}

// Thresholds map a final score to a reconciliation status.
type Thresholds struct {
	Validate float64
	Discard  float64
}

// DefaultThresholds are the compiled-in defaults; both are configurable.
func DefaultThresholds() Thresholds { return Thresholds{Validate: 0.65, Discard: 0.35} }

// Status assigns the terminal reconciliation status for a result. Conflicted
// relationships stay visible but are never fed to graph finalization.
func (t Thresholds) Status(r Result) domain.RelationshipStatus {
	switch {
	case r.FinalScore >= t.Validate && !r.HasConflict:
		return domain.RelValidated
	case r.FinalScore <= t.Discard:
		return domain.RelDiscarded
	default:
		return domain.RelConflicted
	}
}

// ClampProbability normalizes an LLM-reported probability. A nil probability
// is uncalibrated and defaults to 0.5 with a warning.
func ClampProbability(p *float64, relationship string) float64 {
	if p == nil {
		slog.Warn("missing probability in LLM output, defaulting to 0.5 (uncalibrated)",
			slog.String("relationship", relationship))
		return 0.5
	}
	return clamp01(*p)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
