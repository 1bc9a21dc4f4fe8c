package scout

import (
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// TokenCounter reports the token count of a text for batch budgeting.
// Satisfied by tokencount.Counter.
type TokenCounter interface {
	CountTokens(text string) int
}

// Packer greedily packs files into batches whose summed token counts stay
// under maxTokensPerBatch minus promptOverhead. A single file over the budget
// is emitted alone; downstream workers may truncate it further.
type Packer struct {
	runID   string
	budget  int
	counter TokenCounter

	current domain.Batch
}

// NewPacker constructs a Packer for one run. The prompt overhead is budgeted
// out of maxTokens, not added per file.
func NewPacker(runID string, counter TokenCounter, maxTokens, promptOverhead int) *Packer {
	budget := maxTokens - promptOverhead
	if budget < 1 {
		budget = 1
	}
	return &Packer{
		runID:   runID,
		budget:  budget,
		counter: counter,
		current: newBatch(runID),
	}
}

func newBatch(runID string) domain.Batch {
	return domain.Batch{BatchID: ulid.Make().String(), RunID: runID}
}

// Add packs one file and returns any batches closed by the addition.
// Oversized files close the current batch and are emitted solo, in order.
func (p *Packer) Add(path, content string) []domain.Batch {
	tokens := p.counter.CountTokens(content)
	var closed []domain.Batch

	if tokens > p.budget {
		if len(p.current.Files) > 0 {
			closed = append(closed, p.current)
			p.current = newBatch(p.runID)
		}
		solo := newBatch(p.runID)
		solo.Files = []domain.BatchFile{{Path: path, Content: content}}
		solo.TokenCount = tokens
		closed = append(closed, solo)
		return closed
	}

	if p.current.TokenCount+tokens > p.budget {
		closed = append(closed, p.current)
		p.current = newBatch(p.runID)
	}
	p.current.Files = append(p.current.Files, domain.BatchFile{Path: path, Content: content})
	p.current.TokenCount += tokens
	return closed
}

// Flush closes and returns the in-progress batch, or nil when empty.
func (p *Packer) Flush() *domain.Batch {
	if len(p.current.Files) == 0 {
		return nil
	}
	b := p.current
	p.current = newBatch(p.runID)
	return &b
}
