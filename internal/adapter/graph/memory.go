// Package graph provides implementations of the graph-sink port: an HTTP
// bulk-merge client for a real graph database gateway and an in-memory
// recording sink for tests and local runs.
package graph

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// MemorySink records merged nodes and relationships in process memory.
// Merges are idempotent: nodes key on (checksum, filePath), relationships on
// (source.checksum, type, target.checksum). Repeating a merge overwrites the
// stored properties, matching MERGE ... SET semantics.
type MemorySink struct {
	mu    sync.Mutex
	nodes map[string]domain.GraphNode
	rels  map[string]domain.GraphRelationship

	// FailNext forces the next MergeBatch calls to fail, for retry tests.
	FailNext int
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		nodes: make(map[string]domain.GraphNode),
		rels:  make(map[string]domain.GraphRelationship),
	}
}

func nodeKey(n domain.GraphNode) string {
	return n.Checksum + "|" + n.FilePath
}

func relKey(r domain.GraphRelationship) string {
	return r.SourceChecksum + "|" + r.Type + "|" + r.TargetChecksum
}

// MergeBatch applies the whole batch or none of it.
func (s *MemorySink) MergeBatch(_ domain.Context, nodes []domain.GraphNode, rels []domain.GraphRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return fmt.Errorf("op=graph.MergeBatch: %w: injected failure", domain.ErrInternal)
	}
	for _, n := range nodes {
		s.nodes[nodeKey(n)] = n
	}
	for _, r := range rels {
		s.rels[relKey(r)] = r
	}
	return nil
}

// NodeCount returns the number of distinct merged nodes.
func (s *MemorySink) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// RelationshipCount returns the number of distinct merged relationships.
func (s *MemorySink) RelationshipCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rels)
}

// Relationship returns a merged relationship by its identity key.
func (s *MemorySink) Relationship(source, relType, target string) (domain.GraphRelationship, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rels[source+"|"+relType+"|"+target]
	return r, ok
}

var _ domain.GraphSink = (*MemorySink)(nil)
