package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// HTTPSink talks to a graph-database gateway exposing a bulk MERGE endpoint.
// One POST carries one transactional batch; the gateway applies all merges
// or none.
type HTTPSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSink constructs an HTTPSink for the given gateway.
func NewHTTPSink(baseURL, apiKey string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type mergeRequest struct {
	Nodes         []domain.GraphNode         `json:"nodes"`
	Relationships []domain.GraphRelationship `json:"relationships"`
}

// MergeBatch posts the batch, retrying transient failures briefly. A 4xx
// response is a contract failure and is not retried here; the caller's
// shrinking-batch loop decides what happens next.
func (s *HTTPSink) MergeBatch(ctx domain.Context, nodes []domain.GraphNode, rels []domain.GraphRelationship) error {
	body, err := json.Marshal(mergeRequest{Nodes: nodes, Relationships: rels})
	if err != nil {
		return fmt.Errorf("op=graph.MergeBatch: marshal: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/merge", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("op=graph.MergeBatch: post: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("op=graph.MergeBatch: status=%d body=%s", resp.StatusCode, snippet)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return err
	}
	observability.GraphMergesTotal.WithLabelValues("node").Add(float64(len(nodes)))
	observability.GraphMergesTotal.WithLabelValues("relationship").Add(float64(len(rels)))
	return nil
}

var _ domain.GraphSink = (*HTTPSink)(nil)
