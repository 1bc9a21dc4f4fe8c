// Package redpanda mirrors outbox events onto a Kafka/Redpanda topic so
// external consumers can observe pipeline findings without touching the
// relational store. Delivery is at-least-once; records are keyed by run ID
// so per-run ordering holds within a partition.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// TopicFindings carries every mirrored outbox event.
const TopicFindings = "code-graph-findings"

// Mirror publishes outbox events to Kafka inside producer transactions.
type Mirror struct {
	client *kgo.Client
	// txCh serializes transactions; franz-go allows one per client at a time.
	txCh chan struct{}
}

// NewMirror constructs a transactional Mirror against the given brokers.
func NewMirror(brokers []string) (*Mirror, error) {
	return NewMirrorWithTransactionalID(brokers, "code-graph-pipeline-mirror")
}

// NewMirrorWithTransactionalID allows tests to isolate transactional IDs.
func NewMirrorWithTransactionalID(brokers []string, transactionalID string) (*Mirror, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewMirror: %w: no seed brokers", domain.ErrInvalidArgument)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewMirror: client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicFindings, 1, 1); err != nil {
		slog.Warn("failed to create findings topic, it may already exist",
			slog.String("topic", TopicFindings), slog.Any("error", err))
	}
	return &Mirror{client: client, txCh: make(chan struct{}, 1)}, nil
}

type mirrorRecord struct {
	ID        int64  `json:"id"`
	EventType string `json:"eventType"`
	Payload   string `json:"payload"`
}

// Publish mirrors one outbox event. The runID keys the record.
func (m *Mirror) Publish(ctx domain.Context, runID string, ev domain.OutboxEvent) error {
	select {
	case m.txCh <- struct{}{}:
		defer func() { <-m.txCh }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=redpanda.Publish: begin: %w", err)
	}
	b, err := json.Marshal(mirrorRecord{ID: ev.ID, EventType: ev.EventType, Payload: ev.Payload})
	if err != nil {
		if abortErr := m.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort mirror transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=redpanda.Publish: marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: TopicFindings,
		Key:   []byte(runID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "run_id", Value: []byte(runID)},
		},
	}
	if err := m.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if abortErr := m.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort mirror transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=redpanda.Publish: produce: %w", err)
	}
	if err := m.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=redpanda.Publish: commit: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying client.
func (m *Mirror) Close() {
	m.client.Close()
}
