// Package redpanda provides the Redpanda/Kafka event bus integration.
//
// The producer publishes outbox messages with transactional exactly-once
// semantics; the consumer receives worker progress and terminal events and
// feeds them to the lifecycle engine.
package redpanda

import (
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// Producer wraps a transactional Kafka producer and implements domain.EventBus.
type Producer struct {
	client *kgo.Client
	// Serializes transactions; franz-go allows one open transaction per client.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "crawl-orchestrator-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, useful for tests to avoid conflicts.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating bus producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("bus client: %w", err)
	}

	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Publish sends one keyed record inside a producer transaction. The outbox
// bridge is the only caller on the hot path; per-key ordering follows the
// order of calls.
func (p *Producer) Publish(ctx domain.Context, topic, key string, payload []byte) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	observability.OutboxPublishedTotal.Inc()
	slog.Debug("bus publish successful", slog.String("topic", topic), slog.String("key", key))
	return nil
}

// Ping checks broker reachability for readiness probes.
func (p *Producer) Ping(ctx domain.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
