package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// EventHandler receives decoded events from the bus. The lifecycle engine
// implements it; handlers must be idempotent because the consumer delivers
// at-least-once.
type EventHandler interface {
	HandleProgress(ctx domain.Context, ev domain.ProgressEvent) error
	HandleResult(ctx domain.Context, ev domain.ResultEvent) error
	HandleUserEvent(ctx domain.Context, eventType string, payload []byte) error
}

// Consumer is a group consumer over the worker-facing topics. Records are
// keyed by job ID so per-job ordering holds within a partition.
type Consumer struct {
	client   *kgo.Client
	handler  EventHandler
	groupID  string
	topics   []string
	shutdown chan struct{}
}

// NewConsumer constructs a Consumer subscribed to the progress, result and
// user event topics.
func NewConsumer(brokers []string, groupID string, handler EventHandler) (*Consumer, error) {
	return NewConsumerWithTopics(brokers, groupID, handler,
		domain.TopicCrawlProgress, domain.TopicCrawlResult, domain.TopicUserEvents)
}

// NewConsumerWithTopics constructs a Consumer over an explicit topic set.
// Tests use this to isolate themselves on unique topics.
func NewConsumerWithTopics(brokers []string, groupID string, handler EventHandler, topics ...string) (*Consumer, error) {
	slog.Info("creating bus consumer", slog.Any("brokers", brokers), slog.String("group_id", groupID), slog.Any("topics", topics))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	if err := EnsureTopics(context.Background(), brokers, topics); err != nil {
		slog.Warn("failed to ensure topics, they may already exist", slog.Any("error", err))
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("bus consumer client: %w", err)
	}

	return &Consumer{
		client:   client,
		handler:  handler,
		groupID:  groupID,
		topics:   topics,
		shutdown: make(chan struct{}),
	}, nil
}

// Start polls until the context is cancelled. Fetch errors are logged and
// retried; only context cancellation ends the loop.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting bus consumer", slog.String("group_id", c.groupID), slog.Any("topics", c.topics))

	for {
		select {
		case <-ctx.Done():
			slog.Info("bus consumer shutting down")
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("bus fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			if err := c.processRecord(ctx, record); err != nil {
				observability.BusEventsTotal.WithLabelValues(record.Topic, "error").Inc()
				slog.Error("failed to process bus record",
					slog.String("topic", record.Topic),
					slog.Int64("offset", record.Offset),
					slog.String("key", string(record.Key)),
					slog.Any("error", err))
				return
			}
			observability.BusEventsTotal.WithLabelValues(record.Topic, "ok").Inc()
			c.client.MarkCommitRecords(record)
		})
	}
}

// processRecord decodes one record and dispatches it to the handler.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("bus.consumer")
	ctx, span := tracer.Start(ctx, "ProcessBusRecord")
	defer span.End()

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("topic", record.Topic),
		slog.String("key", string(record.Key)),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	switch record.Topic {
	case domain.TopicCrawlProgress:
		var ev domain.ProgressEvent
		if err := json.Unmarshal(record.Value, &ev); err != nil {
			return fmt.Errorf("unmarshal progress event: %w", err)
		}
		return c.handler.HandleProgress(ctx, ev)
	case domain.TopicCrawlResult:
		var ev domain.ResultEvent
		if err := json.Unmarshal(record.Value, &ev); err != nil {
			return fmt.Errorf("unmarshal result event: %w", err)
		}
		return c.handler.HandleResult(ctx, ev)
	case domain.TopicUserEvents:
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(record.Value, &env); err != nil {
			return fmt.Errorf("unmarshal user event: %w", err)
		}
		return c.handler.HandleUserEvent(ctx, env.Type, record.Value)
	default:
		lg.Warn("record on unexpected topic, skipping")
		return nil
	}
}

// Close closes the consumer client.
func (c *Consumer) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
