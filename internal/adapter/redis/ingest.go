package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nksrentas/carbonpulse/internal/adapter/metrics"
	"github.com/nksrentas/carbonpulse/internal/broadcast"
	"github.com/nksrentas/carbonpulse/internal/domain"
	"github.com/nksrentas/carbonpulse/internal/platform/correlation"
	goredis "github.com/redis/go-redis/v9"
)

// Ingest outcome labels.
const (
	ingestDispatched = "dispatched"
	ingestRejected   = "rejected"
)

type eventDispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) (broadcast.DispatchResult, error)
}

// EventSubscriber forwards event envelopes published on a redis channel to the dispatcher.
type EventSubscriber struct {
	rdb        goredis.UniversalClient
	channel    string
	dispatcher eventDispatcher
	metrics    *metrics.RedisMetrics
}

func NewEventSubscriber(rdb goredis.UniversalClient, channel string, dispatcher eventDispatcher, m *metrics.RedisMetrics) *EventSubscriber {
	return &EventSubscriber{rdb: rdb, channel: channel, dispatcher: dispatcher, metrics: m}
}

// Start blocks until ctx is cancelled or the subscription is closed.
func (s *EventSubscriber) Start(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer func() { _ = pubsub.Close() }()

	slog.Info("Listening for producer events", "channel", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage never fails the subscription: bad payloads are logged and dropped.
func (s *EventSubscriber) handleMessage(ctx context.Context, payload string) {
	ctx = correlation.WithID(ctx, correlation.NewID())

	var env domain.EventEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.WarnContext(ctx, "Dropping malformed producer event", "channel", s.channel, "error", err)
		s.metrics.Ingested(ingestRejected)
		return
	}

	ev, err := domain.DecodeEvent(env)
	if err != nil {
		slog.WarnContext(ctx, "Dropping invalid producer event", "channel", s.channel, "type", env.Type, "error", err)
		s.metrics.Ingested(ingestRejected)
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to dispatch producer event", "type", env.Type, "error", err)
		s.metrics.Ingested(ingestRejected)
		return
	}

	s.metrics.Ingested(ingestDispatched)
	slog.DebugContext(ctx, "Producer event dispatched", "type", env.Type, "recipients", result.Recipients)
}

// PublishEvent is the producer side of EventSubscriber.
func PublishEvent(ctx context.Context, rdb goredis.Cmdable, channel string, ev domain.Event) error {
	env, err := domain.EncodeEvent(ev)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", ev.Kind(), err)
	}

	if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Kind(), err)
	}
	return nil
}
