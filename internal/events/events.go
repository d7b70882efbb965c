// Package events carries job transitions between processes over Redis
// pub/sub. Workers publish; each API process relays into its WebSocket hub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beatgen/api/internal/model"
)

const DefaultChannel = "beatgen:job-events"

const publishTimeout = 2 * time.Second

// Sink receives relayed events
type Sink interface {
	Notify(event model.JobEvent)
}

// Publisher publishes job events to a Redis channel
type Publisher struct {
	redis   *redis.Client
	channel string
	logger  *slog.Logger
}

func NewPublisher(redisClient *redis.Client, channel string, logger *slog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{redis: redisClient, channel: channel, logger: logger}
}

// Notify publishes event. Failures are logged; delivery is best effort.
func (p *Publisher) Notify(event model.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal job event", "job_id", event.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("failed to publish job event", "job_id", event.JobID, "error", err)
	}
}

// Relay forwards events from a Redis channel into a sink
type Relay struct {
	redis   *redis.Client
	channel string
	sink    Sink
	logger  *slog.Logger
}

func NewRelay(redisClient *redis.Client, channel string, sink Sink, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{redis: redisClient, channel: channel, sink: sink, logger: logger}
}

// Run subscribes and forwards until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.redis.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no early event is lost.
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.logger.Info("relaying job events", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event model.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("discarding malformed job event", "error", err)
				continue
			}
			r.sink.Notify(event)
		}
	}
}
