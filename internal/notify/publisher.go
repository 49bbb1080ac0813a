// Package notify publishes engine lifecycle events to Redis Pub/Sub so that
// processes outside the engine can follow runs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/forge/internal/engine"
)

const (
	defaultBuffer  = 256
	publishTimeout = 2 * time.Second
)

// EventsChannel returns the Pub/Sub channel carrying events for an instance.
func EventsChannel(instance string) string {
	return fmt.Sprintf("forge:%s:sample_events", instance)
}

// Publisher is an engine.Observer that forwards events to Redis. Observe
// never blocks: events are queued and published by a background goroutine,
// and are dropped when the queue is full.
type Publisher struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger

	events chan engine.Event
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewPublisher connects to Redis and starts the publishing goroutine. The
// instance name namespaces the channel.
func NewPublisher(opts *redis.Options, instance string, logger *slog.Logger) (*Publisher, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Publisher{
		rdb:     redis.NewClient(opts),
		channel: EventsChannel(instance),
		logger:  logger,
		events:  make(chan engine.Event, defaultBuffer),
	}
	p.wg.Go(p.run)
	return p, nil
}

// Ping verifies Redis connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Channel returns the channel events are published on.
func (p *Publisher) Channel() string {
	return p.channel
}

// Observe queues ev for publishing.
func (p *Publisher) Observe(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.dropped++
		p.logger.Warn("dropping event, publish queue full", "run_id", ev.RunID, "type", ev.Type)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Publisher) run() {
	for ev := range p.events {
		if err := p.publish(ev); err != nil {
			p.logger.Warn("failed to publish event", "run_id", ev.RunID, "type", ev.Type, "error", err)
		}
	}
}

func (p *Publisher) publish(ev engine.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close publishes whatever is still queued, then closes the Redis client.
// It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	p.wg.Wait()
	return p.rdb.Close()
}
