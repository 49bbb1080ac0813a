package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/forge/internal/engine"
)

// Subscription is an active subscription to an instance's event channel.
type Subscription struct {
	pubsub *redis.PubSub
	events <-chan engine.Event
	cancel context.CancelFunc
}

// Events returns the channel of decoded events. It is closed when the
// subscription is closed or the context passed to Subscribe is done.
func (s *Subscription) Events() <-chan engine.Event {
	return s.events
}

// Close stops the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe listens on the instance's event channel. Messages that do not
// decode as events are logged and skipped.
func Subscribe(ctx context.Context, rdb *redis.Client, instance string, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pubsub := rdb.Subscribe(ctx, EventsChannel(instance))
	// Wait for the subscription to be confirmed so no message is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan engine.Event, defaultBuffer)

	go func() {
		defer close(events)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev engine.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("skipping undecodable event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{pubsub: pubsub, events: events, cancel: cancel}, nil
}
