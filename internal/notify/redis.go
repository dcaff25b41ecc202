package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis publishes events as JSON on a shared channel and on a per-export
// channel named "<channel>:<export id>".
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// ExportChannel returns the per-export channel name.
func (r *Redis) ExportChannel(id uuid.UUID) string {
	return fmt.Sprintf("%s:%s", r.channel, id)
}

func (r *Redis) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.channel, payload)
	pipe.Publish(ctx, r.ExportChannel(event.ExportID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, exportID uuid.UUID) (<-chan Event, func(), error) {
	ps := r.client.Subscribe(ctx, r.ExportChannel(exportID))
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("dropping malformed export event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

var (
	_ Notifier   = (*Redis)(nil)
	_ Subscriber = (*Redis)(nil)
)
