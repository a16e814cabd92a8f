// Package notify carries session change notices to in-process subscribers
// over a watermill Go-channel pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tjfontaine/nexus-session/internal/domain"
)

// Topic is the watermill topic change notices are published on.
const Topic = "session.changed"

// Change announces that the session snapshot moved to Version.
type Change struct {
	LocalID string               `json:"local_id"`
	Version uint64               `json:"version"`
	Status  domain.SessionStatus `json:"status"`
	// Reason names the mutation, e.g. "created" or "telemetry".
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Notifier receives change notices.
type Notifier interface {
	Notify(Change)
}

// Bus publishes change notices. Notices published while nobody is
// subscribed are dropped.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

var _ Notifier = (*Bus)(nil)

// NewBus creates a bus. A nil logger selects slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger)),
		logger: logger,
	}
}

// Notify publishes c. Failures are logged, never returned; a lost notice
// only delays a subscriber until the next one.
func (b *Bus) Notify(c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		b.logger.Warn("failed to encode change notice", slog.String("error", err.Error()))
		return
	}
	if err := b.pubsub.Publish(Topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		b.logger.Warn("failed to publish change notice",
			slog.String("error", err.Error()),
			slog.Uint64("version", c.Version))
	}
}

// Subscribe returns a channel of change notices. The channel is closed
// when ctx is done or the bus is closed. Notices may arrive out of order;
// consumers compare Version.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Change, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		for msg := range messages {
			var c Change
			if err := json.Unmarshal(msg.Payload, &c); err != nil {
				b.logger.Warn("dropping undecodable change notice", slog.String("error", err.Error()))
				msg.Ack()
				continue
			}
			select {
			case out <- c:
				msg.Ack()
			case <-ctx.Done():
				msg.Ack()
				// Drain until watermill closes the subscription.
				for m := range messages {
					m.Ack()
				}
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
