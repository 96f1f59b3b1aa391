// Package bus carries signal messages between users. Every signal is
// appended to the Postgres signal log and then published on the recipient's
// valkey channel; subscribers replay the log on every (re)subscription so a
// dropped connection loses nothing.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

// SignalLog is the durable side of the bus.
type SignalLog interface {
	InsertSignal(ctx context.Context, msg *calls.SignalMessage) error
	ListSignalsSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]calls.SignalMessage, error)
}

// Publisher pushes a payload to everyone listening on channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Broker receives payloads published on channel until ctx is done or the
// connection drops. ready is called each time the subscription is confirmed.
type Broker interface {
	Listen(ctx context.Context, channel string, ready func(), deliver func(payload []byte)) error
}

// Channel is the pub/sub channel a user's signals are published on.
func Channel(userID uuid.UUID) string {
	return "signals:" + userID.String()
}

// Dispatcher sends signals through the log and the broker.
type Dispatcher struct {
	signals SignalLog
	pub     Publisher
	logger  *log.Logger
}

func NewDispatcher(signals SignalLog, pub Publisher, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		signals: signals,
		pub:     pub,
		logger:  logger,
	}
}

// Send logs msg and publishes it to the recipient. Failures wrap
// calls.ErrTransport. Sending the same message id twice is safe.
func (d *Dispatcher) Send(ctx context.Context, msg calls.SignalMessage) error {
	if err := d.signals.InsertSignal(ctx, &msg); err != nil {
		return fmt.Errorf("%w: %w", calls.ErrTransport, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal signal: %w", calls.ErrTransport, err)
	}

	if err := d.pub.Publish(ctx, Channel(msg.ToUserID), data); err != nil {
		return fmt.Errorf("%w: %w", calls.ErrTransport, err)
	}

	d.logger.Debug("Signal sent",
		"signal_id", msg.ID,
		"call_id", msg.CallID,
		"type", msg.Type,
		"to", msg.ToUserID,
	)
	return nil
}
