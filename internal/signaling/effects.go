package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rx3lixir/callcore/internal/calls"
)

// effect is a network side effect of a transition.
type effect func(ctx context.Context) error

// errSettled reports that the record was finished by someone else while the
// local call still expected to move forward.
var errSettled = errors.New("call record already settled")

// advance runs effects and then commits t. If any effect fails the call
// is failed instead and the remaining effects are skipped.
func (c *Core) advance(ctx context.Context, cl *call, t trigger, reason string, effects ...effect) {
	if _, ok := next(cl.session.Status, t); !ok {
		c.log.Debug("Ignoring trigger", "call_id", cl.session.ID, "status", cl.session.Status, "trigger", t)
		return
	}

	for _, fx := range effects {
		err := fx(ctx)
		if errors.Is(err, errSettled) {
			c.settle(cl)
			return
		}
		if err != nil {
			c.fail(cl, err)
			return
		}
	}

	to, ok := c.apply(cl, t)
	if !ok {
		return
	}
	if ev, ok := eventFor(to); ok {
		c.emit(cl, ev, reason, nil)
	}
}

func (c *Core) persistFx(cl *call, status calls.Status) effect {
	return func(ctx context.Context) error {
		return c.persist(ctx, cl, status)
	}
}

func (c *Core) sendFx(msg calls.SignalMessage) effect {
	return func(ctx context.Context) error {
		return c.send(ctx, msg)
	}
}

// persist writes status to the call record. When the record is missing or
// already terminal the peer got there first: that counts as success for a
// terminal status and yields errSettled for any other.
func (c *Core) persist(ctx context.Context, cl *call, status calls.Status) error {
	var endedAt *time.Time
	if status.Terminal() {
		now := c.clock.Now()
		endedAt = &now
	}

	err := c.store.UpdateCallStatus(ctx, cl.session.ID, status, endedAt)
	if errors.Is(err, calls.ErrNotFound) {
		c.log.Debug("Call record already settled", "call_id", cl.session.ID, "status", status)
		if status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: call %s", errSettled, cl.session.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update call %s to %s: %w", cl.session.ID, status, err)
	}
	return nil
}

// send dispatches msg, retrying once after RetryBackoff.
func (c *Core) send(ctx context.Context, msg calls.SignalMessage) error {
	err := c.dispatcher.Send(ctx, msg)
	if err == nil {
		return nil
	}

	c.log.Warn("Signal dispatch failed, retrying",
		"call_id", msg.CallID,
		"type", msg.Type,
		"error", err,
	)

	t := c.clock.Timer(c.cfg.RetryBackoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: send %s for call %s: %w", calls.ErrTransport, msg.Type, msg.CallID, ctx.Err())
	case <-t.C:
	}

	if err := c.dispatcher.Send(ctx, msg); err != nil {
		if errors.Is(err, calls.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: send %s for call %s: %w", calls.ErrTransport, msg.Type, msg.CallID, err)
	}
	return nil
}

// settle ends cl because its record was finished elsewhere. Nothing is sent:
// the other side already knows.
func (c *Core) settle(cl *call) {
	c.log.Info("Call ended elsewhere", "call_id", cl.session.ID, "status", cl.session.Status)

	if _, ok := c.apply(cl, trigRemoteEnd); !ok {
		return
	}
	c.emit(cl, EventCallEnded, calls.ReasonHangup, nil)
}

// fail moves cl to failed. The record update and the end notice to the
// peer are best effort.
func (c *Core) fail(cl *call, cause error) {
	c.log.Error("Call failed",
		"call_id", cl.session.ID,
		"status", cl.session.Status,
		"error", cause,
	)

	ctx, cancel := c.effectContext()
	defer cancel()

	now := c.clock.Now()
	if err := c.store.UpdateCallStatus(ctx, cl.session.ID, calls.StatusFailed, &now); err != nil && !errors.Is(err, calls.ErrNotFound) {
		c.log.Warn("Failed to record call failure", "call_id", cl.session.ID, "error", err)
	}
	if err := c.dispatcher.Send(ctx, c.endSignal(cl, calls.ReasonFailed)); err != nil {
		c.log.Warn("Failed to notify peer of call failure", "call_id", cl.session.ID, "error", err)
	}

	if _, ok := c.apply(cl, trigFailure); !ok {
		return
	}
	c.emit(cl, EventCallFailed, calls.ReasonFailed, cause)
}
