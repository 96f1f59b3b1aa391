package signaling

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

// OnSignal applies one inbound signal message. Replays, messages addressed
// to someone else and messages that do not fit the call's state are dropped.
func (c *Core) OnSignal(msg calls.SignalMessage) {
	if msg.ToUserID != c.userID || msg.FromUserID == c.userID || msg.CallID == uuid.Nil || !msg.Type.Valid() {
		c.log.Debug("Dropping malformed signal", "signal_id", msg.ID, "call_id", msg.CallID, "type", msg.Type)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if msg.ID != uuid.Nil {
		if dup, _ := c.seen.ContainsOrAdd(msg.ID, struct{}{}); dup {
			c.mu.Unlock()
			c.log.Debug("Dropping replayed signal", "signal_id", msg.ID, "call_id", msg.CallID)
			return
		}
	}

	cl, live := c.calls[msg.CallID]
	if !live {
		c.unknownCall(msg)
		return
	}
	c.mu.Unlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.done {
		return
	}
	c.reconcile(cl, msg)
}

// unknownCall handles a signal for a call with no live state. It is entered
// with c.mu held and releases it.
func (c *Core) unknownCall(msg calls.SignalMessage) {
	if c.finished.Contains(msg.CallID) {
		c.mu.Unlock()
		c.log.Debug("Dropping signal for finished call", "call_id", msg.CallID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case calls.SignalOffer:
		now := c.clock.Now()
		created := msg.CreatedAt
		if created.IsZero() {
			created = now
		}
		cl := &call{
			incoming: true,
			offer:    msg,
			session: calls.CallSession{
				ID:        msg.CallID,
				CallerID:  msg.FromUserID,
				CalleeID:  c.userID,
				ThreadID:  msg.ThreadID,
				Status:    none,
				CreatedAt: created,
				UpdatedAt: now,
			},
		}
		// Fresh and unpublished, so taking its lock under c.mu cannot deadlock.
		cl.mu.Lock()
		defer cl.mu.Unlock()

		busy := c.active != uuid.Nil
		c.calls[cl.session.ID] = cl
		if !busy {
			c.active = cl.session.ID
		}
		held := c.pending[cl.session.ID]
		delete(c.pending, cl.session.ID)
		c.mu.Unlock()

		if c.alreadySettled(cl) {
			return
		}
		if busy {
			c.rejectBusy(cl)
			return
		}
		c.ring(cl, held)

	case calls.SignalIceCandidate:
		c.park(msg)
		c.mu.Unlock()
		c.log.Debug("Parked candidate for unknown call", "call_id", msg.CallID)

	case calls.SignalEndCall:
		now := c.clock.Now()
		c.finished.Add(msg.CallID, calls.CallSession{
			ID:        msg.CallID,
			CallerID:  msg.FromUserID,
			CalleeID:  c.userID,
			Status:    calls.StatusEnded,
			CreatedAt: now,
			UpdatedAt: now,
			EndedAt:   &now,
		})
		delete(c.pending, msg.CallID)
		c.mu.Unlock()
		c.log.Debug("Call ended before its offer arrived", "call_id", msg.CallID, "reason", msg.Reason)

	default:
		c.mu.Unlock()
		c.log.Warn("Dropping signal for unknown call", "call_id", msg.CallID, "type", msg.Type, "from", msg.FromUserID)
	}
}

// park buffers a candidate until its offer shows up. c.mu must be held.
func (c *Core) park(msg calls.SignalMessage) {
	p, ok := c.pending[msg.CallID]
	if !ok {
		if len(c.pending) >= c.cfg.PendingCallLimit {
			c.evictOldestPending()
		}
		p = &parked{since: c.clock.Now()}
		c.pending[msg.CallID] = p
	}
	if len(p.msgs) >= c.cfg.PendingPerCall {
		return
	}
	p.msgs = append(p.msgs, msg)
}

func (c *Core) evictOldestPending() {
	var (
		oldest uuid.UUID
		at     int64
	)
	for id, p := range c.pending {
		if ts := p.since.UnixNano(); oldest == uuid.Nil || ts < at {
			oldest, at = id, ts
		}
	}
	delete(c.pending, oldest)
}

// alreadySettled retires an incoming call whose record has moved past
// ringing. That happens when the log replays an offer the owner already
// answered or declined from an earlier session. A record that cannot be
// read does not stop the call from ringing.
func (c *Core) alreadySettled(cl *call) bool {
	ctx, cancel := c.effectContext()
	defer cancel()

	rec, err := c.store.GetCall(ctx, cl.session.ID)
	if errors.Is(err, calls.ErrNotFound) {
		return false
	}
	if err != nil {
		c.log.Warn("Failed to look up call record", "call_id", cl.session.ID, "error", err)
		return false
	}
	if rec.Status == calls.StatusDialing || rec.Status == calls.StatusRinging {
		return false
	}

	c.log.Info("Dropping offer for settled call", "call_id", cl.session.ID, "status", rec.Status)

	cl.session.Status = rec.Status
	cl.session.UpdatedAt = rec.UpdatedAt
	cl.session.EndedAt = rec.EndedAt
	c.retire(cl)
	return true
}

// ring enters ringing for a new incoming call and starts enrichment.
func (c *Core) ring(cl *call, held *parked) {
	if _, ok := c.apply(cl, trigOffer); !ok {
		return
	}
	if held != nil {
		for _, m := range held.msgs {
			cl.held = append(cl.held, m.Payload)
		}
	}

	c.log.Info("Incoming call", "call_id", cl.session.ID, "caller_id", cl.session.CallerID, "thread_id", cl.session.ThreadID)

	c.armTimer(cl, c.cfg.RingTimeout, c.onRingTimeout)
	c.startEnrichment(cl)
}

// rejectBusy turns away an offer that arrived while another call is open.
func (c *Core) rejectBusy(cl *call) {
	c.log.Info("Rejecting call, line busy", "call_id", cl.session.ID, "caller_id", cl.session.CallerID)

	ctx, cancel := c.effectContext()
	defer cancel()

	if err := c.persist(ctx, cl, calls.StatusDeclined); err != nil {
		c.log.Warn("Failed to record busy call", "call_id", cl.session.ID, "error", err)
	}
	if err := c.send(ctx, c.endSignal(cl, calls.ReasonBusy)); err != nil {
		c.log.Warn("Failed to send busy signal", "call_id", cl.session.ID, "error", err)
	}

	now := c.clock.Now()
	cl.session.Status = calls.StatusDeclined
	cl.session.UpdatedAt = now
	cl.session.EndedAt = &now
	c.retire(cl)
}

// reconcile applies a signal to a live call. cl.mu must be held.
func (c *Core) reconcile(cl *call, msg calls.SignalMessage) {
	switch msg.Type {
	case calls.SignalOffer:
		c.log.Debug("Ignoring repeated offer", "call_id", cl.session.ID)

	case calls.SignalAnswer:
		if cl.incoming || cl.session.Status != calls.StatusDialing {
			c.log.Debug("Ignoring answer", "call_id", cl.session.ID, "status", cl.session.Status)
			return
		}
		c.advance(c.ctx, cl, trigRemoteAnswer, "")
		if cl.session.Status == calls.StatusAccepted && c.negotiator != nil {
			c.negotiator.OnRemoteAnswer(cl.session.ID, msg.Payload)
		}

	case calls.SignalIceCandidate:
		if cl.incoming && !cl.surfaced {
			if len(cl.held) < c.cfg.PendingPerCall {
				cl.held = append(cl.held, msg.Payload)
			}
			return
		}
		if c.negotiator != nil {
			c.negotiator.OnRemoteCandidate(cl.session.ID, msg.Payload)
		}

	case calls.SignalEndCall:
		reason := msg.Reason
		if reason == "" {
			reason = calls.ReasonHangup
		}
		ctx, cancel := c.effectContext()
		defer cancel()

		c.advance(ctx, cl, trigRemoteEnd, reason, c.persistFx(cl, calls.StatusEnded))
	}
}
