package signaling

import (
	"time"

	"github.com/rx3lixir/callcore/internal/calls"
)

// armTimer replaces the call's timer. A callback from an older timer finds
// a different generation and does nothing.
func (c *Core) armTimer(cl *call, d time.Duration, fire func(*call)) {
	c.stopTimer(cl)
	gen := cl.timerGen

	cl.timer = c.clock.AfterFunc(d, func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()

		if cl.done || cl.timerGen != gen {
			return
		}
		cl.timer = nil
		fire(cl)
	})
}

func (c *Core) stopTimer(cl *call) {
	if cl.timer != nil {
		cl.timer.Stop()
		cl.timer = nil
	}
	cl.timerGen++
}

func (c *Core) onRingTimeout(cl *call) {
	c.log.Info("Ring timeout", "call_id", cl.session.ID, "after", c.cfg.RingTimeout)
	c.expire(cl, trigRingTimeout)
}

func (c *Core) onDialTimeout(cl *call) {
	c.log.Info("Dial timeout", "call_id", cl.session.ID, "after", c.cfg.RingTimeout+c.cfg.DialGrace)
	c.expire(cl, trigDialTimeout)
}

func (c *Core) expire(cl *call, t trigger) {
	ctx, cancel := c.effectContext()
	defer cancel()

	c.advance(ctx, cl, t, calls.ReasonTimeout,
		c.persistFx(cl, calls.StatusTimedOut),
		c.sendFx(c.endSignal(cl, calls.ReasonTimeout)),
	)
}
