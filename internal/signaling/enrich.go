package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

// startEnrichment resolves the caller in the background and surfaces the
// incoming call when done. Leaving ringing cancels it. cl.mu must be held.
func (c *Core) startEnrichment(cl *call) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.EnrichTimeout)
	cl.cancelEnrich = cancel

	callerID := cl.session.CallerID

	go func() {
		defer c.wg.Done()
		defer cancel()

		name, photo, expires := c.resolveIdentity(ctx, callerID)

		cl.mu.Lock()
		defer cl.mu.Unlock()

		if cl.done || cl.surfaced || cl.session.Status != calls.StatusRinging {
			c.log.Debug("Discarding enrichment for settled call", "call_id", cl.session.ID, "status", cl.session.Status)
			return
		}
		c.surface(cl, name, photo, expires)
	}()
}

// resolveIdentity never fails: a missing profile gives an anonymous caller
// and a missing or unsignable photo gives no URL.
func (c *Core) resolveIdentity(ctx context.Context, callerID uuid.UUID) (string, *string, *time.Time) {
	profile, err := c.identity.ResolveProfile(ctx, callerID)
	if err != nil {
		c.log.Warn("Caller identity unavailable",
			"caller_id", callerID,
			"error", fmt.Errorf("%w: %w", calls.ErrEnrichment, err),
		)
		return "", nil, nil
	}

	if profile.PhotoRef == nil || *profile.PhotoRef == "" {
		return profile.DisplayName, nil, nil
	}

	url, err := c.identity.SignMediaURL(ctx, *profile.PhotoRef, c.cfg.MediaURLTTL)
	if err != nil {
		c.log.Warn("Caller photo unavailable",
			"caller_id", callerID,
			"error", fmt.Errorf("%w: %w", calls.ErrEnrichment, err),
		)
		return profile.DisplayName, nil, nil
	}

	expires := c.clock.Now().Add(c.cfg.MediaURLTTL)
	return profile.DisplayName, &url, &expires
}

// surface publishes the incoming call view and releases held candidates.
func (c *Core) surface(cl *call, name string, photo *string, expires *time.Time) {
	cl.view = &IncomingCallView{
		CallID:         cl.session.ID,
		CallerID:       cl.session.CallerID,
		CallerName:     name,
		CallerPhotoURL: photo,
		PhotoExpiresAt: expires,
		OfferPayload:   cl.offer.Payload,
		ThreadID:       cl.session.ThreadID,
		Media:          mediaKinds(cl.offer.Payload),
	}
	cl.surfaced = true
	cl.cancelEnrich = nil

	c.emit(cl, EventIncomingCall, "", nil)

	if c.negotiator != nil {
		for _, candidate := range cl.held {
			c.negotiator.OnRemoteCandidate(cl.session.ID, candidate)
		}
	}
	cl.held = nil
}
