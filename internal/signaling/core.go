package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rx3lixir/callcore/internal/calls"
)

// call is the local view of one call. Every field is guarded by mu, and all
// processing for the call happens with mu held.
type call struct {
	mu sync.Mutex

	session  calls.CallSession
	incoming bool
	offer    calls.SignalMessage

	view     *IncomingCallView
	surfaced bool
	held     []json.RawMessage

	timer    *clock.Timer
	timerGen uint64

	cancelEnrich context.CancelFunc
	done         bool
}

// parked holds ice candidates that arrived before their offer.
type parked struct {
	msgs  []calls.SignalMessage
	since time.Time
}

// Core is the call state machine of one user. It permits at most one
// non-terminal call at a time.
type Core struct {
	userID     uuid.UUID
	cfg        Config
	store      RecordStore
	dispatcher Dispatcher
	identity   IdentityResolver
	listener   Listener
	negotiator Negotiator
	clock      clock.Clock
	log        *log.Logger

	// mu guards the maps below and is never held while acquiring call.mu.
	mu      sync.Mutex
	calls   map[uuid.UUID]*call
	active  uuid.UUID
	pending map[uuid.UUID]*parked
	closed  bool

	seen     *lru.Cache[uuid.UUID, struct{}]
	finished *lru.Cache[uuid.UUID, calls.CallSession]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the core for userID.
func New(userID uuid.UUID, cfg Config, deps Deps) (*Core, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Identity == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}

	cfg = cfg.withDefaults()

	seen, err := lru.New[uuid.UUID, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}
	finished, err := lru.New[uuid.UUID, calls.CallSession](cfg.FinishedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished cache: %w", err)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Core{
		userID:     userID,
		cfg:        cfg,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		identity:   deps.Identity,
		listener:   deps.Listener,
		negotiator: deps.Negotiator,
		clock:      clk,
		log:        logger.With("user_id", userID),
		calls:      make(map[uuid.UUID]*call),
		pending:    make(map[uuid.UUID]*parked),
		seen:       seen,
		finished:   finished,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// UserID returns the owner of the core.
func (c *Core) UserID() uuid.UUID {
	return c.userID
}

// Initiate starts a call from the owner to calleeID. The offer payload is
// forwarded to the callee as is. If the offer cannot be delivered the call
// ends failed and the error wraps calls.ErrTransport.
func (c *Core) Initiate(ctx context.Context, calleeID uuid.UUID, threadID string, offer json.RawMessage) (calls.CallSession, error) {
	if calleeID == uuid.Nil || calleeID == c.userID {
		return calls.CallSession{}, calls.ErrInvalidParticipants
	}

	now := c.clock.Now()
	cl := &call{
		session: calls.CallSession{
			ID:        uuid.New(),
			CallerID:  c.userID,
			CalleeID:  calleeID,
			ThreadID:  threadID,
			Status:    none,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return calls.CallSession{}, calls.ErrClosed
	}
	if c.active != uuid.Nil {
		c.mu.Unlock()
		return calls.CallSession{}, calls.ErrCallInProgress
	}
	c.calls[cl.session.ID] = cl
	c.active = cl.session.ID
	c.mu.Unlock()

	if _, ok := c.apply(cl, trigInitiate); !ok {
		return calls.CallSession{}, calls.ErrInvalidStateTransition
	}

	if err := c.store.CreateCall(ctx, &cl.session); err != nil {
		if errors.Is(err, calls.ErrConflict) {
			c.forget(cl)
			return calls.CallSession{}, fmt.Errorf("%w: open call with %s", calls.ErrCallInProgress, calleeID)
		}
		c.apply(cl, trigFailure)
		c.emit(cl, EventCallFailed, calls.ReasonFailed, err)
		return cl.session, fmt.Errorf("failed to create call record: %w", err)
	}

	c.log.Info("Call initiated", "call_id", cl.session.ID, "callee_id", calleeID)

	msg := c.signal(cl, calls.SignalOffer, offer)
	msg.ThreadID = threadID
	if err := c.send(ctx, msg); err != nil {
		c.fail(cl, err)
		return cl.session, fmt.Errorf("failed to send offer: %w", err)
	}

	c.armTimer(cl, c.cfg.RingTimeout+c.cfg.DialGrace, c.onDialTimeout)
	return cl.session, nil
}

// Accept answers a ringing call.
func (c *Core) Accept(ctx context.Context, callID uuid.UUID, answer json.RawMessage) error {
	cl, err := c.lookup(callID)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.done || cl.session.Status != calls.StatusRinging {
		return calls.ErrInvalidStateTransition
	}

	c.advance(ctx, cl, trigAccept, "",
		c.persistFx(cl, calls.StatusAccepted),
		c.sendFx(c.signal(cl, calls.SignalAnswer, answer)),
	)
	return nil
}

// Decline rejects a ringing call.
func (c *Core) Decline(ctx context.Context, callID uuid.UUID) error {
	cl, err := c.lookup(callID)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.done || cl.session.Status != calls.StatusRinging {
		return calls.ErrInvalidStateTransition
	}

	c.advance(ctx, cl, trigDecline, calls.ReasonDeclined,
		c.persistFx(cl, calls.StatusDeclined),
		c.sendFx(c.endSignal(cl, calls.ReasonDeclined)),
	)
	return nil
}

// End hangs up a call in any non-terminal state. Ending a finished call is a no-op.
func (c *Core) End(ctx context.Context, callID uuid.UUID) error {
	cl, err := c.lookup(callID)
	if errors.Is(err, calls.ErrInvalidStateTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.done {
		return nil
	}

	reason := calls.ReasonHangup
	if cl.session.Status == calls.StatusDialing {
		reason = calls.ReasonCanceled
	}
	c.hangup(ctx, cl, reason)
	return nil
}

// Connected records that the media layer reports a live connection.
func (c *Core) Connected(callID uuid.UUID) error {
	cl, err := c.lookup(callID)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.done {
		return calls.ErrInvalidStateTransition
	}
	if cl.session.Status == calls.StatusActive {
		return nil
	}
	to, ok := c.apply(cl, trigConnected)
	if !ok {
		return calls.ErrInvalidStateTransition
	}
	ev, _ := eventFor(to)
	c.emit(cl, ev, "", nil)
	return nil
}

// SendCandidate forwards a local connectivity candidate to the peer.
func (c *Core) SendCandidate(ctx context.Context, callID uuid.UUID, candidate json.RawMessage) error {
	cl, err := c.lookup(callID)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.done {
		return calls.ErrInvalidStateTransition
	}

	if err := c.send(ctx, c.signal(cl, calls.SignalIceCandidate, candidate)); err != nil {
		c.fail(cl, err)
	}
	return nil
}

// Session returns the local view of a call, live or recently finished.
func (c *Core) Session(callID uuid.UUID) (calls.CallSession, bool) {
	c.mu.Lock()
	cl, ok := c.calls[callID]
	c.mu.Unlock()

	if ok {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return cl.session, true
	}
	return c.finished.Get(callID)
}

// IncomingCall returns the view of a ringing call once it has been surfaced.
func (c *Core) IncomingCall(callID uuid.UUID) (IncomingCallView, bool) {
	c.mu.Lock()
	cl, ok := c.calls[callID]
	c.mu.Unlock()
	if !ok {
		return IncomingCallView{}, false
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.view == nil {
		return IncomingCallView{}, false
	}
	return *cl.view, true
}

// ActiveCall returns the owner's non-terminal call, if any.
func (c *Core) ActiveCall() (calls.CallSession, bool) {
	c.mu.Lock()
	id := c.active
	c.mu.Unlock()

	if id == uuid.Nil {
		return calls.CallSession{}, false
	}
	s, ok := c.Session(id)
	if !ok || s.Status.Terminal() {
		return calls.CallSession{}, false
	}
	return s, true
}

// Close hangs up any open call, stops timers and waits for background work.
func (c *Core) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	open := make([]*call, 0, len(c.calls))
	for _, cl := range c.calls {
		open = append(open, cl)
	}
	c.mu.Unlock()

	for _, cl := range open {
		cl.mu.Lock()
		if !cl.done {
			c.hangup(ctx, cl, calls.ReasonUnavailable)
		}
		cl.mu.Unlock()
	}

	c.cancel()
	c.wg.Wait()
	c.log.Debug("Call core closed")
}

// lookup finds a live call. Finished calls yield ErrInvalidStateTransition.
func (c *Core) lookup(callID uuid.UUID) (*call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.calls[callID]; ok {
		return cl, nil
	}
	if c.finished.Contains(callID) {
		return nil, calls.ErrInvalidStateTransition
	}
	return nil, calls.ErrCallNotFound
}

func (c *Core) hangup(ctx context.Context, cl *call, reason string) {
	c.advance(ctx, cl, trigLocalEnd, reason,
		c.persistFx(cl, calls.StatusEnded),
		c.sendFx(c.endSignal(cl, reason)),
	)
}

// apply moves cl along t. Leaving a state disarms its timer and drops the
// incoming view; reaching a terminal state retires the call.
func (c *Core) apply(cl *call, t trigger) (calls.Status, bool) {
	from := cl.session.Status
	to, ok := next(from, t)
	if !ok {
		c.log.Warn("Illegal transition", "call_id", cl.session.ID, "from", from, "trigger", t)
		return from, false
	}

	now := c.clock.Now()
	cl.session.Status = to
	if now.After(cl.session.UpdatedAt) {
		cl.session.UpdatedAt = now
	}

	if from != to {
		c.stopTimer(cl)
	}
	if to != calls.StatusRinging {
		cl.view = nil
		cl.held = nil
		if cl.cancelEnrich != nil {
			cl.cancelEnrich()
			cl.cancelEnrich = nil
		}
	}
	if to.Terminal() {
		cl.session.EndedAt = &now
		c.retire(cl)
	}

	c.log.Debug("Call transition", "call_id", cl.session.ID, "from", from, "to", to, "trigger", t)
	return to, true
}

// retire removes a terminal call from the live set.
func (c *Core) retire(cl *call) {
	cl.done = true

	c.mu.Lock()
	delete(c.calls, cl.session.ID)
	delete(c.pending, cl.session.ID)
	if c.active == cl.session.ID {
		c.active = uuid.Nil
	}
	c.finished.Add(cl.session.ID, cl.session)
	c.mu.Unlock()
}

// forget drops a call that never made it into the store.
func (c *Core) forget(cl *call) {
	cl.done = true
	c.stopTimer(cl)

	c.mu.Lock()
	delete(c.calls, cl.session.ID)
	if c.active == cl.session.ID {
		c.active = uuid.Nil
	}
	c.mu.Unlock()
}

// emit reports one lifecycle event. A callee that never saw the incoming
// call is not told how it ended.
func (c *Core) emit(cl *call, typ EventType, reason string, cause error) {
	if cl.incoming && !cl.surfaced && cl.session.Status.Terminal() {
		c.log.Debug("Suppressing event for unsurfaced call", "call_id", cl.session.ID, "event", typ)
		return
	}

	ev := Event{
		Type:    typ,
		CallID:  cl.session.ID,
		Session: cl.session,
		Reason:  reason,
		At:      c.clock.Now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if typ == EventIncomingCall && cl.view != nil {
		view := *cl.view
		ev.Incoming = &view
	}

	c.log.Info("Call event", "call_id", ev.CallID, "event", typ, "status", cl.session.Status, "reason", reason)

	if c.listener != nil {
		c.listener.OnCallEvent(ev)
	}
}

func (c *Core) signal(cl *call, typ calls.SignalType, payload json.RawMessage) calls.SignalMessage {
	return calls.SignalMessage{
		ID:         uuid.New(),
		CallID:     cl.session.ID,
		FromUserID: c.userID,
		ToUserID:   cl.session.Peer(c.userID),
		Type:       typ,
		Payload:    payload,
		CreatedAt:  c.clock.Now(),
	}
}

func (c *Core) endSignal(cl *call, reason string) calls.SignalMessage {
	msg := c.signal(cl, calls.SignalEndCall, nil)
	msg.Reason = reason
	return msg
}

func (c *Core) effectContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.cfg.EffectTimeout)
}
