// Package hub keeps one signaling core alive per connected user. The first
// connection of a user starts its core, signal subscription and presence
// heartbeat; the last one to close tears them down.
package hub

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
	"github.com/rx3lixir/callcore/internal/bus"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/signaling"
)

// ErrNotConnected is returned for users without a live connection.
var ErrNotConnected = errors.New("user not connected")

// Frame kinds.
const (
	KindEvent        = "event"
	KindAnswer       = "answer"
	KindIceCandidate = "ice_candidate"
)

// Frame is one message pushed to a connected client.
type Frame struct {
	Kind    string           `json:"kind"`
	CallID  uuid.UUID        `json:"call_id"`
	Event   *signaling.Event `json:"event,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// Feed starts a per-user signal subscription.
type Feed interface {
	Subscribe(ctx context.Context, userID uuid.UUID, since time.Time, onInsert func(calls.SignalMessage)) *bus.Subscription
}

// Presence records reachability.
type Presence interface {
	MarkReachable(ctx context.Context, userID uuid.UUID) error
	Refresh(ctx context.Context, userID uuid.UUID) error
	MarkUnreachable(ctx context.Context, userID uuid.UUID) error
}

type Config struct {
	Signaling signaling.Config
	// Heartbeat is how often presence is refreshed.
	Heartbeat time.Duration
	// ReplayWindow is how far back the signal log is replayed on attach.
	ReplayWindow time.Duration
	// FrameBuffer is the per-connection outbound queue length.
	FrameBuffer int
}

type Deps struct {
	Store      signaling.RecordStore
	Dispatcher signaling.Dispatcher
	Identity   signaling.IdentityResolver
	Feed       Feed
	Presence   Presence
	Clock      clock.Clock
	Logger     *log.Logger
}

type Hub struct {
	cfg  Config
	deps Deps
	log  *log.Logger

	// mu is taken before any user's mu.
	mu     sync.Mutex
	users  map[uuid.UUID]*user
	closed bool

	countMu sync.Mutex
	counts  map[signaling.EventType]uint64
	dropped uint64
}

func New(cfg Config, deps Deps) (*Hub, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Identity == nil {
		return nil, fmt.Errorf("store, dispatcher and identity are required")
	}
	if deps.Feed == nil {
		return nil, fmt.Errorf("signal feed is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}

	sc := cfg.Signaling
	if sc.RingTimeout <= 0 {
		sc.RingTimeout = signaling.DefaultConfig().RingTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = sc.RingTimeout
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}

	return &Hub{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger,
		users:  make(map[uuid.UUID]*user),
		counts: make(map[signaling.EventType]uint64),
	}, nil
}

// user is the runtime of one attached user.
type user struct {
	id   uuid.UUID
	hub  *Hub
	core *signaling.Core
	sub  *bus.Subscription

	stopBeat context.CancelFunc
	beatDone chan struct{}

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Conn is one client connection of a user.
type Conn struct {
	UserID uuid.UUID
	Core   *signaling.Core

	hub    *Hub
	user   *user
	frames chan Frame
	once   sync.Once
}

// Frames is closed once the connection is closed.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Close detaches the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.hub.detach(c)
	})
}

// Attach connects userID, starting the user's runtime if this is its first
// connection.
func (h *Hub) Attach(ctx context.Context, userID uuid.UUID) (*Conn, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, calls.ErrClosed
	}

	u, ok := h.users[userID]
	if !ok {
		var err error
		u, err = h.start(ctx, userID)
		if err != nil {
			return nil, err
		}
		h.users[userID] = u
	}

	conn := &Conn{
		UserID: userID,
		Core:   u.core,
		hub:    h,
		user:   u,
		frames: make(chan Frame, h.cfg.FrameBuffer),
	}

	u.mu.Lock()
	u.conns[conn] = struct{}{}
	n := len(u.conns)
	u.mu.Unlock()

	h.log.Info("User attached", "user_id", userID, "connections", n)
	return conn, nil
}

func (h *Hub) start(ctx context.Context, userID uuid.UUID) (*user, error) {
	u := &user{
		id:    userID,
		hub:   h,
		conns: make(map[*Conn]struct{}),
	}

	core, err := signaling.New(userID, h.cfg.Signaling, signaling.Deps{
		Store:      h.deps.Store,
		Dispatcher: h.deps.Dispatcher,
		Identity:   h.deps.Identity,
		Listener:   signaling.ListenerFunc(u.onEvent),
		Negotiator: u,
		Clock:      h.deps.Clock,
		Logger:     h.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start core for %s: %w", userID, err)
	}
	u.core = core

	if h.deps.Presence != nil {
		if err := h.deps.Presence.MarkReachable(ctx, userID); err != nil {
			h.log.Warn("Failed to mark user reachable", "user_id", userID, "error", err)
		}
	}

	since := h.deps.Clock.Now().Add(-h.cfg.ReplayWindow)
	u.sub = h.deps.Feed.Subscribe(context.Background(), userID, since, core.OnSignal)

	beatCtx, cancel := context.WithCancel(context.Background())
	u.stopBeat = cancel
	u.beatDone = make(chan struct{})
	go u.heartbeat(beatCtx)

	return u, nil
}

func (u *user) heartbeat(ctx context.Context) {
	defer close(u.beatDone)

	p := u.hub.deps.Presence
	if p == nil {
		return
	}

	ticker := u.hub.deps.Clock.Ticker(u.hub.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, u.id); err != nil && ctx.Err() == nil {
				u.hub.log.Warn("Failed to refresh presence", "user_id", u.id, "error", err)
			}
		}
	}
}

func (h *Hub) detach(c *Conn) {
	u := c.user

	h.mu.Lock()
	u.mu.Lock()
	delete(u.conns, c)
	close(c.frames)
	last := len(u.conns) == 0
	u.mu.Unlock()

	if last && h.users[u.id] == u {
		delete(h.users, u.id)
	}
	h.mu.Unlock()

	if last {
		h.stop(u)
	}
}

// stop tears down a user whose last connection is gone.
func (h *Hub) stop(u *user) {
	u.stopBeat()
	<-u.beatDone

	u.sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u.core.Close(ctx)

	if h.deps.Presence != nil {
		if err := h.deps.Presence.MarkUnreachable(ctx, u.id); err != nil {
			h.log.Warn("Failed to mark user unreachable", "user_id", u.id, "error", err)
		}
	}

	h.log.Info("User detached", "user_id", u.id)
}

// onEvent runs under a call lock, so delivery never blocks.
func (u *user) onEvent(ev signaling.Event) {
	u.hub.count(ev.Type)
	u.push(Frame{Kind: KindEvent, CallID: ev.CallID, Event: &ev})
}

func (u *user) OnRemoteAnswer(callID uuid.UUID, payload json.RawMessage) {
	u.push(Frame{Kind: KindAnswer, CallID: callID, Payload: payload})
}

func (u *user) OnRemoteCandidate(callID uuid.UUID, payload json.RawMessage) {
	u.push(Frame{Kind: KindIceCandidate, CallID: callID, Payload: payload})
}

func (u *user) push(f Frame) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for c := range u.conns {
		select {
		case c.frames <- f:
		default:
			u.hub.drop()
			u.hub.log.Warn("Connection too slow, dropping frame", "user_id", u.id, "kind", f.Kind, "call_id", f.CallID)
		}
	}
}

func (h *Hub) count(t signaling.EventType) {
	h.countMu.Lock()
	h.counts[t]++
	h.countMu.Unlock()
}

func (h *Hub) drop() {
	h.countMu.Lock()
	h.dropped++
	h.countMu.Unlock()
}

// Core returns the signaling core of an attached user.
func (h *Hub) Core(userID uuid.UUID) (*signaling.Core, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	u, ok := h.users[userID]
	if !ok {
		return nil, ErrNotConnected
	}
	return u.core, nil
}

// AttachedCount returns the number of users with at least one connection.
func (h *Hub) AttachedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

// ActiveCallCount returns the number of attached users in a non-terminal call.
func (h *Hub) ActiveCallCount() int {
	h.mu.Lock()
	cores := make([]*signaling.Core, 0, len(h.users))
	for _, u := range h.users {
		cores = append(cores, u.core)
	}
	h.mu.Unlock()

	n := 0
	for _, core := range cores {
		if _, ok := core.ActiveCall(); ok {
			n++
		}
	}
	return n
}

// EventCounts returns how many events of each type have been emitted.
func (h *Hub) EventCounts() map[signaling.EventType]uint64 {
	h.countMu.Lock()
	defer h.countMu.Unlock()

	out := make(map[signaling.EventType]uint64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// DroppedFrames returns how many frames were dropped for slow connections.
func (h *Hub) DroppedFrames() uint64 {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.dropped
}

// Close detaches every connection and stops all user runtimes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	users := h.users
	h.users = make(map[uuid.UUID]*user)

	for _, u := range users {
		u.mu.Lock()
		for c := range u.conns {
			c.once.Do(func() { close(c.frames) })
			delete(u.conns, c)
		}
		u.mu.Unlock()
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u *user) {
			defer wg.Done()
			h.stop(u)
		}(u)
	}
	wg.Wait()
}
