package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

const waitTimeout = 2 * time.Second

// memStore mirrors the conditional writes of the Postgres store.
type memStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]calls.CallSession
	createErr error
	updateErr error
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]calls.CallSession)}
}

func (s *memStore) CreateCall(_ context.Context, session *calls.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	for _, r := range s.records {
		if r.Status.Terminal() {
			continue
		}
		samePair := (r.CallerID == session.CallerID && r.CalleeID == session.CalleeID) ||
			(r.CallerID == session.CalleeID && r.CalleeID == session.CallerID)
		if samePair {
			return calls.ErrConflict
		}
	}
	s.records[session.ID] = *session
	return nil
}

func (s *memStore) UpdateCallStatus(_ context.Context, callID uuid.UUID, status calls.Status, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}
	r, ok := s.records[callID]
	if !ok || r.Status.Terminal() {
		return calls.ErrNotFound
	}
	r.Status = status
	if endedAt != nil {
		r.EndedAt = endedAt
	}
	s.records[callID] = r
	return nil
}

func (s *memStore) GetCall(_ context.Context, callID uuid.UUID) (*calls.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.records[callID]
	if !ok {
		return nil, calls.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) status(callID uuid.UUID) calls.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[callID].Status
}

func (s *memStore) force(callID uuid.UUID, status calls.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[callID]
	r.Status = status
	s.records[callID] = r
}

func (s *memStore) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if !r.Status.Terminal() {
			n++
		}
	}
	return n
}

// network delivers signals between cores through one queue per user, the
// way the bus does.
type network struct {
	mu       sync.Mutex
	queues   map[uuid.UUID]chan calls.SignalMessage
	attempts []calls.SignalMessage
	failures int
}

func newNetwork() *network {
	return &network{queues: make(map[uuid.UUID]chan calls.SignalMessage)}
}

func (n *network) attach(t *testing.T, core *Core) {
	q := make(chan calls.SignalMessage, 256)
	n.mu.Lock()
	n.queues[core.UserID()] = q
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range q {
			core.OnSignal(msg)
		}
	}()
	t.Cleanup(func() {
		n.mu.Lock()
		delete(n.queues, core.UserID())
		close(q)
		n.mu.Unlock()
		<-done
	})
}

func (n *network) Send(_ context.Context, msg calls.SignalMessage) error {
	n.mu.Lock()
	n.attempts = append(n.attempts, msg)
	if n.failures > 0 {
		n.failures--
		n.mu.Unlock()
		return errors.New("link down")
	}
	defer n.mu.Unlock()

	if q, ok := n.queues[msg.ToUserID]; ok {
		select {
		case q <- msg:
		default:
		}
	}
	return nil
}

func (n *network) failNext(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = count
}

func (n *network) sent(from uuid.UUID, typ calls.SignalType) []calls.SignalMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []calls.SignalMessage
	for _, m := range n.attempts {
		if m.FromUserID == from && m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (n *network) allAttempts() []calls.SignalMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]calls.SignalMessage(nil), n.attempts...)
}

type fakeIdentity struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]calls.Profile
	err      error
	signErr  error
	gate     chan struct{}
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{profiles: make(map[uuid.UUID]calls.Profile)}
}

func (f *fakeIdentity) add(id uuid.UUID, name string, photo string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := calls.Profile{UserID: id, DisplayName: name}
	if photo != "" {
		p.PhotoRef = &photo
	}
	f.profiles[id] = p
}

func (f *fakeIdentity) ResolveProfile(ctx context.Context, userID uuid.UUID) (calls.Profile, error) {
	f.mu.Lock()
	gate, err := f.gate, f.err
	p, ok := f.profiles[userID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return calls.Profile{}, ctx.Err()
		}
	}
	if err != nil {
		return calls.Profile{}, err
	}
	if !ok {
		return calls.Profile{}, calls.ErrNotFound
	}
	return p, nil
}

func (f *fakeIdentity) SignMediaURL(_ context.Context, photoRef string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://media.test/" + photoRef + "?ttl=" + ttl.String(), nil
}

type recorder struct {
	ch chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 64)}
}

func (r *recorder) OnCallEvent(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) expect(t *testing.T, typ EventType) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		if ev.Type != typ {
			t.Fatalf("expected event %s, got %s (reason %q)", typ, ev.Type, ev.Reason)
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for event %s", typ)
	}
	return Event{}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s for call %s", ev.Type, ev.CallID)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeNegotiator struct {
	answers    chan json.RawMessage
	candidates chan json.RawMessage
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{
		answers:    make(chan json.RawMessage, 16),
		candidates: make(chan json.RawMessage, 64),
	}
}

func (f *fakeNegotiator) OnRemoteAnswer(_ uuid.UUID, payload json.RawMessage) {
	f.answers <- payload
}

func (f *fakeNegotiator) OnRemoteCandidate(_ uuid.UUID, payload json.RawMessage) {
	f.candidates <- payload
}

func receive(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for negotiation payload")
	}
	return nil
}

type harness struct {
	clk      *clock.Mock
	store    *memStore
	net      *network
	identity *fakeIdentity
}

func newHarness() *harness {
	return &harness{
		clk:      clock.NewMock(),
		store:    newMemStore(),
		net:      newNetwork(),
		identity: newFakeIdentity(),
	}
}

type peer struct {
	id     uuid.UUID
	core   *Core
	events *recorder
	neg    *fakeNegotiator
}

func (h *harness) peer(t *testing.T, name string) *peer {
	t.Helper()

	id := uuid.New()
	h.identity.add(id, name, name+".jpg")

	p := h.session(t, id)
	h.net.attach(t, p.core)
	return p
}

// session starts a core for an existing user without attaching it to the
// network, the way a reconnect does.
func (h *harness) session(t *testing.T, id uuid.UUID) *peer {
	t.Helper()

	events := newRecorder()
	neg := newFakeNegotiator()
	core, err := New(id, Config{}, Deps{
		Store:      h.store,
		Dispatcher: h.net,
		Identity:   h.identity,
		Listener:   events,
		Negotiator: neg,
		Clock:      h.clk,
	})
	if err != nil {
		t.Fatalf("failed to create core: %v", err)
	}
	t.Cleanup(func() { core.Close(context.Background()) })

	return &peer{id: id, core: core, events: events, neg: neg}
}

// advanceUntil moves the mock clock forward in steps until done yields.
func advanceUntil[T any](t *testing.T, clk *clock.Mock, step time.Duration, done <-chan T) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case v := <-done:
			return v
		case <-deadline:
			t.Fatalf("timed out advancing the clock")
			var zero T
			return zero
		case <-time.After(time.Millisecond):
			clk.Add(step)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func offerPayload(t *testing.T) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"type": "offer",
		"sdp":  testSDP,
	})
	if err != nil {
		t.Fatalf("failed to marshal offer: %v", err)
	}
	return payload
}

const testSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"
