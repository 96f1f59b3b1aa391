package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

func TestNewValidatesDeps(t *testing.T) {
	h := newHarness()
	deps := Deps{Store: h.store, Dispatcher: h.net, Identity: h.identity}

	if _, err := New(uuid.Nil, Config{}, deps); err == nil {
		t.Fatalf("expected error for nil user")
	}
	if _, err := New(uuid.New(), Config{}, Deps{Dispatcher: h.net, Identity: h.identity}); err == nil {
		t.Fatalf("expected error for missing store")
	}
	if _, err := New(uuid.New(), Config{}, deps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInitiateRejectsInvalidParticipants(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")

	for _, callee := range []uuid.UUID{alice.id, uuid.Nil} {
		_, err := alice.core.Initiate(context.Background(), callee, "", offerPayload(t))
		if !errors.Is(err, calls.ErrInvalidParticipants) {
			t.Fatalf("expected ErrInvalidParticipants, got %v", err)
		}
	}
	if got := len(h.net.allAttempts()); got != 0 {
		t.Fatalf("expected no signals, got %d", got)
	}
}

func TestCallLifecycle(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "t1", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if session.Status != calls.StatusDialing {
		t.Fatalf("expected dialing, got %s", session.Status)
	}
	if got := h.store.status(session.ID); got != calls.StatusDialing {
		t.Fatalf("expected stored status dialing, got %s", got)
	}

	ev := bob.events.expect(t, EventIncomingCall)
	in := ev.Incoming
	if in == nil {
		t.Fatalf("incoming call event carries no view")
	}
	if in.CallerID != alice.id || in.CallerName != "Alice" || in.ThreadID != "t1" {
		t.Errorf("unexpected view: %+v", in)
	}
	if in.CallerPhotoURL == nil || in.PhotoExpiresAt == nil {
		t.Errorf("expected signed photo url with expiry")
	}
	if len(in.Media) != 2 || in.Media[0] != "audio" || in.Media[1] != "video" {
		t.Errorf("unexpected media kinds: %v", in.Media)
	}
	if _, ok := bob.core.IncomingCall(session.ID); !ok {
		t.Fatalf("incoming call should be visible while ringing")
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	if err := bob.core.Accept(ctx, session.ID, answer); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	bob.events.expect(t, EventCallAccepted)
	alice.events.expect(t, EventCallAccepted)

	if got := receive(t, alice.neg.answers); !strings.Contains(string(got), `"answer"`) {
		t.Fatalf("unexpected answer payload: %s", got)
	}
	if _, ok := bob.core.IncomingCall(session.ID); ok {
		t.Fatalf("incoming view should be dropped after accept")
	}
	if got := h.store.status(session.ID); got != calls.StatusAccepted {
		t.Fatalf("expected stored status accepted, got %s", got)
	}

	if err := alice.core.SendCandidate(ctx, session.ID, json.RawMessage(`{"candidate":"c1"}`)); err != nil {
		t.Fatalf("send candidate failed: %v", err)
	}
	if got := receive(t, bob.neg.candidates); string(got) != `{"candidate":"c1"}` {
		t.Fatalf("unexpected candidate: %s", got)
	}

	if err := alice.core.Connected(session.ID); err != nil {
		t.Fatalf("alice connected: %v", err)
	}
	if err := bob.core.Connected(session.ID); err != nil {
		t.Fatalf("bob connected: %v", err)
	}
	alice.events.expect(t, EventCallConnected)
	bob.events.expect(t, EventCallConnected)

	if err := alice.core.End(ctx, session.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if ev := alice.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonHangup {
		t.Errorf("expected reason hangup, got %q", ev.Reason)
	}
	if ev := bob.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonHangup {
		t.Errorf("expected reason hangup, got %q", ev.Reason)
	}

	if got := h.store.status(session.ID); got != calls.StatusEnded {
		t.Fatalf("expected stored status ended, got %s", got)
	}
	if _, ok := alice.core.ActiveCall(); ok {
		t.Fatalf("alice should have no active call")
	}
	if s, ok := bob.core.Session(session.ID); !ok || s.Status != calls.StatusEnded || s.EndedAt == nil {
		t.Fatalf("bob should remember the ended call, got %+v", s)
	}
}

func TestDoubleInitiateIsRejected(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	carol := h.peer(t, "Carol")
	ctx := context.Background()

	if _, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t)); err != nil {
		t.Fatalf("first initiate failed: %v", err)
	}
	if _, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t)); !errors.Is(err, calls.ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	if _, err := alice.core.Initiate(ctx, carol.id, "", offerPayload(t)); !errors.Is(err, calls.ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	if got := len(h.net.sent(alice.id, calls.SignalOffer)); got != 1 {
		t.Fatalf("expected one offer, got %d", got)
	}
}

func TestConcurrentInitiateFromBothSides(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	offer := offerPayload(t)

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = alice.core.Initiate(ctx, bob.id, "", offer)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = bob.core.Initiate(ctx, alice.id, "", offer)
	}()
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, calls.ErrCallInProgress):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok == 0 {
		t.Fatalf("one of the initiations should succeed")
	}
	if n := h.store.openCount(); n > 1 {
		t.Fatalf("expected at most one open record, got %d", n)
	}
}

func TestStoreConflictMapsToCallInProgress(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	h.store.createErr = calls.ErrConflict

	_, err := alice.core.Initiate(context.Background(), bob.id, "", offerPayload(t))
	if !errors.Is(err, calls.ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	if _, ok := alice.core.ActiveCall(); ok {
		t.Fatalf("rejected call should not stay active")
	}
	alice.events.none(t)
}

func TestStoreFailureOnCreateFailsCall(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	h.store.createErr = errors.New("connection refused")

	session, err := alice.core.Initiate(context.Background(), bob.id, "", offerPayload(t))
	if err == nil || errors.Is(err, calls.ErrCallInProgress) {
		t.Fatalf("expected store error, got %v", err)
	}
	if session.Status != calls.StatusFailed {
		t.Fatalf("expected failed, got %s", session.Status)
	}
	alice.events.expect(t, EventCallFailed)
	if got := len(h.net.sent(alice.id, calls.SignalOffer)); got != 0 {
		t.Fatalf("no offer should be sent, got %d", got)
	}
}

func TestRingTimeout(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")

	session, err := alice.core.Initiate(context.Background(), bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	h.clk.Add(45 * time.Second)

	if ev := bob.events.expect(t, EventCallTimedOut); ev.Reason != calls.ReasonTimeout {
		t.Errorf("expected reason timeout, got %q", ev.Reason)
	}
	if ev := alice.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonTimeout {
		t.Errorf("expected reason timeout, got %q", ev.Reason)
	}

	h.clk.Add(time.Minute)
	alice.events.none(t)
	bob.events.none(t)

	if got := len(h.net.sent(bob.id, calls.SignalEndCall)); got != 1 {
		t.Fatalf("expected exactly one end_call from callee, got %d", got)
	}
	if got := len(h.net.sent(alice.id, calls.SignalEndCall)); got != 0 {
		t.Fatalf("caller should not send end_call, got %d", got)
	}
	if got := h.store.status(session.ID); got != calls.StatusTimedOut {
		t.Fatalf("expected stored status timed_out, got %s", got)
	}
}

func TestDialTimeout(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	offline := uuid.New()

	session, err := alice.core.Initiate(context.Background(), offline, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	h.clk.Add(45 * time.Second)
	alice.events.none(t)

	h.clk.Add(15 * time.Second)
	alice.events.expect(t, EventCallTimedOut)

	sent := h.net.sent(alice.id, calls.SignalEndCall)
	if len(sent) != 1 || sent[0].Reason != calls.ReasonTimeout {
		t.Fatalf("expected one timeout end_call, got %+v", sent)
	}
	if got := h.store.status(session.ID); got != calls.StatusTimedOut {
		t.Fatalf("expected stored status timed_out, got %s", got)
	}
}

func TestReplayedSignalsAreIgnored(t *testing.T) {
	h := newHarness()
	bob := h.peer(t, "Bob")
	caller := uuid.New()
	h.identity.add(caller, "Carol", "")

	offer := calls.SignalMessage{
		ID:         uuid.New(),
		CallID:     uuid.New(),
		FromUserID: caller,
		ToUserID:   bob.id,
		Type:       calls.SignalOffer,
		Payload:    offerPayload(t),
	}
	bob.core.OnSignal(offer)
	bob.core.OnSignal(offer)

	ev := bob.events.expect(t, EventIncomingCall)
	if ev.Incoming.CallerName != "Carol" || ev.Incoming.CallerPhotoURL != nil {
		t.Fatalf("unexpected view: %+v", ev.Incoming)
	}
	bob.events.none(t)

	end := calls.SignalMessage{
		ID:         uuid.New(),
		CallID:     offer.CallID,
		FromUserID: caller,
		ToUserID:   bob.id,
		Type:       calls.SignalEndCall,
		Reason:     calls.ReasonCanceled,
	}
	bob.core.OnSignal(end)
	bob.core.OnSignal(end)

	if ev := bob.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonCanceled {
		t.Errorf("expected reason canceled, got %q", ev.Reason)
	}
	bob.events.none(t)
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	if err := bob.core.Decline(ctx, session.ID); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	bob.events.expect(t, EventCallDeclined)
	if ev := alice.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonDeclined {
		t.Errorf("expected reason declined, got %q", ev.Reason)
	}

	if err := bob.core.Accept(ctx, session.ID, nil); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Errorf("accept after decline: expected ErrInvalidStateTransition, got %v", err)
	}
	if err := bob.core.Decline(ctx, session.ID); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Errorf("decline after decline: expected ErrInvalidStateTransition, got %v", err)
	}
	if err := bob.core.Connected(session.ID); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Errorf("connected after decline: expected ErrInvalidStateTransition, got %v", err)
	}
	if err := bob.core.End(ctx, session.ID); err != nil {
		t.Errorf("end after decline should be a no-op, got %v", err)
	}

	bob.core.OnSignal(calls.SignalMessage{
		ID:         uuid.New(),
		CallID:     session.ID,
		FromUserID: alice.id,
		ToUserID:   bob.id,
		Type:       calls.SignalOffer,
		Payload:    offerPayload(t),
	})
	bob.events.none(t)

	if s, _ := bob.core.Session(session.ID); s.Status != calls.StatusDeclined {
		t.Fatalf("expected declined, got %s", s.Status)
	}
	if got := h.store.status(session.ID); got != calls.StatusDeclined {
		t.Fatalf("expected stored status declined, got %s", got)
	}
	sent := h.net.sent(bob.id, calls.SignalEndCall)
	if len(sent) != 1 || sent[0].Reason != calls.ReasonDeclined {
		t.Fatalf("expected one declined end_call, got %+v", sent)
	}
}

func TestEnrichmentFailureStillSurfacesCall(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeIdentity)
		wantName string
	}{
		{
			name:     "profile lookup fails",
			setup:    func(f *fakeIdentity) { f.err = errors.New("profile service down") },
			wantName: "",
		},
		{
			name:     "photo signing fails",
			setup:    func(f *fakeIdentity) { f.signErr = errors.New("bucket unavailable") },
			wantName: "Alice",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			alice := h.peer(t, "Alice")
			bob := h.peer(t, "Bob")
			tc.setup(h.identity)

			if _, err := alice.core.Initiate(context.Background(), bob.id, "", offerPayload(t)); err != nil {
				t.Fatalf("initiate failed: %v", err)
			}

			ev := bob.events.expect(t, EventIncomingCall)
			if ev.Incoming.CallerName != tc.wantName {
				t.Errorf("expected caller name %q, got %q", tc.wantName, ev.Incoming.CallerName)
			}
			if ev.Incoming.CallerPhotoURL != nil {
				t.Errorf("expected no photo url, got %s", *ev.Incoming.CallerPhotoURL)
			}
		})
	}
}

func TestEndDuringEnrichmentSuppressesIncomingCall(t *testing.T) {
	h := newHarness()
	bob := h.peer(t, "Bob")
	caller := uuid.New()
	h.identity.add(caller, "Carol", "carol.jpg")
	h.identity.gate = make(chan struct{})

	callID := uuid.New()
	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: callID, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalOffer, Payload: offerPayload(t),
	})
	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: callID, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalEndCall, Reason: calls.ReasonCanceled,
	})
	close(h.identity.gate)

	bob.events.none(t)
	if _, ok := bob.core.IncomingCall(callID); ok {
		t.Fatalf("incoming call should never surface")
	}
	if s, ok := bob.core.Session(callID); !ok || s.Status != calls.StatusEnded {
		t.Fatalf("expected ended call, got %+v", s)
	}
}

func TestOfferWhileBusyIsDeclined(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	carol := h.peer(t, "Carol")
	ctx := context.Background()

	first, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	second, err := carol.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("second initiate failed: %v", err)
	}
	if ev := carol.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonBusy {
		t.Fatalf("expected reason busy, got %q", ev.Reason)
	}
	bob.events.none(t)

	if s, ok := bob.core.Session(second.ID); !ok || s.Status != calls.StatusDeclined {
		t.Fatalf("expected busy call declined, got %+v", s)
	}
	if active, ok := bob.core.ActiveCall(); !ok || active.ID != first.ID {
		t.Fatalf("first call should stay active")
	}
	if got := h.store.status(second.ID); got != calls.StatusDeclined {
		t.Fatalf("expected stored status declined, got %s", got)
	}
}

func TestUnknownCallSignals(t *testing.T) {
	h := newHarness()
	bob := h.peer(t, "Bob")
	caller := uuid.New()
	h.identity.add(caller, "Carol", "")

	stray := uuid.New()
	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: stray, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalAnswer, Payload: json.RawMessage(`{}`),
	})
	bob.events.none(t)
	if _, ok := bob.core.Session(stray); ok {
		t.Fatalf("answer for unknown call should not create state")
	}

	ended := uuid.New()
	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: ended, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalEndCall, Reason: calls.ReasonCanceled,
	})
	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: ended, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalOffer, Payload: offerPayload(t),
	})
	bob.events.none(t)
	if _, ok := bob.core.ActiveCall(); ok {
		t.Fatalf("late offer after end_call should be ignored")
	}

	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: uuid.New(), FromUserID: caller, ToUserID: uuid.New(),
		Type: calls.SignalOffer, Payload: offerPayload(t),
	})
	bob.events.none(t)
}

func TestEarlyCandidatesAreFlushed(t *testing.T) {
	h := newHarness()
	bob := h.peer(t, "Bob")
	caller := uuid.New()
	h.identity.add(caller, "Carol", "")
	callID := uuid.New()

	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: callID, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalIceCandidate, Payload: json.RawMessage(`{"candidate":"early"}`),
	})
	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: callID, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalOffer, Payload: offerPayload(t),
	})
	bob.events.expect(t, EventIncomingCall)

	if got := receive(t, bob.neg.candidates); string(got) != `{"candidate":"early"}` {
		t.Fatalf("unexpected candidate: %s", got)
	}

	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: callID, FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalIceCandidate, Payload: json.RawMessage(`{"candidate":"late"}`),
	})
	if got := receive(t, bob.neg.candidates); string(got) != `{"candidate":"late"}` {
		t.Fatalf("unexpected candidate: %s", got)
	}
}

type initiateResult struct {
	session calls.CallSession
	err     error
}

func TestDispatchFailureFailsCall(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	h.net.failNext(2)

	done := make(chan initiateResult, 1)
	go func() {
		s, err := alice.core.Initiate(context.Background(), bob.id, "", offerPayload(t))
		done <- initiateResult{s, err}
	}()

	waitFor(t, func() bool { return len(h.net.sent(alice.id, calls.SignalOffer)) == 1 })
	select {
	case <-done:
		t.Fatalf("retry should wait for the backoff on the core clock")
	case <-time.After(50 * time.Millisecond):
	}

	res := advanceUntil(t, h.clk, 500*time.Millisecond, done)
	if !errors.Is(res.err, calls.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", res.err)
	}
	if res.session.Status != calls.StatusFailed {
		t.Fatalf("expected failed, got %s", res.session.Status)
	}

	ev := alice.events.expect(t, EventCallFailed)
	if ev.Error == "" {
		t.Errorf("failed event should carry the cause")
	}
	if got := len(h.net.sent(alice.id, calls.SignalOffer)); got != 2 {
		t.Fatalf("expected offer to be tried twice, got %d", got)
	}
	ends := h.net.sent(alice.id, calls.SignalEndCall)
	if len(ends) != 1 || ends[0].Reason != calls.ReasonFailed {
		t.Fatalf("expected one failed end_call, got %+v", ends)
	}
	if got := h.store.status(res.session.ID); got != calls.StatusFailed {
		t.Fatalf("expected stored status failed, got %s", got)
	}
	if _, ok := alice.core.ActiveCall(); ok {
		t.Fatalf("failed call should not stay active")
	}
	bob.events.none(t)
}

func TestDispatchRetrySucceeds(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	h.net.failNext(1)

	done := make(chan initiateResult, 1)
	go func() {
		s, err := alice.core.Initiate(context.Background(), bob.id, "", offerPayload(t))
		done <- initiateResult{s, err}
	}()

	waitFor(t, func() bool { return len(h.net.sent(alice.id, calls.SignalOffer)) == 1 })
	h.clk.Add(499 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("retry fired before the backoff elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	h.clk.Add(time.Millisecond)

	var res initiateResult
	select {
	case res = <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("initiate did not return after the backoff")
	}
	if res.err != nil {
		t.Fatalf("initiate failed: %v", res.err)
	}
	if res.session.Status != calls.StatusDialing {
		t.Fatalf("expected dialing, got %s", res.session.Status)
	}
	bob.events.expect(t, EventIncomingCall)
}

func TestPersistenceFailureFailsCall(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	h.store.mu.Lock()
	h.store.updateErr = errors.New("connection reset")
	h.store.mu.Unlock()

	if err := bob.core.Accept(ctx, session.ID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("accept should report failure as an event, got %v", err)
	}
	bob.events.expect(t, EventCallFailed)

	if got := len(h.net.sent(bob.id, calls.SignalAnswer)); got != 0 {
		t.Fatalf("answer must not be sent after a failed write, got %d", got)
	}
}

func TestLocalActionsRequireRinging(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	if err := alice.core.Accept(ctx, session.ID, nil); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Errorf("accept while dialing: expected ErrInvalidStateTransition, got %v", err)
	}
	if err := alice.core.Decline(ctx, session.ID); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Errorf("decline while dialing: expected ErrInvalidStateTransition, got %v", err)
	}
	if err := alice.core.Connected(session.ID); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Errorf("connected while dialing: expected ErrInvalidStateTransition, got %v", err)
	}
	if err := alice.core.Accept(ctx, uuid.New(), nil); !errors.Is(err, calls.ErrCallNotFound) {
		t.Errorf("accept unknown call: expected ErrCallNotFound, got %v", err)
	}
	alice.events.none(t)
}

func TestLostRaceCountsAsConfirmation(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	h.store.force(session.ID, calls.StatusEnded)

	if err := bob.core.Decline(ctx, session.ID); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	bob.events.expect(t, EventCallDeclined)
}

func TestReplayedOfferForSettledCallIsDropped(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)
	if err := bob.core.Decline(ctx, session.ID); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	bob.events.expect(t, EventCallDeclined)
	bob.core.Close(ctx)

	offers := h.net.sent(alice.id, calls.SignalOffer)
	if len(offers) != 1 {
		t.Fatalf("expected one offer, got %d", len(offers))
	}

	fresh := h.session(t, bob.id)
	fresh.core.OnSignal(offers[0])
	fresh.events.none(t)

	if _, ok := fresh.core.IncomingCall(session.ID); ok {
		t.Fatalf("declined call should not be visible as incoming")
	}
	if _, ok := fresh.core.ActiveCall(); ok {
		t.Fatalf("declined call should not occupy the line")
	}
	if s, ok := fresh.core.Session(session.ID); !ok || s.Status != calls.StatusDeclined {
		t.Fatalf("expected call remembered as declined, got %+v", s)
	}
	if err := fresh.core.Accept(ctx, session.ID, json.RawMessage(`{}`)); !errors.Is(err, calls.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if got := len(h.net.sent(bob.id, calls.SignalAnswer)); got != 0 {
		t.Fatalf("no answer should be sent, got %d", got)
	}
}

func TestOfferRingsWhenRecordLookupFails(t *testing.T) {
	h := newHarness()
	bob := h.peer(t, "Bob")
	caller := uuid.New()
	h.identity.add(caller, "Carol", "")

	h.store.mu.Lock()
	h.store.getErr = errors.New("connection reset")
	h.store.mu.Unlock()

	bob.core.OnSignal(calls.SignalMessage{
		ID: uuid.New(), CallID: uuid.New(), FromUserID: caller, ToUserID: bob.id,
		Type: calls.SignalOffer, Payload: offerPayload(t),
	})
	bob.events.expect(t, EventIncomingCall)
}

func TestAcceptOnSettledRecordEndsCall(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	session, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t))
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	h.store.force(session.ID, calls.StatusEnded)

	if err := bob.core.Accept(ctx, session.ID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	bob.events.expect(t, EventCallEnded)

	if got := len(h.net.sent(bob.id, calls.SignalAnswer)); got != 0 {
		t.Fatalf("answer must not be sent for a settled call, got %d", got)
	}
	if _, ok := bob.core.ActiveCall(); ok {
		t.Fatalf("settled call should not stay active")
	}
	if s, ok := bob.core.Session(session.ID); !ok || s.Status != calls.StatusEnded {
		t.Fatalf("expected ended, got %+v", s)
	}
}

func TestCloseHangsUpOpenCalls(t *testing.T) {
	h := newHarness()
	alice := h.peer(t, "Alice")
	bob := h.peer(t, "Bob")
	ctx := context.Background()

	if _, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t)); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	bob.events.expect(t, EventIncomingCall)

	alice.core.Close(ctx)

	if ev := alice.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonUnavailable {
		t.Errorf("expected reason unavailable, got %q", ev.Reason)
	}
	if ev := bob.events.expect(t, EventCallEnded); ev.Reason != calls.ReasonUnavailable {
		t.Errorf("expected reason unavailable, got %q", ev.Reason)
	}
	if _, err := alice.core.Initiate(ctx, bob.id, "", offerPayload(t)); !errors.Is(err, calls.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
