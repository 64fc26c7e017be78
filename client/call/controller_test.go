package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"privet/client/call"
	"privet/protocol"
	"privet/tools/errs"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (s *fakeSignaler) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSignaler) last() *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *fakeSignaler) ofType(kind string) []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Envelope
	for _, e := range s.sent {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeCapability struct {
	mu       sync.Mutex
	releases int
	failNext bool
}

func (f *fakeCapability) AcquireAudio() error { return nil }
func (f *fakeCapability) AcquireVideo() error { return nil }
func (f *fakeCapability) CreateOffer(context.Context) (string, error) {
	if f.failNext {
		return "", errors.New("negotiation failed")
	}
	return "sdp-offer", nil
}
func (f *fakeCapability) CreateAnswer(context.Context) (string, error) { return "sdp-answer", nil }
func (f *fakeCapability) SetRemoteOffer(string) error                  { return nil }
func (f *fakeCapability) SetRemoteAnswer(string) error                 { return nil }
func (f *fakeCapability) AddICECandidate(protocol.ICECandidate) error  { return nil }
func (f *fakeCapability) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeCapability) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// harness wires one controller to a fake capability and keeps the
// async event hooks reachable for the test.
type harness struct {
	sig    *fakeSignaler
	cap    *fakeCapability
	events call.CapabilityEvents
	ctrl   *call.Controller
}

func newHarness() *harness {
	h := &harness{sig: &fakeSignaler{}, cap: &fakeCapability{}}
	h.ctrl = call.NewController(h.sig, func(events call.CapabilityEvents) (call.Capability, error) {
		h.events = events
		return h.cap, nil
	})
	return h
}

func TestInitiateOnlyFromIdle(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := h.ctrl.State(); got != call.StateRinging {
		t.Fatalf("state = %v, want ringing", got)
	}
	offer := h.sig.last()
	if offer.Type != protocol.KindCallOffer || offer.RecipientID != "bob" || offer.Offer != "sdp-offer" {
		t.Fatalf("call_offer = %+v", offer)
	}

	err := h.ctrl.Initiate(context.Background(), "carol", "c2", protocol.CallTypeAudio)
	if !errors.Is(err, errs.ErrCallInProgress) {
		t.Fatalf("second initiate err = %v, want call-in-progress", err)
	}
	if got := h.ctrl.State(); got != call.StateRinging {
		t.Fatalf("state mutated by rejected initiate: %v", got)
	}
	if peer := h.ctrl.Peer(); peer != "bob" {
		t.Fatalf("peer = %q, want bob", peer)
	}
}

func TestIncomingWhileBusyIsAutoRejected(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	h.ctrl.HandleIncomingCall("carol", "sdp", protocol.CallTypeAudio, "c2")
	rej := h.sig.last()
	if rej.Type != protocol.KindCallReject || rej.CallerID != "carol" || rej.Reason != "busy" {
		t.Fatalf("busy reject = %+v", rej)
	}
	if got := h.ctrl.State(); got != call.StateRinging {
		t.Fatalf("busy reject changed state to %v", got)
	}
	if peer := h.ctrl.Peer(); peer != "bob" {
		t.Fatalf("busy reject changed peer to %q", peer)
	}
}

func TestAcceptAnswersAndConnects(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleIncomingCall("alice", "sdp-offer", protocol.CallTypeVideo, "c1")
	if got := h.ctrl.State(); got != call.StateIncoming {
		t.Fatalf("state = %v, want incoming", got)
	}

	if err := h.ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := h.ctrl.State(); got != call.StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}
	ans := h.sig.last()
	if ans.Type != protocol.KindCallAnswer || ans.CallerID != "alice" || ans.Answer != "sdp-answer" {
		t.Fatalf("call_answer = %+v", ans)
	}

	// ICE-level connectivity promotes connecting -> connected
	h.events.OnConnected()
	if got := h.ctrl.State(); got != call.StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestAcceptOutsideIncomingIsInvalid(t *testing.T) {
	h := newHarness()
	err := h.ctrl.Accept(context.Background())
	if !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("accept from idle err = %v, want invalid-state", err)
	}
}

func TestRejectDeclinesAndResets(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleIncomingCall("alice", "sdp-offer", protocol.CallTypeAudio, "c1")
	if err := h.ctrl.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	rej := h.sig.last()
	if rej.Type != protocol.KindCallReject || rej.CallerID != "alice" || rej.Reason != "declined" {
		t.Fatalf("reject = %+v", rej)
	}
	if got := h.ctrl.State(); got != call.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	// nothing was acquired before accept, nothing to release
	if n := h.cap.releaseCount(); n != 0 {
		t.Fatalf("release count = %d, want 0", n)
	}
}

func TestCallerConnectsOnAnswer(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.ctrl.HandleCallAnswered("sdp-answer")
	if got := h.ctrl.State(); got != call.StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestEndReleasesAndSendsCallEnd(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.ctrl.HandleCallAnswered("sdp-answer")

	if err := h.ctrl.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	end := h.sig.last()
	if end.Type != protocol.KindCallEnd || end.RecipientID != "bob" || end.Reason != "normal" {
		t.Fatalf("call_end = %+v", end)
	}
	if got := h.ctrl.State(); got != call.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if n := h.cap.releaseCount(); n != 1 {
		t.Fatalf("release count = %d, want 1", n)
	}
}

func TestEndWithoutSession(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.End(); !errors.Is(err, errs.ErrNoActiveSession) {
		t.Fatalf("end from idle err = %v, want no-active-session", err)
	}
}

func TestCleanupRunsOnceUnderRacingTerminals(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// remote hangup and local transport failure hit the same session
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.ctrl.HandleCallEnded("normal")
	}()
	go func() {
		defer wg.Done()
		h.events.OnFailed(errors.New("ice failed"))
	}()
	wg.Wait()

	if n := h.cap.releaseCount(); n != 1 {
		t.Fatalf("release count = %d, want exactly 1", n)
	}
	if got := h.ctrl.State(); got != call.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestCapabilityFailureFailsSession(t *testing.T) {
	h := newHarness()
	h.cap.failNext = true
	err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio)
	if err == nil {
		t.Fatal("initiate with broken negotiation should fail")
	}
	if got := h.ctrl.State(); got != call.StateIdle {
		t.Fatalf("state = %v, want idle after failure cleanup", got)
	}
	if n := h.cap.releaseCount(); n != 1 {
		t.Fatalf("release count = %d, want 1", n)
	}
}

func TestLocalCandidateIsTrickled(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.events.OnICECandidate(protocol.ICECandidate{Candidate: "candidate:1", SDPMid: "0"})

	cands := h.sig.ofType(protocol.KindICE)
	if len(cands) != 1 {
		t.Fatalf("ice envelopes = %d, want 1", len(cands))
	}
	if cands[0].RecipientID != "bob" || cands[0].Candidate == nil || cands[0].Candidate.Candidate != "candidate:1" {
		t.Fatalf("ice envelope = %+v", cands[0])
	}
}

func TestStaleCandidateAfterHangupIsDropped(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.Initiate(context.Background(), "bob", "c1", protocol.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	events := h.events
	h.ctrl.HandleCallEnded("normal")

	events.OnICECandidate(protocol.ICECandidate{Candidate: "candidate:late"})
	if got := h.sig.ofType(protocol.KindICE); len(got) != 0 {
		t.Fatalf("stale candidate was forwarded: %+v", got[0])
	}
}

func TestMuteIsNoopBeforeConnecting(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleIncomingCall("alice", "sdp-offer", protocol.CallTypeAudio, "c1")
	if h.ctrl.ToggleMute() {
		t.Fatal("mute toggled before connecting")
	}

	if err := h.ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !h.ctrl.ToggleMute() {
		t.Fatal("mute should toggle while connecting")
	}

	// terminal cleanup resets the flag
	h.ctrl.HandleCallEnded("normal")
	if h.ctrl.Muted() {
		t.Fatal("mute flag survived cleanup")
	}
}
