package call

import (
	"context"
	"sync"

	"privet/logger"
	"privet/protocol"
	"privet/tools/errs"
	"privet/tools/ids"
)

// State of the single call a Controller can hold.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Signaler sends envelopes to the relay; *client.Transport satisfies it.
type Signaler interface {
	Send(env *protocol.Envelope) error
}

// session is the per-call bundle: peer, pending offer, capability. It
// lives from initiate/incoming until the terminal cleanup and is never
// reused.
type session struct {
	id           string
	peerID       string
	chatID       string
	callType     string
	pendingOffer string

	capability Capability
	ctx        context.Context
	cancel     context.CancelFunc
	cleaned    bool
}

// Controller is the per-client call state machine. All entry points —
// user actions and remote signaling events alike — serialize on one
// mutex, so no two transitions ever interleave.
type Controller struct {
	mu sync.Mutex

	sig           Signaler
	newCapability CapabilityFactory

	state     State
	sess      *session
	muted     bool
	speakerOn bool
	onState   func(State)
}

func NewController(sig Signaler, factory CapabilityFactory) *Controller {
	return &Controller{sig: sig, newCapability: factory, state: StateIdle}
}

// OnStateChange registers an observer. It is invoked with the
// controller lock held, so it must only hand the state off, never call
// back into the controller.
func (c *Controller) OnStateChange(f func(State)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.peerID
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Controller) SpeakerOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerOn
}

// ===== 主动发起 =====

// Initiate starts an outgoing call. Legal only from idle; any other
// state returns ErrCallInProgress and mutates nothing.
func (c *Controller) Initiate(ctx context.Context, peerID, chatID, callType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return errs.ErrCallInProgress.WithDetail(c.state.String())
	}

	c.setState(StateOutgoing)
	sess, err := c.newSession(ctx, peerID, chatID, callType)
	if err != nil {
		c.failLocked(err)
		return err
	}
	c.sess = sess

	offer, err := sess.capability.CreateOffer(sess.ctx)
	if err != nil {
		c.failLocked(err)
		return errs.ErrCapability.WithDetail(err.Error())
	}
	env := &protocol.Envelope{
		Type:        protocol.KindCallOffer,
		RecipientID: peerID,
		Offer:       offer,
		CallType:    callType,
		ChatID:      chatID,
	}
	if err := c.sig.Send(env); err != nil {
		c.failLocked(err)
		return err
	}
	c.setState(StateRinging)
	return nil
}

// HandleIncomingCall is fed from the transport. A call arriving while
// another one is active is auto-rejected busy; the current session is
// untouched.
func (c *Controller) HandleIncomingCall(callerID, offer, callType, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		logger.Infof("[call] busy, rejecting call from %s", callerID)
		c.reply(&protocol.Envelope{Type: protocol.KindCallReject, CallerID: callerID, Reason: "busy"})
		return
	}
	c.sess = &session{
		id:           ids.NewCallID(),
		peerID:       callerID,
		chatID:       chatID,
		callType:     callType,
		pendingOffer: offer,
	}
	c.setState(StateIncoming)
}

// Accept answers the pending incoming call: acquire media, apply the
// stored offer, send the answer back. Legal only from incoming.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIncoming || c.sess == nil {
		return errs.ErrInvalidState.WithDetail(c.state.String())
	}
	c.setState(StateConnecting)

	sess, err := c.newSession(ctx, c.sess.peerID, c.sess.chatID, c.sess.callType)
	if err != nil {
		c.failLocked(err)
		return err
	}
	sess.pendingOffer = c.sess.pendingOffer
	c.sess = sess

	if err := sess.capability.SetRemoteOffer(sess.pendingOffer); err != nil {
		c.failLocked(err)
		return errs.ErrCapability.WithDetail(err.Error())
	}
	answer, err := sess.capability.CreateAnswer(sess.ctx)
	if err != nil {
		c.failLocked(err)
		return errs.ErrCapability.WithDetail(err.Error())
	}
	c.reply(&protocol.Envelope{Type: protocol.KindCallAnswer, CallerID: sess.peerID, Answer: answer})
	return nil
}

// Reject declines the pending incoming call.
func (c *Controller) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIncoming || c.sess == nil {
		return errs.ErrInvalidState.WithDetail(c.state.String())
	}
	c.reply(&protocol.Envelope{Type: protocol.KindCallReject, CallerID: c.sess.peerID, Reason: "declined"})
	c.terminateLocked(StateEnded)
	return nil
}

// End hangs up the active call from any non-idle state.
func (c *Controller) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle || c.sess == nil {
		return errs.ErrNoActiveSession
	}
	c.reply(&protocol.Envelope{Type: protocol.KindCallEnd, RecipientID: c.sess.peerID, Reason: "normal"})
	c.terminateLocked(StateEnded)
	return nil
}

// ===== 远端信令 =====

func (c *Controller) HandleCallAnswered(answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRinging || c.sess == nil {
		logger.Infof("[call] answer in state %s ignored", c.state)
		return
	}
	if err := c.sess.capability.SetRemoteAnswer(answer); err != nil {
		c.failLocked(err)
		return
	}
	c.setState(StateConnected)
}

func (c *Controller) HandleRemoteICE(cand protocol.ICECandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.capability == nil {
		return
	}
	if err := c.sess.capability.AddICECandidate(cand); err != nil {
		logger.Infof("[call] add candidate: %v", err)
	}
}

func (c *Controller) HandleCallEnded(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	logger.Infof("[call] remote ended: %s", reason)
	c.terminateLocked(StateEnded)
}

func (c *Controller) HandleCallRejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	logger.Infof("[call] remote rejected: %s", reason)
	c.terminateLocked(StateEnded)
}

// HandleTransportFailure is the local failure path: the signaling
// connection died under an active call.
func (c *Controller) HandleTransportFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	c.failLocked(err)
}

// ===== 本地开关 =====

// ToggleMute flips local mute. A no-op before connecting.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mediaActive() {
		return c.muted
	}
	c.muted = !c.muted
	return c.muted
}

// ToggleSpeaker flips the local speaker route. A no-op before connecting.
func (c *Controller) ToggleSpeaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mediaActive() {
		return c.speakerOn
	}
	c.speakerOn = !c.speakerOn
	return c.speakerOn
}

func (c *Controller) mediaActive() bool {
	return c.sess != nil && (c.state == StateConnecting || c.state == StateConnected)
}

// ===== 内部 =====

// newSession builds the capability for one call, wiring its async
// events back into the state machine. Caller holds c.mu.
func (c *Controller) newSession(ctx context.Context, peerID, chatID, callType string) (*session, error) {
	sess := &session{
		id:       ids.NewCallID(),
		peerID:   peerID,
		chatID:   chatID,
		callType: callType,
	}
	sess.ctx, sess.cancel = context.WithCancel(ctx)
	sid := sess.id

	capability, err := c.newCapability(CapabilityEvents{
		OnICECandidate: func(cand protocol.ICECandidate) { c.localCandidate(sid, cand) },
		OnConnected:    func() { c.transportUp(sid) },
		OnFailed:       func(err error) { c.transportDown(sid, err) },
	})
	if err != nil {
		return nil, errs.ErrCapability.WithDetail(err.Error())
	}
	if err := capability.AcquireAudio(); err != nil {
		releaseQuiet(capability)
		return nil, errs.ErrCapability.WithDetail(err.Error())
	}
	if callType == protocol.CallTypeVideo {
		if err := capability.AcquireVideo(); err != nil {
			releaseQuiet(capability)
			return nil, errs.ErrCapability.WithDetail(err.Error())
		}
	}
	sess.capability = capability
	return sess, nil
}

// localCandidate trickles a gathered candidate to the peer; stale
// sessions (the call already ended) are dropped.
func (c *Controller) localCandidate(sessionID string, cand protocol.ICECandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.id != sessionID {
		return
	}
	c.reply(&protocol.Envelope{Type: protocol.KindICE, RecipientID: c.sess.peerID, Candidate: &cand})
}

func (c *Controller) transportUp(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.id != sessionID {
		return
	}
	if c.state == StateRinging || c.state == StateConnecting {
		c.setState(StateConnected)
	}
}

func (c *Controller) transportDown(sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.id != sessionID {
		return
	}
	c.failLocked(err)
}

// failLocked drives failed → cleanup → idle. Caller holds c.mu.
func (c *Controller) failLocked(err error) {
	logger.Errorf("[call] session failed: %v", err)
	c.terminateLocked(StateFailed)
}

// terminateLocked is the single exit ramp: terminal state, cleanup once,
// back to idle. Caller holds c.mu.
func (c *Controller) terminateLocked(terminal State) {
	c.setState(terminal)
	c.cleanupLocked()
	c.setState(StateIdle)
}

// cleanupLocked releases the session exactly once; racing terminal
// triggers find cleaned already set (or sess already nil) and do
// nothing. Release errors must not keep the rest from resetting.
func (c *Controller) cleanupLocked() {
	sess := c.sess
	if sess == nil || sess.cleaned {
		return
	}
	sess.cleaned = true
	if sess.cancel != nil {
		sess.cancel()
	}
	if sess.capability != nil {
		releaseQuiet(sess.capability)
	}
	c.sess = nil
	c.muted = false
	c.speakerOn = false
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		// 持锁回调：观察者只做轻量转发
		c.onState(s)
	}
}

// reply is best-effort: signaling loss is handled by the transport's
// reconnect, not here.
func (c *Controller) reply(env *protocol.Envelope) {
	if err := c.sig.Send(env); err != nil {
		logger.Infof("[call] signal %s failed: %v", env.Type, err)
	}
}

func releaseQuiet(capability Capability) {
	if err := capability.Release(); err != nil {
		logger.Infof("[call] capability release: %v", err)
	}
}
