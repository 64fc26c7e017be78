package hub

import (
	"context"

	"privet/logger"
	"privet/protocol"
)

// ===== 呼叫信令转发 =====
//
// The relay is stateless across calls: it substitutes the peer identity
// and forwards. Call-state legality lives in the client controller; the
// only requirements here are an authenticated sender and a recipient id
// in the payload. An offline recipient is dropped like any other route.

func (r *Router) handleCallOffer(_ context.Context, c *Conn, env *protocol.Envelope) {
	if env.RecipientID == "" {
		return
	}
	logger.Infof("[call] offer from=%s to=%s type=%s", c.UserID, env.RecipientID, env.CallType)
	r.SendToUser(env.RecipientID, protocol.IncomingCall(c.UserID, env.Offer, env.CallType, env.ChatID))
}

func (r *Router) handleCallAnswer(_ context.Context, c *Conn, env *protocol.Envelope) {
	if env.CallerID == "" {
		return
	}
	logger.Infof("[call] answered by=%s caller=%s", c.UserID, env.CallerID)
	r.SendToUser(env.CallerID, protocol.CallAnswered(c.UserID, env.Answer))
}

func (r *Router) handleICECandidate(_ context.Context, c *Conn, env *protocol.Envelope) {
	if env.RecipientID == "" || env.Candidate == nil {
		return
	}
	r.SendToUser(env.RecipientID, protocol.RelayedICE(c.UserID, env.Candidate))
}

func (r *Router) handleCallEnd(_ context.Context, c *Conn, env *protocol.Envelope) {
	if env.RecipientID == "" {
		return
	}
	logger.Infof("[call] ended by=%s reason=%s", c.UserID, env.Reason)
	r.SendToUser(env.RecipientID, protocol.CallEnded(c.UserID, env.Reason))
}

func (r *Router) handleCallReject(_ context.Context, c *Conn, env *protocol.Envelope) {
	if env.CallerID == "" {
		return
	}
	logger.Infof("[call] rejected by=%s caller=%s", c.UserID, env.CallerID)
	r.SendToUser(env.CallerID, protocol.CallRejected(c.UserID, env.Reason))
}
