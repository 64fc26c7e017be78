// Package fanout hands envelopes off between gateway nodes. A user's
// connections may live on another gateway; the presence record names it
// and the fanout delivers there, best-effort, preserving the relay's
// at-most-once semantics.
package fanout

import "privet/protocol"

// Frame wraps one envelope with its recipient for the cross-node hop.
type Frame struct {
	To       string             `json:"to"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// Deliver pushes a received frame to local connections only, so a
// hand-off can never bounce between gateways.
type Deliver func(to string, env *protocol.Envelope)

type Fanout interface {
	// Publish sends the envelope to the gateway currently holding the
	// recipient. Errors are for the caller to log; nothing is retried.
	Publish(gatewayID, to string, env *protocol.Envelope) error
	// Subscribe starts consuming this gateway's own subject.
	Subscribe(gatewayID string, deliver Deliver) error
	Close()
}
