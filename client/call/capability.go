// Package call runs the peer side of a one-to-one call: a small state
// machine over the signaling transport plus a media capability it
// drives. The capability is an interface so the controller can be
// exercised without touching real devices.
package call

import (
	"context"

	"privet/protocol"
)

// Capability is one call's worth of media plumbing. A fresh instance is
// created per session and Released exactly once when the session ends.
type Capability interface {
	AcquireAudio() error
	AcquireVideo() error

	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddICECandidate(c protocol.ICECandidate) error

	// Release tears the capability down. Must be safe to call more than
	// once; only the first call does work.
	Release() error
}

// CapabilityEvents are the async callbacks a capability fires: locally
// gathered ICE candidates (trickle), transport up, transport dead.
type CapabilityEvents struct {
	OnICECandidate func(c protocol.ICECandidate)
	OnConnected    func()
	OnFailed       func(err error)
}

// CapabilityFactory builds the media capability for one session.
type CapabilityFactory func(events CapabilityEvents) (Capability, error)
