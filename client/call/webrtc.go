package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"privet/protocol"
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// WebRTCCapability implements Capability on a pion PeerConnection.
// Candidates trickle out through the events as they are gathered; the
// offer/answer SDP is returned immediately, not after gathering
// completes.
type WebRTCCapability struct {
	pc     *webrtc.PeerConnection
	events CapabilityEvents

	releaseOnce sync.Once
	releaseErr  error
}

// NewWebRTCCapability is the CapabilityFactory for real media.
func NewWebRTCCapability(events CapabilityEvents) (Capability, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: defaultICEServers})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	c := &WebRTCCapability{pc: pc, events: events}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.events.OnICECandidate == nil {
			return // nil marks end of gathering
		}
		init := cand.ToJSON()
		out := protocol.ICECandidate{Candidate: init.Candidate}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = int32(*init.SDPMLineIndex)
		}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		c.events.OnICECandidate(out)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateConnected:
			if c.events.OnConnected != nil {
				c.events.OnConnected()
			}
		case webrtc.ICEConnectionStateFailed:
			if c.events.OnFailed != nil {
				c.events.OnFailed(errors.New("ice connection failed"))
			}
		}
	})
	return c, nil
}

func (c *WebRTCCapability) AcquireAudio() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "privet")
	if err != nil {
		return errors.Wrap(err, "audio track")
	}
	if _, err := c.pc.AddTrack(track); err != nil {
		return errors.Wrap(err, "add audio track")
	}
	return nil
}

func (c *WebRTCCapability) AcquireVideo() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "privet")
	if err != nil {
		return errors.Wrap(err, "video track")
	}
	if _, err := c.pc.AddTrack(track); err != nil {
		return errors.Wrap(err, "add video track")
	}
	return nil
}

func (c *WebRTCCapability) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "set local offer")
	}
	return offer.SDP, nil
}

func (c *WebRTCCapability) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set local answer")
	}
	return answer.SDP, nil
}

func (c *WebRTCCapability) SetRemoteOffer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	return errors.Wrap(c.pc.SetRemoteDescription(desc), "set remote offer")
}

func (c *WebRTCCapability) SetRemoteAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	return errors.Wrap(c.pc.SetRemoteDescription(desc), "set remote answer")
}

func (c *WebRTCCapability) AddICECandidate(cand protocol.ICECandidate) error {
	idx := uint16(cand.SDPMLineIndex)
	mid := cand.SDPMid
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: &idx,
		SDPMid:        &mid,
	}
	return errors.Wrap(c.pc.AddICECandidate(init), "add candidate")
}

func (c *WebRTCCapability) Release() error {
	c.releaseOnce.Do(func() {
		c.releaseErr = c.pc.Close()
	})
	return c.releaseErr
}
