package fanout

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"privet/logger"
	"privet/protocol"
)

// subjectPrefix + gateway id is each node's private inbox.
const subjectPrefix = "privet.gateway."

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsFanout is the core-NATS implementation; no persistence, matching
// the ephemeral signaling channel.
type NatsFanout struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewNatsFanout(cfg NatsConfig) (*NatsFanout, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsFanout{nc: nc}, nil
}

func (f *NatsFanout) Publish(gatewayID, to string, env *protocol.Envelope) error {
	data, err := json.Marshal(Frame{To: to, Envelope: env})
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	return f.nc.Publish(subjectPrefix+gatewayID, data)
}

func (f *NatsFanout) Subscribe(gatewayID string, deliver Deliver) error {
	sub, err := f.nc.Subscribe(subjectPrefix+gatewayID, func(m *nats.Msg) {
		var frame Frame
		if err := json.Unmarshal(m.Data, &frame); err != nil {
			logger.Infof("[fanout] bad frame on %s: %v", m.Subject, err)
			return
		}
		if frame.To == "" || frame.Envelope == nil {
			return
		}
		deliver(frame.To, frame.Envelope)
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}
	f.sub = sub
	return nil
}

func (f *NatsFanout) Close() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	f.nc.Close()
}
