// Package client is the peer side of the relay: a reconnecting
// websocket transport plus the call controller under client/call.
package client

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"privet/logger"
	"privet/protocol"
	"privet/tools/errs"
)

// Status of the transport, surfaced through Handlers.OnStatusChange.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultBaseDelay    = 2 * time.Second
	defaultMaxAttempts  = 5
	defaultPingInterval = 25 * time.Second
)

// Handlers is the typed dispatch surface; one function per outbound
// envelope kind, called directly from the read loop. Nil handlers are
// skipped.
type Handlers struct {
	OnConnected      func(userID string)
	OnNewMessage     func(message json.RawMessage)
	OnMessageStatus  func(messageID, chatID, status string)
	OnTyping         func(chatID, userID string, isTyping bool)
	OnOnlineStatus   func(userID string, online bool, lastSeen time.Time)
	OnMessageDeleted func(messageID string)
	OnMessagesRead   func(chatID string, messageIDs []string, readBy string)

	OnIncomingCall func(callerID, offer, callType, chatID string)
	OnCallAnswered func(answerID, answer string)
	OnICECandidate func(senderID string, candidate protocol.ICECandidate)
	OnCallEnded    func(userID, reason string)
	OnCallRejected func(userID, reason string)

	OnStatusChange func(Status)
}

// Transport maintains the single connection to the relay with app-level
// heartbeat and bounded exponential-ish backoff (attempt * baseDelay,
// capped at maxAttempts reconnects).
type Transport struct {
	rawURL   string
	token    string
	handlers Handlers

	baseDelay    time.Duration
	maxAttempts  int
	pingInterval time.Duration

	mu       sync.Mutex
	ws       *websocket.Conn
	status   Status
	attempts int
	closed   bool
	genID    int // invalidates loops of a replaced connection

	// injectable for tests
	dial      func(urlStr string) (*websocket.Conn, error)
	afterFunc func(d time.Duration, f func()) *time.Timer
	timer     *time.Timer
}

func NewTransport(wsURL, token string, handlers Handlers) *Transport {
	return &Transport{
		rawURL:       wsURL,
		token:        token,
		handlers:     handlers,
		baseDelay:    defaultBaseDelay,
		maxAttempts:  defaultMaxAttempts,
		pingInterval: defaultPingInterval,
		dial: func(urlStr string) (*websocket.Conn, error) {
			ws, _, err := websocket.DefaultDialer.Dial(urlStr, nil)
			return ws, err
		},
		afterFunc: time.AfterFunc,
	}
}

// Connect dials the relay with the token as a query parameter. A manual
// Connect resets the backoff counter.
func (t *Transport) Connect() error {
	t.mu.Lock()
	t.attempts = 0
	t.closed = false
	t.mu.Unlock()
	return t.connect()
}

func (t *Transport) connect() error {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return errs.ErrTransport.WithDetail(err.Error())
	}
	q := u.Query()
	q.Set("token", t.token)
	u.RawQuery = q.Encode()

	t.setStatus(StatusConnecting)
	ws, err := t.dial(u.String())
	if err != nil {
		logger.Infof("[transport] dial failed: %v", err)
		t.scheduleReconnect()
		return errs.ErrTransport.WithDetail(err.Error())
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		closeQuiet(ws)
		return errs.ErrDisconnected
	}
	t.ws = ws
	t.attempts = 0 // 重连成功，计数清零
	t.genID++
	gen := t.genID
	t.mu.Unlock()

	t.setStatus(StatusConnected)
	go t.readLoop(ws, gen)
	go t.pingLoop(ws, gen)
	return nil
}

// Close shuts the transport down for good; no reconnect is scheduled.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	ws := t.ws
	t.ws = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		closeQuiet(ws)
	}
	t.setStatus(StatusDisconnected)
}

// Send marshals and writes one envelope. Writes are serialized; a send
// failure condemns the connection and kicks off reconnection.
func (t *Transport) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		return errs.ErrDisconnected
	}
	t.mu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	t.mu.Unlock()
	if err != nil {
		logger.Infof("[transport] send error: %v", err)
		t.dropConn(ws)
		return errs.ErrTransport.WithDetail(err.Error())
	}
	return nil
}

func (t *Transport) SendTyping(chatID string, isTyping bool) error {
	return t.Send(&protocol.Envelope{Type: protocol.KindTyping, ChatID: chatID, IsTyping: protocol.Bool(isTyping)})
}

func (t *Transport) SendReadReceipts(messageIDs []string) error {
	return t.Send(&protocol.Envelope{Type: protocol.KindMessageRead, MessageIDs: messageIDs})
}

// ---- internals ----

func (t *Transport) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if t.current(gen) {
				logger.Infof("[transport] read error: %v", err)
				t.dropConn(ws)
			}
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) pingLoop(ws *websocket.Conn, gen int) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !t.current(gen) {
			return
		}
		if err := t.Send(&protocol.Envelope{Type: protocol.KindPing}); err != nil {
			return
		}
	}
}

// current reports whether gen still names the live connection.
func (t *Transport) current(gen int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws != nil && t.genID == gen
}

// dropConn marks the transport disconnected and schedules a reconnect,
// once per dead connection.
func (t *Transport) dropConn(ws *websocket.Conn) {
	t.mu.Lock()
	if t.ws != ws {
		t.mu.Unlock()
		return
	}
	t.ws = nil
	closed := t.closed
	t.mu.Unlock()

	closeQuiet(ws)
	t.setStatus(StatusDisconnected)
	if !closed {
		t.scheduleReconnect()
	}
}

// scheduleReconnect arms a timer for attempt*baseDelay; the sixth
// consecutive failure schedules nothing and the transport stays
// disconnected until Connect is called again.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	if attempt > t.maxAttempts {
		t.mu.Unlock()
		logger.Infof("[transport] reconnect attempts exhausted")
		t.setStatus(StatusDisconnected)
		return
	}
	delay := time.Duration(attempt) * t.baseDelay
	t.timer = t.afterFunc(delay, func() { _ = t.connect() })
	t.mu.Unlock()
	logger.Infof("[transport] reconnecting in %v (attempt %d)", delay, attempt)
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()
	if t.handlers.OnStatusChange != nil {
		t.handlers.OnStatusChange(s)
	}
}

func (t *Transport) dispatch(env *protocol.Envelope) {
	h := t.handlers
	switch env.Type {
	case protocol.KindConnected:
		if h.OnConnected != nil {
			h.OnConnected(env.UserID)
		}
	case protocol.KindPong:
		// heartbeat response
	case protocol.KindNewMessage:
		if h.OnNewMessage != nil {
			h.OnNewMessage(env.Message)
		}
	case protocol.KindMessageStatus:
		if h.OnMessageStatus != nil {
			h.OnMessageStatus(env.MessageID, env.ChatID, env.Status)
		}
	case protocol.KindTyping:
		if h.OnTyping != nil && env.IsTyping != nil {
			h.OnTyping(env.ChatID, env.UserID, *env.IsTyping)
		}
	case protocol.KindOnlineStatus:
		if h.OnOnlineStatus != nil && env.IsOnline != nil {
			lastSeen, _ := time.Parse(time.RFC3339, env.LastSeen)
			h.OnOnlineStatus(env.UserID, *env.IsOnline, lastSeen)
		}
	case protocol.KindMessageDeleted:
		if h.OnMessageDeleted != nil {
			h.OnMessageDeleted(env.MessageID)
		}
	case protocol.KindMessagesRead:
		if h.OnMessagesRead != nil {
			h.OnMessagesRead(env.ChatID, env.MessageIDs, env.ReadBy)
		}
	case protocol.KindIncomingCall:
		if h.OnIncomingCall != nil {
			h.OnIncomingCall(env.CallerID, env.Offer, env.CallType, env.ChatID)
		}
	case protocol.KindCallAnswered:
		if h.OnCallAnswered != nil {
			h.OnCallAnswered(env.AnswerID, env.Answer)
		}
	case protocol.KindICE:
		if h.OnICECandidate != nil && env.Candidate != nil {
			h.OnICECandidate(env.SenderID, *env.Candidate)
		}
	case protocol.KindCallEnded:
		if h.OnCallEnded != nil {
			h.OnCallEnded(env.UserID, env.Reason)
		}
	case protocol.KindCallRejected:
		if h.OnCallRejected != nil {
			h.OnCallRejected(env.UserID, env.Reason)
		}
	default:
		logger.Infof("[transport] unknown envelope type %q", env.Type)
	}
}

func closeQuiet(ws *websocket.Conn) {
	if ws != nil {
		_ = ws.Close()
	}
}
