package hub_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"privet/config"
	"privet/protocol"
	"privet/service/hub"
	"privet/storage"
	"privet/tools/security"
)

const testSecret = "test-secret"

func newTestGateway(t *testing.T) (*hub.Router, *storage.MemoryStore, *httptest.Server) {
	t.Helper()
	cfg := config.AppConfig{
		GatewayID:     "gw-test",
		JWTSecret:     testSecret,
		PingInterval:  time.Minute,
		WriteTimeout:  time.Second,
		SendQueueSize: 32,
	}
	store := storage.NewMemoryStore()

	var presence *hub.PresenceTracker
	reg := hub.NewRegistry(func(userID string, online bool) {
		// synchronous in tests, the registry never holds a lock here
		presence.OnTransition(userID, online)
	})
	router := hub.NewRouter(reg, store, cfg.GatewayID)
	presence = hub.NewPresenceTracker(router, store, nil, cfg.GatewayID)
	srv := hub.NewServer(cfg, router, reg, presence)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return router, store, ts
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions([]byte(testSecret)), userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func dial(t *testing.T, ts *httptest.Server, rawToken string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if rawToken != "" {
		u += "?token=" + rawToken
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials as userID and consumes the connected ack.
func connect(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ws := dial(t, ts, token(t, userID))
	env := readEnvelope(t, ws, protocol.KindConnected)
	if env.UserID != userID {
		t.Fatalf("connected ack for %q, want %q", env.UserID, userID)
	}
	return ws
}

// readEnvelope reads until a frame of the wanted type arrives; other
// frames (presence updates etc.) are skipped.
func readEnvelope(t *testing.T, ws *websocket.Conn, want string) *protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		env, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		if env.Type == want {
			return env
		}
	}
}

// expectNone fails if a frame of the given type arrives before wait
// elapses.
func expectNone(t *testing.T, ws *websocket.Conn, kind string, wait time.Duration) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return // deadline hit, nothing arrived
		}
		env, err := protocol.Parse(data)
		if err == nil && env.Type == kind {
			t.Fatalf("unexpected %s frame: %+v", kind, env)
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("want close error, got %v", err)
	}
	if ce.Code != code {
		t.Fatalf("close code = %d, want %d", ce.Code, code)
	}
}

func TestHandshakeMissingToken(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dial(t, ts, "")
	expectClose(t, ws, protocol.CloseAuthRequired)
}

func TestHandshakeInvalidToken(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dial(t, ts, "not-a-jwt")
	expectClose(t, ws, protocol.CloseInvalidToken)
}

func TestPingPong(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := connect(t, ts, "alice")
	send(t, ws, &protocol.Envelope{Type: protocol.KindPing})
	readEnvelope(t, ws, protocol.KindPong)
}

func TestCallSignalingRoundTrip(t *testing.T) {
	_, _, ts := newTestGateway(t)
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")

	send(t, alice, &protocol.Envelope{
		Type:        protocol.KindCallOffer,
		RecipientID: "bob",
		Offer:       "sdp-offer",
		CallType:    protocol.CallTypeVideo,
		ChatID:      "c1",
	})
	in := readEnvelope(t, bob, protocol.KindIncomingCall)
	if in.CallerID != "alice" || in.Offer != "sdp-offer" || in.CallType != protocol.CallTypeVideo || in.ChatID != "c1" {
		t.Fatalf("incoming_call = %+v", in)
	}

	send(t, bob, &protocol.Envelope{Type: protocol.KindCallAnswer, CallerID: "alice", Answer: "sdp-answer"})
	ans := readEnvelope(t, alice, protocol.KindCallAnswered)
	if ans.AnswerID != "bob" || ans.Answer != "sdp-answer" {
		t.Fatalf("call_answered = %+v", ans)
	}

	cand := protocol.ICECandidate{Candidate: "candidate:1", SDPMLineIndex: 0, SDPMid: "0"}
	send(t, bob, &protocol.Envelope{Type: protocol.KindICE, RecipientID: "alice", Candidate: &cand})
	ice := readEnvelope(t, alice, protocol.KindICE)
	if ice.SenderID != "bob" || ice.Candidate == nil || ice.Candidate.Candidate != "candidate:1" {
		t.Fatalf("ice_candidate = %+v", ice)
	}

	send(t, bob, &protocol.Envelope{Type: protocol.KindCallEnd, RecipientID: "alice"})
	ended := readEnvelope(t, alice, protocol.KindCallEnded)
	if ended.UserID != "bob" || ended.Reason != "normal" {
		t.Fatalf("call_ended = %+v", ended)
	}
}

func TestCallRejectRelayed(t *testing.T) {
	_, _, ts := newTestGateway(t)
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")

	send(t, bob, &protocol.Envelope{Type: protocol.KindCallReject, CallerID: "alice", Reason: "busy"})
	rej := readEnvelope(t, alice, protocol.KindCallRejected)
	if rej.UserID != "bob" || rej.Reason != "busy" {
		t.Fatalf("call_rejected = %+v", rej)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	_, store, ts := newTestGateway(t)
	store.AddChat("c1", "alice", "bob")
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")

	send(t, alice, &protocol.Envelope{Type: protocol.KindTyping, ChatID: "c1", IsTyping: protocol.Bool(true)})
	typ := readEnvelope(t, bob, protocol.KindTyping)
	if typ.UserID != "alice" || typ.ChatID != "c1" || typ.IsTyping == nil || !*typ.IsTyping {
		t.Fatalf("typing = %+v", typ)
	}
	expectNone(t, alice, protocol.KindTyping, 300*time.Millisecond)
}

func TestOfflineRecipientIsSilentlyDropped(t *testing.T) {
	router, store, ts := newTestGateway(t)
	store.AddChat("c1", "alice", "bob")
	alice := connect(t, ts, "alice")
	// bob never connects

	payload := json.RawMessage(`{"id":"m1","chatId":"c1","text":"hi"}`)
	err := router.NotifyNewMessage(context.Background(),
		storage.Message{ID: "m1", ChatID: "c1", SenderID: "alice", Status: protocol.StatusSent}, payload)
	if err != nil {
		t.Fatalf("notify with offline recipient: %v", err)
	}
	// sender is excluded from its own broadcast
	expectNone(t, alice, protocol.KindNewMessage, 300*time.Millisecond)
}

func TestNewMessageReachesParticipants(t *testing.T) {
	router, store, ts := newTestGateway(t)
	store.AddChat("c1", "alice", "bob")
	bob := connect(t, ts, "bob")

	payload := json.RawMessage(`{"id":"m1","chatId":"c1","text":"hi"}`)
	err := router.NotifyNewMessage(context.Background(),
		storage.Message{ID: "m1", ChatID: "c1", SenderID: "alice", Status: protocol.StatusSent}, payload)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := readEnvelope(t, bob, protocol.KindNewMessage)
	if string(got.Message) != string(payload) {
		t.Fatalf("message payload = %s", got.Message)
	}
}

func TestReadReceiptsNotifySenderOnceAndAreIdempotent(t *testing.T) {
	_, store, ts := newTestGateway(t)
	store.AddChat("c1", "alice", "bob")
	for _, id := range []string{"m1", "m2"} {
		if err := store.RecordMessage(context.Background(),
			storage.Message{ID: id, ChatID: "c1", SenderID: "alice", Status: protocol.StatusSent}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")

	send(t, bob, &protocol.Envelope{Type: protocol.KindMessageRead, MessageIDs: []string{"m1", "m2"}})
	read := readEnvelope(t, alice, protocol.KindMessagesRead)
	if read.ReadBy != "bob" || read.ChatID != "c1" || len(read.MessageIDs) != 2 {
		t.Fatalf("messages_read = %+v", read)
	}

	// same batch again: everything already read, no second notification
	send(t, bob, &protocol.Envelope{Type: protocol.KindMessageRead, MessageIDs: []string{"m1", "m2"}})
	expectNone(t, alice, protocol.KindMessagesRead, 300*time.Millisecond)
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	_, store, ts := newTestGateway(t)
	store.AddChat("c1", "alice", "bob")
	alice := connect(t, ts, "alice")

	bob := connect(t, ts, "bob")
	online := readEnvelope(t, alice, protocol.KindOnlineStatus)
	if online.UserID != "bob" || online.IsOnline == nil || !*online.IsOnline {
		t.Fatalf("online status = %+v", online)
	}

	_ = bob.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = bob.Close()

	offline := readEnvelope(t, alice, protocol.KindOnlineStatus)
	if offline.UserID != "bob" || offline.IsOnline == nil || *offline.IsOnline {
		t.Fatalf("offline status = %+v", offline)
	}
	if offline.LastSeen == "" {
		t.Fatal("offline status missing lastSeen")
	}
}

func TestMultiDeviceDelivery(t *testing.T) {
	_, _, ts := newTestGateway(t)
	alice := connect(t, ts, "alice")
	bobPhone := connect(t, ts, "bob")
	bobLaptop := connect(t, ts, "bob")

	send(t, alice, &protocol.Envelope{
		Type:        protocol.KindCallOffer,
		RecipientID: "bob",
		Offer:       "sdp",
		CallType:    protocol.CallTypeAudio,
		ChatID:      "c1",
	})
	for _, ws := range []*websocket.Conn{bobPhone, bobLaptop} {
		in := readEnvelope(t, ws, protocol.KindIncomingCall)
		if in.CallerID != "alice" {
			t.Fatalf("incoming_call = %+v", in)
		}
	}
}
