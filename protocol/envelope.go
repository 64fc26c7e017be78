// Package protocol defines the wire envelope exchanged between Privet
// clients and the relay. The format is fixed by the deployed mobile
// clients: a flat JSON object with a "type" discriminator and
// type-specific fields at the top level.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ===== 入站类型（客户端 -> 网关） =====

const (
	KindPing        = "ping"
	KindTyping      = "typing"
	KindMessageRead = "message_read"
	KindCallOffer   = "call_offer"
	KindCallAnswer  = "call_answer"
	KindICE         = "ice_candidate"
	KindCallEnd     = "call_end"
	KindCallReject  = "call_reject"
)

// ===== 出站类型（网关 -> 客户端） =====

const (
	KindConnected      = "connected"
	KindPong           = "pong"
	KindNewMessage     = "new_message"
	KindMessageStatus  = "message_status"
	KindOnlineStatus   = "user_online_status"
	KindMessageDeleted = "message_deleted"
	KindMessagesRead   = "messages_read"
	KindIncomingCall   = "incoming_call"
	KindCallAnswered   = "call_answered"
	KindCallEnded      = "call_ended"
	KindCallRejected   = "call_rejected"
)

// WebSocket close codes used during the auth handshake.
const (
	CloseAuthRequired = 4001 // token missing
	CloseInvalidToken = 4003 // token rejected
)

// Call media kinds.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Message delivery statuses, ordered sent < delivered < read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// ICECandidate mirrors the candidate object of the mobile clients.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex int32  `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// Envelope is one discrete wire event. Only the fields relevant to the
// Type are populated; everything else stays omitted on the wire.
// isTyping/isOnline are pointers so that an explicit false survives
// omitempty.
type Envelope struct {
	Type string `json:"type"`

	// chat events
	ChatID     string          `json:"chatId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	IsTyping   *bool           `json:"isTyping,omitempty"`
	MessageIDs []string        `json:"messageIds,omitempty"`
	ReadBy     string          `json:"readBy,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`

	// presence
	IsOnline *bool  `json:"isOnline,omitempty"`
	LastSeen string `json:"lastSeen,omitempty"`

	// call signaling
	RecipientID string        `json:"recipientId,omitempty"`
	CallerID    string        `json:"callerId,omitempty"`
	AnswerID    string        `json:"answerId,omitempty"`
	SenderID    string        `json:"senderId,omitempty"`
	Offer       string        `json:"offer,omitempty"`
	Answer      string        `json:"answer,omitempty"`
	CallType    string        `json:"callType,omitempty"`
	Candidate   *ICECandidate `json:"candidate,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// Parse decodes one inbound frame. Unknown fields are ignored so older
// relays tolerate newer clients.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Encode marshals an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Bool returns a pointer for the explicit boolean fields.
func Bool(v bool) *bool { return &v }

// ---- 构造若干服务端回执 ----

func Connected(userID string) *Envelope {
	return &Envelope{Type: KindConnected, UserID: userID}
}

func Pong() *Envelope {
	return &Envelope{Type: KindPong}
}

func Typing(chatID, userID string, isTyping bool) *Envelope {
	return &Envelope{Type: KindTyping, ChatID: chatID, UserID: userID, IsTyping: Bool(isTyping)}
}

func OnlineStatus(userID string, online bool, lastSeen time.Time) *Envelope {
	return &Envelope{
		Type:     KindOnlineStatus,
		UserID:   userID,
		IsOnline: Bool(online),
		LastSeen: lastSeen.UTC().Format(time.RFC3339),
	}
}

func MessagesRead(chatID string, messageIDs []string, readBy string) *Envelope {
	return &Envelope{Type: KindMessagesRead, ChatID: chatID, MessageIDs: messageIDs, ReadBy: readBy}
}

func NewMessage(message json.RawMessage) *Envelope {
	return &Envelope{Type: KindNewMessage, Message: message}
}

func MessageStatus(messageID, chatID, status string) *Envelope {
	return &Envelope{Type: KindMessageStatus, MessageID: messageID, ChatID: chatID, Status: status}
}

func MessageDeleted(messageID string) *Envelope {
	return &Envelope{Type: KindMessageDeleted, MessageID: messageID}
}

func IncomingCall(callerID, offer, callType, chatID string) *Envelope {
	return &Envelope{Type: KindIncomingCall, CallerID: callerID, Offer: offer, CallType: callType, ChatID: chatID}
}

func CallAnswered(answerID, answer string) *Envelope {
	return &Envelope{Type: KindCallAnswered, AnswerID: answerID, Answer: answer}
}

func RelayedICE(senderID string, candidate *ICECandidate) *Envelope {
	return &Envelope{Type: KindICE, SenderID: senderID, Candidate: candidate}
}

func CallEnded(userID, reason string) *Envelope {
	if reason == "" {
		reason = "normal"
	}
	return &Envelope{Type: KindCallEnded, UserID: userID, Reason: reason}
}

func CallRejected(userID, reason string) *Envelope {
	if reason == "" {
		reason = "busy"
	}
	return &Envelope{Type: KindCallRejected, UserID: userID, Reason: reason}
}
