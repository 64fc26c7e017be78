// Package storage defines the chat-store collaborator the relay talks
// to. The durable implementation lives in a separate service; this
// package carries the contract plus an in-memory implementation used by
// single-node deployments and tests.
package storage

import (
	"context"
	"time"

	"privet/protocol"
)

// ReadReceipt identifies one message that actually transitioned to read.
type ReadReceipt struct {
	MessageID string
	ChatID    string
	SenderID  string
}

// Message is the minimal record the relay needs to route receipts.
type Message struct {
	ID       string
	ChatID   string
	SenderID string
	Status   string
}

// ChatStore resolves chat membership and records message state. Every
// method may block on external I/O; callers must not hold registry locks
// across these calls.
type ChatStore interface {
	GetChatParticipants(ctx context.Context, chatID string) ([]string, error)
	GetUserChats(ctx context.Context, userID string) ([]string, error)

	RecordMessage(ctx context.Context, msg Message) error

	// MarkMessagesRead marks the given messages read on behalf of
	// readerID, skipping the reader's own messages. It returns only the
	// messages that actually transitioned, which makes re-reads no-ops.
	MarkMessagesRead(ctx context.Context, messageIDs []string, readerID string) ([]ReadReceipt, error)

	// UpdateMessageStatus applies the monotonic status order
	// sent < delivered < read and never downgrades. The bool reports
	// whether a transition happened.
	UpdateMessageStatus(ctx context.Context, messageID, status string) (Message, bool, error)

	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

// statusRank orders delivery statuses; unknown statuses rank lowest so
// they can never overwrite anything.
func statusRank(s string) int {
	switch s {
	case protocol.StatusSent:
		return 0
	case protocol.StatusDelivered:
		return 1
	case protocol.StatusRead:
		return 2
	default:
		return -1
	}
}
