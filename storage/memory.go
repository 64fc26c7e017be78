package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"privet/protocol"
)

// MemoryStore is the in-process ChatStore. All state lives in maps under
// one mutex; the relay only calls it with small batches.
type MemoryStore struct {
	mu           sync.RWMutex
	chats        map[string][]string // chatId -> participant userIds
	userChats    map[string][]string // userId -> chatIds
	messages     map[string]*Message // messageId -> record
	presence     map[string]presenceRecord
}

type presenceRecord struct {
	online   bool
	lastSeen time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:     make(map[string][]string),
		userChats: make(map[string][]string),
		messages:  make(map[string]*Message),
		presence:  make(map[string]presenceRecord),
	}
}

// AddChat registers a chat and its participants.
func (s *MemoryStore) AddChat(chatID string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = append([]string(nil), participants...)
	for _, p := range participants {
		s.userChats[p] = appendUnique(s.userChats[p], chatID)
	}
}

func (s *MemoryStore) GetChatParticipants(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.chats[chatID]
	if !ok {
		return nil, errors.Errorf("chat %s not found", chatID)
	}
	return append([]string(nil), ps...), nil
}

func (s *MemoryStore) GetUserChats(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.userChats[userID]...), nil
}

func (s *MemoryStore) RecordMessage(_ context.Context, msg Message) error {
	if msg.ID == "" {
		return errors.New("message id required")
	}
	if msg.Status == "" {
		msg.Status = protocol.StatusSent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	s.messages[msg.ID] = &m
	return nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, messageIDs []string, readerID string) ([]ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ReadReceipt
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.SenderID == readerID {
			continue
		}
		if statusRank(m.Status) >= statusRank(protocol.StatusRead) {
			continue // 已读过，不再通知
		}
		m.Status = protocol.StatusRead
		out = append(out, ReadReceipt{MessageID: m.ID, ChatID: m.ChatID, SenderID: m.SenderID})
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, messageID, status string) (Message, bool, error) {
	if statusRank(status) < 0 {
		return Message{}, false, errors.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, false, errors.Errorf("message %s not found", messageID)
	}
	// 只升不降
	if statusRank(status) <= statusRank(m.Status) {
		return *m, false, nil
	}
	m.Status = status
	return *m, true, nil
}

func (s *MemoryStore) SetPresence(_ context.Context, userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = presenceRecord{online: online, lastSeen: lastSeen}
	return nil
}

// Presence reports the stored presence of userID.
func (s *MemoryStore) Presence(userID string) (online bool, lastSeen time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.presence[userID]
	return rec.online, rec.lastSeen, ok
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
