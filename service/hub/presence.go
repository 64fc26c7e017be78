package hub

import (
	"context"
	"time"

	"privet/logger"
	"privet/protocol"
	"privet/storage"
)

// ===== 在线状态 =====

// PresenceTracker turns registry transitions into user_online_status
// broadcasts. It runs once per empty↔non-empty transition, never per
// connection; participant resolution happens outside any registry lock.
type PresenceTracker struct {
	router    *Router
	store     storage.ChatStore
	record    *storage.RedisPresence // optional cross-node record
	gatewayID string

	storeTimeout time.Duration
	now          func() time.Time // 可注入时钟（单测用）
}

func NewPresenceTracker(router *Router, store storage.ChatStore, record *storage.RedisPresence, gatewayID string) *PresenceTracker {
	return &PresenceTracker{
		router:       router,
		store:        store,
		record:       record,
		gatewayID:    gatewayID,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

// OnTransition is the registry callback.
func (p *PresenceTracker) OnTransition(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.storeTimeout)
	defer cancel()

	at := p.now()
	if err := p.store.SetPresence(ctx, userID, online, at); err != nil {
		logger.Errorf("[presence] store err user=%s err=%v", userID, err)
	}
	if p.record != nil {
		var err error
		if online {
			err = p.record.Online(ctx, userID, p.gatewayID)
		} else {
			err = p.record.Offline(ctx, userID)
		}
		if err != nil {
			logger.Errorf("[presence] record err user=%s err=%v", userID, err)
		}
	}

	p.broadcast(ctx, userID, online, at)
	if online {
		logger.Infof("[presence] user %s online", userID)
	} else {
		logger.Infof("[presence] user %s offline", userID)
	}
}

// broadcast tells every peer the user shares a chat with, each peer
// once, excluding the user itself.
func (p *PresenceTracker) broadcast(ctx context.Context, userID string, online bool, at time.Time) {
	chats, err := p.store.GetUserChats(ctx, userID)
	if err != nil {
		logger.Errorf("[presence] chats err user=%s err=%v", userID, err)
		return
	}
	if len(chats) == 0 {
		return
	}

	env := protocol.OnlineStatus(userID, online, at)
	notified := make(map[string]struct{})
	for _, chatID := range chats {
		participants, err := p.store.GetChatParticipants(ctx, chatID)
		if err != nil {
			logger.Errorf("[presence] participants err chat=%s err=%v", chatID, err)
			continue
		}
		for _, uid := range participants {
			if uid == userID {
				continue
			}
			if _, dup := notified[uid]; dup {
				continue
			}
			notified[uid] = struct{}{}
			p.router.SendToUser(uid, env)
		}
	}
}
