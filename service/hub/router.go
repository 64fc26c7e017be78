package hub

import (
	"context"
	"encoding/json"
	"time"

	"privet/logger"
	"privet/protocol"
	"privet/service/fanout"
	"privet/storage"
)

// ===== 事件路由 =====

// Router decodes inbound envelopes, dispatches them to typed handlers
// and fans outbound envelopes out to recipient connections. Delivery is
// at-most-once: an offline recipient is a silent drop.
type Router struct {
	reg       *Registry
	store     storage.ChatStore
	gatewayID string

	// optional cross-node hand-off
	fan      fanout.Fanout
	presence *storage.RedisPresence

	storeTimeout time.Duration
}

type handlerFunc func(ctx context.Context, c *Conn, env *protocol.Envelope)

func NewRouter(reg *Registry, store storage.ChatStore, gatewayID string) *Router {
	return &Router{
		reg:          reg,
		store:        store,
		gatewayID:    gatewayID,
		storeTimeout: 5 * time.Second,
	}
}

// WithFanout enables cross-gateway hand-off: when a recipient has no
// local connection but the presence record names another gateway, the
// envelope is published there once.
func (r *Router) WithFanout(fan fanout.Fanout, presence *storage.RedisPresence) *Router {
	r.fan = fan
	r.presence = presence
	return r
}

// Dispatch routes one inbound frame. 未知类型只记录，不断开。
func (r *Router) Dispatch(c *Conn, raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		sample := raw
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Infof("[WS] parse err conn=%s err=%v sample=%q", c.ID, err, sample)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	h := r.handlerFor(env.Type)
	if h == nil {
		logger.Infof("[WS] no handler for type=%s user=%s", env.Type, c.UserID)
		return
	}
	h(ctx, c, env)
}

func (r *Router) handlerFor(kind string) handlerFunc {
	switch kind {
	case protocol.KindPing:
		return r.handlePing
	case protocol.KindTyping:
		return r.handleTyping
	case protocol.KindMessageRead:
		return r.handleReadReceipts
	case protocol.KindCallOffer:
		return r.handleCallOffer
	case protocol.KindCallAnswer:
		return r.handleCallAnswer
	case protocol.KindICE:
		return r.handleICECandidate
	case protocol.KindCallEnd:
		return r.handleCallEnd
	case protocol.KindCallReject:
		return r.handleCallReject
	default:
		return nil
	}
}

// ---- 本地处理 ----

func (r *Router) handlePing(_ context.Context, c *Conn, _ *protocol.Envelope) {
	r.sendToConn(c, protocol.Pong())
}

// Typing is ephemeral: forwarded to the chat excluding the sender, never
// persisted.
func (r *Router) handleTyping(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if env.ChatID == "" || env.IsTyping == nil {
		return
	}
	r.BroadcastToChat(ctx, env.ChatID, protocol.Typing(env.ChatID, c.UserID, *env.IsTyping), c.UserID)
}

// handleReadReceipts marks a batch read and notifies each affected
// sender once with the full batch, never once per message. Messages that
// were already read produce no notification.
func (r *Router) handleReadReceipts(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if len(env.MessageIDs) == 0 {
		return
	}
	receipts, err := r.store.MarkMessagesRead(ctx, env.MessageIDs, c.UserID)
	if err != nil {
		logger.Errorf("[router] mark read err user=%s err=%v", c.UserID, err)
		return
	}

	type senderChat struct{ sender, chat string }
	seen := make(map[senderChat]struct{}, len(receipts))
	for _, rec := range receipts {
		key := senderChat{rec.SenderID, rec.ChatID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		r.SendToUser(rec.SenderID, protocol.MessagesRead(rec.ChatID, env.MessageIDs, c.UserID))
	}
}

// ---- 出站 ----

// SendToUser writes the envelope to every live connection of userID.
// Connections that fail to accept the write are closed and unregistered.
// An offline user is not an error.
func (r *Router) SendToUser(userID string, env *protocol.Envelope) {
	if r.sendLocal(userID, env) {
		return
	}
	// 本地没有连接：看 presence 是否在别的网关
	if r.fan == nil || r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	gw, online, err := r.presence.Lookup(ctx, userID)
	if err != nil || !online || gw == r.gatewayID {
		return
	}
	if err := r.fan.Publish(gw, userID, env); err != nil {
		logger.Infof("[router] fanout drop user=%s gw=%s err=%v", userID, gw, err)
	}
}

// DeliverLocal sends only to local connections; the fanout subscriber
// uses it so a hand-off can never loop between gateways.
func (r *Router) DeliverLocal(userID string, env *protocol.Envelope) {
	r.sendLocal(userID, env)
}

func (r *Router) sendLocal(userID string, env *protocol.Envelope) bool {
	conns := r.reg.ConnectionsFor(userID)
	if len(conns) == 0 {
		return false
	}
	data, err := protocol.Encode(env)
	if err != nil {
		logger.Errorf("[router] encode err type=%s err=%v", env.Type, err)
		return true
	}
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			// 发送失败：关闭并从注册表移除，防止死连接占用资源
			c.Close()
			r.reg.Unregister(c)
		}
	}
	return true
}

func (r *Router) sendToConn(c *Conn, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		logger.Errorf("[router] encode err type=%s err=%v", env.Type, err)
		return
	}
	if err := c.Send(data); err != nil {
		c.Close()
		r.reg.Unregister(c)
	}
}

// BroadcastToChat resolves the chat's participants and sends to each one
// except excludeUserID. Resolution failure means no recipients, never an
// error to the caller.
func (r *Router) BroadcastToChat(ctx context.Context, chatID string, env *protocol.Envelope, excludeUserID string) {
	participants, err := r.store.GetChatParticipants(ctx, chatID)
	if err != nil {
		logger.Errorf("[router] participants err chat=%s err=%v", chatID, err)
		return
	}
	for _, uid := range participants {
		if uid == excludeUserID {
			continue
		}
		r.SendToUser(uid, env)
	}
}

// ---- 应用层驱动的下发（REST 服务通过这些入口借道网关） ----

// NotifyNewMessage records the message and pushes it to every other
// participant of the chat.
func (r *Router) NotifyNewMessage(ctx context.Context, msg storage.Message, payload json.RawMessage) error {
	if err := r.store.RecordMessage(ctx, msg); err != nil {
		return err
	}
	r.BroadcastToChat(ctx, msg.ChatID, protocol.NewMessage(payload), msg.SenderID)
	return nil
}

// NotifyMessageStatus applies a monotonic status transition and, when it
// actually advanced, tells the original sender. 只升不降。
func (r *Router) NotifyMessageStatus(ctx context.Context, messageID, status string) error {
	msg, changed, err := r.store.UpdateMessageStatus(ctx, messageID, status)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	r.SendToUser(msg.SenderID, protocol.MessageStatus(msg.ID, msg.ChatID, status))
	return nil
}

// NotifyMessageDeleted tells the chat a message is gone.
func (r *Router) NotifyMessageDeleted(ctx context.Context, chatID, messageID, excludeUserID string) {
	r.BroadcastToChat(ctx, chatID, protocol.MessageDeleted(messageID), excludeUserID)
}
