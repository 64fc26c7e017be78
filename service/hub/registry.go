package hub

import (
	"hash/fnv"
	"sync"
)

// ===== 连接注册表 =====

const shardCount = 32

// TransitionFunc is invoked exactly once per empty↔non-empty transition
// of a user's connection set. It runs outside the bucket lock.
type TransitionFunc func(userID string, online bool)

type shard struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Conn // userId -> connId -> conn
}

// Registry maps user identities to their live connections. Buckets are
// sharded by user id so unrelated users never contend on one lock.
type Registry struct {
	shards       [shardCount]*shard
	onTransition TransitionFunc
}

func NewRegistry(onTransition TransitionFunc) *Registry {
	r := &Registry{onTransition: onTransition}
	for i := range r.shards {
		r.shards[i] = &shard{byUser: make(map[string]map[string]*Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a connection; idempotent per conn. The online transition
// is decided under the bucket lock and reported after it is released.
func (r *Registry) Register(userID string, c *Conn) {
	if userID == "" || c == nil {
		return
	}
	s := r.shardFor(userID)

	s.mu.Lock()
	m := s.byUser[userID]
	wentOnline := m == nil
	if m == nil {
		m = make(map[string]*Conn)
		s.byUser[userID] = m
	}
	m[c.ID] = c
	s.mu.Unlock()

	if wentOnline && r.onTransition != nil {
		r.onTransition(userID, true)
	}
}

// Unregister removes a connection; a conn not present is a no-op.
// Emptying the set removes the user and reports the offline transition.
func (r *Registry) Unregister(c *Conn) {
	if c == nil || c.UserID == "" {
		return
	}
	s := r.shardFor(c.UserID)

	s.mu.Lock()
	m := s.byUser[c.UserID]
	_, present := m[c.ID]
	wentOffline := false
	if present {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(s.byUser, c.UserID)
			wentOffline = true
		}
	}
	s.mu.Unlock()

	if wentOffline && r.onTransition != nil {
		r.onTransition(c.UserID, false)
	}
}

// ConnectionsFor snapshots the user's connection set; possibly empty.
// Callers send outside the lock.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID]) > 0
}

// All snapshots every live connection; the heartbeat sweeper uses it.
func (r *Registry) All() []*Conn {
	var out []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, m := range s.byUser {
			for _, c := range m {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
