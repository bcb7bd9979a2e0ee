package chat

import (
	"log"
	"sync"
)

// Registry is the process-wide index of live sessions, keyed by user id
// and client type. It is the authoritative source of "is user X
// online"; the offline cache is consulted only when a lookup here comes
// back empty.
//
// The registry is a non-owning index: sessions are created and
// destroyed by their transport, and remove themselves on close.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int32]map[int32]*Session // userid → clienttype → session
}

// OnlineUser is a snapshot row describing one live, authenticated
// session.
type OnlineUser struct {
	SessionID  int64  `json:"sessionid"`
	UserID     int32  `json:"userid"`
	ClientType int32  `json:"clienttype"`
	Status     int32  `json:"status"`
	Peer       string `json:"peer"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[int32]map[int32]*Session)}
}

// Bind indexes s under its (userId, clientType) key. Any previous
// session holding the same key is dropped from the index; kicking it is
// the caller's job. At most one session per key is ever indexed.
func (r *Registry) Bind(s *Session) {
	uid, kind := s.UserID(), s.ClientType()
	if uid <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A session re-binding under a new key leaves no stale entry behind.
	if s.regUser != 0 && (s.regUser != uid || s.regKind != kind) {
		if prev := r.byUser[s.regUser]; prev != nil && prev[s.regKind] == s {
			delete(prev, s.regKind)
			if len(prev) == 0 {
				delete(r.byUser, s.regUser)
			}
		}
	}

	kinds := r.byUser[uid]
	if kinds == nil {
		kinds = make(map[int32]*Session)
		r.byUser[uid] = kinds
	}
	if old := kinds[kind]; old != nil && old != s {
		old.regUser, old.regKind = 0, 0
		log.Printf("[registry] replaced session %d with %d for userid=%d clienttype=%d",
			old.id, s.id, uid, kind)
	}
	kinds[kind] = s
	s.regUser, s.regKind = uid, kind
}

// Remove drops s from the index. Idempotent; safe to call for sessions
// that were never bound or were already evicted.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.regUser == 0 {
		return
	}
	if kinds := r.byUser[s.regUser]; kinds != nil && kinds[s.regKind] == s {
		delete(kinds, s.regKind)
		if len(kinds) == 0 {
			delete(r.byUser, s.regUser)
		}
	}
	s.regUser, s.regKind = 0, 0
}

// SessionsByUser returns every live session for uid across all client
// types. Sessions marked invalid are never returned.
func (r *Registry) SessionsByUser(uid int32) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := r.byUser[uid]
	if len(kinds) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(kinds))
	for _, s := range kinds {
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// SessionByUserAndType returns the single session for (uid, kind), or
// nil.
func (r *Registry) SessionByUserAndType(uid, kind int32) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s := r.byUser[uid][kind]; s != nil && s.Valid() {
		return s
	}
	return nil
}

// StatusOf returns the presence value of any live session for uid, or
// 0 when the user is offline.
func (r *Registry) StatusOf(uid int32) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.byUser[uid] {
		if s.Valid() {
			return s.Status()
		}
	}
	return 0
}

// ClientTypeOf returns the client type of any live session for uid, or
// 0 when the user is offline.
func (r *Registry) ClientTypeOf(uid int32) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.byUser[uid] {
		if s.Valid() {
			return s.ClientType()
		}
	}
	return 0
}

// Count returns the number of indexed sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, kinds := range r.byUser {
		n += len(kinds)
	}
	return n
}

// OnlineUsers returns a snapshot of all indexed sessions.
func (r *Registry) OnlineUsers() []OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]OnlineUser, 0, len(r.byUser))
	for uid, kinds := range r.byUser {
		for kind, s := range kinds {
			if !s.Valid() {
				continue
			}
			out = append(out, OnlineUser{
				SessionID:  s.id,
				UserID:     uid,
				ClientType: kind,
				Status:     s.Status(),
				Peer:       s.Peer(),
			})
		}
	}
	return out
}
