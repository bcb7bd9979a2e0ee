package chat

import (
	"log"
	"sync"
)

// MsgCache buffers already-encoded outbound frames for users with no
// live session. Two FIFOs per user: notify (friend/group events) and
// chat. On login the notify queue is drained before the chat queue so
// the client rebuilds relationship state before seeing messages that
// reference it.
//
// The cache is in-memory only; each queue is capped and drops its
// oldest entry on overflow.
type MsgCache struct {
	mu     sync.Mutex
	notify map[int32][][]byte
	chat   map[int32][][]byte
	depth  int
}

// defaultCacheDepth bounds each per-user queue when no explicit depth
// is configured.
const defaultCacheDepth = 1000

// NewMsgCache returns an empty cache with the given per-user queue
// depth (<=0 selects the default).
func NewMsgCache(depth int) *MsgCache {
	if depth <= 0 {
		depth = defaultCacheDepth
	}
	return &MsgCache{
		notify: make(map[int32][][]byte),
		chat:   make(map[int32][][]byte),
		depth:  depth,
	}
}

// AddNotify appends a notify frame to uid's queue.
func (c *MsgCache) AddNotify(uid int32, frame []byte) {
	c.mu.Lock()
	c.notify[uid] = c.push(c.notify[uid], frame, uid, "notify")
	c.mu.Unlock()
}

// AddChat appends a chat frame to uid's queue.
func (c *MsgCache) AddChat(uid int32, frame []byte) {
	c.mu.Lock()
	c.chat[uid] = c.push(c.chat[uid], frame, uid, "chat")
	c.mu.Unlock()
}

func (c *MsgCache) push(q [][]byte, frame []byte, uid int32, kind string) [][]byte {
	if len(q) >= c.depth {
		drop := len(q) - c.depth + 1
		q = q[drop:]
		log.Printf("[cache] %s queue for userid=%d overflowed, dropped %d oldest", kind, uid, drop)
	}
	return append(q, frame)
}

// Drain atomically returns uid's buffered notify and chat frames in
// FIFO order and empties both queues.
func (c *MsgCache) Drain(uid int32) (notify, chat [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	notify = c.notify[uid]
	chat = c.chat[uid]
	delete(c.notify, uid)
	delete(c.chat, uid)
	return notify, chat
}

// Pending reports the queued frame counts for uid.
func (c *MsgCache) Pending(uid int32) (notify, chat int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notify[uid]), len(c.chat[uid])
}
