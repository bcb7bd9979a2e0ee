// Package chat implements the core runtime of the IM server: the
// per-connection session state machine, the live-session registry, the
// offline message cache, and the fan-out engine that turns one logical
// event into sends and cache appends.
package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnwfy/flamingo/internal/store"
)

// Conn is the transport contract the core consumes. Implementations
// must serialise concurrent Send calls and make Close idempotent.
type Conn interface {
	// Peer returns the remote address for logging.
	Peer() string
	// Send writes one encoded frame to the wire.
	Send(p []byte) error
	// Close force-closes the transport. The transport's close
	// notification path invokes Session.OnClose exactly once.
	Close()
}

// UserStore is the persistence contract the core consumes. Implemented
// by *store.Store.
type UserStore interface {
	RegisterUser(username, nickname, password string) (int32, error)
	GetUserByName(name string) (store.User, bool, error)
	GetUserByID(id int32) (store.User, bool, error)
	FriendsOf(id int32) ([]store.User, error)
	TeamInfoOf(id int32) (string, error)
	MakeFriends(a, b int32) error
	ReleaseFriends(a, b int32) error
	UpdateTeamMembership(owner, other int32, op store.TeamOp) error
	UpdateUserTeamInfoRaw(owner int32, raw string) error
	UpdateProfile(id int32, p store.Profile) error
	ModifyPassword(id int32, newPass string) error
	AddGroup(name string, ownerID int32) (int32, error)
	SaveChatMsg(senderID, targetID int32, content string) error
	InsertDeviceInfo(userID, deviceID, classType int32, uploadTime int64, info string) error
}

// Config carries the core's runtime switches.
type Config struct {
	// HeartbeatCheck enables the per-session idle watchdog.
	HeartbeatCheck bool
	// HeartbeatInterval is the watchdog check period.
	HeartbeatInterval time.Duration
	// IdleTimeout is the maximum allowed gap between inbound packets
	// before the watchdog closes the connection.
	IdleTimeout time.Duration
	// CacheDepth caps each per-user offline queue.
	CacheDepth int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
}

// userLockShards sizes the striped lock table that serialises composite
// per-user operations (login commit, deliver-or-buffer).
const userLockShards = 64

// Server owns the registry, the offline cache, and the session id
// sequence. It is handed to every session at construction; there is no
// package-level state.
type Server struct {
	cfg      Config
	users    UserStore
	registry *Registry
	cache    *MsgCache
	metrics  Metrics

	nextSessionID atomic.Int64
	userLocks     [userLockShards]sync.Mutex
}

// NewServer wires a core runtime around the given user store.
func NewServer(users UserStore, cfg Config) *Server {
	cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		users:    users,
		registry: NewRegistry(),
		cache:    NewMsgCache(cfg.CacheDepth),
	}
}

// Registry exposes the live-session index (read-side consumers: admin
// API, CLI).
func (s *Server) Registry() *Registry { return s.registry }

// Cache exposes the offline message cache.
func (s *Server) Cache() *MsgCache { return s.cache }

// Metrics exposes the traffic counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

// lockUser returns the stripe lock serialising composite operations on
// uid. Holding it makes "evict duplicate + become visible + drain
// offline queue" atomic against concurrent deliverToUser calls for the
// same user.
func (s *Server) lockUser(uid int32) *sync.Mutex {
	return &s.userLocks[uint32(uid)%userLockShards]
}

// queueKind selects the offline queue a frame falls back to when the
// recipient has no live session.
type queueKind int

const (
	queueNone queueKind = iota // drop silently when offline
	queueNotify
	queueChat
)

// deliverToUser sends frame to every live session of uid, or appends it
// to the selected offline queue when there is none. The user stripe
// lock makes the online check and the fallback append atomic with
// respect to a concurrent login drain.
func (s *Server) deliverToUser(uid int32, frame []byte, kind queueKind) {
	mu := s.lockUser(uid)
	mu.Lock()
	defer mu.Unlock()

	sessions := s.registry.SessionsByUser(uid)
	if len(sessions) == 0 {
		switch kind {
		case queueNotify:
			s.cache.AddNotify(uid, frame)
		case queueChat:
			s.cache.AddChat(uid, frame)
		}
		return
	}
	for _, t := range sessions {
		// Best-effort: one dead recipient never aborts fan-out.
		t.SendFrame(frame)
	}
}

// sendToLiveSessions sends frame to every live session of uid and does
// nothing when the user is offline.
func (s *Server) sendToLiveSessions(uid int32, frame []byte) {
	for _, t := range s.registry.SessionsByUser(uid) {
		t.SendFrame(frame)
	}
}
