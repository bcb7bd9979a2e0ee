package chat

import "testing"

func newBoundSession(srv *Server, uid, kind, status int32) *Session {
	sess := srv.NewSession(&mockConn{})
	sess.mu.Lock()
	sess.userID = uid
	sess.clientType = kind
	sess.status = status
	sess.loggedIn = true
	sess.mu.Unlock()
	srv.Registry().Bind(sess)
	return sess
}

func TestRegistryUniquePerUserAndKind(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Registry()

	a := newBoundSession(srv, 42, 1, 1)
	b := newBoundSession(srv, 42, 1, 1) // same (user, kind) replaces a

	if got := reg.SessionByUserAndType(42, 1); got != b {
		t.Fatalf("lookup returned session %d, want %d", got.ID(), b.ID())
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 indexed session, got %d", reg.Count())
	}
	_ = a
}

func TestRegistryMultipleKindsPerUser(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Registry()

	desktop := newBoundSession(srv, 7, 1, 1)
	mobile := newBoundSession(srv, 7, 2, 2)

	sessions := reg.SessionsByUser(7)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if reg.SessionByUserAndType(7, 1) != desktop || reg.SessionByUserAndType(7, 2) != mobile {
		t.Fatal("per-kind lookup mismatch")
	}
}

func TestRegistryInvalidSessionsNeverReturned(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Registry()

	sess := newBoundSession(srv, 9, 1, 3)
	sess.makeInvalid()

	if got := reg.SessionsByUser(9); len(got) != 0 {
		t.Fatalf("invalid session returned by SessionsByUser: %d entries", len(got))
	}
	if reg.SessionByUserAndType(9, 1) != nil {
		t.Fatal("invalid session returned by SessionByUserAndType")
	}
	if reg.StatusOf(9) != 0 || reg.ClientTypeOf(9) != 0 {
		t.Fatal("invalid session leaked into status/kind lookups")
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Registry()

	sess := newBoundSession(srv, 5, 1, 1)
	reg.Remove(sess)
	reg.Remove(sess) // second call is a no-op

	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}

	// Removing a never-bound session is also a no-op.
	reg.Remove(srv.NewSession(&mockConn{}))
}

func TestRegistryRemoveDoesNotEvictReplacement(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Registry()

	old := newBoundSession(srv, 11, 1, 1)
	replacement := newBoundSession(srv, 11, 1, 1)

	// Late close of the evicted session must not drop the replacement.
	reg.Remove(old)
	if got := reg.SessionByUserAndType(11, 1); got != replacement {
		t.Fatal("replacement session lost after stale Remove")
	}
}

func TestRegistryStatusAndKind(t *testing.T) {
	srv := newTestServer(t)
	reg := srv.Registry()

	if reg.StatusOf(3) != 0 || reg.ClientTypeOf(3) != 0 {
		t.Fatal("offline user should report zero status and kind")
	}
	newBoundSession(srv, 3, 2, 4)
	if reg.StatusOf(3) != 4 {
		t.Fatalf("status: got %d, want 4", reg.StatusOf(3))
	}
	if reg.ClientTypeOf(3) != 2 {
		t.Fatalf("kind: got %d, want 2", reg.ClientTypeOf(3))
	}
}

func TestRegistryOnlineUsersSnapshot(t *testing.T) {
	srv := newTestServer(t)
	newBoundSession(srv, 1, 1, 1)
	newBoundSession(srv, 2, 1, 2)

	users := srv.Registry().OnlineUsers()
	if len(users) != 2 {
		t.Fatalf("expected 2 online users, got %d", len(users))
	}
}
