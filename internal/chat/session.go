package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnwfy/flamingo/internal/protocol"
	"github.com/johnwfy/flamingo/internal/store"
)

// Session is the per-connection state machine. It owns the inbound
// parse loop, the authentication gate, command dispatch, the heartbeat
// watchdog, and the outbound send helper. A session starts
// unauthenticated, becomes authenticated on a successful login, and is
// destroyed when its transport closes.
type Session struct {
	id   int64
	srv  *Server
	conn Conn

	// inbuf accumulates inbound bytes; only the transport's read
	// callback touches it, so it needs no lock.
	inbuf bytes.Buffer

	mu         sync.Mutex // guards the fields below
	seq        int32      // inbound seq during dispatch (echoed in replies); bumped by one after it
	loggedIn   bool
	userID     int32
	username   string
	nickname   string
	clientType int32
	status     int32

	// regUser/regKind record the registry binding; owned by the
	// registry and mutated only under its lock.
	regUser, regKind int32

	invalid    atomic.Bool
	lastPacket atomic.Int64 // unix nanos of the most recent inbound packet
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSession creates the state machine for one accepted connection and
// starts its watchdog when heartbeat checking is enabled.
func (s *Server) NewSession(conn Conn) *Session {
	sess := &Session{
		id:   s.nextSessionID.Add(1),
		srv:  s,
		conn: conn,
		done: make(chan struct{}),
	}
	sess.lastPacket.Store(time.Now().UnixNano())
	s.metrics.sessions.Add(1)
	log.Printf("[session %d] accepted, client: %s", sess.id, conn.Peer())

	if s.cfg.HeartbeatCheck {
		go sess.watchdog(s.cfg.HeartbeatInterval, s.cfg.IdleTimeout)
	}
	return sess
}

// ID returns the process-wide session id.
func (s *Session) ID() int64 { return s.id }

// UserID returns the authenticated user id, 0 before login or after
// eviction.
func (s *Session) UserID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ClientType returns the client type declared at login.
func (s *Session) ClientType() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientType
}

// Status returns the user-declared presence value.
func (s *Session) Status() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LoggedIn reports whether the session passed the authentication gate.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Peer returns the remote address.
func (s *Session) Peer() string { return s.conn.Peer() }

// Valid reports whether the session may appear in registry lookups.
func (s *Session) Valid() bool { return !s.invalid.Load() }

// makeInvalid marks the session evicted: its user id reverts to 0 and
// no registry lookup returns it again. The transport may still drain
// pending writes.
func (s *Session) makeInvalid() {
	s.invalid.Store(true)
	s.mu.Lock()
	s.userID = 0
	s.loggedIn = false
	s.mu.Unlock()
}

func (s *Session) curSeq() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// OnRead feeds inbound bytes into the frame decoder and dispatches
// every complete packet. Framing errors close the connection; the
// protocol has no resync marker.
func (s *Session) OnRead(p []byte) {
	s.inbuf.Write(p)
	s.srv.metrics.bytesIn.Add(uint64(len(p)))

	for {
		payload, err := protocol.DecodeFrame(&s.inbuf)
		if err != nil {
			log.Printf("[session %d] %v, close connection, client: %s", s.id, err, s.conn.Peer())
			s.conn.Close()
			return
		}
		if payload == nil {
			return
		}
		if err := s.process(payload); err != nil {
			log.Printf("[session %d] process error: %v, close connection, client: %s", s.id, err, s.conn.Peer())
			s.conn.Close()
			return
		}
		s.lastPacket.Store(time.Now().UnixNano())
	}
}

// authHandlers maps command codes to handlers that require the session
// to be authenticated.
var authHandlers = map[int32]func(*Session, []byte, *protocol.BinaryReader) error{
	protocol.CmdGetFriendList:    (*Session).onGetFriendList,
	protocol.CmdFindUser:         (*Session).onFindUser,
	protocol.CmdOperateFriend:    (*Session).onOperateFriend,
	protocol.CmdUserStatusChange: (*Session).onUserStatusChange,
	protocol.CmdUpdateUserInfo:   (*Session).onUpdateUserInfo,
	protocol.CmdModifyPassword:   (*Session).onModifyPassword,
	protocol.CmdCreateGroup:      (*Session).onCreateGroup,
	protocol.CmdGetGroupMembers:  (*Session).onGetGroupMembers,
	protocol.CmdChat:             (*Session).onChat,
	protocol.CmdMultiChat:        (*Session).onMultiChat,
	protocol.CmdRemoteDesktop:    (*Session).onScreenshot,
	protocol.CmdUpdateTeamInfo:   (*Session).onUpdateTeamInfo,
	protocol.CmdUploadDeviceInfo: (*Session).onUploadDeviceInfo,
}

// process decodes one frame payload and dispatches it. A non-nil error
// is fatal to the connection.
func (s *Session) process(payload []byte) error {
	r := protocol.NewReader(payload)
	cmd, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("read cmd: %w", err)
	}
	seq, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("read seq: %w", err)
	}
	body, err := r.ReadBytes()
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}

	s.mu.Lock()
	s.seq = seq
	s.mu.Unlock()
	s.srv.metrics.packetsIn.Add(1)

	// Heartbeats are too frequent to log.
	if cmd != protocol.CmdHeartbeat {
		log.Printf("[session %d] request: userid=%d cmd=%d seq=%d datalength=%d",
			s.id, s.UserID(), cmd, seq, len(body))
	}

	switch cmd {
	case protocol.CmdHeartbeat:
		err = s.onHeartbeat()
	case protocol.CmdRegister:
		err = s.onRegister(body)
	case protocol.CmdLogin:
		err = s.onLogin(body)
	default:
		if !s.LoggedIn() {
			// The gate: everything else requires authentication.
			s.sendJSON(cmd, seq, statusResponse{
				Code: protocol.CodeNotLoggedIn,
				Msg:  "not login, please login first!",
			})
			err = nil
			break
		}
		h, ok := authHandlers[cmd]
		if !ok {
			return fmt.Errorf("unsupport cmd %d", cmd)
		}
		err = h(s, body, r)
	}
	if err != nil {
		return err
	}

	// Bump the sequence after dispatch so server-originated messages
	// carry a unique value.
	s.mu.Lock()
	s.seq++
	s.mu.Unlock()
	return nil
}

// OnClose runs exactly once on transport close: the session leaves the
// registry and, if it was an authenticated primary, its friends get an
// offline presence push.
func (s *Session) OnClose() {
	s.closeOnce.Do(func() {
		close(s.done)

		uid := s.UserID()
		wasLive := s.LoggedIn() && s.Valid() && uid > 0

		s.srv.registry.Remove(s)
		s.srv.metrics.sessions.Add(-1)
		log.Printf("[session %d] closed, userid=%d, client: %s", s.id, uid, s.conn.Peer())

		if !wasLive {
			return
		}
		friends, err := s.srv.users.FriendsOf(uid)
		if err != nil {
			log.Printf("[session %d] friends of %d: %v", s.id, uid, err)
			return
		}
		for _, f := range friends {
			for _, sess := range s.srv.registry.SessionsByUser(f.UserID) {
				sess.sendUserStatusChange(uid, protocol.StatusOffline, 0)
			}
		}
	})
}

// watchdog closes the transport when no packet has arrived within the
// idle budget. The ticker callback never blocks; cleanup rides the
// transport's close notification path.
func (s *Session) watchdog(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastPacket.Load())
			if time.Since(last) <= idle {
				continue
			}
			log.Printf("[session %d] no package within %v, close connection, userid=%d, client: %s",
				s.id, idle, s.UserID(), s.conn.Peer())
			s.conn.Close()
			return
		}
	}
}

// SendFrame writes one pre-encoded frame. Best-effort: transport errors
// are logged, never propagated, so one dead recipient cannot abort a
// fan-out.
func (s *Session) SendFrame(frame []byte) {
	if err := s.conn.Send(frame); err != nil {
		log.Printf("[session %d] send error: %v", s.id, err)
		return
	}
	s.srv.metrics.packetsOut.Add(1)
	s.srv.metrics.bytesOut.Add(uint64(len(frame)))
}

// Send builds and writes one (cmd, seq, body) packet with no extras.
func (s *Session) Send(cmd, seq int32, body []byte) {
	frame, err := protocol.BuildPacket(cmd, seq, body, nil)
	if err != nil {
		log.Printf("[session %d] build packet cmd=%d: %v", s.id, cmd, err)
		return
	}
	s.SendFrame(frame)
}

func (s *Session) sendJSON(cmd, seq int32, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("[session %d] marshal cmd=%d: %v", s.id, cmd, err)
		return
	}
	s.Send(cmd, seq, body)
	log.Printf("[session %d] response: userid=%d cmd=%d data=%s", s.id, s.UserID(), cmd, body)
}

// sendUserStatusChange pushes a presence frame about subject to this
// session's client. The frame carries the subject user id as a trailing
// field.
func (s *Session) sendUserStatusChange(subject, typ, status int32) {
	var body any
	switch typ {
	case protocol.StatusOnline:
		body = presenceOnline{
			Type:         typ,
			OnlineStatus: status,
			ClientType:   s.srv.registry.ClientTypeOf(subject),
		}
	case protocol.StatusOffline:
		body = presenceOffline{Type: typ}
	case protocol.StatusInfoChanged:
		body = presenceInfoChanged{Type: typ}
	default:
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("[session %d] marshal presence: %v", s.id, err)
		return
	}
	frame, err := protocol.BuildPacket(protocol.CmdUserStatusChange, s.curSeq(), data, func(w *protocol.BinaryWriter) {
		w.WriteInt32(subject)
	})
	if err != nil {
		log.Printf("[session %d] build presence: %v", s.id, err)
		return
	}
	s.SendFrame(frame)
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (s *Session) onHeartbeat() error {
	s.Send(protocol.CmdHeartbeat, s.curSeq(), nil)
	return nil
}

func (s *Session) onRegister(body []byte) error {
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		log.Printf("[session %d] invalid json: %s, client: %s", s.id, body, s.conn.Peer())
		return nil
	}

	id, err := s.srv.users.RegisterUser(req.Username, req.Nickname, req.Password)
	if errors.Is(err, store.ErrDuplicateUser) {
		s.sendJSON(protocol.CmdRegister, s.curSeq(), statusResponse{
			Code: protocol.CodeAlreadyRegistered, Msg: "registered already",
		})
		return nil
	}
	if err != nil {
		log.Printf("[session %d] register %q: %v", s.id, req.Username, err)
		return nil
	}
	s.sendJSON(protocol.CmdRegister, s.curSeq(), registerResponse{
		Code: protocol.CodeOK, Msg: "ok", UserID: id,
	})
	return nil
}

func (s *Session) onLogin(body []byte) error {
	var req loginRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		log.Printf("[session %d] invalid json: %s, client: %s", s.id, body, s.conn.Peer())
		return nil
	}

	u, ok, err := s.srv.users.GetUserByName(req.Username)
	if err != nil {
		log.Printf("[session %d] get user %q: %v", s.id, req.Username, err)
		return nil
	}
	seq := s.curSeq()
	if !ok {
		s.sendJSON(protocol.CmdLogin, seq, statusResponse{Code: protocol.CodeNotRegistered, Msg: "not registered"})
		return nil
	}
	if u.Password != req.Password {
		s.sendJSON(protocol.CmdLogin, seq, statusResponse{Code: protocol.CodeIncorrectPassword, Msg: "incorrect password"})
		return nil
	}

	// The login critical section: eviction of a duplicate, visibility
	// of this session in the registry, and the offline drain behave as
	// one exclusive operation on this user id. A concurrent sender
	// either buffers (before) or delivers here (after), never both.
	mu := s.srv.lockUser(u.UserID)
	mu.Lock()

	if old := s.srv.registry.SessionByUserAndType(u.UserID, req.ClientType); old != nil && old != s {
		// Kick is best-effort; the old transport may already be gone.
		old.Send(protocol.CmdKickUser, seq, nil)
		old.makeInvalid()
		s.srv.registry.Remove(old)
		log.Printf("[session %d] kicked session %d, userid=%d clienttype=%d",
			s.id, old.id, u.UserID, req.ClientType)
	}

	s.mu.Lock()
	s.userID = u.UserID
	s.username = u.Username
	s.nickname = u.Nickname
	s.clientType = req.ClientType
	s.status = req.Status
	s.loggedIn = true
	s.mu.Unlock()
	s.srv.registry.Bind(s)

	// The client must see login success before any buffered traffic.
	s.sendJSON(protocol.CmdLogin, seq, loginResponse{
		Code: protocol.CodeOK, Msg: "ok",
		UserID: u.UserID, Username: u.Username, Nickname: u.Nickname,
		FaceType: u.FaceType, CustomFace: u.CustomFace, Gender: u.Gender,
		Birthday: u.Birthday, Signature: u.Signature, Address: u.Address,
		PhoneNumber: u.PhoneNumber, Mail: u.Mail,
	})

	notify, chat := s.srv.cache.Drain(u.UserID)
	for _, frame := range notify {
		s.SendFrame(frame)
	}
	for _, frame := range chat {
		s.SendFrame(frame)
	}
	mu.Unlock()

	// Tell online friends this user came online.
	friends, err := s.srv.users.FriendsOf(u.UserID)
	if err != nil {
		log.Printf("[session %d] friends of %d: %v", s.id, u.UserID, err)
		return nil
	}
	for _, f := range friends {
		for _, sess := range s.srv.registry.SessionsByUser(f.UserID) {
			sess.sendUserStatusChange(u.UserID, protocol.StatusOnline, req.Status)
		}
	}
	return nil
}

func (s *Session) onGetFriendList(_ []byte, _ *protocol.BinaryReader) error {
	view, err := s.buildFriendListView()
	if err != nil {
		log.Printf("[session %d] build friend list: %v", s.id, err)
		return nil
	}
	s.sendJSON(protocol.CmdGetFriendList, s.curSeq(), friendListResponse{
		Code: protocol.CodeOK, Msg: "ok", UserInfo: view,
	})
	return nil
}

func (s *Session) onFindUser(body []byte, _ *protocol.BinaryReader) error {
	var req findUserRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	resp := findUserResponse{Code: protocol.CodeOK, Msg: "ok", UserInfo: []foundUser{}}
	if u, ok, err := s.srv.users.GetUserByName(req.Username); err != nil {
		log.Printf("[session %d] find user %q: %v", s.id, req.Username, err)
		return nil
	} else if ok {
		resp.UserInfo = append(resp.UserInfo, foundUser{
			UserID: u.UserID, Username: u.Username, Nickname: u.Nickname, FaceType: u.FaceType,
		})
	}
	s.sendJSON(protocol.CmdFindUser, s.curSeq(), resp)
	return nil
}

func (s *Session) onOperateFriend(body []byte, _ *protocol.BinaryReader) error {
	var req operateFriendRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Type == 0 || req.UserID == 0 {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	if req.UserID >= protocol.GroupIDBoundary {
		if req.Type == protocol.FriendOpDelete {
			s.deleteFriend(req.UserID)
			return nil
		}
		// Joining a group needs no consent from the group.
		s.joinGroup(req.UserID)
		return nil
	}

	if req.Type == protocol.FriendOpDelete {
		s.deleteFriend(req.UserID)
		return nil
	}

	me, myName := s.UserID(), s.Username()
	var notice []byte
	switch req.Type {
	case protocol.FriendOpRequest:
		data, err := json.Marshal(friendNotice{UserID: me, Type: protocol.FriendOpIncoming, Username: myName})
		if err != nil {
			log.Printf("[session %d] marshal friend request: %v", s.id, err)
			return nil
		}
		notice = data
	case protocol.FriendOpAnswer:
		if req.Accept == nil {
			log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, me)
			return nil
		}
		accept := *req.Accept
		if accept == 1 {
			if err := s.srv.users.MakeFriends(req.UserID, me); err != nil {
				log.Printf("[session %d] make relationship %d-%d: %v", s.id, me, req.UserID, err)
				return nil
			}
			if err := s.srv.users.UpdateTeamMembership(me, req.UserID, store.TeamAdd); err != nil {
				log.Printf("[session %d] update team info: %v", s.id, err)
				return nil
			}
			if err := s.srv.users.UpdateTeamMembership(req.UserID, me, store.TeamAdd); err != nil {
				log.Printf("[session %d] update team info: %v", s.id, err)
				return nil
			}
		}

		// Ack the answering side with the requester's identity.
		target, ok, err := s.srv.users.GetUserByID(req.UserID)
		if err != nil || !ok {
			log.Printf("[session %d] get user %d: ok=%v err=%v", s.id, req.UserID, ok, err)
			return nil
		}
		s.sendJSON(protocol.CmdOperateFriend, s.curSeq(), friendAnswerNotice{
			UserID: target.UserID, Type: protocol.FriendOpAnswer, Username: target.Username, Accept: accept,
		})

		data, err := json.Marshal(friendAnswerNotice{
			UserID: me, Type: protocol.FriendOpAnswer, Username: myName, Accept: accept,
		})
		if err != nil {
			log.Printf("[session %d] marshal friend answer: %v", s.id, err)
			return nil
		}
		notice = data
	default:
		log.Printf("[session %d] unknown friend op %d, userid: %d", s.id, req.Type, me)
		return nil
	}

	frame, err := protocol.BuildPacket(protocol.CmdOperateFriend, s.curSeq(), notice, nil)
	if err != nil {
		log.Printf("[session %d] build friend notice: %v", s.id, err)
		return nil
	}
	s.srv.deliverToUser(req.UserID, frame, queueNotify)
	return nil
}

// joinGroup adds the session's user to groupID and notifies the other
// members that the group changed.
func (s *Session) joinGroup(groupID int32) {
	me := s.UserID()
	if err := s.srv.users.MakeFriends(me, groupID); err != nil {
		log.Printf("[session %d] join group %d: %v", s.id, groupID, err)
		return
	}
	group, ok, err := s.srv.users.GetUserByID(groupID)
	if err != nil || !ok {
		log.Printf("[session %d] get group %d: ok=%v err=%v", s.id, groupID, ok, err)
		return
	}

	s.sendJSON(protocol.CmdOperateFriend, s.curSeq(), friendAnswerNotice{
		UserID: group.UserID, Type: protocol.FriendOpAnswer, Username: group.Username, Accept: 3,
	})

	if err := s.srv.users.UpdateTeamMembership(me, groupID, store.TeamAdd); err != nil {
		log.Printf("[session %d] update team info: %v", s.id, err)
		return
	}
	if err := s.srv.users.UpdateTeamMembership(groupID, me, store.TeamAdd); err != nil {
		log.Printf("[session %d] update team info: %v", s.id, err)
		return
	}

	members, err := s.srv.users.FriendsOf(groupID)
	if err != nil {
		log.Printf("[session %d] members of %d: %v", s.id, groupID, err)
		return
	}
	for _, m := range members {
		for _, sess := range s.srv.registry.SessionsByUser(m.UserID) {
			sess.sendUserStatusChange(groupID, protocol.StatusInfoChanged, 0)
		}
	}
}

// deleteFriend removes the relation with friendID (or leaves the group
// when friendID is a group id) and notifies the affected side.
func (s *Session) deleteFriend(friendID int32) {
	me, myName := s.UserID(), s.Username()

	if err := s.srv.users.ReleaseFriends(friendID, me); err != nil {
		log.Printf("[session %d] delete friend %d: %v", s.id, friendID, err)
		return
	}
	other, ok, err := s.srv.users.GetUserByID(friendID)
	if err != nil || !ok {
		log.Printf("[session %d] get user %d: ok=%v err=%v", s.id, friendID, ok, err)
		return
	}
	if err := s.srv.users.UpdateTeamMembership(me, friendID, store.TeamDelete); err != nil {
		log.Printf("[session %d] update team info: %v", s.id, err)
		return
	}
	if err := s.srv.users.UpdateTeamMembership(friendID, me, store.TeamDelete); err != nil {
		log.Printf("[session %d] update team info: %v", s.id, err)
		return
	}

	// Tell the deleting side.
	s.sendJSON(protocol.CmdOperateFriend, s.curSeq(), friendNotice{
		UserID: friendID, Type: protocol.FriendOpDeleted, Username: other.Username,
	})

	if friendID < protocol.GroupIDBoundary {
		// Only live sessions learn about the deletion; a user who is
		// offline sees current state from the friend list on next login.
		data, err := json.Marshal(friendNotice{UserID: me, Type: protocol.FriendOpDeleted, Username: myName})
		if err != nil {
			log.Printf("[session %d] marshal delete notice: %v", s.id, err)
			return
		}
		frame, err := protocol.BuildPacket(protocol.CmdOperateFriend, s.curSeq(), data, nil)
		if err != nil {
			log.Printf("[session %d] build delete notice: %v", s.id, err)
			return
		}
		s.srv.sendToLiveSessions(friendID, frame)
		return
	}

	// Leaving a group: remaining members get a group-changed push.
	members, err := s.srv.users.FriendsOf(friendID)
	if err != nil {
		log.Printf("[session %d] members of %d: %v", s.id, friendID, err)
		return
	}
	for _, m := range members {
		for _, sess := range s.srv.registry.SessionsByUser(m.UserID) {
			sess.sendUserStatusChange(friendID, protocol.StatusInfoChanged, 0)
		}
	}
}

func (s *Session) onUserStatusChange(body []byte, _ *protocol.BinaryReader) error {
	var req statusChangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	s.mu.Lock()
	changed := s.status != req.OnlineStatus
	s.status = req.OnlineStatus
	uid := s.userID
	s.mu.Unlock()
	if !changed {
		return nil
	}

	friends, err := s.srv.users.FriendsOf(uid)
	if err != nil {
		log.Printf("[session %d] friends of %d: %v", s.id, uid, err)
		return nil
	}
	for _, f := range friends {
		for _, sess := range s.srv.registry.SessionsByUser(f.UserID) {
			sess.sendUserStatusChange(uid, protocol.StatusOnline, req.OnlineStatus)
		}
	}
	return nil
}

func (s *Session) onUpdateUserInfo(body []byte, _ *protocol.BinaryReader) error {
	var req updateUserInfoRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	uid := s.UserID()
	err := s.srv.users.UpdateProfile(uid, store.Profile{
		Nickname: req.Nickname, FaceType: req.FaceType, CustomFace: req.CustomFace,
		Gender: req.Gender, Birthday: req.Birthday, Signature: req.Signature,
		Address: req.Address, PhoneNumber: req.PhoneNumber, Mail: req.Mail,
	})
	if err != nil {
		log.Printf("[session %d] update profile of %d: %v", s.id, uid, err)
		s.sendJSON(protocol.CmdUpdateUserInfo, s.curSeq(), statusResponse{
			Code: protocol.CodeUpdateUserFailed, Msg: "update user info failed",
		})
		return nil
	}

	s.mu.Lock()
	s.nickname = req.Nickname
	name := s.username
	s.mu.Unlock()

	s.sendJSON(protocol.CmdUpdateUserInfo, s.curSeq(), loginResponse{
		Code: protocol.CodeOK, Msg: "ok",
		UserID: uid, Username: name, Nickname: req.Nickname,
		FaceType: req.FaceType, CustomFace: req.CustomFace, Gender: req.Gender,
		Birthday: req.Birthday, Signature: req.Signature, Address: req.Address,
		PhoneNumber: req.PhoneNumber, Mail: req.Mail,
	})

	friends, err := s.srv.users.FriendsOf(uid)
	if err != nil {
		log.Printf("[session %d] friends of %d: %v", s.id, uid, err)
		return nil
	}
	for _, f := range friends {
		for _, sess := range s.srv.registry.SessionsByUser(f.UserID) {
			sess.sendUserStatusChange(uid, protocol.StatusInfoChanged, 0)
		}
	}
	return nil
}

func (s *Session) onModifyPassword(body []byte, _ *protocol.BinaryReader) error {
	var req modifyPasswordRequest
	if err := json.Unmarshal(body, &req); err != nil || req.NewPassword == "" {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	uid := s.UserID()
	u, ok, err := s.srv.users.GetUserByID(uid)
	if err != nil || !ok {
		log.Printf("[session %d] get user %d: ok=%v err=%v", s.id, uid, ok, err)
		return nil
	}

	seq := s.curSeq()
	if u.Password != req.OldPassword {
		s.sendJSON(protocol.CmdModifyPassword, seq, statusResponse{
			Code: protocol.CodeIncorrectPassword, Msg: "incorrect old password",
		})
		return nil
	}
	if err := s.srv.users.ModifyPassword(uid, req.NewPassword); err != nil {
		log.Printf("[session %d] modify password of %d: %v", s.id, uid, err)
		s.sendJSON(protocol.CmdModifyPassword, seq, statusResponse{
			Code: protocol.CodeModifyPassFailed, Msg: "modify password error",
		})
		return nil
	}
	s.sendJSON(protocol.CmdModifyPassword, seq, statusResponse{Code: protocol.CodeOK, Msg: "ok"})
	return nil
}

func (s *Session) onCreateGroup(body []byte, _ *protocol.BinaryReader) error {
	var req createGroupRequest
	if err := json.Unmarshal(body, &req); err != nil || req.GroupName == "" {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	me := s.UserID()
	groupID, err := s.srv.users.AddGroup(req.GroupName, me)
	if err != nil {
		log.Printf("[session %d] add group %q: %v", s.id, req.GroupName, err)
		s.sendJSON(protocol.CmdCreateGroup, s.curSeq(), statusResponse{
			Code: protocol.CodeCreateGroupFailed, Msg: "create group error",
		})
		return nil
	}

	// The creator auto-joins. The mutations below are not transactional;
	// a partial failure leaves the group row behind, is logged, and the
	// client gets no success reply.
	if err := s.srv.users.MakeFriends(me, groupID); err != nil {
		log.Printf("[session %d] join own group %d: %v", s.id, groupID, err)
		return nil
	}
	if err := s.srv.users.UpdateTeamMembership(me, groupID, store.TeamAdd); err != nil {
		log.Printf("[session %d] update team info: %v", s.id, err)
		return nil
	}
	if err := s.srv.users.UpdateTeamMembership(groupID, me, store.TeamAdd); err != nil {
		log.Printf("[session %d] update team info: %v", s.id, err)
		return nil
	}

	s.sendJSON(protocol.CmdCreateGroup, s.curSeq(), createGroupResponse{
		Code: protocol.CodeOK, Msg: "ok", GroupID: groupID, GroupName: req.GroupName,
	})

	// Separate self-ack so the client adds the group to its roster.
	s.sendJSON(protocol.CmdOperateFriend, s.curSeq(), friendAnswerNotice{
		UserID: groupID, Type: protocol.FriendOpAnswer, Username: req.GroupName, Accept: 1,
	})
	return nil
}

func (s *Session) onGetGroupMembers(body []byte, _ *protocol.BinaryReader) error {
	var req getGroupMembersRequest
	if err := json.Unmarshal(body, &req); err != nil || req.GroupID == 0 {
		log.Printf("[session %d] invalid json: %s, userid: %d", s.id, body, s.UserID())
		return nil
	}

	members, err := s.srv.users.FriendsOf(req.GroupID)
	if err != nil {
		log.Printf("[session %d] members of %d: %v", s.id, req.GroupID, err)
		return nil
	}
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, s.memberViewOf(m))
	}
	s.sendJSON(protocol.CmdGetGroupMembers, s.curSeq(), groupMembersResponse{
		Code: protocol.CodeOK, Msg: "ok", GroupID: req.GroupID, Members: views,
	})
	return nil
}

func (s *Session) onChat(body []byte, r *protocol.BinaryReader) error {
	target, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("read chat target: %w", err)
	}
	s.relayChat(target, body)
	return nil
}

// relayChat persists one chat body and routes it: unicast below the
// group boundary, member fan-out above it. Offline recipients get the
// frame queued.
func (s *Session) relayChat(target int32, body []byte) {
	me := s.UserID()
	frame, err := protocol.BuildPacket(protocol.CmdChat, s.curSeq(), body, func(w *protocol.BinaryWriter) {
		w.WriteInt32(me)     // sender
		w.WriteInt32(target) // recipient
	})
	if err != nil {
		log.Printf("[session %d] build chat frame: %v", s.id, err)
		return
	}

	// Persistence is best-effort; delivery proceeds regardless.
	if err := s.srv.users.SaveChatMsg(me, target, string(body)); err != nil {
		log.Printf("[session %d] write chat msg to db error, senderid=%d, targetid=%d: %v",
			s.id, me, target, err)
	}

	if target < protocol.GroupIDBoundary {
		s.srv.deliverToUser(target, frame, queueChat)
		return
	}

	members, err := s.srv.users.FriendsOf(target)
	if err != nil {
		log.Printf("[session %d] members of %d: %v", s.id, target, err)
		return
	}
	for _, m := range members {
		if m.UserID == me {
			continue
		}
		s.srv.deliverToUser(m.UserID, frame, queueChat)
	}
}

func (s *Session) onMultiChat(body []byte, r *protocol.BinaryReader) error {
	targets, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("read multichat targets: %w", err)
	}
	var req multiChatTargets
	if err := json.Unmarshal([]byte(targets), &req); err != nil {
		log.Printf("[session %d] invalid json: targets: %s, userid: %d", s.id, targets, s.UserID())
		return nil
	}
	for _, target := range req.Targets {
		s.relayChat(target, body)
	}
	return nil
}

func (s *Session) onScreenshot(_ []byte, r *protocol.BinaryReader) error {
	header, err := r.ReadBytes()
	if err != nil {
		return fmt.Errorf("read bmpheader: %w", err)
	}
	data, err := r.ReadBytes()
	if err != nil {
		return fmt.Errorf("read bmpdata: %w", err)
	}
	target, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	// Unicast only, never buffered: stale screenshots are worthless.
	if target >= protocol.GroupIDBoundary {
		return nil
	}
	frame, err := protocol.BuildPacket(protocol.CmdRemoteDesktop, s.curSeq(), nil, func(w *protocol.BinaryWriter) {
		w.WriteBytes(header)
		w.WriteBytes(data)
		w.WriteInt32(target)
	})
	if err != nil {
		log.Printf("[session %d] build screenshot frame: %v", s.id, err)
		return nil
	}
	s.srv.sendToLiveSessions(target, frame)
	return nil
}

func (s *Session) onUpdateTeamInfo(body []byte, _ *protocol.BinaryReader) error {
	uid := s.UserID()
	if err := s.srv.users.UpdateUserTeamInfoRaw(uid, string(body)); err != nil {
		log.Printf("[session %d] update team info of %d: %v", s.id, uid, err)
		return nil
	}

	// Answer with the refreshed friend list so the client repaints.
	view, err := s.buildFriendListView()
	if err != nil {
		log.Printf("[session %d] build friend list: %v", s.id, err)
		return nil
	}
	s.sendJSON(protocol.CmdGetFriendList, s.curSeq(), friendListResponse{
		Code: protocol.CodeOK, Msg: "ok", UserInfo: view,
	})
	return nil
}

func (s *Session) onUploadDeviceInfo(body []byte, r *protocol.BinaryReader) error {
	if !deviceInfoEnabled {
		return fmt.Errorf("unsupport cmd %d", protocol.CmdUploadDeviceInfo)
	}
	deviceID, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("read deviceid: %w", err)
	}
	classType, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("read classtype: %w", err)
	}
	uploadTime, err := r.ReadInt64()
	if err != nil {
		return fmt.Errorf("read uploadtime: %w", err)
	}

	uid := s.UserID()
	if err := s.srv.users.InsertDeviceInfo(uid, deviceID, classType, uploadTime, string(body)); err != nil {
		log.Printf("[session %d] insert device info for %d: %v", s.id, uid, err)
		return nil
	}
	s.sendJSON(protocol.CmdUploadDeviceInfo, s.curSeq(), statusResponse{Code: protocol.CodeOK, Msg: "ok"})
	return nil
}

// Username returns the authenticated account name.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}
