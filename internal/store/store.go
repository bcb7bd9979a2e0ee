// Package store provides the persistent user store backed by an
// embedded SQLite database: accounts, friend relations, group
// membership, per-user team layout, and the chat archive. It owns the
// database lifecycle and exposes the narrow API the chat core consumes.
//
// Migration design: SQL statements are kept in the [migrations] slice
// as ordered strings. Each is applied exactly once; the applied version
// is tracked in the schema_migrations table. To add a migration, append
// a new string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "modernc.org/sqlite"
)

// groupIDBase is the first identifier assigned to groups. Users and
// groups share one id namespace; everything at or above the base is a
// group. Must match the protocol boundary.
const groupIDBase = 0x0FFFFFFF

// ErrDuplicateUser is returned by RegisterUser when the username is
// already taken.
var ErrDuplicateUser = errors.New("store: username already registered")

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — accounts; groups live in the same table with id >= the
	// group base and owner_id pointing at the creator
	`CREATE TABLE IF NOT EXISTS users (
		id          INTEGER PRIMARY KEY,
		username    TEXT NOT NULL UNIQUE,
		password    TEXT NOT NULL DEFAULT '',
		nickname    TEXT NOT NULL DEFAULT '',
		facetype    INTEGER NOT NULL DEFAULT 0,
		customface  TEXT NOT NULL DEFAULT '',
		gender      INTEGER NOT NULL DEFAULT 0,
		birthday    INTEGER NOT NULL DEFAULT 19900101,
		signature   TEXT NOT NULL DEFAULT '',
		address     TEXT NOT NULL DEFAULT '',
		phonenumber TEXT NOT NULL DEFAULT '',
		mail        TEXT NOT NULL DEFAULT '',
		teaminfo    TEXT NOT NULL DEFAULT '',
		owner_id    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — friend relations; one row per pair, both members indexed.
	// Group membership reuses the table with the group id as one side.
	`CREATE TABLE IF NOT EXISTS relationship (
		user_a     INTEGER NOT NULL,
		user_b     INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (user_a, user_b)
	)`,
	// v3 — index for reverse relation lookups
	`CREATE INDEX IF NOT EXISTS idx_relationship_b ON relationship(user_b)`,
	// v4 — chat archive
	`CREATE TABLE IF NOT EXISTS chat_msg (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id  INTEGER NOT NULL,
		target_id  INTEGER NOT NULL,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — index for per-recipient archive scans
	`CREATE INDEX IF NOT EXISTS idx_chat_msg_target ON chat_msg(target_id, id)`,
	// v6 — uploaded device records (optional client feature)
	`CREATE TABLE IF NOT EXISTS device_info (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     INTEGER NOT NULL,
		device_id   INTEGER NOT NULL,
		class_type  INTEGER NOT NULL,
		upload_time INTEGER NOT NULL,
		info        TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v7 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// User is an account record as seen by the chat core. Groups share the
// shape: a group's Username is its display name and OwnerID its
// creator.
type User struct {
	UserID      int32
	Username    string
	Password    string
	Nickname    string
	FaceType    int32
	CustomFace  string
	Gender      int32
	Birthday    int32
	Signature   string
	Address     string
	PhoneNumber string
	Mail        string
	TeamInfo    string
	OwnerID     int32
}

// Profile holds the mutable profile fields updated by updateUserInfo.
type Profile struct {
	Nickname    string
	FaceType    int32
	CustomFace  string
	Gender      int32
	Birthday    int32
	Signature   string
	Address     string
	PhoneNumber string
	Mail        string
}

// TeamOp selects the direction of a team-layout membership change.
type TeamOp int

const (
	TeamAdd TeamOp = iota + 1
	TeamDelete
)

// teamEntry mirrors one element of the team layout JSON the client
// manages: [{"teamindex":0,"teamname":"…","members":[{"userid":N,…}]}].
type teamEntry struct {
	TeamIndex int32            `json:"teamindex"`
	TeamName  string           `json:"teamname"`
	Members   []teamMemberStub `json:"members"`
}

type teamMemberStub struct {
	UserID   int32  `json:"userid"`
	MarkName string `json:"markname,omitempty"`
}

// DefaultTeamName is the team new members land in when the user has no
// stored layout yet.
const DefaultTeamName = "My Friends"

// Store wraps the SQLite database and exposes user-store operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

const userColumns = `id, username, password, nickname, facetype, customface,
	gender, birthday, signature, address, phonenumber, mail, teaminfo, owner_id`

func (u *User) scanFields() []any {
	return []any{&u.UserID, &u.Username, &u.Password, &u.Nickname,
		&u.FaceType, &u.CustomFace, &u.Gender, &u.Birthday, &u.Signature,
		&u.Address, &u.PhoneNumber, &u.Mail, &u.TeamInfo, &u.OwnerID}
}

// RegisterUser creates a new account and returns its id. User ids are
// allocated below the group base so the namespaces never collide.
func (s *Store) RegisterUser(username, nickname, password string) (int32, error) {
	res, err := s.db.Exec(
		`INSERT INTO users(id, username, password, nickname)
		 VALUES((SELECT COALESCE(MAX(id), 0) + 1 FROM users WHERE id < ?), ?, ?, ?)`,
		groupIDBase, username, password, nickname,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateUser
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int32(id), nil
}

// GetUserByName returns the account with the given username. The second
// return value is false when no such user exists.
func (s *Store) GetUserByName(name string) (User, bool, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE username = ?`, name,
	).Scan(u.scanFields()...)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// GetUserByID returns the account (or group) with the given id.
func (s *Store) GetUserByID(id int32) (User, bool, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	).Scan(u.scanFields()...)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// FriendsOf returns every user related to id. For a group id this is
// the member list.
func (s *Store) FriendsOf(id int32) ([]User, error) {
	rows, err := s.db.Query(
		`SELECT `+userColumns+` FROM users WHERE id IN (
			SELECT user_b FROM relationship WHERE user_a = ?
			UNION
			SELECT user_a FROM relationship WHERE user_b = ?
		) ORDER BY id ASC`, id, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(u.scanFields()...); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MakeFriends records a relation between a and b. Idempotent.
func (s *Store) MakeFriends(a, b int32) error {
	if a > b {
		a, b = b, a
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO relationship(user_a, user_b) VALUES(?, ?)`, a, b,
	)
	return err
}

// ReleaseFriends removes the relation between a and b. Removing a
// relation that does not exist is not an error.
func (s *Store) ReleaseFriends(a, b int32) error {
	if a > b {
		a, b = b, a
	}
	_, err := s.db.Exec(
		`DELETE FROM relationship WHERE user_a = ? AND user_b = ?`, a, b,
	)
	return err
}

// TeamInfoOf returns the stored team layout JSON for a user, possibly
// empty.
func (s *Store) TeamInfoOf(id int32) (string, error) {
	var raw string
	err := s.db.QueryRow(`SELECT teaminfo FROM users WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return raw, err
}

// UpdateUserTeamInfoRaw replaces owner's team layout with raw, which
// must be a JSON array.
func (s *Store) UpdateUserTeamInfoRaw(owner int32, raw string) error {
	var probe []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return fmt.Errorf("teaminfo is not a JSON array: %w", err)
	}
	_, err := s.db.Exec(`UPDATE users SET teaminfo = ? WHERE id = ?`, raw, owner)
	return err
}

// UpdateTeamMembership edits owner's team layout to add or remove
// other. Adds land in the first team; an empty layout gets the default
// team created first. The mark name of an added member defaults to its
// nickname.
func (s *Store) UpdateTeamMembership(owner, other int32, op TeamOp) error {
	raw, err := s.TeamInfoOf(owner)
	if err != nil {
		return err
	}

	var teams []teamEntry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &teams); err != nil {
			return fmt.Errorf("parse teaminfo of %d: %w", owner, err)
		}
	}
	if len(teams) == 0 {
		teams = []teamEntry{{TeamIndex: 0, TeamName: DefaultTeamName}}
	}

	switch op {
	case TeamAdd:
		for _, t := range teams {
			for _, m := range t.Members {
				if m.UserID == other {
					return nil // already present
				}
			}
		}
		mark := ""
		if u, ok, err := s.GetUserByID(other); err == nil && ok {
			mark = u.Nickname
		}
		teams[0].Members = append(teams[0].Members, teamMemberStub{UserID: other, MarkName: mark})
	case TeamDelete:
		for i := range teams {
			kept := teams[i].Members[:0]
			for _, m := range teams[i].Members {
				if m.UserID != other {
					kept = append(kept, m)
				}
			}
			teams[i].Members = kept
		}
	default:
		return fmt.Errorf("unknown team op %d", op)
	}

	out, err := json.Marshal(teams)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET teaminfo = ? WHERE id = ?`, string(out), owner)
	return err
}

// UpdateProfile persists the mutable profile fields for id.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UpdateProfile(id int32, p Profile) error {
	res, err := s.db.Exec(
		`UPDATE users SET nickname = ?, facetype = ?, customface = ?, gender = ?,
		 birthday = ?, signature = ?, address = ?, phonenumber = ?, mail = ?
		 WHERE id = ?`,
		p.Nickname, p.FaceType, p.CustomFace, p.Gender, p.Birthday,
		p.Signature, p.Address, p.PhoneNumber, p.Mail, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ModifyPassword sets a new password for id.
func (s *Store) ModifyPassword(id int32, newPass string) error {
	res, err := s.db.Exec(`UPDATE users SET password = ? WHERE id = ?`, newPass, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddGroup creates a group owned by ownerID and returns its id. Group
// ids are allocated at or above the group base.
func (s *Store) AddGroup(name string, ownerID int32) (int32, error) {
	res, err := s.db.Exec(
		`INSERT INTO users(id, username, nickname, owner_id)
		 VALUES((SELECT COALESCE(MAX(id), ? - 1) + 1 FROM users WHERE id >= ?), ?, ?, ?)`,
		groupIDBase, groupIDBase, name, name, ownerID,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int32(id), nil
}

// SaveChatMsg archives one chat body.
func (s *Store) SaveChatMsg(senderID, targetID int32, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_msg(sender_id, target_id, content) VALUES(?, ?, ?)`,
		senderID, targetID, content,
	)
	return err
}

// ChatMsgCount returns the number of archived messages addressed to
// targetID.
func (s *Store) ChatMsgCount(targetID int32) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM chat_msg WHERE target_id = ?`, targetID,
	).Scan(&n)
	return n, err
}

// InsertDeviceInfo records one uploaded device report.
func (s *Store) InsertDeviceInfo(userID, deviceID, classType int32, uploadTime int64, info string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_info(user_id, device_id, class_type, upload_time, info)
		 VALUES(?, ?, ?, ?, ?)`,
		userID, deviceID, classType, uploadTime, info,
	)
	return err
}

// UserCount returns the number of registered accounts (groups excluded).
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM users WHERE id < ?`, groupIDBase,
	).Scan(&n)
	return n, err
}

// AllUsers returns up to limit accounts ordered by id, for the CLI.
func (s *Store) AllUsers(limit int) ([]User, error) {
	rows, err := s.db.Query(
		`SELECT `+userColumns+` FROM users WHERE id < ? ORDER BY id ASC LIMIT ?`,
		groupIDBase, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(u.scanFields()...); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Backup creates a copy of the database at destPath using SQLite's
// VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite wraps sqlite result codes in its own error type,
// so the check goes through the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
