package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// SQL provides SQLite-backed persistence for all relay entities.
type SQL struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(dbPath string) (*SQL, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQL{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS groups (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL CHECK(length(name) > 0 AND length(name) <= 64),
		creator_id INTEGER NOT NULL REFERENCES users(id),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id  INTEGER NOT NULL REFERENCES users(id),
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id       INTEGER NOT NULL REFERENCES users(id),
		sender_username TEXT    NOT NULL DEFAULT '',
		receiver_id     INTEGER,
		group_id        INTEGER REFERENCES groups(id) ON DELETE CASCADE,
		content         TEXT    NOT NULL,
		sent_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((receiver_id IS NULL) <> (group_id IS NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_messages_pair  ON messages(sender_id, receiver_id);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id);

	CREATE TABLE IF NOT EXISTS calls (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		caller_id         INTEGER NOT NULL,
		caller_username   TEXT    NOT NULL DEFAULT '',
		receiver_id       INTEGER NOT NULL,
		receiver_username TEXT    NOT NULL DEFAULT '',
		is_group_call     INTEGER NOT NULL DEFAULT 0,
		status            TEXT    NOT NULL,
		started_at        TIMESTAMP,
		ended_at          TIMESTAMP,
		duration_seconds  INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_calls_pair ON calls(caller_id, receiver_id, status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// dbTime renders a time for storage; zero times become NULL.
func dbTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dbTimeLayout, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("datastore: parse time %q: %w", s.String, err)
	}
	return t, nil
}

// CreateUser creates a new user and returns it with the assigned id.
func (s *SQL) CreateUser(username string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	res, err := s.db.Exec("INSERT INTO users (username) VALUES (?)", username)
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("datastore: create user id: %w", err)
	}
	return s.GetUserByID(id)
}

// GetUserByUsername returns a user by username, or nil if not found.
func (s *SQL) GetUserByUsername(username string) (*model.User, error) {
	row := s.db.QueryRow("SELECT id, username, created_at FROM users WHERE username = ?", username)
	return scanUser(row)
}

// GetUserByID returns a user by id, or nil if not found.
func (s *SQL) GetUserByID(id int64) (*model.User, error) {
	row := s.db.QueryRow("SELECT id, username, created_at FROM users WHERE id = ?", id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	var created sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore: scan user: %w", err)
	}
	var err error
	if u.CreatedAt, err = parseDBTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users ordered by id.
func (s *SQL) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query("SELECT id, username, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var created sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &created); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		if u.CreatedAt, err = parseDBTime(created); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateMessage persists a private or group message and assigns its id.
func (s *SQL) CreateMessage(m *model.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}

	var receiver, group any
	if m.IsGroup() {
		group = m.GroupID
	} else {
		receiver = m.ReceiverID
	}

	res, err := s.db.Exec(
		`INSERT INTO messages (sender_id, sender_username, receiver_id, group_id, content, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.SenderID, m.SenderUsername, receiver, group, m.Content, dbTime(m.SentAt),
	)
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("datastore: create message id: %w", err)
	}
	return nil
}

// ListPrivateMessages returns the conversation between two users in send order.
func (s *SQL) ListPrivateMessages(userA, userB int64) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender_id, sender_username, receiver_id, group_id, content, sent_at
		 FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY id`,
		userA, userB, userB, userA,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list private messages: %w", err)
	}
	return scanMessages(rows)
}

// ListGroupMessages returns a group's messages in send order.
func (s *SQL) ListGroupMessages(groupID int64) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender_id, sender_username, receiver_id, group_id, content, sent_at
		 FROM messages WHERE group_id = ? ORDER BY id`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list group messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var receiver, group sql.NullInt64
		var sent sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &receiver, &group, &m.Content, &sent); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.ReceiverID = receiver.Int64
		m.GroupID = group.Int64
		var err error
		if m.SentAt, err = parseDBTime(sent); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateGroup creates a group and enrolls the creator as its first member.
func (s *SQL) CreateGroup(name string, creatorID int64) (*model.Group, error) {
	if err := model.ValidateGroupName(name); err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}
	res, err := s.db.Exec("INSERT INTO groups (name, creator_id) VALUES (?, ?)", name, creatorID)
	if err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("datastore: create group id: %w", err)
	}
	if err := s.AddGroupMember(id, creatorID); err != nil {
		return nil, err
	}
	return s.GetGroup(id)
}

// GetGroup returns a group by id, or nil if not found.
func (s *SQL) GetGroup(id int64) (*model.Group, error) {
	row := s.db.QueryRow("SELECT id, name, creator_id, created_at FROM groups WHERE id = ?", id)
	return scanGroup(row)
}

// GetGroupByName returns the first group with the given name, or nil.
func (s *SQL) GetGroupByName(name string) (*model.Group, error) {
	row := s.db.QueryRow("SELECT id, name, creator_id, created_at FROM groups WHERE name = ? ORDER BY id LIMIT 1", name)
	return scanGroup(row)
}

func scanGroup(row *sql.Row) (*model.Group, error) {
	var g model.Group
	var created sql.NullString
	if err := row.Scan(&g.ID, &g.Name, &g.CreatorID, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore: scan group: %w", err)
	}
	var err error
	if g.CreatedAt, err = parseDBTime(created); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListUserGroups returns all groups a user belongs to.
func (s *SQL) ListUserGroups(userID int64) ([]model.Group, error) {
	rows, err := s.db.Query(
		`SELECT g.id, g.name, g.creator_id, g.created_at
		 FROM groups g JOIN group_members m ON m.group_id = g.id
		 WHERE m.user_id = ? ORDER BY g.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list user groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.Group
	for rows.Next() {
		var g model.Group
		var created sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID, &created); err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		if g.CreatedAt, err = parseDBTime(created); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListGroups returns every group, oldest first.
func (s *SQL) ListGroups() ([]model.Group, error) {
	rows, err := s.db.Query("SELECT id, name, creator_id, created_at FROM groups ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.Group
	for rows.Next() {
		var g model.Group
		var created sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID, &created); err != nil {
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		if g.CreatedAt, err = parseDBTime(created); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GroupMembers returns the user ids belonging to a group.
func (s *SQL) GroupMembers(groupID int64) ([]int64, error) {
	rows, err := s.db.Query("SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id", groupID)
	if err != nil {
		return nil, fmt.Errorf("datastore: group members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("datastore: scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AddGroupMember enrolls a user in a group; already-a-member is a no-op.
func (s *SQL) AddGroupMember(groupID, userID int64) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)",
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("datastore: add group member: %w", err)
	}
	return nil
}

// CreateCall persists a new call session and assigns its id.
func (s *SQL) CreateCall(c *model.Call) error {
	res, err := s.db.Exec(
		`INSERT INTO calls (caller_id, caller_username, receiver_id, receiver_username,
		                    is_group_call, status, started_at, ended_at, duration_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CallerID, c.CallerUsername, c.ReceiverID, c.ReceiverUsername,
		c.GroupCall, string(c.Status), dbTime(c.StartedAt), dbTime(c.EndedAt), c.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("datastore: create call: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("datastore: create call id: %w", err)
	}
	return nil
}

// UpdateCallStatus changes a session's status.
func (s *SQL) UpdateCallStatus(id int64, status model.CallStatus) error {
	if _, err := s.db.Exec("UPDATE calls SET status = ? WHERE id = ?", string(status), id); err != nil {
		return fmt.Errorf("datastore: update call status: %w", err)
	}
	return nil
}

// EndCall marks a session ENDED with its final duration.
func (s *SQL) EndCall(id int64, endedAt time.Time, durationSeconds int64) error {
	_, err := s.db.Exec(
		"UPDATE calls SET status = ?, ended_at = ?, duration_seconds = ? WHERE id = ?",
		string(model.CallEnded), dbTime(endedAt), durationSeconds, id,
	)
	if err != nil {
		return fmt.Errorf("datastore: end call: %w", err)
	}
	return nil
}

// LatestRingingCall returns the most recent RINGING session between the pair.
func (s *SQL) LatestRingingCall(callerID, receiverID int64) (*model.Call, error) {
	row := s.db.QueryRow(
		`SELECT id, caller_id, caller_username, receiver_id, receiver_username,
		        is_group_call, status, started_at, ended_at, duration_seconds
		 FROM calls
		 WHERE caller_id = ? AND receiver_id = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`,
		callerID, receiverID, string(model.CallRinging),
	)
	c, err := scanCallRow(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListUserCalls returns a user's call history, newest first.
func (s *SQL) ListUserCalls(userID int64) ([]model.Call, error) {
	rows, err := s.db.Query(
		`SELECT id, caller_id, caller_username, receiver_id, receiver_username,
		        is_group_call, status, started_at, ended_at, duration_seconds
		 FROM calls WHERE caller_id = ? OR receiver_id = ? ORDER BY id DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list user calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []model.Call
	for rows.Next() {
		var c model.Call
		var status string
		var started, ended sql.NullString
		if err := rows.Scan(&c.ID, &c.CallerID, &c.CallerUsername, &c.ReceiverID, &c.ReceiverUsername,
			&c.GroupCall, &status, &started, &ended, &c.DurationSeconds); err != nil {
			return nil, fmt.Errorf("datastore: scan call: %w", err)
		}
		c.Status = model.CallStatus(status)
		if c.StartedAt, err = parseDBTime(started); err != nil {
			return nil, err
		}
		if c.EndedAt, err = parseDBTime(ended); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func scanCallRow(row *sql.Row) (*model.Call, error) {
	var c model.Call
	var status string
	var started, ended sql.NullString
	err := row.Scan(&c.ID, &c.CallerID, &c.CallerUsername, &c.ReceiverID, &c.ReceiverUsername,
		&c.GroupCall, &status, &started, &ended, &c.DurationSeconds)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore: scan call: %w", err)
	}
	c.Status = model.CallStatus(status)
	if c.StartedAt, err = parseDBTime(started); err != nil {
		return nil, err
	}
	if c.EndedAt, err = parseDBTime(ended); err != nil {
		return nil, err
	}
	return &c, nil
}
