package main

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the pluggable production backend. mu serializes every
// read-modify-persist sequence the same way FileStore's mutex does, so a
// Sweep or re-Register landing between a transition's read and its write
// cannot produce a row merged from stale state.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection: sqlite allows a single writer, and the pool's default
	// of many connections surfaces SQLITE_BUSY under simultaneous clicks.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS candidates (
		key          TEXT PRIMARY KEY,
		category     TEXT NOT NULL DEFAULT 'other',
		title        TEXT NOT NULL,
		description  TEXT DEFAULT '',
		priority     TEXT NOT NULL DEFAULT 'medium',
		confidence   INTEGER NOT NULL DEFAULT 0,
		channel_id   TEXT DEFAULT '',
		channel_name TEXT DEFAULT '',
		message_ts   TEXT NOT NULL,
		permalink    TEXT DEFAULT '',
		reporter     TEXT DEFAULT '',
		due_date     TEXT DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'pending',
		created_at   DATETIME NOT NULL,
		approved_at  DATETIME,
		rejected_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_candidates_state ON candidates(state);
	CREATE INDEX IF NOT EXISTS idx_candidates_created_at ON candidates(created_at);

	CREATE TABLE IF NOT EXISTS processed_messages (
		message_ts   TEXT PRIMARY KEY,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, now: time.Now}
	log.Printf("store loaded path=%s %s", path, s.Stats())
	return s, nil
}

func (s *SQLiteStore) Register(c FeedbackCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.State = StatePending
	c.CreatedAt = s.now()
	_, err := s.db.Exec(
		`INSERT INTO candidates
		 (key, category, title, description, priority, confidence,
		  channel_id, channel_name, message_ts, permalink, reporter, due_date, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   category=excluded.category, title=excluded.title,
		   description=excluded.description, priority=excluded.priority,
		   confidence=excluded.confidence, channel_id=excluded.channel_id,
		   channel_name=excluded.channel_name, message_ts=excluded.message_ts,
		   permalink=excluded.permalink, reporter=excluded.reporter,
		   due_date=excluded.due_date, state=excluded.state,
		   created_at=excluded.created_at, approved_at=NULL, rejected_at=NULL`,
		c.Key, c.Category, c.Title, c.Description, c.Priority, c.Confidence,
		c.Source.ChannelID, c.Source.ChannelName, c.Source.MessageTS,
		c.Source.Permalink, c.Source.Reporter, c.DueDate, c.State, c.CreatedAt,
	)
	return err
}

const candidateColumns = `key, category, title, description, priority, confidence,
	channel_id, channel_name, message_ts, permalink, reporter, due_date, state,
	created_at, approved_at, rejected_at`

func scanCandidate(row interface{ Scan(...any) error }) (FeedbackCandidate, error) {
	var c FeedbackCandidate
	var approvedAt, rejectedAt sql.NullTime
	err := row.Scan(
		&c.Key, &c.Category, &c.Title, &c.Description, &c.Priority, &c.Confidence,
		&c.Source.ChannelID, &c.Source.ChannelName, &c.Source.MessageTS,
		&c.Source.Permalink, &c.Source.Reporter, &c.DueDate, &c.State,
		&c.CreatedAt, &approvedAt, &rejectedAt,
	)
	if approvedAt.Valid {
		c.ApprovedAt = approvedAt.Time
	}
	if rejectedAt.Valid {
		c.RejectedAt = rejectedAt.Time
	}
	return c, err
}

func (s *SQLiteStore) Get(key string) (FeedbackCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *SQLiteStore) getLocked(key string) (FeedbackCandidate, bool) {
	row := s.db.QueryRow(`SELECT `+candidateColumns+` FROM candidates WHERE key = ?`, key)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return FeedbackCandidate{}, false
	}
	if err != nil {
		log.Printf("store get error key=%s: %v", key, err)
		return FeedbackCandidate{}, false
	}
	return c, true
}

func (s *SQLiteStore) Approve(key string, overrides FieldOverrides) (FeedbackCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.getLocked(key)
	if !ok {
		return FeedbackCandidate{}, ErrNotFound
	}
	applyOverrides(&c, overrides)
	c.State = StateApproved
	c.ApprovedAt = s.now()

	res, err := s.db.Exec(
		`UPDATE candidates SET title=?, description=?, priority=?, category=?,
		   due_date=?, state=?, approved_at=? WHERE key=?`,
		c.Title, c.Description, c.Priority, c.Category,
		c.DueDate, c.State, c.ApprovedAt, key,
	)
	if err != nil {
		return FeedbackCandidate{}, fmt.Errorf("approving candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return FeedbackCandidate{}, ErrNotFound
	}
	return c, nil
}

func (s *SQLiteStore) Reject(key string) (FeedbackCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.getLocked(key)
	if !ok {
		return FeedbackCandidate{}, ErrNotFound
	}
	c.State = StateRejected
	c.RejectedAt = s.now()

	res, err := s.db.Exec(
		`UPDATE candidates SET state=?, rejected_at=? WHERE key=?`,
		c.State, c.RejectedAt, key,
	)
	if err != nil {
		return FeedbackCandidate{}, fmt.Errorf("rejecting candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return FeedbackCandidate{}, ErrNotFound
	}
	return c, nil
}

func (s *SQLiteStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM candidates WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListApproved() []FeedbackCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT ` + candidateColumns + ` FROM candidates WHERE state = 'approved' ORDER BY key`)
	if err != nil {
		log.Printf("store list-approved error: %v", err)
		return nil
	}
	defer rows.Close()

	var out []FeedbackCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			log.Printf("store list-approved scan error: %v", err)
			return out
		}
		out = append(out, c)
	}
	return out
}

func (s *SQLiteStore) MarkProcessed(messageTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO processed_messages (message_ts) VALUES (?)
		 ON CONFLICT(message_ts) DO NOTHING`, messageTS)
	return err
}

func (s *SQLiteStore) IsProcessed(messageTS string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM processed_messages WHERE message_ts = ?`, messageTS,
	).Scan(&count); err != nil {
		log.Printf("store is-processed error ts=%s: %v", messageTS, err)
		return false
	}
	return count > 0
}

func (s *SQLiteStore) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	res, err := s.db.Exec(`DELETE FROM candidates WHERE created_at < ?`, cutoff)
	if err != nil {
		log.Printf("store sweep error: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (s *SQLiteStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats StoreStats
	err := s.db.QueryRow(
		`SELECT
		   COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN state = 'approved' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN state = 'rejected' THEN 1 ELSE 0 END), 0)
		 FROM candidates`,
	).Scan(&stats.Pending, &stats.Approved, &stats.Rejected)
	if err != nil {
		log.Printf("store stats error: %v", err)
		return stats
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_messages`).Scan(&stats.Processed); err != nil {
		log.Printf("store stats error: %v", err)
	}
	return stats
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
