// Package audit persists the append-only history of the control plane:
// session status transitions, allocations, and block decisions. The core
// only writes here; reads exist for the CLI inspection commands.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT,
	detail TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	ttl_sec INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL,
	evidence_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
`

// Store is the SQLite-backed audit log.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the audit database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTransition appends a session status transition.
func (s *Store) RecordTransition(sessionID, from, to, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events(session_id, kind, from_status, to_status, detail) VALUES (?, 'transition', ?, ?, ?)`,
		sessionID, from, to, detail)
	return err
}

// RecordAllocation appends an allocation record.
func (s *Store) RecordAllocation(sessionID, phone, proxyID, profileID string) error {
	detail, _ := json.Marshal(map[string]string{"phone": phone, "proxy": proxyID, "profile": profileID})
	_, err := s.db.Exec(
		`INSERT INTO session_events(session_id, kind, detail) VALUES (?, 'allocated', ?)`,
		sessionID, string(detail))
	return err
}

// RecordRelease appends a release record.
func (s *Store) RecordRelease(sessionID, phone, proxyID string) error {
	detail, _ := json.Marshal(map[string]string{"phone": phone, "proxy": proxyID})
	_, err := s.db.Exec(
		`INSERT INTO session_events(session_id, kind, detail) VALUES (?, 'released', ?)`,
		sessionID, string(detail))
	return err
}

// RecordDecision appends a block/recovery decision with its evidence.
func (s *Store) RecordDecision(kind, target string, ttl time.Duration, reason string, evidence any) error {
	ev, err := json.Marshal(evidence)
	if err != nil {
		ev = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO decisions(kind, target, ttl_sec, reason, evidence_json) VALUES (?, ?, ?, ?, ?)`,
		kind, target, int(ttl.Seconds()), reason, string(ev))
	return err
}

// SessionEvent is one audit row.
type SessionEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecentEvents returns the latest audit rows, newest first. sessionID may
// be empty to list across all sessions.
func (s *Store) RecentEvents(sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, kind, COALESCE(from_status,''), COALESCE(to_status,''), detail, created_at
		FROM session_events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.FromStatus, &e.ToStatus, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Decision is one block/recovery decision row.
type Decision struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	TTLSec    int       `json:"ttl_sec"`
	Reason    string    `json:"reason"`
	Evidence  string    `json:"evidence"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentDecisions returns the latest decisions, newest first.
func (s *Store) RecentDecisions(limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, kind, target, ttl_sec, reason, evidence_json, created_at
		 FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Kind, &d.Target, &d.TTLSec, &d.Reason, &d.Evidence, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LastQRCode returns the most recent QR payload reported for a session,
// used by the CLI pairing command.
func (s *Store) LastQRCode(sessionID string) (string, error) {
	var detail string
	err := s.db.QueryRow(
		`SELECT detail FROM session_events
		 WHERE session_id = ? AND to_status = 'waiting_qr'
		 ORDER BY id DESC LIMIT 1`, sessionID).Scan(&detail)
	if err != nil {
		return "", err
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(detail), &payload); err != nil || payload.Code == "" {
		return "", fmt.Errorf("no QR payload recorded for %s", sessionID)
	}
	return payload.Code, nil
}
