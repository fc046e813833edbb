package outbox

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	statePending    = "pending"
	stateProcessing = "processing"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS outbox_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	raw TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	seq REAL NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_session ON outbox_tasks(session_id, state, seq);
`

// Journal mirrors every queue move to SQLite so the outbox survives a
// process restart. Sequence numbers are assigned by the queue while it
// holds its lock, never inside SQL, so the durable order is always the
// in-memory order even when journal writes race each other. Head
// requeues carry a seq below every live row, tail appends above.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the outbox journal database.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open outbox journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply outbox journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) appendTail(sessionID, raw string, seq float64) error {
	_, err := j.db.Exec(
		`INSERT INTO outbox_tasks(session_id, raw, state, seq) VALUES (?, ?, 'pending', ?)`,
		sessionID, raw, seq)
	return err
}

func (j *Journal) markProcessing(sessionID, raw string) error {
	_, err := j.db.Exec(
		`UPDATE outbox_tasks SET state = 'processing' WHERE session_id = ? AND raw = ?`,
		sessionID, raw)
	return err
}

func (j *Journal) remove(sessionID, raw string) error {
	_, err := j.db.Exec(
		`DELETE FROM outbox_tasks WHERE session_id = ? AND raw = ?`,
		sessionID, raw)
	return err
}

// requeueHead replaces a claimed row with its re-serialized successor at
// the head of the pending order, at the seq the queue assigned.
func (j *Journal) requeueHead(sessionID, oldRaw, newRaw string, seq float64) error {
	if err := j.remove(sessionID, oldRaw); err != nil {
		return err
	}
	_, err := j.db.Exec(
		`INSERT INTO outbox_tasks(session_id, raw, state, seq) VALUES (?, ?, 'pending', ?)`,
		sessionID, newRaw, seq)
	return err
}

// replacePending rewrites a row's raw form and returns it to pending
// without touching its seq, so restore keeps the original order.
func (j *Journal) replacePending(sessionID, oldRaw, newRaw string) error {
	_, err := j.db.Exec(
		`UPDATE outbox_tasks SET raw = ?, state = 'pending' WHERE session_id = ? AND raw = ?`,
		newRaw, sessionID, oldRaw)
	return err
}

func (j *Journal) dropSession(sessionID string) error {
	_, err := j.db.Exec(`DELETE FROM outbox_tasks WHERE session_id = ?`, sessionID)
	return err
}

// JournalRow is one persisted queue entry.
type JournalRow struct {
	SessionID string
	Raw       string
	State     string
	Seq       float64
}

func (j *Journal) load() ([]JournalRow, error) {
	rows, err := j.db.Query(
		`SELECT session_id, raw, state, seq FROM outbox_tasks ORDER BY session_id, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var r JournalRow
		if err := rows.Scan(&r.SessionID, &r.Raw, &r.State, &r.Seq); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
