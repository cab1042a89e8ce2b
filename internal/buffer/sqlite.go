package buffer

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ocx/sentinel/internal/uer"
)

// SQLiteStore is the embedded, crash-safe buffer backend. All mutating
// operations are serialized under a single process-local exclusive lock —
// safe for concurrent producers and a single batch-consuming flush worker.
// Schema matches queue(id, uer, created_at) / dlq(id, uer, reason,
// created_at), insertion-id ordered.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the queue/dlq schema at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &BufferError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1) // single writer; mu below serializes regardless

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uer TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_created ON queue(created_at)`,
		`CREATE TABLE IF NOT EXISTS dlq (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uer TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &BufferError{Op: "init_schema", Err: err}
		}
	}
	return nil
}

// Enqueue appends a UER to the queue table and returns only once durably
// committed.
func (s *SQLiteStore) Enqueue(u *uer.UER) error {
	payload, err := marshalUER(u)
	if err != nil {
		return &BufferError{Op: "enqueue:marshal", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT INTO queue (uer) VALUES (?)`, string(payload)); err != nil {
		return &BufferError{Op: "enqueue", Err: err}
	}
	return nil
}

// DequeueBatch atomically reads and removes up to n oldest rows. It either
// returns the full removed prefix or returns nothing — never a partial
// delete with a mismatched return.
func (s *SQLiteStore) DequeueBatch(n int) ([]*uer.UER, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, &BufferError{Op: "dequeue:begin", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, uer FROM queue ORDER BY id ASC LIMIT ?`, n)
	if err != nil {
		return nil, &BufferError{Op: "dequeue:select", Err: err}
	}

	var ids []int64
	var out []*uer.UER
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, &BufferError{Op: "dequeue:scan", Err: err}
		}
		u, err := unmarshalUER([]byte(payload))
		if err != nil {
			rows.Close()
			return nil, &BufferError{Op: "dequeue:unmarshal", Err: err}
		}
		ids = append(ids, id)
		out = append(out, u)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM queue WHERE id = ?`, id); err != nil {
			return nil, &BufferError{Op: "dequeue:delete", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, &BufferError{Op: "dequeue:commit", Err: err}
	}
	return out, nil
}

// DeadLetter appends a UER to the dlq table with its rejection reason.
func (s *SQLiteStore) DeadLetter(u *uer.UER, reason string) error {
	payload, err := marshalUER(u)
	if err != nil {
		return &BufferError{Op: "dead_letter:marshal", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT INTO dlq (uer, reason) VALUES (?, ?)`, string(payload), reason); err != nil {
		return &BufferError{Op: "dead_letter", Err: err}
	}
	return nil
}

// Size returns the current queue length.
func (s *SQLiteStore) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, &BufferError{Op: "size", Err: err}
	}
	return n, nil
}

// DLQSize returns the current dead-letter queue length.
func (s *SQLiteStore) DLQSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dlq`).Scan(&n); err != nil {
		return 0, &BufferError{Op: "dlq_size", Err: err}
	}
	return n, nil
}

// ClearDLQ purges the dead-letter queue. Use with caution — this is
// destructive and unrecoverable.
func (s *SQLiteStore) ClearDLQ() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM dlq`); err != nil {
		return &BufferError{Op: "clear_dlq", Err: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
