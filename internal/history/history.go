// Package history keeps a record of finished transfers in a QL database
// file.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/ql/driver" // load the QL database driver

	"udpfileshare/internal/errors"
)

// Entry is one finished session
type Entry struct {
	ID              string
	Role            string
	Peer            string
	Name            string
	Size            int64
	Bytes           int64
	Packets         uint64
	Retransmissions uint64
	Failures        uint64
	Timeouts        uint64
	Algorithm       string
	Digest          string
	Status          string
	Error           string
	Started         time.Time
	Duration        time.Duration
}

// Status values
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// timestamps stay int64 rather than the ql time type, as in the ratnet nodes
const schema = `
	CREATE TABLE IF NOT EXISTS transfers (
		transfer_id     string NOT NULL,
		role            string NOT NULL,
		peer            string NOT NULL,
		file_name       string NOT NULL,
		file_size       int64  NOT NULL,
		bytes_moved     int64  NOT NULL,
		packets         int64  NOT NULL,
		retransmissions int64  NOT NULL,
		failures        int64  NOT NULL,
		timeouts        int64  NOT NULL,
		algorithm       string NOT NULL,
		digest          string NOT NULL,
		status          string NOT NULL,
		error_text      string NOT NULL,
		started_ns      int64  NOT NULL,
		elapsed_ns      int64  NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS transferid ON transfers (transfer_id);
`

// Store is a transfer history database
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("ql", path)
	if err != nil {
		return nil, errors.NewFileSystemError("open_history", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.transactExec(context.Background(), schema); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("History database ready", "path", path)
	return s, nil
}

// Record stores e and returns its id. A missing id is generated.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}

	err := s.transactExec(ctx, `
		INSERT INTO transfers VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		);`,
		e.ID, e.Role, e.Peer, e.Name, e.Size, e.Bytes,
		int64(e.Packets), int64(e.Retransmissions), int64(e.Failures), int64(e.Timeouts),
		e.Algorithm, e.Digest, e.Status, e.Error,
		e.Started.UnixNano(), int64(e.Duration))
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// Recent returns up to n entries, newest first
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := fmt.Sprintf(`
		SELECT transfer_id, role, peer, file_name, file_size, bytes_moved, packets,
			retransmissions, failures, timeouts, algorithm, digest, status, error_text,
			started_ns, elapsed_ns
		FROM transfers ORDER BY started_ns DESC LIMIT %d;`, n)

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.NewFileSystemError("query_history", s.path, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var packets, retrans, failures, timeouts, started, duration int64
		if err := rows.Scan(&e.ID, &e.Role, &e.Peer, &e.Name, &e.Size, &e.Bytes,
			&packets, &retrans, &failures, &timeouts,
			&e.Algorithm, &e.Digest, &e.Status, &e.Error, &started, &duration); err != nil {
			return nil, errors.NewFileSystemError("scan_history", s.path, err)
		}
		e.Packets = uint64(packets)
		e.Retransmissions = uint64(retrans)
		e.Failures = uint64(failures)
		e.Timeouts = uint64(timeouts)
		e.Started = time.Unix(0, started)
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewFileSystemError("scan_history", s.path, err)
	}
	return entries, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) transactExec(ctx context.Context, query string, params ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewFileSystemError("begin", s.path, err)
	}
	if _, err := tx.ExecContext(ctx, query, params...); err != nil {
		tx.Rollback()
		return errors.NewFileSystemError("exec", s.path, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewFileSystemError("commit", s.path, err)
	}
	return nil
}
