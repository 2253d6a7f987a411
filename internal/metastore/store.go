// Package metastore provides the durable ledger of last-known remote file
// state. It is the diff baseline for change detection and the durability
// record for the ingestion pipeline: a record only transitions to synced
// after the downstream upload has been acknowledged.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/corentel/difysync/internal/apperrors"
)

// Status is the lifecycle state of a tracked file.
type Status string

const (
	// StatusPending marks a file observed remotely but not yet ingested,
	// or with an ingestion currently in flight.
	StatusPending Status = "pending"
	// StatusSynced marks a file whose current fingerprint has been ingested.
	StatusSynced Status = "synced"
	// StatusFailed marks a file whose ingestion exhausted its retry budget.
	StatusFailed Status = "failed"
)

// History actions recorded in the sync_history table.
const (
	ActionAdded    = "added"
	ActionModified = "modified"
	ActionDeleted  = "deleted"
	ActionFailed   = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
    remote_id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    last_synced_fingerprint TEXT NOT NULL DEFAULT '',
    sink_document_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);

CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    remote_id TEXT NOT NULL,
    action TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
`

// FileRecord is one row of the ledger, keyed by the remote file ID.
type FileRecord struct {
	RemoteID              string
	Path                  string
	Fingerprint           string
	SizeBytes             int64
	LastSyncedFingerprint string
	SinkDocumentID        string
	Status                Status
	LastError             string
	UpdatedAt             time.Time
}

// HistoryEntry is one row of the sync_history audit table.
type HistoryEntry struct {
	ID        int64
	RemoteID  string
	Action    string
	Details   string
	CreatedAt time.Time
}

// fileRow mirrors FileRecord with sqlx tags; timestamps are stored as RFC3339.
type fileRow struct {
	RemoteID              string `db:"remote_id"`
	Path                  string `db:"path"`
	Fingerprint           string `db:"fingerprint"`
	SizeBytes             int64  `db:"size_bytes"`
	LastSyncedFingerprint string `db:"last_synced_fingerprint"`
	SinkDocumentID        string `db:"sink_document_id"`
	Status                string `db:"status"`
	LastError             string `db:"last_error"`
	UpdatedAt             string `db:"updated_at"`
}

type historyRow struct {
	ID        int64  `db:"id"`
	RemoteID  string `db:"remote_id"`
	Action    string `db:"action"`
	Details   string `db:"details"`
	CreatedAt string `db:"created_at"`
}

// Store is a concurrency-safe, durable FileRecord table backed by SQLite.
// Multiple readers may run concurrently with a writer; per-record write
// serialization is provided by SQLite's row-level upsert semantics combined
// with the store mutex.
type Store struct {
	db   *sqlx.DB
	mu   sync.RWMutex
	path string
	now  func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source, used by tests for deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or opens the metadata store at the given path.
// Use ":memory:" for an in-memory store (tests only; not durable).
func Open(path string, opts ...Option) (*Store, error) {
	var dsn string
	if path == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		// synchronous=FULL so a mutation is on disk before the call returns:
		// a crash after MarkSynced must never re-trigger an upload.
		dsn = fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=1", path)
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w: %w", path, apperrors.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize store schema: %w: %w", apperrors.ErrStoreUnavailable, err)
	}

	store := &Store{
		db:   db,
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for remoteID, or nil if it is not tracked.
func (s *Store) Get(ctx context.Context, remoteID string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row fileRow
	err := s.db.GetContext(ctx, &row,
		`SELECT remote_id, path, fingerprint, size_bytes, last_synced_fingerprint,
		        sink_document_id, status, last_error, updated_at
		 FROM files WHERE remote_id = ?`, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %w", remoteID, apperrors.ErrStoreUnavailable, err)
	}

	rec, err := row.record()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", remoteID, err)
	}
	return rec, nil
}

// ListAll returns a point-in-time view of every record, ordered by remote ID.
// The single SELECT runs inside one implicit SQLite transaction, so records
// written concurrently are either fully included or fully absent.
func (s *Store) ListAll(ctx context.Context) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []fileRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT remote_id, path, fingerprint, size_bytes, last_synced_fingerprint,
		        sink_document_id, status, last_error, updated_at
		 FROM files ORDER BY remote_id`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w: %w", apperrors.ErrStoreUnavailable, err)
	}

	records := make([]FileRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Upsert inserts or updates the identity fields of a record: path,
// fingerprint, size, and status. The durability fields
// (last_synced_fingerprint, sink_document_id) are only touched by MarkSynced
// so that re-observing a file never erases proof of a prior ingestion.
func (s *Store) Upsert(ctx context.Context, rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (remote_id, path, fingerprint, size_bytes, status, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', ?)
		 ON CONFLICT(remote_id) DO UPDATE SET
		     path = excluded.path,
		     fingerprint = excluded.fingerprint,
		     size_bytes = excluded.size_bytes,
		     status = excluded.status,
		     updated_at = excluded.updated_at`,
		rec.RemoteID, rec.Path, rec.Fingerprint, rec.SizeBytes, string(rec.Status), s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert %s: %w: %w", rec.RemoteID, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// MarkSynced atomically transitions a record to synced, recording the
// fingerprint that was ingested and the sink document it produced.
func (s *Store) MarkSynced(ctx context.Context, remoteID, fingerprint, sinkDocumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, fingerprint = ?, last_synced_fingerprint = ?,
		        sink_document_id = ?, last_error = '', updated_at = ?
		 WHERE remote_id = ?`,
		string(StatusSynced), fingerprint, fingerprint, sinkDocumentID, s.timestamp(), remoteID)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w: %w", remoteID, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// MarkFailed atomically transitions a record to failed, preserving
// last_synced_fingerprint so the next diff still classifies it as modified.
func (s *Store) MarkFailed(ctx context.Context, remoteID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, last_error = ?, updated_at = ? WHERE remote_id = ?`,
		string(StatusFailed), lastError, s.timestamp(), remoteID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w: %w", remoteID, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes a record. Only called after the downstream removal (or the
// local-only unlink policy) has been acknowledged.
func (s *Store) Delete(ctx context.Context, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE remote_id = ?`, remoteID)
	if err != nil {
		return fmt.Errorf("delete %s: %w: %w", remoteID, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// AddHistory appends an entry to the sync audit trail.
func (s *Store) AddHistory(ctx context.Context, remoteID, action, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (remote_id, action, details, created_at) VALUES (?, ?, ?, ?)`,
		remoteID, action, details, s.timestamp())
	if err != nil {
		return fmt.Errorf("add history %s: %w: %w", remoteID, apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// RecentHistory returns the newest limit history entries, newest first.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, remote_id, action, details, created_at
		 FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w: %w", apperrors.ErrStoreUnavailable, err)
	}

	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp %q: %w", row.CreatedAt, err)
		}
		entries = append(entries, HistoryEntry{
			ID:        row.ID,
			RemoteID:  row.RemoteID,
			Action:    row.Action,
			Details:   row.Details,
			CreatedAt: createdAt,
		})
	}
	return entries, nil
}

// StatusCounts returns the number of records per status.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w: %w", apperrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("status counts: %w: %w", apperrors.ErrStoreUnavailable, err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status counts: %w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return counts, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (r *fileRow) record() (*FileRecord, error) {
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", r.UpdatedAt, err)
	}
	return &FileRecord{
		RemoteID:              r.RemoteID,
		Path:                  r.Path,
		Fingerprint:           r.Fingerprint,
		SizeBytes:             r.SizeBytes,
		LastSyncedFingerprint: r.LastSyncedFingerprint,
		SinkDocumentID:        r.SinkDocumentID,
		Status:                Status(r.Status),
		LastError:             r.LastError,
		UpdatedAt:             updatedAt,
	}, nil
}
