// Package ledger is the transactional record of outbox files and the
// authority on each file's state. Every file discovered by the watchdog is
// registered here exactly once (source_path is unique), and the conditional
// one-row claim update is the single point of mutual exclusion between
// would-be processors of the same file.
//
// State machine, one direction only:
//
//	pending -> processing -> delivered | failed -> archived
//
// Crash recovery may reset processing -> pending once at startup.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Status of a ledger row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// ErrBadState reports a state transition whose WHERE clause matched no row.
var ErrBadState = errors.New("ledger row not in expected state")

// FileRecord is one ledger row.
type FileRecord struct {
	FileID        string
	SourcePath    string
	SymlinkPath   string
	AgentName     string
	MessageType   string
	Size          int64
	ContentHash   string
	MtimeNs       int64
	Inode         uint64
	Status        Status
	FailureReason string
	CreatedAt     int64 // ms since epoch
	ProcessedAt   int64 // ms since epoch, 0 until processed
	ArchivePath   string
}

// RegisterParams are the inputs to RegisterFile. SourcePath must already be
// canonical (symlinks resolved by the caller).
type RegisterParams struct {
	SourcePath  string
	SymlinkPath string
	AgentName   string
	MessageType string
	Size        int64
	ContentHash string
	MtimeNs     int64
	Inode       uint64
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Success bool
	Record  *FileRecord
	Reason  string
}

// Stats is a per-status row count.
type Stats struct {
	Pending    int
	Processing int
	Delivered  int
	Failed     int
	Archived   int
}

const schema = `
CREATE TABLE IF NOT EXISTS relay_files (
	file_id        TEXT PRIMARY KEY,
	source_path    TEXT NOT NULL UNIQUE,
	symlink_path   TEXT,
	agent_name     TEXT NOT NULL,
	message_type   TEXT NOT NULL,
	size           INTEGER NOT NULL,
	content_hash   TEXT,
	mtime_ns       INTEGER,
	inode          INTEGER,
	status         TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending','processing','delivered','failed','archived')),
	failure_reason TEXT,
	created_at     INTEGER NOT NULL,
	processed_at   INTEGER,
	archive_path   TEXT
);
CREATE INDEX IF NOT EXISTS idx_relay_files_status ON relay_files(status);
CREATE TABLE IF NOT EXISTS relay_state (
	key   TEXT PRIMARY KEY,
	value TEXT
);
`

// Ledger wraps the SQLite database. Safe for concurrent use; SQLite's own
// locking plus the conditional updates provide the claim atomicity.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// claims; reads still interleave through the same connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RegisterFile inserts a pending row for the canonical path, or returns the
// existing row's id. The unique index on source_path serializes duplicate
// registrations from racing watchers.
func (l *Ledger) RegisterFile(p RegisterParams) (string, error) {
	fileID := ulid.Make().String()
	now := time.Now().UnixMilli()

	res, err := l.db.Exec(`
		INSERT INTO relay_files
			(file_id, source_path, symlink_path, agent_name, message_type,
			 size, content_hash, mtime_ns, inode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(source_path) DO NOTHING`,
		fileID, p.SourcePath, p.SymlinkPath, p.AgentName, p.MessageType,
		p.Size, p.ContentHash, p.MtimeNs, p.Inode, now)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", p.SourcePath, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return fileID, nil
	}

	// Already registered: return the existing id.
	var existing string
	err = l.db.QueryRow(
		`SELECT file_id FROM relay_files WHERE source_path = ?`,
		p.SourcePath).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("lookup existing registration %s: %w", p.SourcePath, err)
	}
	return existing, nil
}

// ClaimFile atomically transitions pending -> processing. Exactly one of any
// number of concurrent claimers succeeds; the rest get {Success:false,
// Reason:"not_pending"}.
func (l *Ledger) ClaimFile(fileID string) (ClaimResult, error) {
	res, err := l.db.Exec(`
		UPDATE relay_files SET status = 'processing'
		WHERE file_id = ? AND status = 'pending'`, fileID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", fileID, err)
	}
	if n != 1 {
		return ClaimResult{Success: false, Reason: "not_pending"}, nil
	}
	rec, err := l.GetByID(fileID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Success: true, Record: rec}, nil
}

// MarkDelivered transitions processing -> delivered.
func (l *Ledger) MarkDelivered(fileID string) error {
	return l.transition(fileID, `
		UPDATE relay_files SET status = 'delivered', processed_at = ?
		WHERE file_id = ? AND status = 'processing'`)
}

// MarkFailed transitions pending|processing -> failed with a reason.
func (l *Ledger) MarkFailed(fileID, reason string) error {
	now := time.Now().UnixMilli()
	res, err := l.db.Exec(`
		UPDATE relay_files SET status = 'failed', failure_reason = ?, processed_at = ?
		WHERE file_id = ? AND status IN ('pending','processing')`,
		reason, now, fileID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark failed %s: %w", fileID, ErrBadState)
	}
	return nil
}

// MarkArchived transitions delivered|failed -> archived and records where
// the file went.
func (l *Ledger) MarkArchived(fileID, archivePath string) error {
	now := time.Now().UnixMilli()
	res, err := l.db.Exec(`
		UPDATE relay_files SET status = 'archived', archive_path = ?, processed_at = ?
		WHERE file_id = ? AND status IN ('delivered','failed')`,
		archivePath, now, fileID)
	if err != nil {
		return fmt.Errorf("mark archived %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark archived %s: %w", fileID, ErrBadState)
	}
	return nil
}

func (l *Ledger) transition(fileID, query string) error {
	now := time.Now().UnixMilli()
	res, err := l.db.Exec(query, now, fileID)
	if err != nil {
		return fmt.Errorf("transition %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("transition %s: %w", fileID, ErrBadState)
	}
	return nil
}

// ResetProcessingFiles returns every processing row to pending. Run once at
// daemon startup; this is the only legal backwards transition, and it is
// idempotent on a quiescent ledger.
func (l *Ledger) ResetProcessingFiles() (int, error) {
	res, err := l.db.Exec(`
		UPDATE relay_files SET status = 'pending'
		WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("reset processing files: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReconcileWithFilesystem marks every non-archived row whose source path has
// vanished as failed, and returns how many it failed.
func (l *Ledger) ReconcileWithFilesystem() (int, error) {
	rows, err := l.db.Query(`
		SELECT file_id, source_path FROM relay_files
		WHERE status IN ('pending','processing')`)
	if err != nil {
		return 0, fmt.Errorf("reconcile scan: %w", err)
	}
	type row struct{ id, path string }
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("reconcile scan: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	failed := 0
	for _, r := range candidates {
		if _, err := os.Lstat(r.path); err == nil || !os.IsNotExist(err) {
			continue
		}
		if err := l.MarkFailed(r.id, "missing"); err != nil {
			if errors.Is(err, ErrBadState) {
				continue // state moved under us; not our row anymore
			}
			return failed, err
		}
		failed++
	}
	return failed, nil
}

// GetPendingFiles returns pending rows, oldest first. limit <= 0 means all.
func (l *Ledger) GetPendingFiles(limit int) ([]*FileRecord, error) {
	query := `SELECT ` + columns + ` FROM relay_files WHERE status = 'pending' ORDER BY created_at ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.queryRecords(query, args...)
}

// StaleRegistered returns pending rows registered before cutoff that still
// have no processing history; the watchdog emits file:stale for them once.
func (l *Ledger) StaleRegistered(cutoff time.Time) ([]*FileRecord, error) {
	return l.queryRecords(
		`SELECT `+columns+` FROM relay_files
		 WHERE status = 'pending' AND created_at < ?
		 ORDER BY created_at ASC`,
		cutoff.UnixMilli())
}

// GetByID returns one row.
func (l *Ledger) GetByID(fileID string) (*FileRecord, error) {
	recs, err := l.queryRecords(
		`SELECT `+columns+` FROM relay_files WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("ledger row %s not found", fileID)
	}
	return recs[0], nil
}

// IsFileRegistered reports whether the canonical path has a row.
func (l *Ledger) IsFileRegistered(path string) (bool, error) {
	var one int
	err := l.db.QueryRow(
		`SELECT 1 FROM relay_files WHERE source_path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registration check %s: %w", path, err)
	}
	return true, nil
}

// GetStats returns per-status row counts.
func (l *Ledger) GetStats() (Stats, error) {
	rows, err := l.db.Query(`SELECT status, COUNT(*) FROM relay_files GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("ledger stats: %w", err)
		}
		switch status {
		case StatusPending:
			s.Pending = count
		case StatusProcessing:
			s.Processing = count
		case StatusDelivered:
			s.Delivered = count
		case StatusFailed:
			s.Failed = count
		case StatusArchived:
			s.Archived = count
		}
	}
	return s, rows.Err()
}

// CleanupArchivedRecords purges archived rows older than retention and
// returns how many were removed.
func (l *Ledger) CleanupArchivedRecords(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.Exec(`
		DELETE FROM relay_files
		WHERE status = 'archived' AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup archived records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const columns = `file_id, source_path, COALESCE(symlink_path,''), agent_name,
	message_type, size, COALESCE(content_hash,''), COALESCE(mtime_ns,0),
	COALESCE(inode,0), status, COALESCE(failure_reason,''), created_at,
	COALESCE(processed_at,0), COALESCE(archive_path,'')`

func (l *Ledger) queryRecords(query string, args ...interface{}) ([]*FileRecord, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		var r FileRecord
		err := rows.Scan(&r.FileID, &r.SourcePath, &r.SymlinkPath, &r.AgentName,
			&r.MessageType, &r.Size, &r.ContentHash, &r.MtimeNs, &r.Inode,
			&r.Status, &r.FailureReason, &r.CreatedAt, &r.ProcessedAt, &r.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
