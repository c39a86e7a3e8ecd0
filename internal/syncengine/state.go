package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo
)

const (
	pragmaBusyTimeoutMS = 5000
	schemaVersion       = 2
)

// FileState is the in-memory and on-disk shape of one sync_file_state row
// (spec §3).
type FileState struct {
	TaskID     string
	RelPath    string
	AMeta      Meta
	BMeta      Meta
	ADeleted   bool
	BDeleted   bool
	ASeenAt    time.Time
	BSeenAt    time.Time
	LastWinner string // "a" | "b" | ""
	LastSyncAt time.Time
	UpdatedAt  time.Time
}

// LogEntry is one append-only sync_logs row (spec §3).
type LogEntry struct {
	TaskID       string
	EventType    string
	FilePath     string
	DestPath     string
	Status       string // "success" | "failed" | "skipped"
	ErrorMessage string
	SyncTime     time.Time
}

// Store is the durable per-task state backing the Reconciler (spec §4.7).
// Implemented over SQLite in WAL mode; callers are expected to serialize
// mutations for a given task via the reconciliation lock (Reconciler.mu),
// not this type.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the SQLite database at dbPath,
// applies the teacher's WAL/busy-timeout/foreign-key pragma tuning, and
// runs pending migrations.
func OpenStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("syncengine: opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer process-wide connection

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", pragmaBusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_size_limit = 67108864",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("syncengine: applying %q: %w", p, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// UpsertTask persists a task definition and its settings in one transaction.
func (s *Store) UpsertTask(ctx context.Context, id, name, mode string, enabled, autoStart bool) error {
	now := time.Now().UnixNano()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_tasks (id, name, mode, enabled, auto_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, mode=excluded.mode, enabled=excluded.enabled,
			auto_start=excluded.auto_start, updated_at=excluded.updated_at
	`, id, name, mode, boolToInt(enabled), boolToInt(autoStart), now, now)
	if err != nil {
		return fmt.Errorf("syncengine: upserting task %s: %w", id, err)
	}

	return nil
}

// AutoStartTaskIDs returns the ids of every task flagged enabled AND
// auto_start, for Task Manager bootstrap (spec §4.12).
func (s *Store) AutoStartTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sync_tasks WHERE enabled = 1 AND auto_start = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("syncengine: listing auto-start tasks: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// LoadFileState loads one row, returning ok=false on a miss (spec §4.8
// step 1: "create zero-row on miss" is the caller's responsibility).
func (s *Store) LoadFileState(ctx context.Context, taskID, relPath string) (FileState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a_meta, b_meta, a_deleted, b_deleted, a_seen_at, b_seen_at,
		       last_winner, last_sync_at, updated_at
		FROM sync_file_state WHERE task_id = ? AND rel_path = ?
	`, taskID, relPath)

	var aMetaJSON, bMetaJSON string
	var aDeleted, bDeleted int
	var aSeenAt, bSeenAt, lastSyncAt, updatedAt int64
	var lastWinner string

	err := row.Scan(&aMetaJSON, &bMetaJSON, &aDeleted, &bDeleted, &aSeenAt, &bSeenAt, &lastWinner, &lastSyncAt, &updatedAt)
	if err == sql.ErrNoRows {
		return FileState{TaskID: taskID, RelPath: relPath}, false, nil
	}

	if err != nil {
		return FileState{}, false, fmt.Errorf("syncengine: loading state %s/%s: %w", taskID, relPath, err)
	}

	aMeta, bMeta, decodeErr := decodeMetaPair(aMetaJSON, bMetaJSON)
	if decodeErr != nil {
		return FileState{}, false, decodeErr
	}

	return FileState{
		TaskID:     taskID,
		RelPath:    relPath,
		AMeta:      aMeta,
		BMeta:      bMeta,
		ADeleted:   aDeleted != 0,
		BDeleted:   bDeleted != 0,
		ASeenAt:    time.Unix(0, aSeenAt),
		BSeenAt:    time.Unix(0, bSeenAt),
		LastWinner: lastWinner,
		LastSyncAt: time.Unix(0, lastSyncAt),
		UpdatedAt:  time.Unix(0, updatedAt),
	}, true, nil
}

// SaveFileState persists a row, creating it if absent (spec §4.8 step 3).
func (s *Store) SaveFileState(ctx context.Context, fs FileState) error {
	aMetaJSON, bMetaJSON, err := encodeMetaPair(fs.AMeta, fs.BMeta)
	if err != nil {
		return err
	}

	now := time.Now().UnixNano()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_file_state
			(task_id, rel_path, a_meta, b_meta, a_deleted, b_deleted, a_seen_at, b_seen_at, last_winner, last_sync_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, rel_path) DO UPDATE SET
			a_meta=excluded.a_meta, b_meta=excluded.b_meta,
			a_deleted=excluded.a_deleted, b_deleted=excluded.b_deleted,
			a_seen_at=excluded.a_seen_at, b_seen_at=excluded.b_seen_at,
			last_winner=excluded.last_winner, last_sync_at=excluded.last_sync_at,
			updated_at=excluded.updated_at
	`,
		fs.TaskID, fs.RelPath, aMetaJSON, bMetaJSON,
		boolToInt(fs.ADeleted), boolToInt(fs.BDeleted),
		fs.ASeenAt.UnixNano(), fs.BSeenAt.UnixNano(),
		fs.LastWinner, fs.LastSyncAt.UnixNano(), now,
	)
	if err != nil {
		return fmt.Errorf("syncengine: saving state %s/%s: %w", fs.TaskID, fs.RelPath, err)
	}

	return nil
}

// DeleteFileState removes a row that has been fully garbage-collected
// (spec §3 invariant 3: both sides tombstoned and reflected).
func (s *Store) DeleteFileState(ctx context.Context, taskID, relPath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_file_state WHERE task_id = ? AND rel_path = ?`, taskID, relPath)
	if err != nil {
		return fmt.Errorf("syncengine: deleting state %s/%s: %w", taskID, relPath, err)
	}

	return nil
}

// ListGCEligible returns every row both of whose sides are tombstoned and
// reflected (seen_at <= last_sync_at on both sides), the condition spec §9
// permits (but does not require) garbage collection under.
func (s *Store) ListGCEligible(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rel_path FROM sync_file_state
		WHERE task_id = ? AND a_deleted = 1 AND b_deleted = 1
		  AND a_seen_at <= last_sync_at AND b_seen_at <= last_sync_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: listing gc-eligible rows: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}

		paths = append(paths, p)
	}

	return paths, rows.Err()
}

// IsEmpty reports whether a task has no file-state rows yet, the signal
// the Task Runner uses to decide whether to run the initial baseline
// (spec §4.11).
func (s *Store) IsEmpty(ctx context.Context, taskID string) (bool, error) {
	var count int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_file_state WHERE task_id = ?`, taskID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("syncengine: counting state rows: %w", err)
	}

	return count == 0, nil
}

// AppendLog inserts one sync_logs row.
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (task_id, event_type, file_path, dest_path, status, error_message, sync_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.TaskID, entry.EventType, entry.FilePath, entry.DestPath, entry.Status, entry.ErrorMessage, entry.SyncTime.UnixNano())
	if err != nil {
		return fmt.Errorf("syncengine: appending log: %w", err)
	}

	return nil
}

// RecentLogs returns up to limit most recent log rows for a task (task_id
// empty means all tasks), for the control plane's log-query endpoint.
func (s *Store) RecentLogs(ctx context.Context, taskID string, limit int) ([]LogEntry, error) {
	var rows *sql.Rows
	var err error

	if taskID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT task_id, event_type, file_path, dest_path, status, error_message, sync_time
			FROM sync_logs ORDER BY sync_time DESC LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT task_id, event_type, file_path, dest_path, status, error_message, sync_time
			FROM sync_logs WHERE task_id = ? ORDER BY sync_time DESC LIMIT ?
		`, taskID, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("syncengine: querying logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry

	for rows.Next() {
		var e LogEntry
		var destPath, errMsg sql.NullString
		var syncTime int64

		if err := rows.Scan(&e.TaskID, &e.EventType, &e.FilePath, &destPath, &e.Status, &errMsg, &syncTime); err != nil {
			return nil, err
		}

		e.DestPath = destPath.String
		e.ErrorMessage = errMsg.String
		e.SyncTime = time.Unix(0, syncTime)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

type metaJSON struct {
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Hash  string `json:"hash,omitempty"`
}

func encodeMeta(m Meta) (string, error) {
	var mtime int64
	if !m.Mtime.IsZero() {
		mtime = m.Mtime.UnixNano()
	}

	b, err := json.Marshal(metaJSON{Size: m.Size, Mtime: mtime, Hash: m.Hash})
	if err != nil {
		return "", fmt.Errorf("syncengine: encoding meta: %w", err)
	}

	return string(b), nil
}

func decodeMeta(raw string) (Meta, error) {
	if raw == "" || raw == "{}" {
		return Meta{}, nil
	}

	var mj metaJSON
	if err := json.Unmarshal([]byte(raw), &mj); err != nil {
		return Meta{}, fmt.Errorf("syncengine: decoding meta: %w", err)
	}

	var mtime time.Time
	if mj.Mtime != 0 {
		mtime = time.Unix(0, mj.Mtime)
	}

	return Meta{Size: mj.Size, Mtime: mtime, Hash: mj.Hash}, nil
}

func encodeMetaPair(a, b Meta) (string, string, error) {
	aJSON, err := encodeMeta(a)
	if err != nil {
		return "", "", err
	}

	bJSON, err := encodeMeta(b)
	if err != nil {
		return "", "", err
	}

	return aJSON, bJSON, nil
}

func decodeMetaPair(aRaw, bRaw string) (Meta, Meta, error) {
	a, err := decodeMeta(aRaw)
	if err != nil {
		return Meta{}, Meta{}, err
	}

	b, err := decodeMeta(bRaw)
	if err != nil {
		return Meta{}, Meta{}, err
	}

	return a, b, nil
}
