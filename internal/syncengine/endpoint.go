package syncengine

import (
	"context"
	"time"
)

// Entry is one file discovered while iterating an Endpoint.
type Entry struct {
	RelPath string
	Meta    Meta
	IsDir   bool
}

// Endpoint is the uniform, polymorphic file-operation surface shared by
// Local and Remote variants (spec §4.3). Implementations return *Error with
// a Kind from errors.go; callers use errors.Is against the Err* sentinels.
type Endpoint interface {
	// Iterate streams every non-filtered file under the endpoint root.
	// fn returning a non-nil error stops iteration and propagates.
	Iterate(ctx context.Context, fn func(Entry) error) error

	// Stat returns the meta for relPath, or (Meta{}, false, nil) if absent.
	Stat(ctx context.Context, relPath string) (Meta, bool, error)

	Read(ctx context.Context, relPath string) ([]byte, error)
	Write(ctx context.Context, relPath string, data []byte, mtime time.Time) error

	// CopyIn copies a file already resident on the local filesystem into
	// the endpoint without buffering through Read/Write (local optimization).
	CopyIn(ctx context.Context, srcAbsPath, relPath string, mtime time.Time) error

	// Download copies relPath from the endpoint to a local filesystem path
	// (remote optimization; identical to Read+write-to-disk on Local).
	Download(ctx context.Context, relPath, dstAbsPath string) error

	// Upload copies a local filesystem path into the endpoint at relPath
	// (remote optimization; identical to read-from-disk+Write on Local).
	Upload(ctx context.Context, srcAbsPath, relPath string, mtime time.Time) error

	// MoveToTrash atomically relocates relPath under
	// <trash_dir>/<tsToken>/<rel_path>.
	MoveToTrash(ctx context.Context, relPath, tsToken string) error

	// Backup snapshot-copies relPath into <backup_dir>/<tsToken>/<rel_path>.
	Backup(ctx context.Context, relPath, tsToken string) error

	// Cleanup deletes trash/backup timestamp roots older than the given
	// retention windows.
	Cleanup(ctx context.Context, trashDays, backupDays int) error

	// Root returns the endpoint's root directory, for logging.
	Root() string
}

// tsLayout is the on-disk timestamp-token format for trash/backup roots
// (spec §6 "On-disk conventions").
const tsLayout = "20060102_150405"

// NewTimestampToken formats now per tsLayout.
func NewTimestampToken(now time.Time) string {
	return now.Format(tsLayout)
}
