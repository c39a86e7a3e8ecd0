package syncengine

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
)

// LocalEndpoint implements Endpoint over the local filesystem.
type LocalEndpoint struct {
	root      string
	filter    *Filter
	trashDir  string
	backupDir string
}

// NewLocalEndpoint creates a LocalEndpoint rooted at root. trashDir and
// backupDir are relative directory names under root and are always
// excluded from iteration (spec §4.1 internal dirs). Line-ending
// normalization is applied by the Reconciler/OneWaySyncer, not here: an
// endpoint only ever moves raw bytes.
func NewLocalEndpoint(root string, filter *Filter, trashDir, backupDir string) *LocalEndpoint {
	return &LocalEndpoint{
		root:      root,
		filter:    filter,
		trashDir:  trashDir,
		backupDir: backupDir,
	}
}

func (e *LocalEndpoint) Root() string { return e.root }

func (e *LocalEndpoint) abs(relPath string) string {
	return filepath.Join(e.root, filepath.FromSlash(relPath))
}

func (e *LocalEndpoint) Iterate(ctx context.Context, fn func(Entry) error) error {
	return filepath.WalkDir(e.root, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return NewError(KindIOFailed, "iterate", absPath, err)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if absPath == e.root {
			return nil
		}

		rel, relErr := filepath.Rel(e.root, absPath)
		if relErr != nil {
			return NewError(KindIOFailed, "iterate", absPath, relErr)
		}

		// Filenames decomposed by the OS (HFS+ stores NFD) must compare
		// equal to the composed form the remote side reports, or the same
		// logical file looks like two different paths (spec §4.1).
		rel = norm.NFC.String(filepath.ToSlash(rel))

		if d.IsDir() {
			if !e.filter.ShouldSync(rel) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if !e.filter.ShouldSync(rel) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return NewError(KindIOFailed, "iterate", absPath, statErr)
		}

		return fn(Entry{
			RelPath: rel,
			Meta:    Meta{Size: info.Size(), Mtime: info.ModTime()},
		})
	})
}

func (e *LocalEndpoint) Stat(_ context.Context, relPath string) (Meta, bool, error) {
	info, err := os.Stat(e.abs(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}

		return Meta{}, false, NewError(KindIOFailed, "stat", relPath, err)
	}

	return Meta{Size: info.Size(), Mtime: info.ModTime()}, true, nil
}

func (e *LocalEndpoint) Read(_ context.Context, relPath string) ([]byte, error) {
	data, err := os.ReadFile(e.abs(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(KindNotFound, "read", relPath, err)
		}

		return nil, NewError(KindIOFailed, "read", relPath, err)
	}

	return data, nil
}

func (e *LocalEndpoint) Write(_ context.Context, relPath string, data []byte, mtime time.Time) error {
	abs := e.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return NewError(KindIOFailed, "write", relPath, err)
	}

	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return NewError(KindIOFailed, "write", relPath, err)
	}

	if !mtime.IsZero() {
		_ = os.Chtimes(abs, mtime, mtime)
	}

	return nil
}

func (e *LocalEndpoint) CopyIn(_ context.Context, srcAbsPath, relPath string, mtime time.Time) error {
	abs := e.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return NewError(KindIOFailed, "copy_in", relPath, err)
	}

	if err := copyFile(srcAbsPath, abs); err != nil {
		return NewError(KindIOFailed, "copy_in", relPath, err)
	}

	if !mtime.IsZero() {
		_ = os.Chtimes(abs, mtime, mtime)
	}

	return nil
}

func (e *LocalEndpoint) Download(_ context.Context, relPath, dstAbsPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstAbsPath), 0o755); err != nil {
		return NewError(KindIOFailed, "download", relPath, err)
	}

	if err := copyFile(e.abs(relPath), dstAbsPath); err != nil {
		return NewError(KindIOFailed, "download", relPath, err)
	}

	return nil
}

func (e *LocalEndpoint) Upload(_ context.Context, srcAbsPath, relPath string, mtime time.Time) error {
	return e.CopyIn(context.Background(), srcAbsPath, relPath, mtime)
}

func (e *LocalEndpoint) MoveToTrash(_ context.Context, relPath, tsToken string) error {
	src := e.abs(relPath)
	dst := filepath.Join(e.root, e.trashDir, tsToken, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return NewError(KindIOFailed, "move_to_trash", relPath, err)
	}

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return NewError(KindNotFound, "move_to_trash", relPath, err)
		}

		return NewError(KindIOFailed, "move_to_trash", relPath, err)
	}

	return nil
}

func (e *LocalEndpoint) Backup(_ context.Context, relPath, tsToken string) error {
	src := e.abs(relPath)
	dst := filepath.Join(e.root, e.backupDir, tsToken, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return NewError(KindIOFailed, "backup", relPath, err)
	}

	if err := copyFile(src, dst); err != nil {
		if os.IsNotExist(err) {
			return NewError(KindNotFound, "backup", relPath, err)
		}

		return NewError(KindIOFailed, "backup", relPath, err)
	}

	return nil
}

func (e *LocalEndpoint) Cleanup(_ context.Context, trashDays, backupDays int) error {
	now := time.Now()

	if err := cleanupDir(filepath.Join(e.root, e.trashDir), trashDays, now); err != nil {
		return err
	}

	return cleanupDir(filepath.Join(e.root, e.backupDir), backupDays, now)
}

// cleanupDir removes timestamp-token subdirectories of dir older than
// retentionDays, falling back to directory mtime for unparseable names
// (spec §4.3, grounded on the original cleanup sweep).
func cleanupDir(dir string, retentionDays int, now time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return NewError(KindIOFailed, "cleanup", dir, err)
	}

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}

		effective, ok := parseTimestampToken(ent.Name())
		if !ok {
			info, infoErr := ent.Info()
			if infoErr != nil {
				continue
			}

			effective = info.ModTime()
		}

		if isExpired(effective, retentionDays, now) {
			_ = os.RemoveAll(filepath.Join(dir, ent.Name()))
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Close()
}
