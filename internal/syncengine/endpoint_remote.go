package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/text/unicode/norm"
)

// RemoteEndpoint implements Endpoint over a persistent SFTP session.
type RemoteEndpoint struct {
	transport *SSHTransport
	root      string
	filter    *Filter
	trashDir  string
	backupDir string
}

// NewRemoteEndpoint creates a RemoteEndpoint rooted at root on the far side
// of transport.
func NewRemoteEndpoint(transport *SSHTransport, root string, filter *Filter, trashDir, backupDir string) *RemoteEndpoint {
	return &RemoteEndpoint{
		transport: transport,
		root:      root,
		filter:    filter,
		trashDir:  trashDir,
		backupDir: backupDir,
	}
}

func (e *RemoteEndpoint) Root() string { return e.root }

func (e *RemoteEndpoint) remotePath(relPath string) string {
	return path.Join(e.root, relPath)
}

// Iterate lists the tree with an explicit stack rather than recursive
// function calls, so a single huge listing streams instead of being
// materialized all at once (spec §4.4).
func (e *RemoteEndpoint) Iterate(ctx context.Context, fn func(Entry) error) error {
	return e.transport.withSFTP(func(c *sftp.Client) error {
		stack := []string{e.root}

		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}

			dir := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			infos, err := c.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}

				return NewError(KindIOFailed, "iterate", dir, err)
			}

			for _, info := range infos {
				absPath := path.Join(dir, info.Name())

				rel, relErr := relPosix(e.root, absPath)
				if relErr != nil {
					return NewError(KindIOFailed, "iterate", absPath, relErr)
				}

				rel = norm.NFC.String(rel)

				if info.IsDir() {
					if e.filter.ShouldSync(rel) {
						stack = append(stack, absPath)
					}

					continue
				}

				if !info.Mode().IsRegular() {
					continue
				}

				if !e.filter.ShouldSync(rel) {
					continue
				}

				if err := fn(Entry{
					RelPath: rel,
					Meta:    Meta{Size: info.Size(), Mtime: info.ModTime()},
				}); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func relPosix(root, absPath string) (string, error) {
	if !pathHasPrefix(absPath, root) {
		return "", fmt.Errorf("path %q escapes root %q", absPath, root)
	}

	rel := absPath[len(root):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}

	return rel, nil
}

func pathHasPrefix(p, prefix string) bool {
	if len(p) < len(prefix) {
		return false
	}

	return p[:len(prefix)] == prefix
}

func (e *RemoteEndpoint) Stat(_ context.Context, relPath string) (Meta, bool, error) {
	var meta Meta
	var found bool

	err := e.transport.withSFTP(func(c *sftp.Client) error {
		info, statErr := c.Stat(e.remotePath(relPath))
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return nil
			}

			return NewError(KindIOFailed, "stat", relPath, statErr)
		}

		found = true
		meta = Meta{Size: info.Size(), Mtime: info.ModTime()}

		return nil
	})

	return meta, found, err
}

func (e *RemoteEndpoint) Read(_ context.Context, relPath string) ([]byte, error) {
	var buf bytes.Buffer

	err := e.transport.withSFTP(func(c *sftp.Client) error {
		f, openErr := c.Open(e.remotePath(relPath))
		if openErr != nil {
			if os.IsNotExist(openErr) {
				return NewError(KindNotFound, "read", relPath, openErr)
			}

			return NewError(KindIOFailed, "read", relPath, openErr)
		}
		defer f.Close()

		if _, copyErr := io.Copy(&buf, f); copyErr != nil {
			return NewError(KindIOFailed, "read", relPath, copyErr)
		}

		return nil
	})

	return buf.Bytes(), err
}

func (e *RemoteEndpoint) Write(_ context.Context, relPath string, data []byte, mtime time.Time) error {
	return e.transport.withSFTP(func(c *sftp.Client) error {
		dst := e.remotePath(relPath)

		if err := mkdirAllRemote(c, path.Dir(dst)); err != nil {
			return NewError(KindIOFailed, "write", relPath, err)
		}

		f, createErr := c.Create(dst)
		if createErr != nil {
			return NewError(KindIOFailed, "write", relPath, createErr)
		}
		defer f.Close()

		if _, writeErr := f.Write(data); writeErr != nil {
			return NewError(KindIOFailed, "write", relPath, writeErr)
		}

		if !mtime.IsZero() {
			_ = c.Chtimes(dst, mtime, mtime)
		}

		return nil
	})
}

func (e *RemoteEndpoint) CopyIn(ctx context.Context, srcAbsPath, relPath string, mtime time.Time) error {
	return e.Upload(ctx, srcAbsPath, relPath, mtime)
}

func (e *RemoteEndpoint) Download(_ context.Context, relPath, dstAbsPath string) error {
	return e.transport.withSFTP(func(c *sftp.Client) error {
		src, openErr := c.Open(e.remotePath(relPath))
		if openErr != nil {
			if os.IsNotExist(openErr) {
				return NewError(KindNotFound, "download", relPath, openErr)
			}

			return NewError(KindIOFailed, "download", relPath, openErr)
		}
		defer src.Close()

		if err := os.MkdirAll(path.Dir(dstAbsPath), 0o755); err != nil {
			return NewError(KindIOFailed, "download", relPath, err)
		}

		dst, createErr := os.OpenFile(dstAbsPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if createErr != nil {
			return NewError(KindIOFailed, "download", relPath, createErr)
		}
		defer dst.Close()

		if _, copyErr := io.Copy(dst, src); copyErr != nil {
			return NewError(KindIOFailed, "download", relPath, copyErr)
		}

		return nil
	})
}

func (e *RemoteEndpoint) Upload(_ context.Context, srcAbsPath, relPath string, mtime time.Time) error {
	return e.transport.withSFTP(func(c *sftp.Client) error {
		src, openErr := os.Open(srcAbsPath)
		if openErr != nil {
			return NewError(KindIOFailed, "upload", relPath, openErr)
		}
		defer src.Close()

		dst := e.remotePath(relPath)

		if err := mkdirAllRemote(c, path.Dir(dst)); err != nil {
			return NewError(KindIOFailed, "upload", relPath, err)
		}

		out, createErr := c.Create(dst)
		if createErr != nil {
			return NewError(KindIOFailed, "upload", relPath, createErr)
		}
		defer out.Close()

		if _, copyErr := io.Copy(out, src); copyErr != nil {
			return NewError(KindIOFailed, "upload", relPath, copyErr)
		}

		if !mtime.IsZero() {
			_ = c.Chtimes(dst, mtime, mtime)
		}

		return nil
	})
}

func (e *RemoteEndpoint) MoveToTrash(_ context.Context, relPath, tsToken string) error {
	return e.transport.withSFTP(func(c *sftp.Client) error {
		src := e.remotePath(relPath)
		dst := path.Join(e.root, e.trashDir, tsToken, relPath)

		if err := mkdirAllRemote(c, path.Dir(dst)); err != nil {
			return NewError(KindIOFailed, "move_to_trash", relPath, err)
		}

		// Remove any existing destination first, matching the original
		// transport's "remove destination, then rename" safety pattern for
		// atomic-rename semantics that don't tolerate an existing target.
		_ = c.Remove(dst)

		if err := c.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				return NewError(KindNotFound, "move_to_trash", relPath, err)
			}

			return NewError(KindIOFailed, "move_to_trash", relPath, err)
		}

		return nil
	})
}

func (e *RemoteEndpoint) Backup(ctx context.Context, relPath, tsToken string) error {
	data, err := e.Read(ctx, relPath)
	if err != nil {
		return err
	}

	return e.transport.withSFTP(func(c *sftp.Client) error {
		dst := path.Join(e.root, e.backupDir, tsToken, relPath)

		if mkErr := mkdirAllRemote(c, path.Dir(dst)); mkErr != nil {
			return NewError(KindIOFailed, "backup", relPath, mkErr)
		}

		f, createErr := c.Create(dst)
		if createErr != nil {
			return NewError(KindIOFailed, "backup", relPath, createErr)
		}
		defer f.Close()

		if _, writeErr := f.Write(data); writeErr != nil {
			return NewError(KindIOFailed, "backup", relPath, writeErr)
		}

		return nil
	})
}

func (e *RemoteEndpoint) Cleanup(_ context.Context, trashDays, backupDays int) error {
	now := time.Now()

	return e.transport.withSFTP(func(c *sftp.Client) error {
		if err := cleanupRemoteDir(c, path.Join(e.root, e.trashDir), trashDays, now); err != nil {
			return err
		}

		return cleanupRemoteDir(c, path.Join(e.root, e.backupDir), backupDays, now)
	})
}

func cleanupRemoteDir(c *sftp.Client, dir string, retentionDays int, now time.Time) error {
	infos, err := c.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return NewError(KindIOFailed, "cleanup", dir, err)
	}

	for _, info := range infos {
		if !info.IsDir() {
			continue
		}

		effective, ok := parseTimestampToken(info.Name())
		if !ok {
			effective = info.ModTime()
		}

		if isExpired(effective, retentionDays, now) {
			_ = c.RemoveAll(path.Join(dir, info.Name()))
		}
	}

	return nil
}

// mkdirAllRemote creates dir and all missing parents over SFTP.
func mkdirAllRemote(c *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	if info, err := c.Stat(dir); err == nil && info.IsDir() {
		return nil
	}

	if err := mkdirAllRemote(c, path.Dir(dir)); err != nil {
		return err
	}

	err := c.Mkdir(dir)
	if err != nil && !os.IsExist(err) {
		return err
	}

	return nil
}
