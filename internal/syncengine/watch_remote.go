package syncengine

import (
	"bufio"
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	remoteWatchRetries    = 5
	remoteWatchRetryDelay = 5 * time.Second
)

// remoteEventMap maps raw inotifywait event names to ChangeKind, per
// spec §4.6 ("close-write -> modified, move-from -> deleted, move-to ->
// created").
var remoteEventMap = map[string]ChangeKind{
	"CREATE":      ChangeCreated,
	"MODIFY":      ChangeModified,
	"CLOSE_WRITE":  ChangeModified,
	"DELETE":      ChangeDeleted,
	"MOVED_FROM":  ChangeDeleted,
	"MOVED_TO":    ChangeCreated,
	"ATTRIB":      ChangeModified,
}

// RemoteWatcher streams change notices for a remote endpoint. It prefers a
// persistent `inotifywait` command channel over the SSH session; when that
// is unavailable (tool missing, channel dies repeatedly) it falls back to
// PollScanner (spec §4.6).
type RemoteWatcher struct {
	transport *SSHTransport
	root      string
	filter    *Filter
	logger    *slog.Logger
}

// NewRemoteWatcher constructs a RemoteWatcher.
func NewRemoteWatcher(transport *SSHTransport, root string, filter *Filter, logger *slog.Logger) *RemoteWatcher {
	return &RemoteWatcher{transport: transport, root: root, filter: filter, logger: logger}
}

// Available reports whether inotifywait is installed on the remote host.
func (w *RemoteWatcher) Available(_ context.Context) bool {
	var ok bool

	_ = w.transport.withSSHClient(func(c *ssh.Client) error {
		session, err := c.NewSession()
		if err != nil {
			return err
		}
		defer session.Close()

		ok = session.Run("which inotifywait") == nil

		return nil
	})

	return ok
}

func (w *RemoteWatcher) buildCommand() string {
	var b strings.Builder

	b.WriteString("inotifywait -m -r --format '%w%f|%e' ")
	b.WriteString("-e create,modify,delete,move,close_write,attrib ")
	b.WriteString("--exclude '(\\.synctrash|\\.syncbackup|\\.git|__pycache__)' ")
	b.WriteString(path.Clean(w.root))

	return b.String()
}

// Run streams inotify events until ctx is cancelled, retrying the channel
// up to remoteWatchRetries times with a backoff delay between attempts
// (spec §4.6). Once the retries are exhausted it returns a
// KindRemoteDisconnected error, which callers treat as the signal to fall
// back to polling; it returns nil when ctx is cancelled or the channel
// ends cleanly.
func (w *RemoteWatcher) Run(ctx context.Context, sink func(Change)) error {
	for attempt := 0; attempt < remoteWatchRetries; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.runOnce(ctx, sink); err != nil {
			w.logger.Warn("remote watcher channel failed, retrying",
				slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(remoteWatchRetryDelay):
			}

			continue
		}

		return nil
	}

	return NewError(KindRemoteDisconnected, "watch_remote", w.root, errRemoteWatchExhausted)
}

func (w *RemoteWatcher) runOnce(ctx context.Context, sink func(Change)) error {
	return w.transport.withSSHClient(func(c *ssh.Client) error {
		session, err := c.NewSession()
		if err != nil {
			return err
		}
		defer session.Close()

		stdout, err := session.StdoutPipe()
		if err != nil {
			return err
		}

		if err := session.Start(w.buildCommand()); err != nil {
			return err
		}

		done := make(chan struct{})

		go func() {
			defer close(done)

			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				w.processLine(scanner.Text(), sink)
			}
		}()

		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			<-done

			return nil
		case <-done:
			return session.Wait()
		}
	})
}

// processLine parses a `path|EVENT1,EVENT2` line, splitting compound event
// sets into one logical change per path per arrival (spec §4.6).
func (w *RemoteWatcher) processLine(line string, sink func(Change)) {
	idx := strings.LastIndex(line, "|")
	if idx < 0 {
		return
	}

	absPath := line[:idx]
	events := strings.Split(line[idx+1:], ",")

	rel, err := relPosix(w.root, absPath)
	if err != nil || !w.filter.ShouldSync(rel) {
		return
	}

	seen := map[ChangeKind]bool{}

	for _, raw := range events {
		kind, ok := remoteEventMap[strings.TrimSpace(raw)]
		if !ok || seen[kind] {
			continue
		}

		seen[kind] = true
		sink(Change{RelPath: rel, Kind: kind})
	}
}

var errRemoteWatchExhausted = sentinelErr("remote watcher: retries exhausted")

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }
