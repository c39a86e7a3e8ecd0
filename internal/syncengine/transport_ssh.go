package syncengine

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy controls how an unrecognized host key is handled on
// connect (spec §4.4).
type HostKeyPolicy string

const (
	HostKeyAuto   HostKeyPolicy = "auto"
	HostKeyWarn   HostKeyPolicy = "warn"
	HostKeyReject HostKeyPolicy = "reject"
)

const (
	sshConnectTimeout = 10 * time.Second
	sshOpTimeout      = 30 * time.Second
	sshKeepAlive      = 30 * time.Second
)

// SSHConfig describes how to reach and authenticate against a remote
// endpoint's host.
type SSHConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string // empty when using a key
	KeyPath        string // empty when using a password
	HostKeyPolicy  HostKeyPolicy
	KnownHostsPath string
}

// SSHTransport maintains a single authenticated SFTP session per endpoint,
// re-establishing it transparently on disconnect. All operations are
// serialized by ioMu because the SFTP protocol is not safe under
// concurrent invocation on one channel (spec §4.4), mirroring the
// paramiko-era _io_lock in the original transfer layer.
type SSHTransport struct {
	cfg    SSHConfig
	logger *slog.Logger

	ioMu   stdsync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// NewSSHTransport creates a transport without connecting. The session is
// opened on the first withSFTP or withSSHClient call.
func NewSSHTransport(cfg SSHConfig, logger *slog.Logger) *SSHTransport {
	return &SSHTransport{cfg: cfg, logger: logger}
}

// ensureConnectedLocked verifies the session is alive, reconnecting if not
// (spec §4.4 "ensure-connected check"). Callers must hold ioMu.
func (t *SSHTransport) ensureConnectedLocked() error {
	if t.client != nil {
		// A lightweight keepalive request doubles as a liveness probe.
		if _, _, err := t.client.SendRequest("keepalive@mirrorsync", true, nil); err == nil {
			return nil
		}

		t.closeLocked()
	}

	return t.connectLocked()
}

func (t *SSHTransport) connectLocked() error {
	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return NewError(KindHostKeyUnknown, "connect", t.cfg.Host, err)
	}

	auth, err := t.authMethods()
	if err != nil {
		return NewError(KindIOFailed, "connect", t.cfg.Host, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	conn, err := net.DialTimeout("tcp", addr, sshConnectTimeout)
	if err != nil {
		return NewError(KindRemoteDisconnected, "connect", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return NewError(KindRemoteDisconnected, "connect", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	go t.keepAlive(client)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return NewError(KindRemoteDisconnected, "connect", addr, err)
	}

	t.client = client
	t.sftp = sftpClient

	t.logger.Info("ssh transport connected",
		slog.String("host", t.cfg.Host),
		slog.Int("port", t.cfg.Port),
	)

	return nil
}

func (t *SSHTransport) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(sshKeepAlive)
	defer ticker.Stop()

	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@mirrorsync", true, nil); err != nil {
			return
		}
	}
}

func (t *SSHTransport) authMethods() ([]ssh.AuthMethod, error) {
	if t.cfg.KeyPath != "" {
		key, err := os.ReadFile(t.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}

		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	return []ssh.AuthMethod{ssh.Password(t.cfg.Password)}, nil
}

// hostKeyCallback builds a callback implementing the {auto, warn, reject}
// policy (spec §4.4). auto persists newly accepted keys to the known-hosts
// file; warn accepts but logs; reject refuses anything not already known.
func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := t.cfg.KnownHostsPath
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".mirrorsync", "known_hosts")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	if _, err := os.OpenFile(path, os.O_CREATE, 0o600); err != nil {
		return nil, err
	}

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}

	switch t.cfg.HostKeyPolicy {
	case HostKeyReject:
		return known, nil
	case HostKeyWarn:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := known(hostname, remote, key); err != nil {
				t.logger.Warn("unknown host key accepted under warn policy",
					slog.String("host", hostname), slog.String("error", err.Error()))
			}

			return nil
		}, nil
	default: // HostKeyAuto
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := known(hostname, remote, key); err == nil {
				return nil
			}

			return appendKnownHost(path, hostname, key)
		}, nil
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	line := knownhosts.Line([]string{hostname}, key)

	if _, err := w.WriteString(line + "\n"); err != nil {
		return err
	}

	return w.Flush()
}

func (t *SSHTransport) closeLocked() {
	if t.sftp != nil {
		_ = t.sftp.Close()
		t.sftp = nil
	}

	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

// Close tears down the session.
func (t *SSHTransport) Close() error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	t.closeLocked()

	return nil
}

// withSFTP serializes access to the sftp.Client, ensuring the connection is
// alive before handing it to fn.
func (t *SSHTransport) withSFTP(fn func(*sftp.Client) error) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if err := t.ensureConnectedLocked(); err != nil {
		return err
	}

	return fn(t.sftp)
}

// withSSHClient exposes the raw ssh.Client for RemoteWatcher's
// exec-channel use, holding ioMu so it stays serialized with SFTP traffic.
func (t *SSHTransport) withSSHClient(fn func(*ssh.Client) error) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	if err := t.ensureConnectedLocked(); err != nil {
		return err
	}

	return fn(t.client)
}
