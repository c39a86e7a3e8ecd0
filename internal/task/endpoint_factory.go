// Package task owns the lifecycle of individual sync tasks (the Task
// Runner, C11) and the process-wide registry of them (the Task Manager,
// C12).
package task

import (
	"fmt"
	"log/slog"

	"github.com/mirrorsync/mirrorsync/internal/config"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
)

func eolPolicyFromString(s string) syncengine.EOLPolicy {
	switch s {
	case "lf":
		return syncengine.EOLLF
	case "crlf":
		return syncengine.EOLCRLF
	default:
		return syncengine.EOLKeep
	}
}

func hostKeyPolicyFromString(s string) syncengine.HostKeyPolicy {
	switch s {
	case "warn":
		return syncengine.HostKeyPolicy("warn")
	case "reject":
		return syncengine.HostKeyPolicy("reject")
	default:
		return syncengine.HostKeyPolicy("auto")
	}
}

// newFilter builds the Filter for one endpoint. root enables the
// per-directory marker-file layer (spec §4.1); pass "" for a non-local
// endpoint, where there is no local filesystem to read marker files from.
func newFilter(f config.FilterConfig, trashDir, backupDir, root string) *syncengine.Filter {
	internalDirs := []string{trashDir, backupDir, ".git"}

	return syncengine.NewFilter(f.ExcludePatterns, f.AllowedExtensions, internalDirs, root, f.IgnoreMarker)
}

// builtEndpoint bundles the constructed Endpoint with its own Filter and
// the SSH transport backing it, if any, so the Runner can close the
// transport first on shutdown (spec §4.11 "close remote transports
// first").
type builtEndpoint struct {
	endpoint  syncengine.Endpoint
	filter    *syncengine.Filter
	transport *syncengine.SSHTransport
}

func buildEndpoint(ec config.EndpointConfig, env config.EnvOverrides, filterCfg config.FilterConfig, trashDir, backupDir string, logger *slog.Logger) (builtEndpoint, error) {
	switch ec.Type {
	case "local":
		filter := newFilter(filterCfg, trashDir, backupDir, ec.Path)

		return builtEndpoint{
			endpoint: syncengine.NewLocalEndpoint(ec.Path, filter, trashDir, backupDir),
			filter:   filter,
		}, nil

	case "remote":
		password := config.ResolveCredential(ec.CredentialRef, env)

		transport := syncengine.NewSSHTransport(syncengine.SSHConfig{
			Host:           ec.Host,
			Port:           ec.Port,
			Username:       ec.Username,
			Password:       password,
			KeyPath:        ec.KeyPath,
			HostKeyPolicy:  hostKeyPolicyFromString(ec.HostKeyPolicy),
			KnownHostsPath: ec.KnownHostsPath,
		}, logger)

		filter := newFilter(filterCfg, trashDir, backupDir, "")
		endpoint := syncengine.NewRemoteEndpoint(transport, ec.Path, filter, trashDir, backupDir)

		return builtEndpoint{endpoint: endpoint, filter: filter, transport: transport}, nil

	default:
		return builtEndpoint{}, fmt.Errorf("task: unknown endpoint type %q", ec.Type)
	}
}
