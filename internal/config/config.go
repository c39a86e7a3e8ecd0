// Package config implements TOML configuration loading, defaulting, and
// environment-variable overrides for the sync engine daemon.
package config

// Config is the top-level configuration structure decoded from TOML. It
// holds process-wide settings plus the array of persisted task definitions.
// Task defaults are applied field by field: each task field left at its
// zero value is filled from the corresponding Default* constant.
type Config struct {
	Tasks   []TaskConfig  `toml:"task"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// TaskConfig is the persisted definition of a single sync task.
type TaskConfig struct {
	ID       string           `toml:"id"`
	Name     string           `toml:"name"`
	Mode     string           `toml:"mode"` // "one_way" | "two_way"
	Enabled  bool             `toml:"enabled"`
	AutoStart bool            `toml:"auto_start"`
	Source   EndpointConfig   `toml:"source"` // one-way only
	Target   EndpointConfig   `toml:"target"` // one-way only
	A        EndpointConfig   `toml:"a"`      // two-way only
	B        EndpointConfig   `toml:"b"`      // two-way only
	Filter   FilterConfig     `toml:"filter"`
	EOLPolicy string          `toml:"eol_policy"` // "lf" | "crlf" | "keep"
	PollInterval string       `toml:"poll_interval"`
	BatchDelay   string       `toml:"batch_delay"`
	TrashDir     string       `toml:"trash_dir"`
	BackupDir    string       `toml:"backup_dir"`
	TrashRetentionDays  int   `toml:"trash_retention_days"`
	BackupRetentionDays int   `toml:"backup_retention_days"`
	MaxWorkers int            `toml:"max_workers"`
}

// EndpointConfig describes one side of a task: a local directory, or a
// remote directory reached over SSH/SFTP.
type EndpointConfig struct {
	Type           string `toml:"type"` // "local" | "remote"
	Path           string `toml:"path"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Username       string `toml:"username"`
	CredentialRef  string `toml:"credential_ref"`
	KeyPath        string `toml:"key_path"`
	HostKeyPolicy  string `toml:"host_key_policy"` // "auto" | "warn" | "reject"
	KnownHostsPath string `toml:"known_hosts_path"`
}

// FilterConfig controls which relative paths a task synchronizes.
type FilterConfig struct {
	ExcludePatterns   []string `toml:"exclude_patterns"`
	AllowedExtensions []string `toml:"allowed_extensions"`
	IgnoreMarker      string   `toml:"ignore_marker"`
}

// ServerConfig controls the control-plane HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	BearerToken  string `toml:"bearer_token"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

// LoggingConfig controls the root slog.Logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" | "json"
}
