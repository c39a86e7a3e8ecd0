package config

// Default values for configuration options. These are layer zero of the
// override chain (env > CLI flag > file > default) and are chosen to work
// for most users without any config file at all.
const (
	DefaultPollInterval  = "5s"
	DefaultBatchDelay    = "500ms"
	DefaultTrashDir      = ".synctrash"
	DefaultBackupDir     = ".syncbackup"
	DefaultRetentionDays = 7
	DefaultMaxWorkers    = 8
	DefaultMinWorkers    = 4
	DefaultEOLPolicy     = "keep"
	DefaultIgnoreMarker  = ".syncignore"
	DefaultHostKeyPolicy = "auto"
	DefaultSSHPort       = 22

	defaultListenAddr   = "127.0.0.1:8787"
	defaultReadTimeout  = "10s"
	defaultWriteTimeout = "30s"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// DefaultConfig returns a Config populated with process-wide defaults and
// no tasks. Used as the fallback when no config file exists and as the
// starting point before TOML decoding overlays file contents.
func DefaultConfig() *Config {
	return &Config{
		Tasks: nil,
		Server: ServerConfig{
			ListenAddr:   defaultListenAddr,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// applyTaskDefaults fills zero-valued fields of a decoded TaskConfig with
// process defaults. Called after TOML decode for every task entry.
func applyTaskDefaults(t *TaskConfig) {
	if t.PollInterval == "" {
		t.PollInterval = DefaultPollInterval
	}

	if t.BatchDelay == "" {
		t.BatchDelay = DefaultBatchDelay
	}

	if t.TrashDir == "" {
		t.TrashDir = DefaultTrashDir
	}

	if t.BackupDir == "" {
		t.BackupDir = DefaultBackupDir
	}

	if t.TrashRetentionDays == 0 {
		t.TrashRetentionDays = DefaultRetentionDays
	}

	if t.BackupRetentionDays == 0 {
		t.BackupRetentionDays = DefaultRetentionDays
	}

	if t.MaxWorkers == 0 {
		t.MaxWorkers = DefaultMaxWorkers
	}

	if t.EOLPolicy == "" {
		t.EOLPolicy = DefaultEOLPolicy
	}

	if t.Filter.IgnoreMarker == "" {
		t.Filter.IgnoreMarker = DefaultIgnoreMarker
	}

	applyEndpointDefaults(&t.Source)
	applyEndpointDefaults(&t.Target)
	applyEndpointDefaults(&t.A)
	applyEndpointDefaults(&t.B)
}

func applyEndpointDefaults(e *EndpointConfig) {
	if e.Type == "" {
		return
	}

	if e.Port == 0 {
		e.Port = DefaultSSHPort
	}

	if e.HostKeyPolicy == "" {
		e.HostKeyPolicy = DefaultHostKeyPolicy
	}
}
