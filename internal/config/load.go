package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and decodes a TOML config file at path, applying defaults for
// any unset field. A missing file is not an error: it returns DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	for i := range cfg.Tasks {
		applyTaskDefaults(&cfg.Tasks[i])
	}

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}

	return cfg, nil
}

// Validate checks a single task's config for the conditions that must fail
// task-start with ConfigInvalid (spec §7).
func (t *TaskConfig) Validate() error {
	switch t.Mode {
	case "one_way":
		if t.Source.Type == "" || t.Target.Type == "" {
			return fmt.Errorf("config: task %s: one_way mode requires source and target endpoints", t.ID)
		}
	case "two_way":
		if t.A.Type == "" || t.B.Type == "" {
			return fmt.Errorf("config: task %s: two_way mode requires endpoints a and b", t.ID)
		}
	default:
		return fmt.Errorf("config: task %s: unknown mode %q", t.ID, t.Mode)
	}

	return nil
}
