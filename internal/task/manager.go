package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mirrorsync/mirrorsync/internal/config"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
)

// Manager maintains task_id -> Runner and drives process-wide lifecycle:
// start/stop/restart, status queries, and auto-start on boot (spec C12
// "Task Manager"). There is exactly one Manager per process; the CLI's
// `run` command owns it and hands a pointer to the control-plane server
// rather than exposing it as a package-level singleton.
type Manager struct {
	store  *syncengine.Store
	env    config.EnvOverrides
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]config.TaskConfig
	runners map[string]*Runner
}

// NewManager constructs an empty Manager backed by store.
func NewManager(store *syncengine.Store, env config.EnvOverrides, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		env:     env,
		logger:  logger,
		configs: make(map[string]config.TaskConfig),
		runners: make(map[string]*Runner),
	}
}

// Register adds or replaces a task definition without starting it.
// AutoStart calls this for every task it is given before auto-starting.
func (m *Manager) Register(ctx context.Context, cfg config.TaskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[cfg.ID] = cfg

	return m.store.UpsertTask(ctx, cfg.ID, cfg.Name, cfg.Mode, cfg.Enabled, cfg.AutoStart)
}

// Start constructs and starts the Runner for taskID, replacing any
// previous instance. It is a no-op if the task is already running.
func (m *Manager) Start(ctx context.Context, taskID string) error {
	m.mu.Lock()
	cfg, ok := m.configs[taskID]
	existing := m.runners[taskID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("task: unknown task %q", taskID)
	}

	if existing != nil && existing.Status().State == StateRunning {
		return nil
	}

	runner, err := NewRunner(cfg, m.store, m.env, m.logger)
	if err != nil {
		return fmt.Errorf("task: constructing runner for %s: %w", taskID, err)
	}

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("task: starting %s: %w", taskID, err)
	}

	m.mu.Lock()
	m.runners[taskID] = runner
	m.mu.Unlock()

	return nil
}

// Stop stops the running task, if any.
func (m *Manager) Stop(taskID string) error {
	m.mu.Lock()
	runner, ok := m.runners[taskID]
	m.mu.Unlock()

	if !ok {
		return nil
	}

	return runner.Stop()
}

// Remove stops taskID if running and forgets its definition entirely. The
// caller is responsible for dropping it from the persisted config file.
func (m *Manager) Remove(taskID string) error {
	if err := m.Stop(taskID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runners, taskID)
	delete(m.configs, taskID)

	return nil
}

// Restart stops then starts taskID.
func (m *Manager) Restart(ctx context.Context, taskID string) error {
	if err := m.Stop(taskID); err != nil {
		return err
	}

	return m.Start(ctx, taskID)
}

// Sync forces a full sync on a running task.
func (m *Manager) Sync(ctx context.Context, taskID string) error {
	m.mu.Lock()
	runner, ok := m.runners[taskID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("task: %q is not running", taskID)
	}

	return runner.Sync(ctx)
}

// Status returns the current snapshot for taskID, or a stopped snapshot if
// it was registered but never started.
func (m *Manager) Status(taskID string) (Status, error) {
	m.mu.Lock()
	runner, ok := m.runners[taskID]
	cfg, cfgOK := m.configs[taskID]
	m.mu.Unlock()

	if ok {
		return runner.Status(), nil
	}

	if !cfgOK {
		return Status{}, fmt.Errorf("task: unknown task %q", taskID)
	}

	return Status{TaskID: cfg.ID, Name: cfg.Name, Mode: cfg.Mode, State: StateStopped}, nil
}

// List returns a status snapshot for every registered task.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.configs))

	for id, cfg := range m.configs {
		if runner, ok := m.runners[id]; ok {
			statuses = append(statuses, runner.Status())
			continue
		}

		statuses = append(statuses, Status{TaskID: cfg.ID, Name: cfg.Name, Mode: cfg.Mode, State: StateStopped})
	}

	return statuses
}

// AutoStart registers every task in cfgs and starts those flagged
// enabled AND auto_start (spec §4.12 "On process startup it auto-starts
// every task flagged enabled ∧ auto_start").
func (m *Manager) AutoStart(ctx context.Context, cfgs []config.TaskConfig) error {
	for _, cfg := range cfgs {
		if err := m.Register(ctx, cfg); err != nil {
			return err
		}
	}

	for _, cfg := range cfgs {
		if !cfg.Enabled || !cfg.AutoStart {
			continue
		}

		if err := m.Start(ctx, cfg.ID); err != nil {
			m.logger.Error("auto-start failed", slog.String("task_id", cfg.ID), slog.String("error", err.Error()))
		}
	}

	return nil
}

// StopAll stops every running task, used during process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Warn("stop failed during shutdown", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
}
