package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorsync/mirrorsync/internal/config"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
)

// retentionCleanupInterval is how often a Runner purges expired trash and
// backup roots on both endpoints (spec §4.11 "retention cleanup timer").
const retentionCleanupInterval = time.Hour

// shutdownJoinTimeout bounds how long Stop waits for background goroutines
// before returning anyway, guaranteeing the process can exit (spec §4.11).
const shutdownJoinTimeout = 10 * time.Second

// Runner owns one task's endpoints, watchers, dispatcher, and state cache
// (spec C11 "Task Runner").
type Runner struct {
	cfg    config.TaskConfig
	store  *syncengine.Store
	logger *slog.Logger

	mode string // "one_way" | "two_way"

	a, b     builtEndpoint // two-way
	src, dst builtEndpoint // one-way

	reconciler *syncengine.Reconciler
	oneway     *syncengine.OneWaySyncer
	dispatcher *syncengine.Dispatcher

	// onewayEnqueue coalesces a Change into the dispatcher's pending set,
	// remembering enough of it (kind) for the handler to apply. Only set
	// in one-way mode.
	onewayEnqueue func(syncengine.Change)

	pollInterval time.Duration

	trashRetention, backupRetention int

	mu        sync.Mutex
	state     State
	lastErr   error
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner for cfg. It does no I/O; call Start to
// begin the two-phase startup.
func NewRunner(cfg config.TaskConfig, store *syncengine.Store, env config.EnvOverrides, logger *slog.Logger) (*Runner, error) {
	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("task: parsing poll_interval: %w", err)
	}

	batchDelay, err := time.ParseDuration(cfg.BatchDelay)
	if err != nil {
		return nil, fmt.Errorf("task: parsing batch_delay: %w", err)
	}

	eolPolicy := eolPolicyFromString(cfg.EOLPolicy)

	r := &Runner{
		cfg:             cfg,
		store:           store,
		logger:          logger.With(slog.String("task_id", cfg.ID)),
		mode:            cfg.Mode,
		pollInterval:    pollInterval,
		trashRetention:  cfg.TrashRetentionDays,
		backupRetention: cfg.BackupRetentionDays,
		state:           StateStopped,
	}

	switch cfg.Mode {
	case "two_way":
		a, err := buildEndpoint(cfg.A, env, cfg.Filter, cfg.TrashDir, cfg.BackupDir, logger)
		if err != nil {
			return nil, err
		}

		b, err := buildEndpoint(cfg.B, env, cfg.Filter, cfg.TrashDir, cfg.BackupDir, logger)
		if err != nil {
			return nil, err
		}

		r.a, r.b = a, b
		r.reconciler = syncengine.NewReconciler(cfg.ID, a.endpoint, b.endpoint, store, eolPolicy, r.logger)
		r.dispatcher = syncengine.NewDispatcher(r.reconciler.Reconcile, batchDelay, cfg.MaxWorkers, r.logger)

	case "one_way":
		src, err := buildEndpoint(cfg.Source, env, cfg.Filter, cfg.TrashDir, cfg.BackupDir, logger)
		if err != nil {
			return nil, err
		}

		dst, err := buildEndpoint(cfg.Target, env, cfg.Filter, cfg.TrashDir, cfg.BackupDir, logger)
		if err != nil {
			return nil, err
		}

		r.src, r.dst = src, dst
		r.oneway = syncengine.NewOneWaySyncer(cfg.ID, src.endpoint, dst.endpoint, eolPolicy, r.logger)

		changeQueue := make(map[string]syncengine.Change)
		var qmu sync.Mutex

		handler := func(ctx context.Context, relPath string) error {
			qmu.Lock()
			change, ok := changeQueue[relPath]
			delete(changeQueue, relPath)
			qmu.Unlock()

			if !ok {
				return nil
			}

			return r.oneway.Apply(ctx, change)
		}

		r.dispatcher = syncengine.NewDispatcher(handler, batchDelay, cfg.MaxWorkers, r.logger)
		r.onewayEnqueue = func(c syncengine.Change) {
			qmu.Lock()
			changeQueue[c.RelPath] = c
			qmu.Unlock()
			r.dispatcher.Enqueue(c.RelPath)
		}

	default:
		return nil, fmt.Errorf("task: unknown mode %q", cfg.Mode)
	}

	return r, nil
}

// Start performs the fast path synchronously (start the dispatcher and the
// local watchers) and launches the background path in a goroutine (spec
// §4.11 "Startup is two-phase"). It does not connect remote transports or
// check their host keys; each transport connects on its first operation.
func (r *Runner) Start(parent context.Context) error {
	r.mu.Lock()
	if r.state == StateRunning || r.state == StateStarting {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStarting
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.dispatcher.Start(ctx)

	localWatch, err := r.startLocalWatchers(ctx)
	if err != nil {
		cancel()
		r.setFailed(err)
		return err
	}

	r.mu.Lock()
	r.state = StateRunning
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.wg.Add(1)
	go r.backgroundPath(ctx, localWatch)

	r.logger.Info("task started", slog.String("mode", r.mode))

	return nil
}

// localWatcherSet names which sides got a local fsnotify watcher started
// during the fast path, so the background path knows which sides still
// need a remote watcher or poller.
type localWatcherSet struct {
	aLocal, bLocal bool // two-way: whether A/B are local
}

func (r *Runner) startLocalWatchers(ctx context.Context) (localWatcherSet, error) {
	var set localWatcherSet

	start := func(ep builtEndpoint, enqueue func(syncengine.Change)) bool {
		local, ok := ep.endpoint.(*syncengine.LocalEndpoint)
		if !ok {
			return false
		}

		w := syncengine.NewLocalWatcher(local.Root(), ep.filter, r.logger, nil)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()

			if err := w.Run(ctx, enqueue); err != nil {
				r.logger.Warn("local watcher exited", slog.String("error", err.Error()))
			}
		}()

		return true
	}

	switch r.mode {
	case "two_way":
		set.aLocal = start(r.a, func(c syncengine.Change) {
			r.onObserve(ctx, syncengine.SideA, c)
		})
		set.bLocal = start(r.b, func(c syncengine.Change) {
			r.onObserve(ctx, syncengine.SideB, c)
		})
	case "one_way":
		set.aLocal = start(r.src, r.onewayEnqueue)
	}

	return set, nil
}

func (r *Runner) onObserve(ctx context.Context, side syncengine.Side, c syncengine.Change) {
	ep := r.a.endpoint
	if side == syncengine.SideB {
		ep = r.b.endpoint
	}

	notice := syncengine.Notice{Side: side, RelPath: c.RelPath, ObservedAt: time.Now()}

	if c.Kind == syncengine.ChangeDeleted {
		notice.Deleted = true
	} else {
		meta, ok, err := ep.Stat(ctx, c.RelPath)
		if err != nil || !ok {
			return
		}

		notice.Meta = meta
	}

	if err := r.reconciler.Observe(ctx, notice, r.dispatcher.Enqueue); err != nil {
		r.logger.Warn("observe failed", slog.String("rel_path", c.RelPath), slog.String("error", err.Error()))
	}
}

// backgroundPath loads persisted state, starts remote watchers/pollers,
// runs the initial baseline if the state cache is empty, and starts the
// retention cleanup timer (spec §4.11 "Background path").
func (r *Runner) backgroundPath(ctx context.Context, set localWatcherSet) {
	defer r.wg.Done()

	empty, err := r.store.IsEmpty(ctx, r.cfg.ID)
	if err != nil {
		r.logger.Warn("checking state emptiness failed", slog.String("error", err.Error()))
	}

	if empty {
		r.runInitialBaseline(ctx)
	}

	switch r.mode {
	case "two_way":
		r.startRemoteSide(ctx, syncengine.SideA, r.a, set.aLocal)
		r.startRemoteSide(ctx, syncengine.SideB, r.b, set.bLocal)
	case "one_way":
		r.startOneWayRemote(ctx, set.aLocal)
	}

	r.wg.Add(1)
	go r.retentionLoop(ctx)
}

func (r *Runner) runInitialBaseline(ctx context.Context) {
	switch r.mode {
	case "two_way":
		if err := r.reconciler.Baseline(ctx, r.dispatcher.Enqueue); err != nil {
			r.logger.Warn("initial baseline failed", slog.String("error", err.Error()))
		}
	case "one_way":
		if err := r.oneway.FullSync(ctx); err != nil {
			r.logger.Warn("initial full sync failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) startRemoteSide(ctx context.Context, side syncengine.Side, ep builtEndpoint, alreadyLocal bool) {
	if alreadyLocal || ep.transport == nil {
		return
	}

	remote, ok := ep.endpoint.(*syncengine.RemoteEndpoint)
	if !ok {
		return
	}

	watcher := syncengine.NewRemoteWatcher(ep.transport, remote.Root(), ep.filter, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if watcher.Available(ctx) {
			err := watcher.Run(ctx, func(c syncengine.Change) { r.onObserve(ctx, side, c) })
			if err == nil || ctx.Err() != nil {
				return
			}

			r.logger.Info("remote watcher unavailable, falling back to poll scan", slog.String("error", err.Error()))
		}

		r.runPollScanner(ctx, side, ep)
	}()
}

func (r *Runner) runPollScanner(ctx context.Context, side syncengine.Side, ep builtEndpoint) {
	scanner := syncengine.NewPollScanner(ep.endpoint, r.pollInterval, r.logger)

	otherEndpoint := r.b.endpoint
	if side == syncengine.SideB {
		otherEndpoint = r.a.endpoint
	}

	// otherSide reports the other endpoint's current content hash so the
	// scanner can detect a silent edit that left size/mtime unchanged
	// (coarse-mtime compensation). The state cache holds no hash after a
	// baseline seed, so the hash is always computed fresh here rather than
	// trusted from the store.
	otherSide := func(ctx context.Context, relPath string) (string, bool) {
		state, ok, err := r.store.LoadFileState(ctx, r.cfg.ID, relPath)
		if err != nil || !ok {
			return "", false
		}

		deleted := state.BDeleted
		if side == syncengine.SideB {
			deleted = state.ADeleted
		}

		if deleted {
			return "", false
		}

		data, err := otherEndpoint.Read(ctx, relPath)
		if err != nil {
			return "", false
		}

		return syncengine.Hash(data), true
	}

	run := func(c syncengine.Change) { r.onObserve(ctx, side, c) }

	if err := scanner.Run(ctx, r.dispatcher.Syncing, otherSide, run); err != nil {
		r.logger.Warn("poll scanner exited", slog.String("error", err.Error()))
	}
}

func (r *Runner) startOneWayRemote(ctx context.Context, alreadyLocal bool) {
	if alreadyLocal || r.src.transport == nil {
		return
	}

	remote, ok := r.src.endpoint.(*syncengine.RemoteEndpoint)
	if !ok {
		return
	}

	watcher := syncengine.NewRemoteWatcher(r.src.transport, remote.Root(), r.src.filter, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if watcher.Available(ctx) {
			err := watcher.Run(ctx, r.onewayEnqueue)
			if err == nil || ctx.Err() != nil {
				return
			}

			r.logger.Info("remote watcher unavailable, falling back to tail scan", slog.String("error", err.Error()))
		}

		r.tailScanLoop(ctx)
	}()
}

func (r *Runner) tailScanLoop(ctx context.Context) {
	ticker := time.NewTicker(tailScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.dispatcher.Syncing() {
				continue
			}

			if err := r.oneway.TailScan(ctx, r.onewayEnqueue); err != nil {
				r.logger.Warn("tail scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runner) retentionLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(retentionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanupOnce(ctx)
		}
	}
}

func (r *Runner) cleanupOnce(ctx context.Context) {
	endpoints := []syncengine.Endpoint{}

	switch r.mode {
	case "two_way":
		endpoints = append(endpoints, r.a.endpoint, r.b.endpoint)
	case "one_way":
		endpoints = append(endpoints, r.src.endpoint, r.dst.endpoint)
	}

	for _, ep := range endpoints {
		if err := ep.Cleanup(ctx, r.trashRetention, r.backupRetention); err != nil {
			r.logger.Warn("retention cleanup failed", slog.String("root", ep.Root()), slog.String("error", err.Error()))
		}
	}
}

// Stop signals the background goroutines to exit, closes remote transports
// first so blocked network I/O unblocks quickly, then joins with a bounded
// timeout (spec §4.11 "Shutdown").
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.state != StateRunning && r.state != StateStarting {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	r.mu.Unlock()

	for _, ep := range []builtEndpoint{r.a, r.b, r.src, r.dst} {
		if ep.transport != nil {
			_ = ep.transport.Close()
		}
	}

	if r.cancel != nil {
		r.cancel()
	}

	r.dispatcher.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		r.logger.Warn("shutdown timed out waiting for background goroutines")
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	r.logger.Info("task stopped")

	return nil
}

// Sync forces a full baseline/resync regardless of watcher state, reusing
// the same reconciliation lock and suppression machinery as event-driven
// sync (spec §4.8 "Concurrency with user-triggered full sync").
func (r *Runner) Sync(ctx context.Context) error {
	switch r.mode {
	case "two_way":
		return r.reconciler.Baseline(ctx, r.dispatcher.Enqueue)
	case "one_way":
		return r.oneway.FullSync(ctx)
	default:
		return fmt.Errorf("task: unknown mode %q", r.mode)
	}
}

func (r *Runner) setFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateFailed
	r.lastErr = err
}

// Status returns a point-in-time snapshot of the runner's lifecycle state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		TaskID:    r.cfg.ID,
		Name:      r.cfg.Name,
		Mode:      r.mode,
		State:     r.state,
		StartedAt: r.startedAt,
	}

	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}

	return s
}
