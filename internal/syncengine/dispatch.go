package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// minDispatchWorkers is the floor for dispatcher concurrency, mirroring the
// worker pool's own floor.
const minDispatchWorkers = 4

// Handler executes the reconciliation action for one coalesced path. It is
// either Reconciler.Reconcile (two-way) or OneWaySyncer.Apply wrapped to
// take a path (one-way).
type Handler func(ctx context.Context, relPath string) error

// Dispatcher coalesces events arriving within batchDelay, de-duplicates by
// path, and executes up to maxWorkers in parallel (spec C10 "Batch
// Dispatcher").
type Dispatcher struct {
	handler    Handler
	batchDelay time.Duration
	maxWorkers int
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	ready   chan string

	inFlight map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher constructs a Dispatcher calling handler for each coalesced
// path, batching arrivals within batchDelay and running up to maxWorkers
// handlers concurrently.
func NewDispatcher(handler Handler, batchDelay time.Duration, maxWorkers int, logger *slog.Logger) *Dispatcher {
	if maxWorkers < minDispatchWorkers {
		maxWorkers = minDispatchWorkers
	}

	return &Dispatcher{
		handler:    handler,
		batchDelay: batchDelay,
		maxWorkers: maxWorkers,
		logger:     logger,
		pending:    make(map[string]struct{}),
		inFlight:   make(map[string]struct{}),
		ready:      make(chan string, 4096),
	}
}

// Start spawns the worker pool. Call Enqueue to feed it and Stop to drain.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)

		go d.worker(ctx)
	}

	d.logger.Info("dispatcher started", slog.Int("workers", d.maxWorkers))
}

// Stop cancels outstanding work and waits for every worker to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	d.wg.Wait()
}

// Enqueue schedules relPath for dispatch after the coalescing window. A
// path already pending or in flight is deduplicated: at most one
// reconciliation per path per window (spec C10 "de-duplicate by path").
func (d *Dispatcher) Enqueue(relPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[relPath] = struct{}{}

	if d.timer == nil {
		d.timer = time.AfterFunc(d.batchDelay, d.flush)
	}
}

// Syncing reports whether the dispatcher has a batch queued or in flight.
// Pollers call this to skip a tick rather than feed a reconciliation cycle
// that's already running (spec §4.10, §5 back-pressure).
func (d *Dispatcher) Syncing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending) > 0 || len(d.inFlight) > 0 || len(d.ready) > 0
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string]struct{})
	d.timer = nil
	d.mu.Unlock()

	for relPath := range batch {
		select {
		case d.ready <- relPath:
		default:
			d.logger.Warn("dispatcher queue full, dropping coalesced path", slog.String("rel_path", relPath))
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case relPath := <-d.ready:
			d.execute(ctx, relPath)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, relPath string) {
	d.mu.Lock()
	if _, busy := d.inFlight[relPath]; busy {
		// Another worker is already reconciling this path from a prior
		// batch; re-enqueue so it runs after the current one completes
		// rather than racing it.
		d.pending[relPath] = struct{}{}
		if d.timer == nil {
			d.timer = time.AfterFunc(d.batchDelay, d.flush)
		}
		d.mu.Unlock()

		return
	}

	d.inFlight[relPath] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, relPath)
		d.mu.Unlock()
	}()

	if err := d.handler(ctx, relPath); err != nil {
		d.logger.Warn("dispatch handler failed",
			slog.String("rel_path", relPath), slog.String("error", err.Error()))
	}
}
