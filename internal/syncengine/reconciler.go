package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Side identifies one peer of a two-way task.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

func (s Side) other() Side {
	if s == SideA {
		return SideB
	}

	return SideA
}

// suppressionWindow is how long a loser's own write is ignored if the
// watcher reports it back (spec §4.8 "Suppression window").
const suppressionWindow = 2 * time.Second

// Notice is one observation entering the Reconciler from a watcher or
// scanner (spec §4.8 "Observation entry points").
type Notice struct {
	Side      Side
	RelPath   string
	Meta      Meta // zero value when Deleted
	Deleted   bool
	ObservedAt time.Time
}

// Reconciler is the two-way state machine (C8). One instance per task.
type Reconciler struct {
	taskID    string
	a, b      Endpoint
	store     *Store
	logger    *slog.Logger
	eolPolicy EOLPolicy

	mu sync.Mutex // the per-task reconciliation lock

	suppressed map[string]time.Time // "side:rel_path" -> expiry
}

// NewReconciler constructs a Reconciler for taskID over endpoints a and b,
// backed by store. eolPolicy is the task's configured line-ending policy,
// applied to every content hash and write this Reconciler performs.
func NewReconciler(taskID string, a, b Endpoint, store *Store, eolPolicy EOLPolicy, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		taskID:     taskID,
		a:          a,
		b:          b,
		store:      store,
		logger:     logger,
		eolPolicy:  eolPolicy,
		suppressed: make(map[string]time.Time),
	}
}

func (r *Reconciler) endpoint(side Side) Endpoint {
	if side == SideA {
		return r.a
	}

	return r.b
}

func suppressKey(side Side, relPath string) string {
	return string(side) + ":" + relPath
}

// suppress marks (side, relPath) as our own write for suppressionWindow.
func (r *Reconciler) suppress(side Side, relPath string) {
	r.suppressed[suppressKey(side, relPath)] = time.Now().Add(suppressionWindow)
}

// isSuppressed reports and lazily evicts an expired suppression entry.
func (r *Reconciler) isSuppressed(side Side, relPath string) bool {
	key := suppressKey(side, relPath)

	expiry, ok := r.suppressed[key]
	if !ok {
		return false
	}

	if time.Now().After(expiry) {
		delete(r.suppressed, key)
		return false
	}

	return true
}

// Observe runs steps 1-4 of spec §4.8 under the reconciliation lock and,
// when the notice advances the state row, enqueues relPath via enqueue.
func (r *Reconciler) Observe(ctx context.Context, n Notice, enqueue func(relPath string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isSuppressed(n.Side, n.RelPath) {
		return nil
	}

	state, _, err := r.store.LoadFileState(ctx, r.taskID, n.RelPath)
	if err != nil {
		return err
	}

	sideMeta, sideDeleted := r.sideValues(state, n.Side)

	if n.Deleted && sideDeleted && sideMeta.IsZero() {
		return nil // already reflected
	}

	if !n.Deleted && !metaChanged(sideMeta, n.Meta) {
		// Same size/mtime (or hash); nothing to do. Coarse-mtime
		// compensation for remote endpoints lives in PollScanner, which
		// issues its own synthetic Modified notice once it detects a
		// hash mismatch, so there is nothing further to do here.
		return nil
	}

	if !n.Deleted {
		data, readErr := r.endpoint(n.Side).Read(ctx, n.RelPath)
		if readErr != nil {
			return readErr
		}

		isText := IsText(n.RelPath, sample(data))
		n.Meta.Hash = ContentHash(data, isText, r.eolPolicy)

		if sideMeta.Hash == n.Meta.Hash && !sideMeta.IsZero() {
			r.touchSeenAt(ctx, state, n.Side, n.ObservedAt)
			return nil
		}
	}

	r.setSideValues(&state, n.Side, n.Meta, n.Deleted, n.ObservedAt)
	state.TaskID = r.taskID
	state.RelPath = n.RelPath

	if err := r.store.SaveFileState(ctx, state); err != nil {
		return err
	}

	enqueue(n.RelPath)

	return nil
}

func sample(data []byte) []byte {
	const max = 8 * 1024
	if len(data) > max {
		return data[:max]
	}

	return data
}

func (r *Reconciler) sideValues(state FileState, side Side) (Meta, bool) {
	if side == SideA {
		return state.AMeta, state.ADeleted
	}

	return state.BMeta, state.BDeleted
}

func (r *Reconciler) setSideValues(state *FileState, side Side, meta Meta, deleted bool, seenAt time.Time) {
	if deleted {
		meta = Meta{}
	}

	if side == SideA {
		state.AMeta, state.ADeleted, state.ASeenAt = meta, deleted, seenAt
	} else {
		state.BMeta, state.BDeleted, state.BSeenAt = meta, deleted, seenAt
	}
}

func (r *Reconciler) touchSeenAt(ctx context.Context, state FileState, side Side, seenAt time.Time) {
	if side == SideA {
		state.ASeenAt = seenAt
	} else {
		state.BSeenAt = seenAt
	}

	state.TaskID = r.taskID

	if err := r.store.SaveFileState(ctx, state); err != nil {
		r.logger.Warn("failed to persist seen_at refresh",
			slog.String("rel_path", state.RelPath), slog.String("error", err.Error()))
	}
}

// Reconcile is the dispatcher worker's entry point for relPath (spec §4.8
// "Decision rule" and "Action by" table). It runs under the reconciliation
// lock so it never races a concurrent Observe for the same task.
func (r *Reconciler) Reconcile(ctx context.Context, relPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok, err := r.store.LoadFileState(ctx, r.taskID, relPath)
	if err != nil {
		return err
	}

	if !ok {
		return nil // stale enqueue, row has since been GC'd
	}

	aChanged := state.ASeenAt.After(state.LastSyncAt)
	bChanged := state.BSeenAt.After(state.LastSyncAt)

	if !aChanged && !bChanged {
		return nil
	}

	winner := SideA

	switch {
	case aChanged && bChanged:
		if state.BSeenAt.After(state.ASeenAt) {
			winner = SideB
		}
	case bChanged:
		winner = SideB
	}

	loser := winner.other()

	status := "success"
	errMsg := ""

	if err := r.applyAction(ctx, &state, winner, loser, relPath); err != nil {
		status = "failed"
		errMsg = err.Error()
	}

	now := time.Now()
	state.LastWinner = string(winner)
	state.LastSyncAt = now
	state.TaskID = r.taskID
	state.RelPath = relPath

	if saveErr := r.store.SaveFileState(ctx, state); saveErr != nil {
		return saveErr
	}

	logErr := r.store.AppendLog(ctx, LogEntry{
		TaskID: r.taskID, EventType: "reconcile", FilePath: relPath,
		Status: status, ErrorMessage: errMsg, SyncTime: now,
	})
	if logErr != nil {
		r.logger.Warn("failed to append log", slog.String("error", logErr.Error()))
	}

	if status == "failed" {
		return fmt.Errorf("syncengine: reconciling %s: %s", relPath, errMsg)
	}

	return nil
}

func (r *Reconciler) applyAction(ctx context.Context, state *FileState, winner, loser Side, relPath string) error {
	winnerMeta, winnerDeleted := r.sideValues(*state, winner)
	loserMeta, loserDeleted := r.sideValues(*state, loser)

	loserEndpoint := r.endpoint(loser)
	winnerEndpoint := r.endpoint(winner)

	ts := NewTimestampToken(time.Now())

	switch {
	case winnerDeleted && !loserDeleted && !loserMeta.IsZero():
		r.suppress(loser, relPath)

		if err := loserEndpoint.MoveToTrash(ctx, relPath, ts); err != nil {
			return err
		}

		r.setSideValues(state, loser, Meta{}, true, time.Now())

	case winnerDeleted:
		// loser absent or already tombstoned: nothing on disk to do.

	case loserDeleted || loserMeta.IsZero():
		data, err := winnerEndpoint.Read(ctx, relPath)
		if err != nil {
			return err
		}

		r.suppress(loser, relPath)

		normalized := r.normalizeForWrite(relPath, data)
		if err := loserEndpoint.Write(ctx, relPath, normalized, winnerMeta.Mtime); err != nil {
			return err
		}

		newMeta, _, err := loserEndpoint.Stat(ctx, relPath)
		if err != nil {
			return err
		}

		newMeta.Hash = ContentHash(normalized, IsText(relPath, sample(normalized)), r.eolPolicy)
		r.setSideValues(state, loser, newMeta, false, time.Now())

	case winnerMeta.Hash != "" && winnerMeta.Hash == loserMeta.Hash:
		// content-equivalent: refresh loser meta only, no write.
		r.setSideValues(state, loser, loserMeta, false, time.Now())

	default:
		if err := loserEndpoint.Backup(ctx, relPath, ts); err != nil {
			return err
		}

		data, err := winnerEndpoint.Read(ctx, relPath)
		if err != nil {
			return err
		}

		r.suppress(loser, relPath)

		normalized := r.normalizeForWrite(relPath, data)
		if err := loserEndpoint.Write(ctx, relPath, normalized, winnerMeta.Mtime); err != nil {
			return err
		}

		newMeta, _, err := loserEndpoint.Stat(ctx, relPath)
		if err != nil {
			return err
		}

		newMeta.Hash = ContentHash(normalized, IsText(relPath, sample(normalized)), r.eolPolicy)
		r.setSideValues(state, loser, newMeta, false, time.Now())
	}

	return nil
}

func (r *Reconciler) normalizeForWrite(relPath string, data []byte) []byte {
	if !IsText(relPath, sample(data)) {
		return data
	}

	return Normalize(data, r.eolPolicy)
}

// Baseline performs the first-ever-run enumeration of both endpoints and
// seeds a state row for every path seen. Paths present on both sides are
// recorded as already in sync; paths present on one side only are
// dispatched through enqueue (spec §4.8 "Initial baseline"). It is also the implementation of a
// user-triggered full sync: forcing re-baseline always obeys the same lock
// and suppression rules as event-driven reconciliation.
func (r *Reconciler) Baseline(ctx context.Context, enqueue func(relPath string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	runID := uuid.New().String()
	r.logger.Info("baseline starting", slog.String("task_id", r.taskID), slog.String("run_id", runID))

	aEntries := make(map[string]Entry)
	bEntries := make(map[string]Entry)

	if err := r.a.Iterate(ctx, func(e Entry) error {
		aEntries[e.RelPath] = e
		return nil
	}); err != nil {
		return err
	}

	if err := r.b.Iterate(ctx, func(e Entry) error {
		bEntries[e.RelPath] = e
		return nil
	}); err != nil {
		return err
	}

	now := time.Now()

	seen := make(map[string]struct{}, len(aEntries)+len(bEntries))
	for relPath := range aEntries {
		seen[relPath] = struct{}{}
	}

	for relPath := range bEntries {
		seen[relPath] = struct{}{}
	}

	for relPath := range seen {
		aEntry, aOK := aEntries[relPath]
		bEntry, bOK := bEntries[relPath]

		state := FileState{TaskID: r.taskID, RelPath: relPath}

		switch {
		case aOK && !bOK:
			state.AMeta = aEntry.Meta
			state.ASeenAt = now
			state.BDeleted = true
		case bOK && !aOK:
			state.BMeta = bEntry.Meta
			state.BSeenAt = now
			state.ADeleted = true
		default:
			state.AMeta = aEntry.Meta
			state.BMeta = bEntry.Meta
			state.ASeenAt = now
			state.BSeenAt = now
			state.LastSyncAt = now
		}

		if err := r.store.SaveFileState(ctx, state); err != nil {
			return err
		}

		if state.LastSyncAt.IsZero() {
			enqueue(relPath)
		}
	}

	r.logger.Info("baseline complete", slog.String("task_id", r.taskID), slog.String("run_id", runID), slog.Int("paths_seen", len(seen)))

	return nil
}
