package syncengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// tailScanInterval is how often the One-Way Syncer re-walks the source to
// close holes in watcher delivery (spec §4.9).
const tailScanInterval = 5 * time.Second

// OneWaySyncer applies every observed change on source to target,
// source-wins, no reconciliation lock contention with a peer (spec §4.9).
type OneWaySyncer struct {
	taskID         string
	source, target Endpoint
	logger         *slog.Logger
	eolPolicy      EOLPolicy

	lastMtime map[string]time.Time
}

// NewOneWaySyncer constructs a OneWaySyncer for taskID copying source into
// target. eolPolicy is the task's configured line-ending policy, applied to
// every write this OneWaySyncer performs.
func NewOneWaySyncer(taskID string, source, target Endpoint, eolPolicy EOLPolicy, logger *slog.Logger) *OneWaySyncer {
	return &OneWaySyncer{
		taskID:    taskID,
		source:    source,
		target:    target,
		logger:    logger,
		eolPolicy: eolPolicy,
		lastMtime: make(map[string]time.Time),
	}
}

// Apply executes one change against target: write for created/modified,
// delete (trash) for deleted. It is the dispatcher worker's entry point.
func (s *OneWaySyncer) Apply(ctx context.Context, change Change) error {
	switch change.Kind {
	case ChangeDeleted:
		_, ok, err := s.target.Stat(ctx, change.RelPath)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		return s.target.MoveToTrash(ctx, change.RelPath, NewTimestampToken(time.Now()))

	case ChangeCreated, ChangeModified:
		meta, ok, err := s.source.Stat(ctx, change.RelPath)
		if err != nil {
			return err
		}

		if !ok {
			return nil // vanished between notice and apply
		}

		data, err := s.source.Read(ctx, change.RelPath)
		if err != nil {
			return err
		}

		if IsText(change.RelPath, sample(data)) {
			data = Normalize(data, s.eolPolicy)
		}

		return s.target.Write(ctx, change.RelPath, data, meta.Mtime)

	default:
		return nil
	}
}

// TailScan walks the source once, maintaining a per-path last-seen-mtime
// cache, and emits a synthetic Change for every path whose mtime advanced,
// that is newly seen, or that vanished since the previous call (spec §4.9
// "tail-scan loop"). Call this from a ticker at tailScanInterval.
func (s *OneWaySyncer) TailScan(ctx context.Context, sink func(Change)) error {
	seen := make(map[string]struct{})

	err := s.source.Iterate(ctx, func(e Entry) error {
		seen[e.RelPath] = struct{}{}

		prev, existed := s.lastMtime[e.RelPath]
		s.lastMtime[e.RelPath] = e.Meta.Mtime

		if !existed {
			sink(Change{RelPath: e.RelPath, Kind: ChangeCreated})
			return nil
		}

		if !mtimeEqual(prev, e.Meta.Mtime) {
			sink(Change{RelPath: e.RelPath, Kind: ChangeModified})
		}

		return nil
	})
	if err != nil {
		return err
	}

	for relPath := range s.lastMtime {
		if _, ok := seen[relPath]; !ok {
			delete(s.lastMtime, relPath)
			sink(Change{RelPath: relPath, Kind: ChangeDeleted})
		}
	}

	return nil
}

// FullSync walks source end to end and re-applies every path against
// target, logging but not aborting on individual failures (spec §4.9
// "A full sync operation walks the source and re-applies every path").
func (s *OneWaySyncer) FullSync(ctx context.Context) error {
	runID := uuid.New().String()
	s.logger.Info("full sync starting", slog.String("task_id", s.taskID), slog.String("run_id", runID))

	count := 0

	err := s.source.Iterate(ctx, func(e Entry) error {
		count++

		if err := s.Apply(ctx, Change{RelPath: e.RelPath, Kind: ChangeModified}); err != nil {
			s.logger.Warn("full sync entry failed",
				slog.String("run_id", runID), slog.String("rel_path", e.RelPath), slog.String("error", err.Error()))
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("full sync complete", slog.String("task_id", s.taskID), slog.String("run_id", runID), slog.Int("paths_seen", count))

	return nil
}
