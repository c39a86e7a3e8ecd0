package syncengine

import (
	"context"
	"log/slog"
	"time"
)

const (
	// defaultHashBudgetPerScan bounds how many coarse-mtime-compensation
	// hashes a single poll tick may compute (spec §4.6).
	defaultHashBudgetPerScan = 50
	// defaultHashCheckMaxSize caps the file size eligible for mtime
	// compensation; larger files are only compared by size/mtime.
	defaultHashCheckMaxSize = 2 * 1024 * 1024
)

// ScanHeartbeat groups the per-tick heartbeat figures (spec §4.6).
// PollScanner does not use this type; each tick logs the same figures as
// individual fields at Debug level.
type ScanHeartbeat struct {
	Scanned int
	Missing int
	CostMS  int64
}

// OtherSideLookup computes the other side's current content hash for
// relPath, reading live rather than trusting a cached value, so a silent
// edit that leaves size/mtime untouched can still be detected. The second
// return value is false when the other side has no present counterpart.
type OtherSideLookup func(ctx context.Context, relPath string) (otherHash string, otherPresent bool)

// PollScanner performs the periodic recursive scan fallback for a Remote
// endpoint lacking (or no longer trusting) the inotify channel. It also
// performs coarse-mtime compensation: when size and mtime are unchanged but
// the other side differs, it spends a bounded per-scan budget hashing to
// catch changes filesystem timestamps can't reveal (spec §4.6).
type PollScanner struct {
	endpoint     Endpoint
	interval     time.Duration
	hashBudget   int
	maxHashSize  int64
	logger       *slog.Logger
	lastMeta     map[string]Meta
}

// NewPollScanner constructs a PollScanner over endpoint at the given poll
// interval.
func NewPollScanner(endpoint Endpoint, interval time.Duration, logger *slog.Logger) *PollScanner {
	return &PollScanner{
		endpoint:    endpoint,
		interval:    interval,
		hashBudget:  defaultHashBudgetPerScan,
		maxHashSize: defaultHashCheckMaxSize,
		logger:      logger,
		lastMeta:    make(map[string]Meta),
	}
}

// Run ticks every interval, emitting a Change per path whose meta differs
// from the previous tick (or whose hash compensation detects a silent
// content change), until ctx is cancelled. skip, when non-nil and
// returning true, makes a tick a no-op — the dispatcher's busy indicator
// uses this to stop the scanner feeding a reconciliation cycle that's
// already in flight (spec §4.10, §5). otherSide resolves the other side's
// live hash needed for mtime compensation; sink enqueues changes exactly
// like the watchers do.
func (s *PollScanner) Run(ctx context.Context, skip func() bool, otherSide OtherSideLookup, sink func(Change)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if skip != nil && skip() {
				continue
			}

			s.tick(ctx, otherSide, sink)
		}
	}
}

func (s *PollScanner) tick(ctx context.Context, otherSide OtherSideLookup, sink func(Change)) {
	start := time.Now()

	seen := make(map[string]struct{})
	scanned := 0
	missing := 0
	budget := s.hashBudget

	err := s.endpoint.Iterate(ctx, func(e Entry) error {
		scanned++
		seen[e.RelPath] = struct{}{}

		prev, existed := s.lastMeta[e.RelPath]
		s.lastMeta[e.RelPath] = e.Meta

		if !existed {
			sink(Change{RelPath: e.RelPath, Kind: ChangeCreated})
			return nil
		}

		if prev.Size != e.Meta.Size || !mtimeEqual(prev.Mtime, e.Meta.Mtime) {
			sink(Change{RelPath: e.RelPath, Kind: ChangeModified})
			return nil
		}

		if budget > 0 && e.Meta.Size <= s.maxHashSize {
			if otherHash, present := otherSide(ctx, e.RelPath); present {
				budget--

				data, readErr := s.endpoint.Read(ctx, e.RelPath)
				if readErr == nil {
					hash := Hash(data)
					if otherHash != "" && otherHash != hash {
						sink(Change{RelPath: e.RelPath, Kind: ChangeModified})
					}
				}
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Warn("poll scan failed", slog.String("error", err.Error()))
	}

	for relPath := range s.lastMeta {
		if _, ok := seen[relPath]; !ok {
			missing++
			delete(s.lastMeta, relPath)
			sink(Change{RelPath: relPath, Kind: ChangeDeleted})
		}
	}

	s.logger.Debug("poll scan heartbeat",
		slog.Int("scanned", scanned),
		slog.Int("missing", missing),
		slog.Int64("cost_ms", time.Since(start).Milliseconds()),
	)
}
