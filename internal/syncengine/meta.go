package syncengine

import "time"

// Meta describes a file's content identity (spec §3). Hash is computed
// lazily; an empty Hash means "not yet computed", not "empty file".
type Meta struct {
	Size  int64
	Mtime time.Time
	Hash  string
}

// IsZero reports whether m represents an absent file.
func (m Meta) IsZero() bool {
	return m.Size == 0 && m.Mtime.IsZero() && m.Hash == ""
}

// metaChanged implements meta_changed(old, new) from spec §4.8: compare
// hashes when both are known, otherwise fall back to (size, mtime).
// Absence on either side counts as changed.
func metaChanged(old, newMeta Meta) bool {
	if old.IsZero() {
		return true
	}

	if old.Hash != "" && newMeta.Hash != "" {
		return old.Hash != newMeta.Hash
	}

	return old.Size != newMeta.Size || !old.Mtime.Equal(newMeta.Mtime)
}

// mtimeEqual reports whether two mtimes are equal at whole-second
// resolution, the coarsest common precision across local and remote
// filesystems (spec §4.6 "coarse modification-time resolution").
func mtimeEqual(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
