package syncengine

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
)

// Filter decides whether a relative path participates in sync (spec §4.1).
// Safe for concurrent use by many goroutines.
type Filter struct {
	excludePatterns   []string
	allowedExtensions map[string]struct{}
	internalDirs      map[string]struct{}

	// root and ignoreMarker support a fourth cascade layer: a per-directory
	// marker file (e.g. ".syncignore") holding gitignore-style patterns
	// scoped to that directory and its children. root is the absolute local
	// filesystem path marker files are read relative to; it is empty for a
	// Filter backing a non-local endpoint, which disables the layer (marker
	// files are only ever read from the local side, the same way the
	// teacher's own odignore cascade only ever walks a local syncRoot).
	root         string
	ignoreMarker string

	mu          sync.RWMutex
	markerCache map[string]*ignore.GitIgnore
}

// NewFilter builds a Filter. internalDirs are path segment names that are
// always excluded regardless of exclude_patterns (a task's own trash and
// backup directories). root and ignoreMarker enable the marker-file layer;
// pass an empty root to disable it (used for non-local endpoints).
func NewFilter(excludePatterns, allowedExtensions, internalDirs []string, root, ignoreMarker string) *Filter {
	exts := make(map[string]struct{}, len(allowedExtensions))
	for _, e := range allowedExtensions {
		exts[strings.ToLower(e)] = struct{}{}
	}

	dirs := make(map[string]struct{}, len(internalDirs))
	for _, d := range internalDirs {
		dirs[d] = struct{}{}
	}

	return &Filter{
		excludePatterns:   excludePatterns,
		allowedExtensions: exts,
		internalDirs:      dirs,
		root:              root,
		ignoreMarker:      ignoreMarker,
		markerCache:       make(map[string]*ignore.GitIgnore),
	}
}

// ShouldSync applies the cascade from spec §4.1, in order: internal dirs,
// exclude patterns, allowed extensions, then per-directory marker files.
func (f *Filter) ShouldSync(relPath string) bool {
	relPath = path.Clean(relPath)
	segments := strings.Split(relPath, "/")

	for _, seg := range segments {
		if _, excluded := f.internalDirs[seg]; excluded {
			return false
		}
	}

	basename := segments[len(segments)-1]

	for _, pat := range f.excludePatterns {
		if matched, _ := path.Match(pat, basename); matched {
			return false
		}

		for _, seg := range segments {
			if seg == pat {
				return false
			}
		}

		if matched, _ := path.Match(pat, relPath); matched {
			return false
		}
	}

	if len(f.allowedExtensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(basename), "."))
		if _, ok := f.allowedExtensions[ext]; !ok {
			return false
		}
	}

	if f.matchesIgnoreMarker(relPath) {
		return false
	}

	return true
}

// matchesIgnoreMarker walks relPath's directory upward to the root, loading
// (and caching) each directory's marker file, stopping at the first one
// whose patterns match. Grounded on the teacher's checkOdignore/
// loadOdignore layer, which does the same per-directory walk-and-cache over
// github.com/sabhiram/go-gitignore.
func (f *Filter) matchesIgnoreMarker(relPath string) bool {
	if f.root == "" || f.ignoreMarker == "" {
		return false
	}

	dir := path.Dir(relPath)

	for {
		if gi := f.loadMarker(dir); gi != nil && gi.MatchesPath(path.Base(relPath)) {
			return true
		}

		if dir == "." || dir == "/" {
			return false
		}

		dir = path.Dir(dir)
	}
}

// loadMarker returns the compiled GitIgnore for dir (relative to f.root),
// or nil if dir has no marker file. Results are cached per directory; a
// missing file caches a nil entry so a directory without a marker is only
// statted once.
func (f *Filter) loadMarker(dir string) *ignore.GitIgnore {
	f.mu.RLock()
	gi, cached := f.markerCache[dir]
	f.mu.RUnlock()

	if cached {
		return gi
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if gi, cached = f.markerCache[dir]; cached {
		return gi
	}

	markerPath := filepath.Join(f.root, filepath.FromSlash(dir), f.ignoreMarker)

	if _, err := os.Stat(markerPath); err != nil {
		f.markerCache[dir] = nil
		return nil
	}

	parsed, err := ignore.CompileIgnoreFile(markerPath)
	if err != nil {
		f.markerCache[dir] = nil
		return nil
	}

	f.markerCache[dir] = parsed

	return parsed
}
