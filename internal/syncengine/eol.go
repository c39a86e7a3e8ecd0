package syncengine

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content-identity fingerprint, not a security boundary (spec §4.2)
	"encoding/hex"
	"path/filepath"
	"strings"
)

// EOLPolicy selects the line-ending convention a task normalizes text files
// to before hashing and transfer.
type EOLPolicy string

const (
	EOLKeep EOLPolicy = "keep"
	EOLLF   EOLPolicy = "lf"
	EOLCRLF EOLPolicy = "crlf"
)

// sniffSize is how much of a file with no recognizable extension is
// sampled to guess text vs binary (spec §4.2: "first 8 KiB").
const sniffSize = 8 * 1024

var textExtensions = map[string]struct{}{
	"go": {}, "py": {}, "js": {}, "ts": {}, "jsx": {}, "tsx": {}, "java": {},
	"c": {}, "h": {}, "cpp": {}, "hpp": {}, "cs": {}, "rb": {}, "rs": {},
	"php": {}, "sh": {}, "bash": {}, "zsh": {}, "ps1": {}, "sql": {},
	"json": {}, "yaml": {}, "yml": {}, "toml": {}, "ini": {}, "cfg": {},
	"conf": {}, "xml": {}, "html": {}, "htm": {}, "css": {}, "scss": {},
	"md": {}, "markdown": {}, "txt": {}, "rst": {}, "csv": {}, "tsv": {},
	"gitignore": {}, "env": {}, "properties": {},
}

var binaryExtensions = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "bmp": {}, "ico": {}, "webp": {},
	"zip": {}, "tar": {}, "gz": {}, "bz2": {}, "xz": {}, "7z": {}, "rar": {},
	"exe": {}, "dll": {}, "so": {}, "dylib": {}, "bin": {}, "o": {}, "a": {},
	"mp3": {}, "mp4": {}, "mov": {}, "avi": {}, "mkv": {}, "wav": {}, "flac": {},
	"ttf": {}, "otf": {}, "woff": {}, "woff2": {},
	"pdf": {}, "sqlite": {}, "db": {},
}

var wellKnownTextNames = map[string]struct{}{
	"Makefile": {}, "Dockerfile": {}, "LICENSE": {}, "README": {}, "Jenkinsfile": {},
}

// IsText classifies a path as text or binary using extension tables,
// well-known basenames, then content sniffing as a last resort.
func IsText(relPath string, sample []byte) bool {
	base := filepath.Base(relPath)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))

	if _, ok := binaryExtensions[ext]; ok {
		return false
	}

	if _, ok := textExtensions[ext]; ok {
		return true
	}

	if _, ok := wellKnownTextNames[base]; ok {
		return true
	}

	if len(sample) > sniffSize {
		sample = sample[:sniffSize]
	}

	if len(sample) == 0 {
		return true
	}

	return !bytes.ContainsRune(sample, 0)
}

// Normalize folds CRLF and lone CR to LF, then expands to CRLF if policy
// requests it. EOLKeep returns data unchanged; Normalize does not detect
// binary content itself, so callers skip it for files IsText rejects
// (spec §4.2).
func Normalize(data []byte, policy EOLPolicy) []byte {
	if policy == EOLKeep {
		return data
	}

	folded := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	folded = bytes.ReplaceAll(folded, []byte("\r"), []byte("\n"))

	if policy == EOLCRLF {
		return bytes.ReplaceAll(folded, []byte("\n"), []byte("\r\n"))
	}

	return folded
}

// Hash computes the content fingerprint used for content-equivalence
// comparisons. MD5 is the documented default (spec §4.2); it is used here
// purely as a non-cryptographic identity digest, never for integrity
// against an adversary.
func Hash(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// ContentHash normalizes data per policy when isText is true, then hashes
// the result. Binary files and EOLKeep hash the raw bytes.
func ContentHash(data []byte, isText bool, policy EOLPolicy) string {
	if isText && policy != EOLKeep {
		data = Normalize(data, policy)
	}

	return Hash(data)
}
