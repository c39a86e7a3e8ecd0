package syncengine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilterInternalDirs(t *testing.T) {
	f := NewFilter(nil, nil, []string{".synctrash", ".syncbackup"}, "", "")

	if f.ShouldSync(".synctrash/20260101_000000/a.txt") {
		t.Fatal("expected internal trash dir to be excluded")
	}

	if !f.ShouldSync("docs/a.txt") {
		t.Fatal("expected unrelated path to be included")
	}
}

func TestFilterExcludePatterns(t *testing.T) {
	f := NewFilter([]string{"*.tmp", "node_modules"}, nil, nil, "", "")

	cases := map[string]bool{
		"build/output.tmp":      false,
		"node_modules/pkg/a.js": false,
		"src/main.go":           true,
		"a.tmp":                 false,
	}

	for p, want := range cases {
		if got := f.ShouldSync(p); got != want {
			t.Errorf("ShouldSync(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestFilterAllowedExtensions(t *testing.T) {
	f := NewFilter(nil, []string{"txt", "MD"}, nil, "", "")

	if !f.ShouldSync("notes.txt") {
		t.Fatal("expected .txt to be included")
	}

	if !f.ShouldSync("README.md") {
		t.Fatal("expected .md to be included case-insensitively")
	}

	if f.ShouldSync("image.png") {
		t.Fatal("expected .png to be excluded when not in allowed set")
	}
}

func TestFilterIgnoreMarker(t *testing.T) {
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "vendor"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, ".syncignore"), []byte("*.log\n"), 0o644); err != nil {
		t.Fatalf("write root marker: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "vendor", ".syncignore"), []byte("*.go\n"), 0o644); err != nil {
		t.Fatalf("write vendor marker: %v", err)
	}

	f := NewFilter(nil, nil, nil, root, ".syncignore")

	if f.ShouldSync("debug.log") == true {
		t.Fatal("expected root marker to exclude *.log")
	}

	if !f.ShouldSync("src/main.go") {
		t.Fatal("expected unrelated path to be included")
	}

	if f.ShouldSync("vendor/pkg.go") {
		t.Fatal("expected vendor marker to exclude *.go under vendor")
	}

	if !f.ShouldSync("vendor/readme.md") {
		t.Fatal("expected vendor marker to only match *.go, not readme.md")
	}
}

func TestFilterIgnoreMarkerDisabledWithoutRoot(t *testing.T) {
	f := NewFilter(nil, nil, nil, "", ".syncignore")

	if !f.ShouldSync("anything.log") {
		t.Fatal("expected marker layer to be a no-op when root is empty")
	}
}
