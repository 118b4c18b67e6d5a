package workspace

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func newTestEnumerator(t *testing.T, opts Options) *Enumerator {
	t.Helper()
	e, err := NewEnumerator(opts)
	if err != nil {
		t.Fatalf("NewEnumerator failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func sampleWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "main.py", "print('hi')\n")
	writeFile(t, root, "utils/helpers.ts", "export const x = 1;\n")
	writeFile(t, root, "README.md", "# demo\n")
	writeFile(t, root, "notes.txt", "not a source file\n")
	writeFile(t, root, "cache.pyc", "bytecode")
	writeFile(t, root, ".env.py", "SECRET=1\n")
	writeFile(t, root, ".git/config.json", "{}")
	writeFile(t, root, "node_modules/lib/index.js", "module.exports = {};\n")
	writeFile(t, root, "__pycache__/main.py", "stale")
	writeFile(t, root, "pkg/.vectordb/index.json", "{}")
	writeFile(t, root, "Server.JAVA", "class Server {}\n")
	return root
}

func TestEnumerator_Snapshot(t *testing.T) {
	root := sampleWorkspace(t)
	e := newTestEnumerator(t, Options{Root: root})

	files, err := e.Snapshot(t.Context())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	want := []string{"README.md", "Server.JAVA", "main.py", "utils/helpers.ts"}
	if !slices.Equal(paths, want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}

	byPath := make(map[string]string)
	for _, f := range files {
		byPath[f.Path] = f.Language
		if f.Path == "main.py" && f.Content != "print('hi')\n" {
			t.Errorf("main.py content = %q", f.Content)
		}
	}
	if byPath["main.py"] != "python" || byPath["utils/helpers.ts"] != "typescript" ||
		byPath["README.md"] != "markdown" || byPath["Server.JAVA"] != "java" {
		t.Errorf("languages = %v", byPath)
	}
}

func TestEnumerator_CustomExtensions(t *testing.T) {
	root := sampleWorkspace(t)
	e := newTestEnumerator(t, Options{Root: root, Extensions: []string{"txt", ".MD"}})

	paths, err := e.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !slices.Equal(paths, []string{"README.md", "notes.txt"}) {
		t.Errorf("paths = %v", paths)
	}
}

func TestEnumerator_EmptyIgnoreIncludesDotfiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".hidden/a.py", "x = 1\n")
	e := newTestEnumerator(t, Options{Root: root, Ignore: []string{}})

	paths, err := e.List(t.Context())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !slices.Equal(paths, []string{".hidden/a.py"}) {
		t.Errorf("paths = %v", paths)
	}
}

func TestEnumerator_SkipsLargeAndBinary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.py", "x = 1\n")
	writeFile(t, root, "big.py", strings.Repeat("#", 2048))
	writeFile(t, root, "blob.json", string([]byte{0xff, 0xfe, 0x00}))

	e := newTestEnumerator(t, Options{Root: root, MaxFileBytes: 1024})
	files, err := e.Snapshot(t.Context())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(files) != 1 || files[0].Path != "small.py" {
		t.Errorf("files = %+v, want only small.py", files)
	}
}

func TestEnumerator_CacheKeyedByModTime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", "one\n")
	p := filepath.Join(root, "a.py")
	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(p, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	e := newTestEnumerator(t, Options{Root: root})
	if _, err := e.Snapshot(t.Context()); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if e.Cached() != 1 {
		t.Fatalf("Cached = %d, want 1", e.Cached())
	}

	// Same size and mtime: the cached content is served.
	writeFile(t, root, "a.py", "two\n")
	if err := os.Chtimes(p, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	files, _ := e.Snapshot(t.Context())
	if files[0].Content != "one\n" {
		t.Errorf("content = %q, want cached one", files[0].Content)
	}

	// A new mtime invalidates the entry.
	later := stamp.Add(time.Minute)
	if err := os.Chtimes(p, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	files, _ = e.Snapshot(t.Context())
	if files[0].Content != "two\n" {
		t.Errorf("content = %q, want fresh two", files[0].Content)
	}

	e.Forget("a.py")
	if e.Cached() != 0 {
		t.Errorf("Cached after Forget = %d, want 0", e.Cached())
	}
}

func TestEnumerator_CancelledContext(t *testing.T) {
	root := sampleWorkspace(t)
	e := newTestEnumerator(t, Options{Root: root})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := e.Snapshot(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestNewEnumerator_Validation(t *testing.T) {
	if _, err := NewEnumerator(Options{}); err == nil {
		t.Error("expected error for empty root")
	}

	file := filepath.Join(t.TempDir(), "f.py")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewEnumerator(Options{Root: file}); err == nil {
		t.Error("expected error for non-directory root")
	}
	if _, err := NewEnumerator(Options{Root: t.TempDir(), Ignore: []string{"[bad"}}); err == nil {
		t.Error("expected error for malformed ignore pattern")
	}
}

func TestEnumerator_SupportedAndRel(t *testing.T) {
	root := t.TempDir()
	e := newTestEnumerator(t, Options{Root: root})

	tests := []struct {
		rel  string
		want bool
	}{
		{"main.go", true},
		{"src/app.JS", true},
		{"src/app.rb", false},
		{"node_modules/x.js", false},
		{"src/.cache/x.py", false},
		{"build/mod.pyc", false},
	}
	for _, tt := range tests {
		if got := e.Supported(tt.rel); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}

	if rel, ok := e.Rel(filepath.Join(e.Root(), "a", "b.py")); !ok || rel != "a/b.py" {
		t.Errorf("Rel = %q, %v", rel, ok)
	}
	if _, ok := e.Rel(filepath.Dir(e.Root())); ok {
		t.Error("Rel should reject paths outside the root")
	}
	if _, ok := e.Rel(e.Root()); ok {
		t.Error("Rel should reject the root itself")
	}
}

func TestLanguage(t *testing.T) {
	tests := map[string]string{
		"a.py":      "python",
		"b/c.cpp":   "c++",
		"x.HTML":    "html",
		"style.css": "css",
		"Makefile":  "unknown",
		"a.rs":      "unknown",
	}
	for p, want := range tests {
		if got := Language(p); got != want {
			t.Errorf("Language(%q) = %q, want %q", p, got, want)
		}
	}
}
