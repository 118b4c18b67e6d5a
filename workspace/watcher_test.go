package workspace

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	e := newTestEnumerator(t, Options{Root: root})
	w, err := NewWatcher(e, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// waitFor collects batches until want is covered or the deadline passes.
func waitFor(t *testing.T, w *Watcher, want ...string) []string {
	t.Helper()
	seen := make(map[string]bool)
	var all []string
	deadline := time.After(3 * time.Second)
	for {
		covered := true
		for _, p := range want {
			if !seen[p] {
				covered = false
			}
		}
		if covered {
			return all
		}
		select {
		case batch, ok := <-w.Changes():
			if !ok {
				t.Fatalf("changes closed early, seen %v", all)
			}
			for _, p := range batch {
				seen[p] = true
				all = append(all, p)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, seen %v", want, all)
		}
	}
}

func TestWatcher_ReportsSupportedChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", "x = 1\n")
	w := newTestWatcher(t, root)

	writeFile(t, root, "main.py", "x = 2\n")
	writeFile(t, root, "notes.txt", "ignored\n")
	writeFile(t, root, "added.go", "package main\n")

	got := waitFor(t, w, "main.py", "added.go")
	if slices.Contains(got, "notes.txt") {
		t.Errorf("unsupported file reported: %v", got)
	}
}

func TestWatcher_NewSubdirectory(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, root, "pkg/mod.ts", "export {}\n")

	waitFor(t, w, "pkg/mod.ts")
}

func TestWatcher_IgnoredDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "node_modules/a.js", "1")
	w := newTestWatcher(t, root)

	writeFile(t, root, "node_modules/a.js", "2")
	writeFile(t, root, "app.js", "3")

	got := waitFor(t, w, "app.js")
	if slices.Contains(got, "node_modules/a.js") {
		t.Errorf("ignored file reported: %v", got)
	}
}

func TestWatcher_CloseClosesChanges(t *testing.T) {
	w := newTestWatcher(t, t.TempDir())
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	select {
	case _, ok := <-w.Changes():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("changes not closed")
	}
}

func TestSortedUnique(t *testing.T) {
	got := sortedUnique([]string{"b.py", "a.py", "b.py"})
	if !slices.Equal(got, []string{"a.py", "b.py"}) {
		t.Errorf("sortedUnique = %v", got)
	}
}
