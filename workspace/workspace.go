// Package workspace snapshots the source files of a workspace directory for
// the worker's init frame, and watches the directory for changes.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/codechat/log"
	"github.com/pithecene-io/codechat/types"
)

// Defaults applied by NewEnumerator.
const (
	DefaultMaxFileBytes int64 = 1 << 20
	DefaultCacheTTL           = 10 * time.Minute
	DefaultReadWorkers        = 8
)

// DefaultExtensions are the file extensions included in a snapshot.
var DefaultExtensions = []string{
	".py", ".js", ".ts", ".json", ".md", ".html", ".css", ".java", ".cpp", ".go",
}

// DefaultIgnore are glob patterns matched against every path element.
// A match excludes the file, or the whole directory.
var DefaultIgnore = []string{
	".*", "__pycache__", "node_modules", ".git", ".vectordb", "*.pyc",
}

var languages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".java": "java",
	".cpp":  "c++",
	".html": "html",
	".css":  "css",
	".json": "json",
	".md":   "markdown",
	".go":   "go",
}

// Language returns the language tag for a file path, or "unknown".
func Language(p string) string {
	if lang, ok := languages[strings.ToLower(path.Ext(p))]; ok {
		return lang
	}
	return "unknown"
}

// Options configures an Enumerator.
type Options struct {
	// Root is the workspace directory.
	Root string
	// Extensions overrides DefaultExtensions.
	Extensions []string
	// Ignore overrides DefaultIgnore.
	Ignore []string
	// MaxFileBytes skips larger files (default DefaultMaxFileBytes).
	MaxFileBytes int64
	// CacheTTL bounds how long file content is cached (default DefaultCacheTTL).
	CacheTTL time.Duration
	// ReadWorkers bounds parallel file reads (default DefaultReadWorkers).
	ReadWorkers int
	// Logger receives skipped-file diagnostics. Nil discards.
	Logger *log.Logger
}

type cachedFile struct {
	modTime time.Time
	size    int64
	content string
}

// Enumerator lists supported workspace files and reads their content.
// Content is cached by path and reused while the file's mtime and size
// are unchanged.
type Enumerator struct {
	root       string
	extensions map[string]bool
	ignore     []string
	maxBytes   int64
	workers    int
	logger     *log.Logger
	cache      *ttlcache.Cache[string, cachedFile]
}

// NewEnumerator creates an enumerator over opts.Root. Close releases the
// content cache.
func NewEnumerator(opts Options) (*Enumerator, error) {
	if opts.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	extSet := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extSet[ext] = true
	}

	ignore := opts.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	for _, pattern := range ignore {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}

	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.ReadWorkers <= 0 {
		opts.ReadWorkers = DefaultReadWorkers
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}

	cache := ttlcache.New[string, cachedFile](
		ttlcache.WithTTL[string, cachedFile](opts.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, cachedFile](),
	)
	go cache.Start()

	return &Enumerator{
		root:       root,
		extensions: extSet,
		ignore:     slices.Clone(ignore),
		maxBytes:   opts.MaxFileBytes,
		workers:    opts.ReadWorkers,
		logger:     opts.Logger,
		cache:      cache,
	}, nil
}

// Root returns the absolute workspace root.
func (e *Enumerator) Root() string {
	return e.root
}

// Close stops the cache expiration loop.
func (e *Enumerator) Close() {
	e.cache.Stop()
}

// Ignored reports whether a slash-separated relative path has an element
// matching an ignore pattern.
func (e *Enumerator) Ignored(rel string) bool {
	for _, elem := range strings.Split(rel, "/") {
		if e.ignoredName(elem) {
			return true
		}
	}
	return false
}

func (e *Enumerator) ignoredName(name string) bool {
	for _, pattern := range e.ignore {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Supported reports whether a relative path would be included in a snapshot.
func (e *Enumerator) Supported(rel string) bool {
	rel = filepath.ToSlash(rel)
	return e.extensions[strings.ToLower(path.Ext(rel))] && !e.Ignored(rel)
}

// Rel converts an absolute path under the root to a slash-separated
// relative path. Returns false for paths outside the root.
func (e *Enumerator) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(e.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// List returns the relative paths of supported files, sorted.
func (e *Enumerator) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped; an unreadable root is fatal.
			if p == e.root {
				return err
			}
			e.logger.Debug("skipping unreadable path", map[string]any{"path": p, "error": err.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == e.root {
			return nil
		}
		if e.ignoredName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, ok := e.Rel(p)
		if ok && e.extensions[strings.ToLower(path.Ext(rel))] {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	slices.Sort(paths)
	return paths, nil
}

// Snapshot reads every supported file into a FileRef, sorted by path.
// Files that are too large, not valid UTF-8, or vanish mid-walk are skipped.
func (e *Enumerator) Snapshot(ctx context.Context) ([]types.FileRef, error) {
	paths, err := e.List(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]*types.FileRef, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ref, err := e.read(rel)
			if err != nil {
				e.logger.Debug("skipping file", map[string]any{"path": rel, "reason": err.Error()})
				return nil
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot workspace: %w", err)
	}

	files := make([]types.FileRef, 0, len(refs))
	for _, ref := range refs {
		if ref != nil {
			files = append(files, *ref)
		}
	}
	return files, nil
}

// read returns the FileRef for one relative path, using the cache when the
// file is unchanged.
func (e *Enumerator) read(rel string) (*types.FileRef, error) {
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.Size() > e.maxBytes {
		return nil, fmt.Errorf("size %d exceeds limit %d", info.Size(), e.maxBytes)
	}

	if item := e.cache.Get(rel); item != nil {
		cached := item.Value()
		if cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
			return &types.FileRef{Path: rel, Content: cached.content, Language: Language(rel)}, nil
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errors.New("not valid UTF-8")
	}
	content := string(data)
	e.cache.Set(rel, cachedFile{modTime: info.ModTime(), size: info.Size(), content: content}, ttlcache.DefaultTTL)

	return &types.FileRef{Path: rel, Content: content, Language: Language(rel)}, nil
}

// Forget drops a path from the content cache.
func (e *Enumerator) Forget(rel string) {
	e.cache.Delete(rel)
}

// Cached returns the number of cached file contents.
func (e *Enumerator) Cached() int {
	return e.cache.Len()
}
