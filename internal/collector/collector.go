// Package collector walks a local sync root and yields the files that should
// be mirrored, applying built-in, caller-supplied and .gitignore exclusions.
package collector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/pkg/models"
	"github.com/chmdznr/ghsync/pkg/utils"
)

// DefaultMaxFileSize is the largest blob a git host accepts through its API.
const DefaultMaxFileSize = 100 << 20

// excludedDirs are version-control metadata and dependency/cache directories
// that are never synced.
var excludedDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".tox":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".cache":        true,
}

var excludedFiles = map[string]bool{
	".DS_Store": true,
}

// Options configures a Collector.
type Options struct {
	// Ignore holds gitignore-syntax patterns relative to the root.
	Ignore []string

	// UseGitignore also applies .gitignore files found while walking.
	UseGitignore bool

	// MaxFileSize is the size ceiling; larger files are reported as oversized.
	// Zero means DefaultMaxFileSize.
	MaxFileSize int64

	// ExcludeFiles lists absolute paths that are never yielded, such as the
	// state database when it lives inside the root.
	ExcludeFiles []string

	Logger *slog.Logger
}

// Item is one element of a walk: a syncable file, an oversized file carrying
// a warning, or a warning alone for a path that was skipped.
type Item struct {
	File      *models.LocalFile
	Oversized bool
	Warning   *models.Warning
}

// Collector walks one root. It holds no walk state, so every call to Walk
// starts from scratch.
type Collector struct {
	root     string
	realRoot string
	opts     Options
	exclude  map[string]bool
	logger   *slog.Logger
}

// New validates root and returns a Collector for it.
func New(root string, opts Options) (*Collector, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.KindCollection, "resolve root", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindCollection, Op: "open root", Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, errs.Errorf(errs.KindCollection, "open root", "%s is not a directory", root).WithPath(root)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindCollection, Op: "open root", Path: root, Err: err}
	}
	f.Close()

	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindCollection, Op: "resolve root", Path: root, Err: err}
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	exclude := make(map[string]bool, len(opts.ExcludeFiles))
	for _, p := range opts.ExcludeFiles {
		if ap, err := filepath.Abs(p); err == nil {
			exclude[ap] = true
			if rp, err := filepath.EvalSymlinks(ap); err == nil {
				exclude[rp] = true
			}
		}
	}

	return &Collector{
		root:     abs,
		realRoot: realRoot,
		opts:     opts,
		exclude:  exclude,
		logger:   logger,
	}, nil
}

// Root returns the absolute sync root.
func (c *Collector) Root() string {
	return c.root
}

type dirFrame struct {
	abs  string   // path on disk, symlinks resolved
	rel  []string // segments relative to the root
	real string

	// chain holds the resolved paths from the root down to this directory.
	chain []string
}

// isAncestor reports whether real resolves to this directory or one of its
// parents, which would make descending into it a loop.
func (f dirFrame) isAncestor(real string) bool {
	for _, p := range f.chain {
		if p == real {
			return true
		}
	}
	return false
}

// Walk returns a lazy, finite sequence over the root. Directories are
// traversed with an explicit stack; files within a directory are yielded in
// name order. A non-nil error ends the sequence.
func (c *Collector) Walk(ctx context.Context) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		patterns := make([]gitignore.Pattern, 0, len(c.opts.Ignore))
		for _, p := range c.opts.Ignore {
			if p = strings.TrimSpace(p); p != "" && !strings.HasPrefix(p, "#") {
				patterns = append(patterns, gitignore.ParsePattern(p, nil))
			}
		}
		matcher := gitignore.NewMatcher(patterns)

		stack := []dirFrame{{abs: c.root, real: c.realRoot, chain: []string{c.realRoot}}}

		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				yield(Item{}, errs.Wrap(errs.KindCanceled, "walk", err))
				return
			}
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			entries, err := os.ReadDir(frame.abs)
			if err != nil {
				if len(frame.rel) == 0 {
					yield(Item{}, &errs.Error{Kind: errs.KindCollection, Op: "read root", Path: c.root, Err: err})
					return
				}
				if !yield(c.warn(frame.rel, fmt.Sprintf("unreadable directory: %v", err)), nil) {
					return
				}
				continue
			}

			if c.opts.UseGitignore {
				if extra := readGitignore(filepath.Join(frame.abs, ".gitignore"), frame.rel); len(extra) > 0 {
					patterns = append(patterns, extra...)
					matcher = gitignore.NewMatcher(patterns)
				}
			}

			var subdirs []dirFrame
			for _, entry := range entries {
				name := entry.Name()
				rel := append(append([]string(nil), frame.rel...), name)
				abs := filepath.Join(frame.abs, name)

				info, real, warning := c.resolve(abs, entry, frame.real)
				if warning != "" {
					if !yield(c.warn(rel, warning), nil) {
						return
					}
					continue
				}
				if info == nil {
					continue
				}

				if info.IsDir() {
					if excludedDirs[name] || matcher.Match(rel, true) {
						continue
					}
					if frame.isAncestor(real) {
						c.logger.Debug("skipping directory loop", "path", strings.Join(rel, "/"))
						continue
					}
					chain := append(append(make([]string, 0, len(frame.chain)+1), frame.chain...), real)
					subdirs = append(subdirs, dirFrame{abs: real, rel: rel, real: real, chain: chain})
					continue
				}

				if !info.Mode().IsRegular() {
					if !yield(c.warn(rel, "not a regular file"), nil) {
						return
					}
					continue
				}
				if excludedFiles[name] || c.exclude[abs] || c.exclude[real] || matcher.Match(rel, false) {
					continue
				}

				file := &models.LocalFile{
					Path:       strings.Join(rel, "/"),
					AbsPath:    real,
					Size:       info.Size(),
					Executable: info.Mode().Perm()&0o111 != 0,
				}
				item := Item{File: file}
				if file.Size > c.opts.MaxFileSize {
					item.Oversized = true
					item.Warning = &models.Warning{
						Path: file.Path,
						Reason: fmt.Sprintf("size %s exceeds limit %s",
							utils.FormatSize(file.Size), utils.FormatSize(c.opts.MaxFileSize)),
					}
				}
				if !yield(item, nil) {
					return
				}
			}

			for i := len(subdirs) - 1; i >= 0; i-- {
				stack = append(stack, subdirs[i])
			}
		}
	}
}

// resolve stats an entry, following symlinks that stay inside the root. The
// returned path is resolved against parentReal so that loop checks compare
// like with like. It returns a warning reason for entries that must be skipped.
func (c *Collector) resolve(abs string, entry fs.DirEntry, parentReal string) (fs.FileInfo, string, string) {
	if entry.Type()&fs.ModeSymlink == 0 {
		info, err := entry.Info()
		if err != nil {
			return nil, "", fmt.Sprintf("stat failed: %v", err)
		}
		return info, filepath.Join(parentReal, entry.Name()), ""
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, "", "broken symlink"
	}
	if !within(c.realRoot, real) {
		return nil, "", "symlink points outside the sync root"
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, "", fmt.Sprintf("stat failed: %v", err)
	}
	return info, real, ""
}

func (c *Collector) warn(rel []string, reason string) Item {
	p := strings.Join(rel, "/")
	c.logger.Warn("skipping path", "path", p, "reason", reason)
	return Item{Warning: &models.Warning{Path: p, Reason: reason}}
}

// Result is a fully drained walk.
type Result struct {
	Files     []models.LocalFile
	Oversized []models.LocalFile
	Warnings  []models.Warning
}

// Collect drains Walk into a Result.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{}
	for item, err := range c.Walk(ctx) {
		if err != nil {
			return nil, err
		}
		if item.Warning != nil {
			res.Warnings = append(res.Warnings, *item.Warning)
		}
		if item.File == nil {
			continue
		}
		if item.Oversized {
			res.Oversized = append(res.Oversized, *item.File)
			continue
		}
		res.Files = append(res.Files, *item.File)
	}
	return res, nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func readGitignore(path string, domain []string) []gitignore.Pattern {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var ps []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ps = append(ps, gitignore.ParsePattern(line, domain))
	}
	return ps
}
