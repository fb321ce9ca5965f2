package collector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/ghsync/internal/errs"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func paths(res *Result) []string {
	out := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		out = append(out, f.Path)
	}
	sort.Strings(out)
	return out
}

func TestNewRootErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		root string
	}{
		{name: "missing root", root: filepath.Join(dir, "missing")},
		{name: "root is a file", root: file},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.root, Options{})
			require.Error(t, err)
			assert.Equal(t, errs.KindCollection, errs.KindOf(err))
		})
	}
}

func TestCollectExclusions(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":                  "package main",
		"README.md":                "# readme",
		"pkg/lib/lib.go":           "package lib",
		".git/HEAD":                "ref: refs/heads/main",
		"node_modules/x/index.js":  "js",
		"src/__pycache__/a.pyc":    "pyc",
		".venv/bin/python":         "py",
		".DS_Store":                "junk",
		"build/out.bin":            "bin",
		"logs/debug.log":           "log",
		"docs/notes.tmp":           "tmp",
		"docs/guide.md":            "guide",
	})

	c, err := New(root, Options{Ignore: []string{"build/", "*.log", "# comment", "  "}})
	require.NoError(t, err)
	res, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"README.md", "docs/guide.md", "docs/notes.tmp", "main.go", "pkg/lib/lib.go"}, paths(res))
	assert.Empty(t, res.Warnings)
}

func TestCollectGitignore(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":          "*.tmp\n/dist\n",
		"a.txt":               "a",
		"b.tmp":               "b",
		"dist/bundle.js":      "js",
		"sub/.gitignore":      "secret.txt\n",
		"sub/secret.txt":      "s",
		"sub/public.txt":      "p",
		"other/secret.txt":    "kept",
	})

	t.Run("enabled", func(t *testing.T) {
		c, err := New(root, Options{UseGitignore: true})
		require.NoError(t, err)
		res, err := c.Collect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{".gitignore", "a.txt", "other/secret.txt", "sub/.gitignore", "sub/public.txt"}, paths(res))
	})

	t.Run("disabled", func(t *testing.T) {
		c, err := New(root, Options{})
		require.NoError(t, err)
		res, err := c.Collect(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.Files, 8)
	})
}

func TestCollectOversized(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"small.txt": "tiny",
		"big.bin":   "0123456789abcdef",
	})

	c, err := New(root, Options{MaxFileSize: 8})
	require.NoError(t, err)
	res, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"small.txt"}, paths(res))
	require.Len(t, res.Oversized, 1)
	assert.Equal(t, "big.bin", res.Oversized[0].Path)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "big.bin", res.Warnings[0].Path)
	assert.Contains(t, res.Warnings[0].Reason, "exceeds")
}

func TestCollectSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"real/data.txt": "data",
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "real", "data.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "broken")))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "real", "loop")))

	c, err := New(root, Options{})
	require.NoError(t, err)
	res, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"link.txt", "real/data.txt"}, paths(res))
	for _, f := range res.Files {
		if f.Path == "link.txt" {
			content, err := f.ReadContent()
			require.NoError(t, err)
			assert.Equal(t, "data", string(content))
		}
	}

	reasons := map[string]string{}
	for _, w := range res.Warnings {
		reasons[w.Path] = w.Reason
	}
	assert.Contains(t, reasons["escape"], "outside")
	assert.Contains(t, reasons["broken"], "broken")
}

func TestCollectSymlinkedDirectoryKeepsTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"b/data.txt": "data",
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "b"), filepath.Join(root, "alink")))
	require.NoError(t, os.Symlink(filepath.Join(root, "b"), filepath.Join(root, "b", "self")))

	c, err := New(root, Options{})
	require.NoError(t, err)
	res, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alink/data.txt", "b/data.txt"}, paths(res))
	assert.Empty(t, res.Warnings)
}

func TestCollectExecutableAndNormalization(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"bin/run.sh": "#!/bin/sh"})
	require.NoError(t, os.Chmod(filepath.Join(root, "bin", "run.sh"), 0o755))

	c, err := New(root, Options{})
	require.NoError(t, err)
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "bin/run.sh", res.Files[0].Path)
	if runtime.GOOS != "windows" {
		assert.True(t, res.Files[0].Executable)
	}
}

func TestCollectExcludeFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a", "ghsync.db": "state"})

	c, err := New(root, Options{ExcludeFiles: []string{filepath.Join(root, "ghsync.db")}})
	require.NoError(t, err)
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, paths(res))
}

func TestWalkRestartable(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a/1.txt": "1", "a/2.txt": "2", "b/3.txt": "3"})

	c, err := New(root, Options{})
	require.NoError(t, err)

	// stop the first walk early
	for item, err := range c.Walk(context.Background()) {
		require.NoError(t, err)
		require.NotNil(t, item.File)
		break
	}

	first, err := c.Collect(context.Background())
	require.NoError(t, err)
	second, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.txt", "a/2.txt", "b/3.txt"}, paths(first))
	assert.Equal(t, first.Files, second.Files)
}

func TestWalkCanceled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	c, err := New(root, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Collect(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCanceled))
}
