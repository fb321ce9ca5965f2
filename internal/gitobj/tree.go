package gitobj

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/pkg/models"
)

// Tree is one directory level of a planned snapshot.
type Tree struct {
	Path    string // directory path relative to the root, "" for the root
	Entries []remote.TreeEntry
	SHA     string // locally computed address
}

// Plan is the nested tree graph for one file set, ordered bottom-up so every
// tree appears after all of its subdirectories.
type Plan struct {
	Trees []*Tree
	Root  *Tree
}

// NormalizePath converts p to a forward-slash, root-relative path. Empty and
// "." segments are dropped; ".." is rejected.
func NormalizePath(p string) (string, error) {
	raw := strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(raw, "/")
	out := parts[:0]
	for _, seg := range parts {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", errs.Errorf(errs.KindPath, "normalize path", "path %q escapes the sync root", p).WithPath(p)
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return "", errs.Errorf(errs.KindPath, "normalize path", "path %q is empty", p).WithPath(p)
	}
	return strings.Join(out, "/"), nil
}

// Build groups files by their parent directory and computes every tree's
// address bottom-up. The result depends only on the input set, not its order.
func Build(files []models.FileEntry) (*Plan, error) {
	dirs := map[string]*Tree{"": {Path: ""}}
	files = append([]models.FileEntry(nil), files...)
	seen := make(map[string]bool, len(files))

	ensureDir := func(dir string) error {
		for cur := dir; ; cur = parentDir(cur) {
			if _, ok := dirs[cur]; ok {
				return nil
			}
			if seen[cur] {
				return errs.Errorf(errs.KindPath, "build tree", "%q is both a file and a directory", cur).WithPath(cur)
			}
			dirs[cur] = &Tree{Path: cur}
			if cur == "" {
				return nil
			}
		}
	}

	for i := range files {
		p, err := NormalizePath(files[i].Path)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			return nil, errs.Errorf(errs.KindPath, "build tree", "duplicate path %q", p).WithPath(p)
		}
		if _, isDir := dirs[p]; isDir {
			return nil, errs.Errorf(errs.KindPath, "build tree", "%q is both a file and a directory", p).WithPath(p)
		}
		if _, err := ParseSHA(files[i].SHA); err != nil {
			return nil, err
		}
		seen[p] = true
		files[i].Path = p
		if err := ensureDir(parentDir(p)); err != nil {
			return nil, err
		}
	}

	for _, f := range files {
		mode := remote.ModeFile
		if f.Executable {
			mode = remote.ModeExecutable
		}
		t := dirs[parentDir(f.Path)]
		t.Entries = append(t.Entries, remote.TreeEntry{Name: path.Base(f.Path), Mode: mode, Kind: remote.KindBlob, SHA: f.SHA})
	}

	ordered := make([]*Tree, 0, len(dirs))
	for _, t := range dirs {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := depth(ordered[i].Path), depth(ordered[j].Path)
		if di != dj {
			return di > dj
		}
		return ordered[i].Path < ordered[j].Path
	})

	for _, t := range ordered {
		sha, _, err := EncodeTree(t.Entries)
		if err != nil {
			return nil, err
		}
		t.SHA = sha
		if t.Path == "" {
			continue
		}
		parent := dirs[parentDir(t.Path)]
		parent.Entries = append(parent.Entries, remote.TreeEntry{Name: path.Base(t.Path), Mode: remote.ModeDir, Kind: remote.KindTree, SHA: sha})
	}

	return &Plan{Trees: ordered, Root: dirs[""]}, nil
}

// Write creates every tree of the plan on the remote, children first, and
// returns the root tree address the remote assigned. Subdirectory entries are
// rewritten with the addresses the remote returned for them.
func (p *Plan) Write(ctx context.Context, w remote.TreeWriter, owner, repo string) (string, error) {
	written := make(map[string]string, len(p.Trees))
	for _, t := range p.Trees {
		if err := ctx.Err(); err != nil {
			return "", errs.Wrap(errs.KindCanceled, "write trees", err)
		}
		entries := make([]remote.TreeEntry, len(t.Entries))
		copy(entries, t.Entries)
		for i, e := range entries {
			if e.Kind != remote.KindTree {
				continue
			}
			child := joinPath(t.Path, e.Name)
			sha, ok := written[child]
			if !ok {
				return "", errs.Errorf(errs.KindInternal, "write trees", "subtree %q written out of order", child)
			}
			entries[i].SHA = sha
		}
		sha, err := w.CreateTree(ctx, owner, repo, entries)
		if err != nil {
			return "", err
		}
		written[t.Path] = sha
	}
	return written[""], nil
}

// Lookup returns the tree for a directory path.
func (p *Plan) Lookup(dir string) (*Tree, bool) {
	for _, t := range p.Trees {
		if t.Path == dir {
			return t, true
		}
	}
	return nil, false
}

func parentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}
