// Package gitobj computes git object addresses locally and encodes blobs,
// trees and commits in git's canonical format. Addresses computed here match
// what a git host assigns, which lets the engine detect unchanged trees
// before talking to the remote.
package gitobj

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote"
)

// BlobSHA returns the git blob address of content.
func BlobSHA(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}

// ParseSHA validates a 40-hex object address.
func ParseSHA(s string) (plumbing.Hash, error) {
	if !plumbing.IsHash(s) {
		return plumbing.ZeroHash, errs.Errorf(errs.KindValidation, "parse object address", "invalid object address %q", s)
	}
	return plumbing.NewHash(s), nil
}

// SortEntries orders entries the way git does: by name, with directory names
// compared as if they carried a trailing slash.
func SortEntries(entries []remote.TreeEntry) {
	key := func(e remote.TreeEntry) string {
		if e.Kind == remote.KindTree {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}

func toFileMode(mode string) (filemode.FileMode, error) {
	switch mode {
	case remote.ModeFile:
		return filemode.Regular, nil
	case remote.ModeExecutable:
		return filemode.Executable, nil
	case remote.ModeDir:
		return filemode.Dir, nil
	}
	return filemode.Empty, errs.Errorf(errs.KindValidation, "encode tree", "unsupported mode %q", mode)
}

func fromFileMode(m filemode.FileMode) (mode, kind string) {
	switch m {
	case filemode.Dir:
		return remote.ModeDir, remote.KindTree
	case filemode.Executable:
		return remote.ModeExecutable, remote.KindBlob
	default:
		return remote.ModeFile, remote.KindBlob
	}
}

// EncodeTree returns the address and canonical encoding of a tree. Entries
// are sorted in place.
func EncodeTree(entries []remote.TreeEntry) (string, []byte, error) {
	SortEntries(entries)
	tree := &object.Tree{Entries: make([]object.TreeEntry, 0, len(entries))}
	for _, e := range entries {
		m, err := toFileMode(e.Mode)
		if err != nil {
			return "", nil, err
		}
		h, err := ParseSHA(e.SHA)
		if err != nil {
			return "", nil, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: e.Name, Mode: m, Hash: h})
	}
	obj := &plumbing.MemoryObject{}
	if err := tree.Encode(obj); err != nil {
		return "", nil, fmt.Errorf("encode tree: %w", err)
	}
	return encoded(obj)
}

// DecodeTree parses a canonical tree encoding.
func DecodeTree(raw []byte) ([]remote.TreeEntry, error) {
	obj := memoryObject(plumbing.TreeObject, raw)
	var tree object.Tree
	if err := tree.Decode(obj); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	out := make([]remote.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		mode, kind := fromFileMode(e.Mode)
		out = append(out, remote.TreeEntry{Name: e.Name, Mode: mode, Kind: kind, SHA: e.Hash.String()})
	}
	return out, nil
}

// EncodeCommit returns the address and canonical encoding of a commit. The
// author doubles as committer.
func EncodeCommit(req remote.CommitRequest) (string, []byte, error) {
	tree, err := ParseSHA(req.TreeSHA)
	if err != nil {
		return "", nil, err
	}
	parents := make([]plumbing.Hash, 0, len(req.Parents))
	for _, p := range req.Parents {
		h, err := ParseSHA(p)
		if err != nil {
			return "", nil, err
		}
		parents = append(parents, h)
	}
	sig := object.Signature{Name: req.Author.Name, Email: req.Author.Email, When: req.Author.When}
	c := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      req.Message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := &plumbing.MemoryObject{}
	if err := c.Encode(obj); err != nil {
		return "", nil, fmt.Errorf("encode commit: %w", err)
	}
	return encoded(obj)
}

// CommitInfo is the subset of a decoded commit the engine needs.
type CommitInfo struct {
	TreeSHA string
	Parents []string
	Message string
	Author  remote.Signature
}

// DecodeCommit parses a canonical commit encoding.
func DecodeCommit(raw []byte) (*CommitInfo, error) {
	obj := memoryObject(plumbing.CommitObject, raw)
	var c object.Commit
	if err := c.Decode(obj); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	info := &CommitInfo{
		TreeSHA: c.TreeHash.String(),
		Message: c.Message,
		Author:  remote.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
	}
	for _, p := range c.ParentHashes {
		info.Parents = append(info.Parents, p.String())
	}
	return info, nil
}

func memoryObject(t plumbing.ObjectType, raw []byte) *plumbing.MemoryObject {
	obj := &plumbing.MemoryObject{}
	obj.SetType(t)
	obj.SetSize(int64(len(raw)))
	_, _ = obj.Write(raw)
	return obj
}

func encoded(obj *plumbing.MemoryObject) (string, []byte, error) {
	r, err := obj.Reader()
	if err != nil {
		return "", nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", nil, err
	}
	return obj.Hash().String(), buf.Bytes(), nil
}
