// Package remotetest provides an in-memory remote.API for engine tests. Refs
// are compare-and-swap, objects are content addressed with real git
// encodings, and every call can be intercepted with a hook.
package remotetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/gitobj"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/pkg/models"
)

// Operation names passed to hooks and used as call counter keys.
const (
	OpCurrentUser      = "CurrentUser"
	OpListRepositories = "ListRepositories"
	OpCreateRepository = "CreateRepository"
	OpGetRepository    = "GetRepository"
	OpCreateBlob       = "CreateBlob"
	OpCreateTree       = "CreateTree"
	OpGetHead          = "GetHead"
	OpCreateCommit     = "CreateCommit"
	OpCreateRef        = "CreateRef"
	OpUpdateRef        = "UpdateRef"
	OpPutFile          = "PutFile"
)

// Hook runs before an operation takes the store lock. A non-nil error is
// returned from the operation as is.
type Hook func(ctx context.Context, op string) error

type repoState struct {
	meta    models.Repository
	objects map[string][]byte // address -> canonical encoding
	kinds   map[string]string // address -> blob/tree/commit
	refs    map[string]string // branch -> commit address
}

// Store is an in-memory remote.
type Store struct {
	mu       sync.Mutex
	user     models.User
	repos    map[string]*repoState
	calls    map[string]int
	newBlobs int
	hook     Hook
}

var _ remote.API = (*Store)(nil)
var _ remote.CommitURLer = (*Store)(nil)

// NewStore returns an empty store authenticated as login.
func NewStore(login string) *Store {
	return &Store{
		user:  models.User{Login: login, Name: login, Email: login + "@example.com"},
		repos: make(map[string]*repoState),
		calls: make(map[string]int),
	}
}

// SetHook installs h, replacing any previous hook.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// BlobsCreated returns how many blob creations stored new content.
func (s *Store) BlobsCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newBlobs
}

func (s *Store) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	h := s.hook
	s.mu.Unlock()
	if h != nil {
		if err := h(ctx, op); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindCanceled, op, err)
	}
	return nil
}

func key(owner, repo string) string {
	return owner + "/" + repo
}

func (s *Store) repo(op, owner, name string) (*repoState, error) {
	r, ok := s.repos[key(owner, name)]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, op, "repository %s/%s not found", owner, name).WithStatus(404)
	}
	return r, nil
}

// AddRepository registers an empty repository without going through hooks.
func (s *Store) AddRepository(owner, name string) *models.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRepo(owner, name, "", false)
}

func (s *Store) addRepo(owner, name, description string, private bool) *models.Repository {
	r := &repoState{
		meta: models.Repository{
			Owner:         owner,
			Name:          name,
			DefaultBranch: "main",
			Private:       private,
			Description:   description,
			HTMLURL:       "mem://" + owner + "/" + name,
		},
		objects: make(map[string][]byte),
		kinds:   make(map[string]string),
		refs:    make(map[string]string),
	}
	s.repos[key(owner, name)] = r
	meta := r.meta
	return &meta
}

func (s *Store) CurrentUser(ctx context.Context) (*models.User, error) {
	if err := s.enter(ctx, OpCurrentUser); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user
	return &u, nil
}

func (s *Store) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	if err := s.enter(ctx, OpListRepositories); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Repository, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, r.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

func (s *Store) CreateRepository(ctx context.Context, req remote.CreateRepositoryRequest) (*models.Repository, error) {
	if err := s.enter(ctx, OpCreateRepository); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errs.New(errs.KindValidation, OpCreateRepository, "repository name is required").WithStatus(422)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := req.Org
	if owner == "" {
		owner = s.user.Login
	}
	if _, ok := s.repos[key(owner, req.Name)]; ok {
		return nil, errs.Errorf(errs.KindAlreadyExists, OpCreateRepository, "name already exists on this account: %s/%s", owner, req.Name).WithStatus(422)
	}
	meta := s.addRepo(owner, req.Name, req.Description, req.Private)
	if req.AutoInit {
		r := s.repos[key(owner, req.Name)]
		sha, err := s.commitFiles(r, "main", map[string]string{"README.md": "# " + req.Name + "\n"}, "Initial commit")
		if err != nil {
			return nil, err
		}
		r.refs["main"] = sha
	}
	return meta, nil
}

func (s *Store) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	if err := s.enter(ctx, OpGetRepository); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpGetRepository, owner, name)
	if err != nil {
		return nil, err
	}
	meta := r.meta
	return &meta, nil
}

func (s *Store) CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error) {
	if err := s.enter(ctx, OpCreateBlob); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpCreateBlob, owner, repo)
	if err != nil {
		return "", err
	}
	return s.putBlob(r, content), nil
}

func (s *Store) putBlob(r *repoState, content []byte) string {
	sha := gitobj.BlobSHA(content)
	if _, ok := r.objects[sha]; !ok {
		r.objects[sha] = append([]byte(nil), content...)
		r.kinds[sha] = remote.KindBlob
		s.newBlobs++
	}
	return sha
}

func (s *Store) CreateTree(ctx context.Context, owner, repo string, entries []remote.TreeEntry) (string, error) {
	if err := s.enter(ctx, OpCreateTree); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpCreateTree, owner, repo)
	if err != nil {
		return "", err
	}
	return s.putTree(r, entries)
}

func (s *Store) putTree(r *repoState, entries []remote.TreeEntry) (string, error) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return "", errs.Errorf(errs.KindValidation, OpCreateTree, "duplicate entry %q", e.Name).WithStatus(422)
		}
		seen[e.Name] = true
		if r.kinds[e.SHA] != e.Kind {
			return "", errs.Errorf(errs.KindValidation, OpCreateTree, "%s %s does not exist", e.Kind, e.SHA).WithStatus(422)
		}
	}
	sha, raw, err := gitobj.EncodeTree(append([]remote.TreeEntry(nil), entries...))
	if err != nil {
		return "", err
	}
	r.objects[sha] = raw
	r.kinds[sha] = remote.KindTree
	return sha, nil
}

func (s *Store) GetHead(ctx context.Context, owner, repo, branch string) (*remote.Head, error) {
	if err := s.enter(ctx, OpGetHead); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpGetHead, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.head(r, branch)
}

func (s *Store) head(r *repoState, branch string) (*remote.Head, error) {
	sha, ok := r.refs[branch]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, OpGetHead, "branch %s not found", branch).WithStatus(404)
	}
	info, err := gitobj.DecodeCommit(r.objects[sha])
	if err != nil {
		return nil, err
	}
	return &remote.Head{CommitSHA: sha, TreeSHA: info.TreeSHA}, nil
}

func (s *Store) CreateCommit(ctx context.Context, owner, repo string, req remote.CommitRequest) (string, error) {
	if err := s.enter(ctx, OpCreateCommit); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpCreateCommit, owner, repo)
	if err != nil {
		return "", err
	}
	return s.putCommit(r, req)
}

func (s *Store) putCommit(r *repoState, req remote.CommitRequest) (string, error) {
	if r.kinds[req.TreeSHA] != remote.KindTree {
		return "", errs.Errorf(errs.KindValidation, OpCreateCommit, "tree %s does not exist", req.TreeSHA).WithStatus(422)
	}
	for _, p := range req.Parents {
		if r.kinds[p] != "commit" {
			return "", errs.Errorf(errs.KindValidation, OpCreateCommit, "parent %s does not exist", p).WithStatus(422)
		}
	}
	sha, raw, err := gitobj.EncodeCommit(req)
	if err != nil {
		return "", err
	}
	r.objects[sha] = raw
	r.kinds[sha] = "commit"
	return sha, nil
}

func (s *Store) CreateRef(ctx context.Context, owner, repo, branch, sha string) error {
	if err := s.enter(ctx, OpCreateRef); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpCreateRef, owner, repo)
	if err != nil {
		return err
	}
	if _, ok := r.refs[branch]; ok {
		return errs.Errorf(errs.KindConcurrentModification, OpCreateRef, "reference refs/heads/%s already exists", branch).WithStatus(422)
	}
	if r.kinds[sha] != "commit" {
		return errs.Errorf(errs.KindValidation, OpCreateRef, "commit %s does not exist", sha).WithStatus(422)
	}
	r.refs[branch] = sha
	return nil
}

func (s *Store) UpdateRef(ctx context.Context, owner, repo, branch, oldSHA, newSHA string) error {
	if err := s.enter(ctx, OpUpdateRef); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpUpdateRef, owner, repo)
	if err != nil {
		return err
	}
	cur, ok := r.refs[branch]
	if !ok {
		return errs.Errorf(errs.KindNotFound, OpUpdateRef, "branch %s not found", branch).WithStatus(404)
	}
	if cur != oldSHA {
		return errs.Errorf(errs.KindConcurrentModification, OpUpdateRef,
			"branch %s moved from %s to %s", branch, short(oldSHA), short(cur)).WithStatus(422)
	}
	if r.kinds[newSHA] != "commit" {
		return errs.Errorf(errs.KindValidation, OpUpdateRef, "commit %s does not exist", newSHA).WithStatus(422)
	}
	r.refs[branch] = newSHA
	return nil
}

func (s *Store) PutFile(ctx context.Context, req remote.PutFileRequest) (string, error) {
	if err := s.enter(ctx, OpPutFile); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo(OpPutFile, req.Owner, req.Repo)
	if err != nil {
		return "", err
	}

	files := map[string]string{}
	var parents []string
	if cur, ok := r.refs[req.Branch]; ok {
		if files, err = s.flatten(r, cur); err != nil {
			return "", err
		}
		parents = []string{cur}
	}
	files[req.Path] = string(req.Content)
	entries := make([]models.FileEntry, 0, len(files))
	for p, content := range files {
		entries = append(entries, models.FileEntry{Path: p, SHA: s.putBlob(r, []byte(content))})
	}
	plan, err := gitobj.Build(entries)
	if err != nil {
		return "", err
	}
	for _, t := range plan.Trees {
		if _, err := s.putTree(r, t.Entries); err != nil {
			return "", err
		}
	}
	sha, err := s.putCommit(r, remote.CommitRequest{
		Message: req.Message,
		TreeSHA: plan.Root.SHA,
		Parents: parents,
		Author:  req.Author,
	})
	if err != nil {
		return "", err
	}
	r.refs[req.Branch] = sha
	return sha, nil
}

func (s *Store) CommitURL(owner, repo, sha string) string {
	return fmt.Sprintf("mem://%s/%s/commit/%s", owner, repo, sha)
}

// Head returns the commit a branch points at, or "" when it is absent.
func (s *Store) Head(owner, repo, branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repos[key(owner, repo)]; ok {
		return r.refs[branch]
	}
	return ""
}

// Commit decodes a stored commit.
func (s *Store) Commit(owner, repo, sha string) (*gitobj.CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo("read commit", owner, repo)
	if err != nil {
		return nil, err
	}
	if r.kinds[sha] != "commit" {
		return nil, errs.Errorf(errs.KindNotFound, "read commit", "commit %s not found", sha)
	}
	return gitobj.DecodeCommit(r.objects[sha])
}

// Files returns path -> content for the tree a branch points at.
func (s *Store) Files(owner, repo, branch string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo("read files", owner, repo)
	if err != nil {
		return nil, err
	}
	sha, ok := r.refs[branch]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "read files", "branch %s not found", branch)
	}
	return s.flatten(r, sha)
}

// CommitFiles writes a commit with exactly files on top of branch and moves
// the branch to it, the way an outside writer would.
func (s *Store) CommitFiles(owner, repo, branch string, files map[string]string, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repo("commit files", owner, repo)
	if err != nil {
		return "", err
	}
	sha, err := s.commitFiles(r, branch, files, message)
	if err != nil {
		return "", err
	}
	r.refs[branch] = sha
	return sha, nil
}

func (s *Store) commitFiles(r *repoState, branch string, files map[string]string, message string) (string, error) {
	entries := make([]models.FileEntry, 0, len(files))
	for p, content := range files {
		entries = append(entries, models.FileEntry{Path: p, SHA: s.putBlob(r, []byte(content))})
	}
	plan, err := gitobj.Build(entries)
	if err != nil {
		return "", err
	}
	for _, t := range plan.Trees {
		if _, err := s.putTree(r, t.Entries); err != nil {
			return "", err
		}
	}
	var parents []string
	if cur, ok := r.refs[branch]; ok {
		parents = []string{cur}
	}
	return s.putCommit(r, remote.CommitRequest{
		Message: message,
		TreeSHA: plan.Root.SHA,
		Parents: parents,
		Author:  remote.Signature{Name: s.user.Name, Email: s.user.Email, When: time.Now().UTC().Truncate(time.Second)},
	})
}

func (s *Store) flatten(r *repoState, commitSHA string) (map[string]string, error) {
	info, err := gitobj.DecodeCommit(r.objects[commitSHA])
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	var walk func(dir, sha string) error
	walk = func(dir, sha string) error {
		entries, err := gitobj.DecodeTree(r.objects[sha])
		if err != nil {
			return err
		}
		for _, e := range entries {
			p := path.Join(dir, e.Name)
			if e.Kind == remote.KindTree {
				if err := walk(p, e.SHA); err != nil {
					return err
				}
				continue
			}
			out[p] = string(r.objects[e.SHA])
		}
		return nil
	}
	if err := walk("", info.TreeSHA); err != nil {
		return nil, err
	}
	return out, nil
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
