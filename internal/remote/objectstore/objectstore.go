// Package objectstore implements remote.API on an S3-compatible bucket.
//
// Repositories are stored as git objects under a per-repository prefix:
//
//	<owner>/<repo>/repo.json             repository metadata
//	<owner>/<repo>/objects/ab/cdef...    canonical blob, tree and commit encodings
//	<owner>/<repo>/refs/heads/<branch>   commit address a branch points at
//
// Objects are content-addressed, so writes are idempotent. Ref updates are
// compare-and-swap within one process; the bucket offers no conditional
// write, so two processes racing on one branch are not detected.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/gitobj"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/pkg/models"
	"github.com/chmdznr/ghsync/pkg/version"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
	// Owner is the namespace used when a request names no organization.
	Owner string
}

// Store is an object-storage remote.
type Store struct {
	client  *minio.Client
	bucket  string
	owner   string
	limiter *remote.Limiter
	retry   remote.RetryPolicy
	logger  *slog.Logger

	refMu sync.Mutex
}

var _ remote.API = (*Store)(nil)
var _ remote.CommitURLer = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides remote.DefaultRetryPolicy.
func WithRetryPolicy(p remote.RetryPolicy) Option {
	return func(s *Store) {
		s.retry = p
	}
}

// WithLimiter shares an existing rate-limit gate.
func WithLimiter(l *remote.Limiter) Option {
	return func(s *Store) {
		s.limiter = l
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a Store for cfg. No request is made until first use.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errs.New(errs.KindValidation, "configure object store", "endpoint and bucket are required")
	}
	if cfg.Owner == "" {
		return nil, errs.New(errs.KindValidation, "configure object store", "owner is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, errs.Errorf(errs.KindValidation, "configure object store", "failed to initialize MinIO client: %v", err)
	}
	client.SetAppInfo(version.AppName, version.Version)
	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		owner:  cfg.Owner,
		retry:  remote.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = remote.NewLimiter()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

func repoPrefix(owner, repo string) string {
	return owner + "/" + repo + "/"
}

func metaKey(owner, repo string) string {
	return repoPrefix(owner, repo) + "repo.json"
}

func objectKey(owner, repo, sha string) string {
	return repoPrefix(owner, repo) + "objects/" + sha[:2] + "/" + sha[2:]
}

func refKey(owner, repo, branch string) string {
	return repoPrefix(owner, repo) + "refs/heads/" + branch
}

// metadata is the persisted form of a repository.
type metadata struct {
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Private       bool      `json:"private"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

func (m metadata) repository() models.Repository {
	return models.Repository{
		Owner:         m.Owner,
		Name:          m.Name,
		DefaultBranch: m.DefaultBranch,
		Private:       m.Private,
		Description:   m.Description,
	}
}

// do runs one storage call under the shared limiter and retry policy.
func (s *Store) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	attempt := 0
	return remote.Retry(ctx, s.limiter, s.retry, func(ctx context.Context) error {
		attempt++
		err := classify(op, key, fn(ctx))
		if err != nil && errs.Retryable(err) {
			s.logger.Warn("object store request failed", "op", op, "key", key, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (s *Store) get(ctx context.Context, op, key string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, op, key, func(ctx context.Context) error {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		data, err = io.ReadAll(obj)
		return err
	})
	return data, err
}

func (s *Store) put(ctx context.Context, op, key string, data []byte, contentType string) error {
	return s.do(ctx, op, key, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	})
}

func (s *Store) exists(ctx context.Context, op, key string) (bool, error) {
	err := s.do(ctx, op, key, func(ctx context.Context) error {
		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		return err
	})
	if errs.KindOf(err) == errs.KindNotFound {
		return false, nil
	}
	return err == nil, err
}

// CurrentUser reports the configured owner once the bucket is reachable.
func (s *Store) CurrentUser(ctx context.Context) (*models.User, error) {
	var ok bool
	err := s.do(ctx, "check bucket", s.bucket, func(ctx context.Context) (err error) {
		ok, err = s.client.BucketExists(ctx, s.bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "check bucket", "bucket %s does not exist", s.bucket)
	}
	return &models.User{Login: s.owner, Name: s.owner, HTMLURL: s.client.EndpointURL().String() + "/" + s.bucket}, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	var ok bool
	err := s.do(ctx, "check bucket", s.bucket, func(ctx context.Context) (err error) {
		ok, err = s.client.BucketExists(ctx, s.bucket)
		return err
	})
	if err != nil || ok {
		return err
	}
	s.logger.Info("creating bucket", "bucket", s.bucket)
	return s.do(ctx, "create bucket", s.bucket, func(ctx context.Context) error {
		return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	})
}

// ListRepositories returns the repositories under the configured owner.
func (s *Store) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	var names []string
	err := s.do(ctx, "list repositories", s.owner+"/", func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		names = names[:0]
		for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.owner + "/"}) {
			if info.Err != nil {
				return info.Err
			}
			if strings.HasSuffix(info.Key, "/") {
				names = append(names, path.Base(info.Key))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Repository, 0, len(names))
	for _, name := range names {
		repo, err := s.GetRepository(ctx, s.owner, name)
		if errs.KindOf(err) == errs.KindNotFound {
			// a prefix without metadata is not a repository
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *repo)
	}
	return out, nil
}

func (s *Store) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	data, err := s.get(ctx, "get repository", metaKey(owner, name))
	if err != nil {
		return nil, err
	}
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Errorf(errs.KindInternal, "get repository", "corrupt metadata for %s/%s: %v", owner, name, err)
	}
	r := m.repository()
	return &r, nil
}

// CreateRepository writes the repository metadata and, with AutoInit, an
// initial commit holding a README on the default branch.
func (s *Store) CreateRepository(ctx context.Context, req remote.CreateRepositoryRequest) (*models.Repository, error) {
	owner := s.owner
	if req.Org != "" {
		owner = req.Org
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()
	key := metaKey(owner, req.Name)
	found, err := s.exists(ctx, "create repository", key)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, errs.Errorf(errs.KindAlreadyExists, "create repository", "repository %s/%s already exists", owner, req.Name)
	}

	m := metadata{
		Owner:         owner,
		Name:          req.Name,
		Description:   req.Description,
		Private:       req.Private,
		DefaultBranch: "main",
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create repository", err)
	}
	if err := s.put(ctx, "create repository", key, data, "application/json"); err != nil {
		return nil, err
	}

	if req.AutoInit {
		readme := []byte("# " + req.Name + "\n")
		if req.Description != "" {
			readme = append(readme, "\n"+req.Description+"\n"...)
		}
		sha, err := s.commitFiles(ctx, owner, req.Name, nil, []models.FileEntry{{Path: "README.md", SHA: gitobj.BlobSHA(readme)}},
			map[string][]byte{gitobj.BlobSHA(readme): readme}, "Initial commit", remote.Signature{Name: owner, When: m.CreatedAt})
		if err != nil {
			return nil, err
		}
		if err := s.writeRef(ctx, owner, req.Name, m.DefaultBranch, sha); err != nil {
			return nil, err
		}
	}
	r := m.repository()
	return &r, nil
}

func (s *Store) putObject(ctx context.Context, op, owner, repo, sha string, raw []byte, contentType string) error {
	key := objectKey(owner, repo, sha)
	found, err := s.exists(ctx, op, key)
	if err != nil || found {
		return err
	}
	return s.put(ctx, op, key, raw, contentType)
}

// blobContentType sniffs stored file content so blobs open sensibly when
// fetched straight from the bucket.
func blobContentType(content []byte) string {
	if len(content) > 512 {
		content = content[:512]
	}
	return mimetype.Detect(content).String()
}

func (s *Store) getObject(ctx context.Context, op, owner, repo, sha string) ([]byte, error) {
	return s.get(ctx, op, objectKey(owner, repo, sha))
}

// requireObjects fails with a validation error when a referenced object is
// missing, mirroring what a hosted git API answers.
func (s *Store) requireObjects(ctx context.Context, op, owner, repo string, shas ...string) error {
	for _, sha := range shas {
		found, err := s.exists(ctx, op, objectKey(owner, repo, sha))
		if err != nil {
			return err
		}
		if !found {
			return errs.Errorf(errs.KindValidation, op, "object %s does not exist", sha)
		}
	}
	return nil
}

func (s *Store) CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error) {
	sha := gitobj.BlobSHA(content)
	if err := s.putObject(ctx, "create blob", owner, repo, sha, content, blobContentType(content)); err != nil {
		return "", err
	}
	return sha, nil
}

func (s *Store) CreateTree(ctx context.Context, owner, repo string, entries []remote.TreeEntry) (string, error) {
	shas := make([]string, 0, len(entries))
	for _, e := range entries {
		shas = append(shas, e.SHA)
	}
	if err := s.requireObjects(ctx, "create tree", owner, repo, shas...); err != nil {
		return "", err
	}
	sha, raw, err := gitobj.EncodeTree(entries)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "create tree", err)
	}
	if err := s.putObject(ctx, "create tree", owner, repo, sha, raw, "application/x-git-tree"); err != nil {
		return "", err
	}
	return sha, nil
}

func (s *Store) GetHead(ctx context.Context, owner, repo, branch string) (*remote.Head, error) {
	sha, err := s.readRef(ctx, owner, repo, branch)
	if err != nil {
		return nil, err
	}
	raw, err := s.getObject(ctx, "get commit", owner, repo, sha)
	if err != nil {
		return nil, err
	}
	info, err := gitobj.DecodeCommit(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "get commit", err)
	}
	return &remote.Head{CommitSHA: sha, TreeSHA: info.TreeSHA}, nil
}

func (s *Store) CreateCommit(ctx context.Context, owner, repo string, req remote.CommitRequest) (string, error) {
	if err := s.requireObjects(ctx, "create commit", owner, repo, append([]string{req.TreeSHA}, req.Parents...)...); err != nil {
		return "", err
	}
	sha, raw, err := gitobj.EncodeCommit(req)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "create commit", err)
	}
	if err := s.putObject(ctx, "create commit", owner, repo, sha, raw, "application/x-git-commit"); err != nil {
		return "", err
	}
	return sha, nil
}

func (s *Store) readRef(ctx context.Context, owner, repo, branch string) (string, error) {
	data, err := s.get(ctx, "get ref", refKey(owner, repo, branch))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return "", errs.Errorf(errs.KindNotFound, "get ref", "branch %s not found", branch)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) writeRef(ctx context.Context, owner, repo, branch, sha string) error {
	return s.put(ctx, "write ref", refKey(owner, repo, branch), []byte(sha+"\n"), "text/plain")
}

func (s *Store) CreateRef(ctx context.Context, owner, repo, branch, sha string) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	found, err := s.exists(ctx, "create ref", refKey(owner, repo, branch))
	if err != nil {
		return err
	}
	if found {
		return errs.Errorf(errs.KindConcurrentModification, "create ref", "branch %s already exists", branch)
	}
	return s.writeRef(ctx, owner, repo, branch, sha)
}

func (s *Store) UpdateRef(ctx context.Context, owner, repo, branch, oldSHA, newSHA string) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	cur, err := s.readRef(ctx, owner, repo, branch)
	if err != nil {
		return err
	}
	if cur != oldSHA {
		return errs.Errorf(errs.KindConcurrentModification, "update ref", "branch %s moved from %s to %s", branch, oldSHA, cur)
	}
	return s.writeRef(ctx, owner, repo, branch, newSHA)
}

// PutFile commits one file on top of the branch head, creating the branch
// when it does not exist.
func (s *Store) PutFile(ctx context.Context, req remote.PutFileRequest) (string, error) {
	name, err := gitobj.NormalizePath(req.Path)
	if err != nil {
		return "", &errs.Error{Kind: errs.KindPath, Op: "put file", Path: req.Path, Err: err}
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()

	var parents []string
	files := map[string]models.FileEntry{}
	head, err := s.readRef(ctx, req.Owner, req.Repo, req.Branch)
	switch {
	case err == nil:
		parents = []string{head}
		if files, err = s.flatten(ctx, req.Owner, req.Repo, head); err != nil {
			return "", err
		}
	case errs.KindOf(err) != errs.KindNotFound:
		return "", err
	}
	for p := range files {
		if strings.HasPrefix(p, name+"/") {
			return "", errs.Errorf(errs.KindValidation, "put file", "%s is a directory", name).WithPath(name)
		}
	}

	sha := gitobj.BlobSHA(req.Content)
	prev, ok := files[name]
	files[name] = models.FileEntry{Path: name, SHA: sha, Size: int64(len(req.Content)), Executable: ok && prev.Executable}
	entries := make([]models.FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, f)
	}

	author := req.Author
	if author.When.IsZero() {
		author.When = time.Now().UTC().Truncate(time.Second)
	}
	commit, err := s.commitFiles(ctx, req.Owner, req.Repo, parents, entries, map[string][]byte{sha: req.Content}, req.Message, author)
	if err != nil {
		return "", err
	}
	if err := s.writeRef(ctx, req.Owner, req.Repo, req.Branch, commit); err != nil {
		return "", err
	}
	return commit, nil
}

// commitFiles uploads the given blobs, writes the trees for entries and
// returns the new commit. The caller moves the ref.
func (s *Store) commitFiles(ctx context.Context, owner, repo string, parents []string, entries []models.FileEntry,
	blobs map[string][]byte, message string, author remote.Signature) (string, error) {
	for _, content := range blobs {
		if _, err := s.CreateBlob(ctx, owner, repo, content); err != nil {
			return "", err
		}
	}
	plan, err := gitobj.Build(entries)
	if err != nil {
		return "", err
	}
	tree, err := plan.Write(ctx, s, owner, repo)
	if err != nil {
		return "", err
	}
	return s.CreateCommit(ctx, owner, repo, remote.CommitRequest{
		Message: message,
		TreeSHA: tree,
		Parents: parents,
		Author:  author,
	})
}

// flatten lists every file reachable from a commit.
func (s *Store) flatten(ctx context.Context, owner, repo, commitSHA string) (map[string]models.FileEntry, error) {
	raw, err := s.getObject(ctx, "get commit", owner, repo, commitSHA)
	if err != nil {
		return nil, err
	}
	info, err := gitobj.DecodeCommit(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "get commit", err)
	}

	out := make(map[string]models.FileEntry)
	var walk func(dir, sha string) error
	walk = func(dir, sha string) error {
		raw, err := s.getObject(ctx, "get tree", owner, repo, sha)
		if err != nil {
			return err
		}
		entries, err := gitobj.DecodeTree(raw)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "get tree", err)
		}
		for _, e := range entries {
			p := path.Join(dir, e.Name)
			if e.Kind == remote.KindTree {
				if err := walk(p, e.SHA); err != nil {
					return err
				}
				continue
			}
			out[p] = models.FileEntry{Path: p, SHA: e.SHA, Executable: e.Mode == remote.ModeExecutable}
		}
		return nil
	}
	if err := walk("", info.TreeSHA); err != nil {
		return nil, err
	}
	return out, nil
}

// CommitURL points at the stored commit object.
func (s *Store) CommitURL(owner, repo, sha string) string {
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL(), s.bucket, objectKey(owner, repo, sha))
}
