// Package remote describes the version-control hosting API the sync engine
// consumes. Backends (GitHub, S3-compatible object storage, in-memory) all
// implement API and report failures as *errs.Error values.
package remote

import (
	"context"
	"time"

	"github.com/chmdznr/ghsync/pkg/models"
)

// Entry modes as written into tree objects.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeDir        = "040000"
)

// Entry kinds.
const (
	KindBlob = "blob"
	KindTree = "tree"
)

// TreeEntry is one child of a directory as sent to the remote.
type TreeEntry struct {
	Name string
	Mode string
	Kind string
	SHA  string
}

// Head is the observed tip of a branch.
type Head struct {
	CommitSHA string
	TreeSHA   string
}

// Signature identifies a commit author.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitRequest describes a commit to create.
type CommitRequest struct {
	Message string
	TreeSHA string
	Parents []string
	Author  Signature
}

// CreateRepositoryRequest describes a repository to provision.
type CreateRepositoryRequest struct {
	Name        string
	Description string
	Private     bool
	Org         string // empty creates under the authenticated user
	AutoInit    bool
}

// PutFileRequest describes a single-file create-or-update.
type PutFileRequest struct {
	Owner   string
	Repo    string
	Branch  string
	Path    string
	Content []byte
	Message string
	Author  Signature
}

// Identity is implemented by backends that can name the caller.
type Identity interface {
	CurrentUser(ctx context.Context) (*models.User, error)
}

// Repositories lists, creates and looks up repositories.
type Repositories interface {
	ListRepositories(ctx context.Context) ([]models.Repository, error)
	CreateRepository(ctx context.Context, req CreateRepositoryRequest) (*models.Repository, error)
	GetRepository(ctx context.Context, owner, name string) (*models.Repository, error)
}

// BlobWriter creates content objects. Creating an existing blob is a no-op
// that returns the same address.
type BlobWriter interface {
	CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error)
}

// TreeWriter creates tree objects from complete entry lists.
type TreeWriter interface {
	CreateTree(ctx context.Context, owner, repo string, entries []TreeEntry) (string, error)
}

// History reads and advances branch heads.
//
// GetHead returns a KindNotFound error when the branch does not exist.
// UpdateRef must fail with KindConcurrentModification unless the branch still
// points at oldSHA.
type History interface {
	GetHead(ctx context.Context, owner, repo, branch string) (*Head, error)
	CreateCommit(ctx context.Context, owner, repo string, req CommitRequest) (string, error)
	CreateRef(ctx context.Context, owner, repo, branch, sha string) error
	UpdateRef(ctx context.Context, owner, repo, branch, oldSHA, newSHA string) error
}

// FilePutter is the lightweight single-file path for callers that do not need
// atomic multi-file commits. It returns the resulting commit address.
type FilePutter interface {
	PutFile(ctx context.Context, req PutFileRequest) (string, error)
}

// API is the full surface a backend provides.
type API interface {
	Identity
	Repositories
	BlobWriter
	TreeWriter
	History
	FilePutter
}

// CommitURLer is implemented by backends that can link to a commit.
type CommitURLer interface {
	CommitURL(owner, repo, sha string) string
}
