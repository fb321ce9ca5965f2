// Package sync mirrors a local directory into a remote repository as a single
// commit: collect files, upload blobs, build trees, then advance the branch.
package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chmdznr/ghsync/internal/collector"
	"github.com/chmdznr/ghsync/internal/db"
	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/gitobj"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/pkg/models"
	"github.com/chmdznr/ghsync/pkg/utils"
)

// Stage names reported in errs.StageError.
const (
	StageProvision = "provision"
	StageCollect   = "collect"
	StageUpload    = "upload"
	StageTree      = "tree"
	StageCommit    = "commit"
)

// Oversize policies.
const (
	OversizeSkip  = "skip"
	OversizeAbort = "abort"
)

// DefaultBranch is used when a request names no branch.
const DefaultBranch = "main"

// Syncer handles synchronization of local directories into remote repositories
type Syncer struct {
	api      remote.API
	db       *db.DB
	config   SyncerConfig
	logger   *slog.Logger
	progress io.Writer
	now      func() time.Time
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	NumWorkers     int
	MaxFileSize    int64
	OversizePolicy string
	Ignore         []string
	UseGitignore   bool

	// SkipUnchanged returns the current head instead of committing when the
	// computed root tree equals the head's tree.
	SkipUnchanged bool

	// AutoInit asks the remote to create an initial commit when provisioning.
	AutoInit bool

	// Author signs commits. An empty name falls back to the remote identity.
	Author remote.Signature
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		NumWorkers:     16,
		MaxFileSize:    collector.DefaultMaxFileSize,
		OversizePolicy: OversizeSkip,
		UseGitignore:   true,
		AutoInit:       true,
	}
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithDB enables blob reuse and sync recording through the state database.
func WithDB(d *db.DB) Option {
	return func(s *Syncer) {
		s.db = d
	}
}

// WithProgress renders an upload progress bar to w.
func WithProgress(w io.Writer) Option {
	return func(s *Syncer) {
		s.progress = w
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// NewSyncer creates a new syncer instance
func NewSyncer(api remote.API, config *SyncerConfig, opts ...Option) *Syncer {
	if config == nil {
		defaultConfig := DefaultSyncerConfig()
		config = &defaultConfig
	}
	s := &Syncer{
		api:    api,
		config: *config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = discardLogger()
	}
	if s.config.NumWorkers <= 0 {
		s.config.NumWorkers = DefaultSyncerConfig().NumWorkers
	}
	if s.config.MaxFileSize <= 0 {
		s.config.MaxFileSize = collector.DefaultMaxFileSize
	}
	if s.config.OversizePolicy == "" {
		s.config.OversizePolicy = OversizeSkip
	}
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SyncRequest names a local directory and the branch it is mirrored to.
type SyncRequest struct {
	Owner     string
	Repo      string
	LocalPath string
	Branch    string // DefaultBranch when empty
	Message   string // "Sync N files from <dir>" when empty
}

// CreateRequest provisions a repository and mirrors a directory into it.
type CreateRequest struct {
	Name        string
	Description string
	Private     bool
	LocalPath   string
	Org         string
	Branch      string // the repository default branch when empty
	Message     string
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

// ValidateName rejects names a repository host would refuse.
func ValidateName(kind, name string) error {
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return errs.Errorf(errs.KindValidation, "validate "+kind, "invalid %s name %q", kind, name)
	}
	return nil
}

func (r *SyncRequest) validate() error {
	if err := ValidateName("owner", r.Owner); err != nil {
		return err
	}
	if err := ValidateName("repository", r.Repo); err != nil {
		return err
	}
	if r.LocalPath == "" {
		r.LocalPath = "."
	}
	if r.Branch == "" {
		r.Branch = DefaultBranch
	}
	if strings.Contains(r.Branch, "..") || strings.HasPrefix(r.Branch, "/") ||
		strings.HasSuffix(r.Branch, "/") || strings.ContainsAny(r.Branch, " ~^:?*[\\") {
		return errs.Errorf(errs.KindValidation, "validate branch", "invalid branch name %q", r.Branch)
	}
	return nil
}

// UserInfo returns the identity behind the configured credential.
func (s *Syncer) UserInfo(ctx context.Context) (*models.User, error) {
	return s.api.CurrentUser(ctx)
}

// ListRepositories returns the repositories visible to the caller.
func (s *Syncer) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	return s.api.ListRepositories(ctx)
}

// CreateRepository provisions an empty repository. A name collision fails
// with errs.KindAlreadyExists; existing repositories are never reused.
func (s *Syncer) CreateRepository(ctx context.Context, name, description string, private bool, org string) (*models.Repository, error) {
	if err := ValidateName("repository", name); err != nil {
		return nil, err
	}
	if org != "" {
		if err := ValidateName("organization", org); err != nil {
			return nil, err
		}
	}
	repo, err := s.api.CreateRepository(ctx, remote.CreateRepositoryRequest{
		Name:        name,
		Description: description,
		Private:     private,
		Org:         org,
		AutoInit:    s.config.AutoInit,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("repository created", "repo", repo.FullName(), "url", repo.HTMLURL)
	return repo, nil
}

// PutFile creates or updates one file with its own commit, bypassing the
// tree pipeline.
func (s *Syncer) PutFile(ctx context.Context, owner, repo, branch, path string, content []byte, message string) (string, error) {
	req := SyncRequest{Owner: owner, Repo: repo, Branch: branch}
	if err := req.validate(); err != nil {
		return "", err
	}
	p, err := gitobj.NormalizePath(path)
	if err != nil {
		return "", err
	}
	author, err := s.author(ctx)
	if err != nil {
		return "", err
	}
	if message == "" {
		message = "Update " + p
	}
	sha, err := s.api.PutFile(ctx, remote.PutFileRequest{
		Owner:   owner,
		Repo:    repo,
		Branch:  req.Branch,
		Path:    p,
		Content: content,
		Message: message,
		Author:  author,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("file committed", "repo", owner+"/"+repo, "branch", req.Branch, "path", p, "sha", sha)
	return sha, nil
}

// Sync mirrors req.LocalPath into req.Owner/req.Repo as one commit on
// req.Branch. No commit is created unless every collected file uploaded.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) (*models.SyncResult, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return nil, err
	}
	repoName := req.Owner + "/" + req.Repo
	logger := s.logger.With("repo", repoName, "branch", req.Branch)

	// collect
	col, err := collector.New(req.LocalPath, collector.Options{
		Ignore:       s.config.Ignore,
		UseGitignore: s.config.UseGitignore,
		MaxFileSize:  s.config.MaxFileSize,
		ExcludeFiles: s.stateFiles(),
		Logger:       s.logger,
	})
	if err != nil {
		return nil, &errs.StageError{Stage: StageCollect, Err: err}
	}
	collected, err := col.Collect(ctx)
	if err != nil {
		return nil, &errs.StageError{Stage: StageCollect, Err: err}
	}
	if len(collected.Oversized) > 0 && s.config.OversizePolicy == OversizeAbort {
		err := errs.Errorf(errs.KindValidation, "collect", "%d files exceed the %s size limit, first %s",
			len(collected.Oversized), utils.FormatSize(s.config.MaxFileSize), collected.Oversized[0].Path)
		return nil, &errs.StageError{Stage: StageCollect, Err: err}
	}
	if len(collected.Files) == 0 {
		err := errs.Errorf(errs.KindValidation, "collect", "no files to sync under %s", col.Root())
		return nil, &errs.StageError{Stage: StageCollect, Err: err}
	}
	var totalSize int64
	for _, f := range collected.Files {
		totalSize += f.Size
	}
	logger.Info("collected files", "stage", StageCollect, "files", len(collected.Files),
		"size", utils.FormatSize(totalSize), "skipped", len(collected.Oversized))

	// upload
	known := s.knownBlobs(repoName, logger)
	progress := newSyncProgress(int64(len(collected.Files)), totalSize, s.progress)
	progress.start()
	uploader := NewUploader(s.api, req.Owner, req.Repo, s.config.NumWorkers, known, s.logger)
	uploaded, err := uploader.Upload(ctx, collected.Files, progress)
	progress.finish()
	if err != nil {
		return nil, &errs.StageError{Stage: StageUpload, Synced: len(uploaded.Entries), Err: err}
	}
	logger.Info("blobs ready", "stage", StageUpload, "uploaded", uploaded.Uploaded, "reused", uploaded.Reused,
		"speed", formatSpeed(progress.avgSpeed()))
	synced := len(uploaded.Entries)

	// tree
	if err := canceled(ctx, "build tree"); err != nil {
		return nil, &errs.StageError{Stage: StageTree, Synced: synced, Err: err}
	}
	plan, err := gitobj.Build(uploaded.Entries)
	if err != nil {
		return nil, &errs.StageError{Stage: StageTree, Synced: synced, Err: err}
	}

	composer := NewCommitComposer(s.api, req.Owner, req.Repo, req.Branch, s.logger)
	result := &models.SyncResult{
		Owner:       req.Owner,
		Repo:        req.Repo,
		Branch:      req.Branch,
		SyncedFiles: make([]string, 0, synced),
		Warnings:    collected.Warnings,
		TreeSHA:     plan.Root.SHA,
		Uploaded:    uploaded.Uploaded,
		Reused:      uploaded.Reused,
	}
	for _, e := range uploaded.Entries {
		result.SyncedFiles = append(result.SyncedFiles, e.Path)
	}

	if s.config.SkipUnchanged {
		head, err := composer.Head(ctx)
		if err != nil {
			return nil, &errs.StageError{Stage: StageCommit, Synced: synced, Err: err}
		}
		if head != nil && head.TreeSHA == plan.Root.SHA {
			result.CommitSHA = head.CommitSHA
			result.Unchanged = true
			result.CommitURL = s.commitURL(req.Owner, req.Repo, head.CommitSHA)
			result.Duration = time.Since(start)
			logger.Info("tree unchanged, no commit created", "stage", StageCommit, "sha", head.CommitSHA)
			s.record(repoName, req.Branch, uploaded, collected, result, logger)
			return result, nil
		}
	}

	if err := canceled(ctx, "write trees"); err != nil {
		return nil, &errs.StageError{Stage: StageTree, Synced: synced, Err: err}
	}
	rootSHA, err := plan.Write(ctx, s.api, req.Owner, req.Repo)
	if err != nil {
		return nil, &errs.StageError{Stage: StageTree, Synced: synced, Err: err}
	}
	result.TreeSHA = rootSHA

	// commit
	author, err := s.author(ctx)
	if err != nil {
		return nil, &errs.StageError{Stage: StageCommit, Synced: synced, Err: err}
	}
	message := req.Message
	if message == "" {
		message = fmt.Sprintf("Sync %d files from %s", synced, filepath.Base(col.Root()))
	}
	out, err := composer.Commit(ctx, rootSHA, message, author)
	if err != nil {
		return nil, &errs.StageError{Stage: StageCommit, Synced: synced, Err: err}
	}
	result.CommitSHA = out.CommitSHA
	result.ParentSHA = out.ParentSHA
	result.Created = out.Created
	result.Attempts = out.Attempts
	result.CommitURL = s.commitURL(req.Owner, req.Repo, out.CommitSHA)
	result.Duration = time.Since(start)

	logger.Info("sync complete", "stage", StageCommit, "sha", out.CommitSHA, "files", synced,
		"duration", utils.FormatDuration(result.Duration))
	s.record(repoName, req.Branch, uploaded, collected, result, logger)
	return result, nil
}

// CreateAndSync provisions a repository and mirrors req.LocalPath into it.
func (s *Syncer) CreateAndSync(ctx context.Context, req CreateRequest) (*models.CreateResult, error) {
	repo, err := s.CreateRepository(ctx, req.Name, req.Description, req.Private, req.Org)
	if err != nil {
		return nil, &errs.StageError{Stage: StageProvision, Err: err}
	}

	branch := req.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	res, err := s.Sync(ctx, SyncRequest{
		Owner:     repo.Owner,
		Repo:      repo.Name,
		LocalPath: req.LocalPath,
		Branch:    branch,
		Message:   req.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("repository %s created but sync failed: %w", repo.HTMLURL, err)
	}
	return &models.CreateResult{
		URL:         repo.HTMLURL,
		Repository:  *repo,
		SyncedFiles: res.SyncedFiles,
		Sync:        res,
	}, nil
}

func (s *Syncer) author(ctx context.Context) (remote.Signature, error) {
	sig := s.config.Author
	sig.When = s.now().UTC().Truncate(time.Second)
	if sig.Name != "" {
		if sig.Email == "" {
			sig.Email = sig.Name + "@users.noreply.github.com"
		}
		return sig, nil
	}
	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		return sig, err
	}
	sig.Name = user.Name
	if sig.Name == "" {
		sig.Name = user.Login
	}
	sig.Email = user.Email
	if sig.Email == "" {
		sig.Email = user.Login + "@users.noreply.github.com"
	}
	return sig, nil
}

func (s *Syncer) commitURL(owner, repo, sha string) string {
	if u, ok := s.api.(remote.CommitURLer); ok {
		return u.CommitURL(owner, repo, sha)
	}
	return ""
}

func (s *Syncer) stateFiles() []string {
	if s.db == nil || s.db.Path() == "" {
		return nil
	}
	p := s.db.Path()
	return []string{p, p + "-wal", p + "-shm", p + "-journal"}
}

func (s *Syncer) knownBlobs(repo string, logger *slog.Logger) map[string]bool {
	if s.db == nil {
		return nil
	}
	known, err := s.db.KnownBlobs(repo)
	if err != nil {
		logger.Warn("failed to read known blobs, uploading everything", "error", err)
		return nil
	}
	return known
}

// record stores the outcome of a successful sync. Failures only log: the
// branch has already moved.
func (s *Syncer) record(repo, branch string, uploaded *UploadResult, collected *collector.Result, result *models.SyncResult, logger *slog.Logger) {
	if s.db == nil {
		return
	}

	blobs := make([]models.Blob, 0, len(uploaded.Entries))
	records := make([]db.FileRecord, 0, len(uploaded.Entries)+len(collected.Oversized))
	for _, e := range uploaded.Entries {
		blobs = append(blobs, models.Blob{SHA: e.SHA, Size: e.Size})
		records = append(records, db.FileRecord{FilePath: e.Path, SHA: e.SHA, Size: e.Size, UploadStatus: uploaded.Statuses[e.Path]})
	}
	for _, f := range collected.Oversized {
		records = append(records, db.FileRecord{FilePath: f.Path, Size: f.Size, UploadStatus: db.StatusSkipped})
	}

	if err := s.db.SaveBlobsBatch(repo, blobs); err != nil {
		logger.Warn("failed to record blobs", "error", err)
	}
	if err := s.db.ReplaceFileRecords(repo, branch, records); err != nil {
		logger.Warn("failed to record files", "error", err)
	}
	if _, err := s.db.RecordSync(models.SyncRecord{
		Repo:      repo,
		Branch:    branch,
		CommitSHA: result.CommitSHA,
		TreeSHA:   result.TreeSHA,
		ParentSHA: result.ParentSHA,
		Files:     len(result.SyncedFiles),
		Skipped:   len(collected.Oversized),
		Unchanged: result.Unchanged,
	}); err != nil {
		logger.Warn("failed to record sync", "error", err)
	}
}
