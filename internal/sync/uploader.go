package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/chmdznr/ghsync/internal/db"
	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/gitobj"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/pkg/models"
)

// uploadClaim lets concurrent workers holding identical content share one
// remote creation.
type uploadClaim struct {
	done chan struct{}
	err  error
}

// Uploader ensures a blob exists remotely for every file it is given.
type Uploader struct {
	blobs   remote.BlobWriter
	owner   string
	repo    string
	workers int
	known   map[string]bool // read-only during Upload
	logger  *slog.Logger

	mu     sync.Mutex
	claims map[string]*uploadClaim
}

// UploadResult lists the files whose blobs are known to exist remotely.
type UploadResult struct {
	Entries  []models.FileEntry // sorted by path
	Uploaded int
	Reused   int
	Statuses map[string]string // path -> db.Status*
}

// NewUploader returns an Uploader for owner/repo. known holds blob addresses
// that need no upload.
func NewUploader(blobs remote.BlobWriter, owner, repo string, workers int, known map[string]bool, logger *slog.Logger) *Uploader {
	if workers <= 0 {
		workers = DefaultSyncerConfig().NumWorkers
	}
	if known == nil {
		known = map[string]bool{}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Uploader{
		blobs:   blobs,
		owner:   owner,
		repo:    repo,
		workers: workers,
		known:   known,
		logger:  logger,
		claims:  make(map[string]*uploadClaim),
	}
}

type uploadOutcome struct {
	entry  models.FileEntry
	reused bool
	err    error
}

// Upload runs files through a bounded worker pool and returns only after
// every file has resolved. Per-file failures are joined into one error; the
// result still lists the files that succeeded.
func (u *Uploader) Upload(ctx context.Context, files []models.LocalFile, progress *syncProgress) (*UploadResult, error) {
	if progress == nil {
		progress = newSyncProgress(int64(len(files)), 0, nil)
	}

	jobs := make(chan models.LocalFile, u.workers)
	outcomes := make(chan uploadOutcome, u.workers)

	var wg sync.WaitGroup
	for i := 0; i < u.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				out := u.uploadFile(ctx, file)
				switch {
				case out.err != nil:
					progress.Fail()
				case out.reused:
					progress.Reuse(file.Size)
				default:
					progress.Upload(file.Size)
				}
				outcomes <- out
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, file := range files {
			select {
			case jobs <- file:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	res := &UploadResult{Statuses: make(map[string]string, len(files))}
	var failures []error
	for out := range outcomes {
		if out.err != nil {
			failures = append(failures, out.err)
			continue
		}
		res.Entries = append(res.Entries, out.entry)
		if out.reused {
			res.Reused++
			res.Statuses[out.entry.Path] = db.StatusReused
		} else {
			res.Uploaded++
			res.Statuses[out.entry.Path] = db.StatusUploaded
		}
	}
	sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].Path < res.Entries[j].Path })

	if err := ctx.Err(); err != nil {
		return res, errs.Wrap(errs.KindCanceled, "upload", err)
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Error() < failures[j].Error() })
		return res, errors.Join(failures...)
	}
	return res, nil
}

func (u *Uploader) uploadFile(ctx context.Context, file models.LocalFile) uploadOutcome {
	fail := func(err error) uploadOutcome {
		u.logger.Warn("upload failed", "path", file.Path, "error", err)
		return uploadOutcome{err: &errs.Error{Kind: errs.KindUpload, Op: "upload", Path: file.Path, Err: err}}
	}
	if err := ctx.Err(); err != nil {
		return fail(errs.Wrap(errs.KindCanceled, "upload", err))
	}

	content, err := file.ReadContent()
	if err != nil {
		return fail(errs.Wrap(errs.KindCollection, "read file", err))
	}
	sha := gitobj.BlobSHA(content)
	entry := models.FileEntry{Path: file.Path, SHA: sha, Size: int64(len(content)), Executable: file.Executable}

	if u.known[sha] {
		u.logger.Debug("blob already on remote", "path", file.Path, "sha", sha)
		return uploadOutcome{entry: entry, reused: true}
	}

	claim, owner := u.claim(sha)
	if !owner {
		select {
		case <-claim.done:
		case <-ctx.Done():
			return fail(errs.Wrap(errs.KindCanceled, "upload", ctx.Err()))
		}
		if claim.err != nil {
			return fail(claim.err)
		}
		return uploadOutcome{entry: entry, reused: true}
	}

	claim.err = u.create(ctx, sha, content)
	close(claim.done)
	if claim.err != nil {
		return fail(claim.err)
	}
	u.logger.Debug("blob uploaded", "path", file.Path, "sha", sha)
	return uploadOutcome{entry: entry}
}

func (u *Uploader) create(ctx context.Context, sha string, content []byte) error {
	got, err := u.blobs.CreateBlob(ctx, u.owner, u.repo, content)
	if err != nil {
		return err
	}
	if got != sha {
		return errs.Errorf(errs.KindInternal, "create blob", "remote assigned %s to content addressed %s", got, sha)
	}
	return nil
}

// claim returns the shared claim for sha and whether the caller must perform
// the upload.
func (u *Uploader) claim(sha string) (*uploadClaim, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c, ok := u.claims[sha]; ok {
		return c, false
	}
	c := &uploadClaim{done: make(chan struct{})}
	u.claims[sha] = c
	return c, true
}
