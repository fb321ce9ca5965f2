package sync

import (
	"context"
	"log/slog"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote"
)

// maxComposeAttempts bounds commit composition. A concurrent ref update is
// retried once against a freshly read head.
const maxComposeAttempts = 2

// CommitOutcome is the result of advancing a branch.
type CommitOutcome struct {
	CommitSHA string
	ParentSHA string // empty when the branch was created
	Created   bool
	Attempts  int
}

// CommitComposer creates a commit for a finished root tree and moves a branch
// to it with an optimistic compare-and-swap.
type CommitComposer struct {
	history remote.History
	owner   string
	repo    string
	branch  string
	logger  *slog.Logger
}

// NewCommitComposer returns a composer for one branch.
func NewCommitComposer(history remote.History, owner, repo, branch string, logger *slog.Logger) *CommitComposer {
	if logger == nil {
		logger = discardLogger()
	}
	return &CommitComposer{history: history, owner: owner, repo: repo, branch: branch, logger: logger}
}

// Head returns the branch head, or nil when the branch does not exist.
func (c *CommitComposer) Head(ctx context.Context) (*remote.Head, error) {
	head, err := c.history.GetHead(ctx, c.owner, c.repo, c.branch)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return head, nil
}

// Commit composes a commit of treeSHA on top of the current head and
// advances the branch. The ref is either moved to the new commit or left
// untouched.
func (c *CommitComposer) Commit(ctx context.Context, treeSHA, message string, author remote.Signature) (*CommitOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= maxComposeAttempts; attempt++ {
		out, err := c.compose(ctx, treeSHA, message, author)
		if err == nil {
			out.Attempts = attempt
			return out, nil
		}
		lastErr = err
		if errs.KindOf(err) != errs.KindConcurrentModification {
			return nil, err
		}
		c.logger.Warn("branch moved during commit, re-reading head",
			"repo", c.owner+"/"+c.repo, "branch", c.branch, "attempt", attempt)
	}
	return nil, lastErr
}

func (c *CommitComposer) compose(ctx context.Context, treeSHA, message string, author remote.Signature) (*CommitOutcome, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}

	req := remote.CommitRequest{Message: message, TreeSHA: treeSHA, Author: author}
	out := &CommitOutcome{Created: head == nil}
	if head != nil {
		req.Parents = []string{head.CommitSHA}
		out.ParentSHA = head.CommitSHA
	}

	if err := canceled(ctx, "create commit"); err != nil {
		return nil, err
	}
	sha, err := c.history.CreateCommit(ctx, c.owner, c.repo, req)
	if err != nil {
		return nil, err
	}
	out.CommitSHA = sha

	if err := canceled(ctx, "update ref"); err != nil {
		return nil, err
	}
	if head == nil {
		err = c.history.CreateRef(ctx, c.owner, c.repo, c.branch, sha)
	} else {
		err = c.history.UpdateRef(ctx, c.owner, c.repo, c.branch, head.CommitSHA, sha)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("branch advanced", "repo", c.owner+"/"+c.repo, "branch", c.branch,
		"sha", sha, "parent", out.ParentSHA, "created", out.Created)
	return out, nil
}

func canceled(ctx context.Context, op string) error {
	return errs.Wrap(errs.KindCanceled, op, ctx.Err())
}
