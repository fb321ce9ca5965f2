// Package github implements remote.API on the GitHub REST v3 Git Data API.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/pkg/models"
	"github.com/chmdznr/ghsync/pkg/version"
)

// DefaultBaseURL is the public GitHub API endpoint.
const DefaultBaseURL = "https://api.github.com/"

// Client is a GitHub-backed remote. One Client is shared by every upload
// worker; its limiter is the process-wide rate-limit gate.
type Client struct {
	gh      *gogithub.Client
	limiter *remote.Limiter
	retry   remote.RetryPolicy
	logger  *slog.Logger
	webURL  string

	baseURL    string
	httpClient *http.Client
}

var _ remote.API = (*Client)(nil)
var _ remote.CommitURLer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the transport used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryPolicy overrides remote.DefaultRetryPolicy.
func WithRetryPolicy(p remote.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLimiter shares an existing rate-limit gate.
func WithLimiter(l *remote.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a client authenticated with token.
func New(token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.New(errs.KindAuth, "configure github", "no GitHub token configured (set GITHUB_TOKEN or --token)")
	}
	c := &Client{
		retry:   remote.DefaultRetryPolicy(),
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = remote.NewLimiter()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errs.Errorf(errs.KindValidation, "configure github", "invalid API URL %q: %v", c.baseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	c.gh = gogithub.NewClient(c.httpClient).WithAuthToken(token)
	c.gh.BaseURL = base
	c.gh.UserAgent = version.UserAgent()
	c.webURL = webURL(base)
	return c, nil
}

// webURL derives the browser host from an API base URL.
func webURL(base *url.URL) string {
	if base.Host == "api.github.com" {
		return "https://github.com/"
	}
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "api/v3/")
	return u.String()
}

// Limiter returns the client's rate-limit gate.
func (c *Client) Limiter() *remote.Limiter {
	return c.limiter
}

// do runs one API call under the shared limiter and retry policy.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) (*gogithub.Response, error)) error {
	attempt := 0
	return remote.Retry(ctx, c.limiter, c.retry, func(ctx context.Context) error {
		attempt++
		resp, err := fn(ctx)
		c.observe(resp)
		err = classify(op, resp, err)
		if err != nil && errs.Retryable(err) {
			c.logger.Warn("github request failed", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (c *Client) observe(resp *gogithub.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	c.limiter.Observe(resp.Rate.Remaining, resp.Rate.Reset.Time)
}

func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user *gogithub.User
	err := c.do(ctx, "get user", func(ctx context.Context) (resp *gogithub.Response, err error) {
		user, resp, err = c.gh.Users.Get(ctx, "")
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &models.User{
		Login:   user.GetLogin(),
		Name:    user.GetName(),
		Email:   user.GetEmail(),
		HTMLURL: user.GetHTMLURL(),
	}, nil
}

func (c *Client) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	opts := &gogithub.RepositoryListByAuthenticatedUserOptions{
		Sort:        "full_name",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	var out []models.Repository
	for {
		var page []*gogithub.Repository
		var next int
		err := c.do(ctx, "list repositories", func(ctx context.Context) (resp *gogithub.Response, err error) {
			page, resp, err = c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			out = append(out, toRepository(r))
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

func (c *Client) CreateRepository(ctx context.Context, req remote.CreateRepositoryRequest) (*models.Repository, error) {
	var repo *gogithub.Repository
	err := c.do(ctx, "create repository", func(ctx context.Context) (resp *gogithub.Response, err error) {
		repo, resp, err = c.gh.Repositories.Create(ctx, req.Org, &gogithub.Repository{
			Name:        gogithub.Ptr(req.Name),
			Description: gogithub.Ptr(req.Description),
			Private:     gogithub.Ptr(req.Private),
			AutoInit:    gogithub.Ptr(req.AutoInit),
		})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	r := toRepository(repo)
	return &r, nil
}

func (c *Client) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo *gogithub.Repository
	err := c.do(ctx, "get repository", func(ctx context.Context) (resp *gogithub.Response, err error) {
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	r := toRepository(repo)
	return &r, nil
}

func (c *Client) CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error) {
	blob := &gogithub.Blob{
		Content:  gogithub.Ptr(base64.StdEncoding.EncodeToString(content)),
		Encoding: gogithub.Ptr("base64"),
	}
	var created *gogithub.Blob
	err := c.do(ctx, "create blob", func(ctx context.Context) (resp *gogithub.Response, err error) {
		created, resp, err = c.gh.Git.CreateBlob(ctx, owner, repo, blob)
		return resp, err
	})
	if err != nil {
		// The Git Data API refuses objects until the repository has a commit.
		var e *errs.Error
		if errors.As(err, &e) && e.Status == http.StatusConflict {
			return "", errs.Errorf(errs.KindValidation, "create blob",
				"%s/%s is empty and GitHub accepts no blobs before the first commit; create it with auto-init enabled", owner, repo).WithStatus(e.Status)
		}
		return "", err
	}
	return created.GetSHA(), nil
}

func (c *Client) CreateTree(ctx context.Context, owner, repo string, entries []remote.TreeEntry) (string, error) {
	ghEntries := make([]*gogithub.TreeEntry, 0, len(entries))
	for _, e := range entries {
		ghEntries = append(ghEntries, &gogithub.TreeEntry{
			Path: gogithub.Ptr(e.Name),
			Mode: gogithub.Ptr(e.Mode),
			Type: gogithub.Ptr(e.Kind),
			SHA:  gogithub.Ptr(e.SHA),
		})
	}
	var tree *gogithub.Tree
	err := c.do(ctx, "create tree", func(ctx context.Context) (resp *gogithub.Response, err error) {
		tree, resp, err = c.gh.Git.CreateTree(ctx, owner, repo, "", ghEntries)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return tree.GetSHA(), nil
}

func (c *Client) GetHead(ctx context.Context, owner, repo, branch string) (*remote.Head, error) {
	sha, err := c.refSHA(ctx, owner, repo, branch)
	if err != nil {
		return nil, err
	}
	var commit *gogithub.Commit
	err = c.do(ctx, "get commit", func(ctx context.Context) (resp *gogithub.Response, err error) {
		commit, resp, err = c.gh.Git.GetCommit(ctx, owner, repo, sha)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &remote.Head{CommitSHA: sha, TreeSHA: commit.GetTree().GetSHA()}, nil
}

// refSHA returns the commit a branch points at. An empty repository answers
// 409, which means the branch does not exist yet.
func (c *Client) refSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	var ref *gogithub.Reference
	err := c.do(ctx, "get ref", func(ctx context.Context) (resp *gogithub.Response, err error) {
		ref, resp, err = c.gh.Git.GetRef(ctx, owner, repo, "heads/"+branch)
		return resp, err
	})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Status == http.StatusConflict {
			return "", errs.Errorf(errs.KindNotFound, "get ref", "branch %s not found: repository is empty", branch).WithStatus(e.Status)
		}
		return "", err
	}
	return ref.GetObject().GetSHA(), nil
}

func (c *Client) CreateCommit(ctx context.Context, owner, repo string, req remote.CommitRequest) (string, error) {
	author := &gogithub.CommitAuthor{
		Name:  gogithub.Ptr(req.Author.Name),
		Email: gogithub.Ptr(req.Author.Email),
		Date:  &gogithub.Timestamp{Time: req.Author.When},
	}
	commit := &gogithub.Commit{
		Message:   gogithub.Ptr(req.Message),
		Tree:      &gogithub.Tree{SHA: gogithub.Ptr(req.TreeSHA)},
		Author:    author,
		Committer: author,
	}
	for _, p := range req.Parents {
		commit.Parents = append(commit.Parents, &gogithub.Commit{SHA: gogithub.Ptr(p)})
	}
	var created *gogithub.Commit
	err := c.do(ctx, "create commit", func(ctx context.Context) (resp *gogithub.Response, err error) {
		created, resp, err = c.gh.Git.CreateCommit(ctx, owner, repo, commit, nil)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return created.GetSHA(), nil
}

func (c *Client) CreateRef(ctx context.Context, owner, repo, branch, sha string) error {
	ref := &gogithub.Reference{
		Ref:    gogithub.Ptr("refs/heads/" + branch),
		Object: &gogithub.GitObject{SHA: gogithub.Ptr(sha)},
	}
	err := c.do(ctx, "create ref", func(ctx context.Context) (resp *gogithub.Response, err error) {
		_, resp, err = c.gh.Git.CreateRef(ctx, owner, repo, ref)
		return resp, err
	})
	if isUnprocessable(err) {
		// the branch appeared after it was read as absent
		return &errs.Error{Kind: errs.KindConcurrentModification, Op: "create ref", Status: http.StatusUnprocessableEntity, Err: err}
	}
	return err
}

// UpdateRef moves a branch from oldSHA to newSHA. GitHub has no conditional
// ref update, so the head is re-read first and the update itself is a
// non-forced fast-forward, which the API rejects if the branch moved.
func (c *Client) UpdateRef(ctx context.Context, owner, repo, branch, oldSHA, newSHA string) error {
	cur, err := c.refSHA(ctx, owner, repo, branch)
	if err != nil {
		return err
	}
	if cur == newSHA {
		return nil
	}
	if cur != oldSHA {
		return errs.Errorf(errs.KindConcurrentModification, "update ref", "branch %s moved from %s to %s", branch, oldSHA, cur)
	}

	ref := &gogithub.Reference{
		Ref:    gogithub.Ptr("refs/heads/" + branch),
		Object: &gogithub.GitObject{SHA: gogithub.Ptr(newSHA)},
	}
	err = c.do(ctx, "update ref", func(ctx context.Context) (resp *gogithub.Response, err error) {
		_, resp, err = c.gh.Git.UpdateRef(ctx, owner, repo, ref, false)
		return resp, err
	})
	if isUnprocessable(err) {
		return &errs.Error{Kind: errs.KindConcurrentModification, Op: "update ref", Status: http.StatusUnprocessableEntity, Err: err}
	}
	return err
}

func (c *Client) PutFile(ctx context.Context, req remote.PutFileRequest) (string, error) {
	var existing *gogithub.RepositoryContent
	var dir []*gogithub.RepositoryContent
	err := c.do(ctx, "get contents", func(ctx context.Context) (resp *gogithub.Response, err error) {
		existing, dir, resp, err = c.gh.Repositories.GetContents(ctx, req.Owner, req.Repo, req.Path,
			&gogithub.RepositoryContentGetOptions{Ref: req.Branch})
		return resp, err
	})
	if err != nil && errs.KindOf(err) != errs.KindNotFound {
		return "", err
	}
	if err == nil && existing == nil && dir != nil {
		return "", errs.Errorf(errs.KindValidation, "put file", "%s is a directory", req.Path).WithPath(req.Path)
	}

	author := &gogithub.CommitAuthor{
		Name:  gogithub.Ptr(req.Author.Name),
		Email: gogithub.Ptr(req.Author.Email),
	}
	opts := &gogithub.RepositoryContentFileOptions{
		Message:   gogithub.Ptr(req.Message),
		Content:   req.Content,
		Branch:    gogithub.Ptr(req.Branch),
		Author:    author,
		Committer: author,
	}
	var out *gogithub.RepositoryContentResponse
	if existing != nil {
		opts.SHA = gogithub.Ptr(existing.GetSHA())
		err = c.do(ctx, "update file", func(ctx context.Context) (resp *gogithub.Response, err error) {
			out, resp, err = c.gh.Repositories.UpdateFile(ctx, req.Owner, req.Repo, req.Path, opts)
			return resp, err
		})
	} else {
		err = c.do(ctx, "create file", func(ctx context.Context) (resp *gogithub.Response, err error) {
			out, resp, err = c.gh.Repositories.CreateFile(ctx, req.Owner, req.Repo, req.Path, opts)
			return resp, err
		})
	}
	if err != nil {
		return "", err
	}
	return out.Commit.GetSHA(), nil
}

func (c *Client) CommitURL(owner, repo, sha string) string {
	return fmt.Sprintf("%s%s/%s/commit/%s", c.webURL, owner, repo, sha)
}

func toRepository(r *gogithub.Repository) models.Repository {
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return models.Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: branch,
		Private:       r.GetPrivate(),
		Description:   r.GetDescription(),
		HTMLURL:       r.GetHTMLURL(),
	}
}
