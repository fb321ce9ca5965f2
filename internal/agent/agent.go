// Package agent exposes the sync engine as plain-text tools for an
// automation agent. Every tool takes one pipe-delimited string and answers
// with a line starting "SUCCESS!" or "Error:"; failures never escape as Go
// errors, so the calling loop can decide whether to retry.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/sync"
)

// Tool names.
const (
	ToolListRepos           = "list_repos"
	ToolCreateRepo          = "create_repo"
	ToolSyncProject         = "sync_project"
	ToolCreateRepoAndUpload = "create_repo_and_upload"
)

const (
	opParse      = "parse input"
	repoFormat   = "name|description|private(true/false)|org(optional)"
	targetFormat = "owner/repo_name|branch(optional)"
)

// Tool is one agent-callable operation.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, input string) string
}

// Toolbox binds the tools to a syncer and the project directory they push.
type Toolbox struct {
	syncer *sync.Syncer
	root   string
	logger *slog.Logger
	tools  map[string]Tool
}

// New returns a Toolbox that syncs root. An empty root means the working
// directory.
func New(s *sync.Syncer, root string, logger *slog.Logger) *Toolbox {
	if root == "" {
		root = "."
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Toolbox{syncer: s, root: root, logger: logger}
	t.tools = map[string]Tool{
		ToolListRepos: {
			Name:        ToolListRepos,
			Description: "List the repositories of the authenticated account. Input is ignored.",
			Run:         t.listRepos,
		},
		ToolCreateRepo: {
			Name:        ToolCreateRepo,
			Description: "Create a repository. Input: " + repoFormat,
			Run:         t.createRepo,
		},
		ToolSyncProject: {
			Name:        ToolSyncProject,
			Description: "Sync the project files to an existing repository. Input: " + targetFormat,
			Run:         t.syncProject,
		},
		ToolCreateRepoAndUpload: {
			Name:        ToolCreateRepoAndUpload,
			Description: "Create a repository and upload the project files to it. Input: " + repoFormat,
			Run:         t.createAndUpload,
		},
	}
	return t
}

// Tools lists the tools by name.
func (t *Toolbox) Tools() []Tool {
	out := make([]Tool, 0, len(t.tools))
	for _, tool := range t.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run invokes a tool by name.
func (t *Toolbox) Run(ctx context.Context, name, input string) string {
	tool, ok := t.tools[name]
	if !ok {
		names := make([]string, 0, len(t.tools))
		for _, tool := range t.Tools() {
			names = append(names, tool.Name)
		}
		return fmt.Sprintf("Error: unknown tool %q (available: %s)", name, strings.Join(names, ", "))
	}
	t.logger.Debug("running tool", "tool", name, "input", input)
	return tool.Run(ctx, input)
}

// RepoArgs are the parsed fields of a "name|description|private|org" input.
type RepoArgs struct {
	Name        string
	Description string
	Private     bool
	Org         string
}

// ParseRepoArgs splits a repository description. The visibility field must
// be true or false in any letter case.
func ParseRepoArgs(input string) (RepoArgs, error) {
	parts := strings.Split(input, "|")
	if len(parts) < 3 {
		return RepoArgs{}, errs.New(errs.KindValidation, opParse, "Invalid format. Use: "+repoFormat)
	}
	args := RepoArgs{
		Name:        strings.TrimSpace(parts[0]),
		Description: strings.TrimSpace(parts[1]),
	}
	switch strings.ToLower(strings.TrimSpace(parts[2])) {
	case "true":
		args.Private = true
	case "false":
	default:
		return RepoArgs{}, errs.Errorf(errs.KindValidation, opParse,
			"Invalid private flag %q. Use: %s", parts[2], repoFormat)
	}
	if len(parts) > 3 {
		args.Org = strings.TrimSpace(parts[3])
	}
	if err := sync.ValidateName("repository", args.Name); err != nil {
		return RepoArgs{}, err
	}
	return args, nil
}

// SyncTarget is the parsed form of an "owner/repo|branch" input.
type SyncTarget struct {
	Owner  string
	Repo   string
	Branch string
}

// ParseSyncTarget splits a sync destination; the branch defaults to
// sync.DefaultBranch.
func ParseSyncTarget(input string) (SyncTarget, error) {
	parts := strings.Split(input, "|")
	repo := strings.Split(strings.TrimSpace(parts[0]), "/")
	if len(repo) != 2 || repo[0] == "" || repo[1] == "" {
		return SyncTarget{}, errs.New(errs.KindValidation, opParse, "Repository format should be owner/repo_name")
	}
	target := SyncTarget{Owner: repo[0], Repo: repo[1], Branch: sync.DefaultBranch}
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		target.Branch = strings.TrimSpace(parts[1])
	}
	return target, nil
}

// failure renders err as the tool answer. Input format problems are shown
// as the bare usage hint.
func failure(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Op == opParse {
		return "Error: " + e.Message
	}
	return "Error: " + errs.Describe(err)
}

func (t *Toolbox) listRepos(ctx context.Context, _ string) string {
	user, err := t.syncer.UserInfo(ctx)
	if err != nil {
		return failure(err)
	}
	repos, err := t.syncer.ListRepositories(ctx)
	if err != nil {
		return failure(err)
	}
	if len(repos) == 0 {
		return fmt.Sprintf("Connected as '%s' but found 0 repositories.", user.Login)
	}
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		names = append(names, r.Name)
	}
	return fmt.Sprintf("SUCCESS! Connected as '%s'. Found %d repositories: %s", user.Login, len(names), strings.Join(names, ", "))
}

func (t *Toolbox) createRepo(ctx context.Context, input string) string {
	args, err := ParseRepoArgs(input)
	if err != nil {
		return failure(err)
	}
	repo, err := t.syncer.CreateRepository(ctx, args.Name, args.Description, args.Private, args.Org)
	if err != nil {
		return failure(err)
	}
	return fmt.Sprintf("SUCCESS! Repository '%s' created: %s", args.Name, repo.HTMLURL)
}

func (t *Toolbox) syncProject(ctx context.Context, input string) string {
	target, err := ParseSyncTarget(input)
	if err != nil {
		return failure(err)
	}
	res, err := t.syncer.Sync(ctx, sync.SyncRequest{
		Owner:     target.Owner,
		Repo:      target.Repo,
		LocalPath: t.root,
		Branch:    target.Branch,
	})
	if err != nil {
		return failure(err)
	}
	return fmt.Sprintf("SUCCESS! Synced %d files to %s/%s on branch %s", len(res.SyncedFiles), target.Owner, target.Repo, target.Branch)
}

func (t *Toolbox) createAndUpload(ctx context.Context, input string) string {
	args, err := ParseRepoArgs(input)
	if err != nil {
		return failure(err)
	}
	res, err := t.syncer.CreateAndSync(ctx, sync.CreateRequest{
		Name:        args.Name,
		Description: args.Description,
		Private:     args.Private,
		Org:         args.Org,
		LocalPath:   t.root,
	})
	if err != nil {
		return failure(err)
	}
	return fmt.Sprintf("SUCCESS! Created repository and synced %d files: %s", len(res.SyncedFiles), res.URL)
}
