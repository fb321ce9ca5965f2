package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/ghsync/internal/agent"
	"github.com/chmdznr/ghsync/internal/config"
	"github.com/chmdznr/ghsync/internal/db"
	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/sync"
	"github.com/chmdznr/ghsync/pkg/models"
	"github.com/chmdznr/ghsync/pkg/utils"
	"github.com/chmdznr/ghsync/pkg/version"
)

func main() {
	log.SetFlags(0)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatalf("✗ Error: %s", errs.Describe(err))
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}
	d := config.Default()

	return &cli.App{
		Name:                 "ghsync",
		Usage:                "Mirror a local directory into a remote repository as one commit",
		Version:              version.Version,
		EnableBashCompletion: true,
		Writer:               stdout,
		ErrWriter:            stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Usage: "remote backend (github or objectstore)", Value: d.Backend, EnvVars: []string{"GHSYNC_BACKEND"}},
			&cli.StringFlag{Name: "token", Usage: "GitHub API token", EnvVars: []string{"GHSYNC_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"}},
			&cli.StringFlag{Name: "api-url", Usage: "GitHub API base URL", Value: d.APIURL, EnvVars: []string{"GHSYNC_API_URL"}},
			&cli.StringFlag{Name: "endpoint", Usage: "object store endpoint (host:port)", EnvVars: []string{"GHSYNC_ENDPOINT"}},
			&cli.StringFlag{Name: "bucket", Usage: "object store bucket", EnvVars: []string{"GHSYNC_BUCKET"}},
			&cli.StringFlag{Name: "access-key", Usage: "object store access key", EnvVars: []string{"GHSYNC_ACCESS_KEY"}},
			&cli.StringFlag{Name: "secret-key", Usage: "object store secret key", EnvVars: []string{"GHSYNC_SECRET_KEY"}},
			&cli.BoolFlag{Name: "secure", Usage: "use TLS for the object store", EnvVars: []string{"GHSYNC_SECURE"}},
			&cli.StringFlag{Name: "region", Usage: "object store region", EnvVars: []string{"GHSYNC_REGION"}},
			&cli.StringFlag{Name: "owner", Usage: "object store namespace for repositories", EnvVars: []string{"GHSYNC_OWNER"}},
			&cli.IntFlag{Name: "workers", Usage: "number of parallel upload workers", Value: d.Workers, EnvVars: []string{"GHSYNC_WORKERS"}},
			&cli.Int64Flag{Name: "max-file-size", Usage: "largest file to upload, in bytes", Value: d.MaxFileSize, EnvVars: []string{"GHSYNC_MAX_FILE_SIZE"}},
			&cli.StringFlag{Name: "oversize", Usage: "what to do with larger files (skip or abort)", Value: d.OversizePolicy, EnvVars: []string{"GHSYNC_OVERSIZE"}},
			&cli.StringSliceFlag{Name: "ignore", Usage: "extra ignore pattern in .gitignore syntax (repeatable)", EnvVars: []string{"GHSYNC_IGNORE"}},
			&cli.BoolFlag{Name: "no-gitignore", Usage: "do not apply .gitignore files found in the synced tree", EnvVars: []string{"GHSYNC_NO_GITIGNORE"}},
			&cli.BoolFlag{Name: "skip-unchanged", Usage: "do not commit when the tree matches the branch head", EnvVars: []string{"GHSYNC_SKIP_UNCHANGED"}},
			&cli.BoolFlag{Name: "no-auto-init", Usage: "create repositories without an initial commit", EnvVars: []string{"GHSYNC_NO_AUTO_INIT"}},
			&cli.StringFlag{Name: "author-name", Usage: "commit author name (default: the remote identity)", EnvVars: []string{"GHSYNC_AUTHOR_NAME"}},
			&cli.StringFlag{Name: "author-email", Usage: "commit author email", EnvVars: []string{"GHSYNC_AUTHOR_EMAIL"}},
			&cli.StringFlag{Name: "state", Usage: "state database path, empty to disable", Value: d.StatePath, EnvVars: []string{"GHSYNC_STATE"}},
			&cli.IntFlag{Name: "retries", Usage: "attempts per remote request", Value: d.Retry.MaxAttempts, EnvVars: []string{"GHSYNC_RETRIES"}},
			&cli.BoolFlag{Name: "verbose", Usage: "log every stage", EnvVars: []string{"GHSYNC_VERBOSE"}},
			&cli.BoolFlag{Name: "no-progress", Usage: "hide the upload progress bar", EnvVars: []string{"GHSYNC_NO_PROGRESS"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "Version:    %s\n", version.Version)
					fmt.Fprintf(c.App.Writer, "Git commit: %s\n", version.GitCommit)
					fmt.Fprintf(c.App.Writer, "Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:   "whoami",
				Usage:  "Show the identity behind the configured credential",
				Action: whoami,
			},
			{
				Name:   "list",
				Usage:  "List repositories",
				Action: listRepos,
			},
			{
				Name:      "create-repo",
				Usage:     "Create a repository",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Usage: "repository description"},
					&cli.BoolFlag{Name: "public", Usage: "create a public repository"},
					&cli.StringFlag{Name: "org", Usage: "create under this organization"},
				},
				Action: createRepo,
			},
			{
				Name:      "sync",
				Usage:     "Mirror a directory into an existing repository",
				ArgsUsage: "OWNER/REPO",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Usage: "directory to sync", Value: "."},
					&cli.StringFlag{Name: "branch", Usage: "target branch", Value: sync.DefaultBranch},
					&cli.StringFlag{Name: "message", Usage: "commit message"},
				},
				Action: syncRepo,
			},
			{
				Name:      "create-and-sync",
				Usage:     "Create a repository and mirror a directory into it",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Usage: "repository description"},
					&cli.BoolFlag{Name: "public", Usage: "create a public repository"},
					&cli.StringFlag{Name: "org", Usage: "create under this organization"},
					&cli.StringFlag{Name: "path", Usage: "directory to sync", Value: "."},
					&cli.StringFlag{Name: "branch", Usage: "target branch (default: the repository default branch)"},
					&cli.StringFlag{Name: "message", Usage: "commit message"},
				},
				Action: createAndSync,
			},
			{
				Name:      "put-file",
				Usage:     "Create or update a single file with its own commit",
				ArgsUsage: "OWNER/REPO PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "local file to upload", Required: true},
					&cli.StringFlag{Name: "branch", Usage: "target branch", Value: sync.DefaultBranch},
					&cli.StringFlag{Name: "message", Usage: "commit message"},
				},
				Action: putFile,
			},
			{
				Name:      "status",
				Usage:     "Show per-file statistics of the last sync",
				ArgsUsage: "OWNER/REPO",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "branch", Usage: "branch", Value: sync.DefaultBranch},
				},
				Action: showStatus,
			},
			{
				Name:      "history",
				Usage:     "Show past syncs",
				ArgsUsage: "OWNER/REPO",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "number of syncs to show", Value: 20},
				},
				Action: showHistory,
			},
			{
				Name:      "tool",
				Usage:     "Run an agent tool and print its answer",
				ArgsUsage: "NAME INPUT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Usage: "project directory the tools push", Value: "."},
				},
				Action: runTool,
			},
		},
	}
}

// loadConfig builds the configuration from global flags and their
// environment variables.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Config{
		Backend: c.String("backend"),
		Token:   c.String("token"),
		APIURL:  c.String("api-url"),
		ObjectStore: config.ObjectStore{
			Endpoint:  c.String("endpoint"),
			Bucket:    c.String("bucket"),
			AccessKey: c.String("access-key"),
			SecretKey: c.String("secret-key"),
			Secure:    c.Bool("secure"),
			Region:    c.String("region"),
			Owner:     c.String("owner"),
		},
		Workers:        c.Int("workers"),
		MaxFileSize:    c.Int64("max-file-size"),
		OversizePolicy: c.String("oversize"),
		Ignore:         c.StringSlice("ignore"),
		UseGitignore:   !c.Bool("no-gitignore"),
		SkipUnchanged:  c.Bool("skip-unchanged"),
		AutoInit:       !c.Bool("no-auto-init"),
		Author:         config.Author{Name: c.String("author-name"), Email: c.String("author-email")},
		StatePath:      c.String("state"),
		Retry:          config.Retry{MaxAttempts: c.Int("retries")},
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))
}

// session is what a command needs to talk to the remote.
type session struct {
	syncer *sync.Syncer
	state  *db.DB
	logger *slog.Logger
}

func (s *session) Close() {
	if s.state != nil {
		s.state.Close()
	}
}

func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := newLogger(c)
	api, err := cfg.NewRemote(logger)
	if err != nil {
		return nil, err
	}
	state, err := cfg.OpenState()
	if err != nil {
		return nil, err
	}

	opts := []sync.Option{sync.WithLogger(logger), sync.WithDB(state)}
	if !c.Bool("no-progress") {
		opts = append(opts, sync.WithProgress(c.App.ErrWriter))
	}
	sc := cfg.SyncerConfig()
	return &session{
		syncer: sync.NewSyncer(api, &sc, opts...),
		state:  state,
		logger: logger,
	}, nil
}

// openState opens the state database for the read-only commands.
func openState(c *cli.Context) (*db.DB, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	state, err := cfg.OpenState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errs.New(errs.KindValidation, "open state", "state is disabled (set --state)")
	}
	return state, nil
}

// splitRepo parses an OWNER/REPO argument.
func splitRepo(arg string) (owner, repo string, err error) {
	parts := strings.Split(arg, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.Errorf(errs.KindValidation, "parse arguments", "repository %q should be OWNER/REPO", arg)
	}
	return parts[0], parts[1], nil
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return errs.Errorf(errs.KindValidation, "parse arguments", "usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func whoami(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	user, err := s.syncer.UserInfo(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Connected as %s", user.Login)
	if user.Name != "" && user.Name != user.Login {
		fmt.Fprintf(c.App.Writer, " (%s)", user.Name)
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}

func listRepos(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	repos, err := s.syncer.ListRepositories(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	for _, r := range repos {
		visibility := "public"
		if r.Private {
			visibility = "private"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.FullName(), visibility, r.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d repositories\n", len(repos))
	return nil
}

func createRepo(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	repo, err := s.syncer.CreateRepository(c.Context, c.Args().First(), c.String("description"), !c.Bool("public"), c.String("org"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "✓ Repository %s created: %s\n", repo.FullName(), repo.HTMLURL)
	return nil
}

func syncRepo(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	owner, repo, err := splitRepo(c.Args().First())
	if err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.syncer.Sync(c.Context, sync.SyncRequest{
		Owner:     owner,
		Repo:      repo,
		LocalPath: c.String("path"),
		Branch:    c.String("branch"),
		Message:   c.String("message"),
	})
	if err != nil {
		return err
	}
	printWarnings(c, res.Warnings)
	if res.Unchanged {
		fmt.Fprintf(c.App.Writer, "✓ %s/%s@%s already matches %d files (%s)\n", owner, repo, res.Branch, len(res.SyncedFiles), res.CommitSHA)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "✓ Synced %d files to %s/%s on branch %s in %s\n",
		len(res.SyncedFiles), owner, repo, res.Branch, utils.FormatDuration(res.Duration))
	fmt.Fprintf(c.App.Writer, "  commit %s (%d uploaded, %d reused)\n", res.CommitSHA, res.Uploaded, res.Reused)
	if res.CommitURL != "" {
		fmt.Fprintf(c.App.Writer, "  %s\n", res.CommitURL)
	}
	return nil
}

func createAndSync(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.syncer.CreateAndSync(c.Context, sync.CreateRequest{
		Name:        c.Args().First(),
		Description: c.String("description"),
		Private:     !c.Bool("public"),
		Org:         c.String("org"),
		LocalPath:   c.String("path"),
		Branch:      c.String("branch"),
		Message:     c.String("message"),
	})
	if err != nil {
		return err
	}
	printWarnings(c, res.Sync.Warnings)
	fmt.Fprintf(c.App.Writer, "✓ Created %s and synced %d files\n", res.Repository.FullName(), len(res.SyncedFiles))
	fmt.Fprintf(c.App.Writer, "  %s\n", res.URL)
	return nil
}

func putFile(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	owner, repo, err := splitRepo(c.Args().Get(0))
	if err != nil {
		return err
	}
	content, err := os.ReadFile(c.String("from"))
	if err != nil {
		return errs.Wrap(errs.KindCollection, "read "+c.String("from"), err)
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	sha, err := s.syncer.PutFile(c.Context, owner, repo, c.String("branch"), c.Args().Get(1), content, c.String("message"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "✓ Committed %s to %s/%s@%s (%s)\n", c.Args().Get(1), owner, repo, c.String("branch"), sha)
	return nil
}

// showStatus shows the per-file outcome of the last sync of a branch.
func showStatus(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	owner, repo, err := splitRepo(c.Args().First())
	if err != nil {
		return err
	}
	state, err := openState(c)
	if err != nil {
		return err
	}
	defer state.Close()

	name := owner + "/" + repo
	stats, err := state.GetStats(name, c.String("branch"))
	if err != nil {
		return err
	}

	out := c.App.Writer
	fmt.Fprintf(out, "Repository: %s@%s\n", name, c.String("branch"))
	fmt.Fprintf(out, "Total Files: %d (Size: %s)\n", stats.TotalFiles, utils.FormatSize(stats.TotalSize))
	fmt.Fprintf(out, "Files Uploaded: %d (Size: %s)\n", stats.UploadedFiles, utils.FormatSize(stats.UploadedSize))
	fmt.Fprintf(out, "Files Reused: %d (Size: %s)\n", stats.ReusedFiles, utils.FormatSize(stats.ReusedSize))
	fmt.Fprintf(out, "Files Skipped: %d (Size: %s)\n", stats.SkippedFiles, utils.FormatSize(stats.SkippedSize))
	fmt.Fprintf(out, "Known Blobs: %d\n", stats.KnownBlobs)
	return nil
}

func showHistory(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	owner, repo, err := splitRepo(c.Args().First())
	if err != nil {
		return err
	}
	state, err := openState(c)
	if err != nil {
		return err
	}
	defer state.Close()

	records, err := state.History(owner+"/"+repo, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to get history: %v", err)
	}
	if len(records) == 0 {
		fmt.Fprintf(c.App.Writer, "No syncs recorded for %s/%s\n", owner, repo)
		return nil
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tBRANCH\tCOMMIT\tFILES\tSKIPPED")
	for _, r := range records {
		commit := r.CommitSHA
		if len(commit) > 12 {
			commit = commit[:12]
		}
		if r.Unchanged {
			commit += " (unchanged)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Branch, commit, r.Files, r.Skipped)
	}
	return w.Flush()
}

// runTool answers like the agent surface: the tool text is printed and the
// exit status is 0 even when the tool reports an error.
func runTool(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		fmt.Fprintln(c.App.Writer, "Error: "+errs.Describe(err))
		return nil
	}
	defer s.Close()

	tb := agent.New(s.syncer, c.String("path"), s.logger)
	fmt.Fprintln(c.App.Writer, tb.Run(c.Context, c.Args().Get(0), c.Args().Get(1)))
	return nil
}

func printWarnings(c *cli.Context, warnings []models.Warning) {
	for _, w := range warnings {
		fmt.Fprintf(c.App.ErrWriter, "! %s: %s\n", w.Path, w.Reason)
	}
}
