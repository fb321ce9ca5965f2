package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote/remotetest"
	"github.com/chmdznr/ghsync/internal/sync"
)

func newToolbox(t *testing.T, store *remotetest.Store) (*Toolbox, string) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range map[string]string{
		"main.go":      "package main\n",
		"docs/README":  "hello\n",
		"docs/img/a.b": "bytes\n",
	} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	cfg := sync.DefaultSyncerConfig()
	return New(sync.NewSyncer(store, &cfg), root, nil), root
}

func TestParseRepoArgs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    RepoArgs
		wantErr string
	}{
		{name: "full", input: "demo|A demo|true|acme", want: RepoArgs{Name: "demo", Description: "A demo", Private: true, Org: "acme"}},
		{name: "no org", input: " demo | A demo | false |", want: RepoArgs{Name: "demo", Description: "A demo"}},
		{name: "visibility ignores case", input: "demo||TRUE", want: RepoArgs{Name: "demo", Private: true}},
		{name: "unknown visibility", input: "proj|desc|yes|", wantErr: "Invalid private flag"},
		{name: "empty visibility", input: "proj|desc||", wantErr: "private(true/false)"},
		{name: "too few fields", input: "demo|desc", wantErr: "Invalid format"},
		{name: "bad name", input: "my repo|desc|true", wantErr: "invalid repository name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRepoArgs(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, errs.KindValidation, errs.KindOf(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSyncTarget(t *testing.T) {
	got, err := ParseSyncTarget("octo/demo|dev")
	require.NoError(t, err)
	assert.Equal(t, SyncTarget{Owner: "octo", Repo: "demo", Branch: "dev"}, got)

	got, err = ParseSyncTarget(" octo/demo ")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Branch)

	for _, input := range []string{"demo", "octo/demo/extra", "/demo|main", ""} {
		_, err := ParseSyncTarget(input)
		assert.Error(t, err, input)
	}
}

func TestListRepos(t *testing.T) {
	store := remotetest.NewStore("octo")
	tb, _ := newToolbox(t, store)
	ctx := context.Background()

	assert.Equal(t, "Connected as 'octo' but found 0 repositories.", tb.Run(ctx, ToolListRepos, "anything"))

	store.AddRepository("octo", "alpha")
	store.AddRepository("octo", "beta")
	assert.Equal(t, "SUCCESS! Connected as 'octo'. Found 2 repositories: alpha, beta", tb.Run(ctx, ToolListRepos, ""))
}

func TestCreateRepo(t *testing.T) {
	store := remotetest.NewStore("octo")
	tb, _ := newToolbox(t, store)
	ctx := context.Background()

	assert.Equal(t, "SUCCESS! Repository 'demo' created: mem://octo/demo", tb.Run(ctx, ToolCreateRepo, "demo|A demo|true|"))
	assert.Equal(t, "SUCCESS! Repository 'site' created: mem://acme/site", tb.Run(ctx, ToolCreateRepo, "site||false|acme"))

	out := tb.Run(ctx, ToolCreateRepo, "demo|again|true|")
	assert.Contains(t, out, "Error: [already_exists]")

	assert.Equal(t, "Error: Invalid format. Use: name|description|private(true/false)|org(optional)", tb.Run(ctx, ToolCreateRepo, "demo"))
	before := store.Calls(remotetest.OpCreateRepository)
	assert.Equal(t, `Error: Invalid private flag "yes". Use: name|description|private(true/false)|org(optional)`, tb.Run(ctx, ToolCreateRepo, "proj|desc|yes|"))
	assert.Equal(t, before, store.Calls(remotetest.OpCreateRepository))
}

func TestSyncProject(t *testing.T) {
	store := remotetest.NewStore("octo")
	store.AddRepository("octo", "demo")
	tb, _ := newToolbox(t, store)
	ctx := context.Background()

	assert.Equal(t, "SUCCESS! Synced 3 files to octo/demo on branch main", tb.Run(ctx, ToolSyncProject, "octo/demo"))
	assert.Equal(t, "SUCCESS! Synced 3 files to octo/demo on branch dev", tb.Run(ctx, ToolSyncProject, "octo/demo|dev"))
	assert.NotEmpty(t, store.Head("octo", "demo", "dev"))

	assert.Equal(t, "Error: Repository format should be owner/repo_name", tb.Run(ctx, ToolSyncProject, "demo"))

	out := tb.Run(ctx, ToolSyncProject, "octo/missing")
	assert.Contains(t, out, "Error: [not_found]")
}

func TestCreateRepoAndUpload(t *testing.T) {
	store := remotetest.NewStore("octo")
	tb, _ := newToolbox(t, store)
	ctx := context.Background()

	assert.Equal(t, "SUCCESS! Created repository and synced 3 files: mem://octo/demo", tb.Run(ctx, ToolCreateRepoAndUpload, "demo|desc|true|"))
	files, err := store.Files("octo", "demo", "main")
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Equal(t, "package main\n", files["main.go"])
}

func TestFailuresAreText(t *testing.T) {
	store := remotetest.NewStore("octo")
	store.SetHook(func(ctx context.Context, op string) error {
		return errs.New(errs.KindAuth, op, "Bad credentials").WithStatus(401)
	})
	tb, _ := newToolbox(t, store)
	ctx := context.Background()

	for _, tool := range tb.Tools() {
		input := "demo|desc|true|"
		if tool.Name == ToolSyncProject {
			input = "octo/demo"
		}
		out := tb.Run(ctx, tool.Name, input)
		assert.Contains(t, out, "Error: [auth]", tool.Name)
		assert.Contains(t, out, "Bad credentials", tool.Name)
	}

	assert.Contains(t, tb.Run(ctx, "deploy", ""), `unknown tool "deploy"`)
}

func TestTools(t *testing.T) {
	tb, _ := newToolbox(t, remotetest.NewStore("octo"))
	names := make([]string, 0, 4)
	for _, tool := range tb.Tools() {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
	assert.Equal(t, []string{ToolCreateRepo, ToolCreateRepoAndUpload, ToolListRepos, ToolSyncProject}, names)
}
