package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/gitobj"
	"github.com/chmdznr/ghsync/internal/remote"
	ghsync "github.com/chmdznr/ghsync/internal/sync"
)

// fakeGitHub serves the subset of the REST API the backend uses for a single
// repository octo/demo.
type fakeGitHub struct {
	mu      sync.Mutex
	calls   map[string]int
	objects map[string]string // sha -> blob/tree/commit
	trees   map[string]string // commit -> tree
	blobs   map[string][]byte
	refs    map[string]string
	files   map[string][]byte // contents API, path -> content
	created map[string]bool   // repositories
	empty   bool              // answer 409 for ref reads and blob writes

	// failures maps a route pattern to queued status codes served before
	// the real handler runs.
	failures map[string][]int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		calls:    map[string]int{},
		objects:  map[string]string{},
		trees:    map[string]string{},
		blobs:    map[string][]byte{},
		refs:     map[string]string{},
		files:    map[string][]byte{},
		created:  map[string]bool{},
		failures: map[string][]int{},
	}
}

func (f *fakeGitHub) fail(key string, codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = append(f.failures[key], codes...)
}

func (f *fakeGitHub) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeGitHub) ref(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[name]
}

func (f *fakeGitHub) setRef(name, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[name] = sha
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h func(w http.ResponseWriter, r *http.Request)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.calls[pattern]++
			var code int
			if q := f.failures[pattern]; len(q) > 0 {
				code, f.failures[pattern] = q[0], q[1:]
			}
			f.mu.Unlock()
			switch code {
			case 0:
				h(w, r)
			case http.StatusForbidden:
				w.Header().Set("X-RateLimit-Limit", "5000")
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(-time.Second).Unix(), 10))
				writeJSON(w, code, map[string]string{"message": "API rate limit exceeded"})
			default:
				writeJSON(w, code, map[string]string{"message": http.StatusText(code)})
			}
		})
	}

	route("GET /user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"login": "octo", "name": "Octo Cat", "html_url": "https://github.com/octo"})
	})
	route("GET /user/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/user/repos?page=2>; rel="next"`, r.Host))
			writeJSON(w, 200, []map[string]any{{"name": "demo", "private": true, "owner": map[string]string{"login": "octo"}}})
			return
		}
		writeJSON(w, 200, []map[string]any{{"name": "site", "description": "web", "owner": map[string]string{"login": "octo"}}})
	})
	route("POST /user/repos", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name     string `json:"name"`
			Private  bool   `json:"private"`
			AutoInit bool   `json:"auto_init"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.created[body.Name] {
			writeJSON(w, 422, map[string]any{
				"message": "Repository creation failed.",
				"errors":  []map[string]string{{"resource": "Repository", "code": "custom", "field": "name", "message": "name already exists on this account"}},
			})
			return
		}
		f.created[body.Name] = true
		writeJSON(w, 201, map[string]any{
			"name":           body.Name,
			"private":        body.Private,
			"default_branch": "main",
			"html_url":       "https://github.com/octo/" + body.Name,
			"owner":          map[string]string{"login": "octo"},
		})
	})
	route("POST /repos/octo/demo/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		empty := f.empty
		f.mu.Unlock()
		if empty {
			writeJSON(w, 409, map[string]string{"message": "Git Repository is empty."})
			return
		}
		content, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil || body.Encoding != "base64" {
			writeJSON(w, 422, map[string]string{"message": "bad blob"})
			return
		}
		sha := gitobj.BlobSHA(content)
		f.mu.Lock()
		f.objects[sha] = "blob"
		f.blobs[sha] = content
		f.mu.Unlock()
		writeJSON(w, 201, map[string]string{"sha": sha})
	})
	route("POST /repos/octo/demo/git/trees", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tree []struct {
				Path string `json:"path"`
				Mode string `json:"mode"`
				Type string `json:"type"`
				SHA  string `json:"sha"`
			} `json:"tree"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		entries := make([]remote.TreeEntry, 0, len(body.Tree))
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, e := range body.Tree {
			if f.objects[e.SHA] != e.Type {
				writeJSON(w, 422, map[string]string{"message": "tree.sha " + e.SHA + " is not a valid " + e.Type})
				return
			}
			entries = append(entries, remote.TreeEntry{Name: e.Path, Mode: e.Mode, Kind: e.Type, SHA: e.SHA})
		}
		sha, _, err := gitobj.EncodeTree(entries)
		if err != nil {
			writeJSON(w, 422, map[string]string{"message": err.Error()})
			return
		}
		f.objects[sha] = "tree"
		writeJSON(w, 201, map[string]string{"sha": sha})
	})
	route("POST /repos/octo/demo/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string   `json:"message"`
			Tree    string   `json:"tree"`
			Parents []string `json:"parents"`
			Author  struct {
				Name  string    `json:"name"`
				Email string    `json:"email"`
				Date  time.Time `json:"date"`
			} `json:"author"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sha, _, err := gitobj.EncodeCommit(remote.CommitRequest{
			Message: body.Message,
			TreeSHA: body.Tree,
			Parents: body.Parents,
			Author:  remote.Signature{Name: body.Author.Name, Email: body.Author.Email, When: body.Author.Date},
		})
		if err != nil {
			writeJSON(w, 422, map[string]string{"message": err.Error()})
			return
		}
		f.mu.Lock()
		f.objects[sha] = "commit"
		f.trees[sha] = body.Tree
		f.mu.Unlock()
		writeJSON(w, 201, map[string]any{"sha": sha, "tree": map[string]string{"sha": body.Tree}})
	})
	route("GET /repos/octo/demo/git/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		tree, ok := f.trees[r.PathValue("sha")]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, 404, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, 200, map[string]any{"sha": r.PathValue("sha"), "tree": map[string]string{"sha": tree}})
	})
	route("GET /repos/octo/demo/git/ref/{ref...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.empty {
			writeJSON(w, 409, map[string]string{"message": "Git Repository is empty."})
			return
		}
		ref := "refs/" + r.PathValue("ref")
		sha, ok := f.refs[ref]
		if !ok {
			writeJSON(w, 404, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, 200, map[string]any{"ref": ref, "object": map[string]string{"sha": sha, "type": "commit"}})
	})
	route("POST /repos/octo/demo/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.refs[body.Ref]; ok {
			writeJSON(w, 422, map[string]string{"message": "Reference already exists"})
			return
		}
		f.refs[body.Ref] = body.SHA
		writeJSON(w, 201, map[string]any{"ref": body.Ref, "object": map[string]string{"sha": body.SHA}})
	})
	route("PATCH /repos/octo/demo/git/refs/{ref...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		ref := "refs/" + r.PathValue("ref")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refs[ref] = body.SHA
		writeJSON(w, 200, map[string]any{"ref": ref, "object": map[string]string{"sha": body.SHA}})
	})
	route("GET /repos/octo/demo/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		content, ok := f.files[r.PathValue("path")]
		if !ok {
			writeJSON(w, 404, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, 200, map[string]any{"type": "file", "path": r.PathValue("path"), "sha": gitobj.BlobSHA(content)})
	})
	route("PUT /repos/octo/demo/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
			Content []byte `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p := r.PathValue("path")
		f.mu.Lock()
		defer f.mu.Unlock()
		if old, ok := f.files[p]; ok && gitobj.BlobSHA(old) != body.SHA {
			writeJSON(w, 409, map[string]string{"message": p + " does not match " + body.SHA})
			return
		}
		f.files[p] = body.Content
		commit := fmt.Sprintf("%040x", len(f.files)+f.calls["PUT /repos/octo/demo/contents/{path...}"])
		writeJSON(w, 201, map[string]any{"content": map[string]string{"path": p}, "commit": map[string]string{"sha": commit}})
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeGitHub) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	c, err := New("test-token",
		WithBaseURL(srv.URL),
		WithRetryPolicy(remote.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	require.NoError(t, err)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestCommitURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "public", baseURL: DefaultBaseURL, want: "https://github.com/o/r/commit/abc"},
		{name: "enterprise", baseURL: "https://ghe.example.com/api/v3/", want: "https://ghe.example.com/o/r/commit/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New("token", WithBaseURL(tt.baseURL))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.CommitURL("o", "r", "abc"))
		})
	}
}

func TestClassify(t *testing.T) {
	resp := func(code int) *http.Response { return &http.Response{StatusCode: code, Header: http.Header{}} }
	errResp := func(code int, msg string) error {
		return &gogithub.ErrorResponse{Response: resp(code), Message: msg}
	}

	tests := []struct {
		name     string
		err      error
		wantKind errs.Kind
	}{
		{name: "bad credentials", err: errResp(401, "Bad credentials"), wantKind: errs.KindAuth},
		{name: "forbidden", err: errResp(403, "Resource not accessible"), wantKind: errs.KindAuth},
		{name: "not found", err: errResp(404, "Not Found"), wantKind: errs.KindNotFound},
		{name: "name taken", err: errResp(422, "name already exists on this account"), wantKind: errs.KindAlreadyExists},
		{name: "invalid", err: errResp(422, "Invalid request"), wantKind: errs.KindValidation},
		{name: "server error", err: errResp(502, "Bad Gateway"), wantKind: errs.KindNetwork},
		{name: "too many requests", err: errResp(429, "slow down"), wantKind: errs.KindRateLimit},
		{name: "transport", err: errors.New("connection reset by peer"), wantKind: errs.KindNetwork},
		{name: "canceled", err: context.Canceled, wantKind: errs.KindCanceled},
		{
			name:     "primary rate limit",
			err:      &gogithub.RateLimitError{Response: resp(403), Message: "API rate limit exceeded"},
			wantKind: errs.KindRateLimit,
		},
		{
			name:     "secondary rate limit",
			err:      &gogithub.AbuseRateLimitError{Response: resp(403), Message: "secondary rate limit"},
			wantKind: errs.KindRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", nil, tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errs.KindOf(err))
		})
	}

	assert.NoError(t, classify("op", nil, nil))
}

func TestClassifyRetryAfter(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	err := classify("op", nil, &gogithub.RateLimitError{
		Rate:     gogithub.Rate{Remaining: 0, Reset: gogithub.Timestamp{Time: reset}},
		Response: &http.Response{StatusCode: 403},
	})
	hint := errs.RetryAfterOf(err)
	assert.Greater(t, hint, 25*time.Second)
	assert.LessOrEqual(t, hint, 30*time.Second)

	wait := 12 * time.Second
	err = classify("op", nil, &gogithub.AbuseRateLimitError{Response: &http.Response{StatusCode: 403}, RetryAfter: &wait})
	assert.Equal(t, wait, errs.RetryAfterOf(err))
}

func TestIdentityAndRepositories(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestClient(t, fake)
	ctx := context.Background()

	user, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "octo", user.Login)
	assert.Equal(t, "Octo Cat", user.Name)

	repos, err := c.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "octo/demo", repos[0].FullName())
	assert.True(t, repos[0].Private)
	assert.Equal(t, "web", repos[1].Description)

	repo, err := c.CreateRepository(ctx, remote.CreateRepositoryRequest{Name: "fresh", Private: true, AutoInit: true})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/octo/fresh", repo.HTMLURL)
	assert.Equal(t, "main", repo.DefaultBranch)

	_, err = c.CreateRepository(ctx, remote.CreateRepositoryRequest{Name: "fresh"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAlreadyExists, errs.KindOf(err))
	assert.Contains(t, err.Error(), "name already exists")
	// permanent failures are not retried
	assert.Equal(t, 2, fake.count("POST /user/repos"))
}

func TestRetryTransientFailures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		fake := newFakeGitHub()
		fake.fail("GET /user", http.StatusBadGateway)
		c := newTestClient(t, fake)

		_, err := c.CurrentUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, fake.count("GET /user"))
	})

	t.Run("rate limited", func(t *testing.T) {
		fake := newFakeGitHub()
		fake.fail("GET /user", http.StatusForbidden)
		c := newTestClient(t, fake)

		_, err := c.CurrentUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, fake.count("GET /user"))
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		fake := newFakeGitHub()
		fake.fail("GET /user", 503, 503, 503)
		c := newTestClient(t, fake)

		_, err := c.CurrentUser(context.Background())
		require.Error(t, err)
		assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
		assert.Equal(t, 3, fake.count("GET /user"))
	})

	t.Run("auth is fatal", func(t *testing.T) {
		fake := newFakeGitHub()
		fake.fail("GET /user", http.StatusUnauthorized)
		c := newTestClient(t, fake)

		_, err := c.CurrentUser(context.Background())
		require.Error(t, err)
		assert.Equal(t, errs.KindAuth, errs.KindOf(err))
		assert.Equal(t, 1, fake.count("GET /user"))
	})
}

func TestGetHead(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestClient(t, fake)
	ctx := context.Background()

	_, err := c.GetHead(ctx, "octo", "demo", "main")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	fake.mu.Lock()
	fake.empty = true
	fake.mu.Unlock()
	_, err = c.GetHead(ctx, "octo", "demo", "main")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestCreateBlobInEmptyRepository(t *testing.T) {
	fake := newFakeGitHub()
	fake.mu.Lock()
	fake.empty = true
	fake.mu.Unlock()
	c := newTestClient(t, fake)

	_, err := c.CreateBlob(context.Background(), "octo", "demo", []byte("hello\n"))
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "auto-init")
	assert.Equal(t, 1, fake.count("POST /repos/octo/demo/git/blobs"))
}

func TestUpdateRefDetectsMovedBranch(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestClient(t, fake)
	ctx := context.Background()

	old := fmt.Sprintf("%040d", 1)
	moved := fmt.Sprintf("%040d", 2)
	next := fmt.Sprintf("%040d", 3)
	require.NoError(t, c.CreateRef(ctx, "octo", "demo", "main", old))

	err := c.CreateRef(ctx, "octo", "demo", "main", old)
	assert.Equal(t, errs.KindConcurrentModification, errs.KindOf(err))

	fake.setRef("refs/heads/main", moved)

	err = c.UpdateRef(ctx, "octo", "demo", "main", old, next)
	require.Error(t, err)
	assert.Equal(t, errs.KindConcurrentModification, errs.KindOf(err))
	assert.Zero(t, fake.count("PATCH /repos/octo/demo/git/refs/{ref...}"))

	require.NoError(t, c.UpdateRef(ctx, "octo", "demo", "main", moved, next))
	assert.Equal(t, next, fake.ref("refs/heads/main"))
	// an update that already landed is not reported as a conflict
	require.NoError(t, c.UpdateRef(ctx, "octo", "demo", "main", moved, next))
	assert.Equal(t, 1, fake.count("PATCH /repos/octo/demo/git/refs/{ref...}"))
}

func TestPutFile(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestClient(t, fake)
	ctx := context.Background()
	req := remote.PutFileRequest{
		Owner:   "octo",
		Repo:    "demo",
		Branch:  "main",
		Path:    "docs/readme.md",
		Content: []byte("v1"),
		Message: "add readme",
		Author:  remote.Signature{Name: "Octo", Email: "octo@example.com"},
	}

	first, err := c.PutFile(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first, 40)

	req.Content = []byte("v2")
	second, err := c.PutFile(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	fake.mu.Lock()
	assert.Equal(t, []byte("v2"), fake.files["docs/readme.md"])
	fake.mu.Unlock()
}

func TestSyncThroughGitHubAPI(t *testing.T) {
	fake := newFakeGitHub()
	c := newTestClient(t, fake)

	root := t.TempDir()
	for rel, content := range map[string]string{
		"a/b/c/file1": "one\n",
		"a/b/file2":   "two\n",
		"a/file3":     "three\n",
	} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	cfg := ghsync.DefaultSyncerConfig()
	cfg.NumWorkers = 2
	s := ghsync.NewSyncer(c, &cfg)

	first, err := s.Sync(context.Background(), ghsync.SyncRequest{Owner: "octo", Repo: "demo", LocalPath: root})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "4b73e2fa1536d6afa460c35a9f493549792e4db7", first.TreeSHA)
	assert.Equal(t, first.CommitSHA, fake.ref("refs/heads/main"))
	assert.True(t, strings.HasSuffix(first.CommitURL, "/octo/demo/commit/"+first.CommitSHA), first.CommitURL)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "file3"), []byte("three, changed\n"), 0o644))
	second, err := s.Sync(context.Background(), ghsync.SyncRequest{Owner: "octo", Repo: "demo", LocalPath: root})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.CommitSHA, second.ParentSHA)
	assert.Equal(t, second.CommitSHA, fake.ref("refs/heads/main"))
	assert.Equal(t, 1, fake.count("PATCH /repos/octo/demo/git/refs/{ref...}"))
}
