package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote/github"
	"github.com/chmdznr/ghsync/internal/remote/objectstore"
)

func TestApplyDefaults(t *testing.T) {
	c := Config{Workers: 4, Retry: Retry{MaxDelay: 10 * time.Second}}
	c.ApplyDefaults()

	assert.Equal(t, BackendGitHub, c.Backend)
	assert.Equal(t, github.DefaultBaseURL, c.APIURL)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, int64(100<<20), c.MaxFileSize)
	assert.Equal(t, "skip", c.OversizePolicy)
	assert.Equal(t, 5, c.Retry.MaxAttempts)
	assert.Equal(t, time.Second, c.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, c.Retry.MaxDelay)
	assert.Empty(t, c.StatePath)
	require.NoError(t, c.Validate())
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.True(t, c.UseGitignore)
	assert.True(t, c.AutoInit)
	assert.False(t, c.SkipUnchanged)
	assert.Equal(t, "ghsync.db", filepath.Base(c.StatePath))
	require.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "unknown backend", modify: func(c *Config) { c.Backend = "ftp" }, errMsg: "unknown backend"},
		{name: "objectstore without bucket", modify: func(c *Config) {
			c.Backend = BackendObjectStore
			c.ObjectStore = ObjectStore{Endpoint: "localhost:9000", Owner: "octo"}
		}, errMsg: "endpoint and a bucket"},
		{name: "objectstore without owner", modify: func(c *Config) {
			c.Backend = BackendObjectStore
			c.ObjectStore = ObjectStore{Endpoint: "localhost:9000", Bucket: "repos"}
		}, errMsg: "needs an owner"},
		{name: "no workers", modify: func(c *Config) { c.Workers = -1 }, errMsg: "workers"},
		{name: "negative size limit", modify: func(c *Config) { c.MaxFileSize = -5 }, errMsg: "max file size"},
		{name: "oversize policy", modify: func(c *Config) { c.OversizePolicy = "truncate" }, errMsg: "oversize policy"},
		{name: "retry attempts", modify: func(c *Config) { c.Retry.MaxAttempts = -1 }, errMsg: "retry attempts"},
		{name: "retry delays", modify: func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, errMsg: "retry delays"},
		{name: "author email", modify: func(c *Config) { c.Author.Email = "nobody" }, errMsg: "author email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSyncerConfig(t *testing.T) {
	c := Default()
	c.Workers = 3
	c.Ignore = []string{"*.log"}
	c.SkipUnchanged = true
	c.Author = Author{Name: "Octo", Email: "octo@example.com"}

	sc := c.SyncerConfig()
	assert.Equal(t, 3, sc.NumWorkers)
	assert.Equal(t, []string{"*.log"}, sc.Ignore)
	assert.True(t, sc.SkipUnchanged)
	assert.True(t, sc.AutoInit)
	assert.Equal(t, "Octo", sc.Author.Name)
	assert.Equal(t, "octo@example.com", sc.Author.Email)

	p := c.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Minute, p.MaxDelay)
}

func TestNewRemote(t *testing.T) {
	t.Run("github needs a token", func(t *testing.T) {
		c := Default()
		_, err := c.NewRemote(nil)
		require.Error(t, err)
		assert.Equal(t, errs.KindAuth, errs.KindOf(err))
	})

	t.Run("github", func(t *testing.T) {
		c := Default()
		c.Token = "token"
		api, err := c.NewRemote(nil)
		require.NoError(t, err)
		assert.IsType(t, &github.Client{}, api)
	})

	t.Run("objectstore", func(t *testing.T) {
		c := Default()
		c.Backend = BackendObjectStore
		c.ObjectStore = ObjectStore{Endpoint: "localhost:9000", Bucket: "repos", Owner: "octo"}
		api, err := c.NewRemote(nil)
		require.NoError(t, err)
		assert.IsType(t, &objectstore.Store{}, api)
	})
}

func TestOpenState(t *testing.T) {
	c := Default()
	c.StatePath = ""
	d, err := c.OpenState()
	require.NoError(t, err)
	assert.Nil(t, d)

	c.StatePath = filepath.Join(t.TempDir(), "nested", "state.db")
	d, err = c.OpenState()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	assert.Equal(t, c.StatePath, d.Path())
}
