// Package config holds the settings shared by every ghsync command and
// builds the remote backend and state store they describe.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/chmdznr/ghsync/internal/collector"
	"github.com/chmdznr/ghsync/internal/db"
	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/remote"
	"github.com/chmdznr/ghsync/internal/remote/github"
	"github.com/chmdznr/ghsync/internal/remote/objectstore"
	"github.com/chmdznr/ghsync/internal/sync"
)

// Backends.
const (
	BackendGitHub      = "github"
	BackendObjectStore = "objectstore"
)

// ObjectStore locates the bucket used by the objectstore backend.
type ObjectStore struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
	Owner     string
}

// Author overrides the commit identity.
type Author struct {
	Name  string
	Email string
}

// Retry bounds retries of transient remote failures.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Config is the full ghsync configuration.
type Config struct {
	Backend     string
	Token       string
	APIURL      string
	ObjectStore ObjectStore

	Workers        int
	MaxFileSize    int64
	OversizePolicy string
	Ignore         []string
	UseGitignore   bool
	SkipUnchanged  bool
	AutoInit       bool
	Author         Author

	// StatePath is the sqlite state database. Empty disables state.
	StatePath string
	Retry     Retry
}

// DefaultStatePath places the state database under the XDG data directory.
func DefaultStatePath() string {
	return filepath.Join(xdg.DataHome, "ghsync", "ghsync.db")
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Backend:        BackendGitHub,
		APIURL:         github.DefaultBaseURL,
		Workers:        16,
		MaxFileSize:    collector.DefaultMaxFileSize,
		OversizePolicy: sync.OversizeSkip,
		UseGitignore:   true,
		AutoInit:       true,
		StatePath:      DefaultStatePath(),
		Retry: Retry{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
	}
}

// ApplyDefaults fills zero values. Booleans are left alone.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.APIURL == "" {
		c.APIURL = d.APIURL
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.OversizePolicy == "" {
		c.OversizePolicy = d.OversizePolicy
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errs.Errorf(errs.KindValidation, "validate config", format, args...)
	}
	switch c.Backend {
	case BackendGitHub:
	case BackendObjectStore:
		if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
			return invalid("the objectstore backend needs an endpoint and a bucket")
		}
		if c.ObjectStore.Owner == "" {
			return invalid("the objectstore backend needs an owner")
		}
	default:
		return invalid("unknown backend %q (want %s or %s)", c.Backend, BackendGitHub, BackendObjectStore)
	}
	if c.Workers < 1 {
		return invalid("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxFileSize < 1 {
		return invalid("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.OversizePolicy != sync.OversizeSkip && c.OversizePolicy != sync.OversizeAbort {
		return invalid("oversize policy must be %s or %s, got %q", sync.OversizeSkip, sync.OversizeAbort, c.OversizePolicy)
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return invalid("retry delays must satisfy 0 <= base <= max, got %s and %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Author.Email != "" && !strings.Contains(c.Author.Email, "@") {
		return invalid("author email %q is not an address", c.Author.Email)
	}
	return nil
}

// SyncerConfig converts to the engine settings.
func (c *Config) SyncerConfig() sync.SyncerConfig {
	return sync.SyncerConfig{
		NumWorkers:     c.Workers,
		MaxFileSize:    c.MaxFileSize,
		OversizePolicy: c.OversizePolicy,
		Ignore:         c.Ignore,
		UseGitignore:   c.UseGitignore,
		SkipUnchanged:  c.SkipUnchanged,
		AutoInit:       c.AutoInit,
		Author:         remote.Signature{Name: c.Author.Name, Email: c.Author.Email},
	}
}

// RetryPolicy converts to the backend retry settings.
func (c *Config) RetryPolicy() remote.RetryPolicy {
	return remote.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// NewRemote builds the configured backend. Every request it issues goes
// through one shared rate-limit gate.
func (c *Config) NewRemote(logger *slog.Logger) (remote.API, error) {
	limiter := remote.NewLimiter()
	switch c.Backend {
	case BackendObjectStore:
		s, err := objectstore.New(objectstore.Config{
			Endpoint:  c.ObjectStore.Endpoint,
			Bucket:    c.ObjectStore.Bucket,
			AccessKey: c.ObjectStore.AccessKey,
			SecretKey: c.ObjectStore.SecretKey,
			Secure:    c.ObjectStore.Secure,
			Region:    c.ObjectStore.Region,
			Owner:     c.ObjectStore.Owner,
		},
			objectstore.WithLimiter(limiter),
			objectstore.WithRetryPolicy(c.RetryPolicy()),
			objectstore.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		gh, err := github.New(c.Token,
			github.WithBaseURL(c.APIURL),
			github.WithLimiter(limiter),
			github.WithRetryPolicy(c.RetryPolicy()),
			github.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return gh, nil
	}
}

// OpenState opens the state database, creating its directory. It returns
// nil when state is disabled.
func (c *Config) OpenState() (*db.DB, error) {
	if c.StatePath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.StatePath), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "open state", err)
	}
	d, err := db.New(c.StatePath)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "open state", err)
	}
	return d, nil
}
