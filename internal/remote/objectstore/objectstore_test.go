package objectstore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/ghsync/internal/errs"
)

func TestKeys(t *testing.T) {
	sha := "ce013625030ba8dba906f756967f9e9ca394464a"
	assert.Equal(t, "octo/demo/repo.json", metaKey("octo", "demo"))
	assert.Equal(t, "octo/demo/objects/ce/013625030ba8dba906f756967f9e9ca394464a", objectKey("octo", "demo", sha))
	assert.Equal(t, "octo/demo/refs/heads/feature/x", refKey("octo", "demo", "feature/x"))
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no endpoint", cfg: Config{Bucket: "b", Owner: "o"}},
		{name: "no bucket", cfg: Config{Endpoint: "localhost:9000", Owner: "o"}},
		{name: "no owner", cfg: Config{Endpoint: "localhost:9000", Bucket: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}

	s, err := New(Config{Endpoint: "localhost:9000", Bucket: "repos", Owner: "octo"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/repos/octo/demo/objects/ab/cdef", s.CommitURL("octo", "demo", "abcdef"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{name: "missing key", err: minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, want: errs.KindNotFound},
		{name: "missing bucket", err: minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}, want: errs.KindNotFound},
		{name: "denied", err: minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, want: errs.KindAuth},
		{name: "bad key", err: minio.ErrorResponse{Code: "InvalidAccessKeyId", StatusCode: http.StatusForbidden}, want: errs.KindAuth},
		{name: "slow down", err: minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, want: errs.KindRateLimit},
		{name: "server error", err: minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, want: errs.KindNetwork},
		{name: "transport", err: errors.New("dial tcp: connection refused"), want: errs.KindNetwork},
		{name: "canceled", err: context.Canceled, want: errs.KindCanceled},
		{name: "unexpected", err: minio.ErrorResponse{Code: "MethodNotAllowed", StatusCode: http.StatusMethodNotAllowed}, want: errs.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("get", "k", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
		})
	}
	assert.NoError(t, classify("get", "k", nil))
}

func TestBlobContentType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", blobContentType([]byte("hello\n")))
	assert.Equal(t, "image/png", blobContentType([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")))
}
