package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/ghsync/internal/errs"
	"github.com/chmdznr/ghsync/internal/gitobj"
	"github.com/chmdznr/ghsync/pkg/models"
)

type fakeBlobs struct {
	calls   atomic.Int32
	inUse   atomic.Int32
	maxUse  atomic.Int32
	respond func(content []byte) (string, error)
}

func (f *fakeBlobs) CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error) {
	f.calls.Add(1)
	n := f.inUse.Add(1)
	defer f.inUse.Add(-1)
	for {
		cur := f.maxUse.Load()
		if n <= cur || f.maxUse.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.respond != nil {
		return f.respond(content)
	}
	return gitobj.BlobSHA(content), nil
}

func localFiles(t *testing.T, n int, content func(i int) string) []models.LocalFile {
	t.Helper()
	dir := t.TempDir()
	files := make([]models.LocalFile, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("f%03d.txt", i)
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content(i)), 0o644))
		files = append(files, models.LocalFile{Path: name, AbsPath: p, Size: int64(len(content(i)))})
	}
	return files
}

func TestUploaderBoundedPool(t *testing.T) {
	blobs := &fakeBlobs{}
	files := localFiles(t, 40, func(i int) string { return fmt.Sprintf("content %d", i) })

	res, err := NewUploader(blobs, "o", "r", 3, nil, nil).Upload(context.Background(), files, nil)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 40)
	assert.Equal(t, 40, res.Uploaded)
	assert.EqualValues(t, 40, blobs.calls.Load())
	assert.LessOrEqual(t, blobs.maxUse.Load(), int32(3))
	assert.Equal(t, "f000.txt", res.Entries[0].Path)
}

func TestUploaderKnownBlobs(t *testing.T) {
	blobs := &fakeBlobs{}
	files := localFiles(t, 3, func(i int) string { return fmt.Sprintf("content %d", i) })
	known := map[string]bool{gitobj.BlobSHA([]byte("content 1")): true}

	res, err := NewUploader(blobs, "o", "r", 2, known, nil).Upload(context.Background(), files, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Reused)
	assert.EqualValues(t, 2, blobs.calls.Load())
}

func TestUploaderFailures(t *testing.T) {
	t.Run("address mismatch", func(t *testing.T) {
		blobs := &fakeBlobs{respond: func([]byte) (string, error) {
			return "0000000000000000000000000000000000000000", nil
		}}
		files := localFiles(t, 1, func(int) string { return "x" })

		_, err := NewUploader(blobs, "o", "r", 1, nil, nil).Upload(context.Background(), files, nil)
		require.Error(t, err)
		assert.Equal(t, errs.KindUpload, errs.KindOf(err))
		assert.Equal(t, errs.KindInternal, errs.Cause(err))
	})

	t.Run("every failure is reported", func(t *testing.T) {
		blobs := &fakeBlobs{respond: func([]byte) (string, error) {
			return "", errs.New(errs.KindAuth, "create blob", "bad credentials").WithStatus(401)
		}}
		files := localFiles(t, 3, func(i int) string { return fmt.Sprintf("content %d", i) })

		res, err := NewUploader(blobs, "o", "r", 2, nil, nil).Upload(context.Background(), files, nil)
		require.Error(t, err)
		assert.Empty(t, res.Entries)
		joined, ok := err.(interface{ Unwrap() []error })
		require.True(t, ok)
		assert.Len(t, joined.Unwrap(), 3)
		assert.False(t, errs.Retryable(err))
		assert.Contains(t, errs.Describe(err), "[auth]")
	})

	t.Run("unreadable file", func(t *testing.T) {
		files := []models.LocalFile{{Path: "gone.txt", AbsPath: filepath.Join(t.TempDir(), "gone.txt")}}
		_, err := NewUploader(&fakeBlobs{}, "o", "r", 1, nil, nil).Upload(context.Background(), files, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindCollection))
	})
}
