package sync

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// syncProgress tracks upload counters for one run and optionally renders them
// as a progress bar.
type syncProgress struct {
	TotalFiles    int64
	TotalSize     int64
	UploadedFiles int64
	UploadedSize  int64
	ReusedFiles   int64
	ReusedSize    int64
	FailedFiles   int64
	startTime     time.Time
	bar           *pb.ProgressBar
	sync.Mutex
}

func newSyncProgress(totalFiles, totalSize int64, out io.Writer) *syncProgress {
	p := &syncProgress{
		TotalFiles: totalFiles,
		TotalSize:  totalSize,
		startTime:  time.Now(),
	}
	if out != nil {
		bar := pb.New64(totalFiles)
		bar.SetWriter(out)
		bar.SetTemplate(`Uploading {{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
		p.bar = bar
	}
	return p
}

func (p *syncProgress) start() {
	if p.bar != nil {
		p.bar.Start()
	}
}

// Upload records a blob sent to the remote.
func (p *syncProgress) Upload(size int64) {
	p.Lock()
	defer p.Unlock()
	p.UploadedFiles++
	p.UploadedSize += size
	p.increment()
}

// Reuse records a file whose blob already existed.
func (p *syncProgress) Reuse(size int64) {
	p.Lock()
	defer p.Unlock()
	p.ReusedFiles++
	p.ReusedSize += size
	p.increment()
}

func (p *syncProgress) Fail() {
	p.Lock()
	defer p.Unlock()
	p.FailedFiles++
	p.increment()
}

func (p *syncProgress) increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *syncProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

// avgSpeed returns the uploaded bytes per second since the run started.
func (p *syncProgress) avgSpeed() float64 {
	p.Lock()
	defer p.Unlock()
	elapsed := time.Since(p.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.UploadedSize) / elapsed
}

func formatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSecond)
	} else if bytesPerSecond < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
	} else if bytesPerSecond < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/1024/1024)
	}
	return fmt.Sprintf("%.1f GB/s", bytesPerSecond/1024/1024/1024)
}
