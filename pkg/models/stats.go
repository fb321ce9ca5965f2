package models

// Stats represents per-branch file statistics from the state store
type Stats struct {
	TotalFiles    int64
	TotalSize     int64
	UploadedFiles int64
	UploadedSize  int64
	ReusedFiles   int64
	ReusedSize    int64
	SkippedFiles  int64
	SkippedSize   int64
	KnownBlobs    int64
}
