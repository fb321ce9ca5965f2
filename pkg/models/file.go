package models

import "os"

// LocalFile represents a file under the sync root
type LocalFile struct {
	Path       string // root-relative, forward-slash
	AbsPath    string // resolved location on disk, symlinks followed
	Size       int64
	Executable bool
}

// ReadContent reads the raw bytes of the file
func (f LocalFile) ReadContent() ([]byte, error) {
	return os.ReadFile(f.AbsPath)
}

// Warning is a non-fatal collection or sync notice about one path
type Warning struct {
	Path   string
	Reason string
}

// Blob is a content object known to exist remotely
type Blob struct {
	SHA  string
	Size int64
}

// FileEntry pairs a relative path with the address of its content
type FileEntry struct {
	Path       string
	SHA        string
	Size       int64
	Executable bool
}
