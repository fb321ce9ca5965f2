package models

import "time"

// Repository is the canonical identity of a remote repository
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
	Description   string
	HTMLURL       string
}

// FullName returns "owner/name"
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// User is the identity behind the configured credential
type User struct {
	Login   string
	Name    string
	Email   string
	HTMLURL string
}

// SyncResult is what a successful sync reports back
type SyncResult struct {
	Owner       string
	Repo        string
	Branch      string
	SyncedFiles []string
	Warnings    []Warning
	CommitSHA   string
	TreeSHA     string
	ParentSHA   string // empty when the branch was created
	CommitURL   string
	Created     bool // branch ref was created rather than updated
	Unchanged   bool // tree matched the head and no commit was made
	Uploaded    int  // blobs sent to the remote
	Reused      int  // blobs already known to exist remotely
	Attempts    int  // commit compositions, 2 when a concurrent update forced a retry
	Duration    time.Duration
}

// CreateResult is returned by create-and-sync
type CreateResult struct {
	URL         string
	Repository  Repository
	SyncedFiles []string
	Sync        *SyncResult
}

// SyncRecord is one row of sync history
type SyncRecord struct {
	ID        int64
	Repo      string
	Branch    string
	CommitSHA string
	TreeSHA   string
	ParentSHA string
	Files     int
	Skipped   int
	Unchanged bool
	CreatedAt time.Time
}
