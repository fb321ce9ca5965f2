package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/ghsync/pkg/models"
)

// File upload statuses recorded per sync
const (
	StatusUploaded = "uploaded"
	StatusReused   = "reused"
	StatusSkipped  = "skipped"
)

// DB represents a database connection
type DB struct {
	*sql.DB
	path string
}

// FileRecord is the recorded outcome for one path of the last sync of a branch
type FileRecord struct {
	FilePath     string
	SHA          string
	Size         int64
	UploadStatus string
}

// New opens (or creates) the state database at path
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids "database is locked"
	sqlDB.SetMaxOpenConns(1)

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize state database %s: %v", path, err)
	}

	return db, nil
}

// Path returns the absolute location of the database file
func (db *DB) Path() string {
	return db.path
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			repo TEXT,
			sha TEXT,
			size INTEGER,
			created_at DATETIME,
			PRIMARY KEY (repo, sha)
		);
		CREATE TABLE IF NOT EXISTS files (
			repo TEXT,
			branch TEXT,
			file_path TEXT,
			sha TEXT,
			size INTEGER,
			upload_status TEXT,
			PRIMARY KEY (repo, branch, file_path)
		);
		CREATE TABLE IF NOT EXISTS syncs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo TEXT,
			branch TEXT,
			commit_sha TEXT,
			tree_sha TEXT,
			parent_sha TEXT,
			files INTEGER,
			skipped INTEGER,
			unchanged INTEGER,
			created_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_files_status ON files(repo, branch, upload_status);
		CREATE INDEX IF NOT EXISTS idx_syncs_repo ON syncs(repo, created_at);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// KnownBlobs returns the blob addresses recorded as reachable in repo
func (db *DB) KnownBlobs(repo string) (map[string]bool, error) {
	rows, err := db.Query(`SELECT sha FROM blobs WHERE repo = ?`, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		known[sha] = true
	}
	return known, rows.Err()
}

// SaveBlobsBatch records blob addresses in a single transaction
func (db *DB) SaveBlobsBatch(repo string, blobs []models.Blob) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO blobs (repo, sha, size, created_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, b := range blobs {
		if _, err = stmt.Exec(repo, b.SHA, b.Size, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReplaceFileRecords replaces the recorded file set of a branch in a single transaction
func (db *DB) ReplaceFileRecords(repo, branch string, records []FileRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files WHERE repo = ? AND branch = ?`, repo, branch); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO files (repo, branch, file_path, sha, size, upload_status)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err = stmt.Exec(repo, branch, r.FilePath, r.SHA, r.Size, r.UploadStatus); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetFileRecords returns the recorded files of a branch ordered by path
func (db *DB) GetFileRecords(repo, branch string) ([]FileRecord, error) {
	rows, err := db.Query(`
		SELECT file_path, sha, size, upload_status
		FROM files
		WHERE repo = ? AND branch = ?
		ORDER BY file_path
	`, repo, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		var r FileRecord
		if err := rows.Scan(&r.FilePath, &r.SHA, &r.Size, &r.UploadStatus); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordSync appends a row to the sync history and returns its id
func (db *DB) RecordSync(rec models.SyncRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := db.Exec(`
		INSERT INTO syncs (repo, branch, commit_sha, tree_sha, parent_sha, files, skipped, unchanged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Repo, rec.Branch, rec.CommitSHA, rec.TreeSHA, rec.ParentSHA, rec.Files, rec.Skipped, rec.Unchanged, rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// History returns the most recent syncs of repo, newest first
func (db *DB) History(repo string, limit int) ([]models.SyncRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, repo, branch, commit_sha, tree_sha, parent_sha, files, skipped, unchanged, created_at
		FROM syncs
		WHERE repo = ?
		ORDER BY id DESC
		LIMIT ?
	`, repo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncRecord
	for rows.Next() {
		var r models.SyncRecord
		if err := rows.Scan(&r.ID, &r.Repo, &r.Branch, &r.CommitSHA, &r.TreeSHA, &r.ParentSHA,
			&r.Files, &r.Skipped, &r.Unchanged, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetStats returns statistics about the recorded files of a branch
func (db *DB) GetStats(repo, branch string) (*models.Stats, error) {
	var stats models.Stats
	err := db.QueryRow(`
		SELECT
			COUNT(*) as total_files,
			COALESCE(SUM(size), 0) as total_size,
			COUNT(CASE WHEN upload_status = 'uploaded' THEN 1 END) as uploaded_files,
			COALESCE(SUM(CASE WHEN upload_status = 'uploaded' THEN size ELSE 0 END), 0) as uploaded_size,
			COUNT(CASE WHEN upload_status = 'reused' THEN 1 END) as reused_files,
			COALESCE(SUM(CASE WHEN upload_status = 'reused' THEN size ELSE 0 END), 0) as reused_size,
			COUNT(CASE WHEN upload_status = 'skipped' THEN 1 END) as skipped_files,
			COALESCE(SUM(CASE WHEN upload_status = 'skipped' THEN size ELSE 0 END), 0) as skipped_size
		FROM files
		WHERE repo = ? AND branch = ?
	`, repo, branch).Scan(
		&stats.TotalFiles,
		&stats.TotalSize,
		&stats.UploadedFiles,
		&stats.UploadedSize,
		&stats.ReusedFiles,
		&stats.ReusedSize,
		&stats.SkippedFiles,
		&stats.SkippedSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %v", err)
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE repo = ?`, repo).Scan(&stats.KnownBlobs); err != nil {
		return nil, fmt.Errorf("failed to count blobs: %v", err)
	}
	return &stats, nil
}
