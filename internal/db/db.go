// Package db is the relational store for section 3: Repository, Namespace,
// File, Commit, LFS Object History, Staging Upload, Session, Token, User.
//
// Schema and access pattern follow the teacher's task queue store: raw
// database/sql against SQLite with WAL mode and a busy timeout, explicit
// transactions, additive SQL updates for hot counters instead of
// read-modify-write.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kohakuhub/hub/internal/models"
)

// DB wraps the relational store.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the SQLite-backed relational store.
func Open(dsn string) (*DB, error) {
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS organizations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS org_members (
			org_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role INTEGER NOT NULL,
			PRIMARY KEY (org_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_type TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			name_norm TEXT NOT NULL,
			private INTEGER NOT NULL DEFAULT 0,
			owner_id INTEGER NOT NULL,
			quota_bytes INTEGER,
			used_bytes INTEGER NOT NULL DEFAULT 0,
			lfs_threshold_bytes INTEGER,
			lfs_keep_versions INTEGER NOT NULL DEFAULT 5,
			lfs_suffix_rules TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(repo_type, namespace, name_norm)
		);

		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			lfs INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			owner_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_files_repo_path_live
			ON files(repo_id, path) WHERE is_deleted = 0;

		CREATE TABLE IF NOT EXISTS commits (
			repo_id INTEGER NOT NULL,
			commit_id TEXT NOT NULL,
			branch TEXT NOT NULL,
			author_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (repo_id, commit_id)
		);

		CREATE TABLE IF NOT EXISTS lfs_object_history (
			repo_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			size INTEGER NOT NULL,
			commit_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lfs_history_repo_path
			ON lfs_object_history(repo_id, path);

		CREATE TABLE IF NOT EXISTS staging_uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_id INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			size INTEGER NOT NULL,
			storage_key TEXT NOT NULL,
			upload_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			hash_hex TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS daily_repo_stats (
			repo_id INTEGER NOT NULL,
			bucket_ts DATETIME NOT NULL,
			unique_downloads INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (repo_id, bucket_ts)
		);

		CREATE TABLE IF NOT EXISTS download_sessions (
			repo_id INTEGER NOT NULL,
			bucket_ts DATETIME NOT NULL,
			actor_key TEXT NOT NULL,
			PRIMARY KEY (repo_id, bucket_ts, actor_key)
		);
	`)
	return err
}

// normalize folds a repo/namespace name for uniqueness comparisons: case and
// separator fold, per spec section 3's invariant.
func normalize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '-', '_', '.':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}

// Normalize is exported for callers (e.g. commitengine, api) that need to
// pre-check a name collision before attempting an insert.
func Normalize(name string) string { return normalize(name) }

// CreateRepository inserts a new repository row; fails on name collision
// within (repo_type, namespace) after normalization.
func (d *DB) CreateRepository(r *models.Repository) (int64, error) {
	res, err := d.conn.Exec(`
		INSERT INTO repositories (repo_type, namespace, name, name_norm, private, owner_id,
			quota_bytes, lfs_threshold_bytes, lfs_keep_versions, lfs_suffix_rules, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RepoType, r.Namespace, r.Name, normalize(r.Name), r.Private, r.OwnerID,
		r.QuotaBytes, r.LFSThresholdBytes, r.LFSKeepVersions, joinRules(r.LFSSuffixRules), time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) DeleteRepository(id int64) error {
	_, err := d.conn.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	return err
}

func (d *DB) GetRepository(repoType models.RepoType, namespace, name string) (*models.Repository, error) {
	row := d.conn.QueryRow(`
		SELECT id, repo_type, namespace, name, private, owner_id, quota_bytes, used_bytes,
			lfs_threshold_bytes, lfs_keep_versions, lfs_suffix_rules, created_at
		FROM repositories WHERE repo_type = ? AND namespace = ? AND name_norm = ?
	`, repoType, namespace, normalize(name))
	return scanRepository(row)
}

func (d *DB) GetRepositoryByID(id int64) (*models.Repository, error) {
	row := d.conn.QueryRow(`
		SELECT id, repo_type, namespace, name, private, owner_id, quota_bytes, used_bytes,
			lfs_threshold_bytes, lfs_keep_versions, lfs_suffix_rules, created_at
		FROM repositories WHERE id = ?
	`, id)
	return scanRepository(row)
}

func (d *DB) RenameRepository(id int64, newNamespace, newName string) error {
	_, err := d.conn.Exec(`UPDATE repositories SET namespace = ?, name = ?, name_norm = ? WHERE id = ?`,
		newNamespace, newName, normalize(newName), id)
	return err
}

// AddUsedBytes applies an additive update to Repository.used_bytes, per
// section 5's hot-row policy ("updated with an additive SQL expression, not
// a read-modify-write").
func (d *DB) AddUsedBytes(repoID int64, delta int64) error {
	_, err := d.conn.Exec(`UPDATE repositories SET used_bytes = used_bytes + ? WHERE id = ?`, delta, repoID)
	return err
}

// AddUsedBytesTx is AddUsedBytes scoped to an in-flight transaction, used by
// the commit engine so the used_bytes update shares atomicity with the File
// and Commit row writes of step 10.
func AddUsedBytesTx(tx *sql.Tx, repoID int64, delta int64) error {
	_, err := tx.Exec(`UPDATE repositories SET used_bytes = used_bytes + ? WHERE id = ?`, delta, repoID)
	return err
}

// RecomputeUsedBytes sets used_bytes to the sum of sizes of non-deleted File
// rows; invoked by the quota-recompute background task to bound drift (see
// testable property 3).
func (d *DB) RecomputeUsedBytes(repoID int64) error {
	_, err := d.conn.Exec(`
		UPDATE repositories SET used_bytes = COALESCE((
			SELECT SUM(size) FROM files WHERE repo_id = ? AND is_deleted = 0
		), 0) WHERE id = ?
	`, repoID, repoID)
	return err
}

func scanRepository(row *sql.Row) (*models.Repository, error) {
	var r models.Repository
	var rules string
	err := row.Scan(&r.ID, &r.RepoType, &r.Namespace, &r.Name, &r.Private, &r.OwnerID,
		&r.QuotaBytes, &r.UsedBytes, &r.LFSThresholdBytes, &r.LFSKeepVersions, &rules, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.LFSSuffixRules = splitRules(rules)
	return &r, nil
}

func joinRules(rules []string) string {
	out := ""
	for i, r := range rules {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func splitRules(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// Conn exposes the raw *sql.DB for packages (commitengine) that need to run
// their own transaction spanning multiple tables.
func (d *DB) Conn() *sql.DB { return d.conn }
