package db

import (
	"database/sql"
	"time"

	"github.com/kohakuhub/hub/internal/models"
)

// GetFile returns the live (non-deleted) File row at (repoID, path), or
// nil, nil if none exists.
func (d *DB) GetFile(repoID int64, path string) (*models.File, error) {
	row := d.conn.QueryRow(`
		SELECT id, repo_id, path, size, sha256, lfs, is_deleted, owner_id, created_at, updated_at
		FROM files WHERE repo_id = ? AND path = ? AND is_deleted = 0
	`, repoID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func scanFile(row *sql.Row) (*models.File, error) {
	var f models.File
	err := row.Scan(&f.ID, &f.RepoID, &f.Path, &f.Size, &f.SHA256, &f.LFS, &f.IsDeleted,
		&f.OwnerID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFileTx creates or updates the live File row at (repoID, path) within
// tx. Soft-deleted rows at the same path are superseded by inserting a new
// live row (path uniqueness is scoped to is_deleted=0 by the partial index).
func UpsertFileTx(tx *sql.Tx, f *models.File) error {
	now := time.Now()
	_, err := tx.Exec(`
		DELETE FROM files WHERE repo_id = ? AND path = ? AND is_deleted = 0
	`, f.RepoID, f.Path)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO files (repo_id, path, size, sha256, lfs, is_deleted, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, f.RepoID, f.Path, f.Size, f.SHA256, f.LFS, f.OwnerID, now, now)
	return err
}

// SoftDeleteFileTx marks the live File row at (repoID, path) deleted.
func SoftDeleteFileTx(tx *sql.Tx, repoID int64, path string) error {
	_, err := tx.Exec(`
		UPDATE files SET is_deleted = 1, updated_at = ? WHERE repo_id = ? AND path = ? AND is_deleted = 0
	`, time.Now(), repoID, path)
	return err
}

// ListFilesByPrefix returns live File rows strictly under the given prefix
// (prefix + "/"), used by deletedFolder to enumerate recursive deletions. A
// file whose path equals prefix exactly is a sibling file, not a descendant
// of the folder, and must not be returned.
func (d *DB) ListFilesByPrefix(repoID int64, prefix string) ([]*models.File, error) {
	rows, err := d.conn.Query(`
		SELECT id, repo_id, path, size, sha256, lfs, is_deleted, owner_id, created_at, updated_at
		FROM files WHERE repo_id = ? AND is_deleted = 0 AND path LIKE ?
	`, repoID, prefix+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.RepoID, &f.Path, &f.Size, &f.SHA256, &f.LFS, &f.IsDeleted,
			&f.OwnerID, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ListFiles returns every live File row for a repository.
func (d *DB) ListFiles(repoID int64) ([]*models.File, error) {
	rows, err := d.conn.Query(`
		SELECT id, repo_id, path, size, sha256, lfs, is_deleted, owner_id, created_at, updated_at
		FROM files WHERE repo_id = ? AND is_deleted = 0
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.RepoID, &f.Path, &f.Size, &f.SHA256, &f.LFS, &f.IsDeleted,
			&f.OwnerID, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// InsertCommitTx inserts exactly one Commit row for a successful engine
// invocation.
func InsertCommitTx(tx *sql.Tx, c *models.Commit) error {
	_, err := tx.Exec(`
		INSERT INTO commits (repo_id, commit_id, branch, author_id, message, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.RepoID, c.CommitID, c.Branch, c.AuthorID, c.Message, c.Description, time.Now())
	return err
}

// GetCommit looks up the relational Commit row recorded alongside a
// versioned-store commit, used by the Git server to attribute the
// synthesized commit object to its actual author.
func (d *DB) GetCommit(repoID int64, commitID string) (*models.Commit, error) {
	row := d.conn.QueryRow(`
		SELECT repo_id, commit_id, branch, author_id, message, description, created_at
		FROM commits WHERE repo_id = ? AND commit_id = ?
	`, repoID, commitID)
	var c models.Commit
	if err := row.Scan(&c.RepoID, &c.CommitID, &c.Branch, &c.AuthorID, &c.Message, &c.Description, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertLFSHistoryTx records one LFS-history row per commit that references
// an LFS object at a path.
func InsertLFSHistoryTx(tx *sql.Tx, h *models.LFSObjectHistory) error {
	_, err := tx.Exec(`
		INSERT INTO lfs_object_history (repo_id, path, sha256, size, commit_id)
		VALUES (?, ?, ?, ?, ?)
	`, h.RepoID, h.Path, h.SHA256, h.Size, h.CommitID)
	return err
}

// ListLFSHistory returns the history rows for (repoID, path), newest first.
func (d *DB) ListLFSHistory(repoID int64, path string) ([]*models.LFSObjectHistory, error) {
	rows, err := d.conn.Query(`
		SELECT repo_id, path, sha256, size, commit_id FROM lfs_object_history
		WHERE repo_id = ? AND path = ? ORDER BY rowid DESC
	`, repoID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LFSObjectHistory
	for rows.Next() {
		var h models.LFSObjectHistory
		if err := rows.Scan(&h.RepoID, &h.Path, &h.SHA256, &h.Size, &h.CommitID); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// DeleteLFSHistory removes every history row for (repoID, path, sha256),
// used by LFS garbage collection to trim superseded versions once they fall
// outside the path's kept-version window (section 8 invariant 6).
func (d *DB) DeleteLFSHistory(repoID int64, path, sha256 string) error {
	_, err := d.conn.Exec(`
		DELETE FROM lfs_object_history WHERE repo_id = ? AND path = ? AND sha256 = ?
	`, repoID, path, sha256)
	return err
}

// SHA256ReferencedElsewhere reports whether any (repo, path) other than the
// given one still references oid, either as a live File row or in history —
// used by GC before deleting a physical blob (global dedup, section 3's
// "referenced by zero or more File rows across all repositories").
func (d *DB) SHA256ReferencedElsewhere(sha256 string, exceptRepoID int64, exceptPath string) (bool, error) {
	var n int
	err := d.conn.QueryRow(`
		SELECT COUNT(*) FROM files WHERE sha256 = ? AND is_deleted = 0 AND NOT (repo_id = ? AND path = ?)
	`, sha256, exceptRepoID, exceptPath).Scan(&n)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	err = d.conn.QueryRow(`
		SELECT COUNT(*) FROM lfs_object_history WHERE sha256 = ? AND NOT (repo_id = ? AND path = ?)
	`, sha256, exceptRepoID, exceptPath).Scan(&n)
	return n > 0, err
}

// InsertStagingUpload records an in-progress LFS upload.
func (d *DB) InsertStagingUpload(s *models.StagingUpload) (int64, error) {
	res, err := d.conn.Exec(`
		INSERT INTO staging_uploads (repo_id, sha256, size, storage_key, upload_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.RepoID, s.SHA256, s.Size, s.StorageKey, s.UploadID, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PromoteStagingUpload removes staging rows for (repoID, sha256) once a
// commit has linked them into a File row.
func (d *DB) PromoteStagingUpload(repoID int64, sha256 string) error {
	_, err := d.conn.Exec(`DELETE FROM staging_uploads WHERE repo_id = ? AND sha256 = ?`, repoID, sha256)
	return err
}
