package db

import (
	"database/sql"
	"time"

	"github.com/kohakuhub/hub/internal/models"
)

func (d *DB) CreateUser(username, email string) (int64, error) {
	res, err := d.conn.Exec(`INSERT INTO users (username, email, created_at) VALUES (?, ?, ?)`,
		username, email, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) GetUserByUsername(username string) (*models.User, error) {
	row := d.conn.QueryRow(`SELECT id, username, email, created_at FROM users WHERE username = ?`, username)
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (d *DB) GetUserByID(id int64) (*models.User, error) {
	row := d.conn.QueryRow(`SELECT id, username, email, created_at FROM users WHERE id = ?`, id)
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (d *DB) GetOrganizationByName(name string) (*models.Organization, error) {
	row := d.conn.QueryRow(`SELECT id, name, created_at FROM organizations WHERE name = ?`, name)
	var o models.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// MemberRole returns the role of userID within orgID, or (RoleVisitor, false)
// if the user is not a member.
func (d *DB) MemberRole(orgID, userID int64) (models.Role, bool, error) {
	var role int
	err := d.conn.QueryRow(`SELECT role FROM org_members WHERE org_id = ? AND user_id = ?`, orgID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return models.RoleVisitor, false, nil
	}
	if err != nil {
		return models.RoleVisitor, false, err
	}
	return models.Role(role), true, nil
}

func (d *DB) CreateSession(id string, userID int64, expiresAt time.Time) error {
	_, err := d.conn.Exec(`INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)`, id, userID, expiresAt)
	return err
}

// GetSessionUser returns the user id bound to a non-expired session, or 0,
// false if the session is absent or expired.
func (d *DB) GetSessionUser(sessionID string) (int64, bool, error) {
	var userID int64
	var expiresAt time.Time
	err := d.conn.QueryRow(`SELECT user_id, expires_at FROM sessions WHERE id = ?`, sessionID).Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if time.Now().After(expiresAt) {
		return 0, false, nil
	}
	return userID, true, nil
}

// CreateToken stores a token's SHA3-512 hash (hex-encoded); the raw secret
// is never persisted.
func (d *DB) CreateToken(userID int64, name, hashHex string) (int64, error) {
	res, err := d.conn.Exec(`INSERT INTO tokens (user_id, name, hash_hex, created_at) VALUES (?, ?, ?, ?)`,
		userID, name, hashHex, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTokenUser returns the user id owning a token by its hash, or 0, false
// if no token matches.
func (d *DB) GetTokenUser(hashHex string) (int64, bool, error) {
	var userID int64
	err := d.conn.QueryRow(`SELECT user_id FROM tokens WHERE hash_hex = ?`, hashHex).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return userID, true, nil
}

// UpsertDailyStatTx records one download by actorKey in the 15-minute bucket
// for repoID, incrementing unique_downloads only the first time that
// (repoID, bucket, actorKey) triple is seen, so the counter reflects unique
// actors rather than raw request volume (section 4.5: downloads are
// aggregated "keyed by (user_or_session_id, repo)").
func UpsertDailyStatTx(tx *sql.Tx, repoID int64, bucket time.Time, actorKey string) error {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO download_sessions (repo_id, bucket_ts, actor_key) VALUES (?, ?, ?)
	`, repoID, bucket, actorKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err = tx.Exec(`
		INSERT INTO daily_repo_stats (repo_id, bucket_ts, unique_downloads) VALUES (?, ?, 1)
		ON CONFLICT(repo_id, bucket_ts) DO UPDATE SET unique_downloads = unique_downloads + 1
	`, repoID, bucket)
	return err
}
