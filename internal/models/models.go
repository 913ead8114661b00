// Package models defines the relational data model of section 3: Repository,
// Namespace, File, Commit, LFS Object History, Staging Upload, Session, Token,
// User.
package models

import "time"

// RepoType is the tagged variant on Repository; uniform in storage.
type RepoType string

const (
	RepoModel   RepoType = "model"
	RepoDataset RepoType = "dataset"
	RepoSpace   RepoType = "space"
)

// Role orders organization membership: visitor < member < admin < super-admin.
type Role int

const (
	RoleVisitor Role = iota
	RoleMember
	RoleAdmin
	RoleSuperAdmin
)

func (r Role) AtLeast(min Role) bool { return r >= min }

// User is a registered identity; also doubles as a namespace.
type User struct {
	ID        int64
	Username  string
	Email     string
	CreatedAt time.Time
}

// Organization is a namespace with member roles, sharing the flat namespace
// with User.
type Organization struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// OrgMember is the (organization, user) -> role relation.
type OrgMember struct {
	OrgID  int64
	UserID int64
	Role   Role
}

// Repository is uniquely identified by (repo_type, namespace, name).
type Repository struct {
	ID                int64
	RepoType          RepoType
	Namespace         string
	Name              string
	Private           bool
	OwnerID           int64
	QuotaBytes        *int64 // nullable: inherit server default
	UsedBytes         int64
	LFSThresholdBytes *int64 // nullable: inherit server default
	LFSKeepVersions   int
	LFSSuffixRules    []string // explicit LFS-forcing glob patterns
	CreatedAt         time.Time
}

// FullID returns "namespace/name".
func (r *Repository) FullID() string { return r.Namespace + "/" + r.Name }

// File is unique on (repository_id, path_in_repo) among non-deleted rows.
type File struct {
	ID        int64
	RepoID    int64
	Path      string
	Size      int64
	SHA256    string
	LFS       bool
	IsDeleted bool
	OwnerID   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Commit is (repository_id, commit_id) with attribution.
type Commit struct {
	RepoID      int64
	CommitID    string
	Branch      string
	AuthorID    int64
	Message     string
	Description string
	CreatedAt   time.Time
}

// LFSObjectHistory is one row per commit that references an LFS object at a
// path; used by GC to keep only the most recent LFSKeepVersions per path.
type LFSObjectHistory struct {
	RepoID   int64
	Path     string
	SHA256   string
	Size     int64
	CommitID string
}

// StagingUpload is an ephemeral row for an in-progress LFS upload.
type StagingUpload struct {
	ID         int64
	RepoID     int64
	SHA256     string
	Size       int64
	StorageKey string
	UploadID   string // multipart upload id, empty for single-part
	CreatedAt  time.Time
}

// Session is a random-id, expiring login session.
type Session struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
}

// Token is a long-lived API credential; stored only as a SHA3-512 hash of the
// 32-byte random secret.
type Token struct {
	ID        int64
	UserID    int64
	Name      string
	HashHex   string
	CreatedAt time.Time
}
