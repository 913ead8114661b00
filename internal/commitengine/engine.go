// Package commitengine implements section 4.1's atomic NDJSON commit
// pipeline and section 4.2's preupload threshold decision: the two pieces
// that sit between the REST surface and the versioned-store/blob-store/DB
// trio.
//
// Grounded on the teacher's pkg/backend/huggingface/handler_hf_upload.go
// (the NDJSON walk, per-op dispatch, and requestOrigin-style URL building),
// generalized from the teacher's filesystem-backed writes to the
// versioned-store bridge and real content-addressed LFS linking.
package commitengine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/kohakuhub/hub/internal/apierr"
	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

// maxLineSize bounds a single NDJSON line (mostly relevant to base64 "file"
// ops), matching section 4.1's "size-limit violation" rejection.
const maxLineSize = 16 * 1024 * 1024

// GCEnqueuer is the narrow interface the commit engine needs from
// internal/queue, kept here to avoid an import cycle: step 11 enqueues a
// background GC pass for every LFS path touched by a successful commit.
type GCEnqueuer interface {
	EnqueueGC(repoID int64, paths []string)
}

// Config holds the server-default values the engine falls back to when a
// repository has no override (section 4.2, section 4.1 step 8).
type Config struct {
	DefaultLFSThresholdBytes int64
	DefaultQuotaBytes        *int64
	BaseURL                  string
	AutoGC                   bool
}

// Engine ties the versioned store, blob store, relational store, and
// identity resolver together to implement the commit pipeline.
type Engine struct {
	DB     *db.DB
	Store  vstore.Store
	Blob   *blobstore.Store
	Auth   *auth.Resolver
	Config Config
	GC     GCEnqueuer
}

// RepoKey derives the versioned-store namespace key for a repository.
func RepoKey(r *models.Repository) string {
	return string(r.RepoType) + "/" + r.Namespace + "/" + r.Name
}

// CommitRequest carries everything Commit needs besides the NDJSON body.
type CommitRequest struct {
	Repo     *models.Repository
	Branch   string
	Actor    auth.Identity
	NDJSON   io.Reader
}

// CommitResult is the success response of section 4.1/§6's commit endpoint.
type CommitResult struct {
	CommitOid string `json:"commitOid"`
	CommitURL string `json:"commitUrl"`
}

// pendingFile is the collapsed, last-op-wins outcome for one path.
type pendingFile struct {
	size     int64
	sha256   string
	lfs      bool
	dedupped bool
}

// Commit implements the 11-step algorithm of section 4.1.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	repo := req.Repo
	repoKey := RepoKey(repo)

	// Step 1: permission check.
	perm, err := e.Auth.Permission(req.Actor, repo.Namespace, repo.Private)
	if err != nil {
		return nil, apierr.New(apierr.ServerError, "permission lookup: %v", err)
	}
	if !perm.Has(auth.PermWrite) {
		return nil, apierr.New(apierr.Forbidden, "write permission required")
	}

	// Step 2: effective threshold / suffix rules (suffix rules aren't
	// needed again here; the client already decided regular vs lfs at
	// preupload time. The threshold still gates inline "file" size.)
	threshold := e.EffectiveThreshold(repo)

	header, fileOps, lfsOps, deletePaths, copyOps, err := parseNDJSON(req.NDJSON, repo.ID, e.DB, threshold)
	if err != nil {
		return nil, err
	}

	tip, err := e.Store.BranchTip(ctx, repoKey, req.Branch)
	if err != nil {
		if err == vstore.ErrRefNotFound {
			tip = ""
		} else {
			return nil, apierr.New(apierr.ServerError, "read branch tip: %v", err)
		}
	}

	newFiles := map[string]pendingFile{}
	var quotaDelta int64
	var lfsTouched []string

	// Step 4: inline file ops.
	for path, op := range fileOps {
		existing, err := e.DB.GetFile(repo.ID, path)
		if err != nil {
			return nil, apierr.New(apierr.ServerError, "lookup file: %v", err)
		}
		oldSize := int64(0)
		if existing != nil {
			oldSize = existing.Size
		}
		if existing != nil && !existing.LFS && existing.SHA256 == op.sha256 {
			newFiles[path] = pendingFile{size: op.size, sha256: op.sha256, lfs: false, dedupped: true}
			continue
		}

		key := blobstore.Key(op.sha256)
		if exists, err := e.Blob.Exists(op.sha256); err != nil {
			return nil, apierr.New(apierr.ServerError, "blob exists check: %v", err)
		} else if !exists {
			if err := e.Blob.Put(op.sha256, bytes.NewReader(op.content), op.size); err != nil {
				return nil, apierr.New(apierr.ServerError, "blob upload: %v", err)
			}
		}
		if err := e.Store.LinkPhysicalAddress(ctx, repoKey, req.Branch, path, key, op.sha256, op.size); err != nil {
			return nil, apierr.New(apierr.ServerError, "link object: %v", err)
		}
		newFiles[path] = pendingFile{size: op.size, sha256: op.sha256, lfs: false}
		quotaDelta += op.size - oldSize
	}

	// Step 5: lfsFile ops.
	for path, op := range lfsOps {
		exists, err := e.Blob.Exists(op.oid)
		if err != nil {
			return nil, apierr.New(apierr.ServerError, "lfs blob exists check: %v", err)
		}
		if !exists {
			return nil, apierr.New(apierr.BadRequest, "missing lfs blob %s", op.oid)
		}

		existing, err := e.DB.GetFile(repo.ID, path)
		if err != nil {
			return nil, apierr.New(apierr.ServerError, "lookup file: %v", err)
		}
		oldSize := int64(0)
		if existing != nil {
			oldSize = existing.Size
		}

		lfsTouched = append(lfsTouched, path)
		if existing != nil && existing.LFS && existing.SHA256 == op.oid {
			newFiles[path] = pendingFile{size: op.size, sha256: op.oid, lfs: true, dedupped: true}
			continue
		}

		key := blobstore.Key(op.oid)
		if err := e.Store.LinkPhysicalAddress(ctx, repoKey, req.Branch, path, key, op.oid, op.size); err != nil {
			return nil, apierr.New(apierr.ServerError, "link lfs object: %v", err)
		}
		newFiles[path] = pendingFile{size: op.size, sha256: op.oid, lfs: true}
		quotaDelta += op.size - oldSize
	}

	// Step 6: deletes.
	for path := range deletePaths {
		existing, err := e.DB.GetFile(repo.ID, path)
		if err != nil {
			return nil, apierr.New(apierr.ServerError, "lookup file: %v", err)
		}
		if existing == nil {
			continue
		}
		if err := e.Store.DeleteObject(ctx, repoKey, req.Branch, path); err != nil {
			return nil, apierr.New(apierr.ServerError, "delete object: %v", err)
		}
		quotaDelta -= existing.Size
	}

	// Step 7: copies.
	for path, op := range copyOps {
		srcRev := op.SrcRevision
		if srcRev == "" {
			srcRev = req.Branch
		}
		srcMeta, err := e.Store.GetObject(ctx, repoKey, srcRev, op.SrcPath)
		if err != nil {
			if err == vstore.ErrEntryNotFound {
				return nil, apierr.New(apierr.EntryNotFound, "copy source %s not found", op.SrcPath)
			}
			return nil, apierr.New(apierr.ServerError, "resolve copy source: %v", err)
		}

		existing, err := e.DB.GetFile(repo.ID, path)
		if err != nil {
			return nil, apierr.New(apierr.ServerError, "lookup file: %v", err)
		}
		oldSize := int64(0)
		if existing != nil {
			oldSize = existing.Size
		}

		srcLFS := false
		if srcFile, err := e.DB.GetFile(repo.ID, op.SrcPath); err == nil && srcFile != nil {
			srcLFS = srcFile.LFS
		}

		if err := e.Store.LinkPhysicalAddress(ctx, repoKey, req.Branch, path, srcMeta.PhysicalAddress, srcMeta.Checksum, srcMeta.Size); err != nil {
			return nil, apierr.New(apierr.ServerError, "link copy destination: %v", err)
		}
		newFiles[path] = pendingFile{size: srcMeta.Size, sha256: srcMeta.Checksum, lfs: srcLFS}
		quotaDelta += srcMeta.Size - oldSize
		if srcLFS {
			lfsTouched = append(lfsTouched, path)
		}
	}

	// Step 8: quota check.
	quota := repo.QuotaBytes
	if quota == nil {
		quota = e.Config.DefaultQuotaBytes
	}
	if quota != nil {
		if newTotal := repo.UsedBytes + quotaDelta; newTotal > *quota {
			return nil, apierr.New(apierr.QuotaExceeded, "commit would exceed quota (%d > %d)", newTotal, *quota)
		}
	}

	// Step 9: the atomic versioned-store commit.
	commitID, _, err := e.Store.Commit(ctx, repoKey, req.Branch, tip, header.Summary, header.Description)
	if err != nil {
		if err == vstore.ErrConflict {
			return nil, apierr.New(apierr.Conflict, "concurrent commit on %s/%s", repoKey, req.Branch)
		}
		return nil, apierr.New(apierr.ServerError, "versioned-store commit: %v", err)
	}

	// Step 10: DB transaction, retried on transient failure — the
	// versioned-store commit has already happened and is durable, so a
	// permanent DB failure here is an operator-visible inconsistency, not
	// a client-visible error (section 4.1 "Atomicity").
	if err := e.applyDBTransaction(repo, commitID, header, req, newFiles, deletePaths); err != nil {
		log.Printf("commitengine: DB sync failed after versioned-store commit %s/%s@%s: %v", repoKey, req.Branch, commitID, err)
	}

	// Step 11: auto-GC.
	if e.Config.AutoGC && e.GC != nil && len(lfsTouched) > 0 {
		e.GC.EnqueueGC(repo.ID, lfsTouched)
	}

	return &CommitResult{
		CommitOid: commitID,
		CommitURL: fmt.Sprintf("%s/%ss/%s/commit/%s", e.Config.BaseURL, repo.RepoType, repo.FullID(), commitID),
	}, nil
}

func (e *Engine) applyDBTransaction(repo *models.Repository, commitID string, header headerOp, req CommitRequest, newFiles map[string]pendingFile, deletePaths map[string]bool) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = e.runDBTransactionOnce(repo, commitID, header, req, newFiles, deletePaths)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (e *Engine) runDBTransactionOnce(repo *models.Repository, commitID string, header headerOp, req CommitRequest, newFiles map[string]pendingFile, deletePaths map[string]bool) error {
	tx, err := e.DB.Conn().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var usedDelta int64
	for path, pf := range newFiles {
		existing, err := e.DB.GetFile(repo.ID, path)
		if err != nil {
			return err
		}
		oldSize := int64(0)
		if existing != nil {
			oldSize = existing.Size
		}
		usedDelta += pf.size - oldSize

		if err := db.UpsertFileTx(tx, &models.File{
			RepoID: repo.ID, Path: path, Size: pf.size, SHA256: pf.sha256,
			LFS: pf.lfs, OwnerID: req.Actor.UserID,
		}); err != nil {
			return err
		}
		if pf.lfs {
			if err := db.InsertLFSHistoryTx(tx, &models.LFSObjectHistory{
				RepoID: repo.ID, Path: path, SHA256: pf.sha256, Size: pf.size, CommitID: commitID,
			}); err != nil {
				return err
			}
		}
	}

	for path := range deletePaths {
		existing, err := e.DB.GetFile(repo.ID, path)
		if err != nil {
			return err
		}
		if existing == nil {
			continue
		}
		usedDelta -= existing.Size
		if err := db.SoftDeleteFileTx(tx, repo.ID, path); err != nil {
			return err
		}
	}

	if err := db.InsertCommitTx(tx, &models.Commit{
		RepoID: repo.ID, CommitID: commitID, Branch: req.Branch, AuthorID: req.Actor.UserID,
		Message: header.Summary, Description: header.Description,
	}); err != nil {
		return err
	}

	if usedDelta != 0 {
		if err := db.AddUsedBytesTx(tx, repo.ID, usedDelta); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func parseNDJSON(r io.Reader, repoID int64, d *db.DB, threshold int64) (headerOp, map[string]fileResolved, map[string]lfsResolved, map[string]bool, map[string]copyFileOp, error) {
	fileOps := map[string]fileResolved{}
	lfsOps := map[string]lfsResolved{}
	deletePaths := map[string]bool{}
	copyOps := map[string]copyFileOp{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var header headerOp
	haveHeader := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var raw rawOp
		if err := json.Unmarshal(line, &raw); err != nil {
			return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed NDJSON line: %v", err)
		}

		if !haveHeader {
			if raw.Key != "header" {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "first NDJSON line must be header")
			}
			if err := json.Unmarshal(raw.Value, &header); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed header: %v", err)
			}
			haveHeader = true
			continue
		}

		switch raw.Key {
		case "file":
			var op fileOp
			if err := json.Unmarshal(raw.Value, &op); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed file op: %v", err)
			}
			if op.Encoding != "base64" {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "unsupported file encoding %q", op.Encoding)
			}
			if err := vstore.ValidatePath(op.Path); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "%v", err)
			}
			content, err := base64.StdEncoding.DecodeString(op.Content)
			if err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "invalid base64 content: %v", err)
			}
			if int64(len(content)) >= threshold {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "inline file %s too large for regular upload", op.Path)
			}
			sum := sha256.Sum256(content)
			delete(deletePaths, op.Path)
			delete(copyOps, op.Path)
			delete(lfsOps, op.Path)
			fileOps[op.Path] = fileResolved{content: content, size: int64(len(content)), sha256: hex.EncodeToString(sum[:])}

		case "lfsFile":
			var op lfsFileOp
			if err := json.Unmarshal(raw.Value, &op); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed lfsFile op: %v", err)
			}
			if op.Algo != "sha256" {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "unsupported lfs algo %q", op.Algo)
			}
			if err := vstore.ValidatePath(op.Path); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "%v", err)
			}
			delete(deletePaths, op.Path)
			delete(copyOps, op.Path)
			delete(fileOps, op.Path)
			lfsOps[op.Path] = lfsResolved{oid: op.OID, size: op.Size}

		case "deletedFile":
			var op deletedFileOp
			if err := json.Unmarshal(raw.Value, &op); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed deletedFile op: %v", err)
			}
			if err := vstore.ValidatePath(op.Path); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "%v", err)
			}
			delete(fileOps, op.Path)
			delete(lfsOps, op.Path)
			delete(copyOps, op.Path)
			deletePaths[op.Path] = true

		case "deletedFolder":
			var op deletedFolderOp
			if err := json.Unmarshal(raw.Value, &op); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed deletedFolder op: %v", err)
			}
			if err := vstore.ValidatePath(op.Path); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "%v", err)
			}
			prefix := op.Path
			rows, err := d.ListFilesByPrefix(repoID, prefix)
			if err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.ServerError, "enumerate folder: %v", err)
			}
			for _, f := range rows {
				delete(fileOps, f.Path)
				delete(lfsOps, f.Path)
				delete(copyOps, f.Path)
				deletePaths[f.Path] = true
			}
			for p := range fileOps {
				if isUnderPrefix(p, prefix) {
					delete(fileOps, p)
					deletePaths[p] = true
				}
			}
			for p := range lfsOps {
				if isUnderPrefix(p, prefix) {
					delete(lfsOps, p)
					deletePaths[p] = true
				}
			}

		case "copyFile":
			var op copyFileOp
			if err := json.Unmarshal(raw.Value, &op); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "malformed copyFile op: %v", err)
			}
			if err := vstore.ValidatePath(op.Path); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "%v", err)
			}
			if err := vstore.ValidatePath(op.SrcPath); err != nil {
				return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "%v", err)
			}
			delete(fileOps, op.Path)
			delete(lfsOps, op.Path)
			delete(deletePaths, op.Path)
			copyOps[op.Path] = op

		default:
			return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "unknown op key %q", raw.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "read NDJSON body: %v", err)
	}
	if !haveHeader {
		return header, nil, nil, nil, nil, apierr.New(apierr.BadRequest, "missing header line")
	}

	return header, fileOps, lfsOps, deletePaths, copyOps, nil
}

// isUnderPrefix reports whether p is a strict descendant of the folder
// prefix (prefix + "/"...). p == prefix is a sibling file, not a
// descendant, and must not match.
func isUnderPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)+1] == prefix+"/"
}

type fileResolved struct {
	content []byte
	size    int64
	sha256  string
}

type lfsResolved struct {
	oid  string
	size int64
}
