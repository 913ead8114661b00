package commitengine

import (
	"context"
	"io"
	"log"

	"github.com/kohakuhub/hub/internal/lfsproto"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

// PreuploadFile is one entry of a /preupload request body.
type PreuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// PreuploadResult is the per-file verdict returned by Preupload.
type PreuploadResult struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"`
	ShouldIgnore bool   `json:"shouldIgnore"`
}

const (
	UploadModeRegular = "regular"
	UploadModeLFS     = "lfs"
)

// EffectiveThreshold returns the repo's overridden LFS threshold, or the
// server default when the repo has none (section 4.2: "repo override else
// server default").
func (e *Engine) EffectiveThreshold(r *models.Repository) int64 {
	if r.LFSThresholdBytes != nil {
		return *r.LFSThresholdBytes
	}
	return e.Config.DefaultLFSThresholdBytes
}

// Preupload implements section 4.2: decide uploadMode and shouldIgnore for
// each candidate file against the target revision.
func (e *Engine) Preupload(ctx context.Context, repo *models.Repository, revision string, files []PreuploadFile) ([]PreuploadResult, error) {
	threshold := e.EffectiveThreshold(repo)
	suffixRules := lfsproto.CompileSuffixRules(repo.LFSSuffixRules)
	repoKey := RepoKey(repo)
	gaRules := e.gitAttributesRules(ctx, repoKey, revision)

	out := make([]PreuploadResult, 0, len(files))
	for _, f := range files {
		mode := UploadModeRegular
		if f.Size >= threshold || suffixRules.Matches(f.Path) || gaRules.IsLFS(f.Path) {
			mode = UploadModeLFS
		}

		ignore, err := e.shouldIgnore(ctx, repo, repoKey, revision, f)
		if err != nil {
			return nil, err
		}

		out = append(out, PreuploadResult{Path: f.Path, UploadMode: mode, ShouldIgnore: ignore})
	}
	return out, nil
}

// gitAttributesMaxSize bounds how large a committed .gitattributes this
// engine will fetch and parse as the third, lowest-priority LFS-detection
// source (section 12's supplement) — .gitattributes files are always small
// text; anything past this is treated as absent rather than read.
const gitAttributesMaxSize = 1 << 20

// gitAttributesRules fetches and parses the repo's own committed
// .gitattributes at revision, if any, for Preupload to consult as a third
// uploadMode source (section 12). The rules are used for this call only and
// are not stored as lfs_suffix_rules. Absence or any read error is treated
// as "no rules" rather than failing preupload.
func (e *Engine) gitAttributesRules(ctx context.Context, repoKey, revision string) *lfsproto.GitAttributesRules {
	om, err := e.Store.StatObject(ctx, repoKey, revision, ".gitattributes")
	if err != nil || om == nil || om.Size > gitAttributesMaxSize {
		return nil
	}
	rc, err := e.Blob.Get(om.Checksum)
	if err != nil {
		return nil
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return lfsproto.ParseGitAttributes(string(content))
}

// shouldIgnore checks both the DB and the versioned-store state at revision,
// per section 4.2's "computed against both DB state and the versioned-store
// state at revision to handle concurrent writes".
func (e *Engine) shouldIgnore(ctx context.Context, repo *models.Repository, repoKey, revision string, f PreuploadFile) (bool, error) {
	existing, err := e.DB.GetFile(repo.ID, f.Path)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.SHA256 == f.SHA256 {
		return true, nil
	}

	om, err := e.Store.StatObject(ctx, repoKey, revision, f.Path)
	if err != nil {
		if err == vstore.ErrEntryNotFound || err == vstore.ErrRefNotFound || err == vstore.ErrRepoNotFound {
			return false, nil
		}
		log.Printf("commitengine: preupload stat %s/%s failed: %v", repoKey, f.Path, err)
		return false, nil
	}
	return om.Checksum == f.SHA256, nil
}
