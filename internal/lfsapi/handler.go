// Package lfsapi is the Git LFS Batch API and verify hook of section 4.4:
// presigned upload/download actions, global content-addressed dedup, and
// multipart upload plans. The hub never proxies blob bytes.
//
// Grounded on the teacher's pkg/backend/lfs/handler_git_lfs.go: the same
// batch request/response shapes and the +json media-type matcher, adapted
// from a local content-store-or-S3 split to an always-S3, always-presigned
// design since section 4.4 rules out the hub ever proxying bytes.
package lfsapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/hub/internal/apierr"
	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
)

const metaMediaType = "application/vnd.git-lfs+json"

// Handler serves the Batch API under /{namespace}/{name}.git/info/lfs/... and
// the verify hook under /api/{namespace}/{name}.git/info/lfs/verify.
type Handler struct {
	DB   *db.DB
	Blob *blobstore.Store
	Auth *auth.Resolver
}

// Register wires the Handler's routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/{namespace}/{name}.git/info/lfs/objects/batch", h.batch).
		Methods(http.MethodPost).MatcherFunc(metaMatcher)
	r.HandleFunc("/api/{namespace}/{name}.git/info/lfs/verify", h.verify).
		Methods(http.MethodPost)
}

func metaMatcher(r *http.Request, m *mux.RouteMatch) bool {
	accept := strings.Split(r.Header.Get("Accept"), ";")[0]
	return accept == metaMediaType || accept == "application/vnd.git-lfs"
}

type batchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type batchRequest struct {
	Operation string        `json:"operation"`
	Transfers []string      `json:"transfers,omitempty"`
	Objects   []batchObject `json:"objects"`
}

type objectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

type partAction struct {
	PartNumber int    `json:"part_number"`
	Href       string `json:"href"`
}

type batchResponseObject struct {
	OID     string          `json:"oid"`
	Size    int64           `json:"size"`
	Actions map[string]any  `json:"actions,omitempty"`
	Error   *objectError    `json:"error,omitempty"`
}

type batchResponse struct {
	Transfer string                `json:"transfer,omitempty"`
	Objects  []batchResponseObject `json:"objects"`
}

func (h *Handler) resolveRepo(w http.ResponseWriter, req *http.Request, requireWrite bool) (*models.Repository, bool) {
	vars := mux.Vars(req)
	namespace, name := vars["namespace"], vars["name"]

	repo, err := h.DB.GetRepository(models.RepoModel, namespace, name)
	if err != nil || repo == nil {
		apierr.WriteError(w, apierr.New(apierr.RepoNotFound, "repository not found: %s/%s", namespace, name))
		return nil, false
	}

	id, err := h.Auth.Resolve(req)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="kohakuhub"`)
		apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		return nil, false
	}
	perm, err := h.Auth.Permission(id, namespace, repo.Private)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "permission check: %v", err))
		return nil, false
	}
	need := auth.PermRead
	if requireWrite {
		need = auth.PermWrite
	}
	if !perm.Has(need) {
		if id.Anonymous() {
			w.Header().Set("WWW-Authenticate", `Basic realm="kohakuhub"`)
			apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		} else {
			apierr.WriteError(w, apierr.New(apierr.Forbidden, "permission denied"))
		}
		return nil, false
	}
	return repo, true
}

func (h *Handler) batch(w http.ResponseWriter, req *http.Request) {
	var br batchRequest
	if err := json.NewDecoder(req.Body).Decode(&br); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid batch request body: %v", err))
		return
	}

	repo, ok := h.resolveRepo(w, req, br.Operation == "upload")
	if !ok {
		return
	}

	resp := batchResponse{Transfer: "basic"}
	for _, obj := range br.Objects {
		resp.Objects = append(resp.Objects, h.representObject(repo, br.Operation, obj))
	}

	w.Header().Set("Content-Type", metaMediaType)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) representObject(repo *models.Repository, operation string, obj batchObject) batchResponseObject {
	exists, err := h.Blob.Exists(obj.OID)
	if err != nil {
		return batchResponseObject{OID: obj.OID, Size: obj.Size, Error: &objectError{Code: 500, Message: err.Error()}}
	}

	if operation == "download" {
		if !exists {
			return batchResponseObject{OID: obj.OID, Size: obj.Size, Error: &objectError{Code: 404, Message: "object not found"}}
		}
		href, err := h.Blob.SignGet(obj.OID)
		if err != nil {
			return batchResponseObject{OID: obj.OID, Size: obj.Size, Error: &objectError{Code: 500, Message: err.Error()}}
		}
		return batchResponseObject{
			OID: obj.OID, Size: obj.Size,
			Actions: map[string]any{"download": action{Href: href, ExpiresIn: 3600}},
		}
	}

	// operation == "upload": global dedup — if the blob already exists
	// anywhere, the client skips upload entirely.
	if exists {
		return batchResponseObject{OID: obj.OID, Size: obj.Size}
	}

	plan, err := h.Blob.PlanUpload(obj.OID, obj.Size)
	if err != nil {
		return batchResponseObject{OID: obj.OID, Size: obj.Size, Error: &objectError{Code: 500, Message: err.Error()}}
	}
	verifyHref := fmt.Sprintf("/api/%s/%s.git/info/lfs/verify", repo.Namespace, repo.Name)

	if plan.Multipart {
		h.DB.InsertStagingUpload(&models.StagingUpload{
			RepoID: repo.ID, SHA256: obj.OID, Size: obj.Size,
			StorageKey: blobstore.Key(obj.OID), UploadID: plan.UploadID,
		})
		parts := make([]partAction, len(plan.Parts))
		for i, p := range plan.Parts {
			parts[i] = partAction{PartNumber: i + 1, Href: p.Href}
		}
		return batchResponseObject{
			OID: obj.OID, Size: obj.Size,
			Actions: map[string]any{
				"upload": action{
					Href: "multipart://" + plan.UploadID,
					Header: map[string]string{
						"chunk_size": fmt.Sprintf("%d", plan.ChunkSize),
						"upload_id":  plan.UploadID,
					},
				},
				"parts":  parts,
				"verify": action{Href: verifyHref},
			},
		}
	}

	h.DB.InsertStagingUpload(&models.StagingUpload{
		RepoID: repo.ID, SHA256: obj.OID, Size: obj.Size, StorageKey: blobstore.Key(obj.OID),
	})
	return batchResponseObject{
		OID: obj.OID, Size: obj.Size,
		Actions: map[string]any{
			"upload": action{Href: plan.Single.Href, ExpiresIn: plan.Single.ExpiresIn},
			"verify": action{Href: verifyHref},
		},
	}
}

type verifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

func (h *Handler) verify(w http.ResponseWriter, req *http.Request) {
	repo, ok := h.resolveRepo(w, req, true)
	if !ok {
		return
	}

	var vr verifyRequest
	if err := json.NewDecoder(req.Body).Decode(&vr); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid verify request body: %v", err))
		return
	}

	info, err := h.Blob.Info(vr.OID)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.EntryNotFound, "object %s not found", vr.OID))
		return
	}
	if info.Size != vr.Size {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "size mismatch: expected %d, got %d", vr.Size, info.Size))
		return
	}

	h.DB.PromoteStagingUpload(repo.ID, vr.OID)
	w.WriteHeader(http.StatusOK)
}
