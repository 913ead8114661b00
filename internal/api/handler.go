// Package api is the HuggingFace-compatible REST surface: repo CRUD,
// preupload, commit, resolve/download, tree and paths-info, and refs
// management, per sections 4.2, 4.5, and 4.6.
//
// Grounded on the teacher's pkg/backend/huggingface/handler.go route table
// and pkg/backend/huggingface/handler_hf_upload.go's request/response
// shapes, generalized from filesystem-backed repositories to the
// versioned-store/blob-store/DB trio behind commitengine.Engine.
package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/hub/internal/apierr"
	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/commitengine"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

// Handler serves the REST surface rooted at /api/ plus the un-typed
// download routes at the namespace root.
type Handler struct {
	DB     *db.DB
	Store  vstore.Store
	Blob   *blobstore.Store
	Auth   *auth.Resolver
	Engine *commitengine.Engine
}

// Register wires the Handler's routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/repos/create", h.createRepo).Methods(http.MethodPost)
	r.HandleFunc("/api/repos/delete", h.deleteRepo).Methods(http.MethodDelete)
	r.HandleFunc("/api/repos/move", h.moveRepo).Methods(http.MethodPost)

	typePrefix := "/api/{repoType:models|datasets|spaces}/{namespace}/{name}"
	r.HandleFunc(typePrefix+"/branch/{branch}", h.createBranch).Methods(http.MethodPost)
	r.HandleFunc(typePrefix+"/branch/{branch}", h.deleteBranch).Methods(http.MethodDelete)
	r.HandleFunc(typePrefix+"/tag/{tag}", h.createTag).Methods(http.MethodPost)
	r.HandleFunc(typePrefix+"/tag/{tag}", h.deleteTag).Methods(http.MethodDelete)
	r.HandleFunc(typePrefix+"/refs", h.listRefs).Methods(http.MethodGet)

	r.HandleFunc(typePrefix+"/preupload/{revision}", h.preupload).Methods(http.MethodPost)
	r.HandleFunc(typePrefix+"/commit/{revision}", h.commit).Methods(http.MethodPost)
	r.HandleFunc(typePrefix+"/tree/{revision}/{path:.*}", h.tree).Methods(http.MethodGet)
	r.HandleFunc(typePrefix+"/paths-info/{revision}", h.pathsInfo).Methods(http.MethodPost)
	r.HandleFunc(typePrefix+"/commits/{branch}", h.commits).Methods(http.MethodGet)

	r.HandleFunc("/{repoType:datasets|spaces}/{namespace}/{name}/resolve/{revision}/{path:.*}", h.resolve).
		Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{namespace}/{name}/resolve/{revision}/{path:.*}", h.resolve).
		Methods(http.MethodGet, http.MethodHead)
}

func repoTypeFromVar(s string) models.RepoType {
	switch s {
	case "datasets":
		return models.RepoDataset
	case "spaces":
		return models.RepoSpace
	default:
		return models.RepoModel
	}
}

func (h *Handler) loadRepo(w http.ResponseWriter, req *http.Request, requireWrite bool) (*models.Repository, auth.Identity, bool) {
	vars := mux.Vars(req)
	repoType := models.RepoModel
	if t, ok := vars["repoType"]; ok {
		repoType = repoTypeFromVar(t)
	}
	namespace, name := vars["namespace"], vars["name"]

	repo, err := h.DB.GetRepository(repoType, namespace, name)
	if err != nil || repo == nil {
		apierr.WriteError(w, apierr.New(apierr.RepoNotFound, "repository not found: %s/%s/%s", repoType, namespace, name))
		return nil, auth.Identity{}, false
	}

	id, err := h.Auth.Resolve(req)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		return nil, auth.Identity{}, false
	}
	perm, err := h.Auth.Permission(id, namespace, repo.Private)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "permission check: %v", err))
		return nil, auth.Identity{}, false
	}
	need := auth.PermRead
	if requireWrite {
		need = auth.PermWrite
	}
	if !perm.Has(need) {
		if id.Anonymous() {
			apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		} else {
			apierr.WriteError(w, apierr.New(apierr.Forbidden, "permission denied"))
		}
		return nil, auth.Identity{}, false
	}
	return repo, id, true
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- repo CRUD ---

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

type createRepoResponse struct {
	URL    string `json:"url"`
	RepoID int64  `json:"repo_id"`
}

func (h *Handler) createRepo(w http.ResponseWriter, req *http.Request) {
	var cr createRepoRequest
	if err := json.NewDecoder(req.Body).Decode(&cr); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}
	id, err := h.Auth.Resolve(req)
	if err != nil || id.Anonymous() {
		apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		return
	}

	namespace := cr.Organization
	if namespace == "" {
		namespace = id.Username
	}
	repoType := models.RepoModel
	switch cr.Type {
	case "dataset":
		repoType = models.RepoDataset
	case "space":
		repoType = models.RepoSpace
	}

	if existing, _ := h.DB.GetRepository(repoType, namespace, cr.Name); existing != nil {
		apierr.WriteError(w, apierr.New(apierr.RepoExists, "repository %s/%s already exists", namespace, cr.Name))
		return
	}

	repo := &models.Repository{
		RepoType: repoType, Namespace: namespace, Name: cr.Name,
		Private: cr.Private, OwnerID: id.UserID, LFSKeepVersions: 5,
	}
	repoID, err := h.DB.CreateRepository(repo)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "create repository: %v", err))
		return
	}
	repo.ID = repoID

	repoKey := commitengine.RepoKey(repo)
	if err := h.Store.CreateRepo(req.Context(), repoKey); err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "initialize versioned store: %v", err))
		return
	}

	resp := createRepoResponse{
		URL:    fmt.Sprintf("%s/%s/%s", h.Engine.Config.BaseURL, namespace, cr.Name),
		RepoID: repoID,
	}
	writeJSON(w, resp, http.StatusCreated)
}

type deleteRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
}

func (h *Handler) deleteRepo(w http.ResponseWriter, req *http.Request) {
	var dr deleteRepoRequest
	if err := json.NewDecoder(req.Body).Decode(&dr); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}
	id, err := h.Auth.Resolve(req)
	if err != nil || id.Anonymous() {
		apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		return
	}
	namespace := dr.Organization
	if namespace == "" {
		namespace = id.Username
	}
	repoType := models.RepoModel
	switch dr.Type {
	case "dataset":
		repoType = models.RepoDataset
	case "space":
		repoType = models.RepoSpace
	}

	repo, err := h.DB.GetRepository(repoType, namespace, dr.Name)
	if err != nil || repo == nil {
		apierr.WriteError(w, apierr.New(apierr.RepoNotFound, "repository not found: %s/%s", namespace, dr.Name))
		return
	}
	perm, err := h.Auth.Permission(id, namespace, repo.Private)
	if err != nil || !perm.Has(auth.PermDelete) {
		apierr.WriteError(w, apierr.New(apierr.Forbidden, "permission denied"))
		return
	}

	if err := h.Store.DeleteRepo(req.Context(), commitengine.RepoKey(repo)); err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "delete from versioned store: %v", err))
		return
	}
	if err := h.DB.DeleteRepository(repo.ID); err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "delete repository row: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type moveRepoRequest struct {
	FromRepo string `json:"fromRepo"`
	ToRepo   string `json:"toRepo"`
	Type     string `json:"type"`
}

func (h *Handler) moveRepo(w http.ResponseWriter, req *http.Request) {
	var mr moveRepoRequest
	if err := json.NewDecoder(req.Body).Decode(&mr); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}
	repoType := models.RepoModel
	switch mr.Type {
	case "dataset":
		repoType = models.RepoDataset
	case "space":
		repoType = models.RepoSpace
	}
	fromNS, fromName := splitRepoID(mr.FromRepo)
	toNS, toName := splitRepoID(mr.ToRepo)

	repo, err := h.DB.GetRepository(repoType, fromNS, fromName)
	if err != nil || repo == nil {
		apierr.WriteError(w, apierr.New(apierr.RepoNotFound, "repository not found: %s", mr.FromRepo))
		return
	}
	id, err := h.Auth.Resolve(req)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		return
	}
	perm, err := h.Auth.Permission(id, fromNS, repo.Private)
	if err != nil || !perm.Has(auth.PermWrite) {
		apierr.WriteError(w, apierr.New(apierr.Forbidden, "permission denied"))
		return
	}

	oldKey := commitengine.RepoKey(repo)
	if err := h.DB.RenameRepository(repo.ID, toNS, toName); err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "rename repository row: %v", err))
		return
	}
	repo.Namespace, repo.Name = toNS, toName
	if err := h.Store.RenameRepo(req.Context(), oldKey, commitengine.RepoKey(repo)); err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "rename in versioned store: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func splitRepoID(id string) (namespace, name string) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", id
}

// --- preupload / commit ---

type preuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	Sample string `json:"sample"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadResponseFile struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"`
	ShouldIgnore bool   `json:"shouldIgnore"`
}

func (h *Handler) preupload(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, true)
	if !ok {
		return
	}
	revision := mux.Vars(req)["revision"]

	var pr preuploadRequest
	if err := json.NewDecoder(req.Body).Decode(&pr); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}

	files := make([]commitengine.PreuploadFile, len(pr.Files))
	for i, f := range pr.Files {
		sha := f.SHA256
		if sha == "" {
			sample, _ := base64.StdEncoding.DecodeString(f.Sample)
			sha = fmt.Sprintf("%x", sha256.Sum256(sample))
		}
		files[i] = commitengine.PreuploadFile{Path: f.Path, Size: f.Size, SHA256: sha}
	}

	results, err := h.Engine.Preupload(req.Context(), repo, revision, files)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "preupload: %v", err))
		return
	}

	out := make([]preuploadResponseFile, len(results))
	for i, r := range results {
		out[i] = preuploadResponseFile{Path: r.Path, UploadMode: r.UploadMode, ShouldIgnore: r.ShouldIgnore}
	}
	writeJSON(w, struct {
		Files []preuploadResponseFile `json:"files"`
	}{out}, http.StatusOK)
}

func (h *Handler) commit(w http.ResponseWriter, req *http.Request) {
	repo, id, ok := h.loadRepo(w, req, true)
	if !ok {
		return
	}
	revision := mux.Vars(req)["revision"]

	result, err := h.Engine.Commit(req.Context(), commitengine.CommitRequest{
		Repo: repo, Branch: revision, Actor: id, NDJSON: req.Body,
	})
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, struct {
		CommitURL     string `json:"commitUrl"`
		CommitOid     string `json:"commitOid"`
		CommitMessage string `json:"commitMessage"`
	}{CommitURL: result.CommitURL, CommitOid: result.CommitOid}, http.StatusOK)
}

// --- tree / paths-info ---

type entryInfo struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
	OID  string `json:"oid,omitempty"`
	LFS  bool   `json:"lfs,omitempty"`
}

func metaToEntry(om vstore.ObjectMeta, repo *models.Repository, database *db.DB) entryInfo {
	e := entryInfo{Path: om.Path, Size: om.Size, OID: om.Checksum}
	if om.PathType == "directory" {
		e.Type = "directory"
		return e
	}
	e.Type = "file"
	if f, err := database.GetFile(repo.ID, om.Path); err == nil && f != nil {
		e.LFS = f.LFS
	}
	return e
}

func (h *Handler) tree(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, false)
	if !ok {
		return
	}
	vars := mux.Vars(req)
	revision, prefix := vars["revision"], vars["path"]
	recursive := req.URL.Query().Get("recursive") == "true"

	repoKey := commitengine.RepoKey(repo)
	var out []entryInfo
	var cursor vstore.Cursor
	for {
		page, next, err := h.Store.ListObjects(req.Context(), repoKey, revision, cursor, 1000)
		if err != nil {
			apierr.WriteError(w, translateStoreErr(err))
			return
		}
		for _, om := range page {
			if prefix != "" && !strings.HasPrefix(om.Path, prefix) {
				continue
			}
			if !recursive {
				rel := om.Path
				if prefix != "" {
					rel = strings.TrimPrefix(strings.TrimPrefix(om.Path, prefix), "/")
				}
				if om.PathType == "file" && strings.Contains(rel, "/") {
					continue
				}
			}
			out = append(out, metaToEntry(om, repo, h.DB))
		}
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}
	writeJSON(w, out, http.StatusOK)
}

type pathsInfoRequest struct {
	Paths []string `json:"paths"`
}

func (h *Handler) pathsInfo(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, false)
	if !ok {
		return
	}
	revision := mux.Vars(req)["revision"]

	var pr pathsInfoRequest
	if err := json.NewDecoder(req.Body).Decode(&pr); err != nil {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "invalid request body: %v", err))
		return
	}

	repoKey := commitengine.RepoKey(repo)
	var out []entryInfo
	for _, p := range pr.Paths {
		om, err := h.Store.StatObject(req.Context(), repoKey, revision, p)
		if err != nil {
			continue
		}
		out = append(out, metaToEntry(*om, repo, h.DB))
	}
	writeJSON(w, out, http.StatusOK)
}

type commitsResponse struct {
	Commits    []*vstore.Commit `json:"commits"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor"`
}

func (h *Handler) commits(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, false)
	if !ok {
		return
	}
	branch := mux.Vars(req)["branch"]
	repoKey := commitengine.RepoKey(repo)

	amount := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			amount = n
		}
	}
	after := vstore.Cursor(req.URL.Query().Get("after"))

	commits, next, err := h.Store.ListCommits(req.Context(), repoKey, branch, after, amount)
	if err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	writeJSON(w, commitsResponse{
		Commits:    commits,
		HasMore:    next != "",
		NextCursor: string(next),
	}, http.StatusOK)
}

// --- branch / tag / refs ---

func (h *Handler) createBranch(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, true)
	if !ok {
		return
	}
	vars := mux.Vars(req)
	from := req.URL.Query().Get("startingPoint")
	if from == "" {
		from = "main"
	}
	if err := h.Store.CreateBranch(req.Context(), commitengine.RepoKey(repo), vars["branch"], from); err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteBranch(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, true)
	if !ok {
		return
	}
	if err := h.Store.DeleteBranch(req.Context(), commitengine.RepoKey(repo), mux.Vars(req)["branch"]); err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) createTag(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, true)
	if !ok {
		return
	}
	from := req.URL.Query().Get("revision")
	if from == "" {
		from = "main"
	}
	if err := h.Store.CreateTag(req.Context(), commitengine.RepoKey(repo), mux.Vars(req)["tag"], from); err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteTag(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, true)
	if !ok {
		return
	}
	if err := h.Store.DeleteTag(req.Context(), commitengine.RepoKey(repo), mux.Vars(req)["tag"]); err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) listRefs(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.loadRepo(w, req, false)
	if !ok {
		return
	}
	repoKey := commitengine.RepoKey(repo)
	branches, err := h.Store.Branches(req.Context(), repoKey)
	if err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	tags, err := h.Store.Tags(req.Context(), repoKey)
	if err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	writeJSON(w, struct {
		Branches []string `json:"branches"`
		Tags     []string `json:"tags"`
	}{branches, tags}, http.StatusOK)
}

// --- resolve / download ---

func (h *Handler) resolve(w http.ResponseWriter, req *http.Request) {
	repo, id, ok := h.loadRepo(w, req, false)
	if !ok {
		return
	}
	vars := mux.Vars(req)
	revision, p := vars["revision"], vars["path"]
	repoKey := commitengine.RepoKey(repo)

	om, err := h.Store.StatObject(req.Context(), repoKey, revision, p)
	if err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}
	commitID, err := h.Store.ResolveRevision(req.Context(), repoKey, revision)
	if err != nil {
		apierr.WriteError(w, translateStoreErr(err))
		return
	}

	f, _ := h.DB.GetFile(repo.ID, p)
	isLFS := f != nil && f.LFS

	w.Header().Set("ETag", `"`+om.Checksum+`"`)
	w.Header().Set("X-Repo-Commit", commitID)
	w.Header().Set("Content-Length", strconv.FormatInt(om.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	if isLFS {
		w.Header().Set("X-Linked-Etag", `"`+om.Checksum+`"`)
		w.Header().Set("X-Linked-Size", strconv.FormatInt(om.Size, 10))
	}

	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	href, err := h.Blob.SignGet(om.Checksum)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "sign download url: %v", err))
		return
	}
	h.recordDownload(req, repo, id)
	http.Redirect(w, req, href, http.StatusFound)
}

// recordDownload aggregates one download into the current 15-minute bucket,
// keyed by (user_or_session_id, repo) so unique_downloads counts distinct
// actors rather than requests: authenticated downloads key on the user id,
// anonymous ones on the client address (section 4.5).
func (h *Handler) recordDownload(req *http.Request, repo *models.Repository, id auth.Identity) {
	actorKey := "anon:" + req.RemoteAddr
	if !id.Anonymous() {
		actorKey = "user:" + strconv.FormatInt(id.UserID, 10)
	}

	bucket := time.Now().Truncate(15 * time.Minute)
	tx, err := h.DB.Conn().Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := db.UpsertDailyStatTx(tx, repo.ID, bucket, actorKey); err == nil {
		tx.Commit()
	}
}

func translateStoreErr(err error) error {
	switch err {
	case vstore.ErrRepoNotFound:
		return apierr.New(apierr.RepoNotFound, "repository not found")
	case vstore.ErrRefNotFound:
		return apierr.New(apierr.RevisionNotFound, "revision not found")
	case vstore.ErrEntryNotFound:
		return apierr.New(apierr.EntryNotFound, "entry not found")
	case vstore.ErrConflict:
		return apierr.New(apierr.Conflict, "conflict")
	default:
		return apierr.New(apierr.ServerError, "%v", err)
	}
}
