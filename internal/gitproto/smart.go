// HTTP surface of the Git Smart HTTP v1 server: info/refs advertisement,
// upload-pack negotiation, HEAD, and the receive-pack stub, per section 4.3.
package gitproto

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/hub/internal/apierr"
	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

// capabilities is the fixed capability string advertised on the first ref
// line, parameterized only by the agent string.
func capabilities(agent string) string {
	return fmt.Sprintf("multi_ack side-band-64k thin-pack ofs-delta agent=%s", agent)
}

// Handler serves the Git Smart HTTP surface rooted at /{namespace}/{name}.git.
// Repository resolution always targets the model repo type, since the plain
// Git transport path carries no type segment; callers needing dataset/space
// clones go through the HuggingFace-compatible REST surface instead.
type Handler struct {
	DB    *db.DB
	Store vstore.Store
	Blob  *blobstore.Store
	Auth  *auth.Resolver
	Agent string
}

// Register wires the Handler's routes onto r under the .git path prefix.
func (h *Handler) Register(r *mux.Router) {
	sub := r.PathPrefix("/{namespace}/{name}.git").Subrouter()
	sub.HandleFunc("/info/refs", h.infoRefs).Methods(http.MethodGet)
	sub.HandleFunc("/git-upload-pack", h.uploadPack).Methods(http.MethodPost)
	sub.HandleFunc("/HEAD", h.head).Methods(http.MethodGet)
	sub.HandleFunc("/git-receive-pack", h.receivePack).Methods(http.MethodPost)
}

func (h *Handler) resolveRepo(w http.ResponseWriter, req *http.Request) (*models.Repository, auth.Identity, bool) {
	vars := mux.Vars(req)
	namespace, name := vars["namespace"], vars["name"]

	repo, err := h.DB.GetRepository(models.RepoModel, namespace, name)
	if err != nil || repo == nil {
		apierr.WriteError(w, apierr.New(apierr.RepoNotFound, "repository not found: %s/%s", namespace, name))
		return nil, auth.Identity{}, false
	}

	id, err := h.Auth.Resolve(req)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="kohakuhub"`)
		apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		return nil, auth.Identity{}, false
	}

	perm, err := h.Auth.Permission(id, namespace, repo.Private)
	if err != nil || !perm.Has(auth.PermRead) {
		if id.Anonymous() {
			w.Header().Set("WWW-Authenticate", `Basic realm="kohakuhub"`)
			apierr.WriteError(w, apierr.New(apierr.Unauthorized, "authentication required"))
		} else {
			apierr.WriteError(w, apierr.New(apierr.Forbidden, "permission denied"))
		}
		return nil, auth.Identity{}, false
	}

	return repo, id, true
}

func (h *Handler) head(w http.ResponseWriter, req *http.Request) {
	if _, _, ok := h.resolveRepo(w, req); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ref: refs/heads/main\n"))
}

func (h *Handler) receivePack(w http.ResponseWriter, req *http.Request) {
	if _, _, ok := h.resolveRepo(w, req); !ok {
		return
	}
	apierr.WriteError(w, apierr.New(apierr.BadRequest, "push is not supported"))
}

type refEntry struct {
	name string
	hash string
}

// advertisedRefs resolves every branch and tag to its synthesized git commit
// hash. HEAD is reported against the "main" branch tip.
func (h *Handler) advertisedRefs(req *http.Request, repo *models.Repository) ([]refEntry, error) {
	ctx := req.Context()
	repoKey := string(repo.RepoType) + "/" + repo.Namespace + "/" + repo.Name

	branches, err := h.Store.Branches(ctx, repoKey)
	if err != nil {
		return nil, err
	}
	tags, err := h.Store.Tags(ctx, repoKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(branches)
	sort.Strings(tags)

	var out []refEntry
	hashFor := func(ref string) (string, bool) {
		snap, err := BuildSnapshot(ctx, h.Store, h.Blob, h.DB, repoKey, repo, ref)
		if err != nil {
			return "", false
		}
		return snap.CommitHash.String(), true
	}

	if hash, ok := hashFor("main"); ok {
		out = append(out, refEntry{name: "HEAD", hash: hash})
	}
	for _, b := range branches {
		if hash, ok := hashFor(b); ok {
			out = append(out, refEntry{name: "refs/heads/" + b, hash: hash})
		}
	}
	for _, t := range tags {
		if hash, ok := hashFor(t); ok {
			out = append(out, refEntry{name: "refs/tags/" + t, hash: hash})
		}
	}
	return out, nil
}

func (h *Handler) infoRefs(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("service") != "git-upload-pack" {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "only git-upload-pack is supported"))
		return
	}
	repo, _, ok := h.resolveRepo(w, req)
	if !ok {
		return
	}

	refs, err := h.advertisedRefs(req, repo)
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "list refs: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.WriteHeader(http.StatusOK)

	var buf bytes.Buffer
	buf.Write(PktLine("# service=git-upload-pack\n"))
	buf.Write(PktFlush())

	caps := capabilities(h.Agent)
	if len(refs) == 0 {
		buf.Write(PktLine(fmt.Sprintf("%s capabilities^{}\x00%s\n", strings.Repeat("0", 40), caps)))
	} else {
		for i, ref := range refs {
			if i == 0 {
				buf.Write(PktLine(fmt.Sprintf("%s %s\x00%s\n", ref.hash, ref.name, caps)))
			} else {
				buf.Write(PktLine(fmt.Sprintf("%s %s\n", ref.hash, ref.name)))
			}
		}
	}
	buf.Write(PktFlush())
	w.Write(buf.Bytes())
}

// uploadPack parses the want/have/done negotiation, then unconditionally
// answers NAK plus a full pack — haves are accepted but ignored, per the
// minimum viable behavior section 4.3 describes.
func (h *Handler) uploadPack(w http.ResponseWriter, req *http.Request) {
	repo, _, ok := h.resolveRepo(w, req)
	if !ok {
		return
	}

	body := http.MaxBytesReader(w, req.Body, 64<<20)
	r := bufio.NewReader(body)

	var wants []string
	for {
		line, err := ReadPktLine(r)
		if err != nil {
			apierr.WriteError(w, apierr.New(apierr.BadRequest, "read negotiation: %v", err))
			return
		}
		if line == nil {
			continue
		}
		s := strings.TrimRight(string(line), "\n")
		if s == "done" {
			break
		}
		if strings.HasPrefix(s, "want ") {
			fields := strings.Fields(s)
			if len(fields) >= 2 {
				wants = append(wants, fields[1])
			}
		}
		// "have" lines are accepted and discarded; the server always emits a full pack.
	}
	if len(wants) == 0 {
		apierr.WriteError(w, apierr.New(apierr.BadRequest, "no want lines in request"))
		return
	}

	ctx := req.Context()
	repoKey := string(repo.RepoType) + "/" + repo.Namespace + "/" + repo.Name
	snap, err := BuildSnapshot(ctx, h.Store, h.Blob, h.DB, repoKey, repo, "main")
	if err != nil {
		apierr.WriteError(w, apierr.New(apierr.ServerError, "synthesize objects: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.WriteHeader(http.StatusOK)

	w.Write(PktLine("NAK\n"))

	sb := NewSideBandWriter(w)
	if err := WritePack(sb, snap.Objects); err != nil {
		if werr := sb.WriteError(fmt.Sprintf("pack emission failed: %v", err)); werr != nil {
			log.Printf("gitproto: side-band error write failed: %v", werr)
		}
		sb.Flush()
		return
	}
	sb.Flush()
}
