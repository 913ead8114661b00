package gitproto_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore/blobstoretest"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/gitproto"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *models.Repository) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "gitproto-smart-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	database, err := db.Open(filepath.Join(tmpDir, "hub.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	srv, blob := blobstoretest.New("hub-test")
	t.Cleanup(srv.Close)

	store := vstore.NewMemStore()

	repo := &models.Repository{RepoType: models.RepoModel, Namespace: "alice", Name: "empty"}
	repoID, err := database.CreateRepository(repo)
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	repo.ID = repoID
	if err := store.CreateRepo(context.Background(), "model/alice/empty"); err != nil {
		t.Fatalf("create vstore repo: %v", err)
	}

	handler := &gitproto.Handler{
		DB:    database,
		Store: store,
		Blob:  blob,
		Auth:  &auth.Resolver{DB: database},
		Agent: "kohakuhub-test/0.0",
	}
	r := mux.NewRouter()
	handler.Register(r)

	httpSrv := httptest.NewServer(r)
	t.Cleanup(httpSrv.Close)
	return httpSrv, repo
}

// TestInfoRefsEmptyRepository covers the S6 scenario: cloning a repository
// with no commits advertises the capabilities^{} placeholder and nothing
// else.
func TestInfoRefsEmptyRepository(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/alice/empty.git/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("GET info/refs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	const wantPrefix = "001e# service=git-upload-pack\n0000"
	if !strings.HasPrefix(string(body), wantPrefix) {
		t.Fatalf("info/refs body = %q, want prefix %q", body, wantPrefix)
	}
	if !strings.Contains(string(body), strings.Repeat("0", 40)+" capabilities^{}\x00") {
		t.Errorf("expected capabilities^{} placeholder line, got %q", body)
	}
	if !strings.HasSuffix(string(body), "0000") {
		t.Errorf("expected trailing flush packet, got %q", body)
	}
}

func TestInfoRefsRejectsUnsupportedService(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/alice/empty.git/info/refs?service=git-receive-pack")
	if err != nil {
		t.Fatalf("GET info/refs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadPackEmptyRepositoryHasNoWants(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	body := strings.NewReader("0009done\n")
	resp, err := http.Post(httpSrv.URL+"/alice/empty.git/git-upload-pack", "application/x-git-upload-pack-request", body)
	if err != nil {
		t.Fatalf("POST upload-pack: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (no want lines)", resp.StatusCode)
	}
}
