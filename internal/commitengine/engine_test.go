package commitengine_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/blobstore/blobstoretest"
	"github.com/kohakuhub/hub/internal/commitengine"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

func newTestEngine(t *testing.T) (*commitengine.Engine, *models.Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "commitengine-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	database, err := db.Open(filepath.Join(tmpDir, "hub.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	srv, blob := blobstoretest.New("hub-test")
	store := vstore.NewMemStore()

	ownerID, err := database.CreateUser("alice", "alice@example.com")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	repo := &models.Repository{
		RepoType: models.RepoModel, Namespace: "alice", Name: "widgets",
		OwnerID: ownerID, LFSKeepVersions: 5,
	}
	repoID, err := database.CreateRepository(repo)
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	repo.ID = repoID

	if err := store.CreateRepo(context.Background(), commitengine.RepoKey(repo)); err != nil {
		t.Fatalf("create vstore repo: %v", err)
	}

	engine := &commitengine.Engine{
		DB:    database,
		Store: store,
		Blob:  blob,
		Auth:  &auth.Resolver{DB: database},
		Config: commitengine.Config{
			DefaultLFSThresholdBytes: 10_000_000,
			BaseURL:                  "http://hub.local",
		},
	}

	cleanup := func() {
		srv.Close()
		database.Close()
		os.RemoveAll(tmpDir)
	}
	return engine, repo, cleanup
}

func ndjson(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func TestCommitInlineFile(t *testing.T) {
	engine, repo, cleanup := newTestEngine(t)
	defer cleanup()

	content := base64.StdEncoding.EncodeToString([]byte("hello world"))
	body := ndjson(
		`{"key":"header","value":{"summary":"add readme"}}`,
		`{"key":"file","value":{"path":"README.md","encoding":"base64","content":"`+content+`"}}`,
	)

	actor := auth.Identity{UserID: repo.OwnerID, Username: "alice"}
	res, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor, NDJSON: body,
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.CommitOid == "" {
		t.Fatal("expected non-empty commit oid")
	}

	f, err := engine.DB.GetFile(repo.ID, "README.md")
	if err != nil || f == nil {
		t.Fatalf("expected README.md file row, got %+v, err %v", f, err)
	}
	if f.LFS {
		t.Error("inline file should not be marked LFS")
	}
	if f.Size != int64(len("hello world")) {
		t.Errorf("file size = %d, want %d", f.Size, len("hello world"))
	}

	om, err := engine.Store.StatObject(context.Background(), commitengine.RepoKey(repo), "main", "README.md")
	if err != nil {
		t.Fatalf("StatObject: %v", err)
	}
	if om.Size != int64(len("hello world")) {
		t.Errorf("vstore size = %d, want %d", om.Size, len("hello world"))
	}
}

func TestCommitRejectsWriteWithoutPermission(t *testing.T) {
	engine, repo, cleanup := newTestEngine(t)
	defer cleanup()

	body := ndjson(`{"key":"header","value":{"summary":"nope"}}`)
	_, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: auth.Identity{}, NDJSON: body,
	})
	if err == nil {
		t.Fatal("expected permission error for anonymous actor")
	}
}

func TestCommitDeleteRemovesFile(t *testing.T) {
	engine, repo, cleanup := newTestEngine(t)
	defer cleanup()
	actor := auth.Identity{UserID: repo.OwnerID, Username: "alice"}

	content := base64.StdEncoding.EncodeToString([]byte("data"))
	if _, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor,
		NDJSON: ndjson(
			`{"key":"header","value":{"summary":"add"}}`,
			`{"key":"file","value":{"path":"a.txt","encoding":"base64","content":"`+content+`"}}`,
		),
	}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	if _, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor,
		NDJSON: ndjson(
			`{"key":"header","value":{"summary":"remove"}}`,
			`{"key":"deletedFile","value":{"path":"a.txt"}}`,
		),
	}); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	f, err := engine.DB.GetFile(repo.ID, "a.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f != nil {
		t.Errorf("expected a.txt to be soft-deleted, got %+v", f)
	}

	if _, err := engine.Store.StatObject(context.Background(), commitengine.RepoKey(repo), "main", "a.txt"); err != vstore.ErrEntryNotFound {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPreuploadGitAttributesLFSSource(t *testing.T) {
	engine, repo, cleanup := newTestEngine(t)
	defer cleanup()
	actor := auth.Identity{UserID: repo.OwnerID, Username: "alice"}

	attrs := base64.StdEncoding.EncodeToString([]byte("*.bin filter=lfs diff=lfs merge=lfs -text\n"))
	if _, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor,
		NDJSON: ndjson(
			`{"key":"header","value":{"summary":"add gitattributes"}}`,
			`{"key":"file","value":{"path":".gitattributes","encoding":"base64","content":"`+attrs+`"}}`,
		),
	}); err != nil {
		t.Fatalf("commit .gitattributes: %v", err)
	}

	results, err := engine.Preupload(context.Background(), repo, "main", []commitengine.PreuploadFile{
		{Path: "weights.bin", Size: 12, SHA256: strings.Repeat("a", 64)},
		{Path: "readme.txt", Size: 12, SHA256: strings.Repeat("a", 64)},
	})
	if err != nil {
		t.Fatalf("Preupload: %v", err)
	}

	got := map[string]string{}
	for _, r := range results {
		got[r.Path] = r.UploadMode
	}
	if got["weights.bin"] != commitengine.UploadModeLFS {
		t.Errorf("weights.bin uploadMode = %q, want lfs (from committed .gitattributes)", got["weights.bin"])
	}
	if got["readme.txt"] != commitengine.UploadModeRegular {
		t.Errorf("readme.txt uploadMode = %q, want regular", got["readme.txt"])
	}
}

func TestCommitDeleteFolderSparesSiblingFile(t *testing.T) {
	engine, repo, cleanup := newTestEngine(t)
	defer cleanup()
	actor := auth.Identity{UserID: repo.OwnerID, Username: "alice"}

	content := base64.StdEncoding.EncodeToString([]byte("data"))
	if _, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor,
		NDJSON: ndjson(
			`{"key":"header","value":{"summary":"add"}}`,
			`{"key":"file","value":{"path":"configs","encoding":"base64","content":"`+content+`"}}`,
			`{"key":"file","value":{"path":"configs/a.json","encoding":"base64","content":"`+content+`"}}`,
		),
	}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	if _, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor,
		NDJSON: ndjson(
			`{"key":"header","value":{"summary":"rm folder"}}`,
			`{"key":"deletedFolder","value":{"path":"configs"}}`,
		),
	}); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	f, err := engine.DB.GetFile(repo.ID, "configs")
	if err != nil {
		t.Fatalf("GetFile configs: %v", err)
	}
	if f == nil {
		t.Error("expected sibling file \"configs\" to survive a deletedFolder on \"configs\"")
	}

	descendant, err := engine.DB.GetFile(repo.ID, "configs/a.json")
	if err != nil {
		t.Fatalf("GetFile configs/a.json: %v", err)
	}
	if descendant != nil {
		t.Error("expected configs/a.json to be soft-deleted by deletedFolder")
	}
}

func TestCommitQuotaExceeded(t *testing.T) {
	engine, repo, cleanup := newTestEngine(t)
	defer cleanup()
	actor := auth.Identity{UserID: repo.OwnerID, Username: "alice"}

	small := int64(4)
	repo.QuotaBytes = &small

	content := base64.StdEncoding.EncodeToString([]byte("this is too large"))
	_, err := engine.Commit(context.Background(), commitengine.CommitRequest{
		Repo: repo, Branch: "main", Actor: actor,
		NDJSON: ndjson(
			`{"key":"header","value":{"summary":"too big"}}`,
			`{"key":"file","value":{"path":"big.txt","encoding":"base64","content":"`+content+`"}}`,
		),
	})
	if err == nil {
		t.Fatal("expected quota exceeded error")
	}
}
