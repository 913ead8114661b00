package gitproto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kohakuhub/hub/internal/blobstore/blobstoretest"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "gitproto-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	database, err := db.Open(filepath.Join(tmpDir, "hub.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPathIsLFSNoFileRowFallsBackToSize(t *testing.T) {
	database := newTestDB(t)

	isLFS, err := pathIsLFS(database, 1, "no-row.bin", lfsBlobThreshold)
	if err != nil {
		t.Fatalf("pathIsLFS: %v", err)
	}
	if !isLFS {
		t.Error("a path with no File row at/above the threshold must be treated as LFS")
	}

	isLFS, err = pathIsLFS(database, 1, "no-row-small.bin", lfsBlobThreshold-1)
	if err != nil {
		t.Fatalf("pathIsLFS: %v", err)
	}
	if isLFS {
		t.Error("a small path with no File row must not be treated as LFS")
	}
}

func TestPathIsLFSRegularRowAboveThresholdIsStillLFS(t *testing.T) {
	database := newTestDB(t)

	tx := mustTx(t, database)
	if err := db.UpsertFileTx(tx, &models.File{
		RepoID: 1, Path: "config.json", Size: 2 << 20, SHA256: strings.Repeat("a", 64), LFS: false,
	}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	isLFS, err := pathIsLFS(database, 1, "config.json", 2<<20)
	if err != nil {
		t.Fatalf("pathIsLFS: %v", err)
	}
	if !isLFS {
		t.Error("a non-LFS File row at 2MiB must still be rendered as an LFS pointer per the size clause")
	}
}

func TestPathIsLFSRegularRowBelowThreshold(t *testing.T) {
	database := newTestDB(t)

	tx := mustTx(t, database)
	if err := db.UpsertFileTx(tx, &models.File{
		RepoID: 1, Path: "small.txt", Size: 10, SHA256: strings.Repeat("b", 64), LFS: false,
	}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	isLFS, err := pathIsLFS(database, 1, "small.txt", 10)
	if err != nil {
		t.Fatalf("pathIsLFS: %v", err)
	}
	if isLFS {
		t.Error("a small non-LFS File row must not be rendered as a pointer")
	}
}

func TestPathIsLFSExplicitFlagWins(t *testing.T) {
	database := newTestDB(t)

	tx := mustTx(t, database)
	if err := db.UpsertFileTx(tx, &models.File{
		RepoID: 1, Path: "model.bin", Size: 10, SHA256: strings.Repeat("c", 64), LFS: true,
	}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	isLFS, err := pathIsLFS(database, 1, "model.bin", 10)
	if err != nil {
		t.Fatalf("pathIsLFS: %v", err)
	}
	if !isLFS {
		t.Error("an explicitly LFS File row must be rendered as a pointer regardless of size")
	}
}

func mustTx(t *testing.T, database *db.DB) *sql.Tx {
	t.Helper()
	tx, err := database.Conn().Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	t.Cleanup(func() { tx.Commit() })
	return tx
}

// TestBuildSnapshotRendersLargeRegularFileAsPointer exercises the full object
// synthesis path end to end: an inline-committed file whose size crosses the
// LFS pointer threshold must appear in the pack as a pointer blob, not raw
// content, even though it was never routed through the LFS batch API.
func TestBuildSnapshotRendersLargeRegularFileAsPointer(t *testing.T) {
	database := newTestDB(t)
	srv, blob := blobstoretest.New("hub-test")
	defer srv.Close()
	store := vstore.NewMemStore()
	ctx := context.Background()

	repo := &models.Repository{ID: 1, RepoType: models.RepoModel, Namespace: "alice", Name: "widgets"}
	repoKey := string(repo.RepoType) + "/" + repo.Namespace + "/" + repo.Name
	if err := store.CreateRepo(ctx, repoKey); err != nil {
		t.Fatalf("create repo: %v", err)
	}

	content := make([]byte, 2<<20) // 2 MiB, above lfsBlobThreshold
	for i := range content {
		content[i] = byte(i)
	}
	sum := sha256Hex(content)
	if err := blob.Put(sum, bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("blob put: %v", err)
	}
	if err := db.UpsertFileTx(mustTx(t, database), &models.File{
		RepoID: repo.ID, Path: "weights.bin", Size: int64(len(content)), SHA256: sum, LFS: false,
	}); err != nil {
		t.Fatalf("upsert file: %v", err)
	}
	if err := store.LinkPhysicalAddress(ctx, repoKey, "main", "weights.bin", "lfs/xx", sum, int64(len(content))); err != nil {
		t.Fatalf("link object: %v", err)
	}
	if _, _, err := store.Commit(ctx, repoKey, "main", "", "add weights", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, err := BuildSnapshot(ctx, store, blob, database, repoKey, repo, "main")
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.CommitHash.String() == strings.Repeat("0", 40) {
		t.Fatal("expected non-zero commit hash")
	}

	var blobObj *Object
	for i := range snap.Objects {
		if snap.Objects[i].Type.String() == "blob" {
			blobObj = &snap.Objects[i]
			break
		}
	}
	if blobObj == nil {
		t.Fatal("expected a blob object in the snapshot")
	}
	if strings.Contains(string(blobObj.Data), "version https://git-lfs") == false {
		t.Error("large regular-file blob should have been rendered as an LFS pointer")
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
