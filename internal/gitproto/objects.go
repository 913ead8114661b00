// Object synthesis: building commit/tree/blob objects from a versioned-store
// snapshot without ever writing a real git object database, per section 4.3.
package gitproto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/lfsproto"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/vstore"
)

// lfsBlobThreshold is the fixed 1 MiB Git-LFS pointer threshold: a path of
// this size or larger is rendered as a pointer even when its File row (if
// any) carries no LFS flag. It is independent of the commit engine's
// configurable upload-mode threshold.
const lfsBlobThreshold = 1 << 20

// Object is one synthesized git object, keyed by the SHA-1 git itself would
// assign to "<type> <len>\0<data>".
type Object struct {
	Hash plumbing.Hash
	Type plumbing.ObjectType
	Data []byte
}

// Snapshot is the synthesized object graph for one ref: the commit object's
// hash plus every object (commit, trees, blobs) needed to satisfy a clone.
type Snapshot struct {
	CommitHash plumbing.Hash
	Objects    []Object
}

type treeNode struct {
	files map[string]treeFile
	dirs  map[string]*treeNode
}

type treeFile struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]treeFile{}, dirs: map[string]*treeNode{}}
}

// BuildSnapshot synthesizes the full object set reachable from ref: a commit
// object, the bottom-up tree objects beneath it, and a blob per file (a
// pointer blob for LFS paths, the actual bytes otherwise).
func BuildSnapshot(ctx context.Context, store vstore.Store, blob *blobstore.Store, database *db.DB, repoKey string, repo *models.Repository, ref string) (*Snapshot, error) {
	commitID, err := store.ResolveRevision(ctx, repoKey, ref)
	if err != nil {
		return nil, err
	}
	commit, err := store.GetCommit(ctx, repoKey, commitID)
	if err != nil {
		return nil, err
	}

	username := "unknown"
	if dbCommit, err := database.GetCommit(repo.ID, commitID); err == nil {
		if u, err := database.GetUserByID(dbCommit.AuthorID); err == nil && u != nil {
			username = u.Username
		}
	}

	entries, err := listAllObjects(ctx, store, repoKey, commitID)
	if err != nil {
		return nil, err
	}

	var objects []Object
	root := newTreeNode()
	sawGitAttributes := false
	lfsExts := map[string]bool{}

	for _, meta := range entries {
		if meta.PathType != "file" {
			continue
		}
		if meta.Path == ".gitattributes" {
			sawGitAttributes = true
		}

		isLFS, err := pathIsLFS(database, repo.ID, meta.Path, meta.Size)
		if err != nil {
			return nil, err
		}

		var data []byte
		if isLFS {
			data = lfsproto.EncodeBytes(meta.Checksum, meta.Size)
			if ext := path.Ext(meta.Path); ext != "" {
				lfsExts[ext] = true
			}
		} else {
			data, err = readBlobContent(blob, meta.Checksum)
			if err != nil {
				return nil, fmt.Errorf("gitproto: read blob for %s: %w", meta.Path, err)
			}
		}

		obj := newBlobObject(data)
		objects = append(objects, obj)
		insertPath(root, meta.Path, treeFile{hash: obj.Hash, mode: filemode.Regular})
	}

	if !sawGitAttributes && len(lfsExts) > 0 {
		obj := newBlobObject([]byte(synthesizeGitAttributes(lfsExts)))
		objects = append(objects, obj)
		insertPath(root, ".gitattributes", treeFile{hash: obj.Hash, mode: filemode.Regular})
	}

	rootHash, treeObjects, err := encodeTree(root)
	if err != nil {
		return nil, err
	}
	objects = append(objects, treeObjects...)

	commitObj, err := encodeCommit(username, commit.Message, commit.Description, commit.CreatedAt, rootHash)
	if err != nil {
		return nil, err
	}
	objects = append(objects, commitObj)

	return &Snapshot{CommitHash: commitObj.Hash, Objects: objects}, nil
}

// listAllObjects drains ListObjects' pagination to collect every path at a
// commit, since the pack's object set must cover the whole tree.
func listAllObjects(ctx context.Context, store vstore.Store, repoKey, commitID string) ([]vstore.ObjectMeta, error) {
	var out []vstore.ObjectMeta
	var cursor vstore.Cursor
	for {
		page, next, err := store.ListObjects(ctx, repoKey, commitID, cursor, 1000)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func pathIsLFS(database *db.DB, repoID int64, p string, size int64) (bool, error) {
	f, err := database.GetFile(repoID, p)
	if err != nil {
		return false, err
	}
	if f != nil && f.LFS {
		return true, nil
	}
	return size >= lfsBlobThreshold, nil
}

func readBlobContent(blob *blobstore.Store, sha256Hex string) ([]byte, error) {
	rc, err := blob.Get(sha256Hex)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func synthesizeGitAttributes(exts map[string]bool) string {
	names := make([]string, 0, len(exts))
	for ext := range exts {
		names = append(names, ext)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, ext := range names {
		fmt.Fprintf(&b, "*%s filter=lfs diff=lfs merge=lfs -text\n", ext)
	}
	return b.String()
}

func insertPath(root *treeNode, p string, f treeFile) {
	parts := strings.Split(p, "/")
	node := root
	for _, dir := range parts[:len(parts)-1] {
		child, ok := node.dirs[dir]
		if !ok {
			child = newTreeNode()
			node.dirs[dir] = child
		}
		node = child
	}
	node.files[parts[len(parts)-1]] = f
}

// newBlobObject wraps raw content as a git blob object, computing its hash
// the way git itself does: SHA-1 of "blob <len>\0<data>".
func newBlobObject(data []byte) Object {
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.BlobObject)
	mem.SetSize(int64(len(data)))
	w, _ := mem.Writer()
	w.Write(data)
	return Object{Hash: mem.Hash(), Type: plumbing.BlobObject, Data: encodedBytes(mem)}
}

// encodeTree builds tree objects bottom-up, returning the root tree's hash
// plus every tree object produced along the way. Entries are sorted the way
// git sorts them: directories compare as if they had a trailing slash.
func encodeTree(node *treeNode) (plumbing.Hash, []Object, error) {
	var objects []Object
	tree := &object.Tree{}

	type named struct {
		name string
		key  string
		mode filemode.FileMode
		hash plumbing.Hash
	}
	var all []named

	for name, f := range node.files {
		all = append(all, named{name: name, key: name, mode: f.mode, hash: f.hash})
	}
	for name, child := range node.dirs {
		hash, childObjects, err := encodeTree(child)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		objects = append(objects, childObjects...)
		all = append(all, named{name: name, key: name + "/", mode: filemode.Dir, hash: hash})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	for _, e := range all {
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: e.name, Mode: e.mode, Hash: e.hash})
	}

	mem := &plumbing.MemoryObject{}
	if err := tree.Encode(mem); err != nil {
		return plumbing.ZeroHash, nil, err
	}
	obj := Object{Hash: mem.Hash(), Type: plumbing.TreeObject, Data: encodedBytes(mem)}
	objects = append(objects, obj)
	return obj.Hash, objects, nil
}

// encodeCommit renders one flat (parentless) commit object per section
// 4.3's synthesized DAG.
func encodeCommit(username, message, description string, ts time.Time, treeHash plumbing.Hash) (Object, error) {
	sig := object.Signature{
		Name:  username,
		Email: "noreply@hub.local",
		When:  ts,
	}
	full := message
	if description != "" {
		full = message + "\n\n" + description
	}
	c := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   full,
		TreeHash:  treeHash,
	}
	mem := &plumbing.MemoryObject{}
	if err := c.Encode(mem); err != nil {
		return Object{}, err
	}
	return Object{Hash: mem.Hash(), Type: plumbing.CommitObject, Data: encodedBytes(mem)}, nil
}

func encodedBytes(mem *plumbing.MemoryObject) []byte {
	r, _ := mem.Reader()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.Bytes()
}
