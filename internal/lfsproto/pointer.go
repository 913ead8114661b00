// Package lfsproto is the Git LFS pointer and suffix-rule layer: pointer
// text encode/decode (section 4.2/4.4's "LFS pointer file" on the git side
// of a tracked path) and the upload-mode decision that chooses between an
// inline file and an LFS object.
//
// Grounded on the teacher's pkg/lfs/pointer.go (thin wrapper over
// git-lfs/v3's own pointer codec) and pkg/repository/gitattributes.go's
// three-tier pattern matching, reimplemented here over wildmatch/v2 instead
// of path.Match so '**/' and nested globs behave the way git itself
// resolves .gitattributes patterns.
package lfsproto

import (
	"fmt"
	"io"
	"strings"

	"github.com/git-lfs/git-lfs/v3/lfs"
)

// MaxPointerSize bounds how much of a blob is read before concluding it
// isn't an LFS pointer; pointers are always small text files.
const MaxPointerSize = 1024

// Pointer is a decoded LFS pointer file (the tiny stand-in git commits
// when a path is LFS-tracked: "version", "oid sha256:<hex>", "size <n>").
type Pointer struct {
	OID  string
	Size int64
}

// DecodePointer parses an LFS pointer from r, delegating to git-lfs/v3's own
// codec. An error return means the content is not a valid pointer file;
// callers treat that as "this blob is stored inline, not via LFS".
func DecodePointer(r io.Reader) (*Pointer, error) {
	p, err := lfs.DecodePointer(r)
	if err != nil {
		return nil, err
	}
	return &Pointer{OID: p.Oid, Size: p.Size}, nil
}

// Encode renders the canonical LFS pointer text for a blob's SHA-256 and
// size, matching the exact three-line format git-lfs writes.
func Encode(sha256Hex string, size int64) string {
	return fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", sha256Hex, size)
}

// EncodeBytes is Encode, already framed as pointer file bytes.
func EncodeBytes(sha256Hex string, size int64) []byte {
	return []byte(Encode(sha256Hex, size))
}

// LooksLikePointer is a cheap pre-check used before calling DecodePointer
// on a short blob, avoiding allocating a git-lfs Pointer for the common
// case of a small non-LFS text file.
func LooksLikePointer(content []byte) bool {
	return strings.HasPrefix(string(content), "version https://git-lfs.github.com/spec/")
}
