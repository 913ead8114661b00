package gitproto

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
)

// packTypeCode maps a git object type onto the 3-bit type code pack-v2
// headers use; deltas are never emitted so only these three appear.
func packTypeCode(t plumbing.ObjectType) (byte, error) {
	switch t {
	case plumbing.CommitObject:
		return 1, nil
	case plumbing.TreeObject:
		return 2, nil
	case plumbing.BlobObject:
		return 3, nil
	default:
		return 0, fmt.Errorf("gitproto: unsupported object type %v in pack", t)
	}
}

// WritePack writes a pack-v2 stream for objects to w: "PACK", u32be version
// 2, u32be object count, each object's variable-length type+size header
// followed by its zlib-compressed payload, and a trailing SHA-1 over all
// preceding bytes. No delta objects are produced.
func WritePack(w io.Writer, objects []Object) error {
	h := sha1.New()
	mw := io.MultiWriter(w, h)

	if _, err := mw.Write([]byte("PACK")); err != nil {
		return err
	}
	if err := writeUint32(mw, 2); err != nil {
		return err
	}
	if err := writeUint32(mw, uint32(len(objects))); err != nil {
		return err
	}

	for _, obj := range objects {
		if err := writePackObject(mw, obj); err != nil {
			return err
		}
	}

	if _, err := w.Write(h.Sum(nil)); err != nil {
		return err
	}
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// writePackObject writes one object's type+size header, then its
// zlib-compressed content. The header packs a 3-bit type code and the low 4
// bits of size into the first byte; remaining size bits follow 7 at a time,
// each continuation byte's high bit set except the last.
func writePackObject(w io.Writer, obj Object) error {
	typeCode, err := packTypeCode(obj.Type)
	if err != nil {
		return err
	}

	size := uint64(len(obj.Data))
	first := byte(typeCode<<4) | byte(size&0x0f)
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	if _, err := w.Write([]byte{first}); err != nil {
		return err
	}
	for size > 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(obj.Data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
