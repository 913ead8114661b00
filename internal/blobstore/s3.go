// Package blobstore is the content-addressed physical blob backend behind
// section 4.4/4.5: presigned S3 PUT/GET for both regular large-file upload
// and LFS objects, and multipart upload plans for oversized blobs. The hub
// never proxies object bytes — every upload and download goes directly
// between the client and the object store via a presigned URL.
//
// Grounded on the teacher's pkg/lfs/s3.go: separate normal/signing AWS
// sessions (S3-compatible endpoints sometimes need a distinct host for
// presigning behind a reverse proxy), SignGet/SignPut, and the SHA-256
// checksum-on-put convention.
package blobstore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"             //nolint:staticcheck
	"github.com/aws/aws-sdk-go/aws/credentials" //nolint:staticcheck
	"github.com/aws/aws-sdk-go/aws/session"     //nolint:staticcheck
	"github.com/aws/aws-sdk-go/service/s3"      //nolint:staticcheck
)

// DefaultMultipartChunkSize is the part size used when a blob exceeds the
// single-PUT threshold (section 13's open-question decision: 8 MiB).
const DefaultMultipartChunkSize int64 = 8 * 1024 * 1024

// MultipartThreshold is the size above which PlanUpload returns a multipart
// plan instead of a single presigned PUT.
const MultipartThreshold int64 = 64 * 1024 * 1024

// Store is the presigned-URL blob backend. One Store instance is shared by
// both the regular-file upload path and the LFS batch API, keyed by the
// content's SHA-256.
type Store struct {
	s3     *s3.S3
	signS3 *s3.S3
	bucket string
	expire time.Duration
}

// Config holds the connection parameters for an S3-compatible endpoint.
type Config struct {
	Endpoint       string
	SignEndpoint   string // defaults to Endpoint when empty
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	ForcePathStyle bool
	Expire         time.Duration
}

// New builds a Store from an S3-compatible endpoint, mirroring the
// teacher's NewS3 two-session split between the internal traffic endpoint
// and the externally reachable signing endpoint.
func New(cfg Config) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	expire := cfg.Expire
	if expire <= 0 {
		expire = time.Hour
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open session: %w", err)
	}

	signEndpoint := cfg.SignEndpoint
	if signEndpoint == "" {
		signEndpoint = cfg.Endpoint
	}
	signSess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(signEndpoint),
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open signing session: %w", err)
	}

	return &Store{
		s3:     s3.New(sess),
		signS3: s3.New(signSess),
		bucket: cfg.Bucket,
		expire: expire,
	}, nil
}

// Key returns the content-addressed storage key for a SHA-256 digest:
// lfs/<sha256[0:2]>/<sha256[2:4]>/<sha256>, per section 4.4. The same
// layout and global dedup applies to non-LFS large-file blobs, since the
// store is content-addressed regardless of which upload path produced it.
func Key(sha256Hex string) string {
	if len(sha256Hex) < 4 {
		return path.Join("lfs", sha256Hex)
	}
	return path.Join("lfs", sha256Hex[0:2], sha256Hex[2:4], sha256Hex)
}

func hexToBase64(hexStr string) (string, error) {
	bin, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bin), nil
}

// SignGet returns a presigned GET URL for the blob addressed by sha256Hex.
func (s *Store) SignGet(sha256Hex string) (string, error) {
	key := Key(sha256Hex)
	req, _ := s.signS3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return req.Presign(s.expire)
}

// SignPut returns a presigned single-shot PUT URL for the blob addressed by
// sha256Hex, with the SHA-256 checksum bound into the request so the
// storage backend rejects content that doesn't match the claimed digest.
func (s *Store) SignPut(sha256Hex string, size int64) (string, error) {
	checksum, err := hexToBase64(sha256Hex)
	if err != nil {
		return "", fmt.Errorf("blobstore: invalid sha256: %w", err)
	}
	key := Key(sha256Hex)
	req, _ := s.signS3.PutObjectRequest(&s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: aws.String(s3.ChecksumAlgorithmSha256),
		ChecksumSHA256:    aws.String(checksum),
	})
	return req.Presign(s.expire)
}

// Put writes content server-side, for paths that ship bytes inline in a
// request body (section 4.1's "file" op carries base64 content directly,
// rather than going through a client-side presigned PUT). Grounded on the
// teacher's S3.Put: the server signs its own PUT and performs it, so a
// single code path issues every write whether the caller is the hub itself
// or an external client.
func (s *Store) Put(sha256Hex string, r io.Reader, size int64) error {
	checksum, err := hexToBase64(sha256Hex)
	if err != nil {
		return fmt.Errorf("blobstore: invalid sha256: %w", err)
	}
	key := Key(sha256Hex)
	req, _ := s.s3.PutObjectRequest(&s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: aws.String(s3.ChecksumAlgorithmSha256),
		ChecksumSHA256:    aws.String(checksum),
	})
	urlStr, err := req.Presign(s.expire)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPut, urlStr, r)
	if err != nil {
		return err
	}
	httpReq.ContentLength = size
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("blobstore: upload failed, status code: %d", resp.StatusCode)
	}
	return nil
}

// Get streams a blob's content directly, for server-side consumers that
// can't redirect a client to a presigned URL — the Git Smart HTTP pack
// writer synthesizing blob objects, mirroring the same sign-then-fetch
// round trip Put already performs for server-side writes.
func (s *Store) Get(sha256Hex string) (io.ReadCloser, error) {
	href, err := s.SignGet(sha256Hex)
	if err != nil {
		return nil, err
	}
	resp, err := http.Get(href)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, os.ErrNotExist
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("blobstore: get failed, status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Exists reports whether a blob is already present at the content-addressed
// key for sha256Hex, used for upload-side global dedup (section 4.4: "if
// the blob already exists, actions is omitted").
func (s *Store) Exists(sha256Hex string) (bool, error) {
	_, err := s.Info(sha256Hex)
	if err == nil {
		return true, nil
	}
	if err == os.ErrNotExist {
		return false, nil
	}
	return false, err
}

// UploadAction is one presigned PUT of an UploadPlan: the single PUT of a
// small blob, or one part of a multipart plan.
type UploadAction struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in"`
}

// UploadPlan is what PlanUpload returns: either a single presigned PUT, or
// a multipart plan with one presigned PUT per part and the multipart upload
// id. PlanUpload leaves CompleteHref empty.
type UploadPlan struct {
	Multipart bool
	Single    *UploadAction
	ChunkSize int64
	Parts     []UploadAction
	UploadID  string
	CompleteHref string
}

// PlanUpload decides between a single presigned PUT and a multipart plan
// per section 4.4: blobs above MultipartThreshold are split into
// DefaultMultipartChunkSize parts, each independently presigned.
func (s *Store) PlanUpload(sha256Hex string, size int64) (*UploadPlan, error) {
	if size <= MultipartThreshold {
		href, err := s.SignPut(sha256Hex, size)
		if err != nil {
			return nil, err
		}
		return &UploadPlan{
			Single: &UploadAction{
				Href:      href,
				ExpiresIn: int(s.expire.Seconds()),
			},
		}, nil
	}
	return s.planMultipart(sha256Hex, size)
}

func (s *Store) planMultipart(sha256Hex string, size int64) (*UploadPlan, error) {
	key := Key(sha256Hex)
	created, err := s.s3.CreateMultipartUpload(&s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: create multipart upload: %w", err)
	}

	chunk := DefaultMultipartChunkSize
	numParts := (size + chunk - 1) / chunk
	parts := make([]UploadAction, 0, numParts)
	for i := int64(0); i < numParts; i++ {
		partNum := i + 1
		req, _ := s.signS3.UploadPartRequest(&s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   created.UploadId,
			PartNumber: aws.Int64(partNum),
		})
		href, err := req.Presign(s.expire)
		if err != nil {
			return nil, fmt.Errorf("blobstore: presign part %d: %w", partNum, err)
		}
		parts = append(parts, UploadAction{
			Href:      href,
			ExpiresIn: int(s.expire.Seconds()),
			Header:    map[string]string{"part_number": fmt.Sprintf("%d", partNum)},
		})
	}

	return &UploadPlan{
		Multipart: true,
		ChunkSize: chunk,
		Parts:     parts,
		UploadID:  aws.StringValue(created.UploadId),
	}, nil
}

// CompleteMultipart finalizes a multipart upload once every part has been
// PUT by the client and its returned ETag recorded.
func (s *Store) CompleteMultipart(sha256Hex, uploadID string, etags []string) error {
	key := Key(sha256Hex)
	parts := make([]*s3.CompletedPart, len(etags))
	for i, etag := range etags {
		parts[i] = &s3.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int64(int64(i + 1)),
		}
	}
	_, err := s.s3.CompleteMultipartUpload(&s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	return err
}

// AbortMultipart cancels an in-progress multipart upload. No background
// task calls it: multipart uploads that are never verified are not aborted
// automatically.
func (s *Store) AbortMultipart(sha256Hex, uploadID string) error {
	_, err := s.s3.AbortMultipartUpload(&s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(Key(sha256Hex)),
		UploadId: aws.String(uploadID),
	})
	return err
}

// Info reports the size/existence of a stored blob, used by verify to
// confirm an upload actually completed before promoting a staging row.
func (s *Store) Info(sha256Hex string) (*ObjectInfo, error) {
	key := Key(sha256Hex)
	out, err := s.s3.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

// Delete removes a physical blob. Callers must first confirm via
// db.SHA256ReferencedElsewhere that no other (repo, path) still needs it —
// the store itself performs no reference counting.
func (s *Store) Delete(sha256Hex string) error {
	_, err := s.s3.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(sha256Hex)),
	})
	return err
}

// ObjectInfo is the subset of blob metadata the hub needs outside of the
// object store SDK's own types.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

func isNotFoundError(err error) bool {
	if aerr, ok := err.(s3.RequestFailure); ok {
		return aerr.StatusCode() == 404
	}
	return false
}
