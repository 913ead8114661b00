package blobstore

import (
	"strings"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	sha := "abcd1234ef"
	got := Key(sha)
	want := "lfs/ab/cd/abcd1234ef"
	if got != want {
		t.Errorf("Key(%q) = %q, want %q", sha, got, want)
	}
}

func TestKeyShortInput(t *testing.T) {
	got := Key("ab")
	if got != "lfs/ab" {
		t.Errorf("Key(short) = %q, want %q", got, "lfs/ab")
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Endpoint:       "http://localhost:9000",
		Region:         "us-east-1",
		AccessKey:      "test",
		SecretKey:      "test",
		Bucket:         "hub-test",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSignGetProducesPresignedURL(t *testing.T) {
	s := testStore(t)
	sha := strings.Repeat("a", 64)
	url, err := s.SignGet(sha)
	if err != nil {
		t.Fatalf("SignGet: %v", err)
	}
	if !strings.Contains(url, Key(sha)) {
		t.Errorf("SignGet url %q does not contain key %q", url, Key(sha))
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("SignGet url %q is not presigned", url)
	}
}

func TestSignPutBindsChecksum(t *testing.T) {
	s := testStore(t)
	sha := strings.Repeat("b", 64)
	url, err := s.SignPut(sha, 1024)
	if err != nil {
		t.Fatalf("SignPut: %v", err)
	}
	if !strings.Contains(url, "x-amz-checksum-sha256") && !strings.Contains(url, "X-Amz-SignedHeaders") {
		t.Errorf("SignPut url %q does not reference checksum header", url)
	}
}

func TestSignPutRejectsInvalidSHA(t *testing.T) {
	s := testStore(t)
	if _, err := s.SignPut("not-hex", 1); err == nil {
		t.Error("SignPut with non-hex sha256 should fail")
	}
}

func TestPlanUploadSingleBelowThreshold(t *testing.T) {
	s := testStore(t)
	sha := strings.Repeat("c", 64)
	plan, err := s.PlanUpload(sha, MultipartThreshold-1)
	if err != nil {
		t.Fatalf("PlanUpload: %v", err)
	}
	if plan.Multipart {
		t.Error("expected single-shot plan below threshold")
	}
	if plan.Single == nil || plan.Single.Href == "" {
		t.Error("expected a presigned single PUT href")
	}
}
