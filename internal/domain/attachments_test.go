package domain_test

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"meshrund/internal/domain"
	"meshrund/internal/xcrypto"
)

func TestAttachmentUploadCommitDownload(t *testing.T) {
	s := domain.NewState()
	now := time.Unix(1700000000, 0)
	payload := []byte("hello mesh network")
	sum := xcrypto.SHA256(payload)
	checksum := hex.EncodeToString(sum[:])

	uploadID := s.StartUpload(int64(len(payload)), checksum)
	if err := s.UploadChunk(uploadID, payload[:10]); err != nil {
		t.Fatalf("upload chunk 1: %v", err)
	}
	if err := s.UploadChunk(uploadID, payload[10:]); err != nil {
		t.Fatalf("upload chunk 2: %v", err)
	}

	att, err := s.CommitUpload(uploadID, now)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if att.TotalSize != int64(len(payload)) {
		t.Fatalf("unexpected total size %d", att.TotalSize)
	}

	chunk, err := s.DownloadChunk(att.ID, 0, 5)
	if err != nil {
		t.Fatalf("download chunk: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(chunk.BytesBase64)
	if string(decoded) != "hello" {
		t.Fatalf("unexpected chunk content %q", decoded)
	}
	if chunk.Done {
		t.Fatalf("expected more data remaining")
	}

	last, err := s.DownloadChunk(att.ID, chunk.NextOffset, 1000)
	if err != nil {
		t.Fatalf("download remainder: %v", err)
	}
	if !last.Done {
		t.Fatalf("expected download to be done")
	}
}

func TestAttachmentChecksumMismatch(t *testing.T) {
	s := domain.NewState()
	now := time.Unix(1700000000, 0)
	uploadID := s.StartUpload(4, "deadbeef")
	if err := s.UploadChunk(uploadID, []byte("data")); err != nil {
		t.Fatalf("upload chunk: %v", err)
	}
	if _, err := s.CommitUpload(uploadID, now); err != domain.ErrChecksumMismatch {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}
