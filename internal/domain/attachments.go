package domain

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"meshrund/internal/xcrypto"
)

// Attachment is a completed, checksum-verified binary blob (spec.md §4.8
// domain methods).
type Attachment struct {
	ID        string `msgpack:"id"`
	TotalSize int64  `msgpack:"total_size"`
	Checksum  string `msgpack:"checksum"`
	Data      []byte `msgpack:"data"`
	CreatedAt int64  `msgpack:"created_at"`
}

// uploadSession is an in-progress streamed upload, not persisted to the
// snapshot (only completed Attachments are durable).
type uploadSession struct {
	TotalSize int64
	Checksum  string
	buf       []byte
}

// StartUpload begins a streaming attachment upload (spec.md scenario S4).
func (s *State) StartUpload(totalSize int64, checksumHex string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := NewID("upload")
	s.uploads[id] = &uploadSession{TotalSize: totalSize, Checksum: checksumHex, buf: make([]byte, 0, totalSize)}
	return id
}

// UploadChunk appends bytes to an in-progress upload.
func (s *State) UploadChunk(uploadID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.uploads[uploadID]
	if !ok {
		return fmt.Errorf("domain: upload %s not found", uploadID)
	}
	sess.buf = append(sess.buf, data...)
	return nil
}

// ErrChecksumMismatch is returned when a committed upload's computed
// checksum does not match the declared one (spec.md scenario S5).
var ErrChecksumMismatch = fmt.Errorf("domain: checksum mismatch")

// CommitUpload finalizes an upload, verifying its checksum and storing the
// result as an Attachment (spec.md scenario S4/S5).
func (s *State) CommitUpload(uploadID string, now time.Time) (Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.uploads[uploadID]
	if !ok {
		return Attachment{}, fmt.Errorf("domain: upload %s not found", uploadID)
	}
	sum := xcrypto.SHA256(sess.buf)
	computed := hex.EncodeToString(sum[:])
	if computed != sess.Checksum {
		delete(s.uploads, uploadID)
		return Attachment{}, ErrChecksumMismatch
	}
	att := Attachment{ID: NewID("att"), TotalSize: sess.TotalSize, Checksum: sess.Checksum, Data: sess.buf, CreatedAt: now.UnixMilli()}
	s.Attachments[att.ID] = att
	delete(s.uploads, uploadID)
	return att, nil
}

// GetAttachment fetches a completed attachment.
func (s *State) GetAttachment(id string) (Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Attachments[id]
	return a, ok
}

// ListAttachments returns every completed attachment's metadata (not data).
func (s *State) ListAttachments() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attachment, 0, len(s.Attachments))
	for _, a := range s.Attachments {
		out = append(out, Attachment{ID: a.ID, TotalSize: a.TotalSize, Checksum: a.Checksum, CreatedAt: a.CreatedAt})
	}
	return out
}

// DownloadChunkResult mirrors spec.md scenario S4's download_chunk shape.
type DownloadChunkResult struct {
	Offset       int64  `json:"offset"`
	NextOffset   int64  `json:"next_offset"`
	Done         bool   `json:"done"`
	BytesBase64  string `json:"bytes_base64"`
}

// DownloadChunk reads up to maxBytes from an attachment starting at offset
// (spec.md scenario S4).
func (s *State) DownloadChunk(attachmentID string, offset, maxBytes int64) (DownloadChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Attachments[attachmentID]
	if !ok {
		return DownloadChunkResult{}, fmt.Errorf("domain: attachment %s not found", attachmentID)
	}
	if offset < 0 || offset > int64(len(a.Data)) {
		return DownloadChunkResult{}, fmt.Errorf("domain: offset out of range")
	}
	end := offset + maxBytes
	if end > int64(len(a.Data)) {
		end = int64(len(a.Data))
	}
	chunk := a.Data[offset:end]
	return DownloadChunkResult{
		Offset:      offset,
		NextOffset:  end,
		Done:        end >= int64(len(a.Data)),
		BytesBase64: base64.StdEncoding.EncodeToString(chunk),
	}, nil
}
