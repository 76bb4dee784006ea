package tus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/keelstore/keel/pkg/blob"
)

// infoSuffix is appended to the versioned blob key for the upload's sidecar.
const infoSuffix = ".info"

// uploadInfo is the sidecar persisted next to the in-progress upload, so any
// node can resume it.
type uploadInfo struct {
	MultipartID  string            `json:"multipartId"`
	Size         int64             `json:"size"`
	SizeDeferred bool              `json:"sizeDeferred,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	CacheControl string            `json:"cacheControl,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Upsert       bool              `json:"upsert,omitempty"`
	Owner        string            `json:"owner,omitempty"`
}

// store persists resumable upload state in the blob backend: a multipart
// upload for the bytes and a JSON sidecar for everything else. The offset is
// never stored; it is derived from the uploaded parts.
type store struct {
	backend  blob.Backend
	partSize int64
}

func (s *store) infoKey(key, version string) string {
	return blob.KeyWithVersion(key, version) + infoSuffix
}

// create starts the multipart upload and writes the sidecar.
func (s *store) create(ctx context.Context, key, version string, info *uploadInfo) error {
	multipartID, err := s.backend.CreateMultipartUpload(ctx, key, version, info.ContentType, info.CacheControl, info.Metadata)
	if err != nil {
		return err
	}
	info.MultipartID = multipartID

	if err := s.writeInfo(ctx, key, version, info); err != nil {
		abortCtx := context.WithoutCancel(ctx)
		if aerr := s.backend.AbortMultipartUpload(abortCtx, key, version, multipartID); aerr != nil && !blob.IsNotFound(aerr) {
			return fmt.Errorf("failed to write upload info (abort also failed: %v): %w", aerr, err)
		}
		return err
	}
	return nil
}

func (s *store) writeInfo(ctx context.Context, key, version string, info *uploadInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode upload info: %w", err)
	}
	_, err = s.backend.PutObject(ctx, s.infoKey(key, version), "", bytes.NewReader(raw), "application/json", "")
	return err
}

// readInfo loads the sidecar; a missing sidecar means the upload does not
// exist (or already completed).
func (s *store) readInfo(ctx context.Context, key, version string) (*uploadInfo, error) {
	res, err := s.backend.GetObject(ctx, s.infoKey(key, version), "", nil, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload info: %w", err)
	}
	var info uploadInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode upload info: %w", err)
	}
	return &info, nil
}

// offset sums the uploaded parts.
func (s *store) offset(ctx context.Context, key, version, multipartID string) (int64, []blob.UploadedPart, error) {
	var parts []blob.UploadedPart
	marker := ""
	for {
		page, next, err := s.backend.ListParts(ctx, key, version, multipartID, marker, 1000)
		if err != nil {
			return 0, nil, err
		}
		parts = append(parts, page...)
		if next == "" {
			break
		}
		marker = next
	}

	var total int64
	for _, p := range parts {
		total += p.Size
	}
	return total, parts, nil
}

// appendBody streams body into consecutive parts of partSize, starting after
// the already-uploaded parts. It returns how many bytes were consumed.
func (s *store) appendBody(ctx context.Context, key, version, multipartID string, nextPart int32, body io.Reader, remaining int64) (int64, error) {
	var written int64
	for remaining > 0 {
		size := s.partSize
		if size > remaining {
			size = remaining
		}

		chunk := io.LimitReader(body, size)
		part, err := s.backend.UploadPart(ctx, key, version, multipartID, nextPart, chunk, size)
		if err != nil {
			return written, err
		}
		written += part.Size
		remaining -= part.Size
		nextPart++

		if part.Size < size {
			// Short read: the client sent less than declared or the
			// connection dropped; the offset advances by what landed.
			break
		}
	}
	return written, nil
}

// complete assembles the object and removes the sidecar.
func (s *store) complete(ctx context.Context, key, version, multipartID string, parts []blob.UploadedPart) (*blob.ObjectInfo, error) {
	info, err := s.backend.CompleteMultipartUpload(ctx, key, version, multipartID, parts)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteObject(ctx, s.infoKey(key, version), ""); err != nil && !blob.IsNotFound(err) {
		return nil, err
	}
	if _, err := s.backend.SetMetadataToCompleted(ctx, key, version); err != nil {
		return nil, err
	}
	return info, nil
}

// abort discards the upload and its sidecar.
func (s *store) abort(ctx context.Context, key, version, multipartID string) error {
	if err := s.backend.AbortMultipartUpload(ctx, key, version, multipartID); err != nil && !blob.IsNotFound(err) {
		return err
	}
	if err := s.backend.DeleteObject(ctx, s.infoKey(key, version), ""); err != nil && !blob.IsNotFound(err) {
		return err
	}
	return nil
}
