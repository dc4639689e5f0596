// Package storage persists generated artifacts. The filesystem store is
// content-addressed: the sha256 of the bytes names the object, so re-storing
// the same output is a no-op and references never dangle after a retry.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediagen/internal/domain"
)

// FileStore writes artifacts onto the local filesystem. It is intended for
// development and test environments where an object storage service is not
// available.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore initializes a FileStore rooted at basePath. Returned artifact
// URLs are baseURL + "/" + key.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

// Store persists the bytes under their content hash and returns the artifact
// reference.
func (s *FileStore) Store(ctx context.Context, data []byte, kind domain.JobKind, mime string) (*domain.Artifact, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("storage: empty artifact")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := fmt.Sprintf("%s/%s/%s%s", kind, hash[:2], hash, extForMIME(mime))

	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	if _, err := os.Stat(fullPath); err != nil {
		if err := os.WriteFile(fullPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("storage: write file: %w", err)
		}
	}

	return &domain.Artifact{
		URL:         s.baseURL + "/" + key,
		ContentHash: hash,
		Size:        int64(len(data)),
		MIME:        mime,
	}, nil
}

func extForMIME(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	}
	return ".bin"
}

var _ domain.ArtifactStore = (*FileStore)(nil)
