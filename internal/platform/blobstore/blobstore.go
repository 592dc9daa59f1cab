// Package blobstore archives uploaded report files in object storage. It
// defines the BlobStore interface, an in-memory implementation suitable for
// testing and development, and a MinIO/S3 implementation.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingKey         = errors.New("object key is required")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxFileSize is the maximum allowed object size in bytes (50 MB).
const MaxFileSize = 50 * 1024 * 1024

// DefaultURLExpiry is how long signed download links stay valid.
const DefaultURLExpiry = time.Hour

// AllowedContentTypes lists the MIME types accepted for archival.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for object storage backends.
type BlobStore interface {
	// Upload copies the local file at path to key.
	Upload(ctx context.Context, key, path, contentType string) (*ObjectInfo, error)
	// SignedURL returns a time-limited download link for key.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

func validateUpload(key, contentType string, size int64) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	if !AllowedContentTypes[contentType] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	if size > MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// InMemoryBlobStore keeps objects in process memory.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]*storedObject
	now     func() time.Time
}

func NewInMemoryBlobStore(bucket string) *InMemoryBlobStore {
	return &InMemoryBlobStore{
		bucket:  bucket,
		objects: make(map[string]*storedObject),
		now:     time.Now,
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, key, path, contentType string) (*ObjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := validateUpload(key, contentType, int64(len(data))); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	info := ObjectInfo{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		CreatedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.objects[key] = &storedObject{info: info, content: data}
	s.mu.Unlock()

	out := info
	return &out, nil
}

func (s *InMemoryBlobStore) SignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrBlobNotFound
	}
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     s.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprint(s.now().Add(expiry).Unix())}}.Encode(),
	}
	return u.String(), nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Content returns a copy of a stored object's bytes.
func (s *InMemoryBlobStore) Content(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.content...), true
}
