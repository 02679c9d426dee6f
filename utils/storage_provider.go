package utils

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	StorageProviderLocal = "local"
	StorageProviderGCS   = "gcs"
	StorageProviderS3    = "s3"
)

// FileStorage persists attachment bytes under a slash-separated object key.
type FileStorage interface {
	Save(ctx context.Context, key string, r io.Reader, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

var ErrObjectNotFound = errors.New("object not found")

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

var (
	storageOnce sync.Once
	storage     FileStorage
	storageErr  error
)

// GetFileStorage builds the configured provider once per process.
func GetFileStorage(ctx context.Context) (FileStorage, error) {
	storageOnce.Do(func() {
		switch GetStorageProvider() {
		case StorageProviderGCS:
			storage, storageErr = NewGCSStorage(os.Getenv("GCS_BUCKET"))
		case StorageProviderS3:
			storage, storageErr = NewS3Storage(ctx, S3ConfigFromEnv())
		default:
			root := strings.TrimSpace(os.Getenv("MEDIA_ROOT"))
			if root == "" {
				root = "media"
			}
			storage = NewLocalStorage(root)
		}
	})
	return storage, storageErr
}

// SetFileStorage overrides the provider (tests, tools).
func SetFileStorage(s FileStorage) {
	storageOnce.Do(func() {})
	storage = s
	storageErr = nil
}

// ReadAllFromStorage is a convenience for small objects like invoice PDFs.
func ReadAllFromStorage(ctx context.Context, s FileStorage, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
