package utils

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*gcs.Client, error) {
	// Prefer ADC; GCS_CREDENTIALS_JSON overrides for local runs.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return gcs.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return gcs.NewClient(ctx)
}

// GCSStorage stores objects in one bucket. A client is opened per call, like the
// rest of the upload helpers, so a long-lived process never holds a stale client.
type GCSStorage struct {
	Bucket string
}

func NewGCSStorage(bucket string) (*GCSStorage, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	return &GCSStorage{Bucket: bucket}, nil
}

func (s *GCSStorage) Save(ctx context.Context, key string, r io.Reader, contentType string) error {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	wc := client.Bucket(s.Bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (s *GCSStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := client.Bucket(s.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		client.Close()
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return &gcsReadCloser{ReadCloser: rc, client: client}, nil
}

type gcsReadCloser struct {
	io.ReadCloser
	client *gcs.Client
}

func (g *gcsReadCloser) Close() error {
	err := g.ReadCloser.Close()
	_ = g.client.Close()
	return err
}

func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	_, err = client.Bucket(s.Bucket).Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.Bucket(s.Bucket).Object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}
