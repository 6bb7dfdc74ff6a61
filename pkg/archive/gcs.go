//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink uploads objects to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink uses application default credentials.
func NewGCSSink(ctx context.Context, cfg Config) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newGCSSink(ctx context.Context, cfg Config) (Sink, error) {
	return NewGCSSink(ctx, cfg)
}

func (s *GCSSink) Put(ctx context.Context, name string, body []byte, contentType string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	path := s.prefix + name
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", path, err)
	}
	return "gs://" + s.bucket + "/" + path, nil
}

// Close releases the client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
