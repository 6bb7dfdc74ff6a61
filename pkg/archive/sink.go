// Package archive ships exported receipt bundles to durable storage.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind names an archive backend.
type Kind string

const (
	KindFS  Kind = "fs"
	KindS3  Kind = "s3"
	KindGCS Kind = "gcs"
)

// Sink stores named objects and returns a URI for each.
type Sink interface {
	Put(ctx context.Context, name string, body []byte, contentType string) (string, error)
}

// Config selects and configures a sink.
type Config struct {
	Kind     Kind
	Dir      string
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO and LocalStack
	Prefix   string
}

// NewSinkFromConfig builds the sink named by cfg.Kind. An empty kind
// means the filesystem.
func NewSinkFromConfig(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Kind {
	case "", KindFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileSink(dir)
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3")
		}
		return NewS3Sink(ctx, cfg)
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", cfg.Kind)
	}
}

// FileSink writes objects under a directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Put writes body atomically via a temp file and rename.
func (s *FileSink) Put(_ context.Context, name string, body []byte, _ string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure archive dir: %w", err)
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: bundles are public attestations
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit %s: %w", name, err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid object name %q", name)
	}
	return nil
}
