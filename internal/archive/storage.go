// Package archive uploads consumed log segments to object storage and then
// drops them from the local log.
package archive

import (
	"context"
	"errors"
)

var (
	ErrUploadFailed = errors.New("archive: upload failed")
	ErrListFailed   = errors.New("archive: list failed")
)

// ObjectStorage is where archived segments end up. Object paths are slash
// separated regardless of platform.
type ObjectStorage interface {
	// Upload copies the file at localPath to objectPath and returns the
	// stored object's ETag.
	Upload(ctx context.Context, localPath, objectPath string) (string, error)
	Exists(ctx context.Context, objectPath string) (bool, error)
	// ListObjects returns every object path under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig controls how large segments are split.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes; S3 requires at least 5MB
	// for every part but the last.
	PartSize int64
	// Concurrency bounds parts in flight per upload.
	Concurrency int
}

func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{PartSize: 5 * 1024 * 1024, Concurrency: 4}
}
