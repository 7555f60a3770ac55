package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps archived objects as files under a root directory. It
// backs single-node deployments and tests.
type LocalStorage struct {
	root string
}

var _ ObjectStorage = (*LocalStorage)(nil)

// NewLocalStorage creates root if it does not exist.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", root, err)
	}
	return &LocalStorage{root: root}, nil
}

// Upload writes to a hidden temp file beside the destination and renames it,
// so readers never see a partial object. The returned ETag is the content
// MD5, matching what S3 reports for a single PUT.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	etag, err := l.copyInto(localPath, l.fullPath(objectPath))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return etag, nil
}

func (l *LocalStorage) copyInto(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", err
	}
	staged := out.Name()
	defer os.Remove(staged)

	sum := md5.New()
	_, copyErr := io.Copy(io.MultiWriter(out, sum), in)
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return "", copyErr
	}
	if err := os.Rename(staged, dst); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Exists reports whether objectPath has been stored.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch _, err := os.Stat(l.fullPath(objectPath)); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// ListObjects returns the object paths under prefix. Staged uploads are
// skipped and a missing prefix yields no objects.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	walkErr := filepath.WalkDir(l.fullPath(prefix), func(p string, d fs.DirEntry, err error) error {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return err
		case d.IsDir(), strings.HasPrefix(d.Name(), "."):
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrListFailed, walkErr)
	}
	return keys, nil
}

func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.root, filepath.FromSlash(objectPath))
}
