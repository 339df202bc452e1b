// Package local is the filesystem storage backend. Keys are paths and the
// bucket is ignored.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/errors"
)

// Backend copies files within the local filesystem.
type Backend struct{}

// New returns a local backend.
func New() *Backend {
	return &Backend{}
}

// List walks prefix. A prefix naming a file lists that file.
func (b *Backend) List(ctx context.Context, _ string, prefix string) ([]storage.ObjectInfo, error) {
	fi, err := os.Stat(prefix)
	if err != nil {
		return nil, translateError(err, "list", prefix)
	}
	if !fi.IsDir() {
		return []storage.ObjectInfo{infoFor(prefix, fi)}, nil
	}

	var out []storage.ObjectInfo
	err = filepath.WalkDir(prefix, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, infoFor(p, info))
		return nil
	})
	if err != nil {
		return nil, translateError(err, "list", prefix)
	}
	return out, nil
}

// Download copies key to localPath.
func (b *Backend) Download(ctx context.Context, _ string, key, localPath string) (int64, error) {
	return copyFile(ctx, key, localPath)
}

// Upload copies localPath to key.
func (b *Backend) Upload(ctx context.Context, localPath, _ string, key string) (int64, error) {
	return copyFile(ctx, localPath, key)
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

func infoFor(p string, fi os.FileInfo) storage.ObjectInfo {
	return storage.ObjectInfo{Key: p, Size: fi.Size(), ModTime: fi.ModTime()}
}

// copyFile writes through a temporary sibling and renames it into place.
func copyFile(ctx context.Context, src, dst string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateError(err, "copy", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, translateError(err, "open", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, translateError(err, "mkdir", dst)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, translateError(err, "create", dst)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, translateError(err, "write", dst)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, translateError(err, "rename", dst)
	}
	return n, nil
}

func translateError(err error, op, path string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, fmt.Sprintf("%s %s interrupted", op, path)).
			WithComponent("local").WithOperation(op)
	case os.IsNotExist(err):
		return errors.NewError(errors.ErrCodeFileNotFound, fmt.Sprintf("%s: no such file or directory", path)).
			WithComponent("local").WithOperation(op).WithCause(err)
	case os.IsPermission(err):
		return errors.NewError(errors.ErrCodeAccessDenied, fmt.Sprintf("%s: permission denied", path)).
			WithComponent("local").WithOperation(op).WithCause(err)
	default:
		return errors.NewError(errors.ErrCodeStorageWrite, fmt.Sprintf("%s %s failed", op, path)).
			WithComponent("local").WithOperation(op).WithCause(err)
	}
}
