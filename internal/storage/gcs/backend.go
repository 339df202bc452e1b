// Package gcs is the Google Cloud Storage backend.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// Config holds client settings. Endpoint points at an emulator, in which
// case requests are sent unauthenticated.
type Config struct {
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
	ChunkSize       int    `yaml:"chunk_size"`
}

// Backend implements storage.Backend for gs:// URIs.
type Backend struct {
	client    *gcstorage.Client
	chunkSize int
	logger    *utils.StructuredLogger
}

// NewBackend creates a client with application default credentials unless
// cfg says otherwise.
func NewBackend(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Backend, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to create GCS client").
			WithComponent("gcs")
	}

	return &Backend{
		client:    client,
		chunkSize: cfg.ChunkSize,
		logger:    logger.WithComponent("gcs"),
	}, nil
}

// List returns every object under prefix.
func (b *Backend) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	it := b.client.Bucket(bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix})

	var out []storage.ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, translateError(err, "list", bucket, prefix)
		}
		out = append(out, storage.ObjectInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			ModTime:      attrs.Updated,
			StorageClass: attrs.StorageClass,
		})
	}
	return out, nil
}

// Download streams the object into localPath through a temporary sibling.
func (b *Backend) Download(ctx context.Context, bucket, key, localPath string) (int64, error) {
	rc, err := b.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return 0, translateError(err, "download", bucket, key)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Dir(localPath), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create download file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, translateError(err, "download", bucket, key)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return n, nil
}

// Upload writes localPath to key. The object becomes visible when the
// writer is closed.
func (b *Backend) Upload(ctx context.Context, localPath, bucket, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if b.chunkSize > 0 {
		w.ChunkSize = b.chunkSize
	}

	n, err := io.Copy(w, f)
	if err != nil {
		// Canceling the context aborts the upload instead of committing a partial object.
		cancel()
		_ = w.Close()
		return 0, translateError(err, "upload", bucket, key)
	}
	if err := w.Close(); err != nil {
		return 0, translateError(err, "upload", bucket, key)
	}
	b.logger.Debug("uploaded object", map[string]interface{}{
		"bucket": bucket,
		"key":    key,
		"bytes":  n,
	})
	return n, nil
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func translateError(err error, operation, bucket, key string) error {
	var de *errors.DemuxError

	var apiErr *googleapi.Error
	switch {
	case errors.Is(err, context.Canceled):
		de = errors.Wrap(err, errors.ErrCodeOperationCanceled, "operation canceled")
	case errors.Is(err, context.DeadlineExceeded):
		de = errors.Wrap(err, errors.ErrCodeOperationTimeout, "operation timed out")
	case errors.Is(err, gcstorage.ErrObjectNotExist):
		de = errors.Wrap(err, errors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: gs://%s/%s", bucket, key))
	case errors.Is(err, gcstorage.ErrBucketNotExist):
		de = errors.Wrap(err, errors.ErrCodeBucketNotFound, fmt.Sprintf("bucket not found: %s", bucket))
	case errors.As(err, &apiErr) && (apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized):
		de = errors.Wrap(err, errors.ErrCodeAccessDenied, fmt.Sprintf("access denied to gs://%s/%s", bucket, key))
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound:
		de = errors.Wrap(err, errors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: gs://%s/%s", bucket, key))
	default:
		de = errors.Wrap(err, errors.ErrCodeRemoteOperation, "request failed")
	}

	return de.
		WithComponent("gcs").
		WithOperation(operation).
		WithContext("bucket", bucket).
		WithContext("key", key)
}
