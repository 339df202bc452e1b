// Package s3 is the Amazon S3 storage backend.
package s3

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/utils"
)

// Backend implements storage.Backend on an S3 client. Uploads go through the
// CargoShip transporter when enabled and fall back to the SDK uploader.
type Backend struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	config     *Config
	logger     *utils.StructuredLogger

	mu           sync.Mutex
	transporters map[string]*cargoships3.Transporter
}

// NewBackend loads AWS configuration and creates the client.
func NewBackend(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if !ValidTier(cfg.StorageClass) {
		return nil, fmt.Errorf("unsupported storage class: %s", cfg.StorageClass)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newBackend(client, cfg, logger), nil
}

func newBackend(client *s3.Client, cfg *Config, logger *utils.StructuredLogger) *Backend {
	b := &Backend{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSize
			u.Concurrency = cfg.Concurrency
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = cfg.PartSize
			d.Concurrency = cfg.Concurrency
		}),
		config:       cfg,
		logger:       logger.WithComponent("s3"),
		transporters: make(map[string]*cargoships3.Transporter),
	}
	if cfg.EnableCargoShipOptimization {
		b.logger.Info("CargoShip upload optimization enabled", map[string]interface{}{
			"concurrency":         cfg.Concurrency,
			"multipart_threshold": cfg.MultipartThreshold,
		})
	}
	return b
}

// List pages through every key under prefix.
func (b *Backend) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var out []storage.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateError(err, "ListObjectsV2", bucket, prefix)
		}
		for _, obj := range page.Contents {
			out = append(out, storage.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ModTime:      aws.ToTime(obj.LastModified),
				StorageClass: string(obj.StorageClass),
				Archived:     IsArchived(obj.StorageClass),
			})
		}
	}
	return out, nil
}

// Download fetches the object into localPath through a temporary sibling.
func (b *Backend) Download(ctx context.Context, bucket, key, localPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Dir(localPath), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create download file: %w", err)
	}
	tmpPath := tmp.Name()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	n, err := b.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, translateError(err, "GetObject", bucket, key)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return n, nil
}

// Upload stores localPath under key.
func (b *Backend) Upload(ctx context.Context, localPath, bucket, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	size := fi.Size()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if b.config.EnableCargoShipOptimization {
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       f,
			Size:         size,
			StorageClass: ConvertTierToCargoShipStorageClass(b.config.StorageClass),
			Metadata: map[string]string{
				"content-type": detectContentType(key),
			},
		}
		result, uploadErr := b.transporter(bucket).Upload(ctx, archive)
		if uploadErr == nil {
			b.logger.Debug("CargoShip upload completed", map[string]interface{}{
				"key":        key,
				"size":       size,
				"throughput": result.Throughput,
				"duration":   result.Duration,
			})
			return size, nil
		}

		b.logger.Warn("CargoShip upload failed, falling back to standard S3", map[string]interface{}{
			"key":   key,
			"error": uploadErr.Error(),
		})
		if _, err := f.Seek(0, 0); err != nil {
			return 0, fmt.Errorf("failed to rewind %s: %w", localPath, err)
		}
	}

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		Body:         f,
		ContentType:  aws.String(detectContentType(key)),
		StorageClass: ConvertTierToStorageClass(b.config.StorageClass),
	})
	if err != nil {
		return 0, translateError(err, "PutObject", bucket, key)
	}
	return size, nil
}

func (b *Backend) transporter(bucket string) *cargoships3.Transporter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.transporters[bucket]; ok {
		return t
	}
	t := cargoships3.NewTransporter(b.client, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       ConvertTierToCargoShipStorageClass(b.config.StorageClass),
		MultipartThreshold: b.config.MultipartThreshold,
		MultipartChunkSize: b.config.PartSize,
		Concurrency:        b.config.Concurrency,
	})
	b.transporters[bucket] = t
	return t
}

// Close releases nothing; the SDK client holds no open resources.
func (b *Backend) Close() error {
	return nil
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".html"), strings.HasSuffix(key, ".htm"):
		return "text/html"
	case strings.HasSuffix(key, ".css"):
		return "text/css"
	case strings.HasSuffix(key, ".csv"):
		return "text/csv"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".log"), strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// withTimeout bounds a single object transfer when RequestTimeout is set.
func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.config.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.config.RequestTimeout)
}
