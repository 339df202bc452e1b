package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/utils"
)

// DefaultConcurrency bounds parallel object transfers within one request.
const DefaultConcurrency = 8

// Client routes copy, sync and list requests to the backend registered for
// each URI scheme.
type Client struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	concurrency int
	recorder    TransferRecorder
	logger      *utils.StructuredLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackend registers b for scheme.
func WithBackend(scheme string, b Backend) ClientOption {
	return func(c *Client) { c.backends[scheme] = b }
}

// WithConcurrency sets the per-request transfer parallelism.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRecorder attaches a transfer observer.
func WithRecorder(r TransferRecorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a Client. Backends are registered through options.
func NewClient(logger *utils.StructuredLogger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	c := &Client{
		backends:    make(map[string]Backend),
		concurrency: DefaultConcurrency,
		logger:      logger.WithComponent("storage"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces the backend for scheme.
func (c *Client) Register(scheme string, b Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[scheme] = b
}

// Close closes every registered backend.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for scheme, b := range c.backends {
		if cerr := b.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s backend: %w", scheme, cerr))
		}
	}
	return err
}

func (c *Client) backend(scheme string) (Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.backends[scheme]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidURI,
			fmt.Sprintf("no storage backend registered for scheme %q", scheme))
	}
	return b, nil
}

// List returns the objects at req.Location. Non-recursive listings collapse
// nested keys into prefix entries.
func (c *Client) List(ctx context.Context, req ListRequest) ([]ObjectInfo, error) {
	b, err := c.backend(req.Location.Scheme)
	if err != nil {
		return nil, err
	}

	objects, err := b.List(ctx, req.Location.Bucket, req.Location.Key)
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	if req.Recursive {
		return objects, nil
	}
	return collapse(objects, req.Location), nil
}

// Copy copies one object, or every object under the source when Recursive.
func (c *Client) Copy(ctx context.Context, req CopyRequest) (TransferResult, error) {
	start := time.Now()

	if !req.Recursive {
		name := req.Source.Base()
		dst := req.Destination
		if dst.IsDirLike() || (dst.IsLocal() && isDir(dst.Key)) {
			dst = dst.Join(name)
		}
		n, err := c.transfer(ctx, req.Source, dst)
		if err != nil {
			return TransferResult{}, err
		}
		result := TransferResult{Transferred: []string{name}, Bytes: n, Duration: time.Since(start)}
		c.logResult("copy", req.Source, req.Destination, result)
		return result, nil
	}

	entries, err := c.listTree(ctx, req.Source, false)
	if err != nil {
		return TransferResult{}, err
	}

	var plan []treeEntry
	result := TransferResult{}
	for _, e := range entries {
		switch {
		case !req.Filters.Allows(e.rel):
		case e.info.Archived && !req.ForceGlacier:
			c.warnArchived(e)
			result.Skipped = append(result.Skipped, e.rel)
		default:
			plan = append(plan, e)
		}
	}

	if err := c.transferAll(ctx, req.Source, req.Destination, plan, &result); err != nil {
		return result, err
	}
	result.Duration = time.Since(start)
	c.logResult("copy", req.Source, req.Destination, result)
	return result, nil
}

// Sync transfers every source object that is absent at the destination,
// differs in size, or is newer than the destination copy.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (TransferResult, error) {
	start := time.Now()

	sources, err := c.listTree(ctx, req.Source, false)
	if err != nil {
		return TransferResult{}, err
	}
	existing, err := c.listTree(ctx, req.Destination, true)
	if err != nil {
		return TransferResult{}, err
	}
	current := make(map[string]ObjectInfo, len(existing))
	for _, e := range existing {
		current[e.rel] = e.info
	}

	var plan []treeEntry
	result := TransferResult{}
	for _, e := range sources {
		if !req.Filters.Allows(e.rel) {
			continue
		}
		if e.info.Archived && !req.ForceGlacier {
			c.warnArchived(e)
			result.Skipped = append(result.Skipped, e.rel)
			continue
		}
		if d, ok := current[e.rel]; ok && d.Size == e.info.Size && !e.info.ModTime.After(d.ModTime) {
			continue
		}
		plan = append(plan, e)
	}

	if err := c.transferAll(ctx, req.Source, req.Destination, plan, &result); err != nil {
		return result, err
	}
	result.Duration = time.Since(start)
	c.logResult("sync", req.Source, req.Destination, result)
	return result, nil
}

type treeEntry struct {
	rel  string
	info ObjectInfo
}

// listTree lists everything under loc with paths relative to it. With
// allowMissing a missing local directory yields no entries.
func (c *Client) listTree(ctx context.Context, loc URI, allowMissing bool) ([]treeEntry, error) {
	b, err := c.backend(loc.Scheme)
	if err != nil {
		return nil, err
	}

	prefix := loc.DirPrefix()
	if loc.IsLocal() {
		prefix = loc.Key
	}

	objects, err := b.List(ctx, loc.Bucket, prefix)
	if err != nil {
		if allowMissing && errors.CodeOf(err) == errors.ErrCodeFileNotFound {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]treeEntry, 0, len(objects))
	for _, obj := range objects {
		var rel string
		if loc.IsLocal() {
			r, err := filepath.Rel(loc.Key, obj.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to relativize %s: %w", obj.Key, err)
			}
			rel = filepath.ToSlash(r)
		} else {
			rel = strings.TrimPrefix(obj.Key, prefix)
		}
		if rel == "" || rel == "." || strings.HasSuffix(rel, "/") {
			continue
		}
		entries = append(entries, treeEntry{rel: rel, info: obj})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func (c *Client) transferAll(ctx context.Context, src, dst URI, plan []treeEntry, result *TransferResult) error {
	if len(plan) == 0 {
		return nil
	}

	var mu sync.Mutex
	p := pool.New().
		WithMaxGoroutines(c.concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for _, e := range plan {
		p.Go(func(ctx context.Context) error {
			from := src
			from.Key = e.info.Key
			to := dst.Join(e.rel)
			n, err := c.transfer(ctx, from, to)
			if err != nil {
				return err
			}
			if to.IsLocal() && !e.info.ModTime.IsZero() {
				// Keep the source timestamp so a later sync sees the copy as current.
				_ = os.Chtimes(to.Key, e.info.ModTime, e.info.ModTime)
			}
			mu.Lock()
			result.Transferred = append(result.Transferred, e.rel)
			result.Bytes += n
			mu.Unlock()
			return nil
		})
	}

	err := p.Wait()
	sort.Strings(result.Transferred)
	return err
}

// transfer moves one object. Remote-to-remote copies stage through a
// temporary file.
func (c *Client) transfer(ctx context.Context, src, dst URI) (int64, error) {
	srcBackend, err := c.backend(src.Scheme)
	if err != nil {
		return 0, err
	}
	dstBackend, err := c.backend(dst.Scheme)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var (
		n         int64
		scheme    string
		direction string
	)

	switch {
	case dst.IsLocal():
		scheme, direction = src.Scheme, "download"
		n, err = srcBackend.Download(ctx, src.Bucket, src.Key, dst.Key)
	case src.IsLocal():
		scheme, direction = dst.Scheme, "upload"
		n, err = dstBackend.Upload(ctx, src.Key, dst.Bucket, dst.Key)
	default:
		scheme, direction = dst.Scheme, "copy"
		n, err = c.relay(ctx, srcBackend, dstBackend, src, dst)
	}

	if c.recorder != nil {
		c.recorder.RecordTransfer(scheme, direction, n, time.Since(start), err)
	}
	if err != nil {
		return 0, err
	}

	c.logger.Trace("transferred object", map[string]interface{}{
		"source":      src.String(),
		"destination": dst.String(),
		"bytes":       n,
	})
	return n, nil
}

func (c *Client) relay(ctx context.Context, from, to Backend, src, dst URI) (int64, error) {
	tmp, err := os.CreateTemp("", "demuxer-relay-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create relay file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := from.Download(ctx, src.Bucket, src.Key, tmpPath); err != nil {
		return 0, err
	}
	return to.Upload(ctx, tmpPath, dst.Bucket, dst.Key)
}

func (c *Client) warnArchived(e treeEntry) {
	c.logger.Warn("skipping archived object, restore it or enable force_glacier", map[string]interface{}{
		"key":           e.info.Key,
		"storage_class": e.info.StorageClass,
	})
}

func (c *Client) logResult(op string, src, dst URI, result TransferResult) {
	c.logger.Info(fmt.Sprintf("%s complete: %d objects, %s", op, len(result.Transferred),
		humanize.Bytes(uint64(result.Bytes))), map[string]interface{}{
		"source":      src.String(),
		"destination": dst.String(),
		"skipped":     len(result.Skipped),
		"duration":    result.Duration.Round(time.Millisecond).String(),
	})
}

// collapse folds keys below the first level of loc into prefix entries.
func collapse(objects []ObjectInfo, loc URI) []ObjectInfo {
	base := loc.DirPrefix()
	sep := "/"
	if loc.IsLocal() {
		base = strings.TrimSuffix(loc.Key, string(filepath.Separator)) + string(filepath.Separator)
		sep = string(filepath.Separator)
	}

	var out []ObjectInfo
	seen := make(map[string]bool)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, base)
		if rest == obj.Key && obj.Key != strings.TrimSuffix(base, sep) {
			out = append(out, obj)
			continue
		}
		if i := strings.Index(rest, sep); i >= 0 {
			dir := base + rest[:i+1]
			if !seen[dir] {
				seen[dir] = true
				out = append(out, ObjectInfo{Key: dir, Prefix: true})
			}
			continue
		}
		out = append(out, obj)
	}
	return out
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
