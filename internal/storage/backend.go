// Package storage moves files between the local staging area and remote
// object stores. Backends provide per-scheme primitives; Client builds the
// copy, sync and list operations on top of them.
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one listed object. Key is the full key, or the full
// path for local files.
type ObjectInfo struct {
	Key          string
	Size         int64
	ModTime      time.Time
	StorageClass string
	// Archived objects need a restore before they can be read.
	Archived bool
	// Prefix marks a collapsed directory entry in non-recursive listings.
	Prefix bool
}

// Backend is the primitive surface of one storage scheme.
type Backend interface {
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	// Download writes the object to localPath and returns the bytes written.
	Download(ctx context.Context, bucket, key, localPath string) (int64, error)
	// Upload stores localPath as the object and returns the bytes read.
	Upload(ctx context.Context, localPath, bucket, key string) (int64, error)
	Close() error
}

// TransferRecorder observes individual object transfers.
type TransferRecorder interface {
	RecordTransfer(scheme, direction string, bytes int64, duration time.Duration, err error)
}

// CopyRequest copies one object, or a whole prefix when Recursive is set.
type CopyRequest struct {
	Source       URI
	Destination  URI
	Recursive    bool
	Filters      Filters
	ForceGlacier bool
}

// SyncRequest makes Destination hold every object of Source that is
// missing, a different size, or older at Destination.
type SyncRequest struct {
	Source       URI
	Destination  URI
	Filters      Filters
	ForceGlacier bool
}

// ListRequest lists a location.
type ListRequest struct {
	Location  URI
	Recursive bool
}

// TransferResult summarizes a copy or sync. Paths are relative to the
// source location.
type TransferResult struct {
	Transferred []string
	Skipped     []string
	Bytes       int64
	Duration    time.Duration
}
