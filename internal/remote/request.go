package remote

import (
	"context"
	"strings"

	"github.com/objectfs/demuxer/internal/storage"
)

// Kind selects the storage operation a Request performs.
type Kind string

const (
	KindCopy Kind = "copy"
	KindSync Kind = "sync"
	KindList Kind = "list"
)

// verb is the command-line spelling used in attempt logs.
func (k Kind) verb() string {
	switch k {
	case KindCopy:
		return "cp"
	case KindList:
		return "ls"
	default:
		return string(k)
	}
}

// Request describes one remote operation. Destination is unused for lists.
type Request struct {
	Kind         Kind
	Source       storage.URI
	Destination  storage.URI
	Filters      storage.Filters
	Recursive    bool
	ForceGlacier bool
}

// String renders the request as the equivalent storage CLI invocation.
func (r Request) String() string {
	parts := []string{r.Kind.verb()}

	switch r.Kind {
	case KindList:
		if r.Recursive {
			parts = append(parts, "--recursive")
		}
		parts = append(parts, r.Source.String())
	default:
		parts = append(parts, "--quiet")
		if r.ForceGlacier {
			parts = append(parts, "--force-glacier-transfer")
		}
		parts = append(parts, r.Source.String(), r.Destination.String())
		if r.Recursive && r.Kind == KindCopy {
			parts = append(parts, "--recursive")
		}
		if len(r.Filters) > 0 {
			parts = append(parts, r.Filters.String())
		}
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a successful Execute.
type Result struct {
	RequestID string
	Attempts  int
	Transfer  storage.TransferResult
	Objects   []storage.ObjectInfo
}

// Store performs single attempts of each operation. *storage.Client
// implements it.
type Store interface {
	Copy(ctx context.Context, req storage.CopyRequest) (storage.TransferResult, error)
	Sync(ctx context.Context, req storage.SyncRequest) (storage.TransferResult, error)
	List(ctx context.Context, req storage.ListRequest) ([]storage.ObjectInfo, error)
}

var _ Store = (*storage.Client)(nil)
