package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/retry"
	"github.com/objectfs/demuxer/pkg/utils"
)

// fakeStore fails the first `failures` calls of every operation with err.
type fakeStore struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	objects  []storage.ObjectInfo
	lastSync storage.SyncRequest
}

func (f *fakeStore) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeStore) Copy(_ context.Context, req storage.CopyRequest) (storage.TransferResult, error) {
	if err := f.next(); err != nil {
		return storage.TransferResult{}, err
	}
	return storage.TransferResult{Transferred: []string{req.Source.Base()}}, nil
}

func (f *fakeStore) Sync(_ context.Context, req storage.SyncRequest) (storage.TransferResult, error) {
	f.lastSync = req
	if err := f.next(); err != nil {
		return storage.TransferResult{}, err
	}
	return storage.TransferResult{Transferred: []string{"a.fastq.gz"}, Bytes: 10}, nil
}

func (f *fakeStore) List(_ context.Context, _ storage.ListRequest) ([]storage.ObjectInfo, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.objects, nil
}

type attemptRecorder struct {
	statuses []string
}

func (r *attemptRecorder) RecordRemoteAttempt(_ string, status string, _ time.Duration) {
	r.statuses = append(r.statuses, status)
}

func newExecutor(t *testing.T, store Store, opts ...Option) (*Executor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.INFO,
		Output: &buf,
		Format: utils.FormatText,
	})
	require.NoError(t, err)
	return NewExecutor(store, retry.Config{MaxAttempts: 5}, logger, opts...), &buf
}

func syncRequest() Request {
	return Request{
		Kind:        KindSync,
		Source:      storage.MustParseURI("/tmp/job/data/exp-42/fastqs"),
		Destination: storage.MustParseURI("s3://results/TraceGenomics"),
		Filters:     storage.Filters{storage.Exclude("*"), storage.Include("*fastq.gz")},
	}
}

func countLines(out, substr string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	for k := 0; k < 5; k++ {
		t.Run(fmt.Sprintf("fail_%d_times", k), func(t *testing.T) {
			store := &fakeStore{failures: k, err: fmt.Errorf("connection reset")}
			rec := &attemptRecorder{}
			exec, buf := newExecutor(t, store, WithRecorder(rec))

			result, err := exec.Execute(context.Background(), syncRequest())
			require.NoError(t, err)
			assert.Equal(t, k+1, result.Attempts)
			assert.Equal(t, k+1, store.calls)
			assert.Equal(t, []string{"a.fastq.gz"}, result.Transfer.Transferred)
			assert.NotEmpty(t, result.RequestID)

			out := buf.String()
			assert.Equal(t, k+1, countLines(out, `[INFO] sync --quiet /tmp/job/data/exp-42/fastqs s3://results/TraceGenomics --exclude "*" --include "*fastq.gz"`))
			assert.Equal(t, k, countLines(out, "[WARN] retrying sync"))
			assert.Contains(t, out, fmt.Sprintf("attempt=%d", k+1))

			require.Len(t, rec.statuses, k+1)
			assert.Equal(t, "success", rec.statuses[k])
		})
	}
}

func TestExecute_ExhaustsAfterFiveAttempts(t *testing.T) {
	store := &fakeStore{failures: -1, err: fmt.Errorf("service unavailable")}
	exec, buf := newExecutor(t, store)

	_, err := exec.Execute(context.Background(), syncRequest())
	require.Error(t, err)
	assert.Equal(t, 5, store.calls)
	assert.Equal(t, 5, countLines(buf.String(), "[INFO] sync --quiet"))
	assert.Equal(t, 1, countLines(buf.String(), "[ERROR] giving up on sync"))

	var de *errors.DemuxError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, errors.ErrCodeRetryExhausted, de.Code)
	assert.False(t, de.Retryable)
	assert.Equal(t, "/tmp/job/data/exp-42/fastqs", de.Context["source"])
	assert.Equal(t, "s3://results/TraceGenomics", de.Context["destination"])
	assert.Equal(t, "sync", de.Operation)
	assert.Equal(t, 5, de.Details["attempts"])

	var exhausted *retry.ExhaustedError
	assert.True(t, errors.As(err, &exhausted))
	assert.ErrorContains(t, err, "service unavailable")
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	denied := errors.NewError(errors.ErrCodeAccessDenied, "access denied").WithComponent("s3")
	store := &fakeStore{failures: -1, err: denied}
	exec, _ := newExecutor(t, store)

	req := Request{
		Kind:        KindCopy,
		Source:      storage.MustParseURI("s3://sheets/exp-42.csv"),
		Destination: storage.MustParseURI("/tmp/job/data/exp-42"),
	}
	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, store.calls)

	var de *errors.DemuxError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, errors.ErrCodeAccessDenied, de.Code)
	assert.Equal(t, "s3", de.Component)
	assert.NotEmpty(t, de.RequestID)
	assert.Equal(t, "s3://sheets/exp-42.csv", de.Context["source"])
}

func TestExecute_MissingObjectIsRetried(t *testing.T) {
	missing := errors.NewError(errors.ErrCodeFileNotFound, "/tmp/job/data/exp-42.csv: no such file or directory").
		WithComponent("local").
		WithRetryable(false)
	store := &fakeStore{failures: -1, err: missing}
	exec, buf := newExecutor(t, store)

	_, err := exec.Execute(context.Background(), syncRequest())
	require.Error(t, err)
	assert.Equal(t, 5, store.calls)
	assert.Equal(t, 4, countLines(buf.String(), "retrying sync"))

	var de *errors.DemuxError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, errors.ErrCodeRetryExhausted, de.Code)
	assert.Equal(t, errors.ErrCodeFileNotFound, errors.CodeOf(de.Unwrap()))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("service unavailable"), true},
		{errors.NewError(errors.ErrCodeObjectNotFound, "missing").WithRetryable(false), true},
		{errors.NewError(errors.ErrCodeBucketNotFound, "no bucket"), true},
		{errors.NewError(errors.ErrCodeStorageWrite, "disk full"), true},
		{errors.NewError(errors.ErrCodeAccessDenied, "denied"), false},
		{errors.NewError(errors.ErrCodeInvalidURI, "bad uri"), false},
		{errors.NewError(errors.ErrCodeOperationCanceled, "canceled"), false},
		{fmt.Errorf("copy: %w", context.Canceled), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, retryable(tc.err), tc.err.Error())
	}
}

func TestExecute_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := &fakeStore{}
	exec, _ := newExecutor(t, store)

	_, err := exec.Execute(ctx, syncRequest())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
	assert.Zero(t, store.calls)
}

func TestExecute_ListAndForwarding(t *testing.T) {
	store := &fakeStore{objects: []storage.ObjectInfo{{Key: "TraceGenomics/Run5/Run5_1/a.fastq.gz", Size: 10}}}
	exec, buf := newExecutor(t, store)

	result, err := exec.Execute(context.Background(), Request{
		Kind:      KindList,
		Source:    storage.MustParseURI("s3://results/TraceGenomics"),
		Recursive: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	assert.Contains(t, buf.String(), "[INFO] ls --recursive s3://results/TraceGenomics")

	req := syncRequest()
	req.ForceGlacier = true
	_, err = exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, store.lastSync.ForceGlacier)
	assert.Len(t, store.lastSync.Filters, 2)
}

func TestExecute_UnknownKind(t *testing.T) {
	store := &fakeStore{}
	exec, _ := newExecutor(t, store)

	_, err := exec.Execute(context.Background(), Request{Kind: "move"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternalError, errors.CodeOf(err))
}

func TestRequestString(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "sync with filters",
			req:  syncRequest(),
			want: `sync --quiet /tmp/job/data/exp-42/fastqs s3://results/TraceGenomics --exclude "*" --include "*fastq.gz"`,
		},
		{
			name: "glacier sync",
			req: Request{
				Kind:         KindSync,
				Source:       storage.MustParseURI("s3://raw/TraceGenomics/exp-42"),
				Destination:  storage.MustParseURI("/tmp/job/data/exp-42/bcl"),
				ForceGlacier: true,
			},
			want: "sync --quiet --force-glacier-transfer s3://raw/TraceGenomics/exp-42 /tmp/job/data/exp-42/bcl",
		},
		{
			name: "recursive copy",
			req: Request{
				Kind:        KindCopy,
				Source:      storage.MustParseURI("/tmp/job/data/exp-42/fastqs/Reports/html/FC1/all/all/all"),
				Destination: storage.MustParseURI("s3://reports/exp-42"),
				Recursive:   true,
			},
			want: "cp --quiet /tmp/job/data/exp-42/fastqs/Reports/html/FC1/all/all/all s3://reports/exp-42 --recursive",
		},
		{
			name: "list",
			req:  Request{Kind: KindList, Source: storage.MustParseURI("gs://results/out"), Recursive: true},
			want: "ls --recursive gs://results/out",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.String())
		})
	}
}
