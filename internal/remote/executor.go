// Package remote runs storage operations with bounded retries. Every attempt
// is logged with its command rendering so the run log is an audit trail of
// what was tried against remote storage.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/demuxer/internal/storage"
	"github.com/objectfs/demuxer/pkg/errors"
	"github.com/objectfs/demuxer/pkg/retry"
	"github.com/objectfs/demuxer/pkg/utils"
)

// AttemptRecorder observes individual attempts.
type AttemptRecorder interface {
	RecordRemoteAttempt(operation, status string, duration time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder attaches an attempt observer.
func WithRecorder(r AttemptRecorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// Executor runs Requests against a Store.
type Executor struct {
	store    Store
	policy   retry.Config
	logger   *utils.StructuredLogger
	recorder AttemptRecorder
}

// NewExecutor creates an Executor. A zero MaxAttempts in policy means the
// retry package default of five.
func NewExecutor(store Store, policy retry.Config, logger *utils.StructuredLogger, opts ...Option) *Executor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	e := &Executor{
		store:  store,
		policy: policy,
		logger: logger.WithComponent("remote"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs req, retrying every failure that retryable accepts.
// Running out of attempts yields a RETRY_EXHAUSTED error carrying the
// request's locations.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	result := Result{RequestID: uuid.NewString()}
	command := req.String()
	log := e.logger.WithFields(map[string]interface{}{
		"request_id": result.RequestID,
		"operation":  string(req.Kind),
	})

	policy := e.policy
	policy.OnAttempt = func(attempt int) {
		result.Attempts = attempt
		log.Info(command, map[string]interface{}{"attempt": attempt})
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn(fmt.Sprintf("retrying %s", req.Kind), map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
			"delay":   delay.String(),
		})
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = retryable
	}
	retryer := retry.New(policy)

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := e.attempt(ctx, req, &result)
		e.record(req.Kind, err, time.Since(start))
		return err
	})
	if err == nil {
		return result, nil
	}

	return Result{}, e.failure(ctx, req, result, retryer.MaxAttempts(), err, log)
}

// retryable reports whether another attempt could succeed. Missing objects
// are retried like any other failure; only permission, addressing and
// cancellation errors end the loop early.
func retryable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeAccessDenied, errors.ErrCodeInvalidURI,
		errors.ErrCodeOperationCanceled, errors.ErrCodeInternalError:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (e *Executor) attempt(ctx context.Context, req Request, result *Result) error {
	switch req.Kind {
	case KindCopy:
		tr, err := e.store.Copy(ctx, toCopy(req))
		if err != nil {
			return err
		}
		result.Transfer = tr
	case KindSync:
		tr, err := e.store.Sync(ctx, toSync(req))
		if err != nil {
			return err
		}
		result.Transfer = tr
	case KindList:
		objects, err := e.store.List(ctx, toList(req))
		if err != nil {
			return err
		}
		result.Objects = objects
	default:
		return errors.NewError(errors.ErrCodeInternalError,
			fmt.Sprintf("unknown remote operation %q", req.Kind)).WithRetryable(false)
	}
	return nil
}

func (e *Executor) failure(ctx context.Context, req Request, result Result, maxAttempts int, err error, log *utils.StructuredLogger) error {
	var (
		de        *errors.DemuxError
		exhausted *retry.ExhaustedError
		annotate  = true
	)
	switch {
	case errors.As(err, &exhausted):
		de = errors.Wrap(err, errors.ErrCodeRetryExhausted,
			fmt.Sprintf("%s failed after %d attempts", req.Kind, exhausted.Attempts)).
			WithRetryable(false).
			WithDetail("attempts", exhausted.Attempts)
	case ctx.Err() != nil:
		de = errors.Wrap(err, errors.ErrCodeOperationCanceled, fmt.Sprintf("%s canceled", req.Kind))
	case errors.As(err, &de):
		// The backend's component and operation stay; only the request is attached.
		annotate = false
	default:
		de = errors.Wrap(err, errors.ErrCodeRemoteOperation, fmt.Sprintf("%s failed", req.Kind)).
			WithRetryable(false)
	}

	if annotate {
		de = de.WithComponent("remote").WithOperation(string(req.Kind))
	}
	de = de.
		WithRequestID(result.RequestID).
		WithContext("source", req.Source.String()).
		WithDetail("max_attempts", maxAttempts)
	if req.Kind != KindList {
		de = de.WithContext("destination", req.Destination.String())
	}

	log.Error(fmt.Sprintf("giving up on %s", req.Kind), map[string]interface{}{
		"attempts": result.Attempts,
		"code":     string(de.Code),
		"error":    err.Error(),
	})
	return de
}

func (e *Executor) record(kind Kind, err error, d time.Duration) {
	if e.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	e.recorder.RecordRemoteAttempt(string(kind), status, d)
}

func toCopy(req Request) storage.CopyRequest {
	return storage.CopyRequest{
		Source:       req.Source,
		Destination:  req.Destination,
		Recursive:    req.Recursive,
		Filters:      req.Filters,
		ForceGlacier: req.ForceGlacier,
	}
}

func toSync(req Request) storage.SyncRequest {
	return storage.SyncRequest{
		Source:       req.Source,
		Destination:  req.Destination,
		Filters:      req.Filters,
		ForceGlacier: req.ForceGlacier,
	}
}

func toList(req Request) storage.ListRequest {
	return storage.ListRequest{Location: req.Source, Recursive: req.Recursive}
}
