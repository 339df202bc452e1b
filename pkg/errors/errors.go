// Package errors provides the structured error system used across a demultiplexing run.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Connectivity to remote storage
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"

	// Remote storage
	ErrCodeRemoteOperation ErrorCode = "REMOTE_OPERATION_FAILED"
	ErrCodeObjectNotFound  ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound  ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeAccessDenied    ErrorCode = "ACCESS_DENIED"
	ErrCodeStorageRead     ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite    ErrorCode = "STORAGE_WRITE"
	ErrCodeArchivedObject  ErrorCode = "STORAGE_ARCHIVED_OBJECT"
	ErrCodeInvalidURI      ErrorCode = "STORAGE_INVALID_URI"

	// Local filesystem
	ErrCodeFileNotFound ErrorCode = "FILE_NOT_FOUND"
	ErrCodePathInvalid  ErrorCode = "PATH_INVALID"

	// Run lifecycle
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"

	// Operations
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeToolFailed        ErrorCode = "TOOL_FAILED"

	// Internal
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for reporting.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// DemuxError is a structured error carrying the component, operation and
// context of the failing step.
type DemuxError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *DemuxError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *DemuxError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DemuxError with the same code.
func (e *DemuxError) Is(target error) bool {
	if other, ok := target.(*DemuxError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a single-line representation for logging.
func (e *DemuxError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("RunID=%s", e.RunID))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("DemuxError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error encoded as JSON.
func (e *DemuxError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with the defaults implied by its code.
func NewError(code ErrorCode, message string) *DemuxError {
	return &DemuxError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates an error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *DemuxError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory derives the category from the code prefix.
func GetCategory(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "MISSING_CONFIG") ||
		strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "CONNECTION_") || strings.HasPrefix(s, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(s, "REMOTE_") || strings.HasPrefix(s, "OBJECT_") ||
		strings.HasPrefix(s, "BUCKET_") || strings.HasPrefix(s, "STORAGE_") ||
		strings.HasPrefix(s, "ACCESS_"):
		return CategoryStorage
	case strings.HasPrefix(s, "FILE_") || strings.HasPrefix(s, "PATH_"):
		return CategoryFilesystem
	case strings.HasPrefix(s, "ALREADY_") || strings.HasPrefix(s, "INVALID_STATE"):
		return CategoryState
	case strings.HasPrefix(s, "OPERATION_") || strings.HasPrefix(s, "RETRY_") ||
		strings.HasPrefix(s, "VALIDATION_") || strings.HasPrefix(s, "TOOL_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a fresh error of this code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeNetworkError, ErrCodeRemoteOperation,
		ErrCodeOperationTimeout, ErrCodeStorageRead, ErrCodeStorageWrite:
		return true
	}
	return false
}

// IsRetryable reports whether err should be retried. Errors outside this
// package are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *DemuxError
	if As(err, &de) {
		return de.Retryable
	}
	return true
}

// CodeOf returns the code of the first DemuxError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var de *DemuxError
	if As(err, &de) {
		return de.Code
	}
	return ""
}

// CaptureStack records a short stack trace.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.HasSuffix(frame.File, "pkg/errors/errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds a context entry.
func (e *DemuxError) WithContext(key, value string) *DemuxError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail entry.
func (e *DemuxError) WithDetail(key string, value interface{}) *DemuxError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *DemuxError) WithComponent(component string) *DemuxError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *DemuxError) WithOperation(operation string) *DemuxError {
	e.Operation = operation
	return e
}

// WithRunID sets the run identifier.
func (e *DemuxError) WithRunID(runID string) *DemuxError {
	e.RunID = runID
	return e
}

// WithRequestID sets the request identifier.
func (e *DemuxError) WithRequestID(id string) *DemuxError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause.
func (e *DemuxError) WithCause(cause error) *DemuxError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retry hint.
func (e *DemuxError) WithRetryable(retryable bool) *DemuxError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace.
func (e *DemuxError) WithStack() *DemuxError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns an operator hint for the error code.
func (e *DemuxError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConnectionFailed: "Verify credentials and network connectivity to the storage endpoint.",
		ErrCodeRemoteOperation: "The remote storage call failed repeatedly. " +
			"Check the storage service status and the URIs in the run configuration.",
		ErrCodeRetryExhausted: "All attempts of a remote operation failed. " +
			"The attempt log above lists every command that was issued.",
		ErrCodeObjectNotFound: "The requested object does not exist. Check the input and sample sheet URIs.",
		ErrCodeBucketNotFound: "The bucket does not exist or is not visible with the current credentials.",
		ErrCodeAccessDenied:   "The credentials lack permission for this object or bucket.",
		ErrCodeArchivedObject: "The object is in an archival storage class. " +
			"Restore it first or rerun with force_glacier.",
		ErrCodeValidationFailed: "Rename the listed Sample_ID values to the Run<N>_<M> form and rerun.",
		ErrCodeToolFailed: "The demultiplexing tool exited with an error. " +
			"Its output is in the run log.",
		ErrCodeInvariantViolation: "A produced file names a sample that is not a run identifier. " +
			"The sample sheet and tool output disagree.",
		ErrCodeInvalidConfig: "Check the configuration file, environment and command-line flags.",
	}
	if rec, ok := recommendations[e.Code]; ok {
		return rec
	}
	return "Check the error message and the run log for details."
}

// DetailedDiagnostic returns a multi-line report of the error.
func (e *DemuxError) DetailedDiagnostic() string {
	parts := []string{
		fmt.Sprintf("Error: %s", e.Message),
		fmt.Sprintf("Code: %s", e.Code),
		fmt.Sprintf("Category: %s", e.Category),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("Run: %s", e.RunID))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for _, k := range sortedKeys(e.Context) {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, e.Context[k]))
		}
	}
	if len(e.Details) > 0 {
		parts = append(parts, "\nDetails:")
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, e.Details[k]))
		}
	}

	parts = append(parts, "\nRecommendation:", "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}
	return strings.Join(parts, "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
