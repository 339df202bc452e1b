package s3

import (
	"context"
	"fmt"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/demuxer/pkg/errors"
)

// translateError maps SDK failures onto error codes. Codes that cannot
// succeed on a second attempt are marked non-retryable.
func translateError(err error, operation, bucket, key string) error {
	if err == nil {
		return nil
	}

	var de *errors.DemuxError
	switch {
	case errors.Is(err, context.Canceled):
		de = errors.Wrap(err, errors.ErrCodeOperationCanceled, "operation canceled")
	case errors.Is(err, context.DeadlineExceeded):
		de = errors.Wrap(err, errors.ErrCodeOperationTimeout, "operation timed out")
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		de = errors.Wrap(err, errors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: s3://%s/%s", bucket, key))
	case isErrorType[*s3types.NoSuchBucket](err):
		de = errors.Wrap(err, errors.ErrCodeBucketNotFound, fmt.Sprintf("bucket not found: %s", bucket))
	case isErrorType[*s3types.InvalidObjectState](err):
		de = errors.Wrap(err, errors.ErrCodeArchivedObject,
			fmt.Sprintf("object s3://%s/%s is archived and must be restored first", bucket, key))
	default:
		de = fromAPIError(err, bucket, key)
	}

	return de.
		WithComponent("s3").
		WithOperation(operation).
		WithContext("bucket", bucket).
		WithContext("key", key)
}

func fromAPIError(err error, bucket, key string) *errors.DemuxError {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return errors.Wrap(err, errors.ErrCodeRemoteOperation, "request failed")
	}

	var de *errors.DemuxError
	switch apiErr.ErrorCode() {
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		de = errors.Wrap(err, errors.ErrCodeAccessDenied, fmt.Sprintf("access denied to s3://%s/%s", bucket, key))
	case "InvalidObjectState":
		de = errors.Wrap(err, errors.ErrCodeArchivedObject,
			fmt.Sprintf("object s3://%s/%s is archived and must be restored first", bucket, key))
	case "NotFound", "NoSuchKey":
		de = errors.Wrap(err, errors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: s3://%s/%s", bucket, key))
	case "NoSuchBucket":
		de = errors.Wrap(err, errors.ErrCodeBucketNotFound, fmt.Sprintf("bucket not found: %s", bucket))
	default:
		de = errors.Wrap(err, errors.ErrCodeRemoteOperation, apiErr.ErrorMessage())
	}
	return de.WithDetail("aws_error_code", apiErr.ErrorCode())
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
