package s3

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/michaelbrown/runbox/internal/artifact"
)

var (
	// ErrBucketRequired is returned by New without a bucket.
	ErrBucketRequired = errors.New("s3: bucket is required")

	// ErrBucketNotFound is returned when the bucket does not exist.
	ErrBucketNotFound = errors.New("s3: bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission.
	ErrAccessDenied = errors.New("s3: access denied")
)

// wrapError converts SDK errors to sentinel errors while preserving the
// original error for diagnostics.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return errors.Join(artifact.ErrNotFound, err)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return errors.Join(ErrBucketNotFound, err)
	}

	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "Forbidden":
			return errors.Join(ErrAccessDenied, err)
		case "NoSuchKey", "NotFound":
			return errors.Join(artifact.ErrNotFound, err)
		case "NoSuchBucket":
			return errors.Join(ErrBucketNotFound, err)
		}
	}
	return err
}
