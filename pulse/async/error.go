package async

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/logger"
)

// MaxRetries is the maximum number of retry attempts for a job
const MaxRetries = 5

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNetworkError   ErrorCode = "network_error"
	ErrorCodeBusy           ErrorCode = "busy"
	ErrorCodeNotFound       ErrorCode = "not_found"
	ErrorCodeVerification   ErrorCode = "verification_failure"
	ErrorCodeMalformed      ErrorCode = "malformed_state"
	ErrorCodeNotAMember     ErrorCode = "not_a_member"
	ErrorCodeInvariant      ErrorCode = "invariant_violation"
	ErrorCodeTimeout        ErrorCode = "timeout"
	ErrorCodeMissingHandler ErrorCode = "missing_handler"
	ErrorCodeUnknown        ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Can the job be retried?
}

// ClassifyError categorizes a job error by the sentinel it carries.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}

	switch {
	case errors.IsAssertionFailure(err):
		ctx.Code = ErrorCodeInvariant
	case errors.Is(err, ErrNoHandler):
		ctx.Code = ErrorCodeMissingHandler
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
	case errors.Is(err, errors.ErrBusy):
		ctx.Code = ErrorCodeBusy
		ctx.Retryable = true
	case errors.Is(err, errors.ErrIO):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true
	case errors.Is(err, errors.ErrVerificationFailure):
		ctx.Code = ErrorCodeVerification
	case errors.Is(err, errors.ErrMalformedState):
		ctx.Code = ErrorCodeMalformed
	case errors.Is(err, errors.ErrNotAMember):
		ctx.Code = ErrorCodeNotAMember
	case errors.IsNotFoundError(err):
		ctx.Code = ErrorCodeNotFound
	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}

// Backoff returns the delay before retry number attempt (1-based): base doubled
// per attempt and capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// RetryableError re-queues job with backoff when retries remain and reports
// whether it did. When they are exhausted the job is left for the caller to fail.
func RetryableError(queue *Queue, job *Job, operation string, err error, base, max time.Duration, log *zap.SugaredLogger) (bool, error) {
	if job.RetryCount >= MaxRetries {
		log.Warnw("꩜ Max retries exceeded",
			"max_retries", MaxRetries,
			"operation", operation,
			logger.FieldError, err,
		)
		return false, nil
	}

	delay := Backoff(base, max, job.RetryCount+1)
	if updateErr := queue.RetryJob(job, delay, errors.Wrapf(err, "%s (retry %d/%d)", operation, job.RetryCount+1, MaxRetries)); updateErr != nil {
		return false, updateErr
	}
	log.Infow("꩜ Retry scheduled",
		"retry_count", job.RetryCount,
		"max_retries", MaxRetries,
		"delay", delay,
		"operation", operation,
	)
	return true, nil
}
