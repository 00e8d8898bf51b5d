package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// ErrorKind partitions invocation failures into the classes the reasoner's
// retry ladder branches on. Callers branch on kind, never on message text.
type ErrorKind string

const (
	// ErrUnsupportedOutput marks models that reject the structured-output
	// tool config; retry once without the schema.
	ErrUnsupportedOutput ErrorKind = "unsupported_structured_output"
	// ErrThrottled marks upstream throttling; counts towards the breaker.
	ErrThrottled ErrorKind = "throttled"
	// ErrTimeout marks a deadline hit, locally or model-side.
	ErrTimeout ErrorKind = "timeout"
	// ErrAccessDenied marks credential or entitlement failures.
	ErrAccessDenied ErrorKind = "access_denied"
	// ErrUnavailable marks transient service errors.
	ErrUnavailable ErrorKind = "unavailable"
	// ErrUnknown is everything else.
	ErrUnknown ErrorKind = "unknown"
)

// ClassifyError maps an Invoke error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}

	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return ErrThrottled
	}
	var modelTimeout *types.ModelTimeoutException
	if errors.As(err, &modelTimeout) {
		return ErrTimeout
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return ErrAccessDenied
	}
	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return ErrUnavailable
	}
	var notReady *types.ModelNotReadyException
	if errors.As(err, &notReady) {
		return ErrUnavailable
	}

	var validation *types.ValidationException
	if errors.As(err, &validation) {
		if mentionsToolConfig(validation.ErrorMessage()) {
			return ErrUnsupportedOutput
		}
		return ErrUnknown
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return ErrThrottled
		case "ValidationException":
			if mentionsToolConfig(apiErr.ErrorMessage()) {
				return ErrUnsupportedOutput
			}
		case "ServiceUnavailableException":
			return ErrUnavailable
		}
	}
	return ErrUnknown
}

// mentionsToolConfig recognises validation messages about tool or
// performance configuration support. This is the one place a message is
// inspected, and only to subdivide a single upstream error code.
func mentionsToolConfig(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "tool") ||
		strings.Contains(m, "toolconfig") ||
		strings.Contains(m, "performanceconfig") ||
		strings.Contains(m, "does not support")
}
