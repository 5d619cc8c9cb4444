package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/alexander-akhmetov/ccgateway/internal/cliproc"
	"github.com/alexander-akhmetov/ccgateway/internal/openai"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
)

// apiError is the classified form of any failure surfaced to a client. The
// message is always client-safe; the wrapped cause (paths, exec detail) is
// logged server-side only.
type apiError struct {
	status  int
	errType string
	message string
	cause   error
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.cause }

func validationError(format string, args ...any) *apiError {
	return &apiError{
		status:  http.StatusBadRequest,
		errType: "invalid_request_error",
		message: fmt.Sprintf(format, args...),
	}
}

func unknownModelError(model string) *apiError {
	return &apiError{
		status:  http.StatusNotFound,
		errType: "invalid_request_error",
		message: fmt.Sprintf("model %q is not recognized", model),
	}
}

// classify maps an internal error onto the client-facing envelope. Anything
// unrecognized becomes a generic 500; the cause stays out of the message.
func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, session.ErrCapacity):
		return &apiError{
			status:  http.StatusTooManyRequests,
			errType: "rate_limit_error",
			message: "all sessions are busy, retry later",
			cause:   err,
		}
	case errors.Is(err, cliproc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &apiError{
			status:  http.StatusRequestTimeout,
			errType: "timeout_error",
			message: "the model took too long to respond",
			cause:   err,
		}
	case errors.Is(err, cliproc.ErrCliNotFound), errors.Is(err, cliproc.ErrSpawnFailed), errors.Is(err, cliproc.ErrEnvInvalid):
		return &apiError{
			status:  http.StatusServiceUnavailable,
			errType: "service_unavailable_error",
			message: "the claude backend could not be started",
			cause:   err,
		}
	case errors.Is(err, cliproc.ErrProtocol), errors.Is(err, cliproc.ErrEndOfStream),
		errors.Is(err, cliproc.ErrWriteFailed), errors.Is(err, cliproc.ErrClosed):
		return &apiError{
			status:  http.StatusBadGateway,
			errType: "upstream_error",
			message: "the claude backend returned an invalid response",
			cause:   err,
		}
	default:
		return &apiError{
			status:  http.StatusInternalServerError,
			errType: "internal_error",
			message: "internal server error",
			cause:   err,
		}
	}
}

// envelope renders the error as the OpenAI error body.
func (e *apiError) envelope() openai.ErrorResponse {
	return openai.ErrorResponse{Error: openai.ErrorDetail{
		Message: e.message,
		Type:    e.errType,
	}}
}

// logFields carries the full cause into the server log.
func (e *apiError) logFields() logrus.Fields {
	fields := logrus.Fields{"status": e.status, "type": e.errType}
	if e.cause != nil {
		fields["cause"] = e.cause.Error()
	}
	return fields
}
