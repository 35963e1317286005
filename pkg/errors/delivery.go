package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DeliveryCode classifies failures of downstream sinks (database writes,
// event publishing, data-channel sends).
type DeliveryCode string

const (
	CodeTimeout      DeliveryCode = "timeout"
	CodeCancelled    DeliveryCode = "cancelled"
	CodeUnavailable  DeliveryCode = "unavailable"
	CodeEncoding     DeliveryCode = "encoding"
	CodeRejected     DeliveryCode = "rejected"
	CodeDeliveryFail DeliveryCode = "delivery_failed"
)

// retryable codes are transient; the same payload may succeed later.
var retryable = map[DeliveryCode]bool{
	CodeTimeout:     true,
	CodeUnavailable: true,
}

// DeliveryError is a classified sink failure.
type DeliveryError struct {
	Code  DeliveryCode
	Sink  string
	Cause error
}

func (e *DeliveryError) Error() string {
	if e.Sink != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Sink, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient.
func (e *DeliveryError) Retryable() bool {
	return retryable[e.Code]
}

// Classify wraps err as a *DeliveryError for the named sink.
// It returns nil for a nil error and passes an existing DeliveryError through.
func Classify(err error, sink string) *DeliveryError {
	if err == nil {
		return nil
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}

	de = &DeliveryError{Code: CodeDeliveryFail, Sink: sink, Cause: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		de.Code = CodeTimeout
	case errors.Is(err, context.Canceled):
		de.Code = CodeCancelled
	case errors.As(err, &netErr) && netErr.Timeout():
		de.Code = CodeTimeout
	case IsValidation(err), IsEmptyContent(err):
		de.Code = CodeRejected
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "connection refused"),
			strings.Contains(msg, "connection reset"),
			strings.Contains(msg, "broken pipe"),
			strings.Contains(msg, "no such host"),
			strings.Contains(msg, "closed pool"),
			strings.Contains(msg, "client is closed"):
			de.Code = CodeUnavailable
		case strings.Contains(msg, "marshal"), strings.Contains(msg, "invalid byte sequence"):
			de.Code = CodeEncoding
		}
	}

	return de
}

// IsRetryable reports whether err is a transient delivery failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, "").Retryable()
}
