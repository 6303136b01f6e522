package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies stack errors by the behaviour they require, not by type.
type ErrorKind int

const (
	// KindTransient errors are retried with exponential backoff.
	KindTransient ErrorKind = iota
	// KindPermanent errors fail the call immediately.
	KindPermanent
	// KindNcpFailure errors are routed to the supervisor for recovery.
	KindNcpFailure
	// KindTimeout errors are treated as transient.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNcpFailure:
		return "ncp_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// StackError wraps a radio error with its classified kind.
type StackError struct {
	Kind ErrorKind
	Err  error
}

func (e *StackError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StackError) Unwrap() error { return e.Err }

// NcpFailure constructs an NCP-failure error with the given status string.
func NcpFailure(status string) error {
	return &StackError{Kind: KindNcpFailure, Err: errors.New(status)}
}

// transientMarkers are stack status strings that indicate a retryable condition.
var transientMarkers = []string{
	"DELIVERY_FAILED",
	"MAC_NO_ACK",
	"MAC_CHANNEL_ACCESS_FAILURE",
	"EZSP_ERROR_NO_BUFFERS",
	"NETWORK_BUSY",
	"timeout",
}

// permanentMarkers indicate conditions that no retry will fix.
var permanentMarkers = []string{
	"NOT_FOUND",
	"INVALID_PARAMETER",
	"TABLE_FULL",
	"not found",
	"not supported",
	"validation error",
}

// Classify maps an error to its ErrorKind. Already-classified StackErrors keep
// their kind; context deadline errors count as timeouts; unknown errors default
// to transient so a flaky mesh doesn't fail calls it could have saved.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}

	var se *StackError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := err.Error()
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return KindPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) || strings.Contains(strings.ToLower(msg), "timeout") {
			return KindTransient
		}
	}
	return KindTransient
}

// IsNcpFailure reports whether the error is an NCP failure.
func IsNcpFailure(err error) bool {
	var se *StackError
	return errors.As(err, &se) && se.Kind == KindNcpFailure
}
