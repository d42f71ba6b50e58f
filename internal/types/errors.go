package types

import (
	"errors"
	"fmt"
	"net/http"
)

// RoutingErrorKind is the caller-facing error taxonomy
type RoutingErrorKind string

const (
	KindSurfaceNotEnabled         RoutingErrorKind = "surface_not_enabled"
	KindDeploymentNotFound        RoutingErrorKind = "deployment_not_found"
	KindAuthenticationFailed      RoutingErrorKind = "authentication_failed"
	KindQuotaExceeded             RoutingErrorKind = "quota_exceeded"
	KindCapabilityDetectionFailed RoutingErrorKind = "capability_detection_failed"
	KindRequestRejected           RoutingErrorKind = "request_rejected"
)

// Sentinels for errors.Is comparisons against a *RoutingError
var (
	ErrSurfaceNotEnabled         = errors.New("surface not enabled")
	ErrDeploymentNotFound        = errors.New("deployment not found")
	ErrAuthenticationFailed      = errors.New("authentication failed")
	ErrQuotaExceeded             = errors.New("quota exceeded")
	ErrCapabilityDetectionFailed = errors.New("capability detection failed")
	ErrRequestRejected           = errors.New("request rejected")
)

var kindSentinels = map[RoutingErrorKind]error{
	KindSurfaceNotEnabled:         ErrSurfaceNotEnabled,
	KindDeploymentNotFound:        ErrDeploymentNotFound,
	KindAuthenticationFailed:      ErrAuthenticationFailed,
	KindQuotaExceeded:             ErrQuotaExceeded,
	KindCapabilityDetectionFailed: ErrCapabilityDetectionFailed,
	KindRequestRejected:           ErrRequestRejected,
}

// RoutingError is returned by the executor once both the chosen surface and, where
// allowed, its alternate have failed.
type RoutingError struct {
	Kind              RoutingErrorKind
	CorrelationID     string
	FallbackAttempted bool
	Surface           Surface
	StatusCode        int
	Err               error
}

func (e *RoutingError) Error() string {
	msg := fmt.Sprintf("%s on %s surface (correlation_id=%s, fallback_attempted=%t)", e.Kind, e.Surface, e.CorrelationID, e.FallbackAttempted)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *RoutingError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// HTTPStatus maps the kind to the status the relay endpoint answers with
func (e *RoutingError) HTTPStatus() int {
	switch e.Kind {
	case KindAuthenticationFailed:
		return http.StatusBadGateway
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindRequestRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// KindForErrorKind maps a classified failure onto the caller-facing taxonomy
func KindForErrorKind(kind ErrorKind, requestRejected bool) RoutingErrorKind {
	switch kind {
	case ErrorKindNotEnabled:
		return KindSurfaceNotEnabled
	case ErrorKindNotFound:
		return KindDeploymentNotFound
	case ErrorKindUnauthenticated:
		return KindAuthenticationFailed
	case ErrorKindQuotaExceeded:
		return KindQuotaExceeded
	}
	if requestRejected {
		return KindRequestRejected
	}
	return KindCapabilityDetectionFailed
}

func KindOf(err error) RoutingErrorKind {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func CorrelationIDOf(err error) string {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.CorrelationID
	}
	return ""
}

func FallbackAttemptedOf(err error) bool {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.FallbackAttempted
	}
	return false
}
