package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidation         = errors.New("validation failed")
	ErrGatewayUnavailable = errors.New("scoring service unavailable")
	ErrNetwork            = errors.New("network error")
	ErrBadResponse        = errors.New("malformed response from scoring service")
)

// GatewayError is a non-2xx response from the scoring service.
type GatewayError struct {
	StatusCode int
	Detail     string
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("scoring service returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("scoring service returned %d", e.StatusCode)
}

// ErrorKind classifies failures for operators.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION"
	KindConflict           ErrorKind = "CONFLICT"
	KindServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	KindFatalServer        ErrorKind = "FATAL_SERVER_ERROR"
	KindGenericRejection   ErrorKind = "GENERIC_REJECTION"
)

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidInput) {
		return KindValidation
	}
	if errors.Is(err, ErrGatewayUnavailable) {
		return KindServiceUnavailable
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		switch {
		case gwErr.StatusCode == http.StatusServiceUnavailable:
			return KindServiceUnavailable
		case gwErr.StatusCode == http.StatusConflict:
			return KindConflict
		case gwErr.StatusCode >= 500:
			return KindFatalServer
		}
	}
	return KindGenericRejection
}
