package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Transport could not complete the exchange at all (DNS, refused, timeout).
var ErrConnection = fmt.Errorf("connection failure")

// Internal signal between cache and manager. A manager never lets this
// escape to its callers; a miss always falls through to a partial instance
// or a network fetch.
var ErrNotFoundInCache = fmt.Errorf("not found in cache")

// No manager could be located for a related resource type anywhere in the
// ancestor chain. This is a configuration error, not a runtime condition.
var ErrResolution = fmt.Errorf("relation resolution failure")

// A field is absent from a resource that has already been fully loaded.
var ErrMissingField = fmt.Errorf("missing field")

var ErrBadRequest = fmt.Errorf("bad request")
var ErrUnauthorized = fmt.Errorf("unauthorized")
var ErrPaymentRequired = fmt.Errorf("payment required")
var ErrForbidden = fmt.Errorf("forbidden")
var ErrNotFound = fmt.Errorf("not found")
var ErrMethodNotAllowed = fmt.Errorf("method not allowed")
var ErrNotAcceptable = fmt.Errorf("not acceptable")
var ErrRequestTimeout = fmt.Errorf("request timeout")
var ErrConflict = fmt.Errorf("conflict")
var ErrGone = fmt.Errorf("gone")
var ErrPreconditionFailed = fmt.Errorf("precondition failed")
var ErrUnprocessableEntity = fmt.Errorf("unprocessable entity")
var ErrTooManyRequests = fmt.Errorf("too many requests")
var ErrInternal = fmt.Errorf("internal server error")
var ErrNotImplemented = fmt.Errorf("not implemented")
var ErrBadGateway = fmt.Errorf("bad gateway")
var ErrServiceUnavailable = fmt.Errorf("service unavailable")
var ErrGatewayTimeout = fmt.Errorf("gateway timeout")

var statusTargets = map[int]error{
	http.StatusBadRequest:          ErrBadRequest,
	http.StatusUnauthorized:        ErrUnauthorized,
	http.StatusPaymentRequired:     ErrPaymentRequired,
	http.StatusForbidden:           ErrForbidden,
	http.StatusNotFound:            ErrNotFound,
	http.StatusMethodNotAllowed:    ErrMethodNotAllowed,
	http.StatusNotAcceptable:       ErrNotAcceptable,
	http.StatusRequestTimeout:      ErrRequestTimeout,
	http.StatusConflict:            ErrConflict,
	http.StatusGone:                ErrGone,
	http.StatusPreconditionFailed:  ErrPreconditionFailed,
	http.StatusUnprocessableEntity: ErrUnprocessableEntity,
	http.StatusTooManyRequests:     ErrTooManyRequests,
	http.StatusInternalServerError: ErrInternal,
	http.StatusNotImplemented:      ErrNotImplemented,
	http.StatusBadGateway:          ErrBadGateway,
	http.StatusServiceUnavailable:  ErrServiceUnavailable,
	http.StatusGatewayTimeout:      ErrGatewayTimeout,
}

// APIError is returned whenever a response carries a status code >= 400.
// errors.Is matches the sentinel for standard status codes, so callers can
// write errors.Is(err, ErrNotFound) without inspecting the code themselves.
// Unrecognized status codes still produce a valid instance.
type APIError struct {
	Code    int
	Status  string
	Message string
}

func NewAPIError(code int, message string) *APIError {
	status := http.StatusText(code)
	if status == "" {
		status = "Unknown"
	}

	return &APIError{
		Code:    code,
		Status:  status,
		Message: message,
	}
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Code, e.Status)
	}
	return fmt.Sprintf("%d %s: %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return statusTargets[e.Code] == target
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code
}

type taggedError struct {
	msg    string
	target error
	cause  error
}

func (e *taggedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
	}
	return e.msg
}

func (e *taggedError) Is(target error) bool { return target == e.target }
func (e *taggedError) Unwrap() error        { return e.cause }

func NewConnectionError(msg string, cause error) error {
	return &taggedError{msg: msg, target: ErrConnection, cause: cause}
}

func NewNotFoundInCacheError(key string) error {
	return &taggedError{msg: fmt.Sprintf("no cache entry for key %q", key), target: ErrNotFoundInCache}
}

func NewResolutionError(msg string) error {
	return &taggedError{msg: msg, target: ErrResolution}
}

func NewMissingFieldError(name string) error {
	return &taggedError{msg: fmt.Sprintf("resource has no field %q", name), target: ErrMissingField}
}
