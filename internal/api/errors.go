package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/pkg/ive"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusOf maps an engine error to an HTTP status and an error type.
func statusOf(err error) (int, string) {
	switch kind := errdefs.KindOf(err); {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ive.ErrInvalidParam):
		return http.StatusBadRequest, "invalid_request_error"
	case kind == errdefs.ErrShapeMismatch, kind == errdefs.ErrInvalidRegion:
		return http.StatusBadRequest, "invalid_request_error"
	case kind == errdefs.ErrUnsupportedFormat:
		return http.StatusUnprocessableEntity, "unsupported_format_error"
	case kind == errdefs.ErrCapacityExceeded:
		return http.StatusRequestEntityTooLarge, "capacity_error"
	case errors.Is(err, ive.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
