package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/stylealign"
	"github.com/samcharles93/stylus/internal/tensor"
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

// classify maps a generation error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, diffusion.ErrLengthMismatch),
		errors.Is(err, diffusion.ErrNoImages),
		errors.Is(err, diffusion.ErrNoPrompts),
		errors.Is(err, diffusion.ErrStepBudget),
		errors.Is(err, tensor.ErrShapeMismatch):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, stylealign.ErrState):
		return http.StatusConflict, "conflict_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
