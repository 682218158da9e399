package contract

import (
	"errors"

	"github.com/klipach/devconnect/store"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")

	ErrStoreUnavailable = store.ErrUnavailable
)

// ErrorCode maps an error onto the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNoDocument):
		return "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	}
	return "internal"
}
