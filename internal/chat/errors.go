package chat

import (
	"errors"

	"github.com/fenggwsx/RelayChat/internal/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrForbidden    = errors.New("operation not permitted")
	ErrThrottled    = errors.New("too many requests")
	ErrInternal     = errors.New("internal error")
)

// Error kinds reported to clients.
const (
	KindInvalidInput = "invalid_input"
	KindNotFound     = "not_found"
	KindConflict     = "conflict"
	KindAuthFailure  = "auth_failure"
	KindStoreFailure = "store_failure"
	KindThrottled    = "throttled"
	KindInternal     = "internal"
)

// KindOf classifies err into one of the reported kinds.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput), errors.Is(err, storage.ErrInvalidArgument):
		return KindInvalidInput
	case errors.Is(err, ErrAuthFailure), errors.Is(err, ErrForbidden):
		return KindAuthFailure
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	case errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, storage.ErrConflict):
		return KindConflict
	case errors.Is(err, storage.ErrStoreFailure):
		return KindStoreFailure
	default:
		return KindInternal
	}
}

// publicMessage hides driver and panic details from clients.
func publicMessage(err error) string {
	switch KindOf(err) {
	case KindStoreFailure:
		return storage.ErrStoreFailure.Error()
	case KindInternal:
		return ErrInternal.Error()
	default:
		return err.Error()
	}
}
