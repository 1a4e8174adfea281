package service

import (
	"errors"
	"fmt"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/signature"
	"github.com/zlnvch/signlink/store"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrForbidden     = errors.New("not allowed to modify this document")
	ErrFullySigned   = errors.New("document is fully signed")
	ErrAlreadySigned = errors.New("already signed")
	// ErrStoreConflict is transient; the whole operation is safe to retry.
	ErrStoreConflict = errors.New("document changed concurrently, retry")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockedOut     = errors.New("too many failed login attempts")
)

type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeFullySigned      Code = "FULLY_SIGNED"
	CodeAlreadySigned    Code = "ALREADY_SIGNED"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeStoreConflict    Code = "STORE_CONFLICT"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeLockedOut        Code = "LOCKED_OUT"
	CodeInternal         Code = "INTERNAL"
)

// ErrorCode maps an error returned by the service to its stable
// machine-readable code.
func ErrorCode(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, signature.ErrInvalid):
		return CodeInvalidSignature
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrFullySigned):
		return CodeFullySigned
	case errors.Is(err, ErrAlreadySigned):
		return CodeAlreadySigned
	case errors.Is(err, ErrStoreConflict):
		return CodeStoreConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, models.ErrInvalidDocument),
		errors.Is(err, models.ErrKindChange),
		errors.Is(err, models.ErrMissingPayload):
		return CodeInvalidInput
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrLockedOut):
		return CodeLockedOut
	default:
		return CodeInternal
	}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// storeError translates store sentinels at the service boundary.
func storeError(id string, err error) error {
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return notFound(id)
	case errors.Is(err, store.ErrConditionFailed):
		return ErrStoreConflict
	}
	return err
}
