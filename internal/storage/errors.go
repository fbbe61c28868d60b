package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrConflict       = errors.New("storage: conflict")
	ErrUnavailable    = errors.New("storage: backend unavailable")
	ErrInvalidQuery   = errors.New("storage: invalid query")
	ErrInvalidInput   = errors.New("storage: invalid input")
	ErrTenantRequired = errors.New("storage: tenant id is required")

	ErrCodeNotFound = errors.New("storage: code not found")
	ErrCodeExpired  = errors.New("storage: code expired")
	ErrCodeUsed     = errors.New("storage: code already used")
)

// Unavailable wraps a driver error so callers can match ErrUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
