package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidState        = errors.New("invalid state")
	ErrTransient           = errors.New("transient execution failure")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrUnsupportedSymbol   = errors.New("unsupported symbol")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLockHeld            = errors.New("lock already held")
)

// Transient marks err as a recoverable execution failure unless it already
// is one.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
