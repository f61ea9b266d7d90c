package receipt

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound is returned by stores when a user id does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrItemNotFound is returned when an item does not exist or belongs to
	// another user
	ErrItemNotFound = errors.New("item not found")
)

// IdentityError means a write or read carried no usable user reference
type IdentityError struct {
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity error: %s", e.Reason)
}

// ValidationError means an item violated the line item invariants
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("item %d: %s %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure. The write is assumed not applied.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("Error storing data: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
