package orders

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists = errors.New("order already exists")
	ErrNotFound      = errors.New("order not found")
	// ErrValidation marks a malformed place-order command. Rejected before any
	// event is emitted.
	ErrValidation = errors.New("invalid order command")
)

// InvalidTransitionError is a contract violation: the caller asked for a status
// change the lifecycle table does not allow.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}
