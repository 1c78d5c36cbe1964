package pool

import (
	"fmt"

	"github.com/pkg/errors"
)

// Registry errors
var (
	// ErrCreateManager is returned when a connection manager could not be created for an endpoint.
	ErrCreateManager = errors.New("create connection manager")
	// ErrRegistryClosed is returned when the registry has been shut down.
	ErrRegistryClosed = errors.New("registry closed")
)

// createManagerError reports a failed manager construction for a key.
// It matches ErrCreateManager and unwraps to the factory's error.
type createManagerError struct {
	key string
	err error
}

func (e *createManagerError) Error() string {
	return fmt.Sprintf("%s for %s: %v", ErrCreateManager, e.key, e.err)
}

func (e *createManagerError) Is(target error) bool {
	return target == ErrCreateManager
}

func (e *createManagerError) Unwrap() error {
	return e.err
}

// Cause implements the causer interface of github.com/pkg/errors.
func (e *createManagerError) Cause() error {
	return e.err
}
