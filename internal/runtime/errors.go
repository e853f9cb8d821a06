package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownModule is returned for a module id that was never defined.
	ErrUnknownModule = errors.New("unknown module")
	// ErrModuleExists is returned when a module id is defined twice.
	ErrModuleExists = errors.New("module already defined")
	// ErrUnknownInstance is returned for an instance that was never created.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInstanceExists is returned when an instance is created twice.
	ErrInstanceExists = errors.New("instance already exists")
)

// WriteError reports a write whose mutation failed. Nothing was committed.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is or wraps a *WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
