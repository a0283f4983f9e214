package filestore

import (
	"errors"
	"fmt"

	"github.com/lgreene/gravix-files/pkg/storage"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrWrite         = errors.New("storage write error")
	ErrRead          = errors.New("storage read error")
	ErrDelete        = errors.New("storage delete error")
)

// Error is the normalized failure returned by every Provider operation.
// Kind is one of the Err* kinds above; Err is the backend cause.
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("filestore: %s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("filestore: %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind, so errors.Is(err, ErrRead) holds for read failures
// while errors.Is(err, storage.ErrNotFound) still reaches the cause.
func (e *Error) Is(target error) bool { return e.Kind == target }

// IsConfiguration reports whether err is a configuration error; retrying it is pointless.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsNotFound reports whether err was caused by a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func configError(format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: "configure", Err: fmt.Errorf(format, args...)}
}
