package dataset

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned, before any I/O, for configurations that
	// can never produce the requested samples.
	ErrConfiguration = errors.New("invalid dataset configuration")
	// ErrCacheIO covers missing, partial or corrupt index-map files and
	// filesystem failures while persisting them. It is never retried.
	ErrCacheIO = errors.New("index map cache error")
	// ErrCoordination is returned when the processes sharing the index maps
	// did not all report ready at the barrier.
	ErrCoordination = errors.New("index map coordination failed")

	errIndex = errors.New("index out of range")
)

func configErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// cacheError is an ErrCacheIO that keeps its cause, so callers can still
// match the underlying filesystem error.
type cacheError struct {
	msg   string
	cause error
}

func (e *cacheError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCacheIO, e.msg, e.cause)
}

func (e *cacheError) Unwrap() error        { return e.cause }
func (e *cacheError) Is(target error) bool { return target == ErrCacheIO }

func cacheErrorf(cause error, format string, args ...interface{}) error {
	return &cacheError{msg: fmt.Sprintf(format, args...), cause: cause}
}
