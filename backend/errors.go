package backend

import "errors"

var (
	// ErrUnavailable wraps transport or storage failures: the active backend
	// cannot be reached. It is surfaced on every operation attempted while
	// down and is distinct from an empty result.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrVersionConflict is returned by Update when the caller's expected
	// version lost a race. The coordination layer never retries internally;
	// callers choose to retry, merge, or abandon.
	ErrVersionConflict = errors.New("version conflict")
)

// IsUnavailable reports whether err indicates an unreachable backend.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsVersionConflict reports whether err is a lost compare-and-set race.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
