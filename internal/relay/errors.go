package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrLookup is the parent of every correspondence lookup failure.
	ErrLookup = errors.New("correspondence lookup failed")
	// ErrNotFound means no entry maps the (platform, id) pair.
	ErrNotFound = fmt.Errorf("%w: not found", ErrLookup)
	// ErrTombstoned means the entry exists but was recalled.
	ErrTombstoned = fmt.Errorf("%w: recalled", ErrLookup)
	// ErrDuplicateAdapter is returned by Register for a name already taken.
	ErrDuplicateAdapter = errors.New("adapter already registered")
)
