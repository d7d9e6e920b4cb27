package dispatch

import (
	"errors"
	"fmt"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

// Error taxonomy. Every error returned by the Engine wraps exactly one of
// these, so transports can classify with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("unauthorized")
	// ErrForbidden is an authenticated caller acting outside their rights
	ErrForbidden = fmt.Errorf("%w: forbidden", ErrAuth)
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrGone      = errors.New("gone")
	ErrInternal  = errors.New("internal error")
)

var taxonomy = []error{ErrValidation, ErrAuth, ErrNotFound, ErrConflict, ErrGone, ErrInternal}

// storeError converts a store failure into the taxonomy
func storeError(what string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("%w: failed to load %s: %w", ErrInternal, what, err)
}

// writeError wraps a failed write as internal
func writeError(what string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrInternal, what, err)
}

// classify guarantees err carries a taxonomy sentinel
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// Kind returns a short label for err, used as a metrics label
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGone):
		return "gone"
	default:
		return "internal"
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
