package shared

import "errors"

var (
	// ErrNotFound indicates a referenced user, role, permission, grant or history record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a (user, role) or (user, permission) pair already exists.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput indicates a rejected window, flag combination, or inactive target.
	ErrInvalidInput = errors.New("invalid input")
	// ErrIllegalOperation indicates an operation that is never allowed, such as rolling back a rollback.
	ErrIllegalOperation = errors.New("illegal operation")
	// ErrStorage wraps failures raised by the storage layer.
	ErrStorage = errors.New("storage failure")
	// ErrCache wraps failures raised by the cache layer.
	ErrCache = errors.New("cache failure")
)

// Kind returns the taxonomy sentinel err belongs to, or nil when it is unclassified.
func Kind(err error) error {
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrInvalidInput, ErrIllegalOperation, ErrStorage, ErrCache} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}
