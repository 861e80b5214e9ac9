package dispatchstore

import (
	"errors"
	"fmt"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
)

var (
	// ErrRideNotFound indicates the requested ride does not exist.
	ErrRideNotFound = errors.New("ride not found")

	// ErrRideAlreadyExists indicates a ride already exists with the provided ID.
	ErrRideAlreadyExists = errors.New("ride already exists")

	// ErrVersionConflict indicates an optimistic update lost a race: the
	// stored version moved on since the caller read the record.
	ErrVersionConflict = errors.New("ride version conflict")

	// ErrActiveRideExists indicates the rider already has a non-terminal
	// ride, enforced at insert time by the store.
	ErrActiveRideExists = errors.New("active ride already exists for subject")

	// ErrProfileNotFound indicates no profile exists for the subject.
	ErrProfileNotFound = errors.New("profile not found")
)

// IntegrityError reports a violated storage invariant, e.g. more than one
// active ride for a subject. It must be raised loudly, never papered over:
// continuing could compound the corruption.
type IntegrityError struct {
	Subject domain.SubjectID
	Count   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: subject %s has %d active rides", e.Subject, e.Count)
}
