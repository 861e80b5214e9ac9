package rides

import (
	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

type CreateRequestInput struct {
	Rider      domain.SubjectID
	Pickup     domain.Location
	Dropoff    domain.Location
	Passengers int
}

// CancelResult reports what a cancel actually did, so the wire layer knows
// whom to notify and how.
type CancelResult struct {
	// NoActive is true when the subject had no active request: cancel is a
	// no-op success by contract, including the disconnect-cleanup path.
	NoActive bool

	// Ride is the post-cancel record when NoActive is false.
	Ride dispatchstore.Ride

	// ReturnedToPool is true for a driver cancel that put the request back to
	// REQUESTED instead of terminating it.
	ReturnedToPool bool

	// Paired is the other party of the ride, when there was one: the driver
	// for a student cancel, the rider for a driver cancel.
	Paired *domain.SubjectID
}
