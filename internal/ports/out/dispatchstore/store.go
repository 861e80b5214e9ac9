package dispatchstore

import (
	"context"
	"time"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
)

// Ride is the persistence shape of a ride request.
// It is not a wire DTO.
type Ride struct {
	ID      domain.RideID
	RiderID domain.SubjectID
	// DriverID is nil until a driver claims the request for viewing, and is
	// cleared again whenever the request returns to the pool.
	DriverID *domain.SubjectID

	Pickup     domain.Location
	Dropoff    domain.Location
	Passengers int

	Status domain.RideStatus

	RequestedAt time.Time
	PickedUpAt  *time.Time
	CompletedAt *time.Time

	// CallLog is append-only; entries are never rewritten or removed.
	CallLog []domain.CallLogEntry

	// Version guards optimistic updates. UpdateRide fails with
	// ErrVersionConflict unless the submitted version matches the stored one,
	// and bumps it on success.
	Version int64
}

// Profile is the persistence shape of a subject (student or driver) record.
type Profile struct {
	Subject     domain.SubjectID
	Role        domain.Role
	DisplayName string
	PhoneNumber string
	Onboarded   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ProblemCategory string

const (
	ProblemReported    ProblemCategory = "REPORTED"
	ProblemBlacklisted ProblemCategory = "BLACKLISTED"
)

// ProblemRecord flags a subject as reported or blacklisted. It is consulted
// before a profile is created; BLACKLISTED is a hard rejection.
type ProblemRecord struct {
	Subject   domain.SubjectID
	Category  ProblemCategory
	Reason    string
	CreatedAt time.Time
}

// Tx is the atomic scope handed to WithTx and View closures. Every
// read-modify-write of a ride must happen through a single Tx so that a later
// committer whose preconditions no longer hold fails instead of silently
// overwriting.
type Tx interface {
	InsertRide(r Ride) error
	GetRide(id domain.RideID) (Ride, error)
	// UpdateRide writes r if r.Version matches the stored version, bumping it;
	// otherwise it fails with ErrVersionConflict.
	UpdateRide(r Ride) error

	// ActiveRideForRider returns the rider's single non-terminal ride, if any.
	// Finding more than one is a broken invariant and yields *IntegrityError.
	ActiveRideForRider(rider domain.SubjectID) (Ride, bool, error)
	// ActiveRideForDriver returns the driver's single driver-active ride, if
	// any, with the same integrity guarantee.
	ActiveRideForDriver(driver domain.SubjectID) (Ride, bool, error)

	RidesByStatus(status domain.RideStatus) ([]Ride, error)

	GetProfile(subject domain.SubjectID) (Profile, error)
	PutProfile(p Profile) error

	RecentLocations(subject domain.SubjectID) ([]domain.Location, error)
	PutRecentLocations(subject domain.SubjectID, locs []domain.Location) error

	ProblemRecord(subject domain.SubjectID) (ProblemRecord, bool, error)
	PutProblemRecord(rec ProblemRecord) error
}

// Store provides transactional access to the dispatch collections.
type Store interface {
	// WithTx executes fn within one atomic scope: either every write in fn
	// commits, or none do.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// View executes fn against a read snapshot. Writes made through a View
	// handle are not part of the contract; callers must treat it read-only.
	// Snapshots are not isolated from concurrent WithTx commits, so a claim
	// based on a View read must re-validate inside its own WithTx.
	View(ctx context.Context, fn func(tx Tx) error) error
}
