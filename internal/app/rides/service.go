// Package rides is the ride lifecycle engine. Every operation that reads and
// conditionally writes a record runs as one store transaction with
// compare-and-set semantics: read the current status, assert the expected
// value, write the new status and fields atomically. A precondition that no
// longer holds fails the operation; nothing is silently overwritten.
package rides

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	clockport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/clock"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

// recentLocationsCap bounds the per-rider recent locations list.
const recentLocationsCap = 20

type Service struct {
	store dispatchstore.Store
	clk   clockport.Clock

	newRideID func() domain.RideID
}

func NewService(store dispatchstore.Store, clk clockport.Clock) *Service {
	return &Service{
		store: store,
		clk:   clk,
		newRideID: func() domain.RideID {
			return domain.RideID(uuid.NewString())
		},
	}
}

// SetNewRideIDForTest overrides ride ID generation for deterministic tests.
// It should not be used in production code.
func (s *Service) SetNewRideIDForTest(fn func() domain.RideID) {
	if fn != nil {
		s.newRideID = fn
	}
}

// CreateRequest inserts a new REQUESTED ride for the rider. It fails with
// DUPLICATE_ACTIVE_REQUEST while the rider still has a non-terminal request.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (dispatchstore.Ride, error) {
	if in.Passengers < 1 {
		return dispatchstore.Ride{}, &Error{Code: CodeValidation, Message: "passengerCount must be >= 1"}
	}

	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		if _, exists, err := tx.ActiveRideForRider(in.Rider); err != nil {
			return err
		} else if exists {
			return &Error{Code: CodeDuplicateActiveRequest, Message: "an active ride request already exists"}
		}
		out = dispatchstore.Ride{
			ID:          s.newRideID(),
			RiderID:     in.Rider,
			Pickup:      in.Pickup,
			Dropoff:     in.Dropoff,
			Passengers:  in.Passengers,
			Status:      domain.RideStatusRequested,
			RequestedAt: s.clk.Now(),
		}
		if err := tx.InsertRide(out); err != nil {
			if errors.Is(err, dispatchstore.ErrActiveRideExists) {
				// A concurrent request won the race between our duplicate
				// check and the insert.
				return &Error{Code: CodeDuplicateActiveRequest, Message: "an active ride request already exists"}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// Pool returns a snapshot of all REQUESTED rides. The snapshot is not
// isolated from concurrent claims: a stale entry can only ever produce a
// failed claim, never a double assignment, because ClaimForViewing
// re-validates inside its own transaction.
func (s *Service) Pool(ctx context.Context) ([]dispatchstore.Ride, error) {
	var out []dispatchstore.Ride
	err := s.store.View(ctx, func(tx dispatchstore.Tx) error {
		var err error
		out, err = tx.RidesByStatus(domain.RideStatusRequested)
		return err
	})
	return out, err
}

// ClaimForViewing provisionally takes a pooled request for the driver. If
// another driver won the race the claim fails with RIDE_TAKEN; the caller
// must re-poll the pool rather than retry the same id.
func (s *Service) ClaimForViewing(ctx context.Context, id domain.RideID, driver domain.SubjectID) (dispatchstore.Ride, error) {
	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		if _, busy, err := tx.ActiveRideForDriver(driver); err != nil {
			return err
		} else if busy {
			return &Error{Code: CodeDriverBusy, Message: "driver already has an active ride"}
		}
		r, err := tx.GetRide(id)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrRideNotFound) {
				return &Error{Code: CodeRideNotFound, Message: "ride not found"}
			}
			return err
		}
		if r.Status != domain.RideStatusRequested {
			return &Error{Code: CodeRideTaken, Message: "ride was taken by another driver"}
		}
		d := driver
		r.Status = domain.RideStatusViewing
		r.DriverID = &d
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// ResolveViewDecision settles a VIEWING claim. ACCEPT moves the ride to
// DRIVING_TO_PICK_UP and assigns the deciding driver; DENY, TIMEOUT and
// ERROR return it to the pool with the driver cleared. A decision against
// any other status is stale and fails.
func (s *Service) ResolveViewDecision(ctx context.Context, id domain.RideID, driver domain.SubjectID, decision domain.ViewDecision) (dispatchstore.Ride, error) {
	switch decision {
	case domain.ViewDecisionAccept, domain.ViewDecisionDeny, domain.ViewDecisionTimeout, domain.ViewDecisionError:
	default:
		return dispatchstore.Ride{}, &Error{Code: CodeValidation, Message: "unknown view decision"}
	}

	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		r, err := tx.GetRide(id)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrRideNotFound) {
				return &Error{Code: CodeRideNotFound, Message: "ride not found"}
			}
			return err
		}
		if r.Status != domain.RideStatusViewing {
			return &Error{Code: CodeStaleDecision, Message: "ride is no longer being viewed"}
		}
		if decision == domain.ViewDecisionAccept {
			// The deciding driver takes the assignment, even if a
			// different driver claimed the ride for viewing.
			if r.DriverID == nil || *r.DriverID != driver {
				if _, busy, err := tx.ActiveRideForDriver(driver); err != nil {
					return err
				} else if busy {
					return &Error{Code: CodeDriverBusy, Message: "driver already has an active ride"}
				}
			}
			r.Status = domain.RideStatusDrivingToPickUp
			r.DriverID = &driver
		} else {
			r.Status = domain.RideStatusRequested
			r.DriverID = nil
		}
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// MarkArrivedAtPickup records the driver reaching the pickup location.
func (s *Service) MarkArrivedAtPickup(ctx context.Context, id domain.RideID, driver domain.SubjectID) (dispatchstore.Ride, error) {
	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		r, err := tx.GetRide(id)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrRideNotFound) {
				return &Error{Code: CodeRideNotFound, Message: "ride not found"}
			}
			return err
		}
		if r.Status != domain.RideStatusDrivingToPickUp || r.DriverID == nil || *r.DriverID != driver {
			return &Error{Code: CodeStaleArrival, Message: "ride is not awaiting this driver's arrival"}
		}
		r.Status = domain.RideStatusDriverAtPickUp
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// MarkPickedUp records the passenger boarding.
func (s *Service) MarkPickedUp(ctx context.Context, id domain.RideID) (dispatchstore.Ride, error) {
	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		r, err := tx.GetRide(id)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrRideNotFound) {
				return &Error{Code: CodeRideNotFound, Message: "ride not found"}
			}
			return err
		}
		if r.Status != domain.RideStatusDriverAtPickUp {
			return &Error{Code: CodeInvalidStatus, Message: "ride is not at pickup"}
		}
		now := s.clk.Now()
		r.Status = domain.RideStatusDrivingToDestination
		r.PickedUpAt = &now
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// MarkCompleted terminates the ride and, within the same transaction, pushes
// the trip's endpoints onto the rider's recent-locations cache.
func (s *Service) MarkCompleted(ctx context.Context, id domain.RideID) (dispatchstore.Ride, error) {
	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		r, err := tx.GetRide(id)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrRideNotFound) {
				return &Error{Code: CodeRideNotFound, Message: "ride not found"}
			}
			return err
		}
		if r.Status != domain.RideStatusDrivingToDestination {
			return &Error{Code: CodeInvalidStatus, Message: "ride is not underway"}
		}
		now := s.clk.Now()
		r.Status = domain.RideStatusCompleted
		r.CompletedAt = &now
		if err := tx.UpdateRide(r); err != nil {
			return err
		}

		locs, err := tx.RecentLocations(r.RiderID)
		if err != nil {
			return err
		}
		// Dropoff first, then pickup, so the pickup ends up at the front.
		// A snapped pickup name is coordinate-derived and not worth
		// caching; dropoffs are always rider-chosen.
		locs = pushRecent(locs, r.Dropoff)
		if !r.Pickup.Snapped {
			locs = pushRecent(locs, r.Pickup)
		}
		if err := tx.PutRecentLocations(r.RiderID, locs); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// Cancel ends the subject's active ride. Students cancel unconditionally to
// CANCELED. Drivers cancelling while VIEWING or DRIVING_TO_PICK_UP return
// the request to the pool; in any later status they terminate it. A subject
// with no active ride gets a no-op success, which makes disconnect cleanup
// identical to an explicit cancel.
func (s *Service) Cancel(ctx context.Context, subject domain.SubjectID, role domain.Role) (CancelResult, error) {
	var out CancelResult
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		var (
			r      dispatchstore.Ride
			exists bool
			err    error
		)
		switch role {
		case domain.RoleStudent:
			r, exists, err = tx.ActiveRideForRider(subject)
		case domain.RoleDriver:
			r, exists, err = tx.ActiveRideForDriver(subject)
		default:
			return &Error{Code: CodeValidation, Message: "unknown role"}
		}
		if err != nil {
			return err
		}
		if !exists {
			out = CancelResult{NoActive: true}
			return nil
		}

		res := CancelResult{}
		switch role {
		case domain.RoleStudent:
			res.Paired = r.DriverID
			r.Status = domain.RideStatusCanceled
		case domain.RoleDriver:
			rider := r.RiderID
			res.Paired = &rider
			if r.Status == domain.RideStatusViewing || r.Status == domain.RideStatusDrivingToPickUp {
				r.Status = domain.RideStatusRequested
				r.DriverID = nil
				res.ReturnedToPool = true
			} else {
				r.Status = domain.RideStatusCanceled
			}
		}
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		res.Ride = r
		out = res
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	return out, nil
}

// ActiveFor returns the subject's current active ride, if any. It reads a
// snapshot; callers must not treat the result as a lock.
func (s *Service) ActiveFor(ctx context.Context, subject domain.SubjectID, role domain.Role) (dispatchstore.Ride, bool, error) {
	var (
		out    dispatchstore.Ride
		exists bool
	)
	err := s.store.View(ctx, func(tx dispatchstore.Tx) error {
		var err error
		switch role {
		case domain.RoleDriver:
			out, exists, err = tx.ActiveRideForDriver(subject)
		default:
			out, exists, err = tx.ActiveRideForRider(subject)
		}
		return err
	})
	if err != nil {
		return dispatchstore.Ride{}, false, err
	}
	return out, exists, nil
}

// AddCallLog appends one in-app call record, deriving the callee as the
// ride's other party. Calls are only meaningful while driver and rider are
// coordinating a pickup.
func (s *Service) AddCallLog(ctx context.Context, id domain.RideID, caller domain.SubjectID, phoneNumber string) (dispatchstore.Ride, error) {
	var out dispatchstore.Ride
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		r, err := tx.GetRide(id)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrRideNotFound) {
				return &Error{Code: CodeRideNotFound, Message: "ride not found"}
			}
			return err
		}
		if r.Status != domain.RideStatusDrivingToPickUp && r.Status != domain.RideStatusDriverAtPickUp {
			return &Error{Code: CodeInvalidStatus, Message: "calls are only logged between accept and pickup"}
		}
		var callee domain.SubjectID
		switch {
		case caller == r.RiderID && r.DriverID != nil:
			callee = *r.DriverID
		case r.DriverID != nil && caller == *r.DriverID:
			callee = r.RiderID
		default:
			return &Error{Code: CodeValidation, Message: "caller is not a party to this ride"}
		}
		r.CallLog = append(r.CallLog, domain.CallLogEntry{
			Caller:      caller,
			Callee:      callee,
			PhoneNumber: phoneNumber,
			CalledAt:    s.clk.Now(),
		})
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return out, nil
}

// pushRecent prepends loc, deduplicating by normalized name and capping the
// list.
func pushRecent(locs []domain.Location, loc domain.Location) []domain.Location {
	name := domain.NormalizePlaceName(loc.Name)
	if name == "" {
		return locs
	}
	out := make([]domain.Location, 0, len(locs)+1)
	loc.Name = name
	out = append(out, loc)
	for _, l := range locs {
		if domain.NormalizePlaceName(l.Name) == name {
			continue
		}
		out = append(out, l)
	}
	if len(out) > recentLocationsCap {
		out = out[:recentLocationsCap]
	}
	return out
}
