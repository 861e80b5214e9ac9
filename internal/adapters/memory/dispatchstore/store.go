package dispatchstore

import (
	"context"
	"sync"
	"time"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

// Store is an in-memory implementation of dispatchstore.Store.
// It is safe for concurrent use: every WithTx closure runs under one mutex,
// so closures are serialized and trivially atomic with respect to each other.
type Store struct {
	mu sync.Mutex

	rides           map[domain.RideID]dispatchstore.Ride
	profiles        map[domain.SubjectID]dispatchstore.Profile
	recentLocations map[domain.SubjectID][]domain.Location
	problems        map[domain.SubjectID]dispatchstore.ProblemRecord
}

func NewStore() *Store {
	return &Store{
		rides:           make(map[domain.RideID]dispatchstore.Ride),
		profiles:        make(map[domain.SubjectID]dispatchstore.Profile),
		recentLocations: make(map[domain.SubjectID][]domain.Location),
		problems:        make(map[domain.SubjectID]dispatchstore.ProblemRecord),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx dispatchstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage writes against copies so a failed closure commits nothing.
	tx := &handle{
		rides:           cloneRides(s.rides),
		profiles:        cloneProfiles(s.profiles),
		recentLocations: cloneRecent(s.recentLocations),
		problems:        cloneProblems(s.problems),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.rides = tx.rides
	s.profiles = tx.profiles
	s.recentLocations = tx.recentLocations
	s.problems = tx.problems
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx dispatchstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	tx := &handle{
		rides:           cloneRides(s.rides),
		profiles:        cloneProfiles(s.profiles),
		recentLocations: cloneRecent(s.recentLocations),
		problems:        cloneProblems(s.problems),
	}
	s.mu.Unlock()

	// The snapshot is private to fn; writes are discarded.
	return fn(tx)
}

// handle implements dispatchstore.Tx over staged map copies.
type handle struct {
	rides           map[domain.RideID]dispatchstore.Ride
	profiles        map[domain.SubjectID]dispatchstore.Profile
	recentLocations map[domain.SubjectID][]domain.Location
	problems        map[domain.SubjectID]dispatchstore.ProblemRecord
}

func (h *handle) InsertRide(r dispatchstore.Ride) error {
	if r.ID == "" {
		return dispatchstore.ErrRideAlreadyExists
	}
	if _, ok := h.rides[r.ID]; ok {
		return dispatchstore.ErrRideAlreadyExists
	}
	if !r.Status.Terminal() {
		for _, existing := range h.rides {
			if existing.RiderID == r.RiderID && !existing.Status.Terminal() {
				return dispatchstore.ErrActiveRideExists
			}
		}
	}
	h.rides[r.ID] = cloneRide(r)
	return nil
}

func (h *handle) GetRide(id domain.RideID) (dispatchstore.Ride, error) {
	r, ok := h.rides[id]
	if !ok {
		return dispatchstore.Ride{}, dispatchstore.ErrRideNotFound
	}
	return cloneRide(r), nil
}

func (h *handle) UpdateRide(r dispatchstore.Ride) error {
	cur, ok := h.rides[r.ID]
	if !ok {
		return dispatchstore.ErrRideNotFound
	}
	if cur.Version != r.Version {
		return dispatchstore.ErrVersionConflict
	}
	cp := cloneRide(r)
	cp.Version++
	h.rides[r.ID] = cp
	return nil
}

func (h *handle) ActiveRideForRider(rider domain.SubjectID) (dispatchstore.Ride, bool, error) {
	var out dispatchstore.Ride
	n := 0
	for _, r := range h.rides {
		if r.RiderID == rider && !r.Status.Terminal() {
			out = r
			n++
		}
	}
	if n > 1 {
		return dispatchstore.Ride{}, false, &dispatchstore.IntegrityError{Subject: rider, Count: n}
	}
	if n == 0 {
		return dispatchstore.Ride{}, false, nil
	}
	return cloneRide(out), true, nil
}

func (h *handle) ActiveRideForDriver(driver domain.SubjectID) (dispatchstore.Ride, bool, error) {
	var out dispatchstore.Ride
	n := 0
	for _, r := range h.rides {
		if r.DriverID != nil && *r.DriverID == driver && r.Status.DriverActive() {
			out = r
			n++
		}
	}
	if n > 1 {
		return dispatchstore.Ride{}, false, &dispatchstore.IntegrityError{Subject: driver, Count: n}
	}
	if n == 0 {
		return dispatchstore.Ride{}, false, nil
	}
	return cloneRide(out), true, nil
}

func (h *handle) RidesByStatus(status domain.RideStatus) ([]dispatchstore.Ride, error) {
	out := make([]dispatchstore.Ride, 0)
	for _, r := range h.rides {
		if r.Status == status {
			out = append(out, cloneRide(r))
		}
	}
	return out, nil
}

func (h *handle) GetProfile(subject domain.SubjectID) (dispatchstore.Profile, error) {
	p, ok := h.profiles[subject]
	if !ok {
		return dispatchstore.Profile{}, dispatchstore.ErrProfileNotFound
	}
	return p, nil
}

func (h *handle) PutProfile(p dispatchstore.Profile) error {
	h.profiles[p.Subject] = p
	return nil
}

func (h *handle) RecentLocations(subject domain.SubjectID) ([]domain.Location, error) {
	return append([]domain.Location(nil), h.recentLocations[subject]...), nil
}

func (h *handle) PutRecentLocations(subject domain.SubjectID, locs []domain.Location) error {
	h.recentLocations[subject] = append([]domain.Location(nil), locs...)
	return nil
}

func (h *handle) ProblemRecord(subject domain.SubjectID) (dispatchstore.ProblemRecord, bool, error) {
	rec, ok := h.problems[subject]
	return rec, ok, nil
}

func (h *handle) PutProblemRecord(rec dispatchstore.ProblemRecord) error {
	h.problems[rec.Subject] = rec
	return nil
}

func cloneRide(r dispatchstore.Ride) dispatchstore.Ride {
	cp := r
	if r.DriverID != nil {
		v := *r.DriverID
		cp.DriverID = &v
	}
	cp.PickedUpAt = cloneTimePtr(r.PickedUpAt)
	cp.CompletedAt = cloneTimePtr(r.CompletedAt)
	if r.CallLog != nil {
		cp.CallLog = append([]domain.CallLogEntry(nil), r.CallLog...)
	}
	return cp
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRides(m map[domain.RideID]dispatchstore.Ride) map[domain.RideID]dispatchstore.Ride {
	out := make(map[domain.RideID]dispatchstore.Ride, len(m))
	for k, v := range m {
		out[k] = cloneRide(v)
	}
	return out
}

func cloneProfiles(m map[domain.SubjectID]dispatchstore.Profile) map[domain.SubjectID]dispatchstore.Profile {
	out := make(map[domain.SubjectID]dispatchstore.Profile, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRecent(m map[domain.SubjectID][]domain.Location) map[domain.SubjectID][]domain.Location {
	out := make(map[domain.SubjectID][]domain.Location, len(m))
	for k, v := range m {
		out[k] = append([]domain.Location(nil), v...)
	}
	return out
}

func cloneProblems(m map[domain.SubjectID]dispatchstore.ProblemRecord) map[domain.SubjectID]dispatchstore.ProblemRecord {
	out := make(map[domain.SubjectID]dispatchstore.ProblemRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
