// Package contracttest holds behavioral test suites shared by every
// dispatch store implementation. A suite takes a factory so the memory and
// postgres adapters can run identical assertions.
package contracttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

type CleanupFunc = func()

type StoreFactory func(t *testing.T) (dispatchstore.Store, CleanupFunc)

func RunDispatchStore(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("ride lifecycle and versioning", func(t *testing.T) {
		testRideVersioning(t, newStore)
	})
	t.Run("active ride lookups", func(t *testing.T) {
		testActiveLookups(t, newStore)
	})
	t.Run("one active ride per rider at insert", func(t *testing.T) {
		testActiveInsertGuard(t, newStore)
	})
	t.Run("rollback on error", func(t *testing.T) {
		testRollback(t, newStore)
	})
	t.Run("call log append", func(t *testing.T) {
		testCallLog(t, newStore)
	})
	t.Run("profiles", func(t *testing.T) {
		testProfiles(t, newStore)
	})
	t.Run("recent locations", func(t *testing.T) {
		testRecentLocations(t, newStore)
	})
	t.Run("problem records", func(t *testing.T) {
		testProblemRecords(t, newStore)
	})
}

func newRide(rider domain.SubjectID, at time.Time) dispatchstore.Ride {
	return dispatchstore.Ride{
		ID:          domain.RideID(uuid.NewString()),
		RiderID:     rider,
		Pickup:      domain.Location{Name: "North Dorms", Latitude: 33.58, Longitude: -101.87},
		Dropoff:     domain.Location{Name: "Library", Latitude: 33.59, Longitude: -101.88},
		Passengers:  1,
		Status:      domain.RideStatusRequested,
		RequestedAt: at,
	}
}

func testRideVersioning(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	r := newRide("rider-1", now)

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.InsertRide(r)
	}); err != nil {
		t.Fatalf("InsertRide: %v", err)
	}

	// Duplicate id must fail.
	dup := r
	dup.RiderID = "rider-1-dup"
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.InsertRide(dup)
	}); !errors.Is(err, dispatchstore.ErrRideAlreadyExists) {
		t.Fatalf("duplicate insert: got %v, want ErrRideAlreadyExists", err)
	}

	var got dispatchstore.Ride
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		var err error
		got, err = tx.GetRide(r.ID)
		return err
	}); err != nil {
		t.Fatalf("GetRide: %v", err)
	}
	if got.Status != domain.RideStatusRequested || !got.RequestedAt.Equal(now) {
		t.Fatalf("unexpected ride: %+v", got)
	}

	// A matching version commits and bumps.
	driver := domain.SubjectID("driver-1")
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		cur, err := tx.GetRide(r.ID)
		if err != nil {
			return err
		}
		cur.Status = domain.RideStatusViewing
		cur.DriverID = &driver
		return tx.UpdateRide(cur)
	}); err != nil {
		t.Fatalf("UpdateRide: %v", err)
	}

	// A stale version must not.
	stale := got // version from before the update above
	stale.Status = domain.RideStatusCanceled
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.UpdateRide(stale)
	}); !errors.Is(err, dispatchstore.ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want ErrVersionConflict", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		cur, err := tx.GetRide(r.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.RideStatusViewing {
			t.Fatalf("stale update leaked: status %s", cur.Status)
		}
		if cur.DriverID == nil || *cur.DriverID != driver {
			t.Fatalf("driver not persisted: %+v", cur.DriverID)
		}
		if cur.Version != got.Version+1 {
			t.Fatalf("version not bumped: got %d, want %d", cur.Version, got.Version+1)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		_, err := tx.GetRide(domain.RideID(uuid.NewString()))
		return err
	}); !errors.Is(err, dispatchstore.ErrRideNotFound) {
		t.Fatalf("missing ride: got %v, want ErrRideNotFound", err)
	}
}

func testActiveLookups(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_100, 0).UTC()
	rider := domain.SubjectID("rider-active")
	driver := domain.SubjectID("driver-active")

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		if _, ok, err := tx.ActiveRideForRider(rider); err != nil || ok {
			t.Fatalf("empty store: ok=%v err=%v", ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	active := newRide(rider, now)
	done := newRide(rider, now.Add(-time.Hour))
	done.Status = domain.RideStatusCompleted
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		if err := tx.InsertRide(active); err != nil {
			return err
		}
		return tx.InsertRide(done)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A terminal ride does not count as active.
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		got, ok, err := tx.ActiveRideForRider(rider)
		if err != nil || !ok {
			t.Fatalf("ActiveRideForRider: ok=%v err=%v", ok, err)
		}
		if got.ID != active.ID {
			t.Fatalf("wrong active ride: %s", got.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	// REQUESTED is not driver-active even once a driver is recorded.
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		if _, ok, err := tx.ActiveRideForDriver(driver); err != nil || ok {
			t.Fatalf("driver should be idle: ok=%v err=%v", ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		cur, err := tx.GetRide(active.ID)
		if err != nil {
			return err
		}
		cur.Status = domain.RideStatusDrivingToPickUp
		cur.DriverID = &driver
		return tx.UpdateRide(cur)
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		got, ok, err := tx.ActiveRideForDriver(driver)
		if err != nil || !ok {
			t.Fatalf("ActiveRideForDriver: ok=%v err=%v", ok, err)
		}
		if got.ID != active.ID {
			t.Fatalf("wrong driver ride: %s", got.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	pool := []dispatchstore.Ride{
		newRide("rider-p1", now.Add(time.Minute)),
		newRide("rider-p2", now.Add(2*time.Minute)),
	}
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		for _, p := range pool {
			if err := tx.InsertRide(p); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		got, err := tx.RidesByStatus(domain.RideStatusRequested)
		if err != nil {
			return err
		}
		if len(got) != 2 {
			t.Fatalf("RidesByStatus: got %d rides, want 2", len(got))
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func testActiveInsertGuard(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_400, 0).UTC()
	first := newRide("rider-guard", now)
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.InsertRide(first)
	}); err != nil {
		t.Fatalf("InsertRide: %v", err)
	}

	// A second non-terminal ride for the same rider must be refused at
	// insert time, so a racing creator that passed the engine's duplicate
	// check still loses here.
	second := newRide("rider-guard", now.Add(time.Second))
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.InsertRide(second)
	}); !errors.Is(err, dispatchstore.ErrActiveRideExists) {
		t.Fatalf("second active insert: got %v, want ErrActiveRideExists", err)
	}

	// Terminal rides never count against the guard.
	done := newRide("rider-guard", now.Add(2*time.Second))
	done.Status = domain.RideStatusCompleted
	completedAt := now.Add(time.Minute)
	done.CompletedAt = &completedAt
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.InsertRide(done)
	}); err != nil {
		t.Fatalf("terminal insert: %v", err)
	}
}

func testRollback(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	r := newRide("rider-rollback", time.Unix(1_700_000_200, 0).UTC())
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		if err := tx.InsertRide(r); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx: got %v, want boom", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		_, err := tx.GetRide(r.ID)
		return err
	}); !errors.Is(err, dispatchstore.ErrRideNotFound) {
		t.Fatalf("rollback leaked the insert: %v", err)
	}
}

func testCallLog(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_300, 0).UTC()
	driver := domain.SubjectID("driver-call")
	r := newRide("rider-call", now)
	r.Status = domain.RideStatusDrivingToPickUp
	r.DriverID = &driver

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.InsertRide(r)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i, caller := range []domain.SubjectID{r.RiderID, driver} {
		if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
			cur, err := tx.GetRide(r.ID)
			if err != nil {
				return err
			}
			callee := driver
			if caller == driver {
				callee = r.RiderID
			}
			cur.CallLog = append(cur.CallLog, domain.CallLogEntry{
				Caller:      caller,
				Callee:      callee,
				PhoneNumber: "806-555-0100",
				CalledAt:    now.Add(time.Duration(i) * time.Minute),
			})
			return tx.UpdateRide(cur)
		}); err != nil {
			t.Fatalf("append call %d: %v", i, err)
		}
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		cur, err := tx.GetRide(r.ID)
		if err != nil {
			return err
		}
		if len(cur.CallLog) != 2 {
			t.Fatalf("call log length: got %d, want 2", len(cur.CallLog))
		}
		if cur.CallLog[0].Caller != r.RiderID || cur.CallLog[1].Caller != driver {
			t.Fatalf("call log order: %+v", cur.CallLog)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func testProfiles(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_400, 0).UTC()
	p := dispatchstore.Profile{
		Subject:     "subj-profile",
		Role:        domain.RoleStudent,
		DisplayName: "Jamie Rivera",
		PhoneNumber: "806-555-0101",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		_, err := tx.GetProfile(p.Subject)
		return err
	}); !errors.Is(err, dispatchstore.ErrProfileNotFound) {
		t.Fatalf("missing profile: got %v, want ErrProfileNotFound", err)
	}

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProfile(p)
	}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	// Upsert semantics.
	p.Onboarded = true
	p.UpdatedAt = now.Add(time.Minute)
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProfile(p)
	}); err != nil {
		t.Fatalf("PutProfile update: %v", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		got, err := tx.GetProfile(p.Subject)
		if err != nil {
			return err
		}
		if !got.Onboarded || got.DisplayName != "Jamie Rivera" || !got.UpdatedAt.Equal(p.UpdatedAt) {
			t.Fatalf("unexpected profile: %+v", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func testRecentLocations(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	subject := domain.SubjectID("subj-recent")
	locs := []domain.Location{
		{Name: "Library", Latitude: 33.59, Longitude: -101.88},
		{Name: "Rec Center", Latitude: 33.60, Longitude: -101.89},
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		got, err := tx.RecentLocations(subject)
		if err != nil {
			return err
		}
		if len(got) != 0 {
			t.Fatalf("expected no recents, got %d", len(got))
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutRecentLocations(subject, locs)
	}); err != nil {
		t.Fatalf("PutRecentLocations: %v", err)
	}

	// Replacement preserves order exactly.
	reordered := []domain.Location{locs[1], locs[0]}
	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutRecentLocations(subject, reordered)
	}); err != nil {
		t.Fatalf("PutRecentLocations replace: %v", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		got, err := tx.RecentLocations(subject)
		if err != nil {
			return err
		}
		if len(got) != 2 || got[0].Name != "Rec Center" || got[1].Name != "Library" {
			t.Fatalf("unexpected recents: %+v", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func testProblemRecords(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1_700_000_500, 0).UTC()
	subject := domain.SubjectID("subj-problem")

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		if _, ok, err := tx.ProblemRecord(subject); err != nil || ok {
			t.Fatalf("clean subject: ok=%v err=%v", ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProblemRecord(dispatchstore.ProblemRecord{
			Subject:   subject,
			Category:  dispatchstore.ProblemReported,
			Reason:    "no-show",
			CreatedAt: now,
		})
	}); err != nil {
		t.Fatalf("PutProblemRecord: %v", err)
	}

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProblemRecord(dispatchstore.ProblemRecord{
			Subject:   subject,
			Category:  dispatchstore.ProblemBlacklisted,
			Reason:    "repeated no-shows",
			CreatedAt: now.Add(time.Hour),
		})
	}); err != nil {
		t.Fatalf("PutProblemRecord upgrade: %v", err)
	}

	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		rec, ok, err := tx.ProblemRecord(subject)
		if err != nil || !ok {
			t.Fatalf("ProblemRecord: ok=%v err=%v", ok, err)
		}
		if rec.Category != dispatchstore.ProblemBlacklisted {
			t.Fatalf("category not upgraded: %s", rec.Category)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}
