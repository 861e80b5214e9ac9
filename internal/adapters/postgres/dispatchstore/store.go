package dispatchstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/campus-loop/ride-dispatch-api/internal/adapters/postgres"
	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

// Store is a Postgres implementation of dispatchstore.Store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx dispatchstore.Tx) error) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&handle{ctx: ctx, q: tx, locking: true})
	})
}

func (s *Store) View(ctx context.Context, fn func(tx dispatchstore.Tx) error) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	return fn(&handle{ctx: ctx, q: s.pool, locking: false})
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type handle struct {
	ctx context.Context
	q   querier
	// locking selects FOR UPDATE on single-ride reads so transactional
	// read-modify-write cycles serialize on the row.
	locking bool
}

const rideColumns = `
	id, rider_id, driver_id,
	pickup_name, pickup_lat, pickup_lng, pickup_snapped,
	dropoff_name, dropoff_lat, dropoff_lng, dropoff_snapped,
	passengers, status, requested_at, picked_up_at, completed_at, version`

func (h *handle) InsertRide(r dispatchstore.Ride) error {
	rideUUID, err := uuid.Parse(string(r.ID))
	if err != nil {
		return fmt.Errorf("invalid ride id: %w", err)
	}
	_, err = h.q.Exec(h.ctx, `
		INSERT INTO rides (
			id, rider_id, driver_id,
			pickup_name, pickup_lat, pickup_lng, pickup_snapped,
			dropoff_name, dropoff_lat, dropoff_lng, dropoff_snapped,
			passengers, status, requested_at, picked_up_at, completed_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		rideUUID,
		string(r.RiderID),
		driverIDForDB(r.DriverID),
		r.Pickup.Name, r.Pickup.Latitude, r.Pickup.Longitude, r.Pickup.Snapped,
		r.Dropoff.Name, r.Dropoff.Latitude, r.Dropoff.Longitude, r.Dropoff.Snapped,
		r.Passengers,
		string(r.Status),
		r.RequestedAt.UTC(),
		timePtrUTC(r.PickedUpAt),
		timePtrUTC(r.CompletedAt),
		r.Version,
	)
	if err != nil {
		if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.UniqueViolationCode {
			if pe.ConstraintName == "rides_pkey" {
				return dispatchstore.ErrRideAlreadyExists
			}
			// Partial unique index tripped: the rider or driver already
			// has an active ride. The race loser must see the same error
			// the engine's own duplicate check would have produced.
			return dispatchstore.ErrActiveRideExists
		}
		return err
	}
	return h.appendCallLog(rideUUID, 0, r.CallLog)
}

func (h *handle) GetRide(id domain.RideID) (dispatchstore.Ride, error) {
	rideUUID, err := uuid.Parse(string(id))
	if err != nil {
		return dispatchstore.Ride{}, dispatchstore.ErrRideNotFound
	}
	sql := `SELECT ` + rideColumns + ` FROM rides WHERE id = $1`
	if h.locking {
		sql += ` FOR UPDATE`
	}
	r, err := scanRide(h.q.QueryRow(h.ctx, sql, rideUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatchstore.Ride{}, dispatchstore.ErrRideNotFound
		}
		return dispatchstore.Ride{}, err
	}
	r.CallLog, err = h.loadCallLog(rideUUID)
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return r, nil
}

func (h *handle) UpdateRide(r dispatchstore.Ride) error {
	rideUUID, err := uuid.Parse(string(r.ID))
	if err != nil {
		return dispatchstore.ErrRideNotFound
	}

	var logged int
	if err := h.q.QueryRow(h.ctx, `
		SELECT count(*) FROM ride_call_logs WHERE ride_id = $1
	`, rideUUID).Scan(&logged); err != nil {
		return err
	}

	tag, err := h.q.Exec(h.ctx, `
		UPDATE rides
		SET driver_id = $2,
		    status = $3,
		    picked_up_at = $4,
		    completed_at = $5,
		    version = version + 1
		WHERE id = $1 AND version = $6
	`,
		rideUUID,
		driverIDForDB(r.DriverID),
		string(r.Status),
		timePtrUTC(r.PickedUpAt),
		timePtrUTC(r.CompletedAt),
		r.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := h.q.QueryRow(h.ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, rideUUID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return dispatchstore.ErrRideNotFound
		}
		return dispatchstore.ErrVersionConflict
	}

	// The call log is append-only: persist only entries past what is stored.
	if len(r.CallLog) > logged {
		return h.appendCallLog(rideUUID, logged, r.CallLog[logged:])
	}
	return nil
}

func (h *handle) ActiveRideForRider(rider domain.SubjectID) (dispatchstore.Ride, bool, error) {
	sql := `SELECT ` + rideColumns + `
		FROM rides
		WHERE rider_id = $1 AND status NOT IN ('COMPLETED', 'CANCELED')`
	if h.locking {
		sql += ` FOR UPDATE`
	}
	return h.singleActive(sql, string(rider), rider)
}

func (h *handle) ActiveRideForDriver(driver domain.SubjectID) (dispatchstore.Ride, bool, error) {
	sql := `SELECT ` + rideColumns + `
		FROM rides
		WHERE driver_id = $1
		  AND status IN ('VIEWING', 'DRIVING_TO_PICK_UP', 'DRIVER_AT_PICK_UP', 'DRIVING_TO_DESTINATION')`
	if h.locking {
		sql += ` FOR UPDATE`
	}
	return h.singleActive(sql, string(driver), driver)
}

func (h *handle) singleActive(sql, arg string, subject domain.SubjectID) (dispatchstore.Ride, bool, error) {
	rows, err := h.q.Query(h.ctx, sql, arg)
	if err != nil {
		return dispatchstore.Ride{}, false, err
	}
	defer rows.Close()

	matches := make([]dispatchstore.Ride, 0, 1)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return dispatchstore.Ride{}, false, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return dispatchstore.Ride{}, false, err
	}
	switch len(matches) {
	case 0:
		return dispatchstore.Ride{}, false, nil
	case 1:
		r := matches[0]
		rideUUID, _ := uuid.Parse(string(r.ID))
		r.CallLog, err = h.loadCallLog(rideUUID)
		if err != nil {
			return dispatchstore.Ride{}, false, err
		}
		return r, true, nil
	default:
		return dispatchstore.Ride{}, false, &dispatchstore.IntegrityError{Subject: subject, Count: len(matches)}
	}
}

func (h *handle) RidesByStatus(status domain.RideStatus) ([]dispatchstore.Ride, error) {
	rows, err := h.q.Query(h.ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE status = $1
		ORDER BY requested_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]dispatchstore.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (h *handle) GetProfile(subject domain.SubjectID) (dispatchstore.Profile, error) {
	var (
		p         dispatchstore.Profile
		sub, role string
	)
	err := h.q.QueryRow(h.ctx, `
		SELECT subject, role, display_name, phone_number, onboarded, created_at, updated_at
		FROM profiles
		WHERE subject = $1
	`, string(subject)).Scan(&sub, &role, &p.DisplayName, &p.PhoneNumber, &p.Onboarded, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatchstore.Profile{}, dispatchstore.ErrProfileNotFound
		}
		return dispatchstore.Profile{}, err
	}
	p.Subject = domain.SubjectID(sub)
	p.Role = domain.Role(role)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (h *handle) PutProfile(p dispatchstore.Profile) error {
	_, err := h.q.Exec(h.ctx, `
		INSERT INTO profiles (subject, role, display_name, phone_number, onboarded, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (subject) DO UPDATE SET
			role = EXCLUDED.role,
			display_name = EXCLUDED.display_name,
			phone_number = EXCLUDED.phone_number,
			onboarded = EXCLUDED.onboarded,
			updated_at = EXCLUDED.updated_at
	`, string(p.Subject), string(p.Role), p.DisplayName, p.PhoneNumber, p.Onboarded, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return err
}

func (h *handle) RecentLocations(subject domain.SubjectID) ([]domain.Location, error) {
	rows, err := h.q.Query(h.ctx, `
		SELECT name, lat, lng, snapped
		FROM recent_locations
		WHERE subject = $1
		ORDER BY position ASC
	`, string(subject))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Location, 0)
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.Name, &l.Latitude, &l.Longitude, &l.Snapped); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (h *handle) PutRecentLocations(subject domain.SubjectID, locs []domain.Location) error {
	if _, err := h.q.Exec(h.ctx, `DELETE FROM recent_locations WHERE subject = $1`, string(subject)); err != nil {
		return err
	}
	for i, l := range locs {
		_, err := h.q.Exec(h.ctx, `
			INSERT INTO recent_locations (subject, position, name, lat, lng, snapped)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, string(subject), i, l.Name, l.Latitude, l.Longitude, l.Snapped)
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *handle) ProblemRecord(subject domain.SubjectID) (dispatchstore.ProblemRecord, bool, error) {
	var (
		rec           dispatchstore.ProblemRecord
		sub, category string
	)
	err := h.q.QueryRow(h.ctx, `
		SELECT subject, category, reason, created_at
		FROM problem_records
		WHERE subject = $1
	`, string(subject)).Scan(&sub, &category, &rec.Reason, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatchstore.ProblemRecord{}, false, nil
		}
		return dispatchstore.ProblemRecord{}, false, err
	}
	rec.Subject = domain.SubjectID(sub)
	rec.Category = dispatchstore.ProblemCategory(category)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

func (h *handle) PutProblemRecord(rec dispatchstore.ProblemRecord) error {
	_, err := h.q.Exec(h.ctx, `
		INSERT INTO problem_records (subject, category, reason, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (subject) DO UPDATE SET
			category = EXCLUDED.category,
			reason = EXCLUDED.reason,
			created_at = EXCLUDED.created_at
	`, string(rec.Subject), string(rec.Category), rec.Reason, rec.CreatedAt.UTC())
	return err
}

func (h *handle) appendCallLog(rideUUID uuid.UUID, startSeq int, entries []domain.CallLogEntry) error {
	for i, e := range entries {
		_, err := h.q.Exec(h.ctx, `
			INSERT INTO ride_call_logs (ride_id, seq, caller, callee, phone_number, called_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, rideUUID, startSeq+i, string(e.Caller), string(e.Callee), e.PhoneNumber, e.CalledAt.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *handle) loadCallLog(rideUUID uuid.UUID) ([]domain.CallLogEntry, error) {
	rows, err := h.q.Query(h.ctx, `
		SELECT caller, callee, phone_number, called_at
		FROM ride_call_logs
		WHERE ride_id = $1
		ORDER BY seq ASC
	`, rideUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CallLogEntry
	for rows.Next() {
		var (
			e              domain.CallLogEntry
			caller, callee string
		)
		if err := rows.Scan(&caller, &callee, &e.PhoneNumber, &e.CalledAt); err != nil {
			return nil, err
		}
		e.Caller = domain.SubjectID(caller)
		e.Callee = domain.SubjectID(callee)
		e.CalledAt = e.CalledAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (dispatchstore.Ride, error) {
	var (
		r           dispatchstore.Ride
		rideUUID    uuid.UUID
		rider       string
		driver      *string
		status      string
		requestedAt time.Time
		pickedUpAt  *time.Time
		completedAt *time.Time
	)
	err := row.Scan(
		&rideUUID,
		&rider,
		&driver,
		&r.Pickup.Name, &r.Pickup.Latitude, &r.Pickup.Longitude, &r.Pickup.Snapped,
		&r.Dropoff.Name, &r.Dropoff.Latitude, &r.Dropoff.Longitude, &r.Dropoff.Snapped,
		&r.Passengers,
		&status,
		&requestedAt,
		&pickedUpAt,
		&completedAt,
		&r.Version,
	)
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	r.ID = domain.RideID(rideUUID.String())
	r.RiderID = domain.SubjectID(rider)
	if driver != nil {
		d := domain.SubjectID(*driver)
		r.DriverID = &d
	}
	r.Status = domain.RideStatus(status)
	r.RequestedAt = requestedAt.UTC()
	r.PickedUpAt = timePtrUTC(pickedUpAt)
	r.CompletedAt = timePtrUTC(completedAt)
	return r, nil
}

func driverIDForDB(d *domain.SubjectID) *string {
	if d == nil {
		return nil
	}
	v := string(*d)
	return &v
}

func timePtrUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
