// Package matching selects the next candidate request for a driver from the
// waiting pool. The ranking policy is deliberately a pure function over an
// immutable snapshot: callers depending only on these signatures can swap the
// body for distance/ETA-aware scoring without changing call sites.
package matching

import (
	"errors"
	"fmt"
	"sort"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

var (
	// ErrEmptyPool indicates there is nothing to rank.
	ErrEmptyPool = errors.New("ranking: empty pool")

	// ErrMissingRequestedAt indicates a pool entry without a request
	// timestamp. That is a ranking precondition, not a best-effort input:
	// such a record signals corruption upstream.
	ErrMissingRequestedAt = errors.New("ranking: pool entry missing requestedAt")

	// ErrNotInPool indicates the subject or ride has no pooled request.
	ErrNotInPool = errors.New("ranking: not in pool")
)

// HighestRank returns the pool entry the given driver should see next.
//
// Current policy: oldest RequestedAt first; equal timestamps tie-break on
// ride id ascending so the order is deterministic regardless of snapshot
// order. The driver identity and location are accepted for future scoring
// and are ignored by the current policy.
func HighestRank(pool []dispatchstore.Ride, _ domain.SubjectID, _ domain.Location) (dispatchstore.Ride, error) {
	ordered, err := orderedPool(pool)
	if err != nil {
		return dispatchstore.Ride{}, err
	}
	return ordered[0], nil
}

// RankOf returns the zero-based pool position of the rider's request.
func RankOf(pool []dispatchstore.Ride, rider domain.SubjectID) (int, error) {
	ordered, err := orderedPool(pool)
	if err != nil {
		return 0, err
	}
	for i, r := range ordered {
		if r.RiderID == rider {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: rider %s", ErrNotInPool, rider)
}

// RankOfRequest returns the zero-based pool position of the given ride.
func RankOfRequest(pool []dispatchstore.Ride, id domain.RideID) (int, error) {
	ordered, err := orderedPool(pool)
	if err != nil {
		return 0, err
	}
	for i, r := range ordered {
		if r.ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: ride %s", ErrNotInPool, id)
}

func orderedPool(pool []dispatchstore.Ride) ([]dispatchstore.Ride, error) {
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	for _, r := range pool {
		if r.RequestedAt.IsZero() {
			return nil, fmt.Errorf("%w: ride %s", ErrMissingRequestedAt, r.ID)
		}
	}
	ordered := append([]dispatchstore.Ride(nil), pool...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
	return ordered, nil
}
