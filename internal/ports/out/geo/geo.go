package geo

import (
	"context"
	"time"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
)

type TravelMode string

const (
	ModeDriving TravelMode = "DRIVING"
	ModeWalking TravelMode = "WALKING"
)

// ETAEstimator answers "how long from here to there". It feeds the wait-time
// estimate only; ride lifecycle correctness never depends on it.
type ETAEstimator interface {
	Estimate(ctx context.Context, from, to domain.Location, mode TravelMode) (time.Duration, error)
}

// Place is a named point returned by place search.
type Place struct {
	Name     string
	Location domain.Location
}

// PlaceSearcher resolves a free-text query to candidate places. It stands in
// for the third-party geocoding collaborator at its interface boundary.
type PlaceSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Place, error)
}
