package geo

import (
	"context"
	"strings"

	geoport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/geo"
)

// StaticPlaces answers place searches from a fixed table, matching
// case-insensitively on name substrings. It stands in for the external
// geocoding provider in development and tests.
type StaticPlaces struct {
	Places []geoport.Place
}

func (s StaticPlaces) Search(ctx context.Context, query string, limit int) ([]geoport.Place, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]geoport.Place, 0)
	if q == "" {
		return out, nil
	}
	for _, p := range s.Places {
		if strings.Contains(strings.ToLower(p.Name), q) {
			out = append(out, p)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
