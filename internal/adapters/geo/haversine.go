package geo

import (
	"context"
	"math"
	"time"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	geoport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/geo"
)

const earthRadiusKM = 6371.0

// HaversineEstimator approximates travel time as great-circle distance at a
// fixed speed per mode. It is the default stand-in for the external
// distance/ETA provider; deployments swap in a real one behind the same port.
type HaversineEstimator struct {
	// DrivingKPH and WalkingKPH default to campus-plausible speeds when zero.
	DrivingKPH float64
	WalkingKPH float64
}

func (e HaversineEstimator) Estimate(ctx context.Context, from, to domain.Location, mode geoport.TravelMode) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	speed := e.DrivingKPH
	if speed <= 0 {
		speed = 30
	}
	if mode == geoport.ModeWalking {
		speed = e.WalkingKPH
		if speed <= 0 {
			speed = 5
		}
	}
	km := haversineKM(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	return time.Duration(km / speed * float64(time.Hour)), nil
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
