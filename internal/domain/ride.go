package domain

import "time"

type RideStatus string

const (
	RideStatusRequested            RideStatus = "REQUESTED"
	RideStatusViewing              RideStatus = "VIEWING"
	RideStatusDrivingToPickUp      RideStatus = "DRIVING_TO_PICK_UP"
	RideStatusDriverAtPickUp       RideStatus = "DRIVER_AT_PICK_UP"
	RideStatusDrivingToDestination RideStatus = "DRIVING_TO_DESTINATION"
	RideStatusCompleted            RideStatus = "COMPLETED"
	RideStatusCanceled             RideStatus = "CANCELED"
)

// Terminal reports whether a ride in this status is logically destroyed:
// it can never transition again and never reappears in the pool.
func (s RideStatus) Terminal() bool {
	return s == RideStatusCompleted || s == RideStatusCanceled
}

// DriverActive reports whether a ride in this status counts against the
// one-active-assignment-per-driver invariant.
func (s RideStatus) DriverActive() bool {
	switch s {
	case RideStatusViewing, RideStatusDrivingToPickUp, RideStatusDriverAtPickUp, RideStatusDrivingToDestination:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleDriver  Role = "DRIVER"
)

type ViewDecision string

const (
	ViewDecisionAccept  ViewDecision = "ACCEPT"
	ViewDecisionDeny    ViewDecision = "DENY"
	ViewDecisionTimeout ViewDecision = "TIMEOUT"
	ViewDecisionError   ViewDecision = "ERROR"
)

// Location is a named coordinate pair as the mobile client submits it.
// Snapped marks a name derived by reverse geocoding an arbitrary coordinate;
// such names are ambiguous and never enter the recent-locations cache.
type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
	Snapped   bool
}

// CallLogEntry records one in-app phone call between the paired parties of a
// ride. The log is append-only.
type CallLogEntry struct {
	Caller      SubjectID
	Callee      SubjectID
	PhoneNumber string
	CalledAt    time.Time
}
