package domain

import "testing"

func TestRideStatus_Terminal(t *testing.T) {
	t.Parallel()

	terminal := map[RideStatus]bool{
		RideStatusRequested:            false,
		RideStatusViewing:              false,
		RideStatusDrivingToPickUp:      false,
		RideStatusDriverAtPickUp:       false,
		RideStatusDrivingToDestination: false,
		RideStatusCompleted:            true,
		RideStatusCanceled:             true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestRideStatus_DriverActive(t *testing.T) {
	t.Parallel()

	active := map[RideStatus]bool{
		RideStatusRequested:            false,
		RideStatusViewing:              true,
		RideStatusDrivingToPickUp:      true,
		RideStatusDriverAtPickUp:       true,
		RideStatusDrivingToDestination: true,
		RideStatusCompleted:            false,
		RideStatusCanceled:             false,
	}
	for s, want := range active {
		if got := s.DriverActive(); got != want {
			t.Fatalf("%s.DriverActive() = %v, want %v", s, got, want)
		}
	}
}

func TestNormalizePlaceName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  Main   Library ": "Main Library",
		"Library":           "Library",
		"   ":               "",
		"":                  "",
		"a\tb\nc":           "a b c",
	}
	for in, want := range cases {
		if got := NormalizePlaceName(in); got != want {
			t.Fatalf("NormalizePlaceName(%q) = %q, want %q", in, got, want)
		}
	}
}
