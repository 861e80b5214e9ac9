package wsapi

import (
	"time"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
	geoport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/geo"
)

// Directive is the discriminant tag identifying an inbound message's
// intended operation.
type Directive string

const (
	DirectiveConnect          Directive = "CONNECT"
	DirectiveRequestRide      Directive = "REQUEST_RIDE"
	DirectiveViewRide         Directive = "VIEW_RIDE"
	DirectiveViewDecision     Directive = "VIEW_DECISION"
	DirectiveDriverArrived    Directive = "DRIVER_ARRIVED_AT_PICKUP"
	DirectiveMarkPickedUp     Directive = "MARK_PICKED_UP"
	DirectiveComplete         Directive = "COMPLETE"
	DirectiveCancel           Directive = "CANCEL"
	DirectiveRidesExist       Directive = "RIDES_EXIST"
	DirectiveWaitTime         Directive = "WAIT_TIME"
	DirectiveCallLog          Directive = "CALL_LOG"
	DirectiveLocation         Directive = "LOCATION"
	DirectiveChat             Directive = "CHAT"
	DirectiveFinishOnboarding Directive = "FINISH_ONBOARDING"
	DirectiveRecentLocations  Directive = "RECENT_LOCATIONS"
	DirectiveReport           Directive = "REPORT"
	DirectivePlaceSearch      Directive = "PLACE_SEARCH"
)

// errorType is the discriminant of the generic failure envelope.
const errorType = "ERROR"

// Envelope is the outbound wire shape. Type mirrors the inbound directive on
// success, or is ERROR with Category carrying the originating directive.
// Unused fields are omitted from the serialized form.
type Envelope struct {
	Type string `json:"type"`

	Category string `json:"category,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`

	Ride       *wireRide `json:"ride,omitempty"`
	RideExists *bool     `json:"rideExists,omitempty"`
	Decision   string    `json:"decision,omitempty"`

	Profile         *wireProfile   `json:"profile,omitempty"`
	Reported        bool           `json:"reported,omitempty"`
	RecentLocations []wireLocation `json:"recentLocations,omitempty"`

	Rank        *int   `json:"rank,omitempty"`
	WaitSeconds *int64 `json:"waitSeconds,omitempty"`

	Places []wirePlace `json:"places,omitempty"`

	// Relay fields: From identifies the originating subject of LOCATION and
	// CHAT envelopes forwarded to the paired party.
	From     string        `json:"from,omitempty"`
	Location *wireLocation `json:"location,omitempty"`
	Text     string        `json:"text,omitempty"`
}

func errorEnvelope(category Directive, code, message string) Envelope {
	return Envelope{Type: errorType, Category: string(category), Code: code, Message: message}
}

type wireLocation struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Snapped   bool    `json:"snapped,omitempty"`
}

func (w wireLocation) toDomain() domain.Location {
	return domain.Location{
		Name:      w.Name,
		Latitude:  w.Latitude,
		Longitude: w.Longitude,
		Snapped:   w.Snapped,
	}
}

func wireLocationFromDomain(l domain.Location) wireLocation {
	return wireLocation{
		Name:      l.Name,
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Snapped:   l.Snapped,
	}
}

func wireLocationsFromDomain(ls []domain.Location) []wireLocation {
	out := make([]wireLocation, 0, len(ls))
	for _, l := range ls {
		out = append(out, wireLocationFromDomain(l))
	}
	return out
}

type wireRide struct {
	ID          string       `json:"rideId"`
	RiderID     string       `json:"riderId"`
	DriverID    string       `json:"driverId,omitempty"`
	Pickup      wireLocation `json:"pickup"`
	Dropoff     wireLocation `json:"dropoff"`
	Passengers  int          `json:"passengerCount"`
	Status      string       `json:"status"`
	RequestedAt time.Time    `json:"requestedAt"`
	PickedUpAt  *time.Time   `json:"pickedUpAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

func wireRideFromStore(r dispatchstore.Ride) *wireRide {
	out := &wireRide{
		ID:          string(r.ID),
		RiderID:     string(r.RiderID),
		Pickup:      wireLocationFromDomain(r.Pickup),
		Dropoff:     wireLocationFromDomain(r.Dropoff),
		Passengers:  r.Passengers,
		Status:      string(r.Status),
		RequestedAt: r.RequestedAt,
		PickedUpAt:  r.PickedUpAt,
		CompletedAt: r.CompletedAt,
	}
	if r.DriverID != nil {
		out.DriverID = string(*r.DriverID)
	}
	return out
}

type wireProfile struct {
	Subject     string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Onboarded   bool   `json:"onboarded"`
}

func wireProfileFromStore(p dispatchstore.Profile) *wireProfile {
	return &wireProfile{
		Subject:     string(p.Subject),
		Role:        string(p.Role),
		DisplayName: p.DisplayName,
		PhoneNumber: p.PhoneNumber,
		Onboarded:   p.Onboarded,
	}
}

type wirePlace struct {
	Name     string       `json:"name"`
	Location wireLocation `json:"location"`
}

func wirePlacesFromPort(ps []geoport.Place) []wirePlace {
	out := make([]wirePlace, 0, len(ps))
	for _, p := range ps {
		out = append(out, wirePlace{Name: p.Name, Location: wireLocationFromDomain(p.Location)})
	}
	return out
}

// Inbound payloads, one per directive. All share the envelope's flat JSON
// object, so each is decoded from the same raw bytes as the type tag.

type typeHeader struct {
	Type string `json:"type"`
}

type connectPayload struct {
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	PhoneNumber string `json:"phoneNumber"`
}

type requestRidePayload struct {
	From           *wireLocation `json:"from"`
	To             *wireLocation `json:"to"`
	PassengerCount int           `json:"passengerCount"`
}

type viewRidePayload struct {
	Location *wireLocation `json:"location"`
}

type viewDecisionPayload struct {
	RideID   string `json:"rideId"`
	Decision string `json:"decision"`
}

type rideIDPayload struct {
	RideID string `json:"rideId"`
}

type waitTimePayload struct {
	From *wireLocation `json:"from"`
	To   *wireLocation `json:"to"`
	Mode string        `json:"mode"`
}

type callLogPayload struct {
	RideID      string `json:"rideId"`
	PhoneNumber string `json:"phoneNumber"`
}

type relayPayload struct {
	Location *wireLocation `json:"location"`
	Text     string        `json:"text"`
}

type finishOnboardingPayload struct {
	DisplayName string `json:"displayName"`
	PhoneNumber string `json:"phoneNumber"`
}

type reportPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type placeSearchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}
