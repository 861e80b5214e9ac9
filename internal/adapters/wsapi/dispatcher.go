package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/campus-loop/ride-dispatch-api/internal/app/matching"
	"github.com/campus-loop/ride-dispatch-api/internal/app/rides"
	"github.com/campus-loop/ride-dispatch-api/internal/app/users"
	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
	geoport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/geo"
)

// placeSearchDefaultLimit caps place search results when the client sends no
// limit of its own.
const placeSearchDefaultLimit = 8

// Dispatcher parses inbound envelopes, invokes the lifecycle and ranking
// operations, and resolves which connections receive the resulting
// responses. One envelope in produces one envelope back to the sender and,
// for operations with a paired party, a second envelope to that party when
// it is currently connected.
type Dispatcher struct {
	rides    *rides.Service
	users    *users.Service
	registry *Registry
	sender   Sender
	eta      geoport.ETAEstimator
	places   geoport.PlaceSearcher
	log      *slog.Logger
}

func NewDispatcher(
	ridesSvc *rides.Service,
	usersSvc *users.Service,
	registry *Registry,
	sender Sender,
	eta geoport.ETAEstimator,
	places geoport.PlaceSearcher,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		rides:    ridesSvc,
		users:    usersSvc,
		registry: registry,
		sender:   sender,
		eta:      eta,
		places:   places,
		log:      log,
	}
}

// HandleMessage processes one inbound frame from connID. Frames from one
// connection are handled in arrival order; ordering across connections is
// not defined.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID string, raw []byte) {
	var head typeHeader
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		d.sender.Send(connID, errorEnvelope("", "MALFORMED_ENVELOPE", "message is not a valid envelope"))
		return
	}

	dir := Directive(head.Type)
	switch dir {
	case DirectiveConnect:
		d.handleConnect(ctx, connID, raw)
	case DirectiveRequestRide:
		d.handleRequestRide(ctx, connID, raw)
	case DirectiveViewRide:
		d.handleViewRide(ctx, connID, raw)
	case DirectiveViewDecision:
		d.handleViewDecision(ctx, connID, raw)
	case DirectiveDriverArrived:
		d.handleDriverArrived(ctx, connID, raw)
	case DirectiveMarkPickedUp:
		d.handleMarkPickedUp(ctx, connID, raw)
	case DirectiveComplete:
		d.handleComplete(ctx, connID, raw)
	case DirectiveCancel:
		d.handleCancel(ctx, connID)
	case DirectiveRidesExist:
		d.handleRidesExist(ctx, connID)
	case DirectiveWaitTime:
		d.handleWaitTime(ctx, connID, raw)
	case DirectiveCallLog:
		d.handleCallLog(ctx, connID, raw)
	case DirectiveLocation, DirectiveChat:
		d.handleRelay(ctx, connID, dir, raw)
	case DirectiveFinishOnboarding:
		d.handleFinishOnboarding(ctx, connID, raw)
	case DirectiveRecentLocations:
		d.handleRecentLocations(ctx, connID)
	case DirectiveReport:
		d.handleReport(ctx, connID, raw)
	case DirectivePlaceSearch:
		d.handlePlaceSearch(ctx, connID, raw)
	default:
		d.sender.Send(connID, errorEnvelope(dir, "UNKNOWN_DIRECTIVE", "unknown directive"))
	}
}

// HandleDisconnect runs the teardown path for a closing connection. A bound
// session gets the normal cancel treatment, so an abrupt disconnect cleans
// up active requests identically to an explicit CANCEL.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, connID string) {
	sess, ok := d.registry.Session(connID)
	if ok && sess.Bound() {
		res, err := d.rides.Cancel(ctx, sess.Subject, sess.Role)
		if err != nil {
			d.logOperationError(DirectiveCancel, err)
		} else if !res.NoActive {
			d.log.Info("disconnect canceled active ride",
				"subject", sess.Subject, "ride", res.Ride.ID, "returnedToPool", res.ReturnedToPool)
			d.notifyPaired(res.Paired, Envelope{Type: string(DirectiveCancel), Ride: wireRideFromStore(res.Ride)})
		}
	}
	d.registry.Remove(connID)
}

func (d *Dispatcher) handleConnect(ctx context.Context, connID string, raw []byte) {
	var p connectPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" || p.Role == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveConnect, "VALIDATION_ERROR", "userId and role are required"))
		return
	}

	res, err := d.users.Connect(ctx, domain.SubjectID(p.UserID), domain.Role(p.Role), p.DisplayName, p.PhoneNumber)
	if err != nil {
		d.fail(connID, DirectiveConnect, err)
		return
	}
	if res.Reported {
		d.log.Warn("reported subject connected", "subject", p.UserID)
	}
	d.registry.Bind(connID, domain.SubjectID(p.UserID), domain.Role(p.Role))
	d.sender.Send(connID, Envelope{
		Type:            string(DirectiveConnect),
		Profile:         wireProfileFromStore(res.Profile),
		Reported:        res.Reported,
		RecentLocations: wireLocationsFromDomain(res.RecentLocations),
	})
}

func (d *Dispatcher) handleRequestRide(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.boundAs(connID, DirectiveRequestRide, domain.RoleStudent)
	if !ok {
		return
	}
	var p requestRidePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.From == nil || p.To == nil {
		d.sender.Send(connID, errorEnvelope(DirectiveRequestRide, "VALIDATION_ERROR", "from and to locations are required"))
		return
	}

	r, err := d.rides.CreateRequest(ctx, rides.CreateRequestInput{
		Rider:      sess.Subject,
		Pickup:     p.From.toDomain(),
		Dropoff:    p.To.toDomain(),
		Passengers: p.PassengerCount,
	})
	if err != nil {
		d.fail(connID, DirectiveRequestRide, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectiveRequestRide), Ride: wireRideFromStore(r)})
}

func (d *Dispatcher) handleViewRide(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.boundAs(connID, DirectiveViewRide, domain.RoleDriver)
	if !ok {
		return
	}
	var p viewRidePayload
	_ = json.Unmarshal(raw, &p) // driver location is optional

	pool, err := d.rides.Pool(ctx)
	if err != nil {
		d.fail(connID, DirectiveViewRide, err)
		return
	}
	if len(pool) == 0 {
		exists := false
		d.sender.Send(connID, Envelope{Type: string(DirectiveViewRide), RideExists: &exists})
		return
	}

	var driverLoc domain.Location
	if p.Location != nil {
		driverLoc = p.Location.toDomain()
	}
	pick, err := matching.HighestRank(pool, sess.Subject, driverLoc)
	if err != nil {
		d.fail(connID, DirectiveViewRide, err)
		return
	}

	// The pool read above is a stale snapshot by now; the claim re-validates
	// the REQUESTED precondition in its own transaction. Losing that race is
	// RIDE_TAKEN, and the client re-polls rather than us retrying here.
	claimed, err := d.rides.ClaimForViewing(ctx, pick.ID, sess.Subject)
	if err != nil {
		d.fail(connID, DirectiveViewRide, err)
		return
	}
	exists := true
	d.sender.Send(connID, Envelope{Type: string(DirectiveViewRide), RideExists: &exists, Ride: wireRideFromStore(claimed)})
}

func (d *Dispatcher) handleViewDecision(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.boundAs(connID, DirectiveViewDecision, domain.RoleDriver)
	if !ok {
		return
	}
	var p viewDecisionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" || p.Decision == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveViewDecision, "VALIDATION_ERROR", "rideId and decision are required"))
		return
	}

	r, err := d.rides.ResolveViewDecision(ctx, domain.RideID(p.RideID), sess.Subject, domain.ViewDecision(p.Decision))
	if err != nil {
		d.fail(connID, DirectiveViewDecision, err)
		return
	}
	env := Envelope{Type: string(DirectiveViewDecision), Decision: p.Decision, Ride: wireRideFromStore(r)}
	d.sender.Send(connID, env)
	if domain.ViewDecision(p.Decision) == domain.ViewDecisionAccept {
		rider := r.RiderID
		d.notifyPaired(&rider, env)
	}
}

func (d *Dispatcher) handleDriverArrived(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.boundAs(connID, DirectiveDriverArrived, domain.RoleDriver)
	if !ok {
		return
	}
	var p rideIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveDriverArrived, "VALIDATION_ERROR", "rideId is required"))
		return
	}

	r, err := d.rides.MarkArrivedAtPickup(ctx, domain.RideID(p.RideID), sess.Subject)
	if err != nil {
		d.fail(connID, DirectiveDriverArrived, err)
		return
	}
	env := Envelope{Type: string(DirectiveDriverArrived), Ride: wireRideFromStore(r)}
	d.sender.Send(connID, env)
	rider := r.RiderID
	d.notifyPaired(&rider, env)
}

func (d *Dispatcher) handleMarkPickedUp(ctx context.Context, connID string, raw []byte) {
	if _, ok := d.boundAs(connID, DirectiveMarkPickedUp, domain.RoleDriver); !ok {
		return
	}
	var p rideIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveMarkPickedUp, "VALIDATION_ERROR", "rideId is required"))
		return
	}

	r, err := d.rides.MarkPickedUp(ctx, domain.RideID(p.RideID))
	if err != nil {
		d.fail(connID, DirectiveMarkPickedUp, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectiveMarkPickedUp), Ride: wireRideFromStore(r)})
}

func (d *Dispatcher) handleComplete(ctx context.Context, connID string, raw []byte) {
	if _, ok := d.boundAs(connID, DirectiveComplete, domain.RoleDriver); !ok {
		return
	}
	var p rideIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveComplete, "VALIDATION_ERROR", "rideId is required"))
		return
	}

	r, err := d.rides.MarkCompleted(ctx, domain.RideID(p.RideID))
	if err != nil {
		d.fail(connID, DirectiveComplete, err)
		return
	}
	env := Envelope{Type: string(DirectiveComplete), Ride: wireRideFromStore(r)}
	d.sender.Send(connID, env)
	rider := r.RiderID
	d.notifyPaired(&rider, env)
}

func (d *Dispatcher) handleCancel(ctx context.Context, connID string) {
	sess, ok := d.bound(connID, DirectiveCancel)
	if !ok {
		return
	}

	res, err := d.rides.Cancel(ctx, sess.Subject, sess.Role)
	if err != nil {
		d.fail(connID, DirectiveCancel, err)
		return
	}
	if res.NoActive {
		d.sender.Send(connID, Envelope{Type: string(DirectiveCancel)})
		return
	}
	env := Envelope{Type: string(DirectiveCancel), Ride: wireRideFromStore(res.Ride)}
	d.sender.Send(connID, env)
	d.notifyPaired(res.Paired, env)
}

func (d *Dispatcher) handleRidesExist(ctx context.Context, connID string) {
	pool, err := d.rides.Pool(ctx)
	if err != nil {
		d.fail(connID, DirectiveRidesExist, err)
		return
	}
	exists := len(pool) > 0
	d.sender.Send(connID, Envelope{Type: string(DirectiveRidesExist), RideExists: &exists})
}

func (d *Dispatcher) handleWaitTime(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.bound(connID, DirectiveWaitTime)
	if !ok {
		return
	}
	var p waitTimePayload
	_ = json.Unmarshal(raw, &p)

	env := Envelope{Type: string(DirectiveWaitTime)}

	pool, err := d.rides.Pool(ctx)
	if err != nil {
		d.fail(connID, DirectiveWaitTime, err)
		return
	}
	if rank, err := matching.RankOf(pool, sess.Subject); err == nil {
		env.Rank = &rank
	} else if !errors.Is(err, matching.ErrEmptyPool) && !errors.Is(err, matching.ErrNotInPool) {
		d.fail(connID, DirectiveWaitTime, err)
		return
	}

	// The ETA is advisory: estimator failure degrades to a rank-only answer.
	if p.From != nil && p.To != nil && d.eta != nil {
		mode := geoport.TravelMode(p.Mode)
		if mode == "" {
			mode = geoport.ModeDriving
		}
		if eta, err := d.eta.Estimate(ctx, p.From.toDomain(), p.To.toDomain(), mode); err == nil {
			secs := int64(eta.Seconds())
			env.WaitSeconds = &secs
		} else {
			d.log.Warn("wait-time estimate unavailable", "error", err)
		}
	}
	d.sender.Send(connID, env)
}

func (d *Dispatcher) handleCallLog(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.bound(connID, DirectiveCallLog)
	if !ok {
		return
	}
	var p callLogPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" || p.PhoneNumber == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveCallLog, "VALIDATION_ERROR", "rideId and phoneNumber are required"))
		return
	}

	r, err := d.rides.AddCallLog(ctx, domain.RideID(p.RideID), sess.Subject, p.PhoneNumber)
	if err != nil {
		d.fail(connID, DirectiveCallLog, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectiveCallLog), Ride: wireRideFromStore(r)})
}

func (d *Dispatcher) handleRelay(ctx context.Context, connID string, dir Directive, raw []byte) {
	sess, ok := d.bound(connID, dir)
	if !ok {
		return
	}
	var p relayPayload
	if err := json.Unmarshal(raw, &p); err != nil || (dir == DirectiveLocation && p.Location == nil) || (dir == DirectiveChat && p.Text == "") {
		d.sender.Send(connID, errorEnvelope(dir, "VALIDATION_ERROR", "missing relay payload"))
		return
	}

	r, exists, err := d.rides.ActiveFor(ctx, sess.Subject, sess.Role)
	if err != nil {
		d.fail(connID, dir, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(dir)})
	if !exists {
		return
	}
	paired := pairedParty(r, sess.Subject)
	forward := Envelope{Type: string(dir), From: string(sess.Subject), Location: p.Location, Text: p.Text}
	d.notifyPaired(paired, forward)
}

func (d *Dispatcher) handleFinishOnboarding(ctx context.Context, connID string, raw []byte) {
	sess, ok := d.bound(connID, DirectiveFinishOnboarding)
	if !ok {
		return
	}
	var p finishOnboardingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.DisplayName == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveFinishOnboarding, "VALIDATION_ERROR", "displayName is required"))
		return
	}

	prof, err := d.users.FinishOnboarding(ctx, sess.Subject, users.FinishOnboardingInput{
		DisplayName: p.DisplayName,
		PhoneNumber: p.PhoneNumber,
	})
	if err != nil {
		d.fail(connID, DirectiveFinishOnboarding, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectiveFinishOnboarding), Profile: wireProfileFromStore(prof)})
}

func (d *Dispatcher) handleRecentLocations(ctx context.Context, connID string) {
	sess, ok := d.bound(connID, DirectiveRecentLocations)
	if !ok {
		return
	}
	locs, err := d.users.RecentLocations(ctx, sess.Subject)
	if err != nil {
		d.fail(connID, DirectiveRecentLocations, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectiveRecentLocations), RecentLocations: wireLocationsFromDomain(locs)})
}

func (d *Dispatcher) handleReport(ctx context.Context, connID string, raw []byte) {
	if _, ok := d.bound(connID, DirectiveReport); !ok {
		return
	}
	var p reportPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		d.sender.Send(connID, errorEnvelope(DirectiveReport, "VALIDATION_ERROR", "userId is required"))
		return
	}

	if err := d.users.Report(ctx, domain.SubjectID(p.UserID), p.Reason); err != nil {
		d.fail(connID, DirectiveReport, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectiveReport)})
}

func (d *Dispatcher) handlePlaceSearch(ctx context.Context, connID string, raw []byte) {
	var p placeSearchPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Query == "" {
		d.sender.Send(connID, errorEnvelope(DirectivePlaceSearch, "VALIDATION_ERROR", "query is required"))
		return
	}
	limit := p.Limit
	if limit <= 0 {
		limit = placeSearchDefaultLimit
	}

	places, err := d.places.Search(ctx, p.Query, limit)
	if err != nil {
		d.fail(connID, DirectivePlaceSearch, err)
		return
	}
	d.sender.Send(connID, Envelope{Type: string(DirectivePlaceSearch), Places: wirePlacesFromPort(places)})
}

// bound returns the connection's session when it carries a real identity,
// answering with an error envelope otherwise.
func (d *Dispatcher) bound(connID string, dir Directive) (Session, bool) {
	sess, ok := d.registry.Session(connID)
	if !ok || !sess.Bound() {
		d.sender.Send(connID, errorEnvelope(dir, "NOT_CONNECTED", "connection has no bound identity; send CONNECT first"))
		return Session{}, false
	}
	return sess, true
}

// boundAs additionally requires a specific role.
func (d *Dispatcher) boundAs(connID string, dir Directive, role domain.Role) (Session, bool) {
	sess, ok := d.bound(connID, dir)
	if !ok {
		return Session{}, false
	}
	if sess.Role != role {
		d.sender.Send(connID, errorEnvelope(dir, "WRONG_ROLE", "directive is not valid for this role"))
		return Session{}, false
	}
	return sess, true
}

// notifyPaired delivers env to the paired party when it is currently
// connected. An offline party misses the envelope; delivery is best-effort.
func (d *Dispatcher) notifyPaired(paired *domain.SubjectID, env Envelope) {
	if paired == nil {
		return
	}
	if connID, ok := d.registry.Lookup(*paired); ok {
		d.sender.Send(connID, env)
	}
}

// fail maps an operation error onto an error envelope for the sender, and
// logs integrity breaches loudly: those mean a storage invariant is broken
// and must never be papered over.
func (d *Dispatcher) fail(connID string, dir Directive, err error) {
	code, msg := d.classify(dir, err)
	d.sender.Send(connID, errorEnvelope(dir, code, msg))
}

func (d *Dispatcher) classify(dir Directive, err error) (code, msg string) {
	var (
		rideErr   *rides.Error
		userErr   *users.Error
		integrity *dispatchstore.IntegrityError
	)
	switch {
	case errors.As(err, &integrity):
		d.log.Error("storage integrity violation", "directive", dir, "error", err)
		return "INTEGRITY_ERROR", "internal error"
	case errors.Is(err, matching.ErrMissingRequestedAt):
		d.log.Error("ranking integrity violation", "directive", dir, "error", err)
		return "INTEGRITY_ERROR", "internal error"
	case errors.As(err, &rideErr):
		return rideErr.Code, rideErr.Message
	case errors.As(err, &userErr):
		return userErr.Code, userErr.Message
	default:
		d.log.Error("directive failed", "directive", dir, "error", err)
		return "INTERNAL_ERROR", "internal error"
	}
}

func (d *Dispatcher) logOperationError(dir Directive, err error) {
	// classify logs integrity and unexpected errors as a side effect.
	d.classify(dir, err)
}

func pairedParty(r dispatchstore.Ride, self domain.SubjectID) *domain.SubjectID {
	if r.RiderID != self {
		rider := r.RiderID
		return &rider
	}
	return r.DriverID
}
