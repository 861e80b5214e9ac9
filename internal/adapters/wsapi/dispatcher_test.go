package wsapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	geoadapter "github.com/campus-loop/ride-dispatch-api/internal/adapters/geo"
	memstore "github.com/campus-loop/ride-dispatch-api/internal/adapters/memory/dispatchstore"
	"github.com/campus-loop/ride-dispatch-api/internal/app/rides"
	"github.com/campus-loop/ride-dispatch-api/internal/app/users"
	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	geoport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/geo"
)

type sent struct {
	connID string
	env    Envelope
}

// fakeSender records envelopes instead of writing to sockets.
type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) Send(connID string, env Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{connID: connID, env: env})
	return true
}

func (f *fakeSender) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

// lastFor returns the most recent envelope sent to connID, draining nothing.
func (f *fakeSender) lastFor(t *testing.T, connID string) Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].connID == connID {
			return f.msgs[i].env
		}
	}
	t.Fatalf("no envelope sent to %s", connID)
	return Envelope{}
}

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	sender     *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.NewStore()
	clk := &tickingClock{now: time.Unix(1_700_000_000, 0).UTC()}

	rideSvc := rides.NewService(store, clk)
	n := 0
	rideSvc.SetNewRideIDForTest(func() domain.RideID {
		n++
		return domain.RideID(fmt.Sprintf("ride-%d", n))
	})
	userSvc := users.NewService(store, clk)

	registry := NewRegistry()
	sender := &fakeSender{}
	dispatcher := NewDispatcher(
		rideSvc,
		userSvc,
		registry,
		sender,
		geoadapter.HaversineEstimator{},
		geoadapter.StaticPlaces{Places: []geoport.Place{
			{Name: "Library", Location: domain.Location{Name: "Library", Latitude: 33.59, Longitude: -101.88}},
			{Name: "Rec Center", Location: domain.Location{Name: "Rec Center", Latitude: 33.60, Longitude: -101.89}},
		}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return &fixture{dispatcher: dispatcher, registry: registry, sender: sender}
}

func (f *fixture) connect(t *testing.T, connID, subject, role string) {
	t.Helper()
	f.registry.Register(connID)
	f.dispatcher.HandleMessage(context.Background(), connID,
		[]byte(fmt.Sprintf(`{"type":"CONNECT","userId":%q,"role":%q}`, subject, role)))
	env := f.sender.lastFor(t, connID)
	if env.Type != "CONNECT" {
		t.Fatalf("connect reply: %+v", env)
	}
	f.sender.take()
}

func (f *fixture) send(connID, msg string) {
	f.dispatcher.HandleMessage(context.Background(), connID, []byte(msg))
}

func TestDispatcher_FullRideScenario(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	const (
		riderConn  = "conn-rider"
		driverConn = "conn-driver"
		lateConn   = "conn-late-driver"
		riderSubj  = "3333333"
		driverSubj = "9999999"
		lateSubj   = "7777777"
	)
	fx.connect(t, riderConn, riderSubj, "STUDENT")
	fx.connect(t, driverConn, driverSubj, "DRIVER")
	fx.connect(t, lateConn, lateSubj, "DRIVER")

	fx.send(riderConn, `{"type":"REQUEST_RIDE","from":{"name":"North Dorms","latitude":33.58,"longitude":-101.87},"to":{"name":"Library","latitude":33.59,"longitude":-101.88},"passengerCount":1}`)
	reply := fx.sender.lastFor(t, riderConn)
	if reply.Type != "REQUEST_RIDE" || reply.Ride == nil || reply.Ride.Status != "REQUESTED" {
		t.Fatalf("request reply: %+v", reply)
	}
	rideID := reply.Ride.ID
	fx.sender.take()

	// First driver sees and accepts the request.
	fx.send(driverConn, `{"type":"VIEW_RIDE"}`)
	view := fx.sender.lastFor(t, driverConn)
	if view.RideExists == nil || !*view.RideExists || view.Ride == nil || view.Ride.ID != rideID {
		t.Fatalf("view reply: %+v", view)
	}
	fx.sender.take()

	fx.send(driverConn, fmt.Sprintf(`{"type":"VIEW_DECISION","rideId":%q,"decision":"ACCEPT"}`, rideID))
	accept := fx.sender.lastFor(t, driverConn)
	if accept.Type != "VIEW_DECISION" || accept.Ride.Status != "DRIVING_TO_PICK_UP" {
		t.Fatalf("accept reply: %+v", accept)
	}
	// The rider hears about the acceptance too.
	riderNote := fx.sender.lastFor(t, riderConn)
	if riderNote.Type != "VIEW_DECISION" || riderNote.Decision != "ACCEPT" {
		t.Fatalf("rider notification: %+v", riderNote)
	}
	fx.sender.take()

	// A second driver polling now finds an empty pool.
	fx.send(lateConn, `{"type":"VIEW_RIDE"}`)
	late := fx.sender.lastFor(t, lateConn)
	if late.Type != "VIEW_RIDE" || late.RideExists == nil || *late.RideExists {
		t.Fatalf("late driver reply: %+v", late)
	}
	if late.Ride != nil {
		t.Fatalf("empty pool must not carry a ride: %+v", late.Ride)
	}
	fx.sender.take()

	fx.send(driverConn, fmt.Sprintf(`{"type":"DRIVER_ARRIVED_AT_PICKUP","rideId":%q}`, rideID))
	arrived := fx.sender.lastFor(t, riderConn)
	if arrived.Type != "DRIVER_ARRIVED_AT_PICKUP" {
		t.Fatalf("rider arrival notification: %+v", arrived)
	}
	fx.sender.take()

	fx.send(driverConn, fmt.Sprintf(`{"type":"MARK_PICKED_UP","rideId":%q}`, rideID))
	picked := fx.sender.lastFor(t, driverConn)
	if picked.Ride == nil || picked.Ride.Status != "DRIVING_TO_DESTINATION" {
		t.Fatalf("pickup reply: %+v", picked)
	}
	fx.sender.take()

	fx.send(driverConn, fmt.Sprintf(`{"type":"COMPLETE","rideId":%q}`, rideID))
	done := fx.sender.lastFor(t, riderConn)
	if done.Type != "COMPLETE" || done.Ride.Status != "COMPLETED" {
		t.Fatalf("completion notification: %+v", done)
	}
	fx.sender.take()

	// The completed trip's endpoints are now cached.
	fx.send(riderConn, `{"type":"RECENT_LOCATIONS"}`)
	recents := fx.sender.lastFor(t, riderConn)
	if len(recents.RecentLocations) != 2 || recents.RecentLocations[0].Name != "North Dorms" {
		t.Fatalf("recents: %+v", recents.RecentLocations)
	}
}

func TestDispatcher_RequestRequiresBoundStudent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.registry.Register("conn-anon")
	fx.send("conn-anon", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	env := fx.sender.lastFor(t, "conn-anon")
	if env.Type != "ERROR" || env.Code != "NOT_CONNECTED" || env.Category != "REQUEST_RIDE" {
		t.Fatalf("env=%+v", env)
	}
	fx.sender.take()

	fx.connect(t, "conn-driver", "9999999", "DRIVER")
	fx.send("conn-driver", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	env = fx.sender.lastFor(t, "conn-driver")
	if env.Type != "ERROR" || env.Code != "WRONG_ROLE" {
		t.Fatalf("env=%+v", env)
	}
}

func TestDispatcher_ErrorEnvelopeCarriesAppCode(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	fx.sender.take()

	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	env := fx.sender.lastFor(t, "conn-rider")
	if env.Type != "ERROR" || env.Category != "REQUEST_RIDE" || env.Code != "DUPLICATE_ACTIVE_REQUEST" {
		t.Fatalf("env=%+v", env)
	}
}

func TestDispatcher_UnknownAndMalformed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.registry.Register("conn-1")
	fx.send("conn-1", `{"type":"TELEPORT"}`)
	env := fx.sender.lastFor(t, "conn-1")
	if env.Type != "ERROR" || env.Code != "UNKNOWN_DIRECTIVE" || env.Category != "TELEPORT" {
		t.Fatalf("env=%+v", env)
	}
	fx.sender.take()

	fx.send("conn-1", `not json`)
	env = fx.sender.lastFor(t, "conn-1")
	if env.Type != "ERROR" || env.Code != "MALFORMED_ENVELOPE" {
		t.Fatalf("env=%+v", env)
	}
}

func TestDispatcher_RidesExist(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-driver", "9999999", "DRIVER")
	fx.send("conn-driver", `{"type":"RIDES_EXIST"}`)
	env := fx.sender.lastFor(t, "conn-driver")
	if env.RideExists == nil || *env.RideExists {
		t.Fatalf("env=%+v", env)
	}
	fx.sender.take()

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	fx.sender.take()

	fx.send("conn-driver", `{"type":"RIDES_EXIST"}`)
	env = fx.sender.lastFor(t, "conn-driver")
	if env.RideExists == nil || !*env.RideExists {
		t.Fatalf("env=%+v", env)
	}
}

func TestDispatcher_WaitTime(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A","latitude":33.58,"longitude":-101.87},"to":{"name":"B","latitude":33.59,"longitude":-101.88},"passengerCount":1}`)
	fx.sender.take()

	fx.send("conn-rider", `{"type":"WAIT_TIME","from":{"latitude":33.58,"longitude":-101.87},"to":{"latitude":33.59,"longitude":-101.88}}`)
	env := fx.sender.lastFor(t, "conn-rider")
	if env.Type != "WAIT_TIME" {
		t.Fatalf("env=%+v", env)
	}
	if env.Rank == nil || *env.Rank != 0 {
		t.Fatalf("rank=%v", env.Rank)
	}
	if env.WaitSeconds == nil || *env.WaitSeconds <= 0 {
		t.Fatalf("waitSeconds=%v", env.WaitSeconds)
	}
}

func TestDispatcher_WaitTime_NoPooledRequestOmitsRank(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.send("conn-rider", `{"type":"WAIT_TIME"}`)
	env := fx.sender.lastFor(t, "conn-rider")
	if env.Type != "WAIT_TIME" || env.Rank != nil || env.WaitSeconds != nil {
		t.Fatalf("env=%+v", env)
	}
}

func TestDispatcher_CancelNotifiesPairedDriver(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.connect(t, "conn-driver", "9999999", "DRIVER")

	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	rideID := fx.sender.lastFor(t, "conn-rider").Ride.ID
	fx.sender.take()

	fx.send("conn-driver", `{"type":"VIEW_RIDE"}`)
	fx.send("conn-driver", fmt.Sprintf(`{"type":"VIEW_DECISION","rideId":%q,"decision":"ACCEPT"}`, rideID))
	fx.sender.take()

	fx.send("conn-rider", `{"type":"CANCEL"}`)
	driverNote := fx.sender.lastFor(t, "conn-driver")
	if driverNote.Type != "CANCEL" || driverNote.Ride == nil || driverNote.Ride.Status != "CANCELED" {
		t.Fatalf("driver notification: %+v", driverNote)
	}
}

func TestDispatcher_DisconnectSynthesizesCancel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.connect(t, "conn-driver", "9999999", "DRIVER")

	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	rideID := fx.sender.lastFor(t, "conn-rider").Ride.ID
	fx.sender.take()

	fx.send("conn-driver", `{"type":"VIEW_RIDE"}`)
	fx.send("conn-driver", fmt.Sprintf(`{"type":"VIEW_DECISION","rideId":%q,"decision":"ACCEPT"}`, rideID))
	fx.sender.take()

	// The driver's socket drops: the request goes back to the pool and the
	// rider is told.
	fx.dispatcher.HandleDisconnect(context.Background(), "conn-driver")
	riderNote := fx.sender.lastFor(t, "conn-rider")
	if riderNote.Type != "CANCEL" || riderNote.Ride.Status != "REQUESTED" {
		t.Fatalf("rider notification: %+v", riderNote)
	}
	if _, ok := fx.registry.Session("conn-driver"); ok {
		t.Fatalf("slot not removed")
	}
}

func TestDispatcher_ChatRelaysToPairedParty(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.connect(t, "conn-driver", "9999999", "DRIVER")

	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	rideID := fx.sender.lastFor(t, "conn-rider").Ride.ID
	fx.sender.take()

	fx.send("conn-driver", `{"type":"VIEW_RIDE"}`)
	fx.send("conn-driver", fmt.Sprintf(`{"type":"VIEW_DECISION","rideId":%q,"decision":"ACCEPT"}`, rideID))
	fx.sender.take()

	fx.send("conn-rider", `{"type":"CHAT","text":"I am by the fountain"}`)
	note := fx.sender.lastFor(t, "conn-driver")
	if note.Type != "CHAT" || note.Text != "I am by the fountain" || note.From != "3333333" {
		t.Fatalf("relay: %+v", note)
	}

	fx.send("conn-driver", `{"type":"LOCATION","location":{"latitude":33.585,"longitude":-101.875}}`)
	loc := fx.sender.lastFor(t, "conn-rider")
	if loc.Type != "LOCATION" || loc.Location == nil || loc.From != "9999999" {
		t.Fatalf("relay: %+v", loc)
	}
}

func TestDispatcher_PlaceSearch(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.registry.Register("conn-1")
	fx.send("conn-1", `{"type":"PLACE_SEARCH","query":"libr"}`)
	env := fx.sender.lastFor(t, "conn-1")
	if env.Type != "PLACE_SEARCH" || len(env.Places) != 1 || env.Places[0].Name != "Library" {
		t.Fatalf("env=%+v", env)
	}
	fx.sender.take()

	fx.send("conn-1", `{"type":"PLACE_SEARCH","query":""}`)
	env = fx.sender.lastFor(t, "conn-1")
	if env.Type != "ERROR" || env.Code != "VALIDATION_ERROR" {
		t.Fatalf("env=%+v", env)
	}
}

func TestDispatcher_ReportAndBlacklistGate(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-driver", "9999999", "DRIVER")
	fx.send("conn-driver", `{"type":"REPORT","userId":"3333333","reason":"no-show"}`)
	env := fx.sender.lastFor(t, "conn-driver")
	if env.Type != "REPORT" {
		t.Fatalf("env=%+v", env)
	}
	fx.sender.take()

	// The reported subject can still connect; the reply carries the flag.
	fx.registry.Register("conn-rider")
	fx.send("conn-rider", `{"type":"CONNECT","userId":"3333333","role":"STUDENT"}`)
	reply := fx.sender.lastFor(t, "conn-rider")
	if reply.Type != "CONNECT" || !reply.Reported {
		t.Fatalf("reply=%+v", reply)
	}
}

func TestDispatcher_ViewDecisionAcceptFromDifferentDriver(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.connect(t, "conn-d1", "9999999", "DRIVER")
	fx.connect(t, "conn-d2", "7777777", "DRIVER")

	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	rideID := fx.sender.lastFor(t, "conn-rider").Ride.ID
	fx.sender.take()

	fx.send("conn-d1", `{"type":"VIEW_RIDE"}`)
	fx.sender.take()

	// The accept arrives from a different driver than the viewer and wins
	// the assignment.
	fx.send("conn-d2", fmt.Sprintf(`{"type":"VIEW_DECISION","rideId":%q,"decision":"ACCEPT"}`, rideID))
	accept := fx.sender.lastFor(t, "conn-d2")
	if accept.Type != "VIEW_DECISION" || accept.Ride == nil {
		t.Fatalf("accept reply: %+v", accept)
	}
	if accept.Ride.Status != "DRIVING_TO_PICK_UP" || accept.Ride.DriverID != "7777777" {
		t.Fatalf("accepted ride: %+v", accept.Ride)
	}

	// The rider hears about the driver that actually accepted.
	paired := fx.sender.lastFor(t, "conn-rider")
	if paired.Type != "VIEW_DECISION" || paired.Ride.DriverID != "7777777" {
		t.Fatalf("rider notification: %+v", paired)
	}
}

func TestDispatcher_ViewDecisionDenyReturnsToPool(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.connect(t, "conn-rider", "3333333", "STUDENT")
	fx.connect(t, "conn-d1", "9999999", "DRIVER")
	fx.connect(t, "conn-d2", "7777777", "DRIVER")

	fx.send("conn-rider", `{"type":"REQUEST_RIDE","from":{"name":"A"},"to":{"name":"B"},"passengerCount":1}`)
	rideID := fx.sender.lastFor(t, "conn-rider").Ride.ID
	fx.sender.take()

	fx.send("conn-d1", `{"type":"VIEW_RIDE"}`)
	fx.send("conn-d1", fmt.Sprintf(`{"type":"VIEW_DECISION","rideId":%q,"decision":"DENY"}`, rideID))
	fx.sender.take()

	// The denied request is visible to the next driver.
	fx.send("conn-d2", `{"type":"VIEW_RIDE"}`)
	view := fx.sender.lastFor(t, "conn-d2")
	if view.RideExists == nil || !*view.RideExists || view.Ride.ID != rideID {
		t.Fatalf("view after deny: %+v", view)
	}
}
