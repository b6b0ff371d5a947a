package rides

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/fare"
	"github.com/example/ride-bidding/internal/models"
)

func TestRequestRideNotifiesNearbyDrivers(t *testing.T) {
	f := newFixture(t, "d1", "d2", "d3")
	res := f.request(t, "p1")

	if res.DriversNotified != 3 {
		t.Fatalf("drivers notified = %d, want 3", res.DriversNotified)
	}
	if res.Ride.State != models.RideRequested {
		t.Fatalf("state = %s", res.Ride.State)
	}
	if res.TimeoutSeconds != 300 || res.SearchRadiusKm != 20 {
		t.Fatalf("timeout=%d radius=%v", res.TimeoutSeconds, res.SearchRadiusKm)
	}
	km := fare.HaversineKm(lima.Lat, lima.Lng, miraflo.Lat, miraflo.Lng)
	if want := fare.Round2(3.50 + 1.20*km); res.Ride.ReferentialFare != want {
		t.Fatalf("referential fare = %v, want %v", res.Ride.ReferentialFare, want)
	}
	if got := f.rec.count(dispatch.EventNewRequest); got != 3 {
		t.Fatalf("new_request events = %d", got)
	}
	if !f.svc.base.timers.Armed(res.Ride.ID) {
		t.Fatal("no-offer timer not armed")
	}
}

func TestRequestRideWithoutDrivers(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, "p1")

	if res.DriversNotified != 0 || !res.CanRetry || len(res.Suggestions) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Ride.State != models.RideCancelled || res.Ride.CancelReason != ReasonNoDrivers || res.Ride.CancelledBy != models.ActorSystem {
		t.Fatalf("ride not auto-cancelled: %+v", res.Ride)
	}
	if f.svc.base.timers.Armed(res.Ride.ID) {
		t.Fatal("timer armed for a ride nobody was asked about")
	}
	if got := f.rec.to("user:p1"); len(got) != 1 || got[0].event != dispatch.EventNoDriversAvailable {
		t.Fatalf("passenger notifications = %+v", got)
	}
	// the cancelled ride does not block a new attempt
	f.addDriver("d1", 1)
	if again := f.request(t, "p1"); again.DriversNotified != 1 {
		t.Fatalf("retry notified %d drivers", again.DriversNotified)
	}
}

func TestRequestRideGeoUnavailablePersistsNothing(t *testing.T) {
	f := newFixture(t, "d1")
	f.geo.err = errors.New("redis: connection refused")

	_, err := f.svc.Rides.RequestRide(f.ctx, RequestRideCommand{PassengerID: "p1", Pickup: &lima, Dropoff: &miraflo})
	if !apperr.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	active, err := f.svc.Rides.GetActiveRides(f.ctx, "p1")
	if err != nil || len(active) != 0 {
		t.Fatalf("active rides = %v, err = %v", active, err)
	}
}

func TestRequestRideValidation(t *testing.T) {
	f := newFixture(t, "d1")
	bad := lima
	bad.Lat = 123
	cases := map[string]RequestRideCommand{
		"missing passenger": {Pickup: &lima, Dropoff: &miraflo},
		"latitude":          {PassengerID: "p1", Pickup: &bad, Dropoff: &miraflo},
		"price too high":    {PassengerID: "p1", Pickup: &lima, Dropoff: &miraflo, SuggestedPrice: ptr(900.0)},
		"missing pickup":    {PassengerID: "p1", Dropoff: &miraflo},
		"missing dropoff":   {PassengerID: "p1", Pickup: &lima},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.Rides.RequestRide(f.ctx, cmd); !apperr.IsValidation(err) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestRequestRideActiveRideConflict(t *testing.T) {
	f := newFixture(t, "d1")
	first := f.request(t, "p1")

	_, err := f.svc.Rides.RequestRide(f.ctx, RequestRideCommand{PassengerID: "p1", Pickup: &lima, Dropoff: &miraflo})
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}

	// past the stale age with no offers the old request is replaced
	f.clock.Advance(11 * time.Minute)
	second := f.request(t, "p1")
	old := f.ride(t, first.Ride.ID)
	if old.State != models.RideCancelled || old.CancelledBy != models.ActorSystem {
		t.Fatalf("stale ride = %+v", old)
	}
	if second.Ride.ID == first.Ride.ID {
		t.Fatal("expected a new ride")
	}
	if f.rec.count(dispatch.EventAutoCancelled) != 1 {
		t.Fatal("passenger not told about the auto-cancel")
	}
}

func TestRequestRideStaleWithOffersStillConflicts(t *testing.T) {
	f := newFixture(t, "d1")
	first := f.request(t, "p1")
	f.offer(t, first.Ride.ID, "d1", 12)
	f.clock.Advance(11 * time.Minute)

	if _, err := f.svc.Rides.RequestRide(f.ctx, RequestRideCommand{PassengerID: "p1", Pickup: &lima, Dropoff: &miraflo}); !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestNoOfferTimeoutCancelsRide(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	f.clock.Advance(5 * time.Minute)

	f.svc.base.onRideTimer(f.ctx, res.Ride.ID)

	r := f.ride(t, res.Ride.ID)
	if r.State != models.RideCancelled || r.CancelReason != ReasonTimeout || r.CancelledBy != models.ActorSystem {
		t.Fatalf("ride = %+v", r)
	}
	if f.rec.count(dispatch.EventTimeout) != 1 {
		t.Fatal("passenger not told about the timeout")
	}

	// firing again, or for an unknown ride, changes nothing
	f.svc.base.onRideTimer(f.ctx, res.Ride.ID)
	f.svc.base.onRideTimer(f.ctx, "missing")
	if f.rec.count(dispatch.EventTimeout) != 1 {
		t.Fatal("timeout fired twice")
	}
}

func TestTimerAfterAcceptIsNoop(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)
	if _, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Minute)
	f.svc.base.onRideTimer(f.ctx, res.Ride.ID)
	if r := f.ride(t, res.Ride.ID); r.State != models.RideAccepted {
		t.Fatalf("state = %s", r.State)
	}
}

func TestTimersDriveRealClock(t *testing.T) {
	rules := config.DefaultNegotiation()
	rules.NoOfferTimeout = 80 * time.Millisecond
	rules.OfferTTL = 20 * time.Millisecond
	f := newFixtureRules(t, rules, "d1")
	f.clock.mu.Lock()
	f.clock.real = true
	f.clock.mu.Unlock()

	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)

	// the lone offer lapses, the ride goes back to requested and then times out
	waitFor(t, func() bool { return f.offerByID(t, o.ID).State == models.OfferExpired })
	waitFor(t, func() bool { return f.ride(t, res.Ride.ID).State == models.RideCancelled })
	if r := f.ride(t, res.Ride.ID); r.CancelReason != ReasonTimeout {
		t.Fatalf("cancel reason = %q", r.CancelReason)
	}
}

func TestRecoverTimers(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	a := f.request(t, "p1")
	b := f.request(t, "p2")
	f.offer(t, b.Ride.ID, "d1", 12)

	fresh := New(Deps{Store: f.store, Geo: f.geo, Now: f.clock.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer fresh.Close()
	n, err := fresh.Rides.RecoverTimers(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || !fresh.base.timers.Armed(a.Ride.ID) || !fresh.base.timers.Armed(b.Ride.ID) {
		t.Fatalf("recovered %d, armed a=%v b=%v", n, fresh.base.timers.Armed(a.Ride.ID), fresh.base.timers.Armed(b.Ride.ID))
	}
}

func TestAcceptOfferRejectsTheRest(t *testing.T) {
	f := newFixture(t, "d1", "d2", "d3")
	res := f.request(t, "p1")
	o1 := f.offer(t, res.Ride.ID, "d1", 12)
	o2 := f.offer(t, res.Ride.ID, "d2", 14.5)
	o3 := f.offer(t, res.Ride.ID, "d3", 11)
	f.rec.reset()

	out, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o2.ID, PassengerID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Ride.State != models.RideAccepted || *out.Ride.DriverID != "d2" || *out.Ride.AgreedFare != 14.5 {
		t.Fatalf("ride = %+v", out.Ride)
	}
	if out.Ride.VehicleID == nil || *out.Ride.VehicleID != "v-d2" {
		t.Fatalf("vehicle = %v", out.Ride.VehicleID)
	}
	if out.Driver.Phone == "" {
		t.Fatal("accepted driver contact missing")
	}
	for id, want := range map[string]models.OfferState{o1.ID: models.OfferRejected, o2.ID: models.OfferAccepted, o3.ID: models.OfferRejected} {
		if got := f.offerByID(t, id).State; got != want {
			t.Fatalf("offer %s = %s, want %s", id, got, want)
		}
	}
	if got := f.rec.to("driver:d2"); len(got) != 1 || got[0].event != dispatch.EventOfferAccepted {
		t.Fatalf("winner got %+v", got)
	}
	if f.rec.count(dispatch.EventOfferRejected) != 2 {
		t.Fatal("losing drivers not notified")
	}
	if f.svc.base.timers.Armed(res.Ride.ID) {
		t.Fatal("timer still armed after acceptance")
	}

	// a second accept is refused
	if _, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o1.ID, PassengerID: "p1"}); !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestAcceptOfferGuards(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)

	_, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p2"})
	if !apperr.IsNotFound(err) {
		t.Fatalf("other passenger: err = %v", err)
	}
	_, err = f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: "nope", PassengerID: "p1"})
	if !apperr.IsNotFound(err) {
		t.Fatalf("unknown offer: err = %v", err)
	}
}

func TestAcceptExpiredOffer(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)
	f.clock.Advance(3*time.Minute + time.Second)

	_, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"})
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if got := f.offerByID(t, o.ID).State; got != models.OfferExpired {
		t.Fatalf("offer state = %s, want expired", got)
	}
	if r := f.ride(t, res.Ride.ID); r.State != models.RideRequested {
		t.Fatalf("ride state = %s, want requested", r.State)
	}
	if !f.svc.base.timers.Armed(res.Ride.ID) {
		t.Fatal("fresh window not armed")
	}
}

func TestAcceptOfferRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	res := f.request(t, "p1")
	o1 := f.offer(t, res.Ride.ID, "d1", 12)
	o2 := f.offer(t, res.Ride.ID, "d2", 13)

	// the winner's update succeeds, rejecting the loser fails
	broken := New(Deps{Store: &failingStore{Store: f.store, after: 1}, Geo: f.geo, Now: f.clock.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer broken.Close()
	_, err := broken.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o1.ID, PassengerID: "p1"})
	if err == nil || apperr.Code(err) != apperr.CodeInternal {
		t.Fatalf("err = %v, want internal", err)
	}
	if r := f.ride(t, res.Ride.ID); r.State != models.RideOffersReceived || r.DriverID != nil {
		t.Fatalf("ride changed: %+v", r)
	}
	for _, id := range []string{o1.ID, o2.ID} {
		if got := f.offerByID(t, id).State; got != models.OfferPending {
			t.Fatalf("offer %s = %s", id, got)
		}
	}
}

func TestCancelRideWithOffers(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	res := f.request(t, "p1")
	o1 := f.offer(t, res.Ride.ID, "d1", 12)
	o2 := f.offer(t, res.Ride.ID, "d2", 13)

	r, err := f.svc.Rides.CancelRide(f.ctx, CancelRideCommand{RideID: res.Ride.ID, PassengerID: "p1", Reason: "changed plans"})
	if err != nil {
		t.Fatal(err)
	}
	if r.State != models.RideCancelled || r.CancelledBy != models.ActorPassenger || r.CancelReason != "changed plans" {
		t.Fatalf("ride = %+v", r)
	}
	for _, id := range []string{o1.ID, o2.ID} {
		if got := f.offerByID(t, id).State; got != models.OfferCancelled {
			t.Fatalf("offer %s = %s", id, got)
		}
	}
	if f.rec.count(dispatch.EventCancelledByPassenger) != 2 {
		t.Fatal("offer drivers not notified")
	}
	if f.svc.base.timers.Armed(res.Ride.ID) {
		t.Fatal("timer still armed")
	}
	if _, err := f.svc.Rides.CancelRide(f.ctx, CancelRideCommand{RideID: res.Ride.ID, PassengerID: "p1"}); !apperr.IsConflict(err) {
		t.Fatalf("second cancel: err = %v", err)
	}
}

func TestCancelAcceptedRideNotifiesDriver(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)
	if _, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"}); err != nil {
		t.Fatal(err)
	}
	f.rec.reset()

	if _, err := f.svc.Rides.CancelRide(f.ctx, CancelRideCommand{RideID: res.Ride.ID, PassengerID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if got := f.rec.to("driver:d1"); len(got) != 1 || got[0].event != dispatch.EventCanceledByPassenger {
		t.Fatalf("driver got %+v", got)
	}
	if got := f.offerByID(t, o.ID).State; got != models.OfferCancelled {
		t.Fatalf("accepted offer = %s", got)
	}
}

func TestCancelRideRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	f.offer(t, res.Ride.ID, "d1", 12)

	broken := New(Deps{Store: &failingStore{Store: f.store}, Geo: f.geo, Now: f.clock.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer broken.Close()
	if _, err := broken.Rides.CancelRide(f.ctx, CancelRideCommand{RideID: res.Ride.ID, PassengerID: "p1"}); !errors.Is(err, errInjected) {
		t.Fatalf("err = %v", err)
	}
	if r := f.ride(t, res.Ride.ID); r.State != models.RideOffersReceived {
		t.Fatalf("state = %s", r.State)
	}
}

func TestAcceptRacesCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, "d1")
		res := f.request(t, "p1")
		o := f.offer(t, res.Ride.ID, "d1", 12)

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.svc.Rides.CancelRide(f.ctx, CancelRideCommand{RideID: res.Ride.ID, PassengerID: "p1"})
		}()
		wg.Wait()

		r := f.ride(t, res.Ride.ID)
		switch {
		case acceptErr == nil && cancelErr == nil:
			// accept then cancel is a legal sequence
			if r.State != models.RideCancelled {
				t.Fatalf("state = %s", r.State)
			}
		case acceptErr == nil:
			t.Fatalf("cancel failed after accept: %v", cancelErr)
		case cancelErr == nil:
			if !apperr.IsConflict(acceptErr) || r.State != models.RideCancelled {
				t.Fatalf("accept err = %v, state = %s", acceptErr, r.State)
			}
		default:
			t.Fatalf("both failed: %v / %v", acceptErr, cancelErr)
		}
	}
}

func TestStartAndCompleteRide(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)
	if _, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Rides.StartRide(f.ctx, DriverRideCommand{RideID: res.Ride.ID, DriverID: "d2"}); !apperr.IsNotFound(err) {
		t.Fatalf("other driver: err = %v", err)
	}
	if _, err := f.svc.Rides.CompleteRide(f.ctx, DriverRideCommand{RideID: res.Ride.ID, DriverID: "d1"}); !apperr.IsConflict(err) {
		t.Fatalf("complete before start: err = %v", err)
	}
	started, err := f.svc.Rides.StartRide(f.ctx, DriverRideCommand{RideID: res.Ride.ID, DriverID: "d1"})
	if err != nil || started.State != models.RideInProgress || started.StartedAt == nil {
		t.Fatalf("start: %+v, %v", started, err)
	}
	done, err := f.svc.Rides.CompleteRide(f.ctx, DriverRideCommand{RideID: res.Ride.ID, DriverID: "d1"})
	if err != nil || done.State != models.RideCompleted || *done.AgreedFare != 12 {
		t.Fatalf("complete: %+v, %v", done, err)
	}

	st, err := f.svc.Rides.GetStatus(f.ctx, res.Ride.ID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if st.FinalFare == nil || *st.FinalFare != 12 || st.Message != "Trip completed successfully" {
		t.Fatalf("status = %+v", st)
	}
}

func TestGetStatusProjections(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	res := f.request(t, "p1")

	st, err := f.svc.Rides.GetStatus(f.ctx, res.Ride.ID, "p1")
	if err != nil || st.Message != "Looking for available drivers..." {
		t.Fatalf("requested: %+v, %v", st, err)
	}

	f.offer(t, res.Ride.ID, "d1", 12)
	o2 := f.offer(t, res.Ride.ID, "d2", 13)
	st, _ = f.svc.Rides.GetStatus(f.ctx, res.Ride.ID, "p1")
	if len(st.PendingOffers) != 2 || len(st.History) != 2 {
		t.Fatalf("offers_received: %+v", st)
	}

	if _, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o2.ID, PassengerID: "p1"}); err != nil {
		t.Fatal(err)
	}
	st, _ = f.svc.Rides.GetStatus(f.ctx, res.Ride.ID, "p1")
	if st.Driver == nil || st.Driver.ID != "d2" || st.Driver.Vehicle == nil {
		t.Fatalf("accepted: %+v", st)
	}

	if _, err := f.svc.Rides.GetStatus(f.ctx, res.Ride.ID, "p2"); !apperr.IsNotFound(err) {
		t.Fatalf("other passenger: err = %v", err)
	}
	active, err := f.svc.Rides.GetActiveRides(f.ctx, "p1")
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %+v, %v", active, err)
	}
}

func TestAcceptOfferReportsStoreFailure(t *testing.T) {
	f := newFixture(t, "d1")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)

	broken := New(Deps{Store: &failingStore{Store: f.store, getOffer: true}, Geo: f.geo, Now: f.clock.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer broken.Close()
	_, err := broken.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"})
	if apperr.Code(err) != apperr.CodeInternal || !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want internal", err)
	}
}

func TestLateTimerSparesReopenedWindow(t *testing.T) {
	cases := map[string]struct {
		ttl    time.Duration
		reopen func(t *testing.T, f *fixture, rideID string, o models.Offer)
	}{
		"offer rejected": {3 * time.Minute, func(t *testing.T, f *fixture, rideID string, o models.Offer) {
			if _, err := f.svc.Offers.RejectOffer(f.ctx, RejectOfferCommand{RideID: rideID, OfferID: o.ID, PassengerID: "p1"}); err != nil {
				t.Fatal(err)
			}
		}},
		"offer lapsed": {2*time.Minute - time.Second, func(t *testing.T, f *fixture, rideID string, _ models.Offer) {
			f.svc.base.onRideTimer(f.ctx, rideID)
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixtureRules(t, withOfferTTL(tc.ttl), "d1")
			res := f.request(t, "p1")
			o := f.offer(t, res.Ride.ID, "d1", 12)

			// back in requested at t0+2m
			f.clock.Advance(2 * time.Minute)
			tc.reopen(t, f, res.Ride.ID, o)
			if r := f.ride(t, res.Ride.ID); r.State != models.RideRequested || !r.WindowStartedAt.Equal(t0.Add(2*time.Minute)) {
				t.Fatalf("after reopening: %s window %v", r.State, r.WindowStartedAt)
			}

			// a callback sized for the first window runs at t0+5m
			f.clock.Advance(3 * time.Minute)
			f.svc.base.onRideTimer(f.ctx, res.Ride.ID)
			if r := f.ride(t, res.Ride.ID); r.State != models.RideRequested {
				t.Fatalf("reopened ride ended early: %s %q", r.State, r.CancelReason)
			}
			if !f.svc.base.timers.Armed(res.Ride.ID) {
				t.Fatal("fresh window not armed")
			}

			f.clock.Advance(2 * time.Minute)
			f.svc.base.onRideTimer(f.ctx, res.Ride.ID)
			if r := f.ride(t, res.Ride.ID); r.State != models.RideCancelled || r.CancelReason != ReasonTimeout {
				t.Fatalf("ride = %s %q", r.State, r.CancelReason)
			}
		})
	}
}

func TestRecoverTimersKeepsReopenedWindow(t *testing.T) {
	f := newFixtureRules(t, withOfferTTL(4*time.Minute+30*time.Second), "d1")
	res := f.request(t, "p1")
	o := f.offer(t, res.Ride.ID, "d1", 12)
	f.clock.Advance(4 * time.Minute)
	if _, err := f.svc.Offers.RejectOffer(f.ctx, RejectOfferCommand{RideID: res.Ride.ID, OfferID: o.ID, PassengerID: "p1"}); err != nil {
		t.Fatal(err)
	}
	f.svc.Close()

	// restart at t0+6m: past RequestedAt+5m, inside the window opened at t0+4m
	f.clock.Advance(2 * time.Minute)
	fresh := New(Deps{Store: f.store, Geo: f.geo, Now: f.clock.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer fresh.Close()
	if _, err := fresh.Rides.RecoverTimers(f.ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if r := f.ride(t, res.Ride.ID); r.State != models.RideRequested {
		t.Fatalf("ride cancelled on restart: %q", r.CancelReason)
	}
	if !fresh.base.timers.Armed(res.Ride.ID) {
		t.Fatal("timer not recovered")
	}
}

func TestNotificationFailuresDoNotUndoTransitions(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	f.rec.mu.Lock()
	f.rec.err = errors.New("gateway down")
	f.rec.mu.Unlock()

	res, err := f.svc.Rides.RequestRide(f.ctx, RequestRideCommand{PassengerID: "p1", Pickup: &lima, Dropoff: &miraflo})
	if err != nil || res.DriversNotified != 2 {
		t.Fatalf("request: %+v err=%v", res, err)
	}
	v1, err := f.svc.Offers.SubmitOffer(f.ctx, SubmitOfferCommand{RideID: res.Ride.ID, DriverID: "d1", Fare: 12})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v2, err := f.svc.Offers.SubmitOffer(f.ctx, SubmitOfferCommand{RideID: res.Ride.ID, DriverID: "d2", Fare: 13})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r := f.ride(t, res.Ride.ID); r.State != models.RideOffersReceived {
		t.Fatalf("after offers: %s", r.State)
	}

	if _, err := f.svc.Rides.AcceptOffer(f.ctx, AcceptOfferCommand{RideID: res.Ride.ID, OfferID: v1.ID, PassengerID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r := f.ride(t, res.Ride.ID); r.State != models.RideAccepted || *r.DriverID != "d1" {
		t.Fatalf("after accept: %+v", r)
	}
	if got := f.offerByID(t, v2.ID).State; got != models.OfferRejected {
		t.Fatalf("losing offer = %s", got)
	}

	other := f.request(t, "p2")
	if _, err := f.svc.Rides.CancelRide(f.ctx, CancelRideCommand{RideID: other.Ride.ID, PassengerID: "p2"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r := f.ride(t, other.Ride.ID); r.State != models.RideCancelled {
		t.Fatalf("after cancel: %s", r.State)
	}

	// every notification was still attempted
	if f.rec.count(dispatch.EventNewRequest) != 4 || f.rec.count(dispatch.EventOfferAccepted) != 1 {
		t.Fatalf("new_request=%d offer_accepted=%d", f.rec.count(dispatch.EventNewRequest), f.rec.count(dispatch.EventOfferAccepted))
	}
}

func withOfferTTL(ttl time.Duration) config.NegotiationConfig {
	rules := config.DefaultNegotiation()
	rules.OfferTTL = ttl
	return rules
}
