package rides

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/fare"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/storage"
)

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lima    = models.Place{Coord: models.Coord{Lat: -12.0464, Lng: -77.0428}, Address: "Plaza Mayor"}
	miraflo = models.Place{Coord: models.Coord{Lat: -12.1211, Lng: -77.0297}, Address: "Parque Kennedy"}
)

type fakeGeo struct {
	mu        sync.Mutex
	drivers   []geo.NearbyDriver
	positions map[string]geo.Position
	err       error
	readyErr  error
}

func (g *fakeGeo) DriverPosition(_ context.Context, id string) (geo.Position, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[id]
	return p, ok, nil
}

func (g *fakeGeo) moveDriver(id string, c models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positions == nil {
		g.positions = make(map[string]geo.Position)
	}
	g.positions[id] = geo.Position{Lat: c.Lat, Lng: c.Lng, At: t0}
}

func (g *fakeGeo) FindNearbyDrivers(context.Context, float64, float64, float64) ([]geo.NearbyDriver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drivers, g.err
}

func (g *fakeGeo) Ready(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyErr
}

type sent struct {
	to    string
	event string
	data  dispatch.Event
}

// recorder is a dispatch.Gateway that keeps everything it was asked to send.
type recorder struct {
	mu     sync.Mutex
	sent   []sent
	pushes []sent
	err    error
}

func (r *recorder) record(to string, ev dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{to: to, event: ev.EventName(), data: ev})
	return r.err
}

func (r *recorder) NotifyUser(_ context.Context, id string, ev dispatch.Event) error {
	return r.record("user:"+id, ev)
}

func (r *recorder) NotifyDriver(_ context.Context, id string, ev dispatch.Event) error {
	return r.record("driver:"+id, ev)
}

func (r *recorder) PushToUser(_ context.Context, id string, m dispatch.PushMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, sent{to: "user:" + id, event: m.Data["event"]})
	return r.err
}

func (r *recorder) PushToDriver(_ context.Context, id string, m dispatch.PushMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, sent{to: "driver:" + id, event: m.Data["event"]})
	return r.err
}

// to returns the events sent to one recipient, in order.
func (r *recorder) to(recipient string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.sent {
		if s.to == recipient {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent, r.pushes = nil, nil
}

// clock is a settable time source. A real clock follows the wall clock.
type clock struct {
	mu   sync.Mutex
	now  time.Time
	real bool
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.real {
		return time.Now().UTC()
	}
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx   context.Context
	store *storage.MemoryStore
	geo   *fakeGeo
	rec   *recorder
	clock *clock
	svc   *Service
}

func newFixture(t *testing.T, drivers ...string) *fixture {
	t.Helper()
	return newFixtureRules(t, config.DefaultNegotiation(), drivers...)
}

func newFixtureRules(t *testing.T, rules config.NegotiationConfig, drivers ...string) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: storage.NewMemoryStore(),
		geo:   &fakeGeo{},
		rec:   &recorder{},
		clock: &clock{now: t0},
	}
	f.store.PutPassenger(models.Passenger{ID: "p1", Name: "Lucia", Phone: "+51 900 000 001"})
	f.store.PutPassenger(models.Passenger{ID: "p2", Name: "Mateo", Phone: "+51 900 000 002"})
	for i, id := range drivers {
		f.addDriver(id, float64(i+1))
	}
	f.svc = New(Deps{
		Store:    f.store,
		Geo:      f.geo,
		Notifier: f.rec,
		Fare:     fare.DefaultEstimator(),
		Rules:    rules,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      f.clock.Now,
	})
	t.Cleanup(f.svc.Close)
	return f
}

// addDriver registers an active, available driver with a vehicle, km
// kilometres north of the pickup point.
func (f *fixture) addDriver(id string, km float64) {
	f.store.PutDriver(models.Driver{
		ID:        id,
		Name:      "Driver " + id,
		Phone:     "+51 911 000 " + id,
		Status:    models.DriverActive,
		Available: true,
		Loc:       models.Coord{Lat: lima.Lat + km/111.0, Lng: lima.Lng},
	})
	f.store.PutVehicle(models.Vehicle{ID: "v-" + id, DriverID: id, Plate: "ABC-" + id, Make: "Toyota", Model: "Yaris", Color: "white", Active: true})
	f.geo.mu.Lock()
	f.geo.drivers = append(f.geo.drivers, geo.NearbyDriver{DriverID: id, DistanceKm: km})
	f.geo.mu.Unlock()
}

func (f *fixture) request(t *testing.T, passenger string) RequestRideResult {
	t.Helper()
	res, err := f.svc.Rides.RequestRide(f.ctx, RequestRideCommand{PassengerID: passenger, Pickup: &lima, Dropoff: &miraflo})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return res
}

func (f *fixture) offer(t *testing.T, rideID, driver string, amount float64) models.Offer {
	t.Helper()
	v, err := f.svc.Offers.SubmitOffer(f.ctx, SubmitOfferCommand{RideID: rideID, DriverID: driver, Fare: amount})
	if err != nil {
		t.Fatalf("submit offer from %s: %v", driver, err)
	}
	return v.Offer
}

func (f *fixture) ride(t *testing.T, id string) models.Ride {
	t.Helper()
	var r models.Ride
	if err := f.store.View(f.ctx, func(repo storage.Repo) error {
		var err error
		r, err = repo.GetRide(f.ctx, id)
		return err
	}); err != nil {
		t.Fatalf("get ride %s: %v", id, err)
	}
	return r
}

func (f *fixture) offerByID(t *testing.T, id string) models.Offer {
	t.Helper()
	var o models.Offer
	if err := f.store.View(f.ctx, func(repo storage.Repo) error {
		var err error
		o, err = repo.GetOffer(f.ctx, id)
		return err
	}); err != nil {
		t.Fatalf("get offer %s: %v", id, err)
	}
	return o
}

func driverIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("d%d", i+1)
	}
	return out
}

// failingStore wraps a store and makes UpdateOffer fail after the first
// `after` calls in a unit of work. With getOffer set, GetOffer fails too.
type failingStore struct {
	storage.Store
	after    int
	getOffer bool
}

var errInjected = errors.New("injected storage failure")

func (s *failingStore) WithTx(ctx context.Context, fn func(storage.Repo) error) error {
	return s.Store.WithTx(ctx, func(r storage.Repo) error {
		return fn(&failingRepo{Repo: r, left: s.after, getOffer: s.getOffer})
	})
}

type failingRepo struct {
	storage.Repo
	left     int
	getOffer bool
}

func (r *failingRepo) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	if r.getOffer {
		return models.Offer{}, errInjected
	}
	return r.Repo.GetOffer(ctx, id)
}

func (r *failingRepo) UpdateOffer(ctx context.Context, o *models.Offer) error {
	if r.left == 0 {
		return errInjected
	}
	r.left--
	return r.Repo.UpdateOffer(ctx, o)
}
