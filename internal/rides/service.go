// Package rides is the negotiation engine: the ride lifecycle, the offer
// ledger and the counter-offer protocol between passenger and drivers.
//
// Every transition reads, validates and writes inside one storage unit of
// work. Notifications and lifecycle events go out only after it commits and
// their failures are logged, never returned.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/fare"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/storage"
)

// DriverFinder is the part of the geo index the engine reads.
type DriverFinder interface {
	FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64) ([]geo.NearbyDriver, error)
	DriverPosition(ctx context.Context, driverID string) (geo.Position, bool, error)
	Ready(ctx context.Context) error
}

type Deps struct {
	Store    storage.Store
	Geo      DriverFinder
	Notifier dispatch.Gateway
	Events   events.Publisher
	Fare     fare.Estimator
	Rules    config.NegotiationConfig
	Logger   *slog.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Service bundles the three components over shared dependencies and one
// timer registry.
type Service struct {
	Rides       *Manager
	Offers      *Ledger
	Negotiation *Coordinator

	base *base
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Rules == (config.NegotiationConfig{}) {
		d.Rules = config.DefaultNegotiation()
	}
	if d.Fare == (fare.Estimator{}) {
		d.Fare = fare.DefaultEstimator()
	}
	b := &base{
		store:  d.Store,
		geo:    d.Geo,
		notify: d.Notifier,
		events: d.Events,
		fare:   d.Fare,
		rules:  d.Rules,
		log:    d.Logger,
		now:    d.Now,
		timers: NewTimers(),
	}
	return &Service{
		Rides:       &Manager{b},
		Offers:      &Ledger{b},
		Negotiation: &Coordinator{b},
		base:        b,
	}
}

// Close stops every armed timer.
func (s *Service) Close() { s.base.timers.Stop() }

type base struct {
	store  storage.Store
	geo    DriverFinder
	notify dispatch.Gateway
	events events.Publisher
	fare   fare.Estimator
	rules  config.NegotiationConfig
	log    *slog.Logger
	now    func() time.Time
	timers *Timers
}

func newID() string { return uuid.NewString() }

// armNoOffer starts a fresh no-offer window for a ride in requested.
func (b *base) armNoOffer(rideID string) {
	b.armAt(rideID, b.rules.NoOfferTimeout)
}

func (b *base) armAt(rideID string, d time.Duration) {
	b.timers.Arm(rideID, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.onRideTimer(ctx, rideID)
	})
}

// armOfferWatch schedules a check for just after the earliest of the given
// pending offers expires.
func (b *base) armOfferWatch(rideID string, live []models.Offer) {
	if len(live) == 0 {
		return
	}
	earliest := live[0].ExpiresAt
	for _, o := range live[1:] {
		if o.ExpiresAt.Before(earliest) {
			earliest = o.ExpiresAt
		}
	}
	b.armAt(rideID, earliest.Sub(b.now())+time.Millisecond)
}

// settleExpired marks pending offers past their window as expired. When the
// ride was collecting offers and none are left it goes back to requested.
// It returns the offers still pending.
func (b *base) settleExpired(ctx context.Context, repo storage.Repo, ride *models.Ride) (live []models.Offer, reverted bool, err error) {
	pending, err := repo.ListOffersByRide(ctx, ride.ID, models.OfferPending)
	if err != nil {
		return nil, false, err
	}
	now := b.now()
	for _, o := range pending {
		if !o.IsExpired(now) {
			live = append(live, o)
			continue
		}
		o.State = models.OfferExpired
		if err := repo.UpdateOffer(ctx, &o); err != nil {
			return nil, false, err
		}
		observability.OffersExpired.Inc()
	}
	if ride.State == models.RideOffersReceived && len(live) == 0 {
		if err := b.transition(ctx, repo, ride, models.RideRequested); err != nil {
			return nil, false, err
		}
		reverted = true
	}
	return live, reverted, nil
}

func (b *base) transition(ctx context.Context, repo storage.Repo, ride *models.Ride, to models.RideState) error {
	if !models.CanTransition(ride.State, to) {
		return apperr.Conflict(fmt.Sprintf("ride cannot move from %s to %s", ride.State, to))
	}
	ride.State = to
	if to == models.RideRequested {
		ride.WindowStartedAt = b.now()
	}
	return repo.UpdateRide(ctx, ride)
}

func (b *base) appendProposal(ctx context.Context, repo storage.Repo, p models.Proposal) error {
	p.ID = newID()
	p.CreatedAt = b.now()
	return repo.AppendProposal(ctx, &p)
}

// lockOwnedRide locks the ride and hides it from anyone but its passenger.
func lockOwnedRide(ctx context.Context, repo storage.Repo, rideID, passengerID string) (models.Ride, error) {
	ride, err := repo.LockRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, storeErr(err, "ride")
	}
	if ride.PassengerID != passengerID {
		return models.Ride{}, apperr.NotFound("ride")
	}
	return ride, nil
}

// driverOffer loads the driver's own offer and locks its ride.
func driverOffer(ctx context.Context, repo storage.Repo, offerID, driverID string) (models.Offer, models.Ride, error) {
	o, err := repo.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, models.Ride{}, storeErr(err, "offer")
	}
	if o.DriverID != driverID {
		return models.Offer{}, models.Ride{}, apperr.NotFound("offer")
	}
	ride, err := repo.LockRide(ctx, o.RideID)
	if err != nil {
		return models.Offer{}, models.Ride{}, storeErr(err, "ride")
	}
	// re-read under the ride lock
	if o, err = repo.GetOffer(ctx, offerID); err != nil {
		return models.Offer{}, models.Ride{}, storeErr(err, "offer")
	}
	return o, ride, nil
}

func driverSummary(ctx context.Context, repo storage.Repo, driverID string, withPhone bool) dispatch.DriverSummary {
	s := dispatch.DriverSummary{ID: driverID}
	if d, err := repo.GetDriver(ctx, driverID); err == nil {
		s.Name = d.Name
		if withPhone {
			s.Phone = d.Phone
		}
	}
	if v, err := repo.ActiveVehicle(ctx, driverID); err == nil {
		s.Vehicle = &dispatch.VehicleSummary{ID: v.ID, Plate: v.Plate, Make: v.Make, Model: v.Model, Color: v.Color}
	}
	return s
}

// storeErr maps storage sentinels onto the engine's error codes.
func storeErr(err error, resource string) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(resource)
	case errors.Is(err, storage.ErrDuplicate):
		return apperr.Conflict(resource + " already exists")
	default:
		return apperr.Internal(err, "storage failure")
	}
}

func (b *base) notifyUser(ctx context.Context, userID string, ev dispatch.Event, push *dispatch.PushMessage) {
	if b.notify == nil {
		return
	}
	b.deliver(ctx, ev, push, userID, b.notify.NotifyUser, b.notify.PushToUser)
}

func (b *base) notifyDriver(ctx context.Context, driverID string, ev dispatch.Event, push *dispatch.PushMessage) {
	if b.notify == nil {
		return
	}
	b.deliver(ctx, ev, push, driverID, b.notify.NotifyDriver, b.notify.PushToDriver)
}

// deliver sends ev over the realtime channel and push, when given, as a
// mobile notification. A nil ev means push only.
func (b *base) deliver(
	ctx context.Context,
	ev dispatch.Event,
	push *dispatch.PushMessage,
	id string,
	send func(context.Context, string, dispatch.Event) error,
	pushFn func(context.Context, string, dispatch.PushMessage) error,
) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.rules.NotifyTimeout)
	defer cancel()
	name := ""
	if ev != nil {
		name = ev.EventName()
		if err := send(ctx, id, ev); err != nil {
			observability.NotificationFailures.WithLabelValues("realtime").Inc()
			b.log.Warn("realtime notification failed", "event", name, "recipient", id, "err", err)
		}
	}
	if push == nil {
		return
	}
	if push.Data == nil {
		push.Data = map[string]string{}
	}
	if name != "" {
		push.Data["event"] = name
	}
	if err := pushFn(ctx, id, *push); err != nil {
		observability.NotificationFailures.WithLabelValues("push").Inc()
		b.log.Warn("push notification failed", "event", name, "recipient", id, "err", err)
	}
}

func (b *base) publish(ctx context.Context, ev events.RideEvent) {
	ev.OccurredAt = b.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.rules.NotifyTimeout)
	defer cancel()
	if err := b.events.Publish(ctx, ev); err != nil {
		observability.NotificationFailures.WithLabelValues("events").Inc()
		b.log.Warn("publish ride event failed", "type", ev.Type, "ride_id", ev.RideID, "err", err)
	}
}

func pushData(rideID string, kv ...string) map[string]string {
	m := map[string]string{"ride_id": rideID}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func money(v float64) string { return fmt.Sprintf("S/ %.2f", v) }

func ptr[T any](v T) *T { return &v }
