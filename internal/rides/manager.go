package rides

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/fare"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/validation"
)

const (
	ReasonNoDrivers      = "no drivers near pickup"
	ReasonTimeout        = "timeout"
	ReasonStaleRequest   = "replaced by a new request"
	ReasonByPassenger    = "cancelled by passenger"
	reasonOtherOfferWon  = "passenger chose another offer"
	reasonOfferDeclined  = "passenger declined your offer"
	reasonCounterDecline = "driver declined your counter-offer"
)

var noDriverSuggestions = []string{
	"Try raising your suggested price",
	"Wait a few minutes and try again",
	"Check that the pickup point is accessible",
}

// Manager owns the ride state machine.
type Manager struct{ *base }

func (m *Manager) RequestRide(ctx context.Context, cmd RequestRideCommand) (RequestRideResult, error) {
	if err := validation.Struct(cmd); err != nil {
		return RequestRideResult{}, err
	}
	log := m.log.With("passenger_id", cmd.PassengerID)

	// fail fast on an obvious conflict before touching the geo index
	if err := m.store.View(ctx, func(repo storage.Repo) error {
		_, err := m.blockingRide(ctx, repo, cmd.PassengerID)
		return err
	}); err != nil {
		return RequestRideResult{}, err
	}

	if err := m.geo.Ready(ctx); err != nil {
		return RequestRideResult{}, unavailable(err)
	}
	km := fare.HaversineKm(cmd.Pickup.Lat, cmd.Pickup.Lng, cmd.Dropoff.Lat, cmd.Dropoff.Lng)
	drivers, err := m.geo.FindNearbyDrivers(ctx, cmd.Pickup.Lat, cmd.Pickup.Lng, m.rules.SearchRadiusKm)
	if err != nil {
		return RequestRideResult{}, unavailable(err)
	}

	now := m.now()
	ride := models.Ride{
		ID:              newID(),
		PassengerID:     cmd.PassengerID,
		Pickup:          *cmd.Pickup,
		Dropoff:         *cmd.Dropoff,
		DistanceKm:      fare.Round2(km),
		DurationMinutes: m.fare.ETAMinutes(km),
		SuggestedPrice:  cmd.SuggestedPrice,
		ReferentialFare: m.fare.ReferentialFare(km),
		State:           models.RideRequested,
		RequestedAt:     now,
		WindowStartedAt: now,
	}
	var replaced *models.Ride
	err = m.store.WithTx(ctx, func(repo storage.Repo) error {
		stale, err := m.blockingRide(ctx, repo, cmd.PassengerID)
		if err != nil {
			return err
		}
		if stale != nil {
			stale.CancelledAt = ptr(now)
			stale.CancelledBy = models.ActorSystem
			stale.CancelReason = ReasonStaleRequest
			if err := m.transition(ctx, repo, stale, models.RideCancelled); err != nil {
				return err
			}
			replaced = stale
		}
		if err := repo.InsertRide(ctx, &ride); err != nil {
			return storeErr(err, "active ride")
		}
		if len(drivers) == 0 {
			ride.CancelledAt = ptr(now)
			ride.CancelledBy = models.ActorSystem
			ride.CancelReason = ReasonNoDrivers
			return m.transition(ctx, repo, &ride, models.RideCancelled)
		}
		return nil
	})
	if err != nil {
		return RequestRideResult{}, err
	}

	observability.RidesRequested.Inc()
	observability.DriversNotified.Observe(float64(len(drivers)))
	m.publish(ctx, events.RideEvent{Type: events.RideRequested, RideID: ride.ID, PassengerID: ride.PassengerID, State: string(models.RideRequested)})

	if replaced != nil {
		m.timers.Cancel(replaced.ID)
		observability.RidesCancelled.WithLabelValues("stale").Inc()
		log.Info("stale ride auto-cancelled", "ride_id", replaced.ID)
		m.notifyUser(ctx, replaced.PassengerID, dispatch.AutoCancelled{RideID: replaced.ID, Reason: ReasonStaleRequest}, nil)
		m.publish(ctx, events.RideEvent{Type: events.RideCancelled, RideID: replaced.ID, PassengerID: replaced.PassengerID, Reason: ReasonStaleRequest})
	}

	res := RequestRideResult{Ride: ride, SearchRadiusKm: m.rules.SearchRadiusKm}
	if len(drivers) == 0 {
		observability.RidesCancelled.WithLabelValues("no_drivers").Inc()
		log.Info("no drivers near pickup", "ride_id", ride.ID)
		res.CanRetry = true
		res.Suggestions = noDriverSuggestions
		res.Message = "No drivers are available near your pickup point right now"
		m.notifyUser(ctx, ride.PassengerID, dispatch.NoDriversAvailable{
			RideID:         ride.ID,
			SearchRadiusKm: m.rules.SearchRadiusKm,
			CanRetry:       true,
			Suggestions:    noDriverSuggestions,
		}, &dispatch.PushMessage{
			Title: "No drivers available",
			Body:  "We could not find drivers near your pickup point",
			Data:  pushData(ride.ID),
		})
		m.publish(ctx, events.RideEvent{Type: events.RideCancelled, RideID: ride.ID, PassengerID: ride.PassengerID, Reason: ReasonNoDrivers})
		return res, nil
	}

	m.armNoOffer(ride.ID)
	timeout := int(m.rules.NoOfferTimeout / time.Second)
	route := routeOf(ride)
	for _, d := range drivers {
		body := "Referential fare " + money(ride.ReferentialFare)
		if ride.SuggestedPrice != nil {
			body = "Suggested price " + money(*ride.SuggestedPrice)
		}
		m.notifyDriver(ctx, d.DriverID, dispatch.NewRequest{
			RideID:             ride.ID,
			Route:              route,
			SuggestedPrice:     ride.SuggestedPrice,
			ReferentialFare:    ride.ReferentialFare,
			DistanceToPickupKm: fare.Round2(d.DistanceKm),
			ExpiresInSeconds:   timeout,
		}, &dispatch.PushMessage{Title: "New ride request", Body: body, Data: pushData(ride.ID)})
	}
	log.Info("ride requested", "ride_id", ride.ID, "drivers_notified", len(drivers))

	res.DriversNotified = len(drivers)
	res.TimeoutSeconds = timeout
	res.Message = fmt.Sprintf("Request sent to %d nearby drivers", len(drivers))
	return res, nil
}

// blockingRide returns the passenger's active ride if it is stale enough to be
// replaced, or a Conflict if an active ride blocks a new request.
func (m *Manager) blockingRide(ctx context.Context, repo storage.Repo, passengerID string) (*models.Ride, error) {
	active, err := repo.ListActiveRidesByPassenger(ctx, passengerID)
	if err != nil {
		return nil, storeErr(err, "ride")
	}
	if len(active) == 0 {
		return nil, nil
	}
	r := active[0]
	if r.State == models.RideRequested && m.now().Sub(r.RequestedAt) > m.rules.StaleRequestAge {
		offers, err := repo.ListOffersByRide(ctx, r.ID)
		if err != nil {
			return nil, storeErr(err, "offer")
		}
		if len(offers) == 0 {
			return &r, nil
		}
	}
	return nil, apperr.Conflict("passenger already has an active ride").WithDetails(map[string]string{"ride_id": r.ID, "state": string(r.State)})
}

// onRideTimer is the single per-ride timer callback. In requested it is the
// no-offer timeout, measured from when the ride last entered requested; in
// offers_received it settles expired offers and either
// re-arms for the next expiry or reverts the ride to a fresh no-offer window.
func (b *base) onRideTimer(ctx context.Context, rideID string) {
	log := b.log.With("ride_id", rideID)
	var (
		outcome string
		ride    models.Ride
		live    []models.Offer
		wait    time.Duration
	)
	err := b.store.WithTx(ctx, func(repo storage.Repo) error {
		var err error
		ride, err = repo.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		switch ride.State {
		case models.RideRequested:
			// a fire left over from an earlier window must not end a fresh one
			if deadline := ride.WindowStart().Add(b.rules.NoOfferTimeout); b.now().Before(deadline) {
				outcome = "early"
				wait = deadline.Sub(b.now())
				return nil
			}
			ride.CancelledAt = ptr(b.now())
			ride.CancelledBy = models.ActorSystem
			ride.CancelReason = ReasonTimeout
			outcome = "cancelled"
			return b.transition(ctx, repo, &ride, models.RideCancelled)
		case models.RideOffersReceived:
			var reverted bool
			live, reverted, err = b.settleExpired(ctx, repo, &ride)
			outcome = "rearmed"
			if reverted {
				outcome = "reverted"
			}
			return err
		default:
			outcome = "noop"
			return nil
		}
	})
	if storeErrIsNotFound(err) {
		observability.TimeoutsFired.WithLabelValues("missing").Inc()
		log.Info("ride timer fired for missing ride")
		return
	}
	if err != nil {
		observability.TimeoutsFired.WithLabelValues("error").Inc()
		log.Error("ride timer failed", "err", err)
		return
	}
	observability.TimeoutsFired.WithLabelValues(outcome).Inc()

	switch outcome {
	case "cancelled":
		observability.RidesCancelled.WithLabelValues("timeout").Inc()
		mins := int(b.rules.NoOfferTimeout / time.Minute)
		log.Info("ride timed out without offers")
		b.notifyUser(ctx, ride.PassengerID, dispatch.Timeout{
			RideID:   ride.ID,
			Message:  fmt.Sprintf("No offers arrived for your ride within %d minutes. Try again or adjust the price.", mins),
			CanRetry: true,
		}, &dispatch.PushMessage{
			Title: "Ride without offers",
			Body:  fmt.Sprintf("No drivers responded within %d minutes", mins),
			Data:  pushData(ride.ID),
		})
		b.publish(ctx, events.RideEvent{Type: events.RideTimedOut, RideID: ride.ID, PassengerID: ride.PassengerID, Reason: ReasonTimeout})
	case "reverted":
		log.Info("all offers expired, ride back to requested")
		b.armNoOffer(ride.ID)
	case "rearmed":
		b.armOfferWatch(ride.ID, live)
	case "early":
		b.armAt(ride.ID, wait)
	}
}

// RecoverTimers re-arms timers for open rides, e.g. after a restart.
func (m *Manager) RecoverTimers(ctx context.Context) (int, error) {
	type plan struct {
		ride models.Ride
		live []models.Offer
	}
	var plans []plan
	err := m.store.View(ctx, func(repo storage.Repo) error {
		open, err := repo.ListOpenRides(ctx)
		if err != nil {
			return err
		}
		for _, r := range open {
			p := plan{ride: r}
			if r.State == models.RideOffersReceived {
				if p.live, err = repo.ListOffersByRide(ctx, r.ID, models.OfferPending); err != nil {
					return err
				}
			}
			plans = append(plans, p)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr(err, "ride")
	}
	for _, p := range plans {
		if p.ride.State == models.RideRequested || len(p.live) == 0 {
			m.armAt(p.ride.ID, p.ride.WindowStart().Add(m.rules.NoOfferTimeout).Sub(m.now()))
			continue
		}
		m.armOfferWatch(p.ride.ID, p.live)
	}
	return len(plans), nil
}

func (m *Manager) AcceptOffer(ctx context.Context, cmd AcceptOfferCommand) (AcceptOfferResult, error) {
	if err := validation.Struct(cmd); err != nil {
		return AcceptOfferResult{}, err
	}
	var (
		res       AcceptOfferResult
		losers    []models.Offer
		passenger models.Passenger
		expired   bool
		reverted  bool
	)
	err := m.store.WithTx(ctx, func(repo storage.Repo) error {
		ride, err := lockOwnedRide(ctx, repo, cmd.RideID, cmd.PassengerID)
		if err != nil {
			return err
		}
		if !ride.State.Open() {
			return apperr.Conflict("ride is no longer accepting offers")
		}
		offer, err := repo.GetOffer(ctx, cmd.OfferID)
		if err != nil {
			return storeErr(err, "offer")
		}
		if offer.RideID != ride.ID {
			return apperr.NotFound("offer")
		}
		if offer.State != models.OfferPending {
			return apperr.Conflict("offer is " + string(offer.State))
		}
		if offer.IsExpired(m.now()) {
			expired = true
			_, reverted, err = m.settleExpired(ctx, repo, &ride)
			return err
		}

		now := m.now()
		vehicleID := offer.VehicleID
		if vehicleID == nil {
			if v, err := repo.ActiveVehicle(ctx, offer.DriverID); err == nil {
				vehicleID = ptr(v.ID)
			}
		}
		ride.DriverID = ptr(offer.DriverID)
		ride.VehicleID = vehicleID
		ride.AgreedFare = ptr(offer.ProposedFare)
		ride.AcceptedAt = ptr(now)
		if err := m.transition(ctx, repo, &ride, models.RideAccepted); err != nil {
			return err
		}

		offer.State = models.OfferAccepted
		offer.AcceptedAt = ptr(now)
		if err := repo.UpdateOffer(ctx, &offer); err != nil {
			return storeErr(err, "accepted offer")
		}
		others, err := repo.ListOffersByRide(ctx, ride.ID, models.OfferPending)
		if err != nil {
			return err
		}
		for _, o := range others {
			o.State = models.OfferRejected
			o.RejectedAt = ptr(now)
			if err := repo.UpdateOffer(ctx, &o); err != nil {
				return err
			}
			losers = append(losers, o)
		}

		passenger, err = repo.GetPassenger(ctx, ride.PassengerID)
		if err != nil {
			passenger = models.Passenger{ID: ride.PassengerID}
		}
		res.Ride, res.Offer = ride, offer
		res.Driver = driverSummary(ctx, repo, offer.DriverID, true)
		return nil
	})
	if err != nil {
		return AcceptOfferResult{}, storeErr(err, "ride")
	}
	if expired {
		if reverted {
			m.armNoOffer(cmd.RideID)
		}
		return AcceptOfferResult{}, apperr.Conflict("offer has expired")
	}

	ride, offer := res.Ride, res.Offer
	m.timers.Cancel(ride.ID)
	observability.OffersAccepted.Inc()
	observability.NegotiationDuration.Observe(ride.AcceptedAt.Sub(ride.RequestedAt).Seconds())
	m.log.Info("offer accepted", "ride_id", ride.ID, "offer_id", offer.ID, "driver_id", offer.DriverID, "rejected", len(losers))

	m.notifyDriver(ctx, offer.DriverID, dispatch.OfferAccepted{
		RideID:    ride.ID,
		OfferID:   offer.ID,
		Fare:      offer.ProposedFare,
		Passenger: dispatch.PassengerSummary{ID: passenger.ID, Name: passenger.Name, Phone: passenger.Phone},
		Route:     routeOf(ride),
	}, &dispatch.PushMessage{
		Title: "Offer accepted",
		Body:  "Your offer of " + money(offer.ProposedFare) + " was accepted",
		Data:  pushData(ride.ID, "offer_id", offer.ID),
	})
	for _, o := range losers {
		m.notifyDriver(ctx, o.DriverID, dispatch.OfferRejected{RideID: ride.ID, OfferID: o.ID, Reason: reasonOtherOfferWon}, nil)
	}
	m.publish(ctx, events.RideEvent{
		Type:        events.OfferAccepted,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		DriverID:    offer.DriverID,
		OfferID:     offer.ID,
		State:       string(ride.State),
		Amount:      ride.AgreedFare,
	})
	return res, nil
}

func (m *Manager) CancelRide(ctx context.Context, cmd CancelRideCommand) (models.Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return models.Ride{}, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = ReasonByPassenger
	}
	var (
		ride      models.Ride
		prevState models.RideState
		dropped   []models.Offer
	)
	err := m.store.WithTx(ctx, func(repo storage.Repo) error {
		var err error
		ride, err = lockOwnedRide(ctx, repo, cmd.RideID, cmd.PassengerID)
		if err != nil {
			return err
		}
		prevState = ride.State
		ride.CancelledAt = ptr(m.now())
		ride.CancelledBy = models.ActorPassenger
		ride.CancelReason = reason
		if err := m.transition(ctx, repo, &ride, models.RideCancelled); err != nil {
			return err
		}
		live, err := repo.ListOffersByRide(ctx, ride.ID, models.OfferPending, models.OfferAccepted)
		if err != nil {
			return err
		}
		for _, o := range live {
			o.State = models.OfferCancelled
			if err := repo.UpdateOffer(ctx, &o); err != nil {
				return err
			}
			dropped = append(dropped, o)
		}
		return nil
	})
	if err != nil {
		return models.Ride{}, storeErr(err, "ride")
	}

	m.timers.Cancel(ride.ID)
	observability.RidesCancelled.WithLabelValues("passenger").Inc()
	m.log.Info("ride cancelled by passenger", "ride_id", ride.ID, "from", prevState, "offers_cancelled", len(dropped))

	switch {
	case prevState == models.RideAccepted && ride.DriverID != nil:
		m.notifyDriver(ctx, *ride.DriverID, dispatch.CanceledByPassenger{RideID: ride.ID, Reason: reason}, &dispatch.PushMessage{
			Title: "Ride cancelled",
			Body:  "The passenger cancelled the ride",
			Data:  pushData(ride.ID),
		})
	default:
		for _, o := range dropped {
			m.notifyDriver(ctx, o.DriverID, dispatch.CancelledByPassenger{RideID: ride.ID, OfferID: o.ID, Reason: reason}, &dispatch.PushMessage{
				Title: "Request cancelled",
				Body:  "The passenger cancelled the ride request",
				Data:  pushData(ride.ID, "offer_id", o.ID),
			})
		}
	}
	m.publish(ctx, events.RideEvent{Type: events.RideCancelled, RideID: ride.ID, PassengerID: ride.PassengerID, Reason: reason, State: string(prevState)})
	return ride, nil
}

func (m *Manager) StartRide(ctx context.Context, cmd DriverRideCommand) (models.Ride, error) {
	ride, err := m.driverTransition(ctx, cmd, models.RideInProgress, func(r *models.Ride) { r.StartedAt = ptr(m.now()) })
	if err != nil {
		return models.Ride{}, err
	}
	m.notifyUser(ctx, ride.PassengerID, nil, &dispatch.PushMessage{
		Title: "Trip started",
		Body:  "Your trip is under way",
		Data:  pushData(ride.ID),
	})
	m.publish(ctx, events.RideEvent{Type: events.RideStarted, RideID: ride.ID, PassengerID: ride.PassengerID, DriverID: cmd.DriverID})
	return ride, nil
}

func (m *Manager) CompleteRide(ctx context.Context, cmd DriverRideCommand) (models.Ride, error) {
	ride, err := m.driverTransition(ctx, cmd, models.RideCompleted, func(r *models.Ride) { r.CompletedAt = ptr(m.now()) })
	if err != nil {
		return models.Ride{}, err
	}
	observability.RidesCompleted.Inc()
	m.notifyUser(ctx, ride.PassengerID, nil, &dispatch.PushMessage{
		Title: "Trip completed",
		Body:  "You have arrived. Fare " + money(*ride.AgreedFare),
		Data:  pushData(ride.ID),
	})
	m.publish(ctx, events.RideEvent{Type: events.RideCompleted, RideID: ride.ID, PassengerID: ride.PassengerID, DriverID: cmd.DriverID, Amount: ride.AgreedFare})
	return ride, nil
}

func (m *Manager) driverTransition(ctx context.Context, cmd DriverRideCommand, to models.RideState, stamp func(*models.Ride)) (models.Ride, error) {
	if err := validation.Struct(cmd); err != nil {
		return models.Ride{}, err
	}
	var ride models.Ride
	err := m.store.WithTx(ctx, func(repo storage.Repo) error {
		var err error
		ride, err = repo.LockRide(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if ride.DriverID == nil || *ride.DriverID != cmd.DriverID {
			return apperr.NotFound("ride")
		}
		stamp(&ride)
		return m.transition(ctx, repo, &ride, to)
	})
	if err != nil {
		return models.Ride{}, storeErr(err, "ride")
	}
	m.log.Info("ride "+string(to), "ride_id", ride.ID, "driver_id", cmd.DriverID)
	return ride, nil
}

func (m *Manager) GetStatus(ctx context.Context, rideID, passengerID string) (RideStatus, error) {
	var st RideStatus
	err := m.store.View(ctx, func(repo storage.Repo) error {
		ride, err := repo.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.PassengerID != passengerID {
			return apperr.NotFound("ride")
		}
		st, err = m.status(ctx, repo, ride)
		return err
	})
	if err != nil {
		return RideStatus{}, storeErr(err, "ride")
	}
	return st, nil
}

func (m *Manager) GetActiveRides(ctx context.Context, passengerID string) ([]RideStatus, error) {
	out := []RideStatus{}
	err := m.store.View(ctx, func(repo storage.Repo) error {
		active, err := repo.ListActiveRidesByPassenger(ctx, passengerID)
		if err != nil {
			return err
		}
		for _, r := range active {
			st, err := m.status(ctx, repo, r)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "ride")
	}
	return out, nil
}

func (m *Manager) status(ctx context.Context, repo storage.Repo, ride models.Ride) (RideStatus, error) {
	st := RideStatus{Ride: ride}
	history, err := repo.ListProposals(ctx, ride.ID)
	if err != nil {
		return RideStatus{}, err
	}
	st.History = history

	switch ride.State {
	case models.RideRequested:
		st.Message = "Looking for available drivers..."
	case models.RideOffersReceived:
		st.Message = "You have received offers for your ride"
		pending, err := repo.ListOffersByRide(ctx, ride.ID, models.OfferPending)
		if err != nil {
			return RideStatus{}, err
		}
		now := m.now()
		for _, o := range pending {
			if o.IsExpired(now) {
				continue
			}
			st.PendingOffers = append(st.PendingOffers, OfferView{Offer: o, Driver: driverSummary(ctx, repo, o.DriverID, false)})
		}
	case models.RideAccepted, models.RideInProgress:
		st.Message = "Your driver is on the way"
		if ride.State == models.RideInProgress {
			st.Message = "Trip in progress"
		}
		if ride.DriverID != nil {
			d := driverSummary(ctx, repo, *ride.DriverID, true)
			st.Driver = &d
		}
	case models.RideCompleted:
		st.Message = "Trip completed successfully"
		st.FinalFare = ride.AgreedFare
	case models.RideCancelled:
		st.Message = "Ride cancelled: " + ride.CancelReason
		st.CancelReason = ride.CancelReason
	}
	return st, nil
}

func routeOf(r models.Ride) dispatch.Route {
	return dispatch.Route{Pickup: r.Pickup, Dropoff: r.Dropoff, DistanceKm: r.DistanceKm, DurationMinutes: r.DurationMinutes}
}

func unavailable(err error) error {
	if apperr.IsUnavailable(err) {
		return err
	}
	return apperr.Unavailable("driver matching is unavailable", err)
}

func storeErrIsNotFound(err error) bool {
	return err != nil && apperr.IsNotFound(storeErr(err, "ride"))
}
