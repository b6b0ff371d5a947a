package rides

import (
	"context"
	"errors"
	"sort"

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
	defaultOfferPageSize = 20
	maxOfferPageSize     = 100
)

// Ledger records driver offers against open rides.
type Ledger struct{ *base }

func (l *Ledger) SubmitOffer(ctx context.Context, cmd SubmitOfferCommand) (OfferView, error) {
	if err := validation.Struct(cmd); err != nil {
		return OfferView{}, err
	}
	var (
		offer    models.Offer
		ride     models.Ride
		live     []models.Offer
		driver   dispatch.DriverSummary
		firstBid bool
	)
	from, located := l.driverLocation(ctx, cmd.DriverID)
	err := l.store.WithTx(ctx, func(repo storage.Repo) error {
		d, err := repo.GetDriver(ctx, cmd.DriverID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Validation("driver is not registered")
		}
		if err != nil {
			return err
		}
		if !d.CanBid() {
			return apperr.Validation("driver is not active or not available")
		}
		vehicle, err := repo.ActiveVehicle(ctx, d.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Validation("driver has no active vehicle")
		}
		if err != nil {
			return err
		}

		ride, err = repo.LockRide(ctx, cmd.RideID)
		if err != nil {
			return storeErr(err, "ride")
		}
		if !ride.State.Open() {
			return apperr.Conflict("ride is no longer accepting offers")
		}
		if live, _, err = l.settleExpired(ctx, repo, &ride); err != nil {
			return err
		}
		if len(live) >= l.rules.MaxPendingOffers {
			return apperr.Conflict("ride already has the maximum number of pending offers")
		}
		if _, err := repo.FindOfferByDriver(ctx, ride.ID, d.ID); err == nil {
			return apperr.Conflict("driver already made an offer for this ride")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if !located && d.Loc != (models.Coord{}) {
			from, located = d.Loc, true
		}
		eta := 0
		if located {
			eta = l.fare.ArrivalMinutes(from.Lat, from.Lng, ride.Pickup.Lat, ride.Pickup.Lng)
		}
		now := l.now()
		offer = models.Offer{
			ID:             newID(),
			RideID:         ride.ID,
			DriverID:       d.ID,
			VehicleID:      ptr(vehicle.ID),
			ProposedFare:   fare.Round2(cmd.Fare),
			ArrivalMinutes: eta,
			Message:        cmd.Message,
			State:          models.OfferPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(l.rules.OfferTTL),
		}
		if err := repo.InsertOffer(ctx, &offer); err != nil {
			return storeErr(err, "offer")
		}
		if err := l.appendProposal(ctx, repo, models.Proposal{
			RideID:  ride.ID,
			OfferID: ptr(offer.ID),
			Actor:   models.ActorDriver,
			ActorID: d.ID,
			Kind:    models.ProposalOffer,
			Amount:  offer.ProposedFare,
			Message: offer.Message,
		}); err != nil {
			return err
		}
		live = append(live, offer)
		if ride.State == models.RideRequested {
			firstBid = true
			if err := l.transition(ctx, repo, &ride, models.RideOffersReceived); err != nil {
				return err
			}
		}
		driver = driverSummary(ctx, repo, d.ID, false)
		return nil
	})
	if err != nil {
		return OfferView{}, storeErr(err, "offer")
	}

	// the no-offer window is over once a bid is pending; from here the
	// ride timer tracks offer expiry
	if firstBid {
		l.armOfferWatch(ride.ID, live)
	}
	observability.OffersSubmitted.Inc()
	l.log.Info("offer submitted", "ride_id", ride.ID, "offer_id", offer.ID, "driver_id", offer.DriverID, "pending", len(live))

	l.notifyUser(ctx, ride.PassengerID, dispatch.OfferReceived{
		RideID:         ride.ID,
		OfferID:        offer.ID,
		Fare:           offer.ProposedFare,
		ArrivalMinutes: offer.ArrivalMinutes,
		Message:        offer.Message,
		ExpiresAt:      offer.ExpiresAt,
		Driver:         driver,
	}, &dispatch.PushMessage{
		Title: "New offer",
		Body:  driverName(driver) + " offers " + money(offer.ProposedFare),
		Data:  pushData(ride.ID, "offer_id", offer.ID),
	})
	l.publish(ctx, events.RideEvent{
		Type:        events.OfferSubmitted,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		DriverID:    offer.DriverID,
		OfferID:     offer.ID,
		State:       string(ride.State),
		Amount:      ptr(offer.ProposedFare),
	})
	return OfferView{Offer: offer, Driver: driver}, nil
}

// driverLocation reads the driver's last reported position from the geo
// index. SubmitOffer falls back to the driver directory row, and leaves the
// arrival estimate at zero when neither knows where the driver is.
func (l *Ledger) driverLocation(ctx context.Context, driverID string) (models.Coord, bool) {
	pos, ok, err := l.geo.DriverPosition(ctx, driverID)
	if err != nil {
		l.log.Warn("driver position lookup failed", "driver_id", driverID, "err", err)
		return models.Coord{}, false
	}
	if !ok {
		return models.Coord{}, false
	}
	return models.Coord{Lat: pos.Lat, Lng: pos.Lng}, true
}

func (l *Ledger) RejectOffer(ctx context.Context, cmd RejectOfferCommand) (models.Offer, error) {
	if err := validation.Struct(cmd); err != nil {
		return models.Offer{}, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = reasonOfferDeclined
	}
	var (
		offer    models.Offer
		ride     models.Ride
		live     []models.Offer
		reverted bool
		expired  bool
	)
	err := l.store.WithTx(ctx, func(repo storage.Repo) error {
		var err error
		ride, err = lockOwnedRide(ctx, repo, cmd.RideID, cmd.PassengerID)
		if err != nil {
			return err
		}
		offer, err = repo.GetOffer(ctx, cmd.OfferID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && offer.RideID != ride.ID) {
			return apperr.NotFound("offer")
		}
		if err != nil {
			return err
		}
		if ride.State != models.RideOffersReceived {
			return apperr.Conflict("ride is not collecting offers")
		}
		if offer.State != models.OfferPending {
			return apperr.Conflict("offer is " + string(offer.State))
		}
		if offer.IsExpired(l.now()) {
			expired = true
			live, reverted, err = l.settleExpired(ctx, repo, &ride)
			return err
		}
		offer.State = models.OfferRejected
		offer.RejectedAt = ptr(l.now())
		if err := repo.UpdateOffer(ctx, &offer); err != nil {
			return err
		}
		live, reverted, err = l.settleExpired(ctx, repo, &ride)
		return err
	})
	if err != nil {
		return models.Offer{}, storeErr(err, "offer")
	}
	if reverted {
		l.log.Info("no pending offers left, ride back to requested", "ride_id", ride.ID)
		l.armNoOffer(ride.ID)
	} else {
		l.armOfferWatch(ride.ID, live)
	}
	if expired {
		return models.Offer{}, apperr.Conflict("offer has expired")
	}

	l.log.Info("offer rejected", "ride_id", ride.ID, "offer_id", offer.ID, "driver_id", offer.DriverID)
	l.notifyDriver(ctx, offer.DriverID, dispatch.OfferRejected{RideID: ride.ID, OfferID: offer.ID, Reason: reason}, &dispatch.PushMessage{
		Title: "Offer declined",
		Body:  "The passenger declined your offer of " + money(offer.ProposedFare),
		Data:  pushData(ride.ID, "offer_id", offer.ID),
	})
	l.publish(ctx, events.RideEvent{
		Type:        events.OfferRejected,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		DriverID:    offer.DriverID,
		OfferID:     offer.ID,
		State:       string(ride.State),
		Reason:      reason,
	})
	return offer, nil
}

// ListOffers returns every offer on the passenger's ride in submission order.
func (l *Ledger) ListOffers(ctx context.Context, rideID, passengerID string) ([]OfferView, error) {
	out := []OfferView{}
	err := l.store.View(ctx, func(repo storage.Repo) error {
		ride, err := repo.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.PassengerID != passengerID {
			return apperr.NotFound("ride")
		}
		offers, err := repo.ListOffersByRide(ctx, ride.ID)
		if err != nil {
			return err
		}
		now := l.now()
		for _, o := range offers {
			if o.State == models.OfferPending && o.IsExpired(now) {
				o.State = models.OfferExpired
			}
			out = append(out, OfferView{Offer: o, Driver: driverSummary(ctx, repo, o.DriverID, false)})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "ride")
	}
	return out, nil
}

// ListDriverOffers pages through a driver's offers, newest first.
func (l *Ledger) ListDriverOffers(ctx context.Context, driverID string, f DriverOfferFilter) (DriverOfferPage, error) {
	if err := validation.Struct(f); err != nil {
		return DriverOfferPage{}, err
	}
	if f.State != "" && !f.State.Valid() {
		return DriverOfferPage{}, apperr.Validation("invalid request").WithDetails(map[string]string{"state": "is not a known offer state"})
	}
	if f.Limit == 0 {
		f.Limit = defaultOfferPageSize
	}
	f.Limit = min(f.Limit, maxOfferPageSize)

	page := DriverOfferPage{Offers: []DriverOfferView{}, Limit: f.Limit, Offset: f.Offset}
	err := l.store.View(ctx, func(repo storage.Repo) error {
		offers, total, err := repo.ListOffersByDriver(ctx, driverID, storage.OfferFilter{State: f.State, Limit: f.Limit, Offset: f.Offset})
		if err != nil {
			return err
		}
		page.Total = total
		now := l.now()
		for _, o := range offers {
			v := DriverOfferView{Offer: o}
			if o.State == models.OfferPending && o.IsExpired(now) {
				v.State = models.OfferExpired
			}
			if r, err := repo.GetRide(ctx, o.RideID); err == nil {
				v.RideState, v.Pickup, v.Dropoff = r.State, r.Pickup, r.Dropoff
			}
			page.Offers = append(page.Offers, v)
		}
		return nil
	})
	if err != nil {
		return DriverOfferPage{}, storeErr(err, "offer")
	}
	page.HasMore = f.Offset+len(page.Offers) < page.Total
	return page, nil
}

// NearbyRequests lists open rides whose pickup lies within the search radius
// of the driver, closest first.
func (l *Ledger) NearbyRequests(ctx context.Context, q NearbyQuery) ([]NearbyRequest, error) {
	if err := validation.Struct(q); err != nil {
		return nil, err
	}
	out := []NearbyRequest{}
	err := l.store.View(ctx, func(repo storage.Repo) error {
		open, err := repo.ListOpenRides(ctx)
		if err != nil {
			return err
		}
		now := l.now()
		for _, r := range open {
			km := fare.HaversineKm(q.Lat, q.Lng, r.Pickup.Lat, r.Pickup.Lng)
			if km > l.rules.SearchRadiusKm {
				continue
			}
			pending, err := repo.ListOffersByRide(ctx, r.ID, models.OfferPending)
			if err != nil {
				return err
			}
			n := 0
			for _, o := range pending {
				if !o.IsExpired(now) {
					n++
				}
			}
			_, err = repo.FindOfferByDriver(ctx, r.ID, q.DriverID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			out = append(out, NearbyRequest{
				RideID:             r.ID,
				Pickup:             r.Pickup,
				Dropoff:            r.Dropoff,
				DistanceKm:         r.DistanceKm,
				DistanceToPickupKm: fare.Round2(km),
				ArrivalMinutes:     l.fare.ETAMinutes(km),
				SuggestedPrice:     r.SuggestedPrice,
				ReferentialFare:    r.ReferentialFare,
				RequestedAt:        r.RequestedAt,
				PendingOffers:      n,
				AlreadyOffered:     err == nil,
			})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "ride")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceToPickupKm < out[j].DistanceToPickupKm })
	return out, nil
}

func driverName(d dispatch.DriverSummary) string {
	if d.Name != "" {
		return d.Name
	}
	return "A driver"
}
