package rides

import (
	"context"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/fare"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/validation"
)

// Coordinator runs the counter-offer exchange. Every counter in either
// direction is appended to the ride's proposal log.
type Coordinator struct{ *base }

// PassengerCounterOffer replaces the ride's suggested price and broadcasts it
// to every driver with a live offer. Offer fares are left alone.
func (c *Coordinator) PassengerCounterOffer(ctx context.Context, cmd PassengerCounterCommand) (CounterOfferResult, error) {
	if err := validation.Struct(cmd); err != nil {
		return CounterOfferResult{}, err
	}
	price := fare.Round2(cmd.Price)
	var (
		ride     models.Ride
		live     []models.Offer
		reverted bool
	)
	err := c.store.WithTx(ctx, func(repo storage.Repo) error {
		var err error
		ride, err = lockOwnedRide(ctx, repo, cmd.RideID, cmd.PassengerID)
		if err != nil {
			return err
		}
		if ride.State != models.RideOffersReceived {
			return apperr.Conflict("counter-offers are only possible while offers are pending")
		}
		live, reverted, err = c.settleExpired(ctx, repo, &ride)
		if err != nil || reverted {
			return err
		}
		ride.SuggestedPrice = ptr(price)
		ride.CounterOfferAt = ptr(c.now())
		if err := repo.UpdateRide(ctx, &ride); err != nil {
			return err
		}
		return c.appendProposal(ctx, repo, models.Proposal{
			RideID:  ride.ID,
			Actor:   models.ActorPassenger,
			ActorID: cmd.PassengerID,
			Kind:    models.ProposalPassengerCounter,
			Amount:  price,
			Message: cmd.Message,
		})
	})
	if err != nil {
		return CounterOfferResult{}, storeErr(err, "ride")
	}
	if reverted {
		c.armNoOffer(ride.ID)
		return CounterOfferResult{}, apperr.Conflict("all offers for this ride have expired")
	}

	observability.CounterOffers.WithLabelValues("passenger").Inc()
	c.log.Info("passenger counter-offer", "ride_id", ride.ID, "price", price, "drivers", len(live))
	for _, o := range live {
		c.notifyDriver(ctx, o.DriverID, dispatch.CounterOffer{
			RideID:  ride.ID,
			OfferID: o.ID,
			Price:   price,
			Message: cmd.Message,
		}, &dispatch.PushMessage{
			Title: "Counter-offer",
			Body:  "The passenger proposes " + money(price),
			Data:  pushData(ride.ID, "offer_id", o.ID),
		})
	}
	c.publish(ctx, events.RideEvent{
		Type:        events.CounterProposed,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		State:       string(ride.State),
		Amount:      ptr(price),
	})
	return CounterOfferResult{Ride: ride, DriversNotified: len(live)}, nil
}

// AcceptCounterOffer matches the driver's offer to the passenger's counter
// price. The passenger still has to accept the offer.
func (c *Coordinator) AcceptCounterOffer(ctx context.Context, cmd CounterDecision) (models.Offer, error) {
	if err := validation.Struct(cmd); err != nil {
		return models.Offer{}, err
	}
	var ride models.Ride
	offer, err := c.onDriverOffer(ctx, cmd.OfferID, cmd.DriverID, func(repo storage.Repo, o *models.Offer, r *models.Ride) error {
		if r.CounterOfferAt == nil || r.SuggestedPrice == nil {
			return apperr.Conflict("passenger has not made a counter-offer")
		}
		ride = *r
		now := c.now()
		o.ProposedFare = *r.SuggestedPrice
		o.CounterMatchedAt = ptr(now)
		if err := repo.UpdateOffer(ctx, o); err != nil {
			return err
		}
		return c.appendProposal(ctx, repo, models.Proposal{
			RideID:  r.ID,
			OfferID: ptr(o.ID),
			Actor:   models.ActorDriver,
			ActorID: o.DriverID,
			Kind:    models.ProposalCounterMatched,
			Amount:  o.ProposedFare,
		})
	})
	if err != nil {
		return models.Offer{}, err
	}

	c.log.Info("counter-offer accepted", "ride_id", ride.ID, "offer_id", offer.ID, "driver_id", offer.DriverID)
	c.notifyUser(ctx, ride.PassengerID, dispatch.CounterOfferAccepted{
		RideID:   ride.ID,
		OfferID:  offer.ID,
		DriverID: offer.DriverID,
		Fare:     offer.ProposedFare,
	}, &dispatch.PushMessage{
		Title: "Counter-offer accepted",
		Body:  "A driver accepted your price of " + money(offer.ProposedFare),
		Data:  pushData(ride.ID, "offer_id", offer.ID),
	})
	c.publish(ctx, events.RideEvent{
		Type:        events.CounterAccepted,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		DriverID:    offer.DriverID,
		OfferID:     offer.ID,
		Amount:      ptr(offer.ProposedFare),
	})
	return offer, nil
}

// RejectCounterOffer withdraws the driver's offer in answer to the
// passenger's counter. The ride reverts to requested when it was the last
// pending offer.
func (c *Coordinator) RejectCounterOffer(ctx context.Context, cmd CounterDecision) (models.Offer, error) {
	if err := validation.Struct(cmd); err != nil {
		return models.Offer{}, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = reasonCounterDecline
	}
	var (
		ride     models.Ride
		live     []models.Offer
		reverted bool
	)
	offer, err := c.onDriverOffer(ctx, cmd.OfferID, cmd.DriverID, func(repo storage.Repo, o *models.Offer, r *models.Ride) error {
		if r.CounterOfferAt == nil || r.SuggestedPrice == nil {
			return apperr.Conflict("passenger has not made a counter-offer")
		}
		o.State = models.OfferRejected
		o.RejectedAt = ptr(c.now())
		if err := repo.UpdateOffer(ctx, o); err != nil {
			return err
		}
		if err := c.appendProposal(ctx, repo, models.Proposal{
			RideID:  r.ID,
			OfferID: ptr(o.ID),
			Actor:   models.ActorDriver,
			ActorID: o.DriverID,
			Kind:    models.ProposalCounterDeclined,
			Amount:  *r.SuggestedPrice,
			Message: reason,
		}); err != nil {
			return err
		}
		var err error
		live, reverted, err = c.settleExpired(ctx, repo, r)
		ride = *r
		return err
	})
	if err != nil {
		return models.Offer{}, err
	}
	if reverted {
		c.armNoOffer(ride.ID)
	} else {
		c.armOfferWatch(ride.ID, live)
	}

	c.log.Info("counter-offer declined", "ride_id", ride.ID, "offer_id", offer.ID, "driver_id", offer.DriverID, "reverted", reverted)
	c.notifyUser(ctx, ride.PassengerID, dispatch.CounterOfferRejected{
		RideID:   ride.ID,
		OfferID:  offer.ID,
		DriverID: offer.DriverID,
		Reason:   reason,
	}, &dispatch.PushMessage{
		Title: "Counter-offer declined",
		Body:  "A driver declined your price",
		Data:  pushData(ride.ID, "offer_id", offer.ID),
	})
	c.publish(ctx, events.RideEvent{
		Type:        events.CounterRejected,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		DriverID:    offer.DriverID,
		OfferID:     offer.ID,
		State:       string(ride.State),
		Reason:      reason,
	})
	return offer, nil
}

// DriverCounterOffer replaces the fare of the driver's own pending offer.
func (c *Coordinator) DriverCounterOffer(ctx context.Context, cmd DriverCounterCommand) (models.Offer, error) {
	if err := validation.Struct(cmd); err != nil {
		return models.Offer{}, err
	}
	var (
		ride   models.Ride
		driver dispatch.DriverSummary
	)
	offer, err := c.onDriverOffer(ctx, cmd.OfferID, cmd.DriverID, func(repo storage.Repo, o *models.Offer, r *models.Ride) error {
		ride = *r
		o.ProposedFare = fare.Round2(cmd.Fare)
		o.Message = cmd.Message
		o.CounterAt = ptr(c.now())
		if err := repo.UpdateOffer(ctx, o); err != nil {
			return err
		}
		driver = driverSummary(ctx, repo, o.DriverID, false)
		return c.appendProposal(ctx, repo, models.Proposal{
			RideID:  r.ID,
			OfferID: ptr(o.ID),
			Actor:   models.ActorDriver,
			ActorID: o.DriverID,
			Kind:    models.ProposalDriverCounter,
			Amount:  o.ProposedFare,
			Message: o.Message,
		})
	})
	if err != nil {
		return models.Offer{}, err
	}

	observability.CounterOffers.WithLabelValues("driver").Inc()
	c.log.Info("driver counter-offer", "ride_id", ride.ID, "offer_id", offer.ID, "driver_id", offer.DriverID, "fare", offer.ProposedFare)
	c.notifyUser(ctx, ride.PassengerID, dispatch.DriverCounterOffer{
		RideID:  ride.ID,
		OfferID: offer.ID,
		Fare:    offer.ProposedFare,
		Message: offer.Message,
		Driver:  driver,
	}, &dispatch.PushMessage{
		Title: "New price from your driver",
		Body:  driverName(driver) + " proposes " + money(offer.ProposedFare),
		Data:  pushData(ride.ID, "offer_id", offer.ID),
	})
	c.publish(ctx, events.RideEvent{
		Type:        events.CounterProposed,
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		DriverID:    offer.DriverID,
		OfferID:     offer.ID,
		Amount:      ptr(offer.ProposedFare),
	})
	return offer, nil
}

// onDriverOffer runs fn in a unit of work over the driver's own live offer on
// a ride that is still collecting offers. An offer found past its window is
// expired and committed before the Conflict is returned.
func (c *Coordinator) onDriverOffer(ctx context.Context, offerID, driverID string, fn func(storage.Repo, *models.Offer, *models.Ride) error) (models.Offer, error) {
	var (
		offer    models.Offer
		rideID   string
		expired  bool
		reverted bool
		live     []models.Offer
	)
	err := c.store.WithTx(ctx, func(repo storage.Repo) error {
		o, ride, err := driverOffer(ctx, repo, offerID, driverID)
		if err != nil {
			return err
		}
		rideID = ride.ID
		if ride.State != models.RideOffersReceived {
			return apperr.Conflict("ride is not collecting offers")
		}
		if o.State != models.OfferPending {
			return apperr.Conflict("offer is " + string(o.State))
		}
		if o.IsExpired(c.now()) {
			expired = true
			live, reverted, err = c.settleExpired(ctx, repo, &ride)
			return err
		}
		if err := fn(repo, &o, &ride); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return models.Offer{}, storeErr(err, "offer")
	}
	if expired {
		if reverted {
			c.armNoOffer(rideID)
		} else {
			c.armOfferWatch(rideID, live)
		}
		return models.Offer{}, apperr.Conflict("offer has expired")
	}
	return offer, nil
}
