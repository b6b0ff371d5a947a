package rides

import (
	"time"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/models"
)

type RequestRideCommand struct {
	PassengerID    string        `json:"passenger_id" validate:"required"`
	Pickup         *models.Place `json:"pickup" validate:"required"`
	Dropoff        *models.Place `json:"dropoff" validate:"required"`
	SuggestedPrice *float64      `json:"suggested_price" validate:"omitempty,gte=0.01,lte=500"`
}

type RequestRideResult struct {
	Ride            models.Ride `json:"ride"`
	DriversNotified int         `json:"drivers_notified"`
	TimeoutSeconds  int         `json:"timeout_seconds,omitempty"`
	SearchRadiusKm  float64     `json:"search_radius_km"`
	CanRetry        bool        `json:"can_retry"`
	Suggestions     []string    `json:"suggestions,omitempty"`
	Message         string      `json:"message"`
}

type AcceptOfferCommand struct {
	RideID      string `json:"ride_id" validate:"required"`
	OfferID     string `json:"offer_id" validate:"required"`
	PassengerID string `json:"passenger_id" validate:"required"`
}

type AcceptOfferResult struct {
	Ride   models.Ride            `json:"ride"`
	Offer  models.Offer           `json:"offer"`
	Driver dispatch.DriverSummary `json:"driver"`
}

type RejectOfferCommand struct {
	RideID      string `json:"ride_id" validate:"required"`
	OfferID     string `json:"offer_id" validate:"required"`
	PassengerID string `json:"passenger_id" validate:"required"`
	Reason      string `json:"reason" validate:"max=280"`
}

type CancelRideCommand struct {
	RideID      string `json:"ride_id" validate:"required"`
	PassengerID string `json:"passenger_id" validate:"required"`
	Reason      string `json:"reason" validate:"max=280"`
}

// DriverRideCommand is used for the driver-side trip transitions.
type DriverRideCommand struct {
	RideID   string `json:"ride_id" validate:"required"`
	DriverID string `json:"driver_id" validate:"required"`
}

type SubmitOfferCommand struct {
	RideID   string  `json:"ride_id" validate:"required"`
	DriverID string  `json:"driver_id" validate:"required"`
	Fare     float64 `json:"fare" validate:"gte=0.01,lte=500"`
	Message  string  `json:"message" validate:"max=280"`
}

type DriverOfferFilter struct {
	State  models.OfferState `json:"state"`
	Limit  int               `json:"limit" validate:"gte=0"`
	Offset int               `json:"offset" validate:"gte=0"`
}

type NearbyQuery struct {
	DriverID string `json:"driver_id" validate:"required"`
	models.Coord
}

type PassengerCounterCommand struct {
	RideID      string  `json:"ride_id" validate:"required"`
	PassengerID string  `json:"passenger_id" validate:"required"`
	Price       float64 `json:"price" validate:"gte=0.01,lte=500"`
	Message     string  `json:"message" validate:"max=280"`
}

type CounterOfferResult struct {
	Ride            models.Ride `json:"ride"`
	DriversNotified int         `json:"drivers_notified"`
}

// CounterDecision is a driver's answer to the passenger's counter-offer.
type CounterDecision struct {
	OfferID  string `json:"offer_id" validate:"required"`
	DriverID string `json:"driver_id" validate:"required"`
	Reason   string `json:"reason" validate:"max=280"`
}

type DriverCounterCommand struct {
	OfferID  string  `json:"offer_id" validate:"required"`
	DriverID string  `json:"driver_id" validate:"required"`
	Fare     float64 `json:"fare" validate:"gte=0.01,lte=500"`
	Message  string  `json:"message" validate:"max=280"`
}

// OfferView is an offer with the bidding driver resolved. State reads expired
// once the offer has outlived its window, even before the row is updated.
type OfferView struct {
	models.Offer
	Driver dispatch.DriverSummary `json:"driver"`
}

type RideStatus struct {
	Ride          models.Ride             `json:"ride"`
	Message       string                  `json:"message"`
	PendingOffers []OfferView             `json:"pending_offers,omitempty"`
	Driver        *dispatch.DriverSummary `json:"driver,omitempty"`
	FinalFare     *float64                `json:"final_fare,omitempty"`
	CancelReason  string                  `json:"cancel_reason,omitempty"`
	History       []models.Proposal       `json:"history,omitempty"`
}

type DriverOfferView struct {
	models.Offer
	RideState models.RideState `json:"ride_state"`
	Pickup    models.Place     `json:"pickup"`
	Dropoff   models.Place     `json:"dropoff"`
}

type DriverOfferPage struct {
	Offers  []DriverOfferView `json:"offers"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	HasMore bool              `json:"has_more"`
}

type NearbyRequest struct {
	RideID             string       `json:"ride_id"`
	Pickup             models.Place `json:"pickup"`
	Dropoff            models.Place `json:"dropoff"`
	DistanceKm         float64      `json:"distance_km"`
	DistanceToPickupKm float64      `json:"distance_to_pickup_km"`
	ArrivalMinutes     int          `json:"arrival_minutes"`
	SuggestedPrice     *float64     `json:"suggested_price,omitempty"`
	ReferentialFare    float64      `json:"referential_fare"`
	RequestedAt        time.Time    `json:"requested_at"`
	PendingOffers      int          `json:"pending_offers"`
	AlreadyOffered     bool         `json:"already_offered"`
}
