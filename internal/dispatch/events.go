package dispatch

import (
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// Event is a realtime payload. The set of implementations below is closed;
// clients switch on the name.
type Event interface {
	EventName() string
}

// Envelope is what goes over the websocket.
type Envelope struct {
	Event string `json:"event"`
	Data  Event  `json:"data"`
}

func NewEnvelope(ev Event) Envelope {
	return Envelope{Event: ev.EventName(), Data: ev}
}

const (
	EventNewRequest           = "ride:new_request"
	EventOfferReceived        = "ride:offer_received"
	EventOfferAccepted        = "ride:offer_accepted"
	EventOfferRejected        = "ride:offer_rejected"
	EventCounterOffer         = "ride:counter_offer"
	EventDriverCounterOffer   = "ride:driver_counter_offer"
	EventCounterOfferAccepted = "ride:counter_offer_accepted"
	EventCounterOfferRejected = "ride:counter_offer_rejected"
	EventNoDriversAvailable   = "ride:no_drivers_available"
	EventTimeout              = "ride:timeout"
	EventAutoCancelled        = "ride:auto_cancelled"
	// EventCanceledByPassenger goes to the assigned driver, EventCancelledByPassenger
	// to drivers that only had an offer on the ride. Both spellings are on the wire.
	EventCanceledByPassenger  = "ride:canceled_by_passenger"
	EventCancelledByPassenger = "ride:cancelled_by_passenger"
)

type VehicleSummary struct {
	ID    string `json:"id"`
	Plate string `json:"plate"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Color string `json:"color"`
}

type DriverSummary struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Phone   string          `json:"phone,omitempty"`
	Vehicle *VehicleSummary `json:"vehicle,omitempty"`
}

type PassengerSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Route struct {
	Pickup          models.Place `json:"pickup"`
	Dropoff         models.Place `json:"dropoff"`
	DistanceKm      float64      `json:"distance_km"`
	DurationMinutes int          `json:"duration_minutes"`
}

type NewRequest struct {
	RideID             string   `json:"ride_id"`
	Route              Route    `json:"route"`
	SuggestedPrice     *float64 `json:"suggested_price,omitempty"`
	ReferentialFare    float64  `json:"referential_fare"`
	DistanceToPickupKm float64  `json:"distance_to_pickup_km"`
	ExpiresInSeconds   int      `json:"expires_in_seconds"`
}

func (NewRequest) EventName() string { return EventNewRequest }

type OfferReceived struct {
	RideID         string        `json:"ride_id"`
	OfferID        string        `json:"offer_id"`
	Fare           float64       `json:"fare"`
	ArrivalMinutes int           `json:"arrival_minutes"`
	Message        string        `json:"message,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Driver         DriverSummary `json:"driver"`
}

func (OfferReceived) EventName() string { return EventOfferReceived }

type OfferAccepted struct {
	RideID    string           `json:"ride_id"`
	OfferID   string           `json:"offer_id"`
	Fare      float64          `json:"fare"`
	Passenger PassengerSummary `json:"passenger"`
	Route     Route            `json:"route"`
}

func (OfferAccepted) EventName() string { return EventOfferAccepted }

type OfferRejected struct {
	RideID  string `json:"ride_id"`
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason"`
}

func (OfferRejected) EventName() string { return EventOfferRejected }

type CounterOffer struct {
	RideID  string  `json:"ride_id"`
	OfferID string  `json:"offer_id"`
	Price   float64 `json:"price"`
	Message string  `json:"message,omitempty"`
}

func (CounterOffer) EventName() string { return EventCounterOffer }

type DriverCounterOffer struct {
	RideID  string        `json:"ride_id"`
	OfferID string        `json:"offer_id"`
	Fare    float64       `json:"fare"`
	Message string        `json:"message,omitempty"`
	Driver  DriverSummary `json:"driver"`
}

func (DriverCounterOffer) EventName() string { return EventDriverCounterOffer }

type CounterOfferAccepted struct {
	RideID   string  `json:"ride_id"`
	OfferID  string  `json:"offer_id"`
	DriverID string  `json:"driver_id"`
	Fare     float64 `json:"fare"`
}

func (CounterOfferAccepted) EventName() string { return EventCounterOfferAccepted }

type CounterOfferRejected struct {
	RideID   string `json:"ride_id"`
	OfferID  string `json:"offer_id"`
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

func (CounterOfferRejected) EventName() string { return EventCounterOfferRejected }

type NoDriversAvailable struct {
	RideID         string   `json:"ride_id"`
	SearchRadiusKm float64  `json:"search_radius_km"`
	CanRetry       bool     `json:"can_retry"`
	Suggestions    []string `json:"suggestions"`
}

func (NoDriversAvailable) EventName() string { return EventNoDriversAvailable }

type Timeout struct {
	RideID   string `json:"ride_id"`
	Message  string `json:"message"`
	CanRetry bool   `json:"can_retry"`
}

func (Timeout) EventName() string { return EventTimeout }

type AutoCancelled struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

func (AutoCancelled) EventName() string { return EventAutoCancelled }

type CanceledByPassenger struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

func (CanceledByPassenger) EventName() string { return EventCanceledByPassenger }

type CancelledByPassenger struct {
	RideID  string `json:"ride_id"`
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason,omitempty"`
}

func (CancelledByPassenger) EventName() string { return EventCancelledByPassenger }
