package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Place is a coordinate with the free-text address the passenger typed.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type RideState string

const (
	RideRequested      RideState = "requested"
	RideOffersReceived RideState = "offers_received"
	RideAccepted       RideState = "accepted"
	RideInProgress     RideState = "in_progress"
	RideCompleted      RideState = "completed"
	RideCancelled      RideState = "cancelled"
)

// rideTransitions is the ride state machine. offers_received -> requested is the
// reversion taken when the last pending offer is rejected.
var rideTransitions = map[RideState][]RideState{
	RideRequested:      {RideOffersReceived, RideCancelled},
	RideOffersReceived: {RideAccepted, RideRequested, RideCancelled},
	RideAccepted:       {RideInProgress, RideCancelled},
	RideInProgress:     {RideCompleted},
}

func CanTransition(from, to RideState) bool {
	return slices.Contains(rideTransitions[from], to)
}

// Open reports whether drivers may still bid on the ride.
func (s RideState) Open() bool {
	return s == RideRequested || s == RideOffersReceived
}

// Active reports whether the state is non-terminal.
func (s RideState) Active() bool {
	switch s {
	case RideRequested, RideOffersReceived, RideAccepted, RideInProgress:
		return true
	}
	return false
}

// ActiveRideStates lists every non-terminal ride state.
var ActiveRideStates = []RideState{RideRequested, RideOffersReceived, RideAccepted, RideInProgress}

type Actor string

const (
	ActorPassenger Actor = "passenger"
	ActorDriver    Actor = "driver"
	ActorSystem    Actor = "system"
)

type Ride struct {
	ID              string    `json:"id"`
	PassengerID     string    `json:"passenger_id"`
	Pickup          Place     `json:"pickup"`
	Dropoff         Place     `json:"dropoff"`
	DistanceKm      float64   `json:"distance_km"`
	DurationMinutes int       `json:"duration_minutes"`
	SuggestedPrice  *float64  `json:"suggested_price,omitempty"`
	ReferentialFare float64   `json:"referential_fare"`
	State           RideState `json:"state"`
	DriverID        *string   `json:"driver_id,omitempty"`
	VehicleID       *string   `json:"vehicle_id,omitempty"`
	AgreedFare      *float64  `json:"agreed_fare,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
	// WindowStartedAt is when the ride last entered requested; the no-offer
	// timeout runs from here.
	WindowStartedAt time.Time  `json:"window_started_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CounterOfferAt  *time.Time `json:"counter_offer_at,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CancelledBy     Actor      `json:"cancelled_by,omitempty"`
	Version         int        `json:"-"`
}

// WindowStart falls back to RequestedAt for rides stored without a window stamp.
func (r *Ride) WindowStart() time.Time {
	if r.WindowStartedAt.IsZero() {
		return r.RequestedAt
	}
	return r.WindowStartedAt
}

type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferAccepted  OfferState = "accepted"
	OfferRejected  OfferState = "rejected"
	OfferExpired   OfferState = "expired"
	OfferCancelled OfferState = "cancelled"
)

func (s OfferState) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferExpired, OfferCancelled:
		return true
	}
	return false
}

type Offer struct {
	ID               string     `json:"id"`
	RideID           string     `json:"ride_id"`
	DriverID         string     `json:"driver_id"`
	VehicleID        *string    `json:"vehicle_id,omitempty"`
	ProposedFare     float64    `json:"proposed_fare"`
	ArrivalMinutes   int        `json:"arrival_minutes"`
	Message          string     `json:"message,omitempty"`
	State            OfferState `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	CounterAt        *time.Time `json:"counter_at,omitempty"`
	CounterMatchedAt *time.Time `json:"counter_matched_at,omitempty"`
}

func (o *Offer) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

type ProposalKind string

const (
	ProposalOffer            ProposalKind = "offer"
	ProposalPassengerCounter ProposalKind = "passenger_counter"
	ProposalDriverCounter    ProposalKind = "driver_counter"
	ProposalCounterMatched   ProposalKind = "counter_matched"
	ProposalCounterDeclined  ProposalKind = "counter_declined"
)

// Proposal is one append-only entry of a ride's price negotiation history.
type Proposal struct {
	ID        string       `json:"id"`
	RideID    string       `json:"ride_id"`
	OfferID   *string      `json:"offer_id,omitempty"`
	Actor     Actor        `json:"actor"`
	ActorID   string       `json:"actor_id"`
	Kind      ProposalKind `json:"kind"`
	Amount    float64      `json:"amount"`
	Message   string       `json:"message,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type DriverStatus string

const (
	DriverActive    DriverStatus = "active"
	DriverInactive  DriverStatus = "inactive"
	DriverSuspended DriverStatus = "suspended"
)

type Driver struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Phone     string       `json:"phone"`
	Status    DriverStatus `json:"status"`
	Available bool         `json:"available"`
	Loc       Coord        `json:"loc"`
	Updated   time.Time    `json:"updated"`
}

// CanBid reports whether the driver may submit offers.
func (d *Driver) CanBid() bool {
	return d.Status == DriverActive && d.Available
}

type Vehicle struct {
	ID       string `json:"id"`
	DriverID string `json:"driver_id"`
	Plate    string `json:"plate"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Color    string `json:"color"`
	Active   bool   `json:"active"`
}

type Passenger struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// DriverLocation is the message shape on the driver-location topic.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}
