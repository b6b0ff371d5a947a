// Package storage persists rides, offers and the negotiation log. Every state
// change runs inside a unit of work (WithTx) so a ride and its offers move
// together or not at all.
package storage

import (
	"context"
	"errors"

	"github.com/example/ride-bidding/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")
)

// OfferFilter narrows a driver's offer history. An empty State means every state.
type OfferFilter struct {
	State  models.OfferState
	Limit  int
	Offset int
}

// Repo is the set of reads and writes available inside a unit of work.
type Repo interface {
	GetRide(ctx context.Context, id string) (models.Ride, error)
	// LockRide reads the ride and holds it until the unit of work ends.
	LockRide(ctx context.Context, id string) (models.Ride, error)
	InsertRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
	ListActiveRidesByPassenger(ctx context.Context, passengerID string) ([]models.Ride, error)
	ListOpenRides(ctx context.Context) ([]models.Ride, error)

	GetOffer(ctx context.Context, id string) (models.Offer, error)
	InsertOffer(ctx context.Context, o *models.Offer) error
	UpdateOffer(ctx context.Context, o *models.Offer) error
	// ListOffersByRide returns offers ordered by submission time, optionally
	// restricted to the given states.
	ListOffersByRide(ctx context.Context, rideID string, states ...models.OfferState) ([]models.Offer, error)
	FindOfferByDriver(ctx context.Context, rideID, driverID string) (models.Offer, error)
	// ListOffersByDriver returns the newest offers first along with the total
	// number matching the filter.
	ListOffersByDriver(ctx context.Context, driverID string, f OfferFilter) ([]models.Offer, int, error)

	AppendProposal(ctx context.Context, p *models.Proposal) error
	ListProposals(ctx context.Context, rideID string) ([]models.Proposal, error)

	GetDriver(ctx context.Context, id string) (models.Driver, error)
	ActiveVehicle(ctx context.Context, driverID string) (models.Vehicle, error)
	GetPassenger(ctx context.Context, id string) (models.Passenger, error)
}

// Store hands out units of work. If fn returns an error nothing it wrote is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(Repo) error) error
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(Repo) error) error
	Ping(ctx context.Context) error
	Close() error
}
