package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/example/ride-bidding/internal/models"
)

// MemoryStore keeps everything in process. Units of work are serialized under a
// single mutex and rolled back from a snapshot when fn fails.
type MemoryStore struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	rides      map[string]models.Ride
	rideOrder  []string
	offers     map[string]models.Offer
	offerOrder []string
	proposals  []models.Proposal

	drivers    map[string]models.Driver
	vehicles   map[string]models.Vehicle
	passengers map[string]models.Passenger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memState{
		rides:      make(map[string]models.Ride),
		offers:     make(map[string]models.Offer),
		drivers:    make(map[string]models.Driver),
		vehicles:   make(map[string]models.Vehicle),
		passengers: make(map[string]models.Passenger),
	}}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Repo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rides := maps.Clone(m.st.rides)
	offers := maps.Clone(m.st.offers)
	nRides, nOffers, nProposals := len(m.st.rideOrder), len(m.st.offerOrder), len(m.st.proposals)

	if err := fn(&m.st); err != nil {
		m.st.rides = rides
		m.st.offers = offers
		m.st.rideOrder = m.st.rideOrder[:nRides]
		m.st.offerOrder = m.st.offerOrder[:nOffers]
		m.st.proposals = m.st.proposals[:nProposals]
		return err
	}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Repo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&m.st)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) PutDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.drivers[d.ID] = d
}

func (m *MemoryStore) PutVehicle(v models.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.vehicles[v.ID] = v
}

func (m *MemoryStore) PutPassenger(p models.Passenger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.passengers[p.ID] = p
}

// memState implements Repo without locking; the caller holds MemoryStore.mu.

func (s *memState) GetRide(_ context.Context, id string) (models.Ride, error) {
	r, ok := s.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (s *memState) LockRide(ctx context.Context, id string) (models.Ride, error) {
	return s.GetRide(ctx, id)
}

func (s *memState) InsertRide(_ context.Context, r *models.Ride) error {
	if _, ok := s.rides[r.ID]; ok {
		return fmt.Errorf("ride %s: %w", r.ID, ErrDuplicate)
	}
	if r.State.Active() {
		for _, other := range s.rides {
			if other.PassengerID == r.PassengerID && other.State.Active() {
				return fmt.Errorf("active ride for passenger %s: %w", r.PassengerID, ErrDuplicate)
			}
		}
	}
	r.Version = 1
	s.rides[r.ID] = *r
	s.rideOrder = append(s.rideOrder, r.ID)
	return nil
}

func (s *memState) UpdateRide(_ context.Context, r *models.Ride) error {
	cur, ok := s.rides[r.ID]
	if !ok {
		return fmt.Errorf("ride %s: %w", r.ID, ErrNotFound)
	}
	r.Version = cur.Version + 1
	s.rides[r.ID] = *r
	return nil
}

func (s *memState) ListActiveRidesByPassenger(_ context.Context, passengerID string) ([]models.Ride, error) {
	var out []models.Ride
	for i := len(s.rideOrder) - 1; i >= 0; i-- {
		r := s.rides[s.rideOrder[i]]
		if r.PassengerID == passengerID && r.State.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memState) ListOpenRides(context.Context) ([]models.Ride, error) {
	var out []models.Ride
	for _, id := range s.rideOrder {
		if r := s.rides[id]; r.State.Open() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memState) GetOffer(_ context.Context, id string) (models.Offer, error) {
	o, ok := s.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (s *memState) InsertOffer(_ context.Context, o *models.Offer) error {
	if _, ok := s.offers[o.ID]; ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrDuplicate)
	}
	for _, other := range s.offers {
		if other.RideID == o.RideID && other.DriverID == o.DriverID {
			return fmt.Errorf("offer by driver %s on ride %s: %w", o.DriverID, o.RideID, ErrDuplicate)
		}
	}
	s.offers[o.ID] = *o
	s.offerOrder = append(s.offerOrder, o.ID)
	return nil
}

func (s *memState) UpdateOffer(_ context.Context, o *models.Offer) error {
	if _, ok := s.offers[o.ID]; !ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrNotFound)
	}
	if o.State == models.OfferAccepted {
		for _, other := range s.offers {
			if other.RideID == o.RideID && other.ID != o.ID && other.State == models.OfferAccepted {
				return fmt.Errorf("accepted offer on ride %s: %w", o.RideID, ErrDuplicate)
			}
		}
	}
	s.offers[o.ID] = *o
	return nil
}

func (s *memState) ListOffersByRide(_ context.Context, rideID string, states ...models.OfferState) ([]models.Offer, error) {
	var out []models.Offer
	for _, id := range s.offerOrder {
		o := s.offers[id]
		if o.RideID != rideID {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, o.State) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *memState) FindOfferByDriver(_ context.Context, rideID, driverID string) (models.Offer, error) {
	for _, o := range s.offers {
		if o.RideID == rideID && o.DriverID == driverID {
			return o, nil
		}
	}
	return models.Offer{}, fmt.Errorf("offer by driver %s on ride %s: %w", driverID, rideID, ErrNotFound)
}

func (s *memState) ListOffersByDriver(_ context.Context, driverID string, f OfferFilter) ([]models.Offer, int, error) {
	var matched []models.Offer
	for i := len(s.offerOrder) - 1; i >= 0; i-- {
		o := s.offers[s.offerOrder[i]]
		if o.DriverID != driverID || (f.State != "" && o.State != f.State) {
			continue
		}
		matched = append(matched, o)
	}
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (s *memState) AppendProposal(_ context.Context, p *models.Proposal) error {
	s.proposals = append(s.proposals, *p)
	return nil
}

func (s *memState) ListProposals(_ context.Context, rideID string) ([]models.Proposal, error) {
	var out []models.Proposal
	for _, p := range s.proposals {
		if p.RideID == rideID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memState) GetDriver(_ context.Context, id string) (models.Driver, error) {
	d, ok := s.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (s *memState) ActiveVehicle(_ context.Context, driverID string) (models.Vehicle, error) {
	for _, v := range s.vehicles {
		if v.DriverID == driverID && v.Active {
			return v, nil
		}
	}
	return models.Vehicle{}, fmt.Errorf("active vehicle for driver %s: %w", driverID, ErrNotFound)
}

func (s *memState) GetPassenger(_ context.Context, id string) (models.Passenger, error) {
	p, ok := s.passengers[id]
	if !ok {
		return models.Passenger{}, fmt.Errorf("passenger %s: %w", id, ErrNotFound)
	}
	return p, nil
}
