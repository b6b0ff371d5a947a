package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-bidding/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a schema script in one statement batch.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(Repo) error) error {
	return p.run(ctx, nil, fn)
}

func (p *PostgresStore) View(ctx context.Context, fn func(Repo) error) error {
	return p.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (p *PostgresStore) run(ctx context.Context, opts *sql.TxOptions, fn func(Repo) error) error {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgRepo{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgRepo struct {
	q querier
}

const rideColumns = `id, passenger_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng,
	dropoff_address, distance_km, duration_minutes, suggested_price, referential_fare, state, driver_id,
	vehicle_id, agreed_fare, requested_at, window_started_at, accepted_at, started_at, completed_at, cancelled_at,
	counter_offer_at, cancel_reason, cancelled_by, version`

func scanRide(s scanner) (models.Ride, error) {
	var (
		r                                  models.Ride
		suggested, agreed                  sql.NullFloat64
		driverID, vehicleID                sql.NullString
		acceptedAt, startedAt, completedAt sql.NullTime
		cancelledAt, counterAt             sql.NullTime
	)
	err := s.Scan(&r.ID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address, &r.DistanceKm, &r.DurationMinutes,
		&suggested, &r.ReferentialFare, &r.State, &driverID, &vehicleID, &agreed, &r.RequestedAt, &r.WindowStartedAt,
		&acceptedAt, &startedAt, &completedAt, &cancelledAt, &counterAt, &r.CancelReason,
		&r.CancelledBy, &r.Version)
	if err != nil {
		return models.Ride{}, err
	}
	r.SuggestedPrice = floatPtr(suggested)
	r.AgreedFare = floatPtr(agreed)
	r.DriverID = stringPtr(driverID)
	r.VehicleID = stringPtr(vehicleID)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.CounterOfferAt = timePtr(counterAt)
	return r, nil
}

func (p *pgRepo) getRide(ctx context.Context, id, suffix string) (models.Ride, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`+suffix, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

func (p *pgRepo) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return p.getRide(ctx, id, "")
}

func (p *pgRepo) LockRide(ctx context.Context, id string) (models.Ride, error) {
	return p.getRide(ctx, id, " FOR UPDATE")
}

func (p *pgRepo) InsertRide(ctx context.Context, r *models.Ride) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,1)`,
		r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Dropoff.Lat, r.Dropoff.Lng,
		r.Dropoff.Address, r.DistanceKm, r.DurationMinutes, r.SuggestedPrice, r.ReferentialFare, r.State,
		r.DriverID, r.VehicleID, r.AgreedFare, r.RequestedAt, r.WindowStartedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt,
		r.CancelledAt, r.CounterOfferAt, r.CancelReason, r.CancelledBy)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, translate(err))
	}
	r.Version = 1
	return nil
}

// UpdateRide writes the mutable columns. Route, fares and passenger are fixed at insert.
func (p *pgRepo) UpdateRide(ctx context.Context, r *models.Ride) error {
	var version int
	err := p.q.QueryRowContext(ctx, `UPDATE rides SET suggested_price=$2, state=$3, driver_id=$4, vehicle_id=$5,
		agreed_fare=$6, accepted_at=$7, started_at=$8, completed_at=$9, cancelled_at=$10, counter_offer_at=$11,
		cancel_reason=$12, cancelled_by=$13, window_started_at=$14, version=version+1
		WHERE id=$1 RETURNING version`,
		r.ID, r.SuggestedPrice, r.State, r.DriverID, r.VehicleID, r.AgreedFare, r.AcceptedAt, r.StartedAt,
		r.CompletedAt, r.CancelledAt, r.CounterOfferAt, r.CancelReason, r.CancelledBy, r.WindowStartedAt).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ride %s: %w", r.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, translate(err))
	}
	r.Version = version
	return nil
}

func (p *pgRepo) listRides(ctx context.Context, query string, args ...any) ([]models.Ride, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *pgRepo) ListActiveRidesByPassenger(ctx context.Context, passengerID string) ([]models.Ride, error) {
	out, err := p.listRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE passenger_id = $1 AND state = ANY($2) ORDER BY requested_at DESC`,
		passengerID, pq.Array(rideStateStrings(models.ActiveRideStates)))
	if err != nil {
		return nil, fmt.Errorf("list active rides for %s: %w", passengerID, err)
	}
	return out, nil
}

func (p *pgRepo) ListOpenRides(ctx context.Context) ([]models.Ride, error) {
	out, err := p.listRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE state IN ('requested', 'offers_received') ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list open rides: %w", err)
	}
	return out, nil
}

const offerColumns = `id, ride_id, driver_id, vehicle_id, proposed_fare, arrival_minutes, message, state,
	created_at, expires_at, accepted_at, rejected_at, counter_at, counter_matched_at`

func scanOffer(s scanner) (models.Offer, error) {
	var (
		o                           models.Offer
		vehicleID                   sql.NullString
		acceptedAt, rejectedAt      sql.NullTime
		counterAt, counterMatchedAt sql.NullTime
	)
	err := s.Scan(&o.ID, &o.RideID, &o.DriverID, &vehicleID, &o.ProposedFare, &o.ArrivalMinutes,
		&o.Message, &o.State, &o.CreatedAt, &o.ExpiresAt, &acceptedAt, &rejectedAt, &counterAt,
		&counterMatchedAt)
	if err != nil {
		return models.Offer{}, err
	}
	o.VehicleID = stringPtr(vehicleID)
	o.AcceptedAt = timePtr(acceptedAt)
	o.RejectedAt = timePtr(rejectedAt)
	o.CounterAt = timePtr(counterAt)
	o.CounterMatchedAt = timePtr(counterMatchedAt)
	return o, nil
}

func (p *pgRepo) listOffers(ctx context.Context, query string, args ...any) ([]models.Offer, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *pgRepo) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(p.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("get offer %s: %w", id, err)
	}
	return o, nil
}

func (p *pgRepo) InsertOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.ID, o.RideID, o.DriverID, o.VehicleID, o.ProposedFare, o.ArrivalMinutes, o.Message, o.State,
		o.CreatedAt, o.ExpiresAt, o.AcceptedAt, o.RejectedAt, o.CounterAt, o.CounterMatchedAt)
	if err != nil {
		return fmt.Errorf("insert offer %s: %w", o.ID, translate(err))
	}
	return nil
}

func (p *pgRepo) UpdateOffer(ctx context.Context, o *models.Offer) error {
	res, err := p.q.ExecContext(ctx, `UPDATE offers SET proposed_fare=$2, message=$3, state=$4, accepted_at=$5,
		rejected_at=$6, counter_at=$7, counter_matched_at=$8 WHERE id=$1`,
		o.ID, o.ProposedFare, o.Message, o.State, o.AcceptedAt, o.RejectedAt, o.CounterAt, o.CounterMatchedAt)
	if err != nil {
		return fmt.Errorf("update offer %s: %w", o.ID, translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("offer %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (p *pgRepo) ListOffersByRide(ctx context.Context, rideID string, states ...models.OfferState) ([]models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE ride_id = $1`
	args := []any{rideID}
	if len(states) > 0 {
		query += ` AND state = ANY($2)`
		args = append(args, pq.Array(offerStateStrings(states)))
	}
	out, err := p.listOffers(ctx, query+` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers for ride %s: %w", rideID, err)
	}
	return out, nil
}

func (p *pgRepo) FindOfferByDriver(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	o, err := scanOffer(p.q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE ride_id = $1 AND driver_id = $2`, rideID, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("offer by driver %s on ride %s: %w", driverID, rideID, ErrNotFound)
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("find offer by driver %s: %w", driverID, err)
	}
	return o, nil
}

func (p *pgRepo) ListOffersByDriver(ctx context.Context, driverID string, f OfferFilter) ([]models.Offer, int, error) {
	where := ` WHERE driver_id = $1`
	args := []any{driverID}
	if f.State != "" {
		where += ` AND state = $2`
		args = append(args, string(f.State))
	}
	var total int
	if err := p.q.QueryRowContext(ctx, `SELECT count(*) FROM offers`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count offers for driver %s: %w", driverID, err)
	}
	query := `SELECT ` + offerColumns + ` FROM offers` + where + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	args = append(args, f.Offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))
	out, err := p.listOffers(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list offers for driver %s: %w", driverID, err)
	}
	return out, total, nil
}

func (p *pgRepo) AppendProposal(ctx context.Context, pr *models.Proposal) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO ride_proposals(id, ride_id, offer_id, actor, actor_id, kind, amount, message, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		pr.ID, pr.RideID, pr.OfferID, pr.Actor, pr.ActorID, pr.Kind, pr.Amount, pr.Message, pr.CreatedAt)
	if err != nil {
		return fmt.Errorf("append proposal for ride %s: %w", pr.RideID, translate(err))
	}
	return nil
}

func (p *pgRepo) ListProposals(ctx context.Context, rideID string) ([]models.Proposal, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT id, ride_id, offer_id, actor, actor_id, kind, amount, message, created_at
		FROM ride_proposals WHERE ride_id = $1 ORDER BY seq`, rideID)
	if err != nil {
		return nil, fmt.Errorf("list proposals for ride %s: %w", rideID, err)
	}
	defer rows.Close()
	var out []models.Proposal
	for rows.Next() {
		var (
			pr      models.Proposal
			offerID sql.NullString
		)
		if err := rows.Scan(&pr.ID, &pr.RideID, &offerID, &pr.Actor, &pr.ActorID, &pr.Kind, &pr.Amount,
			&pr.Message, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.OfferID = stringPtr(offerID)
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *pgRepo) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	var d models.Driver
	err := p.q.QueryRowContext(ctx, `SELECT id, name, phone, status, available, lat, lng, updated_at
		FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Phone, &d.Status, &d.Available, &d.Loc.Lat, &d.Loc.Lng, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Driver{}, fmt.Errorf("get driver %s: %w", id, err)
	}
	return d, nil
}

func (p *pgRepo) ActiveVehicle(ctx context.Context, driverID string) (models.Vehicle, error) {
	var v models.Vehicle
	err := p.q.QueryRowContext(ctx, `SELECT id, driver_id, plate, make, model, color, active
		FROM vehicles WHERE driver_id = $1 AND active ORDER BY id LIMIT 1`, driverID).
		Scan(&v.ID, &v.DriverID, &v.Plate, &v.Make, &v.Model, &v.Color, &v.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Vehicle{}, fmt.Errorf("active vehicle for driver %s: %w", driverID, ErrNotFound)
	}
	if err != nil {
		return models.Vehicle{}, fmt.Errorf("get vehicle for driver %s: %w", driverID, err)
	}
	return v, nil
}

func (p *pgRepo) GetPassenger(ctx context.Context, id string) (models.Passenger, error) {
	var ps models.Passenger
	err := p.q.QueryRowContext(ctx, `SELECT id, name, phone FROM passengers WHERE id = $1`, id).
		Scan(&ps.ID, &ps.Name, &ps.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Passenger{}, fmt.Errorf("passenger %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Passenger{}, fmt.Errorf("get passenger %s: %w", id, err)
	}
	return ps, nil
}

// translate maps constraint violations onto the package sentinels.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrDuplicate)
	case pgForeignKeyViolation:
		// the referenced passenger, driver or vehicle is unknown
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrNotFound)
	}
	return err
}

func rideStateStrings(states []models.RideState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func offerStateStrings(states []models.OfferState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
