// Package httpapi exposes the negotiation engine over HTTP and WebSocket.
// Callers identify themselves with the X-Passenger-ID or X-Driver-ID header;
// authentication happens in front of this service.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/rides"
)

const (
	passengerHeader = "X-Passenger-ID"
	driverHeader    = "X-Driver-ID"
)

// LocationSink accepts driver position reports. The geo index itself or the
// Kafka ingest producer both qualify.
type LocationSink interface {
	UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) (geo.LocationAck, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(context.Context) error
}

type Options struct {
	Service   *rides.Service
	Locations LocationSink
	WS        *dispatch.WSRegistry
	// Tokens is optional; without it the push-token routes answer 503.
	Tokens dispatch.TokenStore
	Checks []Check
	Logger *slog.Logger
}

type Server struct {
	svc       *rides.Service
	locations LocationSink
	ws        *dispatch.WSRegistry
	tokens    dispatch.TokenStore
	checks    []Check
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WS == nil {
		o.WS = dispatch.NewWSRegistry()
	}
	s := &Server{
		svc:       o.Service,
		locations: o.Locations,
		ws:        o.WS,
		tokens:    o.Tokens,
		checks:    o.Checks,
		logger:    o.Logger,
		mux:       mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{kind:users|drivers}/{id}", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()

	p := api.PathPrefix("/rides").Subrouter()
	p.Use(requireHeader(passengerHeader))
	p.HandleFunc("", s.handleRequestRide).Methods(http.MethodPost)
	p.HandleFunc("/active", s.handleActiveRides).Methods(http.MethodGet)
	p.HandleFunc("/{ride_id}", s.handleRideStatus).Methods(http.MethodGet)
	p.HandleFunc("/{ride_id}/offers", s.handleListOffers).Methods(http.MethodGet)
	p.HandleFunc("/{ride_id}/offers/{offer_id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	p.HandleFunc("/{ride_id}/offers/{offer_id}/reject", s.handleRejectOffer).Methods(http.MethodPost)
	p.HandleFunc("/{ride_id}/counter-offer", s.handlePassengerCounter).Methods(http.MethodPost)
	p.HandleFunc("/{ride_id}/cancel", s.handleCancelRide).Methods(http.MethodPost)

	d := api.PathPrefix("/drivers").Subrouter()
	d.Use(requireHeader(driverHeader))
	d.HandleFunc("/location", s.handleDriverLocation).Methods(http.MethodPost)
	d.HandleFunc("/rides/nearby", s.handleNearbyRequests).Methods(http.MethodGet)
	d.HandleFunc("/rides/{ride_id}/offers", s.handleSubmitOffer).Methods(http.MethodPost)
	d.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods(http.MethodPost)
	d.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	d.HandleFunc("/offers", s.handleDriverOffers).Methods(http.MethodGet)
	d.HandleFunc("/offers/{offer_id}/counter-offer", s.handleDriverCounter).Methods(http.MethodPost)
	d.HandleFunc("/offers/{offer_id}/counter-offer/accept", s.handleAcceptCounter).Methods(http.MethodPost)
	d.HandleFunc("/offers/{offer_id}/counter-offer/reject", s.handleRejectCounter).Methods(http.MethodPost)

	api.HandleFunc("/push-token", s.handlePushToken).Methods(http.MethodPut, http.MethodDelete)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			status[c.Name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[c.Name] = "ok"
	}
	writeJSON(w, code, status)
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	to := dispatch.Recipient{Kind: dispatch.KindUser, ID: vars["id"]}
	if vars["kind"] == "drivers" {
		to.Kind = dispatch.KindDriver
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	observability.WSSessions.Inc()
	defer observability.WSSessions.Dec()
	s.logger.Debug("websocket connected", "kind", to.Kind, "id", to.ID)
	s.ws.Serve(to, conn)
}
