package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/rides"
	"github.com/example/ride-bidding/internal/validation"
)

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body models.Coord
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := validation.Struct(body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if s.locations == nil {
		writeError(w, s.logger, apperr.Unavailable("location updates are not configured", nil))
		return
	}
	ack, err := s.locations.UpdateDriverLocation(r.Context(), callerFromContext(r.Context()), body.Lat, body.Lng)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleNearbyRequests(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, s.logger, apperr.Validation("lat and lng query parameters are required"))
		return
	}
	out, err := s.svc.Offers.NearbyRequests(r.Context(), rides.NearbyQuery{
		DriverID: callerFromContext(r.Context()),
		Coord:    models.Coord{Lat: lat, Lng: lng},
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fare    float64 `json:"fare"`
		Message string  `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	v, err := s.svc.Offers.SubmitOffer(r.Context(), rides.SubmitOfferCommand{
		RideID:   mux.Vars(r)["ride_id"],
		DriverID: callerFromContext(r.Context()),
		Fare:     body.Fare,
		Message:  body.Message,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.Rides.StartRide(r.Context(), rides.DriverRideCommand{RideID: mux.Vars(r)["ride_id"], DriverID: callerFromContext(r.Context())})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.Rides.CompleteRide(r.Context(), rides.DriverRideCommand{RideID: mux.Vars(r)["ride_id"], DriverID: callerFromContext(r.Context())})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := rides.DriverOfferFilter{State: models.OfferState(q.Get("state"))}
	var err error
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, s.logger, apperr.Validation("limit must be an integer"))
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, s.logger, apperr.Validation("offset must be an integer"))
			return
		}
	}
	page, err := s.svc.Offers.ListDriverOffers(r.Context(), callerFromContext(r.Context()), f)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDriverCounter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fare    float64 `json:"fare"`
		Message string  `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	o, err := s.svc.Negotiation.DriverCounterOffer(r.Context(), rides.DriverCounterCommand{
		OfferID:  mux.Vars(r)["offer_id"],
		DriverID: callerFromContext(r.Context()),
		Fare:     body.Fare,
		Message:  body.Message,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAcceptCounter(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Negotiation.AcceptCounterOffer(r.Context(), rides.CounterDecision{
		OfferID:  mux.Vars(r)["offer_id"],
		DriverID: callerFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRejectCounter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	o, err := s.svc.Negotiation.RejectCounterOffer(r.Context(), rides.CounterDecision{
		OfferID:  mux.Vars(r)["offer_id"],
		DriverID: callerFromContext(r.Context()),
		Reason:   body.Reason,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handlePushToken registers (PUT) or forgets (DELETE) the caller's device
// token. The caller is whichever identity header is present.
func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	to := dispatch.Recipient{Kind: dispatch.KindUser, ID: r.Header.Get(passengerHeader)}
	if id := r.Header.Get(driverHeader); id != "" {
		to = dispatch.Recipient{Kind: dispatch.KindDriver, ID: id}
	}
	if to.ID == "" {
		writeError(w, s.logger, apperr.Validation("missing "+passengerHeader+" or "+driverHeader+" header"))
		return
	}
	if s.tokens == nil {
		writeError(w, s.logger, apperr.Unavailable("push notifications are not configured", nil))
		return
	}
	if r.Method == http.MethodDelete {
		if err := s.tokens.DeleteToken(r.Context(), to); err != nil {
			writeError(w, s.logger, apperr.Unavailable("token store unavailable", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var body struct {
		Token string `json:"token" validate:"required,max=4096"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := validation.Struct(body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.tokens.SetToken(r.Context(), to, body.Token); err != nil {
		writeError(w, s.logger, apperr.Unavailable("token store unavailable", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
