package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/rides"
)

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup         *models.Place `json:"pickup"`
		Dropoff        *models.Place `json:"dropoff"`
		SuggestedPrice *float64      `json:"suggested_price"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.svc.Rides.RequestRide(r.Context(), rides.RequestRideCommand{
		PassengerID:    callerFromContext(r.Context()),
		Pickup:         body.Pickup,
		Dropoff:        body.Dropoff,
		SuggestedPrice: body.SuggestedPrice,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rides.GetActiveRides(r.Context(), callerFromContext(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": out})
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Rides.GetStatus(r.Context(), mux.Vars(r)["ride_id"], callerFromContext(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Offers.ListOffers(r.Context(), mux.Vars(r)["ride_id"], callerFromContext(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": out})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.svc.Rides.AcceptOffer(r.Context(), rides.AcceptOfferCommand{
		RideID:      vars["ride_id"],
		OfferID:     vars["offer_id"],
		PassengerID: callerFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	vars := mux.Vars(r)
	o, err := s.svc.Offers.RejectOffer(r.Context(), rides.RejectOfferCommand{
		RideID:      vars["ride_id"],
		OfferID:     vars["offer_id"],
		PassengerID: callerFromContext(r.Context()),
		Reason:      body.Reason,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handlePassengerCounter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Price   float64 `json:"price"`
		Message string  `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.svc.Negotiation.PassengerCounterOffer(r.Context(), rides.PassengerCounterCommand{
		RideID:      mux.Vars(r)["ride_id"],
		PassengerID: callerFromContext(r.Context()),
		Price:       body.Price,
		Message:     body.Message,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ride, err := s.svc.Rides.CancelRide(r.Context(), rides.CancelRideCommand{
		RideID:      mux.Vars(r)["ride_id"],
		PassengerID: callerFromContext(r.Context()),
		Reason:      body.Reason,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}
