package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/delivery"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/loyalty"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes int64 = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors to status codes. Anything unknown is
// logged and answered 500 without details.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, campaign.ErrInvalidTransition), errors.Is(err, campaign.ErrNotEditable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrScheduleNotInFuture),
		errors.Is(err, loyalty.ErrInvalidStamps),
		errors.Is(err, loyalty.ErrInvalidMessage),
		gateway.KindOf(err) == gateway.KindInvalidPhoneNumber:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error(fmt.Sprintf("%s %s failed", r.Method, r.URL.Path), err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

// testMessage handles POST /businesses/{businessID}/test-messages.
func (s *Server) testMessage(w http.ResponseWriter, r *http.Request) {
	businessID, ok := uuidParam(w, r, "businessID")
	if !ok {
		return
	}
	var req struct {
		Phone    string `json:"phone"`
		Text     string `json:"text"`
		MediaURL string `json:"mediaUrl"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.deps.Loyalty.QueueDirectMessage(r.Context(), delivery.DirectMessage{
		BusinessID: businessID,
		Phone:      req.Phone,
		Text:       req.Text,
		MediaURL:   req.MediaURL,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

// addStamps handles POST /businesses/{businessID}/customers/{customerID}/stamps.
func (s *Server) addStamps(w http.ResponseWriter, r *http.Request) {
	businessID, ok := uuidParam(w, r, "businessID")
	if !ok {
		return
	}
	customerID, ok := uuidParam(w, r, "customerID")
	if !ok {
		return
	}
	req := struct {
		Stamps int `json:"stamps"`
	}{Stamps: 1}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := s.deps.Loyalty.AddStamps(r.Context(), businessID, customerID, req.Stamps)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// enrolled handles POST /businesses/{businessID}/customers/{customerID}/enrollment.
func (s *Server) enrolled(w http.ResponseWriter, r *http.Request) {
	businessID, ok := uuidParam(w, r, "businessID")
	if !ok {
		return
	}
	customerID, ok := uuidParam(w, r, "customerID")
	if !ok {
		return
	}
	s.deps.Loyalty.Enrolled(r.Context(), businessID, customerID)
	w.WriteHeader(http.StatusAccepted)
}

// scheduleCampaign handles POST /campaigns/{campaignID}/schedule.
func (s *Server) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "campaignID")
	if !ok {
		return
	}
	var req struct {
		At time.Time `json:"scheduledFor"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Campaigns.Schedule(r.Context(), id, req.At); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dispatchCampaign handles POST /campaigns/{campaignID}/dispatch.
func (s *Server) dispatchCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "campaignID")
	if !ok {
		return
	}
	job, err := s.deps.Campaigns.Dispatch(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID.String(), "duplicate": job.Duplicate})
}

// deleteCampaign handles DELETE /campaigns/{campaignID}.
func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "campaignID")
	if !ok {
		return
	}
	if err := s.deps.Campaigns.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
