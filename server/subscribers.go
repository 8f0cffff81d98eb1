package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"bounty-digest/digest"
	"bounty-digest/pkg/notifier"
)

type createRequest struct {
	Email     string   `json:"email"`
	Frequency string   `json:"frequency"`
	Tags      []string `json:"tags"`
}

type createResponse struct {
	ID        string           `json:"id"`
	Email     string           `json:"email"`
	Frequency notifier.Cadence `json:"frequency"`
	Tags      []string         `json:"tags"`
}

type updateRequest struct {
	Tags      *[]string `json:"tags"`
	Frequency *string   `json:"frequency"`
	Active    *bool     `json:"active"`
}

func masked(sub *notifier.Subscriber) *notifier.Subscriber {
	sub.Email = maskEmail(sub.Email)
	if sub.Tags == nil {
		sub.Tags = []string{}
	}
	return sub
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscribers(r.Context())
	if err != nil {
		s.logger.Error("Failed to list subscribers", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list subscribers")
		return
	}
	for _, sub := range subs {
		masked(sub)
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleCreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if !isValidEmail(email) {
		writeError(w, http.StatusBadRequest, "Valid email is required")
		return
	}
	cadence, err := notifier.ParseCadence(req.Frequency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Frequency must be daily or weekly")
		return
	}

	sub := &notifier.Subscriber{
		ID:        uuid.NewString(),
		Email:     email,
		Tags:      normalizeTags(req.Tags),
		Cadence:   cadence,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddSubscriber(r.Context(), sub); err != nil {
		if s.isDuplicate(err) {
			writeError(w, http.StatusConflict, "Email already subscribed")
			return
		}
		s.logger.Error("Failed to add subscriber", "email", maskEmail(email), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save subscription")
		return
	}

	s.logger.Info("New subscriber", "email", maskEmail(email), "cadence", cadence, "tags", sub.Tags, "ip", clientIP(r))
	writeJSON(w, http.StatusCreated, createResponse{
		ID:        sub.ID,
		Email:     maskEmail(sub.Email),
		Tags:      sub.Tags,
		Frequency: sub.Cadence,
	})
}

func (s *Server) handleUpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var cadence notifier.Cadence
	if req.Frequency != nil {
		c, err := notifier.ParseCadence(*req.Frequency)
		if err != nil || strings.TrimSpace(*req.Frequency) == "" {
			writeError(w, http.StatusBadRequest, "Frequency must be daily or weekly")
			return
		}
		cadence = c
	}

	id := r.PathValue("id")
	sub, err := s.store.UpdateSubscriber(r.Context(), id, func(sub *notifier.Subscriber) error {
		if req.Tags != nil {
			sub.Tags = normalizeTags(*req.Tags)
		}
		if cadence != "" {
			sub.Cadence = cadence
		}
		if req.Active != nil {
			sub.Active = *req.Active
		}
		return nil
	})
	if err != nil {
		if s.isNotFound(err) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		s.logger.Error("Failed to update subscriber", "subscriber_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update subscription")
		return
	}

	writeJSON(w, http.StatusOK, masked(sub))
}

func (s *Server) handleDeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSubscriber(r.Context(), id); err != nil {
		if s.isNotFound(err) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		s.logger.Error("Failed to delete subscriber", "subscriber_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if err := s.store.DeleteByEmail(r.Context(), email); err != nil {
		if s.isNotFound(err) {
			writeError(w, http.StatusNotFound, "Email not found")
			return
		}
		s.logger.Error("Failed to unsubscribe", "email", maskEmail(email), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	s.logger.Info("Unsubscribed", "email", maskEmail(email))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Unsubscribed successfully"})
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.store.Subscriber(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		s.logger.Error("Failed to load subscriber", "subscriber_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}

	now := s.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             sub.ID,
		"frequency":      sub.Cadence,
		"active":         sub.Active,
		"lastDigestSent": sub.LastDigestSent,
		"daily":          digest.IsDue(sub, notifier.Daily, now),
		"weekly":         digest.IsDue(sub, notifier.Weekly, now),
	})
}
