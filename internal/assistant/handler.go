package assistant

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/ispec/internal/api"
	"github.com/ashureev/ispec/internal/identity"
)

// Handler exposes the assistant HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates an assistant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers assistant routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assistant", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Post("/choose", h.Choose)
		r.Post("/feedback", h.Feedback)
	})
}

// Chat handles one user turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Chat(r.Context(), identity.FromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

type chooseRequest struct {
	SessionID     string `json:"session_id"`
	UserMessageID int64  `json:"user_message_id"`
	Index         int    `json:"index"`
}

// Choose commits a pending compare candidate.
func (h *Handler) Choose(w http.ResponseWriter, r *http.Request) {
	var req chooseRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Choose(r.Context(), identity.FromContext(r.Context()), req.SessionID, req.UserMessageID, req.Index)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

type feedbackRequest struct {
	SessionID string `json:"session_id"`
	MessageID int64  `json:"message_id"`
	Rating    any    `json:"rating"`
	Note      string `json:"note,omitempty"`
}

// Feedback records an up/down rating on a message.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.Feedback(r.Context(), identity.FromContext(r.Context()), req.SessionID, req.MessageID, req.Rating, req.Note); err != nil {
		writeServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		api.Error(w, http.StatusForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrNotFound):
		api.Error(w, http.StatusNotFound, err.Error())
	default:
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}
