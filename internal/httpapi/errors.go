package httpapi

import (
	"errors"
	"net/http"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/connections"
	"github.com/beekhof/calendar-sync-engine/internal/store"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err onto a status code. Details of internal failures are
// logged and never returned.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		authErr      *calendar.AuthError
		discoveryErr *calendar.DiscoveryError
		providerErr  *calendar.ProviderError
	)
	logger := h.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
	switch {
	case errors.Is(err, connections.ErrInvalid), errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "the provider rejected the credentials", Code: "auth_failed"})
	case errors.As(err, &discoveryErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: discoveryErr.Error(), Code: "discovery_failed"})
	case errors.As(err, &providerErr):
		logger.Warn("provider unavailable", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "the provider could not be reached", Code: "provider_unavailable"})
	default:
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
	}
}
