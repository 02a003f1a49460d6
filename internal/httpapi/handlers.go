package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/connections"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

type handler struct {
	conns  Connections
	logger *zap.Logger
}

type connectionJSON struct {
	ID                  uuid.UUID  `json:"id"`
	OwnerMemberID       uuid.UUID  `json:"owner_member_id"`
	Provider            string     `json:"provider"`
	AccountLabel        string     `json:"account_label"`
	ServerEndpoint      string     `json:"server_endpoint,omitempty"`
	SyncEnabled         bool       `json:"sync_enabled"`
	Status              string     `json:"status"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	SyncIntervalMinutes int        `json:"sync_interval_minutes"`
}

func toConnectionJSON(c *calendar.Connection) connectionJSON {
	return connectionJSON{
		ID:                  c.ID,
		OwnerMemberID:       c.OwnerMemberID,
		Provider:            string(c.Provider),
		AccountLabel:        c.AccountLabel,
		ServerEndpoint:      c.ServerEndpoint,
		SyncEnabled:         c.SyncEnabled,
		Status:              string(c.Status),
		LastSyncAt:          c.LastSyncAt,
		SyncIntervalMinutes: c.SyncIntervalMinutes,
	}
}

// Continuation tokens stay internal.
type calendarJSON struct {
	ID                 uuid.UUID `json:"id"`
	ConnectionID       uuid.UUID `json:"connection_id"`
	ExternalCalendarID string    `json:"external_calendar_id"`
	DisplayName        string    `json:"display_name"`
	Color              string    `json:"color,omitempty"`
	SyncEnabled        bool      `json:"sync_enabled"`
	PrivacyMode        string    `json:"privacy_mode"`
	SyncDirection      string    `json:"sync_direction"`
}

func toCalendarJSON(c *calendar.Calendar) calendarJSON {
	return calendarJSON{
		ID:                 c.ID,
		ConnectionID:       c.ConnectionID,
		ExternalCalendarID: c.ExternalCalendarID,
		DisplayName:        c.DisplayName,
		Color:              c.Color,
		SyncEnabled:        c.SyncEnabled,
		PrivacyMode:        string(c.PrivacyMode),
		SyncDirection:      string(c.SyncDirection),
	}
}

func toCalendarsJSON(cals []calendar.Calendar) []calendarJSON {
	out := make([]calendarJSON, 0, len(cals))
	for i := range cals {
		out = append(out, toCalendarJSON(&cals[i]))
	}
	return out
}

type connectRequest struct {
	OwnerMemberID       uuid.UUID              `json:"owner_member_id"`
	Provider            string                 `json:"provider"`
	AccountLabel        string                 `json:"account_label"`
	ServerEndpoint      string                 `json:"server_endpoint"`
	SyncIntervalMinutes int                    `json:"sync_interval_minutes"`
	Credential          connections.Credential `json:"credential"`
}

type connectResponse struct {
	Connection connectionJSON `json:"connection"`
	Calendars  []calendarJSON `json:"calendars"`
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	linked, err := h.conns.Connect(r.Context(), connections.ConnectRequest{
		OwnerMemberID:       req.OwnerMemberID,
		Provider:            calendar.Provider(req.Provider),
		AccountLabel:        req.AccountLabel,
		ServerEndpoint:      req.ServerEndpoint,
		SyncIntervalMinutes: req.SyncIntervalMinutes,
		Credential:          req.Credential,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, connectResponse{
		Connection: toConnectionJSON(linked.Connection),
		Calendars:  toCalendarsJSON(linked.Calendars),
	})
}

func (h *handler) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.conns.DeleteConnection(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reconnectRequest struct {
	Credential *connections.Credential `json:"credential"`
}

func (h *handler) reconnect(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req reconnectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	conn, err := h.conns.Reconnect(r.Context(), id, req.Credential)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionJSON(conn))
}

type refreshResponse struct {
	Added     int            `json:"added"`
	Calendars []calendarJSON `json:"calendars"`
}

func (h *handler) refreshCalendars(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	added, cals, err := h.conns.RefreshCalendars(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Added: added, Calendars: toCalendarsJSON(cals)})
}

func (h *handler) syncNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.conns.SyncNow(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type calendarSyncRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *handler) setCalendarSync(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req calendarSyncRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		h.writeError(w, r, fmt.Errorf("%w: enabled is required", errBadRequest))
		return
	}
	cal, err := h.conns.SetCalendarSync(r.Context(), id, *req.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarJSON(cal))
}

type privacyRequest struct {
	PrivacyMode string `json:"privacy_mode"`
}

func (h *handler) setPrivacyMode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req privacyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cal, err := h.conns.SetPrivacyMode(r.Context(), id, calendar.PrivacyMode(req.PrivacyMode))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarJSON(cal))
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed id", errBadRequest)
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
