// Package httpapi exposes the connection operations over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/connections"
	"github.com/beekhof/calendar-sync-engine/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connections is the set of operations served by the API.
type Connections interface {
	Connect(ctx context.Context, req connections.ConnectRequest) (*connections.Linked, error)
	Reconnect(ctx context.Context, id uuid.UUID, cred *connections.Credential) (*calendar.Connection, error)
	RefreshCalendars(ctx context.Context, id uuid.UUID) (int, []calendar.Calendar, error)
	SetCalendarSync(ctx context.Context, calendarID uuid.UUID, enabled bool) (*calendar.Calendar, error)
	SetPrivacyMode(ctx context.Context, calendarID uuid.UUID, mode calendar.PrivacyMode) (*calendar.Calendar, error)
	SyncNow(ctx context.Context, id uuid.UUID) error
	DeleteConnection(ctx context.Context, id uuid.UUID) error
}

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter wires the API routes.
func NewRouter(conns Connections, health HealthChecker, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{conns: conns, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/connections", h.connect)
		r.Delete("/connections/{id}", h.deleteConnection)
		r.Post("/connections/{id}/reconnect", h.reconnect)
		r.Post("/connections/{id}/calendars/refresh", h.refreshCalendars)
		r.Post("/connections/{id}/sync", h.syncNow)
		r.Put("/calendars/{id}/sync", h.setCalendarSync)
		r.Put("/calendars/{id}/privacy", h.setPrivacyMode)
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
