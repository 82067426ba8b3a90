// Package gpsapi is the HTTP surface of the tracking backend: the tracker
// ingestion endpoint, history reads, device mapping and the live map.
package gpsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/belediye/bts/internal/auth"
	"github.com/belediye/bts/internal/models"
	"github.com/belediye/bts/internal/services/devicemap"
	"github.com/belediye/bts/internal/services/history"
	"github.com/belediye/bts/internal/services/ingest"
	"github.com/belediye/bts/internal/services/livemap"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Ingester interface {
	Ingest(ctx context.Context, p ingest.Ping) (*ingest.Result, error)
}

type HistoryReader interface {
	Query(ctx context.Context, caller models.Caller, q history.Query) ([]*models.LocationRecord, error)
}

type DeviceMapper interface {
	ListUnmapped(ctx context.Context, caller models.Caller) ([]*models.UnmappedDevice, error)
	Apply(ctx context.Context, caller models.Caller, items []devicemap.Assignment) ([]devicemap.AssignmentResult, error)
	Unmap(ctx context.Context, caller models.Caller, deviceID string) (int64, error)
}

type LiveView interface {
	Snapshot() []livemap.PersonnelState
}

type Deps struct {
	Ingest  Ingester
	History HistoryReader
	Devices DeviceMapper
	Live    LiveView
	Auth    *auth.Manager
	// LiveSocket отдаёт websocket-поток карты, nil = маршрут не регистрируется
	LiveSocket http.Handler
	// Ready проверяет зависимости для /readyz
	Ready func(ctx context.Context) error
}

type API struct {
	deps Deps
}

func New(deps Deps) *API {
	return &API{deps: deps}
}

// Register mounts every route on r.
func (a *API) Register(r chi.Router) {
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if a.deps.Auth != nil {
		r.Use(a.deps.Auth.Attach)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", promhttp.Handler())

	// трекеры ходят не из браузера: CORS открыт полностью
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:     []string{"*"},
			AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:     []string{"*"},
			MaxAge:             86400,
			OptionsPassthrough: true,
		}))
		r.Get("/api/gps", a.gps)
		r.Post("/api/gps", a.gps)
		r.Options("/api/gps", preflight)
		r.Get("/api/locations", a.locations)
		r.Options("/api/locations", preflight)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireCaller)
		r.Get("/api/devices/unmapped", a.unmappedDevices)
		r.Post("/api/devices/map", a.mapDevices)
		r.Post("/api/devices/{deviceID}/unmap", a.unmapDevice)
		r.Get("/api/live/personnel", a.livePersonnel)
		if a.deps.LiveSocket != nil {
			r.With(requirePrivilegedToken).Get("/ws/live", a.deps.LiveSocket.ServeHTTP)
		}
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready(r.Context()); err != nil {
			slog.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}

func requirePrivilegedToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !models.IsPrivilegedRole(auth.CallerFromContext(r.Context()).Role) {
			writeError(w, errors.Wrap(models.ErrForbidden, "live map requires admin or supervisor"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
