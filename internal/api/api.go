// Package api serves the organizer's control surface over HTTP: stats,
// forced passes, the grouping flag, branch colors and scraped names.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/grouping"
	"github.com/lotas/bubblegroups/internal/host"
)

// Engine is the part of the grouping engine the API exposes.
type Engine interface {
	Stats(ctx context.Context) (grouping.Stats, error)
	PlanAndExecuteGrouping(ctx context.Context, reason string) (grouping.PassResult, error)
	GroupingEnabled(ctx context.Context) (bool, error)
	SetGroupingEnabled(ctx context.Context, enabled bool) error
	ColorForTab(ctx context.Context, tabID int) (string, error)
}

// NameReporter accepts branch names found outside a scrape.
type NameReporter interface {
	Report(ctx context.Context, appID, versionID, name string) error
}

type PassResponse struct {
	Reason        string    `json:"reason"`
	Skipped       string    `json:"skipped,omitempty"`
	Buckets       int       `json:"buckets"`
	GroupsCreated int       `json:"groupsCreated"`
	TabsMoved     int       `json:"tabsMoved"`
	TitlesUpdated int       `json:"titlesUpdated"`
	Errors        int       `json:"errors"`
	DurationMs    int64     `json:"durationMs"`
	At            time.Time `json:"at"`
}

type StatsResponse struct {
	Connected bool         `json:"connected"`
	Tabs      int          `json:"tabs"`
	Windows   int          `json:"windows"`
	Apps      int          `json:"apps"`
	Groups    int          `json:"groups"`
	Holds     int          `json:"holds"`
	LastPass  PassResponse `json:"lastPass"`
}

type GroupingResponse struct {
	Enabled bool `json:"enabled"`
}

type ColorResponse struct {
	TabID int    `json:"tabId"`
	Color string `json:"color"`
}

type NameRequest struct {
	Name string `json:"name"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func passResponse(p grouping.PassResult) PassResponse {
	return PassResponse{
		Reason:        p.Reason,
		Skipped:       p.Skipped,
		Buckets:       p.Buckets,
		GroupsCreated: p.GroupsCreated,
		TabsMoved:     p.TabsMoved,
		TitlesUpdated: p.TitlesUpdated,
		Errors:        p.Errors,
		DurationMs:    p.Duration.Milliseconds(),
		At:            p.At,
	}
}

type handlers struct {
	engine    Engine
	names     NameReporter
	connected func() bool
}

// NewServer returns the API router. connected reports whether the browser
// extension is attached and may be nil.
func NewServer(engine Engine, names NameReporter, connected func() bool) http.Handler {
	if connected == nil {
		connected = func() bool { return false }
	}
	h := &handlers{engine: engine, names: names, connected: connected}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/stats", h.stats)
	router.Post("/regroup", h.regroup)
	router.Get("/grouping", h.getGrouping)
	router.Put("/grouping", h.putGrouping)
	router.Get("/tabs/{tabID}/color", h.tabColor)
	router.Post("/branches/{appID}/{versionID}/name", h.branchName)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Connected: h.connected(),
		Tabs:      s.Tabs,
		Windows:   s.Windows,
		Apps:      s.Apps,
		Groups:    s.Groups,
		Holds:     s.Holds,
		LastPass:  passResponse(s.LastPass),
	})
}

func (h *handlers) regroup(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.PlanAndExecuteGrouping(r.Context(), "api")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, passResponse(res))
}

func (h *handlers) getGrouping(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.engine.GroupingEnabled(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupingResponse{Enabled: enabled})
}

func (h *handlers) putGrouping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `body must be {"enabled": true|false}`})
		return
	}
	if err := h.engine.SetGroupingEnabled(r.Context(), *req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupingResponse{Enabled: *req.Enabled})
}

func (h *handlers) tabColor(w http.ResponseWriter, r *http.Request) {
	tabID, err := strconv.Atoi(chi.URLParam(r, "tabID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "tab id must be an integer"})
		return
	}
	color, err := h.engine.ColorForTab(r.Context(), tabID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ColorResponse{TabID: tabID, Color: color})
}

func (h *handlers) branchName(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `body must be {"name": "..."}`})
		return
	}
	if h.names == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "name reporting is not available"})
		return
	}
	if err := h.names.Report(r.Context(), chi.URLParam(r, "appID"), chi.URLParam(r, "versionID"), req.Name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Error("api.write", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, host.ErrDisconnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, host.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		applog.Info("api.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	applog.Info("api.start", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
