// Package api exposes the monitor's state to the UI as JSON over HTTP plus
// a websocket stream of popup events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"modem-monitor/pkg/alerts"
	"modem-monitor/pkg/dashboard"
	"modem-monitor/pkg/notify"
	"modem-monitor/pkg/poller"
	"modem-monitor/pkg/popupbus"
)

// Polling is the alert polling control.
type Polling interface {
	Start(ctx context.Context) bool
	Stop() bool
	Running() bool
	Refresh()
	Snapshot() (poller.Snapshot, bool)
}

// Tracking is the single-modem watch control.
type Tracking interface {
	Track(ctx context.Context, modemID string) error
	Untrack(ctx context.Context)
	Tracked() (string, bool)
}

// Notifications is the persisted notification list.
type Notifications interface {
	List(limit int) []notify.Notification
	MarkRead(ctx context.Context, id string) error
	Reload(ctx context.Context) error
	Unread() int
	Popup() (notify.Notification, bool)
}

// Config wires a Server. Bus, Metrics and QRCache are optional.
type Config struct {
	Polling       Polling
	Tracking      Tracking
	Notifications Notifications
	Bus           *popupbus.Bus
	Metrics       http.Handler
	QRCache       *ResponseCache
	DisplayLimit  int
	Logf          func(string, ...any)
}

// Server holds the handlers.
type Server struct {
	cfg      Config
	logf     func(string, ...any)
	upgrader websocket.Upgrader
}

// New returns a Server; Routes builds its handler.
func New(cfg Config) *Server {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.DisplayLimit <= 0 {
		cfg.DisplayLimit = 5
	}
	return &Server{
		cfg:  cfg,
		logf: cfg.Logf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from a different origin on the device.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/alerts", s.handleAlerts)

		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/reload", s.handleReload)
		r.Post("/notifications/{id}/read", s.handleMarkRead)

		r.Get("/popup", s.handlePopup)
		r.Get("/popup/stream", s.handlePopupStream)

		r.Post("/polling/start", s.handlePollingStart)
		r.Post("/polling/stop", s.handlePollingStop)
		r.Post("/polling/refresh", s.handlePollingRefresh)

		r.Get("/tracking", s.handleTrackingGet)
		r.Post("/tracking/{modemID}", s.handleTrack)
		r.Delete("/tracking", s.handleUntrack)

		r.Get("/modems/{modemID}/qr", s.handleModemQR)
	})
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logf("api: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type dashboardResponse struct {
	Metrics   dashboard.Metrics `json:"metrics"`
	FetchedAt *time.Time        `json:"fetchedAt"`
	Outcome   string            `json:"outcome"`
	Polling   bool              `json:"polling"`
	Unread    int               `json:"unreadNotifications"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	resp := dashboardResponse{
		Polling: s.cfg.Polling.Running(),
		Unread:  s.cfg.Notifications.Unread(),
	}
	if snap, ok := s.cfg.Polling.Snapshot(); ok {
		resp.Metrics = snap.Metrics
		resp.Outcome = snap.Outcome
		at := snap.FetchedAt
		resp.FetchedAt = &at
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	list := []alerts.Normalized{}
	if snap, ok := s.cfg.Polling.Snapshot(); ok && snap.Alerts != nil {
		list = snap.Alerts
	}
	s.writeJSON(w, http.StatusOK, list)
}

// parseLimit reads ?limit=. Absent means the profile-screen default; "all"
// or 0 means everything.
func (s *Server) parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	switch raw {
	case "":
		return s.cfg.DisplayLimit, nil
	case "all":
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := s.parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list := s.cfg.Notifications.List(limit)
	if list == nil {
		list = []notify.Notification{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Notifications.Reload(r.Context()); err != nil {
		s.logf("api: notification reload: %v", err)
		s.writeError(w, http.StatusServiceUnavailable, "could not load notifications, retry")
		return
	}
	s.handleNotifications(w, r)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.cfg.Notifications.MarkRead(r.Context(), id)
	switch {
	case errors.Is(err, notify.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type popupResponse struct {
	Visible      bool                 `json:"visible"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

func (s *Server) currentPopup() popupResponse {
	n, ok := s.cfg.Notifications.Popup()
	if !ok {
		return popupResponse{}
	}
	return popupResponse{Visible: true, Notification: &n}
}

func (s *Server) handlePopup(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentPopup())
}

type pollingResponse struct {
	Running bool `json:"running"`
	Changed bool `json:"changed"`
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	changed := s.cfg.Polling.Start(r.Context())
	s.writeJSON(w, http.StatusOK, pollingResponse{Running: s.cfg.Polling.Running(), Changed: changed})
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	changed := s.cfg.Polling.Stop()
	s.writeJSON(w, http.StatusOK, pollingResponse{Running: s.cfg.Polling.Running(), Changed: changed})
}

func (s *Server) handlePollingRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Polling.Running() {
		s.writeError(w, http.StatusConflict, "polling is stopped")
		return
	}
	s.cfg.Polling.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

type trackingResponse struct {
	Tracking bool   `json:"tracking"`
	ModemID  string `json:"modemId,omitempty"`
}

func (s *Server) handleTrackingGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cfg.Tracking.Tracked()
	s.writeJSON(w, http.StatusOK, trackingResponse{Tracking: ok, ModemID: id})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "modemID")
	if err := s.cfg.Tracking.Track(r.Context(), id); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleTrackingGet(w, r)
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	s.cfg.Tracking.Untrack(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

const qrSize = 256

func (s *Server) handleModemQR(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "modemID"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "empty modem id")
		return
	}
	png, err := s.cfg.QRCache.Get(r.Context(), "qr:"+id, func(context.Context) ([]byte, error) {
		return qrcode.Encode(id, qrcode.Medium, qrSize)
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(png)
}
