// Package api is the operator-facing REST surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tazhate/classbell/config"
	"github.com/tazhate/classbell/internal/clients/caldav"
	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/importer"
	"github.com/tazhate/classbell/internal/logx"
	"github.com/tazhate/classbell/internal/notify"
	"github.com/tazhate/classbell/internal/scheduler"
	"github.com/tazhate/classbell/internal/service"
)

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AuditStore is the read side used by health and logs.
type AuditStore interface {
	Ping(ctx context.Context) error
	CountPendingReminders(ctx context.Context) (int, error)
	ListDispatchLogs(ctx context.Context, limit int) ([]*domain.DispatchLogEntry, error)
}

type Dispatch interface {
	Status() scheduler.Status
	RunNow(ctx context.Context) scheduler.TickReport
}

type CalendarLister interface {
	DiscoverCalendars(ctx context.Context) ([]caldav.Calendar, error)
}

type Deps struct {
	Store      AuditStore
	Classes    *service.ClassService
	Users      *service.UserService
	Timetables *service.TimetableService
	Registry   *notify.Registry
	Scheduler  Dispatch
	Calendars  CalendarLister // nil when CalDAV is off
	Location   *time.Location
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	log    logx.Logger
	mux    *http.ServeMux
	server *http.Server
}

func New(cfg config.ServerConfig, deps Deps, log logx.Logger) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("component", "api")),
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.apiHealth)

	if s.cfg.APIUsername == "" || s.cfg.APIPassword == "" {
		s.log.Warn("api credentials not set, only /api/health is served")
		return
	}

	s.mux.HandleFunc("GET /api/logs", s.basicAuth(s.apiLogs))
	s.mux.HandleFunc("POST /api/test-reminder", s.basicAuth(s.apiTestReminder))
	s.mux.HandleFunc("POST /api/dispatch/run", s.basicAuth(s.apiDispatchRun))

	s.mux.HandleFunc("POST /api/classes", s.basicAuth(s.apiCreateClass))
	s.mux.HandleFunc("GET /api/classes/upcoming", s.basicAuth(s.apiUpcomingClasses))

	s.mux.HandleFunc("GET /api/users", s.basicAuth(s.apiListUsers))
	s.mux.HandleFunc("POST /api/users", s.basicAuth(s.apiCreateUser))
	s.mux.HandleFunc("GET /api/users/{id}/preferences", s.basicAuth(s.apiGetPreferences))
	s.mux.HandleFunc("PUT /api/users/{id}/preferences", s.basicAuth(s.apiUpdatePreferences))
	s.mux.HandleFunc("GET /api/users/{id}/classes", s.basicAuth(s.apiUserClasses))

	s.mux.HandleFunc("POST /api/timetables/upload", s.basicAuth(s.apiTimetableUpload))
	s.mux.HandleFunc("POST /api/timetables/sync", s.basicAuth(s.apiTimetableSync))
	s.mux.HandleFunc("GET /api/timetables/calendars", s.basicAuth(s.apiCalendarList))
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username != s.cfg.APIUsername || password != s.cfg.APIPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="classbell API"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) jsonError(w http.ResponseWriter, err string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err})
}

// fail maps domain and service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidClass),
		errors.Is(err, domain.ErrInvalidUser),
		errors.Is(err, domain.ErrInvalidPreferences),
		errors.Is(err, importer.ErrUnsupportedFormat),
		errors.Is(err, importer.ErrMissingColumns),
		errors.Is(err, notify.ErrUnsupportedChannel),
		errors.Is(err, notify.ErrNoAddress):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSyncDisabled),
		errors.Is(err, notify.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logx.Err(err))
	}
	s.jsonError(w, err.Error(), status)
}
