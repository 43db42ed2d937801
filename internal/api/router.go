package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/auth"
	"github.com/slugsec/deskd/internal/config"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/fleet"
	"github.com/slugsec/deskd/internal/metrics"
	"github.com/slugsec/deskd/internal/model"
	"github.com/slugsec/deskd/internal/orchestrator"
)

// Sessions is the slice of the orchestrator the HTTP layer needs.
type Sessions interface {
	Create(userID string) error
	Status(userID string) (*model.CreationProgress, *orchestrator.SessionView)
	Destroy(ctx context.Context, userID string) error
	Extend(userID string) (orchestrator.SessionView, error)
	ListSessions() []orchestrator.SessionView
	Authorize(callerID string, isAdmin bool, targetID string) (model.RouteTarget, error)
	RunSweep(ctx context.Context) int
}

// Fleet is the slice of the scheduler exposed on the admin surface.
type Fleet interface {
	Snapshot() []model.HostStatus
	MarkHealthy(hostname string)
	HostByName(hostname string) (config.Host, bool)
	ProbeAll(ctx context.Context) []fleet.ProbeResult
}

type Server struct {
	cfg      config.Config
	sessions Sessions
	fleet    Fleet
	bus      *events.Bus
	log      *zap.Logger
}

func NewRouter(cfg config.Config, sess Sessions, fl Fleet, bus *events.Bus, log *zap.Logger) http.Handler {
	s := &Server{cfg: cfg, sessions: sess, fleet: fl, bus: bus, log: log.Named("api")}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Creation is asynchronous, but destroy waits on a pooled channel and a
	// remote stop, which can take the full pool wait plus command timeout.
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Post("/desktop/create", s.handleDesktopCreate)
			authed.Get("/desktop/status", s.handleDesktopStatus)
			authed.Post("/desktop/destroy", s.handleDesktopDestroy)
			authed.Post("/desktop/extend", s.handleDesktopExtend)
			authed.Get("/desktop/auth-check", s.handleAuthCheck)

			authed.Route("/admin", func(admin chi.Router) {
				admin.Use(auth.AdminOnly)
				admin.Get("/sessions", s.handleAdminSessions)
				admin.Post("/sessions/destroy", s.handleAdminDestroy)
				admin.Post("/sessions/extend", s.handleAdminExtend)
				admin.Post("/sweep", s.handleAdminSweep)
				admin.Get("/hosts", s.handleAdminHosts)
				admin.Post("/hosts/recover", s.handleAdminHostRecover)
				admin.Post("/hosts/probe", s.handleAdminHostProbe)
				admin.Get("/events/recent", s.handleEventsRecent)
				admin.Get("/events/stream", s.handleEventsStream)
			})
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
