package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/metrics"
	"github.com/JakeFAU/channel-crawler/internal/scheduler"
	"github.com/JakeFAU/channel-crawler/internal/store"
	"github.com/JakeFAU/channel-crawler/internal/targets"
)

// Identities is the operator view of the identity pool.
type Identities interface {
	Snapshot(ctx context.Context) ([]store.IdentityRecord, error)
	Reinstate(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Locks lists and force-releases channel locks.
type Locks interface {
	List(ctx context.Context) ([]store.LockRecord, error)
	Unlock(ctx context.Context, channelID string) error
	Timeout() time.Duration
}

// Scheduler is the part of the scheduler the API reads and pokes.
type Scheduler interface {
	Targets() []string
	Tier() crawler.Tier
	Trigger()
	LastReport() (scheduler.CycleReport, bool)
}

// Memberships reports which channels have been joined by any identity.
type Memberships interface {
	JoinedChannels(ctx context.Context) ([]string, error)
}

// Deps groups the collaborators behind the handlers.
type Deps struct {
	Identities  Identities
	Locks       Locks
	Scheduler   Scheduler
	Memberships Memberships
	Clock       crawler.Clock
	// Ready reports downstream readiness; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the pool, lock manager and scheduler.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. An empty apiKey
// leaves the /v1 routes open.
func NewServer(deps Deps, apiKey string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if apiKey != "" {
			r.Use(apiKeyMiddleware(apiKey))
		}
		r.Route("/identities", func(r chi.Router) {
			r.Get("/", s.listIdentities)
			r.Post("/{identity_id}/reinstate", s.reinstateIdentity)
			r.Delete("/{identity_id}", s.removeIdentity)
		})
		r.Route("/locks", func(r chi.Router) {
			r.Get("/", s.listLocks)
			r.Delete("/{channel_id}", s.releaseLock)
		})
		r.Get("/channels/missing", s.missingChannels)
		r.Post("/cycles", s.triggerCycle)
		r.Get("/cycles/last", s.lastCycle)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"tier":   string(s.deps.Scheduler.Tier()),
	})
}

type identityView struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Identities.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list identities")
		return
	}
	out := make([]identityView, 0, len(records))
	for _, rec := range records {
		view := identityView{ID: rec.ID, Status: string(rec.Status), Reason: rec.Reason}
		if !rec.LastUsedAt.IsZero() {
			at := rec.LastUsedAt
			view.LastUsedAt = &at
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"identities": out})
}

func (s *Server) reinstateIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identity_id")
	err := s.deps.Identities.Reinstate(r.Context(), id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"identity_id": id, "status": string(crawler.StatusAvailable)})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "identity not found")
	case errors.Is(err, identity.ErrNotBanned):
		s.writeError(w, http.StatusConflict, "identity is not banned")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) removeIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identity_id")
	if err := s.deps.Identities.Remove(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"identity_id": id, "status": "removed"})
}

type lockView struct {
	ChannelID  string    `json:"channel_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Live       bool      `json:"live"`
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.deps.Locks.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list locks")
		return
	}
	now := s.now()
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockView{
			ChannelID:  l.ChannelID,
			HolderID:   l.HolderID,
			AcquiredAt: l.AcquiredAt,
			Live:       l.Live(now, s.deps.Locks.Timeout()),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channel_id")
	if err := s.deps.Locks.Unlock(r.Context(), channelID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("lock released by operator", zap.String("channel_id", channelID))
	s.writeJSON(w, http.StatusOK, map[string]string{"channel_id": channelID, "status": "released"})
}

func (s *Server) missingChannels(w http.ResponseWriter, r *http.Request) {
	joined, err := s.deps.Memberships.JoinedChannels(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list joined channels")
		return
	}
	missing := targets.Missing(s.deps.Scheduler.Targets(), joined)
	if missing == nil {
		missing = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"missing": missing})
}

func (s *Server) triggerCycle(w http.ResponseWriter, _ *http.Request) {
	s.deps.Scheduler.Trigger()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) lastCycle(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.deps.Scheduler.LastReport()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no cycle has run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
