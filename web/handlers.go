// Package web exposes the engine's trigger API: sync start, status, stats
// and cancel, credential intake, and the OAuth authorization-code pair. It
// is the surface the dashboard talks to; the engine never calls it itself.
package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/credentials"
	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/store"
)

// Enqueuer pushes a freshly created job to the distributed queue. The
// standalone scheduler discovers work by polling the job table, so it runs
// with NopEnqueuer.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *models.SyncJob) error
}

// NopEnqueuer satisfies Enqueuer where no queue transport exists.
type NopEnqueuer struct{}

func (NopEnqueuer) EnqueueJob(context.Context, *models.SyncJob) error { return nil }

// QueuePinger reports distributed queue health for the health endpoint.
type QueuePinger interface {
	Healthy(ctx context.Context) bool
}

// Dependencies aggregates the shared services the handlers use.
type Dependencies struct {
	Log         *zap.Logger
	Store       *store.Store
	Credentials *credentials.Store
	Enqueuer    Enqueuer
	Queue       QueuePinger // nil in standalone mode
	Providers   []string    // enabled provider names, canonical order
}

// HandlerGroup groups the handler categories for route registration.
type HandlerGroup struct {
	Sync        *SyncHandlers
	Credentials *CredentialHandlers
	Health      *HealthHandlers
}

// NewHandlerGroup constructs the handlers around shared dependencies.
func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	if deps.Enqueuer == nil {
		deps.Enqueuer = NopEnqueuer{}
	}

	return &HandlerGroup{
		Sync:        &SyncHandlers{Deps: deps},
		Credentials: &CredentialHandlers{Deps: deps},
		Health:      &HealthHandlers{Deps: deps},
	}
}

// SyncHandlers contains the job trigger and inspection routes.
type SyncHandlers struct{ Deps Dependencies }

// CredentialHandlers contains credential intake and the OAuth routes.
type CredentialHandlers struct{ Deps Dependencies }

// HealthHandlers contains the liveness probe.
type HealthHandlers struct{ Deps Dependencies }

// Register mounts every route on the router.
func (g *HandlerGroup) Register(r *mux.Router) {
	r.HandleFunc("/health", g.Health.Check).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sync/start", g.Sync.Start).Methods(http.MethodPost)
	api.HandleFunc("/sync/status/{id}", g.Sync.Status).Methods(http.MethodGet)
	api.HandleFunc("/sync/jobs", g.Sync.Jobs).Methods(http.MethodGet)
	api.HandleFunc("/sync/stats", g.Sync.Stats).Methods(http.MethodGet)
	api.HandleFunc("/sync/cancel/{id}", g.Sync.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/credentials", g.Credentials.Intake).Methods(http.MethodPost)
	api.HandleFunc("/credentials", g.Credentials.Connections).Methods(http.MethodGet)
	api.HandleFunc("/oauth/{provider}/authorize", g.Credentials.Authorize).Methods(http.MethodGet)
	api.HandleFunc("/oauth/{provider}/callback", g.Credentials.Callback).Methods(http.MethodGet)
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func renderError(w http.ResponseWriter, code int, message string) {
	renderJSON(w, code, models.APIError{Code: code, Message: message})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}

	return false
}
