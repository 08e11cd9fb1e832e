package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/store"
)

type syncStartRequest struct {
	UserID        string `json:"userId"`
	Provider      string `json:"provider"`
	IsInitialSync bool   `json:"isInitialSync"`
	MonthsBack    int    `json:"monthsBack"`
}

// Start queues one job per requested provider and returns the ids. Omitting
// the provider fans out to every enabled provider the user holds a valid
// credential for. A provider that already has a queued or running job reuses
// it instead of stacking a duplicate.
func (h *SyncHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req syncStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if req.UserID == "" {
		renderError(w, http.StatusUnprocessableEntity, "missing userId")
		return
	}

	if req.MonthsBack < 0 || req.MonthsBack > 24 {
		renderError(w, http.StatusUnprocessableEntity, "monthsBack must be between 0 and 24")
		return
	}

	connected, err := h.Deps.Credentials.Providers(r.Context(), req.UserID)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var targets []string

	if req.Provider != "" {
		if !contains(h.Deps.Providers, req.Provider) {
			renderError(w, http.StatusUnprocessableEntity, fmt.Sprintf("provider %s is not enabled", req.Provider))
			return
		}

		if !contains(connected, req.Provider) {
			renderError(w, http.StatusConflict, fmt.Sprintf("no valid credential for provider %s", req.Provider))
			return
		}

		targets = []string{req.Provider}
	} else {
		for _, name := range h.Deps.Providers {
			if contains(connected, name) {
				targets = append(targets, name)
			}
		}

		if len(targets) == 0 {
			renderError(w, http.StatusConflict, "no connected providers")
			return
		}
	}

	mode := models.SyncModeIncremental
	if req.IsInitialSync {
		mode = models.SyncModeInitial
	}

	ids := make([]string, 0, len(targets))

	for _, providerName := range targets {
		current, err := h.Deps.Store.FindCurrentJob(r.Context(), req.UserID, providerName)
		if err == nil {
			// Re-enqueueing a queued job is a no-op thanks to the task id,
			// and it heals a row whose first enqueue never reached Redis.
			if current.Status == models.JobStatusQueued {
				if err := h.Deps.Enqueuer.EnqueueJob(r.Context(), current); err != nil {
					h.Deps.Log.Warn("re-enqueue failed",
						zap.String("job", current.ID), zap.Error(err))
				}
			}

			ids = append(ids, current.ID)

			continue
		}

		if !errors.Is(err, store.ErrJobNotFound) {
			renderError(w, http.StatusInternalServerError, err.Error())
			return
		}

		job := &models.SyncJob{
			ID:         uuid.New().String(),
			UserID:     req.UserID,
			Provider:   providerName,
			Mode:       mode,
			Status:     models.JobStatusQueued,
			MonthsBack: req.MonthsBack,
		}

		if err := h.Deps.Store.CreateJob(r.Context(), job); err != nil {
			renderError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if err := h.Deps.Enqueuer.EnqueueJob(r.Context(), job); err != nil {
			// The row stays queued; a retried start reuses and re-enqueues it.
			h.Deps.Log.Error("enqueue failed",
				zap.String("job", job.ID), zap.Error(err))
			renderError(w, http.StatusInternalServerError, err.Error())

			return
		}

		ids = append(ids, job.ID)
	}

	renderJSON(w, http.StatusAccepted, models.SyncStartResponse{JobID: ids[0], JobIDs: ids})
}

// Status serves the job-row projection the dashboard polls.
func (h *SyncHandlers) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid job id")
		return
	}

	job, err := h.Deps.Store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		renderError(w, http.StatusNotFound, "job not found")
		return
	}

	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	renderJSON(w, http.StatusOK, statusResponse(job))
}

// Jobs lists a user's most recent jobs, newest first. An unusable limit
// falls back to the store default.
func (h *SyncHandlers) Jobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		renderError(w, http.StatusUnprocessableEntity, "missing userId")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.Deps.Store.ListJobs(r.Context(), userID, limit)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]models.SyncStatusResponse, len(jobs))
	for i := range jobs {
		out[i] = statusResponse(&jobs[i])
	}

	renderJSON(w, http.StatusOK, out)
}

// Stats reports queue-wide job counts plus graph totals. A userId query
// parameter scopes the graph portion to one user.
func (h *SyncHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Deps.Store.CountJobsByStatus(r.Context())
	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	graph, err := h.Deps.Store.GraphStats(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := models.SyncStatsResponse{
		Waiting:       counts[models.JobStatusQueued],
		Active:        counts[models.JobStatusActive] + counts[models.JobStatusCancelling],
		Completed:     counts[models.JobStatusCompleted],
		Failed:        counts[models.JobStatusFailed],
		Cancelled:     counts[models.JobStatusCancelled],
		NodesByKind:   graph.NodesByKind,
		Relationships: graph.Relationships,
	}

	for _, n := range graph.NodesByKind {
		resp.Nodes += n
	}

	renderJSON(w, http.StatusOK, resp)
}

// Cancel asks a job to stop. Queued jobs flip to cancelled immediately;
// active jobs finish their current page first and report cancelling.
func (h *SyncHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		renderError(w, http.StatusUnprocessableEntity, "invalid job id")
		return
	}

	state, err := h.Deps.Store.RequestJobCancel(r.Context(), id)

	switch {
	case errors.Is(err, store.ErrJobNotFound):
		renderError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, store.ErrJobFinished):
		renderError(w, http.StatusConflict, fmt.Sprintf("job already %s", state))
		return
	case err != nil:
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	renderJSON(w, http.StatusOK, models.SyncCancelResponse{JobID: id, State: state})
}

func statusResponse(job *models.SyncJob) models.SyncStatusResponse {
	return models.SyncStatusResponse{
		JobID:      job.ID,
		Provider:   job.Provider,
		Mode:       job.Mode,
		State:      job.Status,
		Progress:   job.Progress,
		Processed:  job.Processed,
		Failed:     job.Failed,
		Attempts:   job.Attempts,
		ErrorClass: job.ErrorClass,
		Error:      job.LastError,
		Cursor:     job.Cursor,
		Timestamp:  job.UpdatedAt,
	}
}
