package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/petrakisd/genhive/internal/api/middleware"
	"github.com/petrakisd/genhive/internal/api/response"
	"github.com/petrakisd/genhive/internal/cache"
	"github.com/petrakisd/genhive/internal/queue"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// statusCacheTTL bounds how stale a cached status projection may be.
const statusCacheTTL = 10 * time.Second

const noWorkersMessage = "Warning: No available workers can fulfill this request. " +
	"It will expire in 20 minutes. Consider reducing the amount of tokens to generate."

// Admitter is the admission-control surface the generate handler needs.
type Admitter interface {
	Admit(ctx context.Context, spec queue.JobSpec) (*queue.Decision, error)
	Quote(spec *queue.JobSpec) float64
}

// Jobs is the job lifecycle surface the generate handlers need.
type Jobs interface {
	Create(ctx context.Context, spec queue.JobSpec, paidUpfront bool) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*queue.JobStatus, error)
}

// WorkerSignals supplies the aggregate worker-availability signal shown
// to clients; the queue does not own it.
type WorkerSignals interface {
	CountActiveWorkerThreads(ctx context.Context, since time.Time) (int, int, error)
}

type generateRequest struct {
	Prompt            string          `json:"prompt"`
	Params            json.RawMessage `json:"params"`
	Models            []string        `json:"models"`
	N                 int             `json:"n"`
	MaxLength         int             `json:"max_length"`
	MaxContextLength  int             `json:"max_context_length"`
	NSFW              bool            `json:"nsfw"`
	TrustedWorkers    bool            `json:"trusted_workers"`
	SlowWorkers       *bool           `json:"slow_workers"`
	WorkerBlacklist   []uuid.UUID     `json:"worker_blacklist"`
	ValidatedBackends []string        `json:"validated_backends"`
	Style             string          `json:"style"`
	SharedKeyID       *uuid.UUID      `json:"shared_key_id"`
	AllowDowngrade    bool            `json:"allow_downgrade"`
	DryRun            bool            `json:"dry_run"`
}

// NewGenerateHandler returns the http.HandlerFunc for POST /api/v2/generate/text.
func NewGenerateHandler(admit Admitter, jobs Jobs, styles queue.StyleResolver, signals WorkerSignals, raidMode bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.N == 0 {
			req.N = 1
		}
		if req.MaxLength == 0 {
			req.MaxLength = 80
		}
		if req.MaxContextLength == 0 {
			req.MaxContextLength = 1024
		}
		slowWorkers := true
		if req.SlowWorkers != nil {
			slowWorkers = *req.SlowWorkers
		}

		spec := queue.JobSpec{
			UserID:            userID,
			SharedKeyID:       req.SharedKeyID,
			Prompt:            req.Prompt,
			Params:            req.Params,
			Models:            req.Models,
			N:                 req.N,
			MaxLength:         req.MaxLength,
			MaxContextLength:  req.MaxContextLength,
			NSFW:              req.NSFW,
			TrustedWorkers:    req.TrustedWorkers,
			SlowWorkers:       slowWorkers,
			WorkerBlacklist:   req.WorkerBlacklist,
			ValidatedBackends: req.ValidatedBackends,
			AllowDowngrade:    req.AllowDowngrade,
		}

		var resolved *queue.ResolvedStyle
		if req.Style != "" {
			var err error
			resolved, err = styles.Resolve(r.Context(), req.Style)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					response.Error(w, http.StatusBadRequest, "STYLE_NOT_FOUND",
						"No style with that name exists", nil)
					return
				}
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to resolve style", nil)
				return
			}
			queue.ApplyStyle(&spec, resolved.Style)
		}

		if req.DryRun {
			// Price quote only; nothing is created or debited.
			response.JSON(w, map[string]any{"kudos": admit.Quote(&spec)})
			return
		}

		decision, err := admit.Admit(r.Context(), spec)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		job, err := jobs.Create(r.Context(), decision.Spec, decision.PaidUpfront)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to enqueue the request", nil)
			return
		}

		if resolved != nil {
			// Usage counters are a side effect of a successful admission,
			// recorded after the job exists.
			_ = styles.RecordUse(r.Context(), resolved)
		}

		body := map[string]any{
			"id":    job.ID,
			"kudos": decision.RequiredKudos,
		}
		if decision.Outcome == queue.OutcomeDowngraded {
			body["downgraded"] = true
		}
		if !raidMode {
			workers, _, err := signals.CountActiveWorkerThreads(r.Context(), time.Now().UTC().Add(-10*time.Minute))
			if err == nil && workers == 0 {
				body["message"] = noWorkersMessage
			}
		}
		response.Accepted(w, body)
	}
}

// NewStatusHandler returns the http.HandlerFunc for GET /api/v2/generate/text/{jobID}.
// The projection is served from Redis when a fresh copy exists.
func NewStatusHandler(jobs Jobs, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		if cached, ok, err := c.GetJobStatus(r.Context(), jobID); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}

		st, err := jobs.Status(r.Context(), jobID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		payload, err := json.Marshal(map[string]any{"data": st})
		if err == nil {
			_ = c.SetJobStatus(r.Context(), jobID, payload, statusCacheTTL)
		}
		response.JSON(w, st)
	}
}

// NewCancelHandler returns the http.HandlerFunc for DELETE /api/v2/generate/text/{jobID}.
func NewCancelHandler(jobs Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		current, err := jobs.Status(r.Context(), jobID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if current.Job.UserID != userID {
			response.Error(w, http.StatusForbidden, "ACCESS_DENIED",
				"Only the owner may cancel a request", nil)
			return
		}

		if _, err := jobs.Cancel(r.Context(), jobID); err != nil {
			writeEngineError(w, err)
			return
		}

		st, err := jobs.Status(r.Context(), jobID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		response.JSON(w, st)
	}
}
