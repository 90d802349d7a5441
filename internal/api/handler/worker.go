package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/petrakisd/genhive/internal/api/middleware"
	"github.com/petrakisd/genhive/internal/api/response"
	"github.com/petrakisd/genhive/internal/cache"
	"github.com/petrakisd/genhive/internal/queue"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// Assigner is the pop/submit surface the worker handlers need.
type Assigner interface {
	Pop(ctx context.Context, worker *models.Worker, priorityUserIDs []uuid.UUID, page int) (*queue.ClaimPayload, error)
	Submit(ctx context.Context, claimID, workerID uuid.UUID, output string) (*queue.SubmitResult, error)
}

// WorkerDirectory resolves worker identity and trust of the owning user.
type WorkerDirectory interface {
	GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type popRequest struct {
	WorkerID        uuid.UUID   `json:"worker_id"`
	Name            string      `json:"name"`
	Models          []string    `json:"models"`
	Backend         string      `json:"bridge_agent"`
	Threads         int         `json:"threads"`
	NSFW            bool        `json:"nsfw"`
	Slow            bool        `json:"slow"`
	MaxLength       int         `json:"max_length"`
	MaxContextLen   int         `json:"max_context_length"`
	PriorityUserIDs []uuid.UUID `json:"priority_user_ids"`
	Page            int         `json:"page"`
}

// NewPopHandler returns the http.HandlerFunc for POST /api/v2/generate/text/pop.
// Polling doubles as the worker's check-in: the declared capability set
// is persisted before matching runs against it.
func NewPopHandler(assigner Assigner, dir WorkerDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req popRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.WorkerID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "worker_id is required", nil)
			return
		}
		if req.Threads <= 0 {
			req.Threads = 1
		}

		// A worker id belongs to the user that first registered it.
		existing, err := dir.GetWorker(r.Context(), req.WorkerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load worker", nil)
			return
		}
		if existing != nil && existing.UserID != userID {
			response.Error(w, http.StatusForbidden, "ACCESS_DENIED",
				"This worker id is registered to another user", nil)
			return
		}

		owner, err := dir.GetUser(r.Context(), userID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		worker := &models.Worker{
			ID:      req.WorkerID,
			UserID:  userID,
			Name:    req.Name,
			Models:  req.Models,
			Backend: req.Backend,
			Threads: req.Threads,
			NSFW:    req.NSFW,
			Trusted: owner.Trusted,
			Slow:    req.Slow,
		}
		if existing != nil {
			worker.CreatedAt = existing.CreatedAt
		} else {
			worker.CreatedAt = time.Now().UTC()
		}

		payload, err := assigner.Pop(r.Context(), worker, req.PriorityUserIDs, req.Page)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if payload == nil {
			response.JSON(w, map[string]any{"id": nil, "skipped": true})
			return
		}
		response.JSON(w, payload)
	}
}

type submitRequest struct {
	ID         uuid.UUID `json:"id"`
	WorkerID   uuid.UUID `json:"worker_id"`
	Generation string    `json:"generation"`
}

// NewSubmitHandler returns the http.HandlerFunc for POST /api/v2/generate/text/submit.
// Successful submissions bump the eventually consistent stats counters.
func NewSubmitHandler(assigner Assigner, dir WorkerDirectory, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ID == uuid.Nil || req.WorkerID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id and worker_id are required", nil)
			return
		}

		worker, err := dir.GetWorker(r.Context(), req.WorkerID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if worker.UserID != userID {
			response.Error(w, http.StatusForbidden, "ACCESS_DENIED",
				"This worker id is registered to another user", nil)
			return
		}

		result, err := assigner.Submit(r.Context(), req.ID, req.WorkerID, req.Generation)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		// Best effort; the counters are read with ~50s staleness anyway.
		_ = c.IncrBy(r.Context(), cache.StatsTotalKey(), 1)
		if claim, err := dir.GetClaim(r.Context(), req.ID); err == nil {
			if job, err := dir.GetJob(r.Context(), claim.JobID); err == nil && len(job.Models) > 0 {
				_ = c.IncrBy(r.Context(), cache.StatsModelKey(job.Models[0]), 1)
			}
		}

		response.JSON(w, result)
	}
}
