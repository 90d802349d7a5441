package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// JobQueue owns the job lifecycle: creation after admission, idempotent
// cancellation, age-based expiry and the status projection.
type JobQueue struct {
	store store.Store
}

// NewJobQueue creates a JobQueue over the given store.
func NewJobQueue(s store.Store) *JobQueue {
	return &JobQueue{store: s}
}

// Create persists an admitted spec as a queued job with remaining = n.
// paidUpfront records whether admission already collected the kudos, so
// submission knows whether to bill incrementally.
func (q *JobQueue) Create(ctx context.Context, spec JobSpec, paidUpfront bool) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{
		ID:                uuid.New(),
		UserID:            spec.UserID,
		SharedKeyID:       spec.SharedKeyID,
		Prompt:            spec.Prompt,
		Params:            spec.Params,
		ParamsHash:        HashParams(spec.Params, spec.Models),
		Models:            spec.Models,
		N:                 spec.N,
		Remaining:         spec.N,
		MaxLength:         spec.MaxLength,
		MaxContextLength:  spec.MaxContextLength,
		NSFW:              spec.NSFW,
		TrustedWorkers:    spec.TrustedWorkers,
		SlowWorkers:       spec.SlowWorkers,
		WorkerBlacklist:   spec.WorkerBlacklist,
		ValidatedBackends: spec.ValidatedBackends,
		PaidUpfront:       paidUpfront,
		Status:            models.JobStatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if job.Params == nil {
		job.Params = []byte("{}")
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Cancel zeroes the job's remaining count and marks it cancelled.
// Cancelling a terminal job is a no-op that returns the unchanged row.
func (q *JobQueue) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return q.store.CancelJob(ctx, id)
}

// ExpireStale transitions every job past its TTL to expired and returns
// how many were reclaimed. Invoked by the background sweeper.
func (q *JobQueue) ExpireStale(ctx context.Context) (int, error) {
	return q.store.ExpireStaleJobs(ctx, time.Now().UTC().Add(-models.JobTTL))
}

// JobStatus is the read-only projection served to polling clients. Queue
// position and worker availability are aggregate signals computed from
// collaborator data, not owned by the job row.
type JobStatus struct {
	Job          *models.Job      `json:"job"`
	Finished     int              `json:"finished"`
	Processing   int              `json:"processing"`
	QueuePosition int             `json:"queue_position"`
	IsPossible   bool             `json:"is_possible"`
	Generations  []*models.Claim  `json:"generations,omitempty"`
}

// Status assembles the projection for one job.
func (q *JobQueue) Status(ctx context.Context, id uuid.UUID) (*JobStatus, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	claims, err := q.store.ListClaimsByJob(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &JobStatus{Job: job}
	for _, c := range claims {
		switch c.Status {
		case models.ClaimStatusSubmitted:
			st.Finished++
			st.Generations = append(st.Generations, c)
		case models.ClaimStatusLeased:
			st.Processing++
		}
	}

	if !job.Terminal() {
		depth, err := q.store.QueueDepth(ctx, job.CreatedAt)
		if err != nil {
			return nil, err
		}
		st.QueuePosition = depth
		workers, _, err := q.store.CountActiveWorkerThreads(ctx, time.Now().UTC().Add(-activeWorkerWindow))
		if err != nil {
			return nil, err
		}
		st.IsPossible = workers > 0
	}
	return st, nil
}

// HashParams produces the content hash used for idempotent kudos
// accounting: the generation payload plus the model list, since pricing
// depends on the models requested.
func HashParams(params []byte, jobModels []string) string {
	h := sha256.New()
	h.Write(params)
	sorted := append([]string(nil), jobModels...)
	sort.Strings(sorted)
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
