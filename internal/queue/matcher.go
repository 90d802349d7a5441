package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// WorkerMatcher selects and orders the queued jobs a polling worker may
// take. Jobs owned by priority users come first, in the order the worker
// listed them; within a tier, oldest first so no job starves.
type WorkerMatcher struct {
	store    store.Store
	pageSize int
}

// NewWorkerMatcher creates a matcher with the given page size.
func NewWorkerMatcher(s store.Store, pageSize int) *WorkerMatcher {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &WorkerMatcher{store: s, pageSize: pageSize}
}

// FindEligible returns one page of claimable jobs for the worker. The
// worker record is also checked in as a side effect of polling, so the
// capability set the filter uses is the one just declared.
func (m *WorkerMatcher) FindEligible(ctx context.Context, worker *models.Worker, priorityUserIDs []uuid.UUID, page int) ([]*models.Job, error) {
	worker.LastCheckIn = time.Now().UTC()
	if err := m.store.UpsertWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("worker check-in: %w", err)
	}

	jobs, err := m.store.ListEligibleJobs(ctx, store.EligibleJobsFilter{
		WorkerID:        worker.ID,
		Models:          worker.Models,
		Backend:         worker.Backend,
		Trusted:         worker.Trusted,
		NSFW:            worker.NSFW,
		Slow:            worker.Slow,
		PriorityUserIDs: priorityUserIDs,
		Page:            page,
		PageSize:        m.pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list eligible jobs: %w", err)
	}
	return jobs, nil
}
