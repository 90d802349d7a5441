package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// PayoutFunc prices a completed unit. The engine only invokes it; the
// curve itself is policy injected at wiring time.
type PayoutFunc func(job *models.Job, outputLen int, elapsed time.Duration) float64

// DefaultPayout pays the unit's admission price, floored at one kudo so
// even trivial completions register.
func DefaultPayout(costs CostTable) PayoutFunc {
	return func(job *models.Job, outputLen int, elapsed time.Duration) float64 {
		unit := UnitKudos(costs, job.Models, job.MaxLength)
		if unit < 1 {
			unit = 1
		}
		return unit
	}
}

// ClaimPayload is what a worker receives for one claimed unit.
type ClaimPayload struct {
	ClaimID          uuid.UUID       `json:"id"`
	JobID            uuid.UUID       `json:"job_id"`
	Prompt           string          `json:"prompt"`
	Params           json.RawMessage `json:"params"`
	Models           []string        `json:"models"`
	MaxLength        int             `json:"max_length"`
	MaxContextLength int             `json:"max_context_length"`
	LeaseExpiresAt   time.Time       `json:"lease_expires_at"`
}

// SubmitResult reports a recorded submission.
type SubmitResult struct {
	KudosAwarded float64 `json:"kudos_awarded"`
	JobFinished  bool    `json:"job_finished"`
}

// AssignmentProtocol implements the atomic pop and submit operations.
// Each call is a single transaction against shared state; no lock is
// held while the worker computes between pop and submit.
type AssignmentProtocol struct {
	store        store.Store
	matcher      *WorkerMatcher
	leaseTimeout time.Duration
	payout       PayoutFunc
}

// NewAssignmentProtocol wires the pop/submit protocol.
func NewAssignmentProtocol(s store.Store, matcher *WorkerMatcher, leaseTimeout time.Duration, payout PayoutFunc) *AssignmentProtocol {
	return &AssignmentProtocol{store: s, matcher: matcher, leaseTimeout: leaseTimeout, payout: payout}
}

// Pop claims one unit of the highest-priority eligible job for the
// worker. It returns (nil, nil) when nothing is claimable. A candidate
// that loses the race to a concurrent pop, a cancellation or the expiry
// sweeper is skipped, not an error: the claim insert re-checks the job's
// state and capacity atomically, so two pops can never take the same
// capacity slot.
func (p *AssignmentProtocol) Pop(ctx context.Context, worker *models.Worker, priorityUserIDs []uuid.UUID, page int) (*ClaimPayload, error) {
	candidates, err := p.matcher.FindEligible(ctx, worker, priorityUserIDs, page)
	if err != nil {
		return nil, err
	}

	for _, job := range candidates {
		claim, err := p.store.ClaimJobUnit(ctx, job.ID, worker.ID, time.Now().UTC().Add(p.leaseTimeout))
		if errors.Is(err, store.ErrNoCapacity) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job unit: %w", err)
		}
		return &ClaimPayload{
			ClaimID:          claim.ID,
			JobID:            job.ID,
			Prompt:           job.Prompt,
			Params:           job.Params,
			Models:           job.Models,
			MaxLength:        job.MaxLength,
			MaxContextLength: job.MaxContextLength,
			LeaseExpiresAt:   claim.LeaseExpiresAt,
		}, nil
	}
	return nil, nil
}

// Submit records a completed unit: the claim flips to submitted exactly
// once, the parent job's remaining drops by one, and the worker's owner
// is credited the payout. A retransmitted submission conflicts without
// double-paying or double-decrementing.
func (p *AssignmentProtocol) Submit(ctx context.Context, claimID, workerID uuid.UUID, output string) (*SubmitResult, error) {
	claim, err := p.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	job, err := p.store.GetJob(ctx, claim.JobID)
	if err != nil {
		return nil, err
	}

	kudos := p.payout(job, len(output), time.Now().UTC().Sub(claim.LeasedAt))
	jobAfter, err := p.store.SubmitClaim(ctx, claimID, workerID, output, kudos)
	if err != nil {
		return nil, err
	}

	if !jobAfter.PaidUpfront {
		// Incremental billing: the requester pays per completed unit. A
		// balance that ran dry mid-job is written off rather than failing
		// the worker's submission.
		if err := p.store.DebitKudos(ctx, jobAfter.UserID, kudos); err != nil {
			if errors.Is(err, store.ErrInsufficientKudos) {
				slog.Warn("requester balance exhausted at completion",
					"job_id", jobAfter.ID, "user_id", jobAfter.UserID, "kudos", kudos)
			} else {
				return nil, fmt.Errorf("bill requester: %w", err)
			}
		}
	}

	return &SubmitResult{
		KudosAwarded: kudos,
		JobFinished:  jobAfter.Status == models.JobStatusCompleted,
	}, nil
}

// ReapLeases marks overdue leases expired so their capacity becomes
// poppable again. Invoked by the background sweeper.
func (p *AssignmentProtocol) ReapLeases(ctx context.Context) (int, error) {
	return p.store.ReapExpiredLeases(ctx, time.Now().UTC())
}
