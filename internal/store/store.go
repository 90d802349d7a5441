package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Assignment conflicts. Each maps to a distinct boundary error code.
var ErrAlreadySubmitted = errors.New("claim already submitted")
var ErrStaleClaim = errors.New("claim lease expired")
var ErrWrongWorker = errors.New("claim owned by another worker")
var ErrNoCapacity = errors.New("no claimable capacity on job")

// ErrInsufficientKudos is returned by debit operations when the balance
// cannot cover the amount.
var ErrInsufficientKudos = errors.New("insufficient kudos")

// Store is the data access interface. All database operations go through
// here. The claim and kudos operations are compare-and-swap style: each
// is a single transaction that either fully applies or reports a typed
// conflict, so the engine never holds locks between calls.
type Store interface {
	Ping(ctx context.Context) error

	// Users and kudos.
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	DebitKudos(ctx context.Context, userID uuid.UUID, amount float64) error
	CreditKudos(ctx context.Context, userID uuid.UUID, amount float64) error
	SetUserTrusted(ctx context.Context, userID uuid.UUID, trusted bool) error

	// Shared keys.
	GetSharedKey(ctx context.Context, id uuid.UUID) (*models.SharedKey, error)
	CreateSharedKey(ctx context.Context, key *models.SharedKey) error
	DebitSharedKey(ctx context.Context, keyID uuid.UUID, amount float64) error

	// Workers.
	GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error)
	UpsertWorker(ctx context.Context, worker *models.Worker) error
	CountActiveWorkerThreads(ctx context.Context, since time.Time) (int, int, error)

	// Styles.
	GetStyleByName(ctx context.Context, name string) (*models.Style, *models.StyleCollection, error)
	GetStyle(ctx context.Context, id uuid.UUID) (*models.Style, error)
	CreateStyle(ctx context.Context, style *models.Style) error
	RecordStyleUse(ctx context.Context, styleID uuid.UUID, collectionID *uuid.UUID) error

	// Jobs.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// CancelJob zeroes remaining and marks the job cancelled. Cancelling
	// a terminal job is a no-op; the current row is returned either way.
	CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ExpireStaleJobs transitions every non-terminal job created before
	// cutoff to expired and returns how many rows changed.
	ExpireStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
	QueueDepth(ctx context.Context, before time.Time) (int, error)

	// ListEligibleJobs returns active jobs matching the worker's
	// capabilities, priority users first in the given order, then
	// oldest first. Pagination is offset-based over that fixed order.
	ListEligibleJobs(ctx context.Context, f EligibleJobsFilter) ([]*models.Job, error)

	// Claims.
	// ClaimJobUnit leases one unit of the job to the worker. It fails
	// with ErrNoCapacity when the job is terminal or all remaining
	// units are already leased; concurrent calls against the last free
	// unit yield exactly one claim.
	ClaimJobUnit(ctx context.Context, jobID, workerID uuid.UUID, leaseExpiry time.Time) (*models.Claim, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error)
	// SubmitClaim atomically flips the claim leased→submitted, records
	// the output and payout, decrements the parent job's remaining,
	// completes the job at zero and credits the worker's owning user.
	// Conflicts are reported via ErrAlreadySubmitted, ErrStaleClaim and
	// ErrWrongWorker; the call has no effect in those cases.
	SubmitClaim(ctx context.Context, claimID, workerID uuid.UUID, output string, kudos float64) (*models.Job, error)
	// ReapExpiredLeases marks overdue leased claims expired so their
	// capacity becomes poppable again.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
	CountLeasedClaims(ctx context.Context, jobID uuid.UUID) (int, error)
	ListClaimsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Claim, error)

	// API keys.
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}

// EligibleJobsFilter describes a polling worker's capability set plus
// the pagination window.
type EligibleJobsFilter struct {
	WorkerID        uuid.UUID
	Models          []string
	Backend         string
	Trusted         bool
	NSFW            bool
	Slow            bool
	PriorityUserIDs []uuid.UUID
	Page            int
	PageSize        int
}
