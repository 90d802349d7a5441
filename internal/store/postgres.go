package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/petrakisd/genhive/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

const userColumns = `id, username, kudos, trusted, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Kudos, &u.Trusted, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, kudos, trusted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, user.Kudos, user.Trusted, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// DebitKudos subtracts amount from the user's balance in one conditional
// update, so concurrent debits by the same user cannot overdraw.
func (s *PostgresStore) DebitKudos(ctx context.Context, userID uuid.UUID, amount float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET kudos = kudos - $2, updated_at = NOW()
		 WHERE id = $1 AND kudos >= $2`, userID, amount)
	if err != nil {
		return fmt.Errorf("debit kudos: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientKudos
	}
	return nil
}

func (s *PostgresStore) CreditKudos(ctx context.Context, userID uuid.UUID, amount float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET kudos = kudos + $2, updated_at = NOW() WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit kudos: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetUserTrusted(ctx context.Context, userID uuid.UUID, trusted bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET trusted = $2, updated_at = NOW() WHERE id = $1`, userID, trusted)
	if err != nil {
		return fmt.Errorf("set user trusted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Shared keys ---

func (s *PostgresStore) GetSharedKey(ctx context.Context, id uuid.UUID) (*models.SharedKey, error) {
	var k models.SharedKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, kudos, max_tokens, style_id, created_at, updated_at
		 FROM shared_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.UserID, &k.Name, &k.Kudos, &k.MaxTokens, &k.StyleID, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shared key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) CreateSharedKey(ctx context.Context, key *models.SharedKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shared_keys (id, user_id, name, kudos, max_tokens, style_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.Kudos, key.MaxTokens, key.StyleID, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create shared key: %w", err)
	}
	return nil
}

// DebitSharedKey subtracts from a finite key budget. Unlimited keys pass
// through untouched.
func (s *PostgresStore) DebitSharedKey(ctx context.Context, keyID uuid.UUID, amount float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE shared_keys
		 SET kudos = CASE WHEN kudos = -1 THEN kudos ELSE kudos - $2 END, updated_at = NOW()
		 WHERE id = $1 AND (kudos = -1 OR kudos >= $2)`, keyID, amount)
	if err != nil {
		return fmt.Errorf("debit shared key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSharedKey(ctx, keyID); err != nil {
			return err
		}
		return ErrInsufficientKudos
	}
	return nil
}

// --- Workers ---

const workerColumns = `id, user_id, name, models, backend, threads, nsfw, trusted, slow, last_check_in, created_at`

func scanWorker(row pgx.Row) (*models.Worker, error) {
	var w models.Worker
	err := row.Scan(&w.ID, &w.UserID, &w.Name, &w.Models, &w.Backend, &w.Threads,
		&w.NSFW, &w.Trusted, &w.Slow, &w.LastCheckIn, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	return scanWorker(s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
}

// UpsertWorker records a worker check-in, refreshing its capability set.
func (s *PostgresStore) UpsertWorker(ctx context.Context, worker *models.Worker) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workers (id, user_id, name, models, backend, threads, nsfw, trusted, slow, last_check_in, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   models = EXCLUDED.models,
		   backend = EXCLUDED.backend,
		   threads = EXCLUDED.threads,
		   nsfw = EXCLUDED.nsfw,
		   slow = EXCLUDED.slow,
		   last_check_in = EXCLUDED.last_check_in`,
		worker.ID, worker.UserID, worker.Name, worker.Models, worker.Backend, worker.Threads,
		worker.NSFW, worker.Trusted, worker.Slow, worker.LastCheckIn, worker.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// CountActiveWorkerThreads returns how many workers checked in since the
// given time and the sum of their declared thread capacity.
func (s *PostgresStore) CountActiveWorkerThreads(ctx context.Context, since time.Time) (int, int, error) {
	var workers, threads int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(threads), 0) FROM workers WHERE last_check_in >= $1`, since,
	).Scan(&workers, &threads)
	if err != nil {
		return 0, 0, fmt.Errorf("count active workers: %w", err)
	}
	return workers, threads, nil
}

// --- Styles ---

const styleColumns = `id, user_id, name, prompt, params, models, nsfw, shared_key_id, use_count, created_at`

func scanStyle(row pgx.Row) (*models.Style, error) {
	var st models.Style
	err := row.Scan(&st.ID, &st.UserID, &st.Name, &st.Prompt, &st.Params, &st.Models,
		&st.NSFW, &st.SharedKeyID, &st.UseCount, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan style: %w", err)
	}
	return &st, nil
}

// GetStyleByName looks up a plain style first, then a collection. Exactly
// one of the two return values is non-nil on success.
func (s *PostgresStore) GetStyleByName(ctx context.Context, name string) (*models.Style, *models.StyleCollection, error) {
	st, err := scanStyle(s.pool.QueryRow(ctx,
		`SELECT `+styleColumns+` FROM styles WHERE name = $1`, name))
	if err == nil {
		return st, nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	var col models.StyleCollection
	err = s.pool.QueryRow(ctx,
		`SELECT id, name, style_ids, use_count FROM style_collections WHERE name = $1`, name,
	).Scan(&col.ID, &col.Name, &col.StyleIDs, &col.UseCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get style collection: %w", err)
	}
	return nil, &col, nil
}

func (s *PostgresStore) GetStyle(ctx context.Context, id uuid.UUID) (*models.Style, error) {
	return scanStyle(s.pool.QueryRow(ctx,
		`SELECT `+styleColumns+` FROM styles WHERE id = $1`, id))
}

func (s *PostgresStore) CreateStyle(ctx context.Context, style *models.Style) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO styles (id, user_id, name, prompt, params, models, nsfw, shared_key_id, use_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		style.ID, style.UserID, style.Name, style.Prompt, style.Params, style.Models,
		style.NSFW, style.SharedKeyID, style.UseCount, style.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create style: %w", err)
	}
	return nil
}

// RecordStyleUse bumps usage counters on the chosen style and, when the
// resolution went through a collection, on the collection too.
func (s *PostgresStore) RecordStyleUse(ctx context.Context, styleID uuid.UUID, collectionID *uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE styles SET use_count = use_count + 1 WHERE id = $1`, styleID); err != nil {
		return fmt.Errorf("record style use: %w", err)
	}
	if collectionID != nil {
		if _, err := s.pool.Exec(ctx,
			`UPDATE style_collections SET use_count = use_count + 1 WHERE id = $1`, *collectionID); err != nil {
			return fmt.Errorf("record collection use: %w", err)
		}
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, user_id, shared_key_id, prompt, params, params_hash, models, n, remaining,
	max_length, max_context_length, nsfw, trusted_workers, slow_workers, worker_blacklist,
	validated_backends, paid_upfront, status, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.SharedKeyID, &j.Prompt, &j.Params, &j.ParamsHash,
		&j.Models, &j.N, &j.Remaining, &j.MaxLength, &j.MaxContextLength, &j.NSFW,
		&j.TrustedWorkers, &j.SlowWorkers, &j.WorkerBlacklist, &j.ValidatedBackends,
		&j.PaidUpfront, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		job.ID, job.UserID, job.SharedKeyID, job.Prompt, job.Params, job.ParamsHash,
		job.Models, job.N, job.Remaining, job.MaxLength, job.MaxContextLength, job.NSFW,
		job.TrustedWorkers, job.SlowWorkers, job.WorkerBlacklist, job.ValidatedBackends,
		job.PaidUpfront, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	// Conditional on a non-terminal state so a double cancel, or a cancel
	// racing completion, is a no-op rather than an error.
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET remaining = 0, status = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4)`,
		id, models.JobStatusCancelled, models.JobStatusQueued, models.JobStatusClaimed)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *PostgresStore) ExpireStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET remaining = 0, status = $1, updated_at = NOW()
		 WHERE status IN ($2, $3) AND created_at < $4`,
		models.JobStatusExpired, models.JobStatusQueued, models.JobStatusClaimed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) QueueDepth(ctx context.Context, before time.Time) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining), 0) FROM jobs
		 WHERE status IN ($1, $2) AND created_at <= $3`,
		models.JobStatusQueued, models.JobStatusClaimed, before,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (s *PostgresStore) ListEligibleJobs(ctx context.Context, f EligibleJobsFilter) ([]*models.Job, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	// Priority users sort in list order via array_position; everyone else
	// after them, oldest job first. The fixed (tier, created_at, id) order
	// keeps offset pagination stable across concurrent inserts at the tail.
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualified(jobColumns, "j")+`
		 FROM jobs j
		 WHERE j.status IN ($1, $2)
		   AND j.created_at > $3
		   AND (cardinality(j.models) = 0 OR j.models && $4::text[])
		   AND (NOT j.trusted_workers OR $5)
		   AND NOT ($6::uuid = ANY(j.worker_blacklist))
		   AND (cardinality(j.validated_backends) = 0 OR $7 = ANY(j.validated_backends))
		   AND (NOT j.nsfw OR $8)
		   AND (j.slow_workers OR NOT $9)
		   AND j.remaining > (SELECT COUNT(*) FROM claims c WHERE c.job_id = j.id AND c.status = $10)
		 ORDER BY array_position($11::uuid[], j.user_id) NULLS LAST, j.created_at ASC, j.id ASC
		 LIMIT $12 OFFSET $13`,
		models.JobStatusQueued, models.JobStatusClaimed,
		time.Now().UTC().Add(-models.JobTTL),
		f.Models, f.Trusted, f.WorkerID, f.Backend, f.NSFW, f.Slow,
		models.ClaimStatusLeased, f.PriorityUserIDs, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list eligible jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Claims ---

const claimColumns = `id, job_id, worker_id, status, output, kudos_awarded, leased_at, lease_expires_at, submitted_at`

func scanClaim(row pgx.Row) (*models.Claim, error) {
	var c models.Claim
	err := row.Scan(&c.ID, &c.JobID, &c.WorkerID, &c.Status, &c.Output, &c.KudosAwarded,
		&c.LeasedAt, &c.LeaseExpiresAt, &c.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ClaimJobUnit(ctx context.Context, jobID, workerID uuid.UUID, leaseExpiry time.Time) (*models.Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the job row so concurrent pops against the same job serialize
	// on the capacity check below.
	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return nil, err
	}
	if job.Terminal() || time.Now().UTC().After(job.ExpiresAt()) {
		return nil, ErrNoCapacity
	}

	var leased int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE job_id = $1 AND status = $2`,
		jobID, models.ClaimStatusLeased,
	).Scan(&leased); err != nil {
		return nil, fmt.Errorf("count leased claims: %w", err)
	}
	if leased >= job.Remaining {
		return nil, ErrNoCapacity
	}

	now := time.Now().UTC()
	claim := &models.Claim{
		ID:             uuid.New(),
		JobID:          jobID,
		WorkerID:       workerID,
		Status:         models.ClaimStatusLeased,
		LeasedAt:       now,
		LeaseExpiresAt: leaseExpiry,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO claims (id, job_id, worker_id, status, leased_at, lease_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		claim.ID, claim.JobID, claim.WorkerID, claim.Status, claim.LeasedAt, claim.LeaseExpiresAt); err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		jobID, models.JobStatusClaimed, now, models.JobStatusQueued); err != nil {
		return nil, fmt.Errorf("mark job claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claim, nil
}

func (s *PostgresStore) GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	return scanClaim(s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, id))
}

func (s *PostgresStore) SubmitClaim(ctx context.Context, claimID, workerID uuid.UUID, output string, kudos float64) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claim, err := scanClaim(tx.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1 FOR UPDATE`, claimID))
	if err != nil {
		return nil, err
	}
	switch {
	case claim.Status == models.ClaimStatusSubmitted:
		return nil, ErrAlreadySubmitted
	case claim.Status == models.ClaimStatusExpired:
		return nil, ErrStaleClaim
	case claim.WorkerID != workerID:
		return nil, ErrWrongWorker
	case time.Now().UTC().After(claim.LeaseExpiresAt):
		return nil, ErrStaleClaim
	}

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, claim.JobID))
	if err != nil {
		return nil, err
	}
	if job.Terminal() || job.Remaining <= 0 {
		// The job was cancelled or expired after the lease was issued;
		// the output is no longer wanted.
		return nil, ErrStaleClaim
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE claims SET status = $2, output = $3, kudos_awarded = $4, submitted_at = $5
		 WHERE id = $1`,
		claimID, models.ClaimStatusSubmitted, output, kudos, now); err != nil {
		return nil, fmt.Errorf("mark claim submitted: %w", err)
	}

	job.Remaining--
	job.UpdatedAt = now
	if job.Remaining == 0 {
		job.Status = models.JobStatusCompleted
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET remaining = $2, status = $3, updated_at = $4 WHERE id = $1`,
		job.ID, job.Remaining, job.Status, now); err != nil {
		return nil, fmt.Errorf("decrement remaining: %w", err)
	}

	var workerUserID uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT user_id FROM workers WHERE id = $1`, workerID).Scan(&workerUserID); err != nil {
		return nil, fmt.Errorf("find worker owner: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET kudos = kudos + $2, updated_at = $3 WHERE id = $1`,
		workerUserID, kudos, now); err != nil {
		return nil, fmt.Errorf("credit worker kudos: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submit tx: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE claims SET status = $1 WHERE status = $2 AND lease_expires_at < $3`,
		models.ClaimStatusExpired, models.ClaimStatusLeased, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountLeasedClaims(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE job_id = $1 AND status = $2`,
		jobID, models.ClaimStatusLeased,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count leased claims: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListClaimsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE job_id = $1 ORDER BY leased_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// qualified prefixes each column in a comma-separated list with an alias.
func qualified(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
