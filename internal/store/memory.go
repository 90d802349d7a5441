package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs the engine's
// unit and concurrency tests, where a live conditional store is needed
// without a database. The single mutex gives every operation the same
// all-or-nothing semantics as the Postgres transactions.
type MemoryStore struct {
	mu sync.Mutex

	users       map[uuid.UUID]*models.User
	workers     map[uuid.UUID]*models.Worker
	sharedKeys  map[uuid.UUID]*models.SharedKey
	styles      map[uuid.UUID]*models.Style
	collections map[uuid.UUID]*models.StyleCollection
	jobs        map[uuid.UUID]*models.Job
	claims      map[uuid.UUID]*models.Claim
	apiKeys     map[uuid.UUID]*models.APIKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]*models.User),
		workers:     make(map[uuid.UUID]*models.Worker),
		sharedKeys:  make(map[uuid.UUID]*models.SharedKey),
		styles:      make(map[uuid.UUID]*models.Style),
		collections: make(map[uuid.UUID]*models.StyleCollection),
		jobs:        make(map[uuid.UUID]*models.Job),
		claims:      make(map[uuid.UUID]*models.Claim),
		apiKeys:     make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- Users ---

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) DebitKudos(ctx context.Context, userID uuid.UUID, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.Kudos < amount {
		return ErrInsufficientKudos
	}
	u.Kudos -= amount
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreditKudos(ctx context.Context, userID uuid.UUID, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Kudos += amount
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetUserTrusted(ctx context.Context, userID uuid.UUID, trusted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Trusted = trusted
	return nil
}

// --- Shared keys ---

func (s *MemoryStore) GetSharedKey(ctx context.Context, id uuid.UUID) (*models.SharedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.sharedKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) CreateSharedKey(ctx context.Context, key *models.SharedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sharedKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	s.sharedKeys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) DebitSharedKey(ctx context.Context, keyID uuid.UUID, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.sharedKeys[keyID]
	if !ok {
		return ErrNotFound
	}
	if k.Kudos == models.UnlimitedKudos {
		return nil
	}
	if k.Kudos < amount {
		return ErrInsufficientKudos
	}
	k.Kudos -= amount
	k.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Workers ---

func (s *MemoryStore) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) UpsertWorker(ctx context.Context, worker *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *worker
	s.workers[worker.ID] = &cp
	return nil
}

func (s *MemoryStore) CountActiveWorkerThreads(ctx context.Context, since time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var workers, threads int
	for _, w := range s.workers {
		if !w.LastCheckIn.Before(since) {
			workers++
			threads += w.Threads
		}
	}
	return workers, threads, nil
}

// --- Styles ---

func (s *MemoryStore) GetStyleByName(ctx context.Context, name string) (*models.Style, *models.StyleCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.styles {
		if st.Name == name {
			cp := *st
			return &cp, nil, nil
		}
	}
	for _, col := range s.collections {
		if col.Name == name {
			cp := *col
			return nil, &cp, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (s *MemoryStore) GetStyle(ctx context.Context, id uuid.UUID) (*models.Style, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.styles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) CreateStyle(ctx context.Context, style *models.Style) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.styles {
		if st.Name == style.Name {
			return ErrDuplicateKey
		}
	}
	cp := *style
	s.styles[style.ID] = &cp
	return nil
}

// CreateStyleCollection registers a collection; test seeding only.
func (s *MemoryStore) CreateStyleCollection(col *models.StyleCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *col
	s.collections[col.ID] = &cp
}

func (s *MemoryStore) RecordStyleUse(ctx context.Context, styleID uuid.UUID, collectionID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.styles[styleID]; ok {
		st.UseCount++
	}
	if collectionID != nil {
		if col, ok := s.collections[*collectionID]; ok {
			col.UseCount++
		}
	}
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !j.Terminal() {
		j.Remaining = 0
		j.Status = models.JobStatusCancelled
		j.UpdatedAt = time.Now().UTC()
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ExpireStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, j := range s.jobs {
		if !j.Terminal() && j.CreatedAt.Before(cutoff) {
			j.Remaining = 0
			j.Status = models.JobStatusExpired
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) QueueDepth(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var depth int
	for _, j := range s.jobs {
		if !j.Terminal() && !j.CreatedAt.After(before) {
			depth += j.Remaining
		}
	}
	return depth, nil
}

func (s *MemoryStore) ListEligibleJobs(ctx context.Context, f EligibleJobsFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-models.JobTTL)
	var eligible []*models.Job
	for _, j := range s.jobs {
		if j.Terminal() || !j.CreatedAt.After(cutoff) {
			continue
		}
		if !s.matches(j, f) {
			continue
		}
		if j.Remaining <= s.leasedCount(j.ID) {
			continue
		}
		cp := *j
		eligible = append(eligible, &cp)
	}

	tier := func(j *models.Job) int {
		for i, id := range f.PriorityUserIDs {
			if j.UserID == id {
				return i
			}
		}
		return len(f.PriorityUserIDs)
	}
	sort.Slice(eligible, func(a, b int) bool {
		ta, tb := tier(eligible[a]), tier(eligible[b])
		if ta != tb {
			return ta < tb
		}
		if !eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
		}
		return eligible[a].ID.String() < eligible[b].ID.String()
	})

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	if offset >= len(eligible) {
		return nil, nil
	}
	end := offset + pageSize
	if end > len(eligible) {
		end = len(eligible)
	}
	return eligible[offset:end], nil
}

func (s *MemoryStore) matches(j *models.Job, f EligibleJobsFilter) bool {
	if !j.AnyModel() {
		var overlap bool
		for _, m := range f.Models {
			for _, jm := range j.Models {
				if m == jm {
					overlap = true
				}
			}
		}
		if !overlap {
			return false
		}
	}
	if j.TrustedWorkers && !f.Trusted {
		return false
	}
	for _, b := range j.WorkerBlacklist {
		if b == f.WorkerID {
			return false
		}
	}
	if len(j.ValidatedBackends) > 0 {
		var found bool
		for _, b := range j.ValidatedBackends {
			if b == f.Backend {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if j.NSFW && !f.NSFW {
		return false
	}
	if !j.SlowWorkers && f.Slow {
		return false
	}
	return true
}

func (s *MemoryStore) leasedCount(jobID uuid.UUID) int {
	var n int
	for _, c := range s.claims {
		if c.JobID == jobID && c.Status == models.ClaimStatusLeased {
			n++
		}
	}
	return n
}

// --- Claims ---

func (s *MemoryStore) ClaimJobUnit(ctx context.Context, jobID, workerID uuid.UUID, leaseExpiry time.Time) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	if j.Terminal() || now.After(j.ExpiresAt()) {
		return nil, ErrNoCapacity
	}
	if s.leasedCount(jobID) >= j.Remaining {
		return nil, ErrNoCapacity
	}

	claim := &models.Claim{
		ID:             uuid.New(),
		JobID:          jobID,
		WorkerID:       workerID,
		Status:         models.ClaimStatusLeased,
		LeasedAt:       now,
		LeaseExpiresAt: leaseExpiry,
	}
	s.claims[claim.ID] = claim
	if j.Status == models.JobStatusQueued {
		j.Status = models.JobStatusClaimed
		j.UpdatedAt = now
	}
	cp := *claim
	return &cp, nil
}

func (s *MemoryStore) GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SubmitClaim(ctx context.Context, claimID, workerID uuid.UUID, output string, kudos float64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	switch {
	case c.Status == models.ClaimStatusSubmitted:
		return nil, ErrAlreadySubmitted
	case c.Status == models.ClaimStatusExpired:
		return nil, ErrStaleClaim
	case c.WorkerID != workerID:
		return nil, ErrWrongWorker
	case now.After(c.LeaseExpiresAt):
		return nil, ErrStaleClaim
	}

	j, ok := s.jobs[c.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Terminal() || j.Remaining <= 0 {
		return nil, ErrStaleClaim
	}

	c.Status = models.ClaimStatusSubmitted
	c.Output = &output
	c.KudosAwarded = kudos
	c.SubmittedAt = &now

	j.Remaining--
	j.UpdatedAt = now
	if j.Remaining == 0 {
		j.Status = models.JobStatusCompleted
	}

	if w, ok := s.workers[workerID]; ok {
		if u, ok := s.users[w.UserID]; ok {
			u.Kudos += kudos
		}
	}

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.claims {
		if c.Status == models.ClaimStatusLeased && c.LeaseExpiresAt.Before(now) {
			c.Status = models.ClaimStatusExpired
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountLeasedClaims(ctx context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leasedCount(jobID), nil
}

func (s *MemoryStore) ListClaimsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claims []*models.Claim
	for _, c := range s.claims {
		if c.JobID == jobID {
			cp := *c
			claims = append(claims, &cp)
		}
	}
	sort.Slice(claims, func(a, b int) bool {
		return claims[a].LeasedAt.Before(claims[b].LeasedAt)
	})
	return claims, nil
}

// --- API keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(a, b int) bool {
		return keys[a].CreatedAt.After(keys[b].CreatedAt)
	})
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.UserID != userID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}
