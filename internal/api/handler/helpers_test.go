package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	mw "github.com/petrakisd/genhive/internal/api/middleware"
	"github.com/petrakisd/genhive/internal/config"
	"github.com/petrakisd/genhive/internal/queue"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// memCache is an in-process cache.Cache for handler tests.
type memCache struct {
	mu       sync.Mutex
	entries  map[string][]byte
	counters map[string]int64
}

func newMemCache() *memCache {
	return &memCache{
		entries:  make(map[string][]byte),
		counters: make(map[string]int64),
	}
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCache) Ping(ctx context.Context) error { return nil }
func (c *memCache) Close() error                   { return nil }

func (c *memCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, payload []byte, ttl time.Duration) error {
	return c.Set(ctx, "job:"+jobID.String(), payload, ttl)
}

func (c *memCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error) {
	return c.Get(ctx, "job:"+jobID.String())
}

func (c *memCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *memCache) IncrBy(ctx context.Context, key string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key] += n
	return nil
}

func (c *memCache) GetCounter(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[key], nil
}

// engine bundles the queue components over a MemoryStore, the way main
// wires them against Postgres.
type engine struct {
	store     *store.MemoryStore
	admission *queue.AdmissionController
	jobs      *queue.JobQueue
	styles    *queue.StoreStyleResolver
	assigner  *queue.AssignmentProtocol
}

func newEngine(modes config.ModesConfig) *engine {
	ms := store.NewMemoryStore()
	cfg := config.QueueConfig{
		LeaseTimeout:           10 * time.Minute,
		SweepInterval:          30 * time.Second,
		PageSize:               50,
		UpfrontBaseTokens:      256,
		UpfrontTokensPerThread: 8,
	}
	costs := queue.NewStaticCostTable(map[string]float64{"small-7b": 1.0}, 1)
	matcher := queue.NewWorkerMatcher(ms, cfg.PageSize)
	return &engine{
		store:     ms,
		admission: queue.NewAdmissionController(ms, costs, cfg, modes),
		jobs:      queue.NewJobQueue(ms),
		styles:    queue.NewStyleResolver(ms),
		assigner:  queue.NewAssignmentProtocol(ms, matcher, cfg.LeaseTimeout, queue.DefaultPayout(costs)),
	}
}

func (e *engine) seedUser(t *testing.T, kudos float64) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.New(),
		Username:  "tester",
		Kudos:     kudos,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *engine) seedWorker(t *testing.T, owner *models.User) *models.Worker {
	t.Helper()
	w := &models.Worker{
		ID:          uuid.New(),
		UserID:      owner.ID,
		Name:        "bench-worker",
		Models:      []string{"small-7b"},
		Backend:     "koboldcpp",
		Threads:     1,
		LastCheckIn: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, e.store.UpsertWorker(context.Background(), w))
	return w
}

func specFor(userID uuid.UUID) queue.JobSpec {
	return queue.JobSpec{
		UserID:           userID,
		Prompt:           "Once upon a time",
		Models:           []string{"small-7b"},
		N:                1,
		MaxLength:        80,
		MaxContextLength: 1024,
		SlowWorkers:      true,
	}
}

// authedRequest builds a request carrying the given user identity, the
// way the auth middleware would after verifying an API key.
func authedRequest(t *testing.T, method, target string, body any, userID uuid.UUID) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(mw.SetUserID(r.Context(), userID))
}

// withURLParam attaches a chi route parameter to the request.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}
