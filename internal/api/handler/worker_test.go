package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrakisd/genhive/internal/cache"
	"github.com/petrakisd/genhive/internal/config"
)

func popBody(workerID uuid.UUID) map[string]any {
	return map[string]any{
		"worker_id":    workerID,
		"name":         "bench-worker",
		"models":       []string{"small-7b"},
		"bridge_agent": "koboldcpp",
		"threads":      1,
	}
}

func TestPopReturnsClaim(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	requester := e.seedUser(t, 1000)
	owner := e.seedUser(t, 0)

	_, err := e.jobs.Create(context.Background(), specFor(requester.ID), false)
	require.NoError(t, err)

	h := NewPopHandler(e.assigner, e.store)
	workerID := uuid.New()
	req := authedRequest(t, http.MethodPost, "/api/v2/generate/text/pop", popBody(workerID), owner.ID)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, "Once upon a time", data["prompt"])
}

func TestPopSkipsWhenQueueEmpty(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	owner := e.seedUser(t, 0)

	h := NewPopHandler(e.assigner, e.store)
	req := authedRequest(t, http.MethodPost, "/api/v2/generate/text/pop", popBody(uuid.New()), owner.ID)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Nil(t, data["id"])
	assert.Equal(t, true, data["skipped"])
}

func TestPopRequiresWorkerID(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	owner := e.seedUser(t, 0)

	h := NewPopHandler(e.assigner, e.store)
	req := authedRequest(t, http.MethodPost, "/api/v2/generate/text/pop",
		map[string]any{"name": "anonymous"}, owner.ID)
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPopRejectsForeignWorkerID(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	owner := e.seedUser(t, 0)
	thief := e.seedUser(t, 0)
	worker := e.seedWorker(t, owner)

	h := NewPopHandler(e.assigner, e.store)
	req := authedRequest(t, http.MethodPost, "/api/v2/generate/text/pop", popBody(worker.ID), thief.ID)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ACCESS_DENIED", decodeError(t, rec))
}

func TestSubmitAwardsKudosAndBumpsStats(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	requester := e.seedUser(t, 1000)
	owner := e.seedUser(t, 0)
	worker := e.seedWorker(t, owner)
	c := newMemCache()

	_, err := e.jobs.Create(context.Background(), specFor(requester.ID), false)
	require.NoError(t, err)
	payload, err := e.assigner.Pop(context.Background(), worker, nil, 1)
	require.NoError(t, err)
	require.NotNil(t, payload)

	h := NewSubmitHandler(e.assigner, e.store, c)
	req := authedRequest(t, http.MethodPost, "/api/v2/generate/text/submit", map[string]any{
		"id":         payload.ClaimID,
		"worker_id":  worker.ID,
		"generation": "a story",
	}, owner.ID)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	assert.Equal(t, true, data["job_finished"])
	assert.Greater(t, data["kudos_awarded"], 0.0)

	total, err := c.GetCounter(context.Background(), cache.StatsTotalKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	perModel, err := c.GetCounter(context.Background(), cache.StatsModelKey("small-7b"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), perModel)
}

func TestSubmitDuplicateConflicts(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	requester := e.seedUser(t, 1000)
	owner := e.seedUser(t, 0)
	worker := e.seedWorker(t, owner)

	_, err := e.jobs.Create(context.Background(), specFor(requester.ID), false)
	require.NoError(t, err)
	payload, err := e.assigner.Pop(context.Background(), worker, nil, 1)
	require.NoError(t, err)
	require.NotNil(t, payload)

	h := NewSubmitHandler(e.assigner, e.store, newMemCache())
	body := map[string]any{
		"id":         payload.ClaimID,
		"worker_id":  worker.ID,
		"generation": "a story",
	}

	rec := httptest.NewRecorder()
	h(rec, authedRequest(t, http.MethodPost, "/api/v2/generate/text/submit", body, owner.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, authedRequest(t, http.MethodPost, "/api/v2/generate/text/submit", body, owner.ID))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_SUBMIT", decodeError(t, rec))
}

func TestSubmitByForeignWorkerDenied(t *testing.T) {
	e := newEngine(config.ModesConfig{})
	requester := e.seedUser(t, 1000)
	owner := e.seedUser(t, 0)
	thief := e.seedUser(t, 0)
	worker := e.seedWorker(t, owner)

	_, err := e.jobs.Create(context.Background(), specFor(requester.ID), false)
	require.NoError(t, err)
	payload, err := e.assigner.Pop(context.Background(), worker, nil, 1)
	require.NoError(t, err)
	require.NotNil(t, payload)

	h := NewSubmitHandler(e.assigner, e.store, newMemCache())
	req := authedRequest(t, http.MethodPost, "/api/v2/generate/text/submit", map[string]any{
		"id":         payload.ClaimID,
		"worker_id":  worker.ID,
		"generation": "not mine",
	}, thief.ID)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ACCESS_DENIED", decodeError(t, rec))
}
