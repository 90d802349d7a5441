package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrakisd/genhive/internal/config"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		LeaseTimeout:           10 * time.Minute,
		SweepInterval:          30 * time.Second,
		PageSize:               50,
		UpfrontBaseTokens:      256,
		UpfrontTokensPerThread: 8,
	}
}

func testCosts() *StaticCostTable {
	return NewStaticCostTable(map[string]float64{
		"small-7b": 1.0,
		"huge-70b": 4.0,
	}, 1)
}

func seedUser(t *testing.T, ms *store.MemoryStore, kudos float64) *models.User {
	t.Helper()
	u := &models.User{
		ID:        uuid.New(),
		Username:  "requester",
		Kudos:     kudos,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ms.CreateUser(context.Background(), u))
	return u
}

func seedWorker(t *testing.T, ms *store.MemoryStore, owner *models.User, workerModels []string) *models.Worker {
	t.Helper()
	w := &models.Worker{
		ID:          uuid.New(),
		UserID:      owner.ID,
		Name:        "bench-worker",
		Models:      workerModels,
		Backend:     "koboldcpp",
		Threads:     1,
		NSFW:        true,
		Trusted:     owner.Trusted,
		LastCheckIn: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, ms.UpsertWorker(context.Background(), w))
	return w
}

func seedSharedKey(t *testing.T, ms *store.MemoryStore, owner *models.User, kudos float64, maxTokens int) *models.SharedKey {
	t.Helper()
	k := &models.SharedKey{
		ID:        uuid.New(),
		UserID:    owner.ID,
		Name:      "team-key",
		Kudos:     kudos,
		MaxTokens: maxTokens,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ms.CreateSharedKey(context.Background(), k))
	return k
}

func baseSpec(userID uuid.UUID) JobSpec {
	return JobSpec{
		UserID:           userID,
		Prompt:           "Once upon a time",
		Models:           []string{"small-7b"},
		N:                1,
		MaxLength:        80,
		MaxContextLength: 1024,
		SlowWorkers:      true,
	}
}
