package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusClaimed   = "partially_claimed"
	JobStatusCompleted = "completed"
	JobStatusCancelled = "cancelled"
	JobStatusExpired   = "expired"
)

// JobTTL is how long a job may sit without being fully fulfilled before
// the expiry sweeper reclaims it.
const JobTTL = 20 * time.Minute

// Job is a generation request pending fulfillment. The API returns its id
// on POST /api/v2/generate/text; clients poll the status endpoint while
// workers pop and submit the job's units.
type Job struct {
	ID                uuid.UUID       `db:"id"                  json:"id"`
	UserID            uuid.UUID       `db:"user_id"             json:"user_id"`
	SharedKeyID       *uuid.UUID      `db:"shared_key_id"       json:"shared_key_id,omitempty"`
	Prompt            string          `db:"prompt"              json:"prompt"`
	Params            json.RawMessage `db:"params"              json:"params"`
	ParamsHash        string          `db:"params_hash"         json:"-"`
	Models            []string        `db:"models"              json:"models"`
	N                 int             `db:"n"                   json:"n"`
	Remaining         int             `db:"remaining"           json:"remaining"`
	MaxLength         int             `db:"max_length"          json:"max_length"`
	MaxContextLength  int             `db:"max_context_length"  json:"max_context_length"`
	NSFW              bool            `db:"nsfw"                json:"nsfw"`
	TrustedWorkers    bool            `db:"trusted_workers"     json:"trusted_workers"`
	SlowWorkers       bool            `db:"slow_workers"        json:"slow_workers"`
	WorkerBlacklist   []uuid.UUID     `db:"worker_blacklist"    json:"worker_blacklist,omitempty"`
	ValidatedBackends []string        `db:"validated_backends"  json:"validated_backends,omitempty"`
	PaidUpfront       bool            `db:"paid_upfront"        json:"-"`
	Status            string          `db:"status"              json:"status"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"          json:"updated_at"`
}

// Terminal reports whether no further claims may ever be issued.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

// ExpiresAt is the moment the job becomes eligible for the expiry sweeper.
func (j *Job) ExpiresAt() time.Time {
	return j.CreatedAt.Add(JobTTL)
}

// AnyModel reports whether the job accepts any model a worker serves.
func (j *Job) AnyModel() bool {
	return len(j.Models) == 0
}
