package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ClaimStatusLeased    = "leased"
	ClaimStatusSubmitted = "submitted"
	ClaimStatusExpired   = "expired_lease"
)

// Claim is one leased or completed unit of work spawned from a Job.
// A claim is exclusively owned by the worker holding its lease until
// submit or lease expiry; the reaper marks overdue leases expired so
// the unit's capacity becomes poppable again.
type Claim struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	JobID          uuid.UUID  `db:"job_id"           json:"job_id"`
	WorkerID       uuid.UUID  `db:"worker_id"        json:"worker_id"`
	Status         string     `db:"status"           json:"status"`
	Output         *string    `db:"output"           json:"output,omitempty"`
	KudosAwarded   float64    `db:"kudos_awarded"    json:"kudos_awarded"`
	LeasedAt       time.Time  `db:"leased_at"        json:"leased_at"`
	LeaseExpiresAt time.Time  `db:"lease_expires_at" json:"lease_expires_at"`
	SubmittedAt    *time.Time `db:"submitted_at"     json:"submitted_at,omitempty"`
}
