package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns jobs, workers and shared keys. The kudos balance is mutated
// only through the store's atomic debit/credit operations.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Username  string    `db:"username"   json:"username"`
	Kudos     float64   `db:"kudos"      json:"kudos"`
	Trusted   bool      `db:"trusted"    json:"trusted"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
