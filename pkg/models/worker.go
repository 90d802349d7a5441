package models

import (
	"time"

	"github.com/google/uuid"
)

// Worker is a volunteer compute node polling for and fulfilling jobs.
// Capability fields are refreshed on every pop (check-in).
type Worker struct {
	ID          uuid.UUID `db:"id"            json:"id"`
	UserID      uuid.UUID `db:"user_id"       json:"user_id"`
	Name        string    `db:"name"          json:"name"`
	Models      []string  `db:"models"        json:"models"`
	Backend     string    `db:"backend"       json:"backend"`
	Threads     int       `db:"threads"       json:"threads"`
	NSFW        bool      `db:"nsfw"          json:"nsfw"`
	Trusted     bool      `db:"trusted"       json:"trusted"`
	Slow        bool      `db:"slow"          json:"slow"`
	LastCheckIn time.Time `db:"last_check_in" json:"last_check_in"`
	CreatedAt   time.Time `db:"created_at"    json:"created_at"`
}

// Serves reports whether the worker currently serves the given model.
func (w *Worker) Serves(model string) bool {
	for _, m := range w.Models {
		if m == model {
			return true
		}
	}
	return false
}
