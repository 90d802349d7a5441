package models

import (
	"time"

	"github.com/google/uuid"
)

// UnlimitedKudos marks a shared key without a kudos budget of its own.
const UnlimitedKudos = -1

// SharedKey is a delegated credential with its own kudos and token
// budget, distinct from its owning user's balance. A key optionally
// bound to a style bypasses its own token ceiling when used with that
// style, an escape hatch the key owner opted into.
type SharedKey struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	UserID    uuid.UUID  `db:"user_id"    json:"user_id"`
	Name      string     `db:"name"       json:"name"`
	Kudos     float64    `db:"kudos"      json:"kudos"`
	MaxTokens int        `db:"max_tokens" json:"max_tokens"`
	StyleID   *uuid.UUID `db:"style_id"   json:"style_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Unlimited reports whether the key has no kudos budget of its own.
func (k *SharedKey) Unlimited() bool {
	return k.Kudos == UnlimitedKudos
}
