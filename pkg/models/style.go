package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Style is a named template overriding prompt, parameters and eligible
// models for a request. The prompt template carries a single {p} slot
// for the user prompt.
type Style struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	UserID      uuid.UUID       `db:"user_id"      json:"user_id"`
	Name        string          `db:"name"         json:"name"`
	Prompt      string          `db:"prompt"       json:"prompt"`
	Params      json.RawMessage `db:"params"       json:"params"`
	Models      []string        `db:"models"       json:"models"`
	NSFW        bool            `db:"nsfw"         json:"nsfw"`
	SharedKeyID *uuid.UUID      `db:"shared_key_id" json:"shared_key_id,omitempty"`
	UseCount    int64           `db:"use_count"    json:"use_count"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
}

// StyleCollection groups styles under one name; resolving the collection
// picks one member uniformly at random.
type StyleCollection struct {
	ID       uuid.UUID   `db:"id"        json:"id"`
	Name     string      `db:"name"      json:"name"`
	StyleIDs []uuid.UUID `db:"style_ids" json:"style_ids"`
	UseCount int64       `db:"use_count" json:"use_count"`
}
