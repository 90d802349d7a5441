package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/petrakisd/genhive/internal/api/middleware"
	"github.com/petrakisd/genhive/internal/api/response"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// KeyStore covers the API key and shared key persistence the admin
// handlers need.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
	CreateSharedKey(ctx context.Context, key *models.SharedKey) error
	GetSharedKey(ctx context.Context, id uuid.UUID) (*models.SharedKey, error)
}

// NewCreateKeyHandler mints a new API key for the authenticated user.
// The raw key is returned exactly once; only its hash is persisted.
func NewCreateKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"generate"}
		}

		rawKey := fmt.Sprintf("ghv_%s", uuid.New().String())
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		key := &models.APIKey{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			Scopes:    req.Scopes,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := ks.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key with this name already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID.String(),
			"name":       key.Name,
			"key":        rawKey, // shown once, never again
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler lists the authenticated user's API keys with the
// hash stripped.
func NewListKeysHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		keys, err := ks.ListAPIKeys(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}

		safe := make([]map[string]any, len(keys))
		for i, k := range keys {
			safe[i] = map[string]any{
				"id":         k.ID.String(),
				"name":       k.Name,
				"key_prefix": k.KeyPrefix,
				"scopes":     k.Scopes,
				"created_at": k.CreatedAt,
			}
		}
		response.JSON(w, safe)
	}
}

// NewRevokeKeyHandler soft-deletes an API key owned by the caller.
func NewRevokeKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key id", nil)
			return
		}

		if err := ks.RevokeAPIKey(r.Context(), keyID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}
		response.JSON(w, map[string]string{"status": "revoked"})
	}
}

// NewCreateSharedKeyHandler creates a shared key funded out of the
// caller's account. A kudos budget of -1 means unlimited.
func NewCreateSharedKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Name      string     `json:"name"`
			Kudos     *float64   `json:"kudos"`
			MaxTokens int        `json:"max_tokens"`
			StyleID   *uuid.UUID `json:"style_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		kudos := float64(models.UnlimitedKudos)
		if req.Kudos != nil {
			kudos = *req.Kudos
		}
		if kudos < 0 && kudos != models.UnlimitedKudos {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kudos must be non-negative or -1 for unlimited", nil)
			return
		}

		key := &models.SharedKey{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      req.Name,
			Kudos:     kudos,
			MaxTokens: req.MaxTokens,
			StyleID:   req.StyleID,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := ks.CreateSharedKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "Shared key with this name already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create shared key", nil)
			return
		}
		response.Created(w, key)
	}
}
