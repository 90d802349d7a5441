package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/petrakisd/genhive/internal/api/response"
	"github.com/petrakisd/genhive/pkg/models"
)

// KudosLedger is the balance surface the transfer handler needs.
type KudosLedger interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreditKudos(ctx context.Context, userID uuid.UUID, amount float64) error
	SetUserTrusted(ctx context.Context, userID uuid.UUID, trusted bool) error
}

type transferRequest struct {
	KudosAmount float64 `json:"kudos_amount"`
	Trusted     bool    `json:"trusted"`
}

// NewKudosTransferHandler returns the http.HandlerFunc for
// POST /api/v2/kudos/transfer/{userID}. Only callers on the configured
// allowlist may push transfers; everyone else gets AccessDenied.
func NewKudosTransferHandler(ledger KudosLedger, allowlist []string) http.HandlerFunc {
	allowed := make(map[string]bool, len(allowlist))
	for _, a := range allowlist {
		allowed[a] = true
	}

	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !allowed[host] {
			response.Error(w, http.StatusForbidden, "ACCESS_DENIED",
				"This endpoint is restricted to trusted callers", nil)
			return
		}

		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user id", nil)
			return
		}

		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.KudosAmount <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kudos_amount must be positive", nil)
			return
		}

		user, err := ledger.GetUser(r.Context(), userID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		slog.Warn("incoming kudos transfer",
			"user_id", userID, "amount", req.KudosAmount, "caller", host)

		if req.Trusted && !user.Trusted {
			if err := ledger.SetUserTrusted(r.Context(), userID, true); err != nil {
				writeEngineError(w, err)
				return
			}
		}
		if err := ledger.CreditKudos(r.Context(), userID, req.KudosAmount); err != nil {
			writeEngineError(w, err)
			return
		}

		response.JSON(w, map[string]float64{"new_kudos": user.Kudos + req.KudosAmount})
	}
}
