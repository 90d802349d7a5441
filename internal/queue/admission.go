package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/petrakisd/genhive/internal/config"
	"github.com/petrakisd/genhive/internal/store"
	"github.com/petrakisd/genhive/pkg/models"
)

// Request size limits enforced before admission.
const (
	maxUnitsPerJob    = 20
	maxLengthCeiling  = 1024
	maxContextCeiling = 32768
	// minDowngradeLength is the smallest generation a downgrade may
	// shrink a request to before giving up and rejecting.
	minDowngradeLength = 16
	// activeWorkerWindow bounds how stale a check-in may be for the
	// worker to count toward the upfront threshold.
	activeWorkerWindow = 10 * time.Minute
)

// JobSpec is a validated generation request, before admission.
type JobSpec struct {
	UserID            uuid.UUID
	SharedKeyID       *uuid.UUID
	Prompt            string
	Params            json.RawMessage
	Models            []string
	N                 int
	MaxLength         int
	MaxContextLength  int
	NSFW              bool
	TrustedWorkers    bool
	SlowWorkers       bool
	WorkerBlacklist   []uuid.UUID
	ValidatedBackends []string
	AllowDowngrade    bool

	// StyleSharedKeyID is set when a style bound to a shared key was
	// applied; it unlocks the token-ceiling bypass for that key.
	StyleSharedKeyID *uuid.UUID
}

func (s *JobSpec) validate() error {
	if s.Prompt == "" {
		return validationf("prompt must not be empty")
	}
	if s.N < 1 || s.N > maxUnitsPerJob {
		return validationf("n must be between 1 and %d, got %d", maxUnitsPerJob, s.N)
	}
	if s.MaxLength < 1 || s.MaxLength > maxLengthCeiling {
		return validationf("max_length must be between 1 and %d, got %d", maxLengthCeiling, s.MaxLength)
	}
	if s.MaxContextLength < 1 || s.MaxContextLength > maxContextCeiling {
		return validationf("max_context_length must be between 1 and %d, got %d", maxContextCeiling, s.MaxContextLength)
	}
	return nil
}

// Outcome of an admission decision.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeDowngraded Outcome = "downgraded"
)

// Decision is a successful admission. Spec is the admitted request,
// reduced from the original when Outcome is downgraded. UpfrontTokens is
// the load-sensitive threshold above which kudos had to be paid upfront.
type Decision struct {
	Outcome       Outcome
	Spec          JobSpec
	RequiredKudos float64
	UpfrontTokens int
	PaidUpfront   bool
}

// AdmissionController decides whether a request may enter the queue and
// collects any upfront payment.
type AdmissionController struct {
	store store.Store
	costs CostTable
	cfg   config.QueueConfig
	modes config.ModesConfig
}

// NewAdmissionController wires an AdmissionController.
func NewAdmissionController(s store.Store, costs CostTable, cfg config.QueueConfig, modes config.ModesConfig) *AdmissionController {
	return &AdmissionController{store: s, costs: costs, cfg: cfg, modes: modes}
}

// Quote prices a spec without touching any balance. Used for dry runs.
func (a *AdmissionController) Quote(spec *JobSpec) float64 {
	return RequiredKudos(a.costs, spec.Models, spec.MaxLength, spec.N)
}

// Admit validates the spec, prices it, checks the payer (the user, plus
// the shared key's own budget and token ceiling when one is in play) and
// debits any upfront payment. When the payer cannot afford the request
// and downgrading is permitted, a reduced spec is admitted instead of
// rejecting.
func (a *AdmissionController) Admit(ctx context.Context, spec JobSpec) (*Decision, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if a.modes.Maintenance {
		return nil, ErrMaintenance
	}

	decision, err := a.admit(ctx, spec)
	if err != nil {
		var admErr *AdmissionError
		if !errors.As(err, &admErr) && !errors.Is(err, ErrValidation) {
			// Unexpected faults are logged with the request context and
			// re-raised, never masked as a plain denial.
			slog.Error("admission failed",
				"user_id", spec.UserID,
				"models", spec.Models,
				"n", spec.N,
				"max_length", spec.MaxLength,
				"error", err)
		}
		return nil, err
	}
	return decision, nil
}

func (a *AdmissionController) admit(ctx context.Context, spec JobSpec) (*Decision, error) {
	user, err := a.store.GetUser(ctx, spec.UserID)
	if err != nil {
		return nil, err
	}

	var key *models.SharedKey
	if spec.SharedKeyID != nil {
		key, err = a.store.GetSharedKey(ctx, *spec.SharedKeyID)
		if err != nil {
			return nil, err
		}
	}

	_, threads, err := a.store.CountActiveWorkerThreads(ctx, time.Now().UTC().Add(-activeWorkerWindow))
	if err != nil {
		return nil, err
	}
	threshold := a.cfg.UpfrontBaseTokens + a.cfg.UpfrontTokensPerThread*threads
	needsUpfront := spec.MaxLength*spec.N > threshold
	downgradeOK := spec.AllowDowngrade && !a.cfg.DisableDowngrade

	outcome := OutcomeAccepted
	required := a.Quote(&spec)

	// A finite shared-key budget is checked independently of the owning
	// user's balance.
	if key != nil && !key.Unlimited() && required > key.Kudos {
		if !downgradeOK {
			return nil, &AdmissionError{Reason: DenySharedKeyKudos, RequiredKudos: required, Available: key.Kudos}
		}
		reduced, ok := a.downgrade(spec, key.Kudos)
		if !ok {
			return nil, &AdmissionError{Reason: DenySharedKeyKudos, RequiredKudos: required, Available: key.Kudos}
		}
		spec = reduced
		outcome = OutcomeDowngraded
		required = a.Quote(&spec)
	}

	if needsUpfront && required > user.Kudos {
		if !downgradeOK {
			return nil, &AdmissionError{Reason: DenyUserKudos, RequiredKudos: required, Available: user.Kudos}
		}
		reduced, ok := a.downgrade(spec, user.Kudos)
		if !ok {
			return nil, &AdmissionError{Reason: DenyUserKudos, RequiredKudos: required, Available: user.Kudos}
		}
		spec = reduced
		outcome = OutcomeDowngraded
		required = a.Quote(&spec)
	}

	// QuotaGuard: the token ceiling binds regardless of kudos, unless the
	// key owner bound the key to the style in use.
	if key != nil && key.MaxTokens > 0 && spec.MaxLength > key.MaxTokens {
		bypass := spec.StyleSharedKeyID != nil && *spec.StyleSharedKeyID == key.ID
		if !bypass {
			return nil, &AdmissionError{Reason: DenyTokenCeiling, RequiredKudos: required, Available: float64(key.MaxTokens)}
		}
	}

	if needsUpfront {
		if err := a.store.DebitKudos(ctx, spec.UserID, required); err != nil {
			if errors.Is(err, store.ErrInsufficientKudos) {
				// A concurrent request drained the balance between the
				// check and the debit.
				return nil, &AdmissionError{Reason: DenyUserKudos, RequiredKudos: required, Available: user.Kudos}
			}
			return nil, err
		}
	}
	if key != nil && !key.Unlimited() {
		if err := a.store.DebitSharedKey(ctx, key.ID, required); err != nil {
			if errors.Is(err, store.ErrInsufficientKudos) {
				if needsUpfront {
					// Roll the user debit back; the job is not created.
					if cerr := a.store.CreditKudos(ctx, spec.UserID, required); cerr != nil {
						slog.Error("upfront refund failed", "user_id", spec.UserID, "amount", required, "error", cerr)
					}
				}
				return nil, &AdmissionError{Reason: DenySharedKeyKudos, RequiredKudos: required, Available: key.Kudos}
			}
			return nil, err
		}
	}

	return &Decision{
		Outcome:       outcome,
		Spec:          spec,
		RequiredKudos: required,
		UpfrontTokens: threshold,
		PaidUpfront:   needsUpfront,
	}, nil
}

// downgrade shrinks the spec until the payer can afford it: fewer units
// first, then a shorter generation at a single unit. Reports false when
// even the smallest useful request is out of reach.
func (a *AdmissionController) downgrade(spec JobSpec, balance float64) (JobSpec, bool) {
	unit := UnitKudos(a.costs, spec.Models, spec.MaxLength)
	if unit > 0 {
		if n := int(balance / unit); n >= 1 {
			if n < spec.N {
				spec.N = n
			}
			return spec, true
		}
	}

	if len(spec.Models) == 0 {
		// Modelless pricing is flat per unit; nothing further to shrink.
		return spec, false
	}
	var highest float64
	for _, m := range spec.Models {
		if mult := a.costs.MultiplierFor(m); mult > highest {
			highest = mult
		}
	}
	if highest <= 0 {
		return spec, false
	}
	length := int(balance * lengthKudosDivisor / highest)
	if length < minDowngradeLength {
		return spec, false
	}
	spec.N = 1
	if length < spec.MaxLength {
		spec.MaxLength = length
	}
	return spec, true
}
