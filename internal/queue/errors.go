package queue

import (
	"errors"
	"fmt"
)

// ErrMaintenance is returned by admission while the horde is in
// maintenance mode.
var ErrMaintenance = errors.New("horde is in maintenance mode")

// ErrValidation wraps malformed or unsupported request shapes. Rejected
// before admission, no side effects.
var ErrValidation = errors.New("invalid request")

// Denial reasons carried by AdmissionError.
const (
	DenyUserKudos      = "user_kudos"
	DenySharedKeyKudos = "shared_key_kudos"
	DenyTokenCeiling   = "shared_key_token_ceiling"
)

// AdmissionError reports a denied admission together with the exact
// kudos amount that would have been required, so clients can retry with
// a smaller request or more kudos.
type AdmissionError struct {
	Reason        string
	RequiredKudos float64
	Available     float64
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case DenySharedKeyKudos:
		return fmt.Sprintf("shared key has %.2f kudos remaining, request requires %.2f", e.Available, e.RequiredKudos)
	case DenyTokenCeiling:
		return fmt.Sprintf("request exceeds the shared key token ceiling of %.0f", e.Available)
	default:
		return fmt.Sprintf("request requires %.2f upfront kudos, balance is %.2f", e.RequiredKudos, e.Available)
	}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
