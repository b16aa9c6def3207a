package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict: no room satisfies the requested allocation without
	// overlapping an active one. Callers should offer alternative dates or
	// room types.
	ErrConflict = errors.New("inventory conflict")

	// ErrInvalidTransition: the requested reservation state change is not a
	// legal edge of the state machine.
	ErrInvalidTransition = errors.New("invalid reservation transition")

	// ErrNotEligible: the guest context does not satisfy a private rate
	// plan's eligibility rule. Safe to surface to guests.
	ErrNotEligible = errors.New("not eligible for rate plan")

	// ErrNoRate: a required nightly rate is missing after derivation.
	// Operator-facing configuration error.
	ErrNoRate = errors.New("no nightly rate")

	ErrNotFound         = errors.New("not found")
	ErrInvalidStayRange = errors.New("invalid stay range")
	ErrQuoteLockExpired = errors.New("quote lock expired")

	// ErrQuoteLockMismatch: a quote lock token was presented for a different
	// product (room type, plan, stay or occupancy) than it was issued for.
	ErrQuoteLockMismatch = errors.New("quote lock issued for a different product")

	// ErrDerivedBase: a derived rate plan's base must itself be an explicit
	// table (derivation depth 1). Enforced at write time.
	ErrDerivedBase = errors.New("base rate plan must be explicit_table")
)

// IntegrationError classifies an external-channel failure. Transient errors
// are retried per the backoff policy; permanent ones are parked for manual
// re-drive.
type IntegrationError struct {
	Transient bool
	Detail    string
	Err       error
}

func (e *IntegrationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s integration error: %s: %v", kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s integration error: %s", kind, e.Detail)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie) && ie.Transient
}
