package domain

import (
	"math"
	"time"
)

type PricingMode string

const (
	PricingExplicitTable   PricingMode = "explicit_table"
	PricingDerivedFromBase PricingMode = "derived_from_base"
)

type ModifierKind string

const (
	ModifierPercent        ModifierKind = "percent"
	ModifierAmountPerNight ModifierKind = "amount_per_night"
	ModifierAmountPerStay  ModifierKind = "amount_per_stay"
)

type RoundingRule string

const (
	RoundNone    RoundingRule = ""
	RoundNearest RoundingRule = "nearest_1" // nearest whole major unit
	RoundUp      RoundingRule = "up_1"
	RoundDown    RoundingRule = "down_1"
)

// Apply rounds a minor-unit amount at major-unit (100 minor) granularity.
func (r RoundingRule) Apply(minor int64) int64 {
	switch r {
	case RoundNearest:
		return int64(math.Round(float64(minor)/100)) * 100
	case RoundUp:
		return int64(math.Ceil(float64(minor)/100)) * 100
	case RoundDown:
		return int64(math.Floor(float64(minor)/100)) * 100
	}
	return minor
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RateModifier derives a nightly price from a base plan's stored price.
type RateModifier struct {
	Kind ModifierKind
	// Value semantics depend on Kind: percent is a signed percentage
	// (-10 means 10% off); the amount kinds are signed minor units.
	Value    float64
	Rounding RoundingRule
}

// Eligibility gates access to a private rate plan. Zero value means public
// access (no rule).
type Eligibility struct {
	RequireLogin      bool
	LoyaltyTiers      []string // any-of; empty = no tier requirement
	CorporateAccounts []string // any-of
	PromoCode         string   // exact match when non-empty
}

// RatePlan prices a room type. A derived plan references a base plan that
// must itself be explicit_table: derivation depth is capped at 1, enforced
// at write time, so chains can never cycle.
type RatePlan struct {
	ID                   string
	PropertyID           string
	Name                 string
	PricingMode          PricingMode
	BaseRatePlanID       string // set only when PricingMode == derived_from_base
	Modifier             *RateModifier
	Visibility           Visibility
	Eligibility          Eligibility
	AllowLoyaltyDiscount bool
	// PromoDiscountPct is the extra percentage taken off the discounted
	// subtotal when the guest presents the plan's promo code. Applied last.
	PromoDiscountPct float64
	Active           bool
}

// RoomTypeRatePlan records that a rate plan is offered for a room type.
type RoomTypeRatePlan struct {
	RoomTypeID string
	RatePlanID string
	SortOrder  int
	Active     bool
}

// NightlyRate is the stored unit of price truth: one (room type, rate plan,
// date, occupancy bucket) cell. Derived plans materialize into this shape
// when quoted or published.
type NightlyRate struct {
	PropertyID  string
	RoomTypeID  string
	RatePlanID  string
	Date        time.Time // UTC midnight
	Occupancy   int
	AmountMinor int64
}

// GuestContext is everything the pricing resolver may inspect about the
// requesting guest. No field is trusted beyond this process boundary.
type GuestContext struct {
	Authenticated      bool
	LoyaltyTier        string
	LoyaltyDiscountPct float64 // e.g. 5 means 5% off, multiplicative on subtotal
	CorporateAccount   string
	PromoCode          string
	// Referral marks quotes reached through an external referral link;
	// such quotes get a locked token so the shown price survives rate edits.
	Referral bool
}

// PriceQuote is the guest-facing result of pricing resolution.
type PriceQuote struct {
	PropertyID string
	RoomTypeID string
	RatePlanID string
	Stay       StayRange
	Occupancy  int
	Currency   string
	// NightlyMinor is the per-night display breakdown. Per-stay modifier
	// amounts are amortized evenly across nights with the remainder on the
	// first night; TotalMinor always carries the exact charge.
	NightlyMinor    []int64
	SubtotalMinor   int64
	LoyaltyOffMinor int64
	PromoOffMinor   int64
	TaxMinor        int64
	TotalMinor      int64
	TaxInclusive    bool
	// LockToken is set when the quote was frozen (conditional eligibility);
	// presenting it at checkout replays this exact quote until it expires.
	LockToken   string
	LockedUntil *time.Time
}
