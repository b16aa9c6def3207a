package app

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"staycore/internal/clock"
	"staycore/internal/domain"
)

// quoteLockTTL freezes conditionally-eligible quotes so the price shown via
// an external referral cannot drift between search and checkout.
const quoteLockTTL = 15 * time.Minute

// PricingService resolves nightly prices for (room type, rate plan, date,
// occupancy), walking one level of base+modifier derivation, then stacks
// loyalty, promo and tax per the property's display mode.
type PricingService struct {
	rates domain.RateRepository
	cache domain.Cache
	clk   clock.Clock
}

func NewPricingService(rates domain.RateRepository, cache domain.Cache, clk clock.Clock) *PricingService {
	return &PricingService{rates: rates, cache: cache, clk: clk}
}

type QuoteRequest struct {
	PropertyID string
	RoomTypeID string
	RatePlanID string
	Stay       domain.StayRange
	Occupancy  int
	Guest      domain.GuestContext
}

// Quote prices a stay. Fails ErrNotEligible when a private plan's rule is
// not satisfied (without leaking anything about the plan beyond that), and
// ErrNoRate when any required night is missing after derivation.
func (s *PricingService) Quote(ctx context.Context, req QuoteRequest) (domain.PriceQuote, error) {
	plan, err := s.rates.GetRatePlan(ctx, req.RatePlanID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if !plan.Active || plan.PropertyID != req.PropertyID {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	offered, err := s.rates.PlanOffered(ctx, req.RoomTypeID, plan.ID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if !offered {
		return domain.PriceQuote{}, fmt.Errorf("plan %s not offered for %s: %w", plan.ID, req.RoomTypeID, domain.ErrNotFound)
	}
	if plan.Visibility == domain.VisibilityPrivate {
		if !eligible(plan.Eligibility, req.Guest) {
			return domain.PriceQuote{}, domain.ErrNotEligible
		}
	}

	prop, err := s.rates.GetProperty(ctx, req.PropertyID)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	// "Past" is the property's calendar, not the server's.
	if req.Stay.Checkin.Before(clock.Today(s.clk, prop.Timezone)) {
		return domain.PriceQuote{}, fmt.Errorf("checkin %s already passed: %w",
			req.Stay.Checkin.Format("2006-01-02"), domain.ErrInvalidStayRange)
	}

	nightly, stayAdjust, err := s.resolveNightly(ctx, plan, req)
	if err != nil {
		return domain.PriceQuote{}, err
	}

	var subtotal int64
	for _, n := range nightly {
		subtotal += n
	}
	subtotal += stayAdjust

	q := domain.PriceQuote{
		PropertyID:    req.PropertyID,
		RoomTypeID:    req.RoomTypeID,
		RatePlanID:    req.RatePlanID,
		Stay:          req.Stay,
		Occupancy:     req.Occupancy,
		Currency:      prop.Currency,
		NightlyMinor:  amortize(nightly, stayAdjust),
		SubtotalMinor: subtotal,
	}

	due := subtotal
	if plan.AllowLoyaltyDiscount && req.Guest.Authenticated && req.Guest.LoyaltyDiscountPct > 0 {
		q.LoyaltyOffMinor = pctOf(due, req.Guest.LoyaltyDiscountPct)
		due -= q.LoyaltyOffMinor
	}
	if plan.PromoDiscountPct > 0 && plan.Eligibility.PromoCode != "" &&
		plan.Eligibility.PromoCode == req.Guest.PromoCode {
		q.PromoOffMinor = pctOf(due, plan.PromoDiscountPct)
		due -= q.PromoOffMinor
	}

	switch prop.PricingDisplayMode {
	case domain.DisplayTaxExclusive:
		q.TaxMinor = pctOf(due, prop.TaxRatePct)
		q.TotalMinor = due + q.TaxMinor
	default:
		// Inclusive: the tax share is informational, already inside total.
		q.TaxInclusive = true
		q.TaxMinor = due - int64(math.Round(float64(due)/(1+prop.TaxRatePct/100)))
		q.TotalMinor = due
	}

	// A private rate reached via an external referral is conditional: freeze
	// the computed price under a token so concurrent rate edits cannot change
	// what the guest saw.
	if plan.Visibility == domain.VisibilityPrivate && req.Guest.Referral {
		token := uuid.NewString()
		until := s.clk.Now().Add(quoteLockTTL)
		q.LockToken = token
		q.LockedUntil = &until
		if err := s.cache.Set(ctx, quoteLockKey(token), q, int(quoteLockTTL.Seconds())); err != nil {
			log.Warn().Err(err).Str("rate_plan", plan.ID).Msg("quote lock write failed")
			q.LockToken, q.LockedUntil = "", nil
		}
	}
	return q, nil
}

// RedeemQuoteLock replays a frozen quote. Expired or unknown tokens fail
// with ErrQuoteLockExpired; callers fall back to a fresh Quote.
func (s *PricingService) RedeemQuoteLock(ctx context.Context, token string) (domain.PriceQuote, error) {
	var q domain.PriceQuote
	ok, err := s.cache.Get(ctx, quoteLockKey(token), &q)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if !ok {
		return domain.PriceQuote{}, domain.ErrQuoteLockExpired
	}
	return q, nil
}

func quoteLockKey(token string) string { return "quotelock:" + token }

// resolveNightly materializes the per-night amounts for the plan, following
// at most one derivation hop. The second return value is the per-stay
// adjustment charged once (amount_per_stay modifiers).
func (s *PricingService) resolveNightly(ctx context.Context, plan domain.RatePlan, req QuoteRequest) ([]int64, int64, error) {
	lookupPlan := plan.ID
	if plan.PricingMode == domain.PricingDerivedFromBase {
		lookupPlan = plan.BaseRatePlanID
	}
	stored, err := s.rates.GetNightlyRates(ctx, req.PropertyID, req.RoomTypeID, lookupPlan, req.Stay, req.Occupancy)
	if err != nil {
		return nil, 0, err
	}

	dates := req.Stay.Dates()
	nightly := make([]int64, len(dates))
	for i, d := range dates {
		v, ok := stored[d]
		if !ok {
			return nil, 0, fmt.Errorf("%s plan %s night %s occ %d: %w",
				req.RoomTypeID, lookupPlan, d.Format("2006-01-02"), req.Occupancy, domain.ErrNoRate)
		}
		nightly[i] = v
	}

	if plan.PricingMode != domain.PricingDerivedFromBase {
		return nightly, 0, nil
	}
	mod := plan.Modifier
	if mod == nil {
		return nil, 0, fmt.Errorf("derived plan %s has no modifier: %w", plan.ID, domain.ErrNoRate)
	}
	var stayAdjust int64
	switch mod.Kind {
	case domain.ModifierPercent:
		for i, v := range nightly {
			derived := int64(math.Round(float64(v) * (1 + mod.Value/100)))
			nightly[i] = mod.Rounding.Apply(derived)
		}
	case domain.ModifierAmountPerNight:
		for i, v := range nightly {
			nightly[i] = mod.Rounding.Apply(v + int64(mod.Value))
		}
	case domain.ModifierAmountPerStay:
		// Charged exactly once; display amortization happens in amortize.
		stayAdjust = mod.Rounding.Apply(int64(mod.Value))
	default:
		return nil, 0, fmt.Errorf("plan %s modifier kind %q: %w", plan.ID, mod.Kind, domain.ErrNoRate)
	}
	return nightly, stayAdjust, nil
}

// amortize spreads a per-stay adjustment evenly across the nightly display
// breakdown, remainder on the first night. The exact per-stay amount is
// always what gets charged; this only shapes per-night presentation.
func amortize(nightly []int64, stayAdjust int64) []int64 {
	out := slices.Clone(nightly)
	if stayAdjust == 0 || len(out) == 0 {
		return out
	}
	n := int64(len(out))
	per := stayAdjust / n
	rem := stayAdjust - per*n
	for i := range out {
		out[i] += per
	}
	out[0] += rem
	return out
}

func pctOf(amount int64, pct float64) int64 {
	return int64(math.Round(float64(amount) * pct / 100))
}

func eligible(rule domain.Eligibility, g domain.GuestContext) bool {
	if rule.RequireLogin && !g.Authenticated {
		return false
	}
	if len(rule.LoyaltyTiers) > 0 {
		if !g.Authenticated || !slices.Contains(rule.LoyaltyTiers, g.LoyaltyTier) {
			return false
		}
	}
	if len(rule.CorporateAccounts) > 0 && !slices.Contains(rule.CorporateAccounts, g.CorporateAccount) {
		return false
	}
	if rule.PromoCode != "" && rule.PromoCode != g.PromoCode {
		return false
	}
	return true
}
