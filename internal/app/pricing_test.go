package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"staycore/internal/app"
	"staycore/internal/clock"
	"staycore/internal/domain"
	"staycore/internal/testutil"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func stay(t *testing.T, ci, co time.Time) domain.StayRange {
	t.Helper()
	s, err := domain.NewStayRange(ci, co)
	if err != nil {
		t.Fatalf("stay: %v", err)
	}
	return s
}

// seedCatalog loads one property with a room type, two rooms and an explicit
// base plan priced at 1000.00 per night for March 2026.
func seedCatalog(ms *testutil.MemStore) {
	ms.Properties["prop1"] = domain.Property{
		ID: "prop1", Name: "Harbour House", Timezone: "Africa/Johannesburg",
		Currency: "ZAR", PricingDisplayMode: domain.DisplayTaxExclusive, Active: true,
	}
	ms.RoomTypes["rt1"] = domain.RoomType{ID: "rt1", PropertyID: "prop1", Name: "Sea View Double", MaxOccupancy: 2, Active: true}
	ms.Rooms["room-a"] = domain.Room{ID: "room-a", PropertyID: "prop1", RoomTypeID: "rt1", Label: "101", Status: domain.RoomActive}
	ms.Rooms["room-b"] = domain.Room{ID: "room-b", PropertyID: "prop1", RoomTypeID: "rt1", Label: "102", Status: domain.RoomActive}
	ms.RatePlans["base"] = domain.RatePlan{
		ID: "base", PropertyID: "prop1", Name: "Flexible",
		PricingMode: domain.PricingExplicitTable, Visibility: domain.VisibilityPublic, Active: true,
	}
	ms.OfferPlan("rt1", "base")
	for d := date(2026, 3, 1); d.Before(date(2026, 4, 1)); d = d.AddDate(0, 0, 1) {
		ms.SetNightlyRate(domain.NightlyRate{
			PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
			Date: d, Occupancy: 2, AmountMinor: 100_000,
		})
	}
}

func newPricing(ms *testutil.MemStore, clk clock.Clock) (*app.PricingService, *testutil.MemCache) {
	cache := testutil.NewMemCache()
	return app.NewPricingService(ms, cache, clk), cache
}

func TestQuoteExplicitPlan(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	q, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 12)), Occupancy: 2,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if q.SubtotalMinor != 200_000 || q.TotalMinor != 200_000 {
		t.Fatalf("subtotal=%d total=%d, want 200000/200000", q.SubtotalMinor, q.TotalMinor)
	}
	if len(q.NightlyMinor) != 2 || q.NightlyMinor[0] != 100_000 || q.NightlyMinor[1] != 100_000 {
		t.Fatalf("nightly = %v", q.NightlyMinor)
	}
	if q.Currency != "ZAR" {
		t.Fatalf("currency = %q", q.Currency)
	}
	if q.LockToken != "" {
		t.Fatal("public plan should not get a quote lock")
	}
}

func TestQuoteDerivedPercent(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	ms.RatePlans["advance"] = domain.RatePlan{
		ID: "advance", PropertyID: "prop1", Name: "Advance Saver",
		PricingMode: domain.PricingDerivedFromBase, BaseRatePlanID: "base",
		Modifier:   &domain.RateModifier{Kind: domain.ModifierPercent, Value: -10},
		Visibility: domain.VisibilityPublic, Active: true,
	}
	ms.OfferPlan("rt1", "advance")
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	q, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "advance",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if q.NightlyMinor[0] != 90_000 || q.TotalMinor != 90_000 {
		t.Fatalf("nightly=%v total=%d, want 90000", q.NightlyMinor, q.TotalMinor)
	}
}

func TestQuoteDerivedPercentRounding(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	// 999.00 base, -10% = 899.10: the rounding rule decides the cents.
	ms.SetNightlyRate(domain.NightlyRate{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Date: date(2026, 3, 10), Occupancy: 2, AmountMinor: 99_900,
	})
	cases := []struct {
		rule domain.RoundingRule
		want int64
	}{
		{domain.RoundNone, 89_910},
		{domain.RoundNearest, 89_900},
		{domain.RoundUp, 90_000},
		{domain.RoundDown, 89_900},
	}
	ms.OfferPlan("rt1", "saver")
	for _, tc := range cases {
		ms.RatePlans["saver"] = domain.RatePlan{
			ID: "saver", PropertyID: "prop1", Name: "Saver",
			PricingMode: domain.PricingDerivedFromBase, BaseRatePlanID: "base",
			Modifier:   &domain.RateModifier{Kind: domain.ModifierPercent, Value: -10, Rounding: tc.rule},
			Visibility: domain.VisibilityPublic, Active: true,
		}
		svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))
		q, err := svc.Quote(context.Background(), app.QuoteRequest{
			PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "saver",
			Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
		})
		if err != nil {
			t.Fatalf("rule %q: %v", tc.rule, err)
		}
		if q.NightlyMinor[0] != tc.want {
			t.Errorf("rule %q: nightly = %d, want %d", tc.rule, q.NightlyMinor[0], tc.want)
		}
	}
}

func TestQuotePerStayAmortization(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	// +31.00 per stay over 3 nights: charge is exact, display spreads 10.33
	// per night with the extra cent on the first.
	ms.RatePlans["package"] = domain.RatePlan{
		ID: "package", PropertyID: "prop1", Name: "Breakfast Package",
		PricingMode: domain.PricingDerivedFromBase, BaseRatePlanID: "base",
		Modifier:   &domain.RateModifier{Kind: domain.ModifierAmountPerStay, Value: 3100},
		Visibility: domain.VisibilityPublic, Active: true,
	}
	ms.OfferPlan("rt1", "package")
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	q, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "package",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 13)), Occupancy: 2,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if q.SubtotalMinor != 303_100 {
		t.Fatalf("subtotal = %d, want 303100", q.SubtotalMinor)
	}
	want := []int64{101_034, 101_033, 101_033}
	var sum int64
	for i, n := range q.NightlyMinor {
		if n != want[i] {
			t.Fatalf("nightly = %v, want %v", q.NightlyMinor, want)
		}
		sum += n
	}
	if sum != q.SubtotalMinor {
		t.Fatalf("display breakdown %d != charged %d", sum, q.SubtotalMinor)
	}
}

func TestQuoteMissingNight(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	// April has no rates loaded.
	_, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Stay: stay(t, date(2026, 3, 31), date(2026, 4, 2)), Occupancy: 2,
	})
	if !errors.Is(err, domain.ErrNoRate) {
		t.Fatalf("err = %v, want ErrNoRate", err)
	}
}

func TestQuotePrivatePlanEligibility(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	ms.RatePlans["member"] = domain.RatePlan{
		ID: "member", PropertyID: "prop1", Name: "Member Rate",
		PricingMode: domain.PricingDerivedFromBase, BaseRatePlanID: "base",
		Modifier:    &domain.RateModifier{Kind: domain.ModifierPercent, Value: -15},
		Visibility:  domain.VisibilityPrivate,
		Eligibility: domain.Eligibility{RequireLogin: true, LoyaltyTiers: []string{"gold", "platinum"}},
		Active:      true,
	}
	ms.OfferPlan("rt1", "member")
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))
	req := app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "member",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
	}

	if _, err := svc.Quote(context.Background(), req); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("anonymous err = %v, want ErrNotEligible", err)
	}

	req.Guest = domain.GuestContext{Authenticated: true, LoyaltyTier: "silver"}
	if _, err := svc.Quote(context.Background(), req); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("wrong tier err = %v, want ErrNotEligible", err)
	}

	req.Guest = domain.GuestContext{Authenticated: true, LoyaltyTier: "gold"}
	q, err := svc.Quote(context.Background(), req)
	if err != nil {
		t.Fatalf("gold member err: %v", err)
	}
	if q.TotalMinor != 85_000 {
		t.Fatalf("total = %d, want 85000", q.TotalMinor)
	}
}

func TestQuoteDiscountsAndTax(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	p := ms.Properties["prop1"]
	p.TaxRatePct = 15
	ms.Properties["prop1"] = p
	ms.RatePlans["promo"] = domain.RatePlan{
		ID: "promo", PropertyID: "prop1", Name: "Promo",
		PricingMode:          domain.PricingExplicitTable,
		Visibility:           domain.VisibilityPublic,
		Eligibility:          domain.Eligibility{PromoCode: "SAVE5"},
		AllowLoyaltyDiscount: true, PromoDiscountPct: 5, Active: true,
	}
	ms.OfferPlan("rt1", "promo")
	ms.SetNightlyRate(domain.NightlyRate{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "promo",
		Date: date(2026, 3, 10), Occupancy: 2, AmountMinor: 100_000,
	})
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	q, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "promo",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
		Guest: domain.GuestContext{Authenticated: true, LoyaltyDiscountPct: 10, PromoCode: "SAVE5"},
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	// 1000.00 - 10% loyalty = 900.00, - 5% promo = 855.00, + 15% tax = 983.25.
	if q.LoyaltyOffMinor != 10_000 || q.PromoOffMinor != 4_500 {
		t.Fatalf("loyalty=%d promo=%d", q.LoyaltyOffMinor, q.PromoOffMinor)
	}
	if q.TaxMinor != 12_825 || q.TotalMinor != 98_325 {
		t.Fatalf("tax=%d total=%d, want 12825/98325", q.TaxMinor, q.TotalMinor)
	}
	if q.TaxInclusive {
		t.Fatal("tax_exclusive property marked inclusive")
	}
}

func TestQuoteTaxInclusive(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	p := ms.Properties["prop1"]
	p.PricingDisplayMode = domain.DisplayTaxInclusive
	p.TaxRatePct = 15
	ms.Properties["prop1"] = p
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	q, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	// Total stays 1000.00; the 15% share inside it is informational.
	if q.TotalMinor != 100_000 {
		t.Fatalf("total = %d, want 100000", q.TotalMinor)
	}
	if !q.TaxInclusive || q.TaxMinor != 13_043 {
		t.Fatalf("inclusive=%v tax=%d, want true/13043", q.TaxInclusive, q.TaxMinor)
	}
}

func TestQuoteLockRoundTrip(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	ms.RatePlans["referral"] = domain.RatePlan{
		ID: "referral", PropertyID: "prop1", Name: "Partner Rate",
		PricingMode: domain.PricingDerivedFromBase, BaseRatePlanID: "base",
		Modifier:    &domain.RateModifier{Kind: domain.ModifierPercent, Value: -20},
		Visibility:  domain.VisibilityPrivate,
		Eligibility: domain.Eligibility{RequireLogin: true},
		Active:      true,
	}
	ms.OfferPlan("rt1", "referral")
	clk := clock.NewFixed(date(2026, 2, 1))
	svc, cache := newPricing(ms, clk)

	q, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "referral",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
		Guest: domain.GuestContext{Authenticated: true, Referral: true},
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if q.LockToken == "" || q.LockedUntil == nil {
		t.Fatal("referral quote should carry a lock token")
	}

	// Rate edits after the lock do not change what the token replays.
	ms.SetNightlyRate(domain.NightlyRate{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Date: date(2026, 3, 10), Occupancy: 2, AmountMinor: 150_000,
	})
	got, err := svc.RedeemQuoteLock(context.Background(), q.LockToken)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got.TotalMinor != q.TotalMinor {
		t.Fatalf("locked total drifted: %d != %d", got.TotalMinor, q.TotalMinor)
	}

	cache.Expire("quotelock:" + q.LockToken)
	if _, err := svc.RedeemQuoteLock(context.Background(), q.LockToken); !errors.Is(err, domain.ErrQuoteLockExpired) {
		t.Fatalf("expired token err = %v, want ErrQuoteLockExpired", err)
	}
}

func TestQuotePlanNotOfferedForRoomType(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	ms.RoomTypes["rt2"] = domain.RoomType{ID: "rt2", PropertyID: "prop1", Name: "Penthouse", MaxOccupancy: 4, Active: true}
	// rt2 even has rates loaded for the plan; only the offering is missing.
	ms.SetNightlyRate(domain.NightlyRate{
		PropertyID: "prop1", RoomTypeID: "rt2", RatePlanID: "base",
		Date: date(2026, 3, 10), Occupancy: 2, AmountMinor: 500_000,
	})
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	_, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt2", RatePlanID: "base",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	ms.OfferPlan("rt2", "base")
	if _, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt2", RatePlanID: "base",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
	}); err != nil {
		t.Fatalf("offered err: %v", err)
	}
}

func TestQuotePastCheckin(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	// Property-local calendar: the fixed clock is 2026-02-01 UTC.
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	_, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Stay: stay(t, date(2026, 1, 15), date(2026, 1, 17)), Occupancy: 2,
	})
	if !errors.Is(err, domain.ErrInvalidStayRange) {
		t.Fatalf("err = %v, want ErrInvalidStayRange", err)
	}
}

func TestQuoteInactivePlan(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	plan := ms.RatePlans["base"]
	plan.Active = false
	ms.RatePlans["base"] = plan
	svc, _ := newPricing(ms, clock.NewFixed(date(2026, 2, 1)))

	_, err := svc.Quote(context.Background(), app.QuoteRequest{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Stay: stay(t, date(2026, 3, 10), date(2026, 3, 11)), Occupancy: 2,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
