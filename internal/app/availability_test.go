package app_test

import (
	"context"
	"testing"

	"staycore/internal/app"
	"staycore/internal/clock"
	"staycore/internal/testutil"
)

func TestCountAvailable(t *testing.T) {
	ms := testutil.NewMemStore()
	seedCatalog(ms)
	clk := clock.NewFixed(date(2026, 2, 1))
	cache := testutil.NewMemCache()
	alloc := app.NewAllocationEngine(ms)
	avail := app.NewAvailabilityService(alloc, cache)
	res := app.NewReservationService(ms, ms, alloc, app.NewPricingService(ms, cache, clk), clk)
	ctx := context.Background()

	s := stay(t, date(2026, 3, 10), date(2026, 3, 12))
	n, err := avail.CountAvailable(ctx, "rt1", s)
	if err != nil || n != 2 {
		t.Fatalf("count = %d err = %v, want 2", n, err)
	}

	if _, err := res.CreateHold(ctx, holdInput(t, 1)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// Within the estimate TTL the cached count is served as-is.
	n, err = avail.CountAvailable(ctx, "rt1", s)
	if err != nil || n != 2 {
		t.Fatalf("cached count = %d err = %v, want stale 2", n, err)
	}

	cache.Expire("avail:rt1:" + s.String())
	n, err = avail.CountAvailable(ctx, "rt1", s)
	if err != nil || n != 1 {
		t.Fatalf("fresh count = %d err = %v, want 1", n, err)
	}

	// The identity read bypasses the estimate and never lies.
	rooms, err := avail.FindAvailableRooms(ctx, "rt1", s)
	if err != nil || len(rooms) != 1 || rooms[0].Label != "102" {
		t.Fatalf("rooms = %v err = %v", rooms, err)
	}
}
