//go:build integration || !unit

package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"staycore/internal/domain"
	mysqlrepo "staycore/internal/storage/mysql"
)

func mustEnv(t *testing.T, k string) string {
	t.Helper()
	v := os.Getenv(k)
	if v == "" {
		t.Fatalf("%s not set; export it (e.g. MIGRATIONS_DIR=/path/to/migrations)", k)
	}
	return v
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := mustEnv(t, "MIGRATIONS_DIR")

	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		t.Fatalf("MIGRATIONS_DIR=%s is not a directory or missing", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)

	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO properties (id, name, timezone, currency, pricing_display_mode, tax_rate_pct, active)
		 VALUES ('prop1', 'Harbour House', 'Africa/Johannesburg', 'ZAR', 'tax_exclusive', 15, 1)`,
		`INSERT INTO room_types (id, property_id, name, max_occupancy, active)
		 VALUES ('rt1', 'prop1', 'Sea View Double', 2, 1),
		        ('rt2', 'prop1', 'Penthouse', 4, 1)`,
		`INSERT INTO rooms (id, property_id, room_type_id, label, status)
		 VALUES ('room-a', 'prop1', 'rt1', '101', 'active'),
		        ('room-b', 'prop1', 'rt1', '102', 'active'),
		        ('room-p', 'prop1', 'rt2', 'PH1', 'active')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestRepo_MySQL_ReservationLifecycle(t *testing.T) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest: %v", err)
	}

	runOpts := &dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=staycore",
		},
	}
	resource, err := pool.RunWithOptions(runOpts, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	hostPort := resource.GetPort("3306/tcp")
	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/staycore?parseTime=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC", hostPort)

	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	applyMigrations(t, db)
	seed(t, db)

	repo := mysqlrepo.New(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	marStay := domain.StayRange{Checkin: day(2026, 3, 10), Checkout: day(2026, 3, 12)}

	// ---- rate plans: upsert, derivation depth, read back ----

	base := domain.RatePlan{
		ID: "base", PropertyID: "prop1", Name: "Flexible",
		PricingMode: domain.PricingExplicitTable, Visibility: domain.VisibilityPublic, Active: true,
	}
	if err := repo.UpsertRatePlan(ctx, base); err != nil {
		t.Fatalf("upsert base plan: %v", err)
	}
	derived := domain.RatePlan{
		ID: "saver", PropertyID: "prop1", Name: "Saver",
		PricingMode: domain.PricingDerivedFromBase, BaseRatePlanID: "base",
		Modifier:    &domain.RateModifier{Kind: domain.ModifierPercent, Value: -10, Rounding: domain.RoundNearest},
		Visibility:  domain.VisibilityPrivate,
		Eligibility: domain.Eligibility{RequireLogin: true, LoyaltyTiers: []string{"gold"}},
		Active:      true,
	}
	if err := repo.UpsertRatePlan(ctx, derived); err != nil {
		t.Fatalf("upsert derived plan: %v", err)
	}
	chained := derived
	chained.ID, chained.BaseRatePlanID = "chained", "saver"
	if err := repo.UpsertRatePlan(ctx, chained); !errors.Is(err, domain.ErrDerivedBase) {
		t.Fatalf("depth-2 err = %v, want ErrDerivedBase", err)
	}

	got, err := repo.GetRatePlan(ctx, "saver")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Modifier == nil || got.Modifier.Value != -10 || got.Modifier.Rounding != domain.RoundNearest {
		t.Fatalf("modifier round-trip: %+v", got.Modifier)
	}
	if !got.Eligibility.RequireLogin || len(got.Eligibility.LoyaltyTiers) != 1 {
		t.Fatalf("eligibility round-trip: %+v", got.Eligibility)
	}

	// ---- plan offerings ----

	if offered, err := repo.PlanOffered(ctx, "rt1", "base"); err != nil || offered {
		t.Fatalf("offered before link = %v err = %v, want false", offered, err)
	}
	link := domain.RoomTypeRatePlan{RoomTypeID: "rt1", RatePlanID: "base", SortOrder: 1, Active: true}
	if err := repo.UpsertPlanOffering(ctx, link); err != nil {
		t.Fatalf("upsert offering: %v", err)
	}
	if offered, err := repo.PlanOffered(ctx, "rt1", "base"); err != nil || !offered {
		t.Fatalf("offered = %v err = %v, want true", offered, err)
	}
	// Deactivating the link keeps the row but stops offering the plan.
	link.Active = false
	if err := repo.UpsertPlanOffering(ctx, link); err != nil {
		t.Fatalf("deactivate offering: %v", err)
	}
	if offered, err := repo.PlanOffered(ctx, "rt1", "base"); err != nil || offered {
		t.Fatalf("offered after deactivate = %v err = %v, want false", offered, err)
	}

	// ---- nightly rates ----

	rates := []domain.NightlyRate{
		{PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base", Date: day(2026, 3, 10), Occupancy: 2, AmountMinor: 100_000},
		{PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base", Date: day(2026, 3, 11), Occupancy: 2, AmountMinor: 110_000},
	}
	if err := repo.UpsertNightlyRates(ctx, rates); err != nil {
		t.Fatalf("upsert rates: %v", err)
	}
	stored, err := repo.GetNightlyRates(ctx, "prop1", "rt1", "base", marStay, 2)
	if err != nil {
		t.Fatalf("get rates: %v", err)
	}
	if stored[day(2026, 3, 10)] != 100_000 || stored[day(2026, 3, 11)] != 110_000 {
		t.Fatalf("rates round-trip: %v", stored)
	}

	// ---- reservation + allocation inside one transaction ----

	exp := now.Add(10 * time.Minute)
	err = repo.WithTx(ctx, func(txCtx context.Context) error {
		rv := domain.Reservation{
			ID: "res-1", PropertyID: "prop1",
			Guest: domain.Guest{Name: "Thandi M", Email: "thandi@example.com"},
			Stay:  marStay, Status: domain.StatusHold, HoldExpiresAt: &exp,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := repo.InsertReservation(txCtx, rv); err != nil {
			return err
		}
		line := domain.ReservationLine{
			ID: "line-1", ReservationID: "res-1", RoomTypeID: "rt1", RatePlanID: "base",
			Quantity: 1, Occupancy: 2, NightlyMinor: []int64{100_000, 110_000},
			SubtotalMinor: 210_000, TotalMinor: 241_500, Currency: "ZAR",
		}
		if err := repo.InsertLine(txCtx, line); err != nil {
			return err
		}
		rooms, err := repo.LockAvailableRooms(txCtx, "rt1", marStay)
		if err != nil {
			return err
		}
		if len(rooms) != 2 {
			return fmt.Errorf("available = %d, want 2", len(rooms))
		}
		return repo.InsertAllocation(txCtx, domain.RoomAllocation{
			ID: "alloc-1", ReservationLineID: "line-1", ReservationID: "res-1", RoomID: rooms[0].ID,
		})
	})
	if err != nil {
		t.Fatalf("create hold tx: %v", err)
	}

	free, err := repo.FindAvailableRooms(ctx, "rt1", marStay)
	if err != nil {
		t.Fatalf("find available: %v", err)
	}
	if len(free) != 1 || free[0].Label != "102" {
		t.Fatalf("free rooms = %+v, want only 102", free)
	}
	// Back-to-back stay does not collide with the hold.
	after := domain.StayRange{Checkin: day(2026, 3, 12), Checkout: day(2026, 3, 14)}
	if free, err = repo.FindAvailableRooms(ctx, "rt1", after); err != nil || len(free) != 2 {
		t.Fatalf("back-to-back free = %d err = %v, want 2", len(free), err)
	}

	alloc, err := repo.GetAllocation(ctx, "alloc-1")
	if err != nil {
		t.Fatalf("get allocation: %v", err)
	}
	if alloc.ReservationID != "res-1" || alloc.ReservationLineID != "line-1" || alloc.Released {
		t.Fatalf("allocation round-trip: %+v", alloc)
	}
	if _, err := repo.GetAllocation(ctx, "alloc-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing allocation err = %v, want ErrNotFound", err)
	}

	rv, err := repo.GetReservation(ctx, "res-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if rv.Status != domain.StatusHold || len(rv.Lines) != 1 || rv.Lines[0].TotalMinor != 241_500 {
		t.Fatalf("reservation round-trip: %+v", rv)
	}
	if len(rv.Lines[0].NightlyMinor) != 2 || rv.Lines[0].NightlyMinor[1] != 110_000 {
		t.Fatalf("nightly snapshot: %v", rv.Lines[0].NightlyMinor)
	}

	// ---- status compare-and-swap ----

	if err := repo.UpdateStatus(ctx, "res-1", domain.StatusHold, domain.StatusConfirmed, nil, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	err = repo.UpdateStatus(ctx, "res-1", domain.StatusHold, domain.StatusConfirmed, nil, "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("stale CAS err = %v, want ErrInvalidTransition", err)
	}
	if swapped, err := repo.ExpireHold(ctx, "res-1", now.Add(time.Hour)); err != nil || swapped {
		t.Fatalf("expire confirmed: swapped=%v err=%v", swapped, err)
	}

	// ---- concurrent allocators on a one-room type ----

	tryBook := func(resID string) error {
		return repo.WithTx(ctx, func(txCtx context.Context) error {
			rooms, err := repo.LockAvailableRooms(txCtx, "rt2", marStay)
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				return domain.ErrConflict
			}
			rv := domain.Reservation{
				ID: resID, PropertyID: "prop1", Stay: marStay,
				Status: domain.StatusConfirmed, CreatedAt: now, UpdatedAt: now,
			}
			if err := repo.InsertReservation(txCtx, rv); err != nil {
				return err
			}
			line := domain.ReservationLine{
				ID: resID + "-line", ReservationID: resID, RoomTypeID: "rt2", RatePlanID: "base",
				Quantity: 1, Occupancy: 2, NightlyMinor: []int64{500_000, 500_000},
				SubtotalMinor: 1_000_000, TotalMinor: 1_150_000, Currency: "ZAR",
			}
			if err := repo.InsertLine(txCtx, line); err != nil {
				return err
			}
			return repo.InsertAllocation(txCtx, domain.RoomAllocation{
				ID: resID + "-alloc", ReservationLineID: line.ID, ReservationID: resID, RoomID: rooms[0].ID,
			})
		})
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tryBook(fmt.Sprintf("res-race-%d", i))
		}()
	}
	wg.Wait()
	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected race err: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("ok=%d conflict=%d, want exactly one winner", ok, conflict)
	}

	// ---- outbox coalescing and channel state ----

	ev := domain.OutboxEvent{
		PropertyID: "prop1", RoomTypeID: "rt1", RatePlanID: "base",
		Stay: marStay, Kind: domain.KindAvailability,
		Payload: []byte(`{"v":1}`), Status: domain.OutboxPending,
		NextAttemptAt: now, CreatedAt: now,
	}
	if err := repo.Emit(ctx, ev); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ev.Payload = []byte(`{"v":2}`)
	if err := repo.Emit(ctx, ev); err != nil {
		t.Fatalf("re-emit: %v", err)
	}
	pending, err := repo.ListPending(ctx, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (coalesced)", len(pending))
	}
	if string(pending[0].Payload) != `{"v": 2}` && string(pending[0].Payload) != `{"v":2}` {
		t.Fatalf("payload = %s, want the newer write", pending[0].Payload)
	}

	if err := repo.MarkSent(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	// The dedupe key is free again: the next delta queues a fresh row.
	ev.Payload = []byte(`{"v":3}`)
	if err := repo.Emit(ctx, ev); err != nil {
		t.Fatalf("emit after sent: %v", err)
	}
	pending, err = repo.ListPending(ctx, now.Add(time.Second), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending after resend = %d err = %v, want 1", len(pending), err)
	}
	if err := repo.MarkRetry(ctx, pending[0].ID, 3, now.Add(time.Minute), "throttled"); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	// Pushed into the future: no longer due now.
	if due, err := repo.ListPending(ctx, now.Add(time.Second), 10); err != nil || len(due) != 0 {
		t.Fatalf("due after retry = %d err = %v, want 0", len(due), err)
	}

	sentAt := now
	if err := repo.UpsertChannelState(ctx, domain.ChannelState{
		PropertyID: "prop1", Kind: domain.KindAvailability,
		LastSuccessAt: &sentAt, LastPayloadHash: "abc123",
	}); err != nil {
		t.Fatalf("upsert state: %v", err)
	}
	// A later failure keeps the last success metadata.
	if err := repo.UpsertChannelState(ctx, domain.ChannelState{
		PropertyID: "prop1", Kind: domain.KindAvailability, LastError: "channel down",
	}); err != nil {
		t.Fatalf("upsert failed state: %v", err)
	}
	state, err := repo.GetChannelState(ctx, "prop1", domain.KindAvailability)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.LastError != "channel down" || state.LastPayloadHash != "abc123" || state.LastSuccessAt == nil {
		t.Fatalf("state merge: %+v", state)
	}

	// ---- payment event idempotency records ----

	pe := domain.PaymentEvent{IdempotencyKey: "pay-1", ReservationID: "res-1", Outcome: domain.PaymentSucceeded, RecordedAt: now}
	if err := repo.InsertPaymentEvent(ctx, pe); err != nil {
		t.Fatalf("insert payment event: %v", err)
	}
	found, err := repo.FindPaymentEvent(ctx, "pay-1")
	if err != nil || found == nil || found.Outcome != domain.PaymentSucceeded {
		t.Fatalf("find payment event: %+v err = %v", found, err)
	}
	if miss, err := repo.FindPaymentEvent(ctx, "never"); err != nil || miss != nil {
		t.Fatalf("phantom payment event: %+v err = %v", miss, err)
	}
}
