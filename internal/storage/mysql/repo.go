package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"staycore/internal/domain"
)

// Repo implements every storage port over one MySQL pool. The relational
// store is the single source of truth: availability decisions are never made
// from anything else at allocation time.
type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// ---- InventoryRepository ----

func (r *Repo) LockAvailableRooms(ctx context.Context, roomTypeID string, stay domain.StayRange) ([]domain.Room, error) {
	return r.queryRooms(ctx, lockAvailableRoomsSQL, roomTypeID, stay.Checkout, stay.Checkin)
}

func (r *Repo) FindAvailableRooms(ctx context.Context, roomTypeID string, stay domain.StayRange) ([]domain.Room, error) {
	return r.queryRooms(ctx, availableRoomsSQL, roomTypeID, stay.Checkout, stay.Checkin)
}

func (r *Repo) queryRooms(ctx context.Context, query string, args ...any) ([]domain.Room, error) {
	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []domain.Room
	for rows.Next() {
		var rm domain.Room
		if err := rows.Scan(&rm.ID, &rm.PropertyID, &rm.RoomTypeID, &rm.Label, &rm.Status); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r *Repo) LockRoom(ctx context.Context, roomID string) (domain.Room, error) {
	var rm domain.Room
	err := r.q(ctx).QueryRowContext(ctx, lockRoomSQL, roomID).
		Scan(&rm.ID, &rm.PropertyID, &rm.RoomTypeID, &rm.Label, &rm.Status)
	if err == sql.ErrNoRows {
		return domain.Room{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("lock room: %w", err)
	}
	return rm, nil
}

func (r *Repo) HasOverlap(ctx context.Context, roomID string, stay domain.StayRange) (bool, error) {
	var n int
	if err := r.q(ctx).QueryRowContext(ctx, hasOverlapSQL, roomID, stay.Checkout, stay.Checkin).Scan(&n); err != nil {
		return false, fmt.Errorf("overlap check: %w", err)
	}
	return n > 0, nil
}

func (r *Repo) InsertAllocation(ctx context.Context, a domain.RoomAllocation) error {
	_, err := r.q(ctx).ExecContext(ctx, insertAllocationSQL, a.ID, a.ReservationLineID, a.ReservationID, a.RoomID)
	return err
}

func (r *Repo) GetAllocation(ctx context.Context, allocationID string) (domain.RoomAllocation, error) {
	var a domain.RoomAllocation
	err := r.q(ctx).QueryRowContext(ctx, getAllocationSQL, allocationID).
		Scan(&a.ID, &a.ReservationLineID, &a.ReservationID, &a.RoomID, &a.Released)
	if err == sql.ErrNoRows {
		return domain.RoomAllocation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RoomAllocation{}, err
	}
	return a, nil
}

func (r *Repo) ReleaseAllocation(ctx context.Context, allocationID string) error {
	res, err := r.q(ctx).ExecContext(ctx, releaseAllocationSQL, allocationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repo) ReleaseReservationAllocations(ctx context.Context, reservationID string) error {
	_, err := r.q(ctx).ExecContext(ctx, releaseReservationAllocationsSQL, reservationID)
	return err
}

// ---- ReservationRepository ----

func (r *Repo) InsertReservation(ctx context.Context, rv domain.Reservation) error {
	_, err := r.q(ctx).ExecContext(ctx, insertReservationSQL,
		rv.ID, rv.PropertyID, rv.Guest.Name, rv.Guest.Email, rv.Guest.Phone,
		rv.Stay.Checkin, rv.Stay.Checkout, string(rv.Status),
		nullTime(rv.HoldExpiresAt), rv.ReconciliationNote,
		rv.CreatedAt, rv.UpdatedAt,
	)
	return err
}

func (r *Repo) InsertLine(ctx context.Context, l domain.ReservationLine) error {
	nightly, _ := json.Marshal(l.NightlyMinor)
	_, err := r.q(ctx).ExecContext(ctx, insertLineSQL,
		l.ID, l.ReservationID, l.RoomTypeID, l.RatePlanID, l.Quantity, l.Occupancy,
		string(nightly), l.SubtotalMinor, l.TotalMinor, l.Currency,
	)
	return err
}

func (r *Repo) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return r.getReservation(ctx, getReservationSQL, id)
}

func (r *Repo) GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	return r.getReservation(ctx, getReservationForUpdateSQL, id)
}

func (r *Repo) getReservation(ctx context.Context, query, id string) (domain.Reservation, error) {
	var (
		rv       domain.Reservation
		status   string
		holdsExp sql.NullTime
		note     sql.NullString
	)
	err := r.q(ctx).QueryRowContext(ctx, query, id).Scan(
		&rv.ID, &rv.PropertyID, &rv.Guest.Name, &rv.Guest.Email, &rv.Guest.Phone,
		&rv.Stay.Checkin, &rv.Stay.Checkout, &status, &holdsExp, &note,
		&rv.CreatedAt, &rv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	rv.Status = domain.ReservationStatus(status)
	if holdsExp.Valid {
		t := holdsExp.Time
		rv.HoldExpiresAt = &t
	}
	rv.ReconciliationNote = note.String
	rv.Stay.Checkin = domain.Midnight(rv.Stay.Checkin)
	rv.Stay.Checkout = domain.Midnight(rv.Stay.Checkout)

	rows, err := r.q(ctx).QueryContext(ctx, getLinesSQL, id)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l       domain.ReservationLine
			nightly []byte
		)
		if err := rows.Scan(&l.ID, &l.ReservationID, &l.RoomTypeID, &l.RatePlanID,
			&l.Quantity, &l.Occupancy, &nightly, &l.SubtotalMinor, &l.TotalMinor, &l.Currency); err != nil {
			return domain.Reservation{}, err
		}
		_ = json.Unmarshal(nightly, &l.NightlyMinor)
		rv.Lines = append(rv.Lines, l)
	}
	return rv, rows.Err()
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to domain.ReservationStatus, holdExpiresAt *time.Time, note string) error {
	res, err := r.q(ctx).ExecContext(ctx, updateStatusSQL,
		string(to), nullTime(holdExpiresAt), note, note, id, string(from))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reservation %s not in %s: %w", id, from, domain.ErrInvalidTransition)
	}
	return nil
}

func (r *Repo) ExpireHold(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.q(ctx).ExecContext(ctx, expireHoldSQL, id, now)
	if err != nil {
		return false, fmt.Errorf("expire hold: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repo) ListExpiredHoldIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.q(ctx).QueryContext(ctx, listExpiredHoldsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repo) FindPaymentEvent(ctx context.Context, key string) (*domain.PaymentEvent, error) {
	var (
		e       domain.PaymentEvent
		outcome string
	)
	err := r.q(ctx).QueryRowContext(ctx, findPaymentEventSQL, key).
		Scan(&e.IdempotencyKey, &e.ReservationID, &outcome, &e.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment event: %w", err)
	}
	e.Outcome = domain.PaymentOutcome(outcome)
	return &e, nil
}

func (r *Repo) InsertPaymentEvent(ctx context.Context, e domain.PaymentEvent) error {
	_, err := r.q(ctx).ExecContext(ctx, insertPaymentEventSQL,
		e.IdempotencyKey, e.ReservationID, string(e.Outcome), e.RecordedAt)
	return err
}

// ---- RateRepository ----

func (r *Repo) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	var (
		p    domain.Property
		mode string
	)
	err := r.q(ctx).QueryRowContext(ctx, getPropertySQL, id).
		Scan(&p.ID, &p.Name, &p.Timezone, &p.Currency, &mode, &p.TaxRatePct, &p.Active)
	if err == sql.ErrNoRows {
		return domain.Property{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Property{}, fmt.Errorf("get property: %w", err)
	}
	p.PricingDisplayMode = domain.PricingDisplayMode(mode)
	return p, nil
}

func (r *Repo) GetRoomType(ctx context.Context, id string) (domain.RoomType, error) {
	var rt domain.RoomType
	err := r.q(ctx).QueryRowContext(ctx, getRoomTypeSQL, id).
		Scan(&rt.ID, &rt.PropertyID, &rt.Name, &rt.MaxOccupancy, &rt.Active)
	if err == sql.ErrNoRows {
		return domain.RoomType{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RoomType{}, fmt.Errorf("get room type: %w", err)
	}
	return rt, nil
}

func (r *Repo) GetRatePlan(ctx context.Context, id string) (domain.RatePlan, error) {
	var (
		p                    domain.RatePlan
		mode, vis            string
		baseID               sql.NullString
		modKind, modRounding sql.NullString
		modValue             sql.NullFloat64
		tiers, corps         []byte
		promo                sql.NullString
	)
	err := r.q(ctx).QueryRowContext(ctx, getRatePlanSQL, id).Scan(
		&p.ID, &p.PropertyID, &p.Name, &mode, &baseID,
		&modKind, &modValue, &modRounding,
		&vis, &p.Eligibility.RequireLogin, &tiers, &corps,
		&promo, &p.AllowLoyaltyDiscount, &p.PromoDiscountPct, &p.Active,
	)
	if err == sql.ErrNoRows {
		return domain.RatePlan{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RatePlan{}, fmt.Errorf("get rate plan: %w", err)
	}
	p.PricingMode = domain.PricingMode(mode)
	p.Visibility = domain.Visibility(vis)
	p.BaseRatePlanID = baseID.String
	p.Eligibility.PromoCode = promo.String
	_ = json.Unmarshal(tiers, &p.Eligibility.LoyaltyTiers)
	_ = json.Unmarshal(corps, &p.Eligibility.CorporateAccounts)
	if modKind.Valid {
		p.Modifier = &domain.RateModifier{
			Kind:     domain.ModifierKind(modKind.String),
			Value:    modValue.Float64,
			Rounding: domain.RoundingRule(modRounding.String),
		}
	}
	return p, nil
}

func (r *Repo) UpsertRatePlan(ctx context.Context, p domain.RatePlan) error {
	if p.PricingMode == domain.PricingDerivedFromBase {
		base, err := r.GetRatePlan(ctx, p.BaseRatePlanID)
		if err != nil {
			return fmt.Errorf("base plan %s: %w", p.BaseRatePlanID, err)
		}
		if base.PricingMode != domain.PricingExplicitTable {
			return domain.ErrDerivedBase
		}
	}
	tiers, _ := json.Marshal(p.Eligibility.LoyaltyTiers)
	corps, _ := json.Marshal(p.Eligibility.CorporateAccounts)
	var modKind, modRounding any
	var modValue any
	if p.Modifier != nil {
		modKind = string(p.Modifier.Kind)
		modValue = p.Modifier.Value
		modRounding = string(p.Modifier.Rounding)
	}
	_, err := r.q(ctx).ExecContext(ctx, upsertRatePlanSQL,
		p.ID, p.PropertyID, p.Name, string(p.PricingMode), nullStr(p.BaseRatePlanID),
		modKind, modValue, modRounding,
		string(p.Visibility), p.Eligibility.RequireLogin, string(tiers), string(corps),
		nullStr(p.Eligibility.PromoCode), p.AllowLoyaltyDiscount, p.PromoDiscountPct, p.Active,
	)
	return err
}

func (r *Repo) UpsertPlanOffering(ctx context.Context, link domain.RoomTypeRatePlan) error {
	_, err := r.q(ctx).ExecContext(ctx, upsertPlanOfferingSQL,
		link.RoomTypeID, link.RatePlanID, link.SortOrder, link.Active)
	return err
}

func (r *Repo) PlanOffered(ctx context.Context, roomTypeID, ratePlanID string) (bool, error) {
	var active bool
	err := r.q(ctx).QueryRowContext(ctx, planOfferedSQL, roomTypeID, ratePlanID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (r *Repo) UpsertNightlyRates(ctx context.Context, rates []domain.NightlyRate) error {
	if len(rates) == 0 {
		return nil
	}
	values := make([]string, 0, len(rates))
	args := make([]any, 0, len(rates)*6)
	for _, nr := range rates {
		values = append(values, "(?,?,?,?,?,?)")
		args = append(args, nr.PropertyID, nr.RoomTypeID, nr.RatePlanID, nr.Date, nr.Occupancy, nr.AmountMinor)
	}
	stmt := insertNightlyRatesPrefix + strings.Join(values, ",") + insertNightlyRatesOnDup
	_, err := r.q(ctx).ExecContext(ctx, stmt, args...)
	return err
}

func (r *Repo) GetNightlyRates(ctx context.Context, propertyID, roomTypeID, ratePlanID string, stay domain.StayRange, occupancy int) (map[time.Time]int64, error) {
	rows, err := r.q(ctx).QueryContext(ctx, getNightlyRatesSQL,
		propertyID, roomTypeID, ratePlanID, occupancy, stay.Checkin, stay.Checkout)
	if err != nil {
		return nil, fmt.Errorf("get nightly rates: %w", err)
	}
	defer rows.Close()
	out := make(map[time.Time]int64)
	for rows.Next() {
		var (
			d time.Time
			a int64
		)
		if err := rows.Scan(&d, &a); err != nil {
			return nil, err
		}
		out[domain.Midnight(d)] = a
	}
	return out, rows.Err()
}

// ---- OutboxRepository ----

func (r *Repo) Emit(ctx context.Context, events ...domain.OutboxEvent) error {
	for _, e := range events {
		_, err := r.q(ctx).ExecContext(ctx, emitOutboxSQL,
			e.DedupeKey(), e.PropertyID, nullStr(e.RoomTypeID), nullStr(e.RatePlanID),
			e.Stay.Checkin, e.Stay.Checkout, string(e.Kind), e.Payload,
			e.NextAttemptAt, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("emit outbox %s: %w", e.DedupeKey(), err)
		}
	}
	return nil
}

func (r *Repo) ListPending(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.q(ctx).QueryContext(ctx, listPendingOutboxSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxEvent
	for rows.Next() {
		var (
			e                    domain.OutboxEvent
			roomType, plan, kind sql.NullString
			status, lastErr      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PropertyID, &roomType, &plan,
			&e.Stay.Checkin, &e.Stay.Checkout, &kind, &e.Payload, &status,
			&e.Attempts, &e.NextAttemptAt, &lastErr, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RoomTypeID = roomType.String
		e.RatePlanID = plan.String
		e.Kind = domain.EventKind(kind.String)
		e.Status = domain.OutboxStatus(status.String)
		e.LastError = lastErr.String
		e.Stay.Checkin = domain.Midnight(e.Stay.Checkin)
		e.Stay.Checkout = domain.Midnight(e.Stay.Checkout)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repo) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// NULLing the dedupe_key frees it for the next delta on the same key.
	stmt := "UPDATE outbox_events SET status = 'sent', dedupe_key = NULL WHERE id IN (" + placeholders + ")"
	_, err := r.q(ctx).ExecContext(ctx, stmt, args...)
	return err
}

func (r *Repo) MarkRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr string) error {
	_, err := r.q(ctx).ExecContext(ctx, markRetryOutboxSQL, attempts, nextAt, lastErr, id)
	return err
}

func (r *Repo) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	_, err := r.q(ctx).ExecContext(ctx, markFailedOutboxSQL, lastErr, id)
	return err
}

func (r *Repo) GetChannelState(ctx context.Context, propertyID string, kind domain.EventKind) (domain.ChannelState, error) {
	var (
		s       domain.ChannelState
		k       string
		success sql.NullTime
		lastErr sql.NullString
		hash    sql.NullString
	)
	err := r.q(ctx).QueryRowContext(ctx, getChannelStateSQL, propertyID, string(kind)).
		Scan(&s.PropertyID, &k, &success, &lastErr, &hash)
	if err == sql.ErrNoRows {
		return domain.ChannelState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("get channel state: %w", err)
	}
	s.Kind = domain.EventKind(k)
	if success.Valid {
		t := success.Time
		s.LastSuccessAt = &t
	}
	s.LastError = lastErr.String
	s.LastPayloadHash = hash.String
	return s, nil
}

func (r *Repo) UpsertChannelState(ctx context.Context, s domain.ChannelState) error {
	_, err := r.q(ctx).ExecContext(ctx, upsertChannelStateSQL,
		s.PropertyID, string(s.Kind), nullTime(s.LastSuccessAt), s.LastError, s.LastPayloadHash)
	return err
}

func (r *Repo) InsertDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	_, err := r.q(ctx).ExecContext(ctx, insertDeliverySQL,
		rec.CorrelationID, rec.Direction, rec.Payload, rec.Response, string(rec.Status), rec.At)
	return err
}
