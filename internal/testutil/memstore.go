// Package testutil provides in-memory implementations of the storage ports
// for unit tests. MemStore serializes transactions with one mutex, which is
// a coarse but faithful stand-in for the row locks the MySQL repo takes:
// concurrent WithTx bodies never interleave.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"staycore/internal/domain"
)

type txMarker struct{}

type MemStore struct {
	mu sync.Mutex

	Properties map[string]domain.Property
	RoomTypes  map[string]domain.RoomType
	Rooms      map[string]domain.Room
	RatePlans  map[string]domain.RatePlan
	// Offerings keyed by roomType|plan.
	Offerings map[string]domain.RoomTypeRatePlan
	// Nightly rates keyed by property|roomType|plan|date|occupancy.
	Rates map[string]int64

	Reservations map[string]domain.Reservation
	Allocations  []domain.RoomAllocation
	Payments     map[string]domain.PaymentEvent

	Events     []domain.OutboxEvent
	nextEvent  int64
	States     map[string]domain.ChannelState
	Deliveries []domain.DeliveryRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		Properties:   map[string]domain.Property{},
		RoomTypes:    map[string]domain.RoomType{},
		Rooms:        map[string]domain.Room{},
		RatePlans:    map[string]domain.RatePlan{},
		Offerings:    map[string]domain.RoomTypeRatePlan{},
		Rates:        map[string]int64{},
		Reservations: map[string]domain.Reservation{},
		Payments:     map[string]domain.PaymentEvent{},
		States:       map[string]domain.ChannelState{},
	}
}

func rateKey(property, roomType, plan string, date time.Time, occ int) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", property, roomType, plan, date.Format("2006-01-02"), occ)
}

// SetNightlyRate is a test seeding helper.
func (m *MemStore) SetNightlyRate(r domain.NightlyRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rates[rateKey(r.PropertyID, r.RoomTypeID, r.RatePlanID, r.Date, r.Occupancy)] = r.AmountMinor
}

// OfferPlan is a test seeding helper: list the plan for the room type.
func (m *MemStore) OfferPlan(roomTypeID, ratePlanID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Offerings[roomTypeID+"|"+ratePlanID] = domain.RoomTypeRatePlan{
		RoomTypeID: roomTypeID, RatePlanID: ratePlanID, Active: true,
	}
}

func (m *MemStore) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txMarker{}).(bool)
	return v
}

func (m *MemStore) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx serializes the whole body under the store mutex and rolls back the
// mutable state on error.
func (m *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	reservations map[string]domain.Reservation
	allocations  []domain.RoomAllocation
	payments     map[string]domain.PaymentEvent
	events       []domain.OutboxEvent
	nextEvent    int64
	states       map[string]domain.ChannelState
	rates        map[string]int64
	plans        map[string]domain.RatePlan
	offerings    map[string]domain.RoomTypeRatePlan
}

func (m *MemStore) snapshot() memSnapshot {
	s := memSnapshot{
		reservations: make(map[string]domain.Reservation, len(m.Reservations)),
		allocations:  append([]domain.RoomAllocation(nil), m.Allocations...),
		payments:     make(map[string]domain.PaymentEvent, len(m.Payments)),
		events:       append([]domain.OutboxEvent(nil), m.Events...),
		nextEvent:    m.nextEvent,
		states:       make(map[string]domain.ChannelState, len(m.States)),
		rates:        make(map[string]int64, len(m.Rates)),
		plans:        make(map[string]domain.RatePlan, len(m.RatePlans)),
		offerings:    make(map[string]domain.RoomTypeRatePlan, len(m.Offerings)),
	}
	for k, v := range m.Reservations {
		v.Lines = append([]domain.ReservationLine(nil), v.Lines...)
		s.reservations[k] = v
	}
	for k, v := range m.Payments {
		s.payments[k] = v
	}
	for k, v := range m.States {
		s.states[k] = v
	}
	for k, v := range m.Rates {
		s.rates[k] = v
	}
	for k, v := range m.RatePlans {
		s.plans[k] = v
	}
	for k, v := range m.Offerings {
		s.offerings[k] = v
	}
	return s
}

func (m *MemStore) restore(s memSnapshot) {
	m.Reservations = s.reservations
	m.Allocations = s.allocations
	m.Payments = s.payments
	m.Events = s.events
	m.nextEvent = s.nextEvent
	m.States = s.states
	m.Rates = s.rates
	m.RatePlans = s.plans
	m.Offerings = s.offerings
}

// ---- InventoryRepository ----

func (m *MemStore) roomBusy(roomID string, stay domain.StayRange) bool {
	for _, a := range m.Allocations {
		if a.RoomID != roomID || a.Released {
			continue
		}
		parent, ok := m.Reservations[a.ReservationID]
		if !ok || !parent.Status.OccupiesInventory() {
			continue
		}
		if parent.Stay.Overlaps(stay) {
			return true
		}
	}
	return false
}

func (m *MemStore) availableRooms(roomTypeID string, stay domain.StayRange) []domain.Room {
	var out []domain.Room
	for _, r := range m.Rooms {
		if r.RoomTypeID != roomTypeID || r.Status != domain.RoomActive {
			continue
		}
		if !m.roomBusy(r.ID, stay) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (m *MemStore) LockAvailableRooms(ctx context.Context, roomTypeID string, stay domain.StayRange) ([]domain.Room, error) {
	defer m.lock(ctx)()
	return m.availableRooms(roomTypeID, stay), nil
}

func (m *MemStore) FindAvailableRooms(ctx context.Context, roomTypeID string, stay domain.StayRange) ([]domain.Room, error) {
	defer m.lock(ctx)()
	return m.availableRooms(roomTypeID, stay), nil
}

func (m *MemStore) LockRoom(ctx context.Context, roomID string) (domain.Room, error) {
	defer m.lock(ctx)()
	r, ok := m.Rooms[roomID]
	if !ok {
		return domain.Room{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *MemStore) HasOverlap(ctx context.Context, roomID string, stay domain.StayRange) (bool, error) {
	defer m.lock(ctx)()
	return m.roomBusy(roomID, stay), nil
}

func (m *MemStore) InsertAllocation(ctx context.Context, a domain.RoomAllocation) error {
	defer m.lock(ctx)()
	m.Allocations = append(m.Allocations, a)
	return nil
}

func (m *MemStore) GetAllocation(ctx context.Context, allocationID string) (domain.RoomAllocation, error) {
	defer m.lock(ctx)()
	for _, a := range m.Allocations {
		if a.ID == allocationID {
			return a, nil
		}
	}
	return domain.RoomAllocation{}, domain.ErrNotFound
}

func (m *MemStore) ReleaseAllocation(ctx context.Context, allocationID string) error {
	defer m.lock(ctx)()
	for i := range m.Allocations {
		if m.Allocations[i].ID == allocationID {
			m.Allocations[i].Released = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MemStore) ReleaseReservationAllocations(ctx context.Context, reservationID string) error {
	defer m.lock(ctx)()
	for i := range m.Allocations {
		if m.Allocations[i].ReservationID == reservationID {
			m.Allocations[i].Released = true
		}
	}
	return nil
}

// ---- ReservationRepository ----

func (m *MemStore) InsertReservation(ctx context.Context, r domain.Reservation) error {
	defer m.lock(ctx)()
	r.Lines = append([]domain.ReservationLine(nil), r.Lines...)
	m.Reservations[r.ID] = r
	return nil
}

func (m *MemStore) InsertLine(ctx context.Context, l domain.ReservationLine) error {
	defer m.lock(ctx)()
	r, ok := m.Reservations[l.ReservationID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Lines = append(r.Lines, l)
	m.Reservations[l.ReservationID] = r
	return nil
}

func (m *MemStore) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	defer m.lock(ctx)()
	r, ok := m.Reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	r.Lines = append([]domain.ReservationLine(nil), r.Lines...)
	return r, nil
}

func (m *MemStore) GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	return m.GetReservation(ctx, id)
}

func (m *MemStore) UpdateStatus(ctx context.Context, id string, from, to domain.ReservationStatus, holdExpiresAt *time.Time, note string) error {
	defer m.lock(ctx)()
	r, ok := m.Reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != from {
		return fmt.Errorf("reservation %s not in %s: %w", id, from, domain.ErrInvalidTransition)
	}
	r.Status = to
	r.HoldExpiresAt = holdExpiresAt
	if note != "" {
		r.ReconciliationNote = note
	}
	m.Reservations[id] = r
	return nil
}

func (m *MemStore) ExpireHold(ctx context.Context, id string, now time.Time) (bool, error) {
	defer m.lock(ctx)()
	r, ok := m.Reservations[id]
	if !ok || r.Status != domain.StatusHold || r.HoldExpiresAt == nil || r.HoldExpiresAt.After(now) {
		return false, nil
	}
	r.Status = domain.StatusExpired
	r.HoldExpiresAt = nil
	m.Reservations[id] = r
	return true, nil
}

func (m *MemStore) ListExpiredHoldIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	defer m.lock(ctx)()
	var ids []string
	for id, r := range m.Reservations {
		if r.Status == domain.StatusHold && r.HoldExpiresAt != nil && r.HoldExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemStore) FindPaymentEvent(ctx context.Context, key string) (*domain.PaymentEvent, error) {
	defer m.lock(ctx)()
	e, ok := m.Payments[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemStore) InsertPaymentEvent(ctx context.Context, e domain.PaymentEvent) error {
	defer m.lock(ctx)()
	m.Payments[e.IdempotencyKey] = e
	return nil
}

// ---- RateRepository ----

func (m *MemStore) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	defer m.lock(ctx)()
	p, ok := m.Properties[id]
	if !ok {
		return domain.Property{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *MemStore) GetRoomType(ctx context.Context, id string) (domain.RoomType, error) {
	defer m.lock(ctx)()
	rt, ok := m.RoomTypes[id]
	if !ok {
		return domain.RoomType{}, domain.ErrNotFound
	}
	return rt, nil
}

func (m *MemStore) GetRatePlan(ctx context.Context, id string) (domain.RatePlan, error) {
	defer m.lock(ctx)()
	p, ok := m.RatePlans[id]
	if !ok {
		return domain.RatePlan{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *MemStore) UpsertRatePlan(ctx context.Context, p domain.RatePlan) error {
	defer m.lock(ctx)()
	if p.PricingMode == domain.PricingDerivedFromBase {
		base, ok := m.RatePlans[p.BaseRatePlanID]
		if !ok {
			return domain.ErrNotFound
		}
		if base.PricingMode != domain.PricingExplicitTable {
			return domain.ErrDerivedBase
		}
	}
	m.RatePlans[p.ID] = p
	return nil
}

func (m *MemStore) UpsertPlanOffering(ctx context.Context, link domain.RoomTypeRatePlan) error {
	defer m.lock(ctx)()
	m.Offerings[link.RoomTypeID+"|"+link.RatePlanID] = link
	return nil
}

func (m *MemStore) PlanOffered(ctx context.Context, roomTypeID, ratePlanID string) (bool, error) {
	defer m.lock(ctx)()
	link, ok := m.Offerings[roomTypeID+"|"+ratePlanID]
	return ok && link.Active, nil
}

func (m *MemStore) UpsertNightlyRates(ctx context.Context, rates []domain.NightlyRate) error {
	defer m.lock(ctx)()
	for _, r := range rates {
		m.Rates[rateKey(r.PropertyID, r.RoomTypeID, r.RatePlanID, r.Date, r.Occupancy)] = r.AmountMinor
	}
	return nil
}

func (m *MemStore) GetNightlyRates(ctx context.Context, propertyID, roomTypeID, ratePlanID string, stay domain.StayRange, occupancy int) (map[time.Time]int64, error) {
	defer m.lock(ctx)()
	out := map[time.Time]int64{}
	for _, d := range stay.Dates() {
		if v, ok := m.Rates[rateKey(propertyID, roomTypeID, ratePlanID, d, occupancy)]; ok {
			out[d] = v
		}
	}
	return out, nil
}

// ---- OutboxRepository ----

func (m *MemStore) Emit(ctx context.Context, events ...domain.OutboxEvent) error {
	defer m.lock(ctx)()
	for _, e := range events {
		key := e.DedupeKey()
		coalesced := false
		for i := range m.Events {
			if m.Events[i].Status == domain.OutboxPending && m.Events[i].DedupeKey() == key {
				m.Events[i].Payload = e.Payload
				m.Events[i].Attempts = 0
				m.Events[i].NextAttemptAt = e.NextAttemptAt
				m.Events[i].LastError = ""
				coalesced = true
				break
			}
		}
		if coalesced {
			continue
		}
		m.nextEvent++
		e.ID = m.nextEvent
		e.Status = domain.OutboxPending
		m.Events = append(m.Events, e)
	}
	return nil
}

func (m *MemStore) ListPending(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	defer m.lock(ctx)()
	var out []domain.OutboxEvent
	for _, e := range m.Events {
		if e.Status == domain.OutboxPending && !e.NextAttemptAt.After(now) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) MarkSent(ctx context.Context, ids []int64) error {
	defer m.lock(ctx)()
	for _, id := range ids {
		for i := range m.Events {
			if m.Events[i].ID == id {
				m.Events[i].Status = domain.OutboxSent
			}
		}
	}
	return nil
}

func (m *MemStore) MarkRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr string) error {
	defer m.lock(ctx)()
	for i := range m.Events {
		if m.Events[i].ID == id {
			m.Events[i].Attempts = attempts
			m.Events[i].NextAttemptAt = nextAt
			m.Events[i].LastError = lastErr
		}
	}
	return nil
}

func (m *MemStore) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	defer m.lock(ctx)()
	for i := range m.Events {
		if m.Events[i].ID == id {
			m.Events[i].Status = domain.OutboxFailed
			m.Events[i].LastError = lastErr
		}
	}
	return nil
}

func (m *MemStore) GetChannelState(ctx context.Context, propertyID string, kind domain.EventKind) (domain.ChannelState, error) {
	defer m.lock(ctx)()
	s, ok := m.States[propertyID+"|"+string(kind)]
	if !ok {
		return domain.ChannelState{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *MemStore) UpsertChannelState(ctx context.Context, s domain.ChannelState) error {
	defer m.lock(ctx)()
	key := s.PropertyID + "|" + string(s.Kind)
	prev, ok := m.States[key]
	if ok {
		if s.LastSuccessAt == nil {
			s.LastSuccessAt = prev.LastSuccessAt
		}
		if s.LastPayloadHash == "" {
			s.LastPayloadHash = prev.LastPayloadHash
		}
	}
	m.States[key] = s
	return nil
}

func (m *MemStore) InsertDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	defer m.lock(ctx)()
	m.Deliveries = append(m.Deliveries, rec)
	return nil
}

// PendingEvents returns current pending outbox events (test assertions).
func (m *MemStore) PendingEvents() []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, e := range m.Events {
		if e.Status == domain.OutboxPending {
			out = append(out, e)
		}
	}
	return out
}

// MemCache is an in-memory domain.Cache. TTLs are recorded but only enforced
// via Expire, so tests control time.
type MemCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemCache() *MemCache { return &MemCache{items: map[string][]byte{}} }

func (c *MemCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *MemCache) Set(ctx context.Context, key string, v any, ttlSec int) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = b
	return nil
}

func (c *MemCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Expire drops a key as if its TTL elapsed.
func (c *MemCache) Expire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}
