package domain

import (
	"context"
	"time"
)

// InventoryRepository is the allocation engine's storage port. All mutating
// calls must happen inside WithTx; the locking reads keep the row locks until
// that transaction commits, which is what serializes concurrent allocation
// attempts on the same rooms.
type InventoryRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// LockAvailableRooms returns active rooms of the type with no overlapping
	// active allocation for the stay, ordered by label, locked FOR UPDATE.
	LockAvailableRooms(ctx context.Context, roomTypeID string, stay StayRange) ([]Room, error)
	// LockRoom locks one specific room row FOR UPDATE.
	LockRoom(ctx context.Context, roomID string) (Room, error)
	// HasOverlap reports whether the room already carries an active
	// allocation overlapping the stay.
	HasOverlap(ctx context.Context, roomID string, stay StayRange) (bool, error)
	InsertAllocation(ctx context.Context, a RoomAllocation) error
	GetAllocation(ctx context.Context, allocationID string) (RoomAllocation, error)
	// ReleaseAllocation voids one allocation row explicitly (room moves).
	// Whole-reservation releases happen implicitly via the parent status.
	ReleaseAllocation(ctx context.Context, allocationID string) error
	// ReleaseReservationAllocations voids every allocation row under the
	// reservation. Used before re-allocating an expired reservation so the
	// stale rows cannot come back to life with the new status.
	ReleaseReservationAllocations(ctx context.Context, reservationID string) error

	// FindAvailableRooms is the non-locking read used at search time.
	FindAvailableRooms(ctx context.Context, roomTypeID string, stay StayRange) ([]Room, error)
}

// ReservationRepository persists reservations, lines and payment events.
type ReservationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	InsertReservation(ctx context.Context, r Reservation) error
	InsertLine(ctx context.Context, l ReservationLine) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// GetReservationForUpdate locks the reservation row for the transaction.
	GetReservationForUpdate(ctx context.Context, id string) (Reservation, error)
	// UpdateStatus moves id from -> to and returns ErrInvalidTransition if
	// the row is no longer in from (compare-and-swap).
	UpdateStatus(ctx context.Context, id string, from, to ReservationStatus, holdExpiresAt *time.Time, note string) error
	// ExpireHold is the sweeper's compare-and-swap: the row moves to expired
	// only if it is still a hold whose TTL elapsed. Returns false when a
	// concurrent confirm/cancel/sweeper got there first.
	ExpireHold(ctx context.Context, id string, now time.Time) (bool, error)
	// ListExpiredHoldIDs returns ids of holds whose TTL elapsed before now.
	ListExpiredHoldIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	FindPaymentEvent(ctx context.Context, idempotencyKey string) (*PaymentEvent, error)
	InsertPaymentEvent(ctx context.Context, e PaymentEvent) error
}

// RateRepository persists properties, room types, rate plans and nightly
// rates, and serves the reads the pricing resolver needs.
type RateRepository interface {
	GetProperty(ctx context.Context, id string) (Property, error)
	GetRoomType(ctx context.Context, id string) (RoomType, error)
	GetRatePlan(ctx context.Context, id string) (RatePlan, error)
	// UpsertRatePlan enforces derivation depth 1: a derived plan whose base
	// is itself derived is rejected with ErrDerivedBase.
	UpsertRatePlan(ctx context.Context, p RatePlan) error
	UpsertNightlyRates(ctx context.Context, rates []NightlyRate) error
	// UpsertPlanOffering records that a plan is sold for a room type. Quotes
	// against room types with no active offering fail with ErrNotFound.
	UpsertPlanOffering(ctx context.Context, link RoomTypeRatePlan) error
	PlanOffered(ctx context.Context, roomTypeID, ratePlanID string) (bool, error)
	// GetNightlyRates returns stored amounts keyed by UTC-midnight date for
	// the plan; missing nights are simply absent from the map.
	GetNightlyRates(ctx context.Context, propertyID, roomTypeID, ratePlanID string, stay StayRange, occupancy int) (map[time.Time]int64, error)
}

// OutboxRepository is the durable event queue between inventory writers and
// the ARI publisher.
type OutboxRepository interface {
	// Emit appends events, coalescing on dedupe key: a pending event with the
	// same key is overwritten with the newer payload. Must be called inside
	// the writer's transaction so the event commits with the state change.
	Emit(ctx context.Context, events ...OutboxEvent) error
	ListPending(ctx context.Context, now time.Time, limit int) ([]OutboxEvent, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id int64, lastErr string) error

	GetChannelState(ctx context.Context, propertyID string, kind EventKind) (ChannelState, error)
	UpsertChannelState(ctx context.Context, s ChannelState) error
	InsertDelivery(ctx context.Context, rec DeliveryRecord) error
}

// Cache is a non-authoritative key-value store with TTLs, used for quote
// locks and search-time availability estimates. Never consulted for
// allocation decisions.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// ChannelItem is one keyed delta inside a publish batch. Key matches the
// outbox dedupe key so channel-reported errors map back to events.
type ChannelItem struct {
	Key     string    `json:"key"`
	Kind    EventKind `json:"kind"`
	Payload []byte    `json:"payload"`
}

type ChannelBatch struct {
	PropertyID string        `json:"property_id"`
	Items      []ChannelItem `json:"items"`
}

// ItemError is a channel-reported per-item rejection.
type ItemError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type ChannelResult struct {
	ItemErrors []ItemError
	Raw        []byte // response body, persisted for diagnostics
}

// ChannelClient delivers one batch to the external advertising channel.
// Transport failures and channel-side throttling come back as transient
// *IntegrationError; validation rejections as permanent ones.
type ChannelClient interface {
	Publish(ctx context.Context, batch ChannelBatch) (ChannelResult, error)
}
