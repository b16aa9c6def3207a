package domain

import (
	"fmt"
	"time"
)

type EventKind string

const (
	KindPropertyData EventKind = "property_data"
	KindRate         EventKind = "rate"
	KindInventory    EventKind = "inventory"
	KindAvailability EventKind = "availability"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEvent is one pending ARI delta. Events with equal DedupeKey coalesce
// while unsent: the newer payload replaces the older one instead of queueing
// a duplicate send.
type OutboxEvent struct {
	ID            int64
	PropertyID    string
	RoomTypeID    string
	RatePlanID    string
	Stay          StayRange
	Kind          EventKind
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// DedupeKey identifies a pending change: a newer write to the same key
// supersedes the older unsent event.
func (e OutboxEvent) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", e.PropertyID, e.RoomTypeID, e.RatePlanID, e.Stay, e.Kind)
}

// ChannelState is the per-(property, kind) publisher bookkeeping row: used by
// the error dashboard and to skip re-sending identical content on full-sync.
type ChannelState struct {
	PropertyID      string
	Kind            EventKind
	LastSuccessAt   *time.Time
	LastError       string
	LastPayloadHash string
}

type DeliveryStatus string

const (
	DeliveryOK     DeliveryStatus = "ok"
	DeliveryRetry  DeliveryStatus = "retry"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord persists one outbound publish attempt (or inbound webhook)
// for replay and diagnostics.
type DeliveryRecord struct {
	ID            int64
	CorrelationID string
	Direction     string // "outbound" | "inbound"
	Payload       []byte
	Response      []byte
	Status        DeliveryStatus
	At            time.Time
}

type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
)

// PaymentEvent records one processed payment webhook. The unique idempotency
// key makes replayed webhooks read the prior outcome instead of transitioning
// twice.
type PaymentEvent struct {
	IdempotencyKey string
	ReservationID  string
	Outcome        PaymentOutcome
	RecordedAt     time.Time
}
