package domain

import "time"

type ReservationStatus string

const (
	StatusHold       ReservationStatus = "hold"
	StatusConfirmed  ReservationStatus = "confirmed"
	StatusCancelled  ReservationStatus = "cancelled"
	StatusExpired    ReservationStatus = "expired"
	StatusCheckedIn  ReservationStatus = "checked_in"
	StatusCheckedOut ReservationStatus = "checked_out"
)

// HoldTTL is how long a hold keeps inventory before the sweeper releases it.
const HoldTTL = 10 * time.Minute

// legalTransitions is the full reservation state machine. Anything absent
// here fails with ErrInvalidTransition.
var legalTransitions = map[ReservationStatus][]ReservationStatus{
	StatusHold:      {StatusConfirmed, StatusCancelled, StatusExpired},
	StatusConfirmed: {StatusCancelled, StatusCheckedIn},
	StatusCheckedIn: {StatusCheckedOut},
	// expired -> confirmed is handled specially: a late payment re-runs the
	// availability check and allocates fresh rooms, it never resurrects the
	// old allocation rows.
	StatusExpired: {StatusConfirmed},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to ReservationStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// OccupiesInventory reports whether allocations under a reservation in this
// status count against the no-overlap invariant. Cancelled and expired
// reservations' allocations are logically void.
func (s ReservationStatus) OccupiesInventory() bool {
	switch s {
	case StatusHold, StatusConfirmed, StatusCheckedIn, StatusCheckedOut:
		return true
	}
	return false
}

type Guest struct {
	Name  string
	Email string
	Phone string
}

type Reservation struct {
	ID         string
	PropertyID string
	Guest      Guest
	Stay       StayRange
	Status     ReservationStatus
	// HoldExpiresAt is set only while Status == hold.
	HoldExpiresAt *time.Time
	// ReconciliationNote flags reservations needing manual attention, e.g.
	// "paid_but_unconfirmed" when a late payment found no inventory left.
	ReconciliationNote string
	Lines              []ReservationLine
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReservationLine is one (room type, rate plan, quantity) unit of a booking
// together with the immutable pricing snapshot taken at creation time. The
// guest is charged what was quoted, regardless of later rate edits.
type ReservationLine struct {
	ID            string
	ReservationID string
	RoomTypeID    string
	RatePlanID    string
	Quantity      int
	Occupancy     int
	// Snapshot fields, frozen at hold/confirm creation.
	NightlyMinor  []int64 // per night, in emission order of Stay.Dates()
	SubtotalMinor int64
	TotalMinor    int64
	Currency      string
}

// RoomAllocation pins one physical room to one reservation line. Its date
// range is inherited from the parent reservation; whether it occupies
// inventory follows the parent status.
type RoomAllocation struct {
	ID                string
	ReservationLineID string
	ReservationID     string
	RoomID            string
	// Released marks an individually voided allocation (room move). Parent
	// status cancelled/expired voids allocations without touching this flag.
	Released  bool
	CreatedAt time.Time
}
