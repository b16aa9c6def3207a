package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"staycore/internal/domain"
)

// AllocationEngine is the transactional core of inventory: every assignment
// of a physical room to a reservation line goes through it. Callers invoke
// the mutating methods inside a repository transaction; the engine's locking
// reads then hold row locks until that transaction commits, so two
// overlapping attempts on the same room serialize and exactly one wins.
type AllocationEngine struct {
	inv domain.InventoryRepository
}

func NewAllocationEngine(inv domain.InventoryRepository) *AllocationEngine {
	return &AllocationEngine{inv: inv}
}

// Allocate pins one specific room. Fails with ErrConflict if the room is out
// of service or already carries an overlapping active allocation. Never
// retries a different room: the caller asked for this one.
func (e *AllocationEngine) Allocate(ctx context.Context, roomID, reservationID, lineID string, stay domain.StayRange) (domain.RoomAllocation, error) {
	room, err := e.inv.LockRoom(ctx, roomID)
	if err != nil {
		return domain.RoomAllocation{}, fmt.Errorf("lock room %s: %w", roomID, err)
	}
	if room.Status != domain.RoomActive {
		return domain.RoomAllocation{}, fmt.Errorf("room %s out of service: %w", roomID, domain.ErrConflict)
	}
	overlap, err := e.inv.HasOverlap(ctx, roomID, stay)
	if err != nil {
		return domain.RoomAllocation{}, err
	}
	if overlap {
		return domain.RoomAllocation{}, fmt.Errorf("room %s busy for %s: %w", roomID, stay, domain.ErrConflict)
	}
	a := domain.RoomAllocation{
		ID:                uuid.NewString(),
		ReservationLineID: lineID,
		ReservationID:     reservationID,
		RoomID:            roomID,
	}
	if err := e.inv.InsertAllocation(ctx, a); err != nil {
		return domain.RoomAllocation{}, err
	}
	return a, nil
}

// AllocateAny assigns quantity rooms of the type, picking deterministically
// (lowest label first) among available candidates. For quantity > 1 the
// units may land on different physical rooms. Fails atomically with
// ErrConflict when fewer than quantity rooms are free across the full range.
func (e *AllocationEngine) AllocateAny(ctx context.Context, roomTypeID, reservationID, lineID string, stay domain.StayRange, quantity int) ([]domain.RoomAllocation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", quantity, domain.ErrConflict)
	}
	rooms, err := e.inv.LockAvailableRooms(ctx, roomTypeID, stay)
	if err != nil {
		return nil, fmt.Errorf("lock available rooms of %s: %w", roomTypeID, err)
	}
	if len(rooms) < quantity {
		return nil, fmt.Errorf("room type %s has %d free for %s, need %d: %w",
			roomTypeID, len(rooms), stay, quantity, domain.ErrConflict)
	}
	out := make([]domain.RoomAllocation, 0, quantity)
	for _, room := range rooms[:quantity] {
		a := domain.RoomAllocation{
			ID:                uuid.NewString(),
			ReservationLineID: lineID,
			ReservationID:     reservationID,
			RoomID:            room.ID,
		}
		if err := e.inv.InsertAllocation(ctx, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Release voids a single allocation row. Releasing a whole reservation is
// done by the state machine via the parent status instead.
func (e *AllocationEngine) Release(ctx context.Context, allocationID string) error {
	return e.inv.ReleaseAllocation(ctx, allocationID)
}

// Move reassigns one allocation to a specific other room of the same type,
// inserting the replacement before voiding the original so the reservation
// never momentarily frees the dates. The same-type constraint keeps the
// line's pricing and the per-type availability counts valid.
func (e *AllocationEngine) Move(ctx context.Context, reservationID, allocationID, toRoomID string, stay domain.StayRange) (domain.RoomAllocation, error) {
	old, err := e.inv.GetAllocation(ctx, allocationID)
	if err != nil {
		return domain.RoomAllocation{}, err
	}
	if old.ReservationID != reservationID || old.Released {
		return domain.RoomAllocation{}, domain.ErrNotFound
	}
	from, err := e.inv.LockRoom(ctx, old.RoomID)
	if err != nil {
		return domain.RoomAllocation{}, err
	}
	to, err := e.inv.LockRoom(ctx, toRoomID)
	if err != nil {
		return domain.RoomAllocation{}, err
	}
	if to.RoomTypeID != from.RoomTypeID {
		return domain.RoomAllocation{}, fmt.Errorf("room %s is a different type than %s: %w",
			toRoomID, old.RoomID, domain.ErrConflict)
	}
	moved, err := e.Allocate(ctx, toRoomID, old.ReservationID, old.ReservationLineID, stay)
	if err != nil {
		return domain.RoomAllocation{}, err
	}
	if err := e.inv.ReleaseAllocation(ctx, old.ID); err != nil {
		return domain.RoomAllocation{}, err
	}
	return moved, nil
}

// ReleaseAll voids every allocation under the reservation. The state machine
// calls it before re-allocating an expired reservation: the stale rows must
// not become occupying again when the status flips back to confirmed.
func (e *AllocationEngine) ReleaseAll(ctx context.Context, reservationID string) error {
	return e.inv.ReleaseReservationAllocations(ctx, reservationID)
}

// FindAvailableRooms is the read-only variant used at search time: active
// rooms of the type with no overlapping active allocation, ordered by label.
func (e *AllocationEngine) FindAvailableRooms(ctx context.Context, roomTypeID string, stay domain.StayRange) ([]domain.Room, error) {
	return e.inv.FindAvailableRooms(ctx, roomTypeID, stay)
}
