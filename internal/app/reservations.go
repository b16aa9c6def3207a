package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"staycore/internal/adapters/observability"
	"staycore/internal/clock"
	"staycore/internal/domain"
)

// ReconcileNotePaidUnconfirmed flags a reservation whose late payment found
// no inventory left; it is parked as cancelled for manual resolution.
const ReconcileNotePaidUnconfirmed = "paid_but_unconfirmed"

// ReservationService is the hold/confirm/cancel/expire state machine. Every
// transition that changes what inventory a reservation occupies runs in one
// transaction together with its allocations and its outbox batch.
type ReservationService struct {
	res     domain.ReservationRepository
	outbox  domain.OutboxRepository
	alloc   *AllocationEngine
	pricing *PricingService
	clk     clock.Clock
}

func NewReservationService(res domain.ReservationRepository, outbox domain.OutboxRepository, alloc *AllocationEngine, pricing *PricingService, clk clock.Clock) *ReservationService {
	return &ReservationService{res: res, outbox: outbox, alloc: alloc, pricing: pricing, clk: clk}
}

type LineInput struct {
	RoomTypeID string
	RatePlanID string
	Quantity   int
	Occupancy  int
	// QuoteToken replays a frozen quote instead of pricing fresh.
	QuoteToken string
}

type CreateHoldInput struct {
	PropertyID string
	Guest      domain.Guest
	Stay       domain.StayRange
	Lines      []LineInput
	GuestCtx   domain.GuestContext
}

// CreateHold prices every line, then atomically creates the reservation, its
// lines and their room allocations, with a 10 minute TTL. Either all lines
// allocate or the whole hold fails.
func (s *ReservationService) CreateHold(ctx context.Context, in CreateHoldInput) (domain.Reservation, error) {
	return s.create(ctx, in, domain.StatusHold)
}

// CreateConfirmed is the pay-on-arrival path: it skips the hold entirely and
// allocates + confirms in one transaction.
func (s *ReservationService) CreateConfirmed(ctx context.Context, in CreateHoldInput) (domain.Reservation, error) {
	return s.create(ctx, in, domain.StatusConfirmed)
}

func (s *ReservationService) create(ctx context.Context, in CreateHoldInput, status domain.ReservationStatus) (domain.Reservation, error) {
	if len(in.Lines) == 0 {
		return domain.Reservation{}, fmt.Errorf("%w: reservation needs at least one line", domain.ErrInvalidStayRange)
	}
	now := s.clk.Now()

	// Price outside the inventory transaction: quoting reads rate tables and
	// must not extend the allocation lock window.
	quotes := make([]domain.PriceQuote, len(in.Lines))
	for i, l := range in.Lines {
		q, err := s.quoteLine(ctx, in, l)
		if err != nil {
			return domain.Reservation{}, err
		}
		quotes[i] = q
	}

	r := domain.Reservation{
		ID:         uuid.NewString(),
		PropertyID: in.PropertyID,
		Guest:      in.Guest,
		Stay:       in.Stay,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if status == domain.StatusHold {
		exp := now.Add(domain.HoldTTL)
		r.HoldExpiresAt = &exp
	}

	err := s.res.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.res.InsertReservation(txCtx, r); err != nil {
			return err
		}
		for i, l := range in.Lines {
			q := quotes[i]
			line := domain.ReservationLine{
				ID:            uuid.NewString(),
				ReservationID: r.ID,
				RoomTypeID:    l.RoomTypeID,
				RatePlanID:    l.RatePlanID,
				Quantity:      l.Quantity,
				Occupancy:     l.Occupancy,
				NightlyMinor:  q.NightlyMinor,
				SubtotalMinor: q.SubtotalMinor * int64(l.Quantity),
				TotalMinor:    q.TotalMinor * int64(l.Quantity),
				Currency:      q.Currency,
			}
			if err := s.res.InsertLine(txCtx, line); err != nil {
				return err
			}
			if _, err := s.alloc.AllocateAny(txCtx, l.RoomTypeID, r.ID, line.ID, in.Stay, l.Quantity); err != nil {
				return err
			}
			r.Lines = append(r.Lines, line)
		}
		return s.outbox.Emit(txCtx, availabilityEvents(r, now)...)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			observability.ObserveAllocation("conflict")
		}
		return domain.Reservation{}, err
	}
	observability.ObserveAllocation("ok")
	observability.ObserveTransition("", string(status))
	log.Info().Str("reservation", r.ID).Str("property", r.PropertyID).
		Str("status", string(status)).Str("stay", r.Stay.String()).Msg("reservation created")
	return r, nil
}

func (s *ReservationService) quoteLine(ctx context.Context, in CreateHoldInput, l LineInput) (domain.PriceQuote, error) {
	if l.QuoteToken != "" {
		q, err := s.pricing.RedeemQuoteLock(ctx, l.QuoteToken)
		if err == nil {
			// A frozen price is only good for the exact product it was quoted
			// for: accepting it on any other line would let the caller buy one
			// room at another room's rate.
			if q.PropertyID != in.PropertyID || q.RoomTypeID != l.RoomTypeID ||
				q.RatePlanID != l.RatePlanID || q.Occupancy != l.Occupancy ||
				!q.Stay.Checkin.Equal(in.Stay.Checkin) || !q.Stay.Checkout.Equal(in.Stay.Checkout) {
				return domain.PriceQuote{}, fmt.Errorf("token for %s/%s %s occ %d on line %s/%s %s occ %d: %w",
					q.RoomTypeID, q.RatePlanID, q.Stay, q.Occupancy,
					l.RoomTypeID, l.RatePlanID, in.Stay, l.Occupancy, domain.ErrQuoteLockMismatch)
			}
			return q, nil
		}
		if !errors.Is(err, domain.ErrQuoteLockExpired) {
			return domain.PriceQuote{}, err
		}
		// Lock lapsed: fall through to a fresh quote at current rates.
	}
	return s.pricing.Quote(ctx, QuoteRequest{
		PropertyID: in.PropertyID,
		RoomTypeID: l.RoomTypeID,
		RatePlanID: l.RatePlanID,
		Stay:       in.Stay,
		Occupancy:  l.Occupancy,
		Guest:      in.GuestCtx,
	})
}

// Confirm moves a hold to confirmed. Idempotent: confirming an already
// confirmed reservation is a no-op success, because payment webhooks can be
// delivered more than once. A late confirm on an expired reservation re-runs
// the availability check and either re-allocates fresh rooms or parks the
// reservation as cancelled with a paid_but_unconfirmed note.
func (s *ReservationService) Confirm(ctx context.Context, id string) error {
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		return s.confirmLocked(txCtx, id)
	})
}

func (s *ReservationService) confirmLocked(ctx context.Context, id string) error {
	r, err := s.res.GetReservationForUpdate(ctx, id)
	if err != nil {
		return err
	}
	now := s.clk.Now()

	switch r.Status {
	case domain.StatusConfirmed:
		return nil // replayed webhook; one side effect already happened

	case domain.StatusHold:
		if err := s.res.UpdateStatus(ctx, id, domain.StatusHold, domain.StatusConfirmed, nil, ""); err != nil {
			return err
		}
		observability.ObserveTransition("hold", "confirmed")
		return s.outbox.Emit(ctx, availabilityEvents(r, now)...)

	case domain.StatusExpired:
		// Void the stale allocation rows first; flipping the status back to
		// confirmed must never resurrect them.
		if err := s.alloc.ReleaseAll(ctx, r.ID); err != nil {
			return err
		}
		for _, line := range r.Lines {
			if _, err := s.alloc.AllocateAny(ctx, line.RoomTypeID, r.ID, line.ID, r.Stay, line.Quantity); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					log.Warn().Str("reservation", id).Msg("late payment but inventory gone; parking for manual resolution")
					return s.res.UpdateStatus(ctx, id, domain.StatusExpired, domain.StatusCancelled, nil, ReconcileNotePaidUnconfirmed)
				}
				return err
			}
		}
		if err := s.res.UpdateStatus(ctx, id, domain.StatusExpired, domain.StatusConfirmed, nil, ""); err != nil {
			return err
		}
		observability.ObserveTransition("expired", "confirmed")
		return s.outbox.Emit(ctx, availabilityEvents(r, now)...)

	default:
		return fmt.Errorf("confirm from %s: %w", r.Status, domain.ErrInvalidTransition)
	}
}

// Cancel releases inventory from a hold or a confirmed reservation.
func (s *ReservationService) Cancel(ctx context.Context, id string) error {
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		r, err := s.res.GetReservationForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(r.Status, domain.StatusCancelled) {
			return fmt.Errorf("cancel from %s: %w", r.Status, domain.ErrInvalidTransition)
		}
		if err := s.res.UpdateStatus(txCtx, id, r.Status, domain.StatusCancelled, nil, ""); err != nil {
			return err
		}
		observability.ObserveTransition(string(r.Status), "cancelled")
		return s.outbox.Emit(txCtx, availabilityEvents(r, s.clk.Now())...)
	})
}

// Expire releases a hold whose TTL elapsed. The compare-and-swap update
// makes concurrent sweepers (or a racing confirm) safe: whoever loses the
// swap does nothing. Returns true when this call performed the transition.
func (s *ReservationService) Expire(ctx context.Context, id string) (bool, error) {
	var swapped bool
	err := s.res.WithTx(ctx, func(txCtx context.Context) error {
		ok, err := s.res.ExpireHold(txCtx, id, s.clk.Now())
		if err != nil || !ok {
			return err
		}
		swapped = true
		r, err := s.res.GetReservation(txCtx, id)
		if err != nil {
			return err
		}
		observability.ObserveTransition("hold", "expired")
		return s.outbox.Emit(txCtx, availabilityEvents(r, s.clk.Now())...)
	})
	return swapped, err
}

// ExpireDue is the sweeper entry point: every due hold is expired in its own
// transaction, so a crash mid-batch leaves the rest in hold for the next
// pass.
func (s *ReservationService) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.res.ListExpiredHoldIDs(ctx, s.clk.Now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		swapped, err := s.Expire(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("reservation", id).Msg("expire failed")
			continue
		}
		if swapped {
			observability.ObserveHoldExpired()
			n++
		}
	}
	return n, nil
}

// CheckIn and CheckOut do not change what inventory the reservation occupies,
// so they emit no outbox events.
func (s *ReservationService) CheckIn(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusCheckedIn)
}

func (s *ReservationService) CheckOut(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusCheckedOut)
}

func (s *ReservationService) transition(ctx context.Context, id string, to domain.ReservationStatus) error {
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		r, err := s.res.GetReservationForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(r.Status, to) {
			return fmt.Errorf("%s -> %s: %w", r.Status, to, domain.ErrInvalidTransition)
		}
		if err := s.res.UpdateStatus(txCtx, id, r.Status, to, nil, ""); err != nil {
			return err
		}
		observability.ObserveTransition(string(r.Status), string(to))
		return nil
	})
}

// OnPaymentOutcome applies a payment webhook. Replays with the same
// idempotency key succeed without repeating side effects, provided the
// recorded outcome matches the incoming one.
func (s *ReservationService) OnPaymentOutcome(ctx context.Context, reservationID string, outcome domain.PaymentOutcome, idempotencyKey string) error {
	if idempotencyKey == "" {
		return errors.New("idempotency key required")
	}
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		prior, err := s.res.FindPaymentEvent(txCtx, idempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.ReservationID == reservationID && prior.Outcome == outcome {
				return nil
			}
			return fmt.Errorf("idempotency key %s replayed with different intent: %w",
				idempotencyKey, domain.ErrInvalidTransition)
		}
		if err := s.res.InsertPaymentEvent(txCtx, domain.PaymentEvent{
			IdempotencyKey: idempotencyKey,
			ReservationID:  reservationID,
			Outcome:        outcome,
			RecordedAt:     s.clk.Now(),
		}); err != nil {
			return err
		}
		switch outcome {
		case domain.PaymentSucceeded:
			return s.confirmLocked(txCtx, reservationID)
		case domain.PaymentFailed:
			r, err := s.res.GetReservationForUpdate(txCtx, reservationID)
			if err != nil {
				return err
			}
			if r.Status != domain.StatusHold {
				return nil // nothing to unwind
			}
			if err := s.res.UpdateStatus(txCtx, reservationID, domain.StatusHold, domain.StatusCancelled, nil, ""); err != nil {
				return err
			}
			return s.outbox.Emit(txCtx, availabilityEvents(r, s.clk.Now())...)
		}
		return fmt.Errorf("unknown payment outcome %q", outcome)
	})
}

// MoveRoom reassigns one unit of a reservation to a different physical room
// of the same type, for ops use (maintenance, upgrades within type). Per-type
// availability is unchanged, so no outbox events are emitted.
func (s *ReservationService) MoveRoom(ctx context.Context, reservationID, allocationID, toRoomID string) error {
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		r, err := s.res.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !r.Status.OccupiesInventory() {
			return fmt.Errorf("move on %s reservation: %w", r.Status, domain.ErrInvalidTransition)
		}
		moved, err := s.alloc.Move(txCtx, reservationID, allocationID, toRoomID, r.Stay)
		if err != nil {
			return err
		}
		log.Info().Str("reservation", reservationID).Str("allocation", allocationID).
			Str("room", moved.RoomID).Msg("room moved")
		return nil
	})
}

// Get returns a reservation with its lines.
func (s *ReservationService) Get(ctx context.Context, id string) (domain.Reservation, error) {
	return s.res.GetReservation(ctx, id)
}

// availabilityEvents builds the one outbox batch an inventory-changing
// transition emits: one availability delta per (room type, rate plan, stay).
func availabilityEvents(r domain.Reservation, now time.Time) []domain.OutboxEvent {
	out := make([]domain.OutboxEvent, 0, len(r.Lines))
	for _, l := range r.Lines {
		payload, _ := json.Marshal(map[string]any{
			"property_id":  r.PropertyID,
			"room_type_id": l.RoomTypeID,
			"rate_plan_id": l.RatePlanID,
			"checkin":      r.Stay.Checkin.Format("2006-01-02"),
			"checkout":     r.Stay.Checkout.Format("2006-01-02"),
		})
		out = append(out, domain.OutboxEvent{
			PropertyID:    r.PropertyID,
			RoomTypeID:    l.RoomTypeID,
			RatePlanID:    l.RatePlanID,
			Stay:          r.Stay,
			Kind:          domain.KindAvailability,
			Payload:       payload,
			Status:        domain.OutboxPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
	return out
}
