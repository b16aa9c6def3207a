package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"staycore/internal/clock"
	"staycore/internal/domain"
)

// CatalogService owns rate plan and nightly rate writes. Every write emits
// the outbox deltas that keep the external channel in sync, in the same
// transaction pattern as the reservation transitions.
type CatalogService struct {
	rates  domain.RateRepository
	res    domain.ReservationRepository // transaction scope
	outbox domain.OutboxRepository
	clk    clock.Clock
}

func NewCatalogService(rates domain.RateRepository, res domain.ReservationRepository, outbox domain.OutboxRepository, clk clock.Clock) *CatalogService {
	return &CatalogService{rates: rates, res: res, outbox: outbox, clk: clk}
}

// SaveRatePlan validates derivation depth (a derived plan's base must itself
// be an explicit table) and persists the plan.
func (s *CatalogService) SaveRatePlan(ctx context.Context, p domain.RatePlan) error {
	if p.PricingMode == domain.PricingDerivedFromBase {
		if p.BaseRatePlanID == "" || p.Modifier == nil {
			return fmt.Errorf("derived plan %s needs a base and a modifier: %w", p.ID, domain.ErrDerivedBase)
		}
		base, err := s.rates.GetRatePlan(ctx, p.BaseRatePlanID)
		if err != nil {
			return fmt.Errorf("base plan %s: %w", p.BaseRatePlanID, err)
		}
		if base.PricingMode != domain.PricingExplicitTable {
			return fmt.Errorf("plan %s derives from derived plan %s: %w", p.ID, base.ID, domain.ErrDerivedBase)
		}
	}
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.rates.UpsertRatePlan(txCtx, p); err != nil {
			return err
		}
		return s.outbox.Emit(txCtx, s.rateEvent(p.PropertyID, "", p.ID))
	})
}

// OfferPlan lists a rate plan for sale on a room type. Quotes reject plans
// with no active offering for the requested type.
func (s *CatalogService) OfferPlan(ctx context.Context, roomTypeID, ratePlanID string) error {
	rt, err := s.rates.GetRoomType(ctx, roomTypeID)
	if err != nil {
		return fmt.Errorf("room type %s: %w", roomTypeID, err)
	}
	p, err := s.rates.GetRatePlan(ctx, ratePlanID)
	if err != nil {
		return fmt.Errorf("rate plan %s: %w", ratePlanID, err)
	}
	if rt.PropertyID != p.PropertyID {
		return fmt.Errorf("room type %s and plan %s are on different properties: %w",
			roomTypeID, ratePlanID, domain.ErrNotFound)
	}
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		link := domain.RoomTypeRatePlan{RoomTypeID: roomTypeID, RatePlanID: ratePlanID, Active: true}
		if err := s.rates.UpsertPlanOffering(txCtx, link); err != nil {
			return err
		}
		return s.outbox.Emit(txCtx, s.rateEvent(p.PropertyID, roomTypeID, ratePlanID))
	})
}

// SaveNightlyRates stores explicit nightly prices and emits one coalesced
// rate delta per (room type, plan) over the covered date span.
func (s *CatalogService) SaveNightlyRates(ctx context.Context, rates []domain.NightlyRate) error {
	if len(rates) == 0 {
		return nil
	}
	type span struct {
		property, roomType, plan string
		min, max                 time.Time
	}
	spans := map[string]*span{}
	for _, r := range rates {
		k := r.PropertyID + "|" + r.RoomTypeID + "|" + r.RatePlanID
		sp, ok := spans[k]
		if !ok {
			sp = &span{property: r.PropertyID, roomType: r.RoomTypeID, plan: r.RatePlanID, min: r.Date, max: r.Date}
			spans[k] = sp
		}
		if r.Date.Before(sp.min) {
			sp.min = r.Date
		}
		if r.Date.After(sp.max) {
			sp.max = r.Date
		}
	}
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.rates.UpsertNightlyRates(txCtx, rates); err != nil {
			return err
		}
		now := s.clk.Now()
		events := make([]domain.OutboxEvent, 0, len(spans))
		for _, sp := range spans {
			stay := domain.StayRange{Checkin: sp.min, Checkout: sp.max.AddDate(0, 0, 1)}
			payload, _ := json.Marshal(map[string]any{
				"property_id":  sp.property,
				"room_type_id": sp.roomType,
				"rate_plan_id": sp.plan,
				"checkin":      stay.Checkin.Format("2006-01-02"),
				"checkout":     stay.Checkout.Format("2006-01-02"),
			})
			events = append(events, domain.OutboxEvent{
				PropertyID:    sp.property,
				RoomTypeID:    sp.roomType,
				RatePlanID:    sp.plan,
				Stay:          stay,
				Kind:          domain.KindRate,
				Payload:       payload,
				Status:        domain.OutboxPending,
				NextAttemptAt: now,
				CreatedAt:     now,
			})
		}
		return s.outbox.Emit(txCtx, events...)
	})
}

// FullSync re-derives a property-level snapshot event. Coalescing on the
// dedupe key makes repeated full-syncs idempotent while unsent.
func (s *CatalogService) FullSync(ctx context.Context, propertyID string) error {
	prop, err := s.rates.GetProperty(ctx, propertyID)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{
		"property_id": prop.ID,
		"name":        prop.Name,
		"timezone":    prop.Timezone,
		"currency":    prop.Currency,
		"active":      prop.Active,
	})
	now := s.clk.Now()
	return s.res.WithTx(ctx, func(txCtx context.Context) error {
		return s.outbox.Emit(txCtx, domain.OutboxEvent{
			PropertyID:    prop.ID,
			Kind:          domain.KindPropertyData,
			Stay:          domain.StayRange{Checkin: domain.Midnight(now), Checkout: domain.Midnight(now).AddDate(0, 0, 1)},
			Payload:       payload,
			Status:        domain.OutboxPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
}

func (s *CatalogService) rateEvent(propertyID, roomTypeID, planID string) domain.OutboxEvent {
	now := s.clk.Now()
	payload, _ := json.Marshal(map[string]any{
		"property_id":  propertyID,
		"rate_plan_id": planID,
	})
	return domain.OutboxEvent{
		PropertyID:    propertyID,
		RoomTypeID:    roomTypeID,
		RatePlanID:    planID,
		Stay:          domain.StayRange{Checkin: domain.Midnight(now), Checkout: domain.Midnight(now).AddDate(0, 0, 1)},
		Kind:          domain.KindRate,
		Payload:       payload,
		Status:        domain.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}
