package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"staycore/internal/app"
	"staycore/internal/clock"
	"staycore/internal/domain"
)

// Handlers is the thin inbound boundary over the core: holds, confirmation,
// cancellation, quoting, availability and the payment webhook. Everything
// else (auth, tenancy, CMS, admin) lives outside this module.
type Handlers struct {
	Res     *app.ReservationService
	Pricing *app.PricingService
	Avail   *app.AvailabilityService
	Outbox  domain.OutboxRepository
	Clk     clock.Clock
}

var validate = validator.New()

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	s.mux.Post("/v1/holds", h.createHold)
	s.mux.Post("/v1/reservations", h.createConfirmed)
	s.mux.Post("/v1/reservations/{id}/confirm", h.confirm)
	s.mux.Post("/v1/reservations/{id}/cancel", h.cancel)
	s.mux.Post("/v1/reservations/{id}/move", h.moveRoom)
	s.mux.Get("/v1/reservations/{id}", h.getReservation)
	s.mux.Post("/v1/quotes", h.quote)
	s.mux.Get("/v1/availability", h.availability)
	s.mux.Post("/v1/payments/webhook", h.paymentWebhook)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response failed")
	}
}

// writeDomainErr maps the error taxonomy onto HTTP. Integration errors never
// appear here: publishing is asynchronous.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", "no rooms available for the requested dates; try other dates or room types")
	case errors.Is(err, domain.ErrNotEligible):
		writeProblem(w, http.StatusForbidden, "Not Eligible", "this rate is not available to you")
	case errors.Is(err, domain.ErrNoRate):
		writeProblem(w, http.StatusUnprocessableEntity, "No Rate", "pricing is not configured for part of the requested stay")
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, domain.ErrQuoteLockMismatch):
		writeProblem(w, http.StatusUnprocessableEntity, "Quote Token Mismatch", "the quote token was issued for a different room type, rate plan, stay or occupancy")
	case errors.Is(err, domain.ErrInvalidStayRange):
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		// Race or programming error: log detail, surface a generic failure.
		log.Error().Err(err).Msg("invalid transition")
		writeProblem(w, http.StatusConflict, "Conflict", "the reservation cannot be changed in its current state")
	default:
		log.Error().Err(err).Msg("internal error")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

type guestPayload struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone"`
}

type guestCtxPayload struct {
	Authenticated      bool    `json:"authenticated"`
	LoyaltyTier        string  `json:"loyalty_tier"`
	LoyaltyDiscountPct float64 `json:"loyalty_discount_pct"`
	CorporateAccount   string  `json:"corporate_account"`
	PromoCode          string  `json:"promo_code"`
	Referral           bool    `json:"referral"`
}

func (g guestCtxPayload) toDomain() domain.GuestContext {
	return domain.GuestContext{
		Authenticated:      g.Authenticated,
		LoyaltyTier:        g.LoyaltyTier,
		LoyaltyDiscountPct: g.LoyaltyDiscountPct,
		CorporateAccount:   g.CorporateAccount,
		PromoCode:          g.PromoCode,
		Referral:           g.Referral,
	}
}

type linePayload struct {
	RoomTypeID string `json:"room_type_id" validate:"required"`
	RatePlanID string `json:"rate_plan_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"required,min=1,max=20"`
	Occupancy  int    `json:"occupancy" validate:"required,min=1,max=16"`
	QuoteToken string `json:"quote_token"`
}

type createHoldPayload struct {
	PropertyID string          `json:"property_id" validate:"required"`
	Checkin    string          `json:"checkin" validate:"required,datetime=2006-01-02"`
	Checkout   string          `json:"checkout" validate:"required,datetime=2006-01-02"`
	Guest      guestPayload    `json:"guest" validate:"required"`
	Lines      []linePayload   `json:"lines" validate:"required,min=1,dive"`
	GuestCtx   guestCtxPayload `json:"guest_context"`
}

func decodeValid(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

func (p createHoldPayload) toInput() (app.CreateHoldInput, error) {
	ci, _ := time.Parse("2006-01-02", p.Checkin)
	co, _ := time.Parse("2006-01-02", p.Checkout)
	stay, err := domain.NewStayRange(ci, co)
	if err != nil {
		return app.CreateHoldInput{}, err
	}
	in := app.CreateHoldInput{
		PropertyID: p.PropertyID,
		Guest:      domain.Guest{Name: p.Guest.Name, Email: p.Guest.Email, Phone: p.Guest.Phone},
		Stay:       stay,
		GuestCtx:   p.GuestCtx.toDomain(),
	}
	for _, l := range p.Lines {
		in.Lines = append(in.Lines, app.LineInput{
			RoomTypeID: l.RoomTypeID,
			RatePlanID: l.RatePlanID,
			Quantity:   l.Quantity,
			Occupancy:  l.Occupancy,
			QuoteToken: l.QuoteToken,
		})
	}
	return in, nil
}

type reservationResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	TotalMinor    int64      `json:"total_minor"`
	Currency      string     `json:"currency,omitempty"`
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	out := reservationResponse{ID: r.ID, Status: string(r.Status), HoldExpiresAt: r.HoldExpiresAt}
	for _, l := range r.Lines {
		out.TotalMinor += l.TotalMinor
		out.Currency = l.Currency
	}
	return out
}

func (h *Handlers) createHold(w http.ResponseWriter, r *http.Request) {
	h.createReservation(w, r, h.Res.CreateHold)
}

// createConfirmed is the pay-on-arrival path: no hold phase.
func (h *Handlers) createConfirmed(w http.ResponseWriter, r *http.Request) {
	h.createReservation(w, r, h.Res.CreateConfirmed)
}

func (h *Handlers) createReservation(w http.ResponseWriter, r *http.Request,
	create func(ctx context.Context, in app.CreateHoldInput) (domain.Reservation, error)) {
	var p createHoldPayload
	if err := decodeValid(r, &p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	in, err := p.toInput()
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	res, err := create(r.Context(), in)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

func (h *Handlers) quote(w http.ResponseWriter, r *http.Request) {
	var p struct {
		PropertyID string          `json:"property_id" validate:"required"`
		RoomTypeID string          `json:"room_type_id" validate:"required"`
		RatePlanID string          `json:"rate_plan_id" validate:"required"`
		Checkin    string          `json:"checkin" validate:"required,datetime=2006-01-02"`
		Checkout   string          `json:"checkout" validate:"required,datetime=2006-01-02"`
		Occupancy  int             `json:"occupancy" validate:"required,min=1,max=16"`
		GuestCtx   guestCtxPayload `json:"guest_context"`
	}
	if err := decodeValid(r, &p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	ci, _ := time.Parse("2006-01-02", p.Checkin)
	co, _ := time.Parse("2006-01-02", p.Checkout)
	stay, err := domain.NewStayRange(ci, co)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	q, err := h.Pricing.Quote(r.Context(), app.QuoteRequest{
		PropertyID: p.PropertyID,
		RoomTypeID: p.RoomTypeID,
		RatePlanID: p.RatePlanID,
		Stay:       stay,
		Occupancy:  p.Occupancy,
		Guest:      p.GuestCtx.toDomain(),
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handlers) confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.Res.Confirm(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Res.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// moveRoom reassigns one allocation to another room of the same type.
func (h *Handlers) moveRoom(w http.ResponseWriter, r *http.Request) {
	var p struct {
		AllocationID string `json:"allocation_id" validate:"required"`
		RoomID       string `json:"room_id" validate:"required"`
	}
	if err := decodeValid(r, &p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.Res.MoveRoom(r.Context(), chi.URLParam(r, "id"), p.AllocationID, p.RoomID); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (h *Handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Res.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handlers) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ci, err1 := time.Parse("2006-01-02", q.Get("checkin"))
	co, err2 := time.Parse("2006-01-02", q.Get("checkout"))
	roomType := q.Get("room_type_id")
	if err1 != nil || err2 != nil || roomType == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "room_type_id, checkin and checkout are required")
		return
	}
	stay, err := domain.NewStayRange(ci, co)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	n, err := h.Avail.CountAvailable(r.Context(), roomType, stay)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_type_id": roomType, "available": n})
}

// paymentWebhook applies a gateway outcome. The raw payload is persisted for
// replay before any state transition is attempted.
func (h *Handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ReservationID  string `json:"reservation_id" validate:"required"`
		Outcome        string `json:"outcome" validate:"required,oneof=succeeded failed"`
		IdempotencyKey string `json:"idempotency_key" validate:"required"`
	}
	if err := decodeValid(r, &p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	raw, _ := json.Marshal(p)
	rec := domain.DeliveryRecord{
		CorrelationID: chimw.GetReqID(r.Context()),
		Direction:     "inbound",
		Payload:       raw,
		Status:        domain.DeliveryOK,
		At:            h.Clk.Now(),
	}
	err := h.Res.OnPaymentOutcome(r.Context(), p.ReservationID, domain.PaymentOutcome(p.Outcome), p.IdempotencyKey)
	if err != nil {
		rec.Status = domain.DeliveryFailed
		rec.Response = []byte(err.Error())
	}
	if dErr := h.Outbox.InsertDelivery(r.Context(), rec); dErr != nil {
		log.Error().Err(dErr).Msg("webhook delivery record write failed")
	}
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
