package domain

import (
	"fmt"
	"time"
)

// StayRange is a half-open [Checkin, Checkout) date interval. Both bounds
// are UTC midnights; a one-night stay has Checkout = Checkin + 24h.
type StayRange struct {
	Checkin  time.Time
	Checkout time.Time
}

// NewStayRange normalizes both bounds to UTC midnight and validates ordering.
func NewStayRange(checkin, checkout time.Time) (StayRange, error) {
	r := StayRange{Checkin: Midnight(checkin), Checkout: Midnight(checkout)}
	if !r.Checkout.After(r.Checkin) {
		return StayRange{}, fmt.Errorf("%w: checkout %s must be after checkin %s",
			ErrInvalidStayRange, r.Checkout.Format("2006-01-02"), r.Checkin.Format("2006-01-02"))
	}
	return r, nil
}

// Midnight truncates t to a UTC calendar date.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (r StayRange) Nights() int {
	return int(r.Checkout.Sub(r.Checkin) / (24 * time.Hour))
}

// Dates returns every occupied night, i.e. [Checkin, Checkout) day by day.
func (r StayRange) Dates() []time.Time {
	out := make([]time.Time, 0, r.Nights())
	for d := r.Checkin; d.Before(r.Checkout); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Overlaps reports whether two half-open ranges share at least one night.
// Back-to-back stays (checkout == next checkin) do not overlap.
func (r StayRange) Overlaps(o StayRange) bool {
	return r.Checkin.Before(o.Checkout) && o.Checkin.Before(r.Checkout)
}

func (r StayRange) String() string {
	return r.Checkin.Format("2006-01-02") + ".." + r.Checkout.Format("2006-01-02")
}
