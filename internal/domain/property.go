package domain

// Property is the unit of tenancy: one physical hotel with its own
// timezone, currency and external channel identity. Properties are never
// deleted once published externally, only deactivated.
type Property struct {
	ID                 string
	Name               string
	Timezone           string // IANA name, e.g. "Africa/Johannesburg"
	Currency           string // ISO 4217
	PricingDisplayMode PricingDisplayMode
	// TaxRatePct covers the mandatory taxes/fees folded into guest totals
	// per PricingDisplayMode.
	TaxRatePct float64
	Active     bool
}

type PricingDisplayMode string

const (
	// DisplayTaxInclusive: guest-visible totals already contain taxes/fees.
	DisplayTaxInclusive PricingDisplayMode = "tax_inclusive"
	// DisplayTaxExclusive: taxes/fees are added on top of the subtotal.
	DisplayTaxExclusive PricingDisplayMode = "tax_exclusive"
)

// RoomType is the guest-facing sellable unit. It carries no inventory count
// of its own; availability is always derived from the rooms that reference it.
type RoomType struct {
	ID           string
	PropertyID   string
	Name         string
	MaxOccupancy int
	Active       bool
}

type RoomStatus string

const (
	RoomActive       RoomStatus = "active"
	RoomOutOfService RoomStatus = "out_of_service"
)

// Room is one physical, allocatable room. Label is the human identifier
// ("101", "Penthouse A") and also the deterministic auto-assignment order.
type Room struct {
	ID         string
	PropertyID string
	RoomTypeID string
	Label      string
	Status     RoomStatus
}
