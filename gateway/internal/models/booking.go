package models

import "time"

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether r and o share any instant. Back-to-back ranges
// do not overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && r.End.After(r.Start)
}

// ReservationStatus is the state of a Reservation.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Active reports whether the reservation occupies its slot.
func (s ReservationStatus) Active() bool {
	return s == ReservationHeld || s == ReservationConfirmed
}

// Reservation holds a slot on a resource for a contact.
type Reservation struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenantId"`
	ResourceID string            `json:"resourceId"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	ContactID  string            `json:"contactId,omitempty"`
	Status     ReservationStatus `json:"status"`
	RequestKey string            `json:"-"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Range returns the reserved interval.
func (r *Reservation) Range() TimeRange {
	return TimeRange{Start: r.Start, End: r.End}
}

// Contact is a tenant-scoped person a reservation is made for. Phone is
// stored in E.164.
type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
