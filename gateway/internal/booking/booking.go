// Package booking reserves calendar slots on tenant resources. Two
// reservations that are held or confirmed never overlap on the same
// (tenant, resource); contention is settled by the store, never by the
// caller.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrContactNotFound     = errors.New("contact not found")
	ErrInvalidTransition   = errors.New("invalid reservation transition")
	ErrInvalidRange        = errors.New("invalid time range")
	ErrSlotInPast          = errors.New("slot starts in the past")
	ErrInvalidContact      = errors.New("contact needs a valid phone or email")
	ErrInvalidRequest      = errors.New("tenant and resource are required")
)

// ContactInput is the contact detail supplied with a booking. Phone is
// normalized to E.164 before it is stored or compared.
type ContactInput struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type ReserveRequest struct {
	TenantID   string
	ResourceID string
	Range      models.TimeRange
	Contact    *ContactInput
	// RequestKey identifies the request that created a reservation. A
	// second Reserve with the same key returns the first reservation.
	RequestKey string
}

func (r ReserveRequest) validate() error {
	if r.TenantID == "" || r.ResourceID == "" {
		return ErrInvalidRequest
	}
	if !r.Range.Valid() {
		return ErrInvalidRange
	}
	return nil
}

// ReserveResult is the outcome of Reserve. A conflict is a result, not an
// error: Success is false and Alternatives lists nearby free slots.
type ReserveResult struct {
	Success      bool                `json:"success"`
	Reservation  *models.Reservation `json:"reservation,omitempty"`
	Contact      *models.Contact     `json:"contact,omitempty"`
	Alternatives []models.TimeRange  `json:"alternatives,omitempty"`
	Replayed     bool                `json:"replayed,omitempty"`
}

// Ledger is the slot ledger.
type Ledger interface {
	// Reserve places a hold on req.Range unless an active reservation
	// overlaps it.
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	// Confirm moves a held reservation to confirmed. Confirming a confirmed
	// reservation is a no-op.
	Confirm(ctx context.Context, tenantID, reservationID string) (*models.Reservation, error)
	// Cancel releases a held or confirmed reservation. Cancelling a
	// cancelled reservation is a no-op.
	Cancel(ctx context.Context, tenantID, reservationID string) (*models.Reservation, error)
	Get(ctx context.Context, tenantID, reservationID string) (*models.Reservation, error)
	GetContact(ctx context.Context, tenantID, contactID string) (*models.Contact, error)
	// Availability reports whether r is free, and alternatives when it is
	// not. It takes no locks.
	Availability(ctx context.Context, tenantID, resourceID string, r models.TimeRange) (bool, []models.TimeRange, error)
	// ExpireHolds cancels holds created before cutoff and returns how many
	// were cancelled.
	ExpireHolds(ctx context.Context, cutoff time.Time) (int64, error)
}

// transition reports whether moving from one status to another changes
// anything, or ErrInvalidTransition when the move is not allowed.
func transition(from, to models.ReservationStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	switch {
	case from == models.ReservationHeld && to == models.ReservationConfirmed:
		return true, nil
	case from.Active() && to == models.ReservationCancelled:
		return true, nil
	}
	return false, ErrInvalidTransition
}
