package events

import (
	"errors"
	"time"

	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/models"
)

type slotArgs struct {
	ResourceID      string     `json:"resourceId" validate:"required,max=200"`
	Start           time.Time  `json:"start" validate:"required"`
	End             *time.Time `json:"end"`
	DurationMinutes int        `json:"durationMinutes" validate:"omitempty,min=5,max=480"`
}

func (a *slotArgs) check() error {
	if a.End != nil && !a.End.After(a.Start) {
		return errors.New("end must be after start")
	}
	return nil
}

// timeRange resolves the requested interval, falling back to the given
// duration when neither an end nor a duration was supplied.
func (a *slotArgs) timeRange(def time.Duration) models.TimeRange {
	switch {
	case a.End != nil:
		return models.TimeRange{Start: a.Start, End: *a.End}
	case a.DurationMinutes > 0:
		return models.TimeRange{Start: a.Start, End: a.Start.Add(time.Duration(a.DurationMinutes) * time.Minute)}
	default:
		return models.TimeRange{Start: a.Start, End: a.Start.Add(def)}
	}
}

type contactArgs struct {
	Phone string `json:"phone" validate:"required_without=Email,omitempty,max=32"`
	Email string `json:"email" validate:"required_without=Phone,omitempty,email,max=254"`
	Name  string `json:"name" validate:"omitempty,max=200"`
}

func (c *contactArgs) input() *booking.ContactInput {
	if c == nil {
		return nil
	}
	return &booking.ContactInput{Phone: c.Phone, Email: c.Email, Name: c.Name}
}

type reserveArgs struct {
	slotArgs
	Contact *contactArgs `json:"contact"`
}

type bookArgs struct {
	slotArgs
	Contact *contactArgs `json:"contact" validate:"required"`
}

type reservationArgs struct {
	ReservationID string `json:"reservationId" validate:"required,uuid"`
}

type calendarSyncArgs struct {
	ReservationID string `json:"reservationId" validate:"required"`
}
