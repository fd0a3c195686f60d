package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/metrics"
	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/queue"
	"github.com/voxline/callgate/gateway/internal/worker"
)

// tools holds the booking tool handlers. Business outcomes such as a
// taken slot are answers, not errors: only failures worth retrying come
// back as an error.
type tools struct {
	deps     Deps
	validate *validator.Validate
}

func (t *tools) args(job *models.DeliveryJob, dst any) error {
	if err := decodeArgs(t.validate, job.Payload, dst); err != nil {
		return worker.Permanent(err)
	}
	return nil
}

func (t *tools) checkAvailability(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var a slotArgs
	if err := t.args(job, &a); err != nil {
		return nil, err
	}
	r := a.timeRange(t.deps.DefaultDuration)

	free, alts, err := t.deps.Ledger.Availability(ctx, job.TenantID, a.ResourceID, r)
	if err != nil {
		return t.bookingError(err)
	}
	resp := ToolResponse{Result: ToolResult{Success: true, Available: &free}}
	if free {
		resp.Speech = fmt.Sprintf("%s is available.", spokenTime(r.Start, t.deps.Location))
	} else {
		resp.Result.Alternatives = alts
		resp.Speech = "That time isn't available. " + offerAlternatives(alts, t.deps.Location)
	}
	return resp.encode()
}

func (t *tools) reserveSlot(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var a reserveArgs
	if err := t.args(job, &a); err != nil {
		return nil, err
	}
	res, err := t.deps.Ledger.Reserve(ctx, booking.ReserveRequest{
		TenantID:   job.TenantID,
		ResourceID: a.ResourceID,
		Range:      a.timeRange(t.deps.DefaultDuration),
		Contact:    a.Contact.input(),
		RequestKey: job.EventID,
	})
	if err != nil {
		return t.bookingError(err)
	}
	if !res.Success {
		return t.conflict(res)
	}

	observeReservation(res, "held")
	return ToolResponse{
		Result: ToolResult{Success: true, Reservation: res.Reservation, Replayed: res.Replayed},
		Speech: fmt.Sprintf("I've held %s for you.", spokenTime(res.Reservation.Start, t.deps.Location)),
	}.encode()
}

func (t *tools) bookAppointment(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var a bookArgs
	if err := t.args(job, &a); err != nil {
		return nil, err
	}
	res, err := t.deps.Ledger.Reserve(ctx, booking.ReserveRequest{
		TenantID:   job.TenantID,
		ResourceID: a.ResourceID,
		Range:      a.timeRange(t.deps.DefaultDuration),
		Contact:    a.Contact.input(),
		RequestKey: job.EventID,
	})
	if err != nil {
		return t.bookingError(err)
	}
	if !res.Success {
		return t.conflict(res)
	}

	r, err := t.deps.Ledger.Confirm(ctx, job.TenantID, res.Reservation.ID)
	if err != nil {
		return t.bookingError(err)
	}
	if err := t.enqueueSync(ctx, job, r); err != nil {
		return nil, err
	}

	observeReservation(res, "booked")
	return ToolResponse{
		Result: ToolResult{Success: true, Reservation: r, CalendarSync: "pending", Replayed: res.Replayed},
		Speech: fmt.Sprintf("You're booked for %s.", spokenTime(r.Start, t.deps.Location)),
	}.encode()
}

func (t *tools) confirmBooking(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var a reservationArgs
	if err := t.args(job, &a); err != nil {
		return nil, err
	}
	r, err := t.deps.Ledger.Confirm(ctx, job.TenantID, a.ReservationID)
	if err != nil {
		return t.bookingError(err)
	}
	if err := t.enqueueSync(ctx, job, r); err != nil {
		return nil, err
	}
	return ToolResponse{
		Result: ToolResult{Success: true, Reservation: r, CalendarSync: "pending"},
		Speech: fmt.Sprintf("Your appointment on %s is confirmed.", spokenTime(r.Start, t.deps.Location)),
	}.encode()
}

func (t *tools) cancelBooking(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var a reservationArgs
	if err := t.args(job, &a); err != nil {
		return nil, err
	}
	r, err := t.deps.Ledger.Cancel(ctx, job.TenantID, a.ReservationID)
	if err != nil {
		return t.bookingError(err)
	}
	return ToolResponse{
		Result: ToolResult{Success: true, Reservation: r},
		Speech: "Your appointment has been cancelled.",
	}.encode()
}

func (t *tools) conflict(res *booking.ReserveResult) (json.RawMessage, error) {
	metrics.ReservationsTotal.WithLabelValues("conflict").Inc()
	return ToolResponse{
		Result: ToolResult{Success: false, Error: CodeSlotConflict, Alternatives: res.Alternatives},
		Speech: "Sorry, that time was just taken. " + offerAlternatives(res.Alternatives, t.deps.Location),
	}.encode()
}

// bookingError turns ledger errors the caller can act on into answers and
// passes everything else back for retry.
func (t *tools) bookingError(err error) (json.RawMessage, error) {
	var resp ToolResponse
	switch {
	case errors.Is(err, booking.ErrReservationNotFound):
		resp = ToolResponse{
			Result: ToolResult{Error: CodeNotFound},
			Speech: "I couldn't find that booking.",
		}
	case errors.Is(err, booking.ErrInvalidTransition):
		resp = ToolResponse{
			Result: ToolResult{Error: CodeInvalidTransition},
			Speech: "That booking can no longer be changed.",
		}
	case errors.Is(err, booking.ErrSlotInPast):
		resp = ToolResponse{
			Result: ToolResult{Error: CodeSlotInPast},
			Speech: "That time has already passed. Which other time works for you?",
		}
	case errors.Is(err, booking.ErrInvalidContact),
		errors.Is(err, booking.ErrInvalidRange),
		errors.Is(err, booking.ErrInvalidRequest):
		resp = ToolResponse{
			Result: ToolResult{Error: CodeInvalidArguments},
			Speech: "I didn't catch all the details. Could you repeat them?",
		}
	default:
		return nil, err
	}
	return resp.encode()
}

// enqueueSync queues the calendar push for a confirmed reservation. The
// job's event id derives from the triggering event so a retried handler
// does not queue a second push.
func (t *tools) enqueueSync(ctx context.Context, parent *models.DeliveryJob, r *models.Reservation) error {
	payload, err := json.Marshal(calendarSyncArgs{ReservationID: r.ID})
	if err != nil {
		return err
	}
	err = t.deps.Queue.Enqueue(ctx, &models.DeliveryJob{
		ID:          uuid.NewString(),
		EventID:     parent.EventID + ":" + TypeCalendarSync,
		TenantID:    parent.TenantID,
		EventType:   TypeCalendarSync,
		Payload:     payload,
		ReceivedAt:  parent.ReceivedAt,
		MaxAttempts: t.deps.SyncMaxAttempts,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return fmt.Errorf("enqueue calendar sync: %w", err)
	}
	return nil
}

// calendarSync pushes a confirmed reservation to the calendar. A failure
// leaves the reservation as it is.
func (t *tools) calendarSync(ctx context.Context, job *models.DeliveryJob) (json.RawMessage, error) {
	var a calendarSyncArgs
	if err := t.args(job, &a); err != nil {
		return nil, err
	}
	r, err := t.deps.Ledger.Get(ctx, job.TenantID, a.ReservationID)
	if errors.Is(err, booking.ErrReservationNotFound) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReservationConfirmed {
		t.deps.Logger.Info("calendar sync skipped",
			logging.TenantID(r.TenantID),
			slog.String("reservation_id", r.ID),
			logging.Status(string(r.Status)),
		)
		return json.RawMessage(`{"synced":false,"reason":"not confirmed"}`), nil
	}

	var contact *models.Contact
	if r.ContactID != "" {
		contact, err = t.deps.Ledger.GetContact(ctx, r.TenantID, r.ContactID)
		if err != nil && !errors.Is(err, booking.ErrContactNotFound) {
			return nil, err
		}
	}

	if err := t.deps.Syncer.Sync(ctx, r, contact); err != nil {
		if errors.Is(err, booking.ErrSyncRejected) {
			return nil, worker.Permanent(err)
		}
		return nil, err
	}
	return json.RawMessage(`{"synced":true}`), nil
}

func observeReservation(res *booking.ReserveResult, outcome string) {
	if res.Replayed {
		outcome = "replayed"
	}
	metrics.ReservationsTotal.WithLabelValues(outcome).Inc()
}
