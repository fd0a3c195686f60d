// Package events is the static dispatch table from event type to handler.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/voxline/callgate/gateway/internal/booking"
	"github.com/voxline/callgate/gateway/internal/queue"
	"github.com/voxline/callgate/gateway/internal/worker"
)

const (
	TypeCheckAvailability = "tool.check_availability"
	TypeReserveSlot       = "tool.reserve_slot"
	TypeBookAppointment   = "tool.book_appointment"
	TypeConfirmBooking    = "tool.confirm_booking"
	TypeCancelBooking     = "tool.cancel_booking"

	TypeCallStarted    = "call.started"
	TypeCallEnded      = "call.ended"
	TypeCallTranscript = "call.transcript"
	TypeCallRecording  = "call.recording"
	TypeStatusUpdate   = "status-update"
	TypeEndOfCall      = "end-of-call-report"

	TypeCalendarSync = "calendar.sync"
)

var (
	ErrUnknownType    = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Mode says how the dispatcher treats an event type.
type Mode int

const (
	// ModeAsync events are acknowledged as soon as they are queued.
	ModeAsync Mode = iota
	// ModeSync events hold the caller until the handler answers or the
	// sync deadline passes.
	ModeSync
	// ModeInternal events are only ever enqueued by other handlers.
	ModeInternal
)

type Deps struct {
	Ledger booking.Ledger
	Queue  queue.Queue
	Syncer booking.CalendarSyncer
	// DefaultDuration is used when a tool call gives a start but no end.
	DefaultDuration time.Duration
	// SyncMaxAttempts bounds calendar sync jobs.
	SyncMaxAttempts int
	// Location is used for times spoken back to the caller.
	Location *time.Location
	Logger   *slog.Logger
}

type route struct {
	mode    Mode
	handler worker.HandlerFunc
	// args returns a fresh value the payload must decode into and
	// validate against. nil means the payload is not inspected.
	args func() any
}

// Registry maps event types to handlers. It is built once and never
// modified.
type Registry struct {
	routes   map[string]route
	validate *validator.Validate
}

func NewRegistry(d Deps) *Registry {
	if d.DefaultDuration <= 0 {
		d.DefaultDuration = 30 * time.Minute
	}
	if d.SyncMaxAttempts < 1 {
		d.SyncMaxAttempts = 5
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Syncer == nil {
		d.Syncer = booking.LogSyncer{Logger: d.Logger}
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	t := &tools{deps: d, validate: v}
	ack := acknowledger{logger: d.Logger}

	return &Registry{
		validate: v,
		routes: map[string]route{
			TypeCheckAvailability: {mode: ModeSync, handler: t.checkAvailability, args: func() any { return &slotArgs{} }},
			TypeReserveSlot:       {mode: ModeSync, handler: t.reserveSlot, args: func() any { return &reserveArgs{} }},
			TypeBookAppointment:   {mode: ModeSync, handler: t.bookAppointment, args: func() any { return &bookArgs{} }},
			TypeConfirmBooking:    {mode: ModeSync, handler: t.confirmBooking, args: func() any { return &reservationArgs{} }},
			TypeCancelBooking:     {mode: ModeSync, handler: t.cancelBooking, args: func() any { return &reservationArgs{} }},

			TypeCallStarted:    {mode: ModeAsync, handler: ack.handle},
			TypeCallEnded:      {mode: ModeAsync, handler: ack.handle},
			TypeCallTranscript: {mode: ModeAsync, handler: ack.handle},
			TypeCallRecording:  {mode: ModeAsync, handler: ack.handle},
			TypeStatusUpdate:   {mode: ModeAsync, handler: ack.handle},
			TypeEndOfCall:      {mode: ModeAsync, handler: ack.handle},

			TypeCalendarSync: {mode: ModeInternal, handler: t.calendarSync, args: func() any { return &calendarSyncArgs{} }},
		},
	}
}

// Lookup implements worker.Router. Sync events publish their outcome so a
// waiting caller can be answered.
func (r *Registry) Lookup(eventType string) (worker.Route, bool) {
	rt, ok := r.routes[eventType]
	if !ok {
		return worker.Route{}, false
	}
	return worker.Route{Handler: rt.handler, Notify: rt.mode == ModeSync}, true
}

// Mode returns how eventType is dispatched.
func (r *Registry) Mode(eventType string) (Mode, bool) {
	rt, ok := r.routes[eventType]
	return rt.mode, ok
}

// Validate checks payload against the argument rules of eventType.
// Internal types are rejected, they never arrive from outside.
func (r *Registry) Validate(eventType string, payload json.RawMessage) error {
	rt, ok := r.routes[eventType]
	if !ok || rt.mode == ModeInternal {
		return fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}
	if rt.args == nil {
		return nil
	}
	return decodeArgs(r.validate, payload, rt.args())
}

// decodeArgs unmarshals payload into dst and applies its validate tags and
// its check method, if any.
func decodeArgs(v *validator.Validate, payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if c, ok := dst.(interface{ check() error }); ok {
		if err := c.check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}
