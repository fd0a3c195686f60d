package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

// Error codes carried in ToolResult.Error.
const (
	CodeSlotConflict      = "SLOT_CONFLICT"
	CodeSlotInPast        = "SLOT_IN_PAST"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidArguments  = "INVALID_ARGUMENTS"
	CodeInternal          = "INTERNAL_ERROR"
)

// ToolResult is the structured answer to a tool call.
type ToolResult struct {
	Success      bool                `json:"success"`
	Error        string              `json:"error,omitempty"`
	Status       string              `json:"status,omitempty"`
	JobID        string              `json:"jobId,omitempty"`
	Available    *bool               `json:"available,omitempty"`
	Reservation  *models.Reservation `json:"reservation,omitempty"`
	Alternatives []models.TimeRange  `json:"alternatives,omitempty"`
	CalendarSync string              `json:"calendarSync,omitempty"`
	Replayed     bool                `json:"replayed,omitempty"`
}

// ToolResponse is what a synchronous caller receives: the result plus a
// sentence the voice agent can say.
type ToolResponse struct {
	Result ToolResult `json:"result"`
	Speech string     `json:"speech"`
}

// HTTPStatus maps the result onto the webhook response code.
func (r ToolResponse) HTTPStatus() int {
	switch r.Result.Error {
	case CodeSlotConflict:
		return http.StatusConflict
	case CodeInvalidArguments:
		return http.StatusBadRequest
	case CodeInternal:
		return http.StatusInternalServerError
	}
	if r.Result.Status == "processing" {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (r ToolResponse) encode() (json.RawMessage, error) {
	return json.Marshal(r)
}

// Processing acknowledges a sync call whose handler is still running.
func Processing(jobID string) ToolResponse {
	return ToolResponse{
		Result: ToolResult{Success: false, Status: "processing", JobID: jobID},
		Speech: "I'm still working on that. I'll have it confirmed in a moment.",
	}
}

// Failed answers a sync call whose job ended in dead_letter. It carries no
// detail about the cause.
func Failed(jobID string) ToolResponse {
	return ToolResponse{
		Result: ToolResult{Success: false, Error: CodeInternal, JobID: jobID},
		Speech: "Sorry, something went wrong on my side. Let me take your details and someone will call you back.",
	}
}

func spokenTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Monday, January 2 at 3:04 PM")
}

func spokenClock(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("3:04 PM")
}

func offerAlternatives(alts []models.TimeRange, loc *time.Location) string {
	if len(alts) == 0 {
		return "There are no other openings that day."
	}
	times := make([]string, len(alts))
	for i, a := range alts {
		times[i] = spokenClock(a.Start, loc)
	}
	if len(times) == 1 {
		return fmt.Sprintf("I can offer %s instead.", times[0])
	}
	return fmt.Sprintf("I can offer %s or %s instead.", strings.Join(times[:len(times)-1], ", "), times[len(times)-1])
}
