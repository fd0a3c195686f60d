package logging

import "log/slog"

// Field names shared by every component so log queries stay stable.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldTenantID   = "tenant_id"
	FieldEventID    = "event_id"
	FieldEventType  = "event_type"
	FieldJobID      = "job_id"
	FieldWorkerID   = "worker_id"
	FieldAttempt    = "attempt"
	FieldResourceID = "resource_id"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

func JobID(id string) slog.Attr {
	return slog.String(FieldJobID, id)
}

func WorkerID(id string) slog.Attr {
	return slog.String(FieldWorkerID, id)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func ResourceID(id string) slog.Attr {
	return slog.String(FieldResourceID, id)
}

func Status(s string) slog.Attr {
	return slog.String(FieldStatus, s)
}

// Duration records milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns an error attribute; a nil error yields an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
