// Package alert raises out-of-band notifications when a job is dead-lettered.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/common/messaging"
	"github.com/voxline/callgate/gateway/internal/models"
)

// Notifier is told about every job that reaches dead_letter.
type Notifier interface {
	DeadLetter(ctx context.Context, job *models.DeliveryJob) error
}

// DeadLetterAlert is the message body published for a dead-lettered job.
type DeadLetterAlert struct {
	JobID          string    `json:"jobId"`
	EventID        string    `json:"eventId"`
	TenantID       string    `json:"tenantId"`
	EventType      string    `json:"eventType"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// SubjectFor picks the alert subject. Calendar sync failures are a degraded
// sync, not a failed booking, and get their own subject.
func SubjectFor(job *models.DeliveryJob) string {
	base := messaging.SubjectDeadLetterAlert
	if job.EventType == "calendar.sync" {
		base = messaging.SubjectSyncDegraded
	}
	return messaging.TenantSubject(base, job.TenantID)
}

// PublishNotifier publishes alerts through a messaging.Publisher, normally
// the JetStream client.
type PublishNotifier struct {
	pub messaging.Publisher
	now func() time.Time
}

func NewPublishNotifier(pub messaging.Publisher) *PublishNotifier {
	return &PublishNotifier{pub: pub, now: time.Now}
}

func (n *PublishNotifier) DeadLetter(ctx context.Context, job *models.DeliveryJob) error {
	data, err := json.Marshal(DeadLetterAlert{
		JobID:          job.ID,
		EventID:        job.EventID,
		TenantID:       job.TenantID,
		EventType:      job.EventType,
		Attempts:       job.Attempts,
		Error:          job.ErrorMessage,
		DeadLetteredAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	err = n.pub.PublishMsg(ctx, &messaging.Message{
		Subject: SubjectFor(job),
		Data:    data,
		Metadata: map[string]string{
			messaging.HeaderTenantID:  job.TenantID,
			messaging.HeaderJobID:     job.ID,
			messaging.HeaderEventType: job.EventType,
		},
	})
	if err != nil {
		return fmt.Errorf("publish dead-letter alert: %w", err)
	}
	return nil
}

// LogNotifier writes alerts to the structured log only.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) DeadLetter(ctx context.Context, job *models.DeliveryJob) error {
	n.logger.LogAttrs(ctx, slog.LevelError, "job dead-lettered",
		logging.JobID(job.ID),
		logging.TenantID(job.TenantID),
		logging.EventID(job.EventID),
		logging.EventType(job.EventType),
		logging.Attempt(job.Attempts),
		slog.String(logging.FieldError, job.ErrorMessage),
	)
	return nil
}

// Multi fans an alert out to several notifiers, returning the first error.
type Multi []Notifier

func (m Multi) DeadLetter(ctx context.Context, job *models.DeliveryJob) error {
	var first error
	for _, n := range m {
		if err := n.DeadLetter(ctx, job); err != nil && first == nil {
			first = err
		}
	}
	return first
}
