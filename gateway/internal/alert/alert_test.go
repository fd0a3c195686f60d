package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callgate/common/messaging"
	"github.com/voxline/callgate/gateway/internal/models"
)

type fakePublisher struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return f.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

func (f *fakePublisher) PublishMsg(_ context.Context, msg *messaging.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func deadJob(eventType string) *models.DeliveryJob {
	return &models.DeliveryJob{
		ID:           "job-1",
		EventID:      "evt-1",
		TenantID:     "acme",
		EventType:    eventType,
		Status:       models.JobDeadLetter,
		Attempts:     3,
		MaxAttempts:  3,
		ErrorMessage: "calendar unreachable",
	}
}

func TestPublishNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewPublishNotifier(pub)

	require.NoError(t, n.DeadLetter(context.Background(), deadJob("tool.book_appointment")))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "callgate.alerts.deadletter.acme", msg.Subject)
	assert.Equal(t, "job-1", msg.Metadata[messaging.HeaderJobID])

	var body DeadLetterAlert
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "evt-1", body.EventID)
	assert.Equal(t, 3, body.Attempts)
	assert.Equal(t, "calendar unreachable", body.Error)
}

func TestSubjectFor_CalendarSync(t *testing.T) {
	assert.Equal(t, "callgate.alerts.calendar_sync.acme", SubjectFor(deadJob("calendar.sync")))
}

func TestMulti_ContinuesAfterError(t *testing.T) {
	failing := &fakePublisher{err: errors.New("nats down")}
	var buf bytes.Buffer
	logged := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := Multi{NewPublishNotifier(failing), logged}.DeadLetter(context.Background(), deadJob("call.ended"))
	assert.Error(t, err)
	assert.Contains(t, buf.String(), `"job_id":"job-1"`)
	assert.Contains(t, buf.String(), `"tenant_id":"acme"`)
}
