package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange_Overlaps(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
	base := TimeRange{Start: at(10, 0), End: at(10, 30)}

	tests := []struct {
		name  string
		other TimeRange
		want  bool
	}{
		{name: "identical", other: base, want: true},
		{name: "adjacent after", other: TimeRange{Start: at(10, 30), End: at(11, 0)}, want: false},
		{name: "adjacent before", other: TimeRange{Start: at(9, 30), End: at(10, 0)}, want: false},
		{name: "partial", other: TimeRange{Start: at(10, 15), End: at(10, 45)}, want: true},
		{name: "contains", other: TimeRange{Start: at(9, 0), End: at(12, 0)}, want: true},
		{name: "disjoint", other: TimeRange{Start: at(14, 0), End: at(14, 30)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.other))
			assert.Equal(t, tt.want, tt.other.Overlaps(base))
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobDeadLetter.Terminal())
	assert.False(t, JobFailed.Terminal())
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobProcessing.Terminal())
}

func TestDeliveryJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	j := &DeliveryJob{ID: "j1", Payload: []byte(`{"a":1}`), LockedAt: &now}
	c := j.Clone()

	c.Payload[2] = 'b'
	*c.LockedAt = now.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(j.Payload))
	assert.Equal(t, now, *j.LockedAt)
}
