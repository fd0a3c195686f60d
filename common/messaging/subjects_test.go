package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjects_UnderAlertsPrefix(t *testing.T) {
	for _, s := range []string{SubjectDeadLetterAlert, SubjectSyncDegraded} {
		assert.True(t, strings.HasPrefix(s, SubjectAlertsPrefix+"."), s)
		assert.GreaterOrEqual(t, len(strings.Split(s, ".")), 3, s)
	}
}

func TestTenantSubject(t *testing.T) {
	tests := []struct {
		name     string
		tenantID string
		want     string
	}{
		{name: "plain", tenantID: "acme", want: "callgate.alerts.deadletter.acme"},
		{name: "dots replaced", tenantID: "acme.eu", want: "callgate.alerts.deadletter.acme_eu"},
		{name: "wildcards replaced", tenantID: "a*b>c", want: "callgate.alerts.deadletter.a_b_c"},
		{name: "empty", tenantID: "", want: "callgate.alerts.deadletter.unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TenantSubject(SubjectDeadLetterAlert, tt.tenantID))
		})
	}
}
