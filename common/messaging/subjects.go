package messaging

import "strings"

// Subjects follow {product}.{domain}.{event}[.{tenant}].
const (
	SubjectAlertsPrefix    = "callgate.alerts"
	SubjectDeadLetterAlert = SubjectAlertsPrefix + ".deadletter"
	SubjectSyncDegraded    = SubjectAlertsPrefix + ".calendar_sync"
)

// Header keys set on alert messages.
const (
	HeaderTenantID  = "Callgate-Tenant-Id"
	HeaderJobID     = "Callgate-Job-Id"
	HeaderEventType = "Callgate-Event-Type"
)

// TenantSubject appends a tenant token to base. Characters NATS treats as
// token separators or wildcards are replaced with '_'.
func TenantSubject(base, tenantID string) string {
	if tenantID == "" {
		return base + ".unknown"
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, tenantID)
	return base + "." + clean
}
