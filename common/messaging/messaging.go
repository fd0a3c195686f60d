// Package messaging defines the broker-neutral publishing surface used for
// out-of-band notifications.
package messaging

import (
	"context"
	"time"
)

// Message is a payload published to, or received from, a broker subject.
type Message struct {
	Subject string
	Data    []byte

	// Metadata is carried as message headers.
	Metadata map[string]string

	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error
	Close() error
}

// HealthChecker reports whether a broker connection is usable.
type HealthChecker interface {
	IsConnected() bool
}
