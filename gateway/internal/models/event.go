// Package models holds the value types shared across the gateway.
package models

import (
	"encoding/json"
	"time"
)

// TenantContext is the resolved identity of the tenant an event belongs to.
type TenantContext struct {
	TenantID      string
	SigningSecret []byte
	CreatedAt     time.Time
}

// Envelope is the wire shape of an inbound webhook body.
type Envelope struct {
	EventID         string          `json:"eventId,omitempty"`
	Type            string          `json:"type"`
	AgentIdentifier string          `json:"agentIdentifier,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// InboundEvent is an authenticated event accepted for delivery.
// (TenantID, EventID) is its idempotency key.
type InboundEvent struct {
	EventID    string          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
