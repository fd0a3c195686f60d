package tenant

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callgate/gateway/internal/models"
)

func TestExtractAgentID(t *testing.T) {
	tests := []struct {
		name string
		env  *models.Envelope
		want string
	}{
		{name: "top level", env: &models.Envelope{AgentIdentifier: "asst_1"}, want: "asst_1"},
		{name: "top level wins over payload", env: &models.Envelope{AgentIdentifier: "asst_1", Payload: json.RawMessage(`{"assistantId":"asst_2"}`)}, want: "asst_1"},
		{name: "call.assistantId", env: &models.Envelope{Payload: json.RawMessage(`{"call":{"assistantId":"asst_3"}}`)}, want: "asst_3"},
		{name: "assistant.id", env: &models.Envelope{Payload: json.RawMessage(`{"assistant":{"id":"asst_4"}}`)}, want: "asst_4"},
		{name: "message.call.assistantId", env: &models.Envelope{Payload: json.RawMessage(`{"message":{"call":{"assistantId":"asst_5"}}}`)}, want: "asst_5"},
		{name: "message.assistant.id", env: &models.Envelope{Payload: json.RawMessage(`{"message":{"assistant":{"id":"asst_6"}}}`)}, want: "asst_6"},
		{name: "flat assistantId", env: &models.Envelope{Payload: json.RawMessage(`{"assistantId":"asst_7"}`)}, want: "asst_7"},
		{name: "non-string ignored", env: &models.Envelope{Payload: json.RawMessage(`{"assistantId":42}`)}, want: ""},
		{name: "malformed payload", env: &models.Envelope{Payload: json.RawMessage(`{`)}, want: ""},
		{name: "nil envelope", env: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractAgentID(tt.env))
		})
	}
}

func TestStaticDirectory_RejectsAmbiguousAgent(t *testing.T) {
	_, err := NewStaticDirectory([]FileTenant{
		{ID: "acme", SigningSecret: "s1", Agents: []string{"asst_shared"}},
		{ID: "globex", SigningSecret: "s2", Agents: []string{"asst_shared"}},
	}, time.Now())
	assert.ErrorIs(t, err, ErrAmbiguousAgent)
}

func TestStaticDirectory_Validation(t *testing.T) {
	tests := []struct {
		name    string
		tenants []FileTenant
	}{
		{name: "empty id", tenants: []FileTenant{{SigningSecret: "s"}}},
		{name: "missing secret", tenants: []FileTenant{{ID: "acme"}}},
		{name: "duplicate tenant", tenants: []FileTenant{{ID: "acme", SigningSecret: "a"}, {ID: "acme", SigningSecret: "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticDirectory(tt.tenants, time.Now())
			assert.Error(t, err)
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	dir, err := NewStaticDirectory([]FileTenant{
		{ID: "acme", SigningSecret: "acme-secret", Agents: []string{"asst_a1", "asst_a2"}},
		{ID: "globex", SigningSecret: "globex-secret", Agents: []string{"asst_g1"}},
	}, time.Now())
	require.NoError(t, err)
	r := NewResolver(dir)
	ctx := context.Background()

	tc, err := r.Resolve(ctx, &models.Envelope{AgentIdentifier: "asst_a2"})
	require.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, []byte("acme-secret"), tc.SigningSecret)

	tc, err = r.Resolve(ctx, &models.Envelope{Payload: json.RawMessage(`{"call":{"assistantId":"asst_g1"}}`)})
	require.NoError(t, err)
	assert.Equal(t, "globex", tc.TenantID)

	_, err = r.Resolve(ctx, &models.Envelope{AgentIdentifier: "asst_unknown"})
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = r.Resolve(ctx, &models.Envelope{Type: "call.started"})
	assert.ErrorIs(t, err, ErrMissingAgentID)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	content := `
tenants:
  - id: acme
    signing_secret: acme-secret
    agents: [asst_a1]
  - id: globex
    signing_secret: globex-secret
    agents: [asst_g1, asst_g2]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	dir, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, dir.Tenants(), 2)

	tc, err := dir.Lookup(context.Background(), "asst_g2")
	require.NoError(t, err)
	assert.Equal(t, "globex", tc.TenantID)
}
