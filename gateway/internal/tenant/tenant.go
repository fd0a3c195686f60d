// Package tenant maps the opaque agent identifier carried by an event to the
// tenant that owns it. Raw tenant ids in event bodies are never trusted.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voxline/callgate/gateway/internal/models"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrAmbiguousAgent = errors.New("agent identifier mapped to more than one tenant")
	ErrMissingAgentID = errors.New("event carries no agent identifier")
)

// Directory looks up the tenant an agent identifier belongs to.
type Directory interface {
	Lookup(ctx context.Context, agentID string) (*models.TenantContext, error)
}

// fallbackPaths are tried in order inside the payload when the envelope has
// no top-level agentIdentifier.
var fallbackPaths = [][]string{
	{"call", "assistantId"},
	{"assistant", "id"},
	{"message", "call", "assistantId"},
	{"message", "assistant", "id"},
	{"assistantId"},
}

// Resolver resolves envelopes to tenants through a Directory.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the tenant owning the envelope's agent identifier.
func (r *Resolver) Resolve(ctx context.Context, env *models.Envelope) (*models.TenantContext, error) {
	agentID := ExtractAgentID(env)
	if agentID == "" {
		return nil, ErrMissingAgentID
	}
	tc, err := r.dir.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// ExtractAgentID returns the envelope's agentIdentifier or the first
// non-empty string found at one of the fallback payload paths.
func ExtractAgentID(env *models.Envelope) string {
	if env == nil {
		return ""
	}
	if id := strings.TrimSpace(env.AgentIdentifier); id != "" {
		return id
	}
	if len(env.Payload) == 0 {
		return ""
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(env.Payload, &doc); err != nil {
		return ""
	}
	for _, path := range fallbackPaths {
		if id := lookupString(doc, path); id != "" {
			return id
		}
	}
	return ""
}

func lookupString(doc map[string]interface{}, path []string) string {
	var cur interface{} = doc
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return strings.TrimSpace(s)
}

func wrapLookup(agentID string, err error) error {
	return fmt.Errorf("lookup agent %q: %w", agentID, err)
}
