package tenant

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxline/callgate/gateway/internal/models"
)

// File is the on-disk tenant seed.
type File struct {
	Tenants []FileTenant `yaml:"tenants"`
}

type FileTenant struct {
	ID            string   `yaml:"id"`
	SigningSecret string   `yaml:"signing_secret"`
	Agents        []string `yaml:"agents"`
}

// StaticDirectory is an immutable in-memory Directory.
type StaticDirectory struct {
	byAgent map[string]*models.TenantContext
	tenants []FileTenant
}

// LoadFile reads a tenant seed file.
func LoadFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return NewStaticDirectory(f.Tenants, time.Now())
}

// NewStaticDirectory builds a directory, refusing any agent identifier that
// maps to more than one tenant.
func NewStaticDirectory(tenants []FileTenant, loadedAt time.Time) (*StaticDirectory, error) {
	d := &StaticDirectory{
		byAgent: make(map[string]*models.TenantContext),
		tenants: tenants,
	}
	seen := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant with empty id")
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate tenant %q", t.ID)
		}
		seen[t.ID] = true
		if t.SigningSecret == "" {
			return nil, fmt.Errorf("tenant %q has no signing secret", t.ID)
		}

		tc := &models.TenantContext{
			TenantID:      t.ID,
			SigningSecret: []byte(t.SigningSecret),
			CreatedAt:     loadedAt,
		}
		for _, agent := range t.Agents {
			if prev, ok := d.byAgent[agent]; ok && prev.TenantID != t.ID {
				return nil, fmt.Errorf("agent %q in tenants %q and %q: %w", agent, prev.TenantID, t.ID, ErrAmbiguousAgent)
			}
			d.byAgent[agent] = tc
		}
	}
	return d, nil
}

func (d *StaticDirectory) Lookup(_ context.Context, agentID string) (*models.TenantContext, error) {
	tc, ok := d.byAgent[agentID]
	if !ok {
		return nil, wrapLookup(agentID, ErrTenantNotFound)
	}
	cp := *tc
	return &cp, nil
}

// Tenants returns the seed entries, used to sync the seed into Postgres.
func (d *StaticDirectory) Tenants() []FileTenant {
	return d.tenants
}
