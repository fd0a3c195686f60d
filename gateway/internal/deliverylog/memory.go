package deliverylog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/voxline/callgate/gateway/internal/models"
)

type MemoryLog struct {
	mu      sync.RWMutex
	entries map[string]*models.DeliveryLogEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string]*models.DeliveryLogEntry)}
}

func (l *MemoryLog) Record(_ context.Context, entry *models.DeliveryLogEntry) error {
	cp := copyEntry(entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.entries[cp.JobID]; ok {
		if cp.Result == nil {
			cp.Result = prev.Result
		}
		cp.CreatedAt = prev.CreatedAt
	}
	l.entries[cp.JobID] = cp
	return nil
}

func (l *MemoryLog) Get(_ context.Context, jobID string) (*models.DeliveryLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[jobID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return copyEntry(e), nil
}

func (l *MemoryLog) FindByEvent(_ context.Context, tenantID, eventID string) (*models.DeliveryLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.TenantID == tenantID && e.EventID == eventID {
			return copyEntry(e), nil
		}
	}
	return nil, ErrEntryNotFound
}

func (l *MemoryLog) List(_ context.Context, f Filter) ([]*models.DeliveryLogEntry, error) {
	l.mu.RLock()
	out := make([]*models.DeliveryLogEntry, 0)
	for _, e := range l.entries {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, copyEntry(e))
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit := limitOrDefault(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLog) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, e := range l.entries {
		if e.Status.Terminal() && e.UpdatedAt.Before(cutoff) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

func copyEntry(e *models.DeliveryLogEntry) *models.DeliveryLogEntry {
	cp := *e
	if e.Result != nil {
		cp.Result = append(json.RawMessage(nil), e.Result...)
	}
	return &cp
}
