package booking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/callgate/gateway/internal/models"
)

// MemoryLedger keeps reservations and contacts in process memory. A mutex
// per (tenant, resource) serializes Reserve the way the advisory lock does
// in Postgres.
type MemoryLedger struct {
	policy Policy
	region string
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu           sync.Mutex
	reservations map[string]*models.Reservation
	byRequest    map[string]string
	contacts     map[string]*models.Contact
	byPhone      map[string]string
	byEmail      map[string]string
}

func NewMemoryLedger(policy Policy, region string) *MemoryLedger {
	return &MemoryLedger{
		policy:       policy,
		region:       region,
		now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
		reservations: make(map[string]*models.Reservation),
		byRequest:    make(map[string]string),
		contacts:     make(map[string]*models.Contact),
		byPhone:      make(map[string]string),
		byEmail:      make(map[string]string),
	}
}

func scopedKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (l *MemoryLedger) lock(tenantID, resourceID string) func() {
	k := scopedKey(tenantID, resourceID)
	l.locksMu.Lock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	l.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *MemoryLedger) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := l.now()

	var contact *models.Contact
	if req.Contact != nil {
		in, err := req.Contact.normalize(l.region)
		if err != nil {
			return nil, err
		}
		contact = l.resolveContact(req.TenantID, in, now)
	}

	unlock := l.lock(req.TenantID, req.ResourceID)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.RequestKey != "" {
		if id, ok := l.byRequest[scopedKey(req.TenantID, req.RequestKey)]; ok {
			return l.replay(l.reservations[id]), nil
		}
	}
	if req.Range.Start.Before(now) {
		return nil, ErrSlotInPast
	}

	busy := l.busy(req.TenantID, req.ResourceID, l.policy.Window(req.Range))
	if overlapsAny(req.Range, busy) {
		return &ReserveResult{
			Success:      false,
			Contact:      cloneContact(contact),
			Alternatives: l.policy.Alternatives(req.Range, busy, now),
		}, nil
	}

	r := &models.Reservation{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		ResourceID: req.ResourceID,
		Start:      req.Range.Start,
		End:        req.Range.End,
		Status:     models.ReservationHeld,
		RequestKey: req.RequestKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if contact != nil {
		r.ContactID = contact.ID
	}
	l.reservations[r.ID] = r
	if req.RequestKey != "" {
		l.byRequest[scopedKey(req.TenantID, req.RequestKey)] = r.ID
	}
	return &ReserveResult{Success: true, Reservation: cloneReservation(r), Contact: cloneContact(contact)}, nil
}

// replay must be called with l.mu held.
func (l *MemoryLedger) replay(r *models.Reservation) *ReserveResult {
	res := &ReserveResult{Success: true, Replayed: true, Reservation: cloneReservation(r)}
	if c, ok := l.contacts[r.ContactID]; ok {
		res.Contact = cloneContact(c)
	}
	return res
}

// busy must be called with l.mu held.
func (l *MemoryLedger) busy(tenantID, resourceID string, window models.TimeRange) []models.TimeRange {
	var out []models.TimeRange
	for _, r := range l.reservations {
		if r.TenantID != tenantID || r.ResourceID != resourceID || !r.Status.Active() {
			continue
		}
		if r.Range().Overlaps(window) {
			out = append(out, r.Range())
		}
	}
	return out
}

// resolveContact finds the contact by phone, then email, and creates it
// when neither matches. Details the caller supplied fill in missing fields.
func (l *MemoryLedger) resolveContact(tenantID string, in ContactInput, now time.Time) *models.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()

	var c *models.Contact
	if in.Phone != "" {
		if id, ok := l.byPhone[scopedKey(tenantID, in.Phone)]; ok {
			c = l.contacts[id]
		}
	}
	if c == nil && in.Email != "" {
		if id, ok := l.byEmail[scopedKey(tenantID, in.Email)]; ok {
			c = l.contacts[id]
		}
	}
	if c == nil {
		c = &models.Contact{ID: uuid.NewString(), TenantID: tenantID, CreatedAt: now}
		l.contacts[c.ID] = c
	}

	if in.Phone != "" && c.Phone == "" {
		c.Phone = in.Phone
		l.byPhone[scopedKey(tenantID, in.Phone)] = c.ID
	}
	if in.Email != "" && c.Email == "" {
		if _, taken := l.byEmail[scopedKey(tenantID, in.Email)]; !taken {
			c.Email = in.Email
			l.byEmail[scopedKey(tenantID, in.Email)] = c.ID
		}
	}
	if in.Name != "" {
		c.Name = in.Name
	}
	c.UpdatedAt = now
	return cloneContact(c)
}

func (l *MemoryLedger) Confirm(_ context.Context, tenantID, reservationID string) (*models.Reservation, error) {
	return l.move(tenantID, reservationID, models.ReservationConfirmed)
}

func (l *MemoryLedger) Cancel(_ context.Context, tenantID, reservationID string) (*models.Reservation, error) {
	return l.move(tenantID, reservationID, models.ReservationCancelled)
}

func (l *MemoryLedger) move(tenantID, reservationID string, to models.ReservationStatus) (*models.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrReservationNotFound
	}
	changed, err := transition(r.Status, to)
	if err != nil {
		return nil, err
	}
	if changed {
		r.Status = to
		r.UpdatedAt = l.now()
	}
	return cloneReservation(r), nil
}

func (l *MemoryLedger) Get(_ context.Context, tenantID, reservationID string) (*models.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrReservationNotFound
	}
	return cloneReservation(r), nil
}

func (l *MemoryLedger) GetContact(_ context.Context, tenantID, contactID string) (*models.Contact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil, ErrContactNotFound
	}
	return cloneContact(c), nil
}

func (l *MemoryLedger) Availability(_ context.Context, tenantID, resourceID string, r models.TimeRange) (bool, []models.TimeRange, error) {
	if tenantID == "" || resourceID == "" {
		return false, nil, ErrInvalidRequest
	}
	if !r.Valid() {
		return false, nil, ErrInvalidRange
	}
	l.mu.Lock()
	busy := l.busy(tenantID, resourceID, l.policy.Window(r))
	l.mu.Unlock()

	now := l.now()
	if !overlapsAny(r, busy) && !r.Start.Before(now) {
		return true, nil, nil
	}
	return false, l.policy.Alternatives(r, busy, now), nil
}

func (l *MemoryLedger) ExpireHolds(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	now := l.now()
	for _, r := range l.reservations {
		if r.Status == models.ReservationHeld && r.CreatedAt.Before(cutoff) {
			r.Status = models.ReservationCancelled
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func cloneReservation(r *models.Reservation) *models.Reservation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func cloneContact(c *models.Contact) *models.Contact {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
