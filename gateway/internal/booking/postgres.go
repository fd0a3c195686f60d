package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline/callgate/common/database"
	"github.com/voxline/callgate/gateway/internal/models"
)

const (
	activeSlotConstraint = "reservations_active_slot_key"
	requestKeyConstraint = "reservations_request_key"
	phoneConstraint      = "contacts_tenant_phone_key"
	emailConstraint      = "contacts_tenant_email_key"
)

// PostgresLedger serializes Reserve per (tenant, resource) with a
// transaction-scoped advisory lock. The partial unique index on active
// slot starts backs the lock up.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	policy Policy
	region string
	now    func() time.Time
}

func NewPostgresLedger(pool *pgxpool.Pool, policy Policy, region string) *PostgresLedger {
	return &PostgresLedger{pool: pool, policy: policy, region: region, now: time.Now}
}

const reservationColumns = `id, tenant_id, resource_id, start_time, end_time, contact_id, status,
	request_key, created_at, updated_at`

func (l *PostgresLedger) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var contact *models.Contact
	if req.Contact != nil {
		in, err := req.Contact.normalize(l.region)
		if err != nil {
			return nil, err
		}
		contact, err = l.resolveContact(ctx, req.TenantID, in)
		if err != nil {
			return nil, err
		}
	}

	return l.reserveSlot(ctx, req, contact, l.reserveOnce)
}

type reserveFunc func(ctx context.Context, req ReserveRequest, contact *models.Contact) (*ReserveResult, error)

// reserveSlot runs once and retries once when another writer took the slot
// between the overlap check and the insert. A second loss is a conflict.
func (l *PostgresLedger) reserveSlot(ctx context.Context, req ReserveRequest, contact *models.Contact, once reserveFunc) (*ReserveResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := once(ctx, req, contact)
		switch {
		case err == nil:
			return res, nil
		case database.IsUniqueViolation(err, activeSlotConstraint):
			continue
		case database.IsUniqueViolation(err, requestKeyConstraint):
			r, getErr := l.byRequestKey(ctx, req.TenantID, req.RequestKey)
			if getErr != nil {
				return nil, getErr
			}
			return l.replayed(ctx, r)
		default:
			return nil, err
		}
	}
	return l.conflict(ctx, req, contact)
}

// conflict answers a lost slot race with alternatives from the current
// reservations.
func (l *PostgresLedger) conflict(ctx context.Context, req ReserveRequest, contact *models.Contact) (*ReserveResult, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	busy, err := busyIn(ctx, l.pool, req.TenantID, req.ResourceID, l.policy.Window(req.Range))
	if err != nil {
		return nil, err
	}
	return &ReserveResult{
		Success:      false,
		Contact:      contact,
		Alternatives: l.policy.Alternatives(req.Range, busy, l.now()),
	}, nil
}

func (l *PostgresLedger) reserveOnce(ctx context.Context, req ReserveRequest, contact *models.Contact) (*ReserveResult, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`,
		database.AdvisoryKey("reservation", req.TenantID, req.ResourceID)); err != nil {
		return nil, fmt.Errorf("failed to lock resource: %w", err)
	}

	if req.RequestKey != "" {
		r, err := scanReservation(tx.QueryRow(ctx, `
			SELECT `+reservationColumns+` FROM reservations
			WHERE tenant_id = $1 AND request_key = $2
		`, req.TenantID, req.RequestKey))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			return l.replayed(ctx, r)
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return nil, err
		}
	}

	now := l.now()
	if req.Range.Start.Before(now) {
		return nil, ErrSlotInPast
	}

	busy, err := busyIn(ctx, tx, req.TenantID, req.ResourceID, l.policy.Window(req.Range))
	if err != nil {
		return nil, err
	}
	if overlapsAny(req.Range, busy) {
		return &ReserveResult{
			Success:      false,
			Contact:      contact,
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
	var contactID *string
	if contact != nil {
		r.ContactID = contact.ID
		contactID = &contact.ID
	}
	var requestKey *string
	if req.RequestKey != "" {
		requestKey = &req.RequestKey
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, tenant_id, resource_id, start_time, end_time, contact_id,
			status, request_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, r.ID, r.TenantID, r.ResourceID, r.Start, r.End, contactID, string(r.Status), requestKey, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return &ReserveResult{Success: true, Reservation: r, Contact: contact}, nil
}

func (l *PostgresLedger) replayed(ctx context.Context, r *models.Reservation) (*ReserveResult, error) {
	res := &ReserveResult{Success: true, Replayed: true, Reservation: r}
	if r.ContactID != "" {
		c, err := l.GetContact(ctx, r.TenantID, r.ContactID)
		if err != nil && !errors.Is(err, ErrContactNotFound) {
			return nil, err
		}
		res.Contact = c
	}
	return res, nil
}

func (l *PostgresLedger) byRequestKey(ctx context.Context, tenantID, key string) (*models.Reservation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return scanReservation(l.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE tenant_id = $1 AND request_key = $2
	`, tenantID, key))
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func busyIn(ctx context.Context, q querier, tenantID, resourceID string, window models.TimeRange) ([]models.TimeRange, error) {
	rows, err := q.Query(ctx, `
		SELECT start_time, end_time FROM reservations
		WHERE tenant_id = $1 AND resource_id = $2
			AND status IN ('held', 'confirmed')
			AND start_time < $4 AND end_time > $3
		ORDER BY start_time
	`, tenantID, resourceID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []models.TimeRange
	for rows.Next() {
		var r models.TimeRange
		if err := rows.Scan(&r.Start, &r.End); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// resolveContact finds a contact by phone, then email, and otherwise
// upserts one. Losing an insert race on the other unique key re-selects
// once.
func (l *PostgresLedger) resolveContact(ctx context.Context, tenantID string, in ContactInput) (*models.Contact, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if in.Phone != "" {
		c, err := l.contactBy(ctx, tenantID, "phone", in.Phone)
		if err == nil {
			return l.fillContact(ctx, c, in)
		}
		if !errors.Is(err, ErrContactNotFound) {
			return nil, err
		}
	}
	if in.Email != "" {
		c, err := l.contactBy(ctx, tenantID, "email", in.Email)
		if err == nil {
			return l.fillContact(ctx, c, in)
		}
		if !errors.Is(err, ErrContactNotFound) {
			return nil, err
		}
	}

	c, err := l.upsertContact(ctx, tenantID, in)
	if err == nil {
		return c, nil
	}
	switch database.ConstraintName(err) {
	case emailConstraint:
		c, err = l.contactBy(ctx, tenantID, "email", in.Email)
	case phoneConstraint:
		c, err = l.contactBy(ctx, tenantID, "phone", in.Phone)
	default:
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return l.fillContact(ctx, c, in)
}

func (l *PostgresLedger) upsertContact(ctx context.Context, tenantID string, in ContactInput) (*models.Contact, error) {
	conflict := `ON CONFLICT (tenant_id, phone) WHERE phone IS NOT NULL`
	if in.Phone == "" {
		conflict = `ON CONFLICT (tenant_id, email) WHERE email IS NOT NULL`
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		`+conflict+`
		DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END,
			updated_at = NOW()
		RETURNING id, tenant_id, phone, email, name, created_at, updated_at
	`, uuid.NewString(), tenantID, nullable(in.Phone), nullable(in.Email), in.Name)
	c, err := scanContact(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return c, nil
}

// fillContact sets fields the stored contact is missing and refreshes the
// name. An email that already belongs to another contact is left off.
func (l *PostgresLedger) fillContact(ctx context.Context, c *models.Contact, in ContactInput) (*models.Contact, error) {
	phone, email := nullable(in.Phone), nullable(in.Email)
	if c.Phone != "" {
		phone = nil
	}
	if c.Email != "" {
		email = nil
	}
	if phone == nil && email == nil && (in.Name == "" || in.Name == c.Name) {
		return c, nil
	}

	update := func(phone, email *string) (*models.Contact, error) {
		return scanContact(l.pool.QueryRow(ctx, `
			UPDATE contacts SET
				phone = COALESCE(phone, $3),
				email = COALESCE(email, $4),
				name = CASE WHEN $5 <> '' THEN $5 ELSE name END,
				updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2
			RETURNING id, tenant_id, phone, email, name, created_at, updated_at
		`, c.TenantID, c.ID, phone, email, in.Name))
	}

	updated, err := update(phone, email)
	if database.IsUniqueViolation(err, "") {
		updated, err = update(nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", err)
	}
	return updated, nil
}

func (l *PostgresLedger) contactBy(ctx context.Context, tenantID, column, value string) (*models.Contact, error) {
	// column is one of two literals chosen by the caller
	return scanContact(l.pool.QueryRow(ctx, `
		SELECT id, tenant_id, phone, email, name, created_at, updated_at
		FROM contacts WHERE tenant_id = $1 AND `+column+` = $2
	`, tenantID, value))
}

func (l *PostgresLedger) Confirm(ctx context.Context, tenantID, reservationID string) (*models.Reservation, error) {
	return l.move(ctx, tenantID, reservationID, models.ReservationConfirmed)
}

func (l *PostgresLedger) Cancel(ctx context.Context, tenantID, reservationID string) (*models.Reservation, error) {
	return l.move(ctx, tenantID, reservationID, models.ReservationCancelled)
}

func (l *PostgresLedger) move(ctx context.Context, tenantID, reservationID string, to models.ReservationStatus) (*models.Reservation, error) {
	if _, err := uuid.Parse(reservationID); err != nil {
		return nil, ErrReservationNotFound
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanReservation(tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, reservationID))
	if err != nil {
		return nil, err
	}
	changed, err := transition(r.Status, to)
	if err != nil {
		return nil, err
	}
	if !changed {
		return r, nil
	}

	now := l.now()
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, reservationID, string(to), now); err != nil {
		return nil, fmt.Errorf("failed to update reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	r.Status = to
	r.UpdatedAt = now
	return r, nil
}

func (l *PostgresLedger) Get(ctx context.Context, tenantID, reservationID string) (*models.Reservation, error) {
	if _, err := uuid.Parse(reservationID); err != nil {
		return nil, ErrReservationNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return scanReservation(l.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE tenant_id = $1 AND id = $2
	`, tenantID, reservationID))
}

func (l *PostgresLedger) GetContact(ctx context.Context, tenantID, contactID string) (*models.Contact, error) {
	if _, err := uuid.Parse(contactID); err != nil {
		return nil, ErrContactNotFound
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return scanContact(l.pool.QueryRow(ctx, `
		SELECT id, tenant_id, phone, email, name, created_at, updated_at
		FROM contacts WHERE tenant_id = $1 AND id = $2
	`, tenantID, contactID))
}

func (l *PostgresLedger) Availability(ctx context.Context, tenantID, resourceID string, r models.TimeRange) (bool, []models.TimeRange, error) {
	if tenantID == "" || resourceID == "" {
		return false, nil, ErrInvalidRequest
	}
	if !r.Valid() {
		return false, nil, ErrInvalidRange
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	busy, err := busyIn(ctx, l.pool, tenantID, resourceID, l.policy.Window(r))
	if err != nil {
		return false, nil, err
	}
	now := l.now()
	if !overlapsAny(r, busy) && !r.Start.Before(now) {
		return true, nil, nil
	}
	return false, l.policy.Alternatives(r, busy, now), nil
}

func (l *PostgresLedger) ExpireHolds(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()
	tag, err := l.pool.Exec(ctx, `
		UPDATE reservations SET status = 'cancelled', updated_at = NOW()
		WHERE status = 'held' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire holds: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var (
		r          models.Reservation
		contactID  *string
		requestKey *string
		status     string
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.ResourceID, &r.Start, &r.End, &contactID, &status,
		&requestKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.Status = models.ReservationStatus(status)
	if contactID != nil {
		r.ContactID = *contactID
	}
	if requestKey != nil {
		r.RequestKey = *requestKey
	}
	return &r, nil
}

func scanContact(row pgx.Row) (*models.Contact, error) {
	var (
		c            models.Contact
		phone, email *string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &phone, &email, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	if phone != nil {
		c.Phone = *phone
	}
	if email != nil {
		c.Email = *email
	}
	return &c, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
