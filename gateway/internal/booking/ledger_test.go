package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callgate/gateway/internal/models"
	"github.com/voxline/callgate/gateway/internal/pgtest"
)

// bookingDay is a UTC midnight far enough ahead that every slot on it is
// in the future.
func bookingDay() time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 7)
}

func fakeContact() *ContactInput {
	return &ContactInput{
		Phone: fmt.Sprintf("(415) 555-%04d", gofakeit.Number(0, 9999)),
		Email: gofakeit.Email(),
		Name:  gofakeit.Name(),
	}
}

func reserve(t *testing.T, l Ledger, tenantID, resourceID string, r models.TimeRange) *ReserveResult {
	t.Helper()
	res, err := l.Reserve(context.Background(), ReserveRequest{
		TenantID: tenantID, ResourceID: resourceID, Range: r, Contact: fakeContact(),
	})
	require.NoError(t, err)
	return res
}

// activeRowsFunc counts held or confirmed reservations stored for a slot.
type activeRowsFunc func(t *testing.T, tenantID, resourceID string, start time.Time) int

func ledgerContract(t *testing.T, l Ledger, activeRows activeRowsFunc) {
	ctx := context.Background()
	day := bookingDay()

	t.Run("conflict returns alternatives", func(t *testing.T) {
		first := reserve(t, l, "acme", "room-conflict", span(day, "10:00", "10:30"))
		require.True(t, first.Success)
		assert.Equal(t, models.ReservationHeld, first.Reservation.Status)
		require.NotNil(t, first.Contact)
		assert.Equal(t, first.Contact.ID, first.Reservation.ContactID)

		second := reserve(t, l, "acme", "room-conflict", span(day, "10:15", "10:45"))
		assert.False(t, second.Success)
		assert.Nil(t, second.Reservation)
		require.Len(t, second.Alternatives, 3)
		for _, alt := range second.Alternatives {
			assert.False(t, alt.Overlaps(span(day, "10:00", "10:30")))
			assert.Equal(t, 30*time.Minute, alt.Duration())
		}

		other := reserve(t, l, "acme", "room-other", span(day, "10:00", "10:30"))
		assert.True(t, other.Success, "other resources are independent")
		otherTenant := reserve(t, l, "globex", "room-conflict", span(day, "10:00", "10:30"))
		assert.True(t, otherTenant.Success, "other tenants are independent")
	})

	t.Run("adjacent slots do not conflict", func(t *testing.T) {
		a := reserve(t, l, "acme", "room-adjacent", span(day, "10:00", "10:30"))
		b := reserve(t, l, "acme", "room-adjacent", span(day, "10:30", "11:00"))
		c := reserve(t, l, "acme", "room-adjacent", span(day, "09:30", "10:00"))
		assert.True(t, a.Success)
		assert.True(t, b.Success)
		assert.True(t, c.Success)
	})

	t.Run("request key replays the first reservation", func(t *testing.T) {
		req := ReserveRequest{
			TenantID: "acme", ResourceID: "room-replay", Range: span(day, "13:00", "13:30"),
			Contact: fakeContact(), RequestKey: "evt-" + uuid.NewString(),
		}
		first, err := l.Reserve(ctx, req)
		require.NoError(t, err)
		require.True(t, first.Success)
		assert.False(t, first.Replayed)

		again, err := l.Reserve(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.Success)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.Reservation.ID, again.Reservation.ID)
		require.NotNil(t, again.Contact)
		assert.Equal(t, first.Contact.ID, again.Contact.ID)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := l.Reserve(ctx, ReserveRequest{TenantID: "acme", ResourceID: "room", Range: span(day, "11:00", "10:00")})
		assert.ErrorIs(t, err, ErrInvalidRange)
		_, err = l.Reserve(ctx, ReserveRequest{TenantID: "acme", Range: span(day, "10:00", "11:00")})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = l.Reserve(ctx, ReserveRequest{
			TenantID: "acme", ResourceID: "room", Range: span(day, "10:00", "11:00"),
			Contact: &ContactInput{Name: "no way to reach"},
		})
		assert.ErrorIs(t, err, ErrInvalidContact)

		past := time.Now().Add(-2 * time.Hour).Truncate(time.Minute)
		_, err = l.Reserve(ctx, ReserveRequest{
			TenantID: "acme", ResourceID: "room", Range: models.TimeRange{Start: past, End: past.Add(30 * time.Minute)},
		})
		assert.ErrorIs(t, err, ErrSlotInPast)
	})

	t.Run("existing phone updates the contact", func(t *testing.T) {
		phone := fmt.Sprintf("415-555-%04d", gofakeit.Number(0, 9999))
		first, err := l.Reserve(ctx, ReserveRequest{
			TenantID: "contacts", ResourceID: "room-a", Range: span(day, "09:00", "09:30"),
			Contact: &ContactInput{Phone: phone, Name: "A. Lovelace"},
		})
		require.NoError(t, err)
		second, err := l.Reserve(ctx, ReserveRequest{
			TenantID: "contacts", ResourceID: "room-b", Range: span(day, "09:00", "09:30"),
			Contact: &ContactInput{Phone: "+1 " + phone, Name: "Ada Lovelace", Email: "ada@example.com"},
		})
		require.NoError(t, err)

		assert.Equal(t, first.Contact.ID, second.Contact.ID)
		assert.Equal(t, "Ada Lovelace", second.Contact.Name)
		assert.Equal(t, "ada@example.com", second.Contact.Email)

		stored, err := l.GetContact(ctx, "contacts", first.Contact.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", stored.Name)
		_, err = l.GetContact(ctx, "other-tenant", first.Contact.ID)
		assert.ErrorIs(t, err, ErrContactNotFound)
	})

	t.Run("email match gains the phone", func(t *testing.T) {
		email := gofakeit.Email()
		first, err := l.Reserve(ctx, ReserveRequest{
			TenantID: "contacts", ResourceID: "room-c", Range: span(day, "09:00", "09:30"),
			Contact: &ContactInput{Email: email},
		})
		require.NoError(t, err)
		second, err := l.Reserve(ctx, ReserveRequest{
			TenantID: "contacts", ResourceID: "room-d", Range: span(day, "09:00", "09:30"),
			Contact: &ContactInput{Email: email, Phone: "(212) 555-0199"},
		})
		require.NoError(t, err)
		assert.Equal(t, first.Contact.ID, second.Contact.ID)
		assert.Equal(t, "+12125550199", second.Contact.Phone)
	})

	t.Run("confirm and cancel", func(t *testing.T) {
		res := reserve(t, l, "acme", "room-states", span(day, "14:00", "14:30"))
		id := res.Reservation.ID

		confirmed, err := l.Confirm(ctx, "acme", id)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationConfirmed, confirmed.Status)

		again, err := l.Confirm(ctx, "acme", id)
		require.NoError(t, err, "repeating a transition is a no-op")
		assert.Equal(t, models.ReservationConfirmed, again.Status)

		cancelled, err := l.Cancel(ctx, "acme", id)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationCancelled, cancelled.Status)
		_, err = l.Cancel(ctx, "acme", id)
		require.NoError(t, err)

		_, err = l.Confirm(ctx, "acme", id)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = l.Confirm(ctx, "globex", id)
		assert.ErrorIs(t, err, ErrReservationNotFound)
		_, err = l.Cancel(ctx, "acme", uuid.NewString())
		assert.ErrorIs(t, err, ErrReservationNotFound)
		_, err = l.Get(ctx, "acme", "not-a-uuid")
		assert.ErrorIs(t, err, ErrReservationNotFound)

		rebooked := reserve(t, l, "acme", "room-states", span(day, "14:00", "14:30"))
		assert.True(t, rebooked.Success, "a cancelled slot is free again")
	})

	t.Run("availability", func(t *testing.T) {
		res := reserve(t, l, "acme", "room-avail", span(day, "15:00", "16:00"))
		require.True(t, res.Success)

		free, alts, err := l.Availability(ctx, "acme", "room-avail", span(day, "15:30", "16:00"))
		require.NoError(t, err)
		assert.False(t, free)
		assert.NotEmpty(t, alts)

		free, alts, err = l.Availability(ctx, "acme", "room-avail", span(day, "16:00", "16:30"))
		require.NoError(t, err)
		assert.True(t, free)
		assert.Empty(t, alts)
	})

	t.Run("expire holds", func(t *testing.T) {
		held := reserve(t, l, "acme", "room-expire", span(day, "11:00", "11:30"))
		kept := reserve(t, l, "acme", "room-expire", span(day, "12:00", "12:30"))
		_, err := l.Confirm(ctx, "acme", kept.Reservation.ID)
		require.NoError(t, err)

		n, err := l.ExpireHolds(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		got, err := l.Get(ctx, "acme", held.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationCancelled, got.Status)
		got, err = l.Get(ctx, "acme", kept.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationConfirmed, got.Status)
	})

	t.Run("concurrent reserves for one slot", func(t *testing.T) {
		const callers = 50
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		want := span(day, "10:00", "10:30")
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := l.Reserve(ctx, ReserveRequest{
					TenantID: "race", ResourceID: "room-1", Range: want,
					Contact: fakeContact(), RequestKey: fmt.Sprintf("evt-%d", i),
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Success {
					successes++
				} else {
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, callers-1, conflicts)
		free, _, err := l.Availability(ctx, "race", "room-1", want)
		require.NoError(t, err)
		assert.False(t, free)
		assert.Equal(t, 1, activeRows(t, "race", "room-1", want.Start))
	})

	t.Run("concurrent bookings share one new contact", func(t *testing.T) {
		phone := fmt.Sprintf("(646) 555-%04d", gofakeit.Number(0, 9999))
		ids := make(chan string, 10)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				start := at(day, "09:00").Add(time.Duration(i) * 30 * time.Minute)
				res, err := l.Reserve(ctx, ReserveRequest{
					TenantID: "dedupe", ResourceID: "room-1",
					Range:   models.TimeRange{Start: start, End: start.Add(30 * time.Minute)},
					Contact: &ContactInput{Phone: phone, Name: gofakeit.Name()},
				})
				if assert.NoError(t, err) && assert.True(t, res.Success) {
					ids <- res.Contact.ID
				}
			}(i)
		}
		wg.Wait()
		close(ids)

		seen := map[string]bool{}
		for id := range ids {
			seen[id] = true
		}
		assert.Len(t, seen, 1)
	})
}

func TestMemoryLedger(t *testing.T) {
	l := NewMemoryLedger(DefaultPolicy(), "US")
	ledgerContract(t, l, func(t *testing.T, tenantID, resourceID string, start time.Time) int {
		l.mu.Lock()
		defer l.mu.Unlock()
		n := 0
		for _, r := range l.reservations {
			if r.TenantID == tenantID && r.ResourceID == resourceID && r.Start.Equal(start) && r.Status.Active() {
				n++
			}
		}
		return n
	})
}

func TestPostgresLedger(t *testing.T) {
	pool := pgtest.NewPool(t)
	ledgerContract(t, NewPostgresLedger(pool, DefaultPolicy(), "US"), func(t *testing.T, tenantID, resourceID string, start time.Time) int {
		return countActive(t, pool, tenantID, resourceID, start)
	})
}

func countActive(t *testing.T, pool *pgxpool.Pool, tenantID, resourceID string, start time.Time) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM reservations
		WHERE tenant_id = $1 AND resource_id = $2 AND start_time = $3
			AND status IN ('held', 'confirmed')
	`, tenantID, resourceID, start).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestPostgresLedger_LostSlotRaceIsConflict(t *testing.T) {
	pool := pgtest.NewPool(t)
	l := NewPostgresLedger(pool, DefaultPolicy(), "US")
	ctx := context.Background()
	day := bookingDay()

	t.Run("insert committed after the overlap check", func(t *testing.T) {
		want := span(day, "11:00", "11:30")

		// a competing writer that skips the advisory lock holds the slot uncommitted
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, tenant_id, resource_id, start_time, end_time, status)
			VALUES ($1, 'acme', 'room-race', $2, $3, 'held')
		`, uuid.NewString(), want.Start, want.End)
		require.NoError(t, err)

		done := make(chan *ReserveResult, 1)
		go func() {
			res, err := l.Reserve(ctx, ReserveRequest{TenantID: "acme", ResourceID: "room-race", Range: want})
			assert.NoError(t, err)
			done <- res
		}()
		time.Sleep(200 * time.Millisecond)
		require.NoError(t, tx.Commit(ctx))

		res := <-done
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Alternatives)
		assert.Equal(t, 1, countActive(t, pool, "acme", "room-race", want.Start))
	})

	t.Run("second unique violation surfaces a conflict", func(t *testing.T) {
		want := span(day, "14:00", "14:30")
		require.True(t, reserve(t, l, "acme", "room-lost", want).Success)

		calls := 0
		lose := func(context.Context, ReserveRequest, *models.Contact) (*ReserveResult, error) {
			calls++
			return nil, fmt.Errorf("failed to insert reservation: %w",
				&pgconn.PgError{Code: "23505", ConstraintName: activeSlotConstraint})
		}
		res, err := l.reserveSlot(ctx, ReserveRequest{TenantID: "acme", ResourceID: "room-lost", Range: want}, nil, lose)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.False(t, res.Success)
		assert.Nil(t, res.Reservation)
		require.NotEmpty(t, res.Alternatives)
		for _, alt := range res.Alternatives {
			assert.False(t, alt.Overlaps(want))
		}
	})
}
