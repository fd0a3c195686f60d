package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voxline/callgate/common/logging"
	"github.com/voxline/callgate/common/signature"
	"github.com/voxline/callgate/gateway/internal/models"
)

// ErrSyncRejected means the calendar refused the booking. Retrying the
// same request will not help.
var ErrSyncRejected = errors.New("calendar rejected booking")

// CalendarSyncer pushes a confirmed reservation to an external calendar.
type CalendarSyncer interface {
	Sync(ctx context.Context, r *models.Reservation, c *models.Contact) error
}

// LogSyncer only logs. It is used when no calendar endpoint is configured.
type LogSyncer struct {
	Logger *slog.Logger
}

func (s LogSyncer) Sync(_ context.Context, r *models.Reservation, _ *models.Contact) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("calendar sync skipped, no endpoint configured",
		logging.TenantID(r.TenantID),
		logging.ResourceID(r.ResourceID),
		slog.String("reservation_id", r.ID),
	)
	return nil
}

// HTTPSyncer posts reservations as signed JSON to a calendar bridge.
type HTTPSyncer struct {
	url    string
	secret []byte
	client *http.Client
}

func NewHTTPSyncer(url, secret string, timeout time.Duration) *HTTPSyncer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSyncer{url: url, secret: []byte(secret), client: &http.Client{Timeout: timeout}}
}

type syncPayload struct {
	Reservation *models.Reservation `json:"reservation"`
	Contact     *models.Contact     `json:"contact,omitempty"`
}

func (s *HTTPSyncer) Sync(ctx context.Context, r *models.Reservation, c *models.Contact) error {
	body, err := json.Marshal(syncPayload{Reservation: r, Contact: c})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", signature.Sign(body, ts, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("calendar sync: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrSyncRejected, resp.StatusCode)
	default:
		return fmt.Errorf("calendar sync failed with status %d", resp.StatusCode)
	}
}
