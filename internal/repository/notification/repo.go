package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/polizaops/scheduled-notifier/internal/model"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrNotCancellable reports a cancel against a record that exists but
	// already left the pending/scheduled states.
	ErrNotCancellable = errors.New("notification is not in a cancellable state")
)

// FailedReasonMissed marks records whose timer deadline was missed by more
// than the grace window after a restart. Such failures are final: retrying
// them would deliver an alert long after it stopped being useful.
const FailedReasonMissed = "missed deadline after restart"

// notificationColumns is the canonical column list returned by every
// conditional update, so callers always observe the full row they won.
const notificationColumns = `
	id, business_key, expedient_number, kind, scheduled_at, status,
	last_claimed_at, processing_started_at, sent_at, retry_count,
	last_error, target_channel, display_payload, created_at, updated_at`

// Repository provides methods to interact with the notifications table.
//
// Every state transition is a single conditional UPDATE guarded by the
// current status. A conditional update that matches zero rows means the
// caller lost the race; those methods return (nil, nil) rather than an
// error, because losing is expected under concurrent recovery passes.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new notification repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateRequest carries the fields needed to insert a new notification.
type CreateRequest struct {
	BusinessKey     string
	ExpedientNumber string
	Kind            model.Kind
	ScheduledAt     time.Time
	TargetChannel   string
	DisplayPayload  map[string]string
}

// Create inserts a new pending notification, unless an active record with
// the same (business_key, expedient_number, kind) tuple already exists, in
// which case the existing record is returned unchanged and created is false.
//
// The insert races through a partial unique index restricted to active
// statuses, so two concurrent calls for the same tuple never both insert.
func (r *Repository) Create(ctx context.Context, req CreateRequest) (model.Notification, bool, error) {
	payload, err := json.Marshal(req.DisplayPayload)
	if err != nil {
		return model.Notification{}, false, fmt.Errorf("marshal display payload: %w", err)
	}

	query := `
		INSERT INTO notifications (
		    business_key, expedient_number, kind, scheduled_at, status, target_channel, display_payload
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6)
		ON CONFLICT (business_key, expedient_number, kind)
		    WHERE status IN ('pending', 'scheduled', 'processing')
		    DO NOTHING
		RETURNING` + notificationColumns + `;
    `

	row := r.db.Master.QueryRowContext(
		ctx, query,
		req.BusinessKey, req.ExpedientNumber, req.Kind, req.ScheduledAt, req.TargetChannel, payload,
	)

	n, err := scanNotification(row)
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, false, fmt.Errorf("failed to create notification: %w", err)
	}

	// Lost the upsert race: return the active record that won.
	existing := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE business_key = $1 AND expedient_number = $2 AND kind = $3
		  AND status IN ('pending', 'scheduled', 'processing')
		LIMIT 1;
    `

	n, err = scanNotification(r.db.Master.QueryRowContext(ctx, existing, req.BusinessKey, req.ExpedientNumber, req.Kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, false, ErrNotificationNotFound
		}
		return model.Notification{}, false, fmt.Errorf("failed to load duplicate notification: %w", err)
	}

	return n, false, nil
}

// Claim atomically moves a pending notification to scheduled, but only when
// its claim marker is absent or older than the freshness window. Returns
// (nil, nil) when the conditional update matched zero rows.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, freshness time.Duration) (*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'scheduled', last_claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (last_claimed_at IS NULL OR last_claimed_at < $2)
		RETURNING` + notificationColumns + `;
    `

	cutoff := time.Now().Add(-freshness)

	n, err := scanNotification(r.db.Master.QueryRowContext(ctx, query, id, cutoff))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim notification: %w", err)
	}

	return &n, nil
}

// BeginProcessing atomically moves a pending or scheduled notification to
// processing. The pending branch is the immediate-fire path for records
// already due at creation time. Returns (nil, nil) on a lost race, which is
// the double-send guard.
func (r *Repository) BeginProcessing(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'processing', processing_started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled')
		RETURNING` + notificationColumns + `;
    `

	n, err := scanNotification(r.db.Master.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to begin processing: %w", err)
	}

	return &n, nil
}

// MarkSent finalizes a processing notification as sent.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'sent', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing';
    `

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

// MarkFailed moves a processing notification to failed, increments its retry
// count and records the error. Returns the updated row so the caller can
// consult the backoff policy, or (nil, nil) on a lost race.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2,
		    processing_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING` + notificationColumns + `;
    `

	n, err := scanNotification(r.db.Master.QueryRowContext(ctx, query, id, reason))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to mark notification failed: %w", err)
	}

	return &n, nil
}

// MarkCancelled cancels a single pending or scheduled notification. A record
// already processing (send in flight) is left alone and resolves on its own;
// that case reports ErrNotCancellable, while an unknown id reports
// ErrNotificationNotFound.
func (r *Repository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'scheduled');
    `

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}

	return nil
}

// Requeue returns a scheduled or failed notification to pending with a new
// fire time, clearing claim and processing markers so it can be claimed
// again. Returns (nil, nil) on a lost race.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'pending', scheduled_at = $2, last_claimed_at = NULL,
		    processing_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'failed')
		RETURNING` + notificationColumns + `;
    `

	n, err := scanNotification(r.db.Master.QueryRowContext(ctx, query, id, scheduledAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to requeue notification: %w", err)
	}

	return &n, nil
}

// ReleaseStuck forces processing notifications whose attempt started before
// the cutoff back to pending, on the assumption that the process which
// claimed them died mid-send. Returns the released rows.
func (r *Repository) ReleaseStuck(ctx context.Context, olderThan time.Duration) ([]model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'pending', last_claimed_at = NULL, processing_started_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND processing_started_at < $1
		RETURNING` + notificationColumns + `;
    `

	cutoff := time.Now().Add(-olderThan)

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to release stuck notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// FindClaimable returns pending notifications whose claim marker is stale or
// absent and whose fire time falls inside the arming horizon.
func (r *Repository) FindClaimable(ctx context.Context, horizon, freshness time.Duration) ([]model.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending'
		  AND scheduled_at <= $1
		  AND (last_claimed_at IS NULL OR last_claimed_at < $2)
		ORDER BY scheduled_at;
    `

	now := time.Now()

	rows, err := r.db.QueryContext(ctx, query, now.Add(horizon), now.Add(-freshness))
	if err != nil {
		return nil, fmt.Errorf("failed to find claimable notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// FindActiveScheduled returns every scheduled notification. The recovery
// loop uses it to detect orphans that no live timer owns.
func (r *Repository) FindActiveScheduled(ctx context.Context) ([]model.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = 'scheduled'
		ORDER BY scheduled_at;
    `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find scheduled notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// FindRecoverableFailed returns failed notifications that are recent enough
// and still under the retry limit, eligible for one more attempt. Records
// failed for missing their deadline are final and never returned.
func (r *Repository) FindRecoverableFailed(ctx context.Context, maxAge time.Duration, maxRetries int) ([]model.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = 'failed' AND retry_count < $1 AND updated_at > $2
		  AND (last_error IS NULL OR last_error <> $3)
		ORDER BY scheduled_at;
    `

	cutoff := time.Now().Add(-maxAge)

	rows, err := r.db.QueryContext(ctx, query, maxRetries, cutoff, FailedReasonMissed)
	if err != nil {
		return nil, fmt.Errorf("failed to find recoverable notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// CancelByExpedient cancels every pending or scheduled notification tied to
// the expedient and returns the cancelled rows, so the caller can drop their
// local timers. Records already processing are untouched.
func (r *Repository) CancelByExpedient(ctx context.Context, expedientNumber string) ([]model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'cancelled', updated_at = NOW()
		WHERE expedient_number = $1 AND status IN ('pending', 'scheduled')
		RETURNING` + notificationColumns + `;
    `

	rows, err := r.db.QueryContext(ctx, query, expedientNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel notifications by expedient: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// ActiveFilter narrows GetActive results. Zero values mean no filtering.
type ActiveFilter struct {
	ExpedientNumber string
	Kind            model.Kind
}

// GetActive returns notifications in an active status, optionally filtered
// by expedient and kind, ordered by fire time.
func (r *Repository) GetActive(ctx context.Context, filter ActiveFilter) ([]model.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status IN ('pending', 'scheduled', 'processing')
		  AND ($1 = '' OR expedient_number = $1)
		  AND ($2 = '' OR kind = $2)
		ORDER BY scheduled_at;
    `

	rows, err := r.db.QueryContext(ctx, query, filter.ExpedientNumber, string(filter.Kind))
	if err != nil {
		return nil, fmt.Errorf("failed to get active notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// GetByID retrieves a notification by its ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (model.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE id = $1;
    `

	n, err := scanNotification(r.db.Master.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, ErrNotificationNotFound
		}
		return model.Notification{}, fmt.Errorf("failed to get notification: %w", err)
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (model.Notification, error) {
	var (
		n       model.Notification
		payload []byte
	)

	err := row.Scan(
		&n.ID, &n.BusinessKey, &n.ExpedientNumber, &n.Kind, &n.ScheduledAt, &n.Status,
		&n.LastClaimedAt, &n.ProcessingStartedAt, &n.SentAt, &n.RetryCount,
		&n.LastError, &n.TargetChannel, &payload, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return model.Notification{}, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.DisplayPayload); err != nil {
			return model.Notification{}, fmt.Errorf("unmarshal display payload: %w", err)
		}
	}

	return n, nil
}

func collectNotifications(rows *sql.Rows) ([]model.Notification, error) {
	var notifications []model.Notification

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}
