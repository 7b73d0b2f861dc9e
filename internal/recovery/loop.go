// Package recovery repairs dispatcher state after crashes, restarts and
// missed timers. It runs once at boot and then on a fixed interval, and is
// the component that makes the engine crash-safe: everything it does is a
// conditional store transition, so concurrent passes and live timers can
// never double-deliver.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/model"
	"github.com/polizaops/scheduled-notifier/internal/repository/notification"
)

// defaultFailedRequeueDelay spaces recovered failures a little out instead
// of hammering the transport right on the tick.
const defaultFailedRequeueDelay = 2 * time.Minute

type notificationStore interface {
	ReleaseStuck(ctx context.Context, olderThan time.Duration) ([]model.Notification, error)
	FindClaimable(ctx context.Context, horizon, freshness time.Duration) ([]model.Notification, error)
	FindActiveScheduled(ctx context.Context) ([]model.Notification, error)
	FindRecoverableFailed(ctx context.Context, maxAge time.Duration, maxRetries int) ([]model.Notification, error)
	BeginProcessing(ctx context.Context, id uuid.UUID) (*model.Notification, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*model.Notification, error)
	Requeue(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*model.Notification, error)
}

type dispatcher interface {
	Armed(id uuid.UUID) bool
	Schedule(ctx context.Context, n model.Notification)
	Deliver(id uuid.UUID)
}

// Config carries the reconciliation tunables.
type Config struct {
	Interval           time.Duration // tick between passes
	StuckThreshold     time.Duration // processing age before forced release
	ClaimFreshness     time.Duration // forwarded to claim attempts
	Horizon            time.Duration // how far ahead pending records are armed
	GraceWindow        time.Duration // max overdue still delivered immediately
	FailedRetryAge     time.Duration // max age of a failed record still recoverable
	MaxRetries         int
	FailedRequeueDelay time.Duration // how far out recovered failures are rescheduled
}

// Loop is the periodic reconciler.
type Loop struct {
	store notificationStore
	disp  dispatcher
	cfg   Config

	cron *cron.Cron
	ctx  context.Context
}

// New creates a stopped recovery loop.
func New(store notificationStore, disp dispatcher, cfg Config) *Loop {
	if cfg.FailedRequeueDelay <= 0 {
		cfg.FailedRequeueDelay = defaultFailedRequeueDelay
	}

	return &Loop{store: store, disp: disp, cfg: cfg}
}

// Start runs one pass immediately and then schedules the periodic tick.
func (l *Loop) Start(ctx context.Context) error {
	l.ctx = ctx

	l.RunOnce(ctx)

	l.cron = cron.New()
	if _, err := l.cron.AddFunc(fmt.Sprintf("@every %s", l.cfg.Interval), func() {
		l.RunOnce(l.ctx)
	}); err != nil {
		return fmt.Errorf("schedule recovery tick: %w", err)
	}
	l.cron.Start()

	zlog.Logger.Info().Dur("interval", l.cfg.Interval).Msg("recovery loop started")
	return nil
}

// Stop halts the tick and waits for a pass in flight to finish.
func (l *Loop) Stop() {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	zlog.Logger.Info().Msg("recovery loop stopped")
}

// RunOnce executes one reconciliation pass. Every step runs in its own
// error boundary: one record or one store hiccup never aborts the pass.
func (l *Loop) RunOnce(ctx context.Context) {
	l.unstick(ctx)
	l.rearmPending(ctx)
	l.reconcileScheduled(ctx)
	l.retryFailed(ctx)
}

// unstick forces processing records whose attempt started too long ago back
// to pending. The released rows are claimable again, so the re-arm step of
// this same pass picks them up.
func (l *Loop) unstick(ctx context.Context) {
	released, err := l.store.ReleaseStuck(ctx, l.cfg.StuckThreshold)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("recovery: failed to release stuck notifications")
		return
	}

	for _, n := range released {
		zlog.Logger.Warn().
			Str("id", n.ID.String()).
			Str("expedient", n.ExpedientNumber).
			Msg("recovery: released stuck notification")
	}
}

// rearmPending claims every eligible pending record and arms it, skipping
// ids the dispatcher already holds a timer for.
func (l *Loop) rearmPending(ctx context.Context) {
	pending, err := l.store.FindClaimable(ctx, l.cfg.Horizon, l.cfg.ClaimFreshness)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("recovery: failed to list claimable notifications")
		return
	}

	for _, n := range pending {
		if l.disp.Armed(n.ID) {
			continue
		}
		l.disp.Schedule(ctx, n)
	}
}

// reconcileScheduled handles scheduled records with no live timer, the
// post-restart case. Slightly overdue ones are delivered immediately, ones
// past the grace window are failed with a missed-deadline reason, and
// still-future ones go back to pending to be claimed and armed again.
func (l *Loop) reconcileScheduled(ctx context.Context) {
	scheduled, err := l.store.FindActiveScheduled(ctx)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("recovery: failed to list scheduled notifications")
		return
	}

	now := time.Now()

	for _, n := range scheduled {
		if l.disp.Armed(n.ID) {
			continue
		}

		overdue := now.Sub(n.ScheduledAt)

		switch {
		case overdue <= 0:
			requeued, err := l.store.Requeue(ctx, n.ID, n.ScheduledAt)
			if err != nil {
				zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("recovery: failed to requeue orphan")
				continue
			}
			if requeued != nil {
				l.disp.Schedule(ctx, *requeued)
			}

		case overdue <= l.cfg.GraceWindow:
			zlog.Logger.Info().
				Str("id", n.ID.String()).
				Dur("overdue", overdue).
				Msg("recovery: delivering overdue notification within grace window")
			l.disp.Deliver(n.ID)

		default:
			l.markMissed(ctx, n, overdue)
		}
	}
}

// markMissed fails an orphan too old to deliver, routing it through the
// processing transition so the ownership guard applies even here.
func (l *Loop) markMissed(ctx context.Context, n model.Notification, overdue time.Duration) {
	rec, err := l.store.BeginProcessing(ctx, n.ID)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("recovery: failed to take over missed notification")
		return
	}
	if rec == nil {
		return
	}

	if _, err := l.store.MarkFailed(ctx, n.ID, notification.FailedReasonMissed); err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("recovery: failed to mark missed notification")
		return
	}

	zlog.Logger.Warn().
		Str("id", n.ID.String()).
		Str("expedient", n.ExpedientNumber).
		Dur("overdue", overdue).
		Msg("recovery: notification missed its deadline")
}

// retryFailed gives recent failures with retries left one more attempt,
// requeued a little out from the tick.
func (l *Loop) retryFailed(ctx context.Context) {
	failed, err := l.store.FindRecoverableFailed(ctx, l.cfg.FailedRetryAge, l.cfg.MaxRetries)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("recovery: failed to list recoverable notifications")
		return
	}

	retryAt := time.Now().Add(l.cfg.FailedRequeueDelay)

	for _, n := range failed {
		requeued, err := l.store.Requeue(ctx, n.ID, retryAt)
		if err != nil {
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("recovery: failed to requeue failed notification")
			continue
		}
		if requeued != nil {
			l.disp.Schedule(ctx, *requeued)
		}
	}
}
