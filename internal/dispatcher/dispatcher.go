// Package dispatcher fires scheduled notifications at the right wall-clock
// time. It keeps a process-local registry of armed timers over the store,
// which stays the single authority for who owns a record: losing the local
// state only costs a delayed recovery pass, never a double send.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/backoff"
	"github.com/polizaops/scheduled-notifier/internal/delivery"
	"github.com/polizaops/scheduled-notifier/internal/model"
)

//go:generate mockgen -source=dispatcher.go -destination=../mocks/dispatcher/mock.go -package=mocks

// notificationStore is the subset of the repository the dispatcher drives.
// Methods returning (nil, nil) lost a conditional update race.
type notificationStore interface {
	Claim(ctx context.Context, id uuid.UUID, freshness time.Duration) (*model.Notification, error)
	BeginProcessing(ctx context.Context, id uuid.UUID) (*model.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*model.Notification, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	Requeue(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*model.Notification, error)
}

// Config carries the dispatcher tunables.
type Config struct {
	ClaimFreshness  time.Duration // window a persisted claim marker stays fresh
	Horizon         time.Duration // max delay armed as a live timer
	DeliveryTimeout time.Duration // bound on a single send attempt
}

// Dispatcher owns the armed-timer registry and the delivery path.
type Dispatcher struct {
	store  notificationStore
	client delivery.Client
	policy backoff.Policy
	cfg    Config

	baseCtx context.Context

	mu       sync.Mutex
	timers   map[uuid.UUID]*time.Timer
	inFlight map[uuid.UUID]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a stopped dispatcher.
func New(store notificationStore, client delivery.Client, policy backoff.Policy, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    store,
		client:   client,
		policy:   policy,
		cfg:      cfg,
		baseCtx:  context.Background(),
		timers:   make(map[uuid.UUID]*time.Timer),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Start binds the context deliveries run under.
func (d *Dispatcher) Start(ctx context.Context) {
	d.baseCtx = ctx
}

// Stop drops every armed timer and waits for in-flight deliveries to settle.
// Pending records are re-armed by the recovery loop on the next start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	zlog.Logger.Info().Msg("dispatcher stopped")
}

// Armed reports whether a live timer exists for the id.
func (d *Dispatcher) Armed(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.timers[id]
	return ok
}

// Schedule takes a pending notification through claim and arm. An already
// due record takes the immediate-fire path instead, collapsing straight into
// processing. A record beyond the horizon stays pending and unclaimed so a
// later recovery pass picks it up. A lost claim is silently dropped; whoever
// won will arm it.
func (d *Dispatcher) Schedule(ctx context.Context, n model.Notification) {
	if d.Armed(n.ID) {
		return
	}

	delay := time.Until(n.ScheduledAt)

	if delay <= 0 {
		d.deliverAsync(n.ID)
		return
	}

	if delay > d.cfg.Horizon {
		zlog.Logger.Debug().
			Str("id", n.ID.String()).
			Time("scheduled_at", n.ScheduledAt).
			Msg("fire time beyond horizon, leaving unclaimed")
		return
	}

	claimed, err := d.store.Claim(ctx, n.ID, d.cfg.ClaimFreshness)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to claim notification")
		return
	}
	if claimed == nil {
		return
	}

	d.Arm(*claimed)
}

// Arm registers a one-shot timer for a claimed notification. An existing
// entry for the id wins, so concurrent recovery passes never double-arm.
// Delays beyond the horizon are left for a later recovery pass rather than
// held as long-lived timers.
func (d *Dispatcher) Arm(n model.Notification) {
	delay := time.Until(n.ScheduledAt)

	if delay <= 0 {
		d.deliverAsync(n.ID)
		return
	}

	if delay > d.cfg.Horizon {
		zlog.Logger.Debug().
			Str("id", n.ID.String()).
			Time("scheduled_at", n.ScheduledAt).
			Msg("fire time beyond horizon, leaving for recovery")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.timers[n.ID]; ok {
		return
	}

	id := n.ID
	d.timers[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()

		d.deliverAsync(id)
	})
}

// Cancel clears the local timer and flips the persisted status. When the
// record has already moved to processing the persisted cancel is a no-op;
// the in-flight attempt still resolves to sent or failed.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	d.Forget(id)
	return d.store.MarkCancelled(ctx, id)
}

// Forget drops the local timer entry, if any, without touching the store.
func (d *Dispatcher) Forget(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
}

// deliverAsync runs a delivery on its own goroutine, registered with the
// wait group so Stop holds until the attempt settles. Every delivery path,
// including timer callbacks, must go through here; a send that outlives
// Stop would race the connection teardown in main.
func (d *Dispatcher) deliverAsync(id uuid.UUID) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.Deliver(id)
	}()
}

// Deliver runs one delivery attempt for the record. The persisted
// BeginProcessing transition is the authority for ownership; the local
// in-flight set only spares near-simultaneous recovery and timer paths a
// redundant store round-trip.
func (d *Dispatcher) Deliver(id uuid.UUID) {
	if !d.beginLocal(id) {
		return
	}
	defer d.endLocal(id)

	ctx := d.baseCtx

	rec, err := d.store.BeginProcessing(ctx, id)
	if err != nil {
		// Store unavailable: leave the record as is, the next recovery
		// pass retries it.
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to begin processing")
		return
	}
	if rec == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	sendErr := d.client.Send(sendCtx, rec.TargetChannel, rec.DisplayPayload)
	cancel()

	if sendErr == nil {
		if err := d.store.MarkSent(ctx, id); err != nil {
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to mark notification sent")
			return
		}

		zlog.Logger.Info().
			Str("id", id.String()).
			Str("channel", rec.TargetChannel).
			Msg("notification sent")
		return
	}

	zlog.Logger.Warn().Err(sendErr).
		Str("id", id.String()).
		Str("channel", rec.TargetChannel).
		Int("retry_count", rec.RetryCount).
		Msg("delivery failed")

	failed, err := d.store.MarkFailed(ctx, id, sendErr.Error())
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to mark notification failed")
		return
	}
	if failed == nil {
		return
	}

	if !d.policy.ShouldRetry(sendErr, failed.RetryCount) {
		zlog.Logger.Warn().
			Str("id", id.String()).
			Int("retry_count", failed.RetryCount).
			Msg("notification failed terminally")
		return
	}

	retryAt := time.Now().Add(d.policy.Delay(failed.RetryCount))

	requeued, err := d.store.Requeue(ctx, id, retryAt)
	if err != nil {
		// The failed row stays eligible for the recovery loop.
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to requeue notification")
		return
	}
	if requeued == nil {
		return
	}

	d.Schedule(ctx, *requeued)
}

func (d *Dispatcher) beginLocal(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}

	return true
}

func (d *Dispatcher) endLocal(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inFlight, id)
}
