package recovery

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/model"
	"github.com/polizaops/scheduled-notifier/internal/repository/notification"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type fakeStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*model.Notification
}

func newFakeStore(recs ...model.Notification) *fakeStore {
	s := &fakeStore{recs: make(map[uuid.UUID]*model.Notification)}
	for i := range recs {
		n := recs[i]
		s.recs[n.ID] = &n
	}
	return s
}

func (s *fakeStore) get(id uuid.UUID) model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recs[id]
}

func (s *fakeStore) ReleaseStuck(_ context.Context, olderThan time.Duration) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var released []model.Notification
	for _, n := range s.recs {
		if n.Status == model.StatusProcessing && n.ProcessingStartedAt != nil && n.ProcessingStartedAt.Before(cutoff) {
			n.Status = model.StatusPending
			n.LastClaimedAt = nil
			n.ProcessingStartedAt = nil
			released = append(released, *n)
		}
	}
	return released, nil
}

func (s *fakeStore) FindClaimable(_ context.Context, horizon, freshness time.Duration) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := time.Now().Add(horizon)
	staleBefore := time.Now().Add(-freshness)
	var out []model.Notification
	for _, n := range s.recs {
		if n.Status != model.StatusPending || n.ScheduledAt.After(limit) {
			continue
		}
		if n.LastClaimedAt != nil && n.LastClaimedAt.After(staleBefore) {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *fakeStore) FindActiveScheduled(_ context.Context) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Notification
	for _, n := range s.recs {
		if n.Status == model.StatusScheduled {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *fakeStore) FindRecoverableFailed(_ context.Context, maxAge time.Duration, maxRetries int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var out []model.Notification
	for _, n := range s.recs {
		if n.Status != model.StatusFailed || n.RetryCount >= maxRetries || n.UpdatedAt.Before(cutoff) {
			continue
		}
		if n.LastError != nil && *n.LastError == notification.FailedReasonMissed {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *fakeStore) BeginProcessing(_ context.Context, id uuid.UUID) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.recs[id]
	if !ok || (n.Status != model.StatusPending && n.Status != model.StatusScheduled) {
		return nil, nil
	}

	now := time.Now()
	n.Status = model.StatusProcessing
	n.ProcessingStartedAt = &now
	out := *n
	return &out, nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.recs[id]
	if !ok || n.Status != model.StatusProcessing {
		return nil, nil
	}

	n.Status = model.StatusFailed
	n.RetryCount++
	n.LastError = &reason
	n.ProcessingStartedAt = nil
	out := *n
	return &out, nil
}

func (s *fakeStore) Requeue(_ context.Context, id uuid.UUID, scheduledAt time.Time) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.recs[id]
	if !ok || (n.Status != model.StatusScheduled && n.Status != model.StatusFailed) {
		return nil, nil
	}

	n.Status = model.StatusPending
	n.ScheduledAt = scheduledAt
	n.LastClaimedAt = nil
	n.ProcessingStartedAt = nil
	out := *n
	return &out, nil
}

// fakeDispatcher records which ids were scheduled or delivered.
type fakeDispatcher struct {
	mu        sync.Mutex
	armed     map[uuid.UUID]bool
	scheduled []uuid.UUID
	delivered []uuid.UUID
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{armed: make(map[uuid.UUID]bool)}
}

func (d *fakeDispatcher) Armed(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed[id]
}

func (d *fakeDispatcher) Schedule(_ context.Context, n model.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, n.ID)
}

func (d *fakeDispatcher) Deliver(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, id)
}

func testConfig() Config {
	return Config{
		Interval:       time.Minute,
		StuckThreshold: 10 * time.Minute,
		ClaimFreshness: 2 * time.Minute,
		Horizon:        24 * time.Hour,
		GraceWindow:    30 * time.Minute,
		FailedRetryAge: 24 * time.Hour,
		MaxRetries:     3,
	}
}

func record(status model.Status, scheduledAt time.Time) model.Notification {
	now := time.Now()
	return model.Notification{
		ID:          uuid.New(),
		BusinessKey: "POL-1",
		Kind:        model.KindContact,
		ScheduledAt: scheduledAt,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRunOnce_ReleasesStuckAndReschedules(t *testing.T) {
	stuck := record(model.StatusProcessing, time.Now().Add(-time.Hour))
	started := time.Now().Add(-time.Hour)
	stuck.ProcessingStartedAt = &started

	store := newFakeStore(stuck)
	disp := newFakeDispatcher()

	New(store, disp, testConfig()).RunOnce(context.Background())

	// Released back to pending, then picked up by the re-arm step of the
	// same pass.
	assert.Contains(t, disp.scheduled, stuck.ID)
}

func TestRunOnce_RearmsPendingSkippingArmed(t *testing.T) {
	cold := record(model.StatusPending, time.Now().Add(time.Hour))
	warm := record(model.StatusPending, time.Now().Add(time.Hour))

	store := newFakeStore(cold, warm)
	disp := newFakeDispatcher()
	disp.armed[warm.ID] = true

	New(store, disp, testConfig()).RunOnce(context.Background())

	assert.Contains(t, disp.scheduled, cold.ID)
	assert.NotContains(t, disp.scheduled, warm.ID)
}

func TestRunOnce_OrphanStillFutureGoesBackToPending(t *testing.T) {
	orphan := record(model.StatusScheduled, time.Now().Add(time.Hour))

	store := newFakeStore(orphan)
	disp := newFakeDispatcher()

	New(store, disp, testConfig()).RunOnce(context.Background())

	assert.Contains(t, disp.scheduled, orphan.ID)
}

func TestRunOnce_OrphanWithinGraceIsDelivered(t *testing.T) {
	orphan := record(model.StatusScheduled, time.Now().Add(-5*time.Minute))

	store := newFakeStore(orphan)
	disp := newFakeDispatcher()

	New(store, disp, testConfig()).RunOnce(context.Background())

	assert.Contains(t, disp.delivered, orphan.ID)
	assert.Empty(t, disp.scheduled)
}

func TestRunOnce_OrphanPastGraceIsFailedAsMissed(t *testing.T) {
	orphan := record(model.StatusScheduled, time.Now().Add(-2*time.Hour))

	store := newFakeStore(orphan)
	disp := newFakeDispatcher()

	New(store, disp, testConfig()).RunOnce(context.Background())

	got := store.get(orphan.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, notification.FailedReasonMissed, *got.LastError)
	assert.Empty(t, disp.delivered)
	assert.Empty(t, disp.scheduled)
}

func TestRunOnce_ArmedScheduledIsLeftAlone(t *testing.T) {
	live := record(model.StatusScheduled, time.Now().Add(-2*time.Hour))

	store := newFakeStore(live)
	disp := newFakeDispatcher()
	disp.armed[live.ID] = true

	New(store, disp, testConfig()).RunOnce(context.Background())

	assert.Equal(t, model.StatusScheduled, store.get(live.ID).Status)
}

func TestRunOnce_RetriesFailedButNotMissed(t *testing.T) {
	retriable := record(model.StatusFailed, time.Now().Add(-time.Minute))
	retriable.RetryCount = 1
	reason := "connection reset"
	retriable.LastError = &reason

	missed := record(model.StatusFailed, time.Now().Add(-2*time.Hour))
	missed.RetryCount = 1
	missedReason := notification.FailedReasonMissed
	missed.LastError = &missedReason

	exhausted := record(model.StatusFailed, time.Now().Add(-time.Minute))
	exhausted.RetryCount = 3
	exhausted.LastError = &reason

	store := newFakeStore(retriable, missed, exhausted)
	disp := newFakeDispatcher()

	cfg := testConfig()
	cfg.FailedRequeueDelay = time.Minute
	New(store, disp, cfg).RunOnce(context.Background())

	assert.Equal(t, []uuid.UUID{retriable.ID}, disp.scheduled)
	assert.Equal(t, model.StatusPending, store.get(retriable.ID).Status)
	assert.Equal(t, model.StatusFailed, store.get(missed.ID).Status)
	assert.Equal(t, model.StatusFailed, store.get(exhausted.ID).Status)
}
