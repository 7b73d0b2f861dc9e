package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/model"
	notifrepo "github.com/polizaops/scheduled-notifier/internal/repository/notification"
)

//go:generate mockgen -source=service.go -destination=../../mocks/service/notification/mock.go -package=mocks

// notificationRepository is the store surface the service orchestrates.
type notificationRepository interface {
	Create(ctx context.Context, req notifrepo.CreateRequest) (model.Notification, bool, error)
	GetActive(ctx context.Context, filter notifrepo.ActiveFilter) ([]model.Notification, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Notification, error)
	CancelByExpedient(ctx context.Context, expedientNumber string) ([]model.Notification, error)
}

// scheduler is the dispatcher surface the service drives after store writes.
type scheduler interface {
	Schedule(ctx context.Context, n model.Notification)
	Cancel(ctx context.Context, id uuid.UUID) error
	Forget(id uuid.UUID)
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// CreateInput carries a validated creation request. A relative delay in the
// transport request is already resolved to an absolute ScheduledAt here.
type CreateInput struct {
	BusinessKey     string
	ExpedientNumber string
	Kind            model.Kind
	ScheduledAt     time.Time
	TargetChannel   string
	DisplayPayload  map[string]string
}

// Service implements the external interface of the dispatch engine: create,
// cancel by expedient and the operational read queries.
type Service struct {
	repo      notificationRepository
	scheduler scheduler
	cache     cache
}

// NewService creates a new notification service.
func NewService(repo notificationRepository, sched scheduler, cache cache) *Service {
	return &Service{repo: repo, scheduler: sched, cache: cache}
}

// Create inserts a notification and hands it to the dispatcher. Creation is
// idempotent per (businessKey, expedientNumber, kind): while an active record
// for the tuple exists, the same record comes back and nothing is re-armed.
// The returned flag reports whether a new record was inserted.
func (s *Service) Create(ctx context.Context, strategy retry.Strategy, in CreateInput) (model.Notification, bool, error) {
	n, created, err := s.repo.Create(ctx, notifrepo.CreateRequest{
		BusinessKey:     in.BusinessKey,
		ExpedientNumber: in.ExpedientNumber,
		Kind:            in.Kind,
		ScheduledAt:     in.ScheduledAt,
		TargetChannel:   in.TargetChannel,
		DisplayPayload:  in.DisplayPayload,
	})
	if err != nil {
		return model.Notification{}, false, fmt.Errorf("create notification: %w", err)
	}

	if !created {
		zlog.Logger.Info().
			Str("id", n.ID.String()).
			Str("expedient", n.ExpedientNumber).
			Str("kind", string(n.Kind)).
			Msg("duplicate active notification, returning existing record")
		return n, false, nil
	}

	if err := s.cache.SetWithRetry(ctx, strategy, n.ID.String(), string(n.Status)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to cache notification status")
	}

	s.scheduler.Schedule(ctx, n)

	return n, true, nil
}

// GetActive returns active notifications for operational dashboards.
func (s *Service) GetActive(ctx context.Context, filter notifrepo.ActiveFilter) ([]model.Notification, error) {
	notifications, err := s.repo.GetActive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get active notifications: %w", err)
	}

	return notifications, nil
}

// GetStatusByID returns the status of a notification, reading through the
// cache first and falling back to the store.
func (s *Service) GetStatusByID(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.Status, error) {
	status, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification status from cache")
	}

	if err != nil || status == "" {
		n, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get notification status: %w", err)
		}
		status = string(n.Status)

		if err := s.cache.SetWithRetry(ctx, strategy, id.String(), status); err != nil {
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
		}
	}

	return model.Status(status), nil
}

// Cancel cancels a single notification. Cancelling a record whose delivery
// is already in flight has no persisted effect; the attempt resolves on its
// own and the store reports it as not cancellable.
func (s *Service) Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	if err := s.scheduler.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), string(model.StatusCancelled)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	return nil
}

// CancelByExpedient cancels every active notification tied to a service
// record, dropping local timers for the cancelled ids, and returns how many
// records were cancelled. In-flight deliveries are left to resolve.
func (s *Service) CancelByExpedient(ctx context.Context, strategy retry.Strategy, expedientNumber string) (int, error) {
	cancelled, err := s.repo.CancelByExpedient(ctx, expedientNumber)
	if err != nil {
		return 0, fmt.Errorf("cancel notifications by expedient: %w", err)
	}

	for _, n := range cancelled {
		s.scheduler.Forget(n.ID)

		if err := s.cache.SetWithRetry(ctx, strategy, n.ID.String(), string(model.StatusCancelled)); err != nil {
			zlog.Logger.Error().Err(err).Str("id", n.ID.String()).Msg("failed to cache notification status")
		}
	}

	return len(cancelled), nil
}
