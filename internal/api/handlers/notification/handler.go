package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/api/dto"
	"github.com/polizaops/scheduled-notifier/internal/api/respond"
	"github.com/polizaops/scheduled-notifier/internal/config"
	"github.com/polizaops/scheduled-notifier/internal/model"
	notifrepo "github.com/polizaops/scheduled-notifier/internal/repository/notification"
	notifsvc "github.com/polizaops/scheduled-notifier/internal/service/notification"
)

// notificationService defines the interface that the Handler depends on.
//
//go:generate mockgen -source=handler.go -destination=../../../mocks/api/handlers/notification/mock.go -package=mocks
type notificationService interface {
	Create(ctx context.Context, strategy retry.Strategy, in notifsvc.CreateInput) (model.Notification, bool, error)
	GetActive(ctx context.Context, filter notifrepo.ActiveFilter) ([]model.Notification, error)
	GetStatusByID(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.Status, error)
	Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error
	CancelByExpedient(ctx context.Context, strategy retry.Strategy, expedientNumber string) (int, error)
}

// Handler handles HTTP requests from the business-flow collaborator and the
// operational dashboard.
type Handler struct {
	service   notificationService
	validator *validator.Validate
	cfg       *config.Config
}

// NewHandler creates a new Handler instance.
func NewHandler(s notificationService, v *validator.Validate, cfg *config.Config) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// createResponse wraps the created or deduplicated record.
type createResponse struct {
	Notification model.Notification `json:"notification"`
	Duplicate    bool               `json:"duplicate"`
}

// Create handles POST requests to create a scheduled notification.
//
// Validation failures are rejected synchronously and never persisted. A
// request matching an existing active record returns that record with
// duplicate set, not an error.
func (h *Handler) Create(c *ginext.Context) {
	var req dto.CreateRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	scheduledAt, err := resolveScheduledAt(req)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to resolve fire time")
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	n, created, err := h.service.Create(c.Request.Context(), h.cfg.Retry, notifsvc.CreateInput{
		BusinessKey:     req.BusinessKey,
		ExpedientNumber: req.ExpedientNumber,
		Kind:            model.Kind(req.Kind),
		ScheduledAt:     scheduledAt,
		TargetChannel:   req.TargetChannel,
		DisplayPayload:  req.DisplayPayload,
	})
	if err != nil {
		zlog.Logger.Error().Err(err).Str("expedient", req.ExpedientNumber).Msg("failed to create notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	resp := createResponse{Notification: n, Duplicate: !created}
	if created {
		respond.Created(c.Writer, resp)
		return
	}

	respond.OK(c.Writer, resp)
}

// resolveScheduledAt turns the absolute-or-relative fire time of the request
// into a wall-clock timestamp.
func resolveScheduledAt(req dto.CreateRequest) (time.Time, error) {
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid scheduled_at format")
		}
		return t, nil
	}

	d, err := time.ParseDuration(req.Delay)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid delay format")
	}

	return time.Now().Add(d), nil
}

// GetActive handles GET requests for active notifications, optionally
// filtered by expedient and kind query parameters.
func (h *Handler) GetActive(c *ginext.Context) {
	filter := notifrepo.ActiveFilter{
		ExpedientNumber: c.Query("expedient"),
		Kind:            model.Kind(c.Query("kind")),
	}

	notifications, err := h.service.GetActive(c.Request.Context(), filter)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to get active notifications")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, notifications)
}

// GetStatus handles GET requests for a single notification's status.
func (h *Handler) GetStatus(c *ginext.Context) {
	id, err := parseID(c)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	status, err := h.service.GetStatusByID(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Msg("notification not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification status")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, status)
}

// Cancel handles DELETE requests for a single notification.
//
// A record whose delivery is already in flight cannot be interrupted; that
// case reports 409 and the record resolves to sent or failed on its own.
func (h *Handler) Cancel(c *ginext.Context) {
	id, err := parseID(c)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	if err := h.service.Cancel(c.Request.Context(), h.cfg.Retry, id); err != nil {
		if errors.Is(err, notifrepo.ErrNotificationNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Msg("notification not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}
		if errors.Is(err, notifrepo.ErrNotCancellable) {
			zlog.Logger.Warn().Str("id", id.String()).Msg("notification not cancellable")
			respond.Fail(c.Writer, http.StatusConflict, fmt.Errorf("notification is not in a cancellable state"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cancel notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "notification cancelled")
}

// cancelByExpedientResponse reports how many records a bulk cancel touched.
type cancelByExpedientResponse struct {
	Cancelled int `json:"cancelled"`
}

// CancelByExpedient handles DELETE requests cancelling every active
// notification of a service record, used when a service is rejected or
// undone elsewhere.
func (h *Handler) CancelByExpedient(c *ginext.Context) {
	expedient := c.Param("expedient")
	if expedient == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing expedient"))
		return
	}

	count, err := h.service.CancelByExpedient(c.Request.Context(), h.cfg.Retry, expedient)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("expedient", expedient).Msg("failed to cancel notifications")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, cancelByExpedientResponse{Cancelled: count})
}

func parseID(c *ginext.Context) (uuid.UUID, error) {
	idStr := c.Param("id")

	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("id", idStr).Msg("failed to parse id")
		return uuid.Nil, fmt.Errorf("invalid id")
	}

	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("missing id")
	}

	return id, nil
}
