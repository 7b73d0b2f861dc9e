package notification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/api/dto"
	"github.com/polizaops/scheduled-notifier/internal/config"
	mocks "github.com/polizaops/scheduled-notifier/internal/mocks/api/handlers/notification"
	"github.com/polizaops/scheduled-notifier/internal/model"
	notifrepo "github.com/polizaops/scheduled-notifier/internal/repository/notification"
	notifsvc "github.com/polizaops/scheduled-notifier/internal/service/notification"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	zlog.Init()
	os.Exit(m.Run())
}

func setupHandler(t *testing.T) (*Handler, *mocks.MocknotificationService, *config.Config) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockService := mocks.NewMocknotificationService(ctrl)
	cfg := &config.Config{Retry: retry.Strategy{Attempts: 1, Delay: time.Millisecond}}
	handler := NewHandler(mockService, validator.New(), cfg)

	return handler, mockService, cfg
}

func postCreate(t *testing.T, body dto.CreateRequest) (*gin.Context, *httptest.ResponseRecorder) {
	bodyBytes, err := json.Marshal(body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/notifications", bytes.NewReader(bodyBytes))

	return c, w
}

func validCreateRequest() dto.CreateRequest {
	return dto.CreateRequest{
		BusinessKey:     "POL-123",
		ExpedientNumber: "EXP-7",
		Kind:            "contact",
		ScheduledAt:     time.Now().Add(time.Hour).Format(time.RFC3339),
		TargetChannel:   "telegram:100",
		DisplayPayload:  map[string]string{"message": "call the holder"},
	}
}

func TestHandler_Create_Success(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	reqBody := validCreateRequest()
	c, w := postCreate(t, reqBody)

	created := model.Notification{ID: uuid.New(), Status: model.StatusPending}

	mockService.EXPECT().
		Create(gomock.Any(), cfg.Retry, gomock.AssignableToTypeOf(notifsvc.CreateInput{})).
		Return(created, true, nil)

	handler.Create(c)

	assert.Equal(t, http.StatusCreated, w.Result().StatusCode)
}

func TestHandler_Create_DelayResolvesToFuture(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	reqBody := validCreateRequest()
	reqBody.ScheduledAt = ""
	reqBody.Delay = "2h"
	c, w := postCreate(t, reqBody)

	mockService.EXPECT().
		Create(gomock.Any(), cfg.Retry, gomock.AssignableToTypeOf(notifsvc.CreateInput{})).
		DoAndReturn(func(_ interface{}, _ retry.Strategy, in notifsvc.CreateInput) (model.Notification, bool, error) {
			assert.WithinDuration(t, time.Now().Add(2*time.Hour), in.ScheduledAt, time.Minute)
			return model.Notification{ID: uuid.New()}, true, nil
		})

	handler.Create(c)

	assert.Equal(t, http.StatusCreated, w.Result().StatusCode)
}

func TestHandler_Create_Duplicate(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	c, w := postCreate(t, validCreateRequest())

	existing := model.Notification{ID: uuid.New(), Status: model.StatusScheduled}

	mockService.EXPECT().
		Create(gomock.Any(), cfg.Retry, gomock.AssignableToTypeOf(notifsvc.CreateInput{})).
		Return(existing, false, nil)

	handler.Create(c)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
}

func TestHandler_Create_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*dto.CreateRequest)
	}{
		{name: "missing business key", mutate: func(r *dto.CreateRequest) { r.BusinessKey = "" }},
		{name: "unknown kind", mutate: func(r *dto.CreateRequest) { r.Kind = "carrier-pigeon" }},
		{name: "no fire time", mutate: func(r *dto.CreateRequest) { r.ScheduledAt = "" }},
		{name: "both fire times", mutate: func(r *dto.CreateRequest) { r.Delay = "5m" }},
		{name: "missing channel", mutate: func(r *dto.CreateRequest) { r.TargetChannel = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, _ := setupHandler(t)

			reqBody := validCreateRequest()
			tt.mutate(&reqBody)
			c, w := postCreate(t, reqBody)

			handler.Create(c)

			assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		})
	}
}

func TestHandler_Create_BadScheduledAtFormat(t *testing.T) {
	handler, _, _ := setupHandler(t)

	reqBody := validCreateRequest()
	reqBody.ScheduledAt = "tomorrow at noon"
	c, w := postCreate(t, reqBody)

	handler.Create(c)

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestHandler_GetActive(t *testing.T) {
	handler, mockService, _ := setupHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/notifications?expedient=EXP-7&kind=contact", nil)

	mockService.EXPECT().
		GetActive(gomock.Any(), notifrepo.ActiveFilter{ExpedientNumber: "EXP-7", Kind: model.KindContact}).
		Return([]model.Notification{{ID: uuid.New()}}, nil)

	handler.GetActive(c)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestHandler_GetStatus_Success(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	id := uuid.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/notifications/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	mockService.EXPECT().
		GetStatusByID(gomock.Any(), cfg.Retry, id).
		Return(model.StatusSent, nil)

	handler.GetStatus(c)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), "sent")
}

func TestHandler_GetStatus_NotFound(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	id := uuid.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/notifications/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	mockService.EXPECT().
		GetStatusByID(gomock.Any(), cfg.Retry, id).
		Return(model.Status(""), notifrepo.ErrNotificationNotFound)

	handler.GetStatus(c)

	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestHandler_GetStatus_BadID(t *testing.T) {
	handler, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/notifications/not-a-uuid", nil)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}

	handler.GetStatus(c)

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestHandler_Cancel_Success(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	id := uuid.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/notifications/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	mockService.EXPECT().Cancel(gomock.Any(), cfg.Retry, id).Return(nil)

	handler.Cancel(c)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestHandler_Cancel_InFlightConflicts(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	id := uuid.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/notifications/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	mockService.EXPECT().Cancel(gomock.Any(), cfg.Retry, id).Return(notifrepo.ErrNotCancellable)

	handler.Cancel(c)

	assert.Equal(t, http.StatusConflict, w.Result().StatusCode)
}

func TestHandler_Cancel_UnknownID(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	id := uuid.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/notifications/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	mockService.EXPECT().Cancel(gomock.Any(), cfg.Retry, id).Return(notifrepo.ErrNotificationNotFound)

	handler.Cancel(c)

	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestHandler_CancelByExpedient(t *testing.T) {
	handler, mockService, cfg := setupHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/notifications/expedient/EXP-7", nil)
	c.Params = gin.Params{{Key: "expedient", Value: "EXP-7"}}

	mockService.EXPECT().CancelByExpedient(gomock.Any(), cfg.Retry, "EXP-7").Return(2, nil)

	handler.CancelByExpedient(c)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), `"cancelled":2`)
}
