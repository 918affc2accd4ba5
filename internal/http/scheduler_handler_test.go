package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
)

type fakeSchedulerService struct {
	scheduled    []*domain.ScheduledEmail
	nextID       int64
	cancelled    map[int64]bool
	rescheduled  map[int64]time.Time
}

func newFakeSchedulerService() *fakeSchedulerService {
	return &fakeSchedulerService{cancelled: make(map[int64]bool), rescheduled: make(map[int64]time.Time)}
}

func (f *fakeSchedulerService) Schedule(ctx context.Context, row *domain.ScheduledEmail) (int64, error) {
	f.nextID++
	row.ID = f.nextID
	f.scheduled = append(f.scheduled, row)
	return row.ID, nil
}
func (f *fakeSchedulerService) Cancel(ctx context.Context, id int64) (bool, error) {
	f.cancelled[id] = true
	return id == 1, nil
}
func (f *fakeSchedulerService) Reschedule(ctx context.Context, id int64, newTime time.Time) (bool, error) {
	f.rescheduled[id] = newTime
	return id == 1, nil
}
func (f *fakeSchedulerService) ListInRange(ctx context.Context, from, to time.Time) ([]*domain.ScheduledEmail, error) {
	return f.scheduled, nil
}

func TestScheduleHandleCreate_ReturnsNewID(t *testing.T) {
	svc := newFakeSchedulerService()
	h := NewScheduleHandler(svc, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(domain.ScheduledEmail{ToEmails: "a@example.com", Subject: "hi", Body: "b", NextRunTime: time.Now().Add(time.Hour)})
	req := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp["id"])
}

func TestScheduleHandleCancel_NotFoundForUnknownID(t *testing.T) {
	svc := newFakeSchedulerService()
	h := NewScheduleHandler(svc, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/schedule/cancel/99", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleHandleCancel_SucceedsForKnownID(t *testing.T) {
	svc := newFakeSchedulerService()
	h := NewScheduleHandler(svc, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/schedule/cancel/1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScheduleHandleReschedule_RejectsInvalidID(t *testing.T) {
	svc := newFakeSchedulerService()
	h := NewScheduleHandler(svc, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/schedule/reschedule/not-a-number", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScheduleHandleList_RequiresFromAndTo(t *testing.T) {
	svc := newFakeSchedulerService()
	h := NewScheduleHandler(svc, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/schedule/list", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
