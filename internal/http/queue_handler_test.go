package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// fakeQueueService is shared across concurrent bulk-enqueue goroutines in
// the tests below, so its map access needs its own lock (the handler's
// semaphore bounds concurrency, it doesn't serialize callers).
type fakeQueueService struct {
	mu         sync.Mutex
	items      map[string]*domain.QueueItem
	seq        int
	enqueueErr error
	stats      *domain.QueueStats
}

func newFakeQueueService() *fakeQueueService {
	return &fakeQueueService{items: make(map[string]*domain.QueueItem)}
}

func (f *fakeQueueService) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	if req.ToEmails == "" {
		return nil, mailerr.Validation("to_emails is required")
	}
	f.seq++
	item := &domain.QueueItem{QueueID: fmt.Sprintf("q-%d", f.seq), Status: domain.QueueStatusQueued, CreatedAt: time.Now().UTC()}
	f.items[item.QueueID] = item
	return item, nil
}
func (f *fakeQueueService) Cancel(ctx context.Context, queueID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[queueID]
	if !ok {
		return false, nil
	}
	item.Status = domain.QueueStatusCancelled
	return true, nil
}
func (f *fakeQueueService) Statistics(ctx context.Context) (*domain.QueueStats, error) {
	return f.stats, nil
}
func (f *fakeQueueService) GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[queueID], nil
}
func (f *fakeQueueService) GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.QueueItem
	for _, id := range queueIDs {
		if item, ok := f.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}
func (f *fakeQueueService) ListPage(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.QueueItem
	for _, item := range f.items {
		out = append(out, item)
	}
	return out, int64(len(out)), nil
}

type fakeTemplateLookup struct {
	byName map[string]*domain.EmailTemplate
}

func (f *fakeTemplateLookup) GetByName(ctx context.Context, name string) (*domain.EmailTemplate, error) {
	return f.byName[name], nil
}

type fakeHealthChecker struct{ report domain.QueueHealthResponse }

func (f *fakeHealthChecker) Check(ctx context.Context) (domain.QueueHealthResponse, error) {
	return f.report, nil
}

func newTestHandler() (*QueueHandler, *fakeQueueService) {
	svc := newFakeQueueService()
	h := NewQueueHandler(svc, &fakeTemplateLookup{byName: map[string]*domain.EmailTemplate{}}, &fakeHealthChecker{}, logger.NewNop())
	return h, svc
}

func TestHandleQueue_AcceptsValidRequest(t *testing.T) {
	h, _ := newTestHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(QueueEmailRequest{ToEmails: "a@example.com", Subject: "hi", Body: "body", CreatedBy: "tester"})
	req := httptest.NewRequest(http.MethodPost, "/queue", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp QueueEmailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "q-1", resp.QueueID)
}

func TestHandleQueue_RejectsInvalidBody(t *testing.T) {
	h, _ := newTestHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/queue", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueue_PropagatesValidationErrorAsBadRequest(t *testing.T) {
	h, svc := newTestHandler()
	svc.enqueueErr = mailerr.Validation("to_emails must contain at least one address")
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(QueueEmailRequest{Subject: "hi", Body: "body"})
	req := httptest.NewRequest(http.MethodPost, "/queue", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueueTemplate_ResolvesTemplateNameToID(t *testing.T) {
	svc := newFakeQueueService()
	templates := &fakeTemplateLookup{byName: map[string]*domain.EmailTemplate{"welcome": {ID: 42, Name: "welcome", IsActive: true}}}
	h := NewQueueHandler(svc, templates, &fakeHealthChecker{}, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(QueueTemplateEmailRequest{ToEmails: "a@example.com", TemplateName: "welcome", CreatedBy: "tester"})
	req := httptest.NewRequest(http.MethodPost, "/queue-template", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleQueueTemplate_UnknownTemplateNameIsNotFound(t *testing.T) {
	h, _ := newTestHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(QueueTemplateEmailRequest{ToEmails: "a@example.com", TemplateName: "missing", CreatedBy: "tester"})
	req := httptest.NewRequest(http.MethodPost, "/queue-template", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleQueueBulk_ReportsPerItemAcceptance(t *testing.T) {
	svc := newFakeQueueService()
	h := NewQueueHandler(svc, &fakeTemplateLookup{}, &fakeHealthChecker{}, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(QueueBulkRequest{Items: []QueueEmailRequest{
		{ToEmails: "a@example.com", Subject: "hi", Body: "b", CreatedBy: "t"},
	}})
	req := httptest.NewRequest(http.MethodPost, "/queue-bulk", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp QueueBulkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Accepted, 1)
	assert.Empty(t, resp.Rejected)
}

func TestHandleQueueBulk_AcceptsEveryItemUnderBoundedConcurrency(t *testing.T) {
	svc := newFakeQueueService()
	h := NewQueueHandler(svc, &fakeTemplateLookup{}, &fakeHealthChecker{}, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	items := make([]QueueEmailRequest, 0, 2*bulkEnqueueConcurrency)
	for i := 0; i < 2*bulkEnqueueConcurrency; i++ {
		items = append(items, QueueEmailRequest{ToEmails: "a@example.com", Subject: "hi", Body: "b", CreatedBy: "t"})
	}
	body, _ := json.Marshal(QueueBulkRequest{Items: items})
	req := httptest.NewRequest(http.MethodPost, "/queue-bulk", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp QueueBulkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Accepted, len(items))
	assert.Empty(t, resp.Rejected)
}

func TestHandleQueueBulk_PreservesItemOrderAcrossRejectionsAndAcceptances(t *testing.T) {
	svc := newFakeQueueService()
	h := NewQueueHandler(svc, &fakeTemplateLookup{}, &fakeHealthChecker{}, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(QueueBulkRequest{Items: []QueueEmailRequest{
		{ToEmails: "a@example.com", Subject: "hi", Body: "b", CreatedBy: "t"},
		{Subject: "hi", Body: "b", CreatedBy: "t"},
	}})
	req := httptest.NewRequest(http.MethodPost, "/queue-bulk", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp QueueBulkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Accepted, 1)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 1, resp.Rejected[0].Index)
}

func TestHandleStatus_NotFoundForUnknownID(t *testing.T) {
	h, _ := newTestHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/status/missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCancel_ReturnsTrueOnSuccess(t *testing.T) {
	h, svc := newTestHandler()
	svc.items["q-1"] = &domain.QueueItem{QueueID: "q-1", Status: domain.QueueStatusQueued}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/cancel/q-1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "true", w.Body.String())
}

func TestHandleHealth_ReturnsReport(t *testing.T) {
	svc := newFakeQueueService()
	h := NewQueueHandler(svc, &fakeTemplateLookup{}, &fakeHealthChecker{report: domain.QueueHealthResponse{Overall: domain.HealthStatusHealthy}}, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp domain.QueueHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.HealthStatusHealthy, resp.Overall)
}

func TestHandleStatistics_ReturnsStats(t *testing.T) {
	svc := newFakeQueueService()
	svc.stats = &domain.QueueStats{CountByStatus: map[domain.QueueStatus]int64{domain.QueueStatusQueued: 3}}
	h := NewQueueHandler(svc, &fakeTemplateLookup{}, &fakeHealthChecker{}, logger.NewNop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/statistics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleList_RejectsWrongMethod(t *testing.T) {
	h, _ := newTestHandler()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/list", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
