package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
)

type fakeSMTPProber struct{ err error }

func (f *fakeSMTPProber) TestConnection() error { return f.err }

type fakeStatusRepo struct {
	upserts []*domain.ServiceStatus
}

func (f *fakeStatusRepo) Upsert(ctx context.Context, s *domain.ServiceStatus) error {
	f.upserts = append(f.upserts, s)
	return nil
}
func (f *fakeStatusRepo) Get(ctx context.Context, serviceName, machineName string) (*domain.ServiceStatus, error) {
	return nil, nil
}
func (f *fakeStatusRepo) List(ctx context.Context) ([]*domain.ServiceStatus, error) { return nil, nil }
func (f *fakeStatusRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

type fakeQueueRepo struct {
	stats *domain.QueueStats
	err   error
}

func (f *fakeQueueRepo) Insert(ctx context.Context, item *domain.QueueItem) error         { return nil }
func (f *fakeQueueRepo) InsertBatch(ctx context.Context, items []*domain.QueueItem) error { return nil }
func (f *fakeQueueRepo) GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepo) GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepo) ClaimBatch(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepo) ClaimDueScheduled(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepo) MarkSent(ctx context.Context, queueID, workerID string, processingTimeMs int64) error {
	return nil
}
func (f *fakeQueueRepo) MarkFailed(ctx context.Context, queueID, errMsg string, shouldRetry bool, baseBackoff time.Duration) error {
	return nil
}
func (f *fakeQueueRepo) Cancel(ctx context.Context, queueID string) (bool, error) { return false, nil }
func (f *fakeQueueRepo) UpdatePriority(ctx context.Context, queueID string, priority domain.Priority) (bool, error) {
	return false, nil
}
func (f *fakeQueueRepo) Reschedule(ctx context.Context, queueID string, newTime time.Time) (bool, error) {
	return false, nil
}
func (f *fakeQueueRepo) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeQueueRepo) Statistics(ctx context.Context) (*domain.QueueStats, error) {
	return f.stats, f.err
}
func (f *fakeQueueRepo) ListPage(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, int64, error) {
	return nil, 0, nil
}
func (f *fakeQueueRepo) DeleteOlderThan(ctx context.Context, status domain.QueueStatus, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

type fakeEnqueuer struct {
	calls []domain.EnqueueRequest
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error) {
	f.calls = append(f.calls, req)
	return &domain.QueueItem{}, nil
}

func newTestReporter(t *testing.T, smtp SMTPProber, queue domain.QueueRepository, status domain.StatusRepository, enq Enqueuer, alertCfg config.AlertConfig) (*Reporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := New(db, smtp, queue, status, enq, alertCfg, Config{ServiceName: "mailpipe", MaxWorkers: 5, BatchSize: 50}, logger.NewNop())
	return r, mock
}

func TestCheck_AllHealthyAggregatesHealthy(t *testing.T) {
	queue := &fakeQueueRepo{stats: &domain.QueueStats{CountByStatus: map[domain.QueueStatus]int64{domain.QueueStatusQueued: 5}}}
	r, mock := newTestReporter(t, &fakeSMTPProber{}, queue, &fakeStatusRepo{}, &fakeEnqueuer{}, config.AlertConfig{})
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	report, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusHealthy, report.Overall)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_DBFailureIsCritical(t *testing.T) {
	queue := &fakeQueueRepo{stats: &domain.QueueStats{}}
	r, mock := newTestReporter(t, &fakeSMTPProber{}, queue, &fakeStatusRepo{}, &fakeEnqueuer{}, config.AlertConfig{})
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	report, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusCritical, report.Overall)
}

func TestCheck_SMTPFailureAloneIsWarning(t *testing.T) {
	queue := &fakeQueueRepo{stats: &domain.QueueStats{}}
	r, mock := newTestReporter(t, &fakeSMTPProber{err: errors.New("dial timeout")}, queue, &fakeStatusRepo{}, &fakeEnqueuer{}, config.AlertConfig{})
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	report, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusWarning, report.Overall)
}

func TestCheck_QueueDepthOverThresholdIsDegradedAndWarning(t *testing.T) {
	queue := &fakeQueueRepo{stats: &domain.QueueStats{CountByStatus: map[domain.QueueStatus]int64{domain.QueueStatusQueued: 50}}}
	r, mock := newTestReporter(t, &fakeSMTPProber{}, queue, &fakeStatusRepo{}, &fakeEnqueuer{}, config.AlertConfig{QueueDegradedThreshold: 10})
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	report, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusWarning, report.Overall)
	assert.Equal(t, domain.HealthStatusDegraded, report.Probes[2].Status)
}

func TestTick_UnhealthyTriggersAlertEnqueueAndHeartbeat(t *testing.T) {
	queue := &fakeQueueRepo{stats: &domain.QueueStats{}}
	status := &fakeStatusRepo{}
	enq := &fakeEnqueuer{}
	r, mock := newTestReporter(t, &fakeSMTPProber{err: errors.New("dial timeout")}, queue, status, enq, config.AlertConfig{AlertEmail: "ops@example.com"})
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	r.tick(context.Background())

	require.Len(t, status.upserts, 1)
	assert.Equal(t, domain.HealthStatusWarning, status.upserts[0].Status)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, "ops@example.com", enq.calls[0].ToEmails)
}

func TestAlert_PostsWebhookPayload(t *testing.T) {
	received := make(chan domain.Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var a domain.Alert
		require.NoError(t, json.NewDecoder(req.Body).Decode(&a))
		received <- a
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := &fakeQueueRepo{stats: &domain.QueueStats{}}
	r, _ := newTestReporter(t, &fakeSMTPProber{}, queue, &fakeStatusRepo{}, &fakeEnqueuer{}, config.AlertConfig{WebhookURL: srv.URL})

	report := domain.QueueHealthResponse{
		Overall:   domain.HealthStatusCritical,
		Probes:    []domain.ProbeResult{{Name: "database", Status: domain.HealthStatusCritical, Message: "down"}},
		CheckedAt: time.Now().UTC(),
	}
	r.alert(context.Background(), report)

	select {
	case a := <-received:
		assert.Equal(t, domain.AlertLevelCritical, a.Level)
		assert.Equal(t, "EmailWorker", a.Service)
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}
}
