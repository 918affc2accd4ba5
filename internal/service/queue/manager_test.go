package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// fakeQueueRepository is an in-memory stand-in for domain.QueueRepository,
// used the way the teacher's tests substitute hand-written fakes for
// repositories that don't need sqlmock's SQL-assertion precision.
type fakeQueueRepository struct {
	inserted []*domain.QueueItem
}

func (f *fakeQueueRepository) Insert(ctx context.Context, item *domain.QueueItem) error {
	f.inserted = append(f.inserted, item)
	return nil
}
func (f *fakeQueueRepository) InsertBatch(ctx context.Context, items []*domain.QueueItem) error {
	f.inserted = append(f.inserted, items...)
	return nil
}
func (f *fakeQueueRepository) GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	for _, i := range f.inserted {
		if i.QueueID == queueID {
			return i, nil
		}
	}
	return nil, nil
}
func (f *fakeQueueRepository) GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepository) ClaimBatch(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepository) ClaimDueScheduled(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepository) MarkSent(ctx context.Context, queueID, workerID string, processingTimeMs int64) error {
	return nil
}
func (f *fakeQueueRepository) MarkFailed(ctx context.Context, queueID, errMsg string, shouldRetry bool, baseBackoff time.Duration) error {
	return nil
}
func (f *fakeQueueRepository) Cancel(ctx context.Context, queueID string) (bool, error) {
	return true, nil
}
func (f *fakeQueueRepository) UpdatePriority(ctx context.Context, queueID string, priority domain.Priority) (bool, error) {
	return true, nil
}
func (f *fakeQueueRepository) Reschedule(ctx context.Context, queueID string, newTime time.Time) (bool, error) {
	return true, nil
}
func (f *fakeQueueRepository) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeQueueRepository) Statistics(ctx context.Context) (*domain.QueueStats, error) {
	return &domain.QueueStats{}, nil
}
func (f *fakeQueueRepository) ListPage(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, int64, error) {
	return nil, 0, nil
}
func (f *fakeQueueRepository) DeleteOlderThan(ctx context.Context, status domain.QueueStatus, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

func TestManager_Enqueue_RejectsEmptyRecipients(t *testing.T) {
	m := NewManager(&fakeQueueRepository{}, nil, 0, 0, nil)
	_, err := m.Enqueue(context.Background(), domain.EnqueueRequest{Subject: "hi", Body: "body"})
	require.Error(t, err)
	classified, ok := mailerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mailerr.KindValidation, classified.Kind)
}

func TestManager_Enqueue_RejectsOversizedAttachments(t *testing.T) {
	m := NewManager(&fakeQueueRepository{}, nil, 4, 0, nil)
	_, err := m.Enqueue(context.Background(), domain.EnqueueRequest{
		ToEmails: "a@example.com",
		Subject:  "hi",
		Body:     "body",
		Attachments: []domain.AttachmentData{
			{FileName: "big.bin", Content: "AAAAAAAAAAAAAAAA"},
		},
	})
	require.Error(t, err)
}

func TestManager_Enqueue_DefaultsPriorityAndMaxRetries(t *testing.T) {
	repo := &fakeQueueRepository{}
	m := NewManager(repo, nil, 0, 0, nil)
	item, err := m.Enqueue(context.Background(), domain.EnqueueRequest{
		ToEmails: "a@example.com",
		Subject:  "hi",
		Body:     "body",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, item.Priority)
	assert.Equal(t, domain.DefaultMaxRetries, item.MaxRetries)
	assert.Equal(t, domain.QueueStatusQueued, item.Status)
	assert.NotEmpty(t, item.QueueID)
}

func TestManager_Enqueue_FutureScheduledForSetsScheduledStatus(t *testing.T) {
	repo := &fakeQueueRepository{}
	m := NewManager(repo, nil, 0, 0, nil)
	future := time.Now().Add(time.Hour)
	item, err := m.Enqueue(context.Background(), domain.EnqueueRequest{
		ToEmails:     "a@example.com",
		Subject:      "hi",
		Body:         "body",
		ScheduledFor: &future,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusScheduled, item.Status)
	assert.True(t, item.IsScheduled)
}

func TestManager_Enqueue_PlainTextRequestSurvivesAsNonHTML(t *testing.T) {
	repo := &fakeQueueRepository{}
	m := NewManager(repo, nil, 0, 0, nil)
	item, err := m.Enqueue(context.Background(), domain.EnqueueRequest{
		ToEmails: "a@example.com",
		Subject:  "hi",
		Body:     "plain body",
		IsHTML:   false,
	})
	require.NoError(t, err)
	assert.False(t, item.IsHTML)
}

func TestManager_Enqueue_HTMLRequestSurvivesAsHTML(t *testing.T) {
	repo := &fakeQueueRepository{}
	m := NewManager(repo, nil, 0, 0, nil)
	item, err := m.Enqueue(context.Background(), domain.EnqueueRequest{
		ToEmails: "a@example.com",
		Subject:  "hi",
		Body:     "<p>hi</p>",
		IsHTML:   true,
	})
	require.NoError(t, err)
	assert.True(t, item.IsHTML)
}

func TestManager_Enqueue_TemplatedItemSkipsSubjectBodyRequirement(t *testing.T) {
	repo := &fakeQueueRepository{}
	m := NewManager(repo, nil, 0, 0, nil)
	item, err := m.Enqueue(context.Background(), domain.EnqueueRequest{
		ToEmails:   "a@example.com",
		TemplateID: "welcome",
	})
	require.NoError(t, err)
	assert.True(t, item.RequiresTemplateProcessing)
}
