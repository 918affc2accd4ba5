// Package queue implements the Queue Manager (C5) and the worker
// dispatcher (C6): validated enqueue, atomic claim-based dispatch,
// bounded concurrency, and the circuit breaker / rate limiter that
// guard the SMTP relay.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// Manager is the C5 enqueue-side service: validates requests, assigns
// queue ids, enforces the attachment size cap, and exposes the
// queue-lifecycle operations the HTTP API and scheduler call into.
type Manager struct {
	repo             domain.QueueRepository
	deadLetters      domain.DeadLetterRepository
	maxAttachmentBytes int64
	defaultMaxRetries  int
	log              logger.Logger
}

// NewManager builds a Manager. maxAttachmentBytes <= 0 disables the cap.
func NewManager(repo domain.QueueRepository, deadLetters domain.DeadLetterRepository, maxAttachmentBytes int64, defaultMaxRetries int, log logger.Logger) *Manager {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = domain.DefaultMaxRetries
	}
	return &Manager{
		repo:               repo,
		deadLetters:        deadLetters,
		maxAttachmentBytes: maxAttachmentBytes,
		defaultMaxRetries:  defaultMaxRetries,
		log:                log,
	}
}

// Enqueue validates req and persists a new QueueItem, immediately
// Scheduled if ScheduledFor is in the future (§4.1, §4.6).
func (m *Manager) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error) {
	item, err := m.toQueueItem(req)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Insert(ctx, item); err != nil {
		return nil, mailerr.Storage(err, "insert queue item")
	}
	return item, nil
}

// BulkEnqueue validates and persists many requests in one transaction,
// failing the whole batch if any single request is invalid (§4.1 supplement).
func (m *Manager) BulkEnqueue(ctx context.Context, reqs []domain.EnqueueRequest) ([]*domain.QueueItem, error) {
	items := make([]*domain.QueueItem, 0, len(reqs))
	for _, req := range reqs {
		item, err := m.toQueueItem(req)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := m.repo.InsertBatch(ctx, items); err != nil {
		return nil, mailerr.Storage(err, "bulk insert queue items")
	}
	return items, nil
}

func (m *Manager) toQueueItem(req domain.EnqueueRequest) (*domain.QueueItem, error) {
	toEmails := domain.SplitAddressList(req.ToEmails)
	if len(toEmails) == 0 {
		return nil, mailerr.Validation("to_emails must contain at least one address")
	}

	requiresTemplate := req.TemplateID != ""
	if !requiresTemplate && req.Subject == "" && req.Body == "" {
		return nil, mailerr.Validation("subject and body are required when no template_id is set")
	}

	if m.maxAttachmentBytes > 0 && len(req.Attachments) > 0 {
		total, err := domain.TotalSize(req.Attachments)
		if err != nil {
			return nil, mailerr.Validation("invalid attachment content: %v", err)
		}
		if total > m.maxAttachmentBytes {
			return nil, mailerr.Validation("attachments total %d bytes exceeds the %d byte cap", total, m.maxAttachmentBytes)
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, mailerr.Validation("invalid priority %q", req.Priority)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.defaultMaxRetries
	}

	queueID := req.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}

	now := time.Now().UTC()
	status := domain.QueueStatusQueued
	isScheduled := false
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		status = domain.QueueStatusScheduled
		isScheduled = true
	}

	hasInline := false
	for _, a := range req.Attachments {
		if a.IsInline {
			hasInline = true
			break
		}
	}

	return &domain.QueueItem{
		QueueID:                    queueID,
		Priority:                   priority,
		ToEmails:                   req.ToEmails,
		CcEmails:                   req.CcEmails,
		BccEmails:                  req.BccEmails,
		Subject:                    req.Subject,
		Body:                       req.Body,
		IsHTML:                     req.IsHTML,
		TemplateID:                 req.TemplateID,
		TemplateData:               req.TemplateData,
		RequiresTemplateProcessing: requiresTemplate,
		Attachments:                req.Attachments,
		HasEmbeddedImages:          hasInline,
		Status:                     status,
		MaxRetries:                 maxRetries,
		ScheduledFor:               req.ScheduledFor,
		IsScheduled:                isScheduled,
		CreatedAt:                  now,
		UpdatedAt:                  now,
		CreatedBy:                  req.CreatedBy,
		RequestSource:              req.RequestSource,
	}, nil
}

// Cancel transitions a Queued/Scheduled item to Cancelled (§4.1).
func (m *Manager) Cancel(ctx context.Context, queueID string) (bool, error) {
	ok, err := m.repo.Cancel(ctx, queueID)
	if err != nil {
		return false, mailerr.Storage(err, "cancel queue item")
	}
	return ok, nil
}

// UpdatePriority reprioritizes a still-Queued item.
func (m *Manager) UpdatePriority(ctx context.Context, queueID string, priority domain.Priority) (bool, error) {
	if !priority.Valid() {
		return false, mailerr.Validation("invalid priority %q", priority)
	}
	ok, err := m.repo.UpdatePriority(ctx, queueID, priority)
	if err != nil {
		return false, mailerr.Storage(err, "update priority")
	}
	return ok, nil
}

// Reschedule moves a Queued item to Scheduled at newTime.
func (m *Manager) Reschedule(ctx context.Context, queueID string, newTime time.Time) (bool, error) {
	ok, err := m.repo.Reschedule(ctx, queueID, newTime)
	if err != nil {
		return false, mailerr.Storage(err, "reschedule queue item")
	}
	return ok, nil
}

// ResetStuck reclaims rows stuck in Processing past threshold (§4.1, §4.7).
func (m *Manager) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	n, err := m.repo.ResetStuck(ctx, threshold)
	if err != nil {
		return 0, mailerr.Storage(err, "reset stuck items")
	}
	if n > 0 && m.log != nil {
		m.log.WithField("count", n).Warn("reset stuck queue items back to Queued")
	}
	return n, nil
}

// Statistics reports current queue depth and latency percentiles.
func (m *Manager) Statistics(ctx context.Context) (*domain.QueueStats, error) {
	stats, err := m.repo.Statistics(ctx)
	if err != nil {
		return nil, mailerr.Storage(err, "compute queue statistics")
	}
	return stats, nil
}

// GetByID fetches a single queue item for the status endpoint.
func (m *Manager) GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	item, err := m.repo.GetByID(ctx, queueID)
	if err != nil {
		return nil, mailerr.Storage(err, "load queue item")
	}
	return item, nil
}

// GetByIDs fetches many queue items for the batch status endpoint.
func (m *Manager) GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error) {
	items, err := m.repo.GetByIDs(ctx, queueIDs)
	if err != nil {
		return nil, mailerr.Storage(err, "load queue items")
	}
	return items, nil
}

// ListPage paginates the queue for GET /list.
func (m *Manager) ListPage(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, int64, error) {
	items, total, err := m.repo.ListPage(ctx, f)
	if err != nil {
		return nil, 0, mailerr.Storage(err, "list queue items")
	}
	return items, total, nil
}

// moveToDeadLetter archives an item that exhausted retries into the
// dead-letter table, grounded on the teacher's MoveToDeadLetter pattern
// (§12 supplement to the spec's plain Failed terminal state).
func (m *Manager) moveToDeadLetter(ctx context.Context, item *domain.QueueItem, finalError string) error {
	if m.deadLetters == nil {
		return nil
	}
	dl := &domain.DeadLetterItem{
		ID:              uuid.NewString(),
		OriginalQueueID: item.QueueID,
		ToEmails:        item.ToEmails,
		Subject:         item.Subject,
		FinalError:      finalError,
		RetryCount:      item.RetryCount,
		CreatedAt:       item.CreatedAt,
		FailedAt:        time.Now().UTC(),
	}
	if err := m.deadLetters.Insert(ctx, dl); err != nil {
		return fmt.Errorf("insert dead letter for %s: %w", item.QueueID, err)
	}
	return nil
}
