// Package domain defines the entities, state machines and repository
// ports shared by the queue manager, dispatcher, scheduler, retention
// engine and health reporter.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the delivery priority of a queue item.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
	PriorityLow    Priority = "Low"
)

// Rank orders priorities for ORDER BY clauses: lower rank claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "Queued"
	QueueStatusScheduled  QueueStatus = "Scheduled"
	QueueStatusProcessing QueueStatus = "Processing"
	QueueStatusSent       QueueStatus = "Sent"
	QueueStatusFailed     QueueStatus = "Failed"
	QueueStatusCancelled  QueueStatus = "Cancelled"
)

// Terminal reports whether s is one of the three states a row never leaves (I3).
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusSent, QueueStatusFailed, QueueStatusCancelled:
		return true
	}
	return false
}

// DefaultMaxRetries is the default value of QueueItem.MaxRetries.
const DefaultMaxRetries = 3

// DefaultRetryBaseBackoff is the recommended base backoff for retry scheduling (§4.1).
const DefaultRetryBaseBackoff = 5 * time.Minute

// AttachmentData is either an inline JSON payload on a QueueItem or the
// durable audit row keyed by queue_id (EmailAttachment).
type AttachmentData struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
	IsInline    bool   `json:"is_inline"`
	Content     string `json:"content,omitempty"`   // base64
	FilePath    string `json:"file_path,omitempty"`
}

// DefaultContentType is applied when AttachmentData.ContentType is empty (§4.4 normalization).
const DefaultContentType = "application/octet-stream"

// Validate enforces that exactly one of Content/FilePath is set.
func (a *AttachmentData) Validate() error {
	hasContent := a.Content != ""
	hasPath := a.FilePath != ""
	if hasContent == hasPath {
		return fmt.Errorf("attachment %q: exactly one of content or file_path must be set", a.FileName)
	}
	return nil
}

// QueueItem is the authoritative durable record of one pending or
// completed send (spec §3).
type QueueItem struct {
	QueueID       string   `json:"queue_id"`
	Priority      Priority `json:"priority"`
	ToEmails      string   `json:"to_emails"`
	CcEmails      string   `json:"cc_emails,omitempty"`
	BccEmails     string   `json:"bcc_emails,omitempty"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	IsHTML        bool     `json:"is_html"`

	TemplateID                  string            `json:"template_id,omitempty"`
	TemplateData                map[string]string `json:"template_data,omitempty"`
	RequiresTemplateProcessing bool              `json:"requires_template_processing"`

	Attachments       []AttachmentData `json:"attachments,omitempty"`
	HasEmbeddedImages bool             `json:"has_embedded_images"`

	CustomHeaders               map[string]string `json:"custom_headers,omitempty"`
	RequestDeliveryNotification bool              `json:"request_delivery_notification"`
	RequestReadReceipt          bool              `json:"request_read_receipt"`

	Status     QueueStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	IsScheduled  bool       `json:"is_scheduled"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	ProcessedBy         string     `json:"processed_by,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by"`
	RequestSource string    `json:"request_source,omitempty"`
}

// SplitAddressList splits a comma/semicolon-delimited address string,
// trimming whitespace and dropping empty fragments (§4.4 normalization).
func SplitAddressList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// QueueStats aggregates counts over the queue table (§4.1 Statistics, §12 supplement).
type QueueStats struct {
	CountByStatus   map[QueueStatus]int64 `json:"count_by_status"`
	CountByPriority map[Priority]int64    `json:"count_by_priority"` // non-terminal only
	OldestQueuedAge time.Duration         `json:"oldest_queued_age"`
	AverageLatency  time.Duration         `json:"average_latency"`
	P50LatencyMs    int64                 `json:"p50_latency_ms"`
	P95LatencyMs    int64                 `json:"p95_latency_ms"`
}

// EnqueueRequest is the input to Enqueue/BulkEnqueue.
type EnqueueRequest struct {
	QueueID       string
	Priority      Priority
	ToEmails      string
	CcEmails      string
	BccEmails     string
	Subject       string
	Body          string
	IsHTML        bool
	TemplateID    string
	TemplateData  map[string]string
	Attachments   []AttachmentData
	ScheduledFor  *time.Time
	CreatedBy     string
	RequestSource string
	MaxRetries    int

	CustomHeaders               map[string]string
	RequestDeliveryNotification bool
	RequestReadReceipt          bool
}

// QueueRepository is the C5 persistence port over the QueueItem table.
type QueueRepository interface {
	Insert(ctx context.Context, item *QueueItem) error
	InsertBatch(ctx context.Context, items []*QueueItem) error
	GetByID(ctx context.Context, queueID string) (*QueueItem, error)
	GetByIDs(ctx context.Context, queueIDs []string) ([]*QueueItem, error)

	// ClaimBatch atomically flips up to batchSize Queued-and-due rows to
	// Processing, ordered by priority then created_at (§4.1, §4.2).
	ClaimBatch(ctx context.Context, batchSize int, workerID string) ([]*QueueItem, error)
	// ClaimDueScheduled atomically flips up to batchSize Scheduled-and-due
	// rows to Processing.
	ClaimDueScheduled(ctx context.Context, batchSize int, workerID string) ([]*QueueItem, error)

	MarkSent(ctx context.Context, queueID string, workerID string, processingTimeMs int64) error
	MarkFailed(ctx context.Context, queueID string, errMsg string, shouldRetry bool, baseBackoff time.Duration) error
	Cancel(ctx context.Context, queueID string) (bool, error)
	UpdatePriority(ctx context.Context, queueID string, priority Priority) (bool, error)
	Reschedule(ctx context.Context, queueID string, newTime time.Time) (bool, error)

	// ResetStuck reverts rows stuck in Processing past threshold back to Queued (§4.1, §4.7).
	ResetStuck(ctx context.Context, threshold time.Duration) (int64, error)

	Statistics(ctx context.Context) (*QueueStats, error)

	ListPage(ctx context.Context, f ListFilter) ([]*QueueItem, int64, error)

	// DeleteOlderThan deletes at most limit terminal rows older than cutoff, for retention (§4.8).
	DeleteOlderThan(ctx context.Context, status QueueStatus, cutoff time.Time, limit int) (int64, error)
}

// ListFilter paginates/filters GET /list (§6).
type ListFilter struct {
	Page     int
	PageSize int
	Status   QueueStatus
	Priority Priority
	From     *time.Time
	To       *time.Time
	Search   string
}

// MarshalTemplateData renders a template-data map to its JSON column form.
func MarshalTemplateData(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// UnmarshalTemplateData is the inverse of MarshalTemplateData.
func UnmarshalTemplateData(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalAttachments renders the attachment list to its JSON column form.
func MarshalAttachments(a []AttachmentData) ([]byte, error) {
	if len(a) == 0 {
		return nil, nil
	}
	return json.Marshal(a)
}

// UnmarshalAttachments is the inverse of MarshalAttachments.
func UnmarshalAttachments(raw []byte) ([]AttachmentData, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a []AttachmentData
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}
