package http

import (
	"time"

	"github.com/shanani/mailpipe/internal/domain"
)

// QueueEmailRequest is the POST /queue body (§6).
type QueueEmailRequest struct {
	ToEmails      string                  `json:"to_emails"`
	CcEmails      string                  `json:"cc_emails,omitempty"`
	BccEmails     string                  `json:"bcc_emails,omitempty"`
	Subject       string                  `json:"subject"`
	Body          string                  `json:"body"`
	IsHTML        *bool                   `json:"is_html,omitempty"`
	Priority      domain.Priority         `json:"priority,omitempty"`
	Attachments   []domain.AttachmentData `json:"attachments,omitempty"`
	ScheduledFor  *time.Time              `json:"scheduled_for,omitempty"`
	CreatedBy     string                  `json:"created_by"`
	RequestSource string                  `json:"request_source,omitempty"`

	CustomHeaders               map[string]string `json:"custom_headers,omitempty"`
	RequestDeliveryNotification bool              `json:"request_delivery_notification,omitempty"`
	RequestReadReceipt          bool              `json:"request_read_receipt,omitempty"`
}

func (req QueueEmailRequest) toEnqueueRequest() domain.EnqueueRequest {
	isHTML := true
	if req.IsHTML != nil {
		isHTML = *req.IsHTML
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	return domain.EnqueueRequest{
		Priority:                     priority,
		ToEmails:                     req.ToEmails,
		CcEmails:                     req.CcEmails,
		BccEmails:                    req.BccEmails,
		Subject:                      req.Subject,
		Body:                         req.Body,
		IsHTML:                       isHTML,
		Attachments:                  req.Attachments,
		ScheduledFor:                 req.ScheduledFor,
		CreatedBy:                    req.CreatedBy,
		RequestSource:                req.RequestSource,
		CustomHeaders:                req.CustomHeaders,
		RequestDeliveryNotification:  req.RequestDeliveryNotification,
		RequestReadReceipt:           req.RequestReadReceipt,
	}
}

// QueueTemplateEmailRequest is the POST /queue-template body (§6).
type QueueTemplateEmailRequest struct {
	ToEmails      string            `json:"to_emails"`
	CcEmails      string            `json:"cc_emails,omitempty"`
	BccEmails     string            `json:"bcc_emails,omitempty"`
	TemplateID    string            `json:"template_id,omitempty"`
	TemplateName  string            `json:"template_name,omitempty"`
	TemplateData  map[string]string `json:"template_data,omitempty"`
	Priority      domain.Priority   `json:"priority,omitempty"`
	ScheduledFor  *time.Time        `json:"scheduled_for,omitempty"`
	CreatedBy     string            `json:"created_by"`
	RequestSource string            `json:"request_source,omitempty"`
}

// QueueBulkRequest is the POST /queue-bulk body (§6).
type QueueBulkRequest struct {
	Items []QueueEmailRequest `json:"items"`
}

// QueueBulkResponse reports per-item acceptance.
type QueueBulkResponse struct {
	Accepted []string         `json:"accepted"`
	Rejected []RejectedItem   `json:"rejected"`
}

// RejectedItem names which bulk index failed and why.
type RejectedItem struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// QueueEmailResponse is the common POST /queue{,-template} success shape.
type QueueEmailResponse struct {
	QueueID  string            `json:"queue_id"`
	QueuedAt time.Time         `json:"queued_at"`
	Status   domain.QueueStatus `json:"status"`
}

func toQueueEmailResponse(item *domain.QueueItem) QueueEmailResponse {
	return QueueEmailResponse{QueueID: item.QueueID, QueuedAt: item.CreatedAt, Status: item.Status}
}

// EmailStatusResponse is the GET /status/{queue_id} payload (§6).
type EmailStatusResponse struct {
	QueueID      string             `json:"queue_id"`
	Status       domain.QueueStatus `json:"status"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	ErrorMessage string             `json:"error_message,omitempty"`
	ProcessedAt  *time.Time         `json:"processed_at,omitempty"`
	ProcessedBy  string             `json:"processed_by,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func toEmailStatusResponse(item *domain.QueueItem) EmailStatusResponse {
	return EmailStatusResponse{
		QueueID: item.QueueID, Status: item.Status, RetryCount: item.RetryCount, MaxRetries: item.MaxRetries,
		ErrorMessage: item.ErrorMessage, ProcessedAt: item.ProcessedAt, ProcessedBy: item.ProcessedBy,
		CreatedAt: item.CreatedAt, UpdatedAt: item.UpdatedAt,
	}
}

// QueueStatisticsResponse is the GET /statistics payload (§6).
type QueueStatisticsResponse struct {
	CountByStatus   map[domain.QueueStatus]int64 `json:"count_by_status"`
	CountByPriority map[domain.Priority]int64    `json:"count_by_priority"`
	OldestQueuedAgeSeconds int64                 `json:"oldest_queued_age_seconds"`
	AverageLatencyMs       int64                 `json:"average_latency_ms"`
	P50LatencyMs           int64                 `json:"p50_latency_ms"`
	P95LatencyMs           int64                 `json:"p95_latency_ms"`
}

func toQueueStatisticsResponse(stats *domain.QueueStats) QueueStatisticsResponse {
	return QueueStatisticsResponse{
		CountByStatus:          stats.CountByStatus,
		CountByPriority:        stats.CountByPriority,
		OldestQueuedAgeSeconds: int64(stats.OldestQueuedAge.Seconds()),
		AverageLatencyMs:       stats.AverageLatency.Milliseconds(),
		P50LatencyMs:           stats.P50LatencyMs,
		P95LatencyMs:           stats.P95LatencyMs,
	}
}

// ListQueueItemsResponse is the GET /list paged payload (§6).
type ListQueueItemsResponse struct {
	Items      []*domain.QueueItem `json:"items"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
}
