package domain

import (
	"context"
	"time"
)

// EmailHistory is the immutable snapshot written on every terminal
// transition out of Processing (§3).
type EmailHistory struct {
	ID               int64     `json:"id"`
	QueueID          string    `json:"queue_id"`
	ToEmails         string    `json:"to_emails"`
	Subject          string    `json:"subject"`
	FinalBody        string    `json:"final_body"`
	Status           QueueStatus `json:"status"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	RetryCount       int       `json:"retry_count"`
	ProcessedBy      string    `json:"processed_by"`
	ErrorDetails     string    `json:"error_details,omitempty"`
	TemplateID       string    `json:"template_id,omitempty"`
	SentAt           time.Time `json:"sent_at"`
}

// HistoryRepository is the persistence port for EmailHistory rows.
type HistoryRepository interface {
	Insert(ctx context.Context, h *EmailHistory) error
	GetByQueueID(ctx context.Context, queueID string) ([]*EmailHistory, error)
	// SelectOlderThan returns up to limit rows with sent_at < cutoff, for archival (§4.8, §9 P9).
	SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*EmailHistory, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	// UsageStatsByTemplate aggregates counts/timings for one template id.
	UsageStatsByTemplate(ctx context.Context, templateID string) (*TemplateUsageStats, error)
}
