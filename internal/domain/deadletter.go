package domain

import (
	"context"
	"time"
)

// DeadLetterItem holds a QueueItem that failed terminally (a non-retryable
// error or exhausted retries), copied here by the dispatcher through the
// queue manager for operator investigation (§12 supplemented feature).
type DeadLetterItem struct {
	ID              string     `json:"id"`
	OriginalQueueID string     `json:"original_queue_id"`
	ToEmails        string     `json:"to_emails"`
	Subject         string     `json:"subject"`
	FinalError      string     `json:"final_error"`
	RetryCount      int        `json:"retry_count"`
	CreatedAt       time.Time  `json:"created_at"`
	FailedAt        time.Time  `json:"failed_at"`
	RetriedAt       *time.Time `json:"retried_at,omitempty"`
}

// DeadLetterRepository is the persistence port for the dead-letter table.
type DeadLetterRepository interface {
	Insert(ctx context.Context, item *DeadLetterItem) error
	List(ctx context.Context, limit, offset int) ([]*DeadLetterItem, int64, error)
	Get(ctx context.Context, id string) (*DeadLetterItem, error)
	Delete(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
