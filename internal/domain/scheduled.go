package domain

import (
	"context"
	"time"
)

// ScheduledEmail carries a QueueItem's user-visible payload plus the
// recurrence rule that produces QueueItems when due (§3, §4.6).
type ScheduledEmail struct {
	ID int64 `json:"id"`

	ToEmails      string            `json:"to_emails"`
	CcEmails      string            `json:"cc_emails,omitempty"`
	BccEmails     string            `json:"bcc_emails,omitempty"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	IsHTML        bool              `json:"is_html"`
	Priority      Priority          `json:"priority"`
	TemplateID    string            `json:"template_id,omitempty"`
	TemplateData  map[string]string `json:"template_data,omitempty"`
	Attachments   []AttachmentData  `json:"attachments,omitempty"`
	CreatedBy     string            `json:"created_by"`
	RequestSource string            `json:"request_source,omitempty"`

	NextRunTime       time.Time  `json:"next_run_time"`
	IntervalMinutes   *int       `json:"interval_minutes,omitempty"`
	CronExpression    string     `json:"cron_expression,omitempty"`
	IsRecurring       bool       `json:"is_recurring"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	MaxExecutions     *int       `json:"max_executions,omitempty"`
	ExecutionCount    int        `json:"execution_count"`
	LastExecutedAt    *time.Time `json:"last_executed_at,omitempty"`
	LastExecutionStatus string   `json:"last_execution_status,omitempty"`
	LastExecutionError  string   `json:"last_execution_error,omitempty"`
	IsActive          bool       `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fallbackRecurrenceInterval is used when IntervalMinutes is unset, per the
// "+1 day" placeholder noted in spec Open Questions (full cron is out of scope).
const fallbackRecurrenceInterval = 24 * time.Hour

// Advance moves NextRunTime forward per the recurrence rule and deactivates
// the row when its end conditions are met (§4.6 step 4-5).
func (s *ScheduledEmail) Advance(now time.Time) {
	s.ExecutionCount++
	s.LastExecutedAt = &now

	if !s.IsRecurring {
		s.IsActive = false
		return
	}

	if s.IntervalMinutes != nil && *s.IntervalMinutes > 0 {
		s.NextRunTime = s.NextRunTime.Add(time.Duration(*s.IntervalMinutes) * time.Minute)
	} else {
		s.NextRunTime = s.NextRunTime.Add(fallbackRecurrenceInterval)
	}

	if s.EndDate != nil && s.NextRunTime.After(*s.EndDate) {
		s.IsActive = false
	}
	if s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions {
		s.IsActive = false
	}
}

// ToEnqueueRequest materializes the scheduled payload into a fresh QueueItem
// request (§4.6 step 2).
func (s *ScheduledEmail) ToEnqueueRequest() EnqueueRequest {
	return EnqueueRequest{
		Priority:      s.Priority,
		ToEmails:      s.ToEmails,
		CcEmails:      s.CcEmails,
		BccEmails:     s.BccEmails,
		Subject:       s.Subject,
		Body:          s.Body,
		IsHTML:        s.IsHTML,
		TemplateID:    s.TemplateID,
		TemplateData:  s.TemplateData,
		Attachments:   s.Attachments,
		CreatedBy:     s.CreatedBy,
		RequestSource: s.RequestSource,
	}
}

// ScheduledEmailRepository is the persistence port for ScheduledEmail rows.
type ScheduledEmailRepository interface {
	Insert(ctx context.Context, s *ScheduledEmail) (int64, error)
	GetByID(ctx context.Context, id int64) (*ScheduledEmail, error)
	Update(ctx context.Context, s *ScheduledEmail) error
	// DueRows returns active rows with next_run_time <= asOf, ordered by next_run_time.
	DueRows(ctx context.Context, asOf time.Time, limit int) ([]*ScheduledEmail, error)
	ListInRange(ctx context.Context, from, to time.Time) ([]*ScheduledEmail, error)
	// Cancel deactivates the row; disallowed once a non-recurring row has already executed.
	Cancel(ctx context.Context, id int64) (bool, error)
	Reschedule(ctx context.Context, id int64, newTime time.Time) (bool, error)
}
