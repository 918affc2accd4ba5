// Package scheduler implements the Scheduler (C7): a ticking supervisor
// that promotes due ScheduledEmail rows into the durable queue and
// advances their recurrence rule, in the teacher's TaskScheduler shape.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// Enqueuer is the subset of the queue manager the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error)
}

// Scheduler promotes due ScheduledEmail rows (§4.6).
type Scheduler struct {
	repo     domain.ScheduledEmailRepository
	enqueuer Enqueuer
	log      logger.Logger

	interval  time.Duration
	batchSize int

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New builds a Scheduler that polls every interval for up to batchSize due rows.
func New(repo domain.ScheduledEmailRepository, enqueuer Enqueuer, interval time.Duration, batchSize int, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{repo: repo, enqueuer: enqueuer, log: log, interval: interval, batchSize: batchSize}
}

// Start begins the polling loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.stoppedChan = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop gracefully stops the polling loop, waiting briefly for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopChan := s.stopChan
	stoppedChan := s.stoppedChan
	s.mu.Unlock()

	close(stopChan)
	select {
	case <-stoppedChan:
	case <-time.After(5 * time.Second):
		if s.log != nil {
			s.log.Warn("scheduler stop timeout exceeded")
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	s.mu.Lock()
	stopChan := s.stopChan
	stoppedChan := s.stoppedChan
	s.mu.Unlock()

	defer close(stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			if n, err := s.ProcessDue(ctx); err != nil && s.log != nil {
				s.log.WithField("error", err.Error()).Error("scheduler pass failed")
			} else if n > 0 && s.log != nil {
				s.log.WithField("count", n).Info("promoted due scheduled emails")
			}
		}
	}
}

// ProcessDue loads up to batchSize active rows due by now, enqueues each, and advances
// its recurrence rule (§4.6 algorithm). Returns the number promoted.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := s.repo.DueRows(ctx, now, s.batchSize)
	if err != nil {
		return 0, mailerr.Storage(err, "load due scheduled emails")
	}

	count := 0
	for _, row := range due {
		_, err := s.enqueuer.Enqueue(ctx, row.ToEnqueueRequest())
		if err != nil {
			row.LastExecutionStatus = "Failed"
			row.LastExecutionError = err.Error()
			if s.log != nil {
				s.log.WithField("scheduled_id", row.ID).WithField("error", err.Error()).Error("failed to enqueue scheduled email")
			}
		} else {
			row.LastExecutionStatus = "Sent"
			row.LastExecutionError = ""
			count++
		}

		row.Advance(now)

		if err := s.repo.Update(ctx, row); err != nil {
			if s.log != nil {
				s.log.WithField("scheduled_id", row.ID).WithField("error", err.Error()).Error("failed to persist scheduled email advance")
			}
		}
	}

	return count, nil
}

// Schedule inserts a new ScheduledEmail.
func (s *Scheduler) Schedule(ctx context.Context, row *domain.ScheduledEmail) (int64, error) {
	if len(domain.SplitAddressList(row.ToEmails)) == 0 {
		return 0, mailerr.Validation("to_emails must contain at least one address")
	}
	if row.NextRunTime.IsZero() {
		return 0, mailerr.Validation("next_run_time is required")
	}
	row.IsActive = true
	id, err := s.repo.Insert(ctx, row)
	if err != nil {
		return 0, mailerr.Storage(err, "insert scheduled email")
	}
	return id, nil
}

// Cancel deactivates a scheduled email.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return false, mailerr.Storage(err, "cancel scheduled email")
	}
	return ok, nil
}

// Reschedule moves a scheduled email's next run time.
func (s *Scheduler) Reschedule(ctx context.Context, id int64, newTime time.Time) (bool, error) {
	ok, err := s.repo.Reschedule(ctx, id, newTime)
	if err != nil {
		return false, mailerr.Storage(err, "reschedule scheduled email")
	}
	return ok, nil
}

// ListInRange returns scheduled emails whose next run falls within [from, to].
func (s *Scheduler) ListInRange(ctx context.Context, from, to time.Time) ([]*domain.ScheduledEmail, error) {
	rows, err := s.repo.ListInRange(ctx, from, to)
	if err != nil {
		return nil, mailerr.Storage(err, "list scheduled emails in range")
	}
	return rows, nil
}
