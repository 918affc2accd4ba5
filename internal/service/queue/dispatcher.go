package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/internal/service/compose"
	"github.com/shanani/mailpipe/internal/service/template"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// Sender delivers a composed MIME message. Implemented by transport.Transport.
type Sender interface {
	Send(from string, recipients []string, msg []byte) error
}

// DispatcherConfig tunes the worker pool (§4.2, §5).
type DispatcherConfig struct {
	WorkerCount             int
	PollInterval            time.Duration
	BatchSize               int
	DrainTimeout            time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	SMTPRateLimitPerMinute  int
	RetryBaseBackoff        time.Duration
}

// Dispatcher is the C6 worker pool: polls the queue, fans out claimed
// batches to bounded concurrent workers, and drives each item through
// validate -> resolve template -> compose -> send -> report, the ordering
// demanded by §4.2.
type Dispatcher struct {
	manager   *Manager
	repo      domain.QueueRepository
	history   domain.HistoryRepository
	templates *template.Engine
	sender    Sender
	smtpCfg   config.SMTPConfig

	cfg DispatcherConfig
	log logger.Logger

	breaker *CircuitBreaker
	limiter *rate.Limiter

	workerID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sent   int64
	failed int64
}

// NewDispatcher wires a dispatcher over its dependencies.
func NewDispatcher(manager *Manager, repo domain.QueueRepository, history domain.HistoryRepository, templates *template.Engine, sender Sender, smtpCfg config.SMTPConfig, cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	ratePerMinute := cfg.SMTPRateLimitPerMinute
	if ratePerMinute <= 0 {
		ratePerMinute = 600
	}
	ratePerSecond := float64(ratePerMinute) / 60.0

	return &Dispatcher{
		manager:   manager,
		repo:      repo,
		history:   history,
		templates: templates,
		sender:    sender,
		smtpCfg:   smtpCfg,
		cfg:       cfg,
		log:       log,
		breaker:   NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown),
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		workerID:  workerID(),
	}
}

// workerID builds a hostname#pid#startup-counter identifier, recorded as
// processed_by on claimed rows (§4.2).
var startupCounter int64

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	n := atomic.AddInt64(&startupCounter, 1)
	return fmt.Sprintf("%s#%d#%d", host, os.Getpid(), n)
}

// Start begins the poll/claim/process supervisor loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(loopCtx)
}

// Stop cancels the supervisor loop and waits up to DrainTimeout for
// in-flight workers to finish their current item (§5 graceful shutdown).
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	drain := d.cfg.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		if d.log != nil {
			d.log.Warn("dispatcher drain timeout exceeded, workers may still be finishing")
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	poll := d.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.claimAndProcess(ctx)
		}
	}
}

func (d *Dispatcher) claimAndProcess(ctx context.Context) {
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	scheduled, err := d.repo.ClaimDueScheduled(ctx, batchSize, d.workerID)
	if err != nil && d.log != nil {
		d.log.WithField("error", err.Error()).Error("claim due scheduled items failed")
	}
	items, err := d.repo.ClaimBatch(ctx, batchSize, d.workerID)
	if err != nil && d.log != nil {
		d.log.WithField("error", err.Error()).Error("claim batch failed")
	}
	items = append(items, scheduled...)
	if len(items) == 0 {
		return
	}

	workerCount := d.cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 5
	}
	semaphore := make(chan struct{}, workerCount)
	var wg sync.WaitGroup

	for _, item := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}

		semaphore <- struct{}{}
		wg.Add(1)
		go func(it *domain.QueueItem) {
			defer wg.Done()
			defer func() { <-semaphore }()
			d.processItem(ctx, it)
		}(item)
	}
	wg.Wait()
}

func (d *Dispatcher) processItem(ctx context.Context, item *domain.QueueItem) {
	start := time.Now()

	if d.breaker.IsOpen() {
		nextAttempt := time.Now().Add(d.breaker.CooldownRemaining())
		if err := d.repo.MarkFailed(ctx, item.QueueID, "circuit breaker open, relay unhealthy", true, d.cfg.RetryBaseBackoff); err != nil && d.log != nil {
			d.log.WithField("error", err.Error()).Error("failed to reschedule item behind open circuit breaker")
		}
		if d.log != nil {
			d.log.WithField("queue_id", item.QueueID).WithField("retry_at", nextAttempt).Debug("circuit breaker open, deferred without sending")
		}
		return
	}

	subject, body := item.Subject, item.Body
	if item.RequiresTemplateProcessing {
		result, err := d.templates.Resolve(ctx, item.TemplateID, "", item.TemplateData)
		if err != nil {
			d.fail(ctx, item, err, start)
			return
		}
		subject, body = result.Subject, result.Body
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	msg, warnings, err := compose.Compose(item, subject, body, compose.SenderIdentity{
		Address: d.smtpCfg.SenderEmail,
		Name:    d.smtpCfg.SenderName,
		Domain:  senderDomain(d.smtpCfg.SenderEmail),
	}, newContentID, d.log)
	if err != nil {
		d.fail(ctx, item, mailerr.Validation("compose message: %v", err), start)
		return
	}
	if len(warnings) > 0 && d.log != nil {
		d.log.WithField("queue_id", item.QueueID).WithField("warnings", warnings).Warn("composed message with warnings")
	}

	to := domain.SplitAddressList(item.ToEmails)
	to = append(to, domain.SplitAddressList(item.CcEmails)...)
	to = append(to, domain.SplitAddressList(item.BccEmails)...)

	if err := d.sender.Send(d.smtpCfg.SenderEmail, to, msg); err != nil {
		if classified, ok := mailerr.As(err); !ok || !classified.Recipient {
			d.breaker.RecordFailure(err)
		}
		d.fail(ctx, item, err, start)
		return
	}
	d.breaker.RecordSuccess()

	processingTime := time.Since(start).Milliseconds()
	if err := d.repo.MarkSent(ctx, item.QueueID, d.workerID, processingTime); err != nil {
		if d.log != nil {
			d.log.WithField("error", err.Error()).Error("failed to mark item sent")
		}
		return
	}
	atomic.AddInt64(&d.sent, 1)

	if d.history != nil {
		_ = d.history.Insert(ctx, &domain.EmailHistory{
			QueueID:          item.QueueID,
			ToEmails:         item.ToEmails,
			Subject:          subject,
			FinalBody:        body,
			Status:           domain.QueueStatusSent,
			ProcessingTimeMs: processingTime,
			RetryCount:       item.RetryCount,
			ProcessedBy:      d.workerID,
			TemplateID:       item.TemplateID,
			SentAt:           time.Now().UTC(),
		})
	}
}

func (d *Dispatcher) fail(ctx context.Context, item *domain.QueueItem, err error, start time.Time) {
	atomic.AddInt64(&d.failed, 1)

	shouldRetry := true
	if classified, ok := mailerr.As(err); ok {
		shouldRetry = classified.IsRetryable()
	}

	backoff := d.cfg.RetryBaseBackoff
	if backoff <= 0 {
		backoff = domain.DefaultRetryBaseBackoff
	}

	exhausted := item.RetryCount+1 >= item.MaxRetries
	if err := d.repo.MarkFailed(ctx, item.QueueID, err.Error(), shouldRetry, backoff); err != nil && d.log != nil {
		d.log.WithField("error", err.Error()).Error("failed to record item failure")
	}

	if d.log != nil {
		d.log.WithField("queue_id", item.QueueID).WithField("error", err.Error()).Warn("item processing failed")
	}

	if (!shouldRetry || exhausted) && d.manager != nil {
		if dlErr := d.manager.moveToDeadLetter(ctx, item, err.Error()); dlErr != nil && d.log != nil {
			d.log.WithField("error", dlErr.Error()).Error("failed to move item to dead letter")
		}
		if d.history != nil {
			_ = d.history.Insert(ctx, &domain.EmailHistory{
				QueueID:          item.QueueID,
				ToEmails:         item.ToEmails,
				Subject:          item.Subject,
				Status:           domain.QueueStatusFailed,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				RetryCount:       item.RetryCount + 1,
				ProcessedBy:      d.workerID,
				ErrorDetails:     err.Error(),
				TemplateID:       item.TemplateID,
				SentAt:           time.Now().UTC(),
			})
		}
	}
}

// Stats reports cumulative counters for the health/statistics endpoints.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return atomic.LoadInt64(&d.sent), atomic.LoadInt64(&d.failed)
}

func newContentID() string {
	return fmt.Sprintf("img-%d@mailpipe", time.Now().UnixNano())
}

func senderDomain(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == '@' {
			return address[i+1:]
		}
	}
	return "localhost"
}
