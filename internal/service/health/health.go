// Package health implements the Health Reporter (C10): periodic heartbeat,
// DB/SMTP/queue probes, overall aggregation, and alert emission over both
// the durable queue and an outbound webhook.
package health

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
)

// SMTPProber is the subset of the transport the health reporter probes.
type SMTPProber interface {
	TestConnection() error
}

// Enqueuer lets the health reporter raise an alert through the ordinary
// queue pipeline, so alert delivery itself gets retry and queue discipline.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error)
}

// Reporter is the C10 heartbeat/probe/alert service, grounded on the
// teacher's health-check and status-heartbeat routines.
type Reporter struct {
	db       *sql.DB
	smtp     SMTPProber
	queue    domain.QueueRepository
	status   domain.StatusRepository
	enqueuer Enqueuer
	cfg      config.AlertConfig
	http     *http.Client

	serviceName string
	machineName string
	version     string
	startedAt   time.Time
	maxWorkers  int
	batchSize   int

	interval time.Duration
	log      logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config bundles the static identity fields stamped onto every heartbeat.
type Config struct {
	ServiceName string
	Version     string
	MaxWorkers  int
	BatchSize   int
	Interval    time.Duration
}

// New builds a Reporter. machineName defaults to os.Hostname() when empty.
func New(
	db *sql.DB,
	smtp SMTPProber,
	queue domain.QueueRepository,
	status domain.StatusRepository,
	enqueuer Enqueuer,
	alertCfg config.AlertConfig,
	cfg Config,
	log logger.Logger,
) *Reporter {
	machine, _ := os.Hostname()
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "mailpipe"
	}
	return &Reporter{
		db: db, smtp: smtp, queue: queue, status: status, enqueuer: enqueuer,
		cfg: alertCfg, http: &http.Client{Timeout: 30 * time.Second},
		serviceName: serviceName, machineName: machine, version: cfg.Version,
		startedAt: time.Now().UTC(), maxWorkers: cfg.MaxWorkers, batchSize: cfg.BatchSize,
		interval: interval, log: log,
	}
}

// Start begins the heartbeat loop until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(loopCtx)
}

// Stop cancels the heartbeat loop and waits for it to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	report, err := r.Check(ctx)
	if err != nil {
		if r.log != nil {
			r.log.WithField("error", err.Error()).Error("health check failed")
		}
		return
	}

	if err := r.heartbeat(ctx, report.Overall); err != nil && r.log != nil {
		r.log.WithField("error", err.Error()).Error("heartbeat upsert failed")
	}

	if report.Overall != domain.HealthStatusHealthy {
		r.alert(ctx, report)
	}
}

func (r *Reporter) heartbeat(ctx context.Context, overall domain.HealthStatus) error {
	row := &domain.ServiceStatus{
		ServiceName:   r.serviceName,
		MachineName:   r.machineName,
		Status:        overall,
		HeartbeatAt:   time.Now().UTC(),
		CPUPercent:    0,
		MemoryPercent: memoryPercent(),
		DiskPercent:   0,
		MaxWorkers:    r.maxWorkers,
		BatchSize:     r.batchSize,
		Version:       r.version,
		StartedAt:     r.startedAt,
	}
	return r.status.Upsert(ctx, row)
}

func memoryPercent() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0
	}
	return float64(m.HeapAlloc) / float64(m.Sys) * 100
}

// Check runs every probe and returns the aggregated result (§4.9).
func (r *Reporter) Check(ctx context.Context) (domain.QueueHealthResponse, error) {
	dbProbe := r.probeDB(ctx)
	smtpProbe := r.probeSMTP()
	queueProbe := r.probeQueue(ctx)

	overall := domain.Aggregate(dbProbe, smtpProbe, queueProbe)
	return domain.QueueHealthResponse{
		Overall:   overall,
		Probes:    []domain.ProbeResult{dbProbe, smtpProbe, queueProbe},
		CheckedAt: time.Now().UTC(),
	}, nil
}

func (r *Reporter) probeDB(ctx context.Context) domain.ProbeResult {
	start := time.Now()
	if r.db == nil {
		return domain.ProbeResult{Name: "database", Status: domain.HealthStatusCritical, Message: "no database handle configured"}
	}
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var one int
	err := r.db.QueryRowContext(queryCtx, "SELECT 1").Scan(&one)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.ProbeResult{Name: "database", Status: domain.HealthStatusCritical, Message: err.Error(), ElapsedMs: elapsed}
	}
	return domain.ProbeResult{Name: "database", Status: domain.HealthStatusHealthy, ElapsedMs: elapsed}
}

func (r *Reporter) probeSMTP() domain.ProbeResult {
	start := time.Now()
	if r.smtp == nil {
		return domain.ProbeResult{Name: "smtp", Status: domain.HealthStatusCritical, Message: "no transport configured"}
	}
	err := r.smtp.TestConnection()
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.ProbeResult{Name: "smtp", Status: domain.HealthStatusCritical, Message: err.Error(), ElapsedMs: elapsed}
	}
	return domain.ProbeResult{Name: "smtp", Status: domain.HealthStatusHealthy, ElapsedMs: elapsed}
}

func (r *Reporter) probeQueue(ctx context.Context) domain.ProbeResult {
	start := time.Now()
	if r.queue == nil {
		return domain.ProbeResult{Name: "queue", Status: domain.HealthStatusCritical, Message: "no queue repository configured"}
	}
	stats, err := r.queue.Statistics(ctx)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.ProbeResult{Name: "queue", Status: domain.HealthStatusCritical, Message: err.Error(), ElapsedMs: elapsed}
	}

	var total int64
	for _, n := range stats.CountByStatus {
		total += n
	}
	threshold := int64(r.cfg.QueueDegradedThreshold)
	if threshold <= 0 {
		threshold = 10000
	}
	if total > threshold {
		return domain.ProbeResult{
			Name: "queue", Status: domain.HealthStatusDegraded,
			Message: fmt.Sprintf("queue depth %d exceeds threshold %d", total, threshold), ElapsedMs: elapsed,
		}
	}
	return domain.ProbeResult{Name: "queue", Status: domain.HealthStatusHealthy, ElapsedMs: elapsed}
}

func (r *Reporter) alert(ctx context.Context, report domain.QueueHealthResponse) {
	level := domain.AlertLevelWarning
	if report.Overall == domain.HealthStatusCritical {
		level = domain.AlertLevelCritical
	}

	a := domain.Alert{
		ID:        uuid.NewString(),
		Title:     fmt.Sprintf("mailpipe health is %s", report.Overall),
		Message:   summarizeProbes(report.Probes),
		Level:     level,
		Timestamp: report.CheckedAt,
		Source:    r.machineName,
		Service:   "EmailWorker",
	}

	if r.cfg.AlertEmail != "" && r.enqueuer != nil {
		_, err := r.enqueuer.Enqueue(ctx, domain.EnqueueRequest{
			ToEmails: r.cfg.AlertEmail,
			Subject:  a.Title,
			Body:     a.Message,
			IsHTML:   false,
			Priority: domain.PriorityHigh,
			CreatedBy: "health-reporter",
		})
		if err != nil && r.log != nil {
			r.log.WithField("error", err.Error()).Error("failed to enqueue alert email")
		}
	}

	if r.cfg.WebhookURL != "" {
		if err := r.postWebhook(ctx, a); err != nil && r.log != nil {
			r.log.WithField("error", err.Error()).Error("failed to post alert webhook")
		}
	}
}

func summarizeProbes(probes []domain.ProbeResult) string {
	msg := ""
	for _, p := range probes {
		if p.Status == domain.HealthStatusHealthy {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s (%s)", p.Name, p.Status, p.Message)
	}
	if msg == "" {
		msg = "all probes healthy"
	}
	return msg
}

func (r *Reporter) postWebhook(ctx context.Context, a domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
