// Package app wires the concrete repositories, services and transports
// behind the interfaces each component depends on, the way the teacher's
// main.go composition root builds its dependency graph by hand rather than
// through a DI container.
package app

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/http"
	"github.com/shanani/mailpipe/internal/repository"
	"github.com/shanani/mailpipe/internal/service/cleanup"
	"github.com/shanani/mailpipe/internal/service/health"
	"github.com/shanani/mailpipe/internal/service/queue"
	"github.com/shanani/mailpipe/internal/service/reaper"
	"github.com/shanani/mailpipe/internal/service/scheduler"
	"github.com/shanani/mailpipe/internal/service/template"
	"github.com/shanani/mailpipe/internal/service/transport"
	"github.com/shanani/mailpipe/pkg/logger"
)

// App holds every long-lived component the api and worker entry points
// draw from, built once at process start.
type App struct {
	Config *config.Config
	Log    logger.Logger
	DB     *sql.DB

	Queue      *repository.QueueRepository
	History    *repository.HistoryRepository
	Attachment *repository.AttachmentRepository
	DeadLetter *repository.DeadLetterRepository
	Processing *repository.ProcessingLogRepository
	Status     *repository.StatusRepository
	Scheduled  *repository.ScheduledEmailRepository
	Template   *repository.TemplateRepository

	TemplateEngine *template.Engine
	Transport      *transport.Transport
	Manager        *queue.Manager
	Dispatcher     *queue.Dispatcher
	Scheduler      *scheduler.Scheduler
	Reaper         *reaper.Reaper
	Cleanup        *cleanup.Service
	Health         *health.Reporter

	QueueHandler     *http.QueueHandler
	ScheduleHandler  *http.ScheduleHandler
}

// New opens the database connection and wires every component against it.
// It does not start any background loop; callers (cmd/api, cmd/worker)
// decide which of Dispatcher/Scheduler/Reaper/Cleanup/Health to run.
func New(cfg *config.Config) (*App, error) {
	log := logger.New(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	queueRepo := repository.NewQueueRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)
	deadLetterRepo := repository.NewDeadLetterRepository(db)
	processingLogRepo := repository.NewProcessingLogRepository(db)
	statusRepo := repository.NewStatusRepository(db)
	scheduledRepo := repository.NewScheduledEmailRepository(db)
	templateRepo := repository.NewTemplateRepository(db)

	templateEngine := template.New(templateRepo, log)
	smtpTransport := transport.New(cfg.SMTP)

	manager := queue.NewManager(queueRepo, deadLetterRepo, cfg.Attachment.MaxTotalBytes, cfg.Processing.MaxRetries, log)

	dispatcher := queue.NewDispatcher(manager, queueRepo, historyRepo, templateEngine, smtpTransport, cfg.SMTP, queue.DispatcherConfig{
		WorkerCount:             cfg.Processing.MaxConcurrentWorkers,
		PollInterval:            cfg.Processing.PollInterval,
		BatchSize:               cfg.Processing.BatchSize,
		DrainTimeout:            cfg.Processing.DrainTimeout,
		CircuitBreakerThreshold: cfg.Processing.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  cfg.Processing.CircuitBreakerCooldown,
		SMTPRateLimitPerMinute:  cfg.Processing.SMTPRateLimitPerMinute,
		RetryBaseBackoff:        cfg.Processing.RetryBaseBackoff,
	}, log)

	sched := scheduler.New(scheduledRepo, manager, cfg.Processing.PollInterval, cfg.Processing.BatchSize, log)

	stuckThreshold := time.Duration(cfg.Processing.StuckThresholdMinutes) * time.Minute
	jobReaper := reaper.New(manager, cfg.Processing.HeartbeatInterval, stuckThreshold, 3, log)

	cleanupSvc := cleanup.New(historyRepo, processingLogRepo, attachmentRepo, statusRepo, queueRepo, deadLetterRepo, cfg.Cleanup, log).WithDB(db)

	healthReporter := health.New(db, smtpTransport, queueRepo, statusRepo, manager, cfg.Alert, health.Config{
		ServiceName: "mailpipe",
		MaxWorkers:  cfg.Processing.MaxConcurrentWorkers,
		BatchSize:   cfg.Processing.BatchSize,
		Interval:    cfg.Processing.HeartbeatInterval,
	}, log)

	queueHandler := http.NewQueueHandler(manager, templateRepo, healthReporter, log)
	scheduleHandler := http.NewScheduleHandler(sched, log)

	return &App{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Queue:      queueRepo,
		History:    historyRepo,
		Attachment: attachmentRepo,
		DeadLetter: deadLetterRepo,
		Processing: processingLogRepo,
		Status:     statusRepo,
		Scheduled:  scheduledRepo,
		Template:   templateRepo,

		TemplateEngine: templateEngine,
		Transport:      smtpTransport,
		Manager:        manager,
		Dispatcher:     dispatcher,
		Scheduler:      sched,
		Reaper:         jobReaper,
		Cleanup:        cleanupSvc,
		Health:         healthReporter,

		QueueHandler:    queueHandler,
		ScheduleHandler: scheduleHandler,
	}, nil
}

// Close releases the database connection.
func (a *App) Close() error {
	return a.DB.Close()
}
