// Command worker runs every background loop in the delivery pipeline: the
// dispatcher pool, the scheduler promoting due scheduled emails, the stuck
// job reaper, the health reporter, and a daily retention sweep. It carries
// no HTTP surface of its own; enqueueing is cmd/api's job.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/app"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building application: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Dispatcher.Start(ctx)
	a.Scheduler.Start(ctx)
	a.Reaper.Start(ctx)
	a.Health.Start(ctx)
	go runDailyCleanup(ctx, a)

	a.Log.Info("worker started")
	<-ctx.Done()
	a.Log.Info("shutting down worker")

	a.Health.Stop()
	a.Reaper.Stop()
	a.Scheduler.Stop()
	a.Dispatcher.Stop()
}

// runDailyCleanup drives the retention sweep on its own clock; unlike the
// dispatcher/scheduler/reaper/health loops it has no internal ticker since
// cleanup runs at a much coarser cadence than any of those.
func runDailyCleanup(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, report := a.Cleanup.PerformScheduledCleanup(ctx, diskPathFor(a.Config))
			if report != nil && report.RequiresCleanup {
				a.Log.WithField("free_bytes", report.FreeBytes).WithField("recommendations", report.Recommendations).Warn("disk pressure triggered aggressive cleanup")
			}
			for _, result := range results {
				if result.Err != nil {
					a.Log.WithField("table", result.Table).WithField("error", result.Err.Error()).Error("cleanup sweep failed")
					continue
				}
				a.Log.WithField("table", result.Table).WithField("deleted", result.Deleted).Info("cleanup sweep complete")
			}
			if err := a.Cleanup.OptimizeDatabase(ctx); err != nil {
				a.Log.WithField("error", err.Error()).Error("database optimize failed")
			}
			if _, err := a.Cleanup.CleanupOldBackups(ctx); err != nil {
				a.Log.WithField("error", err.Error()).Error("backup cleanup failed")
			}
		}
	}
}

// diskPathFor picks the filesystem the disk-pressure check measures,
// preferring wherever archives and backups actually land.
func diskPathFor(cfg *config.Config) string {
	if cfg.Cleanup.ArchivePath != "" {
		return cfg.Cleanup.ArchivePath
	}
	if cfg.Cleanup.BackupPath != "" {
		return cfg.Cleanup.BackupPath
	}
	return "."
}
