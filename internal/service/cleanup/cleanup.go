// Package cleanup implements the retention/archival engine (C9): it purges
// terminal rows past their retention window from every table the pipeline
// writes, archiving EmailHistory to compressed JSON before deleting it.
package cleanup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// Result tallies one cleanup table's outcome, for logging and the
// aggregate report PerformFullCleanup returns.
type Result struct {
	Table   string
	Deleted int64
	Err     error
}

// Service runs the scheduled retention sweep (§4.8).
type Service struct {
	history     domain.HistoryRepository
	processing  domain.ProcessingLogRepository
	attachments domain.AttachmentRepository
	status      domain.StatusRepository
	queue       domain.QueueRepository
	deadLetters domain.DeadLetterRepository
	db          *sql.DB
	cfg         config.CleanupConfig
	log         logger.Logger
}

// WithDB attaches a raw connection handle so OptimizeDatabase can issue
// administrative statements outside any transaction.
func (s *Service) WithDB(db *sql.DB) *Service {
	s.db = db
	return s
}

// New builds a Service wired to every repository it may need to purge.
func New(
	history domain.HistoryRepository,
	processing domain.ProcessingLogRepository,
	attachments domain.AttachmentRepository,
	status domain.StatusRepository,
	queue domain.QueueRepository,
	deadLetters domain.DeadLetterRepository,
	cfg config.CleanupConfig,
	log logger.Logger,
) *Service {
	return &Service{
		history: history, processing: processing, attachments: attachments,
		status: status, queue: queue, deadLetters: deadLetters, cfg: cfg, log: log,
	}
}

func (s *Service) limit() int {
	if s.cfg.MaxRecordsPerCleanup <= 0 {
		return 1000
	}
	return s.cfg.MaxRecordsPerCleanup
}

func (s *Service) retentionCutoff(days int) time.Time {
	if days <= 0 {
		days = 30
	}
	return time.Now().UTC().AddDate(0, 0, -days)
}

// ArchiveEmailHistory writes the EmailHistory rows older than the
// configured retention window, at most s.limit() of them per call, to a
// gzip-compressed JSON file, then deletes
// the archived rows. Returns the archive file path (empty if nothing to
// archive) and the number of rows removed.
func (s *Service) ArchiveEmailHistory(ctx context.Context, now time.Time) (string, int64, error) {
	cutoff := s.retentionCutoff(s.cfg.HistoryRetentionDays)
	rows, err := s.history.SelectOlderThan(ctx, cutoff, s.limit())
	if err != nil {
		return "", 0, mailerr.Storage(err, "select history rows to archive")
	}
	if len(rows) == 0 {
		return "", 0, nil
	}

	dir := s.cfg.ArchivePath
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, mailerr.Storage(err, "create archive directory")
	}

	name := fmt.Sprintf("EmailHistory_Archive_%s.json.gz", now.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	if err := writeArchive(path, rows); err != nil {
		return "", 0, mailerr.Storage(err, "write history archive")
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	deleted, err := s.history.DeleteByIDs(ctx, ids)
	if err != nil {
		return path, 0, mailerr.Storage(err, "delete archived history rows")
	}

	if s.log != nil {
		s.log.WithField("path", path).WithField("count", deleted).Info("archived email history")
	}
	return path, deleted, nil
}

func writeArchive(path string, rows []*domain.EmailHistory) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(f)
	defer func() {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}()

	return json.NewEncoder(gz).Encode(rows)
}

// CleanupProcessingLogs purges rows older than ProcessingLogRetentionDays.
func (s *Service) CleanupProcessingLogs(ctx context.Context) (int64, error) {
	cutoff := s.retentionCutoff(s.cfg.ProcessingLogRetentionDays)
	n, err := s.processing.DeleteOlderThan(ctx, cutoff, s.limit())
	if err != nil {
		return 0, mailerr.Storage(err, "cleanup processing logs")
	}
	return n, nil
}

// CleanupOldAttachments purges attachment rows older than AttachmentRetentionDays.
func (s *Service) CleanupOldAttachments(ctx context.Context) (int64, error) {
	cutoff := s.retentionCutoff(s.cfg.AttachmentRetentionDays)
	n, err := s.attachments.DeleteOlderThan(ctx, cutoff, s.limit())
	if err != nil {
		return 0, mailerr.Storage(err, "cleanup old attachments")
	}
	return n, nil
}

// CleanupOrphanedAttachments removes attachment rows whose queue_id no
// longer exists in either the live queue or history (§4.8).
func (s *Service) CleanupOrphanedAttachments(ctx context.Context) (int64, error) {
	n, err := s.attachments.DeleteOrphaned(ctx, s.limit())
	if err != nil {
		return 0, mailerr.Storage(err, "cleanup orphaned attachments")
	}
	return n, nil
}

// CleanupServiceStatus purges heartbeat rows older than ServiceStatusRetentionDays.
func (s *Service) CleanupServiceStatus(ctx context.Context) (int64, error) {
	cutoff := s.retentionCutoff(s.cfg.ServiceStatusRetentionDays)
	n, err := s.status.DeleteOlderThan(ctx, cutoff, s.limit())
	if err != nil {
		return 0, mailerr.Storage(err, "cleanup service status")
	}
	return n, nil
}

// CleanupFailedQueueItems purges terminal Failed/Cancelled rows older than
// FailedQueueRetentionDays.
func (s *Service) CleanupFailedQueueItems(ctx context.Context) (int64, error) {
	cutoff := s.retentionCutoff(s.cfg.FailedQueueRetentionDays)
	var total int64
	for _, status := range []domain.QueueStatus{domain.QueueStatusFailed, domain.QueueStatusCancelled} {
		n, err := s.queue.DeleteOlderThan(ctx, status, cutoff, s.limit())
		if err != nil {
			return total, mailerr.Storage(err, "cleanup failed queue items")
		}
		total += n
	}
	return total, nil
}

// CleanupDeadLetters purges dead-letter rows older than DeadLetterRetentionDays.
func (s *Service) CleanupDeadLetters(ctx context.Context) (int64, error) {
	cutoff := s.retentionCutoff(s.cfg.DeadLetterRetentionDays)
	n, err := s.deadLetters.DeleteOlderThan(ctx, cutoff, s.limit())
	if err != nil {
		return 0, mailerr.Storage(err, "cleanup dead letters")
	}
	return n, nil
}

// PerformFullCleanup runs every retention sweep in sequence and returns a
// per-table result list. A single table's failure does not stop the rest.
func (s *Service) PerformFullCleanup(ctx context.Context) []Result {
	now := time.Now().UTC()
	var results []Result

	if _, deleted, err := s.ArchiveEmailHistory(ctx, now); err != nil {
		results = append(results, Result{Table: "email_history", Err: err})
	} else {
		results = append(results, Result{Table: "email_history", Deleted: deleted})
	}

	runners := []struct {
		table string
		fn    func(context.Context) (int64, error)
	}{
		{"processing_logs", s.CleanupProcessingLogs},
		{"email_attachments", s.CleanupOldAttachments},
		{"email_attachments_orphaned", s.CleanupOrphanedAttachments},
		{"service_status", s.CleanupServiceStatus},
		{"queue_items", s.CleanupFailedQueueItems},
		{"dead_letter_items", s.CleanupDeadLetters},
	}
	for _, r := range runners {
		n, err := r.fn(ctx)
		results = append(results, Result{Table: r.table, Deleted: n, Err: err})
	}

	for _, r := range results {
		if s.log == nil {
			continue
		}
		l := s.log.WithField("table", r.Table).WithField("deleted", r.Deleted)
		if r.Err != nil {
			l.WithField("error", r.Err.Error()).Error("cleanup table failed")
		} else if r.Deleted > 0 {
			l.Info("cleanup table purged rows")
		}
	}

	return results
}

// PerformAggressiveCleanup runs the full sweep and, when
// EnableAggressiveCleanup is set, additionally halves every retention
// window for one pass to recover disk space faster.
func (s *Service) PerformAggressiveCleanup(ctx context.Context) []Result {
	if !s.cfg.EnableAggressiveCleanup {
		return s.PerformFullCleanup(ctx)
	}

	halved := s.cfg
	halved.HistoryRetentionDays = halveFloor(halved.HistoryRetentionDays)
	halved.ProcessingLogRetentionDays = halveFloor(halved.ProcessingLogRetentionDays)
	halved.AttachmentRetentionDays = halveFloor(halved.AttachmentRetentionDays)
	halved.ServiceStatusRetentionDays = halveFloor(halved.ServiceStatusRetentionDays)
	halved.FailedQueueRetentionDays = halveFloor(halved.FailedQueueRetentionDays)
	halved.DeadLetterRetentionDays = halveFloor(halved.DeadLetterRetentionDays)

	aggressive := &Service{
		history: s.history, processing: s.processing, attachments: s.attachments,
		status: s.status, queue: s.queue, deadLetters: s.deadLetters, cfg: halved, log: s.log,
	}
	return aggressive.PerformFullCleanup(ctx)
}

func halveFloor(days int) int {
	if days <= 1 {
		return days
	}
	return days / 2
}

// OptimizeDatabase runs VACUUM ANALYZE against every table the pipeline
// writes. VACUUM cannot run inside a transaction, so this needs the raw
// *sql.DB handle set via WithDB rather than a repository method.
func (s *Service) OptimizeDatabase(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("optimize database: no database handle configured")
	}
	tables := []string{
		"queue_items", "email_history", "processing_logs",
		"email_attachments", "service_status", "dead_letter_items",
		"email_templates", "scheduled_emails",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "VACUUM ANALYZE "+t); err != nil {
			return mailerr.Storage(err, fmt.Sprintf("vacuum analyze %s", t))
		}
	}
	return nil
}

// DiskSpaceReport is AnalyzeDiskSpace's disk-pressure assessment (§4.8).
type DiskSpaceReport struct {
	Path              string
	TotalBytes        int64
	FreeBytes         int64
	UsedBytes         int64
	DatabaseSizeBytes int64
	ArchiveDirBytes   int64
	ReclaimableBytes  int64
	RequiresCleanup   bool
	IsLowOnSpace      bool
	Recommendations   []string
}

// DirSize sums file sizes under a directory tree, for reporting how much
// the backup or archive directories themselves occupy.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure directory size at %s: %w", path, err)
	}
	return total, nil
}

// AnalyzeDiskSpace reports free/used bytes on the filesystem backing path
// (via syscall.Statfs — no third-party disk-usage library appears anywhere
// in the retrieval pack, and this genuinely needs an OS-level stat, not a
// SQL query), an estimated database size and reclaimable-by-cleanup size
// when a database handle is attached, and the requires_cleanup (free <
// 10%) / is_low_on_space (free < 20%) flags §4.8 names.
func (s *Service) AnalyzeDiskSpace(ctx context.Context, path string) (*DiskSpaceReport, error) {
	if path == "" {
		path = "."
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, mailerr.Storage(err, fmt.Sprintf("statfs %s", path))
	}
	total := int64(stat.Blocks) * stat.Bsize
	free := int64(stat.Bavail) * stat.Bsize

	report := &DiskSpaceReport{
		Path:       path,
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
	}

	if s.db != nil {
		_ = s.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&report.DatabaseSizeBytes)
		report.ReclaimableBytes = s.estimateReclaimableBytes(ctx)
	}

	if s.cfg.ArchivePath != "" {
		if size, err := DirSize(s.cfg.ArchivePath); err == nil {
			report.ArchiveDirBytes = size
		}
	}

	if total > 0 {
		freePercent := float64(report.FreeBytes) / float64(total) * 100
		report.RequiresCleanup = freePercent < 10
		report.IsLowOnSpace = freePercent < 20
	}
	report.Recommendations = diskRecommendations(report)

	return report, nil
}

// estimateReclaimableBytes approximates the bytes PerformFullCleanup would
// free by counting EmailHistory rows already past retention (the largest
// rows this system writes) against a conservative per-row size. It reads
// through the same SelectOlderThan port ArchiveEmailHistory uses rather
// than any of the DeleteOlderThan ports, since this is an estimate, not
// a deletion.
func (s *Service) estimateReclaimableBytes(ctx context.Context) int64 {
	const avgHistoryRowBytes = 2048
	cutoff := s.retentionCutoff(s.cfg.HistoryRetentionDays)
	rows, err := s.history.SelectOlderThan(ctx, cutoff, s.limit())
	if err != nil {
		return 0
	}
	return int64(len(rows)) * avgHistoryRowBytes
}

func diskRecommendations(r *DiskSpaceReport) []string {
	var recs []string
	switch {
	case r.RequiresCleanup:
		recs = append(recs, "free space below 10%: run aggressive cleanup immediately")
	case r.IsLowOnSpace:
		recs = append(recs, "free space below 20%: schedule a cleanup pass soon")
	}
	if r.DatabaseSizeBytes > 0 && r.ReclaimableBytes > 0 {
		pct := float64(r.ReclaimableBytes) / float64(r.DatabaseSizeBytes) * 100
		if pct >= 1 {
			recs = append(recs, fmt.Sprintf("archiving aged email history would reclaim approximately %.1f%% of database size", pct))
		}
	}
	if r.ArchiveDirBytes > 0 && r.TotalBytes > 0 && float64(r.ArchiveDirBytes)/float64(r.TotalBytes)*100 >= 5 {
		recs = append(recs, "the archive directory itself occupies a significant share of this disk: consider moving it to a separate volume")
	}
	if len(recs) == 0 {
		recs = append(recs, "disk usage is within normal bounds")
	}
	return recs
}

// PerformScheduledCleanup analyzes disk pressure at diskPath and escalates
// to PerformAggressiveCleanup when requires_cleanup is set, otherwise runs
// the standard full sweep — the disk-pressure escalation §4.8 names.
func (s *Service) PerformScheduledCleanup(ctx context.Context, diskPath string) ([]Result, *DiskSpaceReport) {
	report, err := s.AnalyzeDiskSpace(ctx, diskPath)
	if err != nil {
		if s.log != nil {
			s.log.WithField("error", err.Error()).Warn("disk space analysis failed, falling back to standard cleanup")
		}
		return s.PerformFullCleanup(ctx), nil
	}
	if report.RequiresCleanup {
		if s.log != nil {
			s.log.WithField("free_bytes", report.FreeBytes).Warn("disk space below 10% free, running aggressive cleanup")
		}
		return s.PerformAggressiveCleanup(ctx), report
	}
	return s.PerformFullCleanup(ctx), report
}

// CleanupOldBackups removes backup files under BackupPath older than
// HistoryRetentionDays, keeping the backup directory bounded the same way
// the data tables are.
func (s *Service) CleanupOldBackups(ctx context.Context) (int, error) {
	if s.cfg.BackupPath == "" {
		return 0, nil
	}
	cutoff := s.retentionCutoff(s.cfg.HistoryRetentionDays)
	entries, err := os.ReadDir(s.cfg.BackupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.BackupPath, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// CreateBackup copies the given reader's content (a database dump produced
// by the caller) into a timestamped file under BackupPath.
func (s *Service) CreateBackup(src io.Reader, now time.Time) (string, error) {
	if s.cfg.BackupPath == "" {
		return "", fmt.Errorf("backup path is not configured")
	}
	if err := os.MkdirAll(s.cfg.BackupPath, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	path := filepath.Join(s.cfg.BackupPath, fmt.Sprintf("mailpipe_backup_%s.sql.gz", now.Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	if _, err := io.Copy(gz, src); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}
