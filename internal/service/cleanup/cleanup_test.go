package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanani/mailpipe/config"
	"github.com/shanani/mailpipe/internal/domain"
)

type fakeHistoryRepo struct {
	rows    []*domain.EmailHistory
	deleted []int64
}

func (f *fakeHistoryRepo) Insert(ctx context.Context, h *domain.EmailHistory) error { return nil }
func (f *fakeHistoryRepo) GetByQueueID(ctx context.Context, queueID string) ([]*domain.EmailHistory, error) {
	return nil, nil
}
func (f *fakeHistoryRepo) SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.EmailHistory, error) {
	return f.rows, nil
}
func (f *fakeHistoryRepo) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}
func (f *fakeHistoryRepo) UsageStatsByTemplate(ctx context.Context, templateID string) (*domain.TemplateUsageStats, error) {
	return nil, nil
}

type fakeDeleter struct {
	calls int
	n     int64
	err   error
}

func (f *fakeDeleter) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.calls++
	return f.n, f.err
}

type fakeProcessingLogRepo struct{ fakeDeleter }

func (f *fakeProcessingLogRepo) Insert(ctx context.Context, l *domain.ProcessingLog) error { return nil }
func (f *fakeProcessingLogRepo) ListByQueueID(ctx context.Context, queueID string) ([]*domain.ProcessingLog, error) {
	return nil, nil
}

type fakeAttachmentRepo struct {
	deleteOlderCalls int
	orphanedCalls    int
}

func (f *fakeAttachmentRepo) InsertBatch(ctx context.Context, a []*domain.EmailAttachment) error {
	return nil
}
func (f *fakeAttachmentRepo) ListByQueueID(ctx context.Context, queueID string) ([]*domain.EmailAttachment, error) {
	return nil, nil
}
func (f *fakeAttachmentRepo) DeleteOrphaned(ctx context.Context, limit int) (int64, error) {
	f.orphanedCalls++
	return 2, nil
}
func (f *fakeAttachmentRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.deleteOlderCalls++
	return 3, nil
}

type fakeStatusRepo struct{ fakeDeleter }

func (f *fakeStatusRepo) Upsert(ctx context.Context, s *domain.ServiceStatus) error { return nil }
func (f *fakeStatusRepo) Get(ctx context.Context, serviceName, machineName string) (*domain.ServiceStatus, error) {
	return nil, nil
}
func (f *fakeStatusRepo) List(ctx context.Context) ([]*domain.ServiceStatus, error) { return nil, nil }

type fakeQueueRepoForCleanup struct {
	deletedByStatus map[domain.QueueStatus]int64
}

func (f *fakeQueueRepoForCleanup) Insert(ctx context.Context, item *domain.QueueItem) error { return nil }
func (f *fakeQueueRepoForCleanup) InsertBatch(ctx context.Context, items []*domain.QueueItem) error {
	return nil
}
func (f *fakeQueueRepoForCleanup) GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepoForCleanup) GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepoForCleanup) ClaimBatch(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepoForCleanup) ClaimDueScheduled(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueueRepoForCleanup) MarkSent(ctx context.Context, queueID, workerID string, processingTimeMs int64) error {
	return nil
}
func (f *fakeQueueRepoForCleanup) MarkFailed(ctx context.Context, queueID, errMsg string, shouldRetry bool, baseBackoff time.Duration) error {
	return nil
}
func (f *fakeQueueRepoForCleanup) Cancel(ctx context.Context, queueID string) (bool, error) {
	return false, nil
}
func (f *fakeQueueRepoForCleanup) UpdatePriority(ctx context.Context, queueID string, priority domain.Priority) (bool, error) {
	return false, nil
}
func (f *fakeQueueRepoForCleanup) Reschedule(ctx context.Context, queueID string, newTime time.Time) (bool, error) {
	return false, nil
}
func (f *fakeQueueRepoForCleanup) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeQueueRepoForCleanup) Statistics(ctx context.Context) (*domain.QueueStats, error) {
	return nil, nil
}
func (f *fakeQueueRepoForCleanup) ListPage(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, int64, error) {
	return nil, 0, nil
}
func (f *fakeQueueRepoForCleanup) DeleteOlderThan(ctx context.Context, status domain.QueueStatus, cutoff time.Time, limit int) (int64, error) {
	if f.deletedByStatus == nil {
		f.deletedByStatus = make(map[domain.QueueStatus]int64)
	}
	f.deletedByStatus[status]++
	return 5, nil
}

type fakeDeadLetterRepo struct{ fakeDeleter }

func (f *fakeDeadLetterRepo) Insert(ctx context.Context, item *domain.DeadLetterItem) error { return nil }
func (f *fakeDeadLetterRepo) List(ctx context.Context, limit, offset int) ([]*domain.DeadLetterItem, int64, error) {
	return nil, 0, nil
}
func (f *fakeDeadLetterRepo) Get(ctx context.Context, id string) (*domain.DeadLetterItem, error) {
	return nil, nil
}
func (f *fakeDeadLetterRepo) Delete(ctx context.Context, id string) error { return nil }

func newTestService(t *testing.T, cfg config.CleanupConfig) (*Service, *fakeHistoryRepo, *fakeQueueRepoForCleanup) {
	t.Helper()
	history := &fakeHistoryRepo{}
	queueRepo := &fakeQueueRepoForCleanup{}
	svc := New(history, &fakeProcessingLogRepo{}, &fakeAttachmentRepo{}, &fakeStatusRepo{}, queueRepo, &fakeDeadLetterRepo{}, cfg, nil)
	return svc, history, queueRepo
}

func TestArchiveEmailHistory_WritesGzipAndDeletes(t *testing.T) {
	dir := t.TempDir()
	svc, history, _ := newTestService(t, config.CleanupConfig{ArchivePath: dir, HistoryRetentionDays: 30})
	history.rows = []*domain.EmailHistory{
		{ID: 1, QueueID: "a", Status: domain.QueueStatusSent, SentAt: time.Now().Add(-40 * 24 * time.Hour)},
	}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	path, deleted, err := svc.ArchiveEmailHistory(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []int64{1}, history.deleted)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, filepath.Join(dir, "EmailHistory_Archive_20260801_120000.json.gz"), path)
}

func TestArchiveEmailHistory_NoRowsIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, config.CleanupConfig{ArchivePath: t.TempDir()})
	path, deleted, err := svc.ArchiveEmailHistory(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Zero(t, deleted)
}

func TestCleanupFailedQueueItems_CoversFailedAndCancelled(t *testing.T) {
	svc, _, queueRepo := newTestService(t, config.CleanupConfig{})
	n, err := svc.CleanupFailedQueueItems(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Len(t, queueRepo.deletedByStatus, 2)
}

func TestPerformFullCleanup_ContinuesPastOneFailure(t *testing.T) {
	history := &fakeHistoryRepo{}
	proc := &fakeProcessingLogRepo{}
	proc.err = errors.New("boom")
	svc := New(history, proc, &fakeAttachmentRepo{}, &fakeStatusRepo{}, &fakeQueueRepoForCleanup{}, &fakeDeadLetterRepo{}, config.CleanupConfig{ArchivePath: t.TempDir()}, nil)

	results := svc.PerformFullCleanup(context.Background())
	require.Len(t, results, 7)

	var sawFailure bool
	for _, r := range results {
		if r.Table == "processing_logs" {
			sawFailure = r.Err != nil
		}
	}
	assert.True(t, sawFailure)
}

func TestPerformAggressiveCleanup_SkipsHalvingWhenDisabled(t *testing.T) {
	svc, _, _ := newTestService(t, config.CleanupConfig{EnableAggressiveCleanup: false, ArchivePath: t.TempDir()})
	results := svc.PerformAggressiveCleanup(context.Background())
	assert.NotEmpty(t, results)
}

func TestDirSize_SumsFileSizes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello"), 0o644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestAnalyzeDiskSpace_ReportsFreeUsedAndThresholds(t *testing.T) {
	svc, _, _ := newTestService(t, config.CleanupConfig{})

	report, err := svc.AnalyzeDiskSpace(context.Background(), t.TempDir())

	require.NoError(t, err)
	assert.Greater(t, report.TotalBytes, int64(0))
	assert.Equal(t, report.TotalBytes-report.FreeBytes, report.UsedBytes)
	assert.NotEmpty(t, report.Recommendations)
	// Without a database handle attached, the estimate stays zero rather
	// than erroring.
	assert.Zero(t, report.DatabaseSizeBytes)
	assert.Zero(t, report.ReclaimableBytes)
}

func TestAnalyzeDiskSpace_MeasuresConfiguredArchiveDirectory(t *testing.T) {
	archiveDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "a.json.gz"), []byte("12345"), 0o644))
	svc, _, _ := newTestService(t, config.CleanupConfig{ArchivePath: archiveDir})

	report, err := svc.AnalyzeDiskSpace(context.Background(), t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, int64(5), report.ArchiveDirBytes)
}

func TestPerformScheduledCleanup_FallsBackToFullSweepOnStatfsError(t *testing.T) {
	svc, _, _ := newTestService(t, config.CleanupConfig{ArchivePath: t.TempDir()})

	results, report := svc.PerformScheduledCleanup(context.Background(), "/path/does/not/exist/at/all")

	assert.Nil(t, report)
	assert.NotEmpty(t, results)
}

func TestPerformScheduledCleanup_RunsStandardSweepWhenSpaceIsNotTight(t *testing.T) {
	svc, _, _ := newTestService(t, config.CleanupConfig{ArchivePath: t.TempDir()})

	results, report := svc.PerformScheduledCleanup(context.Background(), t.TempDir())

	require.NotNil(t, report)
	assert.False(t, report.RequiresCleanup)
	assert.NotEmpty(t, results)
}

func TestCleanupOldBackups_NoBackupPathIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, config.CleanupConfig{})
	n, err := svc.CleanupOldBackups(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
