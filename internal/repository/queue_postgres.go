// Package repository implements the domain repository ports against
// PostgreSQL using database/sql, lib/pq and squirrel, the way the teacher
// repository's internal/repository package does.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/shanani/mailpipe/internal/domain"
)

// psql is a squirrel StatementBuilder configured for PostgreSQL's $N placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// QueueRepository implements domain.QueueRepository against PostgreSQL.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository wraps an open *sql.DB.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

var queueColumns = []string{
	"queue_id", "priority", "to_emails", "cc_emails", "bcc_emails",
	"subject", "body", "is_html", "template_id", "template_data",
	"requires_template_processing", "attachments", "has_embedded_images",
	"custom_headers", "request_delivery_notification", "request_read_receipt",
	"status", "retry_count", "max_retries", "scheduled_for", "is_scheduled",
	"processing_started_at", "processed_at", "processed_by", "error_message",
	"created_at", "updated_at", "created_by", "request_source",
}

func (r *QueueRepository) Insert(ctx context.Context, item *domain.QueueItem) error {
	return r.InsertBatch(ctx, []*domain.QueueItem{item})
}

func (r *QueueRepository) InsertBatch(ctx context.Context, items []*domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	builder := psql.Insert("queue_items").Columns(queueColumns...)
	for _, item := range items {
		templateData, err := domain.MarshalTemplateData(item.TemplateData)
		if err != nil {
			return fmt.Errorf("marshal template_data: %w", err)
		}
		attachments, err := domain.MarshalAttachments(item.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		customHeaders, err := domain.MarshalTemplateData(item.CustomHeaders)
		if err != nil {
			return fmt.Errorf("marshal custom_headers: %w", err)
		}
		builder = builder.Values(
			item.QueueID, item.Priority, item.ToEmails, item.CcEmails, item.BccEmails,
			item.Subject, item.Body, item.IsHTML, item.TemplateID, templateData,
			item.RequiresTemplateProcessing, attachments, item.HasEmbeddedImages,
			customHeaders, item.RequestDeliveryNotification, item.RequestReadReceipt,
			item.Status, item.RetryCount, item.MaxRetries, item.ScheduledFor, item.IsScheduled,
			item.ProcessingStartedAt, item.ProcessedAt, item.ProcessedBy, item.ErrorMessage,
			item.CreatedAt, item.UpdatedAt, item.CreatedBy, item.RequestSource,
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert queue items: %w", err)
	}
	return tx.Commit()
}

func (r *QueueRepository) GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error) {
	query, args, err := psql.Select(queueColumns...).From("queue_items").Where(sq.Eq{"queue_id": queueID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	row := r.db.QueryRowContext(ctx, query, args...)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func (r *QueueRepository) GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error) {
	if len(queueIDs) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select(queueColumns...).From("queue_items").Where(sq.Eq{"queue_id": queueIDs}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (r *QueueRepository) ClaimBatch(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return r.claim(ctx, batchSize, workerID, "status = 'Queued' AND (scheduled_for IS NULL OR scheduled_for <= $4)")
}

func (r *QueueRepository) ClaimDueScheduled(ctx context.Context, batchSize int, workerID string) ([]*domain.QueueItem, error) {
	return r.claim(ctx, batchSize, workerID, "status = 'Scheduled' AND scheduled_for <= $4")
}

func (r *QueueRepository) claim(ctx context.Context, batchSize int, workerID string, filter string) ([]*domain.QueueItem, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	columns := ""
	for i, c := range queueColumns {
		if i > 0 {
			columns += ", "
		}
		columns += c
	}
	query := fmt.Sprintf(
		`UPDATE queue_items
SET status = 'Processing', processing_started_at = $1, processed_by = $2, updated_at = $1
WHERE queue_id IN (
	SELECT queue_id FROM queue_items
	WHERE %s
	ORDER BY
		CASE priority WHEN 'High' THEN 0 WHEN 'Normal' THEN 1 WHEN 'Low' THEN 2 ELSE 1 END ASC,
		created_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING %s`, filter, columns)

	rows, err := r.db.QueryContext(ctx, query, now, workerID, batchSize, now)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (r *QueueRepository) MarkSent(ctx context.Context, queueID, workerID string, processingTimeMs int64) error {
	now := time.Now().UTC()
	query, args, err := psql.Update("queue_items").
		Set("status", domain.QueueStatusSent).
		Set("processed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"queue_id": queueID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	_ = workerID // already recorded as processed_by at claim time
	_ = processingTimeMs
	return nil
}

func (r *QueueRepository) MarkFailed(ctx context.Context, queueID, errMsg string, shouldRetry bool, baseBackoff time.Duration) error {
	item, err := r.GetByID(ctx, queueID)
	if err != nil {
		return fmt.Errorf("load item before mark failed: %w", err)
	}
	if item == nil {
		return fmt.Errorf("queue item %s not found", queueID)
	}

	now := time.Now().UTC()
	newRetryCount := item.RetryCount + 1

	builder := psql.Update("queue_items").
		Set("retry_count", newRetryCount).
		Set("error_message", errMsg).
		Set("updated_at", now)

	if shouldRetry && newRetryCount < item.MaxRetries {
		nextAttempt := now.Add(time.Duration(newRetryCount) * baseBackoff)
		builder = builder.
			Set("status", domain.QueueStatusQueued).
			Set("processing_started_at", nil).
			Set("processed_by", "").
			Set("scheduled_for", nextAttempt)
	} else {
		builder = builder.Set("status", domain.QueueStatusFailed)
	}

	query, args, err := builder.Where(sq.Eq{"queue_id": queueID}).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (r *QueueRepository) Cancel(ctx context.Context, queueID string) (bool, error) {
	query, args, err := psql.Update("queue_items").
		Set("status", domain.QueueStatusCancelled).
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{
			sq.Eq{"queue_id": queueID},
			sq.Eq{"status": []domain.QueueStatus{domain.QueueStatusQueued, domain.QueueStatusScheduled}},
		}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *QueueRepository) UpdatePriority(ctx context.Context, queueID string, priority domain.Priority) (bool, error) {
	query, args, err := psql.Update("queue_items").
		Set("priority", priority).
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{
			sq.Eq{"queue_id": queueID},
			sq.Eq{"status": domain.QueueStatusQueued},
		}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update priority: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *QueueRepository) Reschedule(ctx context.Context, queueID string, newTime time.Time) (bool, error) {
	query, args, err := psql.Update("queue_items").
		Set("status", domain.QueueStatusScheduled).
		Set("scheduled_for", newTime).
		Set("is_scheduled", true).
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{
			sq.Eq{"queue_id": queueID},
			sq.Eq{"status": domain.QueueStatusQueued},
		}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("reschedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *QueueRepository) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	query, args, err := psql.Update("queue_items").
		Set("status", domain.QueueStatusQueued).
		Set("processing_started_at", nil).
		Set("processed_by", "").
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{
			sq.Eq{"status": domain.QueueStatusProcessing},
			sq.Lt{"processing_started_at": cutoff},
		}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *QueueRepository) Statistics(ctx context.Context) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{
		CountByStatus:   make(map[domain.QueueStatus]int64),
		CountByPriority: make(map[domain.Priority]int64),
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status domain.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT priority, COUNT(*) FROM queue_items
		WHERE status NOT IN ('Sent','Failed','Cancelled')
		GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("count by priority: %w", err)
	}
	for rows.Next() {
		var priority domain.Priority
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan priority count: %w", err)
		}
		stats.CountByPriority[priority] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldestQueued sql.NullTime
	if err := r.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM queue_items WHERE status = 'Queued'`,
	).Scan(&oldestQueued); err != nil {
		return nil, fmt.Errorf("oldest queued: %w", err)
	}
	if oldestQueued.Valid {
		stats.OldestQueuedAge = time.Since(oldestQueued.Time)
	}

	var avgMs, p50Ms, p95Ms sql.NullFloat64
	err = r.db.QueryRowContext(ctx, `
		SELECT
			AVG(EXTRACT(EPOCH FROM (processed_at - processing_started_at)) * 1000),
			PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (processed_at - processing_started_at)) * 1000),
			PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (processed_at - processing_started_at)) * 1000)
		FROM queue_items
		WHERE status = 'Sent' AND processed_at IS NOT NULL AND processing_started_at IS NOT NULL
	`).Scan(&avgMs, &p50Ms, &p95Ms)
	if err != nil {
		return nil, fmt.Errorf("latency percentiles: %w", err)
	}
	if avgMs.Valid {
		stats.AverageLatency = time.Duration(avgMs.Float64) * time.Millisecond
	}
	if p50Ms.Valid {
		stats.P50LatencyMs = int64(p50Ms.Float64)
	}
	if p95Ms.Valid {
		stats.P95LatencyMs = int64(p95Ms.Float64)
	}

	return stats, nil
}

func (r *QueueRepository) ListPage(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 200 {
		f.PageSize = 50
	}

	where := sq.And{}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": f.Status})
	}
	if f.Priority != "" {
		where = append(where, sq.Eq{"priority": f.Priority})
	}
	if f.From != nil {
		where = append(where, sq.GtOrEq{"created_at": *f.From})
	}
	if f.To != nil {
		where = append(where, sq.LtOrEq{"created_at": *f.To})
	}
	if f.Search != "" {
		where = append(where, sq.Or{
			sq.Like{"to_emails": "%" + f.Search + "%"},
			sq.Like{"subject": "%" + f.Search + "%"},
		})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("queue_items").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue items: %w", err)
	}

	query, args, err := psql.Select(queueColumns...).From("queue_items").Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(f.PageSize)).
		Offset(uint64((f.Page - 1) * f.PageSize)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *QueueRepository) DeleteOlderThan(ctx context.Context, status domain.QueueStatus, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM queue_items
		WHERE queue_id IN (
			SELECT queue_id FROM queue_items
			WHERE status = $1 AND updated_at < $2
			LIMIT $3
		)`
	res, err := r.db.ExecContext(ctx, query, status, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete older than: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows for a shared scan helper.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var templateData, attachments, customHeaders []byte
	var scheduledFor, processingStartedAt, processedAt sql.NullTime

	err := row.Scan(
		&item.QueueID, &item.Priority, &item.ToEmails, &item.CcEmails, &item.BccEmails,
		&item.Subject, &item.Body, &item.IsHTML, &item.TemplateID, &templateData,
		&item.RequiresTemplateProcessing, &attachments, &item.HasEmbeddedImages,
		&customHeaders, &item.RequestDeliveryNotification, &item.RequestReadReceipt,
		&item.Status, &item.RetryCount, &item.MaxRetries, &scheduledFor, &item.IsScheduled,
		&processingStartedAt, &processedAt, &item.ProcessedBy, &item.ErrorMessage,
		&item.CreatedAt, &item.UpdatedAt, &item.CreatedBy, &item.RequestSource,
	)
	if err != nil {
		return nil, err
	}

	if scheduledFor.Valid {
		item.ScheduledFor = &scheduledFor.Time
	}
	if processingStartedAt.Valid {
		item.ProcessingStartedAt = &processingStartedAt.Time
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}

	if item.TemplateData, err = domain.UnmarshalTemplateData(templateData); err != nil {
		return nil, fmt.Errorf("unmarshal template_data: %w", err)
	}
	if item.Attachments, err = domain.UnmarshalAttachments(attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if item.CustomHeaders, err = domain.UnmarshalTemplateData(customHeaders); err != nil {
		return nil, fmt.Errorf("unmarshal custom_headers: %w", err)
	}

	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*domain.QueueItem, error) {
	var items []*domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}
