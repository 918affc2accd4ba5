package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shanani/mailpipe/internal/domain"
)

// HistoryRepository implements domain.HistoryRepository against PostgreSQL.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

var historyColumns = []string{
	"id", "queue_id", "to_emails", "subject", "final_body", "status",
	"processing_time_ms", "retry_count", "processed_by", "error_details",
	"template_id", "sent_at",
}

func (r *HistoryRepository) Insert(ctx context.Context, h *domain.EmailHistory) error {
	if h.SentAt.IsZero() {
		h.SentAt = time.Now().UTC()
	}
	query, args, err := psql.Insert("email_history").
		Columns("queue_id", "to_emails", "subject", "final_body", "status",
			"processing_time_ms", "retry_count", "processed_by", "error_details", "template_id", "sent_at").
		Values(h.QueueID, h.ToEmails, h.Subject, h.FinalBody, h.Status,
			h.ProcessingTimeMs, h.RetryCount, h.ProcessedBy, h.ErrorDetails, h.TemplateID, h.SentAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	return r.db.QueryRowContext(ctx, query, args...).Scan(&h.ID)
}

func (r *HistoryRepository) GetByQueueID(ctx context.Context, queueID string) ([]*domain.EmailHistory, error) {
	query, args, err := psql.Select(historyColumns...).From("email_history").
		Where(sq.Eq{"queue_id": queueID}).OrderBy("sent_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get by queue id: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

func (r *HistoryRepository) SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.EmailHistory, error) {
	query, args, err := psql.Select(historyColumns...).From("email_history").
		Where(sq.Lt{"sent_at": cutoff}).
		OrderBy("sent_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select older than: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

func (r *HistoryRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := psql.Delete("email_history").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete by ids: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *HistoryRepository) UsageStatsByTemplate(ctx context.Context, templateID string) (*domain.TemplateUsageStats, error) {
	stats := &domain.TemplateUsageStats{}
	var avgMs sql.NullFloat64
	var lastUsed sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'Sent' THEN 1 ELSE 0 END), 0),
		       AVG(processing_time_ms),
		       MAX(sent_at)
		FROM email_history
		WHERE template_id = $1
	`, templateID).Scan(&stats.TimesUsed, &stats.SuccessCount, &avgMs, &lastUsed)
	if err != nil {
		return nil, fmt.Errorf("usage stats by template: %w", err)
	}
	if avgMs.Valid {
		stats.AverageProcessTime = time.Duration(avgMs.Float64) * time.Millisecond
	}
	if lastUsed.Valid {
		stats.LastUsedAt = &lastUsed.Time
	}
	return stats, nil
}

func scanHistory(row rowScanner) (*domain.EmailHistory, error) {
	var h domain.EmailHistory
	err := row.Scan(
		&h.ID, &h.QueueID, &h.ToEmails, &h.Subject, &h.FinalBody, &h.Status,
		&h.ProcessingTimeMs, &h.RetryCount, &h.ProcessedBy, &h.ErrorDetails,
		&h.TemplateID, &h.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func scanHistoryRows(rows *sql.Rows) ([]*domain.EmailHistory, error) {
	var out []*domain.EmailHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
