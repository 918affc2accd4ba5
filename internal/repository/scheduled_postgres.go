package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shanani/mailpipe/internal/domain"
)

// ScheduledEmailRepository implements domain.ScheduledEmailRepository against PostgreSQL.
type ScheduledEmailRepository struct {
	db *sql.DB
}

func NewScheduledEmailRepository(db *sql.DB) *ScheduledEmailRepository {
	return &ScheduledEmailRepository{db: db}
}

var scheduledColumns = []string{
	"id", "to_emails", "cc_emails", "bcc_emails", "subject", "body", "is_html", "priority",
	"template_id", "template_data", "attachments", "created_by", "request_source",
	"next_run_time", "interval_minutes", "cron_expression", "is_recurring", "end_date",
	"max_executions", "execution_count", "last_executed_at", "last_execution_status",
	"last_execution_error", "is_active", "created_at", "updated_at",
}

func (r *ScheduledEmailRepository) Insert(ctx context.Context, s *domain.ScheduledEmail) (int64, error) {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	templateData, err := domain.MarshalTemplateData(s.TemplateData)
	if err != nil {
		return 0, fmt.Errorf("marshal template_data: %w", err)
	}
	attachments, err := domain.MarshalAttachments(s.Attachments)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments: %w", err)
	}

	query, args, err := psql.Insert("scheduled_emails").
		Columns(
			"to_emails", "cc_emails", "bcc_emails", "subject", "body", "is_html", "priority",
			"template_id", "template_data", "attachments", "created_by", "request_source",
			"next_run_time", "interval_minutes", "cron_expression", "is_recurring", "end_date",
			"max_executions", "execution_count", "is_active", "created_at", "updated_at",
		).
		Values(
			s.ToEmails, s.CcEmails, s.BccEmails, s.Subject, s.Body, s.IsHTML, s.Priority,
			s.TemplateID, templateData, attachments, s.CreatedBy, s.RequestSource,
			s.NextRunTime, s.IntervalMinutes, s.CronExpression, s.IsRecurring, s.EndDate,
			s.MaxExecutions, s.ExecutionCount, s.IsActive, s.CreatedAt, s.UpdatedAt,
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&s.ID); err != nil {
		return 0, fmt.Errorf("insert scheduled email: %w", err)
	}
	return s.ID, nil
}

func (r *ScheduledEmailRepository) GetByID(ctx context.Context, id int64) (*domain.ScheduledEmail, error) {
	query, args, err := psql.Select(scheduledColumns...).From("scheduled_emails").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	s, err := scanScheduled(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *ScheduledEmailRepository) Update(ctx context.Context, s *domain.ScheduledEmail) error {
	s.UpdatedAt = time.Now().UTC()
	query, args, err := psql.Update("scheduled_emails").
		Set("next_run_time", s.NextRunTime).
		Set("execution_count", s.ExecutionCount).
		Set("last_executed_at", s.LastExecutedAt).
		Set("last_execution_status", s.LastExecutionStatus).
		Set("last_execution_error", s.LastExecutionError).
		Set("is_active", s.IsActive).
		Set("updated_at", s.UpdatedAt).
		Where(sq.Eq{"id": s.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *ScheduledEmailRepository) DueRows(ctx context.Context, asOf time.Time, limit int) ([]*domain.ScheduledEmail, error) {
	query, args, err := psql.Select(scheduledColumns...).From("scheduled_emails").
		Where(sq.And{sq.Eq{"is_active": true}, sq.LtOrEq{"next_run_time": asOf}}).
		OrderBy("next_run_time ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due rows: %w", err)
	}
	defer rows.Close()
	return scanScheduledRows(rows)
}

func (r *ScheduledEmailRepository) ListInRange(ctx context.Context, from, to time.Time) ([]*domain.ScheduledEmail, error) {
	query, args, err := psql.Select(scheduledColumns...).From("scheduled_emails").
		Where(sq.And{sq.GtOrEq{"next_run_time": from}, sq.LtOrEq{"next_run_time": to}}).
		OrderBy("next_run_time ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list in range: %w", err)
	}
	defer rows.Close()
	return scanScheduledRows(rows)
}

func (r *ScheduledEmailRepository) Cancel(ctx context.Context, id int64) (bool, error) {
	query, args, err := psql.Update("scheduled_emails").
		Set("is_active", false).
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{sq.Eq{"id": id}, sq.Eq{"is_active": true}}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cancel scheduled email: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ScheduledEmailRepository) Reschedule(ctx context.Context, id int64, newTime time.Time) (bool, error) {
	query, args, err := psql.Update("scheduled_emails").
		Set("next_run_time", newTime).
		Set("updated_at", time.Now().UTC()).
		Where(sq.And{sq.Eq{"id": id}, sq.Eq{"is_active": true}}).
		ToSql()
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

func scanScheduled(row rowScanner) (*domain.ScheduledEmail, error) {
	var s domain.ScheduledEmail
	var templateData, attachments []byte
	var endDate, lastExecutedAt sql.NullTime
	var intervalMinutes, maxExecutions sql.NullInt64

	err := row.Scan(
		&s.ID, &s.ToEmails, &s.CcEmails, &s.BccEmails, &s.Subject, &s.Body, &s.IsHTML, &s.Priority,
		&s.TemplateID, &templateData, &attachments, &s.CreatedBy, &s.RequestSource,
		&s.NextRunTime, &intervalMinutes, &s.CronExpression, &s.IsRecurring, &endDate,
		&maxExecutions, &s.ExecutionCount, &lastExecutedAt, &s.LastExecutionStatus,
		&s.LastExecutionError, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if endDate.Valid {
		s.EndDate = &endDate.Time
	}
	if lastExecutedAt.Valid {
		s.LastExecutedAt = &lastExecutedAt.Time
	}
	if intervalMinutes.Valid {
		v := int(intervalMinutes.Int64)
		s.IntervalMinutes = &v
	}
	if maxExecutions.Valid {
		v := int(maxExecutions.Int64)
		s.MaxExecutions = &v
	}
	if s.TemplateData, err = domain.UnmarshalTemplateData(templateData); err != nil {
		return nil, fmt.Errorf("unmarshal template_data: %w", err)
	}
	if s.Attachments, err = domain.UnmarshalAttachments(attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}

	return &s, nil
}

func scanScheduledRows(rows *sql.Rows) ([]*domain.ScheduledEmail, error) {
	var out []*domain.ScheduledEmail
	for rows.Next() {
		s, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled email: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
