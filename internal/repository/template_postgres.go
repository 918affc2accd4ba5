package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shanani/mailpipe/internal/domain"
)

// TemplateRepository implements domain.TemplateRepository against PostgreSQL.
type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

var templateColumns = []string{
	"id", "name", "category", "subject_template", "body_template",
	"is_active", "is_system", "version", "created_at", "updated_at",
}

func (r *TemplateRepository) Insert(ctx context.Context, t *domain.EmailTemplate) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Version == 0 {
		t.Version = 1
	}
	query, args, err := psql.Insert("email_templates").
		Columns("name", "category", "subject_template", "body_template", "is_active", "is_system", "version", "created_at", "updated_at").
		Values(t.Name, t.Category, t.SubjectTemplate, t.BodyTemplate, t.IsActive, t.IsSystem, t.Version, t.CreatedAt, t.UpdatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	return r.db.QueryRowContext(ctx, query, args...).Scan(&t.ID)
}

func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*domain.EmailTemplate, error) {
	query, args, err := psql.Select(templateColumns...).From("email_templates").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	t, err := scanTemplate(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *TemplateRepository) GetByName(ctx context.Context, name string) (*domain.EmailTemplate, error) {
	query, args, err := psql.Select(templateColumns...).From("email_templates").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	t, err := scanTemplate(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *TemplateRepository) Update(ctx context.Context, t *domain.EmailTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	t.Version++
	query, args, err := psql.Update("email_templates").
		Set("name", t.Name).
		Set("category", t.Category).
		Set("subject_template", t.SubjectTemplate).
		Set("body_template", t.BodyTemplate).
		Set("is_active", t.IsActive).
		Set("version", t.Version).
		Set("updated_at", t.UpdatedAt).
		Where(sq.Eq{"id": t.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *TemplateRepository) Delete(ctx context.Context, id int64) error {
	query, args, err := psql.Delete("email_templates").
		Where(sq.And{sq.Eq{"id": id}, sq.Eq{"is_system": false}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("template %d not found or is a system template", id)
	}
	return nil
}

func (r *TemplateRepository) List(ctx context.Context, activeOnly bool) ([]*domain.EmailTemplate, error) {
	builder := psql.Select(templateColumns...).From("email_templates").OrderBy("name ASC")
	if activeOnly {
		builder = builder.Where(sq.Eq{"is_active": true})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*domain.EmailTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TemplateRepository) UsageStats(ctx context.Context, templateID int64) (*domain.TemplateUsageStats, error) {
	stats := &domain.TemplateUsageStats{TemplateID: templateID}
	var avgMs sql.NullFloat64
	var lastUsed sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'Sent' THEN 1 ELSE 0 END), 0),
		       AVG(processing_time_ms),
		       MAX(sent_at)
		FROM email_history
		WHERE template_id = $1
	`, fmt.Sprintf("%d", templateID)).Scan(&stats.TimesUsed, &stats.SuccessCount, &avgMs, &lastUsed)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	if avgMs.Valid {
		stats.AverageProcessTime = time.Duration(avgMs.Float64) * time.Millisecond
	}
	if lastUsed.Valid {
		stats.LastUsedAt = &lastUsed.Time
	}
	return stats, nil
}

func scanTemplate(row rowScanner) (*domain.EmailTemplate, error) {
	var t domain.EmailTemplate
	err := row.Scan(
		&t.ID, &t.Name, &t.Category, &t.SubjectTemplate, &t.BodyTemplate,
		&t.IsActive, &t.IsSystem, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
