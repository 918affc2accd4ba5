package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shanani/mailpipe/internal/domain"
)

// DeadLetterRepository implements domain.DeadLetterRepository against PostgreSQL.
type DeadLetterRepository struct {
	db *sql.DB
}

func NewDeadLetterRepository(db *sql.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Insert requires item.ID to already be set (the queue manager assigns a
// fresh UUID via google/uuid before moving an exhausted item to the dead letter table).
func (r *DeadLetterRepository) Insert(ctx context.Context, item *domain.DeadLetterItem) error {
	if item.FailedAt.IsZero() {
		item.FailedAt = time.Now().UTC()
	}
	query, args, err := psql.Insert("dead_letter_items").
		Columns("id", "original_queue_id", "to_emails", "subject", "final_error", "retry_count", "created_at", "failed_at").
		Values(item.ID, item.OriginalQueueID, item.ToEmails, item.Subject, item.FinalError, item.RetryCount, item.CreatedAt, item.FailedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *DeadLetterRepository) List(ctx context.Context, limit, offset int) ([]*domain.DeadLetterItem, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_items`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letter items: %w", err)
	}

	query, args, err := psql.Select("id", "original_queue_id", "to_emails", "subject", "final_error", "retry_count", "created_at", "failed_at", "retried_at").
		From("dead_letter_items").
		OrderBy("failed_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letter items: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetterItem
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dead letter item: %w", err)
		}
		out = append(out, item)
	}
	return out, total, rows.Err()
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*domain.DeadLetterItem, error) {
	query, args, err := psql.Select("id", "original_queue_id", "to_emails", "subject", "final_error", "retry_count", "created_at", "failed_at", "retried_at").
		From("dead_letter_items").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	item, err := scanDeadLetter(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func (r *DeadLetterRepository) Delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete("dead_letter_items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *DeadLetterRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM dead_letter_items
		WHERE id IN (SELECT id FROM dead_letter_items WHERE failed_at < $1 LIMIT $2)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete old dead letter items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanDeadLetter(row rowScanner) (*domain.DeadLetterItem, error) {
	var item domain.DeadLetterItem
	var retriedAt sql.NullTime
	err := row.Scan(&item.ID, &item.OriginalQueueID, &item.ToEmails, &item.Subject, &item.FinalError,
		&item.RetryCount, &item.CreatedAt, &item.FailedAt, &retriedAt)
	if err != nil {
		return nil, err
	}
	if retriedAt.Valid {
		item.RetriedAt = &retriedAt.Time
	}
	return &item, nil
}
