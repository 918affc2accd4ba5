package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shanani/mailpipe/internal/domain"
)

// ProcessingLogRepository implements domain.ProcessingLogRepository against PostgreSQL.
type ProcessingLogRepository struct {
	db *sql.DB
}

func NewProcessingLogRepository(db *sql.DB) *ProcessingLogRepository {
	return &ProcessingLogRepository{db: db}
}

func (r *ProcessingLogRepository) Insert(ctx context.Context, l *domain.ProcessingLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	var queueID interface{}
	if l.QueueID != "" {
		queueID = l.QueueID
	}
	query, args, err := psql.Insert("processing_logs").
		Columns("level", "category", "message", "queue_id", "worker_id", "processing_step", "created_at").
		Values(l.Level, l.Category, l.Message, queueID, l.WorkerID, l.ProcessingStep, l.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	return r.db.QueryRowContext(ctx, query, args...).Scan(&l.ID)
}

func (r *ProcessingLogRepository) ListByQueueID(ctx context.Context, queueID string) ([]*domain.ProcessingLog, error) {
	query, args, err := psql.Select("id", "level", "category", "message", "queue_id", "worker_id", "processing_step", "created_at").
		From("processing_logs").
		Where(sq.Eq{"queue_id": queueID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by queue id: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProcessingLog
	for rows.Next() {
		var l domain.ProcessingLog
		var queueID sql.NullString
		if err := rows.Scan(&l.ID, &l.Level, &l.Category, &l.Message, &queueID, &l.WorkerID, &l.ProcessingStep, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan processing log: %w", err)
		}
		if queueID.Valid {
			l.QueueID = queueID.String
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *ProcessingLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM processing_logs
		WHERE id IN (SELECT id FROM processing_logs WHERE created_at < $1 LIMIT $2)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete old processing logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
