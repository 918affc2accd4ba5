package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/shanani/mailpipe/internal/domain"
)

// AttachmentRepository implements domain.AttachmentRepository against PostgreSQL.
type AttachmentRepository struct {
	db *sql.DB
}

func NewAttachmentRepository(db *sql.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

func (r *AttachmentRepository) InsertBatch(ctx context.Context, attachments []*domain.EmailAttachment) error {
	if len(attachments) == 0 {
		return nil
	}
	now := time.Now().UTC()
	builder := psql.Insert("email_attachments").
		Columns("queue_id", "file_name", "content_type", "content_id", "is_inline", "size_bytes", "checksum", "created_at")
	for _, a := range attachments {
		a.CreatedAt = now
		builder = builder.Values(a.QueueID, a.FileName, a.ContentType, a.ContentID, a.IsInline, a.SizeBytes, a.Checksum, a.CreatedAt)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *AttachmentRepository) ListByQueueID(ctx context.Context, queueID string) ([]*domain.EmailAttachment, error) {
	query, args, err := psql.Select("id", "queue_id", "file_name", "content_type", "content_id", "is_inline", "size_bytes", "checksum", "created_at").
		From("email_attachments").
		Where(sq.Eq{"queue_id": queueID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by queue id: %w", err)
	}
	defer rows.Close()

	var out []*domain.EmailAttachment
	for rows.Next() {
		var a domain.EmailAttachment
		if err := rows.Scan(&a.ID, &a.QueueID, &a.FileName, &a.ContentType, &a.ContentID, &a.IsInline, &a.SizeBytes, &a.Checksum, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *AttachmentRepository) DeleteOrphaned(ctx context.Context, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_attachments
		WHERE id IN (
			SELECT ea.id FROM email_attachments ea
			WHERE NOT EXISTS (SELECT 1 FROM queue_items qi WHERE qi.queue_id = ea.queue_id)
			  AND NOT EXISTS (SELECT 1 FROM email_history eh WHERE eh.queue_id = ea.queue_id)
			LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned attachments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *AttachmentRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_attachments
		WHERE id IN (SELECT id FROM email_attachments WHERE created_at < $1 LIMIT $2)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete old attachments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
