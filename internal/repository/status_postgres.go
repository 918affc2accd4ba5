package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shanani/mailpipe/internal/domain"
)

// StatusRepository implements domain.StatusRepository against PostgreSQL.
type StatusRepository struct {
	db *sql.DB
}

func NewStatusRepository(db *sql.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

func (r *StatusRepository) Upsert(ctx context.Context, s *domain.ServiceStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_status (
			service_name, machine_name, status, heartbeat_at, cpu_percent,
			memory_percent, disk_percent, max_workers, batch_size, version, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (service_name, machine_name) DO UPDATE SET
			status = EXCLUDED.status,
			heartbeat_at = EXCLUDED.heartbeat_at,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_percent = EXCLUDED.memory_percent,
			disk_percent = EXCLUDED.disk_percent,
			max_workers = EXCLUDED.max_workers,
			batch_size = EXCLUDED.batch_size,
			version = EXCLUDED.version
	`, s.ServiceName, s.MachineName, s.Status, s.HeartbeatAt, s.CPUPercent,
		s.MemoryPercent, s.DiskPercent, s.MaxWorkers, s.BatchSize, s.Version, s.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert service status: %w", err)
	}
	return nil
}

func (r *StatusRepository) Get(ctx context.Context, serviceName, machineName string) (*domain.ServiceStatus, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service_name, machine_name, status, heartbeat_at, cpu_percent,
		       memory_percent, disk_percent, max_workers, batch_size, version, started_at
		FROM service_status WHERE service_name = $1 AND machine_name = $2
	`, serviceName, machineName)
	s, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *StatusRepository) List(ctx context.Context) ([]*domain.ServiceStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT service_name, machine_name, status, heartbeat_at, cpu_percent,
		       memory_percent, disk_percent, max_workers, batch_size, version, started_at
		FROM service_status ORDER BY service_name, machine_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list service status: %w", err)
	}
	defer rows.Close()

	var out []*domain.ServiceStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *StatusRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM service_status
		WHERE (service_name, machine_name) IN (
			SELECT service_name, machine_name FROM service_status
			WHERE heartbeat_at < $1
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete old service status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanStatus(row rowScanner) (*domain.ServiceStatus, error) {
	var s domain.ServiceStatus
	err := row.Scan(
		&s.ServiceName, &s.MachineName, &s.Status, &s.HeartbeatAt, &s.CPUPercent,
		&s.MemoryPercent, &s.DiskPercent, &s.MaxWorkers, &s.BatchSize, &s.Version, &s.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
