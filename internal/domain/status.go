package domain

import (
	"context"
	"time"
)

// HealthStatus is the aggregate or per-probe health level (§4.9).
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "Healthy"
	HealthStatusWarning  HealthStatus = "Warning"
	HealthStatusDegraded HealthStatus = "Degraded"
	HealthStatusCritical HealthStatus = "Critical"
)

// ServiceStatus is the heartbeat row keyed by (service_name, machine_name) (§3, §4.9).
type ServiceStatus struct {
	ServiceName   string       `json:"service_name"`
	MachineName   string       `json:"machine_name"`
	Status        HealthStatus `json:"status"`
	HeartbeatAt   time.Time    `json:"heartbeat_at"`
	CPUPercent    float64      `json:"cpu_percent"`
	MemoryPercent float64      `json:"memory_percent"`
	DiskPercent   float64      `json:"disk_percent"`
	MaxWorkers    int          `json:"max_workers"`
	BatchSize     int          `json:"batch_size"`
	Version       string       `json:"version"`
	StartedAt     time.Time    `json:"started_at"`
}

// ProbeResult is the outcome of one health sub-check.
type ProbeResult struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	ElapsedMs int64         `json:"elapsed_ms"`
}

// QueueHealthResponse is the GET /health payload (§6, §4.9).
type QueueHealthResponse struct {
	Overall   HealthStatus  `json:"overall"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Aggregate applies the §4.9 overall health aggregation rules. dbProbe is
// the DB probe; others holds the remaining probes.
func Aggregate(dbProbe ProbeResult, others ...ProbeResult) HealthStatus {
	if dbProbe.Status != HealthStatusHealthy {
		return HealthStatusCritical
	}
	unhealthy := 0
	for _, p := range others {
		if p.Status != HealthStatusHealthy {
			unhealthy++
		}
	}
	switch {
	case unhealthy == 0:
		return HealthStatusHealthy
	case unhealthy == 1:
		return HealthStatusWarning
	default:
		return HealthStatusCritical
	}
}

// StatusRepository is the persistence port for ServiceStatus rows.
type StatusRepository interface {
	Upsert(ctx context.Context, s *ServiceStatus) error
	Get(ctx context.Context, serviceName, machineName string) (*ServiceStatus, error)
	List(ctx context.Context) ([]*ServiceStatus, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// AlertLevel mirrors the severity carried in an outbound webhook payload (§6).
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is one entry in an outbound webhook POST (§6).
type Alert struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Level     AlertLevel `json:"level"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Service   string     `json:"service"`
}

// AlertBatch is the batch form of the webhook payload (§6).
type AlertBatch struct {
	BatchID   string    `json:"batch_id"`
	Timestamp time.Time `json:"timestamp"`
	Alerts    []Alert   `json:"alerts"`
}
