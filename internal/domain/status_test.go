package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate_AllHealthy(t *testing.T) {
	db := ProbeResult{Name: "db", Status: HealthStatusHealthy}
	smtp := ProbeResult{Name: "smtp", Status: HealthStatusHealthy}
	queue := ProbeResult{Name: "queue", Status: HealthStatusHealthy}
	assert.Equal(t, HealthStatusHealthy, Aggregate(db, smtp, queue))
}

func TestAggregate_DBUnhealthyIsAlwaysCritical(t *testing.T) {
	db := ProbeResult{Name: "db", Status: HealthStatusCritical}
	smtp := ProbeResult{Name: "smtp", Status: HealthStatusHealthy}
	assert.Equal(t, HealthStatusCritical, Aggregate(db, smtp))
}

func TestAggregate_OneNonDBUnhealthyIsWarning(t *testing.T) {
	db := ProbeResult{Name: "db", Status: HealthStatusHealthy}
	smtp := ProbeResult{Name: "smtp", Status: HealthStatusCritical}
	queue := ProbeResult{Name: "queue", Status: HealthStatusHealthy}
	assert.Equal(t, HealthStatusWarning, Aggregate(db, smtp, queue))
}

func TestAggregate_MultipleUnhealthyIsCritical(t *testing.T) {
	db := ProbeResult{Name: "db", Status: HealthStatusHealthy}
	smtp := ProbeResult{Name: "smtp", Status: HealthStatusCritical}
	queue := ProbeResult{Name: "queue", Status: HealthStatusDegraded}
	assert.Equal(t, HealthStatusCritical, Aggregate(db, smtp, queue))
}
