package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduledEmail_Advance_OneShotDeactivates(t *testing.T) {
	s := &ScheduledEmail{IsRecurring: false, IsActive: true, NextRunTime: time.Now()}
	s.Advance(time.Now())
	assert.False(t, s.IsActive)
	assert.Equal(t, 1, s.ExecutionCount)
}

func TestScheduledEmail_Advance_RecurringWithInterval(t *testing.T) {
	interval := 30
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &ScheduledEmail{IsRecurring: true, IsActive: true, NextRunTime: start, IntervalMinutes: &interval}
	s.Advance(start)
	assert.True(t, s.IsActive)
	assert.Equal(t, start.Add(30*time.Minute), s.NextRunTime)
}

func TestScheduledEmail_Advance_RecurringFallsBackToOneDay(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &ScheduledEmail{IsRecurring: true, IsActive: true, NextRunTime: start}
	s.Advance(start)
	assert.Equal(t, start.Add(24*time.Hour), s.NextRunTime)
}

func TestScheduledEmail_Advance_DeactivatesPastEndDate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Hour)
	s := &ScheduledEmail{IsRecurring: true, IsActive: true, NextRunTime: start, EndDate: &end}
	s.Advance(start)
	assert.False(t, s.IsActive)
}

func TestScheduledEmail_Advance_DeactivatesAtMaxExecutions(t *testing.T) {
	max := 1
	s := &ScheduledEmail{IsRecurring: true, IsActive: true, NextRunTime: time.Now(), MaxExecutions: &max}
	s.Advance(time.Now())
	assert.False(t, s.IsActive)
	assert.Equal(t, 1, s.ExecutionCount)
}
