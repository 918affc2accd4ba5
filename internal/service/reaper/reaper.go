// Package reaper implements the stuck-job recovery loop (C8): periodically
// reverting rows stuck in Processing back to Queued, in the same
// ticker-supervisor shape as the scheduler and dispatcher.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/shanani/mailpipe/pkg/logger"
)

// StuckResetter is the subset of the queue manager the reaper needs.
type StuckResetter interface {
	ResetStuck(ctx context.Context, threshold time.Duration) (int64, error)
}

// Reaper reclaims queue rows abandoned by a crashed worker (§4.1, §4.7).
type Reaper struct {
	manager   StuckResetter
	interval  time.Duration
	threshold time.Duration
	alertAt   int64
	log       logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Reaper that runs every interval, reclaiming rows stuck past
// threshold. alertThreshold is the reset count at or above which a warning is
// raised instead of an info log (§4.9 alert wiring).
func New(manager StuckResetter, interval, threshold time.Duration, alertThreshold int64, log logger.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Reaper{manager: manager, interval: interval, threshold: threshold, alertAt: alertThreshold, log: log}
}

// Start begins the periodic reclaim loop until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(loopCtx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.manager.ResetStuck(ctx, r.threshold)
	if err != nil {
		if r.log != nil {
			r.log.WithField("error", err.Error()).Error("stuck-job reset sweep failed")
		}
		return
	}
	if n == 0 || r.log == nil {
		return
	}
	if r.alertAt > 0 && n >= r.alertAt {
		r.log.WithField("count", n).WithField("threshold", r.threshold.String()).Warn("stuck-job reset count exceeds alert threshold")
	} else {
		r.log.WithField("count", n).Info("reclaimed stuck queue items")
	}
}
