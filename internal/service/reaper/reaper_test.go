package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanani/mailpipe/pkg/logger"
)

type fakeResetter struct {
	calls int32
	n     int64
	err   error
}

func (f *fakeResetter) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.n, f.err
}

func TestReaper_Sweep_LogsReclaimedCount(t *testing.T) {
	fr := &fakeResetter{n: 3}
	r := New(fr, time.Hour, 10*time.Minute, 100, logger.NewNop())
	r.sweep(context.Background())
	assert.Equal(t, int32(1), fr.calls)
}

func TestReaper_Sweep_ToleratesRepositoryError(t *testing.T) {
	fr := &fakeResetter{err: errors.New("db down")}
	r := New(fr, time.Hour, 10*time.Minute, 100, logger.NewNop())
	assert.NotPanics(t, func() { r.sweep(context.Background()) })
}

func TestReaper_StartStop_RunsAtLeastOneSweep(t *testing.T) {
	fr := &fakeResetter{n: 1}
	r := New(fr, 5*time.Millisecond, 10*time.Minute, 100, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fr.calls) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestReaper_StartTwice_NoOp(t *testing.T) {
	fr := &fakeResetter{}
	r := New(fr, time.Hour, 10*time.Minute, 100, logger.NewNop())
	ctx := context.Background()
	r.Start(ctx)
	r.Start(ctx)
	r.Stop()
}
