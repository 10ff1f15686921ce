package compactor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/burrow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	calls atomic.Int32
	res   *store.CompactResult
	err   error
}

func (f *fakeTarget) Compact(ctx context.Context) (*store.CompactResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func TestTriggerRunsRound(t *testing.T) {
	target := &fakeTarget{res: &store.CompactResult{SegmentsRemoved: 2, SlotsReclaimed: 1}}
	c := New(target, time.Hour)
	c.Start()
	defer c.Stop()

	c.Trigger()
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Last().Segments == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Last().Slots)
}

func TestTriggersCoalesce(t *testing.T) {
	target := &fakeTarget{res: &store.CompactResult{}}
	c := New(target, time.Hour)

	for i := 0; i < 10; i++ {
		c.Trigger()
	}
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool { return target.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestIntervalRuns(t *testing.T) {
	target := &fakeTarget{res: &store.CompactResult{}}
	c := New(target, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestRunOnceError(t *testing.T) {
	target := &fakeTarget{err: errors.New("disk gone")}
	c := New(target, 0)

	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "disk gone", c.Last().Err)
	assert.Equal(t, DefaultInterval, c.interval)
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(&fakeTarget{res: &store.CompactResult{}}, time.Hour)
	c.Start()
	c.Stop()
	c.Stop()
	c.Trigger()
}
