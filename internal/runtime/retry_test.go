package runtime

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/localbus/internal/runtime/config"
	"github.com/drblury/localbus/internal/runtime/envelope"
	"github.com/drblury/localbus/internal/runtime/store"
)

func seedRecord(t *testing.T, s *store.FileStore, loc store.Location, id string, handleCount int, lastHandle time.Time) {
	t.Helper()
	info := envelope.MessageInfo{
		Message:        newEnvelope(t, id, "orders.placed", `{"orderId":1}`),
		ReceiveTime:    testEpoch.Add(-time.Hour),
		HandleCount:    handleCount,
		LastHandleTime: lastHandle,
	}
	if handleCount > 0 {
		info.HandleError = "earlier failure"
	}
	require.NoError(t, s.Write(loc, info))
}

func seedCorrupt(t *testing.T, s *store.FileStore, loc store.Location, id string) {
	t.Helper()
	require.NoError(t, os.WriteFile(s.Path(loc, id), []byte("\xff\x00garbage"), 0o600))
}

func countingRegistry(t *testing.T, fail func(n int64) bool) (*Registry, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(context.Context, orderPlaced, *MessageContext) error {
		n := calls.Add(1)
		if fail != nil && fail(n) {
			return errors.New("still failing")
		}
		return nil
	})
	return mustBuild(t, b), &calls
}

func TestRetryEligibilityFollowsBackoff(t *testing.T) {
	registry, calls := countingRegistry(t, nil)
	bus := newTestBus(t, registry)
	now := bus.clock.Now()

	seedRecord(t, bus.Store(), store.Errors, "due-never-handled", 0, time.Time{})
	seedRecord(t, bus.Store(), store.Errors, "due-after-8m", 3, now.Add(-8*time.Minute))
	seedRecord(t, bus.Store(), store.Errors, "early-7m", 3, now.Add(-7*time.Minute))

	report, err := bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Scanned: 3, Eligible: 2, Deferred: 1, Succeeded: 2}, report)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"early-7m"}, storeIDs(t, bus.Store(), store.Errors))
}

func TestRetryFailureIncrementsHandleCount(t *testing.T) {
	registry, _ := countingRegistry(t, func(int64) bool { return true })
	bus := newTestBus(t, registry)
	seedRecord(t, bus.Store(), store.Errors, "msg-1", 1, bus.clock.Now().Add(-2*time.Minute))

	report, err := bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	info, err := bus.Store().Load(store.Errors, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.HandleCount)
	assert.True(t, info.LastHandleTime.Equal(bus.clock.Now()))
	assert.Contains(t, info.HandleError, "still failing")
}

func TestRetryQuarantinesCorruptRecords(t *testing.T) {
	registry, calls := countingRegistry(t, nil)
	bus := newTestBus(t, registry)
	seedCorrupt(t, bus.Store(), store.Errors, "bad-1")
	seedRecord(t, bus.Store(), store.Errors, "good-1", 0, time.Time{})

	for cycle := 0; cycle < 3; cycle++ {
		report, err := bus.RetryScheduler().RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Quarantined)
	}

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, []string{"bad-1"}, storeIDs(t, bus.Store(), store.Errors))
	assert.Equal(t, 1, bus.QuarantinedCount())
	assert.EqualValues(t, 1, bus.StoreSnapshot().TotalQuarantined)
	assert.EqualValues(t, 3, bus.RetryScheduler().Cycles())
}

func TestRetryBatchIsBoundedAndJoined(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(context.Context, orderPlaced, *MessageContext) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})
	bus := newTestBus(t, mustBuild(t, b), withConfig(func(c *configpkg.Config) {
		c.RetryConcurrency = 3
	}))
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		seedRecord(t, bus.Store(), store.Errors, id, 0, time.Time{})
	}

	report, err := bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Succeeded)
	assert.LessOrEqual(t, peak, 3)
	assert.Zero(t, running)
	assert.Empty(t, storeIDs(t, bus.Store(), store.Errors))
}

func TestRetryRecoversPanicsWithoutRecoverer(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(context.Context, orderPlaced, *MessageContext) error {
		panic("unexpected")
	})
	bus := newTestBus(t, mustBuild(t, b), withDeps(func(d *BusDependencies) {
		d.DisableDefaultMiddlewares = true
	}))
	seedRecord(t, bus.Store(), store.Errors, "msg-1", 0, time.Time{})

	report, err := bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	report, err = bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
}

func TestStartReplaysDurableRecords(t *testing.T) {
	var (
		mu      sync.Mutex
		origins []Origin
	)
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, _ orderPlaced, mctx *MessageContext) error {
		mu.Lock()
		origins = append(origins, mctx.Origin())
		mu.Unlock()
		return mctx.Complete()
	})
	bus := newTestBus(t, mustBuild(t, b))
	now := bus.clock.Now()

	seedRecord(t, bus.Store(), store.Pending, "pending-1", 0, time.Time{})
	seedRecord(t, bus.Store(), store.Pending, "pending-2", 0, time.Time{})
	seedCorrupt(t, bus.Store(), store.Pending, "pending-bad")
	seedRecord(t, bus.Store(), store.Errors, "errors-due", 1, now.Add(-3*time.Minute))
	seedRecord(t, bus.Store(), store.Errors, "errors-later", 4, now.Add(-time.Minute))

	bus.start(t)

	mu.Lock()
	assert.ElementsMatch(t, []Origin{OriginPending, OriginPending, OriginErrors}, origins)
	mu.Unlock()
	assert.Equal(t, []string{"pending-bad"}, storeIDs(t, bus.Store(), store.Pending))
	assert.Equal(t, []string{"errors-later"}, storeIDs(t, bus.Store(), store.Errors))
	assert.Equal(t, 1, bus.QuarantinedCount())

	require.Eventually(t, func() bool {
		bus.clock.Advance(time.Minute)
		return len(storeIDs(t, bus.Store(), store.Errors)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Len(t, origins, 4)
	assert.Equal(t, OriginErrors, origins[3])
	mu.Unlock()
}

func TestRunBatchStopsStartingAfterCancel(t *testing.T) {
	registry, calls := countingRegistry(t, nil)
	bus := newTestBus(t, registry, withConfig(func(c *configpkg.Config) {
		c.RetryConcurrency = 1
	}))
	var infos []envelope.MessageInfo
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		seedRecord(t, bus.Store(), store.Errors, id, 0, time.Time{})
		info, err := bus.Store().Load(store.Errors, id)
		require.NoError(t, err)
		infos = append(infos, info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	outcomes := bus.runBatch(ctx, infos, OriginErrors, 1, func(envelope.MessageInfo) {
		seen++
		if seen == 2 {
			cancel()
		}
	})

	assert.Equal(t, []Outcome{OutcomeOK, OutcomeOK}, outcomes)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"m3", "m4"}, storeIDs(t, bus.Store(), store.Errors))

	assert.Empty(t, bus.runBatch(ctx, infos[2:], OriginErrors, 1, nil))
	assert.EqualValues(t, 2, calls.Load())
}

func TestSchedulerRunsEveryInterval(t *testing.T) {
	registry, calls := countingRegistry(t, nil)
	bus := newTestBus(t, registry)
	bus.start(t)
	bus.waitConnected(t)

	seedRecord(t, bus.Store(), store.Errors, "late-arrival", 0, time.Time{})

	require.Eventually(t, func() bool {
		bus.clock.Advance(time.Minute)
		return calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, bus.RetryScheduler().Cycles(), int64(2))
	assert.Empty(t, storeIDs(t, bus.Store(), store.Errors))
}
