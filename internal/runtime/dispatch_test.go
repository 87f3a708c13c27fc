package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/localbus/internal/runtime/config"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	"github.com/drblury/localbus/internal/runtime/store"
	"github.com/drblury/localbus/transport"
)

func acked(msg *message.Message) bool {
	select {
	case <-msg.Acked():
		return true
	default:
		return false
	}
}

func nacked(msg *message.Message) bool {
	select {
	case <-msg.Nacked():
		return true
	default:
		return false
	}
}

func TestDispatchCompletesSynchronousHandler(t *testing.T) {
	var counter atomic.Int64
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, p orderPlaced, mctx *MessageContext) error {
		assert.Equal(t, 123, p.OrderID)
		counter.Add(1)
		return mctx.Complete()
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-a", "orders.placed", `{"orderId":123}`))
	outcome := bus.OnInboundMessage(msg)

	assert.Equal(t, OutcomeOK, outcome)
	assert.EqualValues(t, 1, counter.Load())
	assert.True(t, acked(msg))
	assert.Empty(t, storeIDs(t, bus.Store(), store.Pending))
	assert.Empty(t, storeIDs(t, bus.Store(), store.Errors))
}

func TestDispatchCompletesImplicitly(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", noopHandler[orderPlaced]())
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-a", "orders.placed", `{"orderId":1}`))
	assert.Equal(t, OutcomeOK, bus.OnInboundMessage(msg))
	assert.True(t, acked(msg))

	stats := bus.Handlers()[0].Stats
	assert.EqualValues(t, 1, stats.MessagesProcessed)
	assert.EqualValues(t, 1, stats.Origins.Live)
}

func TestDispatchPersistThenFailIsRetriedAfterBackoff(t *testing.T) {
	var (
		attempts  atomic.Int64
		completed atomic.Int64
	)
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, _ orderPlaced, mctx *MessageContext) error {
		if attempts.Add(1) == 1 {
			require.NoError(t, mctx.Persistence())
			return errors.New("downstream unavailable")
		}
		completed.Add(1)
		return mctx.Complete()
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-b", "orders.placed", `{"orderId":5}`))
	assert.Equal(t, OutcomeAbsorbed, bus.OnInboundMessage(msg))
	assert.True(t, acked(msg))
	assert.False(t, nacked(msg))

	assert.Empty(t, storeIDs(t, bus.Store(), store.Pending))
	info, err := bus.Store().Load(store.Errors, "msg-b")
	require.NoError(t, err)
	assert.Equal(t, 1, info.HandleCount)
	assert.Contains(t, info.HandleError, "downstream unavailable")

	bus.clock.Advance(time.Minute)
	report, err := bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Scanned: 1, Deferred: 1}, report)
	assert.EqualValues(t, 1, attempts.Load())

	bus.clock.Advance(time.Minute)
	report, err = bus.RetryScheduler().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Scanned: 1, Eligible: 1, Succeeded: 1}, report)
	assert.EqualValues(t, 1, completed.Load())
	assert.Empty(t, storeIDs(t, bus.Store(), store.Errors))

	snapshot := bus.StoreSnapshot()
	assert.EqualValues(t, 1, snapshot.TotalFailures)
	assert.EqualValues(t, 1, snapshot.TotalRetried)
	assert.EqualValues(t, 1, snapshot.TotalRecovered)
}

func TestDispatchPropagatesUnpersistedFailure(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(context.Context, orderPlaced, *MessageContext) error {
		return errors.New("nope")
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-c", "orders.placed", `{"orderId":1}`))
	assert.Equal(t, OutcomePropagate, bus.OnInboundMessage(msg))
	assert.True(t, nacked(msg))
	assert.Empty(t, storeIDs(t, bus.Store(), store.Errors))

	stats := bus.Handlers()[0].Stats
	assert.EqualValues(t, 1, stats.MessagesFailed)
	assert.EqualValues(t, 1, stats.Errors.Other)
}

func TestDispatchCapturesFailureWhenTransportCannotRedeliver(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(context.Context, orderPlaced, *MessageContext) error {
		return errors.New("nope")
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-c", "orders.placed", `{"orderId":1}`))
	outcome := bus.onInbound(msg, transport.NATSCapabilities)

	assert.Equal(t, OutcomeAbsorbed, outcome)
	assert.True(t, acked(msg))
	assert.Equal(t, []string{"msg-c"}, storeIDs(t, bus.Store(), store.Errors))
}

func TestDispatchRejectsPoisonMessages(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", noopHandler[orderPlaced]())
	RegisterType[orderShipped](b, "orders.shipped")
	bus := newTestBus(t, mustBuild(t, b), withConfig(func(c *configpkg.Config) {
		c.UnhandledTypes = configpkg.UnhandledPropagate
	}))

	tests := []struct {
		name string
		msg  func(t *testing.T) *message.Message
	}{
		{
			name: "undecodable envelope",
			msg: func(t *testing.T) *message.Message {
				return message.NewMessage("raw", []byte("not an envelope"))
			},
		},
		{
			name: "unsafe id",
			msg: func(t *testing.T) *message.Message {
				return newInbound(t, newEnvelope(t, "../escape", "orders.placed", `{}`))
			},
		},
		{
			name: "unknown type",
			msg: func(t *testing.T) *message.Message {
				return newInbound(t, newEnvelope(t, "msg-u", "orders.unknown", `{}`))
			},
		},
		{
			name: "no handler",
			msg: func(t *testing.T) *message.Message {
				return newInbound(t, newEnvelope(t, "msg-n", "orders.shipped", `{}`))
			},
		},
		{
			name: "bad body",
			msg: func(t *testing.T) *message.Message {
				return newInbound(t, newEnvelope(t, "msg-d", "orders.placed", `{"orderId":"x"`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg(t)
			assert.Equal(t, OutcomePropagate, bus.OnInboundMessage(msg))
			assert.True(t, nacked(msg))
		})
	}
	assert.Empty(t, storeIDs(t, bus.Store(), store.Errors))
}

func TestDispatchSkipsTypesHandledElsewhere(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", noopHandler[orderPlaced]())
	RegisterType[orderShipped](b, "orders.shipped")
	bus := newTestBus(t, mustBuild(t, b))

	for _, typeID := range []string{"orders.shipped", "billing.invoiced"} {
		msg := newInbound(t, newEnvelope(t, "msg-s", typeID, `{}`))
		assert.Equal(t, OutcomeOK, bus.OnInboundMessage(msg))
		assert.True(t, acked(msg))
	}
	assert.Zero(t, bus.Handlers()[0].Stats.MessagesProcessed)

	bad := newInbound(t, newEnvelope(t, "msg-b", "orders.placed", `{"orderId":"x"`))
	assert.Equal(t, OutcomePropagate, bus.OnInboundMessage(bad))
	assert.True(t, nacked(bad))
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, _ orderPlaced, mctx *MessageContext) error {
		require.NoError(t, mctx.Persistence())
		panic("kaboom")
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-p", "orders.placed", `{"orderId":1}`))
	assert.Equal(t, OutcomeAbsorbed, bus.OnInboundMessage(msg))

	info, err := bus.Store().Load(store.Errors, "msg-p")
	require.NoError(t, err)
	assert.Contains(t, info.HandleError, "kaboom")
}

func TestDispatchDeferredCompletion(t *testing.T) {
	var wg sync.WaitGroup
	release := make(chan struct{})
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, _ orderPlaced, mctx *MessageContext) error {
		if err := mctx.Persistence(); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			assert.NoError(t, mctx.Complete())
		}()
		return nil
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-q", "orders.placed", `{"orderId":1}`))
	assert.Equal(t, OutcomeOK, bus.OnInboundMessage(msg))
	assert.True(t, acked(msg))
	assert.Equal(t, []string{"msg-q"}, storeIDs(t, bus.Store(), store.Pending))

	close(release)
	wg.Wait()
	assert.Empty(t, storeIDs(t, bus.Store(), store.Pending))
}

func TestDispatchDeferredFailureIsRecorded(t *testing.T) {
	var (
		wg      sync.WaitGroup
		outcome Outcome
	)
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, _ orderPlaced, mctx *MessageContext) error {
		if err := mctx.Persistence(); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome = mctx.Fail(errors.New("later"))
		}()
		return nil
	})
	bus := newTestBus(t, mustBuild(t, b))

	msg := newInbound(t, newEnvelope(t, "msg-r", "orders.placed", `{"orderId":1}`))
	assert.Equal(t, OutcomeOK, bus.OnInboundMessage(msg))
	wg.Wait()

	assert.Equal(t, OutcomeAbsorbed, outcome)
	assert.Empty(t, storeIDs(t, bus.Store(), store.Pending))
	assert.Equal(t, []string{"msg-r"}, storeIDs(t, bus.Store(), store.Errors))
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(value any) error {
	if p, ok := value.(orderPlaced); ok && p.OrderID <= 0 {
		return errors.New("order id must be positive")
	}
	return nil
}

func TestDispatchRunsValidator(t *testing.T) {
	var calls atomic.Int64
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(context.Context, orderPlaced, *MessageContext) error {
		calls.Add(1)
		return nil
	})
	bus := newTestBus(t, mustBuild(t, b), withDeps(func(d *BusDependencies) {
		d.Validator = rejectingValidator{}
	}))

	msg := newInbound(t, newEnvelope(t, "msg-v", "orders.placed", `{"orderId":0}`))
	assert.Equal(t, OutcomePropagate, bus.OnInboundMessage(msg))
	assert.Zero(t, calls.Load())
	assert.EqualValues(t, 1, bus.Handlers()[0].Stats.Errors.Validation)
}

func TestDispatchHandlerErrorWrapping(t *testing.T) {
	cause := errors.New("db down")
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, _ orderPlaced, mctx *MessageContext) error {
		return cause
	})
	var seen error
	bus := newTestBus(t, mustBuild(t, b), withDeps(func(d *BusDependencies) {
		d.ErrorClassifier = func(err error) ErrorCategory {
			if err != nil {
				seen = err
			}
			return defaultErrorClassifier(err)
		}
	}))

	bus.OnInboundMessage(newInbound(t, newEnvelope(t, "msg-w", "orders.placed", `{"orderId":1}`)))

	require.ErrorIs(t, seen, errspkg.ErrHandler)
	require.ErrorIs(t, seen, cause)
	var herr *errspkg.HandlerError
	require.ErrorAs(t, seen, &herr)
	assert.Equal(t, "msg-w", herr.MessageID)
}

func TestHandlersSeeMessageContextInContext(t *testing.T) {
	var fromCtx *MessageContext
	var direct *MessageContext
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(ctx context.Context, _ orderPlaced, mctx *MessageContext) error {
		fromCtx, _ = MessageFromContext(ctx)
		direct = mctx
		return nil
	})
	bus := newTestBus(t, mustBuild(t, b))

	bus.OnInboundMessage(newInbound(t, newEnvelope(t, "msg-x", "orders.placed", `{"orderId":1}`)))
	require.NotNil(t, direct)
	assert.Same(t, direct, fromCtx)
}
