package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/localbus/internal/runtime/clock"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	"github.com/drblury/localbus/transport"
)

type peerRecorder struct {
	mu     sync.Mutex
	events []PeerEvent
}

func (r *peerRecorder) observe(e PeerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *peerRecorder) connected() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	for i, e := range r.events {
		out[i] = e.Connected
	}
	return out
}

func TestBusConsumesLiveMessages(t *testing.T) {
	var handled atomic.Int64
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(_ context.Context, p orderPlaced, mctx *MessageContext) error {
		handled.Add(int64(p.OrderID))
		return mctx.Complete()
	})
	bus := newTestBus(t, mustBuild(t, b))
	bus.start(t)
	ch := bus.transports.sub.next(t)
	bus.waitConnected(t)

	msg := newInbound(t, newEnvelope(t, "live-1", "orders.placed", `{"orderId":42}`))
	ch <- msg

	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("message was not acknowledged")
	}
	assert.EqualValues(t, 42, handled.Load())
}

func TestConnectionReconnectsAfterChannelCloses(t *testing.T) {
	peers := &peerRecorder{}
	bus := newTestBus(t, publishRegistry(t), withDeps(func(d *BusDependencies) {
		d.ConnectionObserver = peers.observe
	}))
	bus.start(t)

	first := bus.transports.sub.next(t)
	bus.waitConnected(t)
	bus.transports.sub.drop(first)

	require.Eventually(t, func() bool {
		return bus.ConnectionState() == Disconnected && bus.clock.Pending() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bus.transports.buildCount())
	bus.clock.Advance(time.Second)

	bus.transports.sub.next(t)
	bus.waitConnected(t)

	assert.Equal(t, 2, bus.transports.buildCount())
	require.Eventually(t, func() bool {
		return len(peers.connected()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, peers.connected())

	last := bus.LastPeerEvent()
	require.NotNil(t, last)
	assert.Equal(t, "orders", last.AppName)
	assert.Equal(t, "test-channel", last.ChannelName)
	assert.Equal(t, "orders-1", last.InstanceID)
	assert.Equal(t, "stub", last.Transport)
}

func TestConnectionRetriesAfterDelay(t *testing.T) {
	bus := newTestBus(t, publishRegistry(t))
	bus.transports.setErr(errors.New("connection refused"))
	bus.start(t)

	require.Eventually(t, func() bool {
		return bus.transports.buildCount() >= 1 && bus.ConnectionState() == Disconnected
	}, 2*time.Second, 5*time.Millisecond)

	_, err := bus.Publish(context.Background(), orderPlaced{OrderID: 1})
	require.ErrorIs(t, err, errspkg.ErrNotConnected)

	bus.transports.setErr(nil)
	require.Eventually(t, func() bool {
		bus.clock.Advance(time.Second)
		return bus.ConnectionState() == Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, bus.transports.buildCount(), 2)
}

// closedSubscriber accepts every subscription and closes it at once.
type closedSubscriber struct{}

func (closedSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (closedSubscriber) Close() error { return nil }

func TestConnectionWaitsBeforeResubscribingAfterImmediateClose(t *testing.T) {
	transports := newStubTransports()
	bus := newTestBus(t, publishRegistry(t), withDeps(func(d *BusDependencies) {
		d.Transports = &closingTransports{stubTransports: transports}
	}))
	bus.start(t)

	// One waiter belongs to the retry scheduler, the other to the connector.
	require.Eventually(t, func() bool {
		return transports.buildCount() == 1 && bus.clock.Pending() == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, transports.buildCount())

	bus.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return transports.buildCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, transports.buildCount())
}

// closingTransports counts builds like stubTransports but hands out a
// subscriber whose channel is already closed.
type closingTransports struct {
	*stubTransports
}

func (c *closingTransports) Build(ctx context.Context, conf transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	tr, err := c.stubTransports.Build(ctx, conf, logger)
	if err != nil {
		return tr, err
	}
	tr.Subscriber = closedSubscriber{}
	return tr, nil
}

// logEntry is one call captured by recordingLogger.
type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg})
}

func (l *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }
func (l *recordingLogger) Debug(msg string, _ loggingpkg.LogFields)           { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ loggingpkg.LogFields)            { l.add("info", msg) }
func (l *recordingLogger) Error(msg string, _ error, _ loggingpkg.LogFields)  { l.add("error", msg) }
func (l *recordingLogger) Trace(msg string, _ loggingpkg.LogFields)           { l.add("trace", msg) }

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

func TestConnectionFailureLogsOncePerThrottleWindow(t *testing.T) {
	conf := newTestConfig(t)
	conf.ConnectLogThrottle = time.Hour
	fake := clock.Fake(testEpoch)
	transports := newStubTransports()
	transports.setErr(errors.New("connection refused"))
	logger := newRecordingLogger()

	bus, err := NewBus(conf, logger, publishRegistry(t), BusDependencies{
		Transports:        transports,
		Clock:             fake,
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		fake.Advance(conf.ConnectRetryDelay)
		return transports.buildCount() >= 4
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, logger.count("error", "Failed to connect to broker, retrying"))
}

func TestStopDisconnectsAndAllowsNoDoubleStart(t *testing.T) {
	bus := newTestBus(t, publishRegistry(t))
	require.NoError(t, bus.Start(context.Background()))
	require.ErrorIs(t, bus.Start(context.Background()), errspkg.ErrBusAlreadyStarted)
	bus.waitConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(ctx))
	assert.Equal(t, Disconnected, bus.ConnectionState())
	require.NoError(t, bus.Stop(ctx))

	_, err := bus.Publish(context.Background(), orderPlaced{OrderID: 1})
	require.ErrorIs(t, err, errspkg.ErrNotConnected)
}

func TestStopWaitsForInFlightHandlers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var handlerCtxErr atomic.Value
	b := NewRegistryBuilder()
	Handle[orderPlaced](b, "orders.placed", func(ctx context.Context, _ orderPlaced, mctx *MessageContext) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			handlerCtxErr.Store(ctx.Err())
		}
		return mctx.Complete()
	})
	bus := newTestBus(t, mustBuild(t, b))
	bus.start(t)
	ch := bus.transports.sub.next(t)
	bus.waitConnected(t)

	msg := newInbound(t, newEnvelope(t, "slow-1", "orders.placed", `{"orderId":1}`))
	ch <- msg
	<-started

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, bus.Stop(short), context.DeadlineExceeded)

	close(release)
	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight handler did not finish after Stop")
	}
	assert.Nil(t, handlerCtxErr.Load())
}
