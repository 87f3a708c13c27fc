package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/localbus/internal/runtime/clock"
	configpkg "github.com/drblury/localbus/internal/runtime/config"
	"github.com/drblury/localbus/internal/runtime/envelope"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	"github.com/drblury/localbus/internal/runtime/store"
	"github.com/drblury/localbus/transport"
	"github.com/drblury/localbus/transport/transporttest"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type orderPlaced struct {
	OrderID int `json:"orderId"`
}

type orderShipped struct {
	OrderID int    `json:"orderId"`
	Carrier string `json:"carrier"`
}

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	return &configpkg.Config{
		AppName:            "orders",
		AppVersion:         "1.2.0",
		InstanceID:         "orders-1",
		PubSubSystem:       "stub",
		ChannelName:        "test-channel",
		DurableRoot:        t.TempDir(),
		ReplayConcurrency:  2,
		RetryConcurrency:   2,
		RetryInterval:      time.Minute,
		ConnectRetryDelay:  time.Second,
		ConnectLogThrottle: time.Minute,
	}
}

// stubSubscriber hands out channels the test feeds and closes.
type stubSubscriber struct {
	mu      sync.Mutex
	subs    []chan *message.Message
	subCh   chan chan *message.Message
	closed  bool
	refused error
}

func newStubSubscriber() *stubSubscriber {
	return &stubSubscriber{subCh: make(chan chan *message.Message, 8)}
}

func (s *stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refused != nil {
		return nil, s.refused
	}
	ch := make(chan *message.Message)
	s.subs = append(s.subs, ch)
	s.subCh <- ch
	go func() {
		<-ctx.Done()
		s.drop(ch)
	}()
	return ch, nil
}

// drop closes ch unless it was closed already.
func (s *stubSubscriber) drop(ch chan *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			close(ch)
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *stubSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// next waits for the bus to subscribe.
func (s *stubSubscriber) next(t *testing.T) chan *message.Message {
	t.Helper()
	select {
	case ch := <-s.subCh:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not subscribe")
		return nil
	}
}

// stubTransports is a TransportBuilder returning the same publisher and
// subscriber on every build.
type stubTransports struct {
	mu     sync.Mutex
	pub    *transporttest.Publisher
	sub    *stubSubscriber
	caps   transport.Capabilities
	err    error
	builds int
}

func newStubTransports() *stubTransports {
	return &stubTransports{
		pub:  &transporttest.Publisher{},
		sub:  newStubSubscriber(),
		caps: transport.Capabilities{Name: "stub", SupportsAck: true, SupportsNack: true},
	}
}

func (s *stubTransports) Build(_ context.Context, _ transport.Config, _ watermill.LoggerAdapter) (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds++
	if s.err != nil {
		return transport.Transport{}, s.err
	}
	return transport.Transport{Name: "stub", Publisher: s.pub, Subscriber: s.sub}, nil
}

func (s *stubTransports) GetCapabilities(string) transport.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *stubTransports) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubTransports) buildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds
}

type testBusOption func(*configpkg.Config, *BusDependencies)

func withConfig(fn func(*configpkg.Config)) testBusOption {
	return func(c *configpkg.Config, _ *BusDependencies) { fn(c) }
}

func withDeps(fn func(*BusDependencies)) testBusOption {
	return func(_ *configpkg.Config, d *BusDependencies) { fn(d) }
}

type testBus struct {
	*Bus
	clock      *clock.FakeClock
	transports *stubTransports
}

func newTestBus(t *testing.T, registry *Registry, opts ...testBusOption) *testBus {
	t.Helper()
	conf := newTestConfig(t)
	fake := clock.Fake(testEpoch)
	transports := newStubTransports()
	deps := BusDependencies{
		Transports:        transports,
		Clock:             fake,
		MetricsRegisterer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(conf, &deps)
	}

	bus, err := NewBus(conf, newTestLogger(), registry, deps)
	require.NoError(t, err)
	return &testBus{Bus: bus, clock: fake, transports: transports}
}

func (tb *testBus) start(t *testing.T) {
	t.Helper()
	require.NoError(t, tb.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tb.Stop(ctx)
	})
}

func (tb *testBus) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tb.ConnectionState() == Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func newEnvelope(t *testing.T, id, typeID string, body string) envelope.Message {
	t.Helper()
	return envelope.Message{
		ID:               id,
		TypeID:           typeID,
		SourceAppName:    "billing",
		SourceAppVersion: "0.9.0",
		CreateTime:       testEpoch.Add(-time.Second),
		Body:             []byte(body),
	}
}

func newInbound(t *testing.T, msg envelope.Message) *message.Message {
	t.Helper()
	out, err := NewTransportMessage(msg)
	require.NoError(t, err)
	return out
}

func storeIDs(t *testing.T, s *store.FileStore, loc store.Location) []string {
	t.Helper()
	ids, err := s.List(loc)
	require.NoError(t, err)
	return ids
}

func mustBuild(t *testing.T, b *RegistryBuilder) *Registry {
	t.Helper()
	registry, err := b.Build()
	require.NoError(t, err)
	return registry
}
