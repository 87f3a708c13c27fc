package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/time/rate"

	"github.com/drblury/localbus/internal/runtime/clock"
	configpkg "github.com/drblury/localbus/internal/runtime/config"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	"github.com/drblury/localbus/transport"
)

// ConnectionState is the broker connection state of a bus.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PeerEvent is emitted when the bus joins or leaves the broker channel.
type PeerEvent struct {
	Connected   bool      `json:"connected"`
	AppName     string    `json:"app_name"`
	ChannelName string    `json:"channel_name"`
	InstanceID  string    `json:"instance_id"`
	Transport   string    `json:"transport"`
	At          time.Time `json:"at"`
}

// TransportBuilder builds broker transports. *transport.Registry implements it.
type TransportBuilder interface {
	Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
	GetCapabilities(name string) transport.Capabilities
}

type connectionManager struct {
	conf     *configpkg.Config
	builder  TransportBuilder
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter
	clock    clock.Clock

	onMessage func(*message.Message, transport.Capabilities)
	onConnect func(ctx context.Context)
	observer  func(PeerEvent)
	decorate  func(message.Publisher) (message.Publisher, error)

	state atomic.Int32

	mu      sync.RWMutex
	current *transport.Transport
	caps    transport.Capabilities
	last    *PeerEvent

	failureLog rate.Sometimes
	connects   atomic.Int64

	runMu    sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func newConnectionManager(conf *configpkg.Config, builder TransportBuilder, logger loggingpkg.ServiceLogger, clk clock.Clock) *connectionManager {
	return &connectionManager{
		conf:       conf,
		builder:    builder,
		logger:     loggingpkg.Component(logger, "connection"),
		wmLogger:   loggingpkg.NewWatermillAdapter(logger),
		clock:      clk,
		failureLog: rate.Sometimes{Interval: conf.ConnectLogThrottle},
	}
}

func (m *connectionManager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

func (m *connectionManager) setState(s ConnectionState) {
	m.state.Store(int32(s))
}

// start launches the connector loop unless it already runs.
func (m *connectionManager) start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loopDone = make(chan struct{})

	go func() {
		defer close(m.loopDone)
		m.loop(ctx)
	}()
}

// stop closes the channel and waits for the connector loop, then for
// in-flight dispatches until ctx ends.
func (m *connectionManager) stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	m.detach()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	idle := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *connectionManager) loop(ctx context.Context) {
	defer m.setState(Disconnected)

	for ctx.Err() == nil {
		m.setState(Connecting)
		messages, caps, err := m.connect(ctx)
		if err != nil {
			m.failureLog.Do(func() {
				m.logger.Error("Failed to connect to broker, retrying", err, loggingpkg.LogFields{
					"transport": m.conf.PubSubSystem,
					"channel":   m.conf.ChannelName,
					"retry_in":  m.conf.ConnectRetryDelay.String(),
				})
			})
			m.setState(Disconnected)
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.conf.ConnectRetryDelay):
			}
			continue
		}

		m.setState(Connected)
		m.connects.Add(1)
		m.emit(true, caps.Name)
		if m.onConnect != nil {
			m.onConnect(ctx)
		}

		m.consume(messages, caps)

		m.setState(Disconnected)
		m.detach()
		m.emit(false, caps.Name)
		if ctx.Err() != nil {
			return
		}
		m.failureLog.Do(func() {
			m.logger.Info("Broker channel closed, reconnecting", loggingpkg.LogFields{
				"channel":  m.conf.ChannelName,
				"retry_in": m.conf.ConnectRetryDelay.String(),
			})
		})
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.conf.ConnectRetryDelay):
		}
	}
}

func (m *connectionManager) connect(ctx context.Context) (<-chan *message.Message, transport.Capabilities, error) {
	tr, err := m.builder.Build(ctx, m.conf, m.wmLogger)
	if err != nil {
		return nil, transport.Capabilities{}, err
	}
	if m.decorate != nil {
		pub, err := m.decorate(tr.Publisher)
		if err != nil {
			_ = tr.Close()
			return nil, transport.Capabilities{}, err
		}
		tr.Publisher = pub
	}

	messages, err := tr.Subscriber.Subscribe(ctx, m.conf.ChannelName)
	if err != nil {
		_ = tr.Close()
		return nil, transport.Capabilities{}, err
	}

	caps := m.builder.GetCapabilities(tr.Name)
	m.mu.Lock()
	m.current = &tr
	m.caps = caps
	m.mu.Unlock()

	m.logger.Info("Connected to broker", loggingpkg.LogFields{
		"transport": tr.Name,
		"channel":   m.conf.ChannelName,
	})
	return messages, caps, nil
}

// consume hands every delivery to its own goroutine until the channel closes.
func (m *connectionManager) consume(messages <-chan *message.Message, caps transport.Capabilities) {
	for msg := range messages {
		m.inflight.Add(1)
		go func(msg *message.Message) {
			defer m.inflight.Done()
			m.onMessage(msg, caps)
		}(msg)
	}
}

func (m *connectionManager) detach() {
	m.mu.Lock()
	tr := m.current
	m.current = nil
	m.mu.Unlock()

	if tr == nil {
		return
	}
	if err := tr.Close(); err != nil {
		m.logger.Error("Failed to close transport", err, loggingpkg.LogFields{"transport": tr.Name})
	}
}

func (m *connectionManager) emit(connected bool, transportName string) {
	event := PeerEvent{
		Connected:   connected,
		AppName:     m.conf.AppName,
		ChannelName: m.conf.ChannelName,
		InstanceID:  m.conf.InstanceID,
		Transport:   transportName,
		At:          m.clock.Now(),
	}
	m.mu.Lock()
	m.last = &event
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(event)
	}
}

// publish sends over the current transport, failing fast when disconnected.
func (m *connectionManager) publish(topic string, msgs ...*message.Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.State() != Connected || m.current == nil {
		return errspkg.ErrNotConnected
	}
	return m.current.Publisher.Publish(topic, msgs...)
}

func (m *connectionManager) capabilities() (transport.Capabilities, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps, m.current != nil
}

func (m *connectionManager) lastEvent() *PeerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	event := *m.last
	return &event
}
