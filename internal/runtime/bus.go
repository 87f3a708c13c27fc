package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/localbus/internal/runtime/clock"
	configpkg "github.com/drblury/localbus/internal/runtime/config"
	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	"github.com/drblury/localbus/internal/runtime/store"
	"github.com/drblury/localbus/transport"
)

const httpShutdownTimeout = 5 * time.Second

// BusDependencies holds the optional collaborators of a Bus. Leave fields
// nil to use the defaults.
type BusDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
	Transports                TransportBuilder         // Defaults to transport.DefaultRegistry.
	Clock                     clock.Clock
	MetricsRegisterer         prometheus.Registerer
	ErrorClassifier           ErrorClassifier
	Validator                 Validator
	ConnectionObserver        func(PeerEvent)
}

// Bus publishes registered payloads to the broker channel and dispatches
// inbound messages to their handlers with at-least-once delivery backed by
// the durable store.
type Bus struct {
	conf     *configpkg.Config
	logger   loggingpkg.ServiceLogger
	registry *Registry
	store    *store.FileStore
	clock    clock.Clock

	chain      message.HandlerFunc
	stats      map[string]*HandlerStats
	validator  Validator
	classifier ErrorClassifier

	metricsRegisterer prometheus.Registerer
	storeMetrics      *StoreMetrics

	transports TransportBuilder
	conn       *connectionManager
	scheduler  *RetryScheduler

	drainMu      sync.Mutex
	outboundKick chan struct{}

	quarantineMu sync.Mutex
	quarantined  map[string]struct{}

	runMu   sync.Mutex
	started bool
	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	httpServers   map[int]*http.ServeMux
	httpRunning   []*http.Server
	httpServersMu sync.Mutex
}

// NewBus validates conf, opens the durable store and prepares the
// middleware chain. Call Start to begin consuming.
func NewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, registry *Registry, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}

	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	codec, err := envelope.CodecByName(resolved.DurableFormat)
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	fileStore, err := store.Open(resolved.DurableRoot, codec)
	if err != nil {
		return nil, err
	}

	log.Info("Creating message bus", loggingpkg.LogFields{
		"pubsub_system": resolved.PubSubSystem,
		"channel":       resolved.ChannelName,
		"durable_root":  resolved.DurableRoot,
		"config":        resolved,
	})

	b := &Bus{
		conf:              &resolved,
		logger:            log,
		registry:          registry,
		store:             fileStore,
		clock:             deps.Clock,
		validator:         deps.Validator,
		classifier:        deps.ErrorClassifier,
		metricsRegisterer: deps.MetricsRegisterer,
		transports:        deps.Transports,
		outboundKick:      make(chan struct{}, 1),
		quarantined:       make(map[string]struct{}),
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.classifier == nil {
		b.classifier = defaultErrorClassifier
	}
	if b.transports == nil {
		b.transports = transport.DefaultRegistry
	}

	b.storeMetrics = NewStoreMetrics(b.registerer())
	if err := b.storeMetrics.Register(); err != nil {
		return nil, fmt.Errorf("failed to register store metrics: %w", err)
	}

	if err := b.buildChain(deps); err != nil {
		return nil, err
	}

	sampler := newResourceTracker()
	b.stats = make(map[string]*HandlerStats)
	for _, typeID := range registry.TypeIDs() {
		b.stats[typeID] = newHandlerStats(resolved.ChannelName, sampler)
	}

	b.conn = newConnectionManager(b.conf, b.transports, log, b.clock)
	b.conn.onMessage = func(msg *message.Message, caps transport.Capabilities) {
		b.onInbound(msg, caps)
	}
	b.conn.onConnect = func(context.Context) {
		if b.conf.DirectWriteThrough != configpkg.DirectWriteOff {
			b.kickOutbound()
		}
	}
	b.conn.observer = deps.ConnectionObserver
	if resolved.MetricsEnabled {
		b.conn.decorate = b.metricsBuilder().DecoratePublisher
	}

	b.scheduler = newRetryScheduler(b)
	b.refreshStoreGauges()
	return b, nil
}

func (b *Bus) buildChain(deps BusDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	middlewares := make([]message.HandlerMiddleware, 0, len(registrations))
	for _, reg := range registrations {
		mw, err := b.resolveMiddleware(reg)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
		if mw == nil {
			continue
		}
		middlewares = append(middlewares, mw)
	}

	b.chain = buildChain(b.invokeHandler, middlewares)
	return nil
}

// Start replays records left in pending/ and the eligible ones in errors/,
// then starts the retry scheduler, the broker connector and the HTTP
// servers. It returns once the replay has finished. Error records whose
// backoff has not elapsed stay in errors/ until a later scheduler sweep
// finds them eligible.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.started {
		b.runMu.Unlock()
		return errspkg.ErrBusAlreadyStarted
	}
	b.started = true
	b.baseCtx = context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.runMu.Unlock()

	b.logger.Info("Starting message bus", loggingpkg.LogFields{
		"app_name":    b.conf.AppName,
		"instance_id": b.conf.InstanceID,
		"channel":     b.conf.ChannelName,
	})

	replayed, err := b.replayPending(runCtx)
	if err != nil {
		b.logger.Error("Failed to replay pending records", err, nil)
	}
	report, err := b.scheduler.RunOnce(runCtx)
	if err != nil {
		b.logger.Error("Failed to replay error records", err, nil)
	}
	if replayed > 0 || report.Eligible > 0 {
		b.logger.Info("Replayed durable records", loggingpkg.LogFields{
			"pending": replayed,
			"errors":  report.Eligible,
		})
	}

	b.bg.Add(2)
	go func() {
		defer b.bg.Done()
		b.scheduler.Run(runCtx)
	}()
	go func() {
		defer b.bg.Done()
		b.runOutboundRelay(runCtx)
	}()

	b.conn.start(runCtx)
	b.startObservability()
	return nil
}

// Stop closes the broker channel and stops scheduling new work. It waits
// for running handlers and sweeps until ctx is done but never cancels them.
func (b *Bus) Stop(ctx context.Context) error {
	b.runMu.Lock()
	if !b.started {
		b.runMu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	b.cancel = nil
	b.runMu.Unlock()

	cancel()

	var errs []error
	if err := b.conn.stop(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		b.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := b.stopHTTPServers(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("Message bus stopped", nil)
	return errors.Join(errs...)
}

// handlerContext is the context handlers run on. It carries the values of
// the Start context but is never cancelled.
func (b *Bus) handlerContext() context.Context {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.baseCtx == nil {
		return context.Background()
	}
	return b.baseCtx
}

func (b *Bus) transportCapabilities() transport.Capabilities {
	if caps, ok := b.conn.capabilities(); ok {
		return caps
	}
	return b.transports.GetCapabilities(b.conf.PubSubSystem)
}

// Config returns the resolved configuration.
func (b *Bus) Config() configpkg.Config { return *b.conf }

// Registry returns the message type registry.
func (b *Bus) Registry() *Registry { return b.registry }

// Store returns the durable store.
func (b *Bus) Store() *store.FileStore { return b.store }

// RetryScheduler returns the scheduler sweeping errors/.
func (b *Bus) RetryScheduler() *RetryScheduler { return b.scheduler }

// ConnectionState reports the broker connection state.
func (b *Bus) ConnectionState() ConnectionState { return b.conn.State() }

// LastPeerEvent returns the most recent connect or disconnect event.
func (b *Bus) LastPeerEvent() *PeerEvent { return b.conn.lastEvent() }

// StoreSnapshot recounts the durable directories and returns the store
// metrics.
func (b *Bus) StoreSnapshot() StoreMetricsSnapshot {
	b.refreshStoreGauges()
	return b.storeMetrics.GetSnapshot()
}

// Handlers describes every registered message type, sorted by type id.
func (b *Bus) Handlers() []HandlerInfo {
	typeIDs := b.registry.TypeIDs()
	infos := make([]HandlerInfo, 0, len(typeIDs))
	for _, typeID := range typeIDs {
		info := HandlerInfo{
			TypeID:  typeID,
			Channel: b.conf.ChannelName,
			Stats:   b.stats[typeID],
		}
		if payloadType, err := b.registry.Resolve(typeID); err == nil {
			info.PayloadType = payloadType.String()
			_, herr := b.registry.GetHandler(payloadType)
			info.HasHandler = herr == nil
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TypeID < infos[j].TypeID })
	return infos
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the bus.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Bus) startObservability() {
	if b.conf.MetricsEnabled && b.conf.MetricsPort > 0 {
		b.RegisterHTTPHandler(b.conf.MetricsPort, "/metrics", b.metricsHandler())
	}
	b.registerWebUI()
	b.startHTTPServers()
}

func (b *Bus) metricsHandler() http.Handler {
	if gatherer, ok := b.registerer().(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (b *Bus) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		b.httpRunning = append(b.httpRunning, srv)
		b.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
	b.httpServers = nil
}

func (b *Bus) stopHTTPServers() error {
	b.httpServersMu.Lock()
	servers := b.httpRunning
	b.httpRunning = nil
	b.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
