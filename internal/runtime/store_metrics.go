package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics tracks the durable store: failures written to errors,
// retries, recoveries, quarantined records and the outbound spool. A nil
// *StoreMetrics records nothing.
type StoreMetrics struct {
	mu sync.RWMutex

	typeCounts map[string]*StoreTypeMetrics
	current    map[string]int
	quarantine uint64
	spooled    uint64
	drained    uint64

	failuresTotal    *prometheus.CounterVec
	retriedTotal     *prometheus.CounterVec
	recoveredTotal   *prometheus.CounterVec
	quarantinedTotal prometheus.Counter
	spooledTotal     prometheus.Counter
	drainedTotal     prometheus.Counter
	recordsCurrent   *prometheus.GaugeVec
	handleCountHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// StoreTypeMetrics holds the counters of one message type.
type StoreTypeMetrics struct {
	Failures       uint64    `json:"failures"`
	Retried        uint64    `json:"retried"`
	Recovered      uint64    `json:"recovered"`
	AvgHandleCount float64   `json:"avg_handle_count"`
	LastFailureAt  time.Time `json:"last_failure_at,omitempty"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// StoreMetricsSnapshot is a point-in-time view of the store.
type StoreMetricsSnapshot struct {
	Pending          int                          `json:"pending"`
	Errors           int                          `json:"errors"`
	Outbound         int                          `json:"outbound"`
	TotalFailures    uint64                       `json:"total_failures"`
	TotalRetried     uint64                       `json:"total_retried"`
	TotalRecovered   uint64                       `json:"total_recovered"`
	TotalQuarantined uint64                       `json:"total_quarantined"`
	TotalSpooled     uint64                       `json:"total_spooled"`
	TotalDrained     uint64                       `json:"total_drained"`
	TypeMetrics      map[string]*StoreTypeMetrics `json:"type_metrics"`
	CollectedAt      time.Time                    `json:"collected_at"`
}

func storeCounterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "localbus",
		Subsystem: "store",
		Name:      name,
		Help:      help,
	}
}

// NewStoreMetrics creates the collectors. Call Register to expose them.
func NewStoreMetrics(registerer prometheus.Registerer) *StoreMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StoreMetrics{
		typeCounts:       make(map[string]*StoreTypeMetrics),
		current:          make(map[string]int),
		registerer:       registerer,
		failuresTotal:    prometheus.NewCounterVec(storeCounterOpts("failures_total", "Failed handling attempts recorded in the errors directory"), []string{"type_id"}),
		retriedTotal:     prometheus.NewCounterVec(storeCounterOpts("retried_total", "Messages redispatched from the errors directory"), []string{"type_id"}),
		recoveredTotal:   prometheus.NewCounterVec(storeCounterOpts("recovered_total", "Messages from the errors directory that completed"), []string{"type_id"}),
		quarantinedTotal: prometheus.NewCounter(storeCounterOpts("quarantined_total", "Corrupt durable records left in place")),
		spooledTotal:     prometheus.NewCounter(storeCounterOpts("spooled_total", "Publishes written to the outbound spool")),
		drainedTotal:     prometheus.NewCounter(storeCounterOpts("drained_total", "Spooled publishes sent to the broker")),
		recordsCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "localbus",
			Subsystem: "store",
			Name:      "records_current",
			Help:      "Records currently held per durable directory",
		}, []string{"location"}),
		handleCountHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localbus",
			Subsystem: "store",
			Name:      "handle_count",
			Help:      "Handle count of a message when a failure is recorded",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}, []string{"type_id"}),
	}
}

// Register registers the collectors. Collectors already registered by
// another bus in the process are reused. Safe to call multiple times.
func (m *StoreMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.failuresTotal, err = registerCollector(m.registerer, m.failuresTotal); err != nil {
		return err
	}
	if m.retriedTotal, err = registerCollector(m.registerer, m.retriedTotal); err != nil {
		return err
	}
	if m.recoveredTotal, err = registerCollector(m.registerer, m.recoveredTotal); err != nil {
		return err
	}
	if m.quarantinedTotal, err = registerCollector(m.registerer, m.quarantinedTotal); err != nil {
		return err
	}
	if m.spooledTotal, err = registerCollector(m.registerer, m.spooledTotal); err != nil {
		return err
	}
	if m.drainedTotal, err = registerCollector(m.registerer, m.drainedTotal); err != nil {
		return err
	}
	if m.recordsCurrent, err = registerCollector(m.registerer, m.recordsCurrent); err != nil {
		return err
	}
	if m.handleCountHist, err = registerCollector(m.registerer, m.handleCountHist); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// RecordFailure records a handling failure written to the errors directory.
func (m *StoreMetrics) RecordFailure(typeID string, handleCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.getOrCreateTypeMetrics(typeID)
	metrics.Failures++
	metrics.LastFailureAt = now
	metrics.LastUpdatedAt = now
	metrics.AvgHandleCount = ((metrics.AvgHandleCount * float64(metrics.Failures-1)) + float64(handleCount)) / float64(metrics.Failures)

	m.failuresTotal.WithLabelValues(typeID).Inc()
	m.handleCountHist.WithLabelValues(typeID).Observe(float64(handleCount))
}

// RecordRetried records a redispatch from the errors directory.
func (m *StoreMetrics) RecordRetried(typeID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTypeMetrics(typeID)
	metrics.Retried++
	metrics.LastUpdatedAt = time.Now()
	m.retriedTotal.WithLabelValues(typeID).Inc()
}

// RecordRecovered records a message from the errors directory completing.
func (m *StoreMetrics) RecordRecovered(typeID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTypeMetrics(typeID)
	metrics.Recovered++
	metrics.LastUpdatedAt = time.Now()
	m.recoveredTotal.WithLabelValues(typeID).Inc()
}

// RecordQuarantined records a corrupt record seen for the first time.
func (m *StoreMetrics) RecordQuarantined() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.quarantine++
	m.quarantinedTotal.Inc()
}

// RecordSpooled records a publish written to the outbound directory.
func (m *StoreMetrics) RecordSpooled() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spooled++
	m.spooledTotal.Inc()
}

// RecordDrained records spooled publishes sent to the broker.
func (m *StoreMetrics) RecordDrained(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drained += uint64(count)
	m.drainedTotal.Add(float64(count))
}

// SetCurrentCount sets the number of records held in a durable directory.
func (m *StoreMetrics) SetCurrentCount(location string, count int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current[location] = count
	m.recordsCurrent.WithLabelValues(location).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all store metrics.
func (m *StoreMetrics) GetSnapshot() StoreMetricsSnapshot {
	snapshot := StoreMetricsSnapshot{
		TypeMetrics: make(map[string]*StoreTypeMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.Pending = m.current["pending"]
	snapshot.Errors = m.current["errors"]
	snapshot.Outbound = m.current["outbound"]
	snapshot.TotalQuarantined = m.quarantine
	snapshot.TotalSpooled = m.spooled
	snapshot.TotalDrained = m.drained

	for typeID, metrics := range m.typeCounts {
		metricsCopy := *metrics
		snapshot.TypeMetrics[typeID] = &metricsCopy
		snapshot.TotalFailures += metrics.Failures
		snapshot.TotalRetried += metrics.Retried
		snapshot.TotalRecovered += metrics.Recovered
	}

	return snapshot
}

// GetTypeMetrics returns a copy of the metrics for typeID, or nil.
func (m *StoreMetrics) GetTypeMetrics(typeID string) *StoreTypeMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.typeCounts[typeID]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *StoreMetrics) getOrCreateTypeMetrics(typeID string) *StoreTypeMetrics {
	if metrics, ok := m.typeCounts[typeID]; ok {
		return metrics
	}
	metrics := &StoreTypeMetrics{}
	m.typeCounts[typeID] = metrics
	return metrics
}

// Reset clears every metric (useful for testing).
func (m *StoreMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.typeCounts = make(map[string]*StoreTypeMetrics)
	m.current = make(map[string]int)
	m.quarantine, m.spooled, m.drained = 0, 0, 0
	m.failuresTotal.Reset()
	m.retriedTotal.Reset()
	m.recoveredTotal.Reset()
	m.recordsCurrent.Reset()
	m.handleCountHist.Reset()
}
