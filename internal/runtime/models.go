package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/localbus/internal/runtime/errors"
)

// ValidationError wraps a decoded payload rejected by the configured Validator.
type ValidationError struct {
	TypeID string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("localbus: payload of %q failed validation: %v", e.TypeID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// HandlerInfo describes one registered message type for introspection.
type HandlerInfo struct {
	TypeID      string        `json:"type_id"`
	PayloadType string        `json:"payload_type"`
	Channel     string        `json:"channel"`
	HasHandler  bool          `json:"has_handler"`
	Stats       *HandlerStats `json:"stats"`
}

// HandlerStats aggregates dispatch attempts for one message type. All
// exported fields are guarded by mu and serialised by MarshalJSON.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Origins      OriginBreakdown    `json:"origins"`
	Dependencies []DependencyHealth `json:"dependencies"`

	broker     string
	latency    *latencyRing
	throughput *throughputBuckets
	sampler    *resourceTracker
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Storage    uint64 `json:"storage"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics tracks concurrent attempts and how old the last handled
// message was. EstimatedLagMillis is -1 until a message with a create time
// has been seen.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

// OriginBreakdown counts invocations per delivery origin.
type OriginBreakdown struct {
	Live    uint64 `json:"live"`
	Pending uint64 `json:"pending"`
	Errors  uint64 `json:"errors"`
}

func (o *OriginBreakdown) add(origin Origin) {
	switch origin {
	case OriginPending:
		o.Pending++
	case OriginErrors:
		o.Errors++
	default:
		o.Live++
	}
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

const storeDependency = "store:errors"

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryStorage    ErrorCategory = "storage"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler failure to a category for the stats.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(channel string, sampler *resourceTracker) *HandlerStats {
	h := &HandlerStats{
		Backlog:    BacklogMetrics{EstimatedLagMillis: -1},
		latency:    newLatencyRing(latencySamples),
		throughput: newThroughputBuckets(throughputHorizon),
		sampler:    sampler,
	}
	if channel != "" {
		h.broker = "broker:" + channel
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: h.broker, Status: DependencyStatusUnknown})
	}
	h.Dependencies = append(h.Dependencies, DependencyHealth{Name: storeDependency, Status: DependencyStatusUnknown})
	return h
}

// attempt is what begin hands back to end for one dispatch.
type attempt struct {
	origin Origin
	lag    int64
}

// attemptResult is the settled result of one dispatch.
type attemptResult struct {
	Elapsed  time.Duration
	Err      error
	Outcome  Outcome
	Category ErrorCategory
	At       time.Time
}

func (h *HandlerStats) begin(mctx *MessageContext, now time.Time) attempt {
	a := attempt{origin: mctx.Origin(), lag: -1}
	if created := mctx.Info().CreateTime; !created.IsZero() {
		a.lag = max(now.Sub(created).Milliseconds(), 0)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
	return a
}

func (h *HandlerStats) end(a attempt, r attemptResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if a.lag >= 0 {
		h.Backlog.EstimatedLagMillis = a.lag
	}
	h.Origins.add(a.origin)

	h.MessagesProcessed++
	if r.Err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(r.Elapsed)
	h.LastProcessedAt = r.At.UTC()

	h.latency.Add(r.Elapsed)
	h.Latency = h.latency.Snapshot()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	h.Throughput = h.throughput.Add(r.At)
	h.Throughput.TotalMessages = h.MessagesProcessed

	h.Errors.Record(r.Category, r.Err)
	if h.sampler != nil {
		h.Resource = h.sampler.Snapshot()
	}

	if a.origin == OriginLive {
		h.mark(h.broker, DependencyStatusHealthy, "", r.At)
	}
	if r.Err == nil {
		return
	}
	if r.Outcome == OutcomeAbsorbed {
		h.mark(storeDependency, DependencyStatusHealthy, "", r.At)
	} else {
		h.mark(storeDependency, DependencyStatusDegraded, "failure was not recorded in the errors directory", r.At)
	}
}

func (h *HandlerStats) mark(name, status, details string, at time.Time) {
	for i := range h.Dependencies {
		if name != "" && h.Dependencies[i].Name == name {
			h.Dependencies[i].Status = status
			h.Dependencies[i].Details = details
			h.Dependencies[i].LastChecked = at.UTC()
			return
		}
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain HandlerStats
	return json.Marshal((*plain)(h))
}

// Record counts err under category. A nil error in ErrorCategoryNone is
// not a failure.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if err == nil && category == ErrorCategoryNone {
		return
	}
	switch category {
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryStorage:
		e.Storage++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var validation *ValidationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, errspkg.ErrDeserialization),
		errors.Is(err, errspkg.ErrUnknownMessageType),
		errors.Is(err, errspkg.ErrNoHandlerRegistered):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrNotConnected):
		return ErrorCategoryTransport
	case errors.Is(err, errspkg.ErrDurableStoreIO), errors.Is(err, errspkg.ErrDurableStoreCorruption):
		return ErrorCategoryStorage
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
