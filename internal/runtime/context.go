package runtime

import (
	"context"
	"sync"

	"github.com/drblury/localbus/internal/runtime/clock"
	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/localbus/internal/runtime/metadata"
	"github.com/drblury/localbus/internal/runtime/store"
)

// Origin tells where a delivery attempt came from.
type Origin int

const (
	// OriginLive is a message delivered by the transport. It carries the ack.
	OriginLive Origin = iota
	// OriginPending was loaded from the pending directory on startup.
	OriginPending
	// OriginErrors was loaded from the errors directory by replay or retry.
	OriginErrors
)

func (o Origin) String() string {
	switch o {
	case OriginLive:
		return "live"
	case OriginPending:
		return "pending"
	case OriginErrors:
		return "errors"
	default:
		return "unknown"
	}
}

// State is the position of a MessageContext in its lifecycle.
type State int

const (
	StateReceived State = iota
	StatePersisted
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StatePersisted:
		return "persisted"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of dispatching one delivery attempt.
type Outcome int

const (
	// OutcomeOK means the handler finished or took durable ownership.
	OutcomeOK Outcome = iota
	// OutcomeAbsorbed means the failure was recorded in the errors directory
	// and the broker must not redeliver.
	OutcomeAbsorbed
	// OutcomePropagate means nothing durable exists yet and the transport
	// message has to be nacked.
	OutcomePropagate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeAbsorbed:
		return "absorbed"
	case OutcomePropagate:
		return "propagate"
	default:
		return "unknown"
	}
}

// MessageContext mediates persistence, completion and acknowledgement of one
// delivery attempt. Its methods are safe to call from the goroutine a
// handler hands deferred work to.
type MessageContext struct {
	mu     sync.Mutex
	info   envelope.MessageInfo
	origin Origin
	state  State

	metadata metadatapkg.Metadata
	store    *store.FileStore
	clock    clock.Clock
	logger   loggingpkg.ServiceLogger
	metrics  *StoreMetrics

	ack             func() bool
	captureFailures bool
}

type contextDeps struct {
	store   *store.FileStore
	clock   clock.Clock
	logger  loggingpkg.ServiceLogger
	metrics *StoreMetrics
	channel string
}

func newMessageContext(info envelope.MessageInfo, origin Origin, deps contextDeps) *MessageContext {
	c := &MessageContext{
		info:     info,
		origin:   origin,
		metadata: metadatapkg.FromInfo(info, origin.String(), deps.channel),
		store:    deps.store,
		clock:    deps.clock,
		logger:   deps.logger,
		metrics:  deps.metrics,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = loggingpkg.Nop()
	}
	c.logger = c.logger.With(loggingpkg.LogFields{
		"message_id": info.ID,
		"type_id":    info.TypeID,
		"origin":     origin.String(),
	})
	return c
}

// newLiveContext binds the transport acknowledgement. captureFailures is set
// for transports that never redeliver a nacked message.
func newLiveContext(info envelope.MessageInfo, ack func() bool, captureFailures bool, deps contextDeps) *MessageContext {
	c := newMessageContext(info, OriginLive, deps)
	c.ack = ack
	c.captureFailures = captureFailures
	return c
}

func (c *MessageContext) ID() string     { return c.info.ID }
func (c *MessageContext) TypeID() string { return c.info.TypeID }
func (c *MessageContext) Origin() Origin { return c.origin }

// Info returns a copy of the message and its receipt metadata.
func (c *MessageContext) Info() envelope.MessageInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *MessageContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metadata returns a copy of the headers describing this attempt.
func (c *MessageContext) Metadata() metadatapkg.Metadata {
	return c.metadata.Clone()
}

// Logger is tagged with the message id, type id and origin.
func (c *MessageContext) Logger() loggingpkg.ServiceLogger {
	return c.logger
}

// Persistence writes the message to the pending directory and then releases
// its previous owner: the transport is acknowledged, or the errors record is
// removed. A message replayed from pending is already durable.
func (c *MessageContext) Persistence() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePersisted:
		return errspkg.ErrAlreadyPersisted
	case StateCompleted, StateFailed:
		return errspkg.ErrAlreadyCompleted
	}

	if c.origin != OriginPending {
		if err := c.store.Write(store.Pending, c.info); err != nil {
			return err
		}
		switch c.origin {
		case OriginLive:
			c.acknowledge()
		case OriginErrors:
			if err := c.store.Remove(store.Errors, c.info.ID); err != nil {
				c.logger.Error("Failed to remove errors record after persisting", err, nil)
			}
		}
	}

	c.state = StatePersisted
	c.logger.Trace("Message persisted", nil)
	return nil
}

// Complete finishes the attempt. A persisted message has its pending file
// removed; otherwise the transport is acknowledged or the durable source
// record deleted.
func (c *MessageContext) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCompleted, StateFailed:
		return errspkg.ErrAlreadyCompleted
	case StatePersisted:
		if err := c.store.Remove(store.Pending, c.info.ID); err != nil {
			return err
		}
	default:
		switch c.origin {
		case OriginLive:
			c.acknowledge()
		case OriginPending:
			if err := c.store.Remove(store.Pending, c.info.ID); err != nil {
				return err
			}
		case OriginErrors:
			if err := c.store.Remove(store.Errors, c.info.ID); err != nil {
				return err
			}
		}
	}

	c.state = StateCompleted
	if c.origin == OriginErrors {
		c.metrics.RecordRecovered(c.info.TypeID)
	}
	c.logger.Trace("Message completed", nil)
	return nil
}

// Fail records a failed attempt. Anything already durable is rewritten into
// the errors directory and absorbed; a live message that was never persisted
// is handed back to the broker unless the transport cannot redeliver it.
func (c *MessageContext) Fail(cause error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCompleted:
		c.logger.Error("Failure reported after completion, work is already committed", cause, nil)
		return OutcomeOK
	case StateFailed:
		c.logger.Error("Failure reported twice for the same attempt", cause, nil)
		return OutcomeAbsorbed
	}

	wasPersisted := c.state == StatePersisted
	c.info.RecordFailure(c.clock.Now(), cause)
	c.state = StateFailed
	fields := loggingpkg.LogFields{"handle_count": c.info.HandleCount}

	if c.origin == OriginLive && !wasPersisted {
		if !c.captureFailures {
			c.logger.Debug("Returning failed message to the broker", fields)
			return OutcomePropagate
		}
		if err := c.store.Write(store.Errors, c.info); err != nil {
			c.logger.Error("Failed to capture message the transport cannot redeliver", err, fields)
			return OutcomePropagate
		}
		c.acknowledge()
		c.metrics.RecordFailure(c.info.TypeID, c.info.HandleCount)
		c.logger.Info("Captured failed message into errors", fields)
		return OutcomeAbsorbed
	}

	if err := c.store.Write(store.Errors, c.info); err != nil {
		c.logger.Error("Failed to record failed message, previous durable copy is kept", err, fields)
		return OutcomeAbsorbed
	}
	if wasPersisted || c.origin == OriginPending {
		if err := c.store.Remove(store.Pending, c.info.ID); err != nil {
			c.logger.Error("Failed to remove pending copy of failed message", err, fields)
		}
	}
	c.metrics.RecordFailure(c.info.TypeID, c.info.HandleCount)
	c.logger.Info("Recorded failed message into errors", fields)
	return OutcomeAbsorbed
}

func (c *MessageContext) acknowledge() {
	if c.ack == nil {
		return
	}
	if !c.ack() {
		c.logger.Debug("Transport message was already acknowledged", nil)
	}
}

type messageContextKey struct{}

// ContextWithMessage stores mctx in ctx so middleware can reach it.
func ContextWithMessage(ctx context.Context, mctx *MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mctx)
}

// MessageFromContext returns the MessageContext stored by ContextWithMessage.
func MessageFromContext(ctx context.Context) (*MessageContext, bool) {
	mctx, ok := ctx.Value(messageContextKey{}).(*MessageContext)
	return mctx, ok && mctx != nil
}
