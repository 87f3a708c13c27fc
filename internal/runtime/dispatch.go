package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/localbus/internal/runtime/config"
	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/localbus/internal/runtime/metadata"
	"github.com/drblury/localbus/internal/runtime/store"
	"github.com/drblury/localbus/transport"
)

// Validator checks a decoded payload before its handler runs.
type Validator interface {
	Validate(value any) error
}

// OnInboundMessage decodes a transport message and dispatches it. The
// transport message is nacked when the outcome is OutcomePropagate.
func (b *Bus) OnInboundMessage(msg *message.Message) Outcome {
	return b.onInbound(msg, b.transportCapabilities())
}

func (b *Bus) onInbound(msg *message.Message, caps transport.Capabilities) Outcome {
	wire, err := envelope.DecodeWire(msg.Payload)
	if err == nil {
		err = store.ValidateID(wire.ID)
	}
	if err != nil {
		derr := &errspkg.DeserializationError{Err: err}
		b.logger.Error("Rejecting undecodable envelope", derr, loggingpkg.LogFields{
			"transport_uuid": msg.UUID,
			"transport":      caps.Name,
		})
		msg.Nack()
		return OutcomePropagate
	}

	if b.conf.UnhandledTypes != configpkg.UnhandledPropagate && !b.handles(wire.TypeID) {
		b.logger.Debug("Skipping message for another application", loggingpkg.LogFields{
			"message_id": wire.ID,
			"type_id":    wire.TypeID,
			"source_app": wire.SourceAppName,
		})
		msg.Ack()
		return OutcomeOK
	}

	info := envelope.MessageInfo{
		Message:     wire,
		ReceiveTime: b.clock.Now(),
	}
	mctx := newLiveContext(info, msg.Ack, caps.RequiresFailureCapture(), b.contextDeps())

	outcome := b.dispatch(b.handlerContext(), mctx)
	if outcome == OutcomePropagate {
		msg.Nack()
	}
	return outcome
}

// handles reports whether typeID resolves to a payload type with a handler.
func (b *Bus) handles(typeID string) bool {
	payloadType, err := b.registry.Resolve(typeID)
	if err != nil {
		return false
	}
	_, err = b.registry.GetHandler(payloadType)
	return err == nil
}

// dispatch runs one attempt through the middleware chain and settles the
// context according to what the handler did.
func (b *Bus) dispatch(ctx context.Context, mctx *MessageContext) Outcome {
	info := mctx.Info()
	msg := message.NewMessage(info.ID, info.Body)
	msg.Metadata = metadatapkg.ToWatermill(mctx.Metadata())
	msg.SetContext(ContextWithMessage(ctx, mctx))

	stats := b.stats[info.TypeID]
	var att attempt
	if stats != nil {
		att = stats.begin(mctx, b.clock.Now())
	}
	start := time.Now()

	_, err := b.chain(msg)

	outcome := OutcomeOK
	if err != nil {
		err = asHandlerError(info, err)
		outcome = mctx.Fail(err)
		b.logger.Error("Message handling failed", err, loggingpkg.LogFields{
			"message_id":   info.ID,
			"type_id":      info.TypeID,
			"origin":       mctx.Origin().String(),
			"handle_count": info.HandleCount + 1,
			"outcome":      outcome.String(),
		})
	} else if mctx.State() == StateReceived {
		if cerr := mctx.Complete(); cerr != nil && !errors.Is(cerr, errspkg.ErrAlreadyCompleted) {
			b.logger.Error("Failed to complete message", cerr, loggingpkg.LogFields{
				"message_id": info.ID,
				"type_id":    info.TypeID,
			})
		}
	}

	if stats != nil {
		stats.end(att, attemptResult{
			Elapsed:  time.Since(start),
			Err:      err,
			Outcome:  outcome,
			Category: b.classifier(err),
			At:       b.clock.Now(),
		})
	}
	return outcome
}

// invokeHandler is the innermost step of the chain: resolve, decode,
// validate and call the registered handler.
func (b *Bus) invokeHandler(msg *message.Message) ([]*message.Message, error) {
	mctx, ok := MessageFromContext(msg.Context())
	if !ok {
		return nil, errors.New("localbus: message context missing from dispatch")
	}

	payloadType, err := b.registry.Resolve(mctx.TypeID())
	if err != nil {
		return nil, err
	}
	binding, err := b.registry.GetHandler(payloadType)
	if err != nil {
		return nil, err
	}
	payload, err := b.registry.Decode(mctx.TypeID(), msg.Payload)
	if err != nil {
		return nil, err
	}
	if b.validator != nil {
		if err := b.validator.Validate(payload); err != nil {
			return nil, &ValidationError{TypeID: mctx.TypeID(), Err: err}
		}
	}

	if err := binding.Invoke(msg.Context(), payload, mctx); err != nil {
		return nil, &errspkg.HandlerError{
			TypeID:    mctx.TypeID(),
			MessageID: mctx.ID(),
			Err:       err,
		}
	}
	return nil, nil
}

// buildChain wraps invokeHandler so the first middleware is outermost.
func buildChain(terminal message.HandlerFunc, middlewares []message.HandlerMiddleware) message.HandlerFunc {
	h := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// asHandlerError wraps errors that escaped the handler without a
// classification, such as recovered panics.
func asHandlerError(info envelope.MessageInfo, err error) error {
	var (
		handlerErr *errspkg.HandlerError
		validation *ValidationError
	)
	switch {
	case errors.As(err, &handlerErr),
		errors.As(err, &validation),
		errors.Is(err, errspkg.ErrDeserialization),
		errors.Is(err, errspkg.ErrUnknownMessageType),
		errors.Is(err, errspkg.ErrNoHandlerRegistered):
		return err
	}
	return &errspkg.HandlerError{TypeID: info.TypeID, MessageID: info.ID, Err: err}
}

func (b *Bus) contextDeps() contextDeps {
	return contextDeps{
		store:   b.store,
		clock:   b.clock,
		logger:  b.logger,
		metrics: b.storeMetrics,
		channel: b.conf.ChannelName,
	}
}
