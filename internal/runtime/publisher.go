package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/localbus/internal/runtime/config"
	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	idspkg "github.com/drblury/localbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/localbus/internal/runtime/metadata"
	"github.com/drblury/localbus/internal/runtime/store"
)

// Publisher sends registered payloads to the broker channel.
type Publisher interface {
	Publish(ctx context.Context, payload any) (*envelope.Message, error)
}

// Publish stamps payload into a new envelope and hands it to the broker,
// or to the outbound spool depending on DirectWriteThrough. A nil error
// means the hand-off succeeded.
func (b *Bus) Publish(ctx context.Context, payload any) (*envelope.Message, error) {
	typeID, body, err := b.registry.Encode(payload)
	if err != nil {
		return nil, err
	}

	now := b.clock.Now()
	msg := envelope.Message{
		ID:               idspkg.CreateULIDAt(now),
		TypeID:           typeID,
		SourceAppName:    b.conf.AppName,
		SourceAppVersion: b.conf.AppVersion,
		CreateTime:       now.UTC(),
		Body:             body,
	}

	switch b.conf.DirectWriteThrough {
	case configpkg.DirectWriteAlways:
		if err := b.spool(msg); err != nil {
			return nil, err
		}
		b.kickOutbound()
		return &msg, nil
	case configpkg.DirectWriteFallback:
		err := b.send(ctx, msg)
		if errors.Is(err, errspkg.ErrNotConnected) {
			if err := b.spool(msg); err != nil {
				return nil, err
			}
			return &msg, nil
		}
		if err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		if err := b.send(ctx, msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}
}

// NewTransportMessage converts an envelope into the Watermill message sent
// over the broker channel.
func NewTransportMessage(msg envelope.Message) (*message.Message, error) {
	payload, err := envelope.EncodeWire(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	out := message.NewMessage(msg.ID, payload)
	out.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyTypeID, msg.TypeID,
		metadatapkg.KeySourceAppName, msg.SourceAppName,
	))
	return out, nil
}

func (b *Bus) send(ctx context.Context, msg envelope.Message) error {
	out, err := NewTransportMessage(msg)
	if err != nil {
		return err
	}
	if caps := b.transportCapabilities(); !caps.Fits(len(out.Payload)) {
		return fmt.Errorf("localbus: envelope of %d bytes exceeds the %s limit of %d", len(out.Payload), caps.Name, caps.MaxMessageSize)
	}
	if ctx != nil {
		out.SetContext(ctx)
	}
	return b.conn.publish(b.conf.ChannelName, out)
}

func (b *Bus) spool(msg envelope.Message) error {
	if err := b.store.Write(store.Outbound, envelope.MessageInfo{Message: msg}); err != nil {
		return err
	}
	b.storeMetrics.RecordSpooled()
	b.logger.Debug("Spooled outbound message", loggingpkg.LogFields{
		"message_id": msg.ID,
		"type_id":    msg.TypeID,
	})
	return nil
}

// kickOutbound wakes the outbound relay without blocking.
func (b *Bus) kickOutbound() {
	select {
	case b.outboundKick <- struct{}{}:
	default:
	}
}

// DrainOutbound sends spooled messages in id order and removes each one
// after the broker accepted it. It stops at the first send failure so the
// remaining records keep their order. Corrupt records are left in place.
func (b *Bus) DrainOutbound(ctx context.Context) (int, error) {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	ids, err := b.store.List(store.Outbound)
	if err != nil {
		return 0, err
	}

	sent := 0
	defer func() {
		if sent > 0 {
			b.storeMetrics.RecordDrained(sent)
			b.logger.Info("Drained outbound spool", loggingpkg.LogFields{
				"sent":      sent,
				"remaining": len(ids) - sent,
			})
		}
		b.refreshStoreGauges()
	}()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		info, err := b.store.Load(store.Outbound, id)
		switch {
		case errors.Is(err, errspkg.ErrRecordNotFound):
			continue
		case errors.Is(err, errspkg.ErrDurableStoreCorruption):
			b.quarantine(store.Outbound, id, err)
			continue
		case err != nil:
			return sent, err
		}

		if err := b.send(ctx, info.Message); err != nil {
			return sent, err
		}
		if err := b.store.Remove(store.Outbound, id); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// runOutboundRelay drains the spool whenever it is kicked and on every
// retry interval while the bus runs.
func (b *Bus) runOutboundRelay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.outboundKick:
		case <-b.clock.After(b.conf.RetryInterval):
		}

		if b.conn.State() != Connected {
			continue
		}
		if _, err := b.DrainOutbound(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("Outbound drain stopped", err, nil)
		}
	}
}
