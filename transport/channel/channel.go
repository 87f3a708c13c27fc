// Package channel provides the in-process broker transport. Every bus in the
// process that selects it shares one hub, so publishers and subscribers in
// the same binary see each other's messages.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/localbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer of the hub.
const OutputBuffer = 64

var (
	hubMu sync.Mutex
	hub   *gochannel.GoChannel
)

// Factory returns the publisher and subscriber of the shared hub. Tests can
// override it.
var Factory = func(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	h := sharedHub(logger)
	return h, h
}

func sharedHub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	hubMu.Lock()
	defer hubMu.Unlock()
	if hub == nil {
		hub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	}
	return hub
}

// Reset closes the shared hub; the next Build starts a fresh one.
func Reset() error {
	hubMu.Lock()
	defer hubMu.Unlock()
	if hub == nil {
		return nil
	}
	err := hub.Close()
	hub = nil
	return err
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build attaches to the shared hub. Closing the returned transport detaches
// without shutting the hub down; subscriptions end with their context.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(logger)
	return transport.Transport{
		Name:       TransportName,
		Publisher:  detachedPublisher{pub},
		Subscriber: detachedSubscriber{sub},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type detachedPublisher struct{ message.Publisher }

func (detachedPublisher) Close() error { return nil }

type detachedSubscriber struct{ message.Subscriber }

func (detachedSubscriber) Close() error { return nil }
