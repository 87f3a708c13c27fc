// Package nats provides the NATS Core broker transport. Instances of one
// application join a queue group so each message is handled once per
// application.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/localbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects a core NATS publisher and queue subscriber. JetStream is
// disabled; durability comes from the local store.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	marshaler := &wmnats.NATSMarshaler{}
	options := ConnectOptions(cfg, logger)
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetAppName(),
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        jetStream,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Name:       TransportName,
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectOptions names the connection after the application and logs
// connection-level disconnects and reconnects.
func ConnectOptions(cfg transport.Config, logger watermill.LoggerAdapter) []nc.Option {
	name := cfg.GetAppName()
	if instance := cfg.GetInstanceID(); instance != "" {
		name += "/" + instance
	}
	return []nc.Option{
		nc.Name(name),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			logger.Error("NATS connection lost", err, watermill.LogFields{"client": name})
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			logger.Info("NATS connection restored", watermill.LogFields{
				"client": name,
				"server": conn.ConnectedUrl(),
			})
		}),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
