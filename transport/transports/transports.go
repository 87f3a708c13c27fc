// Package transports imports all built-in transports for auto-registration.
// Import this package to have every broker available in the default registry.
package transports

import (
	_ "github.com/drblury/localbus/transport/aws"
	_ "github.com/drblury/localbus/transport/channel"
	_ "github.com/drblury/localbus/transport/http"
	_ "github.com/drblury/localbus/transport/io"
	_ "github.com/drblury/localbus/transport/kafka"
	_ "github.com/drblury/localbus/transport/nats"
	_ "github.com/drblury/localbus/transport/rabbitmq"
)
