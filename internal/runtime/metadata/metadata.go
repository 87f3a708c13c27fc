// Package metadata holds the headers attached to a dispatched message and the
// reserved keys the bus writes into them.
package metadata

import (
	"strconv"
	"time"

	"github.com/drblury/localbus/internal/runtime/envelope"
)

// Reserved keys. Handlers may read them but should not overwrite them.
const (
	KeyCorrelationID    = "correlation_id"
	KeyTypeID           = "localbus_type_id"
	KeySourceAppName    = "localbus_source_app"
	KeySourceAppVersion = "localbus_source_version"
	KeyCreateTime       = "localbus_create_time"
	KeyHandleCount      = "localbus_handle_count"
	KeyOrigin           = "localbus_origin"
	KeyChannel          = "localbus_channel"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// HandleCount parses KeyHandleCount, returning 0 when absent or malformed.
func (m Metadata) HandleCount() int {
	n, err := strconv.Atoi(m[KeyHandleCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromInfo describes one delivery attempt of info.
func FromInfo(info envelope.MessageInfo, origin, channel string) Metadata {
	md := Metadata{
		KeyTypeID:           info.TypeID,
		KeySourceAppName:    info.SourceAppName,
		KeySourceAppVersion: info.SourceAppVersion,
		KeyHandleCount:      strconv.Itoa(info.HandleCount),
		KeyOrigin:           origin,
	}
	if !info.CreateTime.IsZero() {
		md[KeyCreateTime] = info.CreateTime.UTC().Format(time.RFC3339Nano)
	}
	if channel != "" {
		md[KeyChannel] = channel
	}
	return md
}
