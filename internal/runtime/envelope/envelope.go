// Package envelope defines the message envelope carried over the broker and
// the receipt metadata persisted alongside it in the durable store.
package envelope

import "time"

// Message is the immutable envelope created by the publisher.
type Message struct {
	ID               string
	TypeID           string
	SourceAppName    string
	SourceAppVersion string
	CreateTime       time.Time
	// Body is the serialized payload; it must decode under the payload type
	// registered for TypeID.
	Body []byte
}

// MessageInfo wraps a Message with the receipt metadata of one delivery.
// Only failure handling mutates it.
type MessageInfo struct {
	Message
	ReceiveTime    time.Time
	HandleCount    int
	LastHandleTime time.Time
	HandleError    string
}

// maxBackoffExponent keeps 2^HandleCount minutes inside time.Duration
// (2^27 minutes is about 255 years).
const maxBackoffExponent = 27

// Backoff returns the delay that must pass after LastHandleTime before the
// next attempt: 2^HandleCount minutes.
func (i MessageInfo) Backoff() time.Duration {
	exp := i.HandleCount
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return time.Duration(int64(1)<<exp) * time.Minute
}

// NextAttemptAt is the earliest time a retry may run. The zero time means the
// message was never handled and is eligible immediately.
func (i MessageInfo) NextAttemptAt() time.Time {
	if i.LastHandleTime.IsZero() {
		return time.Time{}
	}
	return i.LastHandleTime.Add(i.Backoff())
}

// EligibleAt reports whether a retry may run at now.
func (i MessageInfo) EligibleAt(now time.Time) bool {
	next := i.NextAttemptAt()
	return next.IsZero() || !now.Before(next)
}

// RecordFailure applies the failure bookkeeping of one handling attempt.
func (i *MessageInfo) RecordFailure(now time.Time, cause error) {
	i.HandleCount++
	i.LastHandleTime = now
	if cause != nil {
		i.HandleError = cause.Error()
	}
}
