package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrUnknownMessageType     = sterrors.New("localbus: unknown message type")
	ErrNoHandlerRegistered    = sterrors.New("localbus: no handler registered")
	ErrDeserialization        = sterrors.New("localbus: message deserialization failed")
	ErrHandler                = sterrors.New("localbus: handler failed")
	ErrAlreadyPersisted       = sterrors.New("localbus: message already persisted")
	ErrAlreadyCompleted       = sterrors.New("localbus: message already completed")
	ErrNotConnected           = sterrors.New("localbus: not connected to broker")
	ErrDurableStoreCorruption = sterrors.New("localbus: durable record is corrupt")
	ErrDurableStoreIO         = sterrors.New("localbus: durable store i/o failed")
	ErrRecordNotFound         = sterrors.New("localbus: durable record not found")
	ErrInvalidMessageID       = sterrors.New("localbus: message id is not a valid file name")

	ErrTypeIDRequired        = sterrors.New("localbus: message type id is required")
	ErrDuplicateTypeID       = sterrors.New("localbus: message type id already registered")
	ErrDuplicatePayloadType  = sterrors.New("localbus: payload type already registered")
	ErrDuplicateHandler      = sterrors.New("localbus: payload type already has a handler")
	ErrPayloadTypeUndeclared = sterrors.New("localbus: payload type was not declared")
	ErrHandlerRequired       = sterrors.New("localbus: handler is required")
	ErrRegistryRequired      = sterrors.New("localbus: registry is required")
	ErrPayloadRequired       = sterrors.New("localbus: payload is required")

	ErrConfigRequired    = sterrors.New("localbus: configuration is required")
	ErrLoggerRequired    = sterrors.New("localbus: logger is required")
	ErrBusAlreadyStarted = sterrors.New("localbus: bus already started")
)

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "localbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnknownMessageTypeError reports a type id, or a payload type on publish,
// that the registry does not know.
type UnknownMessageTypeError struct {
	TypeID string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("localbus: unknown message type %q", e.TypeID)
}

func (e *UnknownMessageTypeError) Is(target error) bool {
	return target == ErrUnknownMessageType
}

// NoHandlerRegisteredError reports a declared payload type without a handler.
type NoHandlerRegisteredError struct {
	TypeID      string
	PayloadType string
}

func (e *NoHandlerRegisteredError) Error() string {
	return fmt.Sprintf("localbus: no handler registered for %s (type %q)", e.PayloadType, e.TypeID)
}

func (e *NoHandlerRegisteredError) Is(target error) bool {
	return target == ErrNoHandlerRegistered
}

// DeserializationError wraps a body or envelope that could not be decoded.
type DeserializationError struct {
	TypeID string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.TypeID == "" {
		return fmt.Sprintf("localbus: cannot decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("localbus: cannot decode body of %q: %v", e.TypeID, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

func (e *DeserializationError) Is(target error) bool {
	return target == ErrDeserialization
}

// HandlerError wraps the error or recovered panic of a handler invocation.
type HandlerError struct {
	TypeID    string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("localbus: handler for %q failed on message %s: %v", e.TypeID, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandler
}

// CorruptRecordError reports a durable file that cannot be parsed. Such files
// are quarantined, never deleted.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("localbus: corrupt durable record %s: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrDurableStoreCorruption
}

// StoreIOError wraps a filesystem failure of the durable store.
type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("localbus: durable store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

func (e *StoreIOError) Is(target error) bool {
	return target == ErrDurableStoreIO
}

// MissingFieldError is returned when a record lacks a required field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("localbus: record is missing required field %q", e.Field)
}
