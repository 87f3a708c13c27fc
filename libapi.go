package localbus

import (
	runtimepkg "github.com/drblury/localbus/internal/runtime"
	"github.com/drblury/localbus/internal/runtime/clock"
	configpkg "github.com/drblury/localbus/internal/runtime/config"
	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	idspkg "github.com/drblury/localbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/localbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/localbus/internal/runtime/metadata"
	"github.com/drblury/localbus/transport"
	_ "github.com/drblury/localbus/transport/transports"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	Publisher       = runtimepkg.Publisher
	Validator       = runtimepkg.Validator

	Registry           = runtimepkg.Registry
	RegistryBuilder    = runtimepkg.RegistryBuilder
	Handler[T any]     = runtimepkg.Handler[T]
	HandlerFunc[T any] = runtimepkg.HandlerFunc[T]

	MessageContext  = runtimepkg.MessageContext
	Origin          = runtimepkg.Origin
	State           = runtimepkg.State
	Outcome         = runtimepkg.Outcome
	ConnectionState = runtimepkg.ConnectionState
	PeerEvent       = runtimepkg.PeerEvent

	// Message is the envelope carried on the broker channel.
	Message = envelope.Message
	// MessageInfo is a Message plus the receipt bookkeeping kept on disk.
	MessageInfo = envelope.MessageInfo

	RetryScheduler = runtimepkg.RetryScheduler
	RetryReport    = runtimepkg.RetryReport

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata
	Clock    = clock.Clock

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	HandlerInfo          = runtimepkg.HandlerInfo
	HandlerStats         = runtimepkg.HandlerStats
	StoreMetrics         = runtimepkg.StoreMetrics
	StoreMetricsSnapshot = runtimepkg.StoreMetricsSnapshot

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	ConfigValidationError    = errspkg.ConfigValidationError
	UnknownMessageTypeError  = errspkg.UnknownMessageTypeError
	NoHandlerRegisteredError = errspkg.NoHandlerRegisteredError
	DeserializationError     = errspkg.DeserializationError
	HandlerError             = errspkg.HandlerError
	ValidationError          = runtimepkg.ValidationError

	TransportBuilder      = runtimepkg.TransportBuilder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

const (
	OriginLive    = runtimepkg.OriginLive
	OriginPending = runtimepkg.OriginPending
	OriginErrors  = runtimepkg.OriginErrors

	OutcomeOK        = runtimepkg.OutcomeOK
	OutcomeAbsorbed  = runtimepkg.OutcomeAbsorbed
	OutcomePropagate = runtimepkg.OutcomePropagate

	Disconnected = runtimepkg.Disconnected
	Connecting   = runtimepkg.Connecting
	Connected    = runtimepkg.Connected

	DirectWriteOff      = configpkg.DirectWriteOff
	DirectWriteFallback = configpkg.DirectWriteFallback
	DirectWriteAlways   = configpkg.DirectWriteAlways

	UnhandledSkip      = configpkg.UnhandledSkip
	UnhandledPropagate = configpkg.UnhandledPropagate
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryStorage    = runtimepkg.ErrorCategoryStorage
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Metadata keys stamped on every dispatched message.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyTypeID        = metadatapkg.KeyTypeID
	MetadataKeyOrigin        = metadatapkg.KeyOrigin
	MetadataKeyHandleCount   = metadatapkg.KeyHandleCount
	MetadataKeyCreateTime    = metadatapkg.KeyCreateTime
)

var (
	NewBus             = runtimepkg.NewBus
	NewRegistryBuilder = runtimepkg.NewRegistryBuilder
	ValidateConfig     = configpkg.ValidateConfig
	LoadConfig         = configpkg.Load
	ParseConfig        = configpkg.Parse

	ContextWithMessage = runtimepkg.ContextWithMessage
	MessageFromContext = runtimepkg.MessageFromContext

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewStoreMetrics = runtimepkg.NewStoreMetrics

	GetCapabilities          = transport.GetCapabilities
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrUnknownMessageType     = errspkg.ErrUnknownMessageType
	ErrNoHandlerRegistered    = errspkg.ErrNoHandlerRegistered
	ErrDeserialization        = errspkg.ErrDeserialization
	ErrHandler                = errspkg.ErrHandler
	ErrAlreadyPersisted       = errspkg.ErrAlreadyPersisted
	ErrAlreadyCompleted       = errspkg.ErrAlreadyCompleted
	ErrNotConnected           = errspkg.ErrNotConnected
	ErrDurableStoreCorruption = errspkg.ErrDurableStoreCorruption
	ErrDurableStoreIO         = errspkg.ErrDurableStoreIO
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrRegistryRequired       = errspkg.ErrRegistryRequired
	ErrBusAlreadyStarted      = errspkg.ErrBusAlreadyStarted
	ErrUnknownTransport       = transport.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// RegisterType declares that payloads of type T travel under typeID.
func RegisterType[T any](b *RegistryBuilder, typeID string) *RegistryBuilder {
	return runtimepkg.RegisterType[T](b, typeID)
}

// RegisterHandler binds h to the previously declared payload type T.
func RegisterHandler[T any](b *RegistryBuilder, h Handler[T]) *RegistryBuilder {
	return runtimepkg.RegisterHandler(b, h)
}

// Handle declares T under typeID and binds fn to it in one call.
func Handle[T any](b *RegistryBuilder, typeID string, fn HandlerFunc[T]) *RegistryBuilder {
	return runtimepkg.Handle(b, typeID, fn)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
