package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	"github.com/drblury/localbus/internal/runtime/jsoncodec"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// Handler processes one decoded payload. It must either call
// mctx.Persistence() and return (finishing the work later), or do the work
// and call mctx.Complete(). Returning nil while the context is still
// Received completes it implicitly.
type Handler[T any] interface {
	Handle(ctx context.Context, payload T, mctx *MessageContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, payload T, mctx *MessageContext) error

func (f HandlerFunc[T]) Handle(ctx context.Context, payload T, mctx *MessageContext) error {
	return f(ctx, payload, mctx)
}

// InvokeFunc calls a bound handler with a payload produced by Registry.Decode.
type InvokeFunc func(ctx context.Context, payload any, mctx *MessageContext) error

// HandlerBinding is the read-only view of one registered payload type.
type HandlerBinding struct {
	TypeID      string
	PayloadType reflect.Type
	Handler     any
	Invoke      InvokeFunc
}

type registration struct {
	typeID      string
	payloadType reflect.Type
	handler     any
	invoke      InvokeFunc
	decode      func([]byte) (any, error)
}

// Registry maps message type ids to payload types and handlers. It is
// immutable once built and safe for concurrent use.
type Registry struct {
	byTypeID  map[string]*registration
	byPayload map[reflect.Type]*registration
}

// RegistryBuilder collects registrations. Errors accumulate and are reported
// together by Build.
type RegistryBuilder struct {
	byTypeID  map[string]*registration
	byPayload map[reflect.Type]*registration
	errs      []error
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		byTypeID:  make(map[string]*registration),
		byPayload: make(map[reflect.Type]*registration),
	}
}

// RegisterType declares payload type T under typeID. A type id may name only
// one payload type and a payload type may carry only one type id.
func RegisterType[T any](b *RegistryBuilder, typeID string) *RegistryBuilder {
	typ, err := payloadTypeOf[T]()
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	if strings.TrimSpace(typeID) == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: payload %s", errspkg.ErrTypeIDRequired, typ))
		return b
	}
	if existing, ok := b.byTypeID[typeID]; ok {
		b.errs = append(b.errs, fmt.Errorf("%w: %q is bound to %s", errspkg.ErrDuplicateTypeID, typeID, existing.payloadType))
		return b
	}
	if existing, ok := b.byPayload[typ]; ok {
		b.errs = append(b.errs, fmt.Errorf("%w: %s is registered as %q", errspkg.ErrDuplicatePayloadType, typ, existing.typeID))
		return b
	}

	reg := &registration{
		typeID:      typeID,
		payloadType: typ,
		decode: func(body []byte) (any, error) {
			return decodePayload[T](body)
		},
	}
	b.byTypeID[typeID] = reg
	b.byPayload[typ] = reg
	return b
}

// RegisterHandler binds h to the previously declared payload type T.
func RegisterHandler[T any](b *RegistryBuilder, h Handler[T]) *RegistryBuilder {
	typ, err := payloadTypeOf[T]()
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	if isNilHandler(h) {
		b.errs = append(b.errs, fmt.Errorf("%w: payload %s", errspkg.ErrHandlerRequired, typ))
		return b
	}
	reg, ok := b.byPayload[typ]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", errspkg.ErrPayloadTypeUndeclared, typ))
		return b
	}
	if reg.handler != nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %s (type %q)", errspkg.ErrDuplicateHandler, typ, reg.typeID))
		return b
	}

	reg.handler = h
	reg.invoke = func(ctx context.Context, payload any, mctx *MessageContext) error {
		typed, ok := payload.(T)
		if !ok {
			return fmt.Errorf("payload %T does not match handler type %s", payload, typ)
		}
		return h.Handle(ctx, typed, mctx)
	}
	return b
}

// Handle declares T under typeID and binds fn to it.
func Handle[T any](b *RegistryBuilder, typeID string, fn HandlerFunc[T]) *RegistryBuilder {
	before := len(b.errs)
	RegisterType[T](b, typeID)
	if len(b.errs) > before {
		return b
	}
	return RegisterHandler[T](b, fn)
}

// Build freezes the registrations. The builder may keep being used; later
// changes do not leak into the returned registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	reg := &Registry{
		byTypeID:  make(map[string]*registration, len(b.byTypeID)),
		byPayload: make(map[reflect.Type]*registration, len(b.byPayload)),
	}
	for id, r := range b.byTypeID {
		clone := *r
		reg.byTypeID[id] = &clone
		reg.byPayload[clone.payloadType] = &clone
	}
	return reg, nil
}

// Resolve returns the payload type registered for typeID.
func (r *Registry) Resolve(typeID string) (reflect.Type, error) {
	reg, ok := r.byTypeID[typeID]
	if !ok {
		return nil, &errspkg.UnknownMessageTypeError{TypeID: typeID}
	}
	return reg.payloadType, nil
}

// GetHandler returns the handler bound to payloadType. It fails with
// ErrNoHandlerRegistered both for undeclared types and for declared types
// without a handler.
func (r *Registry) GetHandler(payloadType reflect.Type) (HandlerBinding, error) {
	reg, ok := r.byPayload[payloadType]
	if !ok {
		return HandlerBinding{}, &errspkg.NoHandlerRegisteredError{PayloadType: fmt.Sprint(payloadType)}
	}
	if reg.invoke == nil {
		return HandlerBinding{}, &errspkg.NoHandlerRegisteredError{
			TypeID:      reg.typeID,
			PayloadType: fmt.Sprint(payloadType),
		}
	}
	return HandlerBinding{
		TypeID:      reg.typeID,
		PayloadType: reg.payloadType,
		Handler:     reg.handler,
		Invoke:      reg.invoke,
	}, nil
}

// TypeIDOf finds the type id of a payload value. Pointers to a registered
// value type resolve to that type.
func (r *Registry) TypeIDOf(payload any) (string, error) {
	reg, err := r.lookupPayload(payload)
	if err != nil {
		return "", err
	}
	return reg.typeID, nil
}

// TypeIDs lists every declared type id in sorted order.
func (r *Registry) TypeIDs() []string {
	ids := make([]string, 0, len(r.byTypeID))
	for id := range r.byTypeID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decode deserializes body under the payload type registered for typeID.
func (r *Registry) Decode(typeID string, body []byte) (any, error) {
	reg, ok := r.byTypeID[typeID]
	if !ok {
		return nil, &errspkg.UnknownMessageTypeError{TypeID: typeID}
	}
	payload, err := reg.decode(body)
	if err != nil {
		return nil, &errspkg.DeserializationError{TypeID: typeID, Err: err}
	}
	return payload, nil
}

// Encode serializes payload and returns it with its type id.
func (r *Registry) Encode(payload any) (string, []byte, error) {
	reg, err := r.lookupPayload(payload)
	if err != nil {
		return "", nil, err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s payload: %w", reg.typeID, err)
	}
	return reg.typeID, body, nil
}

func (r *Registry) lookupPayload(payload any) (*registration, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	typ := reflect.TypeOf(payload)
	if reg, ok := r.byPayload[typ]; ok {
		return reg, nil
	}
	if typ.Kind() == reflect.Pointer {
		if reg, ok := r.byPayload[typ.Elem()]; ok {
			return reg, nil
		}
	}
	return nil, &errspkg.UnknownMessageTypeError{TypeID: typ.String()}
}

func payloadTypeOf[T any]() (reflect.Type, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Interface {
		return nil, fmt.Errorf("localbus: payload type %s must be concrete", typ)
	}
	return typ, nil
}

func isNilHandler[T any](h Handler[T]) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// decodePayload uses protojson for protobuf messages and JSON otherwise.
func decodePayload[T any](body []byte) (T, error) {
	var out T
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Pointer {
		err := jsoncodec.Unmarshal(body, &out)
		return out, err
	}

	value := reflect.New(typ.Elem()).Interface()
	if pm, ok := value.(proto.Message); ok {
		if err := protoJSONUnmarshalOptions.Unmarshal(body, pm); err != nil {
			return out, err
		}
	} else if err := jsoncodec.Unmarshal(body, value); err != nil {
		return out, err
	}
	return value.(T), nil
}

func encodePayload(payload any) ([]byte, error) {
	if pm, ok := payload.(proto.Message); ok {
		return protoJSONMarshalOptions.Marshal(pm)
	}
	return jsoncodec.Marshal(payload)
}
