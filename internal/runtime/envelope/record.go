package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/localbus/internal/runtime/cborcodec"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	"github.com/drblury/localbus/internal/runtime/jsoncodec"
)

// Codec encodes durable records and wire envelopes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	FormatCBOR = "cbor"
	FormatJSON = "json"
)

var (
	CBOR Codec = cborCodec{}
	JSON Codec = jsonCodec{}
)

type cborCodec struct{}

func (cborCodec) Name() string                       { return FormatCBOR }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cborcodec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborcodec.Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return FormatJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return jsoncodec.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return jsoncodec.Unmarshal(data, v) }

// CodecByName resolves a configured durable format. An empty name selects CBOR.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FormatCBOR:
		return CBOR, nil
	case FormatJSON:
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown durable format %q", name)
	}
}

// record is the tagged-field document shared by both encodings. Pointers
// distinguish an absent field from a zero value so missing required fields
// are rejected rather than defaulted.
type record struct {
	ID               *string    `json:"id"`
	TypeID           *string    `json:"typeId"`
	SourceAppName    *string    `json:"sourceAppName"`
	SourceAppVersion *string    `json:"sourceAppVersion"`
	CreateTime       *time.Time `json:"createTime"`
	Body             *[]byte    `json:"body"`

	ReceiveTime     *time.Time `json:"receiveTime,omitempty"`
	HandleCount     *int       `json:"handleCount,omitempty"`
	LastHandleTime  *time.Time `json:"lastHandleTime,omitempty"`
	LastHandleError *string    `json:"lastHandleError,omitempty"`
}

func newRecord(msg Message) record {
	body := msg.Body
	if body == nil {
		body = []byte{}
	}
	created := msg.CreateTime.UTC()
	return record{
		ID:               &msg.ID,
		TypeID:           &msg.TypeID,
		SourceAppName:    &msg.SourceAppName,
		SourceAppVersion: &msg.SourceAppVersion,
		CreateTime:       &created,
		Body:             &body,
	}
}

func (r record) message() (Message, error) {
	switch {
	case r.ID == nil || *r.ID == "":
		return Message{}, &errspkg.MissingFieldError{Field: "id"}
	case r.TypeID == nil || *r.TypeID == "":
		return Message{}, &errspkg.MissingFieldError{Field: "typeId"}
	case r.SourceAppName == nil:
		return Message{}, &errspkg.MissingFieldError{Field: "sourceAppName"}
	case r.SourceAppVersion == nil:
		return Message{}, &errspkg.MissingFieldError{Field: "sourceAppVersion"}
	case r.CreateTime == nil:
		return Message{}, &errspkg.MissingFieldError{Field: "createTime"}
	case r.Body == nil:
		return Message{}, &errspkg.MissingFieldError{Field: "body"}
	}
	return Message{
		ID:               *r.ID,
		TypeID:           *r.TypeID,
		SourceAppName:    *r.SourceAppName,
		SourceAppVersion: *r.SourceAppVersion,
		CreateTime:       *r.CreateTime,
		Body:             *r.Body,
	}, nil
}

// EncodeInfo serializes a MessageInfo into a durable record.
func EncodeInfo(c Codec, info MessageInfo) ([]byte, error) {
	rec := newRecord(info.Message)
	if !info.ReceiveTime.IsZero() {
		t := info.ReceiveTime.UTC()
		rec.ReceiveTime = &t
	}
	if info.HandleCount > 0 {
		n := info.HandleCount
		rec.HandleCount = &n
	}
	if !info.LastHandleTime.IsZero() {
		t := info.LastHandleTime.UTC()
		rec.LastHandleTime = &t
	}
	if info.HandleError != "" {
		e := info.HandleError
		rec.LastHandleError = &e
	}
	return c.Marshal(rec)
}

// DecodeInfo parses a durable record. Unknown fields are ignored; a missing
// required field fails with *errors.MissingFieldError.
func DecodeInfo(c Codec, data []byte) (MessageInfo, error) {
	var rec record
	if err := c.Unmarshal(data, &rec); err != nil {
		return MessageInfo{}, err
	}
	msg, err := rec.message()
	if err != nil {
		return MessageInfo{}, err
	}
	info := MessageInfo{Message: msg}
	if rec.ReceiveTime != nil {
		info.ReceiveTime = *rec.ReceiveTime
	}
	if rec.HandleCount != nil {
		if *rec.HandleCount < 0 {
			return MessageInfo{}, fmt.Errorf("handleCount is negative: %d", *rec.HandleCount)
		}
		info.HandleCount = *rec.HandleCount
	}
	if rec.LastHandleTime != nil {
		info.LastHandleTime = *rec.LastHandleTime
	}
	if rec.LastHandleError != nil {
		info.HandleError = *rec.LastHandleError
	}
	return info, nil
}

// EncodeWire serializes the envelope sent over the broker. Receipt fields
// never travel on the wire.
func EncodeWire(msg Message) ([]byte, error) {
	return JSON.Marshal(newRecord(msg))
}

// DecodeWire parses an envelope received from the broker.
func DecodeWire(data []byte) (Message, error) {
	var rec record
	if err := JSON.Unmarshal(data, &rec); err != nil {
		return Message{}, err
	}
	return rec.message()
}
