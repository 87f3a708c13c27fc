// Package cborcodec is the CBOR codec for durable message records.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 section 4.2), so the
// same record always produces identical bytes. Times are written as
// RFC 3339 text with nanoseconds so a record read back compares equal to
// the one written.
package cborcodec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cborcodec: encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so newer writers stay readable.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cborcodec: decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return encMode.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return decMode.NewDecoder(r).Decode(v)
}

// Diagnose renders data in CBOR diagnostic notation, used when logging a
// record that failed validation.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
