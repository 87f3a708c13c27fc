package jsoncodec

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

type wirePayload struct {
	ID   string  `json:"id"`
	Body []byte  `json:"body"`
	Ref  *[]byte `json:"ref,omitempty"`
}

func TestMarshalEncodesBodyAsBase64(t *testing.T) {
	body := []byte{0x00, 0xff, '{', '"', 0x7f, 0x10}
	data, err := Marshal(wirePayload{ID: "01A", Body: body, Ref: &body})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	want := `"body":"` + base64.StdEncoding.EncodeToString(body) + `"`
	if !strings.Contains(string(data), want) {
		t.Fatalf("expected %s in %s", want, data)
	}
	if !Valid(data) {
		t.Fatalf("marshalled envelope is not valid JSON: %s", data)
	}

	var out wirePayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !bytes.Equal(out.Body, body) {
		t.Fatalf("body = %v, want %v", out.Body, body)
	}
	if out.Ref == nil || !bytes.Equal(*out.Ref, body) {
		t.Fatalf("ref = %v, want %v", out.Ref, body)
	}
}

func TestUnmarshalHandlesNullAndEmptyBody(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
	}{
		{name: "null", input: `{"id":"a","body":null}`, wantNil: true},
		{name: "missing", input: `{"id":"a"}`, wantNil: true},
		{name: "empty", input: `{"id":"a","body":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out wirePayload
			if err := Unmarshal([]byte(tt.input), &out); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if tt.wantNil && out.Body != nil {
				t.Fatalf("expected nil body, got %v", out.Body)
			}
			if len(out.Body) != 0 {
				t.Fatalf("expected empty body, got %v", out.Body)
			}
		})
	}
}

func TestUnmarshalRejectsBadBase64(t *testing.T) {
	var out wirePayload
	if err := Unmarshal([]byte(`{"id":"a","body":"not base64!"}`), &out); err == nil {
		t.Fatal("expected an error for a body that is not base64")
	}
}

func TestMarshalIndentAndStreams(t *testing.T) {
	in := wirePayload{ID: "01B", Body: []byte(`{"orderId":7}`)}
	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", indented)
	}

	buf := &bytes.Buffer{}
	if err := Encode(buf, in); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded wirePayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != in.ID || !bytes.Equal(decoded.Body, in.Body) {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestValid(t *testing.T) {
	if Valid([]byte(`{"id":`)) {
		t.Fatal("truncated document reported valid")
	}
	if !Valid([]byte(`{"id":"a","body":"AP8="}`)) {
		t.Fatal("well-formed document reported invalid")
	}
}
