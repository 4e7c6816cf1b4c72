package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	q := "y=1"
	want := ProxiedRequest{
		ID:      "4b1f7f3e-6b8d-4e2f-8b9a-2f3c4d5e6f70",
		Method:  "GET",
		URI:     URI{Path: "/x", Query: &q},
		Version: "HTTP/1.1",
		Headers: []Header{
			{Name: "set-cookie", Value: []byte("a=1")},
			{Name: "set-cookie", Value: []byte("b=2")},
			{Name: "x-binary", Value: []byte{0x00, 0xff, 0x10}},
		},
		Body: []byte("hello world"),
	}

	enc, err := EncodeRequest(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeRequest(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != want.ID || got.Method != want.Method || got.Version != want.Version {
		t.Fatalf("scalar mismatch: %+v", got)
	}
	if got.URI.Path != want.URI.Path || *got.URI.Query != *want.URI.Query || got.URI.Fragment != nil {
		t.Fatalf("uri mismatch: %+v", got.URI)
	}
	if !bytes.Equal(got.Body, want.Body) {
		t.Fatalf("body mismatch: %q vs %q", got.Body, want.Body)
	}
	if len(got.Headers) != len(want.Headers) {
		t.Fatalf("header count mismatch: %d vs %d", len(got.Headers), len(want.Headers))
	}
	for i := range want.Headers {
		if got.Headers[i].Name != want.Headers[i].Name || !bytes.Equal(got.Headers[i].Value, want.Headers[i].Value) {
			t.Fatalf("header[%d] mismatch: %+v vs %+v", i, got.Headers[i], want.Headers[i])
		}
	}
}

func TestDecodeRequestLegacyStringURI(t *testing.T) {
	doc := `{"id":"x","method":"GET","uri":"/legacy","version":"HTTP/1.1","headers":[],"body":""}`
	got, err := DecodeRequest([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.URI.Path != "/legacy" {
		t.Fatalf("path = %q, want /legacy", got.URI.Path)
	}
	if got.URI.Query != nil || got.URI.Fragment != nil {
		t.Fatalf("expected nil query/fragment, got %+v", got.URI)
	}
}

func TestDecodeRequestObjectURI(t *testing.T) {
	doc := `{"id":"x","method":"GET","uri":{"path":"/x","query":"y=1","fragment":null},"version":"HTTP/1.1","headers":[],"body":""}`
	got, err := DecodeRequest([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.URI.Path != "/x" || got.URI.Query == nil || *got.URI.Query != "y=1" {
		t.Fatalf("unexpected uri: %+v", got.URI)
	}
}

func TestDecodeRequestBadBase64(t *testing.T) {
	doc := `{"id":"x","method":"GET","uri":"/","version":"HTTP/1.1","headers":[],"body":"not-base64!!"}`
	_, err := DecodeRequest([]byte(doc))
	if err == nil {
		t.Fatal("expected error for invalid base64 body")
	}
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Stage != "base64" {
		t.Fatalf("expected base64-stage DecodeError, got %v", err)
	}
}

func TestDecodeRequestBadJSON(t *testing.T) {
	_, err := DecodeRequest([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Stage != "json" {
		t.Fatalf("expected json-stage DecodeError, got %v", err)
	}
}

func TestResponseRoundTripAndClamp(t *testing.T) {
	resp := ClientResponse{
		RequestID: "r1",
		Status:    999,
		Headers:   []Header{{Name: "content-type", Value: []byte("text/plain")}},
		Body:      []byte("hi"),
	}
	enc, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeResponse(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != 999 {
		t.Fatalf("wire status should be preserved raw, got %d", got.Status)
	}
	if ClampStatus(got.Status) != 502 {
		t.Fatalf("ClampStatus(999) = %d, want 502", ClampStatus(got.Status))
	}
	if ClampStatus(0) != 502 {
		t.Fatalf("ClampStatus(0) = %d, want 502", ClampStatus(0))
	}
	if ClampStatus(204) != 204 {
		t.Fatalf("ClampStatus(204) should pass through")
	}
}

func TestDecodeResponseSkipsInvalidHeaderNames(t *testing.T) {
	doc := `{"request_id":"r1","status":200,"headers":[["x-ok","aGk="],["bad name","aGk="],["x-also-bad\r\n","aGk="]],"body":""}`
	got, err := DecodeResponse([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Headers) != 1 || got.Headers[0].Name != "x-ok" {
		t.Fatalf("expected only x-ok to survive, got %+v", got.Headers)
	}
	if len(got.SkippedHeaders) != 2 {
		t.Fatalf("expected 2 skipped header names, got %v", got.SkippedHeaders)
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func TestEncodeRequestEmitsObjectURI(t *testing.T) {
	enc, err := EncodeRequest(ProxiedRequest{ID: "a", Method: "GET", URI: URI{Path: "/p"}, Version: "HTTP/1.1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(enc, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var uriObj wireURI
	if err := json.Unmarshal(generic["uri"], &uriObj); err != nil {
		t.Fatalf("uri should be emitted as object form: %v", err)
	}
	if uriObj.Path != "/p" {
		t.Fatalf("uri.path = %q", uriObj.Path)
	}
}
