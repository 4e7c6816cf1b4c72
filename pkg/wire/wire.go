// pkg/wire/wire.go
// Package wire implements the JSON document that carries a captured HTTP
// message across the tunnel between broker and agent. It has no I/O of its
// own — both binaries import the same encode/decode routines so the wire
// format can never drift between the two processes.
//
// Byte-opaque fields (header values, bodies) are base64-encoded using the
// standard alphabet with padding, matching the historical Rust
// implementation this protocol was distilled from.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/net/http/httpguts"
)

// Header is one (name, raw-bytes-value) pair. Order and duplicates are
// preserved end to end; headers never collapse into a map.
type Header struct {
	Name  string
	Value []byte
}

// URI splits a captured request target into its three RFC 3986 components.
// Fragment is carried for forward compatibility even though no HTTP client
// ever sends one to a server; see the legacy string form below.
type URI struct {
	Path     string
	Query    *string
	Fragment *string
}

// ProxiedRequest is the broker→agent document: a fully captured public
// request awaiting replay against the origin.
type ProxiedRequest struct {
	ID      string
	Method  string
	URI     URI
	Version string
	Headers []Header
	Body    []byte

	// SkippedHeaders names wire header entries that decoded fine as bytes but
	// were not legal HTTP header field names, and so were dropped from
	// Headers rather than carried further. Nil when none were dropped.
	SkippedHeaders []string
}

// ClientResponse is the agent→broker document: the origin's reply to one
// ProxiedRequest.
type ClientResponse struct {
	RequestID string
	Status    int
	Headers   []Header
	Body      []byte

	// SkippedHeaders names wire header entries dropped for the same reason
	// documented on ProxiedRequest.SkippedHeaders.
	SkippedHeaders []string
}

// DecodeError distinguishes malformed JSON from malformed base64 so callers
// can log a precise reason while still answering 400 either way.
type DecodeError struct {
	Stage string // "json" or "base64" or "schema"
	Err   error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Stage, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// --- wire (JSON-shaped) representations -----------------------------------

type wireHeader [2]string

type wireURI struct {
	Path     string  `json:"path"`
	Query    *string `json:"query"`
	Fragment *string `json:"fragment"`
}

type wireRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	URI     json.RawMessage `json:"uri"`
	Version string          `json:"version"`
	Headers []wireHeader    `json:"headers"`
	Body    string          `json:"body"`
}

type wireResponse struct {
	RequestID string       `json:"request_id"`
	Status    int          `json:"status"`
	Headers   []wireHeader `json:"headers"`
	Body      string       `json:"body"`
}

// EncodeRequest marshals r into the broker→agent JSON document. It always
// emits the object form of "uri" per spec (legacy string form is decode-only).
func EncodeRequest(r ProxiedRequest) ([]byte, error) {
	wr := wireRequest{
		ID:      r.ID,
		Method:  r.Method,
		Version: r.Version,
		Body:    base64.StdEncoding.EncodeToString(r.Body),
	}
	uriObj := wireURI{Path: r.URI.Path, Query: r.URI.Query, Fragment: r.URI.Fragment}
	rawURI, err := json.Marshal(uriObj)
	if err != nil {
		return nil, err
	}
	wr.URI = rawURI
	for _, h := range r.Headers {
		wr.Headers = append(wr.Headers, wireHeader{h.Name, base64.StdEncoding.EncodeToString(h.Value)})
	}
	return json.Marshal(wr)
}

// DecodeRequest parses a ProxiedRequest document. The "uri" field accepts
// either the object form or a bare string (interpreted as path, with query
// and fragment nil) to remain wire-compatible with older agents.
func DecodeRequest(data []byte) (ProxiedRequest, error) {
	var wr wireRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wr); err != nil {
		return ProxiedRequest{}, &DecodeError{Stage: "json", Err: err}
	}

	uri, err := decodeURI(wr.URI)
	if err != nil {
		return ProxiedRequest{}, &DecodeError{Stage: "schema", Err: err}
	}

	body, err := base64.StdEncoding.DecodeString(wr.Body)
	if err != nil {
		return ProxiedRequest{}, &DecodeError{Stage: "base64", Err: err}
	}

	headers, skipped, err := decodeHeaders(wr.Headers)
	if err != nil {
		return ProxiedRequest{}, &DecodeError{Stage: "base64", Err: err}
	}

	return ProxiedRequest{
		ID:             wr.ID,
		Method:         wr.Method,
		URI:            uri,
		Version:        wr.Version,
		Headers:        headers,
		Body:           body,
		SkippedHeaders: skipped,
	}, nil
}

func decodeURI(raw json.RawMessage) (URI, error) {
	if len(raw) == 0 {
		return URI{}, nil
	}
	// Legacy form: a bare JSON string.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return URI{Path: asString}, nil
	}
	var obj wireURI
	if err := json.Unmarshal(raw, &obj); err != nil {
		return URI{}, err
	}
	return URI{Path: obj.Path, Query: obj.Query, Fragment: obj.Fragment}, nil
}

// decodeHeaders base64-decodes each header value and drops any entry whose
// name is not a legal HTTP header field name, returning the dropped names
// separately so a caller can log them. A malformed base64 value is still a
// hard decode failure; only the field name is treated as skip-and-continue,
// matching spec's "invalid names are logged and skipped, not fatal".
func decodeHeaders(in []wireHeader) (out []Header, skipped []string, err error) {
	out = make([]Header, 0, len(in))
	for _, h := range in {
		val, err := base64.StdEncoding.DecodeString(h[1])
		if err != nil {
			return nil, nil, err
		}
		if !httpguts.ValidHeaderFieldName(h[0]) {
			skipped = append(skipped, h[0])
			continue
		}
		out = append(out, Header{Name: h[0], Value: val})
	}
	return out, skipped, nil
}

// EncodeResponse marshals a ClientResponse into the agent→broker JSON
// document.
func EncodeResponse(r ClientResponse) ([]byte, error) {
	wr := wireResponse{
		RequestID: r.RequestID,
		Status:    r.Status,
		Body:      base64.StdEncoding.EncodeToString(r.Body),
	}
	for _, h := range r.Headers {
		wr.Headers = append(wr.Headers, wireHeader{h.Name, base64.StdEncoding.EncodeToString(h.Value)})
	}
	return json.Marshal(wr)
}

// DecodeResponse parses a ClientResponse document.
func DecodeResponse(data []byte) (ClientResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return ClientResponse{}, &DecodeError{Stage: "json", Err: err}
	}
	body, err := base64.StdEncoding.DecodeString(wr.Body)
	if err != nil {
		return ClientResponse{}, &DecodeError{Stage: "base64", Err: err}
	}
	headers, skipped, err := decodeHeaders(wr.Headers)
	if err != nil {
		return ClientResponse{}, &DecodeError{Stage: "base64", Err: err}
	}
	return ClientResponse{
		RequestID:      wr.RequestID,
		Status:         wr.Status,
		Headers:        headers,
		Body:           body,
		SkippedHeaders: skipped,
	}, nil
}

// ClampStatus maps a wire status outside 100..=599 to 502 Bad Gateway for
// serving purposes while the raw value stays untouched on the wire.
func ClampStatus(status int) int {
	if status < 100 || status > 599 {
		return 502
	}
	return status
}
