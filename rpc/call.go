package rpc

import (
	"encoding/json"
	"fmt"
)

// Params is the not-yet-decoded "params" member of a request. It may be
// a JSON array, a JSON object, or absent; which one it is determines
// which decode path a typed handler adaptor uses.
type Params struct {
	raw json.RawMessage
}

// IsEmpty reports whether params was omitted entirely from the request.
func (p Params) IsEmpty() bool { return len(p.raw) == 0 }

// IsArray reports whether params is a JSON array.
func (p Params) IsArray() bool {
	return firstNonSpace(p.raw) == '['
}

// IsObject reports whether params is a JSON object.
func (p Params) IsObject() bool {
	return firstNonSpace(p.raw) == '{'
}

// Array decodes a positional params array into elem-wise raw messages.
func (p Params) Array() ([]json.RawMessage, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	if !p.IsArray() {
		return nil, fmt.Errorf("params is not an array")
	}
	var out []json.RawMessage
	if err := json.Unmarshal(p.raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Map decodes an object-shaped params into a raw field map, suitable
// for further decoding into a struct via mapstructure.
func (p Params) Map() (map[string]any, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	if !p.IsObject() {
		return nil, fmt.Errorf("params is not an object")
	}
	var out map[string]any
	if err := json.Unmarshal(p.raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Raw returns the undecoded params bytes, or nil if params was absent.
func (p Params) Raw() json.RawMessage { return p.raw }

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

// wireRequest is the on-the-wire shape of a single JSON-RPC request or
// notification, matching the JSON-RPC 2.0 wire format.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      json.RawMessage `json:"id,omitempty"`
}

// Call is the internal, validated representation of one request within
// a (possibly single-element) batch. A Call with an absent Id is a
// notification: the dispatcher must never emit a response for it.
type Call struct {
	Method string
	Params Params
	Id     Id
}

// IsNotification reports whether this call expects no response.
func (c Call) IsNotification() bool { return c.Id.IsAbsent() }

// wireResponse is the on-the-wire shape of one response within a
// (possibly single-element) batch.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Id      Id              `json:"id"`
}

// Response is the result of dispatching one Call.
type Response struct {
	Id     Id
	Result json.RawMessage
	Err    *Error
}

// Success builds a successful Response, marshaling result via
// encoding/json.
func Success(id Id, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(id, InternalError(err))
	}
	return Response{Id: id, Result: raw}
}

// Failure builds an error Response.
func Failure(id Id, err *Error) Response {
	return Response{Id: id, Err: err}
}

func (r Response) marshalWire() wireResponse {
	return wireResponse{JSONRPC: Version, Result: r.Result, Error: r.Err, Id: r.Id}
}
