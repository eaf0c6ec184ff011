// Package rpc implements a transport-agnostic JSON-RPC 2.0 engine: wire
// types, a typed-handler registry, a composable middleware chain, and a
// dispatcher that turns raw request bytes into raw response bytes.
//
// Transports (transport/http, transport/ws, transport/tcp, transport/ipc,
// transport/mqtt) own framing and connection lifecycle; everything they
// need to route a message lives here.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version this package speaks. Any
// other value in an incoming request's "jsonrpc" member is rejected as
// an invalid request.
const Version = "2.0"

// Value is a raw, not-yet-decoded JSON value. Handlers and transports
// pass it around undecoded until the point where a typed adaptor or a
// caller actually needs the Go value, matching the rest of the stack's
// preference for deferring decode to the boundary that needs it.
type Value = json.RawMessage

// Id identifies a call so its response can be matched back to it.
// Per the JSON-RPC spec an id is a string, a number, or null; Go models
// that as a small closed sum type rather than an interface{} so equality
// and marshaling stay exact (in particular, a null id and an absent id
// are different things to callers of this package, even though both
// marshal to `"id":null` on the wire for a notification-shaped miss).
type Id struct {
	kind   idKind
	str    string
	num    float64
	isNull bool
}

type idKind int

const (
	idKindNone idKind = iota
	idKindNull
	idKindString
	idKindNumber
)

// NullId is the JSON-RPC null id, used by servers when a request's id
// could not be determined (e.g. a parse error on the whole payload).
var NullId = Id{kind: idKindNull}

// StringId builds a string-valued id.
func StringId(s string) Id { return Id{kind: idKindString, str: s} }

// NumberId builds a numeric id. JSON-RPC ids are conventionally
// integers; this package does not reject fractional ids on the wire
// but round-trips whatever was sent.
func NumberId(n float64) Id { return Id{kind: idKindNumber, num: n} }

// IsNull reports whether id is the JSON null id.
func (id Id) IsNull() bool { return id.kind == idKindNull }

// IsAbsent reports whether id was never set, as happens for a parsed
// notification (no "id" member at all).
func (id Id) IsAbsent() bool { return id.kind == idKindNone }

// Equal reports whether two ids are the same per JSON-RPC matching
// rules: same kind and, for string/number ids, same value.
func (id Id) Equal(other Id) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case idKindString:
		return id.str == other.str
	case idKindNumber:
		return id.num == other.num
	default:
		return true
	}
}

// String renders id for logging; it is not the wire form.
func (id Id) String() string {
	switch id.kind {
	case idKindNone:
		return "<none>"
	case idKindNull:
		return "null"
	case idKindString:
		return id.str
	case idKindNumber:
		return fmt.Sprintf("%g", id.num)
	default:
		return "<invalid>"
	}
}

// MarshalJSON implements json.Marshaler.
func (id Id) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idKindString:
		return json.Marshal(id.str)
	case idKindNumber:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. A bare `null` or a missing
// member (UnmarshalJSON is not called at all in that case) both need to
// be distinguishable from each other by the caller inspecting the raw
// object first; this method only handles the "present" case.
func (id *Id) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*id = NullId
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = StringId(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = NumberId(n)
		return nil
	}
	return fmt.Errorf("rpc: id must be a string, number, or null, got %s", data)
}
