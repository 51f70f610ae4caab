// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import (
	"encoding/binary"
	"strconv"
)

// ValueKind enumerates the payload kinds that may cross the host/plugin boundary.
type ValueKind uint8

// Value kinds.
const (
	KindEmpty ValueKind = iota
	KindBytes
	KindString
	KindInt
	// KindHandle carries an opaque in-process reference. Handles never
	// leave the host process.
	KindHandle
)

// String returns the string representation of a ValueKind.
func (k ValueKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindHandle:
		return "handle"
	default:
		return "unknown"
	}
}

// Value is the closed variant carried by payloads and auxiliary invoke data.
// The zero Value is empty.
type Value struct {
	kind   ValueKind
	bytes  []byte
	str    string
	num    int64
	handle any
}

// BytesValue wraps b. The Value takes ownership of b.
func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bytes: b}
}

// StringValue wraps s.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// IntValue wraps n.
func IntValue(n int64) Value {
	return Value{kind: KindInt, num: n}
}

// HandleValue wraps an opaque in-process reference.
func HandleValue(h any) Value {
	if h == nil {
		return Value{}
	}
	return Value{kind: KindHandle, handle: h}
}

// Kind returns the kind of v.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsEmpty reports whether v carries nothing.
func (v Value) IsEmpty() bool {
	return v.kind == KindEmpty
}

// Bytes returns the wire representation of v. Integers are encoded as
// eight little-endian bytes. Handles and empty values have no wire form.
func (v Value) Bytes() []byte {
	switch v.kind {
	case KindBytes:
		return v.bytes
	case KindString:
		return []byte(v.str)
	case KindInt:
		return binary.LittleEndian.AppendUint64(nil, uint64(v.num))
	default:
		return nil
	}
}

// String returns v as text. Integers are formatted in base 10.
func (v Value) String() string {
	switch v.kind {
	case KindBytes:
		return string(v.bytes)
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindHandle:
		return "<handle>"
	default:
		return ""
	}
}

// Int returns the integer held by v.
func (v Value) Int() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.num, true
}

// Handle returns the opaque reference held by v.
func (v Value) Handle() (any, bool) {
	if v.kind != KindHandle {
		return nil, false
	}
	return v.handle, true
}
