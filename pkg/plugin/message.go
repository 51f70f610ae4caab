// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import "strings"

// NoReply is the sender channel used when no reply is expected.
const NoReply int64 = -1

// HostTarget is the routing name of the built-in command handler.
const HostTarget = "host"

// Flags qualify a Payload.
type Flags uint32

// Payload flags.
const (
	// FlagFinal marks the last payload on a channel. Its delivery removes
	// the channel's callback registration.
	FlagFinal Flags = 1 << 0
	// FlagError marks a payload that carries an error description.
	FlagError Flags = 1 << 1
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String returns a readable list of the set flags.
func (f Flags) String() string {
	var parts []string
	if f.Has(FlagFinal) {
		parts = append(parts, "final")
	}
	if f.Has(FlagError) {
		parts = append(parts, "error")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// InvokeCommand asks Target to perform the operation described by Data.
// Replies are sent to SenderChannel unless it is NoReply.
type InvokeCommand struct {
	SenderChannel int64
	Target        string
	Data          []byte
	Aux           Value
}

// Payload is a unit of data delivered to the callback registered on
// ReceiverChannel.
type Payload struct {
	ReceiverChannel int64
	Data            Value
	Flags           Flags
}

// IsFinal reports whether the payload closes its channel.
func (p Payload) IsFinal() bool {
	return p.Flags.Has(FlagFinal)
}

// StopStreamCommand stops delivery on Channel. When Target is set the
// target plugin is also told to stop producing for the channel.
type StopStreamCommand struct {
	Channel int64
	Target  string
}
