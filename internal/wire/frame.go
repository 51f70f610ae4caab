// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Binary frame tags sent to clients.
const (
	TagNewChannel byte = 0x00
	TagPayload    byte = 0x01
)

const (
	newChannelFrameLen = 1 + 8
	payloadHeaderLen   = 1 + 8 + 4
)

// Inbound request types.
const (
	RequestNewChannel = "get_new_channel_id"
	RequestInvoke     = "invoke"
)

// Frame is a decoded binary frame.
type Frame struct {
	Tag     byte
	Channel int64
	Flags   pluginapi.Flags
	Data    []byte
}

// IsFinal reports whether the frame closes its channel.
func (f Frame) IsFinal() bool {
	return f.Flags.Has(pluginapi.FlagFinal)
}

// EncodeNewChannel builds the reply to a get_new_channel_id request:
// tag 0x00 followed by the little endian channel id.
func EncodeNewChannel(channel int64) []byte {
	buf := make([]byte, newChannelFrameLen)
	buf[0] = TagNewChannel
	binary.LittleEndian.PutUint64(buf[1:], uint64(channel))
	return buf
}

// EncodePayload builds a payload frame: tag 0x01, the little endian
// channel id, the little endian flags and the payload bytes.
func EncodePayload(p pluginapi.Payload) []byte {
	data := p.Data.Bytes()
	buf := make([]byte, payloadHeaderLen, payloadHeaderLen+len(data))
	buf[0] = TagPayload
	binary.LittleEndian.PutUint64(buf[1:9], uint64(p.ReceiverChannel))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(p.Flags))
	return append(buf, data...)
}

// DecodeFrame parses a binary frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrMalformedFrame("empty frame", nil)
	}
	switch b[0] {
	case TagNewChannel:
		if len(b) != newChannelFrameLen {
			return Frame{}, ErrMalformedFrame("short channel frame", nil)
		}
		return Frame{
			Tag:     TagNewChannel,
			Channel: int64(binary.LittleEndian.Uint64(b[1:])),
		}, nil
	case TagPayload:
		if len(b) < payloadHeaderLen {
			return Frame{}, ErrMalformedFrame("short payload frame", nil)
		}
		return Frame{
			Tag:     TagPayload,
			Channel: int64(binary.LittleEndian.Uint64(b[1:9])),
			Flags:   pluginapi.Flags(binary.LittleEndian.Uint32(b[9:13])),
			Data:    b[payloadHeaderLen:],
		}, nil
	default:
		return Frame{}, ErrMalformedFrame("unknown tag", nil)
	}
}

// Request is an inbound text frame.
type Request struct {
	Type      string          `json:"type"`
	ChannelID *int64          `json:"channel_id,omitempty"`
	To        string          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Channel returns the reply channel of an invoke request.
func (r Request) Channel() int64 {
	if r.ChannelID == nil {
		return pluginapi.NoReply
	}
	return *r.ChannelID
}

// ParseRequest decodes and validates an inbound text frame. Invoke data is
// compacted so plugins receive canonical JSON.
func ParseRequest(b []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, ErrMalformedFrame("invalid JSON", err)
	}

	switch req.Type {
	case RequestNewChannel:
		return req, nil
	case RequestInvoke:
		if req.ChannelID == nil {
			return Request{}, ErrMalformedFrame("invoke without channel_id", nil)
		}
		if req.To == "" {
			return Request{}, ErrMalformedFrame("invoke without target", nil)
		}
		if len(req.Data) > 0 {
			var buf bytes.Buffer
			if err := json.Compact(&buf, req.Data); err != nil {
				return Request{}, ErrMalformedFrame("invalid data", err)
			}
			req.Data = buf.Bytes()
		}
		return req, nil
	case "":
		return Request{}, ErrMalformedFrame("missing type", nil)
	default:
		return Request{}, ErrMalformedFrame("unknown type "+req.Type, nil)
	}
}

// NewChannelRequest builds a get_new_channel_id text frame.
func NewChannelRequest() []byte {
	return []byte(`{"type":"` + RequestNewChannel + `"}`)
}

// InvokeRequest builds an invoke text frame. data must be valid JSON.
func InvokeRequest(channel int64, to string, data json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(Request{Type: RequestInvoke, ChannelID: &channel, To: to, Data: data})
	if err != nil {
		return nil, ErrMalformedFrame("invalid data", err)
	}
	return b, nil
}
