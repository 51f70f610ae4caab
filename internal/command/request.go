// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package command

import (
	"encoding/json"

	"github.com/psychehost/psyche/internal/bus"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Request is a parsed host command.
type Request struct {
	Channel int64
	Name    string
	Fields  map[string]json.RawMessage
	Aux     pluginapi.Value
}

// ParseRequest decodes the JSON object sent to the host target. The object
// must carry a string "name".
func ParseRequest(cmd pluginapi.InvokeCommand) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(cmd.Data, &fields); err != nil {
		return nil, ErrMalformedCommand("data is not a JSON object", err)
	}
	if fields == nil {
		return nil, ErrMalformedCommand("data is not a JSON object", nil)
	}
	raw, ok := fields["name"]
	if !ok {
		return nil, ErrMalformedCommand("missing name", nil)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil || name == "" {
		return nil, ErrMalformedCommand("name is not a string", nil)
	}
	return &Request{
		Channel: cmd.SenderChannel,
		Name:    name,
		Fields:  fields,
		Aux:     cmd.Aux,
	}, nil
}

// String returns the string field named field.
func (r *Request) String(field string) (string, error) {
	raw, ok := r.Fields[field]
	if !ok {
		return "", ErrMissingField(r.Name, field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", ErrMissingField(r.Name, field)
	}
	return s, nil
}

// Responder sends replies for one request. Replies to NoReply are dropped.
type Responder struct {
	sender  bus.Sender
	channel int64
	sent    bool
}

// Final sends body as the last payload on the request channel.
func (r *Responder) Final(body any) error {
	return r.send(body, pluginapi.FlagFinal)
}

// Partial sends body without closing the channel.
func (r *Responder) Partial(body any) error {
	return r.send(body, 0)
}

// Error sends err as a final error payload.
func (r *Responder) Error(err error) {
	_ = r.send(errorBody{Name: "error", Code: codeOf(err), Message: ClientMessage(err)}, //nolint:errcheck // body always encodes
		pluginapi.FlagFinal|pluginapi.FlagError)
}

// Sent reports whether a final payload has been sent.
func (r *Responder) Sent() bool {
	return r.sent
}

func (r *Responder) send(body any, flags pluginapi.Flags) error {
	if r.channel == pluginapi.NoReply || r.sent {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if flags.Has(pluginapi.FlagFinal) {
		r.sent = true
	}
	r.sender.EnqueueMessage(bus.Deliver{Payload: pluginapi.Payload{
		ReceiverChannel: r.channel,
		Data:            pluginapi.BytesValue(data),
		Flags:           flags,
	}})
	return nil
}

type errorBody struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
