// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package main

import (
	"context"
	"encoding/json"
	"sync"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

type request struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Echo replies to every invocation with its data. It also speaks the chat
// protocol: chat_out opens the output stream and chat_in returns a channel
// whose payloads are echoed onto it.
type Echo struct {
	mu   sync.Mutex
	host pluginapi.AgentHost
	out  int64
}

func (e *Echo) Info() string { return "echo agent" }

func (e *Echo) Initialize(_ context.Context, host pluginapi.AgentHost) pluginapi.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.host = host
	e.out = pluginapi.NoReply
	return pluginapi.StatusSuccess
}

func (e *Echo) Uninitialize(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.host != nil && e.out != pluginapi.NoReply {
		e.host.SendPayload(pluginapi.Payload{
			ReceiverChannel: e.out,
			Data:            pluginapi.StringValue("echo stopped"),
			Flags:           pluginapi.FlagFinal,
		})
	}
	e.host = nil
	e.out = pluginapi.NoReply
	return nil
}

func (e *Echo) Invoke(_ context.Context, channel int64, data []byte, aux pluginapi.Value) error {
	e.mu.Lock()
	host := e.host
	e.mu.Unlock()
	if host == nil {
		return nil
	}

	var req request
	if json.Unmarshal(data, &req) != nil {
		req = request{}
	}

	switch req.Name {
	case "chat_out":
		e.mu.Lock()
		e.out = channel
		e.mu.Unlock()
	case "chat_in":
		input := host.NewChannelID()
		host.RegisterCallback(input, func(p pluginapi.Payload) {
			e.say("echo: " + p.Data.String())
		})
		host.SendPayload(pluginapi.Payload{ReceiverChannel: channel, Data: pluginapi.IntValue(input), Flags: pluginapi.FlagFinal})
	case "compute":
		e.say("nothing to compute")
	case "interrupt":
		e.say("interrupted")
	case "cout":
		e.say(req.Text)
	default:
		if channel == pluginapi.NoReply {
			return nil
		}
		// A non-empty aux value is echoed as a second payload.
		reply := pluginapi.BytesValue(data)
		if !aux.IsEmpty() {
			host.SendPayload(pluginapi.Payload{ReceiverChannel: channel, Data: reply})
			reply = aux
		}
		host.SendPayload(pluginapi.Payload{ReceiverChannel: channel, Data: reply, Flags: pluginapi.FlagFinal})
	}
	return nil
}

func (e *Echo) StopStream(_ context.Context, channel int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if channel == e.out {
		e.out = pluginapi.NoReply
	}
	return nil
}

func (e *Echo) PluginAdded(_ context.Context, info string) { e.say("added " + info) }

func (e *Echo) PluginRemoved(_ context.Context, name string) { e.say("removed " + name) }

func (e *Echo) say(text string) {
	e.mu.Lock()
	host, out := e.host, e.out
	e.mu.Unlock()
	if host == nil || out == pluginapi.NoReply {
		return
	}
	host.SendPayload(pluginapi.Payload{ReceiverChannel: out, Data: pluginapi.StringValue(text)})
}
