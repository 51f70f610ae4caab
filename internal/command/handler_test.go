// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/command"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/store"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

type mockKeyStore struct {
	mock.Mock
}

func (m *mockKeyStore) AddAPIKey(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockKeyStore) RemoveAPIKey(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockKeyStore) APIKeys(ctx context.Context) ([]store.APIKey, error) {
	args := m.Called(ctx)
	keys, _ := args.Get(0).([]store.APIKey)
	return keys, args.Error(1)
}

type staticPlugins []plugin.Info

func (s staticPlugins) List() []plugin.Info { return s }

type captureSender struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (s *captureSender) EnqueueMessage(msg bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *captureSender) NewChannelID() int64 { return 0 }

func (s *captureSender) payloads(t *testing.T) []pluginapi.Payload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pluginapi.Payload, 0, len(s.msgs))
	for _, m := range s.msgs {
		d, ok := m.(bus.Deliver)
		require.True(t, ok, "handler must only send payloads, got %T", m)
		out = append(out, d.Payload)
	}
	return out
}

func newHandler(keys command.KeyStore, plugins command.PluginLister) (*command.Handler, *captureSender) {
	sender := &captureSender{}
	return command.NewHandler(sender, keys, plugins), sender
}

func invoke(h *command.Handler, ch int64, data string) {
	h.Invoke(context.Background(), pluginapi.InvokeCommand{
		SenderChannel: ch,
		Target:        pluginapi.HostTarget,
		Data:          []byte(data),
	})
}

func decode(t *testing.T, p pluginapi.Payload) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(p.Data.Bytes(), &out))
	return out
}

func TestHandler_AddAPIKey(t *testing.T) {
	keys := &mockKeyStore{}
	keys.On("AddAPIKey", mock.Anything, "sk-123").Return(true, nil).Once()
	h, sender := newHandler(keys, nil)

	invoke(h, 7, `{"name":"add_api_key","api_key":"sk-123"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 1)
	assert.Equal(t, int64(7), payloads[0].ReceiverChannel)
	assert.Equal(t, pluginapi.FlagFinal, payloads[0].Flags)
	body := decode(t, payloads[0])
	assert.Equal(t, "api_key_added", body["name"])
	assert.Equal(t, "sk-123", body["api_key"])
	assert.Equal(t, true, body["changed"])
	keys.AssertExpectations(t)
}

func TestHandler_AddAPIKey_MissingField(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"absent", `{"name":"add_api_key"}`},
		{"wrong type", `{"name":"add_api_key","api_key":42}`},
		{"empty", `{"name":"add_api_key","api_key":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := &mockKeyStore{}
			h, sender := newHandler(keys, nil)

			invoke(h, 3, tt.data)

			assert.Empty(t, sender.payloads(t), "dropped without a reply")
			keys.AssertNotCalled(t, "AddAPIKey", mock.Anything, mock.Anything)
		})
	}
}

func TestHandler_RemoveAPIKey(t *testing.T) {
	keys := &mockKeyStore{}
	keys.On("RemoveAPIKey", mock.Anything, "sk-123").Return(false, nil).Once()
	h, sender := newHandler(keys, nil)

	invoke(h, 2, `{"name":"remove_api_key","api_key":"sk-123"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 1)
	body := decode(t, payloads[0])
	assert.Equal(t, "api_key_removed", body["name"])
	assert.Equal(t, false, body["changed"])
	keys.AssertExpectations(t)
}

func TestHandler_GetResourceInfo(t *testing.T) {
	keys := &mockKeyStore{}
	keys.On("APIKeys", mock.Anything).Return([]store.APIKey{{Key: "a"}, {Key: "b"}}, nil)
	plugins := staticPlugins{{Name: "echo", Kind: pluginapi.KindAgent, Runtime: pluginapi.RuntimeNative, Initialized: true}}
	h, sender := newHandler(keys, plugins)

	invoke(h, 11, `{"name":"get_resource_info"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 1)
	assert.True(t, payloads[0].IsFinal())
	assert.JSONEq(t, `{
		"name": "resource_info",
		"api_keys": ["a", "b"],
		"plugins": [{"name":"echo","kind":"agent","runtime":"native","dir":"","initialized":true}]
	}`, string(payloads[0].Data.Bytes()))
}

func TestHandler_ListPlugins_Empty(t *testing.T) {
	h, sender := newHandler(&mockKeyStore{}, nil)

	invoke(h, 1, `{"name":"list_plugins"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"name":"plugins","plugins":[]}`, string(payloads[0].Data.Bytes()))
}

func TestHandler_Help(t *testing.T) {
	h, sender := newHandler(&mockKeyStore{}, nil)

	invoke(h, 1, `{"name":"help"}`)

	body := decode(t, sender.payloads(t)[0])
	cmds, ok := body["commands"].([]any)
	require.True(t, ok)
	assert.Len(t, cmds, len(h.Commands()))
}

func TestHandler_StoreFailure(t *testing.T) {
	keys := &mockKeyStore{}
	keys.On("APIKeys", mock.Anything).Return(nil, errors.New("sqlite: database is locked"))
	h, sender := newHandler(keys, nil)

	invoke(h, 4, `{"name":"get_resource_info"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 1)
	body := decode(t, payloads[0])
	assert.Equal(t, command.CodeCommandFailed, body["code"])
	assert.NotContains(t, body["message"], "sqlite")
}

func TestHandler_MalformedCommands(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `add_api_key`},
		{"not an object", `["add_api_key"]`},
		{"null", `null`},
		{"missing name", `{"api_key":"x"}`},
		{"name not a string", `{"name":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, sender := newHandler(&mockKeyStore{}, nil)

			invoke(h, 9, tt.data)

			assert.Empty(t, sender.payloads(t), "dropped without a reply")
		})
	}
}

func TestHandler_KeepsServingAfterMalformedCommand(t *testing.T) {
	h, sender := newHandler(&mockKeyStore{}, nil)

	invoke(h, 9, `not json`)
	invoke(h, 9, `{"nope":1}`)
	invoke(h, 9, `{"name":"remove_api_key"}`)
	invoke(h, 10, `{"name":"list_plugins"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 1)
	assert.Equal(t, int64(10), payloads[0].ReceiverChannel)
	assert.Equal(t, pluginapi.FlagFinal, payloads[0].Flags)
}

func TestHandler_UnknownCommand(t *testing.T) {
	h, sender := newHandler(&mockKeyStore{}, nil)

	invoke(h, 9, `{"name":"reboot"}`)

	body := decode(t, sender.payloads(t)[0])
	assert.Equal(t, command.CodeUnknownCommand, body["code"])
	assert.Equal(t, "unknown command: reboot", body["message"])
}

func TestHandler_NoReplyChannelSendsNothing(t *testing.T) {
	keys := &mockKeyStore{}
	keys.On("AddAPIKey", mock.Anything, "k").Return(true, nil)
	h, sender := newHandler(keys, nil)

	invoke(h, pluginapi.NoReply, `{"name":"add_api_key","api_key":"k"}`)
	invoke(h, pluginapi.NoReply, `garbage`)

	assert.Empty(t, sender.payloads(t))
	keys.AssertExpectations(t)
}

func TestHandler_CustomCommandRepliesOnce(t *testing.T) {
	sender := &captureSender{}
	h := command.NewHandler(sender, &mockKeyStore{}, nil, command.WithCommand(command.Entry{
		Name: "stream",
		Fn: func(_ context.Context, req *command.Request, resp *command.Responder) error {
			require.NoError(t, resp.Partial(map[string]int{"n": 1}))
			require.NoError(t, resp.Final(map[string]int{"n": 2}))
			require.NoError(t, resp.Final(map[string]int{"n": 3}))
			assert.True(t, resp.Sent())
			return nil
		},
	}))

	invoke(h, 5, `{"name":"stream"}`)

	payloads := sender.payloads(t)
	require.Len(t, payloads, 2)
	assert.False(t, payloads[0].IsFinal())
	assert.True(t, payloads[1].IsFinal())
}

func TestFactory(t *testing.T) {
	sender := &captureSender{}
	h := command.Factory(&mockKeyStore{}, nil)(sender)

	h.Invoke(context.Background(), pluginapi.InvokeCommand{SenderChannel: 1, Data: []byte(`{"name":"list_plugins"}`)})
	h.StopStream(context.Background(), 1)

	assert.Len(t, sender.payloads(t), 1)
}
