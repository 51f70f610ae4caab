// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package pluginsdk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// roundTrip marshals msg with the protobuf codec gRPC uses and decodes it
// into a fresh struct.
func roundTrip(t *testing.T, msg *structpb.Struct) *structpb.Struct {
	t.Helper()
	raw, err := proto.Marshal(msg)
	require.NoError(t, err)
	out := &structpb.Struct{}
	require.NoError(t, proto.Unmarshal(raw, out))
	return out
}

func TestInvoke_RoundTrip(t *testing.T) {
	cmd := pluginapi.InvokeCommand{
		SenderChannel: math.MaxInt64 - 1,
		Target:        "echo",
		Data:          []byte{0, 1, 2, 255},
		Aux:           pluginapi.IntValue(math.MinInt64),
	}
	msg, ok := encodeInvoke(cmd)
	require.True(t, ok)

	got, err := decodeInvoke(roundTrip(t, msg))
	require.NoError(t, err)
	assert.Equal(t, cmd.SenderChannel, got.SenderChannel)
	assert.Equal(t, cmd.Target, got.Target)
	assert.Equal(t, cmd.Data, got.Data)
	n, isInt := got.Aux.Int()
	require.True(t, isInt)
	assert.Equal(t, int64(math.MinInt64), n)
}

func TestInvoke_EmptyDataAndAux(t *testing.T) {
	msg, ok := encodeInvoke(pluginapi.InvokeCommand{SenderChannel: pluginapi.NoReply})
	require.True(t, ok)

	got, err := decodeInvoke(roundTrip(t, msg))
	require.NoError(t, err)
	assert.Equal(t, int64(pluginapi.NoReply), got.SenderChannel)
	assert.Nil(t, got.Data)
	assert.True(t, got.Aux.IsEmpty())
}

func TestPayload_RoundTrip(t *testing.T) {
	p := pluginapi.Payload{
		ReceiverChannel: 1 << 60,
		Data:            pluginapi.StringValue("hello"),
		Flags:           pluginapi.FlagFinal | pluginapi.FlagError,
	}
	msg, ok := encodePayload(p)
	require.True(t, ok)

	got, err := decodePayload(roundTrip(t, msg))
	require.NoError(t, err)
	assert.Equal(t, p.ReceiverChannel, got.ReceiverChannel)
	assert.Equal(t, p.Flags, got.Flags)
	assert.Equal(t, "hello", got.Data.String())
}

func TestPayload_HandleIsDropped(t *testing.T) {
	msg, ok := encodePayload(pluginapi.Payload{ReceiverChannel: 3, Data: pluginapi.HandleValue(&struct{}{})})
	assert.False(t, ok)

	got, err := decodePayload(roundTrip(t, msg))
	require.NoError(t, err)
	assert.True(t, got.Data.IsEmpty())
}

func TestStopStreamAndInitialize_RoundTrip(t *testing.T) {
	stop, err := decodeStopStream(roundTrip(t, encodeStopStream(pluginapi.StopStreamCommand{Channel: 42, Target: "echo"})))
	require.NoError(t, err)
	assert.Equal(t, pluginapi.StopStreamCommand{Channel: 42, Target: "echo"}, stop)

	id, kind, err := decodeInitialize(roundTrip(t, encodeInitialize(math.MaxUint32, pluginapi.KindResource)))
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), id)
	assert.Equal(t, pluginapi.KindResource, kind)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		decode func() error
	}{
		{"missing channel", func() error {
			_, err := decodePayload(&structpb.Struct{})
			return err
		}},
		{"channel not a number", func() error {
			_, err := decodeStopStream(&structpb.Struct{Fields: map[string]*structpb.Value{
				fieldChannel: structpb.NewStringValue("twelve"),
			}})
			return err
		}},
		{"data not base64", func() error {
			_, err := decodeInvoke(&structpb.Struct{Fields: map[string]*structpb.Value{
				fieldSenderChannel: intValue(1),
				fieldData:          structpb.NewStringValue("%%%"),
			}})
			return err
		}},
		{"unknown value kind", func() error {
			_, err := DecodeValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				fieldKind: structpb.NewStringValue("float"),
			}})
			return err
		}},
		{"broker id out of range", func() error {
			_, _, err := decodeInitialize(&structpb.Struct{Fields: map[string]*structpb.Value{
				fieldBrokerID: intValue(-1),
			}})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errutil.AssertErrorCode(t, tt.decode(), CodeProtocolError)
		})
	}
}
