// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package pluginsdk

import (
	"encoding/base64"
	"strconv"

	"github.com/samber/oops"
	"google.golang.org/protobuf/types/known/structpb"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// Messages between host and plugin are protobuf well-known types. Single
// values use the wrapperspb types and composite messages are structpb.Struct
// values with these fields:
//
//	invoke       sender_channel, target, data, aux
//	payload      channel, flags, value
//	stop stream  channel, target
//	initialize   broker_id, kind
//
// Integers travel as decimal strings so 64-bit channel ids survive the
// float64 number type of structpb; bytes travel as base64 strings.

const (
	fieldSenderChannel = "sender_channel"
	fieldChannel       = "channel"
	fieldTarget        = "target"
	fieldData          = "data"
	fieldAux           = "aux"
	fieldFlags         = "flags"
	fieldValue         = "value"
	fieldBrokerID      = "broker_id"
	fieldKind          = "kind"

	valueBytes  = "bytes"
	valueString = "string"
	valueInt    = "int"
)

// EncodeValue converts v for the wire. It reports false for handles, which
// have no wire form and are replaced by an empty value.
func EncodeValue(v pluginapi.Value) (*structpb.Struct, bool) {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	switch v.Kind() {
	case pluginapi.KindBytes:
		out.Fields[fieldKind] = structpb.NewStringValue(valueBytes)
		out.Fields[fieldData] = bytesValue(v.Bytes())
	case pluginapi.KindString:
		out.Fields[fieldKind] = structpb.NewStringValue(valueString)
		out.Fields[fieldData] = structpb.NewStringValue(v.String())
	case pluginapi.KindInt:
		n, _ := v.Int()
		out.Fields[fieldKind] = structpb.NewStringValue(valueInt)
		out.Fields[fieldData] = intValue(n)
	case pluginapi.KindHandle:
		return out, false
	}
	return out, true
}

// DecodeValue converts a value produced by EncodeValue back into a
// plugin.Value. A nil or empty struct is the empty value.
func DecodeValue(s *structpb.Struct) (pluginapi.Value, error) {
	switch kind := stringField(s, fieldKind); kind {
	case "":
		return pluginapi.Value{}, nil
	case valueBytes:
		b, err := bytesField(s, fieldData)
		if err != nil {
			return pluginapi.Value{}, err
		}
		return pluginapi.BytesValue(b), nil
	case valueString:
		return pluginapi.StringValue(stringField(s, fieldData)), nil
	case valueInt:
		n, err := intField(s, fieldData)
		if err != nil {
			return pluginapi.Value{}, err
		}
		return pluginapi.IntValue(n), nil
	default:
		return pluginapi.Value{}, errProtocol("unknown value kind %q", kind)
	}
}

// encodeInvoke reports false when the aux value was a handle and dropped.
func encodeInvoke(cmd pluginapi.InvokeCommand) (*structpb.Struct, bool) {
	aux, ok := EncodeValue(cmd.Aux)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSenderChannel: intValue(cmd.SenderChannel),
		fieldTarget:        structpb.NewStringValue(cmd.Target),
		fieldData:          bytesValue(cmd.Data),
		fieldAux:           structpb.NewStructValue(aux),
	}}, ok
}

func decodeInvoke(s *structpb.Struct) (pluginapi.InvokeCommand, error) {
	ch, err := intField(s, fieldSenderChannel)
	if err != nil {
		return pluginapi.InvokeCommand{}, err
	}
	data, err := bytesField(s, fieldData)
	if err != nil {
		return pluginapi.InvokeCommand{}, err
	}
	aux, err := DecodeValue(s.GetFields()[fieldAux].GetStructValue())
	if err != nil {
		return pluginapi.InvokeCommand{}, err
	}
	return pluginapi.InvokeCommand{
		SenderChannel: ch,
		Target:        stringField(s, fieldTarget),
		Data:          data,
		Aux:           aux,
	}, nil
}

// encodePayload reports false when the payload value was a handle and
// dropped.
func encodePayload(p pluginapi.Payload) (*structpb.Struct, bool) {
	value, ok := EncodeValue(p.Data)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldChannel: intValue(p.ReceiverChannel),
		fieldFlags:   intValue(int64(p.Flags)),
		fieldValue:   structpb.NewStructValue(value),
	}}, ok
}

func decodePayload(s *structpb.Struct) (pluginapi.Payload, error) {
	ch, err := intField(s, fieldChannel)
	if err != nil {
		return pluginapi.Payload{}, err
	}
	flags, err := intField(s, fieldFlags)
	if err != nil {
		return pluginapi.Payload{}, err
	}
	value, err := DecodeValue(s.GetFields()[fieldValue].GetStructValue())
	if err != nil {
		return pluginapi.Payload{}, err
	}
	return pluginapi.Payload{
		ReceiverChannel: ch,
		Data:            value,
		Flags:           pluginapi.Flags(flags),
	}, nil
}

func encodeStopStream(cmd pluginapi.StopStreamCommand) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldChannel: intValue(cmd.Channel),
		fieldTarget:  structpb.NewStringValue(cmd.Target),
	}}
}

func decodeStopStream(s *structpb.Struct) (pluginapi.StopStreamCommand, error) {
	ch, err := intField(s, fieldChannel)
	if err != nil {
		return pluginapi.StopStreamCommand{}, err
	}
	return pluginapi.StopStreamCommand{Channel: ch, Target: stringField(s, fieldTarget)}, nil
}

func encodeInitialize(brokerID uint32, kind pluginapi.Kind) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldBrokerID: intValue(int64(brokerID)),
		fieldKind:     structpb.NewStringValue(string(kind)),
	}}
}

func decodeInitialize(s *structpb.Struct) (uint32, pluginapi.Kind, error) {
	id, err := intField(s, fieldBrokerID)
	if err != nil {
		return 0, "", err
	}
	if id < 0 || id > int64(^uint32(0)) {
		return 0, "", errProtocol("broker id %d out of range", id)
	}
	return uint32(id), pluginapi.Kind(stringField(s, fieldKind)), nil
}

func intValue(n int64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(n, 10))
}

func bytesValue(b []byte) *structpb.Value {
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func intField(s *structpb.Struct, name string) (int64, error) {
	raw := stringField(s, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, oops.In("pluginsdk").Code(CodeProtocolError).
			With("field", name).
			Wrapf(err, "field %s is not an integer", name)
	}
	return n, nil
}

func bytesField(s *structpb.Struct, name string) ([]byte, error) {
	raw := stringField(s, name)
	if raw == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, oops.In("pluginsdk").Code(CodeProtocolError).
			With("field", name).
			Wrapf(err, "field %s is not base64", name)
	}
	return b, nil
}

// CodeProtocolError marks a message that does not follow the plugin
// protocol.
const CodeProtocolError = "PLUGIN_PROTOCOL_ERROR"

func errProtocol(format string, args ...any) error {
	return oops.In("pluginsdk").Code(CodeProtocolError).Errorf(format, args...)
}
