// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package pluginsdk

import (
	"context"
	"log/slog"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// PluginClient is the host's view of a plugin running in another process.
// It is the object dispensed by go-plugin.
type PluginClient interface {
	Info(ctx context.Context) (string, error)
	// Initialize serves host over the plugin broker and starts the plugin.
	Initialize(ctx context.Context, kind pluginapi.Kind, host pluginapi.Host) (pluginapi.Status, error)
	Uninitialize(ctx context.Context) error
	Invoke(ctx context.Context, channel int64, data []byte, aux pluginapi.Value) error
	StopStream(ctx context.Context, channel int64) error
	PluginAdded(ctx context.Context, info string) error
	PluginRemoved(ctx context.Context, name string) error
}

// grpcClient implements PluginClient over a go-plugin connection.
type grpcClient struct {
	conn   grpc.ClientConnInterface
	broker *hashiplug.GRPCBroker
	logger *slog.Logger

	mu     sync.Mutex
	server *grpc.Server
}

var _ PluginClient = (*grpcClient)(nil)

func (c *grpcClient) Info(ctx context.Context) (string, error) {
	resp, err := call[emptypb.Empty, wrapperspb.StringValue](ctx, c.conn, PluginServiceName, "Info", &emptypb.Empty{})
	if err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}

func (c *grpcClient) Initialize(ctx context.Context, kind pluginapi.Kind, host pluginapi.Host) (pluginapi.Status, error) {
	id := c.broker.NextId()
	srv := &hostServer{host: host, client: c, logger: c.logger}
	go c.broker.AcceptAndServe(id, func(opts []grpc.ServerOption) *grpc.Server {
		s := grpc.NewServer(opts...)
		s.RegisterService(&hostServiceDesc, srv)
		c.mu.Lock()
		c.server = s
		c.mu.Unlock()
		return s
	})

	resp, err := call[structpb.Struct, wrapperspb.Int32Value](ctx, c.conn, PluginServiceName, "Initialize",
		encodeInitialize(id, kind))
	if err != nil {
		return pluginapi.StatusError, err
	}
	return pluginapi.Status(resp.GetValue()), nil
}

func (c *grpcClient) Uninitialize(ctx context.Context) error {
	_, err := call[emptypb.Empty, emptypb.Empty](ctx, c.conn, PluginServiceName, "Uninitialize", &emptypb.Empty{})
	c.mu.Lock()
	if c.server != nil {
		c.server.Stop()
		c.server = nil
	}
	c.mu.Unlock()
	return err
}

func (c *grpcClient) Invoke(ctx context.Context, channel int64, data []byte, aux pluginapi.Value) error {
	req, ok := encodeInvoke(pluginapi.InvokeCommand{SenderChannel: channel, Data: data, Aux: aux})
	if !ok {
		c.logger.Warn("dropping handle value passed to out-of-process plugin", "channel", channel)
	}
	_, err := call[structpb.Struct, emptypb.Empty](ctx, c.conn, PluginServiceName, "Invoke", req)
	return err
}

func (c *grpcClient) StopStream(ctx context.Context, channel int64) error {
	_, err := call[wrapperspb.Int64Value, emptypb.Empty](ctx, c.conn, PluginServiceName, "StopStream", wrapperspb.Int64(channel))
	return err
}

func (c *grpcClient) PluginAdded(ctx context.Context, info string) error {
	_, err := call[wrapperspb.StringValue, emptypb.Empty](ctx, c.conn, PluginServiceName, "PluginAdded", wrapperspb.String(info))
	return err
}

func (c *grpcClient) PluginRemoved(ctx context.Context, name string) error {
	_, err := call[wrapperspb.StringValue, emptypb.Empty](ctx, c.conn, PluginServiceName, "PluginRemoved", wrapperspb.String(name))
	return err
}

func (c *grpcClient) deliver(ctx context.Context, p pluginapi.Payload) error {
	msg, ok := encodePayload(p)
	if !ok {
		c.logger.Warn("dropping handle value delivered to out-of-process plugin", "channel", p.ReceiverChannel)
	}
	_, err := call[structpb.Struct, emptypb.Empty](ctx, c.conn, PluginServiceName, "Deliver", msg)
	return err
}

// hostServer exposes the host capability interface to a plugin process.
type hostServer struct {
	host   pluginapi.Host
	client *grpcClient
	logger *slog.Logger
}

func (s *hostServer) agentHost() (pluginapi.AgentHost, error) {
	h, ok := s.host.(pluginapi.AgentHost)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "resources cannot use agent host capabilities")
	}
	return h, nil
}

// forward relays payloads registered by the plugin back into its process.
func (s *hostServer) forward(p pluginapi.Payload) {
	if err := s.client.deliver(context.Background(), p); err != nil {
		s.logger.Warn("failed to deliver payload to plugin process",
			"channel", p.ReceiverChannel,
			"error", err)
	}
}

func (s *hostServer) sendPayload(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	p, err := decodePayload(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.host.SendPayload(p)
	return &emptypb.Empty{}, nil
}

func (s *hostServer) onInitialized(_ context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	s.host.OnInitialized(req.GetValue())
	return &emptypb.Empty{}, nil
}

func (s *hostServer) newChannelID(_ context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	h, err := s.agentHost()
	if err != nil {
		return nil, err
	}
	return wrapperspb.Int64(h.NewChannelID()), nil
}

func (s *hostServer) invoke(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	h, err := s.agentHost()
	if err != nil {
		return nil, err
	}
	cmd, err := decodeInvoke(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.Invoke(cmd)
	return &emptypb.Empty{}, nil
}

func (s *hostServer) invokeWithCallback(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	h, err := s.agentHost()
	if err != nil {
		return nil, err
	}
	cmd, err := decodeInvoke(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.InvokeWithCallback(cmd, s.forward)
	return &emptypb.Empty{}, nil
}

func (s *hostServer) registerCallback(_ context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	h, err := s.agentHost()
	if err != nil {
		return nil, err
	}
	h.RegisterCallback(req.GetValue(), s.forward)
	return &emptypb.Empty{}, nil
}

func (s *hostServer) stopStream(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	h, err := s.agentHost()
	if err != nil {
		return nil, err
	}
	cmd, err := decodeStopStream(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.StopStream(cmd)
	return &emptypb.Empty{}, nil
}
