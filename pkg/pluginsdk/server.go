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

	"github.com/psychehost/psyche/internal/queue"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// pluginServer adapts a plugin.Plugin to the plugin service.
type pluginServer struct {
	impl   pluginapi.Plugin
	broker *hashiplug.GRPCBroker
	logger *slog.Logger

	mu   sync.Mutex
	host *remoteHost
}

func (s *pluginServer) info(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.impl.Info()), nil
}

func (s *pluginServer) initialize(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	brokerID, kind, err := decodeInitialize(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	conn, err := s.broker.Dial(brokerID)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "dial host: %v", err)
	}
	host := newRemoteHost(conn, s.logger)

	s.mu.Lock()
	if s.host != nil {
		s.host.close()
	}
	s.host = host
	s.mu.Unlock()

	switch p := s.impl.(type) {
	case pluginapi.Agent:
		if kind != pluginapi.KindAgent {
			break
		}
		return wrapperspb.Int32(int32(p.Initialize(ctx, host))), nil
	case pluginapi.Resource:
		return wrapperspb.Int32(int32(p.Initialize(ctx, host))), nil
	}
	return nil, status.Errorf(codes.FailedPrecondition, "plugin cannot be initialized as %s", kind)
}

func (s *pluginServer) uninitialize(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	err := s.impl.Uninitialize(ctx)

	s.mu.Lock()
	if s.host != nil {
		s.host.close()
		s.host = nil
	}
	s.mu.Unlock()

	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *pluginServer) invoke(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	cmd, err := decodeInvoke(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.impl.Invoke(ctx, cmd.SenderChannel, cmd.Data, cmd.Aux); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *pluginServer) stopStream(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if h := s.currentHost(); h != nil {
		h.forget(req.GetValue())
	}
	if err := s.impl.StopStream(ctx, req.GetValue()); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *pluginServer) pluginAdded(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if a, ok := s.impl.(pluginapi.Agent); ok {
		a.PluginAdded(ctx, req.GetValue())
	}
	return &emptypb.Empty{}, nil
}

func (s *pluginServer) pluginRemoved(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if a, ok := s.impl.(pluginapi.Agent); ok {
		a.PluginRemoved(ctx, req.GetValue())
	}
	return &emptypb.Empty{}, nil
}

func (s *pluginServer) deliver(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	h := s.currentHost()
	if h == nil {
		return nil, status.Error(codes.FailedPrecondition, "plugin is not initialized")
	}
	p, err := decodePayload(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.deliver(p)
	return &emptypb.Empty{}, nil
}

func (s *pluginServer) currentHost() *remoteHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// remoteHost is the plugin process's AgentHost. Callbacks stay in this
// process; the host only learns which channels to forward.
type remoteHost struct {
	conn   *grpc.ClientConn
	logger *slog.Logger

	mu        sync.Mutex
	callbacks map[int64]pluginapi.PayloadHandler

	work *queue.Queue[func()]
	done chan struct{}
}

var _ pluginapi.AgentHost = (*remoteHost)(nil)

func newRemoteHost(conn *grpc.ClientConn, logger *slog.Logger) *remoteHost {
	h := &remoteHost{
		conn:      conn,
		logger:    logger,
		callbacks: make(map[int64]pluginapi.PayloadHandler),
		work:      queue.New[func()](),
		done:      make(chan struct{}),
	}
	go h.runScheduled()
	return h
}

func (h *remoteHost) runScheduled() {
	defer close(h.done)
	for {
		fn, ok := h.work.Pop(context.Background())
		if !ok {
			return
		}
		h.safely(fn)
	}
}

func (h *remoteHost) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("scheduled function panicked", "panic", r)
		}
	}()
	fn()
}

func (h *remoteHost) close() {
	h.work.Close()
	<-h.done
	_ = h.conn.Close()
}

func (h *remoteHost) rpc(method string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		h.logger.Warn("host call failed", "method", method, "error", err)
	}
}

func (h *remoteHost) SendPayload(p pluginapi.Payload) {
	msg, ok := encodePayload(p)
	if !ok {
		h.logger.Warn("dropping handle value sent from out-of-process plugin", "channel", p.ReceiverChannel)
	}
	h.rpc("SendPayload", func(ctx context.Context) error {
		_, err := call[structpb.Struct, emptypb.Empty](ctx, h.conn, HostServiceName, "SendPayload", msg)
		return err
	})
}

func (h *remoteHost) OnInitialized(success bool) {
	h.rpc("OnInitialized", func(ctx context.Context) error {
		_, err := call[wrapperspb.BoolValue, emptypb.Empty](ctx, h.conn, HostServiceName, "OnInitialized",
			wrapperspb.Bool(success))
		return err
	})
}

func (h *remoteHost) NewChannelID() int64 {
	resp, err := call[emptypb.Empty, wrapperspb.Int64Value](context.Background(), h.conn, HostServiceName, "NewChannelID", &emptypb.Empty{})
	if err != nil {
		h.logger.Warn("host call failed", "method", "NewChannelID", "error", err)
		return pluginapi.NoReply
	}
	return resp.GetValue()
}

func (h *remoteHost) Invoke(cmd pluginapi.InvokeCommand) {
	req := h.invokeRequest(cmd)
	h.rpc("Invoke", func(ctx context.Context) error {
		_, err := call[structpb.Struct, emptypb.Empty](ctx, h.conn, HostServiceName, "Invoke", req)
		return err
	})
}

func (h *remoteHost) InvokeWithCallback(cmd pluginapi.InvokeCommand, handler pluginapi.PayloadHandler) {
	h.remember(cmd.SenderChannel, handler)
	req := h.invokeRequest(cmd)
	h.rpc("InvokeWithCallback", func(ctx context.Context) error {
		_, err := call[structpb.Struct, emptypb.Empty](ctx, h.conn, HostServiceName, "InvokeWithCallback", req)
		return err
	})
}

func (h *remoteHost) RegisterCallback(channel int64, handler pluginapi.PayloadHandler) {
	h.remember(channel, handler)
	h.rpc("RegisterCallback", func(ctx context.Context) error {
		_, err := call[wrapperspb.Int64Value, emptypb.Empty](ctx, h.conn, HostServiceName, "RegisterCallback",
			wrapperspb.Int64(channel))
		return err
	})
}

func (h *remoteHost) StopStream(cmd pluginapi.StopStreamCommand) {
	h.forget(cmd.Channel)
	h.rpc("StopStream", func(ctx context.Context) error {
		_, err := call[structpb.Struct, emptypb.Empty](ctx, h.conn, HostServiceName, "StopStream",
			encodeStopStream(cmd))
		return err
	})
}

func (h *remoteHost) Schedule(fn func()) {
	if !h.work.Push(fn) {
		h.logger.Warn("schedule after uninitialize ignored")
	}
}

func (h *remoteHost) invokeRequest(cmd pluginapi.InvokeCommand) *structpb.Struct {
	req, ok := encodeInvoke(cmd)
	if !ok {
		h.logger.Warn("dropping handle value sent from out-of-process plugin", "channel", cmd.SenderChannel)
	}
	return req
}

func (h *remoteHost) remember(channel int64, handler pluginapi.PayloadHandler) {
	h.mu.Lock()
	h.callbacks[channel] = handler
	h.mu.Unlock()
}

func (h *remoteHost) forget(channel int64) {
	h.mu.Lock()
	delete(h.callbacks, channel)
	h.mu.Unlock()
}

func (h *remoteHost) deliver(p pluginapi.Payload) {
	h.mu.Lock()
	handler, ok := h.callbacks[p.ReceiverChannel]
	if ok && p.IsFinal() {
		delete(h.callbacks, p.ReceiverChannel)
	}
	h.mu.Unlock()
	if ok {
		handler(p)
	}
}
