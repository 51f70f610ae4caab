// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package pluginsdk

import (
	"context"

	"google.golang.org/grpc"
)

// Service names.
const (
	PluginServiceName = "psyche.plugin.v1.Plugin"
	HostServiceName   = "psyche.plugin.v1.Host"
)

// unary builds a grpc.MethodHandler for srv type S.
func unary[S, Req, Resp any](service, method string, call func(srv S, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s, _ := srv.(S)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// pluginServiceDesc is served by the plugin process.
var pluginServiceDesc = grpc.ServiceDesc{
	ServiceName: PluginServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(PluginServiceName, "Info", (*pluginServer).info),
		unary(PluginServiceName, "Initialize", (*pluginServer).initialize),
		unary(PluginServiceName, "Uninitialize", (*pluginServer).uninitialize),
		unary(PluginServiceName, "Invoke", (*pluginServer).invoke),
		unary(PluginServiceName, "StopStream", (*pluginServer).stopStream),
		unary(PluginServiceName, "PluginAdded", (*pluginServer).pluginAdded),
		unary(PluginServiceName, "PluginRemoved", (*pluginServer).pluginRemoved),
		unary(PluginServiceName, "Deliver", (*pluginServer).deliver),
	},
	Metadata: "psyche/plugin/v1/plugin.proto",
}

// hostServiceDesc is served by the host over the go-plugin broker.
var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: HostServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(HostServiceName, "SendPayload", (*hostServer).sendPayload),
		unary(HostServiceName, "OnInitialized", (*hostServer).onInitialized),
		unary(HostServiceName, "NewChannelID", (*hostServer).newChannelID),
		unary(HostServiceName, "Invoke", (*hostServer).invoke),
		unary(HostServiceName, "InvokeWithCallback", (*hostServer).invokeWithCallback),
		unary(HostServiceName, "RegisterCallback", (*hostServer).registerCallback),
		unary(HostServiceName, "StopStream", (*hostServer).stopStream),
	},
	Metadata: "psyche/plugin/v1/host.proto",
}

// call performs a unary call on conn.
func call[Req, Resp any](ctx context.Context, conn grpc.ClientConnInterface, service, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	err := conn.Invoke(ctx, "/"+service+"/"+method, req, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
