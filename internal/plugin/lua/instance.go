// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package lua

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/psychehost/psyche/internal/bridge"
	"github.com/psychehost/psyche/internal/plugin"
	"github.com/psychehost/psyche/internal/plugin/hostfunc"
	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

var (
	_ pluginapi.Agent        = (*agent)(nil)
	_ pluginapi.Resource     = (*resource)(nil)
	_ plugin.DeferredInvoker = (*agent)(nil)
	_ plugin.DeferredInvoker = (*resource)(nil)
	_ hostfunc.Runner        = (*instance)(nil)
)

// instance is a scripted plugin object living in its own Lua state.
// Fields other than the immutable ones are only used on the scheduler.
type instance struct {
	name    string
	info    string
	L       *lua.LState
	self    *lua.LTable
	bridge  *bridge.Bridge
	binding *hostfunc.Binding
	logger  *slog.Logger
	closed  atomic.Bool
}

type agent struct{ *instance }

type resource struct{ *instance }

func (a *agent) Initialize(ctx context.Context, host pluginapi.AgentHost) pluginapi.Status {
	return a.initialize(ctx, host)
}

func (a *agent) PluginAdded(ctx context.Context, info string) {
	a.notify(ctx, "plugin_added", info)
}

func (a *agent) PluginRemoved(ctx context.Context, name string) {
	a.notify(ctx, "plugin_removed", name)
}

func (r *resource) Initialize(ctx context.Context, host pluginapi.Host) pluginapi.Status {
	return r.initialize(ctx, host)
}

func (p *instance) Info() string {
	return p.info
}

func (p *instance) initialize(ctx context.Context, host pluginapi.Host) pluginapi.Status {
	p.binding.Attach(host)
	ok := true
	err := p.exec(ctx, func(context.Context) error {
		fn := p.method("initialize")
		if fn == nil {
			return nil
		}
		ret, err := p.call(fn, p.self, p.L.GetGlobal(hostfunc.GlobalName))
		if err != nil {
			return err
		}
		if ret == lua.LFalse {
			ok = false
		}
		return nil
	})
	if err != nil {
		errutil.LogError(p.logger, "scripted plugin initialize failed", err)
		ok = false
	}
	if !ok {
		p.binding.Detach()
		return pluginapi.StatusError
	}
	return pluginapi.StatusSuccess
}

func (p *instance) Uninitialize(ctx context.Context) error {
	defer p.binding.Detach()
	return p.exec(ctx, func(context.Context) error {
		fn := p.method("uninitialize")
		if fn == nil {
			return nil
		}
		_, err := p.call(fn, p.self)
		return err
	})
}

// Invoke runs the plugin's invoke method and waits until it first returns
// or yields. A yielded invocation finishes later on the scheduler.
func (p *instance) Invoke(ctx context.Context, channel int64, data []byte, aux pluginapi.Value) error {
	return p.runSync(ctx, p.invokeTask(channel, data, aux))
}

func (p *instance) StopStream(ctx context.Context, channel int64) error {
	return p.runSync(ctx, p.stopStreamTask(channel))
}

func (p *instance) InvokeDeferred(guard bridge.Releaser, channel int64, data []byte, aux pluginapi.Value) {
	p.bridge.ScheduleDeferred(guard, p.invokeTask(channel, data, aux))
}

func (p *instance) StopStreamDeferred(guard bridge.Releaser, channel int64) {
	p.bridge.ScheduleDeferred(guard, p.stopStreamTask(channel))
}

func (p *instance) invokeTask(channel int64, data []byte, aux pluginapi.Value) bridge.Task {
	return p.methodTask("invoke", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.self, lua.LNumber(channel), lua.LString(data), hostfunc.FromValue(L, aux)}
	})
}

func (p *instance) stopStreamTask(channel int64) bridge.Task {
	return p.methodTask("stop_stream", func(*lua.LState) []lua.LValue {
		return []lua.LValue{p.self, lua.LNumber(channel)}
	})
}

// methodTask resolves the method when the task first runs. Missing optional
// methods make the task a no-op.
func (p *instance) methodTask(name string, args func(*lua.LState) []lua.LValue) bridge.Task {
	var task bridge.Task
	return func(ctx context.Context) error {
		if task == nil {
			if p.closed.Load() {
				return p.errClosed(name)
			}
			fn := p.method(name)
			if fn == nil {
				return nil
			}
			task = p.Task(fn, args)
		}
		return task(ctx)
	}
}

func (p *instance) notify(ctx context.Context, method, arg string) {
	err := p.exec(ctx, func(context.Context) error {
		fn := p.method(method)
		if fn == nil {
			return nil
		}
		_, err := p.call(fn, p.self, lua.LString(arg))
		return err
	})
	if err != nil {
		errutil.LogWarn(p.logger, "scripted plugin notification failed", err, "method", method)
	}
}

// Task runs fn as a coroutine. Each call resumes it once; a yield is
// reported to the bridge so the rest runs after other queued work.
func (p *instance) Task(fn *lua.LFunction, args func(*lua.LState) []lua.LValue) bridge.Task {
	var co *lua.LState
	return func(context.Context) error {
		if p.closed.Load() {
			return p.errClosed("task")
		}
		var argv []lua.LValue
		if co == nil {
			co, _ = p.L.NewThread()
			if args != nil {
				argv = args(p.L)
			}
		}
		st, err, _ := p.L.Resume(co, fn, argv...)
		switch st {
		case lua.ResumeYield:
			return bridge.ErrYield
		case lua.ResumeError:
			return oops.In("lua").With("plugin", p.name).Wrap(err)
		default:
			return nil
		}
	}
}

// runSync runs task on the scheduler and hands it over to deferred
// execution if it yields.
func (p *instance) runSync(ctx context.Context, task bridge.Task) error {
	return p.exec(ctx, func(ctx context.Context) error {
		err := task(ctx)
		if errors.Is(err, bridge.ErrYield) {
			p.bridge.ScheduleDeferred(nil, task)
			return nil
		}
		return err
	})
}

// exec runs fn on the scheduler. Once the scheduler has stopped nothing
// else can touch the state, so fn runs on the caller.
func (p *instance) exec(ctx context.Context, fn bridge.Task) error {
	err := p.bridge.RunSynchronous(ctx, fn)
	if errutil.HasCode(err, bridge.CodeStopped) {
		return fn(ctx)
	}
	return err
}

func (p *instance) close() error {
	return p.exec(context.Background(), func(context.Context) error {
		if p.closed.CompareAndSwap(false, true) {
			p.L.Close()
		}
		return nil
	})
}

func (p *instance) method(name string) *lua.LFunction {
	fn, _ := p.L.GetField(p.self, name).(*lua.LFunction)
	return fn
}

func (p *instance) call(fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	if p.closed.Load() {
		return lua.LNil, p.errClosed("call")
	}
	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, oops.In("lua").With("plugin", p.name).Wrap(err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	return ret, nil
}

func (p *instance) errClosed(op string) error {
	return oops.In("lua").With("plugin", p.name).With("operation", op).Errorf("lua state is closed")
}
