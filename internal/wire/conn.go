// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package wire

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/queue"
	"github.com/psychehost/psyche/pkg/errutil"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// conn is one client connection. Payload callbacks run on the bus
// dispatcher and only queue frames; a writer goroutine sends them.
type conn struct {
	ws     *websocket.Conn
	bus    Bus
	logger *slog.Logger
	out    *queue.Queue[[]byte]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	channels  map[int64]struct{}
	allocated map[int64]struct{}
}

func newConn(ws *websocket.Conn, b Bus, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:        ws,
		bus:       b,
		logger:    logger.With("conn", newConnID().String()),
		out:       queue.New[[]byte](),
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[int64]struct{}),
		allocated: make(map[int64]struct{}),
	}
}

// serve reads requests until the client goes away or the context is
// cancelled, then removes every callback the connection registered.
func (c *conn) serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	defer func() {
		c.cancel()
		c.out.Close()
		<-writerDone
		_ = c.ws.CloseNow()
		c.releaseChannels()
	}()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && c.ctx.Err() == nil {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			recordFrame("in", "binary")
			c.logger.Warn("ignoring binary frame from client")
			continue
		}
		c.handle(data)
	}
}

func (c *conn) handle(data []byte) {
	req, err := ParseRequest(data)
	if err != nil {
		recordFrame("in", "malformed")
		errutil.LogWarn(c.logger, "ignoring malformed request", err)
		return
	}
	recordFrame("in", req.Type)

	switch req.Type {
	case RequestNewChannel:
		id := c.bus.NewChannelID()
		c.mu.Lock()
		c.allocated[id] = struct{}{}
		c.mu.Unlock()
		c.send(EncodeNewChannel(id), "new_channel")
	case RequestInvoke:
		channel := req.Channel()
		if channel > pluginapi.NoReply {
			// A reply channel must come from this connection's own
			// get_new_channel_id and serves one invocation.
			if !c.claim(channel) {
				recordFrame("in", "foreign_channel")
				c.logger.Warn("dropping invoke on channel not allocated to this connection",
					"channel", channel, "to", req.To)
				return
			}
			c.bus.RegisterCallback(channel, c.deliver)
		}
		c.bus.EnqueueMessage(bus.Invoke{Command: pluginapi.InvokeCommand{
			SenderChannel: channel,
			Target:        req.To,
			Data:          req.Data,
		}})
	}
}

// deliver runs on the bus dispatcher.
func (c *conn) deliver(p pluginapi.Payload) {
	if p.Data.Kind() == pluginapi.KindHandle {
		c.logger.Warn("dropping handle value sent to remote client", "channel", p.ReceiverChannel)
		p.Data = pluginapi.Value{}
	}
	if p.IsFinal() {
		c.untrack(p.ReceiverChannel)
	}
	c.send(EncodePayload(p), "payload")
}

func (c *conn) send(frame []byte, kind string) {
	if c.out.Push(frame) {
		recordFrame("out", kind)
	}
}

func (c *conn) writeLoop() {
	for {
		frame, ok := c.out.Pop(c.ctx)
		if !ok {
			return
		}
		if err := c.ws.Write(c.ctx, websocket.MessageBinary, frame); err != nil {
			c.logger.Debug("write failed", "error", err)
			c.cancel()
			return
		}
	}
}

func (c *conn) claim(channel int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.allocated[channel]; !ok {
		return false
	}
	delete(c.allocated, channel)
	c.channels[channel] = struct{}{}
	return true
}

func (c *conn) untrack(channel int64) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

func (c *conn) releaseChannels() {
	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[int64]struct{})
	c.mu.Unlock()

	for ch := range channels {
		c.bus.RemoveCallback(ch)
	}
}
