// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package wire

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DialOptions configures Dial.
type DialOptions struct {
	// Attempts is the number of dial attempts. Zero means 5.
	Attempts uint64
	// Backoff is the first retry delay, doubled after each failure. Zero
	// means 100ms.
	Backoff time.Duration
}

// Client is a wire protocol client.
type Client struct {
	ws      *websocket.Conn
	pending []Frame
}

// Dial connects to a wire server, retrying with exponential backoff.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}
	if opts.Backoff == 0 {
		opts.Backoff = 100 * time.Millisecond
	}

	backoff := retry.WithMaxRetries(opts.Attempts-1, retry.NewExponential(opts.Backoff))
	var ws *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, oops.In("wire").Code("DIAL_FAILED").
			With("url", url).
			With("attempts", opts.Attempts).
			Wrapf(err, "dial %s", url)
	}
	return &Client{ws: ws}, nil
}

// NewChannel asks the server for a channel id. Payload frames read while
// waiting are kept for Next.
func (c *Client) NewChannel(ctx context.Context) (int64, error) {
	if err := c.ws.Write(ctx, websocket.MessageText, NewChannelRequest()); err != nil {
		return 0, oops.In("wire").Wrapf(err, "request channel")
	}
	for {
		f, err := c.read(ctx)
		if err != nil {
			return 0, err
		}
		if f.Tag == TagNewChannel {
			return f.Channel, nil
		}
		c.pending = append(c.pending, f)
	}
}

// Invoke sends an invoke request. Replies arrive through Next on channel.
func (c *Client) Invoke(ctx context.Context, channel int64, to string, data json.RawMessage) error {
	req, err := InvokeRequest(channel, to, data)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, req); err != nil {
		return oops.In("wire").With("to", to).Wrapf(err, "send invoke")
	}
	return nil
}

// Next returns the next frame from the server.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.read(ctx)
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, oops.In("wire").Wrapf(err, "read frame")
	}
	if typ != websocket.MessageBinary {
		return Frame{}, ErrMalformedFrame("text frame from server", nil)
	}
	return DecodeFrame(data)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
