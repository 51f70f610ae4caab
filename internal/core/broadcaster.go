// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package core

import (
	"log/slog"
	"sync"
)

// ChatLine is one chunk of agent output on the chat stream.
type ChatLine struct {
	Agent string
	Text  string
	Final bool
	Error bool
}

const subscriberBuffer = 100

// Broadcaster distributes chat output to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   []chan ChatLine
	closed bool
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe creates a channel receiving every broadcast line. The channel
// is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() chan ChatLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ChatLine, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broadcaster) Unsubscribe(ch chan ChatLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Broadcast sends line to every subscriber without blocking. Subscribers
// with a full buffer miss the line.
func (b *Broadcaster) Broadcast(line ChatLine) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
			slog.Warn("chat line dropped: subscriber buffer full",
				"agent", line.Agent,
				"final", line.Final)
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
