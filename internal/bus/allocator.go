// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bus

import "sync/atomic"

// Allocator hands out channel ids. Ids start at 0, strictly increase and
// are never reused for the life of the allocator.
type Allocator struct {
	next atomic.Int64
}

// Next returns a fresh channel id.
func (a *Allocator) Next() int64 {
	return a.next.Add(1) - 1
}
