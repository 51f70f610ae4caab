// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConnID(t *testing.T) {
	id1 := newConnID()
	id2 := newConnID()

	assert.NotEmpty(t, id1.String(), "ULID should not be empty")
	assert.NotEqual(t, id1.String(), id2.String(), "Two ULIDs should be different")
	assert.Less(t, id1.String(), id2.String(), "monotonic ids sort in creation order")
}
