// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressAddSub(t *testing.T) {
	a := Address(0x1000)
	b := a.Add(0x20)
	assert.Equal(t, Address(0x1020), b)
	assert.Equal(t, int64(0x20), b.Sub(a))
	assert.Equal(t, int64(-0x20), a.Sub(b))
}

func TestDecodeLittleEndian(t *testing.T) {
	v, err := decodeLittleEndian([]byte{0x01, 0x02, 0x03, 0x04}, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x04030201), v)

	_, err = decodeLittleEndian([]byte{1, 2, 3}, 3)
	assert.ErrorIs(t, err, ErrInvalidReadSize)
}

func TestUnmappedErrorUnwraps(t *testing.T) {
	err := &UnmappedError{Addr: 0x1234}
	assert.ErrorIs(t, err, ErrAddressUnmapped)
	assert.Contains(t, err.Error(), "1234")
}
