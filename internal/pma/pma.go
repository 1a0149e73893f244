// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pma implements the bump allocator over the STM32 FSDev Packet
// Memory Area: a fixed-size on-chip SRAM region shared between the Buffer
// Description Table (BTABLE) and every endpoint's packet buffers.
package pma

import "fmt"

// Hardware buffer-size rounding: the RX count field only records buffer
// size in units of 2 bytes (up to 62) or 32 bytes (beyond that), so any
// allocation must be rounded up to one of those grains before the cursor
// advances, or the BTABLE bufsize field cannot represent the true size.
func round(size int) int {
	switch {
	case size <= 62:
		return (size + 1) &^ 1
	default:
		return (size + 31) &^ 31
	}
}

// Allocator is a simple bump allocator: PMA has no general-purpose free
// operation in this driver, endpoint layouts are established once per
// configuration and torn down in bulk on bus reset or close-all.
type Allocator struct {
	size   int
	base   int
	cursor int
}

// New creates an allocator over a PMA of the given total size, with the
// first `base` bytes reserved for the BTABLE.
func New(size, base int) *Allocator {
	return &Allocator{size: size, base: base, cursor: base}
}

// Reset rewinds the cursor back to the BTABLE boundary, discarding every
// previous allocation.
func (a *Allocator) Reset() {
	a.cursor = a.base
}

// Used returns the number of bytes currently allocated past the BTABLE.
func (a *Allocator) Used() int {
	return a.cursor - a.base
}

// Alloc reserves a buffer of `size` bytes, rounded up to the hardware
// block grain, and returns its PMA offset.
func (a *Allocator) Alloc(size int) (addr int, err error) {
	n := round(size)
	if a.cursor+n > a.size {
		return 0, fmt.Errorf("pma: out of memory: need %d bytes, %d available", n, a.size-a.cursor)
	}
	addr = a.cursor
	a.cursor += n
	return addr, nil
}

// AllocDouble reserves two buffers of `size` bytes each for a
// double-buffered (isochronous) endpoint, returning both offsets packed as
// a single value: low 16 bits hold the first buffer's offset, high 16 bits
// hold the second's, mirroring the BTABLE's packing of a double buffer pair
// into one TX/RX slot.
func (a *Allocator) AllocDouble(size int) (packed uint32, err error) {
	first, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}
	second, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}
	return uint32(first) | uint32(second)<<16, nil
}
