// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

// AsyncStore is an optional extension of Store for backing devices whose
// I/O can legitimately take longer than a USB turnaround and therefore
// want to report BUSY (poll again later) or ASYNC (complete out of band)
// rather than blocking the single MSC dispatcher goroutine, mirroring the
// three-way return convention of the reference driver's tud_msc_read10_cb.
//
// Implementations that just wrap a synchronous medium (the common case,
// including MemStore and the images NewFATImage builds) do not need this interface: msc.Interface
// falls back to a synchronous ResultBytes/ResultError translation of plain
// Store.ReadBlocks/WriteBlocks when a Store does not also implement
// AsyncStore.
type AsyncStore interface {
	Store

	// ReadAsync attempts to fill buf with `blocks` blocks starting at lba.
	// A ResultAsync return means completion (including filling buf, which
	// the implementation retains a reference to) will be reported later
	// through the caller's completion entry point rather than via this
	// call's return value.
	ReadAsync(lba int64, blocks int, buf []byte) Result

	// WriteAsync attempts to write buf (blocks whole blocks) starting at
	// lba. A ResultAsync return means completion will be reported later.
	WriteAsync(lba int64, blocks int, buf []byte) Result
}
