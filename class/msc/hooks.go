// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import "github.com/usbarmory/stm32-usbms/internal/blockdev"

// Hooks is the application-facing capability object a caller supplies to
// back one MSC interface's logical units, generalizing the reference
// driver's collection of weak tud_msc_*_cb symbols into an explicit struct
// with library-supplied defaults for the optional ones.
type Hooks struct {
	// Store backs LUN 0. Only a single LUN is supported, per the
	// Non-goals on multi-LUN concurrent I/O.
	Store blockdev.Store

	// VendorID, ProductID, ProductRevision populate the standard INQUIRY
	// response; each is truncated/space-padded to its SCSI field width.
	VendorID, ProductID, ProductRevision string

	// TestUnitReady reports whether the medium is ready. Defaults to
	// always-ready.
	TestUnitReady func(lun int) bool

	// IsWritable reports whether WRITE_10 should be permitted. Defaults
	// to always-writable.
	IsWritable func(lun int) bool

	// SCSI handles any command the built-in dispatcher does not
	// recognize. May be nil, in which case unknown commands fail with
	// ILLEGAL REQUEST.
	SCSI func(lun int, cdb [16]byte, buf []byte) (int, error)

	// BlockSizeMultiplier reports a larger logical block size than the
	// backing Store's native size, amortizing per-block overhead (e.g.
	// encryption IV computation) the way the reference driver's
	// BLOCK_SIZE_MULTIPLIER does. 1 means "use the Store's native size".
	BlockSizeMultiplier int
}

func (h *Hooks) testUnitReady(lun int) bool {
	if h.TestUnitReady != nil {
		return h.TestUnitReady(lun)
	}
	return true
}

func (h *Hooks) isWritable(lun int) bool {
	if h.IsWritable != nil {
		return h.IsWritable(lun)
	}
	return true
}

func (h *Hooks) blockSizeMultiplier() int {
	if h.BlockSizeMultiplier <= 0 {
		return 1
	}
	return h.BlockSizeMultiplier
}
