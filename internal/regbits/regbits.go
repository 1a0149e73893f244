// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package regbits wraps the STM32 FSDev endpoint register (USB_EPnR), whose
// 16 bits mix three different write semantics in the same word:
//
//   - plain (EP address, EP_TYPE, EA): read-modify-write as usual.
//   - toggle (DTOG_RX, STAT_RX, DTOG_TX, STAT_TX): writing 1 to a bit flips
//     it; writing 0 leaves it unchanged.
//   - write-0-to-clear (CTR_RX, CTR_TX): writing 1 preserves the bit,
//     writing 0 clears it.
//
// A plain *uint16 invites exactly the bug this hardware punishes: computing
// a "new value" the way you would for a normal register flips bits you
// never meant to touch. EPReg exposes only the handful of operations the
// driver actually performs, each of which is written against the toggle
// mask so the invariant bits are never disturbed by accident.
package regbits

// Bit positions within USB_EPnR, per the STM32 reference manual.
const (
	bitEA     = 0x000F
	bitStatTx = 0x0030
	bitDtogTx = 0x0040
	bitCtrTx  = 0x0080
	bitEpKind = 0x0100
	bitEpType = 0x0600
	bitSetup  = 0x0800
	bitStatRx = 0x3000
	bitDtogRx = 0x4000
	bitCtrRx  = 0x8000

	shiftStatTx = 4
	shiftStatRx = 12

	// rwMask covers every bit that behaves as a plain read-write bit:
	// everything except the toggle and write-0-to-clear bits.
	rwMask = bitEA | bitEpKind | bitEpType
)

// Status encodes the STAT_RX/STAT_TX two-bit endpoint state.
type Status uint16

const (
	StatusDisabled Status = 0
	StatusStall    Status = 1
	StatusNAK      Status = 2
	StatusValid    Status = 3
)

// Type encodes EP_TYPE.
type Type uint16

const (
	TypeBulk      Type = 0
	TypeControl   Type = 1
	TypeISO       Type = 2
	TypeInterrupt Type = 3
)

// EPReg is the in-memory mirror of one USB_EPnR value. Value() returns the
// word that should be written to hardware to apply the last requested
// change; callers are expected to immediately store it and not hold onto a
// stale EPReg across a hardware read.
type EPReg uint16

// FromHardware wraps a value just read back from USB_EPnR.
func FromHardware(v uint16) EPReg { return EPReg(v) }

// Value returns the raw 16-bit value.
func (r EPReg) Value() uint16 { return uint16(r) }

// Address returns the configured endpoint number (EA field).
func (r EPReg) Address() uint8 { return uint8(r) & bitEA }

// txStatus/rxStatus read back the current toggle-bit state (not a pending
// write - toggle bits read as the live hardware state).
func (r EPReg) TxStatus() Status { return Status((uint16(r) & bitStatTx) >> shiftStatTx) }
func (r EPReg) RxStatus() Status { return Status((uint16(r) & bitStatRx) >> shiftStatRx) }

// baseWrite returns the word to write when no toggle bit should change:
// plain bits preserved, CTR bits preserved (write 1), toggle bits zero
// (write 0, i.e. "no change").
func (r EPReg) baseWrite() uint16 {
	return (uint16(r) & rwMask) | bitCtrRx | bitCtrTx
}

// SetAddress returns a register value with EA set to addr, all other
// meaningful bits left alone.
func (r EPReg) SetAddress(addr uint8) EPReg {
	v := r.baseWrite()
	v = (v &^ bitEA) | uint16(addr)&bitEA
	return EPReg(v)
}

// SetType returns a register value with EP_TYPE set to t.
func (r EPReg) SetType(t Type) EPReg {
	v := r.baseWrite()
	v = (v &^ bitEpType) | (uint16(t) << 9)
	return EPReg(v)
}

// SetTxStatus computes the toggle-write needed to move STAT_TX from its
// current value to want, and returns the word to write to flip exactly
// those bits (leaving STAT_RX/DTOG untouched, preserving CTR bits).
func (r EPReg) SetTxStatus(want Status) EPReg {
	delta := (uint16(r.TxStatus()) ^ uint16(want)) << shiftStatTx
	return EPReg(r.baseWrite() | delta)
}

// SetRxStatus is the RX counterpart of SetTxStatus.
func (r EPReg) SetRxStatus(want Status) EPReg {
	delta := (uint16(r.RxStatus()) ^ uint16(want)) << shiftStatRx
	return EPReg(r.baseWrite() | delta)
}

// ToggleTxDtog flips DTOG_TX unconditionally (writing 1 to a toggle bit
// always flips it, there is no "set to 1" primitive in hardware).
func (r EPReg) ToggleTxDtog() EPReg {
	return EPReg(r.baseWrite() | bitDtogTx)
}

// ToggleRxDtog flips DTOG_RX unconditionally.
func (r EPReg) ToggleRxDtog() EPReg {
	return EPReg(r.baseWrite() | bitDtogRx)
}

// ClearTxCtr returns the word that clears CTR_TX (write 0) while preserving
// CTR_RX (write 1) and leaving every toggle bit unchanged (write 0 to all of
// them).
func (r EPReg) ClearTxCtr() EPReg {
	return EPReg((uint16(r) & rwMask) | bitCtrRx)
}

// ClearRxCtr is the RX counterpart of ClearTxCtr.
func (r EPReg) ClearRxCtr() EPReg {
	return EPReg((uint16(r) & rwMask) | bitCtrTx)
}

// CtrTx/CtrRx read the live Correct-Transfer flags.
func (r EPReg) CtrTx() bool { return uint16(r)&bitCtrTx != 0 }
func (r EPReg) CtrRx() bool { return uint16(r)&bitCtrRx != 0 }

// Setup reports whether the last received OUT packet on this endpoint was a
// SETUP packet.
func (r EPReg) Setup() bool { return uint16(r)&bitSetup != 0 }
