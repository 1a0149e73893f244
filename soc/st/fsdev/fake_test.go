// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import "encoding/binary"

// Bit positions within USB_EPnR, per the STM32 reference manual. Kept
// independent of the regbits package deliberately: the fake is modelling
// what the silicon does with a written word, not reusing the driver's own
// encoding of it.
const (
	fepEA      = 0x000F
	fepStatTx  = 0x0030
	fepDtogTx  = 0x0040
	fepCtrTx   = 0x0080
	fepEpKind  = 0x0100
	fepEpType  = 0x0600
	fepSetup   = 0x0800
	fepStatRx  = 0x3000
	fepDtogRx  = 0x4000
	fepCtrRx   = 0x8000

	fepPlainMask  = fepEA | fepEpKind | fepEpType
	fepToggleMask = fepStatTx | fepDtogTx | fepStatRx | fepDtogRx
	fepCtrMask    = fepCtrTx | fepCtrRx
)

// fakePeripheral is an in-memory stand-in for the STM32 FSDev MMIO/PMA
// surface, in the spirit of gousb's fakeLibusb: every register and the PMA
// itself are plain Go state, so the DCD logic above can be driven and
// inspected from a table-driven test without any real silicon.
type fakePeripheral struct {
	epr    [maxEndpoints]uint16
	istr   uint16
	cntr   uint16
	daddr  uint16
	btable uint16

	pma [2048]byte

	txAddr, txCount [maxEndpoints]uint16
	rxAddr, rxCount [maxEndpoints]uint16

	connected bool
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{}
}

func (f *fakePeripheral) EPReg(idx int) uint16 { return f.epr[idx] }

// SetEPReg applies the same three write disciplines USB_EPnR itself has:
// plain bits are assigned, toggle bits (STAT_RX/TX, DTOG_RX/TX) flip on a
// written 1 and hold on a written 0, and CTR_RX/CTR_TX hold on a written 1
// and clear on a written 0. SETUP is hardware-set only and never affected
// by a software write.
func (f *fakePeripheral) SetEPReg(idx int, v uint16) {
	old := f.epr[idx]
	f.epr[idx] = (v & fepPlainMask) | ((old ^ v) & fepToggleMask) | (old & v & fepCtrMask) | (old & fepSetup)
}

func (f *fakePeripheral) SetTxBufDesc(idx int, addr uint16, count uint16) {
	f.txAddr[idx], f.txCount[idx] = addr, count
}
func (f *fakePeripheral) TxBufDesc(idx int) (uint16, uint16) {
	return f.txAddr[idx], f.txCount[idx]
}
func (f *fakePeripheral) SetRxBufDesc(idx int, addr uint16, sizeField uint16) {
	f.rxAddr[idx], f.rxCount[idx] = addr, sizeField
}
func (f *fakePeripheral) RxBufDesc(idx int) (uint16, uint16) {
	return f.rxAddr[idx], f.rxCount[idx]
}

func (f *fakePeripheral) PMA16(addr uint16) uint16 {
	return binary.LittleEndian.Uint16(f.pma[addr:])
}
func (f *fakePeripheral) SetPMA16(addr uint16, v uint16) {
	binary.LittleEndian.PutUint16(f.pma[addr:], v)
}
func (f *fakePeripheral) PMA32(addr uint16) uint32 {
	return binary.LittleEndian.Uint32(f.pma[addr:])
}
func (f *fakePeripheral) SetPMA32(addr uint16, v uint32) {
	binary.LittleEndian.PutUint32(f.pma[addr:], v)
}

// ISTR derives CTR/DIR/EP_ID live from the endpoints' own CTR_RX/CTR_TX
// bits, the way the real peripheral does: there is no separate latch for
// it, so once serviceTx/serviceRx clear an endpoint's CTR bit via
// SetEPReg, ISTR stops reporting it without any extra bookkeeping here.
func (f *fakePeripheral) ISTR() uint16 {
	for idx := 0; idx < len(f.epr); idx++ {
		switch {
		case f.epr[idx]&fepCtrRx != 0:
			return f.istr | istrCTR | istrDIR | uint16(idx)
		case f.epr[idx]&fepCtrTx != 0:
			return f.istr | istrCTR | uint16(idx)
		}
	}
	return f.istr
}

func (f *fakePeripheral) SetISTR(v uint16)   { f.istr &= v }
func (f *fakePeripheral) SetCNTR(v uint16)   { f.cntr = v }
func (f *fakePeripheral) CNTR() uint16       { return f.cntr }
func (f *fakePeripheral) SetDADDR(v uint16)  { f.daddr = v }
func (f *fakePeripheral) SetBTABLE(v uint16) { f.btable = v }

func (f *fakePeripheral) Connect()    { f.connected = true }
func (f *fakePeripheral) Disconnect() { f.connected = false }

// deliverIN simulates the hardware completing an IN transmission: marks
// CTR_TX, as if the host had just ACKed the packet armed by
// transmitPacketLocked.
func (f *fakePeripheral) deliverIN(idx int) {
	f.epr[idx] |= fepCtrTx
}

// deliverOUT simulates the host sending `data` to endpoint idx. A fresh
// token also clears any stale SETUP flag on this endpoint, the same as a
// real chip would on the next OUT after a SETUP.
func (f *fakePeripheral) deliverOUT(idx int, data []byte) {
	addr, _ := f.RxBufDesc(idx)
	copy(f.pma[addr:], data)
	f.rxCount[idx] = uint16(len(data))
	f.epr[idx] = (f.epr[idx] &^ fepSetup) | fepCtrRx
}

// deliverSetup simulates a SETUP token landing on endpoint 0.
func (f *fakePeripheral) deliverSetup(raw [8]byte) {
	addr, _ := f.RxBufDesc(0)
	copy(f.pma[addr:], raw[:])
	f.rxCount[0] = 8
	f.epr[0] |= fepCtrRx | fepSetup
}
