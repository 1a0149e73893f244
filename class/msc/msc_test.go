// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/stm32-usbms/internal/blockdev"
	"github.com/usbarmory/stm32-usbms/usbd"
)

const (
	testEPOut = usbd.EndpointAddress(0x01)
	testEPIn  = usbd.EndpointAddress(0x81)
)

func newTestInterface(t *testing.T, hooks Hooks) (*Interface, *fakeController) {
	t.Helper()
	ctrl := newFakeController()
	itf, err := New(Config{
		Controller:    ctrl,
		EndpointOut:   testEPOut,
		EndpointIn:    testEPIn,
		MaxPacketSize: 64,
		Hooks:         hooks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return itf, ctrl
}

func csw10(buf []byte) CSW {
	return CSW{
		Signature:   binary.LittleEndian.Uint32(buf[0:4]),
		Tag:         binary.LittleEndian.Uint32(buf[4:8]),
		DataResidue: binary.LittleEndian.Uint32(buf[8:12]),
		Status:      CSWStatus(buf[12]),
	}
}

func sendCBW(itf *Interface, buf []byte) {
	copy(itf.buf[:CBWLength], buf)
	itf.XferCB(testEPOut, CBWLength)
}

func TestInquiryMinimal(t *testing.T) {
	itf, ctrl := newTestInterface(t, Hooks{
		Store:           blockdev.NewMemStore(10, 512),
		VendorID:        "USBARMRY",
		ProductID:       "StorageDrive",
		ProductRevision: "0001",
	})

	cb := make([]byte, 16)
	cb[0] = opInquiry
	cb[4] = 36
	sendCBW(itf, buildCBW(0xAABBCCDD, 36, true, 0, cb))

	if got := ctrl.last(); got.ep != testEPIn || got.total != 36 {
		t.Fatalf("expected 36-byte IN data transfer, got %+v", got)
	}

	itf.XferCB(testEPIn, 36)

	if itf.stage != StageStatusSent {
		t.Fatalf("stage = %v, want StageStatusSent", itf.stage)
	}
	last := ctrl.last()
	csw := csw10(last.bytes)
	if csw.Signature != cswSignature || csw.Tag != 0xAABBCCDD || csw.Status != StatusPassed || csw.DataResidue != 0 {
		t.Fatalf("unexpected CSW: %+v", csw)
	}
}

func TestRead10TwoBlocks(t *testing.T) {
	store := blockdev.NewMemStore(10, 512)
	want := make([]byte, 1024)
	for i := range want {
		want[i] = byte(i)
	}
	if err := store.WriteBlocks(0, want); err != nil {
		t.Fatalf("seed WriteBlocks: %v", err)
	}

	itf, ctrl := newTestInterface(t, Hooks{Store: store})

	cb := make([]byte, 16)
	cb[0] = opRead10
	binary.BigEndian.PutUint32(cb[2:6], 0)
	binary.BigEndian.PutUint16(cb[7:9], 2)
	sendCBW(itf, buildCBW(1, 1024, true, 0, cb))

	got := ctrl.last()
	if got.ep != testEPIn || got.total != 1024 {
		t.Fatalf("expected 1024-byte IN data transfer, got %+v", got)
	}
	if string(got.bytes) != string(want) {
		t.Fatalf("data mismatch")
	}

	itf.XferCB(testEPIn, 1024)

	if itf.stage != StageStatusSent {
		t.Fatalf("stage = %v, want StageStatusSent", itf.stage)
	}
	csw := csw10(ctrl.last().bytes)
	if csw.Status != StatusPassed || csw.DataResidue != 0 {
		t.Fatalf("unexpected CSW: %+v", csw)
	}
}

// TestHiGreaterThanDiStallsUntilClearFeature exercises the asymmetric
// IN-direction incomplete-transfer case: READ_CAPACITY(10) always answers
// with exactly 8 bytes, so requesting more than that (Hi>Di) must stall IN
// and withhold the CSW until the host issues Clear-Feature(HALT).
func TestHiGreaterThanDiStallsUntilClearFeature(t *testing.T) {
	itf, ctrl := newTestInterface(t, Hooks{Store: blockdev.NewMemStore(100, 512)})

	cb := make([]byte, 16)
	cb[0] = opReadCapacity10
	sendCBW(itf, buildCBW(7, 16, true, 0, cb))

	got := ctrl.last()
	if got.ep != testEPIn || got.total != 8 {
		t.Fatalf("expected 8-byte IN data transfer, got %+v", got)
	}

	itf.XferCB(testEPIn, 8)

	if itf.stage != StageStatus {
		t.Fatalf("stage = %v, want StageStatus (CSW withheld)", itf.stage)
	}
	if !ctrl.Stalled(testEPIn) {
		t.Fatalf("epIn should be stalled pending Clear-Feature")
	}
	transfersBefore := ctrl.count()

	ack, handled := itf.ControlXferCB(usbd.SetupPacket{Request: reqClearFeature, Index: uint16(testEPIn)})
	if !handled || ack != nil {
		t.Fatalf("ControlXferCB(Clear-Feature) = %v, %v", ack, handled)
	}

	if ctrl.Stalled(testEPIn) {
		t.Fatalf("epIn should have been unstalled by Clear-Feature")
	}
	if ctrl.count() != transfersBefore+1 {
		t.Fatalf("Clear-Feature should have armed the deferred CSW")
	}
	csw := csw10(ctrl.last().bytes)
	if csw.Status != StatusPassed || csw.DataResidue != 8 {
		t.Fatalf("unexpected CSW: %+v", csw)
	}
	if itf.stage != StageStatusSent {
		t.Fatalf("stage = %v, want StageStatusSent", itf.stage)
	}
}

func TestInvalidCBWEntersNeedReset(t *testing.T) {
	itf, ctrl := newTestInterface(t, Hooks{Store: blockdev.NewMemStore(10, 512)})

	bad := buildCBW(1, 0, true, 0, []byte{opTestUnitReady})
	binary.LittleEndian.PutUint32(bad[0:4], 0xdeadbeef) // corrupt signature

	copy(itf.buf[:CBWLength], bad)
	itf.XferCB(testEPOut, CBWLength)

	if itf.stage != StageNeedReset {
		t.Fatalf("stage = %v, want StageNeedReset", itf.stage)
	}
	if !ctrl.Stalled(testEPOut) || !ctrl.Stalled(testEPIn) {
		t.Fatalf("both endpoints should be stalled in NEED_RESET")
	}

	// Only MSC_REQ_RESET recovers from NEED_RESET.
	if _, handled := itf.ControlXferCB(usbd.SetupPacket{Request: reqClearFeature, Index: uint16(testEPOut)}); !handled {
		t.Fatalf("Clear-Feature should still be recognized as this interface's request")
	}
	if !ctrl.Stalled(testEPOut) {
		t.Fatalf("Clear-Feature must not clear the stall while in NEED_RESET")
	}

	itf.ControlXferCB(usbd.SetupPacket{Request: ReqReset})
	if itf.stage != StageCmd {
		t.Fatalf("stage after MSC reset = %v, want StageCmd", itf.stage)
	}
}

func TestWrite10WriteProtected(t *testing.T) {
	itf, ctrl := newTestInterface(t, Hooks{
		Store:      blockdev.NewMemStore(10, 512),
		IsWritable: func(lun int) bool { return false },
	})

	cb := make([]byte, 16)
	cb[0] = opWrite10
	binary.BigEndian.PutUint32(cb[2:6], 0)
	binary.BigEndian.PutUint16(cb[7:9], 1)
	sendCBW(itf, buildCBW(9, 512, false, 0, cb))

	if !ctrl.Stalled(testEPOut) {
		t.Fatalf("epOut should be stalled for a rejected write")
	}
	if itf.sense != senseDataProtect {
		t.Fatalf("sense = %+v, want senseDataProtect", itf.sense)
	}
	if itf.stage != StageStatusSent {
		t.Fatalf("stage = %v, want StageStatusSent (CSW sent immediately for OUT failure)", itf.stage)
	}

	csw := csw10(ctrl.last().bytes)
	if csw.Status != StatusFailed || csw.DataResidue != 512 {
		t.Fatalf("unexpected CSW: %+v", csw)
	}
}

// asyncMemStore wraps a MemStore but defers every read to a later
// AsyncIODone call, exercising the ResultAsync path.
type asyncMemStore struct {
	*blockdev.MemStore
}

func (s *asyncMemStore) ReadAsync(lba int64, blocks int, buf []byte) blockdev.Result {
	return blockdev.Result{Kind: blockdev.ResultAsync}
}

func (s *asyncMemStore) WriteAsync(lba int64, blocks int, buf []byte) blockdev.Result {
	return blockdev.Result{Kind: blockdev.ResultAsync}
}

func TestRead10Async(t *testing.T) {
	mem := blockdev.NewMemStore(10, 512)
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(0xA0 + i%16)
	}
	if err := mem.WriteBlocks(0, want); err != nil {
		t.Fatalf("seed WriteBlocks: %v", err)
	}
	store := &asyncMemStore{MemStore: mem}

	itf, ctrl := newTestInterface(t, Hooks{Store: store})

	cb := make([]byte, 16)
	cb[0] = opRead10
	binary.BigEndian.PutUint32(cb[2:6], 0)
	binary.BigEndian.PutUint16(cb[7:9], 1)
	sendCBW(itf, buildCBW(42, 512, true, 0, cb))

	if !itf.pendingIO {
		t.Fatalf("pendingIO should be set while the async read is outstanding")
	}
	transfersBefore := ctrl.count()

	copy(itf.buf[:512], want)
	itf.AsyncIODone(blockdev.Result{Kind: blockdev.ResultBytes, Bytes: 512}, false)

	if itf.pendingIO {
		t.Fatalf("pendingIO should be cleared once AsyncIODone runs")
	}
	if ctrl.count() != transfersBefore+1 {
		t.Fatalf("AsyncIODone should have armed the IN data transfer")
	}
	got := ctrl.last()
	if got.ep != testEPIn || got.total != 512 || string(got.bytes) != string(want) {
		t.Fatalf("unexpected deferred IN transfer: %+v", got)
	}

	itf.XferCB(testEPIn, 512)
	csw := csw10(ctrl.last().bytes)
	if csw.Status != StatusPassed || csw.DataResidue != 0 {
		t.Fatalf("unexpected CSW: %+v", csw)
	}
}

func TestGetMaxLUN(t *testing.T) {
	itf, _ := newTestInterface(t, Hooks{Store: blockdev.NewMemStore(10, 512)})
	ack, handled := itf.ControlXferCB(usbd.SetupPacket{Request: ReqGetMaxLUN})
	if !handled || len(ack) != 1 || ack[0] != 0x00 {
		t.Fatalf("GetMaxLUN = %v, %v", ack, handled)
	}
}
