// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"sync"

	"github.com/usbarmory/stm32-usbms/usbd"
)

// transferCall records one Transfer() invocation for assertions.
type transferCall struct {
	ep    usbd.EndpointAddress
	bytes []byte
	total int
}

// fakeController is a minimal usbd.Controller that records calls instead
// of driving real hardware, in the spirit of gousb's fakeLibusb: tests
// drive Interface directly by calling XferCB/ControlXferCB and inspect
// what the state machine asked the controller to do.
type fakeController struct {
	mu        sync.Mutex
	stalled   map[usbd.EndpointAddress]bool
	ready     map[usbd.EndpointAddress]bool
	transfers []transferCall
}

func newFakeController() *fakeController {
	return &fakeController{
		stalled: make(map[usbd.EndpointAddress]bool),
		ready:   make(map[usbd.EndpointAddress]bool),
	}
}

func (f *fakeController) OpenEndpointPair(out, in usbd.EndpointDescriptor) error {
	return nil
}

func (f *fakeController) Transfer(ep usbd.EndpointAddress, buf []byte, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.transfers = append(f.transfers, transferCall{ep: ep, bytes: cp, total: total})
	return nil
}

func (f *fakeController) Stall(ep usbd.EndpointAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[ep] = true
}

func (f *fakeController) ClearStall(ep usbd.EndpointAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[ep] = false
}

func (f *fakeController) Stalled(ep usbd.EndpointAddress) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled[ep]
}

func (f *fakeController) Ready(ep usbd.EndpointAddress) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.ready[ep]; ok {
		return v
	}
	return true
}

func (f *fakeController) last() transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers[len(f.transfers)-1]
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// buildCBW assembles a 31-byte Command Block Wrapper for tests.
func buildCBW(tag uint32, total uint32, dirIn bool, lun byte, cb []byte) []byte {
	c := CBW{Signature: cbwSignature, Tag: tag, DataTransferLength: total, LUN: lun, Length: uint8(len(cb))}
	if dirIn {
		c.Flags = 0x80
	}
	copy(c.CB[:], cb)

	buf := make([]byte, CBWLength)
	le32 := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le32(0, c.Signature)
	le32(4, c.Tag)
	le32(8, c.DataTransferLength)
	buf[12] = c.Flags
	buf[13] = c.LUN
	buf[14] = c.Length
	copy(buf[15:31], c.CB[:])
	return buf
}
