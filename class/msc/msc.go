// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usbarmory/stm32-usbms/internal/blockdev"
	"github.com/usbarmory/stm32-usbms/usbd"
)

// Stage is one of the five states the Bulk-Only Transport state machine
// can be in, per p6, 5.1 Overview, USB Mass Storage Class Bulk-Only
// Transport 1.0.
type Stage int

const (
	StageCmd Stage = iota
	StageData
	StageStatus
	StageStatusSent
	StageNeedReset
)

// Class-specific control requests, p7, 3.1-3.2, USB Mass Storage Class 1.0.
const (
	ReqReset     = 0xFF
	ReqGetMaxLUN = 0xFE
)

// reqClearFeature is the standard (non-class-specific) request this
// interface also needs to see, since ENDPOINT_HALT recovery on its bulk
// endpoints is handled here rather than by the device core.
const reqClearFeature = 0x01

const (
	// readWriteChunkBlocks caps how many blocks are moved through the
	// staging buffer per DATA-stage transfer, bounding the buffer's RAM
	// footprint independent of how large a single READ_10/WRITE_10
	// command's total transfer length is.
	readWriteChunkBlocks = 8
)

// ErrMultiPacketUnsupported is recorded as the Interface's last error when a
// command handled by the default (non-built-in) dispatch path declares an
// OUT data phase; the command then fails with a phase error. Only WRITE_10
// reads OUT data, so such a command is rejected before any data is moved,
// whatever its length. The reference driver hits a debugger breakpoint
// (TU_BREAKPOINT()) in the multi-packet case; this is the decided redesign
// (see DESIGN.md, Open Question 2): surface it as an ordinary protocol error
// instead of trapping.
var ErrMultiPacketUnsupported = errors.New("msc: multi-packet OUT data phase unsupported for this command")

// Interface is one MSC Bulk-Only Transport function. It owns no endpoints
// or PMA itself; all hardware access goes through the usbd.Controller it is
// constructed with.
type Interface struct {
	mu sync.Mutex

	ctrl   usbd.Controller
	defer_ usbd.DeferFunc
	epOut  usbd.EndpointAddress
	epIn   usbd.EndpointAddress

	hooks Hooks

	stage      Stage
	cbw        CBW
	csw        CSW
	totalLen   int
	xferredLen int
	sense      Sense
	pendingIO  bool

	rw                 *rwState
	busyRetries        int
	pendingChunkBlocks int
	lastErr            error // most recent internal error, for diagnostics only

	buf []byte // staging buffer reused across the CMD/DATA/STATUS cycle
}

// rwState tracks a READ_10/WRITE_10 command's progress across possibly
// many DATA-stage chunks.
type rwState struct {
	write     bool
	lba       int64
	blocks    int // blocks remaining to move
	blockSize int
}

// Config bundles the construction-time parameters for an Interface.
type Config struct {
	Controller    usbd.Controller
	DeferFunc     usbd.DeferFunc
	EndpointOut   usbd.EndpointAddress
	EndpointIn    usbd.EndpointAddress
	MaxPacketSize uint16
	Hooks         Hooks
	BufferSize    int // staging buffer size; defaults to 64KiB
}

// New constructs an Interface and opens its bulk endpoint pair.
func New(cfg Config) (*Interface, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	itf := &Interface{
		ctrl:   cfg.Controller,
		defer_: cfg.DeferFunc,
		epOut:  cfg.EndpointOut,
		epIn:   cfg.EndpointIn,
		hooks:  cfg.Hooks,
		buf:    make([]byte, cfg.BufferSize),
	}

	out := usbd.EndpointDescriptor{Address: cfg.EndpointOut, Type: usbd.EndpointBulk, MaxPacketSize: cfg.MaxPacketSize}
	in := usbd.EndpointDescriptor{Address: cfg.EndpointIn, Type: usbd.EndpointBulk, MaxPacketSize: cfg.MaxPacketSize}
	if err := itf.ctrl.OpenEndpointPair(out, in); err != nil {
		return nil, fmt.Errorf("msc: open endpoints: %w", err)
	}

	itf.armCBW()
	return itf, nil
}

// armCBW arms the OUT endpoint for the next 31-byte Command Block Wrapper.
func (itf *Interface) armCBW() {
	itf.stage = StageCmd
	itf.transferLocked(itf.epOut, itf.buf[:CBWLength], CBWLength)
}

// transferLocked issues ep.Transfer and records any error for diagnostics;
// the state machine cannot usefully recover from a failed Transfer call
// here, so the error is not propagated, only remembered.
func (itf *Interface) transferLocked(ep usbd.EndpointAddress, buf []byte, total int) {
	if err := itf.ctrl.Transfer(ep, buf, total); err != nil {
		itf.lastErr = err
	}
}

// ControlXferCB handles the two MSC class-specific control requests plus
// the Clear-Feature(ENDPOINT_HALT) recovery sequence, mirroring
// mscd_control_xfer_cb. ack is the response payload for GET_MAX_LUN
// (ignored for every other accepted request); handled reports whether this
// request belonged to this interface at all.
func (itf *Interface) ControlXferCB(setup usbd.SetupPacket) (ack []byte, handled bool) {
	itf.mu.Lock()
	defer itf.mu.Unlock()

	switch setup.Request {
	case ReqReset:
		itf.sense = senseNone
		itf.xferredLen = 0
		itf.totalLen = 0
		itf.pendingIO = false
		itf.rw = nil
		itf.armCBW()
		return nil, true

	case ReqGetMaxLUN:
		return []byte{0x00}, true

	case reqClearFeature:
		return itf.handleClearFeatureLocked(setup)
	}

	return nil, false
}

// handleClearFeatureLocked implements the per-stage Clear-Feature(HALT)
// recovery described in §4.4: during STATUS it re-issues the pending CSW,
// during CMD it re-arms the CBW read, and in NEED_RESET it is ignored
// until MSC_REQ_RESET arrives.
func (itf *Interface) handleClearFeatureLocked(setup usbd.SetupPacket) ([]byte, bool) {
	ep := usbd.EndpointAddress(setup.Index)

	if itf.stage == StageNeedReset {
		itf.ctrl.Stall(ep)
		return nil, true
	}

	itf.ctrl.ClearStall(ep)

	switch itf.stage {
	case StageStatus, StageStatusSent:
		if ep == itf.epIn {
			itf.sendCSWLocked()
		}
	case StageCmd:
		if ep == itf.epOut && itf.ctrl.Ready(itf.epOut) {
			itf.armCBW()
		}
	}
	return nil, true
}

// XferCB is invoked on every bulk-endpoint transfer completion; it is the
// single entry point driving the CMD -> DATA -> STATUS -> STATUS_SENT ->
// CMD state machine.
func (itf *Interface) XferCB(ep usbd.EndpointAddress, bytesTransferred int) {
	itf.mu.Lock()
	defer itf.mu.Unlock()

	switch itf.stage {
	case StageCmd:
		itf.handleCBWLocked(bytesTransferred)

	case StageData:
		itf.handleDataLocked(ep, bytesTransferred)

	case StageStatusSent:
		itf.stage = StageCmd
		itf.armCBW()

	case StageNeedReset:
		// transfers should not complete while both endpoints are
		// stalled; ignore defensively.
	}
}

// handleCBWLocked processes a completed CBW read.
func (itf *Interface) handleCBWLocked(n int) {
	cbw, err := ParseCBW(itf.buf[:n])
	if err != nil {
		itf.ctrl.Stall(itf.epOut)
		itf.ctrl.Stall(itf.epIn)
		itf.stage = StageNeedReset
		return
	}

	itf.cbw = cbw
	itf.csw = newCSW(cbw.Tag)
	itf.totalLen = int(cbw.DataTransferLength)
	itf.xferredLen = 0
	itf.rw = nil

	itf.dispatchLocked()
}

// handleDataLocked processes a completed DATA-stage transfer, either
// continuing a streaming READ_10/WRITE_10 or closing out a single-shot
// built-in command's data phase.
func (itf *Interface) handleDataLocked(ep usbd.EndpointAddress, n int) {
	itf.xferredLen += n

	if itf.rw != nil {
		itf.continueRWLocked(n)
		return
	}

	itf.enterStatusLocked()
}

// enterStatusLocked implements proc_stage_status: if the host expected more
// IN data than the device ultimately produced (Hi>Di), the IN endpoint is
// stalled before the CSW is sent, and Clear-Feature(HALT) is what actually
// releases the CSW (see handleClearFeatureLocked).
func (itf *Interface) enterStatusLocked() {
	itf.csw.DataResidue = uint32(itf.totalLen - itf.xferredLen)
	itf.stage = StageStatus

	if itf.cbw.directionIn() && itf.xferredLen < itf.totalLen {
		itf.ctrl.Stall(itf.epIn)
		return
	}

	itf.sendCSWLocked()
}

// sendCSWLocked arms the IN endpoint with the current CSW and advances to
// STATUS_SENT.
func (itf *Interface) sendCSWLocked() {
	b := itf.csw.Bytes()
	copy(itf.buf[:CSWLength], b)
	itf.stage = StageStatusSent
	itf.transferLocked(itf.epIn, itf.buf[:CSWLength], CSWLength)
}

// failOpLocked implements fail_scsi_op: default to ILLEGAL REQUEST if no
// more specific sense was set, fail the CSW, and stall whichever data
// endpoint still owes the host a transfer.
func (itf *Interface) failOpLocked(outcome Outcome) {
	if itf.sense == senseNone {
		itf.sense = senseIllegalReq
	}

	switch outcome {
	case PhaseError:
		itf.csw.Status = StatusPhaseError
	default:
		itf.csw.Status = StatusFailed
	}

	if itf.xferredLen < itf.totalLen {
		if itf.cbw.directionIn() {
			itf.ctrl.Stall(itf.epIn)
		} else {
			itf.ctrl.Stall(itf.epOut)
		}
	}

	itf.csw.DataResidue = uint32(itf.totalLen - itf.xferredLen)
	itf.stage = StageStatus
	if !((itf.cbw.directionIn() && itf.xferredLen < itf.totalLen)) {
		itf.sendCSWLocked()
	}
}

// AsyncIODone is the application's entry point for reporting completion of
// an I/O the SCSI processor previously deferred with ResultAsync,
// mirroring tud_msc_async_io_done / proc_async_io_done. When called from
// interrupt context (inISR), the continuation is replayed through the
// DeferFunc supplied at construction so it runs on the task-context
// dispatcher, exactly as usbd_defer_func does for the reference driver.
func (itf *Interface) AsyncIODone(result blockdev.Result, inISR bool) {
	run := func() {
		itf.mu.Lock()
		defer itf.mu.Unlock()
		if !itf.pendingIO {
			return
		}
		itf.pendingIO = false
		itf.resumeAsyncLocked(result)
	}

	if inISR && itf.defer_ != nil {
		itf.defer_(run, true)
		return
	}
	run()
}
