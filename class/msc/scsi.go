// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"bytes"
	"encoding/binary"

	"github.com/usbarmory/stm32-usbms/internal/blockdev"
)

// SCSI operation codes, p65, 3. Direct Access Block commands (SPC-5 and
// SBC-4), SCSI Commands Reference Manual, Rev. J, plus p33, 4.10, USB Mass
// Storage Class - UFI Command Specification Rev. 1.0 for READ_FORMAT_CAPACITIES.
const (
	opTestUnitReady             = 0x00
	opRequestSense              = 0x03
	opInquiry                   = 0x12
	opModeSense6                = 0x1a
	opStartStopUnit             = 0x1b
	opPreventAllowMediumRemoval = 0x1e
	opReadFormatCapacities      = 0x23
	opReadCapacity10            = 0x25
	opRead10                    = 0x28
	opWrite10                   = 0x2a
	opModeSense10               = 0x5a
	opServiceAction             = 0x9e
	opReportLuns                = 0xa0

	serviceActionReadCapacity16 = 0x10
)

const maxBusyRetries = 64

// dispatchLocked is the SCSI command dispatch table, mirroring
// proc_builtin_scsi. Exactly one of {enterStatusLocked, startDataInLocked,
// beginRWLocked, failOpLocked} is called by every branch.
func (itf *Interface) dispatchLocked() {
	lun := int(itf.cbw.LUN)
	if lun != 0 {
		itf.sense = senseIllegalReq
		itf.failOpLocked(Failed)
		return
	}

	cdb := itf.cbw.CB
	op := cdb[0]
	length := int(itf.totalLen)

	switch op {
	case opTestUnitReady:
		if !itf.hooks.testUnitReady(lun) {
			itf.sense = senseNotReady
			itf.failOpLocked(Failed)
			return
		}
		itf.enterStatusLocked()

	case opInquiry:
		itf.startDataInLocked(itf.inquiry(length))

	case opRequestSense:
		data := itf.requestSense(length)
		itf.sense = senseNone
		itf.startDataInLocked(data)

	case opStartStopUnit, opPreventAllowMediumRemoval:
		itf.enterStatusLocked()

	case opModeSense6:
		itf.startDataInLocked(itf.modeSense6(lun, length))

	case opModeSense10:
		itf.startDataInLocked(itf.modeSense10(lun, length))

	case opReportLuns:
		itf.startDataInLocked(itf.reportLUNs(length))

	case opReadFormatCapacities:
		data, ok := itf.readFormatCapacities()
		if !ok {
			itf.sense = senseNotReady
			itf.failOpLocked(Failed)
			return
		}
		itf.startDataInLocked(data)

	case opReadCapacity10:
		data, ok := itf.readCapacity10()
		if !ok {
			itf.sense = senseNotReady
			itf.failOpLocked(Failed)
			return
		}
		itf.startDataInLocked(data)

	case opServiceAction:
		if cdb[1]&0x1F == serviceActionReadCapacity16 {
			data, ok := itf.readCapacity16(length)
			if !ok {
				itf.sense = senseNotReady
				itf.failOpLocked(Failed)
				return
			}
			itf.startDataInLocked(data)
			return
		}
		itf.sense = senseInvalidField
		itf.failOpLocked(Failed)

	case opRead10, opWrite10:
		itf.beginRWLocked(op == opWrite10)

	default:
		// A custom command with an OUT data phase would need its data read
		// off the wire before hooks.SCSI runs, and in more than one
		// DATA-stage chunk at that once it exceeds the staging buffer -
		// unimplemented, so surface it as a protocol error rather than
		// silently calling the hook against a stale buffer.
		if !itf.cbw.directionIn() && itf.totalLen > 0 {
			itf.sense = senseIllegalReq
			itf.lastErr = ErrMultiPacketUnsupported
			itf.failOpLocked(PhaseError)
			return
		}

		if itf.hooks.SCSI != nil {
			n, err := itf.hooks.SCSI(lun, cdb, itf.buf)
			if err != nil {
				itf.sense = senseIllegalReq
				itf.failOpLocked(Failed)
				return
			}
			if n > 0 {
				itf.startDataInLocked(itf.buf[:n])
				return
			}
			itf.enterStatusLocked()
			return
		}
		itf.sense = senseIllegalReq
		itf.failOpLocked(Failed)
	}
}

// startDataInLocked resolves the direction/length cases of an IN data phase
// for a synchronously-produced response, then arms the transfer.
func (itf *Interface) startDataInLocked(data []byte) {
	if !itf.cbw.directionIn() {
		itf.failOpLocked(PhaseError)
		return
	}
	if itf.totalLen == 0 {
		if len(data) > 0 {
			itf.failOpLocked(PhaseError)
			return
		}
		itf.enterStatusLocked()
		return
	}

	n := len(data)
	if n > itf.totalLen {
		n = itf.totalLen
	}
	if n == 0 {
		itf.enterStatusLocked()
		return
	}

	copy(itf.buf[:n], data[:n])
	itf.stage = StageData
	itf.transferLocked(itf.epIn, itf.buf[:n], n)
}

// inquiry, p94, 3.6.2 Standard INQUIRY data, SCSI Commands Reference
// Manual, Rev. J.
func (itf *Interface) inquiry(length int) []byte {
	if length <= 0 {
		length = 36
	}

	data := make([]byte, 5)
	if !itf.hooks.testUnitReady(0) {
		data[0] |= 0b001 << 5
	}
	data[1] = 0x80 // removable media
	data[2] = 0x05 // SPC-3 compliant
	data[3] = 0x02 // response data format
	data[4] = byte(length - 5)

	data = append(data, make([]byte, 3)...)
	data = append(data, padField(itf.hooks.VendorID, 8)...)
	data = append(data, padField(itf.hooks.ProductID, 16)...)
	data = append(data, padField(itf.hooks.ProductRevision, 4)...)

	if length > len(data) {
		data = append(data, make([]byte, length-len(data))...)
	} else {
		data = data[:length]
	}
	return data
}

func padField(s string, width int) []byte {
	b := make([]byte, width)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// requestSense, p56, 2.4.1.2 Fixed format sense data, SCSI Commands
// Reference Manual, Rev. J.
func (itf *Interface) requestSense(length int) []byte {
	data := make([]byte, 18)
	data[0] = 0x70
	data[2] = itf.sense.Key
	data[7] = byte(len(data) - 1 - 7)
	data[12] = itf.sense.ASC
	data[13] = itf.sense.ASCQ

	if length > 0 && length < len(data) {
		data = data[:length]
	}
	return data
}

// modeSense6, p111, 3.11 MODE SENSE(6) command, SCSI Commands Reference
// Manual, Rev. J. The write-protect bit, at byte 2 of the 4-byte header, is
// the only field this driver populates; capability pages are not modeled.
func (itf *Interface) modeSense6(lun, length int) []byte {
	if length <= 0 {
		length = 4
	}
	data := make([]byte, length)
	data[0] = byte(length)
	if !itf.hooks.isWritable(lun) && len(data) > 2 {
		data[2] = 0x80
	}
	return data
}

// modeSense10, p113, 3.12 MODE SENSE(10) command, SCSI Commands Reference
// Manual, Rev. J. The wider header pushes the write-protect bit to byte 3.
func (itf *Interface) modeSense10(lun, length int) []byte {
	if length <= 0 {
		length = 8
	}
	data := make([]byte, length)
	binary.BigEndian.PutUint16(data[0:2], uint16(length))
	if !itf.hooks.isWritable(lun) && len(data) > 3 {
		data[3] = 0x80
	}
	return data
}

// reportLUNs, p179, 3.33 REPORT LUNS command, SCSI Commands Reference
// Manual, Rev. J.
func (itf *Interface) reportLUNs(length int) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(8))
	buf.Write(make([]byte, 4))
	buf.WriteByte(0x00)
	binary.Write(buf, binary.BigEndian, uint8(0))
	buf.Write(make([]byte, 6))

	data := buf.Bytes()
	if length > 0 && length < len(data) {
		data = data[:length]
	}
	return data
}

func (itf *Interface) capacity() (blocks int, blockSize int, ok bool) {
	if itf.hooks.Store == nil {
		return 0, 0, false
	}
	blocks, nativeBlockSize := itf.hooks.Store.Info()
	mult := itf.hooks.blockSizeMultiplier()
	if blocks <= 0 || nativeBlockSize <= 0 {
		return 0, 0, false
	}
	return blocks / mult, nativeBlockSize * mult, true
}

// readCapacity10, p155, 3.22 READ CAPACITY (10) command, SCSI Commands
// Reference Manual, Rev. J.
func (itf *Interface) readCapacity10() ([]byte, bool) {
	blocks, blockSize, ok := itf.capacity()
	if !ok {
		return nil, false
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(blocks-1))
	binary.Write(buf, binary.BigEndian, uint32(blockSize))
	return buf.Bytes(), true
}

// readCapacity16, p157, 3.23 READ CAPACITY (16) command, SCSI Commands
// Reference Manual, Rev. J.
func (itf *Interface) readCapacity16(length int) ([]byte, bool) {
	blocks, blockSize, ok := itf.capacity()
	if !ok {
		return nil, false
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(blocks)-1)
	binary.Write(buf, binary.BigEndian, uint64(blockSize))
	buf.Write(make([]byte, 32-buf.Len()))

	data := buf.Bytes()
	if length > 0 && length < len(data) {
		data = data[:length]
	}
	return data, true
}

// readFormatCapacities, p33, 4.10, USB Mass Storage Class - UFI Command
// Specification Rev. 1.0.
func (itf *Interface) readFormatCapacities() ([]byte, bool) {
	blocks, blockSize, ok := itf.capacity()
	if !ok {
		return nil, false
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(8))
	binary.Write(buf, binary.BigEndian, uint32(blocks))
	binary.Write(buf, binary.BigEndian, uint32(0b10<<24|uint32(blockSize)&0xFFFFFF))
	return buf.Bytes(), true
}

// beginRWLocked implements the 13-cases resolution and starts a
// READ_10/WRITE_10 streaming data phase.
func (itf *Interface) beginRWLocked(write bool) {
	blocks, blockSize, ok := itf.capacity()
	if !ok {
		itf.sense = senseNotReady
		itf.failOpLocked(Failed)
		return
	}
	_ = blocks

	cdb := itf.cbw.CB
	lba := binary.BigEndian.Uint32(cdb[2:6])
	count := int(binary.BigEndian.Uint16(cdb[7:9]))

	// Ho<>Di / Hi<>Do: direction implied by the opcode must match the CBW.
	if write == itf.cbw.directionIn() {
		itf.failOpLocked(PhaseError)
		return
	}

	if count == 0 {
		// Hi>Dn / Ho>Dn
		itf.failOpLocked(Failed)
		return
	}

	if int(count)*blockSize != itf.totalLen {
		itf.failOpLocked(PhaseError)
		return
	}

	if write && !itf.hooks.isWritable(int(itf.cbw.LUN)) {
		itf.sense = senseDataProtect
		itf.failOpLocked(Failed)
		return
	}

	itf.rw = &rwState{write: write, lba: int64(lba), blocks: count, blockSize: blockSize}
	itf.busyRetries = 0
	itf.stage = StageData

	if write {
		itf.armNextWriteChunkLocked()
	} else {
		itf.scheduleNextReadChunkLocked()
	}
}

// scheduleNextReadChunkLocked issues the Store I/O for the next READ_10
// chunk and dispatches on its Result, mirroring proc_read10_cmd /
// proc_read_io_data.
func (itf *Interface) scheduleNextReadChunkLocked() {
	chunk := itf.rw.blocks
	if chunk > readWriteChunkBlocks {
		chunk = readWriteChunkBlocks
	}
	n := chunk * itf.rw.blockSize
	itf.pendingChunkBlocks = chunk

	var result blockdev.Result
	if as, ok := itf.hooks.Store.(blockdev.AsyncStore); ok {
		result = as.ReadAsync(itf.rw.lba, chunk, itf.buf[:n])
	} else if err := itf.hooks.Store.ReadBlocks(int(itf.rw.lba), itf.buf[:n]); err != nil {
		result = blockdev.Result{Kind: blockdev.ResultError, Err: err}
	} else {
		result = blockdev.Result{Kind: blockdev.ResultBytes, Bytes: n}
	}

	itf.handleReadResultLocked(result)
}

func (itf *Interface) handleReadResultLocked(result blockdev.Result) {
	switch result.Kind {
	case blockdev.ResultBytes:
		itf.stage = StageData
		itf.transferLocked(itf.epIn, itf.buf[:result.Bytes], result.Bytes)

	case blockdev.ResultBusy:
		itf.busyRetries++
		if itf.busyRetries > maxBusyRetries {
			itf.sense = senseNotReady
			itf.failOpLocked(Failed)
			return
		}
		itf.scheduleNextReadChunkLocked()

	case blockdev.ResultError:
		itf.sense = senseNotReady
		itf.failOpLocked(Failed)

	case blockdev.ResultAsync:
		itf.pendingIO = true
	}
}

// armNextWriteChunkLocked arms the OUT endpoint to receive the next
// WRITE_10 chunk from the host; the actual Store write happens once that
// data has arrived, in continueRWLocked.
func (itf *Interface) armNextWriteChunkLocked() {
	chunk := itf.rw.blocks
	if chunk > readWriteChunkBlocks {
		chunk = readWriteChunkBlocks
	}
	n := chunk * itf.rw.blockSize
	itf.pendingChunkBlocks = chunk
	itf.stage = StageData
	itf.transferLocked(itf.epOut, itf.buf[:n], n)
}

// continueRWLocked is called from XferCB once a DATA-stage chunk transfer
// completes; n is the number of bytes just moved.
func (itf *Interface) continueRWLocked(n int) {
	if itf.rw.write {
		itf.writeChunkLocked(n)
		return
	}

	chunk := n / itf.rw.blockSize
	itf.rw.lba += int64(chunk)
	itf.rw.blocks -= chunk

	if itf.rw.blocks <= 0 || itf.xferredLen >= itf.totalLen {
		itf.rw = nil
		itf.enterStatusLocked()
		return
	}
	itf.scheduleNextReadChunkLocked()
}

// writeChunkLocked hands n bytes of itf.buf to the Store, starting at the
// current rw.lba; n is always a whole number of blocks.
func (itf *Interface) writeChunkLocked(n int) {
	chunk := n / itf.rw.blockSize
	var result blockdev.Result
	if as, ok := itf.hooks.Store.(blockdev.AsyncStore); ok {
		result = as.WriteAsync(itf.rw.lba, chunk, itf.buf[:n])
	} else if err := itf.hooks.Store.WriteBlocks(int(itf.rw.lba), itf.buf[:n]); err != nil {
		result = blockdev.Result{Kind: blockdev.ResultError, Err: err}
	} else {
		result = blockdev.Result{Kind: blockdev.ResultBytes, Bytes: n}
	}
	itf.handleWriteResultLocked(result, n)
}

// handleWriteResultLocked advances rw by whatever the Store actually
// consumed. A Store is free to consume fewer bytes than it was handed
// (result.Bytes < n); the unconsumed tail is moved to the front of the
// buffer and retried immediately instead of being silently dropped or
// treated as fully written.
func (itf *Interface) handleWriteResultLocked(result blockdev.Result, n int) {
	switch result.Kind {
	case blockdev.ResultBytes:
		consumed := result.Bytes
		if consumed > n {
			consumed = n
		}
		blocks := consumed / itf.rw.blockSize
		itf.rw.lba += int64(blocks)
		itf.rw.blocks -= blocks
		if remainder := n - blocks*itf.rw.blockSize; remainder > 0 && itf.rw.blocks > 0 {
			copy(itf.buf[:remainder], itf.buf[n-remainder:n])
			itf.writeChunkLocked(remainder)
			return
		}
		if itf.rw.blocks <= 0 || itf.xferredLen >= itf.totalLen {
			itf.rw = nil
			itf.enterStatusLocked()
			return
		}
		itf.armNextWriteChunkLocked()

	case blockdev.ResultBusy:
		itf.busyRetries++
		if itf.busyRetries > maxBusyRetries {
			itf.sense = senseNotReady
			itf.failOpLocked(Failed)
			return
		}
		itf.writeChunkLocked(n)

	case blockdev.ResultError:
		itf.sense = senseNotReady
		itf.failOpLocked(Failed)

	case blockdev.ResultAsync:
		itf.pendingIO = true
		itf.pendingChunkBlocks = n / itf.rw.blockSize
	}
}

// resumeAsyncLocked continues a READ_10/WRITE_10 whose Store I/O completed
// asynchronously, replaying the same path a synchronous ResultBytes/
// ResultError would have taken.
func (itf *Interface) resumeAsyncLocked(result blockdev.Result) {
	if itf.rw == nil {
		return
	}
	if itf.rw.write {
		itf.handleWriteResultLocked(result, itf.pendingChunkBlocks*itf.rw.blockSize)
		return
	}
	itf.handleReadResultLocked(result)
}
