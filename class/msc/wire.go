// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package msc implements the USB Mass Storage Class Bulk-Only Transport
// state machine and its built-in SCSI command processor, on top of a
// usbd.Controller-shaped device controller driver.
package msc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355

	// CBWLength is the fixed wire size of a Command Block Wrapper.
	CBWLength = 31
	// CSWLength is the fixed wire size of a Command Status Wrapper.
	CSWLength = 13

	cbwCBMaxLength = 16
)

// CBW is the 31-byte Command Block Wrapper a host sends to open a command.
type CBW struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	Length             uint8
	CB                 [cbwCBMaxLength]byte
}

// directionIn reports whether the host expects a device-to-host data phase.
func (c CBW) directionIn() bool { return c.Flags&0x80 != 0 }

// ParseCBW decodes and validates a 31-byte buffer into a CBW. A non-nil
// error here means the interface must stall both bulk endpoints and enter
// NEED_RESET - there is no partial-credit recovery from a malformed CBW.
func ParseCBW(buf []byte) (CBW, error) {
	var cbw CBW

	if len(buf) != CBWLength {
		return cbw, fmt.Errorf("msc: invalid CBW size %d != %d", len(buf), CBWLength)
	}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &cbw); err != nil {
		return cbw, fmt.Errorf("msc: decode CBW: %w", err)
	}

	if cbw.Signature != cbwSignature {
		return cbw, fmt.Errorf("msc: invalid CBW signature %#x", cbw.Signature)
	}
	if cbw.Length < 1 || cbw.Length > cbwCBMaxLength {
		return cbw, fmt.Errorf("msc: invalid command block length %d", cbw.Length)
	}

	return cbw, nil
}

// CSWStatus is the one-byte Command Status Wrapper status field.
type CSWStatus uint8

const (
	StatusPassed     CSWStatus = 0
	StatusFailed     CSWStatus = 1
	StatusPhaseError CSWStatus = 2
)

// CSW is the 13-byte Command Status Wrapper a device sends to close a
// command.
type CSW struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      CSWStatus
}

// Bytes serializes a CSW to its 13-byte wire representation.
func (c CSW) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, c.Signature)
	binary.Write(buf, binary.LittleEndian, c.Tag)
	binary.Write(buf, binary.LittleEndian, c.DataResidue)
	buf.WriteByte(byte(c.Status))
	return buf.Bytes()
}

// newCSW seeds a CSW with the signature and echoed tag every response
// carries, per p8, 3.3 Host/Device Packet Transfer Order, USB Mass Storage
// Class 1.0.
func newCSW(tag uint32) CSW {
	return CSW{Signature: cswSignature, Tag: tag, Status: StatusPassed}
}
