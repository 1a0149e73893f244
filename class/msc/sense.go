// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

// Sense is the SCSI sense key / additional sense code / additional sense
// code qualifier triple reported by REQUEST_SENSE and carried internally
// between a failing command and the CSW that reports it.
type Sense struct {
	Key  byte
	ASC  byte
	ASCQ byte
}

// Well-known sense triples used by the built-in command set. Values per
// SCSI Commands Reference Manual, Rev. J.
var (
	senseNone          = Sense{0x00, 0x00, 0x00}
	senseIllegalReq    = Sense{0x05, 0x20, 0x00} // ILLEGAL REQUEST / INVALID COMMAND OPERATION CODE
	senseNotReady      = Sense{0x02, 0x3A, 0x00} // NOT READY / MEDIUM NOT PRESENT
	senseDataProtect   = Sense{0x07, 0x27, 0x00} // DATA PROTECT / WRITE PROTECTED
	senseInvalidField  = Sense{0x05, 0x24, 0x00} // ILLEGAL REQUEST / INVALID FIELD IN CDB
)

// Outcome is the result of SCSI command dispatch, replacing the reference
// driver's overloaded -1/0/length return with an explicit sum type per the
// error-signaling redesign note.
type Outcome int

const (
	Passed Outcome = iota
	Failed
	PhaseError
)
