// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blockdev defines the application-facing block storage interface
// the SCSI command processor drives, along with helpers for batching
// multi-block I/O and building test backing stores.
package blockdev

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Store is the capability interface an application supplies to back a
// logical unit, generalized from the reference driver's Card interface
// (Detect/Info/ReadBlocks/WriteBlocks) with the host-specific card info
// type replaced by a plain (blocks, blockSize) pair.
type Store interface {
	Detect() error
	Info() (blocks int, blockSize int)
	ReadBlocks(lba int, buf []byte) error
	WriteBlocks(lba int, buf []byte) error
}

// ResultKind distinguishes the ways an application I/O callback can
// complete, replacing the reference driver's overloaded int32 return value
// (positive byte count, 0 for BUSY, -1 for ERROR, a sentinel for ASYNC)
// with a small explicit sum type.
type ResultKind int

const (
	// Bytes indicates n valid bytes were produced/consumed synchronously.
	ResultBytes ResultKind = iota
	// Busy indicates the caller should poll again. The MSC driver retries
	// the same I/O at once, up to a fixed retry limit, and fails the
	// command with NOT READY once that limit is passed; it does not defer
	// the retry to a later pass of its state machine.
	ResultBusy
	// Error indicates the operation failed; a sense condition should be
	// raised.
	ResultError
	// Async indicates completion will be reported later, out of band, via
	// a completion callback.
	ResultAsync
)

// Result is returned by application read/write callbacks.
type Result struct {
	Kind  ResultKind
	Bytes int
	Err   error
}

// WriteBatched writes buf (whole multiples of blockSize) to store starting
// at lba, splitting the run into batches of at most batchBlocks and issuing
// each batch's WriteBlocks call from its own goroutine in an errgroup, the
// same pipelining the reference driver uses to overlap encryption with
// storage I/O. The first error from any batch is returned; other batches
// still in flight are allowed to finish (errgroup.Group does not cancel
// siblings without an explicit context, matching the reference driver's
// unconditional eg.Wait()).
func WriteBatched(store Store, lba int, buf []byte, blockSize int, batchBlocks int) error {
	if blockSize <= 0 {
		return fmt.Errorf("blockdev: invalid block size %d", blockSize)
	}
	if len(buf)%blockSize != 0 {
		return fmt.Errorf("blockdev: buffer length %d is not a multiple of block size %d", len(buf), blockSize)
	}
	blocks := len(buf) / blockSize

	eg := &errgroup.Group{}
	batch := batchBlocks
	if batch <= 0 {
		batch = blocks
	}

	for i := 0; i < blocks; i += batch {
		n := batch
		if i+n > blocks {
			n = blocks - i
		}
		start := i * blockSize
		end := start + n*blockSize
		slice := buf[start:end]
		blockLBA := lba + i

		eg.Go(func() error {
			return store.WriteBlocks(blockLBA, slice)
		})
	}

	return eg.Wait()
}

// ReadBatched is the read-side counterpart of WriteBatched: it issues
// ReadBlocks in batches sequentially (there is nothing to parallelize on
// the read side beyond what WriteBatched buys on write, since callers
// typically want the earliest batch available first for streaming), but
// keeps the same batching shape so callers can tune it identically.
func ReadBatched(store Store, lba int, buf []byte, blockSize int, batchBlocks int) error {
	if blockSize <= 0 {
		return fmt.Errorf("blockdev: invalid block size %d", blockSize)
	}
	if len(buf)%blockSize != 0 {
		return fmt.Errorf("blockdev: buffer length %d is not a multiple of block size %d", len(buf), blockSize)
	}
	blocks := len(buf) / blockSize

	batch := batchBlocks
	if batch <= 0 {
		batch = blocks
	}

	for i := 0; i < blocks; i += batch {
		n := batch
		if i+n > blocks {
			n = blocks - i
		}
		start := i * blockSize
		end := start + n*blockSize
		if err := store.ReadBlocks(lba+i, buf[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// MemStore is an in-memory Store backed by a plain byte slice, used by
// tests and as the store NewFATImage returns.
type MemStore struct {
	blockSize int
	data      []byte
}

// NewMemStore allocates a MemStore of the given block geometry.
func NewMemStore(blocks, blockSize int) *MemStore {
	return &MemStore{blockSize: blockSize, data: make([]byte, blocks*blockSize)}
}

func (m *MemStore) Detect() error { return nil }

func (m *MemStore) Info() (blocks int, blockSize int) {
	return len(m.data) / m.blockSize, m.blockSize
}

func (m *MemStore) ReadBlocks(lba int, buf []byte) error {
	start := lba * m.blockSize
	if start < 0 || start+len(buf) > len(m.data) {
		return fmt.Errorf("blockdev: read out of range: lba=%d len=%d", lba, len(buf))
	}
	copy(buf, m.data[start:start+len(buf)])
	return nil
}

func (m *MemStore) WriteBlocks(lba int, buf []byte) error {
	start := lba * m.blockSize
	if start < 0 || start+len(buf) > len(m.data) {
		return fmt.Errorf("blockdev: write out of range: lba=%d len=%d", lba, len(buf))
	}
	copy(m.data[start:start+len(buf)], buf)
	return nil
}

// Bytes exposes the raw backing array.
func (m *MemStore) Bytes() []byte { return m.data }
