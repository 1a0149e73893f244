// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

import (
	"fmt"
	"io/ioutil"
	"os"

	gofs "github.com/mitchellh/go-fs"
	"github.com/mitchellh/go-fs/fat"
)

// FATFile is one file to place at the root of a generated FAT16 image.
type FATFile struct {
	Name string
	Data []byte
}

// NewFATImage builds a FAT16-formatted in-memory MemStore of the given
// block geometry, pre-populated with files, generalizing the reference
// driver's one-off PairingDisk image builder (internal/ums/pairing.go) into
// a reusable fixture for exercising the SCSI command processor's built-in
// handlers against a real filesystem image instead of a bare byte array.
//
// go-fs only operates on an *os.File, so construction goes through a
// temporary file that is read back into memory once formatting completes;
// the returned MemStore holds no reference to the filesystem afterward.
func NewFATImage(blocks, blockSize int, label string, files []FATFile) (*MemStore, error) {
	tmp, err := ioutil.TempFile("", "fatimage-*.img")
	if err != nil {
		return nil, fmt.Errorf("blockdev: create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := tmp.Truncate(int64(blocks * blockSize)); err != nil {
		return nil, fmt.Errorf("blockdev: truncate temp image: %w", err)
	}

	dev, err := gofs.NewFileDisk(tmp)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open file disk: %w", err)
	}

	conf := &fat.SuperFloppyConfig{
		FATType: fat.FAT16,
		Label:   label,
		OEMName: label,
	}
	if err := fat.FormatSuperFloppy(dev, conf); err != nil {
		return nil, fmt.Errorf("blockdev: format FAT16: %w", err)
	}

	f, err := fat.New(dev)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open FAT filesystem: %w", err)
	}

	root, err := f.RootDir()
	if err != nil {
		return nil, fmt.Errorf("blockdev: open root dir: %w", err)
	}

	for _, file := range files {
		if err := addFile(root, file.Name, file.Data); err != nil {
			return nil, fmt.Errorf("blockdev: add file %s: %w", file.Name, err)
		}
	}

	raw, err := ioutil.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("blockdev: read back temp image: %w", err)
	}
	if len(raw) < blocks*blockSize {
		raw = append(raw, make([]byte, blocks*blockSize-len(raw))...)
	}

	store := NewMemStore(blocks, blockSize)
	copy(store.data, raw)
	return store, nil
}

func addFile(root gofs.Directory, path string, data []byte) error {
	entry, err := root.AddFile(path)
	if err != nil {
		return err
	}
	file, err := entry.File()
	if err != nil {
		return err
	}
	_, err = file.Write(data)
	return err
}
