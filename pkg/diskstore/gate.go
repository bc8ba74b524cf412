package diskstore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/calvinalkan/diskspill/internal/fs"
)

// fileGate serializes access to the shared backing file handle.
//
// Every seek+transfer pair (and the length-read+extend pair, which must be
// atomic as a unit so two allocators never compute overlapping offsets)
// runs under one mutex. The guarded region is kept minimal: serialization
// and deserialization of payload bytes happen outside the gate, so
// concurrent readers only contend for the actual file transfer.
type fileGate struct {
	mu   sync.Mutex
	file fs.File
}

// openGate opens (or creates) the backing file for read/write. Failure
// here fails the whole store construction; no partial state is retained.
func openGate(fsys fs.FS, path string) (*fileGate, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}

	return &fileGate{file: file}, nil
}

// readAt fills buf from the given offset: guarded seek + full read.
func (g *fileGate) readAt(position int64, buf []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return ErrClosed
	}

	_, err := g.file.Seek(position, io.SeekStart)
	if err != nil {
		return err
	}

	_, err = io.ReadFull(g.file, buf)

	return err
}

// writeAt writes data at the given offset: guarded seek + write.
func (g *fileGate) writeAt(position int64, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return ErrClosed
	}

	_, err := g.file.Seek(position, io.SeekStart)
	if err != nil {
		return err
	}

	_, err = g.file.Write(data)

	return err
}

// extend grows the backing file by size bytes and returns the old length,
// which becomes the new slot's position. Reading the length and growing
// the file happen as one guarded unit.
func (g *fileGate) extend(size int) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return 0, ErrClosed
	}

	info, err := g.file.Stat()
	if err != nil {
		return 0, err
	}

	position := info.Size()

	err = g.file.Truncate(position + int64(size))
	if err != nil {
		return 0, err
	}

	return position, nil
}

// close releases the file handle. Idempotent.
func (g *fileGate) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return nil
	}

	err := g.file.Close()
	g.file = nil

	return err
}
