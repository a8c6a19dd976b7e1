//go:build linux || darwin

package alloc

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultChunkSize is the size of each mapping an Mmap allocator adds.
const DefaultChunkSize = 64 * 1024 * 1024

// Mmap carves blocks out of memory-mapped chunks. With a path the chunks are
// backed by that file (a stand-in for a persistent-memory region); without one
// they are anonymous. Chunks are never remapped, so blocks stay valid until
// Close.
type Mmap struct {
	mu        sync.Mutex
	file      *os.File
	blockSize int
	chunkSize int
	chunks    [][]byte
	free      [][]byte
	cursor    int // next uncarved offset in the last chunk
	fileSize  int64
	inUse     int64
	closed    bool
}

// NewMmap creates an mmap allocator. chunkSize is rounded down to a multiple
// of blockSize; zero selects DefaultChunkSize.
func NewMmap(path string, blockSize, chunkSize int) (*Mmap, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkSize -= chunkSize % blockSize
	if chunkSize == 0 {
		chunkSize = blockSize
	}

	m := &Mmap{blockSize: blockSize, chunkSize: chunkSize}
	if path != "" {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return nil, errors.Wrapf(err, "open region file %s", path)
		}
		m.file = file
	}
	return m, nil
}

// grow maps one more chunk. Caller holds mu.
func (m *Mmap) grow() error {
	var (
		data []byte
		err  error
	)
	if m.file != nil {
		newSize := m.fileSize + int64(m.chunkSize)
		if err := m.file.Truncate(newSize); err != nil {
			return errors.Wrapf(err, "extend region file to %d bytes", newSize)
		}
		data, err = unix.Mmap(int(m.file.Fd()), m.fileSize, m.chunkSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return errors.Wrapf(err, "map region file at offset %d", m.fileSize)
		}
		m.fileSize = newSize
	} else {
		data, err = unix.Mmap(-1, 0, m.chunkSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return errors.Wrapf(err, "map %d anonymous bytes", m.chunkSize)
		}
	}
	m.chunks = append(m.chunks, data)
	m.cursor = 0
	return nil
}

func (m *Mmap) Alloc() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if n := len(m.free); n > 0 {
		b := m.free[n-1]
		m.free = m.free[:n-1]
		m.inUse++
		return b, nil
	}
	if len(m.chunks) == 0 || m.cursor+m.blockSize > m.chunkSize {
		if err := m.grow(); err != nil {
			return nil, err
		}
	}
	last := m.chunks[len(m.chunks)-1]
	b := last[m.cursor : m.cursor+m.blockSize : m.cursor+m.blockSize]
	m.cursor += m.blockSize
	m.inUse++
	return b, nil
}

// Free returns a block to the allocator. Blocks that were not carved from
// this allocator are ignored.
func (m *Mmap) Free(block []byte) {
	if len(block) != m.blockSize {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.owns(block) {
		return
	}
	m.free = append(m.free, block)
	m.inUse--
}

func (m *Mmap) owns(block []byte) bool {
	p := uintptr(unsafe.Pointer(unsafe.SliceData(block)))
	for _, c := range m.chunks {
		start := uintptr(unsafe.Pointer(unsafe.SliceData(c)))
		if p >= start && p < start+uintptr(len(c)) {
			return true
		}
	}
	return false
}

func (m *Mmap) BlockSize() int { return m.blockSize }

func (m *Mmap) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		InUse:  m.inUse,
		Mapped: int64(len(m.chunks)) * int64(m.chunkSize),
	}
}

// Sync flushes file-backed chunks.
func (m *Mmap) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	for _, c := range m.chunks {
		if err := unix.Msync(c, unix.MS_SYNC); err != nil {
			return errors.Wrap(err, "msync")
		}
	}
	return m.file.Sync()
}

// Close unmaps every chunk. Blocks handed out become invalid.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, c := range m.chunks {
		if err := unix.Munmap(c); err != nil {
			return errors.Wrap(err, "munmap")
		}
	}
	m.chunks = nil
	m.free = nil
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}
