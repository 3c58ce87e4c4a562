package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/fredb/internal/base"
)

// ErrOutOfMemory is returned by Memory when a write would grow the backing
// buffer past its configured limit. Aliased as fredb.ErrOutOfMemory.
var ErrOutOfMemory = errors.New("out of memory")

// Memory implements Device entirely in a growable in-process byte slice, with
// no backing file. It exists for tests and for callers that want a fresh
// throwaway environment without touching the filesystem; it never survives a
// process restart.
type Memory struct {
	mu    sync.RWMutex
	data  []byte
	limit int64 // max backing buffer size in bytes, 0 means unlimited

	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// NewMemory creates a new in-memory storage backend with no size limit.
func NewMemory() *Memory {
	return &Memory{}
}

// NewMemoryWithLimit creates an in-memory storage backend that refuses to
// grow its backing buffer past limit bytes, returning ErrOutOfMemory instead.
// Used when a DB is opened with WithMemoryLimit set.
func NewMemoryWithLimit(limit int64) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) growLocked(minSize int64) error {
	if int64(len(m.data)) >= minSize {
		return nil
	}
	if m.limit > 0 && minSize > m.limit {
		return ErrOutOfMemory
	}
	grown := make([]byte, minSize)
	copy(grown, m.data)
	m.data = grown
	return nil
}

// ReadPage reads a page's worth of bytes starting at id's offset.
func (m *Memory) ReadPage(id base.PageID) (*base.Page, error) {
	offset := int64(id) * base.PageSize

	m.mu.RLock()
	defer m.mu.RUnlock()

	m.reads.Add(1)
	if offset+base.PageSize > int64(len(m.data)) {
		return nil, fmt.Errorf("short read: page %d beyond end of store", id)
	}

	buf := make([]byte, base.PageSize)
	copy(buf, m.data[offset:offset+base.PageSize])
	m.read.Add(base.PageSize)

	return (*base.Page)(unsafe.Pointer(&buf[0])), nil
}

// WritePage writes a single page at id's offset, growing the store if needed.
func (m *Memory) WritePage(id base.PageID, page *base.Page) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(page)), base.PageSize)
	return m.WriteAt(id, buf)
}

// WriteAt writes one or more contiguous pages starting at id.
func (m *Memory) WriteAt(id base.PageID, data []byte) error {
	if len(data)%base.PageSize != 0 {
		return fmt.Errorf("data size %d is not a multiple of page size %d", len(data), base.PageSize)
	}

	offset := int64(id) * base.PageSize

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes.Add(1)
	if err := m.growLocked(offset + int64(len(data))); err != nil {
		return err
	}
	copy(m.data[offset:offset+int64(len(data))], data)
	m.written.Add(uint64(len(data)))

	return nil
}

// Sync is a no-op: there is nothing durable to flush to.
func (m *Memory) Sync() error {
	return nil
}

// Empty reports whether the store has never been written to.
func (m *Memory) Empty() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data) == 0, nil
}

// Close discards the backing slice.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// GetBuffer returns a fresh page-sized buffer. There is no pool to draw
// from since there is no alignment requirement without direct I/O.
func (m *Memory) GetBuffer() []byte {
	return make([]byte, base.PageSize)
}

// PutBuffer is a no-op: buffers returned by GetBuffer aren't pooled.
func (m *Memory) PutBuffer(buf []byte) {}

// Stats returns I/O statistics.
func (m *Memory) Stats() Stats {
	return Stats{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		Read:    m.read.Load(),
		Written: m.written.Load(),
	}
}
