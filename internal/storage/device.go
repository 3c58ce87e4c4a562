package storage

import "github.com/alexhholmes/fredb/internal/base"

// Device is the storage backend the pager drives. Storage (direct I/O),
// MMap, and Memory each implement it; the pager is otherwise unaware of
// which one backs a given environment.
type Device interface {
	ReadPage(id base.PageID) (*base.Page, error)
	WritePage(id base.PageID, page *base.Page) error
	WriteAt(id base.PageID, data []byte) error
	Sync() error
	Empty() (bool, error)
	Close() error
	GetBuffer() []byte
	PutBuffer(buf []byte)
	Stats() Stats
}
