// Package pager owns the on-disk page file: allocation, the dual meta-page
// commit protocol, the MVCC freelist, and database reference counting. The
// B-tree layers above it work entirely in terms of base.PageData; pager is
// where that in-memory representation meets bytes on disk.
package pager

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"

	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/cache"
	"github.com/alexhholmes/fredb/internal/journal"
	"github.com/alexhholmes/fredb/internal/storage"
)

// SyncMode controls when a commit fsyncs the underlying file.
type SyncMode int

const (
	SyncEveryCommit SyncMode = iota
	SyncOff
)

// Pager coordinates storage, cache, dual meta pages, and the freelist.
type Pager struct {
	cache *cache.Cache
	store storage.Device
	mode  SyncMode

	// Dual meta pages for atomic writes, visible to readers via active.
	active atomic.Pointer[Snapshot]
	meta0  Snapshot
	meta1  Snapshot

	pages       atomic.Uint64 // total pages allocated, including uncommitted
	pagesOnDisk atomic.Uint64 // highest page ID actually written
	maxPages    atomic.Uint64 // 0 means unlimited; enforced in Commit

	freelist *Freelist

	jrn *journal.Journal // nil unless the environment was opened with recovery enabled

	// Database reference counting: a database root can't be freed while a
	// transaction still holds a reference to it, even if it was deleted
	// by a concurrent transaction.
	databases   sync.Map
	DeletedMu sync.RWMutex
	Deleted   map[base.PageID]struct{}

	cleanup sync.WaitGroup
}

// NewPager opens or initializes the page file behind store.
func NewPager(mode SyncMode, store storage.Device, c *cache.Cache) (*Pager, error) {
	p := &Pager{
		mode:     mode,
		store:    store,
		cache:    c,
		freelist: New(),
		Deleted:  make(map[base.PageID]struct{}),
	}

	empty, err := store.Empty()
	if err != nil {
		return nil, err
	}

	if empty {
		if err := p.initEmpty(); err != nil {
			return nil, err
		}
	} else {
		if err := p.loadExisting(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pager) initEmpty() error {
	meta := base.MetaPage{
		Magic:           base.MagicNumber,
		Version:         base.FormatVersion,
		PageSize:        base.PageSize,
		RootPageID:      0,
		FreelistID:      2,
		FreelistPages:   1,
		TxID:            0,
		CheckpointTxnID: 0,
		NumPages:        3,
	}
	meta.Checksum = meta.CalculateChecksum()

	p.meta0 = Snapshot{Meta: meta}
	p.meta1 = Snapshot{Meta: meta}
	p.active.Store(&p.meta0)

	p.pages.Store(meta.NumPages)
	p.pagesOnDisk.Store(2)

	metaPage := &base.Page{}
	metaPage.WriteMeta(&meta)
	if err := p.store.WritePage(0, metaPage); err != nil {
		return err
	}
	if err := p.store.WritePage(1, metaPage); err != nil {
		return err
	}

	freelistPages := []*base.Page{{}}
	p.freelist.Serialize(freelistPages)
	if err := p.store.WritePage(2, freelistPages[0]); err != nil {
		return err
	}

	return p.store.Sync()
}

func (p *Pager) loadExisting() error {
	page0, err := p.store.ReadPage(0)
	if err != nil {
		return err
	}
	page1, err := p.store.ReadPage(1)
	if err != nil {
		return err
	}

	meta0 := page0.ReadMeta()
	meta1 := page1.ReadMeta()
	err0 := meta0.Validate()
	err1 := meta1.Validate()

	if err0 != nil && err1 != nil {
		return fmt.Errorf("both meta pages corrupted: %v, %v", err0, err1)
	}

	if err0 == nil {
		p.meta0.Meta = *meta0
	}
	if err1 == nil {
		p.meta1.Meta = *meta1
	}

	switch {
	case err0 != nil:
		p.active.Store(&p.meta1)
	case err1 != nil:
		p.active.Store(&p.meta0)
	case meta0.TxID > meta1.TxID:
		p.active.Store(&p.meta0)
	default:
		p.active.Store(&p.meta1)
	}

	activeMeta := p.active.Load()
	freelistPages := make([]*base.Page, activeMeta.Meta.FreelistPages)
	for i := uint64(0); i < activeMeta.Meta.FreelistPages; i++ {
		page, err := p.store.ReadPage(activeMeta.Meta.FreelistID + base.PageID(i))
		if err != nil {
			return err
		}
		freelistPages[i] = page
	}
	p.freelist.Deserialize(freelistPages)
	p.freelist.Release(activeMeta.Meta.TxID, nil)

	p.pages.Store(activeMeta.Meta.NumPages)
	if activeMeta.Meta.NumPages > 0 {
		p.pagesOnDisk.Store(activeMeta.Meta.NumPages - 1)
	}

	root, err := p.LoadNode(activeMeta.Meta.RootPageID)
	if err == nil {
		activeMeta.Root = root
	}

	return nil
}

// Allocate reserves count contiguous page IDs, preferring a single freed
// page over growing the file when count == 1.
func (p *Pager) Allocate(count int) base.PageID {
	if count <= 0 {
		return 0
	}

	if count == 1 {
		if id := p.freelist.Allocate(); id != 0 {
			return id
		}
	}

	return base.PageID(p.pages.Add(uint64(count)) - uint64(count))
}

// SetJournal wires a write-ahead journal into Commit: every dirty page and
// its closing commit record are appended there (and fsynced, in
// SyncEveryCommit mode) before Commit touches the data file's pages, so a
// crash mid-commit leaves a redo trail instead of a torn write.
func (p *Pager) SetJournal(j *journal.Journal) {
	p.jrn = j
}

// SetMaxPages caps the highest page ID Commit will allow to be written,
// enforcing an environment file-size limit. 0 means unlimited.
func (p *Pager) SetMaxPages(n uint64) {
	p.maxPages.Store(n)
}

// ErrFileSizeLimit is returned by Commit when writing the current set of
// dirty pages would grow the file past the configured maximum.
var ErrFileSizeLimit = errors.New("pager: file size limit exceeded")

// Free marks a page reusable once no in-flight reader can still see it.
func (p *Pager) Free(id base.PageID) {
	p.freelist.Free(id)
}

// FreePage is an alias for Free, named to match the transaction layer's
// call sites.
func (p *Pager) FreePage(id base.PageID) {
	p.Free(id)
}

// Allocation records where a page ID came from, needed by Rollback to
// decide whether an abandoned allocation must be returned to the freelist
// (FromIncrement) or was already a freelist entry that stays put either way.
type Allocation int

const (
	FromFreelist Allocation = iota
	FromIncrement
)

// AssignPageID allocates a single page ID and reports its provenance.
func (p *Pager) AssignPageID() (base.PageID, Allocation) {
	if id := p.freelist.Allocate(); id != 0 {
		return id, FromFreelist
	}
	return base.PageID(p.pages.Add(1) - 1), FromIncrement
}

func (p *Pager) TrackWrite(pageID base.PageID) {
	for {
		old := p.pagesOnDisk.Load()
		if uint64(pageID) <= old {
			return
		}
		if p.pagesOnDisk.CompareAndSwap(old, uint64(pageID)) {
			return
		}
	}
}

// Release promotes pending-freed pages older than minTxnID to the reusable
// set, invalidating their cache entries atomically under the freelist lock.
func (p *Pager) Release(minTxnID uint64) int {
	return p.freelist.Release(minTxnID, func(pageID base.PageID) {
		p.cache.Delete(pageID)
	})
}

// ReleasePages is an alias for Release, named to match the transaction
// layer's call sites.
func (p *Pager) ReleasePages(minTxnID uint64) int {
	return p.Release(minTxnID)
}

func (p *Pager) GetMeta() base.MetaPage {
	return p.active.Load().Meta
}

func (p *Pager) GetSnapshot() Snapshot {
	return *p.active.Load()
}

// PutSnapshot persists metadata to the inactive meta page. It does not
// flip visibility; call CommitSnapshot after fsync for that.
func (p *Pager) PutSnapshot(meta base.MetaPage, root base.PageData) error {
	meta.NumPages = p.pagesOnDisk.Load() + 1
	meta.Checksum = meta.CalculateChecksum()

	metaPageID := base.PageID(meta.TxID % 2)

	buf := p.store.GetBuffer()
	defer p.store.PutBuffer(buf)
	metaPage := (*base.Page)(unsafe.Pointer(&buf[0]))
	metaPage.WriteMeta(&meta)
	if err := p.store.WritePage(metaPageID, metaPage); err != nil {
		return err
	}

	if metaPageID == 0 {
		p.meta0 = Snapshot{Meta: meta, Root: root}
	} else {
		p.meta1 = Snapshot{Meta: meta, Root: root}
	}

	return nil
}

// CommitSnapshot atomically flips the active pointer to whichever in-memory
// meta copy has the higher TxID. Safe under the single-writer rule.
func (p *Pager) CommitSnapshot() {
	if p.meta0.Meta.TxID >= p.meta1.Meta.TxID {
		p.active.Store(&p.meta0)
	} else {
		p.active.Store(&p.meta1)
	}
}

// LoadNode retrieves a decoded page, checking the cache before disk.
func (p *Pager) LoadNode(pageID base.PageID) (base.PageData, error) {
	if node, hit := p.cache.Get(pageID); hit {
		return node, nil
	}

	page, err := p.store.ReadPage(pageID)
	if err != nil {
		return nil, err
	}

	node, err := decodePage(page)
	if err != nil {
		return nil, err
	}

	if pageID != node.ID() {
		panic(fmt.Sprintf("pager: page %d decoded with id %d", pageID, node.ID()))
	}

	p.cache.Put(pageID, node)
	return node, nil
}

// GetNode is an alias for LoadNode, named to match the transaction layer's
// call sites.
func (p *Pager) GetNode(pageID base.PageID) (base.PageData, error) {
	return p.LoadNode(pageID)
}

func decodePage(page *base.Page) (base.PageData, error) {
	switch page.Header().Flags {
	case base.LeafPageFlag:
		leaf := base.NewLeafPage()
		if err := leaf.Deserialize(page); err != nil {
			return nil, err
		}
		leaf.SetDirty(false)
		return leaf, nil
	case base.BranchPageFlag:
		branch := base.NewBranchPage()
		if err := branch.Deserialize(page); err != nil {
			return nil, err
		}
		branch.SetDirty(false)
		return branch, nil
	case base.OverflowPageFlag:
		ov := base.NewOverflowPage()
		if err := ov.Deserialize(page); err != nil {
			return nil, err
		}
		ov.SetDirty(false)
		return ov, nil
	default:
		return nil, base.ErrCorruptPage
	}
}

// Commit writes every dirty page in pages to disk, folds freed into the
// freelist's pending set at txID, and publishes the new root via the meta
// pages. Caller must hold the environment's write lock.
func (p *Pager) Commit(pages *btree.BTreeG[base.PageData], root base.PageData, freed map[base.PageID]struct{}, txID uint64) error {
	if max := p.maxPages.Load(); max > 0 && pages.Len() > 0 {
		if highest, ok := pages.Max(); ok && uint64(highest.ID())+1 > max {
			return ErrFileSizeLimit
		}
	}

	meta := p.active.Load().Meta
	if root != nil {
		meta.RootPageID = root.ID()
	}
	meta.TxID = txID
	meta.NumPages = p.pagesOnDisk.Load() + 1
	meta.Checksum = meta.CalculateChecksum()

	if p.jrn != nil {
		if err := p.writeJournal(pages, meta, txID); err != nil {
			return err
		}
	}

	if pages.Len() > 0 {
		if err := p.writePages(pages, txID); err != nil {
			return err
		}
	}

	if len(freed) > 0 {
		freedSlice := make([]base.PageID, 0, len(freed))
		for id := range freed {
			freedSlice = append(freedSlice, id)
		}
		p.freelist.Pending(txID, freedSlice)
	}

	if err := p.PutSnapshot(meta, root); err != nil {
		return err
	}

	if p.mode == SyncEveryCommit {
		if err := p.store.Sync(); err != nil {
			return err
		}
	}

	p.CommitSnapshot()

	if p.jrn != nil {
		if err := p.jrn.Checkpoint(txID); err != nil {
			return err
		}
	}

	return nil
}

// writeJournal appends a redo image of every dirty page plus a closing
// commit record to the write-ahead journal before Commit is allowed to
// touch the data file itself, fsyncing the journal in SyncEveryCommit mode.
func (p *Pager) writeJournal(pages *btree.BTreeG[base.PageData], meta base.MetaPage, txID uint64) error {
	var appendErr error
	pages.Ascend(func(item base.PageData) bool {
		item.SetTxnID(txID)
		page, err := item.Serialize()
		if err != nil {
			appendErr = err
			return false
		}
		if err := p.jrn.AppendPage(txID, item.ID(), page); err != nil {
			appendErr = err
			return false
		}
		return true
	})
	if appendErr != nil {
		return appendErr
	}

	if err := p.jrn.AppendCommit(txID, meta); err != nil {
		return err
	}

	if p.mode == SyncEveryCommit {
		return p.jrn.Sync()
	}
	return nil
}

// writePages ascends the dirty-page set in page-ID order, grouping
// contiguous runs so each run is written with a single syscall.
func (p *Pager) writePages(pages *btree.BTreeG[base.PageData], txID uint64) error {
	if pages.Len() == 1 {
		single, _ := pages.Min()
		return p.WriteRun([]base.PageData{single}, txID)
	}

	var wg sync.WaitGroup
	var failed error
	markFailed := sync.OnceFunc(func() { failed = errors.New("pager: write run failed") })

	run := make([]base.PageData, 0, pages.Len())
	flush := func(r []base.PageData) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.WriteRun(r, txID); err != nil {
				markFailed()
			}
		}()
	}

	pages.Ascend(func(item base.PageData) bool {
		if len(run) == 0 || item.ID() == run[len(run)-1].ID()+1 {
			run = append(run, item)
		} else {
			flush(run)
			run = []base.PageData{item}
		}
		return true
	})
	if len(run) > 0 {
		flush(run)
	}

	wg.Wait()
	return failed
}

// WriteRun serializes and writes a contiguous run of pages in one call,
// stamping txID into each page's header before it goes to disk.
func (p *Pager) WriteRun(run []base.PageData, txID uint64) error {
	if len(run) == 1 {
		node := run[0]
		node.SetTxnID(txID)
		page, err := node.Serialize()
		if err != nil {
			return err
		}
		if err := p.store.WritePage(node.ID(), page); err != nil {
			return err
		}
		p.TrackWrite(node.ID())
		node.SetDirty(false)
		p.cache.Put(node.ID(), node)
		return nil
	}

	buf := make([]byte, len(run)*base.PageSize)
	for i, node := range run {
		node.SetTxnID(txID)
		page, err := node.Serialize()
		if err != nil {
			return err
		}
		copy(buf[i*base.PageSize:], page.Data[:])
	}

	if err := p.store.WriteAt(run[0].ID(), buf); err != nil {
		return err
	}
	for _, node := range run {
		p.TrackWrite(node.ID())
		node.SetDirty(false)
		p.cache.Put(node.ID(), node)
	}
	return nil
}

// AcquireDatabase increments the reference count on a database root page.
// Returns false if the database is already marked for deletion.
func (p *Pager) AcquireDatabase(rootID base.PageID) bool {
	p.DeletedMu.RLock()
	_, deleted := p.Deleted[rootID]
	p.DeletedMu.RUnlock()
	if deleted {
		return false
	}

	counter := &atomic.Int32{}
	counter.Store(1)
	if val, loaded := p.databases.LoadOrStore(rootID, counter); loaded {
		val.(*atomic.Int32).Add(1)
	}
	return true
}

// ReleaseDatabase decrements the reference count on a database root page,
// triggering cleanupFunc in the background once the count drops to zero
// and the database has been marked for deletion.
func (p *Pager) ReleaseDatabase(rootID base.PageID, cleanupFunc func(base.PageID) error) {
	val, exists := p.databases.Load(rootID)
	if !exists {
		return
	}

	refCount := val.(*atomic.Int32)
	if refCount.Add(-1) != 0 {
		return
	}

	p.DeletedMu.Lock()
	_, shouldDelete := p.Deleted[rootID]
	if shouldDelete {
		delete(p.Deleted, rootID)
	}
	p.DeletedMu.Unlock()

	p.databases.Delete(rootID)

	if shouldDelete {
		p.cleanup.Add(1)
		go func() {
			defer p.cleanup.Done()
			_ = cleanupFunc(rootID)
		}()
	}
}

// Close flushes the freelist and final meta page, then closes storage.
func (p *Pager) Close() error {
	p.cleanup.Wait()

	meta := p.active.Load().Meta
	p.freelist.Release(math.MaxUint64, nil)

	pagesNeeded := p.freelist.PagesNeeded()
	if uint64(pagesNeeded) > meta.FreelistPages {
		oldPages := make([]base.PageID, meta.FreelistPages)
		for i := uint64(0); i < meta.FreelistPages; i++ {
			oldPages[i] = meta.FreelistID + base.PageID(i)
		}
		p.freelist.Pending(meta.TxID, oldPages)

		pagesNeeded = p.freelist.PagesNeeded()
		meta.FreelistID = base.PageID(meta.NumPages)
		meta.FreelistPages = uint64(pagesNeeded)
		meta.NumPages += uint64(pagesNeeded)
	}

	freelistPages := make([]*base.Page, pagesNeeded)
	for i := range freelistPages {
		freelistPages[i] = &base.Page{}
	}
	p.freelist.Serialize(freelistPages)

	for i := 0; i < pagesNeeded; i++ {
		pageID := meta.FreelistID + base.PageID(i)
		if err := p.store.WritePage(pageID, freelistPages[i]); err != nil {
			return err
		}
		p.TrackWrite(pageID)
	}

	meta.TxID++
	if n := p.pagesOnDisk.Load() + 1; n > meta.NumPages {
		meta.NumPages = n
	}
	meta.Checksum = meta.CalculateChecksum()

	metaPageID := base.PageID(meta.TxID % 2)
	metaPage := &base.Page{}
	metaPage.WriteMeta(&meta)
	if err := p.store.WritePage(metaPageID, metaPage); err != nil {
		return err
	}

	if metaPageID == 0 {
		p.meta0.Meta = meta
		p.active.Store(&p.meta0)
	} else {
		p.meta1.Meta = meta
		p.active.Store(&p.meta1)
	}

	return p.store.Close()
}

type Stats struct {
	Cache     cache.Stats
	Store     storage.Stats
	FreePages int
}

func (p *Pager) Stats() Stats {
	return Stats{
		Cache:     p.cache.Stats(),
		Store:     p.store.Stats(),
		FreePages: p.freelist.Stats(),
	}
}
