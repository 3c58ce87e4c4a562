package fredb

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/cache"
	"github.com/alexhholmes/fredb/internal/journal"
	"github.com/alexhholmes/fredb/internal/pager"
	"github.com/alexhholmes/fredb/internal/storage"
)

const (
	// MaxKeySize is the maximum length of a key, in bytes. Set conservatively
	// so branch pages can hold multiple separators per page.
	MaxKeySize = 1024

	// MaxValueSize is the maximum length of a value, in bytes. Values larger
	// than a single page spill into overflow pages.
	MaxValueSize = (1 << 31) - 2

	// defaultMaxReaders bounds the number of concurrent read transactions
	// tracked by the fixed-size reader slot array.
	defaultMaxReaders = 256

	// defaultBTreeDegree is the branching factor of the in-memory COW page
	// set every write transaction keeps in tx.pages.
	defaultBTreeDegree = 32
)

// DB represents an open database environment: a single page file shared by
// possibly many named Databases, each with its own B+tree, plus the
// machinery (pager, cache, reader bookkeeping) needed to give every
// transaction a consistent snapshot.
type DB struct {
	mu sync.Mutex // Serializes registration when transactions are disabled, and every Commit's apply phase

	pager  *pager.Pager
	logger Logger
	opts   DBOptions

	journal *journal.Journal // nil when recovery/journaling is disabled

	nextTxID    atomic.Uint64        // Monotonic transaction ID counter
	txnManager  *TransactionManager  // Live write transactions, for conflict detection and dirty reads
	readerSlots *ReaderSlots         // Bounded-concurrency reader tracking

	closed atomic.Bool
}

// pageLess orders base.PageData values by page ID. It is the comparator
// every transaction's tx-local COW page set is built with; nothing about a
// page's content matters for placement, only its identity.
func pageLess(a, b base.PageData) bool {
	return a.GetPageID() < b.GetPageID()
}

// Open opens or creates the database file at path. A write-ahead journal
// (path+".jrn0"/".jrn1") guards every commit unless WithRecovery(false) is
// set; on open, any journal records newer than the data file's last
// checkpoint are replayed before the pager touches the file.
func Open(path string, options ...DBOption) (*DB, error) {
	opts := DefaultDBOptions()
	for _, opt := range options {
		opt(&opts)
	}

	if opts.pageSize != 0 && opts.pageSize != base.PageSize {
		return nil, ErrInvalidPageSize
	}

	var store storage.Device
	var err error
	if opts.syncMode == SyncEveryCommit && !opts.disableMMap {
		store, err = storage.New(path)
	} else if opts.disableMMap {
		store, err = storage.New(path)
	} else {
		store, err = storage.NewMMap(path)
	}
	if err != nil {
		return nil, err
	}

	var jr *journal.Journal
	if opts.enableRecovery {
		jr, err = journal.Open(path, opts.journalSwitchBytes)
		if err != nil {
			store.Close()
			return nil, err
		}

		recovered, err := jr.Recover(store)
		if err != nil {
			jr.Close()
			store.Close()
			return nil, err
		}
		if recovered {
			if err := store.Sync(); err != nil {
				jr.Close()
				store.Close()
				return nil, err
			}
		}
	} else if journal.NeedsRecovery(path) {
		store.Close()
		return nil, ErrNeedsRecovery
	}

	db, err := open(store, opts)
	if err != nil {
		if jr != nil {
			jr.Close()
		}
		return nil, err
	}
	db.journal = jr
	if jr != nil {
		db.pager.SetJournal(jr)
	}

	return db, nil
}

// OpenMemory opens a throwaway database backed entirely by memory, with no
// file on disk. Intended for tests and short-lived scratch environments;
// nothing written to it survives process exit. The journal is always
// disabled: there is nothing on disk to recover into.
func OpenMemory(options ...DBOption) (*DB, error) {
	opts := DefaultDBOptions()
	for _, opt := range options {
		opt(&opts)
	}
	opts.syncMode = SyncOff
	opts.enableRecovery = false

	var store storage.Device
	if opts.memoryLimitBytes > 0 {
		store = storage.NewMemoryWithLimit(opts.memoryLimitBytes)
	} else {
		store = storage.NewMemory()
	}

	return open(store, opts)
}

func open(store storage.Device, opts DBOptions) (*DB, error) {
	c := cache.NewCache(opts.maxCacheSizeMB * 256) // ~4KB pages per MB

	mode := pager.SyncEveryCommit
	if opts.syncMode != SyncEveryCommit {
		mode = pager.SyncOff
	}

	pg, err := pager.NewPager(mode, store, c)
	if err != nil {
		store.Close()
		return nil, err
	}
	if opts.fileSizeLimitBytes > 0 {
		pg.SetMaxPages(uint64(opts.fileSizeLimitBytes / base.PageSize))
	}

	db := &DB{
		pager:       pg,
		logger:      DiscardLogger{},
		opts:        opts,
		txnManager:  NewTransactionManager(),
		readerSlots: NewReaderSlots(defaultMaxReaders),
	}
	db.nextTxID.Store(pg.GetMeta().TxID)

	if pg.GetSnapshot().Root == nil {
		if err := db.bootstrap(); err != nil {
			pg.Close()
			return nil, err
		}
	}

	return db, nil
}

// bootstrap creates the root directory tree and its __root__ default
// database on a freshly initialized (empty) page file. It runs as a single
// write transaction assembled by hand, since the normal CreateDatabase path
// refuses the reserved __root__ name.
func (db *DB) bootstrap() error {
	txID := db.nextTxID.Add(1)

	tx := &Tx{
		db:        db,
		txID:      txID,
		writable:  true,
		databases: make(map[string]*Database),
		acquired:  make(map[base.PageID]struct{}),
		deletes:   make(map[string]base.PageID),
		pages:     btree.NewG[base.PageData](defaultBTreeDegree, pageLess),
		freed:     make(map[base.PageID]struct{}),
		allocated: make(map[base.PageID]pager.Allocation),
		txn:       newTxnTree(txID),
	}

	rootLeafID := tx.allocatePage()
	rootLeaf := base.NewLeafPage()
	rootLeaf.SetPageID(rootLeafID)
	rootLeaf.SetDirty(true)
	tx.pages.ReplaceOrInsert(rootLeaf)
	tx.root = rootLeaf

	databaseLeafID := tx.allocatePage()
	databaseLeaf := base.NewLeafPage()
	databaseLeaf.SetPageID(databaseLeafID)
	databaseLeaf.SetDirty(true)
	tx.pages.ReplaceOrInsert(databaseLeaf)

	tx.databases["__root__"] = &Database{
		tx:       tx,
		root:     databaseLeaf,
		name:     []byte("__root__"),
		sequence: 0,
		writable: true,
	}

	db.txnManager.Register(txID, tx.txn)

	return tx.Commit()
}

// Begin starts a new transaction. With WithTransactions(true) (the
// default), multiple writable transactions may be open at once: each gets
// its own Transaction Tree queuing Put/Delete operations, and a key
// written by one is visible to a concurrently open transaction only
// through the TransactionManager's dirty-read lookup - see txtree.go.
// Commit() serializes the actual B-tree apply under DB.mu, so only one
// transaction's operations are ever replayed into the tree at a time.
// With WithTransactions(false), Begin(true) reverts to the teacher's
// single-writer rule: a second concurrent call returns ErrTxInProgress.
// Read transactions register in the fixed-size reader slot array and see a
// consistent snapshot of the database as of the moment Begin was called.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if db.closed.Load() {
		return nil, ErrDatabaseClosed
	}

	if writable {
		if db.opts.readOnly {
			return nil, ErrTxNotWritable
		}

		db.mu.Lock()
		if db.closed.Load() {
			db.mu.Unlock()
			return nil, ErrDatabaseClosed
		}
		if !db.opts.enableTransactions && db.txnManager.Count() > 0 {
			db.mu.Unlock()
			return nil, ErrTxInProgress
		}

		txID := db.nextTxID.Add(1)
		snap := db.pager.GetSnapshot()

		tx := &Tx{
			db:        db,
			txID:      txID,
			writable:  true,
			root:      snap.Root,
			databases: make(map[string]*Database),
			acquired:  make(map[base.PageID]struct{}),
			deletes:   make(map[string]base.PageID),
			pages:     btree.NewG[base.PageData](defaultBTreeDegree, pageLess),
			freed:     make(map[base.PageID]struct{}),
			allocated: make(map[base.PageID]pager.Allocation),
			txn:       newTxnTree(txID),
		}

		db.txnManager.Register(txID, tx.txn)
		db.mu.Unlock()
		return tx, nil
	}

	snap := db.pager.GetSnapshot()
	tx := &Tx{
		db:        db,
		txID:      snap.Meta.TxID,
		writable:  false,
		root:      snap.Root,
		databases: make(map[string]*Database),
		acquired:  make(map[base.PageID]struct{}),
		deletes:   make(map[string]base.PageID),
	}

	slot, err := db.readerSlots.Register(tx)
	if err != nil {
		return nil, err
	}
	tx.unregister = func() { db.readerSlots.Unregister(slot) }

	return tx, nil
}

// View executes fn within a read-only transaction. The transaction is
// always rolled back; View never writes.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(tx)
}

// Update executes fn within a read-write transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves the value for a key from the default (__root__) database.
func (db *DB) Get(key []byte) ([]byte, error) {
	var result []byte
	err := db.View(func(tx *Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		result = val
		return nil
	})
	return result, err
}

// Put stores a key-value pair in the default (__root__) database.
func (db *DB) Put(key, value []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.Put(key, value)
	})
}

// Delete removes a key from the default (__root__) database. Idempotent.
func (db *DB) Delete(key []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// Database opens a named database read-only. Returns nil if it does not
// exist.
func (db *DB) Database(name []byte) (*Database, error) {
	var result *Database
	err := db.View(func(tx *Tx) error {
		result = tx.Database(name)
		return nil
	})
	return result, err
}

// CreateDatabase creates a named database in its own transaction.
func (db *DB) CreateDatabase(name []byte) error {
	return db.Update(func(tx *Tx) error {
		_, err := tx.CreateDatabase(name)
		return err
	})
}

// DeleteDatabase deletes a named database in its own transaction.
func (db *DB) DeleteDatabase(name []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.DeleteDatabase(name)
	})
}

// SetLogger overrides the database's logger. Must be called before any
// concurrent use begins.
func (db *DB) SetLogger(l Logger) {
	db.logger = l
}

// Stats returns pager-level statistics (page cache hit rate, I/O counts).
func (db *DB) Stats() pager.Stats {
	return db.pager.Stats()
}

// Close flushes and closes the database file. Safe to call once; a second
// call returns ErrDatabaseClosed.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrDatabaseClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.pager.Close(); err != nil {
		return err
	}

	if db.journal != nil {
		if db.opts.autoCleanupOnClose {
			if err := db.journal.Checkpoint(db.pager.GetMeta().TxID); err != nil {
				return err
			}
		}
		return db.journal.Close()
	}

	return nil
}
