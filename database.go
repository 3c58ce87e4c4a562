package fredb

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/alexhholmes/fredb/internal/algo"
	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/blob"
)

// Database is a namespace with its own B+tree, rooted at a page reachable
// from the environment's root tree (the bucket-directory pattern: every
// database's metadata is itself a key/value pair in the `__root__` tree).
type Database struct {
	tx       *Tx
	rootID   base.PageID
	root     base.PageData
	name     []byte
	sequence uint64
	writable bool
	keyType  algo.KeyType

	// maxKeySize/maxRecordSize narrow the environment-wide MaxKeySize/
	// MaxValueSize for this database, per CreateDatabaseOptions. Zero means
	// defer to the environment default. Not persisted in serialize: a
	// database reopened after restart (rather than created in the current
	// process) falls back to the environment defaults - see DESIGN.md.
	maxKeySize    int
	maxRecordSize int
}

// serialize encodes database metadata to bytes: RootPageID (8 bytes) +
// Sequence (8 bytes) + KeyType (1 byte).
func (d *Database) serialize() []byte {
	buf := make([]byte, 17)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.root.GetPageID()))
	binary.LittleEndian.PutUint64(buf[8:16], d.sequence)
	buf[16] = uint8(d.keyType)
	return buf
}

// deserialize decodes database metadata from bytes produced by serialize.
// Metadata written before KeyType existed is treated as KeyTypeBinary.
func (d *Database) deserialize(data []byte) {
	if len(data) < 16 {
		return
	}
	d.rootID = base.PageID(binary.LittleEndian.Uint64(data[0:8]))
	d.sequence = binary.LittleEndian.Uint64(data[8:16])
	if len(data) >= 17 {
		d.keyType = algo.KeyType(data[16])
	} else {
		d.keyType = algo.KeyTypeBinary
	}
}

// KeyType returns the key encoding this database was created with.
func (d *Database) KeyType() algo.KeyType {
	return d.keyType
}

// PutKey encodes v as a key according to this database's KeyType and stores
// value under it - the typed counterpart to Put for numeric-keyed and
// record-number databases (see CreateDatabaseOptions).
func (d *Database) PutKey(v any, value []byte) error {
	return d.Put(algo.EncodeKey(d.keyType, v), value)
}

// GetKey is the typed counterpart to Get.
func (d *Database) GetKey(v any) []byte {
	return d.Get(algo.EncodeKey(d.keyType, v))
}

// DeleteKey is the typed counterpart to Delete.
func (d *Database) DeleteKey(v any) error {
	return d.Delete(algo.EncodeKey(d.keyType, v))
}

// Append stores value under the next auto-increment key and returns it.
// Only valid on a database created with CreateDatabaseOptions.RecordNumber
// set, which forces KeyTypeUint64 encoding.
func (d *Database) Append(value []byte) (uint64, error) {
	if d.keyType != algo.KeyTypeUint64 {
		return 0, errors.New("append requires a record-number database")
	}
	seq, err := d.NextSequence()
	if err != nil {
		return 0, err
	}
	if err := d.PutKey(seq, value); err != nil {
		return 0, err
	}
	return seq, nil
}

// Get retrieves the value for a key from this database. When the
// Transaction Manager is enabled, it consults this transaction's own
// queued writes first (read-your-own-writes), then every other currently
// open write transaction's queued writes newest-registered first, before
// falling through to the last committed B-tree. The latter is a deliberate
// dirty-read relaxation: see DESIGN.md's note on TxnTree.LookupOthers.
func (d *Database) Get(key []byte) []byte {
	if d.root == nil {
		return nil
	}

	if d.tx.txn != nil && d.tx.db.opts.enableTransactions {
		if op, ok := d.tx.txn.lookup(d.name, key); ok {
			return decodeQueuedOp(d.tx, op)
		}
		if op, ok := d.tx.db.txnManager.LookupOthers(d.tx.txID, d.name, key); ok {
			return decodeQueuedOp(d.tx, op)
		}
	}

	stored, err := d.tx.search(d.root, key)
	if err != nil {
		return nil
	}

	val, err := decodeValue(d.tx, stored)
	if err != nil {
		return nil
	}

	return val
}

// decodeQueuedOp resolves a TxnTree lookup hit to its user-visible value,
// or nil if the queued operation was a delete.
func decodeQueuedOp(tx *Tx, op TransactionOperation) []byte {
	if op.Kind == opDelete {
		return nil
	}
	v, err := decodeValue(tx, op.Stored)
	if err != nil {
		return nil
	}
	return v
}

// Put stores a key-value pair in this database. With the Transaction
// Manager enabled, the write is queued into this transaction's TxnTree
// rather than applied to the B-tree immediately; applyPut runs the actual
// COW insert at Commit. Out-of-line values are still written to their blob
// chain immediately (not deferred to Commit), on pages allocated by this
// transaction; Rollback treats those pages like any other page the
// transaction allocated.
func (d *Database) Put(key, value []byte) error {
	if !d.writable {
		return ErrTxNotWritable
	}

	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	if d.maxKeySize > 0 && len(key) > d.maxKeySize {
		return ErrKeyTooLarge
	}
	if d.maxRecordSize > 0 && len(value) > d.maxRecordSize {
		return ErrValueTooLarge
	}

	maxKeySize := base.PageSize - base.PageHeaderSize - base.LeafElementSize
	if len(key) > maxKeySize {
		return ErrPageOverflow
	}

	stored, err := encodeValue(d.tx, value)
	if err != nil {
		return err
	}

	if d.tx.txn != nil && d.tx.db.opts.enableTransactions {
		if d.tx.db.txnManager.Conflict(d.tx.txID, d.name, key) {
			return ErrTxnConflict
		}
		d.tx.txn.record(d.name, key, opPut, stored)
		return nil
	}

	return d.applyPut(key, stored)
}

// applyPut performs the actual COW insert of an already tag-encoded value.
// Called directly by Put when the Transaction Manager is disabled, and by
// Tx.applyQueuedOps at Commit to replay a queued write.
func (d *Database) applyPut(key, stored []byte) error {
	// If this key already holds an out-of-line value, free its old blob
	// chain; it's about to be replaced wholesale (no partial-write reuse).
	if old, err := d.tx.search(d.root, key); err == nil {
		if oldID := overflowPageID(old); oldID != 0 {
			if err := blob.Erase(d.tx, oldID); err != nil {
				return err
			}
		}
	}

	var needsSplit bool
	if d.root.PageType() == base.LeafPageFlag {
		needsSplit = d.root.(*base.LeafPage).IsFull(key, stored)
	} else {
		needsSplit = d.root.(*base.BranchPage).IsFull(key)
	}

	if needsSplit {
		leftChild, rightChild, midKey, _, err := d.tx.splitChild(d.root, key)
		if err != nil {
			return err
		}

		newRootID := d.tx.allocatePage()
		newRoot := algo.NewBranchRoot(leftChild, rightChild, midKey, newRootID)
		d.tx.pages.ReplaceOrInsert(newRoot)
		d.root = newRoot
	}

	for {
		newRoot, err := d.tx.insertNonFull(d.root, key, stored)
		if !errors.Is(err, ErrPageOverflow) {
			if err == nil {
				d.root = newRoot
			}
			return err
		}

		leftChild, rightChild, midKey, _, err := d.tx.splitChild(d.root, key)
		if err != nil {
			return err
		}

		newRootID := d.tx.allocatePage()
		newRoot2 := algo.NewBranchRoot(leftChild, rightChild, midKey, newRootID)
		d.tx.pages.ReplaceOrInsert(newRoot2)
		d.root = newRoot2
	}
}

// Delete removes a key from this database. Idempotent: returns nil if the
// key doesn't exist. Queued the same way as Put when the Transaction
// Manager is enabled.
func (d *Database) Delete(key []byte) error {
	if !d.writable {
		return ErrTxNotWritable
	}

	if d.tx.txn != nil && d.tx.db.opts.enableTransactions {
		if d.tx.db.txnManager.Conflict(d.tx.txID, d.name, key) {
			return ErrTxnConflict
		}
		d.tx.txn.record(d.name, key, opDelete, nil)
		return nil
	}

	return d.applyDelete(key)
}

// applyDelete performs the actual COW delete. Called directly by Delete
// when the Transaction Manager is disabled, and by Tx.applyQueuedOps at
// Commit to replay a queued delete.
func (d *Database) applyDelete(key []byte) error {
	if old, err := d.tx.search(d.root, key); err == nil {
		if oldID := overflowPageID(old); oldID != 0 {
			if err := blob.Erase(d.tx, oldID); err != nil {
				return err
			}
		}
	}

	newRoot, err := d.tx.deleteFromNode(d.root, key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	if newRoot != nil {
		d.root = newRoot

		if d.root.PageType() == base.BranchPageFlag {
			branch := d.root.(*base.BranchPage)
			children := branch.Children()
			if len(children) == 1 {
				if child, err := d.tx.loadNode(children[0]); err == nil {
					d.root = child
				}
			}
		}
	}
	return nil
}

// Cursor returns a cursor for iterating over this database's keys.
func (d *Database) Cursor() *Cursor {
	return &Cursor{
		tx:           d.tx,
		databaseRoot: d.root,
		dbName:       d.name,
		valid:        false,
		decode:       true,
	}
}

// ForEach executes a function for each key-value pair in the database.
func (d *Database) ForEach(fn func(k, v []byte) error) error {
	c := d.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachPrefix iterates over all key-value pairs in the database that
// start with the given prefix.
func (d *Database) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := d.Cursor()

	k, v := c.Seek(prefix)
	for k != nil {
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if err := fn(k, v); err != nil {
			return err
		}
		k, v = c.Next()
	}

	return nil
}

// Writable returns whether this database is writable.
func (d *Database) Writable() bool {
	return d.writable
}

// NextSequence returns the next auto-increment value for this database.
func (d *Database) NextSequence() (uint64, error) {
	if !d.writable {
		return 0, ErrTxNotWritable
	}
	d.sequence++
	return d.sequence, nil
}

// Sequence returns the current sequence value.
func (d *Database) Sequence() uint64 {
	return d.sequence
}

// SetSequence sets the sequence value.
func (d *Database) SetSequence(v uint64) error {
	if !d.writable {
		return ErrTxNotWritable
	}
	d.sequence = v
	return nil
}
