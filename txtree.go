package fredb

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/google/btree"
)

// txnOpKind distinguishes a queued write from a queued delete in a
// transaction's operation log.
type txnOpKind uint8

const (
	opPut txnOpKind = iota
	opDelete
)

// TransactionOperation is one queued write recorded against a key in a
// transaction's private Transaction Tree. Stored is the already tag-encoded
// value (see valuecodec.go) for opPut; empty for opDelete.
type TransactionOperation struct {
	Kind   txnOpKind
	Stored []byte
	LSN    uint64
}

// txnEntry is the unit stored in the ordered operation map: the opKey it
// was filed under plus the latest operation recorded against it. Only the
// latest operation per key is kept in the tree (earlier Put-then-Delete
// history collapses to Delete); flatLog keeps the full ordered history for
// commit-time replay.
type txnEntry struct {
	opKey []byte
	op    TransactionOperation
}

func txnEntryLess(a, b txnEntry) bool {
	return bytes.Compare(a.opKey, b.opKey) < 0
}

// flatOp is one entry in a TxnTree's ordered replay log.
type flatOp struct {
	dbName []byte
	key    []byte
	op     TransactionOperation
}

// txnOpKey scopes a key to its database, so two different databases can
// hold the same key without colliding in the shared operation map. Layout:
// [len(dbName):2 big-endian][dbName][key].
func txnOpKey(dbName, key []byte) []byte {
	buf := make([]byte, 2+len(dbName)+len(key))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(dbName)))
	copy(buf[2:], dbName)
	copy(buf[2+len(dbName):], key)
	return buf
}

// TxnTree is a transaction's private, ordered queue of not-yet-applied
// Put/Delete operations. Writes to a database go here instead of mutating
// the B-tree directly; Tx.Commit replays flatLog against the real tree
// under the environment's write lock. Reads consult this tree first (for
// read-your-own-writes), then other live transactions' trees via the
// TransactionManager, before falling through to the last committed
// snapshot.
type TxnTree struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[txnEntry]
	flatLog []flatOp
	txID    uint64
	nextLSN uint64
}

func newTxnTree(txID uint64) *TxnTree {
	return &TxnTree{
		tree: btree.NewG[txnEntry](32, txnEntryLess),
		txID: txID,
	}
}

// record queues an operation and returns the LSN assigned to it.
func (t *TxnTree) record(dbName, key []byte, kind txnOpKind, stored []byte) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextLSN++
	lsn := t.nextLSN

	op := TransactionOperation{Kind: kind, Stored: stored, LSN: lsn}
	key = append([]byte(nil), key...)
	dbName = append([]byte(nil), dbName...)

	t.tree.ReplaceOrInsert(txnEntry{opKey: txnOpKey(dbName, key), op: op})
	t.flatLog = append(t.flatLog, flatOp{dbName: dbName, key: key, op: op})
	return lsn
}

// lookup returns the queued operation for dbName/key, if any.
func (t *TxnTree) lookup(dbName, key []byte) (TransactionOperation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.tree.Get(txnEntry{opKey: txnOpKey(dbName, key)})
	return entry.op, ok
}

// has reports whether this tree has a queued operation for the given opKey,
// used by TransactionManager.conflict.
func (t *TxnTree) has(opKey []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tree.Get(txnEntry{opKey: opKey})
	return ok
}

// log returns the ordered replay log. Called only from Commit, by the
// transaction's own goroutine, which is also the only caller of record()
// on this tree; the transaction stays registered in the TransactionManager
// until after the log has been applied.
func (t *TxnTree) log() []flatOp {
	return t.flatLog
}

// entriesForDB returns every queued operation against dbName, keyed by the
// unscoped key (the opKey prefix stripped off). Used by Cursor to merge a
// transaction's pending writes into B-tree iteration.
func (t *TxnTree) entriesForDB(dbName []byte) map[string]TransactionOperation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prefix := txnOpKey(dbName, nil)
	out := make(map[string]TransactionOperation)
	t.tree.AscendGreaterOrEqual(txnEntry{opKey: prefix}, func(e txnEntry) bool {
		if !bytes.HasPrefix(e.opKey, prefix) {
			return false
		}
		out[string(e.opKey[len(prefix):])] = e.op
		return true
	})
	return out
}

// TransactionManager tracks every currently open write transaction's
// TxnTree, so that (a) a Put/Delete can detect a write-write conflict
// against another still-open transaction before it queues, and (b) a read
// can see another open transaction's uncommitted writes (an explicit,
// documented dirty-read relaxation - see DESIGN.md).
type TransactionManager struct {
	mu    sync.RWMutex
	live  map[uint64]*TxnTree
	order []uint64 // registration order, oldest first
}

func NewTransactionManager() *TransactionManager {
	return &TransactionManager{live: make(map[uint64]*TxnTree)}
}

// Register adds txID's TxnTree to the live set.
func (m *TransactionManager) Register(txID uint64, t *TxnTree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[txID] = t
	m.order = append(m.order, txID)
}

// Unregister removes txID from the live set, called from both Commit and
// Rollback.
func (m *TransactionManager) Unregister(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, txID)
	for i, id := range m.order {
		if id == txID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Count returns the number of currently open write transactions.
func (m *TransactionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Conflict reports whether some OTHER live transaction has already queued
// an operation against dbName/key.
func (m *TransactionManager) Conflict(selfTxID uint64, dbName, key []byte) bool {
	opKey := txnOpKey(dbName, key)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, t := range m.live {
		if id == selfTxID {
			continue
		}
		if t.has(opKey) {
			return true
		}
	}
	return false
}

// LookupOthers returns the newest queued operation against dbName/key among
// all live transactions other than selfTxID, consulted newest-registered
// first so the most recently begun writer's pending value wins the dirty
// read, matching the order a committer would apply them in were they to
// commit in registration order.
func (m *TransactionManager) LookupOthers(selfTxID uint64, dbName, key []byte) (TransactionOperation, bool) {
	m.mu.RLock()
	order := append([]uint64(nil), m.order...)
	live := m.live
	m.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if id == selfTxID {
			continue
		}
		t, ok := live[id]
		if !ok {
			continue
		}
		if op, found := t.lookup(dbName, key); found {
			return op, true
		}
	}
	return TransactionOperation{}, false
}

// EntriesForDB merges every live write transaction's queued operations
// against dbName into one map keyed by unscoped key, consulted oldest-
// registered first so a newer writer's queued operation overrides an
// older one's for the same key - the same precedence LookupOthers applies
// per-key. self, if non-nil, is merged in last so the calling transaction's
// own queued writes always take precedence (read-your-own-writes), matching
// TxnTree.lookup's priority over LookupOthers in Database.Get.
func (m *TransactionManager) EntriesForDB(selfTxID uint64, dbName []byte, self *TxnTree) map[string]TransactionOperation {
	m.mu.RLock()
	order := append([]uint64(nil), m.order...)
	live := m.live
	m.mu.RUnlock()

	out := make(map[string]TransactionOperation)
	for _, id := range order {
		if id == selfTxID {
			continue
		}
		t, ok := live[id]
		if !ok {
			continue
		}
		for k, op := range t.entriesForDB(dbName) {
			out[k] = op
		}
	}

	if self != nil {
		for k, op := range self.entriesForDB(dbName) {
			out[k] = op
		}
	}

	return out
}

// MinTxID returns the smallest txID among live write transactions, or
// math.MaxUint64 if none are open. Used by tryReleasePages to bound how
// aggressively the freelist can reclaim pages.
func (m *TransactionManager) MinTxID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	min := ^uint64(0)
	for id := range m.live {
		if id < min {
			min = id
		}
	}
	return min
}
