package fredb

import (
	"bytes"
	"sort"

	"github.com/alexhholmes/fredb/internal/algo"
	"github.com/alexhholmes/fredb/internal/base"
)

// FindFlag selects how Cursor.Find resolves a key against an approximate
// match, the way an LMDB-style cursor_get(MDB_SET_RANGE) family does.
type FindFlag int

const (
	// EQ requires an exact match; Find returns nil, nil otherwise.
	EQ FindFlag = iota
	// LT positions at the greatest key strictly less than the target.
	LT
	// LEQ positions at the greatest key less than or equal to the target.
	LEQ
	// GT positions at the smallest key strictly greater than the target.
	GT
	// GEQ positions at the smallest key greater than or equal to the
	// target - equivalent to Seek.
	GEQ
)

var (
	// START is a special marker for seeking to the first key in the database
	// Usage: cursor.Seek(pkg.START) or cursor.SeekFirst()
	START []byte

	// END is a special marker for seeking to the last key in the database
	// Since max key size is MaxKeySize (1024 bytes), END is 1024 bytes of 0xFF
	// Usage: cursor.Seek(pkg.END) positions at last key (or invalid if empty)
	END = make([]byte, MaxKeySize) // MaxKeySize bytes of 0xFF
)

func init() {
	// Initialize END to all 0xFF bytes
	for i := range END {
		END[i] = 0xFF
	}
}

// path represents one level in the cursor's navigation path from root to leaf
// For branch nodes: childIndex is which child we descended to
// For leaf nodes: childIndex is which key we're currently at
type path struct {
	node       base.PageData
	childIndex int
}

// Cursor provides ordered iteration over B-tree Keys
type Cursor struct {
	tx           *Tx           // Transaction this cursor belongs to
	databaseRoot base.PageData // Database's root (if nil, use tx.root)
	dbName       []byte        // Database name, for scoping the TxnTree merge - nil for the internal database-directory cursor
	stack        []path        // Navigation path from root to current leaf
	key          []byte        // Cached current key
	value        []byte        // Cached current value, as stored (may be an out-of-line placeholder)
	valid        bool          // Is cursor positioned on valid key?
	decode       bool          // Whether c.value is a user value needing decodeValue (false for the internal database-directory cursor)

	// Materialized-merge mode. A cursor opened against a database with
	// pending queued writes (its own transaction's or another live
	// transaction's, via the Transaction Manager) switches into this mode
	// on its first navigation call: base and overlaid entries are merged
	// once into mat, sorted, and every subsequent First/Last/Seek/Next/Prev
	// indexes into it instead of walking the B-tree. A plain cursor with no
	// pending writes against its database never builds mat and keeps the
	// original zero-overhead streaming traversal below.
	modeChecked bool
	useMat      bool
	mat         []matKV
	matIdx      int
}

// matKV is one entry of a Cursor's merge-materialized snapshot.
type matKV struct {
	key   []byte
	value []byte
}

// decodedValue returns the current value, resolving an out-of-line blob
// placeholder to its full contents when this cursor walks a user database
// rather than the internal database directory tree.
func (c *Cursor) decodedValue() []byte {
	if !c.decode {
		return c.value
	}
	v, err := decodeValue(c.tx, c.value)
	if err != nil {
		return nil
	}
	return v
}

// children returns the child page IDs of a branch node.
func children(node base.PageData) []base.PageID {
	return node.(*base.BranchPage).Children()
}

// numKeys returns the key count of a leaf or branch node.
func numKeys(node base.PageData) int {
	if node.PageType() == base.LeafPageFlag {
		return int(node.(*base.LeafPage).Header.NumKeys)
	}
	return int(node.(*base.BranchPage).Header.NumKeys)
}

// keyAt returns the key at index i of a leaf or branch node.
func keyAt(node base.PageData, i int) []byte {
	if node.PageType() == base.LeafPageFlag {
		return node.(*base.LeafPage).Keys[i]
	}
	return node.(*base.BranchPage).Keys[i]
}

// leafKV returns the key and value at index i of a leaf node.
func leafKV(node base.PageData, i int) ([]byte, []byte) {
	leaf := node.(*base.LeafPage)
	return leaf.Keys[i], leaf.Values[i]
}

// First positions cursor at the first key in the database
// Equivalent to Seek(START)
func (c *Cursor) First() ([]byte, []byte) {
	if err := c.active(); err != nil {
		return nil, nil
	}
	c.ensureMode()
	if c.useMat {
		return c.matFirst()
	}

	c.stack = nil
	c.valid = false

	root := c.getRoot()
	if root == nil {
		return nil, nil
	}

	// Descend to leftmost leaf
	node := root
	for !base.IsLeaf(node) {
		c.stack = append(c.stack, path{node: node, childIndex: 0})
		child, err := c.tx.loadNode(children(node)[0])
		if err != nil {
			return nil, nil
		}
		node = child
	}

	// At leftmost leaf
	c.stack = append(c.stack, path{node: node, childIndex: 0})

	if numKeys(node) > 0 {
		c.key, c.value = leafKV(node, 0)
		c.valid = true

		// Skip __root__ if present
		if c.shouldSkip(c.key) {
			return c.Next()
		}

		return c.key, c.decodedValue()
	}

	return nil, nil
}

// Last positions cursor at the last key in the database
// Equivalent to Seek(END)
// Returns invalid cursor if database is empty
func (c *Cursor) Last() ([]byte, []byte) {
	if err := c.active(); err != nil {
		return nil, nil
	}
	c.ensureMode()
	if c.useMat {
		return c.matLast()
	}

	c.stack = nil
	c.valid = false

	root := c.getRoot()
	if root == nil {
		return nil, nil
	}

	// Descend to rightmost leaf
	node := root
	for !base.IsLeaf(node) {
		ch := children(node)
		lastChild := len(ch) - 1
		c.stack = append(c.stack, path{node: node, childIndex: lastChild})
		child, err := c.tx.loadNode(ch[lastChild])
		if err != nil {
			return nil, nil
		}
		node = child
	}

	// At rightmost leaf
	lastIndex := numKeys(node) - 1
	c.stack = append(c.stack, path{node: node, childIndex: lastIndex})

	if lastIndex >= 0 {
		c.key, c.value = leafKV(node, lastIndex)
		c.valid = true

		// Skip __root__ if present
		if c.shouldSkip(c.key) {
			return c.Prev()
		}

		return c.key, c.decodedValue()
	}

	return nil, nil
}

// Seek positions cursor at first key >= target
// Returns error if tree traversal fails
// Special cases:
//   - Seek(START) positions at first key in database
//   - Seek(END) positions at last key in database (or invalid if empty)
func (c *Cursor) Seek(seek []byte) ([]byte, []byte) {
	if err := c.active(); err != nil {
		return nil, nil
	}

	// Special case: START (nil) positions at first key
	if len(seek) == 0 {
		return c.First()
	}

	// Special case: END positions at last key
	if bytes.Equal(seek, END) {
		return c.Last()
	}

	c.ensureMode()
	if c.useMat {
		return c.matSeek(seek)
	}

	c.stack = nil
	c.valid = false

	root := c.getRoot()
	if root == nil {
		return nil, nil
	}

	// Descend to appropriate leaf
	node := root
	for !base.IsLeaf(node) {
		i := algo.FindChildIndex(node, seek)
		c.stack = append(c.stack, path{node: node, childIndex: i})
		child, err := c.tx.loadNode(children(node)[i])
		if err != nil {
			return nil, nil
		}
		node = child
	}

	// Find position within leaf
	i := 0
	n := numKeys(node)
	for i < n && bytes.Compare(seek, keyAt(node, i)) > 0 {
		i++
	}

	c.stack = append(c.stack, path{node: node, childIndex: i})

	if i < n {
		c.key, c.value = leafKV(node, i)
		c.valid = true
	} else if err := c.nextLeaf(); err != nil || !c.valid {
		// Target is past this leaf's last key; the next key >= target, if
		// any, is the first key of the following leaf.
		return nil, nil
	}

	// Skip __root__ if present
	if c.shouldSkip(c.key) {
		return c.Next()
	}

	return c.key, c.decodedValue()
}

// Next advances cursor to next key
// Returns key, value (nil, nil if exhausted)
func (c *Cursor) Next() ([]byte, []byte) {
	if err := c.active(); err != nil {
		c.valid = false
		return nil, nil
	}
	if c.useMat {
		return c.matNext()
	}

	if !c.valid || len(c.stack) == 0 {
		return nil, nil
	}

	// Try to move within current leaf
	leaf := &c.stack[len(c.stack)-1]
	leaf.childIndex++

	if leaf.childIndex < numKeys(leaf.node) {
		c.key, c.value = leafKV(leaf.node, leaf.childIndex)

		// Skip __root__ if present
		if c.shouldSkip(c.key) {
			return c.Next()
		}
		return c.key, c.decodedValue()
	}

	// Exhausted current leaf, move to next
	err := c.nextLeaf()
	if err != nil || !c.valid {
		return nil, nil
	}

	// Skip __root__ if present
	if c.shouldSkip(c.key) {
		return c.Next()
	}
	return c.key, c.decodedValue()
}

// Prev moves cursor to previous key
// Returns key, value (nil, nil if at beginning)
func (c *Cursor) Prev() ([]byte, []byte) {
	if err := c.active(); err != nil {
		c.valid = false
		return nil, nil
	}
	if c.useMat {
		return c.matPrev()
	}

	if !c.valid || len(c.stack) == 0 {
		return nil, nil
	}

	// Try to move within current leaf
	leaf := &c.stack[len(c.stack)-1]
	leaf.childIndex--

	if leaf.childIndex >= 0 {
		c.key, c.value = leafKV(leaf.node, leaf.childIndex)

		// Skip __root__ if present
		if c.shouldSkip(c.key) {
			return c.Prev()
		}
		return c.key, c.decodedValue()
	}

	// Exhausted current leaf, move to previous
	err := c.prevLeaf()
	if err != nil || !c.valid {
		return nil, nil
	}

	// Skip __root__ if present
	if c.shouldSkip(c.key) {
		return c.Prev()
	}
	return c.key, c.decodedValue()
}

// Key returns current key (only valid when Valid() == true)
func (c *Cursor) Key() []byte {
	if err := c.active(); err != nil {
		return nil
	}
	if c.useMat {
		if !c.valid || c.matIdx < 0 || c.matIdx >= len(c.mat) {
			return nil
		}
		return c.mat[c.matIdx].key
	}
	return c.key
}

// Value returns current value (only valid when Valid() == true)
func (c *Cursor) Value() []byte {
	if err := c.active(); err != nil {
		return nil
	}
	if c.useMat {
		if !c.valid || c.matIdx < 0 || c.matIdx >= len(c.mat) {
			return nil
		}
		return c.mat[c.matIdx].value
	}
	return c.decodedValue()
}

// Valid returns true if cursor is positioned on a valid key
func (c *Cursor) Valid() bool {
	if err := c.active(); err != nil {
		return false
	}
	return c.valid
}

// Find resolves key against an approximate-match flag, the way an
// LMDB-style cursor_get(MDB_SET_RANGE) family does. It is built entirely
// on Seek/Next/Prev/Last, so it transparently honors materialized-merge
// mode the same way those do.
func (c *Cursor) Find(key []byte, flag FindFlag) ([]byte, []byte) {
	switch flag {
	case EQ:
		k, v := c.Seek(key)
		if k != nil && bytes.Equal(k, key) {
			return k, v
		}
		c.valid = false
		return nil, nil
	case GEQ:
		return c.Seek(key)
	case GT:
		k, v := c.Seek(key)
		if k != nil && bytes.Equal(k, key) {
			return c.Next()
		}
		return k, v
	case LEQ:
		k, v := c.Seek(key)
		if k == nil {
			return c.Last()
		}
		if bytes.Equal(k, key) {
			return k, v
		}
		return c.Prev()
	case LT:
		k, _ := c.Seek(key)
		if k == nil {
			return c.Last()
		}
		return c.Prev()
	}
	return nil, nil
}

// ensureMode decides, once per cursor lifetime, whether this cursor needs
// to switch into materialized-merge mode: only user databases (decode),
// inside a writable transaction with the Transaction Manager enabled, and
// only when some live transaction actually has a pending operation against
// this database. A read-only transaction has no TxnTree and always keeps
// the plain streaming traversal.
func (c *Cursor) ensureMode() {
	if c.modeChecked {
		return
	}
	c.modeChecked = true

	if !c.decode || c.dbName == nil || c.tx == nil || c.tx.txn == nil || !c.tx.db.opts.enableTransactions {
		return
	}

	overlay := c.tx.db.txnManager.EntriesForDB(c.tx.txID, c.dbName, c.tx.txn)
	if len(overlay) == 0 {
		return
	}

	c.buildMaterialized(overlay)
}

// buildMaterialized merges this database's last-committed B-tree contents
// with overlay (every live transaction's queued Put/Delete against it,
// this transaction's own queue taking precedence - see
// TransactionManager.EntriesForDB) into one sorted, deduplicated snapshot,
// fixed for the rest of this cursor's lifetime.
func (c *Cursor) buildMaterialized(overlay map[string]TransactionOperation) {
	merged := make(map[string][]byte)

	raw := &Cursor{tx: c.tx, databaseRoot: c.databaseRoot, decode: false}
	for k, v := raw.First(); k != nil; k, v = raw.Next() {
		merged[string(k)] = v
	}

	for k, op := range overlay {
		if op.Kind == opDelete {
			delete(merged, k)
			continue
		}
		merged[k] = op.Stored
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mat = make([]matKV, 0, len(keys))
	for _, k := range keys {
		val, err := decodeValue(c.tx, merged[k])
		if err != nil {
			continue
		}
		c.mat = append(c.mat, matKV{key: []byte(k), value: val})
	}

	c.useMat = true
}

func (c *Cursor) matFirst() ([]byte, []byte) {
	if len(c.mat) == 0 {
		c.valid = false
		return nil, nil
	}
	c.matIdx = 0
	c.valid = true
	return c.mat[0].key, c.mat[0].value
}

func (c *Cursor) matLast() ([]byte, []byte) {
	if len(c.mat) == 0 {
		c.valid = false
		return nil, nil
	}
	c.matIdx = len(c.mat) - 1
	c.valid = true
	return c.mat[c.matIdx].key, c.mat[c.matIdx].value
}

func (c *Cursor) matSeek(seek []byte) ([]byte, []byte) {
	i := sort.Search(len(c.mat), func(i int) bool {
		return bytes.Compare(c.mat[i].key, seek) >= 0
	})
	if i >= len(c.mat) {
		c.valid = false
		return nil, nil
	}
	c.matIdx = i
	c.valid = true
	return c.mat[i].key, c.mat[i].value
}

func (c *Cursor) matNext() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.matIdx++
	if c.matIdx >= len(c.mat) {
		c.valid = false
		return nil, nil
	}
	return c.mat[c.matIdx].key, c.mat[c.matIdx].value
}

func (c *Cursor) matPrev() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.matIdx--
	if c.matIdx < 0 {
		c.valid = false
		return nil, nil
	}
	return c.mat[c.matIdx].key, c.mat[c.matIdx].value
}

// active validates that the cursor's transaction is still active
func (c *Cursor) active() error {
	if c.tx != nil {
		return c.tx.check()
	}
	return nil
}

// nextLeaf advances to next leaf via tree navigation
// B+ tree: skip branch nodes, only visit leaves
func (c *Cursor) nextLeaf() error {
	// Pop up the stack to find a parent with more Children
	for len(c.stack) > 1 {
		// Pop current leaf
		c.stack = c.stack[:len(c.stack)-1]

		// Check parent
		parent := &c.stack[len(c.stack)-1]
		parent.childIndex++

		// Does parent have more Children?
		ch := children(parent.node)
		if parent.childIndex < len(ch) {
			// Descend to leftmost leaf of next subtree
			node, err := c.tx.loadNode(ch[parent.childIndex])
			if err != nil {
				c.valid = false
				return err
			}

			// Keep descending to leftmost child
			for !base.IsLeaf(node) {
				c.stack = append(c.stack, path{node: node, childIndex: 0})
				child, err := c.tx.loadNode(children(node)[0])
				if err != nil {
					c.valid = false
					return err
				}
				node = child
			}

			// Reached leaf
			c.stack = append(c.stack, path{node: node, childIndex: 0})

			if numKeys(node) > 0 {
				c.key, c.value = leafKV(node, 0)
				c.valid = true
			} else {
				c.valid = false
			}

			return nil
		}
	}

	// Reached root with no more Children
	c.valid = false
	return nil
}

// prevLeaf moves to previous leaf via tree navigation
// B+ tree: skip branch nodes, only visit leaves
func (c *Cursor) prevLeaf() error {
	// Pop up the stack to find a parent with more Children to the left
	for len(c.stack) > 1 {
		// Pop current leaf
		c.stack = c.stack[:len(c.stack)-1]

		// Check parent
		parent := &c.stack[len(c.stack)-1]
		parent.childIndex--

		// Does parent have more Children to the left?
		if parent.childIndex >= 0 {
			ch := children(parent.node)
			// Descend to rightmost leaf of previous subtree
			node, err := c.tx.loadNode(ch[parent.childIndex])
			if err != nil {
				c.valid = false
				return err
			}

			// Keep descending to rightmost child
			for !base.IsLeaf(node) {
				nch := children(node)
				lastChild := len(nch) - 1
				c.stack = append(c.stack, path{node: node, childIndex: lastChild})
				child, err := c.tx.loadNode(nch[lastChild])
				if err != nil {
					c.valid = false
					return err
				}
				node = child
			}

			// Reached leaf
			lastIndex := numKeys(node) - 1
			c.stack = append(c.stack, path{node: node, childIndex: lastIndex})

			if lastIndex >= 0 {
				c.key, c.value = leafKV(node, lastIndex)
				c.valid = true
			} else {
				c.valid = false
			}

			return nil
		}
	}

	// Reached root with no more Children to the left
	c.valid = false
	return nil
}

// getRoot returns the root to use for this cursor
func (c *Cursor) getRoot() base.PageData {
	if c.databaseRoot != nil {
		return c.databaseRoot
	}
	return c.tx.root
}

// shouldSkip returns true if the key should be skipped (internal keys like __root__)
func (c *Cursor) shouldSkip(key []byte) bool {
	// If iterating root tree (database directory), skip __root__ internal database
	root := c.getRoot()
	if root == c.tx.root {
		return string(key) == "__root__"
	}
	return false
}
