package fredb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnTreeRecordAndLookup(t *testing.T) {
	tree := newTxnTree(1)

	lsn := tree.record([]byte("widgets"), []byte("a"), opPut, []byte("stored-a"))
	assert.Equal(t, uint64(1), lsn)

	op, ok := tree.lookup([]byte("widgets"), []byte("a"))
	require.True(t, ok)
	assert.Equal(t, opPut, op.Kind)
	assert.Equal(t, []byte("stored-a"), op.Stored)

	// A different database with the same key must not collide.
	_, ok = tree.lookup([]byte("gadgets"), []byte("a"))
	assert.False(t, ok)

	tree.record([]byte("widgets"), []byte("a"), opDelete, nil)
	op, ok = tree.lookup([]byte("widgets"), []byte("a"))
	require.True(t, ok)
	assert.Equal(t, opDelete, op.Kind)
}

func TestTxnTreeEntriesForDB(t *testing.T) {
	tree := newTxnTree(1)
	tree.record([]byte("widgets"), []byte("a"), opPut, []byte("va"))
	tree.record([]byte("widgets"), []byte("b"), opPut, []byte("vb"))
	tree.record([]byte("gadgets"), []byte("a"), opPut, []byte("other-db"))

	entries := tree.entriesForDB([]byte("widgets"))
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("va"), entries["a"].Stored)
	assert.Equal(t, []byte("vb"), entries["b"].Stored)
}

func TestTransactionManagerConflict(t *testing.T) {
	m := NewTransactionManager()
	t1 := newTxnTree(1)
	t2 := newTxnTree(2)
	m.Register(1, t1)
	m.Register(2, t2)

	t1.record([]byte("widgets"), []byte("k"), opPut, []byte("v1"))

	assert.True(t, m.Conflict(2, []byte("widgets"), []byte("k")))
	assert.False(t, m.Conflict(1, []byte("widgets"), []byte("k")), "a transaction never conflicts with its own queued write")
	assert.False(t, m.Conflict(2, []byte("widgets"), []byte("other-key")))
}

func TestTransactionManagerLookupOthersNewestWins(t *testing.T) {
	m := NewTransactionManager()
	t1 := newTxnTree(1)
	t2 := newTxnTree(2)
	m.Register(1, t1)
	m.Register(2, t2)

	t1.record([]byte("widgets"), []byte("k"), opPut, []byte("from-1"))
	t2.record([]byte("widgets"), []byte("k"), opPut, []byte("from-2"))

	op, ok := m.LookupOthers(3, []byte("widgets"), []byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("from-2"), op.Stored, "the more recently registered writer's pending value should win the dirty read")

	_, ok = m.LookupOthers(2, []byte("widgets"), []byte("k"))
	require.True(t, ok, "transaction 2 should still see transaction 1's pending write")
}

func TestTransactionManagerEntriesForDBSelfTakesPrecedence(t *testing.T) {
	m := NewTransactionManager()
	self := newTxnTree(1)
	other := newTxnTree(2)
	m.Register(1, self)
	m.Register(2, other)

	other.record([]byte("widgets"), []byte("k"), opPut, []byte("other-value"))
	self.record([]byte("widgets"), []byte("k"), opPut, []byte("self-value"))

	merged := m.EntriesForDB(1, []byte("widgets"), self)
	require.Contains(t, merged, "k")
	assert.Equal(t, []byte("self-value"), merged["k"].Stored)
}

func TestTransactionManagerUnregister(t *testing.T) {
	m := NewTransactionManager()
	tree := newTxnTree(1)
	m.Register(1, tree)
	assert.Equal(t, 1, m.Count())

	m.Unregister(1)
	assert.Equal(t, 0, m.Count())
	assert.False(t, m.Conflict(2, []byte("widgets"), []byte("k")))
}
