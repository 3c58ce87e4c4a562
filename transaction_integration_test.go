package fredb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMultiWriterConflictAndDirtyRead exercises the Transaction Tree /
// Transaction Manager path end to end: two write transactions open at
// once, a conflict on a contested key, and a dirty read of one writer's
// uncommitted value by the other before either commits.
func TestMultiWriterConflictAndDirtyRead(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	tx1, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx1.Put([]byte("k"), []byte("from-tx1")))

	tx2, err := db.Begin(true)
	require.NoError(t, err)

	// tx2 sees tx1's uncommitted write via the dirty-read relaxation.
	v, err := tx2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-tx1"), v)

	// tx2 writing the same key while tx1 still holds it open is a conflict.
	err = tx2.Put([]byte("k"), []byte("from-tx2"))
	assert.ErrorIs(t, err, ErrTxnConflict)

	require.NoError(t, tx1.Commit())
	require.NoError(t, tx2.Rollback())

	v, err = db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-tx1"), v)
}

// TestSingleWriterModeRejectsSecondWriter confirms WithTransactions(false)
// reverts to the teacher's original exclusive-writer gate.
func TestSingleWriterModeRejectsSecondWriter(t *testing.T) {
	db, err := OpenMemory(WithTransactions(false))
	require.NoError(t, err)
	defer db.Close()

	tx1, err := db.Begin(true)
	require.NoError(t, err)
	defer tx1.Rollback()

	_, err = db.Begin(true)
	assert.ErrorIs(t, err, ErrTxInProgress)
}

// TestReadYourOwnWritesBeforeCommit confirms a transaction sees its own
// queued write even though it hasn't been applied to the B-tree yet.
func TestReadYourOwnWritesBeforeCommit(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(true)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.Put([]byte("k"), []byte("v")))

	v, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	// Not visible to a fresh snapshot outside this transaction yet.
	other, err := db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Nil(t, other)
}
