package fredb

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tmpDBPath returns a fresh path for a file-backed test database and
// registers cleanup of the data file plus both journal generations.
func tmpDBPath(t *testing.T) string {
	path := fmt.Sprintf("/tmp/fredb_test_%s.db", t.Name())
	os.Remove(path)
	os.Remove(path + ".jrn0")
	os.Remove(path + ".jrn1")
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".jrn0")
		os.Remove(path + ".jrn1")
	})
	return path
}

func TestOpenMemoryPutGet(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))

	v, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Delete([]byte("k1")))
	_, err = db.Get([]byte("k1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCreateDatabaseAndForEach(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateDatabase([]byte("widgets")))

	err = db.Update(func(tx *Tx) error {
		w := tx.Database([]byte("widgets"))
		require.NotNil(t, w)
		require.NoError(t, w.Put([]byte("a"), []byte("1")))
		require.NoError(t, w.Put([]byte("b"), []byte("2")))
		return nil
	})
	require.NoError(t, err)

	var got [][2]string
	err = db.View(func(tx *Tx) error {
		w := tx.Database([]byte("widgets"))
		require.NotNil(t, w)
		return w.ForEach(func(k, v []byte) error {
			got = append(got, [2]string{string(k), string(v)})
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}}, got)
}

func TestOpenAndReopenFileBacked(t *testing.T) {
	path := tmpDBPath(t)

	db1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("persist"), []byte("me")))
	require.NoError(t, db1.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	v, err := db2.Get([]byte("persist"))
	require.NoError(t, err)
	assert.Equal(t, []byte("me"), v)
}

func TestDoubleCloseReturnsErrDatabaseClosed(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), ErrDatabaseClosed)
}

func TestReadOnlyOptionRejectsWrites(t *testing.T) {
	path := tmpDBPath(t)

	setup, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, setup.Close())

	db, err := Open(path, WithReadOnly())
	require.NoError(t, err)
	defer db.Close()

	err = db.Put([]byte("x"), []byte("y"))
	assert.ErrorIs(t, err, ErrTxNotWritable)
}
