package fredb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedItems(t *testing.T, db *DB) {
	require.NoError(t, db.CreateDatabase([]byte("items")))
	err := db.Update(func(tx *Tx) error {
		items := tx.Database([]byte("items"))
		for _, kv := range [][2]string{{"a", "1"}, {"c", "3"}, {"e", "5"}} {
			if err := items.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCursorFindFlags(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	seedItems(t, db)

	err = db.View(func(tx *Tx) error {
		items := tx.Database([]byte("items"))
		c := items.Cursor()

		k, _ := c.Find([]byte("c"), EQ)
		assert.Equal(t, []byte("c"), k)

		k, _ = c.Find([]byte("b"), EQ)
		assert.Nil(t, k, "EQ must not match on an approximate hit")

		k, _ = c.Find([]byte("b"), GEQ)
		assert.Equal(t, []byte("c"), k)

		k, _ = c.Find([]byte("c"), GT)
		assert.Equal(t, []byte("e"), k)

		k, _ = c.Find([]byte("d"), LEQ)
		assert.Equal(t, []byte("c"), k)

		k, _ = c.Find([]byte("c"), LEQ)
		assert.Equal(t, []byte("c"), k)

		k, _ = c.Find([]byte("c"), LT)
		assert.Equal(t, []byte("a"), k)

		k, _ = c.Find([]byte("z"), LT)
		assert.Equal(t, []byte("e"), k, "LT past the end falls back to Last")

		k, _ = c.Find([]byte("z"), GEQ)
		assert.Nil(t, k, "GEQ past the end is exhausted")

		return nil
	})
	require.NoError(t, err)
}

// TestCursorMergesOwnQueuedWrites confirms a cursor opened inside a write
// transaction reflects that transaction's own not-yet-committed Put/Delete
// operations, merged with the last-committed B-tree contents.
func TestCursorMergesOwnQueuedWrites(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	seedItems(t, db)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	defer tx.Rollback()

	items := tx.Database([]byte("items"))
	require.NoError(t, items.Put([]byte("b"), []byte("2")))    // new key, sorts between a and c
	require.NoError(t, items.Delete([]byte("c")))              // removes a committed key
	require.NoError(t, items.Put([]byte("e"), []byte("five"))) // overwrites a committed key

	var keys []string
	var vals []string
	c := items.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		keys = append(keys, string(k))
		vals = append(vals, string(v))
	}

	assert.Equal(t, []string{"a", "b", "e"}, keys)
	assert.Equal(t, []string{"1", "2", "five"}, vals)
}

// TestCursorMergesOtherTransactionsQueuedWrites confirms a cursor sees
// another still-open write transaction's queued operations too, the same
// dirty-read relaxation Database.Get already applies.
func TestCursorMergesOtherTransactionsQueuedWrites(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	seedItems(t, db)

	writer, err := db.Begin(true)
	require.NoError(t, err)
	defer writer.Rollback()
	require.NoError(t, writer.Database([]byte("items")).Put([]byte("d"), []byte("4")))

	reader, err := db.Begin(true)
	require.NoError(t, err)
	defer reader.Rollback()

	var keys []string
	c := reader.Database([]byte("items")).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, string(k))
	}

	assert.Equal(t, []string{"a", "c", "d", "e"}, keys)
}

func TestCursorSeekStartEnd(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	seedItems(t, db)

	err = db.View(func(tx *Tx) error {
		c := tx.Database([]byte("items")).Cursor()

		k, _ := c.Seek(START)
		assert.Equal(t, []byte("a"), k)

		k, _ = c.Seek(END)
		assert.Equal(t, []byte("e"), k)

		return nil
	})
	require.NoError(t, err)
}
