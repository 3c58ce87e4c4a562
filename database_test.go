package fredb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fredb/internal/algo"
)

func TestDatabaseKeyTypeRoundTrip(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *Tx) error {
		counters, err := tx.CreateDatabaseWithOptions([]byte("counters"), CreateDatabaseOptions{KeyType: algo.KeyTypeUint64})
		if err != nil {
			return err
		}
		return counters.PutKey(uint64(42), []byte("forty-two"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		counters := tx.Database([]byte("counters"))
		require.NotNil(t, counters)
		assert.Equal(t, algo.KeyTypeUint64, counters.KeyType())
		assert.Equal(t, []byte("forty-two"), counters.GetKey(uint64(42)))
		return nil
	})
	require.NoError(t, err)
}

func TestDatabaseRecordNumberAppend(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	var first, second uint64
	err = db.Update(func(tx *Tx) error {
		log, err := tx.CreateDatabaseWithOptions([]byte("log"), CreateDatabaseOptions{RecordNumber: true})
		if err != nil {
			return err
		}
		first, err = log.Append([]byte("entry-1"))
		if err != nil {
			return err
		}
		second, err = log.Append([]byte("entry-2"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	err = db.View(func(tx *Tx) error {
		log := tx.Database([]byte("log"))
		require.NotNil(t, log)
		assert.Equal(t, algo.KeyTypeUint64, log.KeyType())
		assert.Equal(t, []byte("entry-1"), log.GetKey(first))
		assert.Equal(t, []byte("entry-2"), log.GetKey(second))
		return nil
	})
	require.NoError(t, err)
}

func TestDatabasePerDatabaseMaxKeySize(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *Tx) error {
		narrow, err := tx.CreateDatabaseWithOptions([]byte("narrow"), CreateDatabaseOptions{MaxKeySize: 4})
		if err != nil {
			return err
		}
		if err := narrow.Put([]byte("ok"), []byte("v")); err != nil {
			return err
		}
		return narrow.Put([]byte("way-too-long"), []byte("v"))
	})
	assert.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestAppendRequiresRecordNumberDatabase(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *Tx) error {
		plain, err := tx.CreateDatabase([]byte("plain"))
		if err != nil {
			return err
		}
		_, err = plain.Append([]byte("x"))
		return err
	})
	assert.Error(t, err)
}
