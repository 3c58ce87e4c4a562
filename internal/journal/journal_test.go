package journal

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/storage"
)

func tmpJournalPath(t *testing.T) string {
	path := fmt.Sprintf("/tmp/fredb_journal_test_%s.db", t.Name())
	os.Remove(path + ".jrn0")
	os.Remove(path + ".jrn1")
	t.Cleanup(func() {
		os.Remove(path + ".jrn0")
		os.Remove(path + ".jrn1")
	})
	return path
}

func baselineMeta(txID uint64) base.MetaPage {
	m := base.MetaPage{
		Magic:    base.MagicNumber,
		Version:  base.FormatVersion,
		PageSize: base.PageSize,
		TxID:     txID,
	}
	m.Checksum = m.CalculateChecksum()
	return m
}

func writeBaseline(t *testing.T, store storage.Device, meta base.MetaPage) {
	page := &base.Page{}
	page.WriteMeta(&meta)
	require.NoError(t, store.WritePage(base.PageID(meta.TxID%2), page))
	require.NoError(t, store.WritePage(base.PageID(1-meta.TxID%2), page))
}

func TestJournalAppendAndCheckpoint(t *testing.T) {
	path := tmpJournalPath(t)

	j, err := Open(path, 0)
	require.NoError(t, err)
	defer j.Close()

	page := &base.Page{}
	page.Data[0] = 0xAB

	require.NoError(t, j.AppendPage(7, base.PageID(3), page))
	require.NoError(t, j.AppendCommit(7, baselineMeta(7)))
	require.NoError(t, j.Checkpoint(7))
}

func TestJournalRecoverReplaysUncheckpointedCommit(t *testing.T) {
	path := tmpJournalPath(t)
	store := storage.NewMemory()
	writeBaseline(t, store, baselineMeta(5))

	j, err := Open(path, 0)
	require.NoError(t, err)
	defer j.Close()

	page := &base.Page{}
	page.Data[0] = 0xCD

	require.NoError(t, j.AppendPage(6, base.PageID(10), page))
	require.NoError(t, j.AppendCommit(6, base.MetaPage{RootPageID: 99, NumPages: 11}))
	// No Checkpoint call: simulates a crash after the commit record hit
	// disk but before the pager wrote the data file's own pages.

	recovered, err := j.Recover(store)
	require.NoError(t, err)
	assert.True(t, recovered)

	replayed, err := store.ReadPage(base.PageID(10))
	require.NoError(t, err)
	assert.Equal(t, byte(0xCD), replayed.Data[0])

	metaPage, err := store.ReadPage(base.PageID(6 % 2))
	require.NoError(t, err)
	meta := metaPage.ReadMeta()
	require.NoError(t, meta.Validate())
	assert.Equal(t, uint64(6), meta.TxID)
	assert.Equal(t, base.PageID(99), meta.RootPageID)
}

func TestJournalRecoverSkipsAlreadyCheckpointedCommit(t *testing.T) {
	path := tmpJournalPath(t)
	store := storage.NewMemory()
	writeBaseline(t, store, baselineMeta(8))

	j, err := Open(path, 0)
	require.NoError(t, err)
	defer j.Close()

	page := &base.Page{}
	require.NoError(t, j.AppendPage(8, base.PageID(2), page))
	require.NoError(t, j.AppendCommit(8, base.MetaPage{RootPageID: 1, NumPages: 3}))

	recovered, err := j.Recover(store)
	require.NoError(t, err)
	assert.False(t, recovered, "a commit already reflected in the data file's own TxID must not be replayed")
}

func TestNeedsRecoveryReportsUncheckpointedJournal(t *testing.T) {
	path := tmpJournalPath(t)

	dataFile, err := os.Create(path)
	require.NoError(t, err)
	meta := baselineMeta(1)
	page := &base.Page{}
	page.WriteMeta(&meta)
	_, err = dataFile.Write(page.Data[:])
	require.NoError(t, err)
	_, err = dataFile.Write(page.Data[:])
	require.NoError(t, err)
	require.NoError(t, dataFile.Close())
	t.Cleanup(func() { os.Remove(path) })

	assert.False(t, NeedsRecovery(path), "freshly created file with no journal commits needs no recovery")

	j, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, j.AppendPage(2, base.PageID(5), &base.Page{}))
	require.NoError(t, j.AppendCommit(2, base.MetaPage{RootPageID: 1}))
	require.NoError(t, j.Close())

	assert.True(t, NeedsRecovery(path))
}
