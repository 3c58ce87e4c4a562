package fredb

import (
	"errors"

	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/pager"
	"github.com/alexhholmes/fredb/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDatabaseClosed = errors.New("database is closed")
	ErrKeyEmpty       = errors.New("key cannot be empty")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrValueTooLarge  = errors.New("value too large")
	ErrCorruption     = errors.New("data corruption detected")

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxInProgress  = errors.New("write transaction already in progress")
	ErrTxDone        = errors.New("transaction has been committed or rolled back")
	ErrNoActiveTx    = errors.New("no active write transaction")

	ErrDatabaseExists   = errors.New("database already exists")
	ErrDatabaseNotFound = errors.New("database not found")

	ErrKeysUnsorted            = errors.New("keys must be inserted in strictly ascending order")
	ErrBulkLoaderEmpty         = errors.New("bulk loader is empty")
	ErrBulkLoaderMultipleRoots = errors.New("failed to build tree: multiple roots remaining")

	ErrTooManyReaders = errors.New("too many concurrent readers")
	ErrCorruptPage    = base.ErrCorruptPage

	ErrPageOverflow       = base.ErrPageOverflow
	ErrInvalidOffset      = base.ErrInvalidOffset
	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum

	// ErrDuplicateKey is reserved for the extended-duplicate-key table
	// (CreateDatabaseOptions.AllowDuplicates); no code path returns it yet,
	// since Database.Put always overwrites an existing key and that
	// behavior isn't gated on AllowDuplicates. See DESIGN.md.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNeedsRecovery is returned by Open when the journal holds committed
	// records newer than the data file's checkpoint and recovery has been
	// disabled (WithRecovery(false)), so the engine refuses to open a
	// possibly-inconsistent file rather than silently losing the tail.
	ErrNeedsRecovery = errors.New("database needs recovery: journal has uncheckpointed commits")

	// ErrTxnConflict is returned by Put/Delete when the key was already
	// written by another still-open write transaction; the caller must
	// retry in a new transaction.
	ErrTxnConflict = errors.New("transaction conflict: key written by another open transaction")

	// ErrDatabaseAlreadyOpen is returned by CreateDatabase when a database
	// with the given name already exists as seen by the creating
	// transaction.
	ErrDatabaseAlreadyOpen = errors.New("database already open")

	// ErrOutOfMemory is returned by the in-memory storage backend when it
	// cannot grow its backing buffer to satisfy a page allocation.
	ErrOutOfMemory = storage.ErrOutOfMemory

	// ErrTooManyDatabases is returned by CreateDatabase once the
	// configured MaxDatabases limit (see WithMaxDatabases) is reached.
	ErrTooManyDatabases = errors.New("too many open databases")

	// ErrFileSizeLimit is returned by Commit once the configured
	// WithFileSizeLimit would be exceeded by the pages being written.
	ErrFileSizeLimit = pager.ErrFileSizeLimit
)
