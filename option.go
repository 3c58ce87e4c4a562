package fredb

import "github.com/alexhholmes/fredb/internal/algo"

// SyncMode controls when database writes are fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every transaction commit. Uses direct I/O.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	// - Use for: Financial transactions, critical data
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when at least N bytes have been written since the last
	// fsync. Uses mmap I/O.
	// - Balances durability and performance
	// - Some data loss possible on crash (up to N bytes)
	// - Use for: General purpose applications
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only). Uses mmap
	// I/O.
	// - Maximum throughput
	// - All unflushed data lost on crash
	// - Use for: Testing, bulk imports with external durability
	SyncOff
)

// DBOptions configures database behavior.
//
// This covers the engine-level configuration table: sync behavior, cache
// sizing, journal/recovery, the read-only and multi-writer switches, and the
// database count ceiling. Per-database knobs (key type, key/record size
// limits, duplicates, record-number mode) live on CreateDatabase, since they
// are a property of one database inside the environment, not the
// environment itself - see CreateDatabaseOptions.
type DBOptions struct {
	syncMode       SyncMode
	syncBytes      uint // Number of bytes to write before fsync when SyncMode is SyncBytes.
	maxCacheSizeMB int  // Maximum size of in-memory cache in MB. 0 means no limit.

	pageSize int // Must equal base.PageSize; rejected otherwise. See Open.

	readOnly           bool  // Reject Begin(true); no write transactions at all.
	enableRecovery     bool  // Replay the journal on Open and refuse to open silently otherwise.
	enableTransactions bool  // Multi-writer Transaction Manager. false falls back to single-writer.
	autoCleanupOnClose bool  // Record a final journal checkpoint on Close.
	disableMMap        bool  // Force direct I/O (Storage) even when mmap would be chosen otherwise.
	maxDatabases       int   // 0 means unlimited. Enforced by CreateDatabase.
	memoryLimitBytes   int64 // Backing buffer cap for OpenMemory; 0 means unlimited.

	journalSwitchBytes int64 // Journal rotation threshold. See internal/journal.
	fileSizeLimitBytes int64 // 0 means unlimited; enforced by the pager on allocation.
}

// DefaultDBOptions returns safe default configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultDBOptions() DBOptions {
	return DBOptions{
		syncMode:       SyncEveryCommit,
		syncBytes:      1024 * 1024, // 1MB
		maxCacheSizeMB: 512,         // 512MB

		enableRecovery:     true,
		enableTransactions: true,
		autoCleanupOnClose: true,

		journalSwitchBytes: 64 * 1024 * 1024, // 64MB per journal file before rotation
	}
}

// DBOption configures database options using the functional options pattern.
type DBOption func(*DBOptions)

// WithSyncEveryCommit configures the database to fsync on every commit.
// This provides maximum durability (zero data loss) but lower throughput.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncOff disables fsync entirely.
// This provides maximum throughput but all unflushed data is lost on crash.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncOff
	}
}

// WithMaxCacheSizeMB sets the maximum size of in-memory cache in MB.
// When the cache exceeds this size, the least recently used items are evicted.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxCacheSizeMB(mb int) DBOption {
	return func(opts *DBOptions) {
		opts.maxCacheSizeMB = mb
	}
}

// WithReadOnly opens the database refusing all write transactions;
// Begin(true) and Update return ErrTxNotWritable immediately.
//
//goland:noinspection GoUnusedExportedFunction
func WithReadOnly() DBOption {
	return func(opts *DBOptions) {
		opts.readOnly = true
	}
}

// WithRecovery controls whether Open replays the write-ahead journal. When
// disabled and the journal holds commits past the data file's last
// checkpoint, Open returns ErrNeedsRecovery instead of silently discarding
// them.
//
//goland:noinspection GoUnusedExportedFunction
func WithRecovery(enabled bool) DBOption {
	return func(opts *DBOptions) {
		opts.enableRecovery = enabled
	}
}

// WithTransactions controls whether multiple write transactions may be open
// concurrently, queueing their operations in a per-transaction Transaction
// Tree and resolving conflicts at commit time. Disabled, Begin(true) falls
// back to the single-writer rule: a second concurrent call blocks out with
// ErrTxInProgress.
//
//goland:noinspection GoUnusedExportedFunction
func WithTransactions(enabled bool) DBOption {
	return func(opts *DBOptions) {
		opts.enableTransactions = enabled
	}
}

// WithAutoCleanupOnClose controls whether Close records a journal
// checkpoint at the final meta page's transaction ID, after the pager has
// written the freelist and meta page and closed storage. The freelist and
// meta write happen either way. Disabling it makes Close faster at the
// cost of leaving more to redo/replay on next Open.
//
//goland:noinspection GoUnusedExportedFunction
func WithAutoCleanupOnClose(enabled bool) DBOption {
	return func(opts *DBOptions) {
		opts.autoCleanupOnClose = enabled
	}
}

// WithDisableMMap forces direct I/O (Storage) instead of memory-mapped I/O
// even when the sync mode would otherwise select mmap.
//
//goland:noinspection GoUnusedExportedFunction
func WithDisableMMap() DBOption {
	return func(opts *DBOptions) {
		opts.disableMMap = true
	}
}

// WithMaxDatabases caps the number of named databases CreateDatabase will
// allow in the environment. 0 (the default) means unlimited.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxDatabases(n int) DBOption {
	return func(opts *DBOptions) {
		opts.maxDatabases = n
	}
}

// WithMemoryLimit caps the backing buffer OpenMemory will grow to, in bytes.
// Exceeding it returns ErrOutOfMemory from the write that would have grown
// past the limit. Has no effect on Open (file-backed databases).
//
//goland:noinspection GoUnusedExportedFunction
func WithMemoryLimit(bytes int64) DBOption {
	return func(opts *DBOptions) {
		opts.memoryLimitBytes = bytes
	}
}

// WithJournalSwitchBytes sets the size threshold at which the write-ahead
// journal rotates from its active file to its standby file.
//
//goland:noinspection GoUnusedExportedFunction
func WithJournalSwitchBytes(n int64) DBOption {
	return func(opts *DBOptions) {
		opts.journalSwitchBytes = n
	}
}

// WithFileSizeLimit caps the total size the page file may grow to, in bytes.
// 0 (the default) means unlimited. Enforced by the pager when it would
// otherwise extend the file past the limit.
//
//goland:noinspection GoUnusedExportedFunction
func WithFileSizeLimit(bytes int64) DBOption {
	return func(opts *DBOptions) {
		opts.fileSizeLimitBytes = bytes
	}
}

// CreateDatabaseOptions configures a single database's key encoding and
// size limits, set once at creation and immutable afterward. Duplicates and
// record-number support share the record-number encoding: a record-number
// database is a KeyTypeUint64 database whose keys are assigned by
// NextSequence rather than chosen by the caller.
type CreateDatabaseOptions struct {
	KeyType         algo.KeyType
	MaxKeySize      int  // 0 means MaxKeySize (the environment default).
	MaxRecordSize   int  // 0 means MaxValueSize (the environment default).
	AllowDuplicates bool // Accepted but not stored or consulted: Put always overwrites. See DESIGN.md.
	RecordNumber    bool // Keys are assigned via NextSequence, encoded as KeyTypeUint64.
}

// DefaultCreateDatabaseOptions returns a binary-keyed database with the
// environment's default size limits.
func DefaultCreateDatabaseOptions() CreateDatabaseOptions {
	return CreateDatabaseOptions{KeyType: algo.KeyTypeBinary}
}
