// Package journal implements the write-ahead redo log that guards commits
// against a crash between a page write and the meta-page flip. It mirrors
// the pager's own dual ping-pong scheme one level up: two rotating files,
// ".jrn0" and ".jrn1", so a crash mid-rotation still leaves one file intact
// to replay from.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/fredb/internal/base"
	"github.com/alexhholmes/fredb/internal/directio"
	"github.com/alexhholmes/fredb/internal/storage"
)

// Record types, mirroring the teacher WAL's page/commit split.
const (
	recordPage   uint8 = 1
	recordCommit uint8 = 2
)

// recordHeaderSize is [Type:1][LSN:8][TxnID:8][PageID:8][DataLen:4].
const recordHeaderSize = 1 + 8 + 8 + 8 + 4

// commitPayloadSize is the encoded base.MetaPage fields a commit record
// carries forward into recovery: RootPageID, FreelistID, FreelistPages,
// NumPages, each 8 bytes.
const commitPayloadSize = 32

// headerMagic identifies a journal file's leading block.
const headerMagic uint32 = 0x6a726e6c // "jrnl"

// headerSize is the fixed leading block every journal file reserves for
// its own bookkeeping (LSN high-water mark, last checkpoint).
const headerSize = directio.BlockSize

const defaultSwitchBytes int64 = 64 << 20 // 64MB

var (
	// ErrCorrupt is returned by Recover when the data file is not empty but
	// neither of its two meta pages passes validation.
	ErrCorrupt = errors.New("journal: corrupt header")
)

// fileHeader is the leading block of a journal file.
type fileHeader struct {
	Magic           uint32
	LSN             uint64
	CheckpointTxnID uint64
	Checksum        uint64
}

func (h fileHeader) encode() []byte {
	buf := directio.AlignedBlock(headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint64(buf[4:12], h.LSN)
	binary.LittleEndian.PutUint64(buf[12:20], h.CheckpointTxnID)
	binary.LittleEndian.PutUint64(buf[20:28], h.checksum())
	return buf
}

func (h fileHeader) checksum() uint64 {
	var tmp [20]byte
	binary.LittleEndian.PutUint32(tmp[0:4], h.Magic)
	binary.LittleEndian.PutUint64(tmp[4:12], h.LSN)
	binary.LittleEndian.PutUint64(tmp[12:20], h.CheckpointTxnID)
	return xxhash.Sum64(tmp[:])
}

func decodeHeader(buf []byte) (fileHeader, error) {
	h := fileHeader{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		LSN:             binary.LittleEndian.Uint64(buf[4:12]),
		CheckpointTxnID: binary.LittleEndian.Uint64(buf[12:20]),
		Checksum:        binary.LittleEndian.Uint64(buf[20:28]),
	}
	if h.Magic != headerMagic {
		return fileHeader{}, ErrCorrupt
	}
	if h.Checksum != h.checksum() {
		return fileHeader{}, ErrCorrupt
	}
	return h, nil
}

// record is a single decoded journal entry, tagged with the file it came
// from so Recover can reconstruct global LSN order across both files.
type record struct {
	typ    uint8
	lsn    uint64
	txnID  uint64
	pageID base.PageID
	data   []byte
}

// file wraps one rotating journal generation.
type file struct {
	f      *os.File
	path   string
	header fileHeader
	offset int64 // next write position, always >= headerSize
}

// Journal is the write-ahead redo log. Every page a transaction dirties is
// appended here, with a trailing commit record carrying the transaction's
// final meta fields, before the pager touches the data file's page 0/1.
// On crash, Open+Recover replays whatever committed records are newer than
// the data file's own checkpoint.
type Journal struct {
	mu          sync.Mutex
	files       [2]*file
	active      int
	switchBytes int64
	lsn         uint64
	bufPool     *sync.Pool
}

func blockBuf(n int) []byte {
	return directio.AlignedBlock(n * directio.BlockSize)
}

// openGeneration opens (creating if necessary) one of the two rotating
// files and reads or initializes its header block.
func openGeneration(path string) (*file, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	g := &file{f: f, path: path}

	if info.Size() < headerSize {
		g.header = fileHeader{Magic: headerMagic}
		if _, err := f.WriteAt(g.header.encode(), 0); err != nil {
			f.Close()
			return nil, err
		}
		g.offset = headerSize
		return g, nil
	}

	buf := blockBuf(1)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, err
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		// Treat a corrupt leading block as an empty generation rather
		// than failing Open outright; the other file carries recovery.
		hdr = fileHeader{Magic: headerMagic}
		if _, err := f.WriteAt(hdr.encode(), 0); err != nil {
			f.Close()
			return nil, err
		}
		g.header = hdr
		g.offset = headerSize
		return g, nil
	}

	g.header = hdr
	g.offset = info.Size()
	return g, nil
}

// Open opens or creates the ".jrn0"/".jrn1" pair next to path. switchBytes
// of zero selects a 64MB default rotation threshold.
func Open(path string, switchBytes int64) (*Journal, error) {
	if switchBytes <= 0 {
		switchBytes = defaultSwitchBytes
	}

	g0, err := openGeneration(path + ".jrn0")
	if err != nil {
		return nil, err
	}
	g1, err := openGeneration(path + ".jrn1")
	if err != nil {
		g0.f.Close()
		return nil, err
	}

	j := &Journal{
		files:       [2]*file{g0, g1},
		switchBytes: switchBytes,
		bufPool: &sync.Pool{
			New: func() interface{} { return blockBuf(2) },
		},
	}

	if g1.header.LSN > g0.header.LSN {
		j.active = 1
	} else {
		j.active = 0
	}
	if g0.header.LSN > j.lsn {
		j.lsn = g0.header.LSN
	}
	if g1.header.LSN > j.lsn {
		j.lsn = g1.header.LSN
	}

	return j, nil
}

func (j *Journal) activeFile() *file {
	return j.files[j.active]
}

// AppendPage writes a redo image of page to the active generation.
func (j *Journal) AppendPage(txnID uint64, pageID base.PageID, page *base.Page) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.lsn++
	buf := j.bufPool.Get().([]byte)
	defer j.bufPool.Put(buf)

	buf[0] = recordPage
	binary.LittleEndian.PutUint64(buf[1:9], j.lsn)
	binary.LittleEndian.PutUint64(buf[9:17], txnID)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(pageID))
	binary.LittleEndian.PutUint32(buf[25:29], base.PageSize)
	copy(buf[recordHeaderSize:recordHeaderSize+base.PageSize], page.Data[:])
	for i := recordHeaderSize + base.PageSize; i < len(buf); i++ {
		buf[i] = 0
	}

	g := j.activeFile()
	if _, err := g.f.WriteAt(buf, g.offset); err != nil {
		return err
	}
	g.offset += int64(len(buf))
	return nil
}

// AppendCommit writes a commit record carrying the transaction's final
// meta fields, then advances and persists the active generation's header
// LSN so a subsequent Open sees this generation as current.
func (j *Journal) AppendCommit(txnID uint64, meta base.MetaPage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.lsn++
	block := blockBuf(1)

	block[0] = recordCommit
	binary.LittleEndian.PutUint64(block[1:9], j.lsn)
	binary.LittleEndian.PutUint64(block[9:17], txnID)
	binary.LittleEndian.PutUint64(block[17:25], 0)
	binary.LittleEndian.PutUint32(block[25:29], commitPayloadSize)
	binary.LittleEndian.PutUint64(block[29:37], uint64(meta.RootPageID))
	binary.LittleEndian.PutUint64(block[37:45], uint64(meta.FreelistID))
	binary.LittleEndian.PutUint64(block[45:53], meta.FreelistPages)
	binary.LittleEndian.PutUint64(block[53:61], meta.NumPages)

	g := j.activeFile()
	if _, err := g.f.WriteAt(block, g.offset); err != nil {
		return err
	}
	g.offset += int64(len(block))

	g.header.LSN = j.lsn
	if _, err := g.f.WriteAt(g.header.encode(), 0); err != nil {
		return err
	}

	return nil
}

// Sync fsyncs the active generation.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.activeFile().f.Sync()
}

// Checkpoint records that every commit up to txnID is now durable in the
// data file itself, then rotates to the other generation if the active one
// has grown past switchBytes. Rotation resets the inactive generation's
// record area - safe only because its commits are, by construction, all
// older than txnID and therefore already checkpointed.
func (j *Journal) Checkpoint(txnID uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	active := j.activeFile()
	active.header.CheckpointTxnID = txnID
	if _, err := active.f.WriteAt(active.header.encode(), 0); err != nil {
		return err
	}

	other := j.files[1-j.active]
	other.header.CheckpointTxnID = txnID
	if _, err := other.f.WriteAt(other.header.encode(), 0); err != nil {
		return err
	}

	if active.offset-headerSize < j.switchBytes {
		return nil
	}

	other.header.LSN = j.lsn
	if _, err := other.f.WriteAt(other.header.encode(), 0); err != nil {
		return err
	}
	if err := other.f.Truncate(headerSize); err != nil {
		return err
	}
	other.offset = headerSize
	j.active = 1 - j.active

	return nil
}

// Close fsyncs and closes both generations.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for _, g := range j.files {
		if err := g.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := g.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readAllRecords decodes every record in a generation past its header
// block, in on-disk order.
func readAllRecords(g *file) ([]record, error) {
	var out []record
	offset := int64(headerSize)

	for offset+directio.BlockSize <= g.offset {
		hdr := blockBuf(1)
		if _, err := g.f.ReadAt(hdr, offset); err != nil {
			return nil, fmt.Errorf("journal: read record header at %d: %w", offset, err)
		}

		typ := hdr[0]
		lsn := binary.LittleEndian.Uint64(hdr[1:9])
		txnID := binary.LittleEndian.Uint64(hdr[9:17])
		pageID := base.PageID(binary.LittleEndian.Uint64(hdr[17:25]))
		dataLen := binary.LittleEndian.Uint32(hdr[25:29])

		switch typ {
		case recordPage:
			blocks := blockBuf(2)
			if _, err := g.f.ReadAt(blocks, offset); err != nil {
				return nil, fmt.Errorf("journal: read page record at %d: %w", offset, err)
			}
			data := make([]byte, dataLen)
			copy(data, blocks[recordHeaderSize:recordHeaderSize+int(dataLen)])
			out = append(out, record{typ: typ, lsn: lsn, txnID: txnID, pageID: pageID, data: data})
			offset += 2 * directio.BlockSize

		case recordCommit:
			data := make([]byte, dataLen)
			copy(data, hdr[recordHeaderSize:recordHeaderSize+int(dataLen)])
			out = append(out, record{typ: typ, lsn: lsn, txnID: txnID, data: data})
			offset += directio.BlockSize

		default:
			// Unwritten tail block (zeroed) or corruption past the
			// logical end; either way, nothing further is readable.
			return out, nil
		}
	}

	return out, nil
}

// mergedRecords reads both generations and returns their records merged
// into a single LSN-ordered sequence, as if they were one continuous log.
func (j *Journal) mergedRecords() ([]record, error) {
	var all []record
	for _, g := range j.files {
		recs, err := readAllRecords(g)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].lsn < all[k].lsn })
	return all, nil
}

// readDataMeta reads the data file's two meta pages directly and returns
// whichever is valid and newest, mirroring pager.loadExisting's selection.
func readDataMeta(store storage.Device) (base.MetaPage, error) {
	page0, err0 := store.ReadPage(0)
	page1, err1 := store.ReadPage(1)
	if err0 != nil && err1 != nil {
		return base.MetaPage{}, fmt.Errorf("journal: no readable meta page: %v / %v", err0, err1)
	}

	var meta0, meta1 *base.MetaPage
	if err0 == nil {
		if m := page0.ReadMeta(); m.Validate() == nil {
			meta0 = m
		}
	}
	if err1 == nil {
		if m := page1.ReadMeta(); m.Validate() == nil {
			meta1 = m
		}
	}

	switch {
	case meta0 == nil && meta1 == nil:
		return base.MetaPage{}, ErrCorrupt
	case meta0 == nil:
		return *meta1, nil
	case meta1 == nil:
		return *meta0, nil
	case meta0.TxID >= meta1.TxID:
		return *meta0, nil
	default:
		return *meta1, nil
	}
}

// Recover replays every committed record newer than the data file's own
// checkpoint, writing redone pages and the recovered meta fields straight
// into store. Returns whether anything was actually replayed.
func (j *Journal) Recover(store storage.Device) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	baseline, err := readDataMeta(store)
	if err != nil {
		// A data file that has never been written has no meta page yet;
		// replay against an empty baseline instead of failing the open.
		empty, emptyErr := store.Empty()
		if emptyErr != nil || !empty {
			return false, err
		}
		baseline = base.MetaPage{}
	}

	recs, err := j.mergedRecords()
	if err != nil {
		return false, err
	}

	pending := make(map[uint64][]record)
	recovered := false

	for _, r := range recs {
		switch r.typ {
		case recordPage:
			pending[r.txnID] = append(pending[r.txnID], r)

		case recordCommit:
			if r.txnID <= baseline.TxID {
				delete(pending, r.txnID)
				continue
			}

			for _, pr := range pending[r.txnID] {
				page := &base.Page{}
				copy(page.Data[:], pr.data)
				if err := store.WritePage(pr.pageID, page); err != nil {
					return recovered, err
				}
			}
			delete(pending, r.txnID)

			meta := base.MetaPage{
				Magic:           base.MagicNumber,
				Version:         base.FormatVersion,
				PageSize:        base.PageSize,
				RootPageID:      base.PageID(binary.LittleEndian.Uint64(r.data[0:8])),
				FreelistID:      base.PageID(binary.LittleEndian.Uint64(r.data[8:16])),
				FreelistPages:   binary.LittleEndian.Uint64(r.data[16:24]),
				TxID:            r.txnID,
				CheckpointTxnID: r.txnID,
				NumPages:        binary.LittleEndian.Uint64(r.data[24:32]),
			}
			meta.Checksum = meta.CalculateChecksum()

			metaPage := &base.Page{}
			metaPage.WriteMeta(&meta)
			if err := store.WritePage(base.PageID(r.txnID%2), metaPage); err != nil {
				return recovered, err
			}

			recovered = true
			baseline = meta
		}
	}

	return recovered, nil
}

// NeedsRecovery reports whether the journal pair next to path holds
// committed records newer than the data file's own checkpoint, without
// mutating anything. Used when WithRecovery(false) so Open can refuse to
// touch a possibly-inconsistent file instead of silently truncating it.
func NeedsRecovery(path string) bool {
	dataFile, err := os.Open(path)
	if err != nil {
		return false
	}
	defer dataFile.Close()

	var buf [2 * base.PageSize]byte
	n, err := dataFile.ReadAt(buf[:], 0)
	if err != nil || n < base.PageSize {
		return false
	}

	page0 := &base.Page{Data: [base.PageSize]byte(buf[0:base.PageSize])}
	page1 := &base.Page{Data: [base.PageSize]byte(buf[base.PageSize : 2*base.PageSize])}

	var baselineTxID uint64
	if m := page0.ReadMeta(); m.Validate() == nil {
		baselineTxID = m.TxID
	}
	if m := page1.ReadMeta(); m.Validate() == nil && m.TxID > baselineTxID {
		baselineTxID = m.TxID
	}

	for _, suffix := range []string{".jrn0", ".jrn1"} {
		f, err := os.Open(path + suffix)
		if err != nil {
			continue
		}
		needs := scanForUncheckpointedCommit(f, baselineTxID)
		f.Close()
		if needs {
			return true
		}
	}

	return false
}

// scanForUncheckpointedCommit does a read-only pass over a journal
// generation opened for NeedsRecovery's purposes (plain os.Open, no direct
// I/O required since we never write through this handle).
func scanForUncheckpointedCommit(f *os.File, baselineTxID uint64) bool {
	info, err := f.Stat()
	if err != nil || info.Size() < headerSize {
		return false
	}

	offset := int64(headerSize)
	hdr := make([]byte, directio.BlockSize)

	for offset+directio.BlockSize <= info.Size() {
		if _, err := f.ReadAt(hdr, offset); err != nil {
			return false
		}

		typ := hdr[0]
		switch typ {
		case recordPage:
			offset += 2 * directio.BlockSize
		case recordCommit:
			txnID := binary.LittleEndian.Uint64(hdr[9:17])
			if txnID > baselineTxID {
				return true
			}
			offset += directio.BlockSize
		default:
			return false
		}
	}

	return false
}
