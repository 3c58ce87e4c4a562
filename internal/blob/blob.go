// Package blob stores values too large to fit inline in a leaf element. A
// blob is a chain of base.OverflowPage pages linked by Next; the chain's
// first page ID is the blob id stored in place of the literal value. The
// caller marks which stored values are blob ids (see valuecodec.go's tag
// byte); this package does not.
package blob

import (
	"github.com/alexhholmes/fredb/internal/base"
)

// chunkSize is how many payload bytes fit in a single overflow page: the
// page minus its header minus the trailing 8-byte next-page pointer that
// base.Page.WriteNextPageID/ReadNextPageID reserve in every overflow page,
// first or continuation alike.
const chunkSize = base.PageSize - base.PageHeaderSize - 8

// Pages is the subset of *fredb.Tx a blob needs: allocate a page id, stage
// a page in the transaction's COW write set, load a page (tx-local or via
// the pager), and mark a page free. Defined here rather than imported to
// avoid a dependency from internal/blob back up to the root package.
type Pages interface {
	AllocatePage() base.PageID
	PutPage(base.PageData)
	LoadPage(base.PageID) (base.PageData, error)
	FreePage(base.PageID)
}

// Write chunks data across a new chain of overflow pages and returns the
// chain's first page id — the blob id to store in the owning leaf slot.
func Write(tx Pages, data []byte) (base.PageID, error) {
	if len(data) == 0 {
		return 0, nil
	}

	n := len(data)
	pageCount := (n + chunkSize - 1) / chunkSize

	ids := make([]base.PageID, pageCount)
	for i := range ids {
		ids[i] = tx.AllocatePage()
	}

	for i := 0; i < pageCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}

		page := base.NewOverflowPage()
		page.SetPageID(ids[i])
		page.SetDirty(true)
		page.Data = append([]byte{}, data[start:end]...)
		if i+1 < pageCount {
			page.Next = ids[i+1]
		}

		tx.PutPage(page)
	}

	return ids[0], nil
}

// Read walks the overflow chain starting at id and returns the reassembled
// blob. length, the original payload size recorded by the caller (a leaf
// element's value length), trims the trailing padding of the last chunk.
func Read(tx Pages, id base.PageID, length int) ([]byte, error) {
	if id == 0 || length == 0 {
		return nil, nil
	}

	out := make([]byte, 0, length)
	for id != 0 && len(out) < length {
		node, err := tx.LoadPage(id)
		if err != nil {
			return nil, err
		}
		page, ok := node.(*base.OverflowPage)
		if !ok {
			return nil, base.ErrCorruptPage
		}

		remaining := length - len(out)
		chunk := page.Data
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)

		id = page.Next
	}

	return out, nil
}

// Erase frees every page in the overflow chain starting at id.
func Erase(tx Pages, id base.PageID) error {
	for id != 0 {
		node, err := tx.LoadPage(id)
		if err != nil {
			return err
		}
		page, ok := node.(*base.OverflowPage)
		if !ok {
			return base.ErrCorruptPage
		}

		next := page.Next
		tx.FreePage(id)
		id = next
	}
	return nil
}

// Overwrite replaces the contents of an existing blob chain. The old chain
// is always erased and a fresh one written, whatever the new data's size;
// the blob id therefore may change, which is why callers must use
// Overwrite's return value rather than assuming the id is stable.
func Overwrite(tx Pages, id base.PageID, data []byte) (base.PageID, error) {
	if id != 0 {
		if err := Erase(tx, id); err != nil {
			return 0, err
		}
	}
	return Write(tx, data)
}
