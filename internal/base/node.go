package base

// MinFillRatio is the minimum fraction of a page that must be used before
// it is considered for merging with a sibling during delete rebalancing.
const MinFillRatio = 0.25

// Header is the in-memory equivalent of PageHeader, shared by every
// PageData implementation. NumKeys is kept narrow (uint16) since a page
// can never hold more than a few hundred elements at 4KB.
type Header struct {
	PageID  PageID
	NumKeys uint16
	TxnID   uint64
}

// PageData is the in-memory representation of a single page. Every mutation
// during a transaction works against a PageData value; only Serialize commits
// it to the on-disk Page layout described in page.go.
type PageData interface {
	PageType() uint32
	ID() PageID
	SetID(PageID)
	GetPageID() PageID
	SetPageID(PageID)
	GetNumKeys() uint16
	TxnID() uint64
	SetTxnID(uint64)
	IsDirty() bool
	SetDirty(bool)
	Serialize() (*Page, error)
}

// LeafPage holds decoded key/value pairs for a leaf node.
type LeafPage struct {
	Header   Header
	Elements []LeafElement
	Keys     [][]byte
	Values   [][]byte
	// Overflow marks, per index, whether Values[i] is a pointer to an
	// OverflowPage chain (the stored value is an encoded PageID) rather
	// than the literal value bytes.
	Overflow []bool
	dirty    bool
}

// BranchPage holds routing keys and child pointers for an internal node.
// ChildIDs is the source of truth for routing (len(ChildIDs) == len(Keys)+1);
// FirstChild and Elements[i].ChildID are derived from it at serialize time.
type BranchPage struct {
	Header     Header
	Elements   []BranchElement
	Keys       [][]byte
	ChildIDs   []PageID
	FirstChild PageID
	dirty      bool
}

// OverflowPage holds a chunk of an oversized key/value payload. Chained
// pages (via Next) carry the remainder; every page has its own header.
type OverflowPage struct {
	Header Header
	Data   []byte
	Next   PageID
	dirty  bool
}

func NewLeafPage() *LeafPage {
	return &LeafPage{dirty: true}
}

func NewBranchPage() *BranchPage {
	return &BranchPage{dirty: true}
}

func NewOverflowPage() *OverflowPage {
	return &OverflowPage{dirty: true}
}

func (p *LeafPage) PageType() uint32   { return LeafPageFlag }
func (p *LeafPage) ID() PageID         { return p.Header.PageID }
func (p *LeafPage) SetID(id PageID)    { p.Header.PageID = id }
func (p *LeafPage) TxnID() uint64      { return p.Header.TxnID }
func (p *LeafPage) SetTxnID(id uint64) { p.Header.TxnID = id }
func (p *LeafPage) IsDirty() bool      { return p.dirty }
func (p *LeafPage) SetDirty(d bool)    { p.dirty = d }

func (p *BranchPage) PageType() uint32   { return BranchPageFlag }
func (p *BranchPage) ID() PageID         { return p.Header.PageID }
func (p *BranchPage) SetID(id PageID)    { p.Header.PageID = id }
func (p *BranchPage) TxnID() uint64      { return p.Header.TxnID }
func (p *BranchPage) SetTxnID(id uint64) { p.Header.TxnID = id }
func (p *BranchPage) IsDirty() bool      { return p.dirty }
func (p *BranchPage) SetDirty(d bool)    { p.dirty = d }

func (p *OverflowPage) PageType() uint32   { return OverflowPageFlag }
func (p *OverflowPage) ID() PageID         { return p.Header.PageID }
func (p *OverflowPage) SetID(id PageID)    { p.Header.PageID = id }
func (p *OverflowPage) TxnID() uint64      { return p.Header.TxnID }
func (p *OverflowPage) SetTxnID(id uint64) { p.Header.TxnID = id }
func (p *OverflowPage) IsDirty() bool      { return p.dirty }
func (p *OverflowPage) SetDirty(d bool)    { p.dirty = d }

// IsLeaf reports whether the page is a leaf, used throughout cursor and
// transaction traversal so callers don't need a type switch.
func IsLeaf(node PageData) bool {
	return node.PageType() == LeafPageFlag
}

// GetPageID/SetPageID are the transaction layer's preferred spelling of
// ID/SetID; kept as thin aliases rather than renaming the interface so
// Serialize/Deserialize (grounded on the on-disk Header field) keep the
// shorter name.
func (p *LeafPage) GetPageID() PageID      { return p.Header.PageID }
func (p *LeafPage) SetPageID(id PageID)    { p.Header.PageID = id }
func (p *BranchPage) GetPageID() PageID    { return p.Header.PageID }
func (p *BranchPage) SetPageID(id PageID)  { p.Header.PageID = id }
func (p *OverflowPage) GetPageID() PageID   { return p.Header.PageID }
func (p *OverflowPage) SetPageID(id PageID) { p.Header.PageID = id }

// GetNumKeys is the transaction/test layer's preferred spelling of
// Header.NumKeys, kept as a thin alias for the same reason as GetPageID.
func (p *LeafPage) GetNumKeys() uint16     { return p.Header.NumKeys }
func (p *BranchPage) GetNumKeys() uint16   { return p.Header.NumKeys }
func (p *OverflowPage) GetNumKeys() uint16 { return p.Header.NumKeys }

// RebuildIndirectSlices recomputes Elements from Keys/Values after a clone
// or an in-place slice mutation. Offsets are left zeroed; Serialize fills
// them in when packing the page, since offsets are only meaningful relative
// to a specific on-disk layout.
func (p *LeafPage) RebuildIndirectSlices() {
	p.Elements = make([]LeafElement, len(p.Keys))
	for i := range p.Keys {
		p.Elements[i].KeySize = uint16(len(p.Keys[i]))
		p.Elements[i].ValueSize = uint16(len(p.Values[i]))
	}
	p.Header.NumKeys = uint16(len(p.Keys))
}

func (p *BranchPage) RebuildIndirectSlices() {
	if len(p.ChildIDs) != len(p.Keys)+1 {
		panic("base: BranchPage ChildIDs length must be len(Keys)+1")
	}
	p.FirstChild = p.ChildIDs[0]
	p.Elements = make([]BranchElement, len(p.Keys))
	for i := range p.Keys {
		p.Elements[i].KeySize = uint16(len(p.Keys[i]))
		p.Elements[i].ChildID = p.ChildIDs[i+1]
	}
	p.Header.NumKeys = uint16(len(p.Keys))
}

// Serialize packs the leaf into the on-disk Page layout: header, element
// table, then consecutive key/value bytes in the data area.
func (p *LeafPage) Serialize() (*Page, error) {
	page := &Page{}

	offset := PageHeaderSize + len(p.Keys)*LeafElementSize
	for i, key := range p.Keys {
		val := p.Values[i]
		if offset+len(key)+len(val) > PageSize {
			return nil, ErrPageOverflow
		}
		copy(page.Data[offset:], key)
		copy(page.Data[offset+len(key):], val)

		el := LeafElement{
			KVOffset:  uint16(offset),
			KeySize:   uint16(len(key)),
			ValueSize: uint16(len(val)),
		}
		if i < len(p.Overflow) && p.Overflow[i] {
			el.Reserved = LeafOverflowFlag
		}
		page.WriteLeafElement(i, &el)

		offset += len(key) + len(val)
	}

	page.WriteHeader(&PageHeader{
		PageID:  p.Header.PageID,
		Flags:   LeafPageFlag,
		NumKeys: uint32(len(p.Keys)),
		TxnID:   p.Header.TxnID,
	})

	return page, nil
}

// Deserialize rebuilds a LeafPage from raw on-disk bytes.
func (p *LeafPage) Deserialize(page *Page) error {
	h := page.Header()
	p.Header.PageID = h.PageID
	p.Header.TxnID = h.TxnID
	p.Header.NumKeys = uint16(h.NumKeys)

	elems := page.LeafElements()
	p.Elements = append([]LeafElement{}, elems...)
	p.Keys = make([][]byte, len(elems))
	p.Values = make([][]byte, len(elems))
	p.Overflow = make([]bool, len(elems))

	for i, e := range elems {
		key, err := page.GetKey(e.KVOffset, e.KeySize)
		if err != nil {
			return err
		}
		val, err := page.GetValue(e.KVOffset+e.KeySize, e.ValueSize)
		if err != nil {
			return err
		}
		p.Keys[i] = append([]byte{}, key...)
		p.Values[i] = append([]byte{}, val...)
		p.Overflow[i] = e.Reserved&LeafOverflowFlag != 0
	}

	return nil
}

// Serialize packs the branch into the on-disk Page layout: header, element
// table, first-child pointer, then consecutive routing keys.
func (p *BranchPage) Serialize() (*Page, error) {
	if len(p.ChildIDs) != len(p.Keys)+1 {
		return nil, ErrPageOverflow
	}
	page := &Page{}

	offset := PageHeaderSize + len(p.Keys)*BranchElementSize + 8
	for i, key := range p.Keys {
		if offset+len(key) > PageSize {
			return nil, ErrPageOverflow
		}
		copy(page.Data[offset:], key)

		page.WriteBranchElement(i, &BranchElement{
			KeyOffset: uint16(offset),
			KeySize:   uint16(len(key)),
			ChildID:   p.ChildIDs[i+1],
		})

		offset += len(key)
	}

	page.WriteHeader(&PageHeader{
		PageID:  p.Header.PageID,
		Flags:   BranchPageFlag,
		NumKeys: uint32(len(p.Keys)),
		TxnID:   p.Header.TxnID,
	})
	page.WriteBranchFirstChild(p.ChildIDs[0])

	return page, nil
}

// Deserialize rebuilds a BranchPage from raw on-disk bytes.
func (p *BranchPage) Deserialize(page *Page) error {
	h := page.Header()
	p.Header.PageID = h.PageID
	p.Header.TxnID = h.TxnID
	p.Header.NumKeys = uint16(h.NumKeys)

	elems := page.BranchElements()
	p.Elements = append([]BranchElement{}, elems...)
	p.Keys = make([][]byte, len(elems))
	p.ChildIDs = make([]PageID, len(elems)+1)

	for i, e := range elems {
		key, err := page.GetKey(e.KeyOffset, e.KeySize)
		if err != nil {
			return err
		}
		p.Keys[i] = append([]byte{}, key...)
		p.ChildIDs[i+1] = e.ChildID
	}

	p.FirstChild = page.ReadBranchFirstChild()
	p.ChildIDs[0] = p.FirstChild
	return nil
}

// Serialize packs an overflow page: a header, the page's payload, and the
// next page id in the trailing 8 bytes. Every page in a chain has this
// layout.
func (p *OverflowPage) Serialize() (*Page, error) {
	page := &Page{}
	page.WriteHeader(&PageHeader{
		PageID:  p.Header.PageID,
		Flags:   OverflowPageFlag,
		NumKeys: uint32(len(p.Data)),
		TxnID:   p.Header.TxnID,
	})
	copy(page.Data[PageHeaderSize:], p.Data)
	page.WriteNextPageID(p.Next)
	return page, nil
}

// Deserialize rebuilds the first page of an overflow chain.
func (p *OverflowPage) Deserialize(page *Page) error {
	h := page.Header()
	p.Header.PageID = h.PageID
	p.Header.TxnID = h.TxnID

	n := int(h.NumKeys)
	if n > OverflowFirstPageDataSize {
		n = OverflowFirstPageDataSize
	}
	p.Data = append([]byte{}, page.Data[PageHeaderSize:PageHeaderSize+n]...)
	p.Next = page.ReadNextPageID()
	return nil
}
