package algo

import "github.com/alexhholmes/fredb/internal/base"

// ApplyLeafUpdate replaces the value at pos in an already-COW'd leaf.
func ApplyLeafUpdate(leaf *base.LeafPage, pos int, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	leaf.Values[pos] = v
	leaf.RebuildIndirectSlices()
	leaf.SetDirty(true)
}

// ApplyLeafInsert inserts a new key/value pair at pos in an already-COW'd leaf.
func ApplyLeafInsert(leaf *base.LeafPage, pos int, key, value []byte) {
	leaf.Keys = InsertAt(leaf.Keys, pos, key)
	leaf.Values = InsertAt(leaf.Values, pos, value)
	leaf.RebuildIndirectSlices()
	leaf.SetDirty(true)
}

// ApplyLeafDelete removes the entry at pos from an already-COW'd leaf.
func ApplyLeafDelete(leaf *base.LeafPage, pos int) {
	leaf.Keys = RemoveAt(leaf.Keys, pos)
	leaf.Values = RemoveAt(leaf.Values, pos)
	leaf.RebuildIndirectSlices()
	leaf.SetDirty(true)
}

// ApplyBranchRemoveSeparator removes the separator key at idx along with the
// child pointer to its right, used after two children have been merged into
// one.
func ApplyBranchRemoveSeparator(branch *base.BranchPage, idx int) {
	branch.Keys = RemoveAt(branch.Keys, idx)
	branch.ChildIDs = RemoveChildAt(branch.ChildIDs, idx+1)
	branch.RebuildIndirectSlices()
	branch.SetDirty(true)
}

// ApplyChildSplit inserts a new separator and right-child pointer into an
// already-COW'd branch after the child at index i has been split into
// leftChild/rightChild. leftChild keeps the child's original slot.
func ApplyChildSplit(branch *base.BranchPage, i int, leftChild, rightChild base.PageData, midKey, midVal []byte) {
	branch.ChildIDs[i] = leftChild.GetPageID()

	newChildIDs := make([]base.PageID, 0, len(branch.ChildIDs)+1)
	newChildIDs = append(newChildIDs, branch.ChildIDs[:i+1]...)
	newChildIDs = append(newChildIDs, rightChild.GetPageID())
	newChildIDs = append(newChildIDs, branch.ChildIDs[i+1:]...)
	branch.ChildIDs = newChildIDs

	sep := make([]byte, len(midKey))
	copy(sep, midKey)
	newKeys := make([][]byte, 0, len(branch.Keys)+1)
	newKeys = append(newKeys, branch.Keys[:i]...)
	newKeys = append(newKeys, sep)
	newKeys = append(newKeys, branch.Keys[i:]...)
	branch.Keys = newKeys

	branch.RebuildIndirectSlices()
	branch.SetDirty(true)
}

// NewBranchRoot builds a fresh two-child root, used when the previous root
// splits.
func NewBranchRoot(leftChild, rightChild base.PageData, separator []byte, newRootID base.PageID) *base.BranchPage {
	root := base.NewBranchPage()
	root.SetPageID(newRootID)
	root.SetDirty(true)

	sep := make([]byte, len(separator))
	copy(sep, separator)
	root.Keys = [][]byte{sep}
	root.ChildIDs = []base.PageID{leftChild.GetPageID(), rightChild.GetPageID()}
	root.RebuildIndirectSlices()
	return root
}

// BorrowFromLeftLeaf moves leftSibling's last entry to the front of node,
// then updates the separator at parent.Keys[idx].
func BorrowFromLeftLeaf(node, leftSibling *base.LeafPage, parent *base.BranchPage, idx int) {
	n := len(leftSibling.Keys)
	borrowedKey := leftSibling.Keys[n-1]
	borrowedVal := leftSibling.Values[n-1]

	leftSibling.Keys = leftSibling.Keys[:n-1]
	leftSibling.Values = leftSibling.Values[:n-1]
	if len(leftSibling.Overflow) > n-1 {
		leftSibling.Overflow = leftSibling.Overflow[:n-1]
	}
	leftSibling.RebuildIndirectSlices()
	leftSibling.SetDirty(true)

	node.Keys = append([][]byte{borrowedKey}, node.Keys...)
	node.Values = append([][]byte{borrowedVal}, node.Values...)
	node.RebuildIndirectSlices()
	node.SetDirty(true)

	sep := make([]byte, len(borrowedKey))
	copy(sep, borrowedKey)
	parent.Keys[idx] = sep
	parent.SetDirty(true)
}

// BorrowFromRightLeaf moves rightSibling's first entry to the end of node,
// then updates the separator at parent.Keys[idx].
func BorrowFromRightLeaf(node, rightSibling *base.LeafPage, parent *base.BranchPage, idx int) {
	borrowedKey := rightSibling.Keys[0]
	borrowedVal := rightSibling.Values[0]

	rightSibling.Keys = rightSibling.Keys[1:]
	rightSibling.Values = rightSibling.Values[1:]
	if len(rightSibling.Overflow) > 0 {
		rightSibling.Overflow = rightSibling.Overflow[1:]
	}
	rightSibling.RebuildIndirectSlices()
	rightSibling.SetDirty(true)

	node.Keys = append(node.Keys, borrowedKey)
	node.Values = append(node.Values, borrowedVal)
	node.RebuildIndirectSlices()
	node.SetDirty(true)

	sep := make([]byte, len(rightSibling.Keys[0]))
	copy(sep, rightSibling.Keys[0])
	parent.Keys[idx] = sep
	parent.SetDirty(true)
}

// BorrowFromLeftBranch rotates a key/child pair from leftSibling through
// the parent separator into node.
func BorrowFromLeftBranch(node, leftSibling, parent *base.BranchPage, idx int) {
	n := len(leftSibling.Keys)
	borrowedKey := leftSibling.Keys[n-1]
	borrowedChild := leftSibling.ChildIDs[len(leftSibling.ChildIDs)-1]
	oldSeparator := parent.Keys[idx]

	leftSibling.Keys = leftSibling.Keys[:n-1]
	leftSibling.ChildIDs = leftSibling.ChildIDs[:len(leftSibling.ChildIDs)-1]
	leftSibling.RebuildIndirectSlices()
	leftSibling.SetDirty(true)

	node.Keys = append([][]byte{oldSeparator}, node.Keys...)
	node.ChildIDs = append([]base.PageID{borrowedChild}, node.ChildIDs...)
	node.RebuildIndirectSlices()
	node.SetDirty(true)

	sep := make([]byte, len(borrowedKey))
	copy(sep, borrowedKey)
	parent.Keys[idx] = sep
	parent.SetDirty(true)
}

// BorrowFromRightBranch rotates a key/child pair from rightSibling through
// the parent separator into node.
func BorrowFromRightBranch(node, rightSibling, parent *base.BranchPage, idx int) {
	borrowedKey := rightSibling.Keys[0]
	borrowedChild := rightSibling.ChildIDs[0]
	oldSeparator := parent.Keys[idx]

	rightSibling.Keys = rightSibling.Keys[1:]
	rightSibling.ChildIDs = rightSibling.ChildIDs[1:]
	rightSibling.RebuildIndirectSlices()
	rightSibling.SetDirty(true)

	node.Keys = append(node.Keys, oldSeparator)
	node.ChildIDs = append(node.ChildIDs, borrowedChild)
	node.RebuildIndirectSlices()
	node.SetDirty(true)

	sep := make([]byte, len(borrowedKey))
	copy(sep, borrowedKey)
	parent.Keys[idx] = sep
	parent.SetDirty(true)
}

// MergeNodesLeaf appends right's entries onto left. B+ tree leaf merges
// don't need the separator; it's accepted for call-site symmetry with
// MergeNodesBranch.
func MergeNodesLeaf(left, right *base.LeafPage, _ []byte) {
	left.Keys = append(left.Keys, right.Keys...)
	left.Values = append(left.Values, right.Values...)
	left.Overflow = append(left.Overflow, right.Overflow...)
	left.RebuildIndirectSlices()
	left.SetDirty(true)
}

// MergeNodesBranch appends the separator and right's entries onto left.
func MergeNodesBranch(left, right *base.BranchPage, separator []byte) {
	sep := make([]byte, len(separator))
	copy(sep, separator)
	left.Keys = append(left.Keys, sep)
	left.Keys = append(left.Keys, right.Keys...)
	left.ChildIDs = append(left.ChildIDs, right.ChildIDs...)
	left.RebuildIndirectSlices()
	left.SetDirty(true)
}

// TruncateLeft keeps only the left portion of node as described by sp,
// used on the child being split once its right portion has been extracted
// into a new sibling page.
func TruncateLeft(node base.PageData, sp SplitPoint) {
	switch n := node.(type) {
	case *base.LeafPage:
		n.Keys = n.Keys[:sp.LeftCount]
		n.Values = n.Values[:sp.LeftCount]
		if len(n.Overflow) > sp.LeftCount {
			n.Overflow = n.Overflow[:sp.LeftCount]
		}
		n.RebuildIndirectSlices()
		n.SetDirty(true)
	case *base.BranchPage:
		n.Keys = n.Keys[:sp.LeftCount]
		n.ChildIDs = n.ChildIDs[:sp.LeftCount+1]
		n.RebuildIndirectSlices()
		n.SetDirty(true)
	}
}
