//go:build linux

package directio

import (
	"os"
	"syscall"
)

const (
	AlignSize = 4096
	BlockSize = 4096
	DirectIO  = true
)

// OpenFile opens name with O_DIRECT, bypassing the page cache. Writes must
// land on an AlignedBlock at a BlockSize-aligned offset or the syscall
// returns EINVAL.
func OpenFile(name string, flag int, perm os.FileMode) (file *os.File, err error) {
	return os.OpenFile(name, flag|syscall.O_DIRECT, perm)
}
