//go:build linux

package region

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/sys/unix"
)

// MmapRegion is a Region that reserves a fixed range of address space up front and commits pages
// to it as the break advances. Unlike SliceRegion, its contents never move, so the start of the
// region has a stable address for the lifetime of the mapping.
type MmapRegion struct {
	mapping   []byte
	brk       int
	committed int
	pageSize  int
}

var _ Region = &MmapRegion{}

// NewMmapRegion reserves reserve bytes (rounded up to the page size) of address space. No memory
// is committed until Sbrk is called. Close must be called to release the reservation.
func NewMmapRegion(reserve int) (*MmapRegion, error) {
	if reserve < 1 {
		return nil, errors.Newf("reservation must be a positive number of bytes, but was %d", reserve)
	}

	pageSize := unix.Getpagesize()
	reserve = memutils.AlignUp(reserve, uint(pageSize))

	mapping, err := unix.Mmap(-1, 0, reserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", reserve)
	}

	return &MmapRegion{
		mapping:  mapping,
		pageSize: pageSize,
	}, nil
}

// Reserved returns the size of the address range reserved for this region
func (r *MmapRegion) Reserved() int {
	return len(r.mapping)
}

func (r *MmapRegion) Sbrk(increment int) (int, error) {
	if r.mapping == nil {
		return -1, errors.New("attempted to move the break of a closed region")
	}

	prev := r.brk

	if increment == 0 {
		return prev, nil
	}

	if increment < 0 {
		if -increment > prev {
			return -1, errors.Wrapf(memutils.ErrInvalidBreak, "cannot release %d bytes from a region of %d bytes", -increment, prev)
		}

		next := prev + increment
		keep := memutils.AlignUp(next, uint(r.pageSize))
		if keep < r.committed {
			decommit := r.mapping[keep:r.committed]
			err := unix.Madvise(decommit, unix.MADV_DONTNEED)
			if err != nil {
				return -1, errors.Wrapf(err, "failed to release pages [%d, %d)", keep, r.committed)
			}
			err = unix.Mprotect(decommit, unix.PROT_NONE)
			if err != nil {
				return -1, errors.Wrapf(err, "failed to protect pages [%d, %d)", keep, r.committed)
			}
			r.committed = keep
		}

		r.brk = next
		return prev, nil
	}

	if increment > len(r.mapping)-prev {
		return -1, errors.Wrapf(memutils.ErrOutOfMemory, "requested %d bytes with %d of %d reserved bytes already claimed", increment, prev, len(r.mapping))
	}

	next := prev + increment
	if next > r.committed {
		commit := memutils.AlignUp(next, uint(r.pageSize))
		err := unix.Mprotect(r.mapping[r.committed:commit], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return -1, errors.Wrapf(memutils.ErrOutOfMemory, "failed to commit pages [%d, %d): %v", r.committed, commit, err)
		}
		r.committed = commit
	}

	r.brk = next
	return prev, nil
}

func (r *MmapRegion) Bytes() []byte {
	return r.mapping[:r.brk:r.brk]
}

// Close releases the address space reserved by this region. The region cannot be used afterward.
func (r *MmapRegion) Close() error {
	if r.mapping == nil {
		return nil
	}

	err := unix.Munmap(r.mapping)
	if err != nil {
		return errors.Wrap(err, "failed to unmap region")
	}

	r.mapping = nil
	r.brk = 0
	r.committed = 0
	return nil
}
