// Package malloc implements a general-purpose heap allocator on top of a single growable region.
// Every block of the heap, free or allocated, carries its header inside the region itself, directly
// in front of the block's payload. Free blocks are found with a first-fit scan in address order,
// oversized blocks are split, neighboring free blocks are merged as soon as they appear, and a free
// block at the end of the heap is handed back to the region by moving its break backward.
//
// A Heap is not safe for concurrent use.
package malloc

import (
	"context"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/region"
	"golang.org/x/exp/slog"
)

// Pointer identifies an allocation by the offset of its payload within the heap's region
type Pointer int

// Null is the Pointer that identifies no allocation. No payload can ever begin at offset 0,
// because a header always precedes it.
const Null Pointer = 0

// Counters tracks how often the heap performed each of its internal maintenance operations
type Counters struct {
	GrowCalls        int
	GrowBytes        int
	TrimCalls        int
	TrimBytes        int
	SplitCount       int
	CoalesceForward  int
	CoalesceBackward int
	FallbackMoves    int
}

// Heap is a first-fit allocator over a region.Region
type Heap struct {
	logger    *slog.Logger
	region    region.Region
	blocks    *metadata.BlockList
	flags     CreateFlags
	alignment uint

	userData *swiss.Map[Pointer, any]
	counters Counters
}

// Allocate claims a block of at least size bytes and returns a pointer to its payload. A size of 0
// still produces a unique, releasable allocation. The contents of the payload are undefined.
//
// When the heap cannot be grown far enough, the returned error wraps memutils.ErrOutOfMemory and the
// heap is unchanged.
func (h *Heap) Allocate(size int) (Pointer, error) {
	aligned, err := h.alignSize(size)
	if err != nil {
		return Null, err
	}

	offset, err := h.allocateBlock(aligned)
	if err != nil {
		return Null, err
	}

	return Pointer(h.blocks.PayloadOffset(offset)), h.checkOperation()
}

// ZeroedAllocate allocates space for count elements of size bytes each and zeroes the whole payload.
// If count*size does not fit in an int, the returned error wraps memutils.ErrSizeOverflow and
// nothing is allocated.
func (h *Heap) ZeroedAllocate(count, size int) (Pointer, error) {
	if count < 0 || size < 0 {
		return Null, errors.Wrapf(memutils.ErrInvalidSize, "cannot allocate %d elements of %d bytes", count, size)
	}

	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || total > math.MaxInt {
		return Null, errors.Wrapf(memutils.ErrSizeOverflow, "%d elements of %d bytes", count, size)
	}

	p, err := h.Allocate(int(total))
	if err != nil {
		return p, err
	}

	clear(h.blocks.Payload(h.blocks.HeaderOffset(int(p))))
	return p, nil
}

// Release returns the allocation identified by p to the heap. Releasing Null does nothing. A pointer
// that does not identify a live allocation, including one that was already released, is rejected
// with an error wrapping memutils.ErrInvalidPointer and the heap is left alone.
func (h *Heap) Release(p Pointer) error {
	if p == Null {
		return nil
	}

	offset, err := h.resolve(p)
	if err != nil {
		return err
	}

	h.releaseBlock(offset, p)
	return h.checkOperation()
}

// Resize changes the size of the allocation identified by p to newSize and returns the pointer the
// allocation now lives at. Resizing Null is the same as calling Allocate.
//
// Shrinking always happens in place. Growing happens in place when the block that follows p is
// free and large enough to absorb; otherwise a new block is allocated, the contents of the old
// payload are copied into it, and the old block is released. If that new block cannot be allocated,
// p is left untouched and the error wraps memutils.ErrOutOfMemory.
func (h *Heap) Resize(p Pointer, newSize int) (Pointer, error) {
	return h.resize(p, newSize, false)
}

// ResizeOrRelease behaves like Resize, except that when the resize fails for a valid p, p is released
// before the error is returned.
func (h *Heap) ResizeOrRelease(p Pointer, newSize int) (Pointer, error) {
	return h.resize(p, newSize, true)
}

func (h *Heap) resize(p Pointer, newSize int, releaseOnFailure bool) (Pointer, error) {
	if p == Null {
		return h.Allocate(newSize)
	}

	offset, err := h.resolve(p)
	if err != nil {
		return Null, err
	}

	aligned, err := h.alignSize(newSize)
	if err != nil {
		if releaseOnFailure {
			h.releaseBlock(offset, p)
		}
		return Null, err
	}

	currentSize := h.blocks.Size(offset)
	if aligned <= currentSize {
		h.shrinkBlock(offset, aligned)
		return p, h.checkOperation()
	}

	next := h.blocks.Next(offset)
	if next != metadata.NoBlock && h.blocks.IsFree(next) &&
		currentSize+h.blocks.HeaderSize()+h.blocks.Size(next) >= aligned {
		h.blocks.CoalesceForward(offset)
		h.counters.CoalesceForward++
		h.shrinkBlock(offset, aligned)
		return p, h.checkOperation()
	}

	newOffset, err := h.allocateBlock(aligned)
	if err != nil {
		if releaseOnFailure {
			h.releaseBlock(offset, p)
		}
		return Null, err
	}

	// Growing may have moved the region's storage, so both views are taken after allocating
	copy(h.blocks.Payload(newOffset), h.blocks.Payload(offset))

	newP := Pointer(h.blocks.PayloadOffset(newOffset))
	userData, hasUserData := h.userData.Get(p)
	if hasUserData {
		h.userData.Put(newP, userData)
	}

	h.releaseBlock(offset, p)
	h.counters.FallbackMoves++

	h.logger.Debug("Heap::Resize moved allocation",
		slog.Int("from", int(p)),
		slog.Int("to", int(newP)),
		slog.Int("size", aligned),
	)

	return newP, h.checkOperation()
}

func (h *Heap) alignSize(size int) (int, error) {
	if size < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "size %d is negative", size)
	}

	if size == 0 {
		size = 1
	}

	aligned := memutils.AlignUp(size, h.alignment)
	if aligned <= 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "size %d cannot be aligned to %d bytes", size, h.alignment)
	}

	return aligned, nil
}

func (h *Heap) resolve(p Pointer) (int, error) {
	offset, err := h.blocks.Resolve(int(p))
	if err != nil {
		h.logger.Warn("rejected pointer", slog.Int("pointer", int(p)), slog.Any("error", err))
		return metadata.NoBlock, err
	}

	return offset, nil
}

// allocateBlock returns the header offset of an allocated block holding at least aligned bytes,
// reusing a free block if one fits and growing the heap otherwise
func (h *Heap) allocateBlock(aligned int) (int, error) {
	offset := h.blocks.FindFirstFit(aligned)
	if offset == metadata.NoBlock {
		return h.grow(aligned)
	}

	// The block after a free block is never free, so the split-off remainder needs no merging
	_, split := h.blocks.Split(offset, aligned)
	if split {
		h.counters.SplitCount++
	}
	h.blocks.MarkTaken(offset)

	return offset, nil
}

func (h *Heap) grow(aligned int) (int, error) {
	headerSize := h.blocks.HeaderSize()
	if aligned > math.MaxInt-headerSize {
		return metadata.NoBlock, errors.Wrapf(memutils.ErrOutOfMemory, "a block of %d bytes cannot be addressed", aligned)
	}
	increment := headerSize + aligned

	prevBreak, err := h.region.Sbrk(increment)
	if err != nil {
		return metadata.NoBlock, errors.Wrapf(errors.Mark(err, memutils.ErrOutOfMemory), "failed to grow the heap by %d bytes", increment)
	}

	if !h.blocks.IsEmpty() && prevBreak != h.blocks.End() {
		h.rollBackGrowth(increment)
		return metadata.NoBlock, errors.Wrapf(memutils.ErrRegionDiscontiguous, "the heap ends at offset %d, but the region's break was at offset %d", h.blocks.End(), prevBreak)
	}

	err = h.blocks.Append(prevBreak, aligned)
	if err != nil {
		h.rollBackGrowth(increment)
		return metadata.NoBlock, err
	}

	h.counters.GrowCalls++
	h.counters.GrowBytes += increment

	h.logger.Debug("Heap::grow",
		slog.Int("increment", increment),
		slog.Int("break", prevBreak+increment),
	)

	return prevBreak, nil
}

func (h *Heap) rollBackGrowth(increment int) {
	_, err := h.region.Sbrk(-increment)
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to roll back heap growth",
			slog.Int("increment", increment),
			slog.Any("error", err),
		)
	}
}

func (h *Heap) releaseBlock(offset int, p Pointer) {
	h.userData.Delete(p)

	if h.flags&CreateZeroOnRelease != 0 {
		clear(h.blocks.Payload(offset))
	}

	h.blocks.MarkFree(offset)
	offset = h.coalesce(offset)
	h.trim(offset)
}

// shrinkBlock cuts the allocated block at offset down to aligned bytes, and returns whatever is
// cut off to the heap
func (h *Heap) shrinkBlock(offset int, aligned int) {
	suffix, split := h.blocks.Split(offset, aligned)
	if !split {
		return
	}
	h.counters.SplitCount++

	if h.blocks.CoalesceForward(suffix) {
		h.counters.CoalesceForward++
	}
	h.trim(suffix)
}

// coalesce merges the free block at offset with its free neighbors and returns the header offset
// of the merged block
func (h *Heap) coalesce(offset int) int {
	merged, ok := h.blocks.CoalesceBackward(offset)
	if ok {
		h.counters.CoalesceBackward++
		offset = merged
	}

	if h.blocks.CoalesceForward(offset) {
		h.counters.CoalesceForward++
	}

	return offset
}

// trim hands the block at offset back to the region if it is a free block at the end of the heap.
// The break moves back to the block's header offset: the end of its predecessor, or the base of the
// heap if it was the only block, in which case the heap is empty again.
func (h *Heap) trim(offset int) {
	if offset != h.blocks.Tail() || !h.blocks.IsFree(offset) {
		return
	}

	size := h.blocks.Size(offset)
	end := h.blocks.End()
	newEnd := h.blocks.RemoveTail()

	_, err := h.region.Sbrk(newEnd - end)
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to trim the heap",
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Any("error", err),
		)

		// Keep the block as a free tail
		err = h.blocks.Append(offset, size)
		if err != nil {
			panic(err)
		}
		h.blocks.MarkFree(offset)
		return
	}

	h.counters.TrimCalls++
	h.counters.TrimBytes += end - newEnd

	h.logger.Debug("Heap::trim",
		slog.Int("increment", newEnd-end),
		slog.Int("break", newEnd),
	)
}

func (h *Heap) checkOperation() error {
	memutils.DebugValidate(h)

	if h.flags&CreateValidateOperations == 0 {
		return nil
	}

	return h.Validate()
}
