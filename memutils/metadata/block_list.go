package metadata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

// Arena is the memory a BlockList is embedded in. Bytes must return the full span [0, break); the
// BlockList only ever touches the portion starting at its base.
type Arena interface {
	Bytes() []byte
}

// BlockList manages the address-ordered, doubly-linked list of blocks embedded in an Arena. Every
// block, free or allocated, is a member of the list, and the list partitions [Base(), End())
// contiguously: each block's header begins exactly where the previous block's payload ends.
//
// BlockList never moves the arena's break itself. The owner grows the arena and then calls Append,
// or calls RemoveTail and then shrinks the arena.
type BlockList struct {
	arena      Arena
	alignment  uint
	headerSize int

	base int
	head int
	tail int

	allocCount int
	freeCount  int
	freeSize   int
}

// NewBlockList creates an empty BlockList over arena. alignment must be a power of two; block
// headers and payload sizes are rounded up to it.
func NewBlockList(arena Arena, alignment uint) *BlockList {
	memutils.DebugCheckPow2(alignment, "alignment")

	return &BlockList{
		arena:      arena,
		alignment:  alignment,
		headerSize: memutils.AlignUp(headerFieldsSize, alignment),
		head:       NoBlock,
		tail:       NoBlock,
	}
}

// HeaderSize is the number of bytes between a block's header offset and its payload offset
func (l *BlockList) HeaderSize() int { return l.headerSize }

// Alignment is the unit all payload sizes are rounded up to
func (l *BlockList) Alignment() uint { return l.alignment }

// MinimumSplitRemainder is the smallest leftover that Split will turn into a new free block: one
// header plus one minimal payload.
func (l *BlockList) MinimumSplitRemainder() int { return l.headerSize + int(l.alignment) }

// PayloadOffset converts a header offset to the offset of the payload that follows it
func (l *BlockList) PayloadOffset(headerOffset int) int { return headerOffset + l.headerSize }

// HeaderOffset converts a payload offset to the offset of the header that precedes it
func (l *BlockList) HeaderOffset(payloadOffset int) int { return payloadOffset - l.headerSize }

// IsEmpty returns true if the list contains no blocks at all
func (l *BlockList) IsEmpty() bool { return l.head == NoBlock }

// Base returns the offset of the first block's header. It is only meaningful when the list is not empty.
func (l *BlockList) Base() int { return l.base }

func (l *BlockList) Head() int { return l.head }
func (l *BlockList) Tail() int { return l.tail }

// End returns the offset just past the last block, which is where the next appended block must begin.
// For an empty list this is the base the list last had.
func (l *BlockList) End() int {
	if l.tail == NoBlock {
		return l.base
	}

	data := l.arena.Bytes()
	tail := l.blockAt(data, l.tail)
	return l.PayloadOffset(l.tail) + tail.size()
}

func (l *BlockList) AllocationCount() int { return l.allocCount }
func (l *BlockList) FreeRegionsCount() int { return l.freeCount }

// SumFreeSize returns the total payload bytes of all free blocks
func (l *BlockList) SumFreeSize() int { return l.freeSize }

func (l *BlockList) Size(offset int) int {
	return l.blockAt(l.arena.Bytes(), offset).size()
}

func (l *BlockList) IsFree(offset int) bool {
	return l.blockAt(l.arena.Bytes(), offset).isFree()
}

func (l *BlockList) Next(offset int) int {
	return l.blockAt(l.arena.Bytes(), offset).next()
}

func (l *BlockList) Prev(offset int) int {
	return l.blockAt(l.arena.Bytes(), offset).prev()
}

// Payload returns a view of the payload of the block at offset. The slice goes stale when the
// arena grows.
func (l *BlockList) Payload(offset int) []byte {
	data := l.arena.Bytes()
	size := l.blockAt(data, offset).size()
	start := l.PayloadOffset(offset)
	return data[start : start+size : start+size]
}

// Append installs a new allocated block of the given payload size at offset, after the current tail.
// The arena must already extend to offset+HeaderSize()+size. The first block appended to an
// empty list becomes the list's base.
func (l *BlockList) Append(offset, size int) error {
	if l.IsEmpty() {
		l.base = offset
	} else if offset != l.End() {
		return errors.Errorf("attempted to append a block at offset %d, but the heap ends at offset %d", offset, l.End())
	}

	data := l.arena.Bytes()
	if l.PayloadOffset(offset)+size > len(data) {
		return errors.Errorf("attempted to append a block ending at offset %d, but the arena ends at offset %d", l.PayloadOffset(offset)+size, len(data))
	}

	newBlock := l.blockAt(data, offset)
	newBlock.init(size, l.tail, NoBlock, l.PayloadOffset(offset), false)

	if l.tail != NoBlock {
		l.blockAt(data, l.tail).setNext(offset)
	} else {
		l.head = offset
	}
	l.tail = offset
	l.allocCount++

	return nil
}

// FindFirstFit scans the list in address order and returns the header offset of the first free
// block whose payload is at least size bytes, or NoBlock.
func (l *BlockList) FindFirstFit(size int) int {
	if l.freeCount == 0 {
		return NoBlock
	}

	data := l.arena.Bytes()
	for offset := l.head; offset != NoBlock; {
		b := l.blockAt(data, offset)
		if b.isFree() && b.size() >= size {
			return offset
		}
		offset = b.next()
	}

	return NoBlock
}

// Split shrinks the block at offset to size payload bytes and turns the remainder into a new free
// block linked directly after it. Nothing happens unless the remainder is at least
// MinimumSplitRemainder bytes. The offset of the new free block is returned along with true
// when a split took place.
//
// The new block may be followed by another free block; the caller is responsible for coalescing it.
func (l *BlockList) Split(offset, size int) (int, bool) {
	data := l.arena.Bytes()
	current := l.blockAt(data, offset)
	currentSize := current.size()

	if size < 0 || currentSize-size < l.MinimumSplitRemainder() {
		return NoBlock, false
	}

	remainder := currentSize - size - l.headerSize
	newOffset := l.PayloadOffset(offset) + size
	next := current.next()

	newBlock := l.blockAt(data, newOffset)
	newBlock.init(remainder, offset, next, l.PayloadOffset(newOffset), true)

	if next != NoBlock {
		l.blockAt(data, next).setPrev(newOffset)
	} else {
		l.tail = newOffset
	}

	current.setNext(newOffset)
	current.setSize(size)

	if current.isFree() {
		l.freeSize -= currentSize - size
	}
	l.freeCount++
	l.freeSize += remainder

	return newOffset, true
}

// CoalesceForward merges the block following offset into the block at offset, provided the
// following block exists and is free. The block at offset may be free or allocated; its payload
// grows by the header and payload of the absorbed block. Returns true if a merge took place.
func (l *BlockList) CoalesceForward(offset int) bool {
	data := l.arena.Bytes()
	current := l.blockAt(data, offset)
	nextOffset := current.next()
	if nextOffset == NoBlock {
		return false
	}

	next := l.blockAt(data, nextOffset)
	if !next.isFree() {
		return false
	}

	if nextOffset != l.PayloadOffset(offset)+current.size() {
		panic(fmt.Sprintf("cannot merge separate physical regions: block at offset %d does not end at offset %d", offset, nextOffset))
	}

	nextSize := next.size()
	following := next.next()

	current.setSize(current.size() + l.headerSize + nextSize)
	current.setNext(following)
	if following != NoBlock {
		l.blockAt(data, following).setPrev(offset)
	} else {
		l.tail = offset
	}

	l.freeCount--
	if current.isFree() {
		l.freeSize += l.headerSize
	} else {
		l.freeSize -= nextSize
	}

	next.invalidate()
	return true
}

// CoalesceBackward merges the free block at offset into its predecessor, provided the predecessor
// exists and is free. The surviving block's header offset is returned, along with whether a merge
// took place.
func (l *BlockList) CoalesceBackward(offset int) (int, bool) {
	data := l.arena.Bytes()
	current := l.blockAt(data, offset)
	prevOffset := current.prev()
	if prevOffset == NoBlock || !current.isFree() {
		return offset, false
	}

	if !l.blockAt(data, prevOffset).isFree() {
		return offset, false
	}

	l.CoalesceForward(prevOffset)
	return prevOffset, true
}

// MarkTaken flips a free block to allocated
func (l *BlockList) MarkTaken(offset int) {
	b := l.blockAt(l.arena.Bytes(), offset)
	if !b.isFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", offset))
	}

	b.markTaken()
	l.freeCount--
	l.freeSize -= b.size()
	l.allocCount++
}

// MarkFree flips an allocated block to free. It does not coalesce.
func (l *BlockList) MarkFree(offset int) {
	b := l.blockAt(l.arena.Bytes(), offset)
	if b.isFree() {
		panic(fmt.Sprintf("block at offset %d is already free", offset))
	}

	b.markFree()
	l.allocCount--
	l.freeCount++
	l.freeSize += b.size()
}

// RemoveTail unlinks the last block, which must be free, and returns its header offset: the new end
// of the list. Removing the only block leaves the list empty.
func (l *BlockList) RemoveTail() int {
	if l.tail == NoBlock {
		panic("attempted to remove the tail of an empty block list")
	}

	data := l.arena.Bytes()
	offset := l.tail
	tail := l.blockAt(data, offset)
	if !tail.isFree() {
		panic(fmt.Sprintf("attempted to remove the tail block at offset %d, but it is allocated", offset))
	}

	prev := tail.prev()
	if prev != NoBlock {
		l.blockAt(data, prev).setNext(NoBlock)
	} else {
		l.head = NoBlock
	}
	l.tail = prev

	l.freeCount--
	l.freeSize -= tail.size()
	tail.invalidate()

	return offset
}

// Resolve validates a payload offset handed back by a caller and returns the header offset of the
// allocated block it belongs to. The offset must lie strictly inside the heap span, and the header
// it implies must carry the magic value and a self-reference equal to the payload offset. Offsets of
// blocks that have already been freed are rejected as well.
func (l *BlockList) Resolve(payloadOffset int) (int, error) {
	if l.IsEmpty() {
		return NoBlock, cerrors.Wrapf(memutils.ErrInvalidPointer, "pointer %d was provided, but the heap is empty", payloadOffset)
	}

	data := l.arena.Bytes()
	if payloadOffset <= l.base || payloadOffset >= len(data) {
		return NoBlock, cerrors.Wrapf(memutils.ErrInvalidPointer, "pointer %d lies outside of the heap span [%d, %d)", payloadOffset, l.base, len(data))
	}

	headerOffset := l.HeaderOffset(payloadOffset)
	if headerOffset < l.base {
		return NoBlock, cerrors.Wrapf(memutils.ErrInvalidPointer, "pointer %d is too close to the start of the heap to follow a header", payloadOffset)
	}

	b := l.blockAt(data, headerOffset)
	if b.magic() != HeaderMagic || b.payload() != payloadOffset {
		return NoBlock, cerrors.Wrapf(memutils.ErrInvalidPointer, "pointer %d does not begin the payload of a block", payloadOffset)
	}

	if b.isFree() {
		return NoBlock, cerrors.Wrapf(memutils.ErrInvalidPointer, "pointer %d belongs to a block that has already been released", payloadOffset)
	}

	return headerOffset, nil
}

// Clear forgets every block without touching the arena
func (l *BlockList) Clear() {
	l.head = NoBlock
	l.tail = NoBlock
	l.allocCount = 0
	l.freeCount = 0
	l.freeSize = 0
}

// Validate walks the list and verifies that it is sorted, contiguous, doubly-linked consistently,
// self-referencing, free of adjacent free blocks, and in agreement with the list's counters.
func (l *BlockList) Validate() error {
	if l.IsEmpty() {
		if l.tail != NoBlock {
			return errors.Errorf("the list has no head but has a tail at offset %d", l.tail)
		}
		if l.allocCount != 0 || l.freeCount != 0 || l.freeSize != 0 {
			return errors.Errorf("the list is empty, but reports %d allocations and %d free blocks of %d bytes", l.allocCount, l.freeCount, l.freeSize)
		}
		return nil
	}

	data := l.arena.Bytes()
	expectedOffset := l.base
	prev := NoBlock
	prevFree := false
	var allocCount, freeCount, freeSize int

	for offset := l.head; offset != NoBlock; {
		if offset != expectedOffset {
			return errors.Errorf("block at offset %d should begin at offset %d, where the previous block ended", offset, expectedOffset)
		}
		if offset < l.base || offset > len(data)-l.headerSize {
			return errors.Errorf("block at offset %d lies outside of the heap span [%d, %d)", offset, l.base, len(data))
		}

		b := l.blockAt(data, offset)
		if b.magic() != HeaderMagic {
			return errors.Errorf("block at offset %d has a corrupt header magic value 0x%08X", offset, b.magic())
		}
		if b.payload() != l.PayloadOffset(offset) {
			return errors.Errorf("block at offset %d lists its payload at offset %d, but it should be at offset %d", offset, b.payload(), l.PayloadOffset(offset))
		}
		if b.prev() != prev {
			return errors.Errorf("block at offset %d lists the block at offset %d as its previous block, but the previous block is at offset %d", offset, b.prev(), prev)
		}

		size := b.size()
		if size < 0 || size%int(l.alignment) != 0 {
			return errors.Errorf("block at offset %d has invalid size %d", offset, size)
		}

		end := l.PayloadOffset(offset) + size
		if end > len(data) {
			return errors.Errorf("block at offset %d ends at offset %d, past the end of the heap at offset %d", offset, end, len(data))
		}

		if b.isFree() {
			if prevFree {
				return errors.Errorf("block at offset %d is free, and so is the block before it at offset %d", offset, prev)
			}
			freeCount++
			freeSize += size
		} else {
			allocCount++
		}

		if b.next() == NoBlock && offset != l.tail {
			return errors.Errorf("block at offset %d ends the list, but the tail is at offset %d", offset, l.tail)
		}

		prevFree = b.isFree()
		prev = offset
		expectedOffset = end
		offset = b.next()
	}

	if expectedOffset != len(data) {
		return errors.Errorf("the last block ends at offset %d, but the heap ends at offset %d", expectedOffset, len(data))
	}

	if allocCount != l.allocCount {
		return errors.Errorf("the allocation count of the list is %d, but the taken blocks only added up to %d", l.allocCount, allocCount)
	}

	if freeCount != l.freeCount {
		return errors.Errorf("the free block count of the list is %d, but there were %d free blocks", l.freeCount, freeCount)
	}

	if freeSize != l.freeSize {
		return errors.Errorf("the free size of the list is %d, but the free blocks added up to %d", l.freeSize, freeSize)
	}

	return nil
}
