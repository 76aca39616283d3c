package metadata

import (
	"encoding/binary"
	"fmt"
)

// NoBlock is the header offset used for a missing neighbor
const NoBlock int = -1

// HeaderMagic is written into every live block header and cleared when the header is absorbed
// into a neighbor, so stale pointers into coalesced or trimmed memory never resolve.
const HeaderMagic uint32 = 0x6D616C63

const (
	sizeField    = 0
	prevField    = 8
	nextField    = 16
	payloadField = 24
	flagsField   = 32
	magicField   = 36

	// headerFieldsSize is the number of bytes the header fields occupy. The header size used for
	// layout is this value rounded up to the list's alignment.
	headerFieldsSize = 40

	flagFree uint32 = 1
)

// block is a view over the encoded header fields of a single block. It is only valid until the
// next time the underlying arena is grown.
type block []byte

func (b block) size() int {
	return readInt(b, sizeField)
}

func (b block) setSize(size int) {
	writeInt(b, sizeField, size)
}

func (b block) prev() int {
	return readInt(b, prevField)
}

func (b block) setPrev(offset int) {
	writeInt(b, prevField, offset)
}

func (b block) next() int {
	return readInt(b, nextField)
}

func (b block) setNext(offset int) {
	writeInt(b, nextField, offset)
}

func (b block) payload() int {
	return readInt(b, payloadField)
}

func (b block) isFree() bool {
	return binary.LittleEndian.Uint32(b[flagsField:])&flagFree != 0
}

func (b block) markFree() {
	binary.LittleEndian.PutUint32(b[flagsField:], flagFree)
}

func (b block) markTaken() {
	binary.LittleEndian.PutUint32(b[flagsField:], 0)
}

func (b block) magic() uint32 {
	return binary.LittleEndian.Uint32(b[magicField:])
}

func (b block) init(size, prev, next, payload int, free bool) {
	b.setSize(size)
	b.setPrev(prev)
	b.setNext(next)
	writeInt(b, payloadField, payload)
	if free {
		b.markFree()
	} else {
		b.markTaken()
	}
	binary.LittleEndian.PutUint32(b[magicField:], HeaderMagic)
}

// invalidate wipes the self-reference and magic so the header can no longer be resolved
func (b block) invalidate() {
	writeInt(b, payloadField, 0)
	binary.LittleEndian.PutUint32(b[magicField:], 0)
}

func readInt(b []byte, field int) int {
	return int(int64(binary.LittleEndian.Uint64(b[field:])))
}

func writeInt(b []byte, field int, value int) {
	binary.LittleEndian.PutUint64(b[field:], uint64(int64(value)))
}

// blockAt returns the header at offset. It panics if the header does not lie entirely inside
// [base, len(data)), which can only happen if the list itself is corrupt.
func (l *BlockList) blockAt(data []byte, offset int) block {
	if offset < l.base || offset > len(data)-headerFieldsSize {
		panic(fmt.Sprintf("block header at offset %d lies outside of the heap span [%d, %d)", offset, l.base, len(data)))
	}

	return block(data[offset : offset+headerFieldsSize : offset+headerFieldsSize])
}
