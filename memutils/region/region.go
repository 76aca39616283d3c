// Package region provides the growth primitive a heap is built on: a single contiguous span of bytes
// whose end (the "break") can be moved forward to claim more memory, or backward to give memory back.
package region

//go:generate mockgen -source region.go -destination mocks/region.go -package mocks

// Region is a contiguous range of memory with a movable end. Offsets handed out by a Region are
// relative to the start of the range and remain valid for as long as they lie below the break, even
// if the implementation has to move its backing storage to grow.
//
// Region implementations are not safe for concurrent use.
type Region interface {
	// Sbrk moves the break by increment bytes and returns the break as it was before the call.
	// A positive increment claims memory, a negative increment releases it, and zero queries the
	// current break.
	//
	// When the region cannot satisfy the request, the break is left where it was, -1 is returned, and
	// the error wraps memutils.ErrOutOfMemory (growth) or memutils.ErrInvalidBreak (shrinking below
	// the start of the region).
	Sbrk(increment int) (int, error)
	// Bytes returns a view of [0, break). Newly claimed bytes are not zeroed. The returned slice must not
	// be retained across calls to Sbrk.
	Bytes() []byte
}
