package memutils

import "github.com/cockroachdb/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrOutOfMemory is returned when the heap region cannot be extended far enough to satisfy a request
	ErrOutOfMemory error = errors.New("heap region could not be grown")
	// ErrInvalidPointer is returned when a pointer handed back by the caller does not identify a live allocation
	ErrInvalidPointer error = errors.New("pointer does not identify a live allocation")
	// ErrInvalidSize is returned for negative allocation sizes
	ErrInvalidSize error = errors.New("invalid allocation size")
	// ErrSizeOverflow is returned when count*size does not fit in an int
	ErrSizeOverflow error = errors.New("allocation size overflows")
	// ErrInvalidBreak is returned when a region is asked to shrink below its start
	ErrInvalidBreak error = errors.New("break would move below the start of the region")
	// ErrRegionDiscontiguous is returned when the region's break moved without the heap's involvement
	ErrRegionDiscontiguous error = errors.New("heap region was extended by another owner")
)
