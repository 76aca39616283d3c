package region

import (
	"math"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

const (
	// DefaultSliceLimit is the maximum size of a SliceRegion created with a limit of 0
	DefaultSliceLimit int = math.MaxInt32
	minSliceCapacity  int = 4096
)

// SliceRegion is a Region backed by an ordinary go byte slice. Growing past the slice's capacity
// moves the contents into a larger slice, so any []byte previously retrieved from Bytes goes stale.
type SliceRegion struct {
	data  []byte
	limit int
}

var _ Region = &SliceRegion{}

// NewSliceRegion creates an empty SliceRegion that will refuse to grow beyond limit bytes. A limit
// of 0 selects DefaultSliceLimit.
func NewSliceRegion(limit int) *SliceRegion {
	if limit <= 0 {
		limit = DefaultSliceLimit
	}

	return &SliceRegion{limit: limit}
}

// Limit returns the maximum break this region will accept
func (r *SliceRegion) Limit() int {
	return r.limit
}

func (r *SliceRegion) Sbrk(increment int) (int, error) {
	prev := len(r.data)

	if increment == 0 {
		return prev, nil
	}

	if increment < 0 {
		if -increment > prev {
			return -1, errors.Wrapf(memutils.ErrInvalidBreak, "cannot release %d bytes from a region of %d bytes", -increment, prev)
		}

		r.data = r.data[:prev+increment]
		return prev, nil
	}

	if increment > r.limit-prev {
		return -1, errors.Wrapf(memutils.ErrOutOfMemory, "requested %d bytes with %d of %d bytes already claimed", increment, prev, r.limit)
	}

	next := prev + increment
	if next <= cap(r.data) {
		r.data = r.data[:next]
		return prev, nil
	}

	newCapacity := cap(r.data) * 2
	if newCapacity < minSliceCapacity {
		newCapacity = minSliceCapacity
	}
	if newCapacity < next {
		newCapacity = next
	}
	if newCapacity > r.limit {
		newCapacity = r.limit
	}

	grown := dirtmake.Bytes(next, newCapacity)
	copy(grown, r.data)
	r.data = grown

	return prev, nil
}

func (r *SliceRegion) Bytes() []byte {
	return r.data
}
