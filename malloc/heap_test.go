package malloc_test

import (
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkalloc/malloc"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/region"
	"github.com/vkngwrapper/brkalloc/memutils/region/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func readyHeap(t *testing.T, options malloc.CreateOptions) (*region.SliceRegion, *malloc.Heap) {
	r := region.NewSliceRegion(0)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	heap, err := malloc.New(logger, r, options)
	require.NoError(t, err)
	require.True(t, heap.IsEmpty())

	return r, heap
}

func allocate(t *testing.T, heap *malloc.Heap, size int) malloc.Pointer {
	p, err := heap.Allocate(size)
	require.NoError(t, err)
	require.NotEqual(t, malloc.Null, p)

	return p
}

func usableSize(t *testing.T, heap *malloc.Heap, p malloc.Pointer) int {
	size, err := heap.UsableSize(p)
	require.NoError(t, err)

	return size
}

func freeRanges(heap *malloc.Heap) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	return stats
}

func TestNew(t *testing.T) {
	r := region.NewSliceRegion(0)

	_, err := malloc.New(nil, r, malloc.CreateOptions{Alignment: 12})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = malloc.New(nil, nil, malloc.CreateOptions{})
	require.Error(t, err)

	heap, err := malloc.New(nil, r, malloc.CreateOptions{})
	require.NoError(t, err)
	require.True(t, heap.IsEmpty())
	require.Equal(t, 0, heap.Break())
	require.Equal(t, 0, heap.Base())
	require.NoError(t, heap.Validate())
	require.NoError(t, heap.Destroy())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", malloc.CreateFlags(0).String())
	require.Equal(t, "CreateZeroOnRelease", malloc.CreateZeroOnRelease.String())
	require.Equal(t, "CreateZeroOnRelease|CreateValidateOperations", (malloc.CreateZeroOnRelease | malloc.CreateValidateOperations).String())
	require.Equal(t, "CreateValidateOperations|Unknown(0x8)", (malloc.CreateValidateOperations | malloc.CreateFlags(8)).String())
}

func TestAllocateFirstBlock(t *testing.T) {
	r, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	p := allocate(t, heap, 50)
	require.Equal(t, malloc.Pointer(40), p)
	require.Equal(t, 56, usableSize(t, heap, p))
	require.Equal(t, 96, heap.Break())
	require.Equal(t, 96, len(r.Bytes()))
	require.Equal(t, 0, heap.Base())
	require.False(t, heap.IsEmpty())

	require.Equal(t, malloc.Counters{
		GrowCalls: 1,
		GrowBytes: 96,
	}, heap.Counters())

	var stats memutils.Statistics
	heap.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 1,
		BlockBytes:      96,
		AllocationBytes: 56,
	}, stats)
}

func TestAllocateZeroAndNegative(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	first := allocate(t, heap, 0)
	second := allocate(t, heap, 0)
	require.NotEqual(t, first, second)
	require.Equal(t, 8, usableSize(t, heap, first))
	require.Equal(t, 8, usableSize(t, heap, second))

	_, err := heap.Allocate(-1)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, err = heap.Allocate(math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, err = heap.Allocate(math.MaxInt - 64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.NoError(t, heap.Release(first))
	require.NoError(t, heap.Release(second))
	require.True(t, heap.IsEmpty())
}

func TestAlignment16(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Alignment: 16, Flags: malloc.CreateValidateOperations})

	first := allocate(t, heap, 1)
	require.Equal(t, malloc.Pointer(48), first)
	require.Equal(t, 16, usableSize(t, heap, first))

	second := allocate(t, heap, 20)
	require.Equal(t, malloc.Pointer(112), second)
	require.Equal(t, 32, usableSize(t, heap, second))
	require.Equal(t, 0, int(second)%16)
}

func TestReleasedBlockIsReused(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	first := allocate(t, heap, 100)
	allocate(t, heap, 8)
	brk := heap.Break()

	require.NoError(t, heap.Release(first))
	require.Equal(t, brk, heap.Break())

	reused := allocate(t, heap, 100)
	require.Equal(t, first, reused)
	require.Equal(t, brk, heap.Break())
	require.Equal(t, 2, heap.Counters().GrowCalls)
}

func TestReleaseCoalesces(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 50)
	b := allocate(t, heap, 50)
	allocate(t, heap, 8)

	require.NoError(t, heap.Release(a))
	require.NoError(t, heap.Release(b))
	require.Equal(t, 1, heap.Counters().CoalesceBackward)

	stats := freeRanges(heap)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 152, stats.UnusedRangeSizeMin)
	require.Equal(t, 152, stats.UnusedRangeSizeMax)

	merged := allocate(t, heap, 152)
	require.Equal(t, a, merged)
	require.Equal(t, 3, heap.Counters().GrowCalls)
}

func TestReleaseCoalescesForward(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 50)
	b := allocate(t, heap, 50)
	allocate(t, heap, 8)

	require.NoError(t, heap.Release(b))
	require.NoError(t, heap.Release(a))
	require.Equal(t, 1, heap.Counters().CoalesceForward)
	require.Equal(t, 0, heap.Counters().CoalesceBackward)

	stats := freeRanges(heap)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 152, stats.UnusedRangeSizeMax)
}

func TestReleaseCoalescesBothWays(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	c := allocate(t, heap, 16)
	allocate(t, heap, 8)

	require.NoError(t, heap.Release(a))
	require.NoError(t, heap.Release(c))
	require.Equal(t, 2, freeRanges(heap).UnusedRangeCount)

	require.NoError(t, heap.Release(b))
	stats := freeRanges(heap)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 16*3+40*2, stats.UnusedRangeSizeMax)
}

func TestAllocateSplitsFreeBlock(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 200)
	allocate(t, heap, 8)
	require.NoError(t, heap.Release(a))

	small := allocate(t, heap, 16)
	require.Equal(t, a, small)
	require.Equal(t, 16, usableSize(t, heap, small))
	require.Equal(t, 1, heap.Counters().SplitCount)

	stats := freeRanges(heap)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 144, stats.UnusedRangeSizeMax)

	rest := allocate(t, heap, 144)
	require.Equal(t, malloc.Pointer(96), rest)
	require.Equal(t, 2, heap.Counters().GrowCalls)

	require.NoError(t, heap.Release(rest))
	require.NoError(t, heap.Release(small))

	// A remainder of 40 bytes cannot hold a header and a payload, so the block is handed out whole
	whole := allocate(t, heap, 160)
	require.Equal(t, a, whole)
	require.Equal(t, 200, usableSize(t, heap, whole))
}

func TestReleaseTrimsTail(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 16)
	c := allocate(t, heap, 16)
	require.Equal(t, 168, heap.Break())

	require.NoError(t, heap.Release(c))
	require.Equal(t, 112, heap.Break())
	require.NoError(t, heap.Release(b))
	require.Equal(t, 56, heap.Break())
	require.NoError(t, heap.Release(a))
	require.Equal(t, 0, heap.Break())
	require.True(t, heap.IsEmpty())
	require.Equal(t, 3, heap.Counters().TrimCalls)
	require.Equal(t, 168, heap.Counters().TrimBytes)

	a = allocate(t, heap, 16)
	b = allocate(t, heap, 16)
	c = allocate(t, heap, 16)
	require.Equal(t, malloc.Pointer(40), a)

	// Releasing the middle block first leaves it in place, releasing the last one takes both
	require.NoError(t, heap.Release(b))
	require.Equal(t, 168, heap.Break())
	require.NoError(t, heap.Release(c))
	require.Equal(t, 56, heap.Break())
	require.Equal(t, 0, freeRanges(heap).UnusedRangeCount)

	require.NoError(t, heap.Release(a))
	require.True(t, heap.IsEmpty())
}

func TestReleaseNull(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})
	require.NoError(t, heap.Release(malloc.Null))

	allocate(t, heap, 16)
	require.NoError(t, heap.Release(malloc.Null))
}

func TestReleaseInvalidPointer(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	err := heap.Release(48)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	a := allocate(t, heap, 16)
	allocate(t, heap, 8)

	var before memutils.Statistics
	heap.AddStatistics(&before)

	for _, p := range []malloc.Pointer{-40, 8, a + 8, a - 8, 12345} {
		err = heap.Release(p)
		require.True(t, errors.Is(err, memutils.ErrInvalidPointer), "pointer %d", p)
	}

	var after memutils.Statistics
	heap.AddStatistics(&after)
	require.Equal(t, before, after)

	require.NoError(t, heap.Release(a))
	err = heap.Release(a)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	require.NoError(t, heap.Validate())
}

func TestResizeNull(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	p, err := heap.Resize(malloc.Null, 24)
	require.NoError(t, err)
	require.Equal(t, malloc.Pointer(40), p)
	require.Equal(t, 24, usableSize(t, heap, p))

	p, err = heap.ResizeOrRelease(malloc.Null, 24)
	require.NoError(t, err)
	require.Equal(t, malloc.Pointer(104), p)
}

func TestResizeInvalid(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	p := allocate(t, heap, 16)

	_, err := heap.Resize(p+8, 32)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	_, err = heap.ResizeOrRelease(999, 32)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	_, err = heap.Resize(p, -1)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
	require.Equal(t, 16, usableSize(t, heap, p))

	_, err = heap.ResizeOrRelease(p, -1)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
	require.True(t, heap.IsEmpty())
}

func TestResizeShrinksInPlace(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 200)
	allocate(t, heap, 8)

	shrunk, err := heap.Resize(a, 16)
	require.NoError(t, err)
	require.Equal(t, a, shrunk)
	require.Equal(t, 16, usableSize(t, heap, a))
	require.Equal(t, 1, heap.Counters().SplitCount)
	require.Equal(t, 144, freeRanges(heap).UnusedRangeSizeMax)

	// Too little would be left over to split off
	shrunk, err = heap.Resize(a, 8)
	require.NoError(t, err)
	require.Equal(t, a, shrunk)
	require.Equal(t, 16, usableSize(t, heap, a))
}

func TestResizeShrinkMergesWithFreeSuccessor(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 200)
	b := allocate(t, heap, 64)
	allocate(t, heap, 8)
	require.NoError(t, heap.Release(b))

	shrunk, err := heap.Resize(a, 16)
	require.NoError(t, err)
	require.Equal(t, a, shrunk)

	stats := freeRanges(heap)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 144+40+64, stats.UnusedRangeSizeMax)
}

func TestResizeShrinkTrimsTail(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 200)
	require.Equal(t, 240, heap.Break())

	shrunk, err := heap.Resize(a, 16)
	require.NoError(t, err)
	require.Equal(t, a, shrunk)
	require.Equal(t, 56, heap.Break())
	require.Equal(t, 1, heap.Counters().TrimCalls)
}

func TestResizeGrowsInPlace(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 100)
	allocate(t, heap, 8)
	brk := heap.Break()
	require.NoError(t, heap.Release(b))

	data, err := heap.Bytes(a)
	require.NoError(t, err)
	copy(data, "in place")

	grown, err := heap.Resize(a, 64)
	require.NoError(t, err)
	require.Equal(t, a, grown)
	require.Equal(t, 64, usableSize(t, heap, a))
	require.Equal(t, brk, heap.Break())
	require.Equal(t, 0, heap.Counters().FallbackMoves)

	data, err = heap.Bytes(a)
	require.NoError(t, err)
	require.Equal(t, "in place", string(data[:8]))

	stats := freeRanges(heap)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 56, stats.UnusedRangeSizeMax)
}

func TestResizeMovesAndCopies(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	a := allocate(t, heap, 16)
	allocate(t, heap, 8)
	require.NoError(t, heap.SetUserData(a, "tagged"))

	data, err := heap.Bytes(a)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		data[i] = byte(i + 1)
	}

	moved, err := heap.Resize(a, 100)
	require.NoError(t, err)
	require.NotEqual(t, a, moved)
	require.Equal(t, 104, usableSize(t, heap, moved))
	require.Equal(t, 1, heap.Counters().FallbackMoves)

	data, err = heap.Bytes(moved)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, data[:10])

	userData, err := heap.UserData(moved)
	require.NoError(t, err)
	require.Equal(t, "tagged", userData)

	_, err = heap.UsableSize(a)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
}

func TestZeroedAllocate(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	dirty := allocate(t, heap, 64)
	allocate(t, heap, 8)

	data, err := heap.Bytes(dirty)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0xFF
	}
	require.NoError(t, heap.Release(dirty))

	zeroed, err := heap.ZeroedAllocate(8, 8)
	require.NoError(t, err)
	require.Equal(t, dirty, zeroed)

	data, err = heap.Bytes(zeroed)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 64), data)

	empty, err := heap.ZeroedAllocate(0, 8)
	require.NoError(t, err)
	require.Equal(t, 8, usableSize(t, heap, empty))
}

func TestZeroedAllocateOverflow(t *testing.T) {
	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})

	_, err := heap.ZeroedAllocate(math.MaxInt, 2)
	require.True(t, errors.Is(err, memutils.ErrSizeOverflow))

	_, err = heap.ZeroedAllocate(math.MaxInt, math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrSizeOverflow))

	_, err = heap.ZeroedAllocate(-1, 8)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	// Fits in an int, but not in the region
	_, err = heap.ZeroedAllocate(1<<30, 4)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.True(t, heap.IsEmpty())
	require.Equal(t, 0, heap.Break())
}

func TestZeroOnRelease(t *testing.T) {
	r, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateZeroOnRelease | malloc.CreateValidateOperations})

	a := allocate(t, heap, 16)
	allocate(t, heap, 8)

	data, err := heap.Bytes(a)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0xAA
	}

	require.NoError(t, heap.Release(a))
	require.Equal(t, make([]byte, 16), r.Bytes()[a:a+16])
}

func TestAllocateGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	backing := region.NewSliceRegion(0)
	mockRegion := mocks.NewMockRegion(ctrl)
	mockRegion.EXPECT().Bytes().DoAndReturn(backing.Bytes).AnyTimes()
	mockRegion.EXPECT().Sbrk(48).DoAndReturn(backing.Sbrk)
	mockRegion.EXPECT().Sbrk(1040).Return(-1, errors.New("no memory available"))

	heap, err := malloc.New(nil, mockRegion, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})
	require.NoError(t, err)

	p := allocate(t, heap, 8)
	require.Equal(t, malloc.Pointer(40), p)

	var before memutils.Statistics
	heap.AddStatistics(&before)

	_, err = heap.Allocate(1000)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	var after memutils.Statistics
	heap.AddStatistics(&after)
	require.Equal(t, before, after)
	require.Equal(t, 1, heap.Counters().GrowCalls)
	require.NoError(t, heap.Validate())
}

func TestResizeGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	backing := region.NewSliceRegion(0)
	mockRegion := mocks.NewMockRegion(ctrl)
	mockRegion.EXPECT().Bytes().DoAndReturn(backing.Bytes).AnyTimes()
	mockRegion.EXPECT().Sbrk(48).DoAndReturn(backing.Sbrk)
	mockRegion.EXPECT().Sbrk(1040).Return(-1, errors.Wrap(memutils.ErrOutOfMemory, "exhausted")).Times(2)
	mockRegion.EXPECT().Sbrk(-48).DoAndReturn(backing.Sbrk)

	heap, err := malloc.New(nil, mockRegion, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})
	require.NoError(t, err)

	p := allocate(t, heap, 8)
	data, err := heap.Bytes(p)
	require.NoError(t, err)
	copy(data, "original")

	_, err = heap.Resize(p, 1000)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	data, err = heap.Bytes(p)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))

	_, err = heap.ResizeOrRelease(p, 1000)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.True(t, heap.IsEmpty())
	require.Empty(t, backing.Bytes())

	_, err = heap.UsableSize(p)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
}

func TestTrimFailureKeepsFreeTail(t *testing.T) {
	ctrl := gomock.NewController(t)

	backing := region.NewSliceRegion(0)
	mockRegion := mocks.NewMockRegion(ctrl)
	mockRegion.EXPECT().Bytes().DoAndReturn(backing.Bytes).AnyTimes()
	mockRegion.EXPECT().Sbrk(56).DoAndReturn(backing.Sbrk).Times(2)
	mockRegion.EXPECT().Sbrk(-56).Return(-1, memutils.ErrInvalidBreak)

	heap, err := malloc.New(nil, mockRegion, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})
	require.NoError(t, err)

	allocate(t, heap, 16)
	b := allocate(t, heap, 16)

	require.NoError(t, heap.Release(b))
	require.Equal(t, 0, heap.Counters().TrimCalls)
	require.Equal(t, 1, freeRanges(heap).UnusedRangeCount)
	require.Len(t, backing.Bytes(), 112)

	reused := allocate(t, heap, 16)
	require.Equal(t, b, reused)
}

func TestDiscontiguousRegion(t *testing.T) {
	r, heap := readyHeap(t, malloc.CreateOptions{})

	allocate(t, heap, 8)

	_, err := r.Sbrk(16)
	require.NoError(t, err)

	_, err = heap.Allocate(8)
	require.True(t, errors.Is(err, memutils.ErrRegionDiscontiguous))
	require.Len(t, r.Bytes(), 64)

	_, err = r.Sbrk(-16)
	require.NoError(t, err)
	require.NoError(t, heap.Validate())
}

func TestRandomOperations(t *testing.T) {
	type allocation struct {
		p       malloc.Pointer
		size    int
		pattern byte
	}

	_, heap := readyHeap(t, malloc.CreateOptions{Flags: malloc.CreateValidateOperations})
	rng := rand.New(rand.NewSource(1))

	fill := func(a allocation) {
		data, err := heap.Bytes(a.p)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(data), a.size)
		for i := 0; i < a.size; i++ {
			data[i] = a.pattern
		}
	}

	verify := func(a allocation, size int) {
		data, err := heap.Bytes(a.p)
		require.NoError(t, err)
		for i := 0; i < size; i++ {
			require.Equal(t, a.pattern, data[i], "byte %d of pointer %d", i, a.p)
		}
	}

	var live []allocation
	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(4); {
		case op < 2 || len(live) == 0:
			size := rng.Intn(300)
			p, err := heap.Allocate(size)
			require.NoError(t, err)

			a := allocation{p: p, size: size, pattern: byte(rng.Intn(256))}
			fill(a)
			live = append(live, a)
		case op == 2:
			index := rng.Intn(len(live))
			verify(live[index], live[index].size)
			require.NoError(t, heap.Release(live[index].p))

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		default:
			index := rng.Intn(len(live))
			old := live[index]
			newSize := rng.Intn(400)

			p, err := heap.Resize(old.p, newSize)
			require.NoError(t, err)

			resized := allocation{p: p, size: newSize, pattern: old.pattern}
			verify(resized, min(old.size, newSize))

			resized.pattern = byte(rng.Intn(256))
			fill(resized)
			live[index] = resized
		}
	}

	for _, a := range live {
		verify(a, a.size)
	}

	for _, a := range live {
		require.NoError(t, heap.Release(a.p))
	}

	require.True(t, heap.IsEmpty())
	require.Equal(t, 0, heap.Break())
	require.NoError(t, heap.Destroy())
}
