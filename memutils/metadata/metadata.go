package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
)

// BlockCount returns the number of blocks in the list, free and allocated alike
func (l *BlockList) BlockCount() int {
	return l.allocCount + l.freeCount
}

// SpanSize returns the number of bytes between the list's base and its end, headers included
func (l *BlockList) SpanSize() int {
	if l.IsEmpty() {
		return 0
	}

	return l.End() - l.base
}

// VisitAllRegions will call the provided callback once for each block in address order, reporting
// its header offset, payload offset, payload size, and whether it is free. Iteration stops at the first
// error returned from the callback.
func (l *BlockList) VisitAllRegions(handleBlock func(headerOffset int, payloadOffset int, size int, free bool) error) error {
	data := l.arena.Bytes()

	for offset := l.head; offset != NoBlock; {
		b := l.blockAt(data, offset)
		next := b.next()

		err := handleBlock(offset, l.PayloadOffset(offset), b.size(), b.isFree())
		if err != nil {
			return err
		}

		offset = next
	}

	return nil
}

// AddStatistics sums this list's statistics into the provided memutils.Statistics object
func (l *BlockList) AddStatistics(stats *memutils.Statistics) {
	span := l.SpanSize()
	blockCount := l.BlockCount()

	stats.BlockCount += blockCount
	stats.AllocationCount += l.allocCount
	stats.BlockBytes += span
	stats.AllocationBytes += span - blockCount*l.headerSize - l.freeSize
}

// AddDetailedStatistics sums this list's statistics, including size distributions, into the provided
// memutils.DetailedStatistics object
func (l *BlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += l.BlockCount()
	stats.BlockBytes += l.SpanSize()

	_ = l.VisitAllRegions(func(headerOffset int, payloadOffset int, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}

		return nil
	})
}

// BlockJsonData populates a json object with summary information about this list
func (l *BlockList) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(l.SpanSize())
	json.Name("UnusedBytes").Int(l.freeSize)
	json.Name("HeaderBytes").Int(l.BlockCount() * l.headerSize)
	json.Name("Allocations").Int(l.allocCount)
	json.Name("UnusedRanges").Int(l.freeCount)
}
