// Command mallocdemo runs a short sequence of allocations, resizes and releases against a heap and
// prints the state of the heap after each step.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/malloc"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/exp/slog"
)

const defaultMmapReserve int = 64 * 1024 * 1024

func main() {
	alignment := flag.Uint("alignment", malloc.DefaultAlignment, "payload alignment in bytes, must be a power of two")
	limit := flag.Int("limit", 0, "maximum size of the heap region in bytes, 0 for the default")
	useMmap := flag.Bool("mmap", false, "back the heap with an anonymous memory mapping instead of a go slice")
	verbose := flag.Bool("v", false, "log heap growth and trimming")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	err := run(logger, os.Stdout, *alignment, *limit, *useMmap)
	if err != nil {
		logger.Error("demo failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type demo struct {
	heap *malloc.Heap
	out  io.Writer
}

func run(logger *slog.Logger, out io.Writer, alignment uint, limit int, useMmap bool) error {
	r, err := newRegion(useMmap, limit)
	if err != nil {
		return err
	}

	heap, err := malloc.New(logger, r, malloc.CreateOptions{
		Alignment: alignment,
		Flags:     malloc.CreateValidateOperations,
	})
	if err != nil {
		return err
	}

	d := demo{heap: heap, out: out}

	fmt.Fprintln(out, "Testing allocate:")
	ptr1, err := heap.Allocate(100)
	if err != nil {
		return errors.Wrap(err, "allocate")
	}
	d.printBlock("Allocated 100 bytes", ptr1)

	fmt.Fprintln(out, "\nTesting zeroed allocate:")
	ptr2, err := heap.ZeroedAllocate(10, 20)
	if err != nil {
		return errors.Wrap(err, "zeroed allocate")
	}
	d.printBlock("Allocated 200 zeroed bytes", ptr2)

	fmt.Fprintln(out, "\nTesting resize:")
	ptr1, err = heap.Resize(ptr1, 150)
	if err != nil {
		return errors.Wrap(err, "resize")
	}
	d.printBlock("Resized to 150 bytes", ptr1)

	fmt.Fprintln(out, "\nTesting resize or release:")
	ptr3, err := heap.ResizeOrRelease(ptr2, 300)
	if err != nil {
		return errors.Wrap(err, "resize or release")
	}
	d.printBlock("Resized to 300 bytes", ptr3)

	fmt.Fprintln(out, "\nTesting release:")
	err = heap.Release(ptr1)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	err = heap.Release(ptr3)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	d.printHeap()

	fmt.Fprintln(out, "\nAllocating new blocks:")
	ptr4, err := heap.Allocate(50)
	if err != nil {
		return errors.Wrap(err, "allocate")
	}
	d.printBlock("Allocated 50 bytes", ptr4)

	ptr5, err := heap.Allocate(200)
	if err != nil {
		return errors.Wrap(err, "allocate")
	}
	d.printBlock("Allocated 200 bytes", ptr5)
	d.printMap()

	fmt.Fprintln(out, "\nReleasing allocated blocks:")
	err = heap.Release(ptr4)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	err = heap.Release(ptr5)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	d.printHeap()

	counters := heap.Counters()
	fmt.Fprintf(out, "\nGrew %d times (%s), trimmed %d times (%s), split %d, merged %d, moved %d\n",
		counters.GrowCalls, humanize.IBytes(uint64(counters.GrowBytes)),
		counters.TrimCalls, humanize.IBytes(uint64(counters.TrimBytes)),
		counters.SplitCount, counters.CoalesceForward+counters.CoalesceBackward,
		counters.FallbackMoves)

	return heap.Destroy()
}

func (d demo) printBlock(message string, p malloc.Pointer) {
	size, err := d.heap.UsableSize(p)
	if err != nil {
		fmt.Fprintf(d.out, "%s: invalid pointer %d\n", message, p)
		return
	}

	fmt.Fprintf(d.out, "%s: pointer %d, usable size %d, break at %s\n", message, p, size, humanize.IBytes(uint64(d.heap.Break())))
}

func (d demo) printHeap() {
	if d.heap.IsEmpty() {
		fmt.Fprintf(d.out, "Heap is empty, break at %s\n", humanize.IBytes(uint64(d.heap.Break())))
		return
	}

	var stats memutils.Statistics
	d.heap.AddStatistics(&stats)
	fmt.Fprintf(d.out, "%d blocks, %d allocations, %s in use of %s\n",
		stats.BlockCount, stats.AllocationCount,
		humanize.IBytes(uint64(stats.AllocationBytes)), humanize.IBytes(uint64(stats.BlockBytes)))
}

func (d demo) printMap() {
	writer := jwriter.NewWriter()
	d.heap.PrintDetailedMap(&writer)
	fmt.Fprintf(d.out, "%s\n", writer.Bytes())
}
