package malloc

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/exp/slog"
)

const (
	blockTypeFree      = "FREE"
	blockTypeAllocated = "ALLOCATED"
)

var _ memutils.Validatable = &Heap{}

// UsableSize returns the number of payload bytes available at p, which may exceed the size that was
// requested. The usable size of Null is 0.
func (h *Heap) UsableSize(p Pointer) (int, error) {
	if p == Null {
		return 0, nil
	}

	offset, err := h.resolve(p)
	if err != nil {
		return 0, err
	}

	return h.blocks.Size(offset), nil
}

// Bytes returns a view of the full usable payload at p. The slice must not be used after the next
// call that may grow the heap, because growing can move the region's storage.
func (h *Heap) Bytes(p Pointer) ([]byte, error) {
	if p == Null {
		return nil, nil
	}

	offset, err := h.resolve(p)
	if err != nil {
		return nil, err
	}

	return h.blocks.Payload(offset), nil
}

// Break returns the current end of the region the heap is built on
func (h *Heap) Break() int {
	brk, err := h.region.Sbrk(0)
	if err != nil {
		return len(h.region.Bytes())
	}
	return brk
}

// Base returns the offset of the first block header. While the heap is empty, the next allocation
// will start at the current break, so that is returned instead.
func (h *Heap) Base() int {
	if h.blocks.IsEmpty() {
		return h.Break()
	}
	return h.blocks.Base()
}

// IsEmpty returns true if the heap holds no blocks at all, which is the case before the first
// allocation and after the last allocation has been released
func (h *Heap) IsEmpty() bool {
	return h.blocks.IsEmpty()
}

// SetUserData attaches an arbitrary value to the allocation at p. The value follows the allocation
// if Resize moves it, and is dropped when the allocation is released.
func (h *Heap) SetUserData(p Pointer, userData any) error {
	_, err := h.resolve(p)
	if err != nil {
		return err
	}

	if userData == nil {
		h.userData.Delete(p)
		return nil
	}

	h.userData.Put(p, userData)
	return nil
}

// UserData returns the value attached to the allocation at p with SetUserData, or nil
func (h *Heap) UserData(p Pointer) (any, error) {
	_, err := h.resolve(p)
	if err != nil {
		return nil, err
	}

	userData, _ := h.userData.Get(p)
	return userData, nil
}

// AddStatistics sums this heap's statistics into the provided memutils.Statistics object
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.blocks.AddStatistics(stats)
}

// AddDetailedStatistics sums this heap's statistics, including allocation and free block size
// distributions, into the provided memutils.DetailedStatistics object
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.blocks.AddDetailedStatistics(stats)
}

func (h *Heap) Counters() Counters {
	return h.counters
}

// PrintDetailedMap writes a json object describing every block in the heap to the provided writer
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Alignment").Int(int(h.alignment))
	objState.Name("HeaderSize").Int(h.blocks.HeaderSize())
	objState.Name("Base").Int(h.Base())
	objState.Name("Break").Int(h.Break())
	h.blocks.BlockJsonData(objState)

	h.printDetailedMapBlocks(objState)
}

func (h *Heap) printDetailedMapBlocks(json jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = h.blocks.VisitAllRegions(func(headerOffset int, payloadOffset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(headerOffset)
		obj.Name("Size").Int(size)

		if free {
			obj.Name("Type").String(blockTypeFree)
			return nil
		}

		obj.Name("Type").String(blockTypeAllocated)
		obj.Name("Pointer").Int(payloadOffset)

		userData, ok := h.userData.Get(Pointer(payloadOffset))
		if ok {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
		}

		return nil
	})
}

// Validate verifies the structure of the whole heap: the block list must cover the region from the
// heap's base up to the break without gaps, every header must be intact, no two neighboring blocks
// may both be free, and no user data may be attached to a pointer that is not a live allocation.
func (h *Heap) Validate() error {
	err := h.blocks.Validate()
	if err != nil {
		return err
	}

	if h.userData.Count() > h.blocks.AllocationCount() {
		return errors.Newf("user data is attached to %d pointers, but there are only %d allocations", h.userData.Count(), h.blocks.AllocationCount())
	}

	return nil
}

// Destroy tears the heap down. If any allocations are still live, each of them is logged and an
// error is returned; the heap remains usable in that case. Otherwise, the region is closed if it
// implements io.Closer.
func (h *Heap) Destroy() error {
	if h.blocks.AllocationCount() > 0 {
		err := h.blocks.VisitAllRegions(func(headerOffset int, payloadOffset int, size int, free bool) error {
			if free {
				return nil
			}

			h.logUnreleasedMemory(Pointer(payloadOffset), size)
			return nil
		})
		if err != nil {
			h.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not released before the destruction of this heap!")
	}

	h.blocks.Clear()

	closer, ok := h.region.(io.Closer)
	if ok {
		err := closer.Close()
		if err != nil {
			return errors.Wrap(err, "failed to close the heap region")
		}
	}

	return nil
}

func (h *Heap) logUnreleasedMemory(p Pointer, size int) {
	userData, _ := h.userData.Get(p)

	h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased allocation",
		slog.Int("pointer", int(p)),
		slog.Int("size", size),
		slog.Any("userData", userData),
	)
}
