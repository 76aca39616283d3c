package malloc

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/region"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = map[CreateFlags]string{}

func (f CreateFlags) Register(str string) {
	createFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("Unknown(0x%x)", int32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateZeroOnRelease causes the payload of every released allocation to be overwritten with
	// zeroes before the block is returned to the heap.
	CreateZeroOnRelease CreateFlags = 1 << iota
	// CreateValidateOperations runs Validate after every operation that changes the heap and returns
	// its error to the caller. This is slow, and intended for tests and debugging.
	CreateValidateOperations
)

func init() {
	CreateZeroOnRelease.Register("CreateZeroOnRelease")
	CreateValidateOperations.Register("CreateValidateOperations")
}

const (
	// DefaultAlignment is the alignment used when none is provided via CreateOptions
	DefaultAlignment uint = 8

	initialUserDataCapacity uint32 = 42
)

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// Alignment is the boundary every payload offset and payload size is rounded to. It must be a
	// power of two. If it is left at 0, DefaultAlignment is used.
	Alignment uint
}

// New creates a heap on top of the provided region. The heap assumes it is the only user of the
// region: nothing else may move the region's break while the heap is alive. No memory is claimed
// from the region until the first allocation.
//
// logger may be nil, in which case nothing is logged.
func New(logger *slog.Logger, r region.Region, options CreateOptions) (*Heap, error) {
	if r == nil {
		return nil, errors.New("attempted to create a heap without a region")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	err := memutils.CheckPow2(alignment, "options.Alignment")
	if err != nil {
		return nil, err
	}

	heap := &Heap{
		logger:    logger,
		region:    r,
		flags:     options.Flags,
		alignment: alignment,
		blocks:    metadata.NewBlockList(r, alignment),
		userData:  swiss.NewMap[Pointer, any](initialUserDataCapacity),
	}

	logger.Debug("Heap::New",
		slog.Int("Alignment", int(alignment)),
		slog.Int("HeaderSize", heap.blocks.HeaderSize()),
		slog.String("Flags", options.Flags.String()),
	)

	return heap, nil
}
