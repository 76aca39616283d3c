//go:build !linux

package main

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils/region"
)

func newRegion(useMmap bool, limit int) (region.Region, error) {
	if useMmap {
		return nil, errors.New("mmap regions are only available on linux")
	}

	return region.NewSliceRegion(limit), nil
}
