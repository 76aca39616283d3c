//go:build linux

package main

import "github.com/vkngwrapper/brkalloc/memutils/region"

func newRegion(useMmap bool, limit int) (region.Region, error) {
	if !useMmap {
		return region.NewSliceRegion(limit), nil
	}

	if limit <= 0 {
		limit = defaultMmapReserve
	}
	return region.NewMmapRegion(limit)
}
