package hv

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInvalidRegions = errors.New("invalid memory region layout")

// GuestAddress is a guest-physical address.
type GuestAddress uint64

func (a GuestAddress) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// CheckedAdd returns a+n, or false when the result wraps.
func (a GuestAddress) CheckedAdd(n uint64) (GuestAddress, bool) {
	if n > math.MaxUint64-uint64(a) {
		return 0, false
	}
	return a + GuestAddress(n), true
}

// CheckedSub returns a-n, or false when the result would go below zero.
func (a GuestAddress) CheckedSub(n uint64) (GuestAddress, bool) {
	if n > uint64(a) {
		return 0, false
	}
	return a - GuestAddress(n), true
}

// OffsetFrom returns a-base, or false when base lies above a.
func (a GuestAddress) OffsetFrom(base GuestAddress) (uint64, bool) {
	if base > a {
		return 0, false
	}
	return uint64(a - base), true
}

// AlignUp rounds a up to align, which must be a power of two.
func (a GuestAddress) AlignUp(align uint64) (GuestAddress, bool) {
	if align == 0 {
		return a, true
	}
	mask := align - 1
	if align&mask != 0 {
		return 0, false
	}
	n, ok := a.CheckedAdd(mask)
	if !ok {
		return 0, false
	}
	return n &^ GuestAddress(mask), true
}

// AlignDown rounds a down to align, which must be a power of two.
func (a GuestAddress) AlignDown(align uint64) GuestAddress {
	if align == 0 {
		return a
	}
	return a &^ GuestAddress(align-1)
}

// MemoryRegion is a contiguous range of guest RAM.
type MemoryRegion struct {
	Start GuestAddress
	Size  uint64
}

// End returns the first address past the region. The second value is false when
// the region wraps the 64-bit address space.
func (r MemoryRegion) End() (GuestAddress, bool) {
	return r.Start.CheckedAdd(r.Size)
}

// Last returns the final byte address inside the region.
func (r MemoryRegion) Last() GuestAddress {
	return r.Start + GuestAddress(r.Size-1)
}

// Contains reports whether [addr, addr+length) lies inside r.
func (r MemoryRegion) Contains(addr GuestAddress, length uint64) bool {
	if addr < r.Start {
		return false
	}
	off := uint64(addr - r.Start)
	if off > r.Size {
		return false
	}
	return length <= r.Size-off
}

// Overlaps reports whether r shares any byte with [start, start+size).
func (r MemoryRegion) Overlaps(start GuestAddress, size uint64) bool {
	if size == 0 || r.Size == 0 {
		return false
	}
	// Compare inclusive last addresses to stay clear of wraparound.
	otherLast := start + GuestAddress(size-1)
	if otherLast < start {
		otherLast = math.MaxUint64
	}
	return start <= r.Last() && r.Start <= otherLast
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.Start)+r.Size)
}

// ValidateRegions checks that regions are non-empty, sorted, non-overlapping and
// do not wrap the address space.
func ValidateRegions(regions []MemoryRegion) error {
	if len(regions) == 0 {
		return fmt.Errorf("%w: no regions", ErrInvalidRegions)
	}
	if !sort.SliceIsSorted(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start }) {
		return fmt.Errorf("%w: regions not sorted", ErrInvalidRegions)
	}
	var prevEnd GuestAddress
	for i, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("%w: region %d is empty", ErrInvalidRegions, i)
		}
		end, ok := r.End()
		if !ok {
			return fmt.Errorf("%w: region %d wraps the address space", ErrInvalidRegions, i)
		}
		if i > 0 && r.Start < prevEnd {
			return fmt.Errorf("%w: region %d %s overlaps previous region", ErrInvalidRegions, i, r)
		}
		prevEnd = end
	}
	return nil
}

// TotalSize returns the number of bytes covered by regions.
func TotalSize(regions []MemoryRegion) uint64 {
	var total uint64
	for _, r := range regions {
		total += r.Size
	}
	return total
}

// FindRegion returns the index of the region holding [addr, addr+length).
func FindRegion(regions []MemoryRegion, addr GuestAddress, length uint64) (int, bool) {
	for i, r := range regions {
		if r.Contains(addr, length) {
			return i, true
		}
	}
	return -1, false
}
