// Package guestmem provides host-backed guest-physical memory laid out as a set
// of RAM regions.
package guestmem

import (
	"fmt"
	"io"
	"math"

	"github.com/tinyrange/microvm/internal/hv"
)

// Memory is guest RAM backed by one host mapping per region.
type Memory struct {
	regions []hv.MemoryRegion
	data    [][]byte
}

// New maps zeroed host memory for every region. Regions must satisfy
// hv.ValidateRegions.
func New(regions []hv.MemoryRegion) (*Memory, error) {
	if err := hv.ValidateRegions(regions); err != nil {
		return nil, err
	}
	m := &Memory{
		regions: append([]hv.MemoryRegion(nil), regions...),
	}
	for _, r := range regions {
		if r.Size > math.MaxInt {
			m.Close()
			return nil, fmt.Errorf("region %s exceeds host address space", r)
		}
		buf, err := allocate(int(r.Size))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("map region %s: %w", r, err)
		}
		m.data = append(m.data, buf)
	}
	return m, nil
}

// Regions implements hv.GuestMemory.
func (m *Memory) Regions() []hv.MemoryRegion {
	return append([]hv.MemoryRegion(nil), m.regions...)
}

// Size returns the total number of bytes of guest RAM.
func (m *Memory) Size() uint64 {
	return hv.TotalSize(m.regions)
}

// Slice returns the host view of [addr, addr+length). The range must not cross
// a region boundary.
func (m *Memory) Slice(addr hv.GuestAddress, length uint64) ([]byte, error) {
	idx, ok := hv.FindRegion(m.regions, addr, length)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", hv.ErrGuestMemory, uint64(addr), length)
	}
	off, _ := addr.OffsetFrom(m.regions[idx].Start)
	return m.data[idx][off : off+length], nil
}

// ReadAt implements io.ReaderAt with off interpreted as a guest-physical address.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address %d", hv.ErrGuestMemory, off)
	}
	buf, err := m.Slice(hv.GuestAddress(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt with off interpreted as a guest-physical address.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address %d", hv.ErrGuestMemory, off)
	}
	buf, err := m.Slice(hv.GuestAddress(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}

// Dump writes every region's contents to w in ascending address order.
func (m *Memory) Dump(w io.Writer) (int64, error) {
	var total int64
	for i, buf := range m.data {
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("dump region %s: %w", m.regions[i], err)
		}
	}
	return total, nil
}

// Close releases the host mappings.
func (m *Memory) Close() error {
	var firstErr error
	for _, buf := range m.data {
		if err := release(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.data = nil
	return firstErr
}

var _ hv.GuestMemory = &Memory{}
