package arm64

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30

	// DRAMMemStart is where guest RAM begins; everything below is MMIO.
	DRAMMemStart   hv.GuestAddress = 0x8000_0000
	DRAMMemMaxSize uint64          = 0xFF_8000_0000

	// SystemMemSize is reserved at the bottom of DRAM before the kernel.
	SystemMemSize = 0x20_0000

	MMIOMemStart hv.GuestAddress = 0x4000_0000
	MMIOMemSize  uint64          = 0x4000_0000
	MMIOSlotSize                 = 0x1000

	// IRQBase is the first shared peripheral interrupt; lines are GIC INTIDs.
	IRQBase = 32
	IRQMax  = 128

	CmdlineMaxSize = 2048

	// FDTMaxSize bytes at the end of the first region hold the device tree.
	FDTMaxSize = 0x20_0000

	gicDistSize   = 0x10000
	gicRedistSize = 0x20000
)

var layout = abi.NewLayout(abi.Layout{
	Arch:           hv.ArchitectureARM64,
	RAMStart:       DRAMMemStart,
	MaxAddress:     DRAMMemStart + hv.GuestAddress(DRAMMemMaxSize),
	KernelStart:    DRAMMemStart + SystemMemSize,
	MMIOMemStart:   MMIOMemStart,
	MMIOMemSize:    MMIOMemSize,
	MMIOSlotSize:   MMIOSlotSize,
	IRQBase:        IRQBase,
	IRQMax:         IRQMax,
	CmdlineMaxSize: CmdlineMaxSize,
}, nil, nil)

// PlanRegions returns a single DRAM region. arm64 has no hole inside RAM.
func PlanRegions(memSize uint64) ([]hv.MemoryRegion, error) {
	if memSize == 0 || memSize%abi.PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x is not a non-zero multiple of %#x", abi.ErrInvalidMemorySize, memSize, abi.PageSize)
	}
	if memSize > DRAMMemMaxSize {
		return nil, fmt.Errorf("%w: %#x exceeds the %#x byte DRAM window", abi.ErrInvalidMemorySize, memSize, DRAMMemMaxSize)
	}
	return []hv.MemoryRegion{{Start: DRAMMemStart, Size: memSize}}, nil
}

// FDTAddress returns where the device tree is written for regions.
func FDTAddress(regions []hv.MemoryRegion) (hv.GuestAddress, error) {
	if len(regions) == 0 || regions[0].Size < FDTMaxSize {
		return 0, fmt.Errorf("%w: no room for the device tree", abi.ErrInvalidMemorySize)
	}
	end, ok := regions[0].End()
	if !ok {
		return 0, fmt.Errorf("%w: region %s wraps", abi.ErrInvalidMemorySize, regions[0])
	}
	return end - FDTMaxSize, nil
}
