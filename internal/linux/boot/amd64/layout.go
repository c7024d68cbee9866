package amd64

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// Guest-physical map. Everything below HimemStart is reserved for boot
// structures written by this package.
const (
	MiB = 1 << 20
	GiB = 1 << 30

	// MMIOMemStart is the start of the reserved hole below 4 GiB. RAM is
	// split around [MMIOMemStart, FirstAddrPast32Bits).
	MMIOMemStart        hv.GuestAddress = 3584 * MiB
	MMIOMemSize         uint64          = 0x1000_0000
	FirstAddrPast32Bits hv.GuestAddress = 4 * GiB

	// MaxAddress is the end of the 46-bit guest-physical space.
	MaxAddress hv.GuestAddress = 1 << 46

	MMIOSlotSize = 0x1000

	IRQBase = 5
	IRQMax  = 23
	// rtcAlarmIRQ is the CMOS RTC alarm line, never handed to devices.
	rtcAlarmIRQ = 8

	CmdlineMaxSize = 0x10000

	GDTStart        hv.GuestAddress = 0x500
	IDTStart        hv.GuestAddress = 0x520
	PVHInfoStart    hv.GuestAddress = 0x6000
	PVHModlistStart hv.GuestAddress = 0x6040
	PVHMemmapStart  hv.GuestAddress = 0x7000
	ZeroPageStart   hv.GuestAddress = 0x7000
	BootStackPtr    hv.GuestAddress = 0x8ff0
	PML4Start       hv.GuestAddress = 0x9000
	PDPTEStart      hv.GuestAddress = 0xa000
	PDEStart        hv.GuestAddress = 0xb000
	CmdlineStart    hv.GuestAddress = 0x20000
	EBDAStart       hv.GuestAddress = 0x9fc00
	HimemStart      hv.GuestAddress = 0x100000
)

var layout = abi.NewLayout(abi.Layout{
	Arch:           hv.ArchitectureX86_64,
	RAMStart:       0,
	MaxAddress:     MaxAddress,
	KernelStart:    HimemStart,
	MMIOMemStart:   MMIOMemStart,
	MMIOMemSize:    MMIOMemSize,
	MMIOSlotSize:   MMIOSlotSize,
	IRQBase:        IRQBase,
	IRQMax:         IRQMax,
	CmdlineMaxSize: CmdlineMaxSize,
}, []uint32{rtcAlarmIRQ}, []mmio.Kind{mmio.KindSerial, mmio.KindRtc})

// PlanRegions returns the RAM regions for memSize bytes of guest memory. The
// hole is the half-open range [MMIOMemStart, 4 GiB): a request of exactly
// MMIOMemStart bytes still fits in a single region.
func PlanRegions(memSize uint64) ([]hv.MemoryRegion, error) {
	if memSize == 0 || memSize%abi.PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x is not a non-zero multiple of %#x", abi.ErrInvalidMemorySize, memSize, abi.PageSize)
	}
	if memSize <= uint64(MMIOMemStart) {
		return []hv.MemoryRegion{{Start: 0, Size: memSize}}, nil
	}
	high := memSize - uint64(MMIOMemStart)
	end, ok := FirstAddrPast32Bits.CheckedAdd(high)
	if !ok || end > MaxAddress {
		return nil, fmt.Errorf("%w: %#x bytes would end past %s", abi.ErrInvalidMemorySize, memSize, MaxAddress)
	}
	return []hv.MemoryRegion{
		{Start: 0, Size: uint64(MMIOMemStart)},
		{Start: FirstAddrPast32Bits, Size: high},
	}, nil
}
