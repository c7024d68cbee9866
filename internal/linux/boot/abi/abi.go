// Package abi holds the types shared by every architecture's boot code: the
// boot protocol tag, entry point, image placement and the constant layout
// record each architecture publishes.
package abi

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
)

var (
	ErrInvalidMemorySize       = errors.New("invalid guest memory size")
	ErrKernelTooLarge          = errors.New("kernel does not fit in guest memory")
	ErrInitrdTooLarge          = errors.New("initrd does not fit in guest memory")
	ErrCmdlineTooLarge         = errors.New("kernel command line too large")
	ErrUnsupportedBootProtocol = errors.New("unsupported boot protocol")
	ErrRegisterSetupFailure    = errors.New("failed to set up vCPU registers")
	ErrAlreadyConfigured       = errors.New("boot already configured")
	ErrInitrdUnreadable        = errors.New("initrd could not be read in full")
	ErrUnsupportedArchitecture = errors.New("unsupported guest architecture")
)

// PageSize is the guest page size on every supported architecture.
const PageSize = 4096

// BootProtocol names the ABI used to hand control to the guest kernel. The
// zero value means no protocol was requested and the kernel image decides.
type BootProtocol uint8

const (
	LinuxBoot BootProtocol = iota + 1
	PvhBoot
)

func (p BootProtocol) String() string {
	switch p {
	case LinuxBoot:
		return "Linux 64-bit boot protocol"
	case PvhBoot:
		return "PVH boot protocol"
	case 0:
		return "auto"
	default:
		return fmt.Sprintf("BootProtocol(%d)", uint8(p))
	}
}

// EntryPoint is where vCPU 0 starts executing and the protocol it expects.
type EntryPoint struct {
	Addr     hv.GuestAddress
	Protocol BootProtocol
}

// InitrdConfig records where the initial ramdisk was placed.
type InitrdConfig struct {
	Address hv.GuestAddress
	Size    uint64
}

// Kernel is a parsed kernel image. Each architecture supplies its own concrete
// type.
type Kernel interface {
	// Format is a short name such as "bzImage", "elf" or "Image".
	Format() string
	// Protocol is the boot protocol the image will be started with.
	Protocol() BootProtocol
	// Footprint is the number of bytes the loaded image occupies in guest
	// memory, including uninitialized space the kernel expects to be zero.
	Footprint() uint64
}

// Placement is the result of positioning the kernel and initrd.
type Placement struct {
	KernelAddr hv.GuestAddress
	KernelSize uint64
	Entry      EntryPoint
	Initrd     *InitrdConfig
}

// BootParams is everything an architecture needs to write its boot structures.
type BootParams struct {
	Regions   []hv.MemoryRegion
	Kernel    Kernel
	Placement Placement
	Cmdline   string
	Bindings  []mmio.Binding
	VCPUs     int
}

// Layout is the constant memory and interrupt map of an architecture. Values
// are fixed per build; snapshot restore depends on them staying unchanged.
type Layout struct {
	Arch hv.CpuArchitecture

	// RAMStart is the address of the first guest RAM byte.
	RAMStart hv.GuestAddress
	// MaxAddress bounds the end of guest RAM (exclusive).
	MaxAddress hv.GuestAddress
	// KernelStart is the lowest address a kernel is loaded at.
	KernelStart hv.GuestAddress

	MMIOMemStart hv.GuestAddress
	MMIOMemSize  uint64
	MMIOSlotSize uint64

	IRQBase uint32
	IRQMax  uint32

	CmdlineMaxSize uint64

	reservedIRQs []uint32
	unsupported  []mmio.Kind
}

// NewLayout builds a layout with the given reserved interrupt lines and
// device kinds that cannot be attached over MMIO.
func NewLayout(l Layout, reservedIRQs []uint32, unsupported []mmio.Kind) Layout {
	l.reservedIRQs = slices.Clone(reservedIRQs)
	l.unsupported = slices.Clone(unsupported)
	return l
}

// ReservedIRQs returns the platform interrupt lines devices never receive.
func (l Layout) ReservedIRQs() []uint32 { return slices.Clone(l.reservedIRQs) }

// Pool returns the MMIO and interrupt pool devices are allocated from.
func (l Layout) Pool() mmio.Pool {
	return mmio.Pool{
		MMIOBase:     l.MMIOMemStart,
		MMIOSize:     l.MMIOMemSize,
		SlotSize:     l.MMIOSlotSize,
		IRQBase:      l.IRQBase,
		IRQMax:       l.IRQMax,
		ReservedIRQs: slices.Clone(l.reservedIRQs),
		Unsupported:  slices.Clone(l.unsupported),
	}
}

// Compatible reports whether device bindings made under l remain valid under
// other.
func (l Layout) Compatible(other Layout) bool {
	return l.Arch == other.Arch &&
		l.MMIOMemStart == other.MMIOMemStart &&
		l.MMIOMemSize == other.MMIOMemSize &&
		l.MMIOSlotSize == other.MMIOSlotSize &&
		l.IRQBase == other.IRQBase &&
		l.IRQMax == other.IRQMax &&
		l.CmdlineMaxSize == other.CmdlineMaxSize &&
		slices.Equal(l.reservedIRQs, other.reservedIRQs)
}

// Architecture is the boot capability set of one CPU architecture. The
// interface is sealed; the implementations live in the amd64 and arm64
// packages.
type Architecture interface {
	Name() hv.CpuArchitecture
	Layout() Layout

	// PlanRegions splits memSize bytes of guest RAM around the reserved
	// holes of the architecture.
	PlanRegions(memSize uint64) ([]hv.MemoryRegion, error)

	// ParseKernel identifies and parses a kernel image. want selects the
	// boot protocol; zero lets the image decide.
	ParseKernel(r io.ReaderAt, size int64, want BootProtocol) (Kernel, error)

	// PlaceImages chooses load addresses for the kernel and an optional
	// initrd of initrdSize bytes.
	PlaceImages(regions []hv.MemoryRegion, k Kernel, initrdSize uint64) (Placement, error)

	// LoadImages copies the kernel and initrd to their placed addresses.
	LoadImages(mem hv.GuestMemory, k Kernel, p Placement, initrd []byte) error

	// Cmdline returns the command line the guest sees once devices have
	// been described to it.
	Cmdline(base string, bindings []mmio.Binding) string

	// WriteCmdline stores the command line at its protocol-fixed address.
	WriteCmdline(mem hv.GuestMemory, cmdline string) error

	// WriteBootParams serializes the protocol parameter block.
	WriteBootParams(mem hv.GuestMemory, p BootParams) error

	// InitRegisters writes any descriptor or page tables vCPU cpu needs and
	// returns its initial register file.
	InitRegisters(mem hv.GuestMemory, entry EntryPoint, regions []hv.MemoryRegion, cpu int) (hv.RegisterFile, error)

	sealed()
}

// Sealed is embedded by Architecture implementations.
type Sealed struct{}

func (Sealed) sealed() {}

// WriteBytes writes b at addr, which must lie in a single region of mem.
func WriteBytes(mem hv.GuestMemory, addr hv.GuestAddress, b []byte) error {
	if _, ok := hv.FindRegion(mem.Regions(), addr, uint64(len(b))); !ok {
		return fmt.Errorf("write %d bytes at %s: %w", len(b), addr, hv.ErrGuestMemory)
	}
	if _, err := mem.WriteAt(b, int64(addr)); err != nil {
		return fmt.Errorf("write %d bytes at %s: %w", len(b), addr, err)
	}
	return nil
}

// WriteCString writes s followed by a NUL byte at addr.
func WriteCString(mem hv.GuestMemory, addr hv.GuestAddress, s string) error {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return WriteBytes(mem, addr, buf)
}
