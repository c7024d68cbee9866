// Package arm64 implements the arm64 Linux boot protocol: Image placement, a
// generated device tree and the initial EL1 register state.
package arm64

import (
	"io"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// Arch is the arm64 boot capability set.
type Arch struct {
	abi.Sealed
}

var _ abi.Architecture = Arch{}

func (Arch) Name() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (Arch) Layout() abi.Layout { return layout }

func (Arch) PlanRegions(memSize uint64) ([]hv.MemoryRegion, error) { return PlanRegions(memSize) }

func (Arch) ParseKernel(r io.ReaderAt, size int64, want abi.BootProtocol) (abi.Kernel, error) {
	k, err := ParseKernel(r, size, want)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (Arch) PlaceImages(regions []hv.MemoryRegion, k abi.Kernel, initrdSize uint64) (abi.Placement, error) {
	return PlaceImages(regions, k, initrdSize)
}

func (Arch) LoadImages(mem hv.GuestMemory, k abi.Kernel, p abi.Placement, initrd []byte) error {
	return LoadImages(mem, k, p, initrd)
}

func (Arch) Cmdline(base string, bindings []mmio.Binding) string { return Cmdline(base, bindings) }

func (Arch) WriteCmdline(mem hv.GuestMemory, cmdline string) error { return WriteCmdline(mem, cmdline) }

func (Arch) WriteBootParams(mem hv.GuestMemory, p abi.BootParams) error {
	return WriteBootParams(mem, p)
}

func (Arch) InitRegisters(mem hv.GuestMemory, entry abi.EntryPoint, regions []hv.MemoryRegion, cpu int) (hv.RegisterFile, error) {
	return InitRegisters(mem, entry, regions, cpu)
}
