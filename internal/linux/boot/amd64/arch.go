// Package amd64 implements the x86_64 boot protocols: the Linux 64-bit boot
// protocol for bzImage and ELF kernels, and PVH for ELF kernels that carry a
// PVH entry note.
package amd64

import (
	"io"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// Arch is the x86_64 boot capability set.
type Arch struct {
	abi.Sealed
}

var _ abi.Architecture = Arch{}

func (Arch) Name() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

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
