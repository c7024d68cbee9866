package arm64

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// PlaceImages loads the kernel at its fixed base and puts the initrd at the
// top of the first region, page aligned, directly below the device tree.
func PlaceImages(regions []hv.MemoryRegion, k abi.Kernel, initrdSize uint64) (abi.Placement, error) {
	kern, ok := k.(*Kernel)
	if !ok {
		return abi.Placement{}, fmt.Errorf("%s kernel is not an arm64 Image: %w", k.Format(), abi.ErrUnsupportedBootProtocol)
	}
	fdtAddr, err := FDTAddress(regions)
	if err != nil {
		return abi.Placement{}, err
	}

	addr := kern.LoadAddress()
	size := kern.Footprint()
	kernelEnd, ok := addr.CheckedAdd(size)
	if _, found := hv.FindRegion(regions, addr, size); !found || !ok || kernelEnd > fdtAddr {
		return abi.Placement{}, fmt.Errorf("%w: %#x bytes at %s", abi.ErrKernelTooLarge, size, addr)
	}

	p := abi.Placement{
		KernelAddr: addr,
		KernelSize: size,
		Entry:      abi.EntryPoint{Addr: addr, Protocol: abi.LinuxBoot},
	}
	if initrdSize == 0 {
		return p, nil
	}

	start, ok := fdtAddr.CheckedSub(initrdSize)
	if ok {
		start = start.AlignDown(abi.PageSize)
	}
	if !ok || start < kernelEnd {
		return abi.Placement{}, fmt.Errorf("%w: %#x bytes between kernel end %s and device tree %s",
			abi.ErrInitrdTooLarge, initrdSize, kernelEnd, fdtAddr)
	}
	p.Initrd = &abi.InitrdConfig{Address: start, Size: initrdSize}
	return p, nil
}

// LoadImages copies the Image and initrd into guest memory.
func LoadImages(mem hv.GuestMemory, k abi.Kernel, p abi.Placement, initrd []byte) error {
	kern, ok := k.(*Kernel)
	if !ok {
		return fmt.Errorf("%s kernel is not an arm64 Image: %w", k.Format(), abi.ErrUnsupportedBootProtocol)
	}
	buf := make([]byte, kern.Footprint())
	copy(buf, kern.Payload())
	if err := abi.WriteBytes(mem, p.KernelAddr, buf); err != nil {
		return fmt.Errorf("write arm64 kernel: %w", err)
	}
	if p.Initrd == nil {
		return nil
	}
	if uint64(len(initrd)) != p.Initrd.Size {
		return fmt.Errorf("initrd is %d bytes, placement reserved %d", len(initrd), p.Initrd.Size)
	}
	if err := abi.WriteBytes(mem, p.Initrd.Address, initrd); err != nil {
		return fmt.Errorf("write initrd: %w", err)
	}
	return nil
}
