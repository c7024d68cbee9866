package amd64

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// PlaceImages positions the kernel at its fixed or ELF-reported base and the
// initrd immediately after the kernel footprint, page aligned, in the same
// region.
func PlaceImages(regions []hv.MemoryRegion, k abi.Kernel, initrdSize uint64) (abi.Placement, error) {
	kern, ok := k.(*Kernel)
	if !ok {
		return abi.Placement{}, fmt.Errorf("%s kernel is not an x86_64 image: %w", k.Format(), abi.ErrUnsupportedBootProtocol)
	}

	addr := kern.LoadAddress()
	size := kern.Footprint()
	idx, ok := hv.FindRegion(regions, addr, size)
	if !ok {
		return abi.Placement{}, fmt.Errorf("%w: %#x bytes at %s", abi.ErrKernelTooLarge, size, addr)
	}

	p := abi.Placement{
		KernelAddr: addr,
		KernelSize: size,
		Entry: abi.EntryPoint{
			Addr:     kern.EntryPoint(addr),
			Protocol: kern.Protocol(),
		},
	}
	if initrdSize == 0 {
		return p, nil
	}

	end, _ := addr.CheckedAdd(size)
	start, ok := end.AlignUp(abi.PageSize)
	if !ok || !regions[idx].Contains(start, initrdSize) {
		return abi.Placement{}, fmt.Errorf("%w: %#x bytes after kernel end %s in region %s",
			abi.ErrInitrdTooLarge, initrdSize, end, regions[idx])
	}
	if limit := kern.InitrdAddrMax(); limit != 0 && start+hv.GuestAddress(initrdSize-1) > limit {
		return abi.Placement{}, fmt.Errorf("%w: initrd would end above initrd_addr_max %s",
			abi.ErrInitrdTooLarge, limit)
	}
	p.Initrd = &abi.InitrdConfig{Address: start, Size: initrdSize}
	return p, nil
}

// LoadImages copies the kernel and initrd into guest memory.
func LoadImages(mem hv.GuestMemory, k abi.Kernel, p abi.Placement, initrd []byte) error {
	kern, ok := k.(*Kernel)
	if !ok {
		return fmt.Errorf("%s kernel is not an x86_64 image: %w", k.Format(), abi.ErrUnsupportedBootProtocol)
	}
	if err := kern.load(mem, p.KernelAddr); err != nil {
		return err
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
