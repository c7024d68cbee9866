package amd64

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

type kernelFormat int

const (
	kernelFormatBzImage kernelFormat = iota
	kernelFormatELF
)

type elfSegment struct {
	physAddr uint64
	memSize  uint64
	data     []byte
}

// Kernel is a parsed x86_64 kernel image, either a bzImage or an ELF vmlinux.
type Kernel struct {
	format   kernelFormat
	protocol abi.BootProtocol

	// bzImage-specific fields.
	Data          []byte
	Header        SetupHeader
	HeaderBytes   []byte
	PayloadOffset int

	// ELF-specific fields.
	elfSegments []elfSegment
	elfEntry    uint64
	elfMinPhys  uint64
	elfMaxPhys  uint64
	pvhEntry    uint64
	hasPVHEntry bool
}

var _ abi.Kernel = &Kernel{}

// ParseKernel detects the image format and the boot protocol to use. ELF
// images carrying a PVH entry note boot through PVH unless want asks for the
// Linux boot protocol; bzImages only support the Linux boot protocol.
func ParseKernel(r io.ReaderAt, size int64, want abi.BootProtocol) (*Kernel, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("read kernel image header: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}

	var (
		k   *Kernel
		err error
	)
	if bytes.Equal(magic[:], []byte{0x7f, 'E', 'L', 'F'}) {
		k, err = loadELFKernel(r)
	} else {
		k, err = loadBzImage(r, size)
	}
	if err != nil {
		return nil, err
	}

	switch want {
	case 0:
		k.protocol = abi.LinuxBoot
		if k.hasPVHEntry {
			k.protocol = abi.PvhBoot
		}
	case abi.LinuxBoot:
		k.protocol = abi.LinuxBoot
	case abi.PvhBoot:
		if !k.hasPVHEntry {
			return nil, fmt.Errorf("%s kernel has no PVH entry note: %w", k.Format(), abi.ErrUnsupportedBootProtocol)
		}
		k.protocol = abi.PvhBoot
	default:
		return nil, fmt.Errorf("%s: %w", want, abi.ErrUnsupportedBootProtocol)
	}
	return k, nil
}

// Format implements abi.Kernel.
func (k *Kernel) Format() string {
	if k.format == kernelFormatELF {
		return "elf"
	}
	return "bzImage"
}

// Protocol implements abi.Kernel.
func (k *Kernel) Protocol() abi.BootProtocol { return k.protocol }

// Footprint implements abi.Kernel. For a bzImage it covers the protected-mode
// payload or init_size, whichever is larger.
func (k *Kernel) Footprint() uint64 {
	if k.format == kernelFormatELF {
		return k.elfMaxPhys - k.elfMinPhys
	}
	n := uint64(len(k.Payload()))
	if init := uint64(k.Header.InitSize); init > n {
		n = init
	}
	return n
}

// LoadAddress returns where the kernel payload is loaded.
func (k *Kernel) LoadAddress() hv.GuestAddress {
	if k.format == kernelFormatELF {
		return hv.GuestAddress(k.elfMinPhys)
	}
	return HimemStart
}

// EntryPoint returns the entry address once the kernel is loaded at loadAddr.
// The Linux boot protocol places the 64-bit entry at load+0x200.
func (k *Kernel) EntryPoint(loadAddr hv.GuestAddress) hv.GuestAddress {
	switch {
	case k.protocol == abi.PvhBoot:
		return hv.GuestAddress(k.pvhEntry)
	case k.format == kernelFormatELF:
		return hv.GuestAddress(k.elfEntry)
	default:
		return loadAddr + 0x200
	}
}

// InitrdAddrMax is the highest address the kernel accepts for the last byte of
// the initrd.
func (k *Kernel) InitrdAddrMax() hv.GuestAddress {
	return hv.GuestAddress(k.Header.InitrdAddrMax)
}

// load copies the kernel into guest memory at loadAddr, zeroing the rest of its
// footprint.
func (k *Kernel) load(mem hv.GuestMemory, loadAddr hv.GuestAddress) error {
	if k.format == kernelFormatELF {
		for _, seg := range k.elfSegments {
			buf := make([]byte, seg.memSize)
			copy(buf, seg.data)
			if err := abi.WriteBytes(mem, hv.GuestAddress(seg.physAddr), buf); err != nil {
				return fmt.Errorf("write ELF segment: %w", err)
			}
		}
		return nil
	}
	buf := make([]byte, k.Footprint())
	copy(buf, k.Payload())
	if err := abi.WriteBytes(mem, loadAddr, buf); err != nil {
		return fmt.Errorf("write kernel payload: %w", err)
	}
	return nil
}
