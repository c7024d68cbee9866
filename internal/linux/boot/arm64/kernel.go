package arm64

import (
	"fmt"
	"io"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// Kernel is a parsed arm64 Image.
type Kernel struct {
	Header  KernelHeader
	payload []byte
}

var _ abi.Kernel = &Kernel{}

// ParseKernel parses a raw or gzip-compressed arm64 Image. Only the Linux boot
// protocol exists on arm64.
func ParseKernel(r io.ReaderAt, size int64, want abi.BootProtocol) (*Kernel, error) {
	if want != 0 && want != abi.LinuxBoot {
		return nil, fmt.Errorf("arm64 cannot boot with the %s: %w", want, abi.ErrUnsupportedBootProtocol)
	}
	payload, hdr, err := readImage(r, size)
	if err != nil {
		return nil, err
	}
	return &Kernel{Header: hdr, payload: payload}, nil
}

// Payload returns the Image bytes as they appear in guest RAM.
func (k *Kernel) Payload() []byte { return k.payload }

func (k *Kernel) Format() string { return "Image" }

func (k *Kernel) Protocol() abi.BootProtocol { return abi.LinuxBoot }

// Footprint is the larger of the header's image_size and the payload length.
func (k *Kernel) Footprint() uint64 {
	n := uint64(len(k.payload))
	if k.Header.ImageSize > n {
		n = k.Header.ImageSize
	}
	return n
}

// LoadAddress returns the kernel load address: text_offset above the first
// 2 MiB aligned address past the reserved system memory.
func (k *Kernel) LoadAddress() hv.GuestAddress {
	base, _ := (DRAMMemStart + SystemMemSize).AlignUp(imageLoadAlignment)
	return base + hv.GuestAddress(k.Header.TextOffset)
}
