package amd64

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// xlfKernel64 is XLF_KERNEL_64: the image has a 64-bit entry at +0x200.
const xlfKernel64 = 0x1

// SetupHeader holds the setup_header fields the loader acts on.
type SetupHeader struct {
	SetupSectors    uint8
	ProtocolVersion uint16
	LoadFlags       uint8
	XLoadFlags      uint16
	InitrdAddrMax   uint32
	InitSize        uint32
	Relocatable     bool
}

func loadBzImage(r io.ReaderAt, size int64) (*Kernel, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("read bzImage kernel: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}
	k := &Kernel{format: kernelFormatBzImage, Data: data}
	if err := k.parseHeader(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) parseHeader() error {
	data := k.Data
	if len(data) < hdrEnd {
		return fmt.Errorf("kernel image too small: %w", abi.ErrUnsupportedBootProtocol)
	}
	if string(data[hdrSignature:hdrSignature+4]) != hdrMagic {
		return fmt.Errorf("missing HdrS signature, not a bzImage or ELF kernel: %w", abi.ErrUnsupportedBootProtocol)
	}

	// The jump at 0x200 lands just past the header, so its displacement
	// gives the header length.
	end := hdrSignature + int(data[hdrJumpLen])
	if end > len(data) || end <= hdrStart {
		return fmt.Errorf("invalid setup header length %d: %w", data[hdrJumpLen], abi.ErrUnsupportedBootProtocol)
	}
	k.HeaderBytes = append([]byte(nil), data[hdrStart:end]...)

	le := binary.LittleEndian
	h := SetupHeader{
		SetupSectors:    data[hdrStart],
		ProtocolVersion: le.Uint16(data[hdrVersion:]),
		LoadFlags:       data[hdrLoadFlags],
		XLoadFlags:      le.Uint16(data[hdrXLoadFlags:]),
		InitrdAddrMax:   le.Uint32(data[hdrInitrdAddrMax:]),
		InitSize:        le.Uint32(data[hdrInitSize:]),
		Relocatable:     data[hdrRelocatable] != 0,
	}
	if h.SetupSectors == 0 {
		h.SetupSectors = 4
	}
	k.Header = h

	k.PayloadOffset = 512 * (1 + int(h.SetupSectors))
	if k.PayloadOffset > len(data) {
		return fmt.Errorf("payload offset %d exceeds image size %d: %w", k.PayloadOffset, len(data), abi.ErrUnsupportedBootProtocol)
	}
	if h.XLoadFlags&xlfKernel64 == 0 {
		return fmt.Errorf("kernel does not advertise a 64-bit entry: %w", abi.ErrUnsupportedBootProtocol)
	}
	return nil
}

// Payload returns the protected-mode part of a bzImage.
func (k *Kernel) Payload() []byte {
	if k.format != kernelFormatBzImage {
		return nil
	}
	return k.Data[k.PayloadOffset:]
}
