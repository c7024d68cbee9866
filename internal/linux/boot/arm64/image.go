package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	imageHeaderSize    = 64
	imageMagicOffset   = 56
	imageMagic         = 0x644d5241 // "ARM\x64"
	imageLoadAlignment = 2 << 20

	// gzipScanLimit bounds the search for a gzip member behind a
	// decompression stub.
	gzipScanLimit = 1 << 20
)

var gzipMagic = []byte{0x1f, 0x8b}

// KernelHeader is the part of the Image header used for placement.
type KernelHeader struct {
	TextOffset uint64
	ImageSize  uint64
}

func decodeHeader(b []byte) (KernelHeader, bool) {
	if len(b) < imageHeaderSize || binary.LittleEndian.Uint32(b[imageMagicOffset:]) != imageMagic {
		return KernelHeader{}, false
	}
	return KernelHeader{
		TextOffset: binary.LittleEndian.Uint64(b[8:]),
		ImageSize:  binary.LittleEndian.Uint64(b[16:]),
	}, true
}

// readImage loads a raw Image, or inflates one stored as a gzip member
// somewhere in the first gzipScanLimit bytes.
func readImage(r io.ReaderAt, size int64) ([]byte, KernelHeader, error) {
	if size < imageHeaderSize {
		return nil, KernelHeader{}, fmt.Errorf("arm64 kernel image too small (%d bytes): %w", size, abi.ErrUnsupportedBootProtocol)
	}
	raw, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, KernelHeader{}, fmt.Errorf("read arm64 kernel: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}
	if hdr, ok := decodeHeader(raw); ok {
		return raw, hdr, nil
	}

	idx := bytes.Index(raw[:min(len(raw), gzipScanLimit)], gzipMagic)
	if idx < 0 {
		return nil, KernelHeader{}, fmt.Errorf("no arm64 Image magic and no gzip payload: %w", abi.ErrUnsupportedBootProtocol)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw[idx:]))
	if err != nil {
		return nil, KernelHeader{}, fmt.Errorf("open gzip payload: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, KernelHeader{}, fmt.Errorf("decompress arm64 image: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, KernelHeader{}, fmt.Errorf("decompressed payload is not an arm64 Image: %w", abi.ErrUnsupportedBootProtocol)
	}
	return data, hdr, nil
}
