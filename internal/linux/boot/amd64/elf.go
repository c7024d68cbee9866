package amd64

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	// elfInitrdMax mirrors the initrd_addr_max of a protocol 2.03+ bzImage.
	elfInitrdMax = 0x37ffffff

	// xenElfnotePhys32Entry is XEN_ELFNOTE_PHYS32_ENTRY, the 32-bit PVH
	// entry point.
	xenElfnotePhys32Entry = 18
	xenNoteName           = "Xen"
)

func loadELFKernel(kernel io.ReaderAt) (*Kernel, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported ELF machine %s: %w", f.Machine, abi.ErrUnsupportedBootProtocol)
	}
	if len(f.Progs) == 0 {
		return nil, fmt.Errorf("ELF kernel has no program headers: %w", abi.ErrUnsupportedBootProtocol)
	}

	k := &Kernel{format: kernelFormatELF}

	var minPhys, maxPhys uint64
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_NOTE:
			entry, ok, err := findPVHEntry(prog)
			if err != nil {
				return nil, err
			}
			if ok {
				k.pvhEntry = entry
				k.hasPVHEntry = true
			}
			continue
		case elf.PT_LOAD:
		default:
			continue
		}
		if prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x: %w", prog.Filesz, prog.Memsz, abi.ErrUnsupportedBootProtocol)
		}
		if prog.Memsz > uint64(math.MaxInt32) {
			return nil, fmt.Errorf("ELF segment mem size %#x exceeds host limits: %w", prog.Memsz, abi.ErrUnsupportedBootProtocol)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w: %w", prog.Off, err, abi.ErrUnsupportedBootProtocol)
			}
		}
		k.elfSegments = append(k.elfSegments, elfSegment{
			physAddr: prog.Paddr,
			memSize:  prog.Memsz,
			data:     data,
		})
		if minPhys == 0 || prog.Paddr < minPhys {
			minPhys = prog.Paddr
		}
		end := prog.Paddr + prog.Memsz
		if end < prog.Paddr {
			return nil, fmt.Errorf("ELF segment at %#x wraps the address space: %w", prog.Paddr, abi.ErrUnsupportedBootProtocol)
		}
		if end > maxPhys {
			maxPhys = end
		}
	}

	if len(k.elfSegments) == 0 {
		return nil, fmt.Errorf("ELF kernel has no loadable segments: %w", abi.ErrUnsupportedBootProtocol)
	}
	if minPhys == 0 {
		// Linux kernels are normally linked away from zero. Bail out instead of
		// trying to guess a relocation scheme.
		return nil, fmt.Errorf("ELF kernel min physical address is zero: %w", abi.ErrUnsupportedBootProtocol)
	}
	if span := maxPhys - minPhys; span > math.MaxUint32 {
		return nil, fmt.Errorf("ELF kernel span %#x exceeds 4GiB limit: %w", span, abi.ErrUnsupportedBootProtocol)
	}

	entry := f.Entry
	if entry < minPhys || entry >= maxPhys {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span [%#x, %#x): %w", entry, minPhys, maxPhys, abi.ErrUnsupportedBootProtocol)
	}

	// ELF images have no setup header; synthesize the fields the zero page
	// needs.
	k.Header = SetupHeader{
		ProtocolVersion: 0x020b,
		LoadFlags:       loadedHigh,
		XLoadFlags:      xlfKernel64,
		InitrdAddrMax:   elfInitrdMax,
		InitSize:        uint32(maxPhys - minPhys),
	}
	if f.Type == elf.ET_DYN {
		k.Header.Relocatable = true
	}
	k.elfEntry = entry
	k.elfMinPhys = minPhys
	k.elfMaxPhys = maxPhys
	return k, nil
}

// findPVHEntry scans a PT_NOTE segment for the Xen PHYS32_ENTRY note.
func findPVHEntry(prog *elf.Prog) (uint64, bool, error) {
	if prog.Filesz > 1<<20 {
		return 0, false, fmt.Errorf("ELF note segment of %#x bytes is too large: %w", prog.Filesz, abi.ErrUnsupportedBootProtocol)
	}
	buf := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(buf, 0); err != nil {
		return 0, false, fmt.Errorf("read ELF note segment: %w: %w", err, abi.ErrUnsupportedBootProtocol)
	}

	for len(buf) >= 12 {
		nameSize := uint64(binary.LittleEndian.Uint32(buf[0:]))
		descSize := uint64(binary.LittleEndian.Uint32(buf[4:]))
		noteType := binary.LittleEndian.Uint32(buf[8:])
		buf = buf[12:]

		nameLen := alignUp4(nameSize)
		descLen := alignUp4(descSize)
		if nameLen > uint64(len(buf)) || descLen > uint64(len(buf))-nameLen {
			return 0, false, fmt.Errorf("truncated ELF note: %w", abi.ErrUnsupportedBootProtocol)
		}
		name := buf[:nameSize]
		desc := buf[nameLen : nameLen+descSize]
		buf = buf[nameLen+descLen:]

		if noteType != xenElfnotePhys32Entry || string(bytesTrimNul(name)) != xenNoteName {
			continue
		}
		switch len(desc) {
		case 4:
			return uint64(binary.LittleEndian.Uint32(desc)), true, nil
		case 8:
			return binary.LittleEndian.Uint64(desc), true, nil
		default:
			return 0, false, fmt.Errorf("PVH entry note has %d byte descriptor: %w", len(desc), abi.ErrUnsupportedBootProtocol)
		}
	}
	return 0, false, nil
}

func alignUp4(n uint64) uint64 { return (n + 3) &^ 3 }

func bytesTrimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
