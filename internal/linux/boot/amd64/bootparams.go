package amd64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	e820EntrySize         = 20
	e820MaxEntries        = 128
	e820RAM        uint32 = 1

	typeOfLoaderUnknown uint8 = 0xff
	loadedHigh          uint8 = 1 << 0
	canUseHeapFlag      uint8 = 1 << 7
	bootFlagMagic             = 0xaa55
	kernelAlignment           = 0x100_0000

	pvhStartInfoMagic   = 0x336ec578
	pvhStartInfoVersion = 1
	pvhStartInfoSize    = 56
	pvhModlistEntrySize = 32
	pvhMemmapEntrySize  = 24
)

// E820Entry describes a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// E820Map returns the RAM ranges handed to the guest: low memory below the
// EBDA, RAM from 1 MiB up to the MMIO hole and anything above 4 GiB.
func E820Map(regions []hv.MemoryRegion) ([]E820Entry, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: no regions", abi.ErrInvalidMemorySize)
	}
	end, ok := regions[len(regions)-1].End()
	if !ok || end <= HimemStart {
		return nil, fmt.Errorf("%w: guest memory ends at %s, below %s", abi.ErrInvalidMemorySize, end, HimemStart)
	}

	entries := []E820Entry{{Addr: 0, Size: uint64(EBDAStart), Type: e820RAM}}
	low := min(end, MMIOMemStart)
	entries = append(entries, E820Entry{
		Addr: uint64(HimemStart),
		Size: uint64(low - HimemStart),
		Type: e820RAM,
	})
	if end > FirstAddrPast32Bits {
		entries = append(entries, E820Entry{
			Addr: uint64(FirstAddrPast32Bits),
			Size: uint64(end - FirstAddrPast32Bits),
			Type: e820RAM,
		})
	}
	return entries, nil
}

// Cmdline appends a virtio_mmio.device= fragment for every virtio binding so
// the guest can discover the transports without a device tree.
func Cmdline(base string, bindings []mmio.Binding) string {
	var sb strings.Builder
	sb.WriteString(base)
	for _, b := range bindings {
		if b.Device.Kind != mmio.KindVirtio {
			continue
		}
		irq, ok := b.IRQ()
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "virtio_mmio.device=%dK@%#x:%d", b.Window.Size/1024, uint64(b.Window.Base), irq)
	}
	return sb.String()
}

// WriteCmdline stores the NUL-terminated command line at CmdlineStart.
func WriteCmdline(mem hv.GuestMemory, cmdline string) error {
	if len(cmdline) > CmdlineMaxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", abi.ErrCmdlineTooLarge, len(cmdline), CmdlineMaxSize)
	}
	if err := abi.WriteCString(mem, CmdlineStart, cmdline); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}
	return nil
}

// WriteBootParams writes the zero page for the Linux boot protocol or the
// hvm_start_info block for PVH.
func WriteBootParams(mem hv.GuestMemory, p abi.BootParams) error {
	e820, err := E820Map(p.Regions)
	if err != nil {
		return err
	}
	switch p.Placement.Entry.Protocol {
	case abi.LinuxBoot:
		kern, ok := p.Kernel.(*Kernel)
		if !ok {
			return fmt.Errorf("zero page needs an x86_64 kernel: %w", abi.ErrUnsupportedBootProtocol)
		}
		zp, err := kern.buildZeroPage(len(p.Cmdline), p.Placement.Initrd, e820)
		if err != nil {
			return err
		}
		if err := abi.WriteBytes(mem, ZeroPageStart, zp); err != nil {
			return fmt.Errorf("write zero page: %w", err)
		}
		return nil
	case abi.PvhBoot:
		return writePVHStartInfo(mem, p.Placement.Initrd, e820)
	default:
		return fmt.Errorf("%s: %w", p.Placement.Entry.Protocol, abi.ErrUnsupportedBootProtocol)
	}
}

// buildZeroPage lays out boot_params according to the Linux x86 boot
// protocol. The command line itself lives at CmdlineStart.
func (k *Kernel) buildZeroPage(cmdlineLen int, initrd *abi.InitrdConfig, e820 []E820Entry) ([]byte, error) {
	zp := make([]byte, zeroPageSize)

	if len(k.HeaderBytes) > zeroPageSize-hdrStart {
		return nil, fmt.Errorf("setup header larger than zero page space")
	}
	copy(zp[hdrStart:], k.HeaderBytes)

	binary.LittleEndian.PutUint16(zp[hdrBootFlag:], bootFlagMagic)
	copy(zp[hdrSignature:], hdrMagic)
	binary.LittleEndian.PutUint16(zp[hdrVersion:], k.Header.ProtocolVersion)
	zp[hdrTypeOfLoader] = typeOfLoaderUnknown

	loadFlags := k.Header.LoadFlags | loadedHigh | canUseHeapFlag
	zp[hdrLoadFlags] = loadFlags
	binary.LittleEndian.PutUint16(zp[hdrHeapEndPtr:], 0xe000-0x200)

	binary.LittleEndian.PutUint32(zp[hdrKernelAlignment:], kernelAlignment)
	binary.LittleEndian.PutUint16(zp[hdrXLoadFlags:], k.Header.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[hdrInitrdAddrMax:], k.Header.InitrdAddrMax)
	binary.LittleEndian.PutUint32(zp[hdrInitSize:], k.Header.InitSize)
	binary.LittleEndian.PutUint32(zp[hdrCode32Start:], uint32(HimemStart))

	binary.LittleEndian.PutUint32(zp[hdrCmdLinePtr:], uint32(CmdlineStart))
	binary.LittleEndian.PutUint32(zp[hdrCmdlineSize:], uint32(cmdlineLen+1))

	if initrd != nil {
		if uint64(initrd.Address)+initrd.Size > 1<<32 {
			return nil, fmt.Errorf("%w: initrd at %s above 4 GiB", abi.ErrInitrdTooLarge, initrd.Address)
		}
		binary.LittleEndian.PutUint32(zp[hdrRamdiskImage:], uint32(initrd.Address))
		binary.LittleEndian.PutUint32(zp[hdrRamdiskSize:], uint32(initrd.Size))
	}

	if len(e820) > e820MaxEntries {
		return nil, fmt.Errorf("too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}
	zp[bpE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := bpE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}
	return zp, nil
}

// writePVHStartInfo writes hvm_start_info, the module list for the initrd and
// the memory map.
func writePVHStartInfo(mem hv.GuestMemory, initrd *abi.InitrdConfig, e820 []E820Entry) error {
	info := make([]byte, pvhStartInfoSize)
	binary.LittleEndian.PutUint32(info[0:], pvhStartInfoMagic)
	binary.LittleEndian.PutUint32(info[4:], pvhStartInfoVersion)
	binary.LittleEndian.PutUint64(info[24:], uint64(CmdlineStart))
	binary.LittleEndian.PutUint64(info[40:], uint64(PVHMemmapStart))
	binary.LittleEndian.PutUint32(info[48:], uint32(len(e820)))

	if initrd != nil {
		mod := make([]byte, pvhModlistEntrySize)
		binary.LittleEndian.PutUint64(mod[0:], uint64(initrd.Address))
		binary.LittleEndian.PutUint64(mod[8:], initrd.Size)
		if err := abi.WriteBytes(mem, PVHModlistStart, mod); err != nil {
			return fmt.Errorf("write PVH module list: %w", err)
		}
		binary.LittleEndian.PutUint32(info[12:], 1)
		binary.LittleEndian.PutUint64(info[16:], uint64(PVHModlistStart))
	}

	memmap := make([]byte, 0, len(e820)*pvhMemmapEntrySize)
	for _, ent := range e820 {
		memmap = binary.LittleEndian.AppendUint64(memmap, ent.Addr)
		memmap = binary.LittleEndian.AppendUint64(memmap, ent.Size)
		memmap = binary.LittleEndian.AppendUint32(memmap, ent.Type)
		memmap = binary.LittleEndian.AppendUint32(memmap, 0)
	}
	if err := abi.WriteBytes(mem, PVHMemmapStart, memmap); err != nil {
		return fmt.Errorf("write PVH memory map: %w", err)
	}
	if err := abi.WriteBytes(mem, PVHInfoStart, info); err != nil {
		return fmt.Errorf("write PVH start info: %w", err)
	}
	return nil
}
