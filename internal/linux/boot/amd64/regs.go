package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	cr0_PE  = 1
	cr0_PG  = 1 << 31
	cr4_PAE = 1 << 5

	efer_LME = 1 << 8
	efer_LMA = 1 << 10

	rflagsReserved = 0x2
	fpuControlWord = 0x37f
	mxcsrDefault   = 0x1f80

	miscEnableFastString = 1

	pageTablePresentRW = 0x03
	pageSize2MiB       = 0x83
	pdeEntries         = 512
)

// GDT indices; selectors are index*8.
const (
	gdtNull = iota
	gdtCode
	gdtData
	gdtTSS
	gdtEntries
)

var (
	linuxBootGDT = [gdtEntries]uint64{
		gdtNull: gdtEntry(0, 0, 0),
		gdtCode: gdtEntry(0xa09b, 0, 0xfffff),
		gdtData: gdtEntry(0xc093, 0, 0xfffff),
		gdtTSS:  gdtEntry(0x808b, 0, 0xfffff),
	}
	pvhBootGDT = [gdtEntries]uint64{
		gdtNull: gdtEntry(0, 0, 0),
		gdtCode: gdtEntry(0xc09b, 0, 0xffffffff),
		gdtData: gdtEntry(0xc093, 0, 0xffffffff),
		gdtTSS:  gdtEntry(0x008b, 0, 0x67),
	}
)

// gdtEntry packs a segment descriptor from its flags, base and limit.
func gdtEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

// segmentFromGDT unpacks descriptor entry at index into the form the vCPU
// consumes.
func segmentFromGDT(entry uint64, index int) hv.Segment {
	limit := uint32((entry&0x000f_0000_0000_0000)>>32 | entry&0xffff)
	g := uint8(entry >> 55 & 1)
	if g != 0 {
		limit = limit<<12 | 0xfff
	}
	return hv.Segment{
		Base:     (entry&0xff00_0000_0000_0000)>>32 | (entry&0x0000_00ff_0000_0000)>>16 | (entry&0x0000_0000_ffff_0000)>>16,
		Limit:    limit,
		Selector: uint16(index * 8),
		Type:     uint8(entry >> 40 & 0xf),
		S:        uint8(entry >> 44 & 1),
		DPL:      uint8(entry >> 45 & 3),
		Present:  uint8(entry >> 47 & 1),
		AVL:      uint8(entry >> 52 & 1),
		L:        uint8(entry >> 53 & 1),
		DB:       uint8(entry >> 54 & 1),
		G:        g,
	}
}

// InitRegisters returns the initial register file of vCPU cpu. For cpu 0 the
// descriptor tables and, for the Linux boot protocol, the identity-mapped page
// tables are written to guest memory first. Secondary vCPUs share those
// tables and only compute registers.
func InitRegisters(mem hv.GuestMemory, entry abi.EntryPoint, regions []hv.MemoryRegion, cpu int) (hv.RegisterFile, error) {
	var gdt [gdtEntries]uint64
	switch entry.Protocol {
	case abi.LinuxBoot:
		gdt = linuxBootGDT
	case abi.PvhBoot:
		gdt = pvhBootGDT
	default:
		return nil, fmt.Errorf("%s: %w", entry.Protocol, abi.ErrUnsupportedBootProtocol)
	}
	if _, ok := hv.FindRegion(regions, 0, uint64(PDEStart)+abi.PageSize); !ok {
		return nil, fmt.Errorf("%w: boot tables need low memory", abi.ErrInvalidMemorySize)
	}

	if cpu == 0 {
		if err := writeDescriptorTables(mem, gdt); err != nil {
			return nil, err
		}
		if entry.Protocol == abi.LinuxBoot {
			if err := writePageTables(mem); err != nil {
				return nil, err
			}
		}
	}

	regs := hv.RegisterFile{
		hv.RegisterAMD64Rip:    hv.Register64(entry.Addr),
		hv.RegisterAMD64Rflags: hv.Register64(rflagsReserved),
		hv.RegisterAMD64Gdtr: hv.DescriptorTable{
			Base:  uint64(GDTStart),
			Limit: uint16(gdtEntries*8 - 1),
		},
		hv.RegisterAMD64Idtr: hv.DescriptorTable{
			Base:  uint64(IDTStart),
			Limit: 7,
		},
	}

	code := segmentFromGDT(gdt[gdtCode], gdtCode)
	data := segmentFromGDT(gdt[gdtData], gdtData)
	regs[hv.RegisterAMD64Cs] = code
	for _, r := range []hv.Register{
		hv.RegisterAMD64Ds,
		hv.RegisterAMD64Es,
		hv.RegisterAMD64Fs,
		hv.RegisterAMD64Gs,
		hv.RegisterAMD64Ss,
	} {
		regs[r] = data
	}
	regs[hv.RegisterAMD64Tr] = segmentFromGDT(gdt[gdtTSS], gdtTSS)

	switch entry.Protocol {
	case abi.LinuxBoot:
		regs[hv.RegisterAMD64Rsp] = hv.Register64(BootStackPtr)
		regs[hv.RegisterAMD64Rbp] = hv.Register64(BootStackPtr)
		regs[hv.RegisterAMD64Rsi] = hv.Register64(ZeroPageStart)
		regs[hv.RegisterAMD64Cr0] = hv.Register64(cr0_PE | cr0_PG)
		regs[hv.RegisterAMD64Cr3] = hv.Register64(PML4Start)
		regs[hv.RegisterAMD64Cr4] = hv.Register64(cr4_PAE)
		regs[hv.RegisterAMD64Efer] = hv.Register64(efer_LME | efer_LMA)
	case abi.PvhBoot:
		regs[hv.RegisterAMD64Rbx] = hv.Register64(PVHInfoStart)
		regs[hv.RegisterAMD64Cr0] = hv.Register64(cr0_PE)
		regs[hv.RegisterAMD64Cr4] = hv.Register64(0)
	}

	regs[hv.RegisterAMD64Fcw] = hv.Register64(fpuControlWord)
	regs[hv.RegisterAMD64Mxcsr] = hv.Register64(mxcsrDefault)
	for _, msr := range []hv.Register{
		hv.RegisterAMD64MsrSysenterCs,
		hv.RegisterAMD64MsrSysenterEsp,
		hv.RegisterAMD64MsrSysenterEip,
		hv.RegisterAMD64MsrStar,
		hv.RegisterAMD64MsrCstar,
		hv.RegisterAMD64MsrKernelGsBase,
		hv.RegisterAMD64MsrSyscallMask,
		hv.RegisterAMD64MsrLstar,
		hv.RegisterAMD64MsrTsc,
	} {
		regs[msr] = hv.Register64(0)
	}
	regs[hv.RegisterAMD64MsrMiscEnable] = hv.Register64(miscEnableFastString)

	return regs, nil
}

func writeDescriptorTables(mem hv.GuestMemory, gdt [gdtEntries]uint64) error {
	buf := make([]byte, 0, gdtEntries*8)
	for _, e := range gdt {
		buf = binary.LittleEndian.AppendUint64(buf, e)
	}
	if err := abi.WriteBytes(mem, GDTStart, buf); err != nil {
		return fmt.Errorf("write GDT: %w", err)
	}
	if err := abi.WriteBytes(mem, IDTStart, make([]byte, 8)); err != nil {
		return fmt.Errorf("write IDT: %w", err)
	}
	return nil
}

// writePageTables identity maps the first GiB with 2 MiB pages.
func writePageTables(mem hv.GuestMemory) error {
	entry := make([]byte, 8)
	binary.LittleEndian.PutUint64(entry, uint64(PDPTEStart)|pageTablePresentRW)
	if err := abi.WriteBytes(mem, PML4Start, entry); err != nil {
		return fmt.Errorf("write PML4: %w", err)
	}
	binary.LittleEndian.PutUint64(entry, uint64(PDEStart)|pageTablePresentRW)
	if err := abi.WriteBytes(mem, PDPTEStart, entry); err != nil {
		return fmt.Errorf("write PDPTE: %w", err)
	}

	pde := make([]byte, 0, pdeEntries*8)
	for i := uint64(0); i < pdeEntries; i++ {
		pde = binary.LittleEndian.AppendUint64(pde, i<<21|pageSize2MiB)
	}
	if err := abi.WriteBytes(mem, PDEStart, pde); err != nil {
		return fmt.Errorf("write PDE: %w", err)
	}
	return nil
}
