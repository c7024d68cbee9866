package amd64

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

func TestE820Map(t *testing.T) {
	e820, err := E820Map(mustPlan(t, 4096*MiB))
	if err != nil {
		t.Fatalf("E820Map: %v", err)
	}
	want := []E820Entry{
		{Addr: 0, Size: uint64(EBDAStart), Type: e820RAM},
		{Addr: uint64(HimemStart), Size: uint64(MMIOMemStart - HimemStart), Type: e820RAM},
		{Addr: uint64(FirstAddrPast32Bits), Size: 512 * MiB, Type: e820RAM},
	}
	if len(e820) != len(want) {
		t.Fatalf("e820 = %+v", e820)
	}
	for i := range want {
		if e820[i] != want[i] {
			t.Fatalf("e820[%d] = %+v, want %+v", i, e820[i], want[i])
		}
	}

	e820, err = E820Map(mustPlan(t, 128*MiB))
	if err != nil {
		t.Fatalf("E820Map: %v", err)
	}
	if len(e820) != 2 || e820[1].Addr+e820[1].Size != 128*MiB {
		t.Fatalf("e820 = %+v", e820)
	}

	if _, err := E820Map([]hv.MemoryRegion{{Start: 0, Size: 0x80000}}); !errors.Is(err, abi.ErrInvalidMemorySize) {
		t.Fatalf("E820Map(512KiB) = %v, want ErrInvalidMemorySize", err)
	}
}

func TestCmdlineVirtioFragments(t *testing.T) {
	bindings := []mmio.Binding{
		{Device: mmio.Virtio(2), Window: mmio.Window{Base: 0xE000_0000, Size: 0x1000}, IRQs: []mmio.IRQLine{5}},
		{Device: mmio.BootTimer, Window: mmio.Window{Base: 0xE000_1000, Size: 0x1000}},
		{Device: mmio.Virtio(1), Window: mmio.Window{Base: 0xE000_2000, Size: 0x1000}, IRQs: []mmio.IRQLine{6}},
	}
	got := Cmdline("console=ttyS0", bindings)
	want := "console=ttyS0 virtio_mmio.device=4K@0xe0000000:5 virtio_mmio.device=4K@0xe0002000:6"
	if got != want {
		t.Fatalf("Cmdline = %q, want %q", got, want)
	}
	if got := Cmdline("", nil); got != "" {
		t.Fatalf("Cmdline(empty) = %q", got)
	}
}

func TestWriteCmdlineBoundary(t *testing.T) {
	mem := newMemory(t, 16*MiB)

	exact := strings.Repeat("a", CmdlineMaxSize)
	if err := WriteCmdline(mem, exact); err != nil {
		t.Fatalf("WriteCmdline(max) = %v", err)
	}
	var nul [1]byte
	if _, err := mem.ReadAt(nul[:], int64(CmdlineStart)+CmdlineMaxSize); err != nil || nul[0] != 0 {
		t.Fatalf("command line not NUL terminated: %v %v", nul, err)
	}
	if err := WriteCmdline(mem, exact+"a"); !errors.Is(err, abi.ErrCmdlineTooLarge) {
		t.Fatalf("WriteCmdline(max+1) = %v, want ErrCmdlineTooLarge", err)
	}
}

func TestWriteZeroPage(t *testing.T) {
	mem := newMemory(t, 128*MiB)
	k, err := parse(t, buildBzImage(0x2000, 0, xlfKernel64), 0)
	if err != nil {
		t.Fatalf("ParseKernel: %v", err)
	}
	p, err := PlaceImages(mem.Regions(), k, 0x800)
	if err != nil {
		t.Fatalf("PlaceImages: %v", err)
	}
	err = WriteBootParams(mem, abi.BootParams{
		Regions:   mem.Regions(),
		Kernel:    k,
		Placement: p,
		Cmdline:   "console=ttyS0",
	})
	if err != nil {
		t.Fatalf("WriteBootParams: %v", err)
	}

	zp := ZeroPageStart
	var b [4]byte
	if _, err := mem.ReadAt(b[:], int64(zp)+hdrSignature); err != nil || string(b[:]) != hdrMagic {
		t.Fatalf("header magic = %q, %v", b, err)
	}
	if got := readU32(t, mem, zp+hdrBootFlag) & 0xffff; got != 0xaa55 {
		t.Fatalf("boot_flag = %#x", got)
	}
	if got := readU32(t, mem, zp+hdrTypeOfLoader) & 0xff; got != 0xff {
		t.Fatalf("type_of_loader = %#x", got)
	}
	for _, tc := range []struct {
		name string
		off  hv.GuestAddress
		want uint32
	}{
		{"cmd_line_ptr", hdrCmdLinePtr, uint32(CmdlineStart)},
		{"cmdline_size", hdrCmdlineSize, uint32(len("console=ttyS0") + 1)},
		{"kernel_alignment", hdrKernelAlignment, 0x100_0000},
		{"ramdisk_image", hdrRamdiskImage, uint32(p.Initrd.Address)},
		{"ramdisk_size", hdrRamdiskSize, 0x800},
	} {
		if got := readU32(t, mem, zp+tc.off); got != tc.want {
			t.Fatalf("%s = %#x, want %#x", tc.name, got, tc.want)
		}
	}
	if got := readU32(t, mem, zp+bpE820Entries) & 0xff; got != 2 {
		t.Fatalf("e820 entries = %d", got)
	}
	if got := readU64(t, mem, zp+bpE820Table+e820EntrySize); got != uint64(HimemStart) {
		t.Fatalf("e820[1].addr = %#x", got)
	}
	if got := readU64(t, mem, zp+bpE820Table+e820EntrySize+8); got != 127*MiB {
		t.Fatalf("e820[1].size = %#x", got)
	}
}

func TestWritePVHStartInfo(t *testing.T) {
	mem := newMemory(t, 4096*MiB)
	img := buildELF(0x1000000, []testSegment{
		{paddr: 0x1000000, data: make([]byte, 0x1000)},
		{data: pvhNote(0x1000040), isNote: true},
	})
	k, err := parse(t, img, 0)
	if err != nil {
		t.Fatalf("ParseKernel: %v", err)
	}
	p, err := PlaceImages(mem.Regions(), k, 0x1000)
	if err != nil {
		t.Fatalf("PlaceImages: %v", err)
	}
	err = WriteBootParams(mem, abi.BootParams{Regions: mem.Regions(), Kernel: k, Placement: p})
	if err != nil {
		t.Fatalf("WriteBootParams: %v", err)
	}

	if got := readU32(t, mem, PVHInfoStart); got != pvhStartInfoMagic {
		t.Fatalf("magic = %#x", got)
	}
	if got := readU32(t, mem, PVHInfoStart+4); got != 1 {
		t.Fatalf("version = %d", got)
	}
	if got := readU32(t, mem, PVHInfoStart+12); got != 1 {
		t.Fatalf("nr_modules = %d", got)
	}
	if got := readU64(t, mem, PVHInfoStart+16); got != uint64(PVHModlistStart) {
		t.Fatalf("modlist_paddr = %#x", got)
	}
	if got := readU64(t, mem, PVHInfoStart+24); got != uint64(CmdlineStart) {
		t.Fatalf("cmdline_paddr = %#x", got)
	}
	if got := readU64(t, mem, PVHInfoStart+40); got != uint64(PVHMemmapStart) {
		t.Fatalf("memmap_paddr = %#x", got)
	}
	if got := readU32(t, mem, PVHInfoStart+48); got != 3 {
		t.Fatalf("memmap_entries = %d", got)
	}
	if got := readU64(t, mem, PVHModlistStart); got != uint64(p.Initrd.Address) {
		t.Fatalf("module paddr = %#x", got)
	}
	if got := readU64(t, mem, PVHMemmapStart+2*pvhMemmapEntrySize); got != uint64(FirstAddrPast32Bits) {
		t.Fatalf("memmap[2].addr = %#x", got)
	}
}
