package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"strings"
	"testing"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/fdt"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/hv/guestmem"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
	"github.com/tinyrange/microvm/internal/linux/boot/amd64"
	"github.com/tinyrange/microvm/internal/linux/boot/arm64"
)

const MiB = 1 << 20

func newAllocator(t *testing.T, arch abi.Architecture, devices ...mmio.DeviceType) *mmio.Allocator {
	t.Helper()
	alloc, err := mmio.NewAllocator(arch.Layout().Pool())
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	for _, d := range devices {
		if _, err := alloc.Allocate(d); err != nil {
			t.Fatalf("Allocate(%s): %v", d, err)
		}
	}
	return alloc
}

func TestConfigureAMD64(t *testing.T) {
	arch := amd64.Arch{}
	mem := testMemory(t, arch, 128*MiB)
	alloc := newAllocator(t, arch, mmio.Virtio(2), mmio.BootTimer)
	initrd := bytes.Repeat([]byte{0x5a}, 4096)

	c := NewConfigurator(arch, mem, alloc)
	entry, err := c.Configure(testConfig(128*MiB, testBzImage(0x1000, 8*MiB), initrd, "console=ttyS0"))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if entry != (abi.EntryPoint{Addr: 0x100200, Protocol: abi.LinuxBoot}) {
		t.Fatalf("entry = %+v", entry)
	}
	if c.State() != StateRegistersReady {
		t.Fatalf("state = %s", c.State())
	}
	p := c.Placement()
	if p.KernelAddr != 0x100000 || p.Initrd == nil || p.Initrd.Address != 0x900000 {
		t.Fatalf("placement = %+v initrd %+v", p, p.Initrd)
	}
	if got := readBytes(t, mem, 0x900000, 4096); !bytes.Equal(got, initrd) {
		t.Fatalf("initrd not copied into guest memory")
	}

	want := "console=ttyS0 virtio_mmio.device=4K@0xe0000000:5"
	if c.Cmdline() != want {
		t.Fatalf("cmdline = %q, want %q", c.Cmdline(), want)
	}
	if got := readBytes(t, mem, amd64.CmdlineStart, len(want)+1); string(got) != want+"\x00" {
		t.Fatalf("guest cmdline = %q", got)
	}

	zp := amd64.ZeroPageStart
	if got := binary.LittleEndian.Uint16(readBytes(t, mem, zp+0x1fe, 2)); got != 0xaa55 {
		t.Fatalf("boot_flag = %#x", got)
	}
	if got := readU32(t, mem, zp+0x228); got != uint32(amd64.CmdlineStart) {
		t.Fatalf("cmd_line_ptr = %#x", got)
	}
	if got := readU32(t, mem, zp+0x218); got != 0x900000 {
		t.Fatalf("ramdisk_image = %#x", got)
	}
	if got := readBytes(t, mem, zp+0x1e8, 1)[0]; got != 2 {
		t.Fatalf("e820 entries = %d, want 2", got)
	}

	regs, err := c.Registers(0)
	if err != nil {
		t.Fatalf("Registers(0): %v", err)
	}
	if rip, _ := regs.Uint64(hv.RegisterAMD64Rip); rip != 0x100200 {
		t.Fatalf("RIP = %#x", rip)
	}
	if rsi, _ := regs.Uint64(hv.RegisterAMD64Rsi); rsi != 0x7000 {
		t.Fatalf("RSI = %#x", rsi)
	}
}

func TestConfigureAMD64AboveHole(t *testing.T) {
	if bits.UintSize < 64 || testing.Short() {
		t.Skip("maps 4 GiB of guest memory")
	}
	arch := amd64.Arch{}
	mem := testMemory(t, arch, 4096*MiB)

	c := NewConfigurator(arch, mem, nil)
	if _, err := c.Configure(testConfig(4096*MiB, testBzImage(0x1000, 0), nil, "")); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	regions := c.Regions()
	want := []hv.MemoryRegion{{Start: 0, Size: 3584 * MiB}, {Start: 4096 * MiB, Size: 512 * MiB}}
	if len(regions) != 2 || regions[0] != want[0] || regions[1] != want[1] {
		t.Fatalf("regions = %v, want %v", regions, want)
	}

	zp := amd64.ZeroPageStart
	if got := readBytes(t, mem, zp+0x1e8, 1)[0]; got != 3 {
		t.Fatalf("e820 entries = %d, want 3", got)
	}
	hi := readBytes(t, mem, zp+0x2d0+2*20, 20)
	if addr, size := binary.LittleEndian.Uint64(hi), binary.LittleEndian.Uint64(hi[8:]); addr != 4096*MiB || size != 512*MiB {
		t.Fatalf("high e820 entry = %#x+%#x", addr, size)
	}
}

func TestConfigureCmdlineLimit(t *testing.T) {
	arch := amd64.Arch{}
	limit := int(arch.Layout().CmdlineMaxSize)

	mem := testMemory(t, arch, 64*MiB)
	c := NewConfigurator(arch, mem, nil)
	if _, err := c.Configure(testConfig(64*MiB, testBzImage(0x1000, 0), nil, strings.Repeat("x", limit))); err != nil {
		t.Fatalf("Configure at the limit: %v", err)
	}

	mem = testMemory(t, arch, 64*MiB)
	c = NewConfigurator(arch, mem, nil)
	_, err := c.Configure(testConfig(64*MiB, testBzImage(0x1000, 0), nil, strings.Repeat("x", limit+1)))
	if !errors.Is(err, abi.ErrCmdlineTooLarge) {
		t.Fatalf("Configure past the limit = %v, want ErrCmdlineTooLarge", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestConfigureCmdlineLimitIncludesDevices(t *testing.T) {
	arch := amd64.Arch{}
	alloc := newAllocator(t, arch, mmio.Virtio(1))
	fragment := len(" virtio_mmio.device=4K@0xe0000000:5")
	limit := int(arch.Layout().CmdlineMaxSize)

	mem := testMemory(t, arch, 64*MiB)
	c := NewConfigurator(arch, mem, alloc)
	_, err := c.Configure(testConfig(64*MiB, testBzImage(0x1000, 0), nil, strings.Repeat("x", limit-fragment+1)))
	if !errors.Is(err, abi.ErrCmdlineTooLarge) {
		t.Fatalf("Configure = %v, want ErrCmdlineTooLarge", err)
	}
}

func TestConfigureOnce(t *testing.T) {
	arch := amd64.Arch{}
	mem := testMemory(t, arch, 64*MiB)
	c := NewConfigurator(arch, mem, nil)
	cfg := testConfig(64*MiB, testBzImage(0x1000, 0), nil, "")
	if _, err := c.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := c.Configure(cfg); !errors.Is(err, abi.ErrAlreadyConfigured) {
		t.Fatalf("second Configure = %v, want ErrAlreadyConfigured", err)
	}

	failed := NewConfigurator(arch, mem, nil)
	if _, err := failed.Configure(testConfig(0, nil, nil, "")); !errors.Is(err, abi.ErrInvalidMemorySize) {
		t.Fatalf("Configure(0) = %v", err)
	}
	if _, err := failed.Configure(cfg); !errors.Is(err, abi.ErrAlreadyConfigured) {
		t.Fatalf("Configure after failure = %v, want ErrAlreadyConfigured", err)
	}
}

func TestConfigureFailures(t *testing.T) {
	arch := amd64.Arch{}
	for name, tc := range map[string]struct {
		memSize uint64
		cfg     Config
		want    error
		state   State
	}{
		"unbacked memory": {
			memSize: 32 * MiB,
			cfg:     testConfig(64*MiB, testBzImage(0x1000, 0), nil, ""),
			want:    abi.ErrInvalidMemorySize,
		},
		"kernel too large": {
			memSize: 16 * MiB,
			cfg:     testConfig(16*MiB, testBzImage(0x1000, 16*MiB), nil, ""),
			want:    abi.ErrKernelTooLarge,
		},
		"initrd too large": {
			memSize: 16 * MiB,
			cfg:     testConfig(16*MiB, testBzImage(0x1000, 8*MiB), make([]byte, 8*MiB), ""),
			want:    abi.ErrInitrdTooLarge,
		},
		"garbage kernel": {
			memSize: 16 * MiB,
			cfg:     testConfig(16*MiB, bytes.Repeat([]byte{0xcc}, 4096), nil, ""),
			want:    abi.ErrUnsupportedBootProtocol,
		},
		"malformed ELF kernel": {
			memSize: 16 * MiB,
			cfg:     testConfig(16*MiB, append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 60)...), nil, ""),
			want:    abi.ErrUnsupportedBootProtocol,
		},
		"short initrd source": {
			memSize: 16 * MiB,
			cfg: func() Config {
				cfg := testConfig(16*MiB, testBzImage(0x1000, 0), []byte("init"), "")
				cfg.InitrdSize = 4096
				return cfg
			}(),
			want: abi.ErrInitrdUnreadable,
		},
		"PVH without note": {
			memSize: 16 * MiB,
			cfg: func() Config {
				cfg := testConfig(16*MiB, testBzImage(0x1000, 0), nil, "")
				cfg.Protocol = abi.PvhBoot
				return cfg
			}(),
			want: abi.ErrUnsupportedBootProtocol,
		},
	} {
		t.Run(name, func(t *testing.T) {
			mem := testMemory(t, arch, tc.memSize)
			c := NewConfigurator(arch, mem, nil)
			if _, err := c.Configure(tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("Configure = %v, want %v", err, tc.want)
			}
			if c.State() != StateFailed {
				t.Fatalf("state = %s, want failed", c.State())
			}
		})
	}
}

func TestConfigureARM64(t *testing.T) {
	arch := arm64.Arch{}
	mem := testMemory(t, arch, 128*MiB)
	alloc := newAllocator(t, arch, mmio.Serial, mmio.Virtio(1))
	initrd := bytes.Repeat([]byte{0xa5}, 10000)

	c := NewConfigurator(arch, mem, alloc)
	cfg := testConfig(128*MiB, testArm64Image(4*MiB, 0x1000), initrd, "console=ttyS0")
	cfg.VCPUs = 2
	entry, err := c.Configure(cfg)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if entry != (abi.EntryPoint{Addr: 0x8020_0000, Protocol: abi.LinuxBoot}) {
		t.Fatalf("entry = %+v", entry)
	}
	if c.Cmdline() != "console=ttyS0" {
		t.Fatalf("cmdline = %q", c.Cmdline())
	}

	regs, err := c.Registers(0)
	if err != nil {
		t.Fatalf("Registers(0): %v", err)
	}
	fdtAddr, _ := regs.Uint64(hv.RegisterARM64X0)
	if fdtAddr != 0x8000_0000+128*MiB-arm64.FDTMaxSize {
		t.Fatalf("X0 = %#x", fdtAddr)
	}

	blob := readBytes(t, mem, hv.GuestAddress(fdtAddr), arm64.FDTMaxSize)
	root, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("fdt.Parse: %v", err)
	}
	chosen, ok := root.Lookup("/chosen")
	if !ok {
		t.Fatalf("missing /chosen")
	}
	if args, _ := chosen.String("bootargs"); args != "console=ttyS0" {
		t.Fatalf("bootargs = %q", args)
	}
	start, _ := chosen.U64s("linux,initrd-start")
	if len(start) != 1 || start[0] != uint64(c.Placement().Initrd.Address) {
		t.Fatalf("linux,initrd-start = %#x", start)
	}
	if _, ok := root.Lookup("/cpus/cpu@1"); !ok {
		t.Fatalf("missing second cpu node")
	}
	if _, ok := root.Child("uart@40000000"); !ok {
		t.Fatalf("missing uart node")
	}
	if _, ok := root.Child("virtio_mmio@40001000"); !ok {
		t.Fatalf("missing virtio node")
	}
}

func TestConfigureVCPUs(t *testing.T) {
	arch := amd64.Arch{}
	mem := testMemory(t, arch, 64*MiB)
	c := NewConfigurator(arch, mem, nil)
	cfg := testConfig(64*MiB, testBzImage(0x1000, 0), nil, "")
	cfg.VCPUs = 4

	vcpus := make([]hv.VirtualCPU, 4)
	fakes := make([]*fakeVCPU, 4)
	for i := range vcpus {
		fakes[i] = &fakeVCPU{id: i}
		vcpus[i] = fakes[i]
	}
	if err := c.ConfigureVCPUs(context.Background(), vcpus); err == nil {
		t.Fatalf("ConfigureVCPUs before Configure succeeded")
	}

	if _, err := c.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.ConfigureVCPUs(context.Background(), vcpus); err != nil {
		t.Fatalf("ConfigureVCPUs: %v", err)
	}
	for _, f := range fakes {
		if rip, ok := f.regs.Uint64(hv.RegisterAMD64Rip); !ok || rip != 0x100200 {
			t.Fatalf("vCPU %d RIP = %#x (set %v)", f.id, rip, ok)
		}
	}
}

func TestConfigureVCPUsFailure(t *testing.T) {
	arch := arm64.Arch{}
	mem := testMemory(t, arch, 64*MiB)
	c := NewConfigurator(arch, mem, nil)
	cfg := testConfig(64*MiB, testArm64Image(0, 0x1000), nil, "")
	cfg.VCPUs = 2
	if _, err := c.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	rejected := errors.New("vcpu rejected registers")
	vcpus := []hv.VirtualCPU{&fakeVCPU{id: 0}, &fakeVCPU{id: 1, err: rejected}}
	err := c.ConfigureVCPUs(context.Background(), vcpus)
	if !errors.Is(err, abi.ErrRegisterSetupFailure) || !errors.Is(err, rejected) {
		t.Fatalf("ConfigureVCPUs = %v", err)
	}

	err = c.ConfigureVCPUs(context.Background(), []hv.VirtualCPU{&fakeVCPU{id: 5}})
	if !errors.Is(err, ErrNoSuchVCPU) || errors.Is(err, abi.ErrRegisterSetupFailure) {
		t.Fatalf("out of range vCPU = %v", err)
	}
}

// lowWriteFailMemory rejects writes below limit.
type lowWriteFailMemory struct {
	*guestmem.Memory
	limit int64
}

func (m lowWriteFailMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < m.limit {
		return 0, fmt.Errorf("%w: write at %#x rejected", hv.ErrGuestMemory, off)
	}
	return m.Memory.WriteAt(p, off)
}

func TestConfigureDescriptorTableWriteFailure(t *testing.T) {
	arch := amd64.Arch{}
	mem := lowWriteFailMemory{Memory: testMemory(t, arch, 16*MiB), limit: int64(amd64.ZeroPageStart)}
	c := NewConfigurator(arch, mem, nil)

	_, err := c.Configure(testConfig(16*MiB, testBzImage(0x1000, 0), nil, ""))
	if !errors.Is(err, hv.ErrGuestMemory) || errors.Is(err, abi.ErrRegisterSetupFailure) {
		t.Fatalf("Configure = %v, want a guest memory error", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestForArchitecture(t *testing.T) {
	for _, name := range []hv.CpuArchitecture{hv.ArchitectureX86_64, hv.ArchitectureARM64} {
		arch, err := ForArchitecture(name)
		if err != nil {
			t.Fatalf("ForArchitecture(%s): %v", name, err)
		}
		if arch.Name() != name || arch.Layout().Arch != name {
			t.Fatalf("ForArchitecture(%s) returned %s", name, arch.Name())
		}
	}
	if _, err := ForArchitecture(hv.ArchitectureInvalid); !errors.Is(err, abi.ErrUnsupportedArchitecture) {
		t.Fatalf("ForArchitecture(invalid) = %v", err)
	}
}

func TestNative(t *testing.T) {
	arch, err := Native()
	switch runtime.GOARCH {
	case "amd64":
		if err != nil || arch.Name() != hv.ArchitectureX86_64 {
			t.Fatalf("Native() = %v, %v", arch, err)
		}
	case "arm64":
		if err != nil || arch.Name() != hv.ArchitectureARM64 {
			t.Fatalf("Native() = %v, %v", arch, err)
		}
	default:
		if !errors.Is(err, abi.ErrUnsupportedArchitecture) {
			t.Fatalf("Native() on %s = %v", runtime.GOARCH, err)
		}
	}
}

var _ hv.GuestMemory = (*guestmem.Memory)(nil)
