package arm64

import (
	"errors"
	"testing"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

func TestInitRegistersBootCPU(t *testing.T) {
	regions, _ := PlanRegions(128 * MiB)
	entry := abi.EntryPoint{Addr: 0x8020_0000, Protocol: abi.LinuxBoot}
	regs, err := InitRegisters(nil, entry, regions, 0)
	if err != nil {
		t.Fatalf("InitRegisters: %v", err)
	}
	fdtAddr, _ := FDTAddress(regions)
	want := map[hv.Register]uint64{
		hv.RegisterARM64Pc:       0x8020_0000,
		hv.RegisterARM64X0:       uint64(fdtAddr),
		hv.RegisterARM64X1:       0,
		hv.RegisterARM64Pstate:   0x3c5,
		hv.RegisterARM64SctlrEl1: 0x30d0_0800,
	}
	for r, v := range want {
		got, ok := regs.Uint64(r)
		if !ok || got != v {
			t.Fatalf("%s = %#x (present %v), want %#x", r, got, ok, v)
		}
	}
}

func TestInitRegistersSecondaryCPU(t *testing.T) {
	regions, _ := PlanRegions(128 * MiB)
	entry := abi.EntryPoint{Addr: 0x8020_0000, Protocol: abi.LinuxBoot}
	regs, err := InitRegisters(nil, entry, regions, 2)
	if err != nil {
		t.Fatalf("InitRegisters: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("secondary vCPU got %d registers, want PSTATE only", len(regs))
	}
	if _, ok := regs.Uint64(hv.RegisterARM64Pc); ok {
		t.Fatalf("secondary vCPU has a PC")
	}
}

func TestInitRegistersRejectsPVH(t *testing.T) {
	regions, _ := PlanRegions(128 * MiB)
	_, err := InitRegisters(nil, abi.EntryPoint{Addr: 0x8020_0000, Protocol: abi.PvhBoot}, regions, 0)
	if !errors.Is(err, abi.ErrUnsupportedBootProtocol) {
		t.Fatalf("err = %v", err)
	}
}
