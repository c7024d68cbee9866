package arm64

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	pstateModeEL1h    = 0x5
	pstateDF          = 0x200
	pstateAF          = 0x100
	pstateIF          = 0x80
	pstateFF          = 0x40
	defaultPstateBits = pstateModeEL1h | pstateDF | pstateAF | pstateIF | pstateFF

	// sctlrEL1Reset has only the RES1 bits set: MMU, caches and alignment
	// checking are off.
	sctlrEL1Reset = 0x30d0_0800
)

// InitRegisters returns the initial register file of vCPU cpu. The boot CPU
// enters the kernel with the device tree address in X0; secondaries only get
// PSTATE and wait for PSCI CPU_ON.
func InitRegisters(_ hv.GuestMemory, entry abi.EntryPoint, regions []hv.MemoryRegion, cpu int) (hv.RegisterFile, error) {
	if entry.Protocol != abi.LinuxBoot {
		return nil, fmt.Errorf("%s: %w", entry.Protocol, abi.ErrUnsupportedBootProtocol)
	}
	regs := hv.RegisterFile{
		hv.RegisterARM64Pstate: hv.Register64(defaultPstateBits),
	}
	if cpu != 0 {
		return regs, nil
	}

	fdtAddr, err := FDTAddress(regions)
	if err != nil {
		return nil, err
	}
	regs[hv.RegisterARM64Pc] = hv.Register64(entry.Addr)
	regs[hv.RegisterARM64X0] = hv.Register64(fdtAddr)
	regs[hv.RegisterARM64X1] = hv.Register64(0)
	regs[hv.RegisterARM64X2] = hv.Register64(0)
	regs[hv.RegisterARM64X3] = hv.Register64(0)
	regs[hv.RegisterARM64SctlrEl1] = hv.Register64(sctlrEL1Reset)
	return regs, nil
}
