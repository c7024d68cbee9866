package boot

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
	"github.com/tinyrange/microvm/internal/linux/boot/amd64"
	"github.com/tinyrange/microvm/internal/linux/boot/arm64"
)

// ForArchitecture returns the boot capability set for arch. Native selects
// the one matching the build.
func ForArchitecture(arch hv.CpuArchitecture) (abi.Architecture, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return amd64.Arch{}, nil
	case hv.ArchitectureARM64:
		return arm64.Arch{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", abi.ErrUnsupportedArchitecture, arch)
	}
}
