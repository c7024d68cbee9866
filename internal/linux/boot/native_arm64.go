//go:build arm64

package boot

import (
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// Native returns the boot capability set of the architecture this binary was
// built for.
func Native() (abi.Architecture, error) { return ForArchitecture(hv.ArchitectureARM64) }
