//go:build !amd64 && !arm64

package boot

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// Native returns the boot capability set of the architecture this binary was
// built for.
func Native() (abi.Architecture, error) {
	return nil, fmt.Errorf("%w: %s", abi.ErrUnsupportedArchitecture, runtime.GOARCH)
}
