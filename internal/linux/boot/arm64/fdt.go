package arm64

import (
	"fmt"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/fdt"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	gicFDTIRQTypeSPI = 0
	gicFDTIRQTypePPI = 1

	irqTypeEdgeRising = 1
	irqTypeLevelHigh  = 4

	// gicMaintenanceIRQ is the PPI of the GIC virtualization maintenance
	// interrupt.
	gicMaintenanceIRQ = 9

	apbClockHz = 24_000_000
)

// Architected timer PPIs: secure, non-secure, virtual, hypervisor.
var timerPPIs = [...]uint32{13, 14, 11, 10}

// GICDistAddress returns the GICv3 distributor base, just below the MMIO pool.
func GICDistAddress() hv.GuestAddress { return MMIOMemStart - gicDistSize }

// GICRedistAddress returns the base of the redistributors for vcpus CPUs.
func GICRedistAddress(vcpus int) hv.GuestAddress {
	return GICDistAddress() - hv.GuestAddress(uint64(vcpus)*gicRedistSize)
}

// MPIDR returns the affinity value of vCPU cpu.
func MPIDR(cpu int) uint64 {
	return uint64(cpu&0xff) | uint64(cpu>>8&0xff)<<8
}

// Cmdline returns base unchanged: devices reach the guest through the device
// tree.
func Cmdline(base string, _ []mmio.Binding) string { return base }

// WriteCmdline validates the command line length. The command line itself is
// stored in /chosen/bootargs by WriteBootParams.
func WriteCmdline(_ hv.GuestMemory, cmdline string) error {
	if len(cmdline) > CmdlineMaxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", abi.ErrCmdlineTooLarge, len(cmdline), CmdlineMaxSize)
	}
	return nil
}

// WriteBootParams builds the device tree and writes it at FDTAddress.
func WriteBootParams(mem hv.GuestMemory, p abi.BootParams) error {
	if len(p.Cmdline) > CmdlineMaxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", abi.ErrCmdlineTooLarge, len(p.Cmdline), CmdlineMaxSize)
	}
	addr, err := FDTAddress(p.Regions)
	if err != nil {
		return err
	}
	blob, err := BuildDeviceTree(p)
	if err != nil {
		return fmt.Errorf("build device tree: %w", err)
	}
	if len(blob) > FDTMaxSize {
		return fmt.Errorf("device tree is %d bytes, limit %d", len(blob), FDTMaxSize)
	}
	if err := abi.WriteBytes(mem, addr, blob); err != nil {
		return fmt.Errorf("write device tree: %w", err)
	}
	return nil
}

// BuildDeviceTree describes the guest to the kernel: CPUs, memory, the
// command line and initrd, the interrupt controller, timer, PSCI and every
// MMIO device binding.
func BuildDeviceTree(p abi.BootParams) ([]byte, error) {
	vcpus := p.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}

	b := fdt.NewBuilder()
	gic := b.AllocPhandle()
	clock := b.AllocPhandle()

	b.BeginNode("")
	b.AddPropertyString("compatible", "linux,dummy-virt")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyU32("interrupt-parent", gic)

	b.BeginNode("cpus")
	b.AddPropertyU32("#address-cells", 1)
	b.AddPropertyU32("#size-cells", 0)
	for cpu := 0; cpu < vcpus; cpu++ {
		b.BeginNode(fmt.Sprintf("cpu@%x", cpu))
		b.AddPropertyString("device_type", "cpu")
		b.AddPropertyString("compatible", "arm,arm-v8")
		if cpu > 0 {
			b.AddPropertyString("enable-method", "psci")
		}
		b.AddPropertyU32("reg", uint32(MPIDR(cpu)))
		b.EndNode()
	}
	b.EndNode()

	for _, r := range p.Regions {
		b.BeginNode(fmt.Sprintf("memory@%x", uint64(r.Start)))
		b.AddPropertyString("device_type", "memory")
		b.AddPropertyU64Array("reg", uint64(r.Start), r.Size)
		b.EndNode()
	}

	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", p.Cmdline)
	if rd := p.Placement.Initrd; rd != nil {
		b.AddPropertyU64("linux,initrd-start", uint64(rd.Address))
		b.AddPropertyU64("linux,initrd-end", uint64(rd.Address)+rd.Size)
	}
	b.EndNode()

	dist := GICDistAddress()
	redist := GICRedistAddress(vcpus)
	b.BeginNode(fmt.Sprintf("intc@%x", uint64(dist)))
	b.AddPropertyString("compatible", "arm,gic-v3")
	b.AddPropertyEmpty("interrupt-controller")
	b.AddPropertyU32("#interrupt-cells", 3)
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyEmpty("ranges")
	b.AddPropertyU64Array("reg", uint64(dist), gicDistSize, uint64(redist), uint64(vcpus)*gicRedistSize)
	b.AddPropertyU32("phandle", gic)
	b.AddPropertyU32Array("interrupts", gicFDTIRQTypePPI, gicMaintenanceIRQ, irqTypeLevelHigh)
	b.EndNode()

	b.BeginNode("timer")
	b.AddPropertyString("compatible", "arm,armv8-timer")
	b.AddPropertyEmpty("always-on")
	var timerCells []uint32
	for _, irq := range timerPPIs {
		timerCells = append(timerCells, gicFDTIRQTypePPI, irq, irqTypeLevelHigh)
	}
	b.AddPropertyU32Array("interrupts", timerCells...)
	b.EndNode()

	b.BeginNode("apb-pclk")
	b.AddPropertyString("compatible", "fixed-clock")
	b.AddPropertyU32("#clock-cells", 0)
	b.AddPropertyU32("clock-frequency", apbClockHz)
	b.AddPropertyString("clock-output-names", "clk24mhz")
	b.AddPropertyU32("phandle", clock)
	b.EndNode()

	b.BeginNode("psci")
	b.AddPropertyString("compatible", "arm,psci-0.2")
	b.AddPropertyString("method", "hvc")
	b.EndNode()

	for _, bind := range p.Bindings {
		if err := addDeviceNode(b, bind, clock); err != nil {
			return nil, err
		}
	}

	b.EndNode()
	return b.Build()
}

func addDeviceNode(b *fdt.Builder, bind mmio.Binding, clock uint32) error {
	base := uint64(bind.Window.Base)
	spi := func() ([]uint32, error) {
		irq, ok := bind.IRQ()
		if !ok || irq < IRQBase {
			return nil, fmt.Errorf("%s binding has no shared peripheral interrupt", bind.Device)
		}
		return []uint32{gicFDTIRQTypeSPI, uint32(irq) - IRQBase, irqTypeEdgeRising}, nil
	}

	switch bind.Device.Kind {
	case mmio.KindVirtio:
		irq, err := spi()
		if err != nil {
			return err
		}
		b.BeginNode(fmt.Sprintf("virtio_mmio@%x", base))
		b.AddPropertyString("compatible", "virtio,mmio")
		b.AddPropertyU64Array("reg", base, bind.Window.Size)
		b.AddPropertyU32Array("interrupts", irq...)
		b.AddPropertyEmpty("dma-coherent")
		b.EndNode()
	case mmio.KindSerial:
		irq, err := spi()
		if err != nil {
			return err
		}
		b.BeginNode(fmt.Sprintf("uart@%x", base))
		b.AddPropertyString("compatible", "ns16550a")
		b.AddPropertyU64Array("reg", base, bind.Window.Size)
		b.AddPropertyU32("clocks", clock)
		b.AddPropertyString("clock-names", "apb_pclk")
		b.AddPropertyU32Array("interrupts", irq...)
		b.EndNode()
	case mmio.KindRtc:
		irq, err := spi()
		if err != nil {
			return err
		}
		b.BeginNode(fmt.Sprintf("rtc@%x", base))
		b.AddPropertyStringList("compatible", "arm,pl031", "arm,primecell")
		b.AddPropertyU64Array("reg", base, bind.Window.Size)
		b.AddPropertyU32("clocks", clock)
		b.AddPropertyString("clock-names", "apb_pclk")
		b.AddPropertyU32Array("interrupts", irq...)
		b.EndNode()
	case mmio.KindBootTimer:
		// Host-side boot timing device; the guest finds it by address.
	default:
		return fmt.Errorf("%s: %w", bind.Device, mmio.ErrUnknownDeviceVariant)
	}
	return nil
}
