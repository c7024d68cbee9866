// Package boot drives an architecture's boot code through the steps needed to
// start a Linux guest: planning RAM regions, placing the kernel and initrd,
// writing the boot parameter block and computing vCPU register state.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

// State is a step of the boot configuration state machine.
type State int

const (
	StateUninitialized State = iota
	StateRegionsPlanned
	StateImagesPlaced
	StateBootParamsWritten
	StateRegistersReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegionsPlanned:
		return "regions-planned"
	case StateImagesPlaced:
		return "images-placed"
	case StateBootParamsWritten:
		return "boot-params-written"
	case StateRegistersReady:
		return "registers-ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	errNotConfigured = errors.New("boot not configured")

	// ErrNoSuchVCPU reports a vCPU index outside the configured count.
	ErrNoSuchVCPU = errors.New("no such vCPU")
)

// Config describes the guest to boot.
type Config struct {
	MemSize uint64

	Kernel     io.ReaderAt
	KernelSize int64

	// Initrd is optional.
	Initrd     io.ReaderAt
	InitrdSize int64

	Cmdline string

	// Protocol requests a boot protocol. Zero lets the kernel image decide.
	Protocol abi.BootProtocol

	// VCPUs is the number of vCPUs described to the guest. Zero means one.
	VCPUs int
}

// Configurator prepares one VM's guest memory and boot CPU state. It is used
// once: after the first Configure call, successful or not, further calls fail.
type Configurator struct {
	Logger *slog.Logger

	arch  abi.Architecture
	mem   hv.GuestMemory
	alloc *mmio.Allocator

	mu        sync.Mutex
	state     State
	regions   []hv.MemoryRegion
	placement abi.Placement
	cmdline   string
	vcpus     int
	bootRegs  hv.RegisterFile
}

// NewConfigurator returns a configurator that writes into mem and describes
// the devices bound by alloc. alloc may be nil when the guest has no MMIO
// devices.
func NewConfigurator(arch abi.Architecture, mem hv.GuestMemory, alloc *mmio.Allocator) *Configurator {
	return &Configurator{
		arch:  arch,
		mem:   mem,
		alloc: alloc,
	}
}

func (c *Configurator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// State returns the current configuration step.
func (c *Configurator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Regions returns the planned RAM regions.
func (c *Configurator) Regions() []hv.MemoryRegion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hv.MemoryRegion(nil), c.regions...)
}

// Placement returns where the kernel and initrd were loaded.
func (c *Configurator) Placement() abi.Placement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placement
}

// Cmdline returns the command line handed to the guest, including any device
// fragments.
func (c *Configurator) Cmdline() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmdline
}

func (c *Configurator) advance(s State) {
	c.state = s
	c.logger().Debug("boot phase complete", "arch", c.arch.Name(), "state", s)
}

func (c *Configurator) fail(phase string, err error) error {
	c.state = StateFailed
	c.logger().Warn("boot configuration failed", "arch", c.arch.Name(), "phase", phase, "err", err)
	return fmt.Errorf("%s: %w", phase, err)
}

// Configure runs every boot step in order and returns the kernel entry point.
// Guest memory written before a failure is left as is.
func (c *Configurator) Configure(cfg Config) (abi.EntryPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return abi.EntryPoint{}, fmt.Errorf("%w: configurator is %s", abi.ErrAlreadyConfigured, c.state)
	}

	regions, err := c.planRegions(cfg.MemSize)
	if err != nil {
		return abi.EntryPoint{}, c.fail("plan regions", err)
	}
	c.regions = regions
	c.advance(StateRegionsPlanned)

	kernel, placement, err := c.loadImages(cfg)
	if err != nil {
		return abi.EntryPoint{}, c.fail("place images", err)
	}
	c.placement = placement
	c.advance(StateImagesPlaced)

	c.vcpus = cfg.VCPUs
	if c.vcpus <= 0 {
		c.vcpus = 1
	}
	params := abi.BootParams{
		Regions:   c.regions,
		Kernel:    kernel,
		Placement: placement,
		Cmdline:   c.cmdline,
		Bindings:  c.bindings(),
		VCPUs:     c.vcpus,
	}
	if err := c.arch.WriteBootParams(c.mem, params); err != nil {
		return abi.EntryPoint{}, c.fail("write boot params", err)
	}
	c.advance(StateBootParamsWritten)

	regs, err := c.arch.InitRegisters(c.mem, placement.Entry, c.regions, 0)
	if err != nil {
		return abi.EntryPoint{}, c.fail("init registers", err)
	}
	c.bootRegs = regs
	c.advance(StateRegistersReady)

	c.logger().Info("boot configured",
		"arch", c.arch.Name(),
		"protocol", placement.Entry.Protocol,
		"entry", placement.Entry.Addr,
		"kernel", kernel.Format(),
		"regions", len(c.regions),
	)
	return placement.Entry, nil
}

func (c *Configurator) planRegions(memSize uint64) ([]hv.MemoryRegion, error) {
	regions, err := c.arch.PlanRegions(memSize)
	if err != nil {
		return nil, err
	}
	backing := c.mem.Regions()
	for _, r := range regions {
		if _, ok := hv.FindRegion(backing, r.Start, r.Size); !ok {
			return nil, fmt.Errorf("%w: planned region %s is not backed by guest memory", abi.ErrInvalidMemorySize, r)
		}
	}
	return regions, nil
}

func (c *Configurator) loadImages(cfg Config) (abi.Kernel, abi.Placement, error) {
	if cfg.Kernel == nil {
		return nil, abi.Placement{}, fmt.Errorf("%w: no kernel image", abi.ErrUnsupportedBootProtocol)
	}
	kernel, err := c.arch.ParseKernel(cfg.Kernel, cfg.KernelSize, cfg.Protocol)
	if err != nil {
		return nil, abi.Placement{}, fmt.Errorf("parse kernel: %w", err)
	}

	var initrd []byte
	if cfg.Initrd != nil && cfg.InitrdSize > 0 {
		initrd = make([]byte, cfg.InitrdSize)
		n, err := cfg.Initrd.ReadAt(initrd, 0)
		if n != len(initrd) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, abi.Placement{}, fmt.Errorf("%w: got %d of %d bytes: %w", abi.ErrInitrdUnreadable, n, len(initrd), err)
		}
	}

	placement, err := c.arch.PlaceImages(c.regions, kernel, uint64(len(initrd)))
	if err != nil {
		return nil, abi.Placement{}, err
	}
	if err := c.arch.LoadImages(c.mem, kernel, placement, initrd); err != nil {
		return nil, abi.Placement{}, err
	}

	cmdline := c.arch.Cmdline(cfg.Cmdline, c.bindings())
	if limit := c.arch.Layout().CmdlineMaxSize; uint64(len(cmdline)) > limit {
		return nil, abi.Placement{}, fmt.Errorf("%w: %d bytes, limit %d", abi.ErrCmdlineTooLarge, len(cmdline), limit)
	}
	if err := c.arch.WriteCmdline(c.mem, cmdline); err != nil {
		return nil, abi.Placement{}, err
	}
	c.cmdline = cmdline
	return kernel, placement, nil
}

func (c *Configurator) bindings() []mmio.Binding {
	if c.alloc == nil {
		return nil
	}
	return c.alloc.Bindings()
}

// Registers returns the initial register file of vCPU cpu.
func (c *Configurator) Registers(cpu int) (hv.RegisterFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registersLocked(cpu)
}

func (c *Configurator) registersLocked(cpu int) (hv.RegisterFile, error) {
	if c.state != StateRegistersReady {
		return nil, fmt.Errorf("%w: configurator is %s", errNotConfigured, c.state)
	}
	if cpu < 0 || cpu >= c.vcpus {
		return nil, fmt.Errorf("%w: vCPU %d out of range [0, %d)", ErrNoSuchVCPU, cpu, c.vcpus)
	}
	if cpu == 0 {
		return maps.Clone(c.bootRegs), nil
	}
	regs, err := c.arch.InitRegisters(c.mem, c.placement.Entry, c.regions, cpu)
	if err != nil {
		return nil, fmt.Errorf("vCPU %d: %w", cpu, err)
	}
	return regs, nil
}

// ConfigureVCPUs programs the initial register state of every vCPU in
// parallel. The first failure cancels the vCPUs not yet started.
func (c *Configurator) ConfigureVCPUs(ctx context.Context, vcpus []hv.VirtualCPU) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, vcpu := range vcpus {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			regs, err := c.registersLocked(vcpu.ID())
			if err != nil {
				return err
			}
			return ApplyRegisters(vcpu, regs)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger().Warn("vCPU register setup failed", "arch", c.arch.Name(), "err", err)
		return err
	}
	c.logger().Debug("vCPUs configured", "count", len(vcpus))
	return nil
}

// ApplyRegisters hands regs to vcpu.
func ApplyRegisters(vcpu hv.VirtualCPU, regs hv.RegisterFile) error {
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("%w: vCPU %d: %w", abi.ErrRegisterSetupFailure, vcpu.ID(), err)
	}
	return nil
}
