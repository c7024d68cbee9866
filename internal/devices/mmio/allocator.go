package mmio

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/microvm/internal/hv"
)

// Window is a guest-physical address range claimed by one device.
type Window struct {
	Base hv.GuestAddress
	Size uint64
}

func (w Window) String() string {
	return fmt.Sprintf("%#x+%#x", uint64(w.Base), w.Size)
}

// IRQLine is an interrupt line number in the architecture's numbering
// (GSI on x86_64, SPI INTID on arm64).
type IRQLine uint32

// Binding associates a device with the resources it was allocated.
type Binding struct {
	Device DeviceType
	Window Window
	IRQs   []IRQLine
}

// IRQ returns the first interrupt line of the binding, if any.
func (b Binding) IRQ() (IRQLine, bool) {
	if len(b.IRQs) == 0 {
		return 0, false
	}
	return b.IRQs[0], true
}

func (b Binding) equal(o Binding) bool {
	return b.Device == o.Device && b.Window == o.Window && slices.Equal(b.IRQs, o.IRQs)
}

// Pool describes the MMIO address range and interrupt lines an architecture
// makes available to memory-mapped devices.
type Pool struct {
	MMIOBase hv.GuestAddress
	MMIOSize uint64
	SlotSize uint64

	IRQBase      uint32
	IRQMax       uint32
	ReservedIRQs []uint32

	// Unsupported lists device kinds the architecture cannot expose over MMIO.
	Unsupported []Kind
}

// Validate checks that the pool bounds are usable.
func (p Pool) Validate() error {
	switch {
	case p.SlotSize == 0:
		return fmt.Errorf("mmio pool: zero slot size")
	case p.MMIOSize < p.SlotSize:
		return fmt.Errorf("mmio pool: size %#x smaller than one slot", p.MMIOSize)
	case p.IRQMax < p.IRQBase:
		return fmt.Errorf("mmio pool: irq range [%d, %d] is empty", p.IRQBase, p.IRQMax)
	}
	if _, ok := p.MMIOBase.CheckedAdd(p.MMIOSize); !ok {
		return fmt.Errorf("mmio pool: range %s+%#x wraps", p.MMIOBase, p.MMIOSize)
	}
	return nil
}

// Slots returns the number of windows the pool can hand out.
func (p Pool) Slots() uint64 { return p.MMIOSize / p.SlotSize }

// IRQCapacity returns the number of interrupt lines that are not reserved.
func (p Pool) IRQCapacity() int {
	n := 0
	for line := p.IRQBase; line <= p.IRQMax; line++ {
		if !p.reserved(line) {
			n++
		}
	}
	return n
}

// Supports reports whether devices of kind k may be allocated from the pool.
func (p Pool) Supports(k Kind) bool {
	if k == KindUnrecognized {
		return false
	}
	return !slices.Contains(p.Unsupported, k)
}

func (p Pool) reserved(line uint32) bool {
	return slices.Contains(p.ReservedIRQs, line)
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger routes allocation logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

type allocState struct {
	nextSlot uint64
	nextIRQ  uint32
	bindings []Binding
	attached map[DeviceType]bool
}

func newAllocState(p Pool) allocState {
	return allocState{nextIRQ: p.IRQBase, attached: make(map[DeviceType]bool)}
}

// Allocator hands out MMIO windows and interrupt lines in ascending order. All
// methods are safe for concurrent use; calls are serialized so the assignment
// depends only on the order of Allocate calls.
type Allocator struct {
	pool Pool
	log  *slog.Logger

	mu    sync.Mutex
	state allocState
}

// NewAllocator returns an empty allocator drawing from pool.
func NewAllocator(pool Pool, opts ...Option) (*Allocator, error) {
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	pool.ReservedIRQs = slices.Clone(pool.ReservedIRQs)
	pool.Unsupported = slices.Clone(pool.Unsupported)

	a := &Allocator{pool: pool, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.state = newAllocState(pool)
	return a, nil
}

// Pool returns the pool the allocator draws from.
func (a *Allocator) Pool() Pool { return a.pool }

// Allocate claims the next free window and the interrupt lines d needs.
// Nothing is consumed when the request fails.
func (a *Allocator) Allocate(d DeviceType) (Binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.allocate(&a.state, d)
	if err != nil {
		a.log.Warn("mmio allocation failed", "device", d, "err", err)
		return Binding{}, err
	}
	a.log.Debug("mmio allocated", "device", d, "window", b.Window, "irqs", b.IRQs)
	return cloneBinding(b), nil
}

func (a *Allocator) allocate(st *allocState, d DeviceType) (Binding, error) {
	if !d.Recognized() {
		return Binding{}, fmt.Errorf("allocate %s: %w", d, ErrUnknownDeviceVariant)
	}
	if !a.pool.Supports(d.Kind) {
		return Binding{}, fmt.Errorf("allocate %s: %w", d, ErrDeviceNotSupported)
	}
	if d.singleton() && st.attached[d] {
		return Binding{}, fmt.Errorf("allocate %s: %w", d, ErrDuplicateDevice)
	}

	if st.nextSlot >= a.pool.Slots() {
		return Binding{}, fmt.Errorf("allocate %s: mmio window: %w", d, ErrResourceExhausted)
	}
	window := Window{
		Base: a.pool.MMIOBase + hv.GuestAddress(st.nextSlot*a.pool.SlotSize),
		Size: a.pool.SlotSize,
	}

	var irqs []IRQLine
	next := st.nextIRQ
	for len(irqs) < d.irqDemand() {
		if next > a.pool.IRQMax || next < a.pool.IRQBase {
			return Binding{}, fmt.Errorf("allocate %s: irq line: %w", d, ErrResourceExhausted)
		}
		if !a.pool.reserved(next) {
			irqs = append(irqs, IRQLine(next))
		}
		next++
	}

	st.nextSlot++
	st.nextIRQ = next
	st.attached[d] = true
	b := Binding{Device: d, Window: window, IRQs: irqs}
	st.bindings = append(st.bindings, b)
	return b, nil
}

// Bindings returns the live bindings in allocation order.
func (a *Allocator) Bindings() []Binding {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Binding, len(a.state.bindings))
	for i, b := range a.state.bindings {
		out[i] = cloneBinding(b)
	}
	return out
}

// ReleaseAll drops every binding. It is only meant for VM teardown.
func (a *Allocator) ReleaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = newAllocState(a.pool)
	a.log.Debug("mmio bindings released")
}

// Restore replaces the allocator state with bindings captured from an earlier
// run. The bindings are replayed in order and each must land exactly where it
// was recorded; on any failure the allocator is left untouched.
func (a *Allocator) Restore(bindings []Binding) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := newAllocState(a.pool)
	for i, want := range bindings {
		if !want.Device.Recognized() {
			return fmt.Errorf("restore binding %d: %s: %w", i, want.Device, ErrUnknownDeviceVariant)
		}
		got, err := a.allocate(&st, want.Device)
		if err != nil {
			return fmt.Errorf("restore binding %d: %w", i, err)
		}
		if !got.equal(want) {
			return fmt.Errorf("restore binding %d: %s at %s irqs %v, recorded %s irqs %v: %w",
				i, want.Device, got.Window, got.IRQs, want.Window, want.IRQs, ErrBindingMismatch)
		}
	}
	a.state = st
	a.log.Debug("mmio bindings restored", "count", len(bindings))
	return nil
}

func cloneBinding(b Binding) Binding {
	b.IRQs = slices.Clone(b.IRQs)
	return b
}
