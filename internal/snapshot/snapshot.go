// Package snapshot persists the boot layout of a VM: its RAM regions, kernel
// entry point and MMIO device bindings, so a restored VM rebuilds the same
// allocator state.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	Magic         uint32 = 0x544f4f42 // "BOOT"
	FormatVersion uint32 = 1

	maxListLen = 1 << 16
)

// Architecture codes in the snapshot header.
const (
	archX86_64 uint32 = 1
	archARM64  uint32 = 2
)

func archCode(a hv.CpuArchitecture) uint32 {
	switch a {
	case hv.ArchitectureX86_64:
		return archX86_64
	case hv.ArchitectureARM64:
		return archARM64
	}
	return 0
}

func codeArch(c uint32) hv.CpuArchitecture {
	switch c {
	case archX86_64:
		return hv.ArchitectureX86_64
	case archARM64:
		return hv.ArchitectureARM64
	}
	return hv.ArchitectureInvalid
}

var (
	ErrFormat         = errors.New("malformed boot snapshot")
	ErrArchMismatch   = errors.New("snapshot architecture does not match")
	ErrLayoutMismatch = errors.New("snapshot layout does not match")
	// ErrNewerSnapshot marks an unknown device written by a newer build. It
	// is always returned alongside mmio.ErrUnknownDeviceVariant.
	ErrNewerSnapshot = errors.New("snapshot written by a newer build")
)

// BuildVersion identifies the build writing snapshots. It is set at link time
// with -ldflags "-X github.com/tinyrange/microvm/internal/snapshot.BuildVersion=...".
var BuildVersion = "v0.1.0"

// LayoutRecord is the part of an abi.Layout that device bindings depend on.
type LayoutRecord struct {
	MMIOMemStart   hv.GuestAddress
	MMIOMemSize    uint64
	MMIOSlotSize   uint64
	IRQBase        uint32
	IRQMax         uint32
	CmdlineMaxSize uint64
	ReservedIRQs   []uint32
}

// RecordLayout extracts the binding-relevant constants of l.
func RecordLayout(l abi.Layout) LayoutRecord {
	return LayoutRecord{
		MMIOMemStart:   l.MMIOMemStart,
		MMIOMemSize:    l.MMIOMemSize,
		MMIOSlotSize:   l.MMIOSlotSize,
		IRQBase:        l.IRQBase,
		IRQMax:         l.IRQMax,
		CmdlineMaxSize: l.CmdlineMaxSize,
		ReservedIRQs:   l.ReservedIRQs(),
	}
}

func (r LayoutRecord) equal(o LayoutRecord) bool {
	return r.MMIOMemStart == o.MMIOMemStart &&
		r.MMIOMemSize == o.MMIOMemSize &&
		r.MMIOSlotSize == o.MMIOSlotSize &&
		r.IRQBase == o.IRQBase &&
		r.IRQMax == o.IRQMax &&
		r.CmdlineMaxSize == o.CmdlineMaxSize &&
		slices.Equal(r.ReservedIRQs, o.ReservedIRQs)
}

// State is the persisted boot layout of one VM.
type State struct {
	Arch         hv.CpuArchitecture
	BuildVersion string
	Layout       LayoutRecord
	Regions      []hv.MemoryRegion
	Entry        abi.EntryPoint
	Bindings     []mmio.Binding
}

// Capture records the current layout, entry point and bindings.
func Capture(arch abi.Architecture, regions []hv.MemoryRegion, entry abi.EntryPoint, alloc *mmio.Allocator) State {
	s := State{
		Arch:         arch.Name(),
		BuildVersion: BuildVersion,
		Layout:       RecordLayout(arch.Layout()),
		Regions:      slices.Clone(regions),
		Entry:        entry,
	}
	if alloc != nil {
		s.Bindings = alloc.Bindings()
	}
	return s
}

// Encode returns the canonical encoding of s. Equal states always encode to
// equal bytes.
func Encode(s State) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of the canonical encoding of s.
func Hash(s State) ([32]byte, error) {
	b, err := Encode(s)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Write streams the encoding of s to w.
func Write(w io.Writer, s State) error {
	le := binary.LittleEndian
	put := func(v any) error { return binary.Write(w, le, v) }

	for _, v := range []any{Magic, FormatVersion, archCode(s.Arch), uint32(0)} {
		if err := put(v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := writeString(w, s.BuildVersion); err != nil {
		return fmt.Errorf("write build version: %w", err)
	}

	l := s.Layout
	for _, v := range []any{uint64(l.MMIOMemStart), l.MMIOMemSize, l.MMIOSlotSize, l.IRQBase, l.IRQMax, l.CmdlineMaxSize, uint32(len(l.ReservedIRQs))} {
		if err := put(v); err != nil {
			return fmt.Errorf("write layout: %w", err)
		}
	}
	if err := put(l.ReservedIRQs); err != nil {
		return fmt.Errorf("write reserved IRQs: %w", err)
	}

	if err := put(uint32(len(s.Regions))); err != nil {
		return fmt.Errorf("write region count: %w", err)
	}
	for _, r := range s.Regions {
		if err := put([2]uint64{uint64(r.Start), r.Size}); err != nil {
			return fmt.Errorf("write region %s: %w", r, err)
		}
	}

	if err := put(uint64(s.Entry.Addr)); err != nil {
		return fmt.Errorf("write entry point: %w", err)
	}
	if err := put(uint8(s.Entry.Protocol)); err != nil {
		return fmt.Errorf("write boot protocol: %w", err)
	}

	if err := put(uint32(len(s.Bindings))); err != nil {
		return fmt.Errorf("write binding count: %w", err)
	}
	for i, b := range s.Bindings {
		if err := writeBinding(w, b); err != nil {
			return fmt.Errorf("write binding %d (%s): %w", i, b.Device, err)
		}
	}
	return nil
}

func writeBinding(w io.Writer, b mmio.Binding) error {
	le := binary.LittleEndian
	dev, err := mmio.Encode(b.Device)
	if err != nil {
		return err
	}
	if err := binary.Write(w, le, uint16(len(dev))); err != nil {
		return err
	}
	if _, err := w.Write(dev); err != nil {
		return err
	}
	if err := binary.Write(w, le, [2]uint64{uint64(b.Window.Base), b.Window.Size}); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint32(len(b.IRQs))); err != nil {
		return err
	}
	return binary.Write(w, le, b.IRQs)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Decode parses an encoding produced by Encode. Devices written by a newer
// build that this build does not know decode as unrecognized; Restore rejects
// them.
func Decode(b []byte) (State, error) {
	r := bytes.NewReader(b)
	s, err := Read(r)
	if err != nil {
		return State{}, err
	}
	if r.Len() != 0 {
		return State{}, fmt.Errorf("%w: %d trailing bytes", ErrFormat, r.Len())
	}
	return s, nil
}

// Read decodes one snapshot from r.
func Read(r io.Reader) (State, error) {
	le := binary.LittleEndian
	get := func(what string, v any) error {
		if err := binary.Read(r, le, v); err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrFormat, what, err)
		}
		return nil
	}

	var magic, version, arch, flags uint32
	for _, f := range []struct {
		name string
		v    *uint32
	}{{"magic", &magic}, {"version", &version}, {"arch", &arch}, {"flags", &flags}} {
		if err := get(f.name, f.v); err != nil {
			return State{}, err
		}
	}
	if magic != Magic {
		return State{}, fmt.Errorf("%w: invalid magic: expected %#x, got %#x", ErrFormat, Magic, magic)
	}
	if version != FormatVersion {
		return State{}, fmt.Errorf("%w: unsupported version: %d", ErrFormat, version)
	}
	_ = flags // reserved

	var s State
	if s.Arch = codeArch(arch); s.Arch == hv.ArchitectureInvalid {
		return State{}, fmt.Errorf("%w: unknown architecture %d", ErrFormat, arch)
	}
	var err error
	if s.BuildVersion, err = readString(r); err != nil {
		return State{}, fmt.Errorf("%w: read build version: %w", ErrFormat, err)
	}

	var (
		mmioStart uint64
		nReserved uint32
	)
	l := &s.Layout
	for _, f := range []struct {
		name string
		v    any
	}{
		{"mmio start", &mmioStart},
		{"mmio size", &l.MMIOMemSize},
		{"slot size", &l.MMIOSlotSize},
		{"irq base", &l.IRQBase},
		{"irq max", &l.IRQMax},
		{"cmdline size", &l.CmdlineMaxSize},
		{"reserved irq count", &nReserved},
	} {
		if err := get(f.name, f.v); err != nil {
			return State{}, err
		}
	}
	l.MMIOMemStart = hv.GuestAddress(mmioStart)
	if nReserved > maxListLen {
		return State{}, fmt.Errorf("%w: %d reserved IRQs", ErrFormat, nReserved)
	}
	if nReserved > 0 {
		l.ReservedIRQs = make([]uint32, nReserved)
		if err := get("reserved irqs", l.ReservedIRQs); err != nil {
			return State{}, err
		}
	}

	var nRegions uint32
	if err := get("region count", &nRegions); err != nil {
		return State{}, err
	}
	if nRegions > maxListLen {
		return State{}, fmt.Errorf("%w: %d regions", ErrFormat, nRegions)
	}
	for i := uint32(0); i < nRegions; i++ {
		var rec [2]uint64
		if err := get("region", &rec); err != nil {
			return State{}, err
		}
		s.Regions = append(s.Regions, hv.MemoryRegion{Start: hv.GuestAddress(rec[0]), Size: rec[1]})
	}

	var (
		entry    uint64
		protocol uint8
	)
	if err := get("entry point", &entry); err != nil {
		return State{}, err
	}
	if err := get("boot protocol", &protocol); err != nil {
		return State{}, err
	}
	s.Entry = abi.EntryPoint{Addr: hv.GuestAddress(entry), Protocol: abi.BootProtocol(protocol)}

	var nBindings uint32
	if err := get("binding count", &nBindings); err != nil {
		return State{}, err
	}
	if nBindings > maxListLen {
		return State{}, fmt.Errorf("%w: %d bindings", ErrFormat, nBindings)
	}
	for i := uint32(0); i < nBindings; i++ {
		b, err := readBinding(r)
		if err != nil {
			return State{}, fmt.Errorf("%w: binding %d: %w", ErrFormat, i, err)
		}
		s.Bindings = append(s.Bindings, b)
	}
	return s, nil
}

func readBinding(r io.Reader) (mmio.Binding, error) {
	le := binary.LittleEndian
	var devLen uint16
	if err := binary.Read(r, le, &devLen); err != nil {
		return mmio.Binding{}, err
	}
	dev := make([]byte, devLen)
	if _, err := io.ReadFull(r, dev); err != nil {
		return mmio.Binding{}, err
	}
	d, n, err := mmio.Decode(dev)
	if err != nil {
		return mmio.Binding{}, err
	}
	if n != len(dev) {
		return mmio.Binding{}, fmt.Errorf("device record has %d trailing bytes", len(dev)-n)
	}

	var window [2]uint64
	if err := binary.Read(r, le, &window); err != nil {
		return mmio.Binding{}, err
	}
	var nIRQs uint32
	if err := binary.Read(r, le, &nIRQs); err != nil {
		return mmio.Binding{}, err
	}
	if nIRQs > maxListLen {
		return mmio.Binding{}, fmt.Errorf("%d IRQ lines", nIRQs)
	}
	b := mmio.Binding{
		Device: d,
		Window: mmio.Window{Base: hv.GuestAddress(window[0]), Size: window[1]},
	}
	if nIRQs > 0 {
		b.IRQs = make([]mmio.IRQLine, nIRQs)
		if err := binary.Read(r, le, b.IRQs); err != nil {
			return mmio.Binding{}, err
		}
	}
	return b, nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxListLen {
		return "", fmt.Errorf("string of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Restore checks that s was written for layout and replays its bindings into
// alloc, which must not have allocated anything yet.
func Restore(s State, alloc *mmio.Allocator, layout abi.Layout) error {
	if s.Arch != layout.Arch {
		return fmt.Errorf("%w: snapshot is %s, running %s", ErrArchMismatch, s.Arch, layout.Arch)
	}
	if !s.Layout.equal(RecordLayout(layout)) {
		return fmt.Errorf("%w: MMIO or interrupt map changed since the snapshot was written", ErrLayoutMismatch)
	}
	if err := hv.ValidateRegions(s.Regions); err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	for _, b := range s.Bindings {
		if b.Device.Recognized() {
			continue
		}
		if newerBuild(s.BuildVersion, BuildVersion) {
			return fmt.Errorf("%s: %w: %w %s (running %s)",
				b.Device, mmio.ErrUnknownDeviceVariant, ErrNewerSnapshot, s.BuildVersion, BuildVersion)
		}
		return fmt.Errorf("%s: %w", b.Device, mmio.ErrUnknownDeviceVariant)
	}
	return alloc.Restore(s.Bindings)
}

func newerBuild(writer, running string) bool {
	writer, running = canonicalVersion(writer), canonicalVersion(running)
	if !semver.IsValid(writer) || !semver.IsValid(running) {
		return false
	}
	return semver.Compare(writer, running) > 0
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Save writes s to path.
func Save(path string, s State) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot from path.
func Load(path string) (State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(b)
}
