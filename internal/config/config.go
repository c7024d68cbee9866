// Package config loads the YAML description of a VM to boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/linux/boot/abi"
)

const (
	DefaultFilename = "microvm.yaml"
	DefaultMemoryMB = 128
	DefaultCPUs     = 1
)

// VM describes the guest the boot planner prepares.
type VM struct {
	Version int `yaml:"version"`
	// Arch, when set, must name the architecture the binary was built for.
	Arch string `yaml:"arch,omitempty"`

	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	CPUs     int    `yaml:"cpus,omitempty"`

	Kernel   string   `yaml:"kernel"`
	Initrd   string   `yaml:"initrd,omitempty"`
	Cmdline  []string `yaml:"cmdline,omitempty"`
	Protocol string   `yaml:"protocol,omitempty"`

	// Devices lists MMIO devices in attach order, e.g. "virtio:2", "serial".
	Devices []string `yaml:"devices,omitempty"`

	// Initramfs builds an initrd from host files when Initrd is empty.
	Initramfs []File `yaml:"initramfs,omitempty"`

	Snapshot string `yaml:"snapshot,omitempty"`
}

// File is a host file copied into a synthesized initramfs.
type File struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
	Mode   uint32 `yaml:"mode,omitempty"`
}

func (v *VM) normalize() {
	if v.Version == 0 {
		v.Version = 1
	}
	if v.MemoryMB == 0 {
		v.MemoryMB = DefaultMemoryMB
	}
	if v.CPUs == 0 {
		v.CPUs = DefaultCPUs
	}
	for i := range v.Initramfs {
		if v.Initramfs[i].Mode == 0 {
			v.Initramfs[i].Mode = 0o644
		}
	}
}

// Validate reports the first field that cannot be turned into a boot request.
func (v VM) Validate() error {
	if v.Version != 1 {
		return fmt.Errorf("unsupported config version %d", v.Version)
	}
	if v.Arch != "" {
		if _, err := v.Architecture(); err != nil {
			return err
		}
	}
	if v.Kernel == "" {
		return fmt.Errorf("kernel is required")
	}
	if v.CPUs < 0 {
		return fmt.Errorf("cpus must not be negative")
	}
	if _, err := v.BootProtocol(); err != nil {
		return err
	}
	if _, err := v.DeviceTypes(); err != nil {
		return err
	}
	for _, f := range v.Initramfs {
		if f.Source == "" || f.Path == "" {
			return fmt.Errorf("initramfs entries need both source and path")
		}
	}
	return nil
}

// Architecture returns the configured CPU architecture.
func (v VM) Architecture() (hv.CpuArchitecture, error) {
	switch strings.ToLower(v.Arch) {
	case "x86_64", "amd64":
		return hv.ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return hv.ArchitectureARM64, nil
	default:
		return hv.ArchitectureInvalid, fmt.Errorf("%w: %q", abi.ErrUnsupportedArchitecture, v.Arch)
	}
}

// CheckArchitecture reports whether the config can boot on built. An empty
// Arch accepts any build.
func (v VM) CheckArchitecture(built hv.CpuArchitecture) error {
	if v.Arch == "" {
		return nil
	}
	want, err := v.Architecture()
	if err != nil {
		return err
	}
	if want != built {
		return fmt.Errorf("%w: config wants %s, binary is %s", abi.ErrUnsupportedArchitecture, want, built)
	}
	return nil
}

// MemSize returns the guest memory size in bytes.
func (v VM) MemSize() uint64 { return v.MemoryMB << 20 }

// CmdlineString joins the command line arguments.
func (v VM) CmdlineString() string { return strings.Join(v.Cmdline, " ") }

// BootProtocol maps the protocol name to its ABI value. An empty name lets the
// kernel image choose.
func (v VM) BootProtocol() (abi.BootProtocol, error) {
	return ParseProtocol(v.Protocol)
}

// ParseProtocol accepts "", "auto", "linux" and "pvh".
func ParseProtocol(s string) (abi.BootProtocol, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return 0, nil
	case "linux":
		return abi.LinuxBoot, nil
	case "pvh":
		return abi.PvhBoot, nil
	default:
		return 0, fmt.Errorf("unknown boot protocol %q", s)
	}
}

// DeviceTypes parses the device list.
func (v VM) DeviceTypes() ([]mmio.DeviceType, error) {
	var out []mmio.DeviceType
	for _, s := range v.Devices {
		d, err := ParseDevice(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseDevice accepts "virtio:<id>", "serial", "rtc" and "boot-timer".
func ParseDevice(s string) (mmio.DeviceType, error) {
	name, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "virtio":
		if !hasArg {
			return mmio.DeviceType{}, fmt.Errorf("device %q: virtio needs an id, e.g. virtio:2", s)
		}
		id, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			return mmio.DeviceType{}, fmt.Errorf("device %q: %w", s, err)
		}
		return mmio.Virtio(uint32(id)), nil
	case "serial":
		return mmio.Serial, nil
	case "rtc":
		return mmio.Rtc, nil
	case "boot-timer", "boottimer":
		return mmio.BootTimer, nil
	}
	return mmio.DeviceType{}, fmt.Errorf("device %q: %w", s, mmio.ErrUnknownDeviceVariant)
}

// Load reads and normalizes a VM description.
func Load(path string) (VM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VM{}, fmt.Errorf("read %s: %w", path, err)
	}
	var v VM
	if err := yaml.Unmarshal(data, &v); err != nil {
		return VM{}, fmt.Errorf("parse %s: %w", path, err)
	}
	v.normalize()
	return v, nil
}

// Write stores v as YAML at path.
func Write(path string, v VM) error {
	v.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
