package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/microvm/internal/config"
	"github.com/tinyrange/microvm/internal/devices/mmio"
	"github.com/tinyrange/microvm/internal/fdt"
	"github.com/tinyrange/microvm/internal/hv"
	"github.com/tinyrange/microvm/internal/hv/guestmem"
	"github.com/tinyrange/microvm/internal/initramfs"
	"github.com/tinyrange/microvm/internal/linux/boot"
	"github.com/tinyrange/microvm/internal/linux/boot/arm64"
	"github.com/tinyrange/microvm/internal/snapshot"
)

// stringSlice implements flag.Value for collecting multiple string flags.
type stringSlice struct {
	values []string
}

func (s *stringSlice) String() string {
	return strings.Join(s.values, ", ")
}

func (s *stringSlice) Set(value string) error {
	s.values = append(s.values, value)
	return nil
}

// recordingVCPU keeps the registers the configurator programs so they can be
// printed.
type recordingVCPU struct {
	id   int
	regs map[hv.Register]hv.RegisterValue
}

func (v *recordingVCPU) ID() int { return v.id }

func (v *recordingVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.regs = regs
	return nil
}

func setupLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func run() error {
	configPath := flag.String("config", "", "YAML VM description")
	memoryMB := flag.Uint64("mem", 0, "guest memory in MiB")
	cpus := flag.Int("cpus", 0, "number of vCPUs")
	kernel := flag.String("kernel", "", "kernel image (bzImage, vmlinux or arm64 Image)")
	initrd := flag.String("initrd", "", "initrd image")
	cmdline := flag.String("cmdline", "", "kernel command line")
	protocol := flag.String("protocol", "", "boot protocol: auto, linux or pvh")
	devices := &stringSlice{}
	flag.Var(devices, "device", "MMIO device (virtio:<id>, serial, rtc, boot-timer), can be specified multiple times")
	snapOut := flag.String("snapshot", "", "write the boot snapshot to this file")
	restore := flag.String("restore", "", "restore device bindings from a boot snapshot")
	dump := flag.String("dump", "", "write guest memory to this file")
	dumpRegs := flag.Bool("dump-regs", false, "print the initial register state of every vCPU")
	dumpFDT := flag.Bool("dump-fdt", false, "decode and print the device tree written to guest memory (arm64)")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this file")
	version := flag.Bool("version", false, "print the build version and supported device schemas")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `bootplan - lay out guest memory and boot state for a microVM

USAGE:
  bootplan [flags]

Values from -config are used first; flags given on the command line
override them. The guest architecture is the one bootplan was built for;
an arch entry in the config must match it. Initramfs sources in the config are read relative to the
config file's directory.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := setupLogging(*verbose)

	if *version {
		printVersion(os.Stdout)
		return nil
	}

	vm := config.VM{Version: 1}
	baseDir := "."
	if *configPath != "" {
		var err error
		if vm, err = config.Load(*configPath); err != nil {
			return err
		}
		baseDir = filepath.Dir(*configPath)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mem":
			vm.MemoryMB = *memoryMB
		case "cpus":
			vm.CPUs = *cpus
		case "kernel":
			vm.Kernel = *kernel
		case "initrd":
			vm.Initrd = *initrd
		case "cmdline":
			vm.Cmdline = strings.Fields(*cmdline)
		case "protocol":
			vm.Protocol = *protocol
		case "device":
			vm.Devices = devices.values
		case "snapshot":
			vm.Snapshot = *snapOut
		}
	})
	if vm.MemoryMB == 0 {
		vm.MemoryMB = config.DefaultMemoryMB
	}
	if vm.CPUs == 0 {
		vm.CPUs = config.DefaultCPUs
	}
	if err := vm.Validate(); err != nil {
		flag.Usage()
		return fmt.Errorf("invalid configuration: %w", err)
	}

	bootArch, err := boot.Native()
	if err != nil {
		return err
	}
	if err := vm.CheckArchitecture(bootArch.Name()); err != nil {
		return err
	}
	if *writeConfig != "" {
		if err := config.Write(*writeConfig, vm); err != nil {
			return err
		}
		logger.Info("wrote configuration", "path", *writeConfig)
	}

	alloc, err := mmio.NewAllocator(bootArch.Layout().Pool(), mmio.WithLogger(logger))
	if err != nil {
		return err
	}
	if *restore != "" {
		state, err := snapshot.Load(*restore)
		if err != nil {
			return err
		}
		if err := snapshot.Restore(state, alloc, bootArch.Layout()); err != nil {
			return fmt.Errorf("restore %s: %w", *restore, err)
		}
	} else {
		deviceTypes, _ := vm.DeviceTypes()
		for _, d := range deviceTypes {
			if _, err := alloc.Allocate(d); err != nil {
				return err
			}
		}
	}

	regions, err := bootArch.PlanRegions(vm.MemSize())
	if err != nil {
		return err
	}
	mem, err := guestmem.New(regions)
	if err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}
	defer mem.Close()

	kernelFile, err := os.Open(vm.Kernel)
	if err != nil {
		return fmt.Errorf("open kernel: %w", err)
	}
	defer kernelFile.Close()
	kernelInfo, err := kernelFile.Stat()
	if err != nil {
		return fmt.Errorf("stat kernel: %w", err)
	}

	proto, _ := vm.BootProtocol()
	bootCfg := boot.Config{
		MemSize:    vm.MemSize(),
		Kernel:     kernelFile,
		KernelSize: kernelInfo.Size(),
		Cmdline:    vm.CmdlineString(),
		Protocol:   proto,
		VCPUs:      vm.CPUs,
	}

	switch {
	case vm.Initrd != "":
		data, err := os.ReadFile(vm.Initrd)
		if err != nil {
			return fmt.Errorf("read initrd: %w", err)
		}
		bootCfg.Initrd, bootCfg.InitrdSize = bytes.NewReader(data), int64(len(data))
	case len(vm.Initramfs) > 0:
		var files []initramfs.File
		for _, f := range vm.Initramfs {
			files = append(files, initramfs.File{Source: f.Source, Path: f.Path, Mode: os.FileMode(f.Mode)})
		}
		data, err := initramfs.Build(os.DirFS(baseDir), files)
		if err != nil {
			return fmt.Errorf("build initramfs: %w", err)
		}
		bootCfg.Initrd, bootCfg.InitrdSize = bytes.NewReader(data), int64(len(data))
	}

	configurator := boot.NewConfigurator(bootArch, mem, alloc)
	configurator.Logger = logger
	entry, err := configurator.Configure(bootCfg)
	if err != nil {
		return err
	}

	vcpus := make([]hv.VirtualCPU, vm.CPUs)
	recorded := make([]*recordingVCPU, vm.CPUs)
	for i := range vcpus {
		recorded[i] = &recordingVCPU{id: i}
		vcpus[i] = recorded[i]
	}
	if err := configurator.ConfigureVCPUs(context.Background(), vcpus); err != nil {
		return err
	}

	printPlan(os.Stdout, configurator, alloc.Bindings())

	if *dumpRegs {
		for _, v := range recorded {
			fmt.Printf("vCPU %d:\n", v.id)
			spew.Fdump(os.Stdout, v.regs)
		}
	}

	if *dumpFDT {
		if bootArch.Name() != hv.ArchitectureARM64 {
			return fmt.Errorf("-dump-fdt: %s guests boot without a device tree", bootArch.Name())
		}
		if err := printDeviceTree(os.Stdout, mem, configurator.Regions()); err != nil {
			return err
		}
	}

	if *dump != "" {
		if err := dumpMemory(*dump, mem); err != nil {
			return err
		}
	}

	if vm.Snapshot != "" {
		state := snapshot.Capture(bootArch, configurator.Regions(), entry, alloc)
		if err := snapshot.Save(vm.Snapshot, state); err != nil {
			return err
		}
		sum, err := snapshot.Hash(state)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot  %s sha256:%s\n", vm.Snapshot, hex.EncodeToString(sum[:]))
	}
	return nil
}

func printPlan(w io.Writer, c *boot.Configurator, bindings []mmio.Binding) {
	p := c.Placement()
	for _, r := range c.Regions() {
		fmt.Fprintf(w, "region    %s\n", r)
	}
	fmt.Fprintf(w, "kernel    %s+%#x\n", p.KernelAddr, p.KernelSize)
	if p.Initrd != nil {
		fmt.Fprintf(w, "initrd    %s+%#x\n", p.Initrd.Address, p.Initrd.Size)
	}
	fmt.Fprintf(w, "entry     %s (%s)\n", p.Entry.Addr, p.Entry.Protocol)
	fmt.Fprintf(w, "cmdline   %q\n", c.Cmdline())
	for _, b := range bindings {
		fmt.Fprintf(w, "device    %-12s %s irqs %v\n", b.Device, b.Window, b.IRQs)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "bootplan %s (%s)\n", snapshot.BuildVersion, runtime.GOARCH)
	fmt.Fprintf(w, "snapshot format %d, device schemas %v\n", snapshot.FormatVersion, mmio.DefaultRegistry.Schemas())
}

// printDeviceTree decodes the blob at the arm64 device tree address and lists
// every node with its compatible string and reg cells.
func printDeviceTree(w io.Writer, mem *guestmem.Memory, regions []hv.MemoryRegion) error {
	addr, err := arm64.FDTAddress(regions)
	if err != nil {
		return err
	}
	blob, err := mem.Slice(addr, arm64.FDTMaxSize)
	if err != nil {
		return fmt.Errorf("read device tree: %w", err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		return fmt.Errorf("decode device tree at %s: %w", addr, err)
	}
	if chosen, ok := root.Lookup("/chosen"); ok {
		if args, ok := chosen.String("bootargs"); ok {
			fmt.Fprintf(w, "fdt       /chosen bootargs %q\n", args)
		}
	}
	var walk func(path string, n *fdt.Node)
	walk = func(path string, n *fdt.Node) {
		line := path
		if compat, ok := n.Strings("compatible"); ok {
			line += " " + strings.Join(compat, ",")
		}
		if reg, ok := n.U64s("reg"); ok {
			line += fmt.Sprintf(" reg %#x", reg)
		} else if reg, ok := n.U32s("reg"); ok {
			line += fmt.Sprintf(" reg %#x", reg)
		}
		fmt.Fprintf(w, "fdt       %s\n", line)
		for _, c := range n.Children {
			walk(strings.TrimSuffix(path, "/")+"/"+c.Name, c)
		}
	}
	walk("/", root)
	return nil
}

func dumpMemory(path string, mem *guestmem.Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(mem.Size()), "dump guest memory")
	defer bar.Close()

	if _, err := mem.Dump(io.MultiWriter(f, bar)); err != nil {
		return fmt.Errorf("dump guest memory: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dump file: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bootplan: %v\n", err)
		os.Exit(1)
	}
}
