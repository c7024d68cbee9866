package hv

import (
	"errors"
	"fmt"
	"io"
)

var ErrGuestMemory = errors.New("guest memory access out of range")

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// Segment is an x86 segment register in the unpacked form the virtualization
// facility consumes.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

func (s Segment) isRegisterValue() {}

// DescriptorTable describes a GDTR/IDTR value.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

func (d DescriptorTable) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Segment and Control Registers
	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
	RegisterAMD64Tr
	RegisterAMD64Gdtr
	RegisterAMD64Idtr
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer

	// AMD64 FPU state
	RegisterAMD64Fcw
	RegisterAMD64Mxcsr

	// AMD64 Model Specific Registers
	RegisterAMD64MsrSysenterCs
	RegisterAMD64MsrSysenterEsp
	RegisterAMD64MsrSysenterEip
	RegisterAMD64MsrStar
	RegisterAMD64MsrCstar
	RegisterAMD64MsrKernelGsBase
	RegisterAMD64MsrSyscallMask
	RegisterAMD64MsrLstar
	RegisterAMD64MsrTsc
	RegisterAMD64MsrMiscEnable

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Vbar
	RegisterARM64SctlrEl1

	registerCount
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:             "rax",
	RegisterAMD64Rbx:             "rbx",
	RegisterAMD64Rcx:             "rcx",
	RegisterAMD64Rdx:             "rdx",
	RegisterAMD64Rsi:             "rsi",
	RegisterAMD64Rdi:             "rdi",
	RegisterAMD64Rsp:             "rsp",
	RegisterAMD64Rbp:             "rbp",
	RegisterAMD64Rip:             "rip",
	RegisterAMD64Rflags:          "rflags",
	RegisterAMD64Cs:              "cs",
	RegisterAMD64Ds:              "ds",
	RegisterAMD64Es:              "es",
	RegisterAMD64Fs:              "fs",
	RegisterAMD64Gs:              "gs",
	RegisterAMD64Ss:              "ss",
	RegisterAMD64Tr:              "tr",
	RegisterAMD64Gdtr:            "gdtr",
	RegisterAMD64Idtr:            "idtr",
	RegisterAMD64Cr0:             "cr0",
	RegisterAMD64Cr3:             "cr3",
	RegisterAMD64Cr4:             "cr4",
	RegisterAMD64Efer:            "efer",
	RegisterAMD64Fcw:             "fcw",
	RegisterAMD64Mxcsr:           "mxcsr",
	RegisterAMD64MsrSysenterCs:   "msr_sysenter_cs",
	RegisterAMD64MsrSysenterEsp:  "msr_sysenter_esp",
	RegisterAMD64MsrSysenterEip:  "msr_sysenter_eip",
	RegisterAMD64MsrStar:         "msr_star",
	RegisterAMD64MsrCstar:        "msr_cstar",
	RegisterAMD64MsrKernelGsBase: "msr_kernel_gs_base",
	RegisterAMD64MsrSyscallMask:  "msr_syscall_mask",
	RegisterAMD64MsrLstar:        "msr_lstar",
	RegisterAMD64MsrTsc:          "msr_tsc",
	RegisterAMD64MsrMiscEnable:   "msr_misc_enable",
	RegisterARM64Sp:              "sp",
	RegisterARM64Pc:              "pc",
	RegisterARM64Pstate:          "pstate",
	RegisterARM64Vbar:            "vbar_el1",
	RegisterARM64SctlrEl1:        "sctlr_el1",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	if r >= RegisterARM64X0 && r <= RegisterARM64X30 {
		return fmt.Sprintf("x%d", r-RegisterARM64X0)
	}
	if r >= RegisterAMD64R8 && r <= RegisterAMD64R15 {
		return fmt.Sprintf("r%d", r-RegisterAMD64R8+8)
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// RegisterFile is the complete initial register state of one vCPU.
type RegisterFile map[Register]RegisterValue

// Uint64 returns the value of a plain 64-bit register.
func (f RegisterFile) Uint64(r Register) (uint64, bool) {
	v, ok := f[r].(Register64)
	return uint64(v), ok
}

// VirtualCPU is the sink the boot code programs. Implementations are supplied by
// the vCPU lifecycle layer.
type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
}

// GuestMemory gives bounded access to guest-physical memory. Offsets passed to
// ReadAt and WriteAt are guest-physical addresses; accesses that are not fully
// backed by a single region fail with ErrGuestMemory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	Regions() []MemoryRegion
}
