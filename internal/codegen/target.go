package codegen

import (
	"fmt"
	"runtime"
)

// ---------------------------------------------------------------------------
// OS / Architecture / Target enums
// ---------------------------------------------------------------------------

// OS represents a target operating system.
type OS int

const (
	OS_Linux OS = iota
	OS_Darwin
	OS_Windows
)

func (o OS) String() string {
	switch o {
	case OS_Linux:
		return "linux"
	case OS_Darwin:
		return "darwin"
	case OS_Windows:
		return "windows"
	default:
		return "unknown"
	}
}

// Arch represents a target CPU architecture.
type Arch int

const (
	Arch_x86_64 Arch = iota
	Arch_ARM64       // AArch64
	Arch_WASM32      // WebAssembly text output
)

func (a Arch) String() string {
	switch a {
	case Arch_x86_64:
		return "x86_64"
	case Arch_ARM64:
		return "arm64"
	case Arch_WASM32:
		return "wasm32"
	default:
		return "unknown"
	}
}

// CallConv identifies the calling convention used for prologue/epilogue and
// argument placement.
type CallConv int

const (
	CallConvSysV    CallConv = iota // System V AMD64 (Linux, macOS)
	CallConvMS                      // Microsoft x64
	CallConvAAPCS64                 // ARM 64-bit procedure call standard
	CallConvWASM                    // WebAssembly locals/stack machine
)

func (c CallConv) String() string {
	switch c {
	case CallConvSysV:
		return "sysv"
	case CallConvMS:
		return "ms_x64"
	case CallConvAAPCS64:
		return "aapcs64"
	case CallConvWASM:
		return "wasm"
	default:
		return "unknown"
	}
}

// AsmDialect controls the assembly syntax the emitter produces.
type AsmDialect int

const (
	DialectATT   AsmDialect = iota // AT&T syntax (GNU as / clang)
	DialectIntel                   // Intel syntax (NASM-style)
	DialectWASM                    // WebAssembly text format
)

func (d AsmDialect) String() string {
	switch d {
	case DialectATT:
		return "att"
	case DialectIntel:
		return "intel"
	case DialectWASM:
		return "wasm"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// Register is an abstract register id.  The id space is per-architecture:
// on x86-64 it follows the hardware encoding (RAX=0 … R15=15); on AArch64
// it is X0 … X30.  The allocator never hands out ids outside the target's
// Allocatable list.
type Register = uint8

// RegNone marks "no register" in instruction operands and allocator results.
const RegNone Register = 0xFF

// x86-64 general-purpose registers, hardware encoding order.
const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var x86RegNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// XMMBase is the id of xmm0 in the x86-64 register space.  The generator
// uses xmm0/xmm1 as fixed floating-point scratch; they are never in the
// allocatable set.
const XMMBase Register = 16

var arm64RegNames = [32]string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "x30", "sp",
}

// ---------------------------------------------------------------------------
// Target — a fully-resolved compilation target
// ---------------------------------------------------------------------------

// Target holds everything the generator, allocator and emitter need to know
// about the compilation target: architecture, calling convention, syntax
// dialect, register roles and save partitions.
type Target struct {
	OS       OS
	Arch     Arch
	CallConv CallConv
	Dialect  AsmDialect

	// Register roles.
	ReturnReg Register
	StackPtr  Register
	FramePtr  Register
	ArgRegs   []Register // integer argument registers, in order

	// Save partitions under the calling convention.
	CallerSaved []Register
	CalleeSaved []Register

	// Allocatable is the ordered set the register allocator draws from.
	// Caller-saved registers come first so short-lived values avoid
	// save/restore traffic; the stack and frame pointers are excluded.
	Allocatable []Register

	// ShadowSpace is the caller-reserved spill area in bytes (32 on MS x64,
	// 0 elsewhere).
	ShadowSpace int

	// StackAlign is the required stack alignment at call sites.
	StackAlign int

	// SymbolPrefix: Mach-O prepends "_" to global symbols.
	SymbolPrefix string
}

// HostTarget returns a Target matching the current Go runtime (GOOS/GOARCH).
func HostTarget() (*Target, error) {
	return ResolveTarget(runtime.GOOS, runtime.GOARCH)
}

// ResolveTarget builds a Target from OS/arch name strings (same names Go
// uses).  The calling convention and default dialect follow from the pair:
// windows/amd64 is MS x64 with Intel syntax, other amd64 targets are
// System V with AT&T syntax, arm64 is AAPCS64, wasm is the text format.
func ResolveTarget(osName, archName string) (*Target, error) {
	t := &Target{}

	switch osName {
	case "linux":
		t.OS = OS_Linux
	case "darwin":
		t.OS = OS_Darwin
	case "windows":
		t.OS = OS_Windows
	default:
		return nil, fmt.Errorf("unsupported OS: %s", osName)
	}

	switch archName {
	case "amd64", "x86_64":
		t.Arch = Arch_x86_64
	case "arm64", "aarch64":
		t.Arch = Arch_ARM64
	case "wasm", "wasm32":
		t.Arch = Arch_WASM32
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", archName)
	}

	switch t.Arch {
	case Arch_x86_64:
		t.fillX86_64()
	case Arch_ARM64:
		t.fillARM64()
	case Arch_WASM32:
		t.fillWASM32()
	}

	if t.OS == OS_Darwin {
		t.SymbolPrefix = "_"
	}

	return t, nil
}

// ---------------------------------------------------------------------------
// Architecture-specific initialization
// ---------------------------------------------------------------------------

func (t *Target) fillX86_64() {
	t.ReturnReg = RAX
	t.StackPtr = RSP
	t.FramePtr = RBP
	t.StackAlign = 16

	switch t.OS {
	case OS_Windows:
		t.CallConv = CallConvMS
		t.Dialect = DialectIntel
		t.ArgRegs = []Register{RCX, RDX, R8, R9}
		t.CallerSaved = []Register{RAX, RCX, RDX, R8, R9, R10, R11}
		t.CalleeSaved = []Register{RBX, RSI, RDI, R12, R13, R14, R15}
		t.ShadowSpace = 32
	default:
		t.CallConv = CallConvSysV
		t.Dialect = DialectATT
		t.ArgRegs = []Register{RDI, RSI, RDX, RCX, R8, R9}
		t.CallerSaved = []Register{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11}
		t.CalleeSaved = []Register{RBX, R12, R13, R14, R15}
	}

	t.Allocatable = append(append([]Register{}, t.CallerSaved...), t.CalleeSaved...)
}

func (t *Target) fillARM64() {
	t.CallConv = CallConvAAPCS64
	t.Dialect = DialectATT
	t.ReturnReg = 0  // x0
	t.StackPtr = 31  // sp
	t.FramePtr = 29  // x29
	t.StackAlign = 16
	t.ArgRegs = []Register{0, 1, 2, 3, 4, 5, 6, 7}

	// x0-x17 caller-saved (x16/x17 are intra-call scratch), x19-x28
	// callee-saved.  x18 is the platform register and is never allocated;
	// x29/x30 are frame pointer and link register.
	t.CallerSaved = []Register{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	t.CalleeSaved = []Register{19, 20, 21, 22, 23, 24, 25, 26, 27, 28}
	t.Allocatable = append(append([]Register{}, t.CallerSaved...), t.CalleeSaved...)
}

func (t *Target) fillWASM32() {
	t.CallConv = CallConvWASM
	t.Dialect = DialectWASM
	t.StackAlign = 16
	// WebAssembly has no architectural registers; abstract ids map to
	// numbered locals in the emitter.  A generous window keeps the
	// allocator out of spill paths.
	t.ReturnReg = 0
	t.StackPtr = RegNone
	t.FramePtr = RegNone
	for r := Register(0); r < 32; r++ {
		t.Allocatable = append(t.Allocatable, r)
		t.CallerSaved = append(t.CallerSaved, r)
	}
}

// ---------------------------------------------------------------------------
// Helper queries
// ---------------------------------------------------------------------------

// RegisterName returns the architecture name for a register id, without any
// dialect decoration (the emitter adds "%" for AT&T).
func (t *Target) RegisterName(r Register) string {
	switch t.Arch {
	case Arch_x86_64:
		if int(r) < len(x86RegNames) {
			return x86RegNames[r]
		}
		if r >= XMMBase && r < XMMBase+16 {
			return fmt.Sprintf("xmm%d", r-XMMBase)
		}
	case Arch_ARM64:
		if int(r) < len(arm64RegNames) {
			return arm64RegNames[r]
		}
	case Arch_WASM32:
		return fmt.Sprintf("$r%d", r)
	}
	return fmt.Sprintf("r?%d", r)
}

// IsCalleeSaved reports whether the calling convention requires the callee
// to preserve r.
func (t *Target) IsCalleeSaved(r Register) bool {
	for _, c := range t.CalleeSaved {
		if c == r {
			return true
		}
	}
	return false
}

// Sym returns a symbol name with the target prefix applied.
func (t *Target) Sym(name string) string {
	return t.SymbolPrefix + name
}

// FileExtAsm returns the assembly file extension for the dialect.
func (t *Target) FileExtAsm() string {
	switch t.Dialect {
	case DialectWASM:
		return ".wat"
	case DialectIntel:
		return ".asm"
	default:
		return ".s"
	}
}
