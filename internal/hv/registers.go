package hv

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Register names one guest register the embedder can read or write.
type Register int

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15

	RegisterRip
	RegisterRflags

	RegisterCr0
	RegisterCr2
	RegisterCr3
	RegisterCr4
	RegisterEfer
)

func (r Register) String() string {
	names := [...]string{
		"invalid",
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "rflags",
		"cr0", "cr2", "cr3", "cr4", "efer",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("register(%d)", int(r))
}

// GPRFile holds the general-purpose registers the hardware does not save in
// the control block. Ports save and restore it around each guest entry.
type GPRFile struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Get returns a GPR by name. Non-GPR registers return false.
func (g *GPRFile) Get(r Register) (uint64, bool) {
	switch r {
	case RegisterRax:
		return g.Rax, true
	case RegisterRbx:
		return g.Rbx, true
	case RegisterRcx:
		return g.Rcx, true
	case RegisterRdx:
		return g.Rdx, true
	case RegisterRsi:
		return g.Rsi, true
	case RegisterRdi:
		return g.Rdi, true
	case RegisterRbp:
		return g.Rbp, true
	case RegisterR8:
		return g.R8, true
	case RegisterR9:
		return g.R9, true
	case RegisterR10:
		return g.R10, true
	case RegisterR11:
		return g.R11, true
	case RegisterR12:
		return g.R12, true
	case RegisterR13:
		return g.R13, true
	case RegisterR14:
		return g.R14, true
	case RegisterR15:
		return g.R15, true
	}
	return 0, false
}

// Set stores a GPR by name. Non-GPR registers return false.
func (g *GPRFile) Set(r Register, v uint64) bool {
	switch r {
	case RegisterRax:
		g.Rax = v
	case RegisterRbx:
		g.Rbx = v
	case RegisterRcx:
		g.Rcx = v
	case RegisterRdx:
		g.Rdx = v
	case RegisterRsi:
		g.Rsi = v
	case RegisterRdi:
		g.Rdi = v
	case RegisterRbp:
		g.Rbp = v
	case RegisterR8:
		g.R8 = v
	case RegisterR9:
		g.R9 = v
	case RegisterR10:
		g.R10 = v
	case RegisterR11:
		g.R11 = v
	case RegisterR12:
		g.R12 = v
	case RegisterR13:
		g.R13 = v
	case RegisterR14:
		g.R14 = v
	case RegisterR15:
		g.R15 = v
	default:
		return false
	}
	return true
}

// Registers is a full copy-out of the architectural state the introspection
// layer exposes.
type Registers struct {
	GPRFile

	Rsp    uint64
	Rip    uint64
	Rflags uint64

	Cr0  uint64
	Cr2  uint64
	Cr3  uint64
	Cr4  uint64
	Efer uint64
}

// decodedRegister maps an instruction-decoder register operand to the
// corresponding guest register. Sub-width names fold onto their full
// register; MMIO access width is tracked separately.
func decodedRegister(r x86asm.Reg) (Register, bool) {
	switch r {
	case x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return RegisterRax, true
	case x86asm.BL, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return RegisterRbx, true
	case x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return RegisterRcx, true
	case x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return RegisterRdx, true
	case x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI:
		return RegisterRsi, true
	case x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI:
		return RegisterRdi, true
	case x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return RegisterRbp, true
	case x86asm.SPB, x86asm.SP, x86asm.ESP, x86asm.RSP:
		return RegisterRsp, true
	case x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8:
		return RegisterR8, true
	case x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9:
		return RegisterR9, true
	case x86asm.R10B, x86asm.R10W, x86asm.R10L, x86asm.R10:
		return RegisterR10, true
	case x86asm.R11B, x86asm.R11W, x86asm.R11L, x86asm.R11:
		return RegisterR11, true
	case x86asm.R12B, x86asm.R12W, x86asm.R12L, x86asm.R12:
		return RegisterR12, true
	case x86asm.R13B, x86asm.R13W, x86asm.R13L, x86asm.R13:
		return RegisterR13, true
	case x86asm.R14B, x86asm.R14W, x86asm.R14L, x86asm.R14:
		return RegisterR14, true
	case x86asm.R15B, x86asm.R15W, x86asm.R15L, x86asm.R15:
		return RegisterR15, true
	}
	return RegisterInvalid, false
}
