package hv

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestDecodedRegisterFoldsSubWidthNames(t *testing.T) {
	cases := map[x86asm.Reg]Register{
		x86asm.AL:   RegisterRax,
		x86asm.BX:   RegisterRbx,
		x86asm.ECX:  RegisterRcx,
		x86asm.RDX:  RegisterRdx,
		x86asm.SIB:  RegisterRsi,
		x86asm.DIB:  RegisterRdi,
		x86asm.BPB:  RegisterRbp,
		x86asm.SPB:  RegisterRsp,
		x86asm.R8B:  RegisterR8,
		x86asm.R15W: RegisterR15,
	}
	for in, want := range cases {
		got, ok := decodedRegister(in)
		if !ok || got != want {
			t.Errorf("decodedRegister(%v) = %v, %v; want %v", in, got, ok, want)
		}
	}

	if _, ok := decodedRegister(x86asm.CS); ok {
		t.Error("segment register folded onto a GPR")
	}
}
