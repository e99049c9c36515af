package isolation

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrUndecodable is returned when the faulting instruction is not one of the
// memory-access forms the core knows how to hand back to the embedder.
var ErrUndecodable = errors.New("isolation: cannot decode device access instruction")

// DeviceAccess is a decoded guest access to an MMIO region, handed to the
// embedder to emulate. For reads the embedder supplies a value that the core
// writes into Reg; for writes Value carries what the guest stored.
type DeviceAccess struct {
	GPA   uint64
	Write bool
	Size  int // access width in bytes: 1, 2, 4 or 8

	// Reg is the guest register involved: destination for reads, source
	// for register writes. REG_NONE for immediate writes.
	Reg x86asm.Reg

	// Value is the stored value for writes. For register-source writes
	// the core fills it in from the guest register file before reporting.
	Value uint64

	// InstLen is the length of the faulting instruction, used to advance
	// the guest instruction pointer once the access is complete.
	InstLen int
}

func (d DeviceAccess) String() string {
	dir := "read"
	if d.Write {
		dir = "write"
	}
	return fmt.Sprintf("mmio %s %d bytes at %#x", dir, d.Size, d.GPA)
}

// DecodeDeviceAccess decodes the instruction bytes at the faulting guest
// instruction pointer into a device access. code must start at the faulting
// instruction; gpa and access come from the classified fault.
func DecodeDeviceAccess(code []byte, gpa uint64, access Access) (DeviceAccess, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return DeviceAccess{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	da := DeviceAccess{
		GPA:     gpa,
		Write:   access.Write,
		InstLen: inst.Len,
	}

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX:
	default:
		return DeviceAccess{}, fmt.Errorf("%w: %s at %#x", ErrUndecodable, inst.Op, gpa)
	}

	// Exactly one operand is the memory reference; the other is the
	// register or immediate taking part in the transfer.
	memIdx := -1
	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Mem); ok {
			memIdx = i
		}
	}
	if memIdx < 0 {
		return DeviceAccess{}, fmt.Errorf("%w: no memory operand at %#x", ErrUndecodable, gpa)
	}

	da.Size = inst.MemBytes
	if da.Size == 0 {
		da.Size = inst.DataSize / 8
	}
	switch da.Size {
	case 1, 2, 4, 8:
	default:
		return DeviceAccess{}, fmt.Errorf("%w: %d-byte access at %#x", ErrUndecodable, da.Size, gpa)
	}

	other := inst.Args[1-memIdx]
	switch arg := other.(type) {
	case x86asm.Reg:
		da.Reg = arg
	case x86asm.Imm:
		if !da.Write {
			return DeviceAccess{}, fmt.Errorf("%w: immediate destination at %#x", ErrUndecodable, gpa)
		}
		da.Reg = 0
		da.Value = uint64(arg) & widthMask(da.Size)
	default:
		return DeviceAccess{}, fmt.Errorf("%w: operand %T at %#x", ErrUndecodable, other, gpa)
	}

	return da, nil
}

func widthMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}
