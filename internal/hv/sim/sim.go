// Package sim provides a software backend for development, tests and hosts
// without a usable virtualization extension. Guest entries return scripted
// exits instead of executing code; everything else behaves like a real
// backend, so machine lifecycle, isolation setup and exit servicing can be
// exercised end to end.
package sim

import (
	"context"
	"fmt"

	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
)

// Backend is a scriptable hv.Backend.
type Backend struct {
	alloc hostmem.Allocator
	block hostmem.PhysAddr

	gprs   hv.GPRFile
	rip    uint64
	rsp    uint64
	rflags uint64
	cr0    uint64
	cr2    uint64
	cr3    uint64
	cr4    uint64
	efer   uint64

	tag    uint16
	root   uint64
	script []hv.Exit
	closed bool
}

// New builds a simulated backend. The control block is a real allocator
// page so the machine teardown path is identical to the hardware backends.
func New(alloc hostmem.Allocator, script ...hv.Exit) (*Backend, error) {
	block, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("sim: allocate control block: %w", err)
	}
	return &Backend{
		alloc:  alloc,
		block:  block,
		rflags: 0x2,
		script: script,
	}, nil
}

// Queue appends exits to the script. Once the script runs dry, Enter
// reports a final halt with interrupts disabled.
func (b *Backend) Queue(exits ...hv.Exit) {
	b.script = append(b.script, exits...)
}

// Vendor implements hv.Backend.
func (b *Backend) Vendor() hv.Vendor { return hv.VendorSim }

// ControlBlock implements hv.Backend.
func (b *Backend) ControlBlock() hostmem.PhysAddr { return b.block }

// SetTaggingID implements hv.Backend.
func (b *Backend) SetTaggingID(id uint16) error {
	b.tag = id
	return nil
}

// SetNestedRoot implements hv.Backend.
func (b *Backend) SetNestedRoot(pointer uint64) error {
	b.root = pointer
	return nil
}

// TaggingID returns the installed TLB tag, for inspection.
func (b *Backend) TaggingID() uint16 { return b.tag }

// NestedRoot returns the installed translation root, for inspection.
func (b *Backend) NestedRoot() uint64 { return b.root }

// SetGuestMode implements hv.Backend.
func (b *Backend) SetGuestMode(mode hv.GuestMode) error {
	switch m := mode.(type) {
	case hv.RealMode:
		b.gprs = hv.GPRFile{}
		b.rip = uint64(m.CS)<<4 + uint64(m.IP)
		b.rsp = 0
		b.cr0, b.cr3, b.cr4, b.efer = 0, 0, 0, 0
	case hv.ProtectedMode:
		b.gprs = hv.GPRFile{}
		b.rip = uint64(m.EIP)
		b.rsp = uint64(m.ESP)
		b.cr0, b.cr3, b.cr4, b.efer = 0x1, 0, 0, 0
	case hv.LongMode:
		b.gprs = hv.GPRFile{Rsi: m.RSI}
		b.rip = m.RIP
		b.rsp = m.RSP
		b.cr0 = 0x8001_0033
		b.cr3 = m.CR3
		b.cr4 = 0x20
		b.efer = 0x500
	default:
		return fmt.Errorf("sim: unsupported guest mode %T", mode)
	}
	b.rflags = 0x2
	return nil
}

// ReadRegister implements hv.Backend.
func (b *Backend) ReadRegister(reg hv.Register) (uint64, error) {
	if v, ok := b.gprs.Get(reg); ok {
		return v, nil
	}
	switch reg {
	case hv.RegisterRsp:
		return b.rsp, nil
	case hv.RegisterRip:
		return b.rip, nil
	case hv.RegisterRflags:
		return b.rflags, nil
	case hv.RegisterCr0:
		return b.cr0, nil
	case hv.RegisterCr2:
		return b.cr2, nil
	case hv.RegisterCr3:
		return b.cr3, nil
	case hv.RegisterCr4:
		return b.cr4, nil
	case hv.RegisterEfer:
		return b.efer, nil
	}
	return 0, fmt.Errorf("sim: unreadable register %s", reg)
}

// WriteRegister implements hv.Backend.
func (b *Backend) WriteRegister(reg hv.Register, value uint64) error {
	if b.gprs.Set(reg, value) {
		return nil
	}
	switch reg {
	case hv.RegisterRsp:
		b.rsp = value
	case hv.RegisterRip:
		b.rip = value
	case hv.RegisterRflags:
		b.rflags = value
	case hv.RegisterCr2:
		b.cr2 = value
	case hv.RegisterCr3:
		b.cr3 = value
	default:
		return fmt.Errorf("sim: unwritable register %s", reg)
	}
	return nil
}

// Registers implements hv.Backend.
func (b *Backend) Registers() (*hv.Registers, error) {
	return &hv.Registers{
		GPRFile: b.gprs,
		Rsp:     b.rsp,
		Rip:     b.rip,
		Rflags:  b.rflags,
		Cr0:     b.cr0,
		Cr2:     b.cr2,
		Cr3:     b.cr3,
		Cr4:     b.cr4,
		Efer:    b.efer,
	}, nil
}

// AdvanceRIP implements hv.Backend.
func (b *Backend) AdvanceRIP(instLen int) error {
	b.rip += uint64(instLen)
	return nil
}

// Enter implements hv.Backend: it pops the next scripted exit.
func (b *Backend) Enter(ctx context.Context) (hv.Exit, error) {
	if err := ctx.Err(); err != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}
	if len(b.script) == 0 {
		return hv.Exit{Kind: hv.ExitHalt}, nil
	}
	exit := b.script[0]
	b.script = b.script[1:]
	return exit, nil
}

// Close implements hv.Backend.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.alloc.FreePage(b.block)
}

var _ hv.Backend = (*Backend)(nil)
