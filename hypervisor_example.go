//go:build ignore

// This file demonstrates the public API of the trustvm package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"fmt"
	"os"

	trustvm "github.com/trustvm/core"
	"github.com/trustvm/core/internal/hv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// NewHeapArena - host page allocator (kernels supply a physical arena)
	// =========================================================================
	alloc, err := trustvm.NewHeapArena(256 << 20)
	if err != nil {
		return fmt.Errorf("new arena: %w", err)
	}
	defer alloc.Close()

	// =========================================================================
	// DetectCapabilities / CapabilityReport - host virtualization probe
	// =========================================================================
	// The CPUID querier and MSR reader are privileged; an embedding kernel
	// passes its own. The zero Capabilities value means "nothing usable".
	caps := trustvm.Capabilities{}
	fmt.Print(trustvm.CapabilityReport(caps))

	// =========================================================================
	// NewBackend / NewSimulatedBackend - backend construction
	// =========================================================================
	// Hardware backends need the privileged ports:
	//   backend, err := trustvm.NewBackend(caps, trustvm.Ports{VMX: ..., MSR: ...}, alloc, nil)
	// The simulated backend runs anywhere:
	backend, err := trustvm.NewSimulatedBackend(alloc)
	if err != nil {
		return fmt.Errorf("new backend: %w", err)
	}
	_ = backend.Close() // the manager below builds its own

	// =========================================================================
	// NewManager - machine registry over an allocator and a backend factory
	// =========================================================================
	factory := func(vendor hv.Vendor) (trustvm.Backend, error) {
		return trustvm.NewSimulatedBackend(alloc)
	}
	mgr := trustvm.NewManager(alloc, factory, nil)
	defer mgr.DestroyAll()

	// =========================================================================
	// ParseMachineConfig - YAML machine definition
	// =========================================================================
	cfg, err := trustvm.ParseMachineConfig([]byte(`
name: demo
memory: 4194304
mmio:
  - name: uart
    base: 0xFEB00000
    size: 4096
`))
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	// =========================================================================
	// Manager.Create - build, register, initialize
	// =========================================================================
	m, err := mgr.Create(cfg)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	// The machine is initialized: RAM allocated, nested tables built, a
	// nonzero tagging identifier held.
	fmt.Println("state:", m.State())
	fmt.Println("tag:", m.TaggingID())
	fmt.Println("vendor:", m.Vendor())

	// =========================================================================
	// Machine.LoadLinux - direct bzImage boot (or SetGuestMode for flat binaries)
	// =========================================================================
	if kernel, err := os.ReadFile("/boot/vmlinuz"); err == nil {
		err = m.LoadLinux(kernel, trustvm.BootOptions{
			Cmdline: "console=ttyS0",
		})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
	} else {
		// No kernel on hand: enter a flat 32-bit guest instead.
		if err := m.SetGuestMode(hv.ProtectedMode{EIP: 0x1000}); err != nil {
			return fmt.Errorf("set mode: %w", err)
		}
	}

	// =========================================================================
	// Manager.Run - run until the guest needs attention
	// =========================================================================
	for {
		report, err := mgr.Run(ctx, "demo")
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		switch report.Kind {
		case trustvm.ReportDeviceAccess:
			// Emulate the device: supply a value for reads, ack writes.
			if report.Device.Write {
				fmt.Printf("mmio write %#x <- %#x\n", report.Device.GPA, report.Device.Value)
				if err := m.CompleteDeviceAccess(); err != nil {
					return err
				}
			} else {
				if err := m.CompleteDeviceRead(0); err != nil {
					return err
				}
			}
			continue

		case trustvm.ReportIO:
			if report.IO.Write {
				err = m.CompleteDeviceAccess()
			} else {
				err = m.CompleteDeviceRead(0)
			}
			if err != nil {
				return err
			}
			continue

		case trustvm.ReportHypercall:
			if err := m.CompleteDeviceAccess(); err != nil {
				return err
			}
			continue
		}

		// Halt, shutdown, violation or cancellation.
		fmt.Println("exit:", report.Kind)
		break
	}

	// =========================================================================
	// Machine.Stats / RegisterSnapshot / Manager.Events - inspection
	// =========================================================================
	st := m.Stats()
	fmt.Printf("entries=%d halts=%d io=%d faults=%d\n",
		st.Entries, st.Halts, st.IOExits, st.MemoryFaults)

	if snap, err := m.RegisterSnapshot(); err == nil {
		fmt.Printf("rip=%#x rsp=%#x cr3=%#x\n", snap.Rip, snap.Rsp, snap.Cr3)
	}

	for _, ev := range mgr.Events() {
		fmt.Println(ev.Time.Format("15:04:05"), ev.Machine, ev.What)
	}

	// =========================================================================
	// Manager.Destroy - release the tag, the RAM and the control block
	// =========================================================================
	if err := mgr.Destroy("demo"); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}
