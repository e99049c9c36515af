// Command trustvm exercises the hypervisor core from userspace: it probes
// capabilities, inspects kernel images, generates ACPI tables, packs
// initrds and runs machine definitions on the simulated backend. Running
// on hardware requires embedding the core in a kernel that supplies the
// privileged ports.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	trustvm "github.com/trustvm/core"
	"github.com/trustvm/core/internal/acpi"
	"github.com/trustvm/core/internal/hv"
	"github.com/trustvm/core/internal/initrd"
	"github.com/trustvm/core/internal/linux/boot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trustvm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  probe                     Report host virtualization capabilities\n")
		fmt.Fprintf(os.Stderr, "  inspect <bzImage>         Validate and describe a Linux kernel image\n")
		fmt.Fprintf(os.Stderr, "  acpi [flags]              Generate ACPI tables and describe them\n")
		fmt.Fprintf(os.Stderr, "  initrd -o <out> <files>   Pack files into a newc cpio initrd\n")
		fmt.Fprintf(os.Stderr, "  run <config.yaml>         Run a machine definition on the simulated backend\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("command required")
	}

	switch args[0] {
	case "probe":
		return cmdProbe()
	case "inspect":
		return cmdInspect(args[1:])
	case "acpi":
		return cmdACPI(args[1:])
	case "initrd":
		return cmdInitrd(args[1:])
	case "run":
		return cmdRun(args[1:])
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// heading prints a bold section header when stdout is a terminal.
func heading(s string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		s = ansi.Style{}.Bold().Styled(s)
	}
	fmt.Println(s)
}

func cmdProbe() error {
	// CPUID and MSR access belong to the embedding kernel; from plain
	// userspace the report always comes up empty.
	heading("host capabilities")
	fmt.Print(trustvm.CapabilityReport(trustvm.Capabilities{}))
	fmt.Println()
	fmt.Println("note: hardware probing needs the privileged CPUID/MSR ports; embed the")
	fmt.Println("core in a kernel and call DetectCapabilities with real ports to see VT-x")
	fmt.Println("or AMD-V details. The simulated backend works regardless.")
	return nil
}

func cmdInspect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: inspect <bzImage>")
	}

	data, err := readFileWithProgress(args[0])
	if err != nil {
		return err
	}
	img, err := boot.ParseImage(data)
	if err != nil {
		return err
	}

	hdr := img.Header
	heading(filepath.Base(args[0]))
	fmt.Printf("boot protocol:   %d.%02d\n", hdr.ProtocolVersion>>8, hdr.ProtocolVersion&0xFF)
	fmt.Printf("setup sectors:   %d\n", hdr.SetupSectors)
	fmt.Printf("payload:         %d bytes\n", len(img.Payload()))
	fmt.Printf("init size:       %#x\n", hdr.InitSize)
	fmt.Printf("pref address:    %#x\n", hdr.PrefAddress)
	fmt.Printf("relocatable:     %v\n", hdr.RelocatableKernel != 0)
	fmt.Printf("initrd limit:    %#x\n", hdr.InitrdAddrMax)
	fmt.Printf("cmdline limit:   %d bytes\n", hdr.CmdlineSize)
	fmt.Printf("64-bit entry:    %#x (loaded at %#x)\n",
		img.EntryPoint(boot.KernelGPA), uint64(boot.KernelGPA))
	return nil
}

func cmdACPI(args []string) error {
	flags := flag.NewFlagSet("acpi", flag.ContinueOnError)
	cpus := flags.Int("cpus", 1, "Number of CPUs to declare")
	out := flags.String("o", "", "Write the raw table blob to this file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ts, err := acpi.Build(acpi.Config{NumCPUs: *cpus})
	if err != nil {
		return err
	}

	heading(fmt.Sprintf("ACPI tables for %d CPU(s)", *cpus))
	fmt.Printf("%-6s %8s %8s  %s\n", "sig", "length", "checksum", "address")
	fmt.Printf("%-6s %8d %8s  %#x\n", "RSDP", len(ts.RSDP), sumOK(ts.RSDP[:20]), ts.RSDPBase)
	for off := 0; off+36 <= len(ts.Tables); {
		length := int(uint32(ts.Tables[off+4]) | uint32(ts.Tables[off+5])<<8 |
			uint32(ts.Tables[off+6])<<16 | uint32(ts.Tables[off+7])<<24)
		if length < 36 || off+length > len(ts.Tables) {
			break
		}
		fmt.Printf("%-6s %8d %8s  %#x\n", string(ts.Tables[off:off+4]),
			length, sumOK(ts.Tables[off:off+length]), ts.TablesBase+uint64(off))
		// Tables are packed to 8-byte alignment.
		off += (length + 7) &^ 7
	}

	if *out != "" {
		if err := os.WriteFile(*out, ts.Tables, 0o644); err != nil {
			return err
		}
		fmt.Printf("\nwrote %d bytes to %s\n", len(ts.Tables), *out)
	}
	return nil
}

// sumOK reports whether a byte span checksums to zero, as every ACPI
// structure must.
func sumOK(b []byte) string {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	if sum == 0 {
		return "ok"
	}
	return "BAD"
}

func cmdInitrd(args []string) error {
	flags := flag.NewFlagSet("initrd", flag.ContinueOnError)
	out := flags.String("o", "", "Output cpio archive path")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *out == "" || flags.NArg() == 0 {
		return fmt.Errorf("usage: initrd -o <out.cpio> <files...>")
	}

	builder := initrd.NewBuilder()
	bar := progressbar.Default(int64(flags.NArg()), "packing")
	for _, path := range flags.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Clean(path))
		name = strings.TrimPrefix(name, "/")
		if err := builder.AddFile(name, data, fs.FileMode(0o755)); err != nil {
			return err
		}
		bar.Add(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := builder.WriteTo(f)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", n, *out)
	return nil
}

func cmdRun(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: run <config.yaml>")
	}

	doc, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := trustvm.ParseMachineConfig(doc)
	if err != nil {
		return err
	}

	// Headroom for page tables, the control block and loader scratch.
	alloc, err := trustvm.NewHeapArena(cfg.Memory + (16 << 20))
	if err != nil {
		return err
	}
	defer alloc.Close()

	factory := func(vendor hv.Vendor) (trustvm.Backend, error) {
		if vendor != "" && vendor != hv.VendorSim {
			return nil, fmt.Errorf("%w: only the simulated backend runs from userspace",
				trustvm.ErrBackendUnavailable)
		}
		return trustvm.NewSimulatedBackend(alloc)
	}
	mgr := trustvm.NewManager(alloc, factory, slog.Default())
	defer mgr.DestroyAll()

	m, err := mgr.Create(cfg)
	if err != nil {
		return err
	}

	if cfg.Kernel != "" {
		kernel, err := readFileWithProgress(cfg.Kernel)
		if err != nil {
			return err
		}
		opts := trustvm.BootOptions{Cmdline: cfg.Cmdline}
		if cfg.Initrd != "" {
			if opts.Initrd, err = readFileWithProgress(cfg.Initrd); err != nil {
				return err
			}
		}
		if err := mgr.LoadLinux(cfg.Name, kernel, opts); err != nil {
			return err
		}
	} else {
		// Nothing to load; enter flat 32-bit mode at a fixed address so
		// the simulated backend has a defined starting point.
		if err := m.SetGuestMode(hv.ProtectedMode{EIP: 0x1000}); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := serve(ctx, mgr, m, cfg.Name)
	if err != nil {
		return err
	}

	heading("machine " + cfg.Name)
	fmt.Printf("final state:  %s\n", m.State())
	fmt.Printf("exit report:  %s\n", report.Kind)
	if snap, err := m.RegisterSnapshot(); err == nil {
		fmt.Printf("rip:          %#x\n", snap.Rip)
	}
	st := m.Stats()
	fmt.Printf("entries:      %d\n", st.Entries)
	fmt.Printf("io exits:     %d\n", st.IOExits)
	fmt.Printf("mmio faults:  %d\n", st.MemoryFaults)

	heading("events")
	for _, ev := range mgr.Events() {
		fmt.Printf("%s  %-12s %s\n", ev.Time.Format("15:04:05.000"), ev.Machine, ev.What)
	}
	return nil
}

// serve runs the machine until a terminal report, emulating the minimal
// device surface: reads return zero, writes to the COM1 data port go to
// stdout, everything else is acknowledged and dropped.
func serve(ctx context.Context, mgr *trustvm.Manager, m *trustvm.Machine, name string) (*trustvm.ExitReport, error) {
	const com1Data = 0x3F8

	for {
		report, err := mgr.Run(ctx, name)
		if err != nil {
			return nil, err
		}

		switch report.Kind {
		case trustvm.ReportDeviceAccess:
			dev := report.Device
			slog.Debug("device access", "region", dev.Region, "gpa", dev.GPA,
				"write", dev.Write, "size", dev.Size)
			if dev.Write {
				err = m.CompleteDeviceAccess()
			} else {
				err = m.CompleteDeviceRead(0)
			}

		case trustvm.ReportIO:
			acc := report.IO
			if acc.Write {
				if acc.Port == com1Data {
					os.Stdout.Write([]byte{byte(acc.Value)})
				}
				err = m.CompleteDeviceAccess()
			} else {
				err = m.CompleteDeviceRead(0)
			}

		case trustvm.ReportHypercall:
			err = m.CompleteDeviceAccess()

		case trustvm.ReportViolation:
			if report.Violation != nil {
				fmt.Fprintf(os.Stderr, "isolation violation: %s\n", report.Violation)
			}
			return report, nil

		default:
			// Halt, shutdown or cancellation: the machine is done.
			return report, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readFileWithProgress reads a whole file, drawing a byte progress bar
// sized from the file's length.
func readFileWithProgress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	bar := progressbar.DefaultBytes(st.Size(), "reading "+filepath.Base(path))
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf.Bytes(), nil
}
