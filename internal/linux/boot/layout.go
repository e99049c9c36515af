package boot

// Fixed guest-physical layout for the low-memory structures the loader
// builds. The kernel itself lands at KernelGPA; everything below 1 MiB is
// loader- or firmware-owned.
const (
	BootParamsGPA = 0x7000
	CmdlineGPA    = 0x20000
	AcpiGPA       = 0x50000
	GdtGPA        = 0x60000
	PageTableGPA  = 0x70000
	StackGPA      = 0x80000
	KernelGPA     = 0x100000

	// InitrdGPA is the lowest address the ramdisk is placed at; a kernel
	// whose runtime span (init_size) reaches this high pushes the ramdisk
	// further up.
	InitrdGPA = 0x1000000
)

// GdtrGPA is where the GDT descriptor (limit + base) is placed, past the
// table entries.
const GdtrGPA = GdtGPA + 0x100

// Segment selectors matching the GDT the loader builds.
const (
	SelectorCode64 = 0x08
	SelectorData   = 0x10
	SelectorCode32 = 0x18
	SelectorData32 = 0x20
)
