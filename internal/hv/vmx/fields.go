package vmx

// VMCS field encodings. 16-bit fields start at 0x0000, 64-bit control
// fields at 0x2000, 32-bit at 0x4000, natural-width at 0x6000; guest-state
// variants sit 0x800 above their control counterparts.
const (
	fieldVPID = 0x0000

	fieldEPTPointer    = 0x201A
	fieldGuestPhysAddr = 0x2400
	fieldGuestEFER     = 0x2806

	fieldPinBasedCtls    = 0x4000
	fieldProcBasedCtls   = 0x4002
	fieldExceptionBitmap = 0x4004
	fieldExitCtls        = 0x400C
	fieldEntryCtls       = 0x4012
	fieldSecondaryCtls   = 0x401E

	fieldExitReason  = 0x4402
	fieldExitInstLen = 0x440C

	fieldGuestESSelector = 0x0800
	fieldGuestCSSelector = 0x0802
	fieldGuestSSSelector = 0x0804
	fieldGuestDSSelector = 0x0806
	fieldGuestFSSelector = 0x0808
	fieldGuestGSSelector = 0x080A
	fieldGuestTRSelector = 0x080E

	fieldGuestESLimit   = 0x4800
	fieldGuestCSLimit   = 0x4802
	fieldGuestSSLimit   = 0x4804
	fieldGuestDSLimit   = 0x4806
	fieldGuestFSLimit   = 0x4808
	fieldGuestGSLimit   = 0x480A
	fieldGuestTRLimit   = 0x480E
	fieldGuestGDTRLimit = 0x4810

	fieldGuestESAccess = 0x4814
	fieldGuestCSAccess = 0x4816
	fieldGuestSSAccess = 0x4818
	fieldGuestDSAccess = 0x481A
	fieldGuestFSAccess = 0x481C
	fieldGuestGSAccess = 0x481E
	fieldGuestTRAccess = 0x4822

	fieldExitQualification = 0x6400

	fieldGuestCR0      = 0x6800
	fieldGuestCR3      = 0x6802
	fieldGuestCR4      = 0x6804
	fieldGuestESBase   = 0x6806
	fieldGuestCSBase   = 0x6808
	fieldGuestSSBase   = 0x680A
	fieldGuestDSBase   = 0x680C
	fieldGuestFSBase   = 0x680E
	fieldGuestGSBase   = 0x6810
	fieldGuestTRBase   = 0x6814
	fieldGuestGDTRBase = 0x6816
	fieldGuestRSP      = 0x681C
	fieldGuestRIP      = 0x681E
	fieldGuestRFLAGS   = 0x6820
)

// Basic exit reasons.
const (
	exitReasonTripleFault  = 2
	exitReasonCPUID        = 10
	exitReasonHLT          = 12
	exitReasonVMCall       = 18
	exitReasonIO           = 30
	exitReasonRDMSR        = 31
	exitReasonWRMSR        = 32
	exitReasonEPTViolation = 48
)

// Pin/processor control bits requested when configuring the VMCS.
const (
	procHLTExit         = 1 << 7
	procUncondIOExit    = 1 << 24
	procSecondaryEnable = 1 << 31

	secondaryEPT          = 1 << 1
	secondaryVPID         = 1 << 5
	secondaryUnrestricted = 1 << 7

	exitHostAddrSpaceSize = 1 << 9
	entryIA32eGuest       = 1 << 9
	entryLoadEFER         = 1 << 15
)

// Capability MSRs consulted to adjust control fields to what the CPU
// allows.
const (
	msrVMXPinBasedCtls  = 0x481
	msrVMXProcBasedCtls = 0x482
	msrVMXExitCtls      = 0x483
	msrVMXEntryCtls     = 0x484
	msrVMXProcCtls2     = 0x48B
)

const rflagsIF = 1 << 9
