package api

import (
	"fmt"
	"strings"

	"github.com/trustvm/core/internal/cpuid"
)

// CapabilityReport renders a human-readable summary of the host's
// virtualization capabilities.
func CapabilityReport(caps cpuid.Capabilities) string {
	var b strings.Builder

	fmt.Fprintf(&b, "cpu vendor: %s\n", caps.Vendor)
	switch {
	case caps.VMX:
		fmt.Fprintf(&b, "extension:  VT-x (VMCS revision %#x)\n", caps.VMCSRevision)
		fmt.Fprintf(&b, "  ept:                %s\n", yesNo(caps.EPT))
		fmt.Fprintf(&b, "  vpid:               %s\n", yesNo(caps.VPID))
		fmt.Fprintf(&b, "  unrestricted guest: %s\n", yesNo(caps.UnrestrictedGuest))
	case caps.SVM:
		fmt.Fprintf(&b, "extension:  AMD-V (revision %#x)\n", caps.SVMRevision)
		fmt.Fprintf(&b, "  nested paging: %s\n", yesNo(caps.NPT))
		fmt.Fprintf(&b, "  nrip save:     %s\n", yesNo(caps.NRIPSave))
		fmt.Fprintf(&b, "  flush by asid: %s\n", yesNo(caps.FlushByASID))
		fmt.Fprintf(&b, "  asids:         %d\n", caps.ASIDCount)
	default:
		b.WriteString("extension:  none usable\n")
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
