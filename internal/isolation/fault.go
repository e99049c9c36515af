package isolation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIsolationViolation is returned when a guest touches guest-physical
// space it has no right to: an unmapped hole, or a mapped region with the
// wrong permissions.
var ErrIsolationViolation = errors.New("isolation: guest access outside its sandbox")

// Access describes what the guest was doing when the second-level
// translation faulted.
type Access struct {
	Read    bool
	Write   bool
	Execute bool
}

func (a Access) String() string {
	buf := []byte("---")
	if a.Read {
		buf[0] = 'r'
	}
	if a.Write {
		buf[1] = 'w'
	}
	if a.Execute {
		buf[2] = 'x'
	}
	return string(buf)
}

// allowed reports whether the access is within the region's permissions.
func (a Access) allowed(p Perm) bool {
	if a.Read && !p.Readable() {
		return false
	}
	if a.Write && !p.Writable() {
		return false
	}
	if a.Execute && !p.Executable() {
		return false
	}
	return true
}

// FaultKind is the outcome of classifying a second-level translation fault.
type FaultKind int

const (
	// FaultDevice means the fault landed in an MMIO region and should be
	// surfaced as a device access for the embedder to emulate.
	FaultDevice FaultKind = iota
	// FaultLazy means the fault landed in RAM that simply is not mapped
	// yet and can be satisfied by installing the translation.
	FaultLazy
	// FaultViolation means the guest broke out of its allowed space. The
	// VM cannot continue.
	FaultViolation
)

func (k FaultKind) String() string {
	switch k {
	case FaultDevice:
		return "device"
	case FaultLazy:
		return "lazy"
	default:
		return "violation"
	}
}

// Fault is a classified second-level translation fault.
type Fault struct {
	Kind   FaultKind
	GPA    uint64
	Access Access

	// Region is the region the fault landed in; zero for Kind ==
	// FaultViolation when the address hit an unmapped hole.
	Region Region
}

// Violation is one recorded isolation breach, kept for post-mortem
// inspection through the introspection API.
type Violation struct {
	GPA    uint64
	Access Access
	RIP    uint64
	When   time.Time
}

func (v Violation) String() string {
	return fmt.Sprintf("%s access at gpa %#x (rip %#x)", v.Access, v.GPA, v.RIP)
}

// violationLogSize bounds the per-VM violation history. A guest probing its
// sandbox can fault arbitrarily often; only the most recent entries are kept.
const violationLogSize = 100

// FaultHandler classifies translation faults against a VM's region layout
// and keeps a bounded log of violations.
type FaultHandler struct {
	layout *Layout

	mu         sync.Mutex
	violations []Violation
	next       int
	total      uint64
}

// NewFaultHandler returns a handler for the given layout.
func NewFaultHandler(layout *Layout) *FaultHandler {
	return &FaultHandler{layout: layout}
}

// Classify maps a raw second-level fault to a verdict. rip is the guest
// instruction pointer at the fault, recorded with violations.
func (h *FaultHandler) Classify(gpa uint64, access Access, rip uint64) Fault {
	region, ok := h.layout.Find(gpa)
	if !ok {
		h.record(gpa, access, rip)
		return Fault{Kind: FaultViolation, GPA: gpa, Access: access}
	}

	switch region.Type {
	case Mmio:
		return Fault{Kind: FaultDevice, GPA: gpa, Access: access, Region: region}
	case Ram, Rom, AcpiReclaimable:
		if access.allowed(region.Perm) {
			return Fault{Kind: FaultLazy, GPA: gpa, Access: access, Region: region}
		}
	}

	h.record(gpa, access, rip)
	return Fault{Kind: FaultViolation, GPA: gpa, Access: access, Region: region}
}

func (h *FaultHandler) record(gpa uint64, access Access, rip uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := Violation{GPA: gpa, Access: access, RIP: rip, When: time.Now()}
	if len(h.violations) < violationLogSize {
		h.violations = append(h.violations, v)
	} else {
		h.violations[h.next] = v
		h.next = (h.next + 1) % violationLogSize
	}
	h.total++
}

// Violations returns the recorded breaches, oldest first, and the total
// count including entries that have been evicted from the log.
func (h *FaultHandler) Violations() ([]Violation, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Violation, 0, len(h.violations))
	out = append(out, h.violations[h.next:]...)
	out = append(out, h.violations[:h.next]...)
	return out, h.total
}
