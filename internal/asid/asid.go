// Package asid manages the 16-bit address-space identifiers used to tag TLB
// entries per VM (VPID on Intel, ASID on AMD). Tagging lets the CPU keep a
// VM's translations cached across entries and exits instead of flushing the
// whole TLB every time.
package asid

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// ID is a TLB tagging identifier. Valid VM identifiers are 1..65535.
type ID uint16

// Host is reserved for host translations and is never handed out.
const Host ID = 0

// Max is the highest identifier the 16-bit tag space can hold.
const Max = 65535

// ErrExhausted is returned when every identifier in [1, Max] is in use.
var ErrExhausted = errors.New("asid: identifier space exhausted")

// Allocator hands out the lowest free identifier and takes them back on VM
// destruction. Safe for concurrent use; the lock covers only allocate/free,
// never guest execution.
type Allocator struct {
	mu sync.Mutex

	// One bit per identifier, bit set = in use. Bit 0 (the host id) is
	// permanently set.
	bitmap [1024]uint64
	used   int
}

// NewAllocator returns an allocator with the full [1, Max] space free.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.bitmap[0] = 1 // reserve the host identifier
	return a
}

// Allocate returns the lowest free identifier.
func (a *Allocator) Allocate() (ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for word, v := range a.bitmap {
		if v == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^v)
		a.bitmap[word] |= 1 << bit
		a.used++
		return ID(word*64 + bit), nil
	}
	return 0, ErrExhausted
}

// Free returns an identifier to the pool. Freeing the host identifier or an
// identifier that is not allocated is an internal invariant violation and
// panics: it means two VMs believed they owned the same tag.
func (a *Allocator) Free(id ID) {
	if id == Host {
		panic("asid: free of host identifier")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	word, bit := int(id)/64, uint(id)%64
	if a.bitmap[word]&(1<<bit) == 0 {
		panic(fmt.Sprintf("asid: double free of identifier %d", id))
	}
	a.bitmap[word] &^= 1 << bit
	a.used--
}

// InUse reports how many identifiers are currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
