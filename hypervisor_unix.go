//go:build unix

package trustvm

import "github.com/trustvm/core/internal/hostmem"

// NewMappedArena returns a page allocator backed by an anonymous mmap. The
// mapping never moves, so control blocks and second-level tables handed to
// the CPU stay at stable addresses until Close.
var NewMappedArena = hostmem.NewArena
