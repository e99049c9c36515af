package vmx

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/trustvm/core/internal/hostmem"
)

// vmxRoot refcounts VMX root operation: the first backend executes VMXON,
// the last one out executes VMXOFF. The VMXON region lives exactly as long
// as root operation does.
type vmxRoot struct {
	mu     sync.Mutex
	count  int
	region hostmem.PhysAddr
	alloc  hostmem.Allocator
}

var root vmxRoot

func (r *vmxRoot) acquire(port Port, alloc hostmem.Allocator, revision uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		r.count++
		return nil
	}

	region, err := alloc.AllocPage()
	if err != nil {
		return fmt.Errorf("vmx: allocate VMXON region: %w", err)
	}
	page, err := alloc.Page(region)
	if err != nil {
		alloc.FreePage(region)
		return err
	}
	binary.LittleEndian.PutUint32(page, revision)

	if err := port.VMXOn(region); err != nil {
		alloc.FreePage(region)
		return fmt.Errorf("vmx: enter root operation: %w", err)
	}

	r.region = region
	r.alloc = alloc
	r.count = 1
	return nil
}

func (r *vmxRoot) release(port Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	r.count--
	if r.count > 0 {
		return nil
	}

	err := port.VMXOff()
	if freeErr := r.alloc.FreePage(r.region); err == nil {
		err = freeErr
	}
	r.region = 0
	r.alloc = nil
	return err
}
