package vmi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Profile holds the struct offsets introspection needs for one kernel
// generation. Offsets are into task_struct unless noted.
type Profile struct {
	Name string

	// InitTaskAddr is the kernel virtual address of init_task (the
	// swapper task), the anchor of the circular task list.
	InitTaskAddr uint64

	TasksNext uint64 // tasks.next list_head pointer
	PID       uint64
	Comm      uint64
	State     uint64
	Parent    uint64
	MM        uint64

	// MMTotalVM is the total_vm offset inside mm_struct.
	MMTotalVM uint64
}

// Built-in profiles for mainstream kernel generations. InitTaskAddr is
// image-specific (KASLR) and must be filled in by the caller, typically
// from the guest's System.map.
var (
	Linux5x = Profile{
		Name:      "linux-5.x",
		TasksNext: 0x3F0,
		PID:       0x560,
		Comm:      0x6F8,
		State:     0x18,
		Parent:    0x588,
		MM:        0x430,
		MMTotalVM: 0xA8,
	}

	Linux6x = Profile{
		Name:      "linux-6.x",
		TasksNext: 0x438,
		PID:       0x5B8,
		Comm:      0x758,
		State:     0x20,
		Parent:    0x5E0,
		MM:        0x478,
		MMTotalVM: 0xB0,
	}
)

// ErrBadProfile is returned when the profile clearly does not match the
// running kernel.
var ErrBadProfile = errors.New("vmi: profile does not match guest kernel")

// commLen is TASK_COMM_LEN.
const commLen = 16

// maxTasks bounds the list walk; a corrupted or hostile guest can splice
// the task list into a loop that never returns to init_task.
const maxTasks = 512

// Process is one parsed task.
type Process struct {
	PID     int32
	Comm    string
	State   uint64
	TaskVA  uint64
	TotalVM uint64 // pages; zero for kernel threads
}

// ListProcesses walks the guest's circular task list starting at
// init_task. It returns an empty list (not an error) when the first task
// fails sanity checks, since that usually means the profile is wrong
// rather than the guest being broken.
func ListProcesses(mem Memory, cr3 uint64, profile Profile) ([]Process, error) {
	if profile.InitTaskAddr == 0 {
		return nil, fmt.Errorf("%w: profile %q has no init_task address", ErrBadProfile, profile.Name)
	}

	var procs []Process
	taskVA := profile.InitTaskAddr

	for i := 0; i < maxTasks; i++ {
		proc, next, err := readTask(mem, cr3, taskVA, profile)
		if err != nil {
			if i == 0 {
				return nil, nil
			}
			return procs, nil
		}
		procs = append(procs, proc)

		// tasks.next points at the next task's list_head, not at the
		// task itself.
		taskVA = next - profile.TasksNext
		if taskVA == profile.InitTaskAddr {
			break
		}
	}

	return procs, nil
}

func readTask(mem Memory, cr3, taskVA uint64, p Profile) (Process, uint64, error) {
	var raw [8]byte

	proc := Process{TaskVA: taskVA}

	if err := ReadGuestVirtual(mem, cr3, taskVA+p.PID, raw[:4]); err != nil {
		return proc, 0, err
	}
	proc.PID = int32(binary.LittleEndian.Uint32(raw[:4]))
	if proc.PID < 0 {
		return proc, 0, fmt.Errorf("%w: negative pid %d", ErrBadProfile, proc.PID)
	}

	comm := make([]byte, commLen)
	if err := ReadGuestVirtual(mem, cr3, taskVA+p.Comm, comm); err != nil {
		return proc, 0, err
	}
	if i := bytes.IndexByte(comm, 0); i >= 0 {
		comm = comm[:i]
	}
	if !printable(comm) {
		return proc, 0, fmt.Errorf("%w: comm %q not printable", ErrBadProfile, comm)
	}
	proc.Comm = string(comm)

	if err := ReadGuestVirtual(mem, cr3, taskVA+p.State, raw[:]); err != nil {
		return proc, 0, err
	}
	proc.State = binary.LittleEndian.Uint64(raw[:])

	// mm is NULL for kernel threads.
	if err := ReadGuestVirtual(mem, cr3, taskVA+p.MM, raw[:]); err != nil {
		return proc, 0, err
	}
	if mmVA := binary.LittleEndian.Uint64(raw[:]); mmVA != 0 {
		if err := ReadGuestVirtual(mem, cr3, mmVA+p.MMTotalVM, raw[:]); err == nil {
			proc.TotalVM = binary.LittleEndian.Uint64(raw[:])
		}
	}

	if err := ReadGuestVirtual(mem, cr3, taskVA+p.TasksNext, raw[:]); err != nil {
		return proc, 0, err
	}
	next := binary.LittleEndian.Uint64(raw[:])
	if next == 0 {
		return proc, 0, fmt.Errorf("%w: nil tasks.next", ErrBadProfile)
	}

	return proc, next, nil
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
