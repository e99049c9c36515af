package vmi

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuest struct {
	mem []byte
}

func newFakeGuest(size int) *fakeGuest {
	return &fakeGuest{mem: make([]byte, size)}
}

func (g *fakeGuest) Base() uint64 { return 0 }
func (g *fakeGuest) Size() uint64 { return uint64(len(g.mem)) }

func (g *fakeGuest) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(g.mem) {
		return 0, fmt.Errorf("read out of range")
	}
	return copy(p, g.mem[off:]), nil
}

func (g *fakeGuest) put64(addr, v uint64) {
	binary.LittleEndian.PutUint64(g.mem[addr:], v)
}

// buildIdentity2M builds page tables at root identity-mapping the first
// 1 GiB with 2 MiB pages.
func (g *fakeGuest) buildIdentity2M(root uint64) {
	pdpt := root + 0x1000
	pd := root + 0x2000
	g.put64(root, pdpt|ptePresent)
	g.put64(pdpt, pd|ptePresent)
	for i := uint64(0); i < 512; i++ {
		g.put64(pd+i*8, i<<21|ptePresent|ptePageSize)
	}
}

func TestReadGuestPhysicalBounds(t *testing.T) {
	g := newFakeGuest(1 << 20)
	copy(g.mem[0x5000:], "hello")

	buf := make([]byte, 5)
	require.NoError(t, ReadGuestPhysical(g, 0x5000, buf))
	assert.Equal(t, "hello", string(buf))

	err := ReadGuestPhysical(g, uint64(len(g.mem))-2, buf)
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = ReadGuestPhysical(g, ^uint64(0)-1, buf)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTranslateVirtual2MPages(t *testing.T) {
	g := newFakeGuest(8 << 20)
	const cr3 = 0x100000
	g.buildIdentity2M(cr3)

	pa, err := TranslateVirtual(g, cr3, 0x205123)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x205123), pa)
}

func TestTranslateVirtual4KPages(t *testing.T) {
	g := newFakeGuest(8 << 20)
	const cr3 = 0x100000
	pdpt := uint64(cr3 + 0x1000)
	pd := uint64(cr3 + 0x2000)
	pt := uint64(cr3 + 0x3000)

	g.put64(cr3, pdpt|ptePresent)
	g.put64(pdpt, pd|ptePresent)
	g.put64(pd, pt|ptePresent)
	// VA 0x7000 -> PA 0x400000
	g.put64(pt+7*8, 0x400000|ptePresent)

	pa, err := TranslateVirtual(g, cr3, 0x7ABC)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400ABC), pa)

	_, err = TranslateVirtual(g, cr3, 0x9000)
	assert.ErrorIs(t, err, ErrTranslationFailed)
}

func TestTranslateVirtual1GPage(t *testing.T) {
	g := newFakeGuest(8 << 20)
	const cr3 = 0x100000
	pdpt := uint64(cr3 + 0x1000)
	g.put64(cr3, pdpt|ptePresent)
	g.put64(pdpt, 0|ptePresent|ptePageSize) // 1 GiB page at 0

	pa, err := TranslateVirtual(g, cr3, 0x123456)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x123456), pa)
}

func TestReadGuestVirtualCrossesPages(t *testing.T) {
	g := newFakeGuest(8 << 20)
	const cr3 = 0x100000
	g.buildIdentity2M(cr3)

	copy(g.mem[0x1FFFFE:], "abcdef")
	buf := make([]byte, 6)
	require.NoError(t, ReadGuestVirtual(g, cr3, 0x1FFFFE, buf))
	assert.Equal(t, "abcdef", string(buf))
}

// plantTask writes a fake task_struct at pa (identity-mapped, so VA == PA).
func plantTask(g *fakeGuest, p Profile, pa uint64, pid uint32, comm string, next uint64) {
	binary.LittleEndian.PutUint32(g.mem[pa+p.PID:], pid)
	copy(g.mem[pa+p.Comm:], comm)
	g.put64(pa+p.State, 0)
	g.put64(pa+p.MM, 0)
	g.put64(pa+p.TasksNext, next+p.TasksNext)
}

func TestListProcesses(t *testing.T) {
	g := newFakeGuest(16 << 20)
	const cr3 = 0x100000
	g.buildIdentity2M(cr3)

	p := Linux6x
	p.InitTaskAddr = 0x800000

	plantTask(g, p, 0x800000, 0, "swapper", 0x810000)
	plantTask(g, p, 0x810000, 1, "init", 0x820000)
	plantTask(g, p, 0x820000, 42, "sshd", 0x800000) // back to init_task

	procs, err := ListProcesses(g, cr3, p)
	require.NoError(t, err)
	require.Len(t, procs, 3)
	assert.Equal(t, "swapper", procs[0].Comm)
	assert.Equal(t, int32(1), procs[1].PID)
	assert.Equal(t, "sshd", procs[2].Comm)
}

func TestListProcessesWrongProfile(t *testing.T) {
	g := newFakeGuest(16 << 20)
	const cr3 = 0x100000
	g.buildIdentity2M(cr3)

	p := Linux5x
	p.InitTaskAddr = 0x800000
	// Garbage at init_task: comm bytes are non-printable zeros are fine,
	// but tasks.next of zero fails the sanity check.

	procs, err := ListProcesses(g, cr3, p)
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestListProcessesBoundedWalk(t *testing.T) {
	g := newFakeGuest(16 << 20)
	const cr3 = 0x100000
	g.buildIdentity2M(cr3)

	p := Linux6x
	p.InitTaskAddr = 0x800000

	// Two tasks pointing at each other, never returning to init_task.
	plantTask(g, p, 0x800000, 0, "swapper", 0x810000)
	plantTask(g, p, 0x810000, 1, "a", 0x820000)
	plantTask(g, p, 0x820000, 2, "b", 0x810000)

	procs, err := ListProcesses(g, cr3, p)
	require.NoError(t, err)
	assert.Len(t, procs, maxTasks)
}

func TestListProcessesRequiresAnchor(t *testing.T) {
	g := newFakeGuest(1 << 20)
	_, err := ListProcesses(g, 0, Linux6x)
	assert.ErrorIs(t, err, ErrBadProfile)
}
