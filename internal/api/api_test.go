package api

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
	"github.com/trustvm/core/internal/hv/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	alloc, err := hostmem.NewHeapArena(64 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	factory := func(vendor hv.Vendor) (hv.Backend, error) {
		if vendor != "" && vendor != hv.VendorSim {
			return nil, fmt.Errorf("%w: only the simulated backend in tests", hv.ErrBackendUnavailable)
		}
		return sim.New(alloc)
	}

	mgr := NewManager(alloc, factory, nil)
	t.Cleanup(func() { mgr.DestroyAll() })
	return mgr
}

func simpleConfig(name string) MachineConfig {
	return MachineConfig{Name: name, Memory: 1 << 20}
}

func TestParseMachineConfig(t *testing.T) {
	cfg, err := ParseMachineConfig([]byte(`
name: demo
vendor: sim
memory: 4194304
kernel: /boot/bzImage
cmdline: console=ttyS0
mmio:
  - name: uart
    base: 0xFEB00000
    size: 4096
`))
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, uint64(4<<20), cfg.Memory)
	assert.Equal(t, "console=ttyS0", cfg.Cmdline)
	require.Len(t, cfg.MMIO, 1)
	assert.Equal(t, uint64(0xFEB00000), cfg.MMIO[0].Base)

	regions := cfg.regions()
	require.Len(t, regions, 1)
	assert.Equal(t, "uart", regions[0].Name)
}

func TestParseMachineConfigRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"missing name":   "memory: 4096",
		"missing memory": "name: demo",
		"bad vendor":     "name: demo\nmemory: 4096\nvendor: qemu",
		"bad mmio":       "name: demo\nmemory: 4096\nmmio:\n  - base: 0x1000\n    size: 0",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMachineConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestManagerCreateAndDestroy(t *testing.T) {
	mgr := newTestManager(t)

	m, err := mgr.Create(simpleConfig("alpha"))
	require.NoError(t, err)
	assert.Equal(t, hv.StateInitialized, m.State())
	assert.NotZero(t, m.TaggingID())

	_, err = mgr.Create(simpleConfig("alpha"))
	assert.Error(t, err, "duplicate names are rejected")

	got, err := mgr.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, m, got)

	list := mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, hv.VendorSim, list[0].Vendor)
	assert.Equal(t, uint64(1<<20), list[0].MemorySize)

	require.NoError(t, mgr.Destroy("alpha"))
	_, err = mgr.Get("alpha")
	assert.Error(t, err)
	assert.Error(t, mgr.Destroy("alpha"))
}

func TestManagerTagsAreUniqueAcrossMachines(t *testing.T) {
	mgr := newTestManager(t)

	seen := make(map[uint16]bool)
	for i := 0; i < 4; i++ {
		m, err := mgr.Create(simpleConfig(fmt.Sprintf("vm%d", i)))
		require.NoError(t, err)
		assert.False(t, seen[m.TaggingID()], "tag %d reused", m.TaggingID())
		seen[m.TaggingID()] = true
	}
}

func TestManagerRun(t *testing.T) {
	mgr := newTestManager(t)

	m, err := mgr.Create(simpleConfig("runner"))
	require.NoError(t, err)
	require.NoError(t, m.SetGuestMode(hv.ProtectedMode{EIP: 0x1000}))

	report, err := mgr.Run(context.Background(), "runner")
	require.NoError(t, err)
	assert.Equal(t, hv.ReportHalt, report.Kind)
	assert.Equal(t, hv.StateStopped, m.State())
}

func TestManagerRunAll(t *testing.T) {
	mgr := newTestManager(t)

	for _, name := range []string{"one", "two", "three"} {
		m, err := mgr.Create(simpleConfig(name))
		require.NoError(t, err)
		require.NoError(t, m.SetGuestMode(hv.ProtectedMode{EIP: 0x1000}))
	}
	// A machine that is only initialized is not run.
	_, err := mgr.Create(simpleConfig("idle"))
	require.NoError(t, err)

	reports, err := mgr.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for name, report := range reports {
		assert.Equal(t, hv.ReportHalt, report.Kind, "machine %s", name)
	}
}

func TestManagerEvents(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Create(simpleConfig("evt"))
	require.NoError(t, err)
	require.NoError(t, mgr.Destroy("evt"))

	events := mgr.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].What)
	assert.Equal(t, "destroyed", events[1].What)
	assert.Equal(t, "evt", events[0].Machine)
}

func TestManagerEventLogIsBounded(t *testing.T) {
	mgr := newTestManager(t)

	for i := 0; i < maxEvents; i++ {
		mgr.record("vm", fmt.Sprintf("event %d", i))
	}
	mgr.record("vm", "latest")

	events := mgr.Events()
	require.Len(t, events, maxEvents)
	assert.Equal(t, "latest", events[len(events)-1].What)
	assert.Equal(t, "event 1", events[0].What, "oldest event is dropped first")
}

func TestCapabilityReport(t *testing.T) {
	intel := CapabilityReport(cpuid.Capabilities{
		Vendor: cpuid.VendorIntel,
		VMX:    true, EPT: true, VPID: true, VMCSRevision: 0x12,
	})
	assert.Contains(t, intel, "VT-x")
	assert.Contains(t, intel, "ept:                yes")

	amd := CapabilityReport(cpuid.Capabilities{
		Vendor: cpuid.VendorAMD,
		SVM:    true, NPT: true, ASIDCount: 32768,
	})
	assert.Contains(t, amd, "AMD-V")
	assert.Contains(t, amd, "32768")

	none := CapabilityReport(cpuid.Capabilities{})
	assert.Contains(t, none, "none usable")
}
