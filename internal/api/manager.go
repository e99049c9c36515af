// Package api is the management surface of the hypervisor core: a VM
// registry with lifecycle dispatch, an event log and concurrent run
// support.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trustvm/core/internal/asid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
	"github.com/trustvm/core/internal/linux/boot"
)

// BackendFactory builds a backend for one machine. An empty vendor means
// "pick whatever the host supports".
type BackendFactory func(vendor hv.Vendor) (hv.Backend, error)

// Event is one lifecycle transition in the manager's bounded log.
type Event struct {
	Time    time.Time
	Machine string
	What    string
}

const maxEvents = 256

// MachineStatus is one row of the registry listing.
type MachineStatus struct {
	Name       string
	Vendor     hv.Vendor
	State      hv.State
	TaggingID  uint16
	MemorySize uint64
	Stats      hv.Stats
}

// Manager owns the machine registry. All machines share one page allocator
// and one tag allocator, so the identifier-uniqueness guarantee spans every
// VM the manager creates.
type Manager struct {
	mu sync.Mutex

	log        *slog.Logger
	alloc      hostmem.Allocator
	tags       *asid.Allocator
	newBackend BackendFactory

	machines map[string]*hv.Machine
	memory   map[string]uint64
	events   []Event
}

// NewManager wires a manager from its collaborators.
func NewManager(alloc hostmem.Allocator, newBackend BackendFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:        logger,
		alloc:      alloc,
		tags:       asid.NewAllocator(),
		newBackend: newBackend,
		machines:   make(map[string]*hv.Machine),
		memory:     make(map[string]uint64),
	}
}

// Create builds, registers and initializes a machine from its definition.
func (mgr *Manager) Create(cfg MachineConfig) (*hv.Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mgr.mu.Lock()
	if _, ok := mgr.machines[cfg.Name]; ok {
		mgr.mu.Unlock()
		return nil, fmt.Errorf("api: machine %q already exists", cfg.Name)
	}
	mgr.mu.Unlock()

	backend, err := mgr.newBackend(hv.Vendor(cfg.Vendor))
	if err != nil {
		return nil, err
	}

	m := hv.NewMachine(hv.Config{
		Name:         cfg.Name,
		MemorySize:   cfg.Memory,
		ExtraRegions: cfg.regions(),
		Logger:       mgr.log,
	}, backend, mgr.alloc, mgr.tags)

	if err := m.Initialize(); err != nil {
		backend.Close()
		return nil, err
	}

	mgr.mu.Lock()
	mgr.machines[cfg.Name] = m
	mgr.memory[cfg.Name] = cfg.Memory
	mgr.mu.Unlock()

	mgr.record(cfg.Name, "created")
	return m, nil
}

// Get returns a registered machine.
func (mgr *Manager) Get(name string) (*hv.Machine, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	m, ok := mgr.machines[name]
	if !ok {
		return nil, fmt.Errorf("api: no machine %q", name)
	}
	return m, nil
}

// List returns a status row per registered machine.
func (mgr *Manager) List() []MachineStatus {
	mgr.mu.Lock()
	names := make([]string, 0, len(mgr.machines))
	for name := range mgr.machines {
		names = append(names, name)
	}
	mgr.mu.Unlock()

	var out []MachineStatus
	for _, name := range names {
		m, err := mgr.Get(name)
		if err != nil {
			continue
		}
		mgr.mu.Lock()
		mem := mgr.memory[name]
		mgr.mu.Unlock()
		out = append(out, MachineStatus{
			Name:       name,
			Vendor:     m.Vendor(),
			State:      m.State(),
			TaggingID:  m.TaggingID(),
			MemorySize: mem,
			Stats:      m.Stats(),
		})
	}
	return out
}

// LoadLinux loads a kernel into a registered machine.
func (mgr *Manager) LoadLinux(name string, kernel []byte, opts boot.Options) error {
	m, err := mgr.Get(name)
	if err != nil {
		return err
	}
	if err := m.LoadLinux(kernel, opts); err != nil {
		return err
	}
	mgr.record(name, "loaded")
	return nil
}

// Run runs one machine until its next exit report.
func (mgr *Manager) Run(ctx context.Context, name string) (*hv.ExitReport, error) {
	m, err := mgr.Get(name)
	if err != nil {
		return nil, err
	}
	report, err := m.Run(ctx)
	if err != nil {
		mgr.record(name, "failed: "+err.Error())
		return nil, err
	}
	mgr.record(name, "exited: "+report.Kind.String())
	return report, nil
}

// RunAll runs every loaded machine concurrently until each produces its
// next exit report. The first hard error cancels the remaining runs.
func (mgr *Manager) RunAll(ctx context.Context) (map[string]*hv.ExitReport, error) {
	mgr.mu.Lock()
	ready := make([]string, 0, len(mgr.machines))
	for name, m := range mgr.machines {
		switch m.State() {
		case hv.StateLoaded, hv.StatePaused:
			ready = append(ready, name)
		}
	}
	mgr.mu.Unlock()

	reports := make(map[string]*hv.ExitReport, len(ready))
	var reportsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range ready {
		g.Go(func() error {
			report, err := mgr.Run(ctx, name)
			if err != nil {
				return err
			}
			reportsMu.Lock()
			reports[name] = report
			reportsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

// Destroy tears a machine down and removes it from the registry.
func (mgr *Manager) Destroy(name string) error {
	m, err := mgr.Get(name)
	if err != nil {
		return err
	}
	if err := m.Destroy(); err != nil {
		return err
	}

	mgr.mu.Lock()
	delete(mgr.machines, name)
	delete(mgr.memory, name)
	mgr.mu.Unlock()

	mgr.record(name, "destroyed")
	return nil
}

// DestroyAll tears down every registered machine. The first error is
// returned; teardown still runs for the rest.
func (mgr *Manager) DestroyAll() error {
	mgr.mu.Lock()
	names := make([]string, 0, len(mgr.machines))
	for name := range mgr.machines {
		names = append(names, name)
	}
	mgr.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := mgr.Destroy(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Events returns a copy of the bounded event log, oldest first.
func (mgr *Manager) Events() []Event {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	out := make([]Event, len(mgr.events))
	copy(out, mgr.events)
	return out
}

func (mgr *Manager) record(machine, what string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.events = append(mgr.events, Event{
		Time:    time.Now(),
		Machine: machine,
		What:    what,
	})
	if len(mgr.events) > maxEvents {
		mgr.events = mgr.events[len(mgr.events)-maxEvents:]
	}
	mgr.log.Debug("machine event", "machine", machine, "what", what)
}
