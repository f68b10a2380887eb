// Package fake is a scripted world-switch backend. Each CPU consumes a
// queue of events; Enter pops the next event, applies its context
// mutation and returns its trap. Tests use it to drive the run loop
// through exact trap sequences without hardware support, and the CLI
// exposes it as a smoke-test backend.
package fake

import (
	"fmt"
	"sync"

	"github.com/vmkit/vmkit/internal/guest"
)

// Event is one scripted world-switch outcome.
type Event struct {
	Cause guest.Cause
	Trap  guest.Trap

	// Apply, if set, mutates the guest context before Enter returns,
	// standing in for whatever the guest executed (e.g. loading a PSCI
	// function id into x0 before an HVC).
	Apply func(ctx *guest.Context)
}

// Monitor is a scripted guest.Monitor.
type Monitor struct {
	mu      sync.Mutex
	scripts map[int][]Event
	cpus    map[int]*CPU
	closed  bool
}

func NewMonitor() *Monitor {
	return &Monitor{
		scripts: make(map[int][]Event),
		cpus:    make(map[int]*CPU),
	}
}

// Script appends events to the script for the given CPU id. Safe to
// call while the CPU is running; a sleeping Enter sees refilled events
// on its next invocation.
func (m *Monitor) Script(cpu int, events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[cpu] = append(m.scripts[cpu], events...)
}

// CPUFor returns the created CPU for id, for test assertions.
func (m *Monitor) CPUFor(id int) *CPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[id]
}

// NewAddressSpace implements [guest.Monitor].
func (m *Monitor) NewAddressSpace() (guest.AddressSpace, error) {
	return &AddressSpace{mappings: make(map[uint64]mapping)}, nil
}

// NewCPU implements [guest.Monitor].
func (m *Monitor) NewCPU(id int, as guest.AddressSpace) (guest.CPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cpus[id]; ok {
		return nil, fmt.Errorf("fake: CPU %d already exists", id)
	}
	fas, ok := as.(*AddressSpace)
	if !ok {
		return nil, fmt.Errorf("fake: foreign address space %T", as)
	}
	cpu := &CPU{mon: m, id: id, as: fas}
	m.cpus[id] = cpu
	return cpu, nil
}

// Close implements [guest.Monitor].
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Monitor) pop(cpu int) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script := m.scripts[cpu]
	if len(script) == 0 {
		return Event{}, false
	}
	ev := script[0]
	m.scripts[cpu] = script[1:]
	return ev, true
}

// CPU is a scripted guest.CPU.
type CPU struct {
	mon *Monitor
	id  int
	as  *AddressSpace

	mu     sync.Mutex
	kicked bool
	kicks  int

	// Enters counts completed world switches, for test assertions.
	enters int
}

// ID implements [guest.CPU].
func (c *CPU) ID() int { return c.id }

// Enter implements [guest.CPU]. An exhausted script produces an
// unknown-class synchronous exception, which the classifier hands back
// to the management layer.
func (c *CPU) Enter(ctx *guest.Context) (guest.Cause, error) {
	if !c.as.isActive() {
		return 0, fmt.Errorf("fake: Enter on CPU %d without an active address space", c.id)
	}

	c.mu.Lock()
	if c.kicked {
		c.kicked = false
		c.mu.Unlock()
		return guest.CauseKicked, nil
	}
	c.enters++
	c.mu.Unlock()

	ev, ok := c.mon.pop(c.id)
	if !ok {
		ctx.Trap = guest.Trap{}
		return guest.CauseSync, nil
	}

	if ev.Apply != nil {
		ev.Apply(ctx)
	}
	ctx.Trap = ev.Trap
	return ev.Cause, nil
}

// Kick implements [guest.CPU].
func (c *CPU) Kick() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
	c.kicks++
	return nil
}

// Kicks reports how many times the CPU was kicked.
func (c *CPU) Kicks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicks
}

// Enters reports how many scripted world switches completed.
func (c *CPU) Enters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enters
}

// Close implements [guest.CPU].
func (c *CPU) Close() error { return nil }

type mapping struct {
	size uint64
	prot guest.Prot
}

// AddressSpace is a bookkeeping-only second-stage address space. It
// records mappings and enforces the activation bracket around Enter.
type AddressSpace struct {
	mu       sync.Mutex
	mappings map[uint64]mapping
	active   int
	Unmaps   int
}

// Map implements [guest.AddressSpace].
func (a *AddressSpace) Map(hostMem []byte, gpa uint64, prot guest.Prot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mappings[gpa] = mapping{size: uint64(len(hostMem)), prot: prot}
	return nil
}

// Unmap implements [guest.AddressSpace].
func (a *AddressSpace) Unmap(gpa, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.mappings[gpa]; !ok {
		return fmt.Errorf("fake: no mapping at %#x", gpa)
	}
	delete(a.mappings, gpa)
	a.Unmaps++
	return nil
}

// Activate implements [guest.AddressSpace].
func (a *AddressSpace) Activate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active++
	return nil
}

// Deactivate implements [guest.AddressSpace].
func (a *AddressSpace) Deactivate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == 0 {
		return fmt.Errorf("fake: Deactivate without Activate")
	}
	a.active--
	return nil
}

func (a *AddressSpace) isActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active > 0
}

// Mapped reports whether a mapping installed at gpa is present.
func (a *AddressSpace) Mapped(gpa uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.mappings[gpa]
	return ok
}

// Close implements [guest.AddressSpace].
func (a *AddressSpace) Close() error { return nil }

var (
	_ guest.Monitor      = &Monitor{}
	_ guest.CPU          = &CPU{}
	_ guest.AddressSpace = &AddressSpace{}
)
