package vmm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmkit/vmkit/internal/exitstats"
	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/hostcpu"
)

// State is a vCPU lifecycle state.
type State uint8

const (
	// StateIdle: no executor, open to management operations.
	StateIdle State = iota
	// StateFrozen: claimed by exactly one thread; quiescent between
	// world switches or during a management operation.
	StateFrozen
	// StateRunning: mid world-switch on its owner thread.
	StateRunning
	// StateSleeping: blocked in the wait-for-interrupt handler.
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFrozen:
		return "frozen"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// legalTransitions is the closed transition graph: Idle->Frozen,
// Frozen->{Running,Sleeping,Idle}, Running->Frozen, Sleeping->Frozen.
var legalTransitions = [4][4]bool{
	StateIdle:     {StateFrozen: true},
	StateFrozen:   {StateRunning: true, StateSleeping: true, StateIdle: true},
	StateRunning:  {StateFrozen: true},
	StateSleeping: {StateFrozen: true},
}

// idleWaitSlice bounds how long an idle-waiter sleeps between retries,
// so a missed wakeup cannot wedge it.
const idleWaitSlice = 10 * time.Millisecond

// MaxCapabilities bounds the per-vCPU capability table.
const MaxCapabilities = 8

// Vcpu is one guest execution context and its lifecycle state machine.
//
// The mutex protects only the state and owner fields. The saved guest
// context and the exit record are single-writer: they are touched only
// by the thread that holds the vCPU through Frozen, which is what the
// freeze gate guarantees.
type Vcpu struct {
	id  int
	vm  *VM
	cpu guest.CPU

	ctx   guest.Context
	exit  ExitRecord
	stats *exitstats.Recorder

	mu    sync.Mutex
	state State
	owner int // host thread executing the vCPU; 0 when none

	// idleCh is closed when the vCPU re-enters Idle, waking waiters.
	// Lazily created, nil when nobody waits.
	idleCh chan struct{}
	// wakeCh delivers wakeups to a sleeping vCPU.
	wakeCh chan struct{}

	stopRequested atomic.Bool

	caps [MaxCapabilities]uint64
}

func newVcpu(id int, vm *VM, cpu guest.CPU, stats *exitstats.Recorder) *Vcpu {
	c := &Vcpu{
		id:     id,
		vm:     vm,
		cpu:    cpu,
		stats:  stats,
		wakeCh: make(chan struct{}, 1),
	}
	c.ctx.Mpidr = uint64(id)
	return c
}

// ID returns the vCPU identifier.
func (c *Vcpu) ID() int { return c.id }

// State snapshots the lifecycle state and the owning host thread (0
// when none).
func (c *Vcpu) State() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.owner
}

// setState drives one transition. With fromIdle the caller blocks
// until the vCPU reaches Idle, notifying the current executor on each
// retry so it relinquishes promptly. Without fromIdle the vCPU must
// already be claimed by the caller; seeing Idle then is a logic error,
// not a runtime condition.
func (c *Vcpu) setState(next State, fromIdle bool) error {
	c.mu.Lock()

	if fromIdle {
		for c.state != StateIdle {
			c.notifyLocked()
			ch := c.idleWaitChLocked()
			c.mu.Unlock()
			select {
			case <-ch:
			case <-time.After(idleWaitSlice):
			}
			c.mu.Lock()
		}
	} else if c.state == StateIdle {
		c.mu.Unlock()
		panic(fmt.Sprintf("vmm: vcpu %d: transition to %v from idle without the idle gate", c.id, next))
	}

	err := c.transitionLocked(next)
	c.mu.Unlock()
	return err
}

// tryFreeze claims an idle vCPU for a management operation without
// blocking.
func (c *Vcpu) tryFreeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: vcpu %d is %v", ErrBusy, c.id, c.state)
	}
	return c.transitionLocked(StateFrozen)
}

// mustState drives a transition that cannot legally fail at its call
// site; failure means a broken invariant in the driver itself.
func (c *Vcpu) mustState(next State) {
	if err := c.setState(next, false); err != nil {
		panic(fmt.Sprintf("vmm: vcpu %d: invalid state transition: %v", c.id, err))
	}
}

func (c *Vcpu) transitionLocked(next State) error {
	if !legalTransitions[c.state][next] {
		return fmt.Errorf("%w: vcpu %d cannot go %v -> %v", ErrBusy, c.id, c.state, next)
	}
	c.state = next

	if next == StateRunning {
		c.owner = hostcpu.Current()
	} else {
		c.owner = 0
	}

	if next == StateIdle && c.idleCh != nil {
		close(c.idleCh)
		c.idleCh = nil
	}
	return nil
}

func (c *Vcpu) idleWaitChLocked() chan struct{} {
	if c.idleCh == nil {
		c.idleCh = make(chan struct{})
	}
	return c.idleCh
}

// Notify delivers an asynchronous event to the vCPU with bounded
// latency and no acknowledgment: wake it if sleeping, kick the host
// thread running it elsewhere, or do nothing if it is running right
// here (the pending condition is observed at the next trap boundary).
func (c *Vcpu) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyLocked()
}

func (c *Vcpu) notifyLocked() {
	switch c.state {
	case StateSleeping:
		select {
		case c.wakeCh <- struct{}{}:
		default:
		}
	case StateRunning:
		if c.owner != hostcpu.Current() {
			_ = c.cpu.Kick()
		}
	}
}

// RequestStop asks the vCPU to return to the management layer at its
// next trap boundary. Independent of a VM-wide suspend.
func (c *Vcpu) RequestStop() {
	c.stopRequested.Store(true)
	c.Notify()
}

// Stats returns the vCPU's exit statistics recorder.
func (c *Vcpu) Stats() *exitstats.Recorder { return c.stats }
