package vmm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vmkit/vmkit/internal/guest/fake"
	"github.com/vmkit/vmkit/internal/hostcpu"
)

func newTestVM(t *testing.T, maxcpus int, opts ...Option) (*VM, *fake.Monitor) {
	t.Helper()

	mon := fake.NewMonitor()
	vm, err := New("test", maxcpus, mon, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := vm.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return vm, mon
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:     "idle",
		StateFrozen:   "frozen",
		StateRunning:  "running",
		StateSleeping: "sleeping",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestTransitionLegality(t *testing.T) {
	legal := map[[2]State]bool{
		{StateIdle, StateFrozen}:     true,
		{StateFrozen, StateRunning}:  true,
		{StateFrozen, StateSleeping}: true,
		{StateFrozen, StateIdle}:     true,
		{StateRunning, StateFrozen}:  true,
		{StateSleeping, StateFrozen}: true,
	}

	states := []State{StateIdle, StateFrozen, StateRunning, StateSleeping}
	for _, from := range states {
		for _, to := range states {
			c := &Vcpu{state: from, wakeCh: make(chan struct{}, 1)}
			err := c.transitionLocked(to)
			if legal[[2]State{from, to}] {
				if err != nil {
					t.Errorf("transition %v -> %v: unexpected error %v", from, to, err)
				}
			} else if err == nil {
				t.Errorf("transition %v -> %v: expected error, got none", from, to)
			}
		}
	}
}

func TestTryFreezeBusy(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	c, err := vm.Vcpu(0)
	if err != nil {
		t.Fatalf("Vcpu(0) error = %v", err)
	}

	if err := c.tryFreeze(); err != nil {
		t.Fatalf("tryFreeze() error = %v", err)
	}
	if err := c.tryFreeze(); !errors.Is(err, ErrBusy) {
		t.Errorf("second tryFreeze() error = %v, want ErrBusy", err)
	}
	c.mustState(StateIdle)

	if err := c.tryFreeze(); err != nil {
		t.Errorf("tryFreeze() after release error = %v", err)
	}
	c.mustState(StateIdle)
}

func TestIdleGateBlocksUntilRelease(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	c, _ := vm.Vcpu(0)

	if err := c.tryFreeze(); err != nil {
		t.Fatalf("tryFreeze() error = %v", err)
	}

	claimed := make(chan error, 1)
	go func() {
		claimed <- c.setState(StateFrozen, true)
	}()

	select {
	case err := <-claimed:
		t.Fatalf("idle gate admitted a waiter while frozen (err = %v)", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.mustState(StateIdle)

	select {
	case err := <-claimed:
		if err != nil {
			t.Fatalf("setState(Frozen, fromIdle) error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted after release")
	}
	c.mustState(StateIdle)
}

func TestMustStatePanicsOnIllegalTransition(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	c, _ := vm.Vcpu(0)

	if err := c.tryFreeze(); err != nil {
		t.Fatalf("tryFreeze() error = %v", err)
	}
	defer c.mustState(StateIdle)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("mustState(Running->Sleeping) did not panic")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "invalid state transition") {
			t.Fatalf("unexpected panic value %v", r)
		}
		c.mustState(StateFrozen)
	}()

	c.mustState(StateRunning)
	c.mustState(StateSleeping) // Running -> Sleeping is not in the graph
}

func TestNotifyKicksRunningVcpu(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	c, _ := vm.Vcpu(0)

	// Force the state a remote executor would hold, with an owner that
	// cannot be this thread.
	c.mu.Lock()
	c.state = StateRunning
	c.owner = hostcpu.Current() + 1
	c.mu.Unlock()

	c.Notify()

	c.mu.Lock()
	c.state = StateIdle
	c.owner = 0
	c.mu.Unlock()

	if kicks := mon.CPUFor(0).Kicks(); kicks != 1 {
		t.Errorf("Kicks() = %d, want 1", kicks)
	}
}

func TestNotifyLocalRunIsNoop(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	c, _ := vm.Vcpu(0)

	c.mu.Lock()
	c.state = StateRunning
	c.owner = hostcpu.Current()
	c.mu.Unlock()

	c.Notify()

	c.mu.Lock()
	c.state = StateIdle
	c.owner = 0
	c.mu.Unlock()

	if kicks := mon.CPUFor(0).Kicks(); kicks != 0 {
		t.Errorf("Kicks() = %d, want 0 for a locally observed notify", kicks)
	}
}

func TestNotifyWakesSleeper(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	c, _ := vm.Vcpu(0)

	if err := c.tryFreeze(); err != nil {
		t.Fatalf("tryFreeze() error = %v", err)
	}
	c.mustState(StateSleeping)

	c.Notify()

	select {
	case <-c.wakeCh:
	default:
		t.Error("Notify() on a sleeping vCPU left no wakeup token")
	}
	c.mustState(StateFrozen)
	c.mustState(StateIdle)
}
