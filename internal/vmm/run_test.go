package vmm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmkit/vmkit/internal/arch/arm64"
	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/guest/fake"
)

// timerCntvCtl is the encoding of CNTV_CTL_EL0, a register a guest
// kernel traps on early.
func timerCntvCtl() arm64.SysRegEncoding {
	return arm64.SysRegEncoding{Op0: 3, Op1: 3, CRn: 14, CRm: 3, Op2: 1}
}

// testGIC is a minimal interrupt-controller collaborator with a
// settable pending line and call counters.
type testGIC struct {
	pending atomic.Bool

	mu      sync.Mutex
	flushes int
	syncs   int
	injects []uint32
}

func (g *testGIC) FlushHwState(int) {
	g.mu.Lock()
	g.flushes++
	g.mu.Unlock()
}

func (g *testGIC) SyncHwState(int) {
	g.mu.Lock()
	g.syncs++
	g.mu.Unlock()
}

func (g *testGIC) PendingInterrupt(int) bool { return g.pending.Load() }

func (g *testGIC) Inject(vcpu int, irq uint32, level bool, class IRQClass) error {
	g.mu.Lock()
	g.injects = append(g.injects, irq)
	g.mu.Unlock()
	g.pending.Store(true)
	return nil
}

func activate(t *testing.T, vm *VM, vcpu int) {
	t.Helper()
	if err := vm.Activate(vcpu); err != nil {
		t.Fatalf("Activate(%d) error = %v", vcpu, err)
	}
}

func TestRunRequiresActivation(t *testing.T) {
	vm, _ := newTestVM(t, 1)

	if _, err := vm.Run(context.Background(), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Run(inactive vcpu) error = %v, want ErrInvalidArgument", err)
	}
}

func TestRunExhaustedScriptSurfacesHypervisorExit(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	activate(t, vm, 0)

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitHypervisor {
		t.Errorf("Run() reason = %v, want hypervisor", rec.Reason)
	}
	if _, ok := rec.Detail.(HypervisorDetail); !ok {
		t.Errorf("Run() detail = %T, want HypervisorDetail", rec.Detail)
	}

	// The record is retained for later inspection.
	last, err := vm.LastExit(0)
	if err != nil {
		t.Fatalf("LastExit() error = %v", err)
	}
	if last.Reason != ExitHypervisor {
		t.Errorf("LastExit() reason = %v, want hypervisor", last.Reason)
	}

	if state, _ := vm.vcpus[0].State(); state != StateIdle {
		t.Errorf("vcpu state after Run = %v, want idle", state)
	}
}

func TestRunMMIOWrite(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	var gotOff uint64
	var gotVal uint64
	var gotLen int
	if err := vm.RegisterMMIO(0x3000, 0x1000, MMIOFuncs{
		Write: func(off uint64, data []byte) error {
			gotOff = off
			gotVal = mmioGet(data)
			gotLen = len(data)
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterMMIO() error = %v", err)
	}

	if err := vm.SetRegister(0, RegX2, 0xAA); err != nil {
		t.Fatalf("SetRegister() error = %v", err)
	}
	mon.Script(0, fake.DataAbort(0x3010, 4, 2, true))

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitHypervisor {
		t.Fatalf("Run() reason = %v, want hypervisor after script end", rec.Reason)
	}

	if gotOff != 0x10 || gotVal != 0xAA || gotLen != 4 {
		t.Errorf("MMIO write = (off %#x, val %#x, len %d), want (0x10, 0xaa, 4)", gotOff, gotVal, gotLen)
	}
}

func TestRunMMIOReadSignExtends(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	if err := vm.RegisterMMIO(0x3000, 0x1000, MMIOFuncs{
		Read: func(off uint64, data []byte) error {
			data[0] = 0x80 // negative as a signed byte
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterMMIO() error = %v", err)
	}

	ev := fake.DataAbort(0x3000, 1, 4, false)
	ev.Trap.Esr |= 1 << 21 // SSE: the load sign-extends
	mon.Script(0, ev)

	if _, err := vm.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := vm.GetRegister(0, RegX4)
	if err != nil {
		t.Fatalf("GetRegister() error = %v", err)
	}
	if got != 0xFFFF_FFFF_FFFF_FF80 {
		t.Errorf("sign-extended load = %#x, want 0xffffffffffffff80", got)
	}
}

func TestRunMMIOUnregisteredSurfaces(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	mon.Script(0, fake.DataAbort(0x9000, 4, 0, true))

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitInstructionEmulation {
		t.Fatalf("Run() reason = %v, want instruction emulation", rec.Reason)
	}
	d, ok := rec.Detail.(MMIOAccessDetail)
	if !ok {
		t.Fatalf("Run() detail = %T, want MMIOAccessDetail", rec.Detail)
	}
	if d.GPA != 0x9000 || !d.Access.Write || d.Access.Size != 4 {
		t.Errorf("detail = %+v", d)
	}
}

func TestRunStagePagingPrecedence(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	if err := vm.CreateSegment(0, PageSize, SegmentSystem); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if err := vm.MapSegment(0, 0x1000, PageSize, 0, guest.ProtRead|guest.ProtWrite, false); err != nil {
		t.Fatalf("MapSegment() error = %v", err)
	}

	// An MMIO region covering the same range must not shadow backed
	// memory: the fault resolves as stage-2 paging and the handler is
	// never invoked.
	var mmioHits int
	if err := vm.RegisterMMIO(0x1000, PageSize, MMIOFuncs{
		Write: func(uint64, []byte) error { mmioHits++; return nil },
	}); err != nil {
		t.Fatalf("RegisterMMIO() error = %v", err)
	}

	mon.Script(0, fake.DataAbort(0x1008, 4, 0, true))

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitHypervisor {
		t.Fatalf("Run() reason = %v, want hypervisor after script end", rec.Reason)
	}
	if mmioHits != 0 {
		t.Errorf("MMIO handler invoked %d times for a backed address", mmioHits)
	}
	if !mustFakeAS(t, vm).Mapped(0x1000) {
		t.Error("mapping at 0x1000 missing after stage-2 resolution")
	}
}

func TestRunStagePagingResolverOverride(t *testing.T) {
	var resolved []uint64
	resolver := resolverFunc(func(gpa uint64, access guest.Access) error {
		resolved = append(resolved, gpa)
		return nil
	})

	vm, mon := newTestVM(t, 1, WithFaultResolver(resolver))
	activate(t, vm, 0)

	if err := vm.CreateSegment(0, PageSize, SegmentSystem); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if err := vm.MapSegment(0, 0x1000, PageSize, 0, guest.ProtRead, false); err != nil {
		t.Fatalf("MapSegment() error = %v", err)
	}

	mon.Script(0, fake.InsnAbort(0x1000))

	if _, err := vm.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(resolved) != 1 || resolved[0] != 0x1000 {
		t.Errorf("resolver saw %v, want [0x1000]", resolved)
	}
}

type resolverFunc func(gpa uint64, access guest.Access) error

func (f resolverFunc) ResolveFault(gpa uint64, access guest.Access) error { return f(gpa, access) }

func TestRunSysRegEmulation(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	var stored uint64
	if err := vm.RegisterSysReg(timerCntvCtl(), SysRegFuncs{
		Read:  func(int, arm64.SysRegEncoding) (uint64, error) { return stored, nil },
		Write: func(_ int, _ arm64.SysRegEncoding, val uint64) error { stored = val; return nil },
	}); err != nil {
		t.Fatalf("RegisterSysReg() error = %v", err)
	}

	if err := vm.SetRegister(0, RegX1, 0x5); err != nil {
		t.Fatalf("SetRegister() error = %v", err)
	}
	enc := timerCntvCtl()
	mon.Script(0,
		fake.SysRegWrite(enc.Op0, enc.Op1, enc.CRn, enc.CRm, enc.Op2, 1),
		fake.SysRegRead(enc.Op0, enc.Op1, enc.CRn, enc.CRm, enc.Op2, 7),
	)

	if _, err := vm.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stored != 0x5 {
		t.Errorf("emulated register = %#x, want 0x5", stored)
	}
	if got, _ := vm.GetRegister(0, RegX7); got != 0x5 {
		t.Errorf("GetRegister(x7) = %#x, want 0x5", got)
	}
}

func TestRunSysRegUnregisteredSurfaces(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	mon.Script(0, fake.SysRegRead(3, 0, 1, 0, 0, 2))

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitRegisterEmulation {
		t.Fatalf("Run() reason = %v, want register emulation", rec.Reason)
	}
	d := rec.Detail.(RegisterAccessDetail)
	if !d.Access.Read || d.Access.Reg != 2 {
		t.Errorf("detail = %+v", d)
	}
}

func TestRunMaintenanceRetriesInPlace(t *testing.T) {
	vm, mon := newTestVM(t, 1, WithIRQController(&testGIC{}))
	activate(t, vm, 0)

	mon.Script(0, fake.Maintenance(), fake.Maintenance())

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitHypervisor {
		t.Fatalf("Run() reason = %v, want hypervisor after script end", rec.Reason)
	}
	// Two maintenance retries plus the terminating sync trap, all
	// within world switches.
	if enters := mon.CPUFor(0).Enters(); enters != 3 {
		t.Errorf("Enters() = %d, want 3", enters)
	}
}

func TestRunWFEResumesImmediately(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	mon.Script(0, fake.WFE())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := vm.Run(context.Background(), 0); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() blocked on a WFE")
	}
}

func TestRunWFISleepsUntilInjected(t *testing.T) {
	gic := &testGIC{}
	vm, mon := newTestVM(t, 1, WithIRQController(gic))
	activate(t, vm, 0)

	mon.Script(0, fake.WFI())

	started := make(chan struct{})
	go func() {
		// Wait for the vCPU to actually park.
		for {
			if state, _ := vm.vcpus[0].State(); state == StateSleeping {
				break
			}
			time.Sleep(time.Millisecond)
		}
		close(started)
		if err := vm.InjectIRQ(0, 27, true, IRQClassPPI); err != nil {
			t.Errorf("InjectIRQ() error = %v", err)
		}
	}()

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	<-started
	if rec.Reason != ExitHypervisor {
		t.Errorf("Run() reason = %v, want hypervisor after script end", rec.Reason)
	}

	gic.mu.Lock()
	defer gic.mu.Unlock()
	if len(gic.injects) != 1 || gic.injects[0] != 27 {
		t.Errorf("injects = %v, want [27]", gic.injects)
	}
	if gic.flushes == 0 || gic.syncs == 0 {
		t.Errorf("hw state not moved around world switches (flushes %d, syncs %d)", gic.flushes, gic.syncs)
	}
}

func TestRunWFIPendingSkipsSleep(t *testing.T) {
	gic := &testGIC{}
	gic.pending.Store(true)
	vm, mon := newTestVM(t, 1, WithIRQController(gic))
	activate(t, vm, 0)

	mon.Script(0, fake.WFI())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := vm.Run(context.Background(), 0); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() slept on a WFI with an interrupt pending")
	}
}

func TestWFIPendingButMaskedTakesSleepPath(t *testing.T) {
	gic := &testGIC{}
	gic.pending.Store(true)
	vm, _ := newTestVM(t, 1, WithIRQController(gic))
	c := vm.vcpus[0]

	if err := c.tryFreeze(); err != nil {
		t.Fatalf("tryFreeze() error = %v", err)
	}
	defer c.mustState(StateIdle)

	rec := ExitRecord{Reason: ExitWaitForInterrupt, PC: 0x1000, InsnLen: 4, Detail: WaitForInterruptDetail{}}

	// PSTATE.I set: the pending line cannot be taken, so the trap
	// must go through Sleeping (the pending check ends the sleep at
	// once) rather than the resume fast path.
	c.ctx.Pstate = 1 << 7
	d, err := vm.handleWFx(context.Background(), c, &rec)
	if err != nil {
		t.Fatalf("handleWFx(masked) error = %v", err)
	}
	if d != dispRetry {
		t.Errorf("handleWFx(masked, pending) disposition = %d, want dispRetry", d)
	}
	if c.ctx.PC != 0x1004 {
		t.Errorf("PC = %#x after masked WFI, want %#x", c.ctx.PC, uint64(0x1004))
	}

	// Unmasked, the same pending line resumes immediately and the
	// handler leaves PC alone.
	c.ctx.Pstate = 0
	c.ctx.PC = 0
	d, err = vm.handleWFx(context.Background(), c, &rec)
	if err != nil {
		t.Fatalf("handleWFx(unmasked) error = %v", err)
	}
	if d != dispResume {
		t.Errorf("handleWFx(unmasked, pending) disposition = %d, want dispResume", d)
	}
	if c.ctx.PC != 0 {
		t.Errorf("PC = %#x after unmasked WFI fast path, want 0", c.ctx.PC)
	}
}

func TestRunStopRequest(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	vm.vcpus[0].RequestStop()

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitDebug {
		t.Errorf("Run() reason = %v, want debug stop", rec.Reason)
	}
	if enters := mon.CPUFor(0).Enters(); enters != 0 {
		t.Errorf("Enters() = %d, want 0: stop must be observed before guest entry", enters)
	}

	// The request is consumed; the next run proceeds into the guest.
	rec, err = vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rec.Reason != ExitHypervisor {
		t.Errorf("second Run() reason = %v, want hypervisor", rec.Reason)
	}
}

func TestRunContextCancellation(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	activate(t, vm, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := vm.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rec.Reason != ExitDebug {
		t.Errorf("Run() reason = %v, want debug stop", rec.Reason)
	}
}

func TestRunSuspendObserved(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	mon.Script(0, fake.WFI())

	go func() {
		for {
			if state, _ := vm.vcpus[0].State(); state == StateSleeping {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if err := vm.Suspend(SuspendPowerOff); err != nil {
			t.Errorf("Suspend() error = %v", err)
		}
	}()

	rec, err := vm.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Reason != ExitPowerState {
		t.Fatalf("Run() reason = %v, want power-state exit", rec.Reason)
	}
	if d := rec.Detail.(PowerStateDetail); d.Kind != SuspendPowerOff {
		t.Errorf("detail kind = %v, want poweroff", d.Kind)
	}
	if !vm.SuspendedCPU(0) {
		t.Error("SuspendedCPU(0) = false after suspend")
	}

	// Suspended VMs refuse further runs until reset.
	if _, err := vm.Run(context.Background(), 0); !errors.Is(err, ErrSuspendInProgress) {
		t.Errorf("Run() after suspend error = %v, want ErrSuspendInProgress", err)
	}
	if err := vm.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := vm.Run(context.Background(), 0); err != nil {
		t.Errorf("Run() after reset error = %v", err)
	}
}

func TestRunAfterCloseReturnsErrClosed(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	if err := vm.CreateSegment(0, PageSize, SegmentSystem); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if err := vm.MapSegment(0, 0x1000, PageSize, 0, guest.ProtRead|guest.ProtWrite, false); err != nil {
		t.Fatalf("MapSegment() error = %v", err)
	}
	// A stage-2 fault at the mapped address would reach
	// reinstallMapping if the run were admitted.
	mon.Script(0, fake.DataAbortNoISS(0x1000))

	if err := vm.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := vm.Run(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Run() after Close error = %v, want ErrClosed", err)
	}
	if mon.CPUFor(0).Enters() != 0 {
		t.Errorf("Enters() = %d after Close, want 0", mon.CPUFor(0).Enters())
	}
}

func TestCloseRejectsMutators(t *testing.T) {
	vm, _ := newTestVM(t, 1)
	if err := vm.CreateSegment(0, PageSize, SegmentSystem); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if err := vm.MapSegment(0, 0x1000, PageSize, 0, guest.ProtRead, false); err != nil {
		t.Fatalf("MapSegment() error = %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ops := []struct {
		name string
		err  error
	}{
		{"CreateSegment", vm.CreateSegment(1, PageSize, SegmentSystem)},
		{"FreeSegment", vm.FreeSegment(0)},
		{"MapSegment", vm.MapSegment(0, 0x2000, PageSize, 0, guest.ProtRead, false)},
		{"Unmap", vm.Unmap(0x1000, PageSize)},
		{"RegisterMMIO", vm.RegisterMMIO(0x3000, 0x1000, MMIOFuncs{})},
		{"RegisterSysReg", vm.RegisterSysReg(timerCntvCtl(), SysRegFuncs{})},
		{"Activate", vm.Activate(0)},
		{"Suspend", vm.Suspend(SuspendPowerOff)},
		{"InjectIRQ", vm.InjectIRQ(0, 27, true, IRQClassPPI)},
		{"Reset", vm.Reset()},
	}
	for _, op := range ops {
		if !errors.Is(op.err, ErrClosed) {
			t.Errorf("%s after Close error = %v, want ErrClosed", op.name, op.err)
		}
	}
}

func TestRunSerializesOnOneVcpu(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	for i := 0; i < 8; i++ {
		mon.Script(0, fake.HostIRQ())
	}

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := vm.Run(context.Background(), 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Run() error = %v", err)
	}
	if state, _ := vm.vcpus[0].State(); state != StateIdle {
		t.Errorf("vcpu state = %v, want idle", state)
	}
}

func TestClassifyDeterminism(t *testing.T) {
	vm, _ := newTestVM(t, 1)

	ev := fake.DataAbort(0x9010, 2, 3, false)
	ctx := &guest.Context{PC: 0x1234, Trap: ev.Trap}

	first := vm.classify(ctx)
	second := vm.classify(ctx)
	if first != second {
		t.Errorf("classify() not deterministic: %+v vs %+v", first, second)
	}
	if first.Reason != ExitInstructionEmulation {
		t.Errorf("classify() reason = %v, want instruction emulation", first.Reason)
	}
	if first.PC != 0x1234 || first.InsnLen != 4 {
		t.Errorf("classify() PC/len = %#x/%d, want 0x1234/4", first.PC, first.InsnLen)
	}
}

func TestClassifyUnknownClass(t *testing.T) {
	vm, _ := newTestVM(t, 1)

	ctx := &guest.Context{Trap: guest.Trap{Esr: 0}}
	rec := vm.classify(ctx)
	if rec.Reason != ExitHypervisor {
		t.Errorf("classify(unknown class) reason = %v, want hypervisor", rec.Reason)
	}
}

func TestRunExitStats(t *testing.T) {
	vm, mon := newTestVM(t, 1)
	activate(t, vm, 0)

	mon.Script(0, fake.WFE(), fake.WFE())

	if _, err := vm.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := vm.vcpus[0].Stats().Snapshot()
	counts := make(map[string]uint64, len(snap))
	for _, row := range snap {
		counts[row.Name] = row.Count
	}
	if counts[ExitWaitForInterrupt.String()] != 2 {
		t.Errorf("wait-for-interrupt count = %d, want 2", counts[ExitWaitForInterrupt.String()])
	}
	if counts[ExitHypervisor.String()] != 1 {
		t.Errorf("hypervisor count = %d, want 1", counts[ExitHypervisor.String()])
	}
}
