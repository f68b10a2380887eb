package vmm

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/vmkit/vmkit/internal/exitstats"
	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/hostcpu"
)

// disposition is an exit handler's verdict on how the run proceeds.
type disposition int

const (
	// dispResume re-enters the guest at the instruction after the trap.
	dispResume disposition = iota
	// dispRetry re-enters the guest without advancing the program
	// counter (the handler resolved the fault or moved PC itself).
	dispRetry
	// dispExit ends the run and returns the exit record to the caller.
	dispExit
)

// Run executes vcpuID until an exit that must be surfaced to the
// caller. It claims the vCPU through the idle gate, blocking until any
// concurrent holder relinquishes, pins itself to a host thread and
// drives world switches until a handler returns dispExit, the context
// is cancelled, a debug stop is requested, or the VM suspends.
//
// The returned record describes the final exit; the error is non-nil
// only for backend or handler failures, never for a clean exit.
func (m *VM) Run(ctx context.Context, vcpuID int) (ExitRecord, error) {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return ExitRecord{}, err
	}
	if m.isClosed() {
		return ExitRecord{}, ErrClosed
	}
	if !m.isActive(vcpuID) {
		return ExitRecord{}, fmt.Errorf("%w: vcpu %d is not activated", ErrInvalidArgument, vcpuID)
	}
	if m.SuspendKindPending() != SuspendNone {
		return ExitRecord{}, ErrSuspendInProgress
	}

	// World switches assume a stable host thread: the address-space
	// activation and the active-set entry are both per-thread state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.setState(StateFrozen, true); err != nil {
		return ExitRecord{}, err
	}

	c.stats.Mark()
	rec, err := m.runLoop(ctx, c)
	c.exit = rec

	c.mustState(StateIdle)
	return rec, err
}

// LastExit returns the record of the vCPU's most recent run. The vCPU
// must be idle.
func (m *VM) LastExit(vcpuID int) (ExitRecord, error) {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return ExitRecord{}, err
	}
	if err := c.tryFreeze(); err != nil {
		return ExitRecord{}, err
	}
	defer c.mustState(StateIdle)
	return c.exit, nil
}

// runLoop drives world switches for a vCPU held Frozen by the caller
// and leaves it Frozen on return.
func (m *VM) runLoop(ctx context.Context, c *Vcpu) (ExitRecord, error) {
	for {
		// Pending conditions are observed here, at the trap boundary,
		// with the vCPU Frozen.
		if err := ctx.Err(); err != nil {
			return ExitRecord{Reason: ExitDebug, Detail: DebugDetail{}}, err
		}
		if c.stopRequested.Swap(false) {
			return ExitRecord{Reason: ExitDebug, Detail: DebugDetail{}}, nil
		}
		if kind := m.SuspendKindPending(); kind != SuspendNone {
			return ExitRecord{Reason: ExitPowerState, Detail: PowerStateDetail{Kind: kind}}, nil
		}

		cause, err := m.worldSwitch(c)
		if err != nil {
			return ExitRecord{}, err
		}

		switch cause {
		case guest.CauseIRQ, guest.CauseFIQ, guest.CauseKicked:
			// Host-owned preemption; nothing to classify. The loop top
			// re-checks the pending conditions the kick signalled.
			c.stats.Record(exitstats.Kind(ExitNone))
			continue

		case guest.CauseSync:
			rec := m.classify(&c.ctx)
			c.stats.Record(exitstats.Kind(rec.Reason))

			disp, herr := m.dispatch(ctx, c, &rec)
			if herr != nil {
				return rec, herr
			}
			switch disp {
			case dispResume:
				c.ctx.PC = rec.PC + rec.InsnLen
			case dispRetry:
			case dispExit:
				return rec, nil
			}

		default:
			return ExitRecord{}, fmt.Errorf("vmm: vcpu %d: unexpected trap cause %v", c.id, cause)
		}
	}
}

// worldSwitch performs one guest entry: Frozen -> Running -> Frozen
// around CPU.Enter, with the address space activated and the active
// set updated for the duration. Maintenance interrupts are retried in
// place; they belong to the interrupt-controller bookkeeping and must
// never surface.
func (m *VM) worldSwitch(c *Vcpu) (guest.Cause, error) {
	if err := c.setState(StateRunning, false); err != nil {
		return 0, err
	}

	tid := hostcpu.Current()
	m.active.Set(tid, guest.ActiveEntry{VMName: m.name, CPU: c.id})

	var cause guest.Cause
	err := m.as.Activate()
	if err == nil {
		for {
			m.gic.FlushHwState(c.id)
			cause, err = c.cpu.Enter(&c.ctx)
			m.gic.SyncHwState(c.id)
			if err == nil && cause == guest.CauseMaintenance {
				continue
			}
			break
		}
		if derr := m.as.Deactivate(); derr != nil && err == nil {
			err = derr
		}
	}

	m.active.Clear(tid)
	c.mustState(StateFrozen)

	if err != nil {
		return 0, fmt.Errorf("vcpu %d world switch: %w", c.id, err)
	}
	return cause, nil
}

// dispatch routes a classified exit to its handler.
func (m *VM) dispatch(ctx context.Context, c *Vcpu, rec *ExitRecord) (disposition, error) {
	switch rec.Reason {
	case ExitWaitForInterrupt:
		return m.handleWFx(ctx, c, rec)
	case ExitRegisterEmulation:
		return m.handleSysReg(c, rec)
	case ExitInstructionEmulation:
		return m.handleMMIO(c, rec)
	case ExitStagePaging:
		return m.handleStagePaging(rec)
	case ExitPowerState:
		return m.handlePowerState(c, rec)
	default:
		d, _ := rec.Detail.(HypervisorDetail)
		m.log.Warn("unhandled guest exit",
			"vcpu", c.id,
			"pc", fmt.Sprintf("%#x", rec.PC),
			"esr", fmt.Sprintf("%#x", d.Esr),
			"far", fmt.Sprintf("%#x", d.Far))
		return dispExit, nil
	}
}

// handleWFx implements the wait-for-interrupt trap. WFE is an
// architectural hint and resumes immediately. WFI parks the vCPU in
// Sleeping until an interrupt is pending or an asynchronous condition
// (notify, stop, suspend, cancellation) requires a trip through the
// loop top. PC is advanced before sleeping so a wakeup resumes after
// the WFI.
func (m *VM) handleWFx(ctx context.Context, c *Vcpu, rec *ExitRecord) (disposition, error) {
	d := rec.Detail.(WaitForInterruptDetail)
	if d.WFE {
		return dispResume, nil
	}
	// Resume without sleeping only when the guest can actually take
	// the interrupt; with PSTATE.I set the wakeup still happens below
	// on the pending line, but through the Sleeping transition.
	if !c.ctx.PstateIRQMasked() && m.gic.PendingInterrupt(c.id) {
		return dispResume, nil
	}

	c.ctx.PC = rec.PC + rec.InsnLen
	c.mustState(StateSleeping)

	for {
		if m.gic.PendingInterrupt(c.id) ||
			c.stopRequested.Load() ||
			m.SuspendKindPending() != SuspendNone ||
			ctx.Err() != nil {
			break
		}
		// The timeout bounds the cost of a wakeup racing the
		// transition into Sleeping.
		select {
		case <-c.wakeCh:
		case <-time.After(idleWaitSlice):
		case <-ctx.Done():
		}
	}

	c.mustState(StateFrozen)
	return dispRetry, nil
}

// handleSysReg emulates a trapped MSR/MRS access against the VM's
// system-register table. Unregistered encodings are surfaced to the
// caller.
func (m *VM) handleSysReg(c *Vcpu, rec *ExitRecord) (disposition, error) {
	d := rec.Detail.(RegisterAccessDetail)
	enc := d.Access.Encoding()

	h, ok := m.sysregAt(enc)
	if !ok {
		m.log.Debug("unregistered sysreg access", "vcpu", c.id, "sysreg", enc, "read", d.Access.Read)
		return dispExit, nil
	}

	if d.Access.Read {
		val, err := h.ReadReg(c.id, enc)
		if err != nil {
			return dispExit, fmt.Errorf("read %v: %w", enc, err)
		}
		regIndexWrite(&c.ctx, d.Access.Reg, val)
	} else {
		if err := h.WriteReg(c.id, enc, regIndexRead(&c.ctx, d.Access.Reg)); err != nil {
			return dispExit, fmt.Errorf("write %v: %w", enc, err)
		}
	}
	return dispResume, nil
}

// handleMMIO emulates a decoded access to unbacked guest-physical
// memory against the registered MMIO regions. Accesses outside every
// region are surfaced to the caller.
func (m *VM) handleMMIO(c *Vcpu, rec *ExitRecord) (disposition, error) {
	d := rec.Detail.(MMIOAccessDetail)

	region, ok := m.mmioAt(d.GPA, uint64(d.Access.Size))
	if !ok {
		m.log.Debug("access outside registered MMIO regions",
			"vcpu", c.id, "gpa", fmt.Sprintf("%#x", d.GPA), "size", d.Access.Size, "write", d.Access.Write)
		return dispExit, nil
	}
	off := d.GPA - region.base

	var buf [8]byte
	data := buf[:d.Access.Size]

	if d.Access.Write {
		mmioPut(data, regIndexRead(&c.ctx, d.Access.Reg))
		if err := region.handler.WriteMMIO(off, data); err != nil {
			return dispExit, fmt.Errorf("MMIO write at %#x: %w", d.GPA, err)
		}
	} else {
		if err := region.handler.ReadMMIO(off, data); err != nil {
			return dispExit, fmt.Errorf("MMIO read at %#x: %w", d.GPA, err)
		}
		val := mmioGet(data)
		if d.Access.SignExtend {
			val = signExtend(val, d.Access.Size)
		}
		regIndexWrite(&c.ctx, d.Access.Reg, val)
	}
	return dispResume, nil
}

// handleStagePaging resolves a second-stage fault on backed memory
// host-side. The guest never observes it: the faulting instruction is
// retried.
func (m *VM) handleStagePaging(rec *ExitRecord) (disposition, error) {
	d := rec.Detail.(StagePagingDetail)

	if m.resolver != nil {
		if err := m.resolver.ResolveFault(d.GPA, d.Access); err != nil {
			return dispExit, fmt.Errorf("resolve stage-2 fault at %#x: %w", d.GPA, err)
		}
		return dispRetry, nil
	}
	if err := m.reinstallMapping(d.GPA); err != nil {
		return dispExit, err
	}
	return dispRetry, nil
}

// reinstallMapping is the default stage-2 fault resolution: re-install
// the covering mapping's window into the address space.
func (m *VM) reinstallMapping(gpa uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mappings {
		mp := m.mappings[i]
		if mp.used && gpa >= mp.gpa && gpa < mp.gpa+mp.size {
			seg := m.segments[mp.segment]
			if err := m.as.Map(seg.mem[mp.offset:mp.offset+mp.size], mp.gpa, mp.prot); err != nil {
				return fmt.Errorf("reinstall mapping at %#x: %w", mp.gpa, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: no mapping covers %#x", ErrInvalidArgument, gpa)
}

func mmioPut(data []byte, val uint64) {
	switch len(data) {
	case 1:
		data[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(data, val)
	}
}

func mmioGet(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	}
	return 0
}

func signExtend(val uint64, size int) uint64 {
	shift := 64 - 8*uint(size)
	return uint64(int64(val<<shift) >> shift)
}
