package vmm

import (
	"github.com/vmkit/vmkit/internal/arch/arm64"
	"github.com/vmkit/vmkit/internal/guest"
)

// classify turns a synchronous trap into an ExitRecord. It is
// deterministic in the trap record and the memory registry: identical
// syndromes against identical mappings always classify identically.
//
// Precedence for data and instruction aborts: a fault on memory backed
// by an allocated mapping is stage-2 paging regardless of whether the
// access would also decode as an emulable MMIO access; only unbacked
// addresses reach the MMIO path.
func (m *VM) classify(ctx *guest.Context) ExitRecord {
	syn := arm64.Syndrome(ctx.Trap.Esr)
	rec := ExitRecord{
		PC:      ctx.PC,
		InsnLen: syn.InsnLen(),
	}

	switch syn.Class() {
	case arm64.ClassWFx:
		rec.Reason = ExitWaitForInterrupt
		rec.Detail = WaitForInterruptDetail{WFE: arm64.IsWFE(syn)}

	case arm64.ClassHvc64, arm64.ClassSmc64:
		rec.Reason = ExitPowerState
		rec.Detail = PowerStateDetail{Function: uint32(ctx.X[0])}

	case arm64.ClassSysReg:
		rec.Reason = ExitRegisterEmulation
		rec.Detail = RegisterAccessDetail{
			Access:   arm64.DecodeSysReg(syn),
			Syndrome: syn,
		}

	case arm64.ClassDataAbortLowEL:
		gpa := arm64.FaultGPA(ctx.Trap.Hpfar, ctx.Trap.Far)
		if m.gpaBacked(gpa) {
			access := guest.AccessRead
			if arm64.DataAbortIsWrite(syn) {
				access = guest.AccessWrite
			}
			rec.Reason = ExitStagePaging
			rec.Detail = StagePagingDetail{GPA: gpa, Access: access, Syndrome: syn}
			break
		}
		abort, err := arm64.DecodeDataAbort(syn)
		if err != nil {
			// No valid instruction syndrome; the access cannot be
			// emulated here.
			rec.Reason = ExitHypervisor
			rec.Detail = HypervisorDetail{Esr: ctx.Trap.Esr, Far: ctx.Trap.Far, Hpfar: ctx.Trap.Hpfar}
			break
		}
		rec.Reason = ExitInstructionEmulation
		rec.Detail = MMIOAccessDetail{GPA: gpa, Access: abort, Syndrome: syn}

	case arm64.ClassInsnAbortLowEL:
		gpa := arm64.FaultGPA(ctx.Trap.Hpfar, ctx.Trap.Far)
		if m.gpaBacked(gpa) {
			rec.Reason = ExitStagePaging
			rec.Detail = StagePagingDetail{GPA: gpa, Access: guest.AccessExec, Syndrome: syn}
			break
		}
		rec.Reason = ExitHypervisor
		rec.Detail = HypervisorDetail{Esr: ctx.Trap.Esr, Far: ctx.Trap.Far, Hpfar: ctx.Trap.Hpfar}

	default:
		rec.Reason = ExitHypervisor
		rec.Detail = HypervisorDetail{Esr: ctx.Trap.Esr, Far: ctx.Trap.Far, Hpfar: ctx.Trap.Hpfar}
	}

	return rec
}
