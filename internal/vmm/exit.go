package vmm

import (
	"fmt"

	"github.com/vmkit/vmkit/internal/arch/arm64"
	"github.com/vmkit/vmkit/internal/guest"
)

// ExitReason categorizes why a world switch returned control to the
// exit handlers.
type ExitReason int

const (
	// ExitNone is the zero value; no exit has been produced yet.
	ExitNone ExitReason = iota

	// ExitHypervisor is an unclassified or unsupported trap, handed
	// back to the management layer with the raw trap record.
	ExitHypervisor

	// ExitRegisterEmulation is a trapped system-register access.
	ExitRegisterEmulation

	// ExitInstructionEmulation is a data access to unbacked
	// guest-physical memory (the MMIO path).
	ExitInstructionEmulation

	// ExitStagePaging is a second-stage fault on memory that is backed
	// by an allocated mapping; resolved host-side, never guest-visible.
	ExitStagePaging

	// ExitPowerState is a PSCI-style power-state call.
	ExitPowerState

	// ExitWaitForInterrupt is a WFI/WFE trap.
	ExitWaitForInterrupt

	// ExitDebug reports a debug-stop request observed at a trap
	// boundary.
	ExitDebug
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitHypervisor:
		return "hypervisor"
	case ExitRegisterEmulation:
		return "register emulation"
	case ExitInstructionEmulation:
		return "instruction emulation"
	case ExitStagePaging:
		return "stage-2 paging"
	case ExitPowerState:
		return "power-state call"
	case ExitWaitForInterrupt:
		return "wait for interrupt"
	case ExitDebug:
		return "debug stop"
	default:
		return fmt.Sprintf("exit reason %d", int(r))
	}
}

const exitReasonCount = int(ExitDebug) + 1

// exitKindNames builds the exit-statistics kind table, indexed by
// ExitReason.
func exitKindNames() []string {
	names := make([]string, exitReasonCount)
	for i := range names {
		names[i] = ExitReason(i).String()
	}
	return names
}

// ExitDetail is the reason-specific payload of an ExitRecord. Exactly
// one concrete type corresponds to each ExitReason; handlers switch on
// the concrete type.
type ExitDetail interface {
	isExitDetail()
}

// HypervisorDetail carries the raw trap triple for an unclassified
// exit.
type HypervisorDetail struct {
	Esr   uint64
	Far   uint64
	Hpfar uint64
}

// RegisterAccessDetail describes a trapped MSR/MRS access.
type RegisterAccessDetail struct {
	Access   arm64.SysRegAccess
	Syndrome arm64.Syndrome
}

// MMIOAccessDetail describes a decoded data access to unbacked
// guest-physical memory.
type MMIOAccessDetail struct {
	GPA      uint64
	Access   arm64.DataAbort
	Syndrome arm64.Syndrome
}

// StagePagingDetail describes a second-stage fault on backed memory.
type StagePagingDetail struct {
	GPA      uint64
	Access   guest.Access
	Syndrome arm64.Syndrome
}

// PowerStateDetail describes a power-state call exit. Kind is set when
// the call requested a VM-wide suspend; Function always records the
// call that caused the exit.
type PowerStateDetail struct {
	Function uint32
	Kind     SuspendKind
}

// WaitForInterruptDetail describes a WFx trap.
type WaitForInterruptDetail struct {
	WFE bool
}

// DebugDetail marks a debug-stop exit.
type DebugDetail struct{}

func (HypervisorDetail) isExitDetail()       {}
func (RegisterAccessDetail) isExitDetail()   {}
func (MMIOAccessDetail) isExitDetail()       {}
func (StagePagingDetail) isExitDetail()      {}
func (PowerStateDetail) isExitDetail()       {}
func (WaitForInterruptDetail) isExitDetail() {}
func (DebugDetail) isExitDetail()            {}

// ExitRecord is produced once per world-switch iteration and returned
// to the caller of Run when an exit cannot be handled internally.
type ExitRecord struct {
	// PC is the guest program counter at the trap.
	PC uint64
	// InsnLen is the length in bytes of the trapped instruction.
	InsnLen uint64

	Reason ExitReason
	Detail ExitDetail
}
