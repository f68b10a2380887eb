// Package guest defines the boundary between the hypervisor control
// plane and the host/guest world-switch primitive. The control plane
// treats the transition as opaque: a Monitor hands out CPUs, a CPU's
// Enter atomically transfers control into guest context and returns a
// single trap cause plus a fixed trap-info record.
package guest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when no world-switch backend exists
	// for the host platform.
	ErrUnsupported = errors.New("guest: no hypervisor backend for this platform")
)

// Cause is the trap-cause code returned by a world switch.
type Cause int

const (
	// CauseSync is a synchronous exception taken from guest context.
	// The trap record's syndrome describes it.
	CauseSync Cause = iota
	// CauseIRQ is a host-owned physical interrupt that preempted the
	// guest. Not guest-visible.
	CauseIRQ
	// CauseFIQ is a host-owned fast interrupt. Not guest-visible.
	CauseFIQ
	// CauseMaintenance is interrupt-controller list-register
	// bookkeeping raised by the hardware. It must never be surfaced to
	// the guest or the management layer; the driver retries the world
	// switch immediately.
	CauseMaintenance
	// CauseKicked reports that the world switch was interrupted by a
	// Kick before or during guest entry.
	CauseKicked
)

func (c Cause) String() string {
	switch c {
	case CauseSync:
		return "synchronous exception"
	case CauseIRQ:
		return "IRQ"
	case CauseFIQ:
		return "FIQ"
	case CauseMaintenance:
		return "maintenance IRQ"
	case CauseKicked:
		return "kicked"
	default:
		return fmt.Sprintf("cause %d", int(c))
	}
}

// Trap is the fixed exception-info record populated by Enter. The
// values mirror the hardware registers readable immediately after a
// trap to EL2: syndrome, faulting virtual address and second-stage
// fault address.
type Trap struct {
	Esr   uint64
	Far   uint64
	Hpfar uint64
}

// Context is the saved guest machine state for one vCPU. The control
// plane owns it; Enter consumes the state on entry and writes it back,
// along with the trap record, before returning. PC is the address the
// guest resumes at on the next Enter.
type Context struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	Pstate uint64

	// EL1 system state carried across world switches.
	Vbar  uint64
	Sctlr uint64
	Mpidr uint64

	Trap Trap
}

// PstateIRQMasked reports whether the guest currently has IRQs masked
// (PSTATE.I set).
func (c *Context) PstateIRQMasked() bool {
	const pstateIBit = 1 << 7
	return c.Pstate&pstateIBit != 0
}

// Prot is a guest memory access permission set.
type Prot uint

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Access distinguishes the access type of a stage-2 fault.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return fmt.Sprintf("access %d", int(a))
	}
}

// AddressSpace is a guest second-stage translation regime. Map and
// Unmap install and remove host-backed guest-physical ranges; Activate
// and Deactivate bracket world switches on the current host CPU.
type AddressSpace interface {
	Map(hostMem []byte, gpa uint64, prot Prot) error
	Unmap(gpa, size uint64) error

	Activate() error
	Deactivate() error

	Close() error
}

// CPU is one hardware-assisted guest execution context.
//
// Enter must be invoked with the owning address space activated on the
// calling host thread; the backend masks host interrupts for the
// duration of the transition. It returns the trap cause and fills
// ctx.Trap. Kick forces a CPU executing in guest context to trap back
// to the host promptly; it is asynchronous, best-effort and safe to
// call from any thread.
type CPU interface {
	ID() int

	Enter(ctx *Context) (Cause, error)
	Kick() error

	Close() error
}

// Monitor is the world-switch backend: it owns whatever host facility
// (hardware virtualization API, scripted fake) implements the
// transition primitive.
type Monitor interface {
	NewAddressSpace() (AddressSpace, error)
	NewCPU(id int, as AddressSpace) (CPU, error)

	Close() error
}
