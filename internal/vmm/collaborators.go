package vmm

import (
	"fmt"

	"github.com/vmkit/vmkit/internal/arch/arm64"
	"github.com/vmkit/vmkit/internal/guest"
)

// VcpuBroadcast targets all vCPUs of a VM in an interrupt injection.
const VcpuBroadcast = -1

// IRQClass distinguishes the architectural interrupt classes the
// emulated interrupt controller accepts.
type IRQClass int

const (
	IRQClassSPI IRQClass = iota
	IRQClassPPI
	IRQClassSGI
)

// IRQController is the emulated interrupt controller collaborator.
// FlushHwState and SyncHwState move virtual-interrupt state into and
// out of the hardware list registers around every world switch;
// PendingInterrupt answers the WFI handler; Inject delivers an
// interrupt to one vCPU or all of them.
type IRQController interface {
	FlushHwState(vcpu int)
	SyncHwState(vcpu int)
	PendingInterrupt(vcpu int) bool
	Inject(vcpu int, irq uint32, level bool, class IRQClass) error
}

// nopIRQController stands in when no interrupt controller is attached.
type nopIRQController struct{}

func (nopIRQController) FlushHwState(int)          {}
func (nopIRQController) SyncHwState(int)           {}
func (nopIRQController) PendingInterrupt(int) bool { return false }
func (nopIRQController) Inject(int, uint32, bool, IRQClass) error {
	return fmt.Errorf("%w: no interrupt controller attached", ErrInvalidArgument)
}

// SysRegHandler emulates one or more trapped system registers; the
// timer and interrupt-controller collaborators register their
// encodings against the VM's dispatch table.
type SysRegHandler interface {
	ReadReg(vcpu int, enc arm64.SysRegEncoding) (uint64, error)
	WriteReg(vcpu int, enc arm64.SysRegEncoding, val uint64) error
}

// SysRegFuncs adapts plain functions to SysRegHandler.
type SysRegFuncs struct {
	Read  func(vcpu int, enc arm64.SysRegEncoding) (uint64, error)
	Write func(vcpu int, enc arm64.SysRegEncoding, val uint64) error
}

func (f SysRegFuncs) ReadReg(vcpu int, enc arm64.SysRegEncoding) (uint64, error) {
	if f.Read == nil {
		return 0, fmt.Errorf("vmm: unhandled read of %v", enc)
	}
	return f.Read(vcpu, enc)
}

func (f SysRegFuncs) WriteReg(vcpu int, enc arm64.SysRegEncoding, val uint64) error {
	if f.Write == nil {
		return fmt.Errorf("vmm: unhandled write of %v", enc)
	}
	return f.Write(vcpu, enc, val)
}

// MMIOHandler emulates a registered guest-physical region. Offsets are
// relative to the region base.
type MMIOHandler interface {
	ReadMMIO(off uint64, data []byte) error
	WriteMMIO(off uint64, data []byte) error
}

// MMIOFuncs adapts plain functions to MMIOHandler.
type MMIOFuncs struct {
	Read  func(off uint64, data []byte) error
	Write func(off uint64, data []byte) error
}

func (f MMIOFuncs) ReadMMIO(off uint64, data []byte) error {
	if f.Read == nil {
		return fmt.Errorf("vmm: unhandled MMIO read at +%#x", off)
	}
	return f.Read(off, data)
}

func (f MMIOFuncs) WriteMMIO(off uint64, data []byte) error {
	if f.Write == nil {
		return fmt.Errorf("vmm: unhandled MMIO write at +%#x", off)
	}
	return f.Write(off, data)
}

// FaultResolver is the host memory manager collaborator: it resolves a
// second-stage fault for a guest-physical address already backed by a
// mapping.
type FaultResolver interface {
	ResolveFault(gpa uint64, access guest.Access) error
}

var (
	_ IRQController = nopIRQController{}
	_ SysRegHandler = SysRegFuncs{}
	_ MMIOHandler   = MMIOFuncs{}
)
