package vmkit

import (
	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/guest/factory"
	"github.com/vmkit/vmkit/internal/guest/fake"
	"github.com/vmkit/vmkit/internal/vmm"
)

// VM owns the vCPU set, the guest-physical memory registry and the
// per-VM collaborators.
type VM = vmm.VM

// Vcpu is one guest execution context and its lifecycle state machine.
type Vcpu = vmm.Vcpu

// Option configures a VM at creation.
type Option = vmm.Option

// ExitRecord describes why a Run returned.
type ExitRecord = vmm.ExitRecord

// ExitReason categorizes an exit; ExitDetail carries its
// reason-specific payload.
type (
	ExitReason = vmm.ExitReason
	ExitDetail = vmm.ExitDetail

	HypervisorDetail       = vmm.HypervisorDetail
	RegisterAccessDetail   = vmm.RegisterAccessDetail
	MMIOAccessDetail       = vmm.MMIOAccessDetail
	StagePagingDetail      = vmm.StagePagingDetail
	PowerStateDetail       = vmm.PowerStateDetail
	WaitForInterruptDetail = vmm.WaitForInterruptDetail
	DebugDetail            = vmm.DebugDetail
)

// Reg names a guest register in the management surface.
type Reg = vmm.Reg

// SuspendKind is the reason attached to a VM-wide suspend.
type SuspendKind = vmm.SuspendKind

// SegmentKind distinguishes system memory from device-relocatable
// memory.
type SegmentKind = vmm.SegmentKind

// Collaborator interfaces a machine model plugs into a VM.
type (
	IRQController = vmm.IRQController
	MMIOHandler   = vmm.MMIOHandler
	MMIOFuncs     = vmm.MMIOFuncs
	SysRegHandler = vmm.SysRegHandler
	SysRegFuncs   = vmm.SysRegFuncs
	FaultResolver = vmm.FaultResolver
)

// Monitor is the world-switch backend handing out address spaces and
// CPUs.
type Monitor = guest.Monitor

const (
	MaxVCPUs        = vmm.MaxVCPUs
	MaxSegments     = vmm.MaxSegments
	MaxMappings     = vmm.MaxMappings
	MaxMMIORegions  = vmm.MaxMMIORegions
	MaxCapabilities = vmm.MaxCapabilities
	PageSize        = vmm.PageSize
)

const (
	SegmentSystem = vmm.SegmentSystem
	SegmentDevice = vmm.SegmentDevice

	SuspendNone     = vmm.SuspendNone
	SuspendPowerOff = vmm.SuspendPowerOff
	SuspendReset    = vmm.SuspendReset

	VcpuBroadcast = vmm.VcpuBroadcast

	ProtRead  = guest.ProtRead
	ProtWrite = guest.ProtWrite
	ProtExec  = guest.ProtExec
)

const (
	ExitNone                 = vmm.ExitNone
	ExitHypervisor           = vmm.ExitHypervisor
	ExitRegisterEmulation    = vmm.ExitRegisterEmulation
	ExitInstructionEmulation = vmm.ExitInstructionEmulation
	ExitStagePaging          = vmm.ExitStagePaging
	ExitPowerState           = vmm.ExitPowerState
	ExitWaitForInterrupt     = vmm.ExitWaitForInterrupt
	ExitDebug                = vmm.ExitDebug
)

const (
	RegX0     = vmm.RegX0
	RegX1     = vmm.RegX1
	RegX2     = vmm.RegX2
	RegX3     = vmm.RegX3
	RegXzr    = vmm.RegXzr
	RegSP     = vmm.RegSP
	RegPC     = vmm.RegPC
	RegPstate = vmm.RegPstate
)

// RegByName resolves a register name ("x12", "pc", "sp") to its
// identifier; the full x0..x30 file is addressable this way.
var RegByName = vmm.RegByName

var (
	ErrInvalidArgument   = vmm.ErrInvalidArgument
	ErrBusy              = vmm.ErrBusy
	ErrExists            = vmm.ErrExists
	ErrNoSpace           = vmm.ErrNoSpace
	ErrSuspendInProgress = vmm.ErrSuspendInProgress
	ErrClosed            = vmm.ErrClosed

	// ErrUnsupported indicates no hardware world-switch backend exists
	// for this platform. Use errors.Is to check and fall back to the
	// fake backend or skip tests.
	ErrUnsupported = guest.ErrUnsupported
)

// New creates a VM on the given backend with all vCPUs idle and
// deactivated.
func New(name string, maxcpus int, mon Monitor, opts ...Option) (*VM, error) {
	return vmm.New(name, maxcpus, mon, opts...)
}

// OpenMonitor opens the hardware world-switch backend for the host
// platform, or ErrUnsupported when there is none.
func OpenMonitor() (Monitor, error) {
	return factory.Open()
}

// NewFakeMonitor returns the scripted in-memory backend used for tests
// and smoke runs.
func NewFakeMonitor() Monitor {
	return fake.NewMonitor()
}

// Option constructors.
var (
	WithIRQController = vmm.WithIRQController
	WithFaultResolver = vmm.WithFaultResolver
	WithPowerHook     = vmm.WithPowerHook
	WithLogger        = vmm.WithLogger
)
