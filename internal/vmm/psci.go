package vmm

import (
	"fmt"
)

// SMCCC function identifiers for the power-state calling convention,
// ARM DEN 0022 / DEN 0028.
const (
	psciVersion         = 0x8400_0000
	psciCPUSuspend      = 0xC400_0001
	psciCPUOff          = 0x8400_0002
	psciCPUOn           = 0xC400_0003
	psciAffinityInfo    = 0xC400_0004
	psciMigrateInfoType = 0x8400_0006
	psciSystemOff       = 0x8400_0008
	psciSystemReset     = 0x8400_0009
	psciFeatures        = 0x8400_000A
)

// Return codes, sign-extended into X0.
const (
	psciRetSuccess      uint64 = 0
	psciRetNotSupported uint64 = 0xFFFF_FFFF_FFFF_FFFF // -1
	psciRetInvalidParam uint64 = 0xFFFF_FFFF_FFFF_FFFE // -2
	psciRetAlreadyOn    uint64 = 0xFFFF_FFFF_FFFF_FFFC // -4
)

const (
	affinityOn  uint64 = 0
	affinityOff uint64 = 1
)

// handlePowerState emulates a power-state call taken via HVC or SMC.
// The function identifier is in X0, arguments in X1..X3, and the
// result goes back in X0. Calls that power the whole VM down raise the
// VM-wide suspend and end the run; everything else resumes the guest.
func (m *VM) handlePowerState(c *Vcpu, rec *ExitRecord) (disposition, error) {
	fn := uint32(c.ctx.X[0])

	switch uint64(fn) {
	case psciVersion:
		c.ctx.X[0] = 0x0001_0000 // v1.0

	case psciMigrateInfoType:
		// Migration is not implemented; a trusted OS, if any, is not
		// migratable.
		c.ctx.X[0] = 2

	case psciFeatures:
		switch c.ctx.X[1] {
		case psciVersion, psciCPUOff, psciCPUOn, psciAffinityInfo,
			psciMigrateInfoType, psciSystemOff, psciSystemReset, psciFeatures:
			c.ctx.X[0] = psciRetSuccess
		default:
			c.ctx.X[0] = psciRetNotSupported
		}

	case psciCPUOn:
		c.ctx.X[0] = m.powerOnCPU(c.ctx.X[1], c.ctx.X[2], c.ctx.X[3])

	case psciAffinityInfo:
		target := int(c.ctx.X[1])
		if _, err := m.vcpu(target); err != nil {
			c.ctx.X[0] = psciRetInvalidParam
		} else if m.isActive(target) {
			c.ctx.X[0] = affinityOn
		} else {
			c.ctx.X[0] = affinityOff
		}

	case psciCPUOff:
		m.log.Debug("vcpu powered off by guest", "vcpu", c.id)
		m.forceDeactivate(c.id)
		return dispExit, nil

	case psciSystemOff:
		return m.systemSuspend(c, rec, SuspendPowerOff)

	case psciSystemReset:
		return m.systemSuspend(c, rec, SuspendReset)

	case psciCPUSuspend:
		// A suspended vCPU with no state loss behaves like WFI.
		c.ctx.X[0] = psciRetSuccess

	default:
		m.log.Debug("unsupported power-state call", "vcpu", c.id, "function", fmt.Sprintf("%#x", fn))
		c.ctx.X[0] = psciRetNotSupported
	}

	return dispResume, nil
}

// powerOnCPU implements CPU_ON: target identified by MPIDR, started at
// entry with ctxid in X0.
func (m *VM) powerOnCPU(mpidr, entry, ctxid uint64) uint64 {
	target, err := m.vcpu(int(mpidr))
	if err != nil {
		return psciRetInvalidParam
	}
	if m.isActive(target.id) {
		return psciRetAlreadyOn
	}

	// The target is inactive, so no executor holds it; a failed freeze
	// means a concurrent management operation won the race.
	if err := target.tryFreeze(); err != nil {
		return psciRetAlreadyOn
	}
	target.ctx.PC = entry
	target.ctx.X[0] = ctxid
	target.mustState(StateIdle)

	if err := m.Activate(target.id); err != nil {
		return psciRetInvalidParam
	}
	m.log.Debug("vcpu powered on by guest", "vcpu", target.id, "entry", fmt.Sprintf("%#x", entry))
	return psciRetSuccess
}

func (m *VM) systemSuspend(c *Vcpu, rec *ExitRecord, kind SuspendKind) (disposition, error) {
	if err := m.Suspend(kind); err != nil && err != ErrSuspendInProgress {
		return dispExit, err
	}
	if d, ok := rec.Detail.(PowerStateDetail); ok {
		d.Kind = kind
		rec.Detail = d
	}
	if m.powerHook != nil {
		m.powerHook(kind)
	}
	return dispExit, nil
}
