package fake

import "github.com/vmkit/vmkit/internal/guest"

// Builders for the syndrome encodings the control plane classifies.
// Bit positions follow the ESR_EL2 layouts in ARM DDI 0487.

const (
	classShift = 26
	ilBit      = 1 << 25

	classWFx       = 0x01
	classHvc64     = 0x16
	classSysReg    = 0x18
	classInsnAbort = 0x20
	classDataAbort = 0x24

	isvBit  = 1 << 24
	sseBit  = 1 << 21
	wnrBit  = 1 << 6
	sasOff  = 22
	srtOff  = 16
	rtOff   = 5
	dirBit  = 1 << 0
	op0Off  = 20
	op2Off  = 17
	op1Off  = 14
	crnOff  = 10
	crmOff  = 1
	wfeTIBt = 1 << 0
)

func hpfarFor(gpa uint64) uint64 {
	return (gpa >> 12) << 4
}

// WFI returns a scripted wait-for-interrupt trap.
func WFI() Event {
	return Event{
		Cause: guest.CauseSync,
		Trap:  guest.Trap{Esr: classWFx<<classShift | ilBit},
	}
}

// WFE returns a scripted wait-for-event trap.
func WFE() Event {
	return Event{
		Cause: guest.CauseSync,
		Trap:  guest.Trap{Esr: classWFx<<classShift | ilBit | wfeTIBt},
	}
}

// DataAbort returns a scripted data abort at gpa with a valid
// instruction syndrome, as a hardware MMIO-style trap would carry.
func DataAbort(gpa uint64, size int, reg int, write bool) Event {
	var sas uint64
	switch size {
	case 1:
		sas = 0
	case 2:
		sas = 1
	case 4:
		sas = 2
	case 8:
		sas = 3
	default:
		panic("fake: bad data abort size")
	}

	esr := uint64(classDataAbort)<<classShift | ilBit | isvBit |
		sas<<sasOff | uint64(reg)<<srtOff
	if write {
		esr |= wnrBit
	}

	return Event{
		Cause: guest.CauseSync,
		Trap: guest.Trap{
			Esr:   esr,
			Far:   gpa & 0xFFF,
			Hpfar: hpfarFor(gpa),
		},
	}
}

// DataAbortNoISS returns a data abort without a valid instruction
// syndrome; the control plane cannot emulate it.
func DataAbortNoISS(gpa uint64) Event {
	return Event{
		Cause: guest.CauseSync,
		Trap: guest.Trap{
			Esr:   classDataAbort<<classShift | ilBit,
			Far:   gpa & 0xFFF,
			Hpfar: hpfarFor(gpa),
		},
	}
}

// InsnAbort returns a scripted instruction abort at gpa.
func InsnAbort(gpa uint64) Event {
	return Event{
		Cause: guest.CauseSync,
		Trap: guest.Trap{
			Esr:   classInsnAbort<<classShift | ilBit,
			Far:   gpa & 0xFFF,
			Hpfar: hpfarFor(gpa),
		},
	}
}

// SysRegRead returns a scripted MRS trap reading the encoded system
// register into x[rt].
func SysRegRead(op0, op1, crn, crm, op2 uint8, rt int) Event {
	return sysReg(op0, op1, crn, crm, op2, rt, true)
}

// SysRegWrite returns a scripted MSR trap writing x[rt] to the encoded
// system register.
func SysRegWrite(op0, op1, crn, crm, op2 uint8, rt int) Event {
	return sysReg(op0, op1, crn, crm, op2, rt, false)
}

func sysReg(op0, op1, crn, crm, op2 uint8, rt int, read bool) Event {
	esr := uint64(classSysReg)<<classShift | ilBit |
		uint64(op0)<<op0Off | uint64(op1)<<op1Off | uint64(op2)<<op2Off |
		uint64(crn)<<crnOff | uint64(crm)<<crmOff | uint64(rt)<<rtOff
	if read {
		esr |= dirBit
	}
	return Event{Cause: guest.CauseSync, Trap: guest.Trap{Esr: esr}}
}

// HVC returns a scripted hypervisor call with the function id and
// arguments loaded into x0..x3, the way guest firmware issues a
// PSCI-style call.
func HVC(fid uint64, args ...uint64) Event {
	return Event{
		Cause: guest.CauseSync,
		Trap:  guest.Trap{Esr: classHvc64<<classShift | ilBit},
		Apply: func(ctx *guest.Context) {
			ctx.X[0] = fid
			for i, a := range args {
				ctx.X[1+i] = a
			}
		},
	}
}

// Maintenance returns a scripted interrupt-controller maintenance
// trap, which the driver must retry without surfacing.
func Maintenance() Event {
	return Event{Cause: guest.CauseMaintenance}
}

// HostIRQ returns a scripted host-interrupt preemption.
func HostIRQ() Event {
	return Event{Cause: guest.CauseIRQ}
}
