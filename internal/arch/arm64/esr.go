// Package arm64 decodes the AArch64 exception syndrome (ESR_EL2) and
// related fault registers into architecture-neutral descriptors. All
// functions here are pure: identical inputs always produce identical
// results, which the exit classifier relies on.
package arm64

import "fmt"

// Syndrome is a raw ESR_EL2 value captured at a trap from guest context.
type Syndrome uint64

const (
	classShift = 26
	classMask  = 0x3F

	ilBit = 25

	issMask uint64 = (1 << 25) - 1
)

// Class is the architectural exception class held in ESR[31:26].
type Class uint64

const (
	ClassUnknown        Class = 0x00
	ClassWFx            Class = 0x01
	ClassHvc64          Class = 0x16
	ClassSmc64          Class = 0x17
	ClassSysReg         Class = 0x18
	ClassInsnAbortLowEL Class = 0x20
	ClassInsnAbortSame  Class = 0x21
	ClassDataAbortLowEL Class = 0x24
	ClassDataAbortSame  Class = 0x25
	ClassSError         Class = 0x2F
)

func (c Class) String() string {
	switch c {
	case ClassUnknown:
		return "unknown"
	case ClassWFx:
		return "WFx"
	case ClassHvc64:
		return "HVC"
	case ClassSmc64:
		return "SMC"
	case ClassSysReg:
		return "sysreg access"
	case ClassInsnAbortLowEL:
		return "instruction abort (lower EL)"
	case ClassInsnAbortSame:
		return "instruction abort (same EL)"
	case ClassDataAbortLowEL:
		return "data abort (lower EL)"
	case ClassDataAbortSame:
		return "data abort (same EL)"
	case ClassSError:
		return "SError"
	default:
		return fmt.Sprintf("exception class 0x%02x", uint64(c))
	}
}

// Class extracts the exception class.
func (s Syndrome) Class() Class {
	return Class((uint64(s) >> classShift) & classMask)
}

// ISS extracts the instruction-specific syndrome bits.
func (s Syndrome) ISS() uint64 {
	return uint64(s) & issMask
}

// InsnLen reports the length in bytes of the trapped instruction,
// from the IL bit.
func (s Syndrome) InsnLen() uint64 {
	if uint64(s)&(1<<ilBit) != 0 {
		return 4
	}
	return 2
}

// DataAbort describes a decoded data-abort syndrome with a valid
// instruction syndrome (ISV set).
type DataAbort struct {
	Size       int  // access size in bytes (1, 2, 4 or 8)
	Reg        int  // transfer register index; 31 is XZR, not SP
	Write      bool // true for a store, false for a load
	SignExtend bool // loaded value must be sign-extended to 64 bits
	FarInvalid bool // FAR does not hold a valid faulting VA (FnV)
}

// Data abort ISS layout, ARM DDI 0487 D17.2.37.
const (
	dataAbortISVBit  = 24
	dataAbortSASOff  = 22
	dataAbortSASMask = 0x3
	dataAbortSSEBit  = 21
	dataAbortSRTOff  = 16
	dataAbortSRTMask = 0x1F
	dataAbortFnVBit  = 10
	dataAbortWnRBit  = 6
)

// DecodeDataAbort decodes the ISS of a data-abort syndrome. It fails
// when ISV is clear: without a valid instruction syndrome the access
// cannot be emulated and the trap must be handed to the management
// layer instead.
func DecodeDataAbort(s Syndrome) (DataAbort, error) {
	iss := s.ISS()

	if (iss>>dataAbortISVBit)&1 == 0 {
		return DataAbort{}, fmt.Errorf("arm64: data abort without ISV (syndrome=%#x)", uint64(s))
	}

	sas := (iss >> dataAbortSASOff) & dataAbortSASMask

	return DataAbort{
		Size:       1 << sas,
		Reg:        int((iss >> dataAbortSRTOff) & dataAbortSRTMask),
		Write:      (iss>>dataAbortWnRBit)&1 == 1,
		SignExtend: (iss>>dataAbortSSEBit)&1 == 1,
		FarInvalid: (iss>>dataAbortFnVBit)&1 == 1,
	}, nil
}

// DataAbortIsWrite reports the WnR bit of a data-abort syndrome. It is
// valid even when ISV is clear, so a stage-2 fault's access kind can
// be determined without a full decode.
func DataAbortIsWrite(s Syndrome) bool {
	return (s.ISS()>>dataAbortWnRBit)&1 == 1
}

// SysRegAccess describes a decoded MSR/MRS trap.
type SysRegAccess struct {
	Op0, Op1, Op2 uint8
	CRn, CRm      uint8
	Reg           int  // transfer register index; 31 is XZR
	Read          bool // true = MRS (sysreg -> Rt), false = MSR (Rt -> sysreg)
}

// Encoding packs the register encoding for table lookups, ignoring the
// transfer register and direction.
func (a SysRegAccess) Encoding() SysRegEncoding {
	return SysRegEncoding{Op0: a.Op0, Op1: a.Op1, CRn: a.CRn, CRm: a.CRm, Op2: a.Op2}
}

// SysRegEncoding identifies a system register by its (op0, op1, CRn,
// CRm, op2) tuple. It is comparable and usable as a map key.
type SysRegEncoding struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func (e SysRegEncoding) String() string {
	return fmt.Sprintf("s%d_%d_c%d_c%d_%d", e.Op0, e.Op1, e.CRn, e.CRm, e.Op2)
}

// MSR/MRS trap ISS layout, ARM DDI 0487 D17.2.37.
const (
	sysRegOp0Off = 20
	sysRegOp2Off = 17
	sysRegOp1Off = 14
	sysRegCRnOff = 10
	sysRegRtOff  = 5
	sysRegCRmOff = 1
	sysRegDirBit = 0
)

// DecodeSysReg decodes the ISS of a system-register trap.
func DecodeSysReg(s Syndrome) SysRegAccess {
	iss := s.ISS()

	return SysRegAccess{
		Op0:  uint8((iss >> sysRegOp0Off) & 0x3),
		Op1:  uint8((iss >> sysRegOp1Off) & 0x7),
		Op2:  uint8((iss >> sysRegOp2Off) & 0x7),
		CRn:  uint8((iss >> sysRegCRnOff) & 0xF),
		CRm:  uint8((iss >> sysRegCRmOff) & 0xF),
		Reg:  int((iss >> sysRegRtOff) & 0x1F),
		Read: iss&(1<<sysRegDirBit) == 1,
	}
}

// IsWFE reports whether a WFx trap was a WFE rather than a WFI, from
// the TI field.
func IsWFE(s Syndrome) bool {
	return s.ISS()&1 == 1
}

// FaultGPA composes the guest-physical fault address from HPFAR_EL2
// (which holds bits [51:12] of the faulting IPA in FIPA[43:4]) and the
// page offset of the faulting virtual address.
func FaultGPA(hpfar, far uint64) uint64 {
	return (hpfar>>4)<<12 | far&0xFFF
}
