package vmm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vmkit/vmkit/internal/guest"
)

// Reg names one guest register in the management surface and the
// emulation callbacks.
type Reg int

const (
	RegInvalid Reg = iota

	RegX0
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegX29
	RegX30
	RegXzr
	RegSP
	RegPC
	RegPstate
	RegVbar
	RegSctlr
	RegMpidr
)

func (r Reg) String() string {
	switch {
	case r >= RegX0 && r <= RegX30:
		return fmt.Sprintf("x%d", int(r-RegX0))
	case r == RegXzr:
		return "xzr"
	case r == RegSP:
		return "sp"
	case r == RegPC:
		return "pc"
	case r == RegPstate:
		return "pstate"
	case r == RegVbar:
		return "vbar_el1"
	case r == RegSctlr:
		return "sctlr_el1"
	case r == RegMpidr:
		return "mpidr_el1"
	default:
		return fmt.Sprintf("reg %d", int(r))
	}
}

// RegByName resolves a register name ("x0", "X12", "pc", "sp") to its
// identifier.
func RegByName(name string) (Reg, error) {
	switch n := strings.ToLower(name); n {
	case "xzr":
		return RegXzr, nil
	case "sp":
		return RegSP, nil
	case "pc":
		return RegPC, nil
	case "pstate", "cpsr":
		return RegPstate, nil
	case "vbar_el1", "vbar":
		return RegVbar, nil
	case "sctlr_el1", "sctlr":
		return RegSctlr, nil
	case "mpidr_el1", "mpidr":
		return RegMpidr, nil
	default:
		if strings.HasPrefix(n, "x") {
			idx, err := strconv.Atoi(n[1:])
			if err == nil && idx >= 0 && idx <= 30 {
				return RegX0 + Reg(idx), nil
			}
		}
		return RegInvalid, fmt.Errorf("%w: unknown register %q", ErrInvalidArgument, name)
	}
}

// regSlot maps a register identifier to its storage slot in a vCPU's
// saved context. RegXzr has no slot; callers special-case it.
func regSlot(ctx *guest.Context, r Reg) (*uint64, error) {
	switch {
	case r >= RegX0 && r <= RegX30:
		return &ctx.X[int(r-RegX0)], nil
	case r == RegSP:
		return &ctx.SP, nil
	case r == RegPC:
		return &ctx.PC, nil
	case r == RegPstate:
		return &ctx.Pstate, nil
	case r == RegVbar:
		return &ctx.Vbar, nil
	case r == RegSctlr:
		return &ctx.Sctlr, nil
	case r == RegMpidr:
		return &ctx.Mpidr, nil
	default:
		return nil, fmt.Errorf("%w: unsupported register %v", ErrInvalidArgument, r)
	}
}

// regIndexRead reads general-purpose register index 0..31 from a
// context, with 31 reading as the zero register.
func regIndexRead(ctx *guest.Context, idx int) uint64 {
	if idx == 31 {
		return 0
	}
	return ctx.X[idx]
}

// regIndexWrite writes general-purpose register index 0..31, with
// writes to the zero register discarded.
func regIndexWrite(ctx *guest.Context, idx int, val uint64) {
	if idx == 31 {
		return
	}
	ctx.X[idx] = val
}
