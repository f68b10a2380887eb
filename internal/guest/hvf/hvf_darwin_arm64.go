//go:build darwin && arm64

// Package hvf backs the guest interfaces with Apple's
// Hypervisor.framework via purego. One Monitor corresponds to the
// single framework VM a process may own; each CPU is served by a
// dedicated locked OS thread because the framework binds a vCPU to the
// thread that created it.
package hvf

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/vmkit/vmkit/internal/arch/arm64"
	"github.com/vmkit/vmkit/internal/guest"
)

const hypervisorFrameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

type hvReturn uint32

const (
	hvSuccess     hvReturn = 0x00000000
	hvError       hvReturn = 0xFAE94001
	hvBusy        hvReturn = 0xFAE94002
	hvBadArgument hvReturn = 0xFAE94003
	hvNoResources hvReturn = 0xFAE94005
	hvNoDevice    hvReturn = 0xFAE94006
	hvDenied      hvReturn = 0xFAE94007
	hvUnsupported hvReturn = 0xFAE9400F
)

func (r hvReturn) Error() string {
	switch r {
	case hvSuccess:
		return "success"
	case hvError:
		return "error"
	case hvBusy:
		return "busy"
	case hvBadArgument:
		return "bad argument"
	case hvNoResources:
		return "no resources"
	case hvNoDevice:
		return "no device"
	case hvDenied:
		return "denied"
	case hvUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("0x%08x", uint32(r))
	}
}

func (r hvReturn) toError(op string) error {
	if r == hvSuccess {
		return nil
	}
	return fmt.Errorf("hvf: %s: %w", op, r)
}

type hvMemoryFlags uint64

const (
	hvMemoryRead  hvMemoryFlags = 1 << 0
	hvMemoryWrite hvMemoryFlags = 1 << 1
	hvMemoryExec  hvMemoryFlags = 1 << 2
)

type hvExitReason uint32

const (
	hvExitReasonCanceled          hvExitReason = 0
	hvExitReasonException         hvExitReason = 1
	hvExitReasonVTimerActivated   hvExitReason = 2
	hvExitReasonVTimerDeactivated hvExitReason = 3
)

type hvVcpuExitException struct {
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
}

type hvVcpuExit struct {
	Reason    hvExitReason
	_         uint32
	Exception hvVcpuExitException
}

type hvReg uint32

// x1..x30 follow x0 contiguously.
const (
	hvRegX0   hvReg = 0
	hvRegPC   hvReg = 31
	hvRegFpcr hvReg = 32
	hvRegFpsr hvReg = 33
	hvRegCpsr hvReg = 34
)

type hvSysReg uint32

func makeHvSysReg(op0, op1, crn, crm, op2 uint32) hvSysReg {
	return hvSysReg(((op0 & 0x3) << 14) |
		((op1 & 0x7) << 11) |
		((crn & 0xF) << 7) |
		((crm & 0xF) << 3) |
		(op2 & 0x7))
}

var (
	hvSysRegSPEl1 = hvSysReg(0xe208)
	hvSysRegVbar  = makeHvSysReg(3, 0, 12, 0, 0)
	hvSysRegSctlr = makeHvSysReg(3, 0, 1, 0, 0)
	hvSysRegMpidr = makeHvSysReg(3, 0, 0, 0, 5)
)

var (
	loadOnce sync.Once
	loadErr  error

	hvVmCreate    func(config uintptr) hvReturn
	hvVmDestroy   func() hvReturn
	hvVmMap       func(addr unsafe.Pointer, ipa uint64, size uint64, flags hvMemoryFlags) hvReturn
	hvVmUnmap     func(ipa uint64, size uint64) hvReturn
	hvVcpuCreate  func(vcpu *uint64, exit **hvVcpuExit, config uintptr) hvReturn
	hvVcpuDestroy func(vcpu uint64) hvReturn
	hvVcpuRun     func(vcpu uint64) hvReturn
	hvVcpusExit   func(vcpus *uint64, count uint32) hvReturn
	hvVcpuGetReg  func(vcpu uint64, reg hvReg, value *uint64) hvReturn
	hvVcpuSetReg  func(vcpu uint64, reg hvReg, value uint64) hvReturn
	hvVcpuGetSys  func(vcpu uint64, reg hvSysReg, value *uint64) hvReturn
	hvVcpuSetSys  func(vcpu uint64, reg hvSysReg, value uint64) hvReturn
)

func load() error {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen(hypervisorFrameworkPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			loadErr = fmt.Errorf("hvf: dlopen Hypervisor.framework: %w", err)
			return
		}

		purego.RegisterLibFunc(&hvVmCreate, lib, "hv_vm_create")
		purego.RegisterLibFunc(&hvVmDestroy, lib, "hv_vm_destroy")
		purego.RegisterLibFunc(&hvVmMap, lib, "hv_vm_map")
		purego.RegisterLibFunc(&hvVmUnmap, lib, "hv_vm_unmap")
		purego.RegisterLibFunc(&hvVcpuCreate, lib, "hv_vcpu_create")
		purego.RegisterLibFunc(&hvVcpuDestroy, lib, "hv_vcpu_destroy")
		purego.RegisterLibFunc(&hvVcpuRun, lib, "hv_vcpu_run")
		purego.RegisterLibFunc(&hvVcpusExit, lib, "hv_vcpus_exit")
		purego.RegisterLibFunc(&hvVcpuGetReg, lib, "hv_vcpu_get_reg")
		purego.RegisterLibFunc(&hvVcpuSetReg, lib, "hv_vcpu_set_reg")
		purego.RegisterLibFunc(&hvVcpuGetSys, lib, "hv_vcpu_get_sys_reg")
		purego.RegisterLibFunc(&hvVcpuSetSys, lib, "hv_vcpu_set_sys_reg")
	})
	return loadErr
}

// Monitor owns the process-wide framework VM.
type Monitor struct {
	mu     sync.Mutex
	cpus   []*cpu
	closed bool
}

// Open creates the framework VM. Only one Monitor may exist per
// process; the framework enforces this.
func Open() (guest.Monitor, error) {
	if err := load(); err != nil {
		return nil, fmt.Errorf("%w: %v", guest.ErrUnsupported, err)
	}
	if ret := hvVmCreate(0); ret != hvSuccess {
		if ret == hvDenied || ret == hvUnsupported {
			return nil, fmt.Errorf("%w: hv_vm_create: %v", guest.ErrUnsupported, ret)
		}
		return nil, ret.toError("hv_vm_create")
	}
	return &Monitor{}, nil
}

// NewAddressSpace implements [guest.Monitor]. The framework VM has a
// single second-stage regime shared by all vCPUs, so every call
// returns a view of the same translation tables.
func (m *Monitor) NewAddressSpace() (guest.AddressSpace, error) {
	return &addressSpace{}, nil
}

// NewCPU implements [guest.Monitor].
func (m *Monitor) NewCPU(id int, as guest.AddressSpace) (guest.CPU, error) {
	if _, ok := as.(*addressSpace); !ok {
		return nil, fmt.Errorf("hvf: foreign address space %T", as)
	}

	c := &cpu{
		id:   id,
		req:  make(chan *guest.Context),
		resp: make(chan enterResult),
		done: make(chan struct{}),
	}
	created := make(chan error)
	go c.serve(created)
	if err := <-created; err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cpus = append(m.cpus, c)
	m.mu.Unlock()
	return c, nil
}

// Close implements [guest.Monitor].
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, c := range m.cpus {
		c.Close()
	}
	return hvVmDestroy().toError("hv_vm_destroy")
}

type addressSpace struct{}

func (a *addressSpace) Map(hostMem []byte, gpa uint64, prot guest.Prot) error {
	var flags hvMemoryFlags
	if prot&guest.ProtRead != 0 {
		flags |= hvMemoryRead
	}
	if prot&guest.ProtWrite != 0 {
		flags |= hvMemoryWrite
	}
	if prot&guest.ProtExec != 0 {
		flags |= hvMemoryExec
	}
	return hvVmMap(unsafe.Pointer(&hostMem[0]), gpa, uint64(len(hostMem)), flags).
		toError(fmt.Sprintf("hv_vm_map %#x", gpa))
}

func (a *addressSpace) Unmap(gpa, size uint64) error {
	return hvVmUnmap(gpa, size).toError(fmt.Sprintf("hv_vm_unmap %#x", gpa))
}

// Activate and Deactivate are no-ops: the framework's second-stage
// tables are installed process-wide, not per host thread.
func (a *addressSpace) Activate() error   { return nil }
func (a *addressSpace) Deactivate() error { return nil }

func (a *addressSpace) Close() error { return nil }

type enterResult struct {
	cause guest.Cause
	err   error
}

// cpu serves world switches from a dedicated locked OS thread. The
// framework binds a vCPU to its creating thread, so Enter hands the
// context to that thread rather than running in the caller.
type cpu struct {
	id int

	req  chan *guest.Context
	resp chan enterResult
	done chan struct{}

	mu     sync.Mutex
	handle uint64
	exit   *hvVcpuExit
	closed bool
}

func (c *cpu) serve(created chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var handle uint64
	var exit *hvVcpuExit
	if ret := hvVcpuCreate(&handle, &exit, 0); ret != hvSuccess {
		created <- ret.toError("hv_vcpu_create")
		return
	}
	c.mu.Lock()
	c.handle = handle
	c.exit = exit
	c.mu.Unlock()
	created <- nil

	defer hvVcpuDestroy(handle)
	for {
		select {
		case <-c.done:
			return
		case ctx := <-c.req:
			cause, err := c.enterOnThread(handle, exit, ctx)
			c.resp <- enterResult{cause: cause, err: err}
		}
	}
}

// ID implements [guest.CPU].
func (c *cpu) ID() int { return c.id }

// Enter implements [guest.CPU].
func (c *cpu) Enter(ctx *guest.Context) (guest.Cause, error) {
	select {
	case c.req <- ctx:
	case <-c.done:
		return 0, fmt.Errorf("hvf: Enter on closed vCPU %d", c.id)
	}
	res := <-c.resp
	return res.cause, res.err
}

func (c *cpu) enterOnThread(handle uint64, exit *hvVcpuExit, ctx *guest.Context) (guest.Cause, error) {
	if err := c.loadContext(handle, ctx); err != nil {
		return 0, err
	}
	ret := hvVcpuRun(handle)
	if ret != hvSuccess {
		return 0, ret.toError("hv_vcpu_run")
	}
	if err := c.storeContext(handle, ctx); err != nil {
		return 0, err
	}

	switch exit.Reason {
	case hvExitReasonCanceled:
		return guest.CauseKicked, nil

	case hvExitReasonException:
		ctx.Trap = guest.Trap{
			Esr:   exit.Exception.Syndrome,
			Far:   exit.Exception.VirtualAddress,
			Hpfar: (exit.Exception.PhysicalAddress >> 12) << 4,
		}
		// The framework reports HVC with PC already at the following
		// instruction; rewind so the uniform advance-after-emulation
		// rule holds.
		syn := arm64.Syndrome(ctx.Trap.Esr)
		if syn.Class() == arm64.ClassHvc64 {
			ctx.PC -= syn.InsnLen()
		}
		return guest.CauseSync, nil

	case hvExitReasonVTimerActivated, hvExitReasonVTimerDeactivated:
		return guest.CauseIRQ, nil

	default:
		return 0, fmt.Errorf("hvf: vCPU %d: unknown exit reason %d", c.id, exit.Reason)
	}
}

func (c *cpu) loadContext(handle uint64, ctx *guest.Context) error {
	for i, val := range ctx.X {
		if ret := hvVcpuSetReg(handle, hvRegX0+hvReg(i), val); ret != hvSuccess {
			return ret.toError(fmt.Sprintf("set x%d", i))
		}
	}
	sets := []struct {
		op string
		do func() hvReturn
	}{
		{"set pc", func() hvReturn { return hvVcpuSetReg(handle, hvRegPC, ctx.PC) }},
		{"set cpsr", func() hvReturn { return hvVcpuSetReg(handle, hvRegCpsr, ctx.Pstate) }},
		{"set sp_el1", func() hvReturn { return hvVcpuSetSys(handle, hvSysRegSPEl1, ctx.SP) }},
		{"set vbar_el1", func() hvReturn { return hvVcpuSetSys(handle, hvSysRegVbar, ctx.Vbar) }},
		{"set sctlr_el1", func() hvReturn { return hvVcpuSetSys(handle, hvSysRegSctlr, ctx.Sctlr) }},
		{"set mpidr_el1", func() hvReturn { return hvVcpuSetSys(handle, hvSysRegMpidr, ctx.Mpidr) }},
	}
	for _, s := range sets {
		if ret := s.do(); ret != hvSuccess {
			return ret.toError(s.op)
		}
	}
	return nil
}

func (c *cpu) storeContext(handle uint64, ctx *guest.Context) error {
	for i := range ctx.X {
		if ret := hvVcpuGetReg(handle, hvRegX0+hvReg(i), &ctx.X[i]); ret != hvSuccess {
			return ret.toError(fmt.Sprintf("get x%d", i))
		}
	}
	gets := []struct {
		op   string
		reg  hvReg
		sys  hvSysReg
		isHW bool
		dst  *uint64
	}{
		{op: "get pc", reg: hvRegPC, dst: &ctx.PC},
		{op: "get cpsr", reg: hvRegCpsr, dst: &ctx.Pstate},
		{op: "get sp_el1", sys: hvSysRegSPEl1, isHW: true, dst: &ctx.SP},
		{op: "get vbar_el1", sys: hvSysRegVbar, isHW: true, dst: &ctx.Vbar},
		{op: "get sctlr_el1", sys: hvSysRegSctlr, isHW: true, dst: &ctx.Sctlr},
	}
	for _, g := range gets {
		var ret hvReturn
		if g.isHW {
			ret = hvVcpuGetSys(handle, g.sys, g.dst)
		} else {
			ret = hvVcpuGetReg(handle, g.reg, g.dst)
		}
		if ret != hvSuccess {
			return ret.toError(g.op)
		}
	}
	return nil
}

// Kick implements [guest.CPU].
func (c *cpu) Kick() error {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	return hvVcpusExit(&handle, 1).toError("hv_vcpus_exit")
}

// Close implements [guest.CPU].
func (c *cpu) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

var (
	_ guest.Monitor      = &Monitor{}
	_ guest.CPU          = &cpu{}
	_ guest.AddressSpace = &addressSpace{}
)
