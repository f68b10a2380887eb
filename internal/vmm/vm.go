package vmm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vmkit/vmkit/internal/arch/arm64"
	"github.com/vmkit/vmkit/internal/exitstats"
	"github.com/vmkit/vmkit/internal/guest"
)

// Fixed capacities. These mirror hardware/ABI bounds; the tables are
// arrays with linear-scan slot allocation, not growable sets.
const (
	MaxVCPUs       = 32
	MaxSegments    = 16
	MaxMappings    = 32
	MaxMMIORegions = 16

	PageSize = 4096
)

// SegmentKind distinguishes general system memory from
// device-relocatable memory. Device segments are dropped on VM reset;
// system segments survive until the VM is destroyed.
type SegmentKind int

const (
	SegmentSystem SegmentKind = iota
	SegmentDevice
)

// Segment is one backing-store descriptor.
type Segment struct {
	id   int
	size uint64
	kind SegmentKind
	mem  []byte
}

func (s *Segment) ID() int           { return s.id }
func (s *Segment) Size() uint64      { return s.size }
func (s *Segment) Kind() SegmentKind { return s.kind }

// Bytes exposes the backing store for loaders and device emulation.
func (s *Segment) Bytes() []byte { return s.mem }

type mapping struct {
	used    bool
	gpa     uint64
	size    uint64
	segment int
	offset  uint64
	prot    guest.Prot
	wired   bool
}

// MappingInfo describes one guest-physical placement for
// introspection.
type MappingInfo struct {
	GPA     uint64
	Size    uint64
	Segment int
	Offset  uint64
	Prot    guest.Prot
	Wired   bool
}

type mmioRegion struct {
	used    bool
	base    uint64
	size    uint64
	handler MMIOHandler
}

// SuspendKind is the reason attached to a VM-wide suspend request.
type SuspendKind int32

const (
	SuspendNone SuspendKind = iota
	SuspendPowerOff
	SuspendReset
)

func (k SuspendKind) String() string {
	switch k {
	case SuspendNone:
		return "none"
	case SuspendPowerOff:
		return "poweroff"
	case SuspendReset:
		return "reset"
	default:
		return fmt.Sprintf("suspend kind %d", int32(k))
	}
}

// Option configures a VM at creation.
type Option func(*VM)

// WithIRQController attaches the emulated interrupt controller.
func WithIRQController(gic IRQController) Option {
	return func(m *VM) { m.gic = gic }
}

// WithFaultResolver overrides the default stage-2 fault resolution
// (re-installing the covering mapping) with a host memory manager.
func WithFaultResolver(r FaultResolver) Option {
	return func(m *VM) { m.resolver = r }
}

// WithActiveSet shares a host-wide active-guest registry across VMs.
func WithActiveSet(s *guest.ActiveSet) Option {
	return func(m *VM) { m.active = s }
}

// WithPowerHook installs the side-effect hook invoked when a guest
// power-state call suspends the VM.
func WithPowerHook(fn func(SuspendKind)) Option {
	return func(m *VM) { m.powerHook = fn }
}

// WithLogger overrides the VM's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *VM) { m.log = log }
}

// VM owns the guest-physical memory registry, the vCPU set and the
// per-VM collaborator wiring.
//
// The segment, mapping and MMIO tables are mutated only with every
// vCPU frozen; the management layer is responsible for freezing them
// first. The VM's mutex serializes the mutators themselves but does
// not substitute for that discipline.
type VM struct {
	name string
	mon  guest.Monitor
	as   guest.AddressSpace
	log  *slog.Logger

	gic       IRQController
	resolver  FaultResolver
	active    *guest.ActiveSet
	powerHook func(SuspendKind)

	stats *exitstats.Collector
	vcpus []*Vcpu

	mu         sync.Mutex
	segments   [MaxSegments]*Segment
	mappings   [MaxMappings]mapping
	mmio       [MaxMMIORegions]mmioRegion
	sysregs    map[arm64.SysRegEncoding]SysRegHandler
	activeCPUs uint64
	closed     bool

	suspend       atomic.Int32 // SuspendKind, set once by CAS
	suspendedCPUs atomic.Uint64
}

// New creates a VM with maxcpus vCPUs, all Idle and deactivated, and
// an empty memory registry.
func New(name string, maxcpus int, mon guest.Monitor, opts ...Option) (*VM, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty VM name", ErrInvalidArgument)
	}
	if maxcpus < 1 || maxcpus > MaxVCPUs {
		return nil, fmt.Errorf("%w: maxcpus %d out of range [1, %d]", ErrInvalidArgument, maxcpus, MaxVCPUs)
	}

	m := &VM{
		name:    name,
		mon:     mon,
		log:     slog.Default(),
		gic:     nopIRQController{},
		sysregs: make(map[arm64.SysRegEncoding]SysRegHandler),
		stats:   exitstats.NewCollector(exitKindNames()...),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.active == nil {
		m.active = guest.NewActiveSet()
	}
	m.log = m.log.With("vm", name)

	as, err := mon.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("create address space: %w", err)
	}
	m.as = as

	for i := 0; i < maxcpus; i++ {
		cpu, err := mon.NewCPU(i, as)
		if err != nil {
			m.teardown()
			return nil, fmt.Errorf("create vcpu %d: %w", i, err)
		}
		m.vcpus = append(m.vcpus, newVcpu(i, m, cpu, m.stats.Recorder(i)))
	}

	return m, nil
}

// Name returns the VM name.
func (m *VM) Name() string { return m.name }

// MaxCPUs reports the configured vCPU count.
func (m *VM) MaxCPUs() int { return len(m.vcpus) }

// Stats returns the VM's exit-statistics collector.
func (m *VM) Stats() *exitstats.Collector { return m.stats }

func (m *VM) vcpu(id int) (*Vcpu, error) {
	if id < 0 || id >= len(m.vcpus) {
		return nil, fmt.Errorf("%w: vcpu %d out of range [0, %d)", ErrInvalidArgument, id, len(m.vcpus))
	}
	return m.vcpus[id], nil
}

// Vcpu returns the vCPU with the given id.
func (m *VM) Vcpu(id int) (*Vcpu, error) { return m.vcpu(id) }

// ---- Memory segments ----

// CreateSegment allocates the backing store for segment id. The id is
// stable: recreating an occupied id fails with ErrExists; replacement
// is FreeSegment followed by CreateSegment.
func (m *VM) CreateSegment(id int, size uint64, kind SegmentKind) error {
	if id < 0 || id >= MaxSegments {
		return fmt.Errorf("%w: segment id %d out of range [0, %d)", ErrInvalidArgument, id, MaxSegments)
	}
	if size == 0 || size%PageSize != 0 {
		return fmt.Errorf("%w: segment size %#x is not a page multiple", ErrInvalidArgument, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.segments[id] != nil {
		return fmt.Errorf("%w: segment %d", ErrExists, id)
	}

	mem, err := allocBacking(size)
	if err != nil {
		return fmt.Errorf("allocate segment %d backing: %w", id, err)
	}

	m.segments[id] = &Segment{id: id, size: size, kind: kind, mem: mem}
	return nil
}

// Segment returns the segment with the given id.
func (m *VM) Segment(id int) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= MaxSegments || m.segments[id] == nil {
		return nil, fmt.Errorf("%w: no segment %d", ErrInvalidArgument, id)
	}
	return m.segments[id], nil
}

// FreeSegment releases a segment's backing store. The segment must
// have no live mappings.
func (m *VM) FreeSegment(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if id < 0 || id >= MaxSegments || m.segments[id] == nil {
		return fmt.Errorf("%w: no segment %d", ErrInvalidArgument, id)
	}
	for i := range m.mappings {
		if m.mappings[i].used && m.mappings[i].segment == id {
			return fmt.Errorf("%w: segment %d is mapped at %#x", ErrBusy, id, m.mappings[i].gpa)
		}
	}

	seg := m.segments[id]
	m.segments[id] = nil
	if err := freeBacking(seg.mem); err != nil {
		return fmt.Errorf("free segment %d backing: %w", id, err)
	}
	return nil
}

// ---- Guest-physical mappings ----

// MapSegment places a window of a segment's backing store into the
// guest-physical address space. Placed ranges never overlap. All
// vCPUs must be frozen.
func (m *VM) MapSegment(segID int, gpa, size, off uint64, prot guest.Prot, wired bool) error {
	if gpa%PageSize != 0 || size == 0 || size%PageSize != 0 || off%PageSize != 0 {
		return fmt.Errorf("%w: map of %#x bytes at %#x+%#x is not page aligned", ErrInvalidArgument, size, gpa, off)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if segID < 0 || segID >= MaxSegments || m.segments[segID] == nil {
		return fmt.Errorf("%w: no segment %d", ErrInvalidArgument, segID)
	}
	seg := m.segments[segID]
	if off+size > seg.size {
		return fmt.Errorf("%w: window %#x+%#x exceeds segment %d size %#x", ErrInvalidArgument, off, size, segID, seg.size)
	}
	for i := range m.mappings {
		if m.mappings[i].used && overlaps(gpa, size, m.mappings[i].gpa, m.mappings[i].size) {
			return fmt.Errorf("%w: range [%#x, %#x) overlaps existing mapping at %#x", ErrInvalidArgument, gpa, gpa+size, m.mappings[i].gpa)
		}
	}

	slot := -1
	for i := range m.mappings {
		if !m.mappings[i].used {
			slot = i
			break
		}
	}
	if slot == -1 {
		return fmt.Errorf("%w: all %d mapping slots in use", ErrNoSpace, MaxMappings)
	}

	if err := m.as.Map(seg.mem[off:off+size], gpa, prot); err != nil {
		return fmt.Errorf("install mapping at %#x: %w", gpa, err)
	}

	m.mappings[slot] = mapping{
		used:    true,
		gpa:     gpa,
		size:    size,
		segment: segID,
		offset:  off,
		prot:    prot,
		wired:   wired,
	}
	return nil
}

// Unmap removes the mapping previously placed at exactly (gpa, size).
// All vCPUs must be frozen.
func (m *VM) Unmap(gpa, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i := range m.mappings {
		if m.mappings[i].used && m.mappings[i].gpa == gpa && m.mappings[i].size == size {
			if err := m.as.Unmap(gpa, size); err != nil {
				return fmt.Errorf("remove mapping at %#x: %w", gpa, err)
			}
			m.mappings[i] = mapping{}
			return nil
		}
	}
	return fmt.Errorf("%w: no mapping [%#x, %#x)", ErrInvalidArgument, gpa, gpa+size)
}

// Mappings enumerates the current guest-physical placements.
func (m *VM) Mappings() []MappingInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MappingInfo
	for i := range m.mappings {
		if m.mappings[i].used {
			mp := m.mappings[i]
			out = append(out, MappingInfo{
				GPA:     mp.gpa,
				Size:    mp.size,
				Segment: mp.segment,
				Offset:  mp.offset,
				Prot:    mp.prot,
				Wired:   mp.wired,
			})
		}
	}
	return out
}

// gpaBacked reports whether gpa falls inside an allocated mapping.
func (m *VM) gpaBacked(gpa uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mappings {
		if m.mappings[i].used && gpa >= m.mappings[i].gpa && gpa < m.mappings[i].gpa+m.mappings[i].size {
			return true
		}
	}
	return false
}

// mappingAt returns the mapping covering gpa.
func (m *VM) mappingAt(gpa uint64) (mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mappings {
		if m.mappings[i].used && gpa >= m.mappings[i].gpa && gpa < m.mappings[i].gpa+m.mappings[i].size {
			return m.mappings[i], true
		}
	}
	return mapping{}, false
}

func overlaps(aBase, aSize, bBase, bSize uint64) bool {
	return aBase < bBase+bSize && bBase < aBase+aSize
}

// ---- MMIO regions ----

// RegisterMMIO registers a handler for the guest-physical range
// [base, base+size).
func (m *VM) RegisterMMIO(base, size uint64, h MMIOHandler) error {
	if size == 0 || h == nil {
		return fmt.Errorf("%w: bad MMIO registration at %#x", ErrInvalidArgument, base)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i := range m.mmio {
		if m.mmio[i].used && overlaps(base, size, m.mmio[i].base, m.mmio[i].size) {
			return fmt.Errorf("%w: MMIO range [%#x, %#x) overlaps region at %#x", ErrInvalidArgument, base, base+size, m.mmio[i].base)
		}
	}
	for i := range m.mmio {
		if !m.mmio[i].used {
			m.mmio[i] = mmioRegion{used: true, base: base, size: size, handler: h}
			return nil
		}
	}
	return fmt.Errorf("%w: all %d MMIO region slots in use", ErrNoSpace, MaxMMIORegions)
}

func (m *VM) mmioAt(gpa uint64, size uint64) (mmioRegion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mmio {
		r := m.mmio[i]
		if r.used && gpa >= r.base && gpa+size <= r.base+r.size {
			return r, true
		}
	}
	return mmioRegion{}, false
}

// ---- System-register emulation table ----

// RegisterSysReg binds a trapped system-register encoding to an
// emulation callback pair (timer, interrupt controller).
func (m *VM) RegisterSysReg(enc arm64.SysRegEncoding, h SysRegHandler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %v", ErrInvalidArgument, enc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sysregs[enc]; ok {
		return fmt.Errorf("%w: sysreg %v", ErrExists, enc)
	}
	m.sysregs[enc] = h
	return nil
}

func (m *VM) sysregAt(enc arm64.SysRegEncoding) (SysRegHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sysregs[enc]
	return h, ok
}

// ---- vCPU activation ----

// Activate adds a vCPU to the active set, making it runnable.
func (m *VM) Activate(vcpuID int) error {
	if _, err := m.vcpu(vcpuID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.activeCPUs |= 1 << uint(vcpuID)
	return nil
}

// Deactivate removes an idle vCPU from the active set.
func (m *VM) Deactivate(vcpuID int) error {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return err
	}
	if state, _ := c.State(); state != StateIdle {
		return fmt.Errorf("%w: vcpu %d is %v", ErrBusy, vcpuID, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCPUs &^= 1 << uint(vcpuID)
	return nil
}

func (m *VM) isActive(vcpuID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCPUs&(1<<uint(vcpuID)) != 0
}

// forceDeactivate removes a vCPU from the active set regardless of
// its state, for the guest-initiated power-off path where the vCPU is
// its own executor.
func (m *VM) forceDeactivate(vcpuID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCPUs &^= 1 << uint(vcpuID)
}

// ---- Registers and capabilities ----

// GetRegister reads a guest register through the freeze gate: the
// vCPU must be Idle, guaranteeing an untorn snapshot.
func (m *VM) GetRegister(vcpuID int, r Reg) (uint64, error) {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return 0, err
	}
	if r == RegXzr {
		return 0, nil
	}
	if err := c.tryFreeze(); err != nil {
		return 0, err
	}
	defer c.mustState(StateIdle)

	slot, err := regSlot(&c.ctx, r)
	if err != nil {
		return 0, err
	}
	return *slot, nil
}

// SetRegister writes a guest register through the freeze gate.
func (m *VM) SetRegister(vcpuID int, r Reg, val uint64) error {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return err
	}
	if r == RegXzr {
		return nil
	}
	if err := c.tryFreeze(); err != nil {
		return err
	}
	defer c.mustState(StateIdle)

	slot, err := regSlot(&c.ctx, r)
	if err != nil {
		return err
	}
	*slot = val
	return nil
}

// GetCapability reads a per-vCPU capability through the freeze gate.
func (m *VM) GetCapability(vcpuID, cap int) (uint64, error) {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return 0, err
	}
	if cap < 0 || cap >= MaxCapabilities {
		return 0, fmt.Errorf("%w: capability %d out of range [0, %d)", ErrInvalidArgument, cap, MaxCapabilities)
	}
	if err := c.tryFreeze(); err != nil {
		return 0, err
	}
	defer c.mustState(StateIdle)
	return c.caps[cap], nil
}

// SetCapability writes a per-vCPU capability through the freeze gate.
func (m *VM) SetCapability(vcpuID, cap int, val uint64) error {
	c, err := m.vcpu(vcpuID)
	if err != nil {
		return err
	}
	if cap < 0 || cap >= MaxCapabilities {
		return fmt.Errorf("%w: capability %d out of range [0, %d)", ErrInvalidArgument, cap, MaxCapabilities)
	}
	if err := c.tryFreeze(); err != nil {
		return err
	}
	defer c.mustState(StateIdle)
	c.caps[cap] = val
	return nil
}

// ---- Suspend ----

// Suspend requests a VM-wide suspend. The request is set exactly once;
// a second request fails with ErrSuspendInProgress. Every active vCPU
// is notified and observes the condition at its next trap boundary.
func (m *VM) Suspend(kind SuspendKind) error {
	if kind != SuspendPowerOff && kind != SuspendReset {
		return fmt.Errorf("%w: suspend kind %v", ErrInvalidArgument, kind)
	}
	if m.isClosed() {
		return ErrClosed
	}
	if !m.suspend.CompareAndSwap(int32(SuspendNone), int32(kind)) {
		return ErrSuspendInProgress
	}

	m.mu.Lock()
	active := m.activeCPUs
	m.mu.Unlock()
	m.suspendedCPUs.Store(active)

	m.log.Info("VM suspend requested", "kind", kind)

	for _, c := range m.vcpus {
		if active&(1<<uint(c.id)) != 0 {
			c.Notify()
		}
	}
	return nil
}

// SuspendKindPending reports the pending suspend reason, if any.
func (m *VM) SuspendKindPending() SuspendKind {
	return SuspendKind(m.suspend.Load())
}

// SuspendedCPU reports whether vcpuID was active when the pending
// suspend was raised, i.e. whether the management layer still owes it
// a final run return before acting on the suspend.
func (m *VM) SuspendedCPU(vcpuID int) bool {
	return m.suspendedCPUs.Load()&(1<<uint(vcpuID)) != 0
}

// InjectIRQ delivers an interrupt through the emulated interrupt
// controller and notifies the targeted vCPUs so a sleeping or running
// guest observes it promptly.
func (m *VM) InjectIRQ(vcpuID int, irq uint32, level bool, class IRQClass) error {
	if vcpuID != VcpuBroadcast {
		if _, err := m.vcpu(vcpuID); err != nil {
			return err
		}
	}
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.gic.Inject(vcpuID, irq, level, class); err != nil {
		return fmt.Errorf("inject irq %d: %w", irq, err)
	}

	if vcpuID == VcpuBroadcast {
		for _, c := range m.vcpus {
			c.Notify()
		}
	} else {
		m.vcpus[vcpuID].Notify()
	}
	return nil
}

// ---- Reset and teardown ----

// Reset returns the VM to its post-creation state: every vCPU must be
// Idle; device-segment mappings are dropped, vCPU contexts and the
// suspend machinery are cleared. System-memory mappings survive.
func (m *VM) Reset() error {
	if m.isClosed() {
		return ErrClosed
	}
	for _, c := range m.vcpus {
		if state, _ := c.State(); state != StateIdle {
			return fmt.Errorf("%w: vcpu %d is %v", ErrBusy, c.id, state)
		}
	}

	m.mu.Lock()
	for i := range m.mappings {
		mp := m.mappings[i]
		if !mp.used {
			continue
		}
		if m.segments[mp.segment] != nil && m.segments[mp.segment].kind == SegmentDevice {
			if err := m.as.Unmap(mp.gpa, mp.size); err != nil {
				m.mu.Unlock()
				return fmt.Errorf("drop mapping at %#x: %w", mp.gpa, err)
			}
			m.mappings[i] = mapping{}
		}
	}
	m.mu.Unlock()

	for _, c := range m.vcpus {
		if err := c.tryFreeze(); err != nil {
			return err
		}
		c.ctx = guest.Context{Mpidr: uint64(c.id)}
		c.exit = ExitRecord{}
		c.stopRequested.Store(false)
		c.mustState(StateIdle)
	}

	m.suspend.Store(int32(SuspendNone))
	m.suspendedCPUs.Store(0)
	return nil
}

// Close destroys the VM. Every vCPU must be quiescent: destruction
// with a vCPU mid-transition is refused with ErrBusy. Idempotent.
func (m *VM) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	for _, c := range m.vcpus {
		if state, _ := c.State(); state != StateIdle {
			return fmt.Errorf("%w: vcpu %d is %v", ErrBusy, c.id, state)
		}
	}

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.teardown()
	return nil
}

func (m *VM) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *VM) teardown() {
	for _, c := range m.vcpus {
		if err := c.cpu.Close(); err != nil {
			m.log.Error("failed to close vcpu", "vcpu", c.id, "error", err)
		}
	}
	if m.as != nil {
		if err := m.as.Close(); err != nil {
			m.log.Error("failed to close address space", "error", err)
		}
	}
	m.mu.Lock()
	for i := range m.mappings {
		m.mappings[i] = mapping{}
	}
	for i, seg := range m.segments {
		if seg == nil {
			continue
		}
		m.segments[i] = nil
		if err := freeBacking(seg.mem); err != nil {
			m.log.Error("failed to free segment backing", "segment", seg.id, "error", err)
		}
	}
	m.mu.Unlock()
}
