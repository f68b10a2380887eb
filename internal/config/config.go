// Package config loads and validates the YAML machine description the
// CLI builds a VM from: the vCPU count, the memory segments and their
// guest-physical placements.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/vmm"
)

// Machine is the top-level machine description.
type Machine struct {
	Name string `yaml:"name"`
	CPUs int    `yaml:"cpus,omitempty"`

	Segments []Segment `yaml:"segments,omitempty"`
	Mappings []Mapping `yaml:"mappings,omitempty"`
}

type Segment struct {
	ID     int    `yaml:"id"`
	SizeKB uint64 `yaml:"sizeKB"`
	Device bool   `yaml:"device,omitempty"`
}

type Mapping struct {
	Segment  int    `yaml:"segment"`
	GPA      uint64 `yaml:"gpa"`
	SizeKB   uint64 `yaml:"sizeKB"`
	OffsetKB uint64 `yaml:"offsetKB,omitempty"`
	Prot     string `yaml:"prot,omitempty"` // subset of "rwx", default "rw"
	Wired    bool   `yaml:"wired,omitempty"`
}

func (m *Machine) normalize() {
	if m.CPUs == 0 {
		m.CPUs = 1
	}
	for i := range m.Mappings {
		if m.Mappings[i].Prot == "" {
			m.Mappings[i].Prot = "rw"
		}
	}
}

// Validate checks the description against the VM capacities and the
// placement rules, so errors surface before any backend resource is
// allocated.
func (m *Machine) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if m.CPUs < 1 || m.CPUs > vmm.MaxVCPUs {
		return fmt.Errorf("cpus %d out of range [1, %d]", m.CPUs, vmm.MaxVCPUs)
	}
	if len(m.Segments) > vmm.MaxSegments {
		return fmt.Errorf("%d segments exceed the limit of %d", len(m.Segments), vmm.MaxSegments)
	}
	if len(m.Mappings) > vmm.MaxMappings {
		return fmt.Errorf("%d mappings exceed the limit of %d", len(m.Mappings), vmm.MaxMappings)
	}

	segs := make(map[int]Segment, len(m.Segments))
	for _, seg := range m.Segments {
		if seg.ID < 0 || seg.ID >= vmm.MaxSegments {
			return fmt.Errorf("segment id %d out of range [0, %d)", seg.ID, vmm.MaxSegments)
		}
		if _, ok := segs[seg.ID]; ok {
			return fmt.Errorf("segment id %d defined twice", seg.ID)
		}
		if seg.SizeKB == 0 || (seg.SizeKB*1024)%vmm.PageSize != 0 {
			return fmt.Errorf("segment %d: size %dKB is not a page multiple", seg.ID, seg.SizeKB)
		}
		segs[seg.ID] = seg
	}

	for i, mp := range m.Mappings {
		seg, ok := segs[mp.Segment]
		if !ok {
			return fmt.Errorf("mapping %d: unknown segment %d", i, mp.Segment)
		}
		if mp.SizeKB == 0 {
			return fmt.Errorf("mapping %d: zero size", i)
		}
		if mp.GPA%vmm.PageSize != 0 || (mp.SizeKB*1024)%vmm.PageSize != 0 || (mp.OffsetKB*1024)%vmm.PageSize != 0 {
			return fmt.Errorf("mapping %d: placement is not page aligned", i)
		}
		if (mp.OffsetKB+mp.SizeKB)*1024 > seg.SizeKB*1024 {
			return fmt.Errorf("mapping %d: window %dKB+%dKB exceeds segment %d size %dKB",
				i, mp.OffsetKB, mp.SizeKB, mp.Segment, seg.SizeKB)
		}
		if _, err := mp.prot(); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		for j, other := range m.Mappings[:i] {
			if mp.GPA < other.GPA+other.SizeKB*1024 && other.GPA < mp.GPA+mp.SizeKB*1024 {
				return fmt.Errorf("mapping %d overlaps mapping %d", i, j)
			}
		}
	}
	return nil
}

func (mp Mapping) prot() (guest.Prot, error) {
	var prot guest.Prot
	for _, ch := range mp.Prot {
		switch ch {
		case 'r':
			prot |= guest.ProtRead
		case 'w':
			prot |= guest.ProtWrite
		case 'x':
			prot |= guest.ProtExec
		default:
			return 0, fmt.Errorf("unknown protection flag %q", string(ch))
		}
	}
	return prot, nil
}

// Load reads and validates a machine description file.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a machine description.
func Parse(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse machine description: %w", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Machine{}, fmt.Errorf("invalid machine description: %w", err)
	}
	return m, nil
}

// Build realizes the description against a fresh VM: segments are
// created and placed in declaration order.
func (m *Machine) Build(mon guest.Monitor, opts ...vmm.Option) (*vmm.VM, error) {
	vm, err := vmm.New(m.Name, m.CPUs, mon, opts...)
	if err != nil {
		return nil, err
	}

	for _, seg := range m.Segments {
		kind := vmm.SegmentSystem
		if seg.Device {
			kind = vmm.SegmentDevice
		}
		if err := vm.CreateSegment(seg.ID, seg.SizeKB*1024, kind); err != nil {
			vm.Close()
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
	}
	for i, mp := range m.Mappings {
		prot, err := mp.prot()
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}
		if err := vm.MapSegment(mp.Segment, mp.GPA, mp.SizeKB*1024, mp.OffsetKB*1024, prot, mp.Wired); err != nil {
			vm.Close()
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}
	}
	return vm, nil
}
