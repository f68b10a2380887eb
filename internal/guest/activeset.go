package guest

import "sync"

// ActiveEntry records which guest CPU is executing on a host CPU.
type ActiveEntry struct {
	VMName string
	CPU    int
}

// ActiveSet tracks the guest currently executing on each host CPU, so
// host interrupt paths (virtual timer injection, IPIs) can identify
// their target. It is an explicitly owned registry: the management
// layer creates one and shares it across the VMs it hosts, and tests
// instantiate their own.
//
// The set-then-enter and exit-then-clear ordering is the caller's
// responsibility; a world switch must never run with a stale entry for
// the host CPU it happens on.
type ActiveSet struct {
	mu      sync.Mutex
	entries map[int]ActiveEntry
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{entries: make(map[int]ActiveEntry)}
}

// Set records entry as the active guest for hostCPU.
func (s *ActiveSet) Set(hostCPU int, entry ActiveEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[hostCPU] = entry
}

// Clear removes the active-guest record for hostCPU.
func (s *ActiveSet) Clear(hostCPU int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, hostCPU)
}

// Lookup reports the guest executing on hostCPU, if any.
func (s *ActiveSet) Lookup(hostCPU int) (ActiveEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[hostCPU]
	return entry, ok
}
