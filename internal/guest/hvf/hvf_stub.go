//go:build !(darwin && arm64)

// Package hvf backs the guest interfaces with Apple's
// Hypervisor.framework on darwin/arm64. On every other platform Open
// reports the backend as unsupported.
package hvf

import "github.com/vmkit/vmkit/internal/guest"

func Open() (guest.Monitor, error) {
	return nil, guest.ErrUnsupported
}
