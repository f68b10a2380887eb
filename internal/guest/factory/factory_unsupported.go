//go:build !(darwin && arm64)

// Package factory selects the world-switch backend for the host
// platform.
package factory

import "github.com/vmkit/vmkit/internal/guest"

func Open() (guest.Monitor, error) {
	return nil, guest.ErrUnsupported
}
