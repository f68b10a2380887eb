//go:build darwin && arm64

// Package factory selects the world-switch backend for the host
// platform.
package factory

import (
	"github.com/vmkit/vmkit/internal/guest"
	"github.com/vmkit/vmkit/internal/guest/hvf"
)

func Open() (guest.Monitor, error) {
	return hvf.Open()
}
