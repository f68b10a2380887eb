//go:build linux

// Package hostcpu identifies the host thread a vCPU executor runs on.
// vCPU ownership is recorded per host thread, so "is the vCPU running
// here or elsewhere" checks compare these identifiers.
package hostcpu

import "golang.org/x/sys/unix"

// Current returns the identifier of the calling host thread. The
// caller is expected to have the goroutine locked to its OS thread.
func Current() int {
	return unix.Gettid()
}
