// Package vmkit is the management surface of a type-2 arm64
// hypervisor control plane: virtual-machine and vCPU lifecycle, guest
// memory placement, world-switch driving and guest-exit handling. The
// hardware transition itself is behind the backend interfaces in
// internal/guest; everything above it is portable and tested against a
// scripted backend.
package vmkit
