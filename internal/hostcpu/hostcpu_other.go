//go:build !linux && !(darwin && arm64)

package hostcpu

// Current returns 0 on platforms without a thread-identity source. No
// world-switch backend exists on these platforms either, so the value
// is never used to route a cross-thread notification.
func Current() int {
	return 0
}
