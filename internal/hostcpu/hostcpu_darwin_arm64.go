//go:build darwin && arm64

package hostcpu

import (
	"sync"

	"github.com/ebitengine/purego"
)

var (
	loadOnce    sync.Once
	pthreadSelf func() uintptr
)

// Current returns the identifier of the calling host thread. The
// caller is expected to have the goroutine locked to its OS thread.
func Current() int {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen(
			"/usr/lib/libSystem.B.dylib",
			purego.RTLD_GLOBAL|purego.RTLD_LAZY,
		)
		if err != nil {
			panic("hostcpu: dlopen libSystem: " + err.Error())
		}
		purego.RegisterLibFunc(&pthreadSelf, lib, "pthread_self")
	})
	return int(pthreadSelf())
}
