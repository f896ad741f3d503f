package sound

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Critical suppresses whatever could stretch a timing critical pulse. Enter
// returns the function restoring the previous state; it must be called on
// every path.
type Critical interface {
	Enter() (exit func())
}

// RuntimeCritical pins the calling goroutine to its OS thread and stops the
// garbage collector for the duration of the section. It cannot mask kernel
// preemption, only the runtime's own pauses. Sections may overlap across
// goroutines; the collector is restored when the last one exits.
type RuntimeCritical struct{}

var gcHold struct {
	sync.Mutex
	depth   int
	percent int
}

func (RuntimeCritical) Enter() func() {
	runtime.LockOSThread()
	gcHold.Lock()
	if gcHold.depth == 0 {
		gcHold.percent = debug.SetGCPercent(-1)
	}
	gcHold.depth++
	gcHold.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			gcHold.Lock()
			gcHold.depth--
			if gcHold.depth == 0 {
				debug.SetGCPercent(gcHold.percent)
			}
			gcHold.Unlock()
			runtime.UnlockOSThread()
		})
	}
}

// NoCritical is used where nothing can preempt the pulse (simulated chips,
// bus expanders with their own latches).
type NoCritical struct{}

func (NoCritical) Enter() func() {
	return func() {}
}
