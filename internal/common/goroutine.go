// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrapper
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks goroutines spawned through SafeGo
var goroutineCounter int64

// GetGoroutineCount returns the number of goroutines spawned via SafeGo
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine with panic recovery. A recovered panic is logged and
// passed to onPanic (when non-nil) so the owner can record the failure.
//
// Example:
//
//	common.SafeGo(logger, "task-runner", func() {
//	    runWorkflow(ctx)
//	}, func(err error) {
//	    markFailed(err)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func(), onPanic func(err error)) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(buf[:n])).
					Msg("Recovered from panic in goroutine")

				if onPanic != nil {
					onPanic(fmt.Errorf("panic in %s: %v", name, r))
				}
			}
		}()

		fn()
	}()
}
