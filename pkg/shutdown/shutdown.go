// Package shutdown coordinates graceful process exit: a set of hooks run
// in reverse-registration order before the process actually terminates,
// so long-running collaborators (condition file watchers, listening
// sockets, reaped-child goroutines) get a chance to close cleanly.
//
// PID 1 cannot degrade safely, so Fatal and its siblings log the
// failure, run the hooks, and exit rather than trying to keep going.
package shutdown

import (
	"os"
	"sync"

	"github.com/inconshreveable/log15"
)

var (
	mu       sync.Mutex
	hooks    []func()
	active   bool
	log      = log15.New("pkg", "shutdown")
	exitFunc = os.Exit // overridable in tests
)

// BeforeExit registers a hook to run before the process exits. Hooks run
// in LIFO order, matching the order resources are usually acquired.
func BeforeExit(f func()) {
	mu.Lock()
	defer mu.Unlock()
	hooks = append(hooks, f)
}

// IsActive reports whether a shutdown sequence has started. Collaborators
// poll this to decide whether to suppress further error reporting for
// failures that are a direct consequence of tearing down.
func IsActive() bool {
	mu.Lock()
	defer mu.Unlock()
	return active
}

func runHooks() {
	mu.Lock()
	active = true
	pending := make([]func(), len(hooks))
	copy(pending, hooks)
	mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("shutdown hook panicked", "panic", r)
				}
			}()
			pending[i]()
		}()
	}
}

// Exit runs the registered hooks and exits with status 0.
func Exit() {
	runHooks()
	exitFunc(0)
}

// ExitWithCode runs the registered hooks and exits with the given status.
func ExitWithCode(code int) {
	runHooks()
	exitFunc(code)
}

// Fatal logs err (if non-nil), runs the registered hooks, and exits with
// status 1. A nil err behaves like Exit.
func Fatal(err error) {
	if err != nil {
		log.Error("fatal error", "err", err)
		runHooks()
		exitFunc(1)
		return
	}
	Exit()
}
