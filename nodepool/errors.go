package manager

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNoProxyReachable 表示没有任何候选节点能建立连接 (或根本没有可选节点)。
	ErrNoProxyReachable = errors.New("no proxy node reachable")

	// ErrSweepInProgress is returned by RunHealthSweep while another sweep runs on the same manager.
	ErrSweepInProgress = errors.New("health sweep already in progress")
)

// NoReachableError is returned by Connect when the pool is exhausted. It
// matches ErrNoProxyReachable and syscall.ENETUNREACH with errors.Is.
// Errs keeps the per-node failures for inspection only: they are not
// unwrapped, so an attempt timeout never reads as the caller's own
// context.DeadlineExceeded.
type NoReachableError struct {
	Destination string
	Attempted   int
	Errs        []error
}

func (e *NoReachableError) Error() string {
	if e.Attempted == 0 {
		return fmt.Sprintf("%s: no active and enabled nodes for %s", ErrNoProxyReachable, e.Destination)
	}
	msg := fmt.Sprintf("%s: all %d candidate nodes failed for %s", ErrNoProxyReachable, e.Attempted, e.Destination)
	if len(e.Errs) > 0 {
		msg += fmt.Sprintf(" (last error: %v)", e.Errs[len(e.Errs)-1])
	}
	return msg
}

func (e *NoReachableError) Is(target error) bool {
	return target == ErrNoProxyReachable || target == syscall.ENETUNREACH
}
