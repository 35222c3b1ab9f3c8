//go:build linux

package pipes

import "golang.org/x/sys/unix"

// SetChildSubreaper marks the calling process as a child subreaper, so
// workers spawned by the mold reparent to the master (not PID 1) when
// the mold exits, and the master can reap them.
func SetChildSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
