package cluster

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/internal/pipes"
)

// system is the thin seam over process-global OS state (signals,
// wait4, spawning), so the supervisor's policies are testable with a
// fake process table.
type system interface {
	Signal(pid int, sig syscall.Signal) error
	// Wait4 performs a non-blocking reap. pid -1 collects any exited
	// child; a positive pid probes that child alone.
	Wait4(pid int) (int, unix.WaitStatus, error)
	Spawn(index int) (int, error)
	Pid() int
}

type osSystem struct {
	set  *pipes.Set
	spec func(index int) pipes.SpawnSpec
}

func (o *osSystem) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (o *osSystem) Wait4(pid int) (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	return got, ws, err
}

func (o *osSystem) Spawn(index int) (int, error) {
	return o.set.Spawn(o.spec(index))
}

func (o *osSystem) Pid() int { return os.Getpid() }
