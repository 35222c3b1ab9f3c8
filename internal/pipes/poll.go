package pipes

import (
	"time"

	"golang.org/x/sys/unix"
)

// WaitReadable blocks until one of fds is readable or the timeout
// elapses, and reports per-fd readability. A negative timeout is
// treated as zero. EINTR is not an error: the caller re-enters its
// loop and discovers whatever the interruption enqueued.
func WaitReadable(fds []int, timeout time.Duration) ([]bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	ready := make([]bool, len(fds))
	n, err := unix.Poll(pfds, int(timeout.Milliseconds()))
	if err == unix.EINTR {
		return ready, nil
	}
	if err != nil {
		return ready, err
	}
	if n > 0 {
		for i := range pfds {
			if pfds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready[i] = true
			}
		}
	}
	return ready, nil
}
