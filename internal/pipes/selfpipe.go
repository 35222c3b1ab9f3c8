package pipes

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/pkg/protocol"
)

// SelfPipe is the classic signal-to-main-loop wakeup pipe. Signal
// handling goroutines call Wake; the master polls the read end together
// with the status pipe. Both ends are non-blocking: a full pipe means a
// wakeup is already pending, so further wakes coalesce.
type SelfPipe struct {
	r, w     *os.File
	rfd, wfd int
}

func NewSelfPipe() (*SelfPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	rfd := int(r.Fd())
	wfd := int(w.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(wfd, true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return &SelfPipe{r: r, w: w, rfd: rfd, wfd: wfd}, nil
}

// FD returns the read-end descriptor for polling.
func (p *SelfPipe) FD() int { return p.rfd }

// Wake writes a single wakeup byte. Errors are suppressed: EAGAIN
// means a wakeup is already pending, anything else means the loop is
// gone and has nothing left to wake.
func (p *SelfPipe) Wake() {
	_, _ = unix.Write(p.wfd, []byte{protocol.TagWakeup})
}

// Drain consumes every pending wakeup byte and returns how many were
// pending. Repeated wakes since the last drain collapse into one loop
// iteration.
func (p *SelfPipe) Drain() int {
	var total int
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(p.rfd, buf)
		if n > 0 {
			total += n
		}
		if err != nil || n <= 0 {
			return total
		}
	}
}

func (p *SelfPipe) Close() {
	p.r.Close()
	p.w.Close()
}
