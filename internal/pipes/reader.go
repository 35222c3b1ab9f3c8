package pipes

import (
	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/pkg/protocol"
)

// StatusReader drains the non-blocking status pipe into complete
// protocol messages. Partial lines stay buffered until their remainder
// arrives; small atomic writes mean that only happens across separate
// drains, never mid-message.
type StatusReader struct {
	fd      int
	pending []byte
	scratch []byte

	// Dropped counts unparseable lines discarded so far.
	Dropped int
}

func NewStatusReader(fd int) *StatusReader {
	return &StatusReader{fd: fd, scratch: make([]byte, 4096)}
}

// Drain reads everything currently available and returns the parsed
// messages. It never blocks. A closed-pipe condition surfaces as the
// error once all buffered data is consumed.
func (r *StatusReader) Drain() ([]protocol.Message, error) {
	var readErr error
	for {
		n, err := unix.Read(r.fd, r.scratch)
		if n > 0 {
			r.pending = append(r.pending, r.scratch[:n]...)
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if n == 0 { // all write ends closed
			readErr = unix.EPIPE
			break
		}
	}

	msgs, rest, dropped := protocol.Split(r.pending)
	r.pending = rest
	r.Dropped += dropped
	return msgs, readErr
}
