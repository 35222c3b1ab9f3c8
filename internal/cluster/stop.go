package cluster

import (
	"time"

	"github.com/toregeschliman/puma/pkg/consts"
)

// shutdown terms every child and bounded-waits for the pool to drain.
// A SIGINT during the wait abandons patience: everything still alive
// is force-killed, then reaped.
func (s *Supervisor) shutdown() error {
	s.mu.Lock()
	s.log.Info("Stopping workers")
	for _, h := range s.allHandles() {
		h.Term()
	}
	// No further spawns; EOF also releases a mold stuck in its read.
	if s.pipes.ForkW != nil {
		s.pipes.ForkW.Close()
		s.pipes.ForkW = nil
	}
	s.mu.Unlock()

	start := time.Now()
	grace := s.cfg.Cluster.Timeout()
	killed := false

	for {
		s.mu.Lock()
		s.reapWorkers()
		remaining := len(s.allHandles())
		if remaining == 0 {
			s.status = consts.StatusHalt
			s.mu.Unlock()
			break
		}
		if !killed && (s.interruptedNow() || time.Since(start) >= grace) {
			s.log.Warn("Force-killing remaining workers", "count", remaining)
			for _, h := range s.allHandles() {
				h.Kill()
			}
			killed = true
		}
		s.mu.Unlock()
		time.Sleep(consts.StopWorkersPollInterval)
	}

	s.log.Info("Cluster stopped")
	return nil
}

// interruptedNow reports whether a SIGINT has arrived, either before
// shutdown began or while waiting for the pool to drain.
func (s *Supervisor) interruptedNow() bool {
	for {
		select {
		case ev := <-s.events:
			if ev == evStop {
				s.interrupted = true
			}
		default:
			return s.interrupted
		}
	}
}
