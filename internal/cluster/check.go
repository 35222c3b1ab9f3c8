package cluster

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/internal/config"
	"github.com/toregeschliman/puma/pkg/protocol"
)

// checkWorkers runs one health sweep. Order matters: kill the hung,
// reap the dead, cull the surplus, promote a mold if one is needed,
// fill the empty slots, then retire one old-phase worker if a phased
// restart is rolling.
func (s *Supervisor) checkWorkers() {
	s.nextCheck = time.Now().Add(s.cfg.Cluster.CheckInterval())

	s.timeoutWorkers()
	s.reapWorkers()
	s.cullWorkers()
	if s.cfg.Cluster.MoldEnabled() {
		s.promoteMold()
	}
	s.spawnWorkers()
	s.phasedUpgrade()
	s.refreshBootedGauge()

	// The next wait must not sleep past the soonest worker deadline.
	timeout := s.cfg.Cluster.Timeout()
	bootTimeout := s.cfg.Cluster.BootTimeout()
	for _, h := range s.allHandles() {
		if h.Killed() {
			continue
		}
		if pt := h.PingTimeout(timeout, bootTimeout); pt.Before(s.nextCheck) {
			s.nextCheck = pt
		}
	}
}

func (s *Supervisor) timeoutWorkers() {
	now := time.Now()
	timeout := s.cfg.Cluster.Timeout()
	bootTimeout := s.cfg.Cluster.BootTimeout()

	for _, h := range s.allHandles() {
		if h.Killed() {
			continue
		}
		if h.Termed() {
			if dl, ok := h.KillDeadline(timeout); ok && !dl.After(now) {
				s.log.Warn("Force-killing worker that ignored term", "index", h.Index, "pid", h.Pid)
				h.Kill()
			}
			continue
		}
		if h.PingTimeout(timeout, bootTimeout).After(now) {
			continue
		}
		if h.Booted() {
			s.log.Error("Terminating timed out worker",
				"reason", "failed to check in", "index", h.Index, "pid", h.Pid,
				"last_checkin", h.LastCheckin.UTC().Format(time.RFC3339))
		} else {
			s.log.Error("Terminating timed out worker",
				"reason", "failed to boot", "index", h.Index, "pid", h.Pid)
		}
		h.Kill()
	}
}

// reapWorkers collects every exited child without blocking and
// reconciles the handle set. Pids this master never spawned can land
// here when it runs as PID 1 (or as a subreaper) and adopts orphans;
// they are logged and dropped.
func (s *Supervisor) reapWorkers() {
	reaped := map[int]unix.WaitStatus{}
	for {
		pid, ws, err := s.sys.Wait4(-1)
		if pid <= 0 || err != nil {
			break
		}
		reaped[pid] = ws
	}

	if s.mold != nil && s.mold.Pid != 0 {
		if ws, ok := reaped[s.mold.Pid]; ok {
			s.log.Info("Mold exited", "pid", s.mold.Pid, "status", ws.ExitStatus())
			delete(reaped, s.mold.Pid)
			s.mold = nil
		}
	}

	keep := s.workers[:0]
	for _, h := range s.workers {
		if h.Pid != 0 {
			if ws, ok := reaped[h.Pid]; ok {
				delete(reaped, h.Pid)
				s.removeWorker(h, ws.ExitStatus())
				continue
			}
			if gone := s.probeForeign(h); gone {
				continue
			}
		}
		keep = append(keep, h)
	}
	s.workers = keep

	for pid, ws := range reaped {
		s.log.Warn("! reaped unknown child process", "pid", pid, "status", ws.ExitStatus())
	}
}

// probeForeign checks a handle whose pid was not collected by the
// group reap. Mold-spawned workers are not this process's children:
// wait4 yields ECHILD and a zero-signal probe tells dead from alive.
// Reports true when the worker is gone and the handle was dropped.
func (s *Supervisor) probeForeign(h *Handle) bool {
	pid, ws, err := s.sys.Wait4(h.Pid)
	if pid == h.Pid {
		s.removeWorker(h, ws.ExitStatus())
		return true
	}
	if err == unix.ECHILD {
		if s.sys.Signal(h.Pid, 0) != nil {
			s.log.Info("Worker gone (foreign parent)", "index", h.Index, "pid", h.Pid)
			s.removeWorker(h, -1)
			return true
		}
		// Alive under another parent; its Termed state still stands.
	}
	return false
}

func (s *Supervisor) removeWorker(h *Handle, status int) {
	s.log.Info("Worker exited", "index", h.Index, "pid", h.Pid, "status", status)
	delete(s.idle, h.Pid)
	s.recomputeIdleSince()
}

// cullWorkers terms the surplus when the configured count shrank.
// Victims are chosen by age per the culling strategy; in fork-worker
// mode worker 0 is never culled, it is the mold lineage.
func (s *Supervisor) cullWorkers() {
	diff := s.liveWorkerCount() - s.workerCount
	if diff <= 0 {
		return
	}

	cands := make([]*Handle, 0, len(s.workers))
	for _, h := range s.workers {
		if h.Termed() {
			continue
		}
		if s.cfg.Cluster.ForkWorker.Enabled && h.Index == 0 {
			continue
		}
		cands = append(cands, h)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].StartedAt.Before(cands[j].StartedAt) })

	if diff > len(cands) {
		diff = len(cands)
	}
	var victims []*Handle
	if s.cfg.Cluster.CullingStrategy == "oldest" {
		victims = cands[:diff]
	} else {
		victims = cands[len(cands)-diff:]
	}
	for _, v := range victims {
		s.log.Info("Culling worker", "index", v.Index, "pid", v.Pid,
			"strategy", s.cfg.Cluster.CullingStrategy)
		v.Term()
	}
}

func (s *Supervisor) liveWorkerCount() int {
	n := 0
	for _, h := range s.workers {
		if !h.Termed() {
			n++
		}
	}
	return n
}

// promoteMold elects a mold when slots are missing and none is
// serving. The candidate is the busiest booted worker of the current
// phase; a stale mold is escalated to kill and reaped on a later sweep.
func (s *Supervisor) promoteMold() {
	if s.missingWorkers() <= 0 {
		return
	}
	if s.mold != nil {
		if !s.mold.Termed() {
			return
		}
		if !s.mold.Killed() {
			s.log.Warn("Stale mold, escalating to kill", "pid", s.mold.Pid)
			s.mold.Kill()
		}
		return
	}

	var best *Handle
	for _, h := range s.workers {
		if !h.Booted() || h.Termed() || h.Phase != s.phase {
			continue
		}
		if best == nil || h.LastStatus["requests_count"] > best.LastStatus["requests_count"] {
			best = h
		}
	}
	if best == nil {
		return
	}

	s.log.Info("Promoting worker to mold", "index", best.Index, "pid", best.Pid, "phase", best.Phase)
	best.Promote()
	kept := s.workers[:0]
	for _, h := range s.workers {
		if h != best {
			kept = append(kept, h)
		}
	}
	s.workers = kept
	s.mold = best
}

// spawnWorkers fills every missing slot with the lowest free index,
// through the mold when one is serving, directly otherwise.
func (s *Supervisor) spawnWorkers() {
	for s.missingWorkers() > 0 {
		idx := s.lowestFreeIndex()

		if s.mold != nil && !s.mold.Termed() {
			if _, err := s.pipes.ForkW.Write(protocol.ForkCommand(idx)); err != nil {
				s.log.Error("Fork pipe write failed", "index", idx, "err", err)
				return
			}
			// Pid resolves when the mold's FORK (or the worker's BOOT)
			// message arrives.
			h := newHandle(idx, 0, s.phase, s.sys, s.log)
			s.workers = append(s.workers, h)
			s.log.Info("Requested worker from mold", "index", idx, "phase", s.phase)
			continue
		}

		if !s.firstSpawnDone {
			s.cfg.Hooks.Fire(s.cfg.Hooks.BeforeFork, config.HookContext{Index: idx, Log: s.log})
			s.firstSpawnDone = true
		}
		s.cfg.Hooks.Fire(s.cfg.Hooks.BeforeWorkerFork, config.HookContext{Index: idx, Log: s.log})
		pid, err := s.sys.Spawn(idx)
		if err != nil {
			s.log.Error("Worker spawn failed", "index", idx, "err", err)
			return
		}
		s.cfg.Hooks.Fire(s.cfg.Hooks.AfterWorkerFork, config.HookContext{Index: idx, Log: s.log})
		h := newHandle(idx, pid, s.phase, s.sys, s.log)
		s.workers = append(s.workers, h)
		s.log.Info("Spawned worker", "index", idx, "pid", pid, "phase", s.phase)
	}
}

func (s *Supervisor) missingWorkers() int {
	return s.workerCount - s.liveWorkerCount()
}

func (s *Supervisor) lowestFreeIndex() int {
	used := map[int]bool{}
	for _, h := range s.workers {
		used[h.Index] = true
	}
	if s.mold != nil {
		used[s.mold.Index] = true
	}
	for i := 0; ; i++ {
		if !used[i] {
			return i
		}
	}
}

// phasedUpgrade retires one old-phase worker per sweep once the pool
// is fully booted, rolling the restart forward without a service gap.
func (s *Supervisor) phasedUpgrade() {
	for _, h := range s.workers {
		if !h.Booted() {
			return
		}
	}
	for _, h := range s.workers {
		if h.Phase == s.phase || h.Termed() {
			continue
		}
		if s.reforking && h.Index == 0 {
			continue
		}
		s.log.Info("Stopping worker for phased upgrade", "index", h.Index, "pid", h.Pid,
			"phase", h.Phase)
		h.Term()
		return
	}
}
