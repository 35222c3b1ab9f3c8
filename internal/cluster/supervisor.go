// Package cluster implements the master process: it owns the worker
// pool, the phased-restart state machine, reaping and timeout sweeps,
// mold promotion, and the signal policy.
package cluster

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/toregeschliman/puma/internal/config"
	"github.com/toregeschliman/puma/internal/monitor"
	"github.com/toregeschliman/puma/internal/pipes"
	"github.com/toregeschliman/puma/pkg/consts"
	"github.com/toregeschliman/puma/pkg/logger"
	"github.com/toregeschliman/puma/pkg/protocol"
)

type eventKind int

const (
	evWake          eventKind = iota
	evStop                    // SIGINT
	evShutdown                // SIGTERM
	evIncrWorkers             // SIGTTIN
	evDecrWorkers             // SIGTTOU
	evHupWorkers              // SIGHUP log-rotation fanout
	evPhasedRestart           // SIGUSR1
	evRefork                  // SIGWINCH
)

// signalEvents is the signal -> event-kind table. Handler goroutines
// only enqueue; all state mutation happens in the main loop.
var signalEvents = map[os.Signal]eventKind{
	syscall.SIGINT:   evStop,
	syscall.SIGTERM:  evShutdown,
	syscall.SIGCHLD:  evWake,
	syscall.SIGTTIN:  evIncrWorkers,
	syscall.SIGTTOU:  evDecrWorkers,
	syscall.SIGHUP:   evHupWorkers,
	syscall.SIGUSR1:  evPhasedRestart,
	syscall.SIGWINCH: evRefork,
}

type Supervisor struct {
	cfg *config.Config
	log logger.Logger
	sys system

	pipes  *pipes.Set
	reader *pipes.StatusReader
	wake   *pipes.SelfPipe
	events chan eventKind

	// mu guards everything below; the main loop holds it across each
	// iteration's processing, Stats readers take it briefly.
	mu sync.Mutex

	status        consts.ClusterStatus
	phase         int
	restart       consts.RestartKind // pending, consumed by the loop
	restartActive bool               // a phased restart is in flight
	reforking     bool               // the in-flight restart is a refork

	workers     []*Handle
	mold        *Handle
	workerCount int

	workersNotBooted int
	nextCheck        time.Time

	idle         map[int]bool
	allIdleSince time.Time

	startedAt      time.Time
	bootID         string
	firstSpawnDone bool
	interrupted    bool
}

// New builds a master for the given pipe fabric. binary is this
// executable, re-entered in worker mode for every spawn.
func New(cfg *config.Config, set *pipes.Set, binary string, log logger.Logger) (*Supervisor, error) {
	wake, err := pipes.NewSelfPipe()
	if err != nil {
		return nil, err
	}
	s := newWith(cfg, set, nil, log)
	s.wake = wake
	s.sys = &osSystem{
		set: set,
		spec: func(index int) pipes.SpawnSpec {
			return pipes.SpawnSpec{
				Binary:     binary,
				ConfigPath: cfg.Path,
				Index:      index,
				MasterPid:  os.Getpid(),
				Name:       cfg.Service.Name,
				Tag:        cfg.Service.Tag,
				Env:        cfg.Service.Env,
			}
		},
	}
	return s, nil
}

func newWith(cfg *config.Config, set *pipes.Set, sys system, log logger.Logger) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		log:         log,
		sys:         sys,
		pipes:       set,
		events:      make(chan eventKind, 64),
		status:      consts.StatusRun,
		restart:     consts.RestartNone,
		workerCount: cfg.Cluster.Workers,
		idle:        make(map[int]bool),
		startedAt:   time.Now(),
		bootID:      uuid.NewString(),
		// The startup pool completes through the same path as a phased
		// restart, so the all-booted milestone fires on cold boot too.
		restartActive:    true,
		workersNotBooted: cfg.Cluster.Workers,
	}
	if set != nil {
		s.reader = pipes.NewStatusReader(set.StatusFD())
	}
	return s
}

func (s *Supervisor) enqueue(ev eventKind) {
	select {
	case s.events <- ev:
	default:
		// A full queue means the loop is hopelessly behind; dropping a
		// signal event is no worse than the kernel coalescing it.
	}
	if s.wake != nil {
		s.wake.Wake()
	}
}

// Run is the master main loop. Single-threaded and cooperative: it
// waits on the status pipe and the wakeup pipe with a finite timeout
// derived from the soonest worker deadline, then processes whatever
// arrived.
func (s *Supervisor) Run() error {
	if s.workerCount == 1 && !s.cfg.Cluster.SilenceSingleWorkerWarning {
		s.log.Warn("Cluster mode with a single worker; consider running in single mode")
	}
	if err := pipes.SetChildSubreaper(); err != nil {
		s.log.Debug("Could not become child subreaper", "err", err)
	}

	sigCh := make(chan os.Signal, 16)
	sigs := make([]os.Signal, 0, len(signalEvents))
	for sig := range signalEvents {
		sigs = append(sigs, sig)
	}
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if ev, ok := signalEvents[sig]; ok {
				s.enqueue(ev)
			}
		}
	}()

	s.log.Info("Cluster master running", "workers", s.workerCount, "pid", s.sys.Pid())
	monitor.Phase.Set(0)

	for {
		s.mu.Lock()
		if s.status != consts.StatusRun {
			s.mu.Unlock()
			break
		}
		if s.idleStopReached() {
			s.log.Info("All workers idle beyond idle_timeout, stopping")
			s.mu.Unlock()
			break
		}
		if s.restart != consts.RestartNone {
			s.beginPhasedRestart()
		}
		s.checkWorkers()
		timeout := time.Until(s.nextCheck)
		s.mu.Unlock()

		s.wait(timeout)

		s.mu.Lock()
		s.drainEvents()
		s.drainStatus()
		s.finishRestartIfReady()
		s.mu.Unlock()
	}

	return s.shutdown()
}

func (s *Supervisor) wait(timeout time.Duration) {
	fds := []int{s.pipes.StatusFD(), s.wake.FD()}
	ready, err := pipes.WaitReadable(fds, timeout)
	if err != nil {
		s.log.Error("Master wait failed", "err", err)
		time.Sleep(100 * time.Millisecond)
		return
	}
	if ready[1] {
		s.wake.Drain()
	}
}

func (s *Supervisor) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Supervisor) handleEvent(ev eventKind) {
	switch ev {
	case evWake:
	case evStop:
		s.log.Info("SIGINT received, stopping")
		s.interrupted = true
		s.status = consts.StatusStop
	case evShutdown:
		s.log.Info("SIGTERM received, stopping gracefully")
		s.status = consts.StatusStop
	case evIncrWorkers:
		s.workerCount++
		s.log.Info("Worker count raised", "workers", s.workerCount)
	case evDecrWorkers:
		if s.workerCount > 1 {
			s.workerCount--
		}
		s.log.Info("Worker count lowered", "workers", s.workerCount)
	case evHupWorkers:
		for _, h := range s.allHandles() {
			h.Hup()
		}
	case evPhasedRestart:
		if s.restart == consts.RestartNone && !s.restartActive {
			s.restart = consts.RestartNormal
			s.log.Info("Phased restart requested")
		}
	case evRefork:
		s.requestRefork()
	}
}

func (s *Supervisor) drainStatus() {
	msgs, err := s.reader.Drain()
	for _, m := range msgs {
		s.dispatch(m)
	}
	if err != nil {
		s.log.Error("Status pipe read failed", "err", err)
	}
}

func (s *Supervisor) dispatch(m protocol.Message) {
	switch m.Tag {
	case protocol.TagBoot:
		s.onBoot(m)
	case protocol.TagPing:
		if h := s.findByPid(m.Pid); h != nil {
			h.Ping(m.Payload)
			s.maybeAutoRefork(h)
		}
	case protocol.TagExternalTerm:
		if h := s.findByPid(m.Pid); h != nil {
			h.TermNoSignal()
		}
	case protocol.TagTerm:
		if h := s.findByPid(m.Pid); h != nil && !h.Termed() {
			h.Term()
		}
	case protocol.TagIdle:
		s.toggleIdle(m.Pid)
	case protocol.TagFork:
		s.onFork(m)
	case protocol.TagWakeup:
	}
}

func (s *Supervisor) onBoot(m protocol.Message) {
	h := s.findByIndex(m.Index)
	if h == nil || h.Booted() || h.Termed() {
		s.log.Warn("BOOT from unknown or finished worker", "pid", m.Pid, "index", m.Index)
		return
	}
	if h.Pid == 0 {
		h.Pid = m.Pid
	}
	if err := h.Boot(); err != nil {
		s.log.Debug("Ignoring stale BOOT", "index", m.Index, "err", err)
		return
	}
	elapsed := time.Since(h.StartedAt)
	s.log.Info(fmt.Sprintf("Worker %d booted in %.2fs", h.Index, elapsed.Seconds()),
		"pid", h.Pid, "phase", h.Phase)
	monitor.BootDuration.Observe(elapsed.Seconds())
	if s.restartActive && s.workersNotBooted > 0 {
		s.workersNotBooted--
	}
	s.refreshBootedGauge()
}

func (s *Supervisor) onFork(m protocol.Message) {
	h := s.findByIndex(m.Index)
	if h == nil {
		s.log.Warn("FORK for unknown worker index", "pid", m.Pid, "index", m.Index)
		return
	}
	if h.Pid == 0 {
		h.Pid = m.Pid
	}
	s.log.Debug("Mold spawned worker", "index", m.Index, "pid", m.Pid)
}

func (s *Supervisor) toggleIdle(pid int) {
	if s.idle[pid] {
		delete(s.idle, pid)
	} else {
		s.idle[pid] = true
	}
	s.recomputeIdleSince()
}

func (s *Supervisor) recomputeIdleSince() {
	if len(s.workers) == 0 {
		s.allIdleSince = time.Time{}
		return
	}
	for _, h := range s.workers {
		if h.Pid == 0 || !s.idle[h.Pid] {
			s.allIdleSince = time.Time{}
			return
		}
	}
	if s.allIdleSince.IsZero() {
		s.allIdleSince = time.Now()
	}
}

func (s *Supervisor) idleStopReached() bool {
	d := s.cfg.Cluster.IdleStop()
	if d == 0 || s.allIdleSince.IsZero() {
		return false
	}
	return time.Since(s.allIdleSince) >= d
}

// maybeAutoRefork triggers the first refork automatically once worker 0
// crosses the configured request threshold.
func (s *Supervisor) maybeAutoRefork(h *Handle) {
	th := s.cfg.Cluster.ForkWorker
	if !th.Enabled || th.Requests <= 0 {
		return
	}
	if h.Index != 0 || h.Phase != 0 || s.phase != 0 {
		return
	}
	if h.LastStatus["requests_count"] >= th.Requests {
		s.log.Info("Worker 0 crossed request threshold, scheduling refork",
			"requests", h.LastStatus["requests_count"])
		s.requestRefork()
	}
}

// requestRefork picks the busiest booted worker as the next mold
// candidate, bumps its phase so it survives the phase increment, and
// schedules a refork restart.
func (s *Supervisor) requestRefork() {
	if !s.cfg.Cluster.MoldEnabled() {
		s.log.Warn("Refork requested but fork_worker/mold_worker disabled")
		return
	}
	if s.restart != consts.RestartNone || s.restartActive {
		return
	}
	var best *Handle
	for _, h := range s.workers {
		if !h.Booted() || h.Termed() {
			continue
		}
		if best == nil || h.LastStatus["requests_count"] > best.LastStatus["requests_count"] {
			best = h
		}
	}
	if best == nil {
		return
	}
	best.Phase = s.phase + 1
	if s.mold != nil {
		s.mold.Term()
	}
	s.restart = consts.RestartRefork
	s.log.Info("Refork scheduled", "mold_candidate", best.Index, "pid", best.Pid)
}

func (s *Supervisor) beginPhasedRestart() {
	kind := s.restart
	s.restart = consts.RestartNone

	s.phase++
	monitor.Phase.Set(float64(s.phase))
	s.reforking = kind == consts.RestartRefork
	if s.reforking {
		monitor.RestartsTotal.WithLabelValues("refork").Inc()
	} else {
		monitor.RestartsTotal.WithLabelValues("phased").Inc()
	}
	if dir := s.cfg.Service.Dir; dir != "" {
		if err := os.Chdir(dir); err != nil {
			s.log.Error("Could not chdir for restart", "dir", dir, "err", err)
		}
	}
	s.workersNotBooted = s.workerCount
	if s.reforking {
		// Worker 0 persists as the mold and never re-boots.
		s.workersNotBooted--
		// The mold (current or about to be promoted) learns the cycle
		// began from the fork pipe and runs its pre-refork hooks.
		if s.pipes != nil && s.pipes.ForkW != nil {
			if _, err := s.pipes.ForkW.Write(protocol.ForkCommand(protocol.ForkCmdBeginRefork)); err != nil {
				s.log.Warn("Could not announce refork start to mold", "err", err)
			}
		}
	}
	s.restartActive = true
	s.log.Info("Starting phased restart", "phase", s.phase, "refork", s.reforking)
}

func (s *Supervisor) finishRestartIfReady() {
	if !s.restartActive || s.workersNotBooted > 0 {
		return
	}
	s.restartActive = false
	if s.phase == 0 {
		s.log.Info("All workers booted", "workers", s.workerCount)
	} else {
		s.log.Info("Phased restart complete", "phase", s.phase)
	}
	if s.reforking {
		s.reforking = false
		if _, err := s.pipes.ForkW.Write(protocol.ForkCommand(protocol.ForkCmdReforkDone)); err != nil {
			s.log.Warn("Could not announce refork completion to mold", "err", err)
		}
	}
}

func (s *Supervisor) allHandles() []*Handle {
	hs := make([]*Handle, 0, len(s.workers)+1)
	hs = append(hs, s.workers...)
	if s.mold != nil {
		hs = append(hs, s.mold)
	}
	return hs
}

func (s *Supervisor) findByPid(pid int) *Handle {
	for _, h := range s.allHandles() {
		if h.Pid == pid {
			return h
		}
	}
	return nil
}

func (s *Supervisor) findByIndex(index int) *Handle {
	for _, h := range s.workers {
		if h.Index == index {
			return h
		}
	}
	return nil
}

func (s *Supervisor) refreshBootedGauge() {
	booted := 0
	for _, h := range s.workers {
		if h.Booted() {
			booted++
		}
	}
	monitor.WorkersBooted.Set(float64(booted))
}
