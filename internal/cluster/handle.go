package cluster

import (
	"encoding/json"
	"syscall"
	"time"

	"github.com/toregeschliman/puma/pkg/consts"
	"github.com/toregeschliman/puma/pkg/fsm"
	"github.com/toregeschliman/puma/pkg/logger"
)

const (
	evBoot fsm.Event = "boot"
	evTerm fsm.Event = "term"
	evKill fsm.Event = "kill"
)

// Handle is the master-side record of one worker (or the mold). Pid
// is zero until the worker's first BOOT or FORK message resolves it,
// which only happens on the mold-spawn path.
type Handle struct {
	Index     int
	Pid       int
	Phase     int
	StartedAt time.Time

	LastCheckin time.Time
	LastStatus  map[string]int

	stage    *fsm.StateMachine
	termSent time.Time

	sys system
	log logger.Logger
}

func newHandle(index, pid, phase int, sys system, log logger.Logger) *Handle {
	m := fsm.New(fsm.State(consts.StageSpawning))
	m.AddTransition(fsm.State(consts.StageSpawning), fsm.State(consts.StageBooted), evBoot)
	m.AddTransition(fsm.State(consts.StageSpawning), fsm.State(consts.StageTermed), evTerm)
	m.AddTransition(fsm.State(consts.StageBooted), fsm.State(consts.StageTermed), evTerm)
	m.AddTransition(fsm.State(consts.StageTermed), fsm.State(consts.StageKilled), evKill)

	return &Handle{
		Index:     index,
		Pid:       pid,
		Phase:     phase,
		StartedAt: time.Now(),
		stage:     m,
		sys:       sys,
		log:       log,
	}
}

func (h *Handle) Stage() consts.WorkerStage {
	return consts.WorkerStage(h.stage.Current())
}

func (h *Handle) Booted() bool {
	return h.stage.Is(fsm.State(consts.StageBooted))
}

// Termed reports whether the handle has been told to exit (or worse).
func (h *Handle) Termed() bool {
	st := h.Stage()
	return st == consts.StageTermed || st == consts.StageKilled
}

func (h *Handle) Killed() bool {
	return h.Stage() == consts.StageKilled
}

// Boot transitions Spawning -> Booted and stamps the first check-in.
func (h *Handle) Boot() error {
	if _, err := h.stage.Fire(evBoot); err != nil {
		return err
	}
	h.LastCheckin = time.Now()
	return nil
}

// Ping records the latest metrics payload and stamps the check-in.
// An unparseable payload still counts as liveness.
func (h *Handle) Ping(payload []byte) {
	h.LastCheckin = time.Now()
	if len(payload) == 0 {
		return
	}
	status := map[string]int{}
	if err := json.Unmarshal(payload, &status); err != nil {
		h.log.Debug("Discarding unparseable ping payload", "index", h.Index, "err", err)
		return
	}
	h.LastStatus = status
}

// Term asks the worker to exit and arms the kill timer. Idempotent
// past the first call.
func (h *Handle) Term() {
	if h.Termed() {
		return
	}
	if h.Pid != 0 {
		_ = h.sys.Signal(h.Pid, syscall.SIGTERM)
	}
	h.stage.Fire(evTerm)
	h.termSent = time.Now()
}

// TermNoSignal records a termination the worker announced itself
// (EXTERNAL_TERM); no signal is sent.
func (h *Handle) TermNoSignal() {
	if h.Termed() {
		return
	}
	h.stage.Fire(evTerm)
	h.termSent = time.Now()
}

// Kill force-terminates. The stage passes through Termed so the
// monotone order holds even for a direct timeout kill.
func (h *Handle) Kill() {
	if h.Killed() {
		return
	}
	if !h.Termed() {
		h.stage.Fire(evTerm)
		h.termSent = time.Now()
	}
	if h.Pid != 0 {
		_ = h.sys.Signal(h.Pid, syscall.SIGKILL)
	}
	h.stage.Fire(evKill)
}

// Hup delivers the log-rotation fanout signal.
func (h *Handle) Hup() {
	if h.Pid != 0 {
		_ = h.sys.Signal(h.Pid, syscall.SIGHUP)
	}
}

// Promote signals the worker to drain and become the mold.
func (h *Handle) Promote() {
	if h.Pid != 0 {
		_ = h.sys.Signal(h.Pid, syscall.SIGWINCH)
	}
}

// PingTimeout is the deadline after which the worker is presumed hung:
// check-in based once booted, spawn based before that.
func (h *Handle) PingTimeout(timeout, bootTimeout time.Duration) time.Time {
	if h.Booted() {
		return h.LastCheckin.Add(timeout)
	}
	return h.StartedAt.Add(bootTimeout)
}

// KillDeadline is when an armed kill timer fires for a termed worker
// that refuses to die.
func (h *Handle) KillDeadline(grace time.Duration) (time.Time, bool) {
	if h.termSent.IsZero() {
		return time.Time{}, false
	}
	return h.termSent.Add(grace), true
}
