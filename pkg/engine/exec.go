package engine

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	puerr "github.com/toregeschliman/puma/pkg/errors"
	"github.com/toregeschliman/puma/pkg/logger"
)

// Exec hosts an external command as the serving engine. Start launches
// the command, Stop delivers SIGTERM, and Join waits for it to exit.
// It makes the cluster a preforking supervisor for arbitrary services;
// in-process engines implement Engine directly.
type Exec struct {
	mu      sync.Mutex
	command []string
	env     []string
	cmd     *exec.Cmd
	starts  int
	log     logger.Logger
}

// NewExec creates an Exec engine for the given command and extra
// environment.
func NewExec(command, env []string, log logger.Logger) *Exec {
	return &Exec{command: command, env: env, log: log}
}

type execHandle struct {
	done chan error
}

func (h *execHandle) Join() error { return <-h.done }

// Start launches the configured command. Standard output and error are
// inherited so service logs land in the cluster's streams.
func (e *Exec) Start() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.command) == 0 {
		return nil, puerr.New(puerr.ErrCodeConfigInvalid, "engine.start", "no command configured", nil)
	}

	cmd := exec.Command(e.command[0], e.command[1:]...)
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	e.log.Info("Engine: starting command", "cmd", e.command)
	if err := cmd.Start(); err != nil {
		return nil, puerr.New(puerr.ErrCodeBootFailed, "engine.start", "command failed to start", err)
	}
	e.cmd = cmd
	e.starts++

	h := &execHandle{done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
	}()
	return h, nil
}

// Stop sends SIGTERM to the command to initiate a graceful shutdown.
func (e *Exec) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil && e.cmd.Process != nil {
		e.log.Info("Engine: sending SIGTERM", "pid", e.cmd.Process.Pid)
		_ = e.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// BeginRestart winds the command down; the worker's restart gate
// relaunches it. An external command has no drain distinction, both
// paths deliver SIGTERM and rely on the service's own shutdown.
func (e *Exec) BeginRestart(drain bool) {
	e.Stop()
}

// Metrics reports what is knowable about an external command: whether
// it is running. Request-level counters stay zero; engines that serve
// in-process publish real numbers.
func (e *Exec) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{}
	if e.cmd != nil && e.cmd.ProcessState == nil && e.cmd.Process != nil {
		m.Running = 1
		m.PoolCapacity = 1
		m.MaxThreads = 1
	}
	return m
}
