// Package worker implements the child-side run loop: host a serving
// engine, report liveness to the master, obey restart/term/mold
// commands, and spawn further workers once promoted to a mold.
package worker

import (
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/toregeschliman/puma/internal/config"
	"github.com/toregeschliman/puma/internal/pipes"
	"github.com/toregeschliman/puma/pkg/engine"
	"github.com/toregeschliman/puma/pkg/logger"
	"github.com/toregeschliman/puma/pkg/protocol"
)

// Options wires one worker process.
type Options struct {
	Index     int
	MasterPid int
	Cfg       *config.Config
	Pipes     *pipes.Set
	Engine    engine.Engine
	Binary    string // this executable, for mold respawns
	Log       logger.Logger
}

type Worker struct {
	opts Options
	log  logger.Logger
	pid  int

	gate *gate
	mold atomic.Bool

	statusMu   sync.Mutex
	masterGone bool

	pingerDone chan struct{}
	lastIdle   bool

	exitCode int

	// spawn is swappable so mold dispatch is testable without exec.
	spawn func(index int) (int, error)
}

// Run is the worker-process entrypoint. It installs the child signal
// policy and the parent-death watchdog, then serves until the master
// tells it otherwise. The returned value is the process exit code.
func Run(o Options) int {
	w := newWorker(o)

	signal.Ignore(os.Interrupt)
	sigs := []os.Signal{syscall.SIGTERM}
	if o.Cfg.Cluster.MoldEnabled() {
		sigs = append(sigs, syscall.SIGWINCH)
	}
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, sigs...)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM:
				w.handleTerm()
			case syscall.SIGWINCH:
				w.handleMoldPromote()
			}
		}
	}()

	w.startWatchdog()
	return w.run()
}

func newWorker(o Options) *Worker {
	w := &Worker{
		opts: o,
		log:  o.Log.With("index", o.Index),
		pid:  os.Getpid(),
		gate: newGate(),
	}
	w.spawn = func(index int) (int, error) {
		return o.Pipes.Spawn(pipes.SpawnSpec{
			Binary:     o.Binary,
			ConfigPath: o.Cfg.Path,
			Index:      index,
			MasterPid:  o.MasterPid,
			Name:       o.Cfg.Service.Name,
			Tag:        o.Cfg.Service.Tag,
		})
	}
	return w
}

// startWatchdog arms the parent-death watchdog: the master never
// writes into the check pipe, so the read only ever returns when every
// master-side end is gone.
func (w *Worker) startWatchdog() {
	go func() {
		buf := make([]byte, 1)
		w.opts.Pipes.CheckR.Read(buf)
		w.log.Error("Master appears dead, terminating")
		os.Exit(1)
	}()
}

func (w *Worker) run() int {
	defer func() {
		w.sendQuiet(protocol.Plain(protocol.TagTerm, w.pid))
	}()

	w.opts.Cfg.Hooks.Fire(w.opts.Cfg.Hooks.BeforeWorkerBoot,
		config.HookContext{Index: w.opts.Index, Log: w.log})

	w.gate.Reset(gateContinue, gateStop)
	booted := false
	for w.gate.Wait() {
		h, err := w.opts.Engine.Start()
		if err != nil {
			w.log.Error("Failed to start server", "err", err)
			return 1
		}
		if !booted {
			if !w.send(protocol.Boot(w.pid, w.opts.Index)) {
				w.log.Info("Master exited before boot, terminating")
				return 0
			}
			booted = true
		}
		w.ensurePinger()
		if err := h.Join(); err != nil {
			w.log.Warn("Server run ended with error", "err", err)
			if w.exitCode == 0 {
				w.exitCode = 1
			}
		}
	}

	if w.mold.Load() {
		return w.runMold()
	}
	return w.exitCode
}

func (w *Worker) handleTerm() {
	if w.mold.Load() {
		// The mold's term path is closing the fork pipe; its read loop
		// observes the error and shuts down.
		w.opts.Pipes.ForkR.Close()
		return
	}
	w.send(protocol.Plain(protocol.TagExternalTerm, w.pid))
	w.opts.Cfg.Hooks.Fire(w.opts.Cfg.Hooks.BeforeWorkerShutdown,
		config.HookContext{Index: w.opts.Index, Log: w.log})
	if w.opts.Cfg.Cluster.RaiseOnSigterm {
		// Interrupt in-flight work and exit with the signal status.
		w.exitCode = 128 + int(syscall.SIGTERM)
		w.opts.Engine.Stop()
	} else {
		w.opts.Engine.BeginRestart(true)
		w.opts.Engine.Stop()
	}
	w.gate.Reset(gateStop)
}

func (w *Worker) handleMoldPromote() {
	if w.mold.Swap(true) {
		return
	}
	w.log.Info("Promoting to mold, draining server")
	w.opts.Engine.BeginRestart(true)
	w.gate.Reset(gateStop)
}

// ensurePinger starts the stat reporter, or restarts it if a previous
// incarnation finished. It keeps running across serve cycles and mold
// promotion so master-side timeouts never fire on a live process.
func (w *Worker) ensurePinger() {
	if w.pingerDone != nil {
		select {
		case <-w.pingerDone:
		default:
			return
		}
	}
	done := make(chan struct{})
	w.pingerDone = done

	go func() {
		defer close(done)
		t := time.NewTicker(w.opts.Cfg.Cluster.CheckInterval())
		defer t.Stop()
		for range t.C {
			m := w.opts.Engine.Metrics()
			payload, err := json.Marshal(m)
			if err != nil {
				continue
			}
			if !w.send(protocol.Ping(w.pid, payload)) {
				return
			}
			if idle := m.Idle(); idle != w.lastIdle {
				w.lastIdle = idle
				if !w.send(protocol.Plain(protocol.TagIdle, w.pid)) {
					return
				}
			}
		}
	}()
}

// send writes one status message. A write error means the master is
// gone; the worker logs once and winds down.
func (w *Worker) send(msg []byte) bool {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.masterGone {
		return false
	}
	if _, err := w.opts.Pipes.StatusW.Write(msg); err != nil {
		w.masterGone = true
		w.log.Info("Master seems to have exited, status pipe broken")
		w.gate.Reset(gateStop)
		return false
	}
	return true
}

// sendQuiet is send without the peer-gone side effects, for final
// messages on exit paths where the master may already be gone.
func (w *Worker) sendQuiet(msg []byte) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	_, _ = w.opts.Pipes.StatusW.Write(msg)
}
