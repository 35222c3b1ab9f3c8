package worker

import (
	"bufio"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/internal/config"
	"github.com/toregeschliman/puma/pkg/protocol"
)

// runMold is the post-promotion loop. The mold no longer serves
// requests: it exists to spawn fresh workers on demand, preserving
// copy-on-write sharing of everything loaded before promotion. It
// keeps pinging so the master's timeout sweep leaves it alone.
func (w *Worker) runMold() int {
	log := w.log.With("role", "mold")
	ctx := config.HookContext{Index: w.opts.Index, Log: log}

	hooks := w.opts.Cfg.Hooks
	hooks.Fire(hooks.OnMoldPromotion, ctx)

	w.ensurePinger()
	w.reapSpawned()

	log.Info("Mold active, waiting for fork commands")
	reader := bufio.NewReader(w.opts.Pipes.ForkR)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		idx, perr := protocol.ParseForkCommand(line)
		if perr != nil {
			log.Warn("Mold: unparseable fork command", "line", line)
			continue
		}
		switch {
		case idx > 0:
			w.spawnFromMold(idx)
		case idx == protocol.ForkCmdReforkDone:
			hooks.Fire(hooks.AfterRefork, ctx)
			config.RunCommandHooks(w.opts.Cfg.Orchestration.AfterRefork, log)
		case idx == protocol.ForkCmdBeginRefork:
			// Promotion already drained the server; this fires once per
			// cycle, so a reused mold runs its hooks again.
			log.Info("Mold: refork cycle beginning")
			hooks.Fire(hooks.BeforeRefork, ctx)
			config.RunCommandHooks(w.opts.Cfg.Orchestration.BeforeRefork, log)
		case idx == protocol.ForkCmdLegacyRestart:
			log.Warn("Mold: legacy restart command refused under mold flow")
		default:
			log.Warn("Mold: unknown fork command", "value", idx)
		}
	}

	log.Info("Mold: fork pipe closed, shutting down")
	hooks.Fire(hooks.OnMoldShutdown, ctx)
	return 0
}

func (w *Worker) spawnFromMold(idx int) {
	hooks := w.opts.Cfg.Hooks
	ctx := config.HookContext{Index: idx, Log: w.log}

	hooks.Fire(hooks.BeforeWorkerFork, ctx)
	pid, err := w.spawn(idx)
	if err != nil {
		w.log.Error("Mold: spawn failed", "index", idx, "err", err)
		return
	}
	hooks.Fire(hooks.AfterWorkerFork, ctx)

	w.log.Info("Mold: spawned worker", "index", idx, "pid", pid)
	w.send(protocol.Fork(pid, idx))
}

// reapSpawned keeps the mold's own children from lingering as zombies.
// The master tracks their handles but cannot wait on another process's
// children; it probes them with signal 0 instead.
func (w *Worker) reapSpawned() {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, syscall.SIGCHLD)
	go func() {
		for range ch {
			for {
				var ws unix.WaitStatus
				pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				w.log.Debug("Mold: reaped child", "pid", pid, "status", ws.ExitStatus())
			}
		}
	}()
}
