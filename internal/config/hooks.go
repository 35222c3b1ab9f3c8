package config

import (
	"context"
	"os/exec"
	"time"

	"github.com/toregeschliman/puma/pkg/logger"
)

// HookContext is handed to every in-process hook.
type HookContext struct {
	Index int
	Log   logger.Logger
	Data  string
}

// HookFunc is one in-process lifecycle callback.
type HookFunc func(ctx HookContext)

// Hooks carries the in-process lifecycle callbacks. Any field may be
// nil. Hooks run in the process where the event happens: fork-side
// hooks in the master or mold, boot- and shutdown-side hooks in the
// worker.
type Hooks struct {
	BeforeFork           HookFunc
	BeforeWorkerFork     HookFunc
	AfterWorkerFork      HookFunc
	BeforeWorkerBoot     HookFunc
	BeforeRefork         HookFunc
	AfterRefork          HookFunc
	OnMoldPromotion      HookFunc
	OnMoldShutdown       HookFunc
	BeforeWorkerShutdown HookFunc
}

// Fire runs fn if set. A panicking hook is logged and contained; hooks
// never take the supervising loop down with them.
func (h Hooks) Fire(fn HookFunc, ctx HookContext) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.Error("Hook panicked", "index", ctx.Index, "panic", r)
		}
	}()
	fn(ctx)
}

// RunCommandHooks executes external command hooks sequentially. A
// failing hook is logged and the rest still run; refork hooks are
// advisory, not gating.
func RunCommandHooks(hooks []Hook, log logger.Logger) {
	for _, hook := range hooks {
		if len(hook.Command) == 0 {
			continue
		}
		timeout := 30 * time.Second
		if hook.Timeout != "" {
			if d, err := time.ParseDuration(hook.Timeout); err == nil {
				timeout = d
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		log.Info("Running hook", "name", hook.Name)
		cmd := exec.CommandContext(ctx, hook.Command[0], hook.Command[1:]...)
		if err := cmd.Run(); err != nil {
			log.Error("Hook failed", "name", hook.Name, "err", err)
		}
		cancel()
	}
}
