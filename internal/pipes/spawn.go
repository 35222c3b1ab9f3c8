package pipes

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/toregeschliman/puma/pkg/consts"
	puerr "github.com/toregeschliman/puma/pkg/errors"
	"github.com/toregeschliman/puma/pkg/logger"
)

// SpawnSpec describes one worker to exec. Both the master and the mold
// spawn through it; the mold simply passes its own inherited Set.
type SpawnSpec struct {
	Binary     string // path to this executable
	ConfigPath string
	Index      int
	MasterPid  int
	Name       string // service name shown in the process title
	Tag        string
	Env        []string
}

// Title renders the child's process title. It becomes argv[0] at exec
// time, which is the only portable way to name a process we spawn.
func Title(name string, index, masterPid int, tag string) string {
	t := fmt.Sprintf("%s: cluster worker %d: %d", name, index, masterPid)
	if tag != "" {
		t += " [" + tag + "]"
	}
	return t
}

// Spawn execs the binary back into itself in worker mode, forwarding
// this Set's child ends. The returned pid is released immediately: the
// caller reaps through wait4, not through exec.Cmd.
func (s *Set) Spawn(spec SpawnSpec) (int, error) {
	cmd := &exec.Cmd{
		Path:   spec.Binary,
		Args:   []string{Title(spec.Name, spec.Index, spec.MasterPid, spec.Tag), "worker"},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, s.ChildEnv()...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", consts.EnvWorkerIndex, spec.Index),
		fmt.Sprintf("%s=%d", consts.EnvMasterPid, spec.MasterPid),
		fmt.Sprintf("%s=%s", consts.EnvConfigPath, spec.ConfigPath),
	)
	cmd.ExtraFiles = s.ChildFiles()

	logger.Log.Debug("Pipes: spawning worker", "index", spec.Index, "binary", spec.Binary)
	if err := cmd.Start(); err != nil {
		return 0, puerr.New(puerr.ErrCodeSpawnFailed, "pipes.spawn",
			fmt.Sprintf("worker %d failed to start", spec.Index), err)
	}

	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
