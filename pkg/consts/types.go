package consts

import "time"

// ClusterStatus is the top-level run state of the master process.
type ClusterStatus string

const (
	StatusRun  ClusterStatus = "RUN"
	StatusStop ClusterStatus = "STOP"
	StatusHalt ClusterStatus = "HALT"
)

// RestartKind identifies the pending phased-restart variant, if any.
type RestartKind string

const (
	RestartNone   RestartKind = "NONE"
	RestartNormal RestartKind = "NORMAL"
	// RestartRefork preserves worker 0 and re-promotes it as the mold.
	RestartRefork RestartKind = "REFORK"
)

// WorkerStage is the master-side lifecycle stage of a worker handle.
// Transitions are monotone: Spawning -> Booted -> Termed -> Killed.
type WorkerStage string

const (
	StageSpawning WorkerStage = "SPAWNING"
	StageBooted   WorkerStage = "BOOTED"
	StageTermed   WorkerStage = "TERMED"
	StageKilled   WorkerStage = "KILLED"
)

// Environment contract between master, mold and worker processes.
const (
	EnvInheritedFDs = "PUMA_INHERITED_FDS" // count of pipe FDs passed via ExtraFiles
	EnvWorkerIndex  = "PUMA_WORKER_INDEX"
	EnvMasterPid    = "PUMA_MASTER_PID"
	EnvConfigPath   = "PUMA_CONFIG"
)

const (
	DefaultWorkerTimeout       = 60 * time.Second
	DefaultWorkerCheckInterval = 5 * time.Second
	DefaultWorkers             = 2

	// StopWorkersPollInterval is the reap poll cadence during shutdown.
	StopWorkersPollInterval = 200 * time.Millisecond
)
