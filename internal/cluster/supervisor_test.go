package cluster

import (
	"bufio"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/toregeschliman/puma/internal/config"
	"github.com/toregeschliman/puma/internal/pipes"
	"github.com/toregeschliman/puma/pkg/consts"
	"github.com/toregeschliman/puma/pkg/logger"
	"github.com/toregeschliman/puma/pkg/protocol"
)

type sigRec struct {
	pid int
	sig syscall.Signal
}

// fakeSys is an in-memory process table: spawns hand out fake pids,
// exits are queued for the reap loop, signals are recorded.
type fakeSys struct {
	mu      sync.Mutex
	nextPid int
	spawned []int
	alive   map[int]bool
	exited  []sigExit
	signals []sigRec
}

type sigExit struct {
	pid    int
	status unix.WaitStatus
}

func newFakeSys() *fakeSys {
	return &fakeSys{nextPid: 1000, alive: map[int]bool{}}
}

func (f *fakeSys) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sigRec{pid, sig})
	if sig == 0 && !f.alive[pid] {
		return unix.ESRCH
	}
	return nil
}

func (f *fakeSys) Wait4(pid int) (int, unix.WaitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid == -1 {
		if len(f.exited) == 0 {
			return 0, 0, nil
		}
		e := f.exited[0]
		f.exited = f.exited[1:]
		return e.pid, e.status, nil
	}
	for i, e := range f.exited {
		if e.pid == pid {
			f.exited = append(f.exited[:i], f.exited[i+1:]...)
			return e.pid, e.status, nil
		}
	}
	if f.alive[pid] {
		return 0, 0, nil // still running, still ours
	}
	return -1, 0, unix.ECHILD
}

func (f *fakeSys) Spawn(index int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	f.spawned = append(f.spawned, index)
	f.alive[f.nextPid] = true
	return f.nextPid, nil
}

func (f *fakeSys) Pid() int { return 1 }

// exit marks a fake child as dead and queues it for the group reap.
func (f *fakeSys) exit(pid, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
	f.exited = append(f.exited, sigExit{pid, unix.WaitStatus(status << 8)})
}

// gone marks a fake process as dead without making it reapable, as a
// foreign-parent child would be.
func (f *fakeSys) gone(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

func (f *fakeSys) countSignals(pid int, sig syscall.Signal) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.signals {
		if r.pid == pid && r.sig == sig {
			n++
		}
	}
	return n
}

func testClusterCfg() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Name: "app", Command: []string{"sleep", "60"}},
		Cluster: config.ClusterConfig{Workers: 2},
	}
}

func newTestSup(t *testing.T, cfg *config.Config) (*Supervisor, *fakeSys, *pipes.Set) {
	t.Helper()
	set, err := pipes.NewSet()
	require.NoError(t, err)
	t.Cleanup(set.Close)

	fake := newFakeSys()
	s := newWith(cfg, set, fake, logger.NewLogger(io.Discard, "error"))
	return s, fake, set
}

func bootAll(t *testing.T, s *Supervisor, set *pipes.Set) {
	t.Helper()
	for _, h := range s.workers {
		_, err := set.StatusW.Write(protocol.Boot(h.Pid, h.Index))
		require.NoError(t, err)
	}
	s.drainStatus()
	s.finishRestartIfReady()
}

func TestColdBootCompletesOnce(t *testing.T) {
	s, _, set := newTestSup(t, testClusterCfg())
	require.True(t, s.restartActive, "startup pool counts as an in-flight boot cycle")

	s.checkWorkers()
	for _, h := range s.workers {
		_, err := set.StatusW.Write(protocol.Boot(h.Pid, h.Index))
		require.NoError(t, err)
	}
	s.drainStatus()

	s.finishRestartIfReady()
	assert.False(t, s.restartActive)
	assert.Zero(t, s.workersNotBooted)

	// Completion is a one-shot milestone until the next restart begins.
	s.finishRestartIfReady()
	assert.False(t, s.restartActive)

	s.handleEvent(evPhasedRestart)
	assert.Equal(t, consts.RestartNormal, s.restart)
}

func TestInitialSpawnFillsPool(t *testing.T) {
	s, fake, _ := newTestSup(t, testClusterCfg())

	s.checkWorkers()

	assert.Equal(t, []int{0, 1}, fake.spawned)
	require.Len(t, s.workers, 2)
	for _, h := range s.workers {
		assert.Equal(t, consts.StageSpawning, h.Stage())
		assert.NotZero(t, h.Pid)
	}

	// A settled pool spawns nothing further.
	s.checkWorkers()
	assert.Len(t, fake.spawned, 2)
}

func TestBootAndPingDispatch(t *testing.T) {
	s, _, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)

	h := s.workers[0]
	require.True(t, h.Booted())
	firstCheckin := h.LastCheckin

	_, err := set.StatusW.Write(protocol.Ping(h.Pid, []byte(`{"requests_count":12,"busy_threads":1}`)))
	require.NoError(t, err)
	s.drainStatus()

	assert.Equal(t, 12, h.LastStatus["requests_count"])
	assert.False(t, h.LastCheckin.Before(firstCheckin))
}

func TestWorkerCountSignalsRoundTrip(t *testing.T) {
	s, _, _ := newTestSup(t, testClusterCfg())
	require.Equal(t, 2, s.workerCount)

	s.handleEvent(evIncrWorkers)
	assert.Equal(t, 3, s.workerCount)
	s.handleEvent(evDecrWorkers)
	assert.Equal(t, 2, s.workerCount)

	// Clamped at one worker.
	s.handleEvent(evDecrWorkers)
	s.handleEvent(evDecrWorkers)
	s.handleEvent(evDecrWorkers)
	assert.Equal(t, 1, s.workerCount)
}

func TestBootTimeoutKillsExactlyOnce(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.WorkerBootTimeout = "1ms"
	s, fake, _ := newTestSup(t, cfg)

	s.checkWorkers()
	pid := s.workers[0].Pid
	time.Sleep(5 * time.Millisecond)

	s.timeoutWorkers()
	assert.Equal(t, 1, fake.countSignals(pid, syscall.SIGKILL))
	assert.Equal(t, consts.StageKilled, s.workers[0].Stage())

	// A killed handle is skipped by later sweeps.
	s.timeoutWorkers()
	assert.Equal(t, 1, fake.countSignals(pid, syscall.SIGKILL))

	// The reap removes the handle and frees its index.
	fake.exit(pid, 137)
	s.reapWorkers()
	for _, h := range s.workers {
		assert.NotEqual(t, pid, h.Pid)
	}
}

func TestCheckinTimeoutKills(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.WorkerTimeout = "10ms"
	cfg.Cluster.WorkerCheckInterval = "1ms"
	s, fake, set := newTestSup(t, cfg)
	s.checkWorkers()
	bootAll(t, s, set)

	h := s.workers[1]
	h.LastCheckin = time.Now().Add(-time.Second)
	s.timeoutWorkers()
	assert.Equal(t, 1, fake.countSignals(h.Pid, syscall.SIGKILL))

	// Worker 0 checked in recently and is untouched.
	assert.Equal(t, 0, fake.countSignals(s.workers[0].Pid, syscall.SIGKILL))
}

func TestReapFreesIndexForReuse(t *testing.T) {
	s, fake, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)

	pid0 := s.workers[0].Pid
	fake.exit(pid0, 1)
	fake.exit(424242, 0) // orphan adopted by this PID-1 master

	s.reapWorkers()
	require.Len(t, s.workers, 1)

	s.spawnWorkers()
	require.Len(t, s.workers, 2)
	assert.Equal(t, 0, s.workers[1].Index, "freed index 0 is reassigned")
}

func TestForeignParentWorkerProbed(t *testing.T) {
	s, fake, _ := newTestSup(t, testClusterCfg())
	// A mold-spawned worker: known pid, not this process's child.
	h := newHandle(0, 5555, 0, fake, s.log)
	s.workers = append(s.workers, h)

	// Alive under its foreign parent: the handle stays.
	fake.mu.Lock()
	fake.alive[5555] = true
	fake.mu.Unlock()
	s.reapWorkers()
	assert.Len(t, s.workers, 1)

	// Once it dies, the zero-signal probe notices and the handle goes.
	fake.gone(5555)
	s.reapWorkers()
	assert.Empty(t, s.workers)
}

func TestCullYoungestByDefault(t *testing.T) {
	s, fake, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)
	s.workers[0].StartedAt = time.Now().Add(-time.Hour)

	s.workerCount = 1
	s.cullWorkers()

	young := s.workers[1]
	assert.Equal(t, 1, fake.countSignals(young.Pid, syscall.SIGTERM))
	assert.Equal(t, 0, fake.countSignals(s.workers[0].Pid, syscall.SIGTERM))
}

func TestCullOldestStrategy(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.CullingStrategy = "oldest"
	s, fake, set := newTestSup(t, cfg)
	s.checkWorkers()
	bootAll(t, s, set)
	s.workers[0].StartedAt = time.Now().Add(-time.Hour)

	s.workerCount = 1
	s.cullWorkers()
	assert.Equal(t, 1, fake.countSignals(s.workers[0].Pid, syscall.SIGTERM))
}

func TestCullNeverPicksIndexZeroInForkMode(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.ForkWorker = config.Threshold{Enabled: true, Requests: 1000}
	cfg.Cluster.Workers = 3
	s, fake, set := newTestSup(t, cfg)
	s.checkWorkers()
	bootAll(t, s, set)
	// Worker 0 is the oldest, the usual first victim.
	s.workers[0].StartedAt = time.Now().Add(-time.Hour)
	cfg.Cluster.CullingStrategy = "oldest"

	s.workerCount = 1
	s.cullWorkers()

	assert.Equal(t, 0, fake.countSignals(s.workers[0].Pid, syscall.SIGTERM))
	termed := 0
	for _, h := range s.workers[1:] {
		termed += fake.countSignals(h.Pid, syscall.SIGTERM)
	}
	assert.Equal(t, 2, termed)
}

func TestPhasedRestartRollsAllWorkersForward(t *testing.T) {
	s, fake, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)

	s.handleEvent(evPhasedRestart)
	require.Equal(t, consts.RestartNormal, s.restart)

	for sweep := 0; sweep < 10; sweep++ {
		if s.restart != consts.RestartNone {
			s.beginPhasedRestart()
		}
		s.checkWorkers()

		// Deliver exits for anything termed, boots for anything fresh.
		for _, h := range s.workers {
			if h.Termed() && fake.alive[h.Pid] {
				fake.exit(h.Pid, 0)
			}
			if h.Stage() == consts.StageSpawning {
				_, err := set.StatusW.Write(protocol.Boot(h.Pid, h.Index))
				require.NoError(t, err)
			}
		}
		s.drainStatus()
		s.finishRestartIfReady()
		if !s.restartActive {
			break
		}
	}

	assert.False(t, s.restartActive)
	assert.Equal(t, 1, s.phase)
	require.Len(t, s.workers, 2)
	for _, h := range s.workers {
		assert.Equal(t, 1, h.Phase, "worker %d still on old phase", h.Index)
		assert.True(t, h.Booted())
	}
}

func TestAutoReforkSchedulesAndPromotesMold(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.ForkWorker = config.Threshold{Enabled: true, Requests: 1000}
	s, fake, set := newTestSup(t, cfg)
	s.checkWorkers()
	bootAll(t, s, set)
	w0 := s.workers[0]

	// Worker 0 crossing the threshold schedules the refork and bumps
	// its phase so promotion selects it after the increment.
	_, err := set.StatusW.Write(protocol.Ping(w0.Pid, []byte(`{"requests_count":1000}`)))
	require.NoError(t, err)
	s.drainStatus()
	require.Equal(t, consts.RestartRefork, s.restart)
	assert.Equal(t, 1, w0.Phase)

	s.beginPhasedRestart()
	assert.Equal(t, 1, s.phase)
	assert.Equal(t, 1, s.workersNotBooted)

	// Sweep 1 retires the old-phase worker.
	old := s.workers[1]
	s.checkWorkers()
	assert.Equal(t, 1, fake.countSignals(old.Pid, syscall.SIGTERM))
	fake.exit(old.Pid, 0)

	// Sweep 2: the freed slot promotes worker 0 to mold and requests
	// replacements through the fork pipe.
	s.checkWorkers()
	require.NotNil(t, s.mold)
	assert.Equal(t, w0, s.mold)
	assert.Equal(t, 1, fake.countSignals(w0.Pid, syscall.SIGWINCH))

	forkR := bufio.NewReader(set.ForkR)
	readCmd := func() int {
		line, err := forkR.ReadString('\n')
		require.NoError(t, err)
		idx, err := protocol.ParseForkCommand(line)
		require.NoError(t, err)
		return idx
	}

	// The cycle opened with the begin-refork sentinel for the mold.
	assert.Equal(t, protocol.ForkCmdBeginRefork, readCmd())

	// The mold reports each fork, then the child boots; pid resolves by
	// index in either order.
	spawnedPid := 9000
	for i := 0; i < 2; i++ {
		idx := readCmd()
		require.Greater(t, idx, 0)
		spawnedPid++
		_, err = set.StatusW.Write(protocol.Fork(spawnedPid, idx))
		require.NoError(t, err)
		_, err = set.StatusW.Write(protocol.Boot(spawnedPid, idx))
		require.NoError(t, err)
		s.drainStatus()

		h := s.findByIndex(idx)
		require.NotNil(t, h)
		assert.Equal(t, spawnedPid, h.Pid)
		assert.True(t, h.Booted())
	}

	// All fresh workers booted: the refork completes and the mold is
	// told via the sentinel.
	s.finishRestartIfReady()
	assert.False(t, s.restartActive)
	assert.Equal(t, protocol.ForkCmdReforkDone, readCmd())
}

func TestIdleToggleAndIdleStop(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.IdleTimeout = "10ms"
	s, _, set := newTestSup(t, cfg)
	s.checkWorkers()
	bootAll(t, s, set)

	for _, h := range s.workers {
		_, err := set.StatusW.Write(protocol.Plain(protocol.TagIdle, h.Pid))
		require.NoError(t, err)
	}
	s.drainStatus()
	require.False(t, s.allIdleSince.IsZero())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, s.idleStopReached())

	// One worker waking flips the toggle and disarms the idle stop.
	_, err := set.StatusW.Write(protocol.Plain(protocol.TagIdle, s.workers[0].Pid))
	require.NoError(t, err)
	s.drainStatus()
	assert.False(t, s.idleStopReached())
}

func TestExternalTermDoesNotSignalBack(t *testing.T) {
	s, fake, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)

	h := s.workers[0]
	_, err := set.StatusW.Write(protocol.Plain(protocol.TagExternalTerm, h.Pid))
	require.NoError(t, err)
	s.drainStatus()

	assert.True(t, h.Termed())
	assert.Equal(t, 0, fake.countSignals(h.Pid, syscall.SIGTERM))
}

func TestSnapshotShape(t *testing.T) {
	s, _, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)

	st := s.Snapshot()
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, 2, st.BootedWorkers)
	assert.Equal(t, 0, st.OldWorkers)
	assert.Equal(t, 0, st.Phase)
	assert.NotEmpty(t, st.BootID)
	assert.NotEmpty(t, st.StartedAt)
	require.Len(t, st.WorkerStatus, 2)
	for i, ws := range st.WorkerStatus {
		assert.Equal(t, i, ws.Index)
		assert.True(t, ws.Booted)
		assert.NotZero(t, ws.Pid)
	}
}

func TestShutdownTermsThenForceKillsOnInterrupt(t *testing.T) {
	cfg := testClusterCfg()
	cfg.Cluster.WorkerTimeout = "10s"
	cfg.Cluster.WorkerCheckInterval = "1s"
	s, fake, set := newTestSup(t, cfg)
	s.checkWorkers()
	bootAll(t, s, set)
	pids := []int{s.workers[0].Pid, s.workers[1].Pid}

	done := make(chan error, 1)
	go func() { done <- s.shutdown() }()

	waitFor(t, func() bool { return fake.countSignals(pids[0], syscall.SIGTERM) == 1 })

	// The pool ignores the term; an operator interrupt escalates.
	s.events <- evStop
	waitFor(t, func() bool {
		return fake.countSignals(pids[0], syscall.SIGKILL) == 1 &&
			fake.countSignals(pids[1], syscall.SIGKILL) == 1
	})

	for _, pid := range pids {
		fake.exit(pid, 137)
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never finished")
	}
	assert.Equal(t, consts.StatusHalt, s.status)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestHupFansOutToAllHandles(t *testing.T) {
	s, fake, set := newTestSup(t, testClusterCfg())
	s.checkWorkers()
	bootAll(t, s, set)

	s.handleEvent(evHupWorkers)
	for _, h := range s.workers {
		assert.Equal(t, 1, fake.countSignals(h.Pid, syscall.SIGHUP), "worker %d", h.Index)
	}
}
