package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toregeschliman/puma/pkg/logger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "puma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  command: ["sleep", "60"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "puma", cfg.Service.Name)
	assert.Equal(t, 2, cfg.Cluster.Workers)
	assert.Equal(t, 60*time.Second, cfg.Cluster.Timeout())
	assert.Equal(t, 60*time.Second, cfg.Cluster.BootTimeout())
	assert.Equal(t, 5*time.Second, cfg.Cluster.CheckInterval())
	assert.Equal(t, "youngest", cfg.Cluster.CullingStrategy)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.False(t, cfg.Cluster.MoldEnabled())
	assert.Equal(t, path, cfg.Path)
}

func TestLoadRequiresCommand(t *testing.T) {
	path := writeConfig(t, `
service:
  name: app
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestForkWorkerAcceptsBoolOrInt(t *testing.T) {
	path := writeConfig(t, `
service:
  command: ["sleep", "60"]
cluster:
  fork_worker: 1000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Cluster.ForkWorker.Enabled)
	assert.Equal(t, 1000, cfg.Cluster.ForkWorker.Requests)
	assert.True(t, cfg.Cluster.MoldEnabled())

	path = writeConfig(t, `
service:
  command: ["sleep", "60"]
cluster:
  fork_worker: true
`)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Cluster.ForkWorker.Enabled)
	assert.Equal(t, 0, cfg.Cluster.ForkWorker.Requests)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative workers", "service:\n  command: [a]\ncluster:\n  workers: -1\n"},
		{"bad strategy", "service:\n  command: [a]\ncluster:\n  worker_culling_strategy: median\n"},
		{"bad duration", "service:\n  command: [a]\ncluster:\n  worker_timeout: sixty\n"},
		{"interval ge timeout", "service:\n  command: [a]\ncluster:\n  worker_timeout: 5s\n  worker_check_interval: 5s\n"},
		{"preload with fork_worker", "service:\n  command: [a]\ncluster:\n  preload_app: true\n  fork_worker: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PUMA_CLUSTER_WORKERS", "5")
	path := writeConfig(t, `
service:
  command: ["sleep", "60"]
cluster:
  workers: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Cluster.Workers)
}

func TestHooksFireIsNilSafeAndContained(t *testing.T) {
	log := logger.NewLogger(io.Discard, "error")
	var h Hooks
	h.Fire(nil, HookContext{Log: log})

	called := false
	h.Fire(func(ctx HookContext) { called = true }, HookContext{Index: 3, Log: log})
	assert.True(t, called)

	assert.NotPanics(t, func() {
		h.Fire(func(ctx HookContext) { panic("boom") }, HookContext{Log: log})
	})
}

func TestRunCommandHooksContinuesPastFailure(t *testing.T) {
	log := logger.NewLogger(io.Discard, "error")
	marker := filepath.Join(t.TempDir(), "ran")
	RunCommandHooks([]Hook{
		{Name: "fails", Command: []string{"false"}},
		{Name: "touches", Command: []string{"touch", marker}},
	}, log)
	_, err := os.Stat(marker)
	assert.NoError(t, err)
}
