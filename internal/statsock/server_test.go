package statsock

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toregeschliman/puma/pkg/logger"
)

func TestServeAndFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "puma.sock")
	log := logger.NewLogger(io.Discard, "error")

	srv := New(path, func() any {
		return map[string]int{"phase": 2, "workers": 3}
	}, log)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	// Every connection gets a full fresh snapshot.
	for i := 0; i < 2; i++ {
		raw, err := Fetch(path)
		require.NoError(t, err)
		var got map[string]int
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, 2, got["phase"])
		assert.Equal(t, 3, got["workers"])
	}
}

func TestStartReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "puma.sock")
	log := logger.NewLogger(io.Discard, "error")

	// A crashed master leaves its socket file behind.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	second := New(path, func() any { return 2 }, log)
	require.NoError(t, second.Start())
	defer second.Stop()

	raw, err := Fetch(path)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(raw))
}
