package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelsAndContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")

	log.Info("filtered out")
	assert.Zero(t, buf.Len())

	log.With("index", 3).Warn("worker slow")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "worker slow", rec["msg"])
	assert.Equal(t, float64(3), rec["index"])
	assert.NotNil(t, rec["pid"])
}
