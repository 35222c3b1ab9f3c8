package pipes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toregeschliman/puma/pkg/protocol"
)

func TestParentDeathObservedAsEOF(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := s.CheckR.Read(buf)
		done <- err
	}()

	// The master dying closes its suicide end; the watchdog read must
	// observe EOF promptly.
	require.NoError(t, s.SuicideW.Close())
	s.SuicideW = nil

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog read did not observe EOF")
	}
}

func TestStatusReaderDrainsMessages(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.StatusW.Write(protocol.Boot(123, 1))
	require.NoError(t, err)
	_, err = s.StatusW.Write(protocol.Ping(123, []byte(`{"requests_count":7}`)))
	require.NoError(t, err)

	r := NewStatusReader(s.StatusFD())
	msgs, err := r.Drain()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TagBoot, msgs[0].Tag)
	assert.Equal(t, 123, msgs[0].Pid)
	assert.Equal(t, 1, msgs[0].Index)
	assert.Equal(t, protocol.TagPing, msgs[1].Tag)

	// Nothing further pending.
	msgs, err = r.Drain()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSelfPipeWakesCoalesce(t *testing.T) {
	p, err := NewSelfPipe()
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 10; i++ {
		p.Wake()
	}

	ready, err := WaitReadable([]int{p.FD()}, time.Second)
	require.NoError(t, err)
	require.True(t, ready[0])

	assert.GreaterOrEqual(t, p.Drain(), 1)
	// A drained pipe holds no residual wakeups.
	assert.Equal(t, 0, p.Drain())

	ready, err = WaitReadable([]int{p.FD()}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready[0])
}

func TestWaitReadableTimesOut(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	ready, err := WaitReadable([]int{s.StatusFD()}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready[0])
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTitleFormat(t *testing.T) {
	assert.Equal(t, "app: cluster worker 3: 4242", Title("app", 3, 4242, ""))
	assert.Equal(t, "app: cluster worker 0: 1 [canary]", Title("app", 0, 1, "canary"))
}
