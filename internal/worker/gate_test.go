package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateServesExactlyOnce(t *testing.T) {
	g := newGate()
	g.Reset(gateContinue, gateStop)
	assert.True(t, g.Wait())
	assert.False(t, g.Wait())
}

func TestGateResetReplacesQueue(t *testing.T) {
	g := newGate()
	g.Reset(gateContinue, gateStop)
	// A graceful restart repushes the serve-once pair.
	g.Reset(gateContinue, gateStop)
	assert.True(t, g.Wait())
	assert.False(t, g.Wait())
}

func TestGateStopUnblocksWaiter(t *testing.T) {
	g := newGate()
	got := make(chan bool, 1)
	go func() { got <- g.Wait() }()

	time.Sleep(20 * time.Millisecond)
	g.Reset(gateStop)

	select {
	case v := <-got:
		assert.False(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock on Reset")
	}
}
