package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestNewLivenessMonitor verifies the defaults of a new monitor.
func TestNewLivenessMonitor(t *testing.T) {
	monitor := NewLivenessMonitor(5*time.Second, 0, clock.NewMock(), zaptest.NewLogger(t))
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.Empty(t, monitor.Counts())
	assert.Nil(t, monitor.Health("missing"))
}

// TestLivenessMonitorFailures verifies that a connection turns unhealthy
// after consecutive failures, triggers the callback once and can recover.
func TestLivenessMonitorFailures(t *testing.T) {
	monitor := NewLivenessMonitor(time.Second, 3, clock.NewMock(), zaptest.NewLogger(t))
	defer monitor.Stop()

	failing := true
	monitor.SetCheckFunction(func(id string) error {
		if id == "bad" && failing {
			return errors.New("no pong")
		}
		return nil
	})

	unhealthy := make(chan string, 4)
	monitor.SetOnUnhealthy(func(id string) { unhealthy <- id })

	for i := 0; i < 4; i++ {
		monitor.CheckAll([]string{"good", "bad"})
	}

	select {
	case id := <-unhealthy:
		assert.Equal(t, "bad", id)
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback was not called")
	}

	bad := monitor.Health("bad")
	require.NotNil(t, bad)
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, 4, bad.ConsecutiveFails)
	assert.Equal(t, StatusHealthy, monitor.Health("good").Status)

	// The callback fires only on the transition
	assert.Len(t, unhealthy, 0)

	failing = false
	monitor.CheckAll([]string{"good", "bad"})
	assert.Equal(t, StatusHealthy, monitor.Health("bad").Status)
	assert.Equal(t, 0, monitor.Health("bad").ConsecutiveFails)
}

// TestLivenessMonitorDropsClosedConnections verifies that connections no
// longer reported are forgotten.
func TestLivenessMonitorDropsClosedConnections(t *testing.T) {
	monitor := NewLivenessMonitor(time.Second, 3, clock.NewMock(), zaptest.NewLogger(t))
	defer monitor.Stop()
	monitor.SetCheckFunction(func(string) error { return nil })

	monitor.CheckAll([]string{"a", "b"})
	assert.Equal(t, map[string]int{StatusHealthy: 2}, monitor.Counts())

	monitor.CheckAll([]string{"b"})
	assert.Nil(t, monitor.Health("a"))
	assert.NotNil(t, monitor.Health("b"))
}

// TestLivenessMonitorStart verifies that rounds run on every tick and the
// loop exits on Stop.
func TestLivenessMonitorStart(t *testing.T) {
	clk := clock.NewMock()
	monitor := NewLivenessMonitor(time.Second, 3, clk, zaptest.NewLogger(t))

	var mu sync.Mutex
	calls := 0
	monitor.SetCheckFunction(func(string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []string { return []string{"a"} })
		close(done)
	}()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
