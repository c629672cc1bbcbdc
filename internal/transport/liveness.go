package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Liveness states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth is the liveness record of one connection.
type PeerHealth struct {
	LastCheck        time.Time // Timestamp of the last check attempt
	LastHealthy      time.Time // Timestamp of the last successful check
	ConnectionID     string    // Connection being watched
	Status           string    // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int       // Number of consecutive failed checks
}

// LivenessMonitor periodically checks a changing set of connections and
// reports the ones that fail maxFailures checks in a row.
//
// The set of connections is re-read on every round; records of connections
// that disappeared are dropped.
type LivenessMonitor struct {
	peers       map[string]*PeerHealth
	checkFunc   func(id string) error
	onUnhealthy func(id string)
	clock       clock.Clock
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewLivenessMonitor creates a monitor checking every interval.
func NewLivenessMonitor(interval time.Duration, maxFailures int, clk clock.Clock, logger *zap.Logger) *LivenessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &LivenessMonitor{
		peers:       make(map[string]*PeerHealth),
		clock:       clk,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		interval:    interval,
		maxFailures: maxFailures,
	}
}

// SetCheckFunction sets the per-connection check.
func (m *LivenessMonitor) SetCheckFunction(fn func(id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkFunc = fn
}

// SetOnUnhealthy sets the callback invoked once when a connection turns
// unhealthy. It runs on its own goroutine.
func (m *LivenessMonitor) SetOnUnhealthy(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = fn
}

// Start runs check rounds until ctx is cancelled or Stop is called.
func (m *LivenessMonitor) Start(ctx context.Context, ids func() []string) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ids())
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopping", zap.Error(ctx.Err()))
			return
		case <-m.ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (m *LivenessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// CheckAll runs one round over ids.
func (m *LivenessMonitor) CheckAll(ids []string) {
	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		current[id] = true
		m.check(id)
	}

	m.mu.Lock()
	for id := range m.peers {
		if !current[id] {
			delete(m.peers, id)
		}
	}
	m.mu.Unlock()
}

func (m *LivenessMonitor) check(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	health, exists := m.peers[id]
	if !exists {
		health = &PeerHealth{ConnectionID: id, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		m.peers[id] = health
	}
	checkFunc := m.checkFunc
	m.mu.Unlock()

	if checkFunc == nil {
		return
	}
	err := checkFunc(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	health.LastCheck = m.clock.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			m.logger.Info("connection recovered", zap.String("conn", id))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	m.logger.Debug("liveness check failed",
		zap.String("conn", id),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max", m.maxFailures),
		zap.Error(err))
	if health.ConsecutiveFails < m.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	m.logger.Info("connection marked unhealthy", zap.String("conn", id), zap.Int("failures", health.ConsecutiveFails))
	if m.onUnhealthy != nil {
		go m.onUnhealthy(id)
	}
}

// Health returns a copy of the liveness record of id, or nil.
func (m *LivenessMonitor) Health(id string) *PeerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health, ok := m.peers[id]
	if !ok {
		return nil
	}
	out := *health
	return &out
}

// Counts returns the number of watched connections per status.
func (m *LivenessMonitor) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{}
	for _, h := range m.peers {
		out[h.Status]++
	}
	return out
}
