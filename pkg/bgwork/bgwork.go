package bgwork

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/metrics"
)

// RetryType is the outcome a work invocation reports
type RetryType int

const (
	// RetryNone means the work finished
	RetryNone RetryType = iota
	// RetryNeeded schedules another invocation after the retry policy delay
	RetryNeeded
)

func (r RetryType) String() string {
	if r == RetryNeeded {
		return "retry"
	}
	return "done"
}

// Manager coalesces requests for background work into single invocations.
//
// Work runs at most once per MinimumIntervalBetweenWork and never
// concurrently. The work function must call OnWorkComplete exactly once per
// invocation, possibly from another goroutine.
type Manager struct {
	name   string
	work   func(activityID string)
	clock  clock.Clock
	logger zerolog.Logger

	mu          sync.Mutex
	minInterval time.Duration
	policy      backoff.BackOff
	closed      bool
	running     bool
	requested   bool
	retry       bool
	activityID  string
	lastRun     time.Time
	timer       *clock.Timer
	due         time.Time
	gen         uint64
}

// New creates a manager for work
func New(name string, work func(activityID string), cfg config.MessageRetryConfig, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		name:        name,
		work:        work,
		clock:       clk,
		logger:      log.WithComponent("bgwork").With().Str("name", name).Logger(),
		minInterval: cfg.MinimumIntervalBetweenWork,
		policy:      NewRetryPolicy(cfg, clk),
	}
}

// NewRetryPolicy builds the retry curve selected by cfg.Policy
func NewRetryPolicy(cfg config.MessageRetryConfig, clk clock.Clock) backoff.BackOff {
	if cfg.Policy != config.RetryPolicyExponential {
		return backoff.NewConstantBackOff(cfg.RetryInterval)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryInterval
	eb.MaxInterval = cfg.MaxRetryInterval
	eb.MaxElapsedTime = 0
	if clk != nil {
		eb.Clock = clk
	}
	eb.Reset()
	return eb
}

// UpdateConfig applies new intervals from the next schedule on
func (m *Manager) UpdateConfig(cfg config.MessageRetryConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minInterval = cfg.MinimumIntervalBetweenWork
	m.policy = NewRetryPolicy(cfg, m.clock)
}

// Request asks for the work to run. Requests arriving before the work starts
// are merged and the latest activity id is used.
func (m *Manager) Request(activityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.activityID = activityID
	m.requested = true
	if m.running {
		return
	}
	m.scheduleLocked(m.earliestLocked())
}

// OnWorkComplete ends the current invocation
func (m *Manager) OnWorkComplete(rt RetryType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	metrics.BackgroundWorkRuns.WithLabelValues(m.name, rt.String()).Inc()

	if m.closed {
		return
	}

	at := m.earliestLocked()
	if rt == RetryNeeded {
		m.retry = true
		delay := m.policy.NextBackOff()
		if delay == backoff.Stop {
			delay = m.minInterval
		}
		if retryAt := m.clock.Now().Add(delay); retryAt.After(at) && !m.requested {
			at = retryAt
		}
		m.logger.Debug().Dur("delay", delay).Msg("Background work needs retry")
	} else {
		m.policy.Reset()
	}

	if m.requested || m.retry {
		m.scheduleLocked(at)
	}
}

// Close cancels any scheduled invocation. A timer that already fired sees the closed flag.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// IsRunning reports whether an invocation is in progress
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) earliestLocked() time.Time {
	now := m.clock.Now()
	if m.lastRun.IsZero() {
		return now
	}
	if next := m.lastRun.Add(m.minInterval); next.After(now) {
		return next
	}
	return now
}

func (m *Manager) scheduleLocked(at time.Time) {
	if m.timer != nil {
		if !m.due.After(at) {
			return
		}
		m.timer.Stop()
	}

	m.gen++
	gen := m.gen
	m.due = at
	m.timer = m.clock.AfterFunc(at.Sub(m.clock.Now()), func() { m.fire(gen) })
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		// superseded by a later schedule
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.closed || m.running || (!m.requested && !m.retry) {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.requested = false
	m.retry = false
	m.lastRun = m.clock.Now()
	activityID := m.activityID
	m.mu.Unlock()

	m.work(activityID)
}
