// Package connectivity tracks whether the device can reach the internet and publishes settled
// transitions to subscribers.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// State is the settled connectivity view. LastOnlineAt (epoch ms) never moves backwards.
type State struct {
	IsOffline    bool  `json:"isOffline"`
	LastOnlineAt int64 `json:"lastOnlineAt"`
}

// Signal is a raw platform observation. A nil IsInternetReachable means the platform cannot
// tell captive or local-only networks apart, so link-level connectivity decides.
type Signal struct {
	IsConnected         bool  `json:"isConnected"`
	IsInternetReachable *bool `json:"isInternetReachable"`
}

// Online reports whether the signal counts as online.
func (signal Signal) Online() bool {
	if !signal.IsConnected {
		return false
	}
	return signal.IsInternetReachable == nil || *signal.IsInternetReachable
}

// Probe produces a Signal on demand.
type Probe interface {
	Check(ctx context.Context) Signal
}

// MonitorConfig describes a Monitor. A zero SettleDelay publishes reports immediately.
type MonitorConfig struct {
	Probe        Probe
	PollInterval time.Duration
	ProbeTimeout time.Duration
	SettleDelay  time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Monitor owns the current State. It starts offline until the first report settles.
type Monitor struct {
	probe        Probe
	pollInterval time.Duration
	probeTimeout time.Duration
	settleDelay  time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu          sync.Mutex
	state       State
	pending     *Signal
	generation  uint64
	subscribers map[int64]chan State
	nextID      int64
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		probe:        cfg.Probe,
		pollInterval: pollInterval,
		probeTimeout: probeTimeout,
		settleDelay:  cfg.SettleDelay,
		clock:        clock,
		logger:       logger,
		state:        State{IsOffline: true},
		subscribers:  make(map[int64]chan State),
	}
}

// Current returns the settled state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Report records a platform signal. Reports arriving within the settle delay of each other
// collapse into the last one.
func (m *Monitor) Report(signal Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleDelay <= 0 {
		m.applyLocked(signal)
		return
	}
	m.pending = &signal
	m.generation++
	generation := m.generation
	time.AfterFunc(m.settleDelay, func() {
		m.settle(generation)
	})
}

// Subscribe returns a stream that immediately holds the current state and then every settled
// transition. A slow reader only ever sees the newest state.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan State, func()) {
	stream := make(chan State, 1)

	m.mu.Lock()
	m.nextID++
	subscriberID := m.nextID
	m.subscribers[subscriberID] = stream
	stream <- m.state
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, subscriberID)
			close(stream)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Run polls the probe until ctx ends. Without a probe the monitor relies on Report alone.
func (m *Monitor) Run(ctx context.Context) error {
	if m.probe == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		m.Report(m.check(ctx))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) Signal {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return m.probe.Check(probeCtx)
}

func (m *Monitor) settle(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if generation != m.generation || m.pending == nil {
		return
	}
	signal := *m.pending
	m.pending = nil
	m.applyLocked(signal)
}

func (m *Monitor) applyLocked(signal Signal) {
	online := signal.Online()
	next := m.state
	next.IsOffline = !online
	if online {
		if now := m.clock().UTC().UnixMilli(); now > next.LastOnlineAt {
			next.LastOnlineAt = now
		}
	}
	changed := next.IsOffline != m.state.IsOffline
	m.state = next
	if !changed {
		return
	}
	m.logger.Info("connectivity changed", zap.Bool("offline", next.IsOffline), zap.Int64("last_online_at", next.LastOnlineAt))
	for _, stream := range m.subscribers {
		offerLatest(stream, next)
	}
}

// offerLatest replaces an unread state. Callers hold m.mu, so sends are serialized.
func offerLatest(stream chan State, state State) {
	select {
	case stream <- state:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	stream <- state
}
