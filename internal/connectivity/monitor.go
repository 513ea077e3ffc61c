// Package connectivity tracks whether the remote API is reachable and starts a
// synchronization pass once a reconnection has settled.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the connectivity state machine's position.
type State string

const (
	StateOnline  State = "ONLINE"
	StateOffline State = "OFFLINE"
)

const (
	defaultSettleDelay     = 10 * time.Second
	defaultProbeInterval   = 5 * time.Second
	defaultPendingInterval = 5 * time.Second
	defaultProbeTimeout    = 3 * time.Second
)

var errMissingSync = errors.New("connectivity: sync func is required")

// Prober checks reachability; a nil error means online.
type Prober interface {
	Ping(ctx context.Context) error
}

// PendingCounter reports the number of queued operations.
type PendingCounter interface {
	Count(ctx context.Context) (int, error)
}

// Sink receives the published connectivity state and pending count.
type Sink interface {
	SetOnline(online bool)
	SetPending(count int)
}

// SyncFunc runs one synchronization pass.
type SyncFunc func(ctx context.Context) error

// Config describes the dependencies of a Monitor.
type Config struct {
	Prober          Prober
	Sync            SyncFunc
	Pending         PendingCounter
	Sink            Sink
	SettleDelay     time.Duration
	ProbeInterval   time.Duration
	PendingInterval time.Duration
	ProbeTimeout    time.Duration
	BaseContext     context.Context
	Logger          *zap.Logger
}

// Monitor is the ONLINE/OFFLINE state machine. Only OFFLINE to ONLINE has a side effect.
type Monitor struct {
	prober          Prober
	sync            SyncFunc
	pending         PendingCounter
	sink            Sink
	settleDelay     time.Duration
	probeInterval   time.Duration
	pendingInterval time.Duration
	probeTimeout    time.Duration
	baseContext     context.Context
	logger          *zap.Logger

	mu          sync.Mutex
	state       State
	generation  uint64
	settleTimer *time.Timer
}

// New constructs a Monitor in the OFFLINE state.
func New(cfg Config) (*Monitor, error) {
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseContext := cfg.BaseContext
	if baseContext == nil {
		baseContext = context.Background()
	}
	return &Monitor{
		prober:          cfg.Prober,
		sync:            cfg.Sync,
		pending:         cfg.Pending,
		sink:            cfg.Sink,
		settleDelay:     durationOr(cfg.SettleDelay, defaultSettleDelay),
		probeInterval:   durationOr(cfg.ProbeInterval, defaultProbeInterval),
		pendingInterval: durationOr(cfg.PendingInterval, defaultPendingInterval),
		probeTimeout:    durationOr(cfg.ProbeTimeout, defaultProbeTimeout),
		baseContext:     baseContext,
		logger:          logger,
		state:           StateOffline,
	}, nil
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the current state is ONLINE.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// SetOnline feeds a platform connectivity signal into the state machine. Going online arms a
// single sync after the settle delay; dropping offline inside that window disarms it.
func (m *Monitor) SetOnline(online bool) {
	next := StateOffline
	if online {
		next = StateOnline
	}

	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.generation++
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	if next == StateOnline {
		generation := m.generation
		m.settleTimer = time.AfterFunc(m.settleDelay, func() { m.fireSync(generation) })
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.String("state", string(next)))
	if m.sink != nil {
		m.sink.SetOnline(online)
	}
}

// Run polls the prober and the pending count until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	var probeTicks <-chan time.Time
	if m.prober != nil {
		probeTicker := time.NewTicker(m.probeInterval)
		defer probeTicker.Stop()
		probeTicks = probeTicker.C
		m.probe(ctx)
	}
	pendingTicker := time.NewTicker(m.pendingInterval)
	defer pendingTicker.Stop()
	m.RefreshPending(ctx)

	for {
		select {
		case <-ctx.Done():
			m.disarm()
			return nil
		case <-probeTicks:
			m.probe(ctx)
		case <-pendingTicker.C:
			m.RefreshPending(ctx)
		}
	}
}

// RefreshPending recomputes the pending count and publishes it to the sink.
func (m *Monitor) RefreshPending(ctx context.Context) {
	if m.pending == nil || m.sink == nil {
		return
	}
	count, err := m.pending.Count(ctx)
	if err != nil {
		m.logger.Warn("pending count failed", zap.Error(err))
		return
	}
	m.sink.SetPending(count)
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	m.SetOnline(err == nil)
}

func (m *Monitor) fireSync(generation uint64) {
	m.mu.Lock()
	if generation != m.generation || m.state != StateOnline {
		m.mu.Unlock()
		return
	}
	m.settleTimer = nil
	m.mu.Unlock()

	if err := m.sync(m.baseContext); err != nil {
		m.logger.Error("reconnect sync failed", zap.Error(err))
	}
}

func (m *Monitor) disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
