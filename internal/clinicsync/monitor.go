package clinicsync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinicstack/clinicsync/internal/realtime"
)

type MonitorOptions struct {
	// Interval must stay shorter than the backend's idle-connection
	// lifetime. Default 30s.
	Interval time.Duration
	// MaxRebuilds bounds consecutive reconnection attempts. Default 5.
	MaxRebuilds int
	Logger      *logrus.Logger
}

// Monitor periodically inspects the subscription channel and drives bounded
// reconnection. Past the bound it stops for good: the UI runs without live
// updates until someone re-triggers synchronization manually.
type Monitor struct {
	sub         *Subscriber
	interval    time.Duration
	maxRebuilds int
	logger      *logrus.Logger

	mu       sync.Mutex
	attempts int
	halted   bool

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(sub *Subscriber, opts MonitorOptions) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	maxRebuilds := opts.MaxRebuilds
	if maxRebuilds <= 0 {
		maxRebuilds = defaultMaxRebuilds
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		sub:         sub,
		interval:    interval,
		maxRebuilds: maxRebuilds,
		logger:      logger,
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (m *Monitor) Start() {
	go m.loop()
}

// CheckNow requests an immediate inspection, used by transports that notice
// a disconnect before the next tick.
func (m *Monitor) CheckNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Stop halts the loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

// Attempts returns the current consecutive-failure count.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Halted reports whether the monitor gave up after exceeding the bound.
func (m *Monitor) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.kick:
		}
		if !m.tick(context.Background()) {
			return
		}
	}
}

// tick inspects the channel once. Returns false when monitoring must halt.
func (m *Monitor) tick(ctx context.Context) bool {
	state := m.sub.ChannelState()

	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return false
	}
	if state.Healthy() {
		if m.attempts != 0 {
			m.logger.WithField("attempts", m.attempts).Info("change feed recovered; attempt counter reset")
			m.attempts = 0
		}
		m.mu.Unlock()
		return true
	}
	if state != realtime.StateClosed && state != realtime.StateErrored {
		m.mu.Unlock()
		return true
	}

	m.attempts++
	if m.attempts > m.maxRebuilds {
		m.halted = true
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"state":    state.String(),
			"attempts": m.maxRebuilds,
		}).Error("change feed reconnection bound exceeded; monitoring stopped")
		return false
	}
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"state":   state.String(),
		"attempt": attempt,
	}).Warn("change feed down; rebuilding channel")
	if err := m.sub.Rebuild(ctx); err != nil {
		m.logger.WithField("attempt", attempt).WithError(err).Warn("channel rebuild failed")
		return true
	}
	if m.sub.ChannelState().Healthy() {
		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
	}
	return true
}
