// Package netmon tracks network connectivity for dispatch admission. A
// background observer drives a pluggable probe; host platforms that receive
// OS connectivity callbacks can push state directly instead.
package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// State is a connectivity snapshot.
type State struct {
	Connected bool
	Metered   bool
}

// Probe checks connectivity. Implementations should be cheap; the monitor
// calls them on every poll interval.
type Probe interface {
	Check(ctx context.Context) State
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) State

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context) State {
	return f(ctx)
}

// DialProbe reports connected when a TCP dial to Address succeeds. It never
// reports a metered link; metered detection needs platform callbacks.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

// Check implements Probe.
func (p DialProbe) Check(ctx context.Context) State {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.Address)
	if err != nil {
		return State{}
	}
	_ = conn.Close()
	return State{Connected: true}
}

// Monitor exposes the latest connectivity state. There is a single writer
// goroutine; reads may come from any goroutine.
type Monitor struct {
	probe    Probe
	interval time.Duration

	mu    sync.RWMutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor. A nil probe leaves the monitor push-only via
// SetState, starting as connected and unmetered.
func New(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		state:    State{Connected: true},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the observer goroutine when a probe is configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}

	m.state = m.probe.Check(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				next := m.probe.Check(ctx)
				m.mu.Lock()
				prev := m.state
				m.state = next
				m.mu.Unlock()
				if prev != next {
					slog.Info("network state changed",
						"connected", next.Connected,
						"metered", next.Metered,
					)
				}
			}
		}
	}()
}

// Stop halts the observer goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// State returns the latest connectivity snapshot.
func (m *Monitor) State() (connected, metered bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Connected, m.state.Metered
}

// SetState pushes a connectivity update from a platform callback.
func (m *Monitor) SetState(connected, metered bool) {
	m.mu.Lock()
	m.state = State{Connected: connected, Metered: metered}
	m.mu.Unlock()
}
