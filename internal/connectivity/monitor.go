// Package connectivity tracks whether the device has a usable network path
// to the backend. The platform feeds raw link state in; the monitor layers a
// reachability probe on top and notifies subscribers on the offline-to-online
// edge only.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/crismedel/dogland-core/internal/errors"
	"github.com/crismedel/dogland-core/internal/logging"
)

// DefaultProbeURL answers 204 with an empty body when the request reaches
// the real backend instead of a captive portal.
const DefaultProbeURL = "https://api.dogland.app/generate_204"

// Config holds connectivity monitor configuration.
type Config struct {
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		ProbeURL:      DefaultProbeURL,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Subscription is a cancellable stream of online transitions. Each value on
// Events means the network just became usable; steady online state produces
// no further values.
type Subscription struct {
	monitor *Monitor
	events  chan struct{}
	once    sync.Once
}

// Events returns the transition stream. The channel is closed by Unsubscribe.
func (s *Subscription) Events() <-chan struct{} {
	return s.events
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.monitor.drop(s)
		close(s.events)
	})
}

// Monitor combines platform link state with periodic reachability probes.
type Monitor struct {
	mu          sync.Mutex
	linkUp      bool
	online      bool
	subscribers map[*Subscription]struct{}

	prober Prober
	config *Config
	log    *logging.Logger

	started bool
	stopCh  chan struct{}
	kickCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. A nil prober gets the default HTTP prober;
// a nil config gets defaults. The monitor starts offline until the platform
// reports link state and a probe succeeds.
func NewMonitor(prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if prober == nil {
		prober = NewHTTPProber(config.ProbeURL, config.ProbeTimeout)
	}

	return &Monitor{
		subscribers: make(map[*Subscription]struct{}),
		prober:      prober,
		config:      config,
		log:         logging.Get(),
		kickCh:      make(chan struct{}, 1),
	}
}

// Start launches the periodic probe loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New(errors.ErrInvalid, "connectivity monitor already started")
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(m.stopCh)

	m.log.Info("Connectivity monitor started", map[string]interface{}{
		"probe_interval": m.config.ProbeInterval.String(),
	})

	return nil
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) run(stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.CheckNow(context.Background())
		case <-m.kickCh:
			m.CheckNow(context.Background())
		}
	}
}

// ReportStatus feeds raw link state from the platform. Link loss takes
// effect immediately; link gain schedules a probe, since an associated radio
// says nothing about actual reachability.
func (m *Monitor) ReportStatus(linkUp bool) {
	m.mu.Lock()
	m.linkUp = linkUp
	started := m.started
	m.mu.Unlock()

	if !linkUp {
		m.setOnline(false)
		return
	}

	if started {
		select {
		case m.kickCh <- struct{}{}:
		default:
		}
	}
}

// CheckNow performs one probe and updates the usable state. Returns the
// resulting state. With the link down the probe is skipped entirely.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	m.mu.Lock()
	linkUp := m.linkUp
	m.mu.Unlock()

	if !linkUp {
		m.setOnline(false)
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	online := m.prober.Probe(probeCtx)
	m.setOnline(online)

	return online
}

// Online reports the last known usable state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers for online transitions. The returned subscription must
// be released with Unsubscribe.
func (m *Monitor) Subscribe() *Subscription {
	sub := &Subscription{
		monitor: m,
		events:  make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	m.mu.Unlock()

	return sub
}

func (m *Monitor) drop(sub *Subscription) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
}

// setOnline records the new state and, on the offline-to-online edge,
// notifies every subscriber. Notifications coalesce: a subscriber that has
// not consumed the previous signal does not queue another one.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if online {
		for sub := range m.subscribers {
			select {
			case sub.events <- struct{}{}:
			default:
			}
		}
	}
	m.mu.Unlock()

	if online {
		m.log.Info("Network became usable", nil)
	} else {
		m.log.Info("Network no longer usable", nil)
	}
}
