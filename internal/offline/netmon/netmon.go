// Package netmon observes connectivity and estimates link quality.
//
// The monitor combines two signals: a native link hook (ReportLinkState) for
// hosts that know when the interface goes down, and an active probe against
// the backend on a timer. The probe is always needed because the absence of a
// link-down event is not proof of connectivity. Quality is advisory: callers
// use it to tune backoff, never to skip an attempt.
package netmon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldkit/offsync/internal/offline/schedule"
)

// Quality is a coarse classification of the link.
type Quality string

const (
	QualityUnknown  Quality = "unknown"
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityPoor     Quality = "poor"
)

// BackoffFactor scales retry delays for the link quality.
func (q Quality) BackoffFactor() float64 {
	switch q {
	case QualityDegraded:
		return 2
	case QualityPoor:
		return 4
	}
	return 1
}

// State is the monitor's current view of the network.
type State struct {
	Online  bool    `json:"online"`
	Quality Quality `json:"quality"`

	// Since is when Online last changed.
	Since time.Time `json:"since"`

	LastProbe           time.Time     `json:"last_probe,omitempty"`
	LastLatency         time.Duration `json:"last_latency,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
}

// Transition is delivered to subscribers when Online changes.
type Transition struct {
	From State
	To   State
}

// WentOnline reports an offline→online transition.
func (t Transition) WentOnline() bool {
	return !t.From.Online && t.To.Online
}

// WentOffline reports an online→offline transition.
func (t Transition) WentOffline() bool {
	return t.From.Online && !t.To.Online
}

// Prober measures one round trip to the backend.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (time.Duration, error) {
	return f(ctx)
}

// Config holds configuration for the monitor.
type Config struct {
	// ProbeInterval is how often the fallback probe runs.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures before
	// the monitor declares the link offline.
	FailureThreshold int

	// GoodLatency and DegradedLatency are the upper bounds of the good and
	// degraded quality bands. Slower round trips are poor.
	GoodLatency     time.Duration
	DegradedLatency time.Duration

	// InitialOnline is the state assumed before the first signal.
	InitialOnline bool

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    15 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 2,
		GoodLatency:      300 * time.Millisecond,
		DegradedLatency:  1500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor tracks connectivity.
type Monitor struct {
	prober Prober
	sched  schedule.Scheduler
	config *Config

	mu    sync.Mutex
	state State

	subsMu sync.Mutex
	subs   map[int]func(Transition)
	nextID int

	// probeMu keeps probes from overlapping.
	probeMu sync.Mutex

	stop func()
}

// New creates a monitor. prober may be nil on hosts that only report
// native link state.
func New(prober Prober, sched schedule.Scheduler, config *Config) (*Monitor, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}

	return &Monitor{
		prober: prober,
		sched:  sched,
		config: config,
		state: State{
			Online:  config.InitialOnline,
			Quality: QualityUnknown,
			Since:   sched.Now(),
		},
		subs: make(map[int]func(Transition)),
	}, nil
}

// Start runs one probe immediately and then on every ProbeInterval until
// Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		m.config.Logger.Println("No prober configured; relying on native link reports")
		return
	}
	m.ProbeOnce(ctx)
	if m.config.ProbeInterval <= 0 {
		return
	}
	cancel := m.sched.ScheduleRecurring(m.config.ProbeInterval, func() {
		if ctx.Err() != nil {
			return
		}
		m.ProbeOnce(ctx)
	})

	m.mu.Lock()
	m.stop = cancel
	m.mu.Unlock()
}

// Stop cancels the recurring probe.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the link is currently believed up.
func (m *Monitor) IsOnline() bool {
	return m.State().Online
}

// Quality returns the current link quality.
func (m *Monitor) Quality() Quality {
	return m.State().Quality
}

// Subscribe registers fn for transitions. fn runs on the goroutine that
// observed the change and must not block. The returned function
// unsubscribes.
func (m *Monitor) Subscribe(fn func(Transition)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

// ProbeOnce runs a single probe and folds the result into the state.
func (m *Monitor) ProbeOnce(ctx context.Context) State {
	if m.prober == nil {
		return m.State()
	}

	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx := ctx
	if m.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.config.ProbeTimeout)
		defer cancel()
	}

	latency, err := m.prober.Probe(probeCtx)
	if err != nil {
		return m.recordFailure(err)
	}
	return m.recordSuccess(latency)
}

// ReportLinkState is the native link hook. A link-down report takes the
// monitor offline at once; a link-up report is confirmed with a probe when
// one is configured.
func (m *Monitor) ReportLinkState(ctx context.Context, up bool) State {
	if !up {
		return m.update(func(s *State) {
			s.Online = false
			s.Quality = QualityUnknown
		})
	}
	if m.prober != nil {
		return m.ProbeOnce(ctx)
	}
	return m.update(func(s *State) {
		s.Online = true
		s.ConsecutiveFailures = 0
	})
}

func (m *Monitor) recordSuccess(latency time.Duration) State {
	return m.update(func(s *State) {
		s.Online = true
		s.ConsecutiveFailures = 0
		s.LastProbe = m.sched.Now()
		s.LastLatency = latency
		s.Quality = m.classify(latency)
	})
}

func (m *Monitor) recordFailure(err error) State {
	return m.update(func(s *State) {
		s.ConsecutiveFailures++
		s.LastProbe = m.sched.Now()
		if s.ConsecutiveFailures >= m.config.FailureThreshold {
			if s.Online {
				m.config.Logger.Printf("Probe failed %d times, going offline: %v", s.ConsecutiveFailures, err)
			}
			s.Online = false
			s.Quality = QualityUnknown
		} else {
			s.Quality = QualityPoor
		}
	})
}

func (m *Monitor) classify(latency time.Duration) Quality {
	switch {
	case latency < m.config.GoodLatency:
		return QualityGood
	case latency < m.config.DegradedLatency:
		return QualityDegraded
	default:
		return QualityPoor
	}
}

// update applies fn to the state and notifies subscribers if Online changed.
func (m *Monitor) update(fn func(s *State)) State {
	m.mu.Lock()
	before := m.state
	fn(&m.state)
	if m.state.Online != before.Online {
		m.state.Since = m.sched.Now()
	}
	after := m.state
	m.mu.Unlock()

	if before.Online != after.Online {
		if after.Online {
			m.config.Logger.Printf("Online (quality %s)", after.Quality)
		} else {
			m.config.Logger.Println("Offline")
		}
		m.notify(Transition{From: before, To: after})
	}
	return after
}

func (m *Monitor) notify(t Transition) {
	m.subsMu.Lock()
	subs := make([]func(Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(t)
	}
}
