// Package connectivity tracks whether the device can reach the network.
//
// A Monitor probes a target on a fixed interval and keeps a single
// online/offline flag. Subscribers are notified synchronously, exactly
// once per observed transition; an unchanged result notifies nobody.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/keysync/internal/observer"
	"github.com/alexjbarnes/keysync/internal/schedule"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultTarget   = "1.1.1.1:443"
)

// ChangeType classifies a probe result relative to the previous state.
type ChangeType string

const (
	CameOnline  ChangeType = "came_online"
	WentOffline ChangeType = "went_offline"
	NoChange    ChangeType = "no_change"
)

// Change describes one probe outcome. Subscribers only ever receive
// CameOnline or WentOffline.
type Change struct {
	Online              bool
	Type                ChangeType
	At                  time.Time
	ConsecutiveFailures int
}

// Options configures a monitoring run. Zero values take the defaults.
type Options struct {
	Interval time.Duration
	Target   string
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.Target == "" {
		o.Target = DefaultTarget
	}

	return o
}

// Info is a point-in-time snapshot of the monitor.
type Info struct {
	Online              bool          `json:"online"`
	LastOnline          time.Time     `json:"last_online"`
	LastOffline         time.Time     `json:"last_offline"`
	LastCheck           time.Time     `json:"last_check"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Monitoring          bool          `json:"monitoring"`
	Target              string        `json:"target"`
	Interval            time.Duration `json:"interval"`
}

// MonitorConfig holds the collaborators of a Monitor.
type MonitorConfig struct {
	Prober Prober
	// MinProbeSpacing rate limits probes, including CheckNow bursts.
	// Zero disables limiting.
	MinProbeSpacing time.Duration
}

// Monitor owns the connectivity state. All writes happen in probe, which
// is serialized by probeMu so transitions are observed in order.
type Monitor struct {
	prober  Prober
	limiter *rate.Limiter
	logger  *slog.Logger

	probeMu sync.Mutex

	mu          sync.Mutex
	online      bool
	lastOnline  time.Time
	lastOffline time.Time
	lastCheck   time.Time
	failures    int
	opts        Options
	task        *schedule.Task

	subs observer.List[func(Change)]
}

// NewMonitor creates an idle Monitor. The initial state is offline.
func NewMonitor(cfg MonitorConfig, logger *slog.Logger) *Monitor {
	prober := cfg.Prober
	if prober == nil {
		prober = DialProber{}
	}

	limit := rate.Inf
	if cfg.MinProbeSpacing > 0 {
		limit = rate.Every(cfg.MinProbeSpacing)
	}

	return &Monitor{
		prober:  prober,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		opts:    Options{}.withDefaults(),
	}
}

// Subscribe registers fn for transition notifications and returns a
// function that removes it. fn runs on the probing goroutine and must not
// call Stop.
func (m *Monitor) Subscribe(fn func(Change)) (unsubscribe func()) {
	return m.subs.Add(fn)
}

// Start begins periodic probing. The first probe runs immediately.
// Calling Start on a running monitor restarts it with the new options.
func (m *Monitor) Start(ctx context.Context, opts Options) {
	m.Stop()

	opts = opts.withDefaults()

	m.mu.Lock()
	m.opts = opts
	m.task = schedule.Every(ctx, opts.Interval, true, func(taskCtx context.Context) {
		m.probe(taskCtx)
	})
	m.mu.Unlock()

	m.logger.Info("connectivity monitoring started",
		slog.String("target", opts.Target),
		slog.Duration("interval", opts.Interval),
		slog.Duration("timeout", opts.Timeout),
	)
}

// Stop cancels the probe loop and waits for it to exit. Safe to call when
// not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()

	if task == nil {
		return
	}

	task.Cancel()
	task.Wait()

	m.logger.Info("connectivity monitoring stopped")
}

// CheckNow forces an immediate probe and returns the resulting state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	return m.probe(ctx).Online
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Info returns a snapshot of the monitor state.
func (m *Monitor) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Info{
		Online:              m.online,
		LastOnline:          m.lastOnline,
		LastOffline:         m.lastOffline,
		LastCheck:           m.lastCheck,
		ConsecutiveFailures: m.failures,
		Monitoring:          m.task != nil,
		Target:              m.opts.Target,
		Interval:            m.opts.Interval,
	}
}

// probe runs one bounded reachability check, records the result and
// notifies subscribers if the state flipped.
func (m *Monitor) probe(ctx context.Context) Change {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.Lock()
	opts := m.opts
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := m.limiter.Wait(probeCtx); err != nil {
		// Rate limited out of the probe budget: report the current state
		// without counting it as a network failure.
		m.mu.Lock()
		defer m.mu.Unlock()

		return Change{Online: m.online, Type: NoChange, At: time.Now(), ConsecutiveFailures: m.failures}
	}

	err := m.safeProbe(probeCtx, opts.Target)
	change := m.record(err == nil, time.Now())

	if err != nil {
		m.logger.Debug("connectivity probe failed",
			slog.String("target", opts.Target),
			slog.Int("consecutive_failures", change.ConsecutiveFailures),
			slog.String("error", err.Error()),
		)
	}

	if change.Type != NoChange {
		m.logger.Info("connectivity changed",
			slog.String("change", string(change.Type)),
			slog.String("target", opts.Target),
		)
		m.notify(change)
	}

	return change
}

// safeProbe converts prober panics into errors. Probe failures never
// reach the caller as anything but "offline".
func (m *Monitor) safeProbe(ctx context.Context, target string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	return m.prober.Probe(ctx, target)
}

func (m *Monitor) record(ok bool, now time.Time) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.online
	m.online = ok
	m.lastCheck = now

	if ok {
		m.failures = 0
		m.lastOnline = now
	} else {
		m.failures++
		m.lastOffline = now
	}

	change := Change{
		Online:              ok,
		Type:                classify(prev, ok),
		At:                  now,
		ConsecutiveFailures: m.failures,
	}

	return change
}

func classify(prev, cur bool) ChangeType {
	switch {
	case prev == cur:
		return NoChange
	case cur:
		return CameOnline
	default:
		return WentOffline
	}
}

func (m *Monitor) notify(change Change) {
	for _, fn := range m.subs.Snapshot() {
		fn(change)
	}
}
