// Package health tracks the status of every external collaborator, probes the
// ones that can be pinged, and short-circuits calls to components known to be
// over quota or misconfigured.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/provider"
	"github.com/WessleyAI/wessley-qa/pkg/metrics"
	"github.com/WessleyAI/wessley-qa/pkg/resilience"
)

// Status of a component.
type Status string

const (
	StatusHealthy       Status = "healthy"
	StatusUnhealthy     Status = "unhealthy"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusUnauthorized  Status = "unauthorized"
)

var allStatuses = []string{
	string(StatusHealthy), string(StatusUnhealthy), string(StatusQuotaExceeded), string(StatusUnauthorized),
}

// severity orders statuses for the overall report.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnhealthy:
		return 1
	case StatusQuotaExceeded:
		return 2
	case StatusUnauthorized:
		return 3
	}
	return 1
}

// Well-known component names.
const (
	ComponentEmbedding  = "embedding"
	ComponentCompletion = "completion"
	ComponentIndex      = "vector_index"
	ComponentStore      = "qa_store"
	ComponentEnrichment = "enrichment"
)

// Pinger is implemented by components that support a cheap liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ShortCircuitError is returned by Allow while a component's breaker is open.
type ShortCircuitError struct {
	Component string
	Status    Status
}

func (e *ShortCircuitError) Error() string {
	return fmt.Sprintf("health: %s short-circuited (%s)", e.Component, e.Status)
}

// Unwrap maps the remembered status onto the pipeline error kinds.
func (e *ShortCircuitError) Unwrap() []error {
	switch e.Status {
	case StatusQuotaExceeded:
		return []error{resilience.ErrCircuitOpen, domain.ErrQuotaExceeded}
	case StatusUnauthorized:
		return []error{resilience.ErrCircuitOpen, domain.ErrUnauthorized}
	}
	return []error{resilience.ErrCircuitOpen}
}

// ComponentStatus is one line of a Report.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
	Breaker   string    `json:"breaker"`
	RetryAt   time.Time `json:"retry_at,omitzero"`
	Probed    bool      `json:"probed"`
}

// Report is a point-in-time view of every registered component.
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Healthy reports whether every component is healthy.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// Options configures a Monitor.
type Options struct {
	// QuotaCooldown is how long a rate-limited component is short-circuited.
	QuotaCooldown time.Duration
	// AuthCooldown is how long an unauthorized component is short-circuited.
	AuthCooldown time.Duration
	// FailThreshold consecutive transient failures open the breaker for OpenTimeout.
	FailThreshold int
	OpenTimeout   time.Duration
	ProbeTimeout  time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		QuotaCooldown: 5 * time.Minute,
		AuthCooldown:  15 * time.Minute,
		FailThreshold: 5,
		OpenTimeout:   30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

type component struct {
	pinger    Pinger
	breaker   *resilience.Breaker
	status    Status
	lastErr   string
	checkedAt time.Time
}

// Monitor records per-component status from call outcomes and probes.
type Monitor struct {
	mu    sync.RWMutex
	comps map[string]*component
	opts  Options
	now   func() time.Time
}

func NewMonitor(opts Options) *Monitor {
	def := DefaultOptions()
	if opts.QuotaCooldown <= 0 {
		opts.QuotaCooldown = def.QuotaCooldown
	}
	if opts.AuthCooldown <= 0 {
		opts.AuthCooldown = def.AuthCooldown
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = def.FailThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = def.OpenTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{comps: map[string]*component{}, opts: opts, now: time.Now}
}

// Register adds a component. p may be nil, in which case the component is
// tracked only from reported call outcomes.
func (m *Monitor) Register(name string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.comps[name]; ok {
		c.pinger = p
		return
	}
	m.comps[name] = &component{
		pinger: p,
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: m.opts.FailThreshold,
			Timeout:       m.opts.OpenTimeout,
			HalfOpenMax:   1,
		}),
		status: StatusHealthy,
	}
	m.opts.Metrics.SetStatus(name, string(StatusHealthy), allStatuses)
}

func (m *Monitor) get(name string) *component {
	m.mu.RLock()
	c := m.comps[name]
	m.mu.RUnlock()
	if c != nil {
		return c
	}
	m.Register(name, nil)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.comps[name]
}

// Classify maps a call outcome onto a component status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusHealthy
	case errors.Is(err, provider.ErrRateLimited), errors.Is(err, domain.ErrQuotaExceeded):
		return StatusQuotaExceeded
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, provider.ErrUnauthorized):
		return StatusUnauthorized
	}
	return StatusUnhealthy
}

// Report records the outcome of a call to name. Quota and authorization
// failures open the component's breaker for their cooldown; other failures
// count towards the breaker threshold. Cancellations are ignored.
func (m *Monitor) Report(name string, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	var short *ShortCircuitError
	if errors.As(err, &short) {
		return
	}
	c := m.get(name)
	st := Classify(err)

	switch st {
	case StatusHealthy:
		// A quota or authorization cooldown is only lifted by time.
		if p := m.Status(name); (p == StatusQuotaExceeded || p == StatusUnauthorized) &&
			c.breaker.State() == resilience.StateOpen {
			return
		}
		c.breaker.Reset()
	case StatusQuotaExceeded:
		c.breaker.Trip(m.opts.QuotaCooldown)
	case StatusUnauthorized:
		c.breaker.Trip(m.opts.AuthCooldown)
	default:
		c.breaker.Failure()
	}

	m.mu.Lock()
	prev := c.status
	c.status = st
	c.checkedAt = m.now()
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
	}
	m.mu.Unlock()

	if prev != st {
		level := slog.LevelWarn
		if st == StatusHealthy {
			level = slog.LevelInfo
		}
		m.opts.Logger.Log(context.Background(), level, "health: component status changed",
			"component", name, "from", prev, "to", st, "err", err)
	}
	m.opts.Metrics.SetStatus(name, string(st), allStatuses)
}

// Allow reports whether calls to name should proceed. While the breaker is
// open it returns a *ShortCircuitError carrying the last known status.
func (m *Monitor) Allow(name string) error {
	c := m.get(name)
	if err := c.breaker.Allow(); err != nil {
		m.mu.RLock()
		st := c.status
		m.mu.RUnlock()
		if st == StatusHealthy {
			st = StatusUnhealthy
		}
		return &ShortCircuitError{Component: name, Status: st}
	}
	return nil
}

// Status returns the last known status of name.
func (m *Monitor) Status(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.comps[name]; ok {
		return c.status
	}
	return StatusHealthy
}

// Probe pings every component that supports it, concurrently, and returns the
// resulting snapshot.
func (m *Monitor) Probe(ctx context.Context) Report {
	m.mu.RLock()
	targets := map[string]Pinger{}
	for name, c := range m.comps {
		if c.pinger != nil {
			targets[name] = c.pinger
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, p := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
			defer cancel()
			m.Report(name, p.Ping(pctx))
		}()
	}
	wg.Wait()
	return m.Snapshot()
}

// Snapshot returns the current report without probing.
func (m *Monitor) Snapshot() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{Status: StatusHealthy, CheckedAt: m.now().UTC()}
	for name, c := range m.comps {
		r.Components = append(r.Components, ComponentStatus{
			Name:      name,
			Status:    c.status,
			LastError: c.lastErr,
			CheckedAt: c.checkedAt,
			Breaker:   c.breaker.State().String(),
			RetryAt:   c.breaker.OpenUntil(),
			Probed:    c.pinger != nil,
		})
		if c.status.severity() > r.Status.severity() {
			r.Status = c.status
		}
	}
	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].Name < r.Components[j].Name })
	return r
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
